package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/labgate/pkg/unlock"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	errorOperationStore     = "store"
	errorSubjectDevice      = "device"
	errorSubjectGrant       = "grant"
	errorSubjectProduct     = "product"
	errorSubjectDemand      = "demand"
	errorSubjectScan        = "scan"
	errorSubjectVoter       = "voter"
	errorSubjectStatus      = "status"
	errorCodeAdjust         = "adjust"
	errorCodeCount          = "count"
	errorCodeCreate         = "create"
	errorCodeGet            = "get"
	errorCodeIncrement      = "increment"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeLookup         = "lookup"
	errorCodePrune          = "prune"
	errorCodeUpdate         = "update"
	errorCodeUpdateStatus   = "update_status"
	errorCodeUpdateDerived  = "update_derived"
	columnCreditsUsed       = "credits_used"
	columnDeviceID          = "device_id"
	columnLinkedAccountID   = "linked_account_id"
	columnEmailsSeen        = "emails_seen"
	columnAbuseSuspected    = "abuse_suspected"
	columnLinkageVersion    = "linkage_version"
	columnIsBanned          = "is_banned"
	columnUpdatedAt         = "updated_at"
)

// Store implements unlock.Store and unlock.ProductCatalog using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore unlock.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetOrCreateDeviceCredit(ctx context.Context, deviceID unlock.DeviceID) (unlock.DeviceCredit, error) {
	model := DeviceCredit{
		DeviceID:   deviceID.String(),
		EmailsSeen: datatypes.NewJSONSlice([]string{}),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: columnDeviceID}}, DoNothing: true}).
		Create(&model).Error
	if err != nil {
		return unlock.DeviceCredit{}, wrapUnlockStoreError(errorSubjectDevice, errorCodeCreate, err)
	}
	return store.GetDeviceCredit(ctx, deviceID)
}

func (store *Store) GetDeviceCredit(ctx context.Context, deviceID unlock.DeviceID) (unlock.DeviceCredit, error) {
	var model DeviceCredit
	err := store.db.WithContext(ctx).Where("device_id = ?", deviceID.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return unlock.DeviceCredit{}, wrapUnlockStoreError(errorSubjectDevice, errorCodeGet, unlock.ErrUnknownDevice)
		}
		return unlock.DeviceCredit{}, wrapUnlockStoreError(errorSubjectDevice, errorCodeGet, err)
	}
	credit, err := mapDeviceCredit(model)
	if err != nil {
		return unlock.DeviceCredit{}, wrapUnlockStoreError(errorSubjectDevice, errorCodeInvalid, err)
	}
	return credit, nil
}

// AdjustCreditsUsed applies delta with a single conditional UPDATE and reads the result back inside the same transaction.
func (store *Store) AdjustCreditsUsed(ctx context.Context, deviceID unlock.DeviceID, delta int64) (int64, error) {
	var creditsUsed int64
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		result := transaction.
			Model(&DeviceCredit{}).
			Where("device_id = ? AND credits_used + ? >= 0", deviceID.String(), delta).
			Updates(map[string]any{
				columnCreditsUsed: gorm.Expr("credits_used + ?", delta),
				columnUpdatedAt:   time.Now().UTC(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			var count int64
			if err := transaction.Model(&DeviceCredit{}).Where("device_id = ?", deviceID.String()).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return unlock.ErrUnknownDevice
			}
			return unlock.ErrCreditUnderflow
		}
		return transaction.
			Model(&DeviceCredit{}).
			Select(columnCreditsUsed).
			Where("device_id = ?", deviceID.String()).
			Row().
			Scan(&creditsUsed)
	})
	if err != nil {
		return 0, wrapUnlockStoreError(errorSubjectDevice, errorCodeAdjust, err)
	}
	return creditsUsed, nil
}

// SaveDeviceLinkage is a compare-and-set on linkage_version; a lost race reports false and leaves the row alone.
func (store *Store) SaveDeviceLinkage(ctx context.Context, deviceID unlock.DeviceID, linkage unlock.DeviceLinkage) (bool, error) {
	updates := map[string]any{
		columnEmailsSeen:     datatypes.NewJSONSlice(emailStrings(linkage.EmailsSeen)),
		columnAbuseSuspected: linkage.AbuseSuspected,
		columnLinkageVersion: gorm.Expr("linkage_version + 1"),
		columnUpdatedAt:      time.Now().UTC(),
	}
	if !linkage.LinkedAccountID.IsZero() {
		updates[columnLinkedAccountID] = gorm.Expr("coalesce(linked_account_id, ?)", linkage.LinkedAccountID.String())
	}
	result := store.db.WithContext(ctx).
		Model(&DeviceCredit{}).
		Where("device_id = ? AND linkage_version = ?", deviceID.String(), linkage.Version).
		Updates(updates)
	if result.Error != nil {
		return false, wrapUnlockStoreError(errorSubjectDevice, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 1 {
		return true, nil
	}
	var count int64
	if err := store.db.WithContext(ctx).Model(&DeviceCredit{}).Where("device_id = ?", deviceID.String()).Count(&count).Error; err != nil {
		return false, wrapUnlockStoreError(errorSubjectDevice, errorCodeUpdate, err)
	}
	if count == 0 {
		return false, wrapUnlockStoreError(errorSubjectDevice, errorCodeUpdate, unlock.ErrUnknownDevice)
	}
	return false, nil
}

func (store *Store) SetDeviceBanned(ctx context.Context, deviceID unlock.DeviceID, banned bool) error {
	result := store.db.WithContext(ctx).
		Model(&DeviceCredit{}).
		Where("device_id = ?", deviceID.String()).
		Updates(map[string]any{columnIsBanned: banned, columnUpdatedAt: time.Now().UTC()})
	if result.Error != nil {
		return wrapUnlockStoreError(errorSubjectDevice, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapUnlockStoreError(errorSubjectDevice, errorCodeUpdate, unlock.ErrUnknownDevice)
	}
	return nil
}

func (store *Store) FindGrant(ctx context.Context, productID unlock.ProductID, subjects []unlock.SubjectKey) (unlock.UnlockGrant, bool, error) {
	if len(subjects) == 0 {
		return unlock.UnlockGrant{}, false, nil
	}
	subjectValues := make([]string, 0, len(subjects))
	for _, subject := range subjects {
		subjectValues = append(subjectValues, subject.String())
	}
	var model UnlockGrant
	err := store.db.WithContext(ctx).
		Where("product_id = ? AND subject_key IN ?", productID.String(), subjectValues).
		Order("granted_at ASC").
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return unlock.UnlockGrant{}, false, nil
	}
	if err != nil {
		return unlock.UnlockGrant{}, false, wrapUnlockStoreError(errorSubjectGrant, errorCodeLookup, err)
	}
	grant, err := mapUnlockGrant(model)
	if err != nil {
		return unlock.UnlockGrant{}, false, wrapUnlockStoreError(errorSubjectGrant, errorCodeInvalid, err)
	}
	return grant, true, nil
}

func (store *Store) CreateGrant(ctx context.Context, grant unlock.UnlockGrant) (bool, error) {
	model := UnlockGrant{
		SubjectKey: grant.SubjectKey.String(),
		ProductID:  grant.ProductID.String(),
		GrantType:  grant.GrantType.String(),
		GrantedAt:  time.Unix(grant.GrantedAtUnixUTC, 0).UTC(),
	}
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "subject_key"}, {Name: "product_id"}},
			DoNothing: true,
		}).
		Create(&model)
	if isUniqueConflict(result.Error) {
		return false, nil
	}
	if result.Error != nil {
		return false, wrapUnlockStoreError(errorSubjectGrant, errorCodeInsert, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (store *Store) ProductExists(ctx context.Context, productID unlock.ProductID) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).Model(&Product{}).Where("product_id = ?", productID.String()).Count(&count).Error
	if err != nil {
		return false, wrapUnlockStoreError(errorSubjectProduct, errorCodeLookup, err)
	}
	return count > 0, nil
}

// RegisterProduct inserts the product or refreshes its title.
func (store *Store) RegisterProduct(ctx context.Context, product unlock.Product) error {
	model := Product{ProductID: product.ProductID.String(), Title: product.Title}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "product_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"title"}),
		}).
		Create(&model).Error
	if err != nil {
		return wrapUnlockStoreError(errorSubjectProduct, errorCodeCreate, err)
	}
	return nil
}

func wrapUnlockStoreError(subject string, code string, err error) error {
	return unlock.WrapError(errorOperationStore, subject, code, err)
}

func mapDeviceCredit(model DeviceCredit) (unlock.DeviceCredit, error) {
	deviceID, err := unlock.NewDeviceID(model.DeviceID)
	if err != nil {
		return unlock.DeviceCredit{}, err
	}
	var linkedAccountID unlock.AccountID
	if model.LinkedAccountID != nil {
		linkedAccountID, err = unlock.NewOptionalAccountID(*model.LinkedAccountID)
		if err != nil {
			return unlock.DeviceCredit{}, err
		}
	}
	emails := make([]unlock.Email, 0, len(model.EmailsSeen))
	for _, raw := range model.EmailsSeen {
		email, err := unlock.NewEmail(raw)
		if err != nil {
			return unlock.DeviceCredit{}, err
		}
		emails = append(emails, email)
	}
	return unlock.DeviceCredit{
		DeviceID:        deviceID,
		CreditsUsed:     model.CreditsUsed,
		IsBanned:        model.IsBanned,
		LinkedAccountID: linkedAccountID,
		EmailsSeen:      emails,
		AbuseSuspected:  model.AbuseSuspected,
		LinkageVersion:  model.LinkageVersion,
	}, nil
}

func mapUnlockGrant(model UnlockGrant) (unlock.UnlockGrant, error) {
	subject, err := unlock.ParseSubjectKey(model.SubjectKey)
	if err != nil {
		return unlock.UnlockGrant{}, err
	}
	productID, err := unlock.NewProductID(model.ProductID)
	if err != nil {
		return unlock.UnlockGrant{}, err
	}
	grantType, err := unlock.ParseGrantType(model.GrantType)
	if err != nil {
		return unlock.UnlockGrant{}, err
	}
	return unlock.UnlockGrant{
		SubjectKey:       subject,
		ProductID:        productID,
		GrantType:        grantType,
		GrantedAtUnixUTC: model.GrantedAt.Unix(),
	}, nil
}

func emailStrings(emails []unlock.Email) []string {
	values := make([]string, 0, len(emails))
	for _, email := range emails {
		values = append(values, email.String())
	}
	return values
}
