package pgstore

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/labgate/pkg/unlock"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolationCode   = "23505"
	errorOperationStore     = "store"
	errorSubjectDevice      = "device"
	errorSubjectGrant       = "grant"
	errorSubjectProduct     = "product"
	errorSubjectTransaction = "transaction"
	errorCodeAdjust         = "adjust"
	errorCodeBegin          = "begin"
	errorCodeCommit         = "commit"
	errorCodeCreate         = "create"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeLookup         = "lookup"
	errorCodeUpdate         = "update"

	sqlInsertDeviceCredit = `
		insert into device_credits(device_id, credits_used, is_banned, emails_seen, abuse_suspected, linkage_version, created_at, updated_at)
		values ($1, 0, false, '[]'::jsonb, false, 0, now(), now())
		on conflict (device_id) do nothing
	`

	sqlSelectDeviceCredit = `
		select
			device_id,
			credits_used,
			is_banned,
			coalesce(linked_account_id, ''),
			array(select jsonb_array_elements_text(emails_seen)),
			abuse_suspected,
			linkage_version
		from device_credits
		where device_id = $1
	`

	// The guard and the increment are one statement, so concurrent reservations serialize on the row lock.
	sqlAdjustCreditsUsed = `
		update device_credits
		set credits_used = credits_used + $2, updated_at = now()
		where device_id = $1 and credits_used + $2 >= 0
		returning credits_used
	`

	sqlDeviceExists = `select exists(select 1 from device_credits where device_id = $1)`

	sqlSaveDeviceLinkage = `
		update device_credits
		set linked_account_id = coalesce(linked_account_id, nullif($2, '')),
			emails_seen = to_jsonb($3::text[]),
			abuse_suspected = $4,
			linkage_version = linkage_version + 1,
			updated_at = now()
		where device_id = $1 and linkage_version = $5
	`

	sqlSetDeviceBanned = `
		update device_credits
		set is_banned = $2, updated_at = now()
		where device_id = $1
	`

	sqlSelectGrant = `
		select subject_key, product_id, grant_type, extract(epoch from granted_at)::bigint
		from unlock_grants
		where product_id = $1 and subject_key = any($2)
		order by granted_at asc
		limit 1
	`

	sqlInsertGrant = `
		insert into unlock_grants(grant_id, subject_key, product_id, grant_type, granted_at)
		values (gen_random_uuid(), $1, $2, $3, to_timestamp($4))
		on conflict (subject_key, product_id) do nothing
	`

	sqlProductExists = `select exists(select 1 from products where product_id = $1)`

	sqlUpsertProduct = `
		insert into products(product_id, title, created_at) values ($1, $2, now())
		on conflict (product_id) do update set title = excluded.title
	`
)

// querier is satisfied by both the pool and an open transaction.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

// Store implements unlock.Store and unlock.ProductCatalog using a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
	db   querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore unlock.Store) error) error {
	if store.pool == nil {
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &Store{db: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) GetOrCreateDeviceCredit(ctx context.Context, deviceID unlock.DeviceID) (unlock.DeviceCredit, error) {
	if _, err := store.db.Exec(ctx, sqlInsertDeviceCredit, deviceID.String()); err != nil {
		return unlock.DeviceCredit{}, wrapStoreError(errorSubjectDevice, errorCodeCreate, err)
	}
	return store.GetDeviceCredit(ctx, deviceID)
}

func (store *Store) GetDeviceCredit(ctx context.Context, deviceID unlock.DeviceID) (unlock.DeviceCredit, error) {
	var (
		deviceValue    string
		creditsUsed    int64
		isBanned       bool
		accountValue   string
		emailValues    []string
		abuseSuspected bool
		linkageVersion int64
	)
	err := store.db.QueryRow(ctx, sqlSelectDeviceCredit, deviceID.String()).Scan(
		&deviceValue,
		&creditsUsed,
		&isBanned,
		&accountValue,
		&emailValues,
		&abuseSuspected,
		&linkageVersion,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return unlock.DeviceCredit{}, wrapStoreError(errorSubjectDevice, errorCodeGet, unlock.ErrUnknownDevice)
		}
		return unlock.DeviceCredit{}, wrapStoreError(errorSubjectDevice, errorCodeGet, err)
	}
	credit, err := mapDeviceCredit(deviceValue, creditsUsed, isBanned, accountValue, emailValues, abuseSuspected, linkageVersion)
	if err != nil {
		return unlock.DeviceCredit{}, wrapStoreError(errorSubjectDevice, errorCodeInvalid, err)
	}
	return credit, nil
}

func (store *Store) AdjustCreditsUsed(ctx context.Context, deviceID unlock.DeviceID, delta int64) (int64, error) {
	var creditsUsed int64
	err := store.db.QueryRow(ctx, sqlAdjustCreditsUsed, deviceID.String(), delta).Scan(&creditsUsed)
	if err == nil {
		return creditsUsed, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, wrapStoreError(errorSubjectDevice, errorCodeAdjust, err)
	}
	var exists bool
	if err := store.db.QueryRow(ctx, sqlDeviceExists, deviceID.String()).Scan(&exists); err != nil {
		return 0, wrapStoreError(errorSubjectDevice, errorCodeAdjust, err)
	}
	if !exists {
		return 0, wrapStoreError(errorSubjectDevice, errorCodeAdjust, unlock.ErrUnknownDevice)
	}
	return 0, wrapStoreError(errorSubjectDevice, errorCodeAdjust, unlock.ErrCreditUnderflow)
}

func (store *Store) SaveDeviceLinkage(ctx context.Context, deviceID unlock.DeviceID, linkage unlock.DeviceLinkage) (bool, error) {
	emails := make([]string, 0, len(linkage.EmailsSeen))
	for _, email := range linkage.EmailsSeen {
		emails = append(emails, email.String())
	}
	tag, err := store.db.Exec(ctx, sqlSaveDeviceLinkage, deviceID.String(), linkage.LinkedAccountID.String(), emails, linkage.AbuseSuspected, linkage.Version)
	if err != nil {
		return false, wrapStoreError(errorSubjectDevice, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	var exists bool
	if err := store.db.QueryRow(ctx, sqlDeviceExists, deviceID.String()).Scan(&exists); err != nil {
		return false, wrapStoreError(errorSubjectDevice, errorCodeUpdate, err)
	}
	if !exists {
		return false, wrapStoreError(errorSubjectDevice, errorCodeUpdate, unlock.ErrUnknownDevice)
	}
	return false, nil
}

func (store *Store) SetDeviceBanned(ctx context.Context, deviceID unlock.DeviceID, banned bool) error {
	tag, err := store.db.Exec(ctx, sqlSetDeviceBanned, deviceID.String(), banned)
	return requireRow(tag, err, errorSubjectDevice, errorCodeUpdate)
}

func (store *Store) FindGrant(ctx context.Context, productID unlock.ProductID, subjects []unlock.SubjectKey) (unlock.UnlockGrant, bool, error) {
	if len(subjects) == 0 {
		return unlock.UnlockGrant{}, false, nil
	}
	subjectValues := make([]string, 0, len(subjects))
	for _, subject := range subjects {
		subjectValues = append(subjectValues, subject.String())
	}
	var (
		subjectValue   string
		productValue   string
		grantTypeValue string
		grantedAt      int64
	)
	err := store.db.QueryRow(ctx, sqlSelectGrant, productID.String(), subjectValues).Scan(&subjectValue, &productValue, &grantTypeValue, &grantedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return unlock.UnlockGrant{}, false, nil
	}
	if err != nil {
		return unlock.UnlockGrant{}, false, wrapStoreError(errorSubjectGrant, errorCodeLookup, err)
	}
	grant, err := mapUnlockGrant(subjectValue, productValue, grantTypeValue, grantedAt)
	if err != nil {
		return unlock.UnlockGrant{}, false, wrapStoreError(errorSubjectGrant, errorCodeInvalid, err)
	}
	return grant, true, nil
}

func (store *Store) CreateGrant(ctx context.Context, grant unlock.UnlockGrant) (bool, error) {
	tag, err := store.db.Exec(ctx, sqlInsertGrant,
		grant.SubjectKey.String(),
		grant.ProductID.String(),
		grant.GrantType.String(),
		grant.GrantedAtUnixUTC,
	)
	if isUniqueConflict(err) {
		return false, nil
	}
	if err != nil {
		return false, wrapStoreError(errorSubjectGrant, errorCodeInsert, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (store *Store) ProductExists(ctx context.Context, productID unlock.ProductID) (bool, error) {
	var exists bool
	if err := store.db.QueryRow(ctx, sqlProductExists, productID.String()).Scan(&exists); err != nil {
		return false, wrapStoreError(errorSubjectProduct, errorCodeLookup, err)
	}
	return exists, nil
}

func (store *Store) RegisterProduct(ctx context.Context, product unlock.Product) error {
	if _, err := store.db.Exec(ctx, sqlUpsertProduct, product.ProductID.String(), product.Title); err != nil {
		return wrapStoreError(errorSubjectProduct, errorCodeCreate, err)
	}
	return nil
}

func requireRow(tag pgconn.CommandTag, err error, subject string, code string) error {
	if err != nil {
		return wrapStoreError(subject, code, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(subject, code, unlock.ErrUnknownDevice)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return unlock.WrapError(errorOperationStore, subject, code, err)
}

func mapDeviceCredit(deviceValue string, creditsUsed int64, isBanned bool, accountValue string, emailValues []string, abuseSuspected bool, linkageVersion int64) (unlock.DeviceCredit, error) {
	deviceID, err := unlock.NewDeviceID(deviceValue)
	if err != nil {
		return unlock.DeviceCredit{}, err
	}
	accountID, err := unlock.NewOptionalAccountID(accountValue)
	if err != nil {
		return unlock.DeviceCredit{}, err
	}
	emails := make([]unlock.Email, 0, len(emailValues))
	for _, raw := range emailValues {
		email, err := unlock.NewEmail(raw)
		if err != nil {
			return unlock.DeviceCredit{}, err
		}
		emails = append(emails, email)
	}
	return unlock.DeviceCredit{
		DeviceID:        deviceID,
		CreditsUsed:     creditsUsed,
		IsBanned:        isBanned,
		LinkedAccountID: accountID,
		EmailsSeen:      emails,
		AbuseSuspected:  abuseSuspected,
		LinkageVersion:  linkageVersion,
	}, nil
}

func mapUnlockGrant(subjectValue string, productValue string, grantTypeValue string, grantedAt int64) (unlock.UnlockGrant, error) {
	subject, err := unlock.ParseSubjectKey(subjectValue)
	if err != nil {
		return unlock.UnlockGrant{}, err
	}
	productID, err := unlock.NewProductID(productValue)
	if err != nil {
		return unlock.UnlockGrant{}, err
	}
	grantType, err := unlock.ParseGrantType(grantTypeValue)
	if err != nil {
		return unlock.UnlockGrant{}, err
	}
	return unlock.UnlockGrant{SubjectKey: subject, ProductID: productID, GrantType: grantType, GrantedAtUnixUTC: grantedAt}, nil
}

func isUniqueConflict(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolationCode
}
