package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/labgate/pkg/demand"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const sqlRankedAfterCursor = "((urgency_rank < ?) OR (urgency_rank = ? AND velocity_score < ?) OR (urgency_rank = ? AND velocity_score = ? AND product_key > ?))"

// DemandStore implements demand.Store using GORM.
type DemandStore struct {
	db *gorm.DB
}

// NewDemandStore returns a DemandStore backed by gorm.DB.
func NewDemandStore(db *gorm.DB) *DemandStore {
	return &DemandStore{db: db}
}

// WithTx executes fn within a transaction.
func (store *DemandStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore demand.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &DemandStore{db: transaction})
	})
}

func (store *DemandStore) EnsureRecord(ctx context.Context, key demand.ProductKey, fundingThreshold float64, createdAtUnixUTC int64) (bool, error) {
	createdAt := time.Unix(createdAtUnixUTC, 0).UTC()
	created := false
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		model := DemandRecord{
			ProductKey:       key.String(),
			FundingThreshold: fundingThreshold,
			Status:           demand.StatusCollectingVotes.String(),
			UrgencyFlag:      demand.UrgencyNormal.String(),
			CreatedAt:        createdAt,
			UpdatedAt:        createdAt,
		}
		result := transaction.
			Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "product_key"}}, DoNothing: true}).
			Create(&model)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		created = true
		return transaction.Create(&DemandStatusChange{
			ProductKey: key.String(),
			Position:   1,
			ToStatus:   demand.StatusCollectingVotes.String(),
			ChangedAt:  createdAt,
		}).Error
	})
	if err != nil {
		return false, wrapDemandStoreError(errorSubjectDemand, errorCodeCreate, err)
	}
	return created, nil
}

func (store *DemandStore) GetRecord(ctx context.Context, key demand.ProductKey) (demand.DemandRecord, error) {
	var model DemandRecord
	err := store.db.WithContext(ctx).Where("product_key = ?", key.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return demand.DemandRecord{}, wrapDemandStoreError(errorSubjectDemand, errorCodeGet, demand.ErrDemandNotFound)
		}
		return demand.DemandRecord{}, wrapDemandStoreError(errorSubjectDemand, errorCodeGet, err)
	}
	record, err := mapDemandRecord(model)
	if err != nil {
		return demand.DemandRecord{}, wrapDemandStoreError(errorSubjectDemand, errorCodeInvalid, err)
	}
	return record, nil
}

func (store *DemandStore) Accumulate(ctx context.Context, key demand.ProductKey, delta demand.SignalDelta) error {
	result := store.db.WithContext(ctx).
		Model(&DemandRecord{}).
		Where("product_key = ?", key.String()).
		Updates(map[string]any{
			"weighted_score":              gorm.Expr("weighted_score + ?", delta.Weight),
			"search_signals":              gorm.Expr("search_signals + ?", delta.SearchSignals),
			"possession_signals":          gorm.Expr("possession_signals + ?", delta.PossessionSignals),
			"verified_possession_signals": gorm.Expr("verified_possession_signals + ?", delta.VerifiedPossessionSignals),
			"photo_signals":               gorm.Expr("photo_signals + ?", delta.PhotoSignals),
			columnUpdatedAt:               time.Now().UTC(),
		})
	return store.requireRow(result, errorSubjectDemand, errorCodeIncrement)
}

func (store *DemandStore) AppendScans(ctx context.Context, key demand.ProductKey, atUnixUTC int64, count int64, pruneBeforeUnixUTC int64) error {
	database := store.db.WithContext(ctx)
	if err := database.Create(&DemandScan{ProductKey: key.String(), ScannedAtUnix: atUnixUTC, ScanCount: count}).Error; err != nil {
		return wrapDemandStoreError(errorSubjectScan, errorCodeInsert, err)
	}
	err := database.
		Where("product_key = ? AND scanned_at_unix < ?", key.String(), pruneBeforeUnixUTC).
		Delete(&DemandScan{}).Error
	if err != nil {
		return wrapDemandStoreError(errorSubjectScan, errorCodePrune, err)
	}
	return nil
}

func (store *DemandStore) CountScans(ctx context.Context, key demand.ProductKey, sinceUnixUTC int64) (int64, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&DemandScan{}).
		Select("coalesce(sum(scan_count),0) as total").
		Where("product_key = ? AND scanned_at_unix >= ?", key.String(), sinceUnixUTC).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapDemandStoreError(errorSubjectScan, errorCodeCount, err)
	}
	return sum.Total, nil
}

func (store *DemandStore) AddVoter(ctx context.Context, key demand.ProductKey, fingerprint demand.Fingerprint, atUnixUTC int64) (bool, error) {
	added := false
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		result := transaction.
			Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "product_key"}, {Name: "fingerprint"}}, DoNothing: true}).
			Create(&DemandVoter{ProductKey: key.String(), Fingerprint: fingerprint.String(), FirstSeenAt: time.Unix(atUnixUTC, 0).UTC()})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		added = true
		return transaction.
			Model(&DemandRecord{}).
			Where("product_key = ?", key.String()).
			UpdateColumn("distinct_voters", gorm.Expr("distinct_voters + 1")).Error
	})
	if err != nil {
		return false, wrapDemandStoreError(errorSubjectVoter, errorCodeInsert, err)
	}
	return added, nil
}

func (store *DemandStore) HasVoter(ctx context.Context, key demand.ProductKey, fingerprint demand.Fingerprint) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&DemandVoter{}).
		Where("product_key = ? AND fingerprint = ?", key.String(), fingerprint.String()).
		Count(&count).Error
	if err != nil {
		return false, wrapDemandStoreError(errorSubjectVoter, errorCodeLookup, err)
	}
	return count > 0, nil
}

func (store *DemandStore) UpdateDerived(ctx context.Context, key demand.ProductKey, derived demand.Derived) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&DemandRecord{}).
		Where("product_key = ? AND weighted_score = ?", key.String(), derived.Score).
		Updates(map[string]any{
			"velocity_score": derived.VelocityScore,
			"urgency_flag":   derived.Urgency.String(),
			"urgency_rank":   derived.Urgency.Rank(),
			"scans_last_24h": derived.ScansLast24h,
			"scans_last_7d":  derived.ScansLast7d,
			columnUpdatedAt:  time.Now().UTC(),
		})
	if result.Error != nil {
		return false, wrapDemandStoreError(errorSubjectDemand, errorCodeUpdateDerived, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// TransitionStatus moves the record only while it still holds from, and appends the history entry in the same transaction.
func (store *DemandStore) TransitionStatus(ctx context.Context, key demand.ProductKey, from demand.Status, to demand.Status, atUnixUTC int64) (bool, error) {
	changedAt := time.Unix(atUnixUTC, 0).UTC()
	applied := false
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		updates := map[string]any{"status": to.String(), columnUpdatedAt: time.Now().UTC()}
		if to == demand.StatusThresholdReached {
			updates["threshold_reached_at"] = gorm.Expr("coalesce(threshold_reached_at, ?)", changedAt)
		}
		result := transaction.
			Model(&DemandRecord{}).
			Where("product_key = ? AND status = ?", key.String(), from.String()).
			Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		var position sqlSum
		err := transaction.
			Model(&DemandStatusChange{}).
			Select("coalesce(max(position),0) as total").
			Where("product_key = ?", key.String()).
			Scan(&position).Error
		if err != nil {
			return err
		}
		applied = true
		return transaction.Create(&DemandStatusChange{
			ProductKey: key.String(),
			Position:   position.Total + 1,
			FromStatus: from.String(),
			ToStatus:   to.String(),
			ChangedAt:  changedAt,
		}).Error
	})
	if err != nil {
		return false, wrapDemandStoreError(errorSubjectStatus, errorCodeUpdateStatus, err)
	}
	return applied, nil
}

func (store *DemandStore) ListStatusHistory(ctx context.Context, key demand.ProductKey) ([]demand.StatusChange, error) {
	var rows []DemandStatusChange
	err := store.db.WithContext(ctx).
		Where("product_key = ?", key.String()).
		Order("position ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapDemandStoreError(errorSubjectStatus, errorCodeList, err)
	}
	history := make([]demand.StatusChange, 0, len(rows))
	for _, row := range rows {
		change, err := mapStatusChange(row)
		if err != nil {
			return nil, wrapDemandStoreError(errorSubjectStatus, errorCodeInvalid, err)
		}
		history = append(history, change)
	}
	return history, nil
}

func (store *DemandStore) SetScore(ctx context.Context, key demand.ProductKey, score float64) error {
	result := store.db.WithContext(ctx).
		Model(&DemandRecord{}).
		Where("product_key = ?", key.String()).
		Updates(map[string]any{"weighted_score": score, columnUpdatedAt: time.Now().UTC()})
	return store.requireRow(result, errorSubjectDemand, errorCodeUpdate)
}

func (store *DemandStore) SetFundingThreshold(ctx context.Context, key demand.ProductKey, threshold float64) error {
	result := store.db.WithContext(ctx).
		Model(&DemandRecord{}).
		Where("product_key = ?", key.String()).
		Updates(map[string]any{"funding_threshold": threshold, columnUpdatedAt: time.Now().UTC()})
	return store.requireRow(result, errorSubjectDemand, errorCodeUpdate)
}

func (store *DemandStore) SetArchived(ctx context.Context, key demand.ProductKey) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&DemandRecord{}).
		Where("product_key = ? AND status = ?", key.String(), demand.StatusComplete.String()).
		Updates(map[string]any{"archived": true, columnUpdatedAt: time.Now().UTC()})
	if result.Error != nil {
		return false, wrapDemandStoreError(errorSubjectDemand, errorCodeUpdate, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (store *DemandStore) ListRanked(ctx context.Context, after demand.RankCursor, limit int) ([]demand.RankedProduct, error) {
	query := store.db.WithContext(ctx).
		Model(&DemandRecord{}).
		Where("archived = ? AND status <> ?", false, demand.StatusComplete.String())
	if !after.IsZero() {
		rank := after.Urgency.Rank()
		query = query.Where(sqlRankedAfterCursor,
			rank,
			rank, after.VelocityScore,
			rank, after.VelocityScore, after.ProductKey.String(),
		)
	}
	var rows []DemandRecord
	err := query.
		Order("urgency_rank DESC").
		Order("velocity_score DESC").
		Order("product_key ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapDemandStoreError(errorSubjectDemand, errorCodeList, err)
	}
	ranked := make([]demand.RankedProduct, 0, len(rows))
	for _, row := range rows {
		key, err := demand.NewProductKey(row.ProductKey)
		if err != nil {
			return nil, wrapDemandStoreError(errorSubjectDemand, errorCodeInvalid, err)
		}
		urgency, err := demand.ParseUrgency(row.UrgencyFlag)
		if err != nil {
			return nil, wrapDemandStoreError(errorSubjectDemand, errorCodeInvalid, err)
		}
		ranked = append(ranked, demand.RankedProduct{ProductKey: key, Urgency: urgency, VelocityScore: row.VelocityScore})
	}
	return ranked, nil
}

func (store *DemandStore) requireRow(result *gorm.DB, subject string, code string) error {
	if result.Error != nil {
		return wrapDemandStoreError(subject, code, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapDemandStoreError(subject, code, demand.ErrDemandNotFound)
	}
	return nil
}

func wrapDemandStoreError(subject string, code string, err error) error {
	return demand.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func mapDemandRecord(model DemandRecord) (demand.DemandRecord, error) {
	key, err := demand.NewProductKey(model.ProductKey)
	if err != nil {
		return demand.DemandRecord{}, err
	}
	status, err := demand.ParseStatus(model.Status)
	if err != nil {
		return demand.DemandRecord{}, err
	}
	urgency, err := demand.ParseUrgency(model.UrgencyFlag)
	if err != nil {
		return demand.DemandRecord{}, err
	}
	var thresholdReachedAt int64
	if model.ThresholdReachedAt != nil {
		thresholdReachedAt = model.ThresholdReachedAt.Unix()
	}
	return demand.DemandRecord{
		ProductKey:                key,
		WeightedScore:             model.WeightedScore,
		SearchSignals:             model.SearchSignals,
		PossessionSignals:         model.PossessionSignals,
		VerifiedPossessionSignals: model.VerifiedPossessionSignals,
		PhotoSignals:              model.PhotoSignals,
		DistinctVoters:            model.DistinctVoters,
		FundingThreshold:          model.FundingThreshold,
		Status:                    status,
		ThresholdReachedAtUnixUTC: thresholdReachedAt,
		VelocityScore:             model.VelocityScore,
		Urgency:                   urgency,
		ScansLast24h:              model.ScansLast24h,
		ScansLast7d:               model.ScansLast7d,
		Archived:                  model.Archived,
	}, nil
}

func mapStatusChange(row DemandStatusChange) (demand.StatusChange, error) {
	var from demand.Status
	if row.FromStatus != "" {
		parsed, err := demand.ParseStatus(row.FromStatus)
		if err != nil {
			return demand.StatusChange{}, err
		}
		from = parsed
	}
	to, err := demand.ParseStatus(row.ToStatus)
	if err != nil {
		return demand.StatusChange{}, err
	}
	return demand.StatusChange{From: from, To: to, ChangedAtUnixUTC: row.ChangedAt.Unix()}, nil
}
