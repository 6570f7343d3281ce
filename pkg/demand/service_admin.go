package demand

import (
	"context"
	"fmt"
	"math"
)

// GetDemand returns a record with its status history and live scan window counts.
func (service *Service) GetDemand(ctx context.Context, key ProductKey) (DemandSnapshot, error) {
	if key.IsZero() {
		return DemandSnapshot{}, fmt.Errorf("%w: empty value", ErrInvalidProductKey)
	}
	record, err := service.store.GetRecord(ctx, key)
	if err != nil {
		return DemandSnapshot{}, err
	}
	now := service.nowFn()
	if record.ScansLast24h, err = service.store.CountScans(ctx, key, now-shortWindowSeconds); err != nil {
		return DemandSnapshot{}, err
	}
	if record.ScansLast7d, err = service.store.CountScans(ctx, key, now-longWindowSeconds); err != nil {
		return DemandSnapshot{}, err
	}
	return service.snapshotWithHistory(ctx, record)
}

// HasVoted reports whether fingerprint already signalled interest in the product.
func (service *Service) HasVoted(ctx context.Context, key ProductKey, fingerprint Fingerprint) (bool, error) {
	if key.IsZero() {
		return false, fmt.Errorf("%w: empty value", ErrInvalidProductKey)
	}
	if fingerprint.IsZero() {
		return false, fmt.Errorf("%w: empty value", ErrInvalidFingerprint)
	}
	return service.store.HasVoter(ctx, key, fingerprint)
}

// AdvanceStatus moves a record to the immediate successor of its current status.
func (service *Service) AdvanceStatus(ctx context.Context, key ProductKey, target Status) (DemandSnapshot, error) {
	snapshot, operationError := service.advanceStatus(ctx, key, target)
	service.logOperation(ctx, OperationLog{
		Operation:     operationAdvanceStatus,
		ProductKey:    key,
		WeightedScore: snapshot.Record.WeightedScore,
		RecordStatus:  target,
		Error:         operationError,
	})
	return snapshot, operationError
}

func (service *Service) advanceStatus(ctx context.Context, key ProductKey, target Status) (DemandSnapshot, error) {
	if key.IsZero() {
		return DemandSnapshot{}, fmt.Errorf("%w: empty value", ErrInvalidProductKey)
	}
	if _, err := ParseStatus(target.String()); err != nil {
		return DemandSnapshot{}, err
	}
	record, err := service.store.GetRecord(ctx, key)
	if err != nil {
		return DemandSnapshot{}, err
	}
	if record.Archived || !record.Status.CanAdvanceTo(target) {
		return DemandSnapshot{}, fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, record.Status, target)
	}
	now := service.nowFn()
	applied, err := service.store.TransitionStatus(ctx, key, record.Status, target, now)
	if err != nil {
		return DemandSnapshot{}, err
	}
	if !applied {
		return DemandSnapshot{}, fmt.Errorf("%w: status of %s changed concurrently", ErrInvalidStatusTransition, key.String())
	}
	transition := StatusTransition{ProductKey: key, From: record.Status, To: target, ChangedAtUnixUTC: now}
	record.Status = target
	if target == StatusThresholdReached && record.ThresholdReachedAtUnixUTC == 0 {
		record.ThresholdReachedAtUnixUTC = now
	}
	if target == StatusComplete {
		service.notifyTransition(ctx, transition)
	}
	if err := service.syncRankIndex(ctx, record); err != nil {
		service.logOperation(ctx, OperationLog{Operation: operationAdvanceStatus, ProductKey: key, Status: operationStatusDegraded, Error: err})
	}
	snapshot, err := service.snapshotWithHistory(ctx, record)
	if err != nil {
		return DemandSnapshot{}, err
	}
	snapshot.Transitioned = true
	return snapshot, nil
}

func (service *Service) notifyTransition(ctx context.Context, transition StatusTransition) {
	if service.notifier == nil {
		return
	}
	if err := service.notifier.NotifyTransition(ctx, transition); err != nil {
		service.logOperation(ctx, OperationLog{
			Operation:    operationNotifyTransition,
			ProductKey:   transition.ProductKey,
			RecordStatus: transition.To,
			Status:       operationStatusDegraded,
			Error:        err,
		})
	}
}

// CorrectScore overwrites the weighted score. It is the only operation that may lower it.
func (service *Service) CorrectScore(ctx context.Context, key ProductKey, score float64) (DemandSnapshot, error) {
	snapshot, operationError := service.rewriteAndDerive(ctx, key, func(ctx context.Context) error {
		if score < 0 || math.IsInf(score, 0) || math.IsNaN(score) {
			return fmt.Errorf("%w: %v", ErrInvalidScore, score)
		}
		return service.store.SetScore(ctx, key, score)
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationCorrectScore,
		ProductKey:    key,
		WeightedScore: score,
		RecordStatus:  snapshot.Record.Status,
		Error:         operationError,
	})
	return snapshot, operationError
}

// SetFundingThreshold overrides the threshold of a single product.
func (service *Service) SetFundingThreshold(ctx context.Context, key ProductKey, threshold float64) (DemandSnapshot, error) {
	snapshot, operationError := service.rewriteAndDerive(ctx, key, func(ctx context.Context) error {
		if !validThreshold(threshold) {
			return fmt.Errorf("%w: %v", ErrInvalidFundingThreshold, threshold)
		}
		return service.store.SetFundingThreshold(ctx, key, threshold)
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationSetThreshold,
		ProductKey:    key,
		WeightedScore: snapshot.Record.WeightedScore,
		RecordStatus:  snapshot.Record.Status,
		Error:         operationError,
	})
	return snapshot, operationError
}

// RefreshDerived recomputes velocity and urgency as the scan windows decay.
func (service *Service) RefreshDerived(ctx context.Context, key ProductKey) (DemandSnapshot, error) {
	snapshot, operationError := service.rewriteAndDerive(ctx, key, nil)
	service.logOperation(ctx, OperationLog{
		Operation:     operationRefreshDerived,
		ProductKey:    key,
		WeightedScore: snapshot.Record.WeightedScore,
		Urgency:       snapshot.Record.Urgency,
		Error:         operationError,
	})
	return snapshot, operationError
}

func (service *Service) rewriteAndDerive(ctx context.Context, key ProductKey, rewrite func(ctx context.Context) error) (DemandSnapshot, error) {
	if key.IsZero() {
		return DemandSnapshot{}, fmt.Errorf("%w: empty value", ErrInvalidProductKey)
	}
	if rewrite != nil {
		if err := rewrite(ctx); err != nil {
			return DemandSnapshot{}, err
		}
	}
	record, transitioned, err := service.deriveFields(ctx, key, service.nowFn())
	if err != nil {
		return DemandSnapshot{}, err
	}
	return DemandSnapshot{
		Record:             record,
		FundingProgressPct: record.FundingProgressPct(),
		Transitioned:       transitioned,
	}, nil
}

// Archive hides a Complete record from the ranking.
func (service *Service) Archive(ctx context.Context, key ProductKey) error {
	operationError := service.archive(ctx, key)
	service.logOperation(ctx, OperationLog{
		Operation:    operationArchive,
		ProductKey:   key,
		RecordStatus: StatusComplete,
		Error:        operationError,
	})
	return operationError
}

func (service *Service) archive(ctx context.Context, key ProductKey) error {
	if key.IsZero() {
		return fmt.Errorf("%w: empty value", ErrInvalidProductKey)
	}
	archived, err := service.store.SetArchived(ctx, key)
	if err != nil {
		return err
	}
	if !archived {
		record, err := service.store.GetRecord(ctx, key)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: status is %s", ErrNotArchivable, record.Status)
	}
	if service.rankIndex != nil {
		return service.rankIndex.Remove(ctx, key)
	}
	return nil
}

func (service *Service) snapshotWithHistory(ctx context.Context, record DemandRecord) (DemandSnapshot, error) {
	history, err := service.store.ListStatusHistory(ctx, record.ProductKey)
	if err != nil {
		return DemandSnapshot{}, err
	}
	return DemandSnapshot{
		Record:             record,
		FundingProgressPct: record.FundingProgressPct(),
		History:            history,
	}, nil
}
