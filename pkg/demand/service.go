package demand

import (
	"context"
	"fmt"
	"math"
)

// Service aggregates weighted interest signals and drives the testing pipeline status.
type Service struct {
	store            Store
	nowFn            func() int64
	logger           OperationLogger
	notifier         TransitionNotifier
	rankIndex        RankIndex
	weights          WeightTable
	defaultThreshold float64
	rankPageSize     int
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:            store,
		nowFn:            now,
		weights:          DefaultWeightTable(),
		defaultThreshold: defaultFundingThreshold,
		rankPageSize:     defaultRankPageSize,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if err := service.weights.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidServiceConfig, err)
	}
	if !validThreshold(service.defaultThreshold) {
		return nil, fmt.Errorf("%w: default funding threshold must be positive", ErrInvalidServiceConfig)
	}
	if service.rankPageSize < 1 {
		return nil, fmt.Errorf("%w: rank page size must be positive", ErrInvalidServiceConfig)
	}
	return service, nil
}

// RecordSignal accumulates a signal and then recomputes derived fields. Once the counters are
// persisted the call succeeds; derivation failures are only logged.
func (service *Service) RecordSignal(ctx context.Context, signal Signal) (DemandSnapshot, error) {
	snapshot, delta, operationError := service.recordSignal(ctx, signal)
	service.logOperation(ctx, OperationLog{
		Operation:     operationRecordSignal,
		ProductKey:    signal.ProductKey,
		SignalKind:    signal.Kind,
		Weight:        delta.Weight,
		WeightedScore: snapshot.Record.WeightedScore,
		RecordStatus:  snapshot.Record.Status,
		Urgency:       snapshot.Record.Urgency,
		Error:         operationError,
	})
	return snapshot, operationError
}

func (service *Service) recordSignal(ctx context.Context, signal Signal) (DemandSnapshot, SignalDelta, error) {
	signal, err := normalizeSignal(signal)
	if err != nil {
		return DemandSnapshot{}, SignalDelta{}, err
	}
	now := service.nowFn()
	delta := deltaFor(signal, service.weights)
	newVoter := false
	accumulateError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if _, err := transactionStore.EnsureRecord(ctx, signal.ProductKey, service.defaultThreshold, now); err != nil {
			return err
		}
		if err := transactionStore.Accumulate(ctx, signal.ProductKey, delta); err != nil {
			return err
		}
		if err := transactionStore.AppendScans(ctx, signal.ProductKey, now, signal.Count, now-scanRetentionSeconds); err != nil {
			return err
		}
		if signal.Fingerprint.IsZero() {
			return nil
		}
		added, err := transactionStore.AddVoter(ctx, signal.ProductKey, signal.Fingerprint, now)
		if err != nil {
			return err
		}
		newVoter = added
		return nil
	})
	if accumulateError != nil {
		return DemandSnapshot{}, delta, accumulateError
	}

	record, transitioned, deriveError := service.deriveFields(ctx, signal.ProductKey, now)
	if deriveError != nil {
		service.logOperation(ctx, OperationLog{
			Operation:  operationDeriveFields,
			ProductKey: signal.ProductKey,
			Status:     operationStatusDegraded,
			Error:      deriveError,
		})
		record = service.bestEffortRecord(ctx, signal.ProductKey)
	}
	return DemandSnapshot{
		Record:             record,
		FundingProgressPct: record.FundingProgressPct(),
		NewVoter:           newVoter,
		Transitioned:       transitioned,
	}, delta, nil
}

func normalizeSignal(signal Signal) (Signal, error) {
	if signal.ProductKey.IsZero() {
		return Signal{}, fmt.Errorf("%w: empty value", ErrInvalidProductKey)
	}
	kind, err := ParseSignalKind(signal.Kind.String())
	if err != nil {
		return Signal{}, err
	}
	signal.Kind = kind
	if signal.Count == 0 {
		signal.Count = 1
	}
	if signal.Count < 0 {
		return Signal{}, fmt.Errorf("%w: %d", ErrInvalidSignalCount, signal.Count)
	}
	return signal, nil
}

// deriveFields recomputes velocity and urgency, fires the automatic threshold transition and
// refreshes the rank index.
func (service *Service) deriveFields(ctx context.Context, key ProductKey, now int64) (DemandRecord, bool, error) {
	record, err := service.store.GetRecord(ctx, key)
	if err != nil {
		return DemandRecord{}, false, err
	}
	shortWindowScans, err := service.store.CountScans(ctx, key, now-shortWindowSeconds)
	if err != nil {
		return record, false, err
	}
	longWindowScans, err := service.store.CountScans(ctx, key, now-longWindowSeconds)
	if err != nil {
		return record, false, err
	}
	derived := Derive(record.WeightedScore, shortWindowScans, longWindowScans)
	applied, err := service.store.UpdateDerived(ctx, key, derived)
	if err != nil {
		return record, false, err
	}
	if applied {
		record.VelocityScore = derived.VelocityScore
		record.Urgency = derived.Urgency
		record.ScansLast24h = derived.ScansLast24h
		record.ScansLast7d = derived.ScansLast7d
	} else {
		// A newer score won the write; the index follows what was persisted.
		record, err = service.store.GetRecord(ctx, key)
		if err != nil {
			return DemandRecord{}, false, err
		}
	}

	transitioned := false
	if record.Status == StatusCollectingVotes && record.WeightedScore >= record.FundingThreshold {
		transitioned, err = service.store.TransitionStatus(ctx, key, StatusCollectingVotes, StatusThresholdReached, now)
		if err != nil {
			return record, false, err
		}
		if transitioned {
			record.Status = StatusThresholdReached
			record.ThresholdReachedAtUnixUTC = now
		} else if current, err := service.store.GetRecord(ctx, key); err == nil {
			record.Status = current.Status
			record.ThresholdReachedAtUnixUTC = current.ThresholdReachedAtUnixUTC
		}
	}
	if err := service.syncRankIndex(ctx, record); err != nil {
		return record, transitioned, err
	}
	return record, transitioned, nil
}

func (service *Service) syncRankIndex(ctx context.Context, record DemandRecord) error {
	if service.rankIndex == nil {
		return nil
	}
	if isRankable(record) {
		return service.rankIndex.Upsert(ctx, rankedFrom(record))
	}
	return service.rankIndex.Remove(ctx, record.ProductKey)
}

func (service *Service) bestEffortRecord(ctx context.Context, key ProductKey) DemandRecord {
	record, err := service.store.GetRecord(ctx, key)
	if err != nil {
		return DemandRecord{ProductKey: key}
	}
	return record
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func validThreshold(threshold float64) bool {
	return threshold > 0 && !math.IsInf(threshold, 0) && !math.IsNaN(threshold)
}
