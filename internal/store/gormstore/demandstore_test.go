package gormstore

import (
	"context"
	"errors"
	"testing"

	"github.com/MarkoPoloResearchLab/labgate/pkg/demand"
)

func mustProductKey(test *testing.T, raw string) demand.ProductKey {
	test.Helper()
	key, err := demand.NewProductKey(raw)
	if err != nil {
		test.Fatalf("product key: %v", err)
	}
	return key
}

func mustDemandService(test *testing.T, store *DemandStore, options ...demand.ServiceOption) *demand.Service {
	test.Helper()
	service, err := demand.NewService(store, func() int64 { return testClock }, options...)
	if err != nil {
		test.Fatalf("demand service: %v", err)
	}
	return service
}

func TestDemandStoreEnsureRecordOnce(test *testing.T) {
	store := NewDemandStore(openTestDatabase(test))
	ctx := context.Background()
	key := mustProductKey(test, "0001")

	created, err := store.EnsureRecord(ctx, key, 1000, testClock)
	if err != nil || !created {
		test.Fatalf("expected created, got %v %v", created, err)
	}
	created, err = store.EnsureRecord(ctx, key, 5, testClock)
	if err != nil || created {
		test.Fatalf("expected existing record, got %v %v", created, err)
	}
	record, err := store.GetRecord(ctx, key)
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if record.FundingThreshold != 1000 || record.Status != demand.StatusCollectingVotes || record.Urgency != demand.UrgencyNormal {
		test.Fatalf("unexpected record: %+v", record)
	}
	history, err := store.ListStatusHistory(ctx, key)
	if err != nil || len(history) != 1 || history[0].To != demand.StatusCollectingVotes {
		test.Fatalf("unexpected history: %+v %v", history, err)
	}
	if _, err := store.GetRecord(ctx, mustProductKey(test, "missing")); !errors.Is(err, demand.ErrDemandNotFound) {
		test.Fatalf("expected ErrDemandNotFound, got %v", err)
	}
}

func TestDemandStoreScanWindow(test *testing.T) {
	store := NewDemandStore(openTestDatabase(test))
	ctx := context.Background()
	key := mustProductKey(test, "scans")
	if _, err := store.EnsureRecord(ctx, key, 1000, testClock); err != nil {
		test.Fatalf("ensure: %v", err)
	}
	if err := store.AppendScans(ctx, key, testClock-10*86400, 4, 0); err != nil {
		test.Fatalf("append old: %v", err)
	}
	if err := store.AppendScans(ctx, key, testClock-3*86400, 2, 0); err != nil {
		test.Fatalf("append mid: %v", err)
	}
	if err := store.AppendScans(ctx, key, testClock, 3, testClock-7*86400); err != nil {
		test.Fatalf("append now: %v", err)
	}
	total, err := store.CountScans(ctx, key, 0)
	if err != nil || total != 5 {
		test.Fatalf("expected pruned total 5, got %d %v", total, err)
	}
	recent, err := store.CountScans(ctx, key, testClock-86400)
	if err != nil || recent != 3 {
		test.Fatalf("expected 3 recent scans, got %d %v", recent, err)
	}
}

func TestDemandStoreTransitionAppliesOnce(test *testing.T) {
	store := NewDemandStore(openTestDatabase(test))
	ctx := context.Background()
	key := mustProductKey(test, "transition")
	if _, err := store.EnsureRecord(ctx, key, 10, testClock); err != nil {
		test.Fatalf("ensure: %v", err)
	}
	applied, err := store.TransitionStatus(ctx, key, demand.StatusCollectingVotes, demand.StatusThresholdReached, testClock+5)
	if err != nil || !applied {
		test.Fatalf("expected transition, got %v %v", applied, err)
	}
	applied, err = store.TransitionStatus(ctx, key, demand.StatusCollectingVotes, demand.StatusThresholdReached, testClock+9)
	if err != nil || applied {
		test.Fatalf("expected stale transition to be skipped, got %v %v", applied, err)
	}
	record, err := store.GetRecord(ctx, key)
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if record.Status != demand.StatusThresholdReached || record.ThresholdReachedAtUnixUTC != testClock+5 {
		test.Fatalf("unexpected record: %+v", record)
	}
	history, err := store.ListStatusHistory(ctx, key)
	if err != nil || len(history) != 2 || history[1].From != demand.StatusCollectingVotes || history[1].ChangedAtUnixUTC != testClock+5 {
		test.Fatalf("unexpected history: %+v %v", history, err)
	}
}

func TestDemandStoreUpdateDerivedGuardsScore(test *testing.T) {
	store := NewDemandStore(openTestDatabase(test))
	ctx := context.Background()
	key := mustProductKey(test, "guard")
	if _, err := store.EnsureRecord(ctx, key, 1000, testClock); err != nil {
		test.Fatalf("ensure: %v", err)
	}
	if err := store.Accumulate(ctx, key, demand.SignalDelta{Weight: 5, PossessionSignals: 1}); err != nil {
		test.Fatalf("accumulate: %v", err)
	}
	written, err := store.UpdateDerived(ctx, key, demand.Derive(1, 1, 1))
	if err != nil || written {
		test.Fatalf("expected stale derivation to be skipped, got %v %v", written, err)
	}
	written, err = store.UpdateDerived(ctx, key, demand.Derive(5, 30, 30))
	if err != nil || !written {
		test.Fatalf("expected derivation written, got %v %v", written, err)
	}
	record, err := store.GetRecord(ctx, key)
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if record.Urgency != demand.UrgencyTrending || record.VelocityScore != 185 || record.ScansLast24h != 30 {
		test.Fatalf("unexpected derived record: %+v", record)
	}
	if err := store.Accumulate(ctx, mustProductKey(test, "missing"), demand.SignalDelta{Weight: 1}); !errors.Is(err, demand.ErrDemandNotFound) {
		test.Fatalf("expected ErrDemandNotFound, got %v", err)
	}
}

func TestDemandServiceOverSQLite(test *testing.T) {
	store := NewDemandStore(openTestDatabase(test))
	service := mustDemandService(test, store, demand.WithDefaultFundingThreshold(100), demand.WithRankPageSize(2))
	ctx := context.Background()
	fingerprint, err := demand.NewFingerprint("device-1")
	if err != nil {
		test.Fatalf("fingerprint: %v", err)
	}

	key := mustProductKey(test, "0002")
	snapshot, err := service.RecordSignal(ctx, demand.Signal{ProductKey: key, Kind: demand.SignalSearch, Count: 100, Fingerprint: fingerprint})
	if err != nil {
		test.Fatalf("record: %v", err)
	}
	if !snapshot.Transitioned || snapshot.Record.Status != demand.StatusThresholdReached || !snapshot.NewVoter {
		test.Fatalf("unexpected snapshot: %+v", snapshot)
	}
	if snapshot.Record.Urgency != demand.UrgencyUrgent || snapshot.Record.DistinctVoters != 1 {
		test.Fatalf("unexpected derived fields: %+v", snapshot.Record)
	}
	voted, err := service.HasVoted(ctx, key, fingerprint)
	if err != nil || !voted {
		test.Fatalf("expected voted, got %v %v", voted, err)
	}

	for _, raw := range []string{"a", "b", "c"} {
		if _, err := service.RecordSignal(ctx, demand.Signal{ProductKey: mustProductKey(test, raw), Kind: demand.SignalPossession}); err != nil {
			test.Fatalf("record %s: %v", raw, err)
		}
	}
	if _, err := service.RecordSignal(ctx, demand.Signal{ProductKey: mustProductKey(test, "b"), Kind: demand.SignalSearch}); err != nil {
		test.Fatalf("record b: %v", err)
	}
	ranked, err := demand.CollectRanked(service.RankQueue(ctx, 10))
	if err != nil {
		test.Fatalf("rank: %v", err)
	}
	expected := []string{"0002", "b", "a", "c"}
	if len(ranked) != len(expected) {
		test.Fatalf("expected %d ranked products, got %+v", len(expected), ranked)
	}
	for index, raw := range expected {
		if ranked[index].ProductKey.String() != raw {
			test.Fatalf("position %d: expected %s, got %s", index, raw, ranked[index].ProductKey.String())
		}
	}

	for _, target := range []demand.Status{demand.StatusQueued, demand.StatusSourcing, demand.StatusTesting, demand.StatusResultsReview, demand.StatusComplete} {
		if _, err := service.AdvanceStatus(ctx, key, target); err != nil {
			test.Fatalf("advance to %s: %v", target, err)
		}
	}
	if err := service.Archive(ctx, key); err != nil {
		test.Fatalf("archive: %v", err)
	}
	demandSnapshot, err := service.GetDemand(ctx, key)
	if err != nil {
		test.Fatalf("get demand: %v", err)
	}
	if !demandSnapshot.Record.Archived || len(demandSnapshot.History) != 7 {
		test.Fatalf("unexpected archived snapshot: %+v", demandSnapshot)
	}
	ranked, err = demand.CollectRanked(service.RankQueue(ctx, 10))
	if err != nil || len(ranked) != 3 || ranked[0].ProductKey.String() != "b" {
		test.Fatalf("expected archived product removed from ranking, got %+v %v", ranked, err)
	}
}
