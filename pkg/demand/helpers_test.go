package demand

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
)

const fixtureNow int64 = 1700000000

type stubScan struct {
	atUnixUTC int64
	count     int64
}

type stubStore struct {
	mutex   sync.Mutex
	records map[ProductKey]*DemandRecord
	history map[ProductKey][]StatusChange
	scans   map[ProductKey][]stubScan
	voters  map[ProductKey]map[Fingerprint]struct{}

	countScansError error
}

func newStubStore() *stubStore {
	return &stubStore{
		records: make(map[ProductKey]*DemandRecord),
		history: make(map[ProductKey][]StatusChange),
		scans:   make(map[ProductKey][]stubScan),
		voters:  make(map[ProductKey]map[Fingerprint]struct{}),
	}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *stubStore) EnsureRecord(_ context.Context, key ProductKey, fundingThreshold float64, createdAtUnixUTC int64) (bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if _, ok := store.records[key]; ok {
		return false, nil
	}
	store.records[key] = &DemandRecord{
		ProductKey:       key,
		FundingThreshold: fundingThreshold,
		Status:           StatusCollectingVotes,
		Urgency:          UrgencyNormal,
	}
	store.history[key] = []StatusChange{{To: StatusCollectingVotes, ChangedAtUnixUTC: createdAtUnixUTC}}
	return true, nil
}

func (store *stubStore) record(key ProductKey) (*DemandRecord, error) {
	record, ok := store.records[key]
	if !ok {
		return nil, ErrDemandNotFound
	}
	return record, nil
}

func (store *stubStore) GetRecord(_ context.Context, key ProductKey) (DemandRecord, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, err := store.record(key)
	if err != nil {
		return DemandRecord{}, err
	}
	return *record, nil
}

func (store *stubStore) Accumulate(_ context.Context, key ProductKey, delta SignalDelta) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, err := store.record(key)
	if err != nil {
		return err
	}
	record.WeightedScore += delta.Weight
	record.SearchSignals += delta.SearchSignals
	record.PossessionSignals += delta.PossessionSignals
	record.VerifiedPossessionSignals += delta.VerifiedPossessionSignals
	record.PhotoSignals += delta.PhotoSignals
	return nil
}

func (store *stubStore) AppendScans(_ context.Context, key ProductKey, atUnixUTC int64, count int64, pruneBeforeUnixUTC int64) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	kept := store.scans[key][:0]
	for _, scan := range store.scans[key] {
		if scan.atUnixUTC >= pruneBeforeUnixUTC {
			kept = append(kept, scan)
		}
	}
	store.scans[key] = append(kept, stubScan{atUnixUTC: atUnixUTC, count: count})
	return nil
}

func (store *stubStore) CountScans(_ context.Context, key ProductKey, sinceUnixUTC int64) (int64, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.countScansError != nil {
		return 0, store.countScansError
	}
	var total int64
	for _, scan := range store.scans[key] {
		if scan.atUnixUTC >= sinceUnixUTC {
			total += scan.count
		}
	}
	return total, nil
}

func (store *stubStore) AddVoter(_ context.Context, key ProductKey, fingerprint Fingerprint, _ int64) (bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, err := store.record(key)
	if err != nil {
		return false, err
	}
	voters, ok := store.voters[key]
	if !ok {
		voters = make(map[Fingerprint]struct{})
		store.voters[key] = voters
	}
	if _, seen := voters[fingerprint]; seen {
		return false, nil
	}
	voters[fingerprint] = struct{}{}
	record.DistinctVoters++
	return true, nil
}

func (store *stubStore) HasVoter(_ context.Context, key ProductKey, fingerprint Fingerprint) (bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	_, seen := store.voters[key][fingerprint]
	return seen, nil
}

func (store *stubStore) UpdateDerived(_ context.Context, key ProductKey, derived Derived) (bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, err := store.record(key)
	if err != nil {
		return false, err
	}
	if record.WeightedScore != derived.Score {
		return false, nil
	}
	record.VelocityScore = derived.VelocityScore
	record.Urgency = derived.Urgency
	record.ScansLast24h = derived.ScansLast24h
	record.ScansLast7d = derived.ScansLast7d
	return true, nil
}

func (store *stubStore) TransitionStatus(_ context.Context, key ProductKey, from Status, to Status, atUnixUTC int64) (bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, err := store.record(key)
	if err != nil {
		return false, err
	}
	if record.Status != from {
		return false, nil
	}
	record.Status = to
	if to == StatusThresholdReached && record.ThresholdReachedAtUnixUTC == 0 {
		record.ThresholdReachedAtUnixUTC = atUnixUTC
	}
	store.history[key] = append(store.history[key], StatusChange{From: from, To: to, ChangedAtUnixUTC: atUnixUTC})
	return true, nil
}

func (store *stubStore) ListStatusHistory(_ context.Context, key ProductKey) ([]StatusChange, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return append([]StatusChange(nil), store.history[key]...), nil
}

func (store *stubStore) SetScore(_ context.Context, key ProductKey, score float64) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, err := store.record(key)
	if err != nil {
		return err
	}
	record.WeightedScore = score
	return nil
}

func (store *stubStore) SetFundingThreshold(_ context.Context, key ProductKey, threshold float64) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, err := store.record(key)
	if err != nil {
		return err
	}
	record.FundingThreshold = threshold
	return nil
}

func (store *stubStore) SetArchived(_ context.Context, key ProductKey) (bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, err := store.record(key)
	if err != nil {
		return false, err
	}
	if record.Status != StatusComplete {
		return false, nil
	}
	record.Archived = true
	return true, nil
}

func (store *stubStore) ListRanked(_ context.Context, after RankCursor, limit int) ([]RankedProduct, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	ranked := make([]RankedProduct, 0, len(store.records))
	for _, record := range store.records {
		if isRankable(*record) {
			ranked = append(ranked, rankedFrom(*record))
		}
	}
	sort.Slice(ranked, func(left, right int) bool {
		return rankedBefore(ranked[left], ranked[right])
	})
	page := make([]RankedProduct, 0, limit)
	for _, candidate := range ranked {
		if !after.IsZero() && !rankedBefore(RankedProduct{ProductKey: after.ProductKey, Urgency: after.Urgency, VelocityScore: after.VelocityScore}, candidate) {
			continue
		}
		if len(page) == limit {
			break
		}
		page = append(page, candidate)
	}
	return page, nil
}

func rankedBefore(left RankedProduct, right RankedProduct) bool {
	if left.Urgency.Rank() != right.Urgency.Rank() {
		return left.Urgency.Rank() > right.Urgency.Rank()
	}
	if left.VelocityScore != right.VelocityScore {
		return left.VelocityScore > right.VelocityScore
	}
	return left.ProductKey.String() < right.ProductKey.String()
}

func (store *stubStore) mustHistory(test *testing.T, key ProductKey) []StatusChange {
	test.Helper()
	history, err := store.ListStatusHistory(context.Background(), key)
	if err != nil {
		test.Fatalf("history: %v", err)
	}
	return history
}

type recorderLogger struct {
	mutex   sync.Mutex
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.mutex.Lock()
	defer logger.mutex.Unlock()
	logger.entries = append(logger.entries, entry)
}

type recorderNotifier struct {
	mutex       sync.Mutex
	transitions []StatusTransition
	err         error
}

func (notifier *recorderNotifier) NotifyTransition(_ context.Context, transition StatusTransition) error {
	notifier.mutex.Lock()
	defer notifier.mutex.Unlock()
	notifier.transitions = append(notifier.transitions, transition)
	return notifier.err
}

type stubRankIndex struct {
	mutex   sync.Mutex
	entries map[ProductKey]RankedProduct
	pages   int
}

func newStubRankIndex() *stubRankIndex {
	return &stubRankIndex{entries: make(map[ProductKey]RankedProduct)}
}

func (index *stubRankIndex) Upsert(_ context.Context, ranked RankedProduct) error {
	index.mutex.Lock()
	defer index.mutex.Unlock()
	index.entries[ranked.ProductKey] = ranked
	return nil
}

func (index *stubRankIndex) Remove(_ context.Context, key ProductKey) error {
	index.mutex.Lock()
	defer index.mutex.Unlock()
	delete(index.entries, key)
	return nil
}

func (index *stubRankIndex) Page(_ context.Context, offset int64, count int64) ([]RankedProduct, error) {
	index.mutex.Lock()
	defer index.mutex.Unlock()
	index.pages++
	ranked := make([]RankedProduct, 0, len(index.entries))
	for _, entry := range index.entries {
		ranked = append(ranked, entry)
	}
	sort.Slice(ranked, func(left, right int) bool {
		return rankedBefore(ranked[left], ranked[right])
	})
	if offset >= int64(len(ranked)) {
		return nil, nil
	}
	end := min(offset+count, int64(len(ranked)))
	return ranked[offset:end], nil
}

var errScanStoreDown = errors.New("scan store down")

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, func() int64 { return fixtureNow }, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustProductKey(test *testing.T, raw string) ProductKey {
	test.Helper()
	key, err := NewProductKey(raw)
	if err != nil {
		test.Fatalf("product key: %v", err)
	}
	return key
}

func mustFingerprint(test *testing.T, raw string) Fingerprint {
	test.Helper()
	fingerprint, err := NewFingerprint(raw)
	if err != nil {
		test.Fatalf("fingerprint: %v", err)
	}
	return fingerprint
}

func mustRecord(test *testing.T, service *Service, signal Signal) DemandSnapshot {
	test.Helper()
	snapshot, err := service.RecordSignal(context.Background(), signal)
	if err != nil {
		test.Fatalf("record signal: %v", err)
	}
	return snapshot
}
