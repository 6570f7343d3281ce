package demand

import (
	"context"
	"fmt"
	"math"
	"strings"
)

// ProductKey is the barcode or external key of an untested product.
type ProductKey struct {
	value string
}

// NewProductKey validates and normalizes a product key.
func NewProductKey(raw string) (ProductKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ProductKey{}, fmt.Errorf("%w: empty value", ErrInvalidProductKey)
	}
	return ProductKey{value: trimmed}, nil
}

func (key ProductKey) String() string {
	return key.value
}

// IsZero reports whether the key is unset.
func (key ProductKey) IsZero() bool {
	return key.value == ""
}

// Fingerprint identifies the device or account that emitted a signal.
type Fingerprint struct {
	value string
}

// NewFingerprint validates a subject fingerprint.
func NewFingerprint(raw string) (Fingerprint, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Fingerprint{}, fmt.Errorf("%w: empty value", ErrInvalidFingerprint)
	}
	return Fingerprint{value: trimmed}, nil
}

// NewOptionalFingerprint returns the zero Fingerprint for blank input.
func NewOptionalFingerprint(raw string) (Fingerprint, error) {
	if strings.TrimSpace(raw) == "" {
		return Fingerprint{}, nil
	}
	return NewFingerprint(raw)
}

func (fingerprint Fingerprint) String() string {
	return fingerprint.value
}

// IsZero reports whether the fingerprint is unset.
func (fingerprint Fingerprint) IsZero() bool {
	return fingerprint.value == ""
}

// SignalKind is the closed set of interest signals.
type SignalKind string

const (
	SignalSearch            SignalKind = "search"
	SignalPossession        SignalKind = "possession"
	SignalPhotoContribution SignalKind = "photo_contribution"
)

// ParseSignalKind validates a signal kind name.
func ParseSignalKind(raw string) (SignalKind, error) {
	switch kind := SignalKind(strings.TrimSpace(raw)); kind {
	case SignalSearch, SignalPossession, SignalPhotoContribution:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidSignalType, raw)
	}
}

func (kind SignalKind) String() string {
	return string(kind)
}

// WeightTable maps signal kinds to the score they add.
type WeightTable struct {
	Search             float64
	Possession         float64
	VerifiedPossession float64
	PhotoBonus         float64
}

// DefaultWeightTable returns search 1, possession 5, verified possession 20 and a photo bonus of 10.
func DefaultWeightTable() WeightTable {
	return WeightTable{
		Search:             defaultSearchWeight,
		Possession:         defaultPossessionWeight,
		VerifiedPossession: defaultVerifiedWeight,
		PhotoBonus:         defaultPhotoBonusWeight,
	}
}

// Validate rejects weights that would let a signal leave the score unchanged.
func (table WeightTable) Validate() error {
	if table.Search <= 0 || table.Possession <= 0 || table.VerifiedPossession <= 0 {
		return fmt.Errorf("%w: base weights must be positive", ErrInvalidWeightTable)
	}
	if table.PhotoBonus < 0 {
		return fmt.Errorf("%w: photo bonus must not be negative", ErrInvalidWeightTable)
	}
	return nil
}

// Weight returns the score of a single signal.
func (table WeightTable) Weight(kind SignalKind, isVerifiedMember bool) float64 {
	possession := table.Possession
	if isVerifiedMember {
		possession = table.VerifiedPossession
	}
	switch kind {
	case SignalSearch:
		return table.Search
	case SignalPossession:
		return possession
	case SignalPhotoContribution:
		return possession + table.PhotoBonus
	default:
		return 0
	}
}

// Status is a stage of the lab-testing pipeline.
type Status string

const (
	StatusCollectingVotes  Status = "collecting_votes"
	StatusThresholdReached Status = "threshold_reached"
	StatusQueued           Status = "queued"
	StatusSourcing         Status = "sourcing"
	StatusTesting          Status = "testing"
	StatusResultsReview    Status = "results_review"
	StatusComplete         Status = "complete"
)

// statusSuccessors is the forward-only transition table.
var statusSuccessors = map[Status]Status{
	StatusCollectingVotes:  StatusThresholdReached,
	StatusThresholdReached: StatusQueued,
	StatusQueued:           StatusSourcing,
	StatusSourcing:         StatusTesting,
	StatusTesting:          StatusResultsReview,
	StatusResultsReview:    StatusComplete,
}

// ParseStatus validates a status name.
func ParseStatus(raw string) (Status, error) {
	status := Status(strings.TrimSpace(raw))
	if status == StatusComplete {
		return status, nil
	}
	if _, ok := statusSuccessors[status]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
	return status, nil
}

// Next returns the single status that may follow this one.
func (status Status) Next() (Status, bool) {
	next, ok := statusSuccessors[status]
	return next, ok
}

// CanAdvanceTo reports whether target is the immediate successor of status.
func (status Status) CanAdvanceTo(target Status) bool {
	next, ok := status.Next()
	return ok && next == target
}

func (status Status) String() string {
	return string(status)
}

// Urgency classifies recent scan velocity.
type Urgency string

const (
	UrgencyNormal   Urgency = "normal"
	UrgencyTrending Urgency = "trending"
	UrgencyUrgent   Urgency = "urgent"
)

// ParseUrgency validates a stored urgency name.
func ParseUrgency(raw string) (Urgency, error) {
	switch urgency := Urgency(raw); urgency {
	case UrgencyNormal, UrgencyTrending, UrgencyUrgent:
		return urgency, nil
	case "":
		return UrgencyNormal, nil
	default:
		return "", fmt.Errorf("invalid urgency %q", raw)
	}
}

// Rank orders urgencies; higher ranks are served first.
func (urgency Urgency) Rank() int {
	switch urgency {
	case UrgencyUrgent:
		return 2
	case UrgencyTrending:
		return 1
	default:
		return 0
	}
}

func (urgency Urgency) String() string {
	return string(urgency)
}

// Signal is one RecordSignal call. Count defaults to 1.
type Signal struct {
	ProductKey       ProductKey
	Kind             SignalKind
	Fingerprint      Fingerprint
	IsVerifiedMember bool
	Count            int64
}

// SignalDelta is the set of counter increments produced by one Signal.
type SignalDelta struct {
	Weight                    float64
	SearchSignals             int64
	PossessionSignals         int64
	VerifiedPossessionSignals int64
	PhotoSignals              int64
}

// DemandRecord is the durable per-product aggregate.
type DemandRecord struct {
	ProductKey                ProductKey
	WeightedScore             float64
	SearchSignals             int64
	PossessionSignals         int64
	VerifiedPossessionSignals int64
	PhotoSignals              int64
	DistinctVoters            int64
	FundingThreshold          float64
	Status                    Status
	ThresholdReachedAtUnixUTC int64
	VelocityScore             float64
	Urgency                   Urgency
	ScansLast24h              int64
	ScansLast7d               int64
	Archived                  bool
}

// FundingProgressPct is round(min(100, 100*score/threshold)).
func (record DemandRecord) FundingProgressPct() int {
	return FundingProgressPct(record.WeightedScore, record.FundingThreshold)
}

// FundingProgressPct computes the percentage of the funding threshold covered by score.
func FundingProgressPct(score float64, threshold float64) int {
	if threshold <= 0 || score <= 0 {
		return 0
	}
	return int(math.Round(math.Min(maxFundingProgressPercent, 100*score/threshold)))
}

// StatusChange is one entry of the append-only status history.
type StatusChange struct {
	From             Status
	To               Status
	ChangedAtUnixUTC int64
}

// Derived holds the fields recomputed after accumulation. Score is the weighted score they were derived from.
type Derived struct {
	Score         float64
	VelocityScore float64
	Urgency       Urgency
	ScansLast24h  int64
	ScansLast7d   int64
}

// DemandSnapshot is returned by RecordSignal and the read operations.
type DemandSnapshot struct {
	Record             DemandRecord
	FundingProgressPct int
	History            []StatusChange
	NewVoter           bool
	Transitioned       bool
}

// RankedProduct is one entry of the testing queue.
type RankedProduct struct {
	ProductKey    ProductKey
	Urgency       Urgency
	VelocityScore float64
}

// RankCursor marks the last product served by a ranked page. The zero cursor starts from the top.
type RankCursor struct {
	Urgency       Urgency
	VelocityScore float64
	ProductKey    ProductKey
}

// IsZero reports whether paging starts from the top.
func (cursor RankCursor) IsZero() bool {
	return cursor.ProductKey.IsZero()
}

// StatusTransition is emitted to the TransitionNotifier.
type StatusTransition struct {
	ProductKey       ProductKey
	From             Status
	To               Status
	ChangedAtUnixUTC int64
}

// Store is the persistence contract used by Service.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	// EnsureRecord creates a CollectingVotes record with its initial history entry; it reports whether one was created.
	EnsureRecord(ctx context.Context, key ProductKey, fundingThreshold float64, createdAtUnixUTC int64) (bool, error)
	GetRecord(ctx context.Context, key ProductKey) (DemandRecord, error)
	// Accumulate applies delta with atomic increments.
	Accumulate(ctx context.Context, key ProductKey, delta SignalDelta) error
	AppendScans(ctx context.Context, key ProductKey, atUnixUTC int64, count int64, pruneBeforeUnixUTC int64) error
	CountScans(ctx context.Context, key ProductKey, sinceUnixUTC int64) (int64, error)
	// AddVoter records the fingerprint and bumps the distinct voter counter when it was not seen before.
	AddVoter(ctx context.Context, key ProductKey, fingerprint Fingerprint, atUnixUTC int64) (bool, error)
	HasVoter(ctx context.Context, key ProductKey, fingerprint Fingerprint) (bool, error)
	// UpdateDerived writes derived only while the stored score still equals derived.Score.
	UpdateDerived(ctx context.Context, key ProductKey, derived Derived) (bool, error)
	// TransitionStatus moves from -> to only when the stored status is from, appending a history entry.
	TransitionStatus(ctx context.Context, key ProductKey, from Status, to Status, atUnixUTC int64) (bool, error)
	ListStatusHistory(ctx context.Context, key ProductKey) ([]StatusChange, error)
	SetScore(ctx context.Context, key ProductKey, score float64) error
	SetFundingThreshold(ctx context.Context, key ProductKey, threshold float64) error
	// SetArchived archives the record only when its status is Complete.
	SetArchived(ctx context.Context, key ProductKey) (bool, error)
	// ListRanked returns unarchived, incomplete records after cursor ordered by urgency, velocity desc, key asc.
	ListRanked(ctx context.Context, after RankCursor, limit int) ([]RankedProduct, error)
}

// RankIndex is an optional secondary index serving RankQueue.
type RankIndex interface {
	Upsert(ctx context.Context, ranked RankedProduct) error
	Remove(ctx context.Context, key ProductKey) error
	Page(ctx context.Context, offset int64, count int64) ([]RankedProduct, error)
}

// TransitionNotifier receives status changes that downstream dispatchers act on.
type TransitionNotifier interface {
	NotifyTransition(ctx context.Context, transition StatusTransition) error
}
