package demand

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a demand-related operation.
type OperationLog struct {
	Operation     string
	ProductKey    ProductKey
	SignalKind    SignalKind
	Weight        float64
	WeightedScore float64
	RecordStatus  Status
	Urgency       Urgency
	Status        string
	Error         error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithTransitionNotifier wires the dispatcher told about completed products.
func WithTransitionNotifier(notifier TransitionNotifier) ServiceOption {
	return func(service *Service) {
		service.notifier = notifier
	}
}

// WithRankIndex serves RankQueue from a secondary index kept in sync on every derivation.
func WithRankIndex(index RankIndex) ServiceOption {
	return func(service *Service) {
		service.rankIndex = index
	}
}

// WithWeightTable overrides the default signal weights.
func WithWeightTable(table WeightTable) ServiceOption {
	return func(service *Service) {
		service.weights = table
	}
}

// WithDefaultFundingThreshold sets the threshold given to newly created records.
func WithDefaultFundingThreshold(threshold float64) ServiceOption {
	return func(service *Service) {
		service.defaultThreshold = threshold
	}
}

// WithRankPageSize sets how many ranked products are fetched per page.
func WithRankPageSize(size int) ServiceOption {
	return func(service *Service) {
		service.rankPageSize = size
	}
}
