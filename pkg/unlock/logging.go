package unlock

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes an unlock-related operation.
type OperationLog struct {
	Operation   string
	ProductID   ProductID
	DeviceID    DeviceID
	AccountID   AccountID
	Subject     SubjectKey
	Outcome     Outcome
	GrantType   GrantType
	CreditsUsed int64
	Status      string
	Error       error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithFreeCreditLimit sets how many free unlocks a device may consume.
func WithFreeCreditLimit(limit int64) ServiceOption {
	return func(service *Service) {
		service.freeCreditLimit = limit
	}
}

// WithAbuseEmailThreshold sets how many distinct emails a device may show before it is flagged.
func WithAbuseEmailThreshold(threshold int) ServiceOption {
	return func(service *Service) {
		service.abuseEmailThreshold = threshold
	}
}
