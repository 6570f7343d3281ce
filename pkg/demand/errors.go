package demand

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the demand aggregator.
var (
	ErrDemandNotFound          = errors.New("demand record not found")
	ErrInvalidProductKey       = errors.New("invalid product key")
	ErrInvalidFingerprint      = errors.New("invalid subject fingerprint")
	ErrInvalidSignalType       = errors.New("invalid signal type")
	ErrInvalidSignalCount      = errors.New("invalid signal count")
	ErrInvalidStatus           = errors.New("invalid status")
	ErrInvalidStatusTransition = errors.New("invalid status transition")
	ErrInvalidScore            = errors.New("invalid weighted score")
	ErrInvalidFundingThreshold = errors.New("invalid funding threshold")
	ErrInvalidWeightTable      = errors.New("invalid weight table")
	ErrNotArchivable           = errors.New("demand record is not complete")
	ErrInvalidServiceConfig    = errors.New("invalid service config")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{operation: operation, subject: subject, code: code, err: err}
}
