package unlock

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the unlock service.
var (
	ErrProductNotFound      = errors.New("product not found")
	ErrDeviceBanned         = errors.New("device banned")
	ErrUnknownDevice        = errors.New("unknown device")
	ErrCreditUnderflow      = errors.New("credit counter underflow")
	ErrInvalidProductID     = errors.New("invalid product id")
	ErrInvalidDeviceID      = errors.New("invalid device id")
	ErrInvalidAccountID     = errors.New("invalid account id")
	ErrInvalidEmail         = errors.New("invalid email")
	ErrInvalidSubjectKey    = errors.New("invalid subject key")
	ErrInvalidGrantType     = errors.New("invalid grant type")
	ErrInvalidProductTitle  = errors.New("invalid product title")
	ErrInvalidServiceConfig = errors.New("invalid service config")
	ErrLinkageConflict      = errors.New("device linkage kept changing")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
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
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
