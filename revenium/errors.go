package revenium

import (
	"errors"
	"fmt"
)

// ErrorType classifies the category of a ReveniumError.
type ErrorType string

const (
	// ErrorTypeConfig indicates a configuration error.
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeValidation indicates a request or payload validation error.
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeInvoke indicates a cloud-route model invocation error.
	ErrorTypeInvoke ErrorType = "invoke"
	// ErrorTypeStream indicates a streaming decode error.
	ErrorTypeStream ErrorType = "stream"
	// ErrorTypeDependency indicates a missing or unusable dependency (e.g. AWS credentials).
	ErrorTypeDependency ErrorType = "dependency"
	// ErrorTypeMetering indicates a metering API error.
	ErrorTypeMetering ErrorType = "metering"
	// ErrorTypeNetwork indicates a network/transport error.
	ErrorTypeNetwork ErrorType = "network"
)

// ReveniumError is a typed error returned by the revenium package.
type ReveniumError struct {
	Type    ErrorType
	Message string
	Err     error
}

func (e *ReveniumError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("revenium %s error: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("revenium %s error: %s", e.Type, e.Message)
}

func (e *ReveniumError) Unwrap() error {
	return e.Err
}

// NewConfigError creates a configuration error.
func NewConfigError(msg string, err error) *ReveniumError {
	return &ReveniumError{Type: ErrorTypeConfig, Message: msg, Err: err}
}

// NewValidationError creates a validation error.
func NewValidationError(msg string, err error) *ReveniumError {
	return &ReveniumError{Type: ErrorTypeValidation, Message: msg, Err: err}
}

// NewInvokeError creates a cloud-route invocation error.
func NewInvokeError(msg string, err error) *ReveniumError {
	return &ReveniumError{Type: ErrorTypeInvoke, Message: msg, Err: err}
}

// NewStreamError creates a streaming decode error.
func NewStreamError(msg string, err error) *ReveniumError {
	return &ReveniumError{Type: ErrorTypeStream, Message: msg, Err: err}
}

// NewDependencyError creates a missing-dependency error.
func NewDependencyError(msg string, err error) *ReveniumError {
	return &ReveniumError{Type: ErrorTypeDependency, Message: msg, Err: err}
}

// NewMeteringError creates a metering API error.
func NewMeteringError(msg string, err error) *ReveniumError {
	return &ReveniumError{Type: ErrorTypeMetering, Message: msg, Err: err}
}

// NewNetworkError creates a network/transport error.
func NewNetworkError(msg string, err error) *ReveniumError {
	return &ReveniumError{Type: ErrorTypeNetwork, Message: msg, Err: err}
}

func isErrorType(err error, t ErrorType) bool {
	var re *ReveniumError
	if errors.As(err, &re) {
		return re.Type == t
	}
	return false
}

// IsConfigError reports whether err is a configuration error.
func IsConfigError(err error) bool { return isErrorType(err, ErrorTypeConfig) }

// IsValidationError reports whether err is a validation error.
func IsValidationError(err error) bool { return isErrorType(err, ErrorTypeValidation) }

// IsInvokeError reports whether err is a cloud-route invocation error.
func IsInvokeError(err error) bool { return isErrorType(err, ErrorTypeInvoke) }

// IsStreamError reports whether err is a streaming decode error.
func IsStreamError(err error) bool { return isErrorType(err, ErrorTypeStream) }

// IsDependencyError reports whether err is a missing-dependency error.
func IsDependencyError(err error) bool { return isErrorType(err, ErrorTypeDependency) }

// IsMeteringError reports whether err is a metering API error.
func IsMeteringError(err error) bool { return isErrorType(err, ErrorTypeMetering) }

// IsNetworkError reports whether err is a network/transport error.
func IsNetworkError(err error) bool { return isErrorType(err, ErrorTypeNetwork) }
