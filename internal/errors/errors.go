package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCategory represents the infrastructure failure classes surfaced by the core.
// Admission denials are not errors and never use this type.
type ErrorCategory string

const (
	// Fatal for the current operation, not for the process
	ErrorCategoryPersistence  ErrorCategory = "PERSISTENCE"
	ErrorCategoryInvalidInput ErrorCategory = "INVALID_INPUT"
	ErrorCategoryBroker       ErrorCategory = "BROKER"

	// Must prevent startup
	ErrorCategoryConfiguration ErrorCategory = "CONFIG"
	ErrorCategoryFatal         ErrorCategory = "FATAL"
)

// CoreError represents a categorized error with context
type CoreError struct {
	Category   ErrorCategory
	Component  string
	Operation  string
	Message    string
	Underlying error
	Context    map[string]interface{}
	Retryable  bool
}

// Error implements the error interface
func (e *CoreError) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("[%s:%s] %s: %s: %v", e.Category, e.Component, e.Operation, e.Message, e.Underlying)
	}
	return fmt.Sprintf("[%s:%s] %s: %s", e.Category, e.Component, e.Operation, e.Message)
}

// Unwrap returns the underlying error for error unwrapping
func (e *CoreError) Unwrap() error {
	return e.Underlying
}

// IsRetryable returns whether this error can be retried
func (e *CoreError) IsRetryable() bool {
	return e.Retryable
}

// IsFatal returns whether this error should stop the process
func (e *CoreError) IsFatal() bool {
	return e.Category == ErrorCategoryFatal || e.Category == ErrorCategoryConfiguration
}

// NewCoreError creates a new categorized error
func NewCoreError(category ErrorCategory, component, operation, message string) *CoreError {
	return &CoreError{
		Category:  category,
		Component: component,
		Operation: operation,
		Message:   message,
		Context:   make(map[string]interface{}),
		Retryable: isRetryableCategory(category),
	}
}

// WrapError wraps an existing error with category context
func WrapError(err error, category ErrorCategory, component, operation string) *CoreError {
	if err == nil {
		return nil
	}

	return &CoreError{
		Category:   category,
		Component:  component,
		Operation:  operation,
		Message:    "operation failed",
		Underlying: err,
		Context:    make(map[string]interface{}),
		Retryable:  isRetryableCategory(category),
	}
}

// WithContext adds context information to the error
func (e *CoreError) WithContext(key string, value interface{}) *CoreError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithMessage replaces the human readable message
func (e *CoreError) WithMessage(message string) *CoreError {
	e.Message = message
	return e
}

func isRetryableCategory(category ErrorCategory) bool {
	switch category {
	case ErrorCategoryPersistence, ErrorCategoryBroker:
		return true
	default:
		return false
	}
}

// NewPersistenceError wraps a store failure. The trade it belongs to must not be treated as recorded.
func NewPersistenceError(component, operation string, err error) *CoreError {
	return WrapError(err, ErrorCategoryPersistence, component, operation)
}

func NewInvalidInputError(component, operation, message string) *CoreError {
	return NewCoreError(ErrorCategoryInvalidInput, component, operation, message)
}

func NewConfigurationError(component, operation, message string) *CoreError {
	return NewCoreError(ErrorCategoryConfiguration, component, operation, message)
}

func NewBrokerError(component, operation string, err error) *CoreError {
	return WrapError(err, ErrorCategoryBroker, component, operation)
}

func NewFatalError(component, operation, message string) *CoreError {
	return NewCoreError(ErrorCategoryFatal, component, operation, message)
}

// CategoryOf returns the category of the first CoreError in err's chain
func CategoryOf(err error) (ErrorCategory, bool) {
	var coreErr *CoreError
	if stderrors.As(err, &coreErr) {
		return coreErr.Category, true
	}
	return "", false
}

func IsPersistence(err error) bool {
	category, ok := CategoryOf(err)
	return ok && category == ErrorCategoryPersistence
}

func IsConfiguration(err error) bool {
	category, ok := CategoryOf(err)
	return ok && category == ErrorCategoryConfiguration
}

func IsInvalidInput(err error) bool {
	category, ok := CategoryOf(err)
	return ok && category == ErrorCategoryInvalidInput
}

func IsBroker(err error) bool {
	category, ok := CategoryOf(err)
	return ok && category == ErrorCategoryBroker
}
