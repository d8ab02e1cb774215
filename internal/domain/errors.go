package domain

import (
	"errors"
	"fmt"
)

// Error types for domain-specific errors
type ErrorType string

const (
	ErrorTypeConfig         ErrorType = "configuration"
	ErrorTypeTimeout        ErrorType = "timeout"
	ErrorTypeTransport      ErrorType = "transport"
	ErrorTypeMalformed      ErrorType = "malformed"
	ErrorTypeCategorization ErrorType = "categorization"
	ErrorTypeValidation     ErrorType = "validation"
	ErrorTypeConversion     ErrorType = "conversion"
	ErrorTypeExtraction     ErrorType = "extraction"
	ErrorTypeIO             ErrorType = "io"
	ErrorTypeStorage        ErrorType = "storage"
)

// DomainError represents a domain-specific error with context.
// Status and Body are only populated for transport failures.
type DomainError struct {
	Type    ErrorType
	Message string
	Status  int
	Body    string
	Err     error
}

func (e *DomainError) Error() string {
	msg := e.Message
	if e.Type == ErrorTypeTransport && e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d): %s", e.Message, e.Status, e.Body)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, msg, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, msg)
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewError creates a new domain error
func NewError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
	}
}

// ErrorTypeOf returns the type of the first DomainError in err's chain,
// or an empty ErrorType when there is none.
func ErrorTypeOf(err error) ErrorType {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Type
	}
	return ""
}

// IsType reports whether err carries a DomainError of the given type.
func IsType(err error, errType ErrorType) bool {
	return ErrorTypeOf(err) == errType
}

// Common error constructors
func ConfigError(message string, err error) *DomainError {
	return NewError(ErrorTypeConfig, message, err)
}

func TimeoutError(message string, err error) *DomainError {
	return NewError(ErrorTypeTimeout, message, err)
}

// TransportError records a non-success response from the oracle endpoint.
func TransportError(status int, body string, err error) *DomainError {
	return &DomainError{
		Type:    ErrorTypeTransport,
		Message: "oracle request failed",
		Status:  status,
		Body:    body,
		Err:     err,
	}
}

func MalformedError(message string, err error) *DomainError {
	return NewError(ErrorTypeMalformed, message, err)
}

func CategorizationError(message string, err error) *DomainError {
	return NewError(ErrorTypeCategorization, message, err)
}

func ValidationError(message string, err error) *DomainError {
	return NewError(ErrorTypeValidation, message, err)
}

func ConversionError(message string, err error) *DomainError {
	return NewError(ErrorTypeConversion, message, err)
}

func ExtractionError(message string, err error) *DomainError {
	return NewError(ErrorTypeExtraction, message, err)
}

func IOError(message string, err error) *DomainError {
	return NewError(ErrorTypeIO, message, err)
}

func StorageError(message string, err error) *DomainError {
	return NewError(ErrorTypeStorage, message, err)
}
