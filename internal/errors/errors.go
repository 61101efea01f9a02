package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorType represents the type of error
type ErrorType int

const (
	ErrorTypeUnknown ErrorType = iota
	ErrorTypeValidation
	ErrorTypeNetwork
	ErrorTypeFileSystem
	ErrorTypeParsing
	ErrorTypeConfiguration
	ErrorTypeNotFound
	ErrorTypeConflict
	ErrorTypeTimeout
)

// String returns the string representation of the error type
func (et ErrorType) String() string {
	switch et {
	case ErrorTypeValidation:
		return "VALIDATION"
	case ErrorTypeNetwork:
		return "NETWORK"
	case ErrorTypeFileSystem:
		return "FILESYSTEM"
	case ErrorTypeParsing:
		return "PARSING"
	case ErrorTypeConfiguration:
		return "CONFIGURATION"
	case ErrorTypeNotFound:
		return "NOT_FOUND"
	case ErrorTypeConflict:
		return "CONFLICT"
	case ErrorTypeTimeout:
		return "TIMEOUT"
	default:
		return "UNKNOWN"
	}
}

// HubError represents an error with a type, a stable code, context and suggestions
type HubError struct {
	Type        ErrorType         `json:"type"`
	Code        string            `json:"code"`
	Message     string            `json:"message"`
	Cause       error             `json:"cause,omitempty"`
	Context     map[string]string `json:"context,omitempty"`
	Suggestions []string          `json:"suggestions,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
	Retryable   bool              `json:"retryable"`
}

// Error implements the error interface
func (e *HubError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *HubError) Unwrap() error {
	return e.Cause
}

// Is matches any HubError with the same type and code
func (e *HubError) Is(target error) bool {
	if t, ok := target.(*HubError); ok {
		return e.Type == t.Type && e.Code == t.Code
	}
	return false
}

// WithContext adds context to the error
func (e *HubError) WithContext(key, value string) *HubError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithSuggestion adds a suggestion to the error
func (e *HubError) WithSuggestion(suggestion string) *HubError {
	e.Suggestions = append(e.Suggestions, suggestion)
	return e
}

// WithSuggestions adds multiple suggestions to the error
func (e *HubError) WithSuggestions(suggestions []string) *HubError {
	e.Suggestions = append(e.Suggestions, suggestions...)
	return e
}

// SetRetryable marks the error as retryable or not
func (e *HubError) SetRetryable(retryable bool) *HubError {
	e.Retryable = retryable
	return e
}

// FormatDetailed returns a detailed error message with context and suggestions
func (e *HubError) FormatDetailed() string {
	var builder strings.Builder

	builder.WriteString(fmt.Sprintf("%s error [%s]: %s\n", e.Type.String(), e.Code, e.Message))

	if len(e.Context) > 0 {
		builder.WriteString("\nContext:\n")
		for key, value := range e.Context {
			builder.WriteString(fmt.Sprintf("   %s: %s\n", key, value))
		}
	}

	if e.Cause != nil {
		builder.WriteString(fmt.Sprintf("\nUnderlying cause: %v\n", e.Cause))
	}

	if len(e.Suggestions) > 0 {
		builder.WriteString("\nSuggestions:\n")
		for _, suggestion := range e.Suggestions {
			builder.WriteString(fmt.Sprintf("   - %s\n", suggestion))
		}
	}

	if e.Retryable {
		builder.WriteString("\nThis operation can be retried\n")
	}

	return builder.String()
}

// NewError creates a new HubError
func NewError(errorType ErrorType, code, message string) *HubError {
	return &HubError{
		Type:      errorType,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// WrapError wraps an existing error with a HubError
func WrapError(err error, errorType ErrorType, code, message string) *HubError {
	return &HubError{
		Type:      errorType,
		Code:      code,
		Message:   message,
		Cause:     err,
		Timestamp: time.Now(),
	}
}

// NewValidationError creates a validation error
func NewValidationError(code, message string) *HubError {
	return NewError(ErrorTypeValidation, code, message).
		WithSuggestion("Check the input parameters and try again")
}

// NewNetworkError creates a network error
func NewNetworkError(code, message string) *HubError {
	return NewError(ErrorTypeNetwork, code, message).
		SetRetryable(true).
		WithSuggestions([]string{
			"Check your internet connection",
			"Verify the server is accessible",
		})
}

// NewFileSystemError creates a filesystem error
func NewFileSystemError(code, message string) *HubError {
	return NewError(ErrorTypeFileSystem, code, message).
		WithSuggestions([]string{
			"Check file permissions",
			"Verify disk space availability",
		})
}

// NewParsingError creates a parsing error
func NewParsingError(code, message string) *HubError {
	return NewError(ErrorTypeParsing, code, message).
		WithSuggestion("Verify the source publishes a valid manifest")
}

// NewConfigurationError creates a configuration error
func NewConfigurationError(code, message string) *HubError {
	return NewError(ErrorTypeConfiguration, code, message).
		WithSuggestion("Check the configuration file syntax")
}

// NewNotFoundError creates a not found error
func NewNotFoundError(code, message string) *HubError {
	return NewError(ErrorTypeNotFound, code, message)
}

// NewConflictError creates a conflict error
func NewConflictError(code, message string) *HubError {
	return NewError(ErrorTypeConflict, code, message)
}

// NewTimeoutError creates a timeout error
func NewTimeoutError(code, message string) *HubError {
	return NewError(ErrorTypeTimeout, code, message).SetRetryable(true)
}

// Wrapf returns a copy of sentinel carrying cause and a formatted message.
// The copy still matches sentinel through errors.Is.
func Wrapf(sentinel *HubError, cause error, format string, args ...interface{}) *HubError {
	e := *sentinel
	e.Message = fmt.Sprintf(format, args...)
	e.Cause = cause
	e.Timestamp = time.Now()
	e.Suggestions = append([]string(nil), sentinel.Suggestions...)
	e.Context = nil
	return &e
}

// As returns the HubError in err's chain, if any
func As(err error) (*HubError, bool) {
	var hubErr *HubError
	if errors.As(err, &hubErr) {
		return hubErr, true
	}
	return nil, false
}

// IsType reports whether err's chain contains a HubError of the given type
func IsType(err error, errorType ErrorType) bool {
	hubErr, ok := As(err)
	return ok && hubErr.Type == errorType
}
