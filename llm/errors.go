package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Error represents a normalized remote API error.
type Error struct {
	Type        ErrorType
	Code        string // Structured code from the remote error payload, e.g. "response_expired"
	Message     string
	Retryable   bool
	RetryAfter  *time.Duration
	StatusCode  int
	Body        string // Raw error body as returned by the remote side
	ProviderErr error  // Original transport or SDK error
}

// ErrorType represents the category of error.
type ErrorType string

const (
	ErrorTypeRateLimit       ErrorType = "rate_limit"
	ErrorTypeRequestTooLarge ErrorType = "request_too_large"
	ErrorTypeInvalidRequest  ErrorType = "invalid_request"
	ErrorTypeNotFound        ErrorType = "not_found"
	ErrorTypeProvider        ErrorType = "provider"
	ErrorTypeNetwork         ErrorType = "network"
	ErrorTypeTimeout         ErrorType = "timeout"
	ErrorTypeDecode          ErrorType = "decode"
	ErrorTypeUnknown         ErrorType = "unknown"
)

// Remote error codes the orchestrator reacts to.
const (
	CodeResponseExpired       = "response_expired"
	CodeUnsupportedFileFormat = "unsupported_file_format"
)

// Error implements the error interface.
func (e *Error) Error() string {
	if e.ProviderErr != nil {
		return e.Message + ": " + e.ProviderErr.Error()
	}
	return e.Message
}

// Unwrap returns the underlying provider error.
func (e *Error) Unwrap() error {
	return e.ProviderErr
}

// ErrorCode returns the structured remote error code carried by err, if any.
func ErrorCode(err error) string {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Code
	}
	return ""
}

// IsContextExpired reports whether the remote conversation context has expired.
func IsContextExpired(err error) bool {
	return ErrorCode(err) == CodeResponseExpired
}

// IsUnsupportedFormat reports whether the remote side rejected an input file format.
func IsUnsupportedFormat(err error) bool {
	return ErrorCode(err) == CodeUnsupportedFileFormat
}

// IsNotFound reports whether the remote resource does not exist.
func IsNotFound(err error) bool {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Type == ErrorTypeNotFound
	}
	return false
}

// IsRateLimitError checks if an error is a rate limit error.
func IsRateLimitError(err error) bool {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Type == ErrorTypeRateLimit
	}
	return false
}

// IsRetryableError checks if an error is retryable.
func IsRetryableError(err error) bool {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Retryable
	}
	return false
}

// ExtractRetryAfter extracts the retry-after duration from an error.
func ExtractRetryAfter(err error) *time.Duration {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.RetryAfter
	}
	return nil
}

// Message returns the most specific human-readable message carried by err.
func Message(err error) string {
	var llmErr *Error
	if errors.As(err, &llmErr) && llmErr.Message != "" {
		return llmErr.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// NewRateLimitError creates a new rate limit error.
func NewRateLimitError(message string, retryAfter *time.Duration, providerErr error) *Error {
	return &Error{
		Type:        ErrorTypeRateLimit,
		Message:     message,
		Retryable:   true,
		RetryAfter:  retryAfter,
		StatusCode:  http.StatusTooManyRequests,
		ProviderErr: providerErr,
	}
}

// NewProviderError creates a new provider error.
func NewProviderError(message string, providerErr error) *Error {
	return &Error{
		Type:        ErrorTypeProvider,
		Message:     message,
		Retryable:   false,
		ProviderErr: providerErr,
	}
}

// NewNetworkError wraps a transport failure. Network errors are retryable.
func NewNetworkError(providerErr error) *Error {
	return &Error{
		Type:        ErrorTypeNetwork,
		Message:     "network error",
		Retryable:   true,
		ProviderErr: providerErr,
	}
}

// NewDecodeError wraps a failure to decode a remote payload.
func NewDecodeError(body []byte, providerErr error) *Error {
	return &Error{
		Type:        ErrorTypeDecode,
		Message:     "decode response",
		Body:        string(body),
		ProviderErr: providerErr,
	}
}

type errorEnvelope struct {
	Error *struct {
		Message string          `json:"message"`
		Type    string          `json:"type"`
		Code    json.RawMessage `json:"code"`
	} `json:"error"`
}

// FromResponse builds an Error from a non-2xx HTTP status and its body.
// The body is parsed as {"error": {"message", "type", "code"}} when possible.
func FromResponse(status int, body []byte, retryAfter *time.Duration) *Error {
	e := &Error{
		StatusCode: status,
		Body:       string(body),
		Message:    fmt.Sprintf("remote API returned %d", status),
	}

	var env errorEnvelope
	if json.Unmarshal(body, &env) == nil && env.Error != nil {
		if env.Error.Message != "" {
			e.Message = env.Error.Message
		}
		e.Code = codeString(env.Error.Code)
		if e.Code == "" {
			e.Code = env.Error.Type
		}
	}

	switch {
	case status == http.StatusTooManyRequests:
		e.Type = ErrorTypeRateLimit
		e.Retryable = true
		e.RetryAfter = retryAfter
	case status == http.StatusRequestEntityTooLarge:
		e.Type = ErrorTypeRequestTooLarge
	case status == http.StatusNotFound:
		e.Type = ErrorTypeNotFound
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		e.Type = ErrorTypeTimeout
		e.Retryable = true
	case status >= 500:
		e.Type = ErrorTypeProvider
		e.Retryable = true
	case status >= 400:
		e.Type = ErrorTypeInvalidRequest
	default:
		e.Type = ErrorTypeUnknown
	}
	return e
}

// codeString accepts codes sent either as JSON strings or numbers.
func codeString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
