package errx

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Code classifies every failure the gateway can report to a client or a worker.
type Code string

const (
	CodeUnauthenticated      Code = "unauthenticated"
	CodeConversationNotOwned Code = "conversation_not_owned"
	CodePayloadTooLarge      Code = "payload_too_large"
	CodeRateLimited          Code = "rate_limited"
	CodeValidationRejected   Code = "validation_rejected"
	CodeOverloaded           Code = "overloaded"
	CodeEngineTimeout        Code = "engine_timeout"
	CodeEngineUnavailable    Code = "engine_unavailable"
	CodeStorageUnavailable   Code = "storage_unavailable"
	CodeNotFound             Code = "not_found"
	CodeBadRequest           Code = "bad_request"
	CodeInternal             Code = "internal"
)

const (
	// SystemErrorMessage is a user-facing fallback when internal errors occur.
	SystemErrorMessage = "internal server error"
	// RedisErrorMessage describes Redis related failures.
	RedisErrorMessage = "redis operation failed"
	// RedisNotFoundMessage is used when a key is missing.
	RedisNotFoundMessage = "redis key not found"
	// StorageErrorMessage describes durable store failures.
	StorageErrorMessage = "storage unavailable"
)

var statusByCode = map[Code]int{
	CodeUnauthenticated:      http.StatusUnauthorized,
	CodeConversationNotOwned: http.StatusForbidden,
	CodePayloadTooLarge:      http.StatusRequestEntityTooLarge,
	CodeRateLimited:          http.StatusTooManyRequests,
	CodeValidationRejected:   http.StatusUnprocessableEntity,
	CodeOverloaded:           http.StatusServiceUnavailable,
	CodeEngineTimeout:        http.StatusGatewayTimeout,
	CodeEngineUnavailable:    http.StatusServiceUnavailable,
	CodeStorageUnavailable:   http.StatusBadGateway,
	CodeNotFound:             http.StatusNotFound,
	CodeBadRequest:           http.StatusBadRequest,
	CodeInternal:             http.StatusInternalServerError,
}

// Error wraps an underlying error with a taxonomy code, an HTTP status and a
// message that is safe to show to clients.
type Error struct {
	Code       Code
	Status     int
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
}

// Unwrap exposes the underlying error for errors.Is / errors.As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by code, so sentinel-style checks such as
// errors.Is(err, errx.New(nil, errx.CodeNotFound, "")) work.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// New creates an Error with the status derived from code.
func New(err error, code Code, message string) *Error {
	status, ok := statusByCode[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	return &Error{
		Code:    code,
		Status:  status,
		Message: message,
		Err:     err,
	}
}

// CodeOf returns the code of the first *Error in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// RetryAfterOf returns the retry hint carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// StatusOf maps err to an HTTP status code.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return http.StatusInternalServerError
}

// MessageOf returns the client-safe message for err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return SystemErrorMessage
}

func Unauthenticated(err error) *Error {
	return New(err, CodeUnauthenticated, "authentication required")
}

func ConversationNotOwned(conversationID string) *Error {
	return New(nil, CodeConversationNotOwned, fmt.Sprintf("conversation %s belongs to another user", conversationID))
}

func PayloadTooLarge(size, limit int) *Error {
	return New(nil, CodePayloadTooLarge, fmt.Sprintf("payload is %d bytes, limit is %d", size, limit))
}

func RateLimited(retryAfter time.Duration) *Error {
	e := New(nil, CodeRateLimited, "rate limit exceeded")
	e.RetryAfter = retryAfter
	return e
}

func ValidationRejected(reason string) *Error {
	return New(nil, CodeValidationRejected, reason)
}

func Overloaded(err error) *Error {
	return New(err, CodeOverloaded, "gateway is busy, try again shortly")
}

func EngineTimeout(err error) *Error {
	return New(err, CodeEngineTimeout, "conversation engine timed out")
}

func EngineUnavailable(err error) *Error {
	return New(err, CodeEngineUnavailable, "conversation engine unavailable")
}

func StorageUnavailable(err error) *Error {
	if err == nil {
		return nil
	}
	return New(err, CodeStorageUnavailable, StorageErrorMessage)
}

func NotFound(what string) *Error {
	return New(nil, CodeNotFound, what+" not found")
}

func BadRequest(err error, message string) *Error {
	return New(err, CodeBadRequest, message)
}
