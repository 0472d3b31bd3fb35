package errutil

import (
	"fmt"
	"math"
	"time"
)

type Detail struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type BaseError struct {
	Code       CoreStatus    `json:"code"`
	Message    string        `json:"message"`
	Details    []Detail      `json:"details,omitempty"`
	RetryAfter time.Duration `json:"-"`
	Err        error         `json:"-"`
}

func (e BaseError) Status() CoreStatus {
	return e.Code
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, as the
// Retry-After header wants. Zero means no hint.
func (e BaseError) RetryAfterSeconds() int {
	if e.RetryAfter <= 0 {
		return 0
	}
	return int(math.Ceil(e.RetryAfter.Seconds()))
}

func (e BaseError) JSON() any {
	body := map[string]any{
		"code":      e.Code,
		"message":   e.messageWithErr(),
		"details":   e.Details,
		"retryable": e.Code.Retryable(),
	}
	if s := e.RetryAfterSeconds(); s > 0 {
		body["retryAfterSeconds"] = s
	}
	return map[string]any{"error": body}
}

func (e BaseError) Unwrap() error {
	return e.Err
}

func (e BaseError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.messageWithErr())
}

func (e BaseError) messageWithErr() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

type Option func(*BaseError)

func WithDetails(details ...Detail) Option {
	return func(be *BaseError) { be.Details = details }
}

// WithRetryAfter tells the client when the request is worth repeating.
func WithRetryAfter(d time.Duration) Option {
	return func(be *BaseError) { be.RetryAfter = d }
}

func New(code CoreStatus, message string, err error, opts ...Option) error {
	be := BaseError{Code: code, Message: message, Err: err}
	for _, opt := range opts {
		opt(&be)
	}
	return be
}

func BadRequest(msg string, err error, options ...Option) error {
	return New(StatusBadRequest, msg, err, options...)
}

func Unauthorized(msg string, err error, options ...Option) error {
	return New(StatusUnauthorized, msg, err, options...)
}

func Forbidden(msg string, err error, options ...Option) error {
	return New(StatusForbidden, msg, err, options...)
}

func NotFound(msg string, err error, options ...Option) error {
	return New(StatusNotFound, msg, err, options...)
}

func Conflict(msg string, err error, options ...Option) error {
	return New(StatusConflict, msg, err, options...)
}

func TooManyRequests(msg string, err error, options ...Option) error {
	return New(StatusTooManyRequests, msg, err, options...)
}

func Internal(msg string, err error, options ...Option) error {
	return New(StatusInternal, msg, err, options...)
}

func ServiceUnavailable(msg string, err error, options ...Option) error {
	return New(StatusServiceUnavailable, msg, err, options...)
}
