package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies exchange failures so callers never inspect raw payloads.
type ErrorKind int

const (
	// KindTransient covers network failures and 5xx responses; safe to retry.
	KindTransient ErrorKind = iota
	// KindRejected means the exchange refused the request (order or cancel rejected).
	KindRejected
	// KindRateLimited means a rate limit or IP ban is active.
	KindRateLimited
	// KindInvalid means the request itself was malformed.
	KindInvalid
	// KindNotFound means the referenced order, symbol or asset does not exist.
	KindNotFound
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRejected:
		return "rejected"
	case KindRateLimited:
		return "rate_limited"
	case KindInvalid:
		return "invalid"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// ExchangeError is the normalized failure of every ExchangeClient call.
type ExchangeError struct {
	Kind    ErrorKind
	Code    int    // Binance error code, 0 when not applicable
	Status  int    // HTTP status, 0 for transport failures
	Message string // exchange message or transport error text
	Op      string // endpoint or operation that failed
	cause   error
}

func (e *ExchangeError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: %s (code %d): %s", e.Op, e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
}

func (e *ExchangeError) Unwrap() error { return e.cause }

// apiErrorBody is the {"code":-2019,"msg":"Margin is insufficient."} payload.
type apiErrorBody struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// newAPIError classifies a non-200 response.
func newAPIError(op string, status int, body []byte) *ExchangeError {
	var payload apiErrorBody
	if err := json.Unmarshal(body, &payload); err != nil || payload.Msg == "" {
		payload.Msg = string(body)
	}
	return &ExchangeError{
		Kind:    classify(status, payload.Code),
		Code:    payload.Code,
		Status:  status,
		Message: payload.Msg,
		Op:      op,
	}
}

func classify(status, code int) ErrorKind {
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusTeapot || code == -1003:
		return KindRateLimited
	case status >= 500:
		return KindTransient
	}

	switch code {
	case -1001, // DISCONNECTED
		-1007, // TIMEOUT
		-1015, // TOO_MANY_ORDERS
		-1016, // SERVICE_SHUTTING_DOWN
		-1021: // INVALID_TIMESTAMP, clock drift resolves on retry
		return KindTransient
	case -1121, -2011, -2013:
		return KindNotFound
	}
	if code <= -1100 && code > -1200 {
		return KindInvalid
	}
	return KindRejected
}

// transportError wraps a failure that happened before a response was read.
func transportError(op string, err error) *ExchangeError {
	return &ExchangeError{Kind: KindTransient, Message: err.Error(), Op: op, cause: err}
}

// rateLimitedError is returned locally while a ban window is active.
func rateLimitedError(op, msg string) *ExchangeError {
	return &ExchangeError{Kind: KindRateLimited, Code: -1003, Message: msg, Op: op}
}

// KindOf extracts the ErrorKind of err.
func KindOf(err error) (ErrorKind, bool) {
	var ee *ExchangeError
	if errors.As(err, &ee) {
		return ee.Kind, true
	}
	return 0, false
}

// IsTransient reports whether err may succeed on retry. Context cancellation
// is never transient.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	kind, ok := KindOf(err)
	return ok && kind == KindTransient
}

// IsRejected reports whether the exchange refused the request.
func IsRejected(err error) bool {
	kind, ok := KindOf(err)
	return ok && (kind == KindRejected || kind == KindInvalid)
}

// IsRateLimited reports whether err comes from a rate limit or ban window.
func IsRateLimited(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind == KindRateLimited
}

// IsNotFound reports whether the referenced entity does not exist.
func IsNotFound(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind == KindNotFound
}
