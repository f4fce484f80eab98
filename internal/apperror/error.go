package apperror

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/wuwenbin0122/aidanna/internal/models"
)

// Kind classifies a failure so the transport can pick a status and a client-safe message.
type Kind string

const (
	KindInvalidInput    Kind = "invalid_input"
	KindUnauthorized    Kind = "unauthorized"
	KindForbidden       Kind = "forbidden"
	KindUpgradeRequired Kind = "upgrade_required"
	KindNotFound        Kind = "not_found"
	KindQuotaExceeded   Kind = "quota_exceeded"
	KindPaymentRequired Kind = "payment_required"
	KindUpstreamBusy    Kind = "upstream_busy"
	KindUpstreamFailure Kind = "upstream_failure"
	KindStoreFailure    Kind = "store_failure"
	KindInternal        Kind = "internal"
)

var statusByKind = map[Kind]int{
	KindInvalidInput:    http.StatusBadRequest,
	KindUnauthorized:    http.StatusUnauthorized,
	KindForbidden:       http.StatusForbidden,
	KindUpgradeRequired: http.StatusForbidden,
	KindNotFound:        http.StatusNotFound,
	KindQuotaExceeded:   http.StatusTooManyRequests,
	KindPaymentRequired: http.StatusPaymentRequired,
	KindUpstreamBusy:    http.StatusServiceUnavailable,
	KindStoreFailure:    http.StatusServiceUnavailable,
	KindUpstreamFailure: http.StatusInternalServerError,
	KindInternal:        http.StatusInternalServerError,
}

// Error is the single failure type handed from the companion pipeline to the transport.
// Message is shown to clients; Internal is only ever logged.
type Error struct {
	Kind            Kind
	Message         string
	Internal        error
	Usage           *models.UsageSnapshot
	UpgradeRequired bool
}

func (e *Error) Error() string {
	if e.Internal != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Kind, e.Message, e.Internal)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Internal
}

// Status returns the HTTP status for the error kind.
func (e *Error) Status() int {
	if status, ok := statusByKind[e.Kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WithUsage returns a copy carrying a usage snapshot.
func (e *Error) WithUsage(usage models.UsageSnapshot) *Error {
	cp := *e
	cp.Usage = &usage
	return &cp
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Internal: err}
}

func InvalidInput(message string) *Error {
	return New(KindInvalidInput, message)
}

func NotFound(message string) *Error {
	return New(KindNotFound, message)
}

func QuotaExceeded(usage models.UsageSnapshot) *Error {
	return &Error{
		Kind:            KindQuotaExceeded,
		Message:         "Daily limit reached. Upgrade to Pro for unlimited learning.",
		Usage:           &usage,
		UpgradeRequired: true,
	}
}

func UpgradeRequired(message string) *Error {
	return &Error{Kind: KindUpgradeRequired, Message: message, UpgradeRequired: true}
}

func UpstreamBusy(err error) *Error {
	return Wrap(KindUpstreamBusy, "The learning assistant is busy right now. Please wait a moment and retry.", err)
}

func UpstreamFailure(err error) *Error {
	return Wrap(KindUpstreamFailure, "Upstream request failed. Please try again.", err)
}

func StoreFailure(err error) *Error {
	return Wrap(KindStoreFailure, "Service temporarily unavailable. Please retry shortly.", err)
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// Normalize maps any error to an *Error, treating unknown errors as internal.
func Normalize(err error) *Error {
	if err == nil {
		return nil
	}
	if appErr, ok := As(err); ok {
		return appErr
	}
	return Wrap(KindInternal, "internal error", err)
}
