package syncstorage

import (
	"context"
	"errors"
	"fmt"

	"github.com/breez/sync-storage/store"
)

type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindPreconditionFailed
	KindQuotaExceeded
	KindPayloadTooLarge
	KindInvalidBatch
	KindClockRegression
	KindBackendUnavailable
	KindBackendTimeout
	KindInvalidRequest
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindPreconditionFailed:
		return "precondition_failed"
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindPayloadTooLarge:
		return "payload_too_large"
	case KindInvalidBatch:
		return "invalid_batch"
	case KindClockRegression:
		return "clock_regression"
	case KindBackendUnavailable:
		return "backend_unavailable"
	case KindBackendTimeout:
		return "backend_timeout"
	case KindInvalidRequest:
		return "invalid_request"
	default:
		return "internal"
	}
}

// Error is the only error type returned by Storage. Stamp is set for
// PreconditionFailed (the current collection stamp) and Limit for
// QuotaExceeded and PayloadTooLarge.
type Error struct {
	Kind  Kind
	Op    string
	Stamp store.Stamp
	Limit int64
	Err   error
}

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrPreconditionFailed = &Error{Kind: KindPreconditionFailed}
	ErrQuotaExceeded      = &Error{Kind: KindQuotaExceeded}
	ErrPayloadTooLarge    = &Error{Kind: KindPayloadTooLarge}
	ErrInvalidBatch       = &Error{Kind: KindInvalidBatch}
	ErrClockRegression    = &Error{Kind: KindClockRegression}
	ErrBackendUnavailable = &Error{Kind: KindBackendUnavailable}
	ErrBackendTimeout     = &Error{Kind: KindBackendTimeout}
	ErrInvalidRequest     = &Error{Kind: KindInvalidRequest}
	ErrInternal           = &Error{Kind: KindInternal}
)

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	switch e.Kind {
	case KindPreconditionFailed:
		msg += fmt.Sprintf(" (modified %d)", e.Stamp)
	case KindQuotaExceeded, KindPayloadTooLarge:
		msg += fmt.Sprintf(" (limit %d)", e.Limit)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the kind of err, KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

func preconditionFailed(stamp store.Stamp) *Error {
	return &Error{Kind: KindPreconditionFailed, Stamp: stamp}
}

// classify maps a driver or context error to an *Error.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	kind := KindInternal
	switch {
	case errors.Is(err, store.ErrNotFound):
		kind = KindNotFound
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		kind = KindBackendTimeout
	case errors.Is(err, store.ErrUnavailable), errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrBatchChanged):
		kind = KindBackendUnavailable
	}
	return &Error{Kind: kind, Err: err}
}

// withOp returns err with its operation name set.
func withOp(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if !errors.As(classify(err), &e) {
		return err
	}
	if e.Op == "" {
		c := *e
		c.Op = op
		return &c
	}
	return e
}
