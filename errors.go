package resilient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind classifies a live-listener or fetch error at the store boundary. The
// classification decides the escalation path: aborted and network-unavailable
// errors trip the circuit breaker fleet-wide, transient kinds get a fast
// individual retry, everything else retries on the standard backoff.
type Kind int

const (
	KindOther Kind = iota
	KindAborted
	KindNetworkUnavailable
	KindDeadlineExceeded
	KindResourceExhausted
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindAborted:
		return "aborted"
	case KindNetworkUnavailable:
		return "network-unavailable"
	case KindDeadlineExceeded:
		return "deadline-exceeded"
	case KindResourceExhausted:
		return "resource-exhausted"
	case KindInternal:
		return "internal"
	case KindOther:
		return "other"
	default:
		return "unknown"
	}
}

// TripsBreaker reports whether one occurrence of this kind opens the circuit
// breaker and migrates every active subscription to polling. An aborted or
// network-class failure on one listener strongly predicts imminent failure on
// all others sharing the transport, so the fleet is moved pre-emptively
// instead of letting each listener discover the same problem on its own.
func (k Kind) TripsBreaker() bool {
	return k == KindAborted || k == KindNetworkUnavailable
}

// Transient reports whether the kind is eligible for the aggressive retry
// schedule.
func (k Kind) Transient() bool {
	switch k {
	case KindDeadlineExceeded, KindResourceExhausted, KindInternal:
		return true
	}
	return false
}

// Sentinel errors store implementations can wrap to get a structured
// classification without implementing KindError.
var (
	ErrAborted           = errors.New("request aborted")
	ErrUnavailable       = errors.New("service unavailable")
	ErrDeadlineExceeded  = errors.New("deadline exceeded")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrInternal          = errors.New("internal error")
)

// KindError is implemented by errors that carry their own classification.
type KindError interface {
	error
	ErrorKind() Kind
}

// Error tags an underlying error with a Kind. Store implementations return it
// so the manager never has to guess from message text.
type Error struct {
	Kind Kind
	Err  error
}

func NewError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) ErrorKind() Kind { return e.Kind }

// Classify maps an error to its Kind. Structured signals win: a KindError,
// the sentinel errors, context errors and net.Error are checked before
// falling back to message matching, which exists only for stores that surface
// loosely-typed errors.
func Classify(err error) Kind {
	if err == nil {
		return KindOther
	}

	var ke KindError
	if errors.As(err, &ke) {
		return ke.ErrorKind()
	}

	switch {
	case errors.Is(err, ErrAborted), errors.Is(err, context.Canceled):
		return KindAborted
	case errors.Is(err, ErrUnavailable):
		return KindNetworkUnavailable
	case errors.Is(err, ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return KindDeadlineExceeded
	case errors.Is(err, ErrResourceExhausted):
		return KindResourceExhausted
	case errors.Is(err, ErrInternal):
		return KindInternal
	}

	var nerr net.Error
	if errors.As(err, &nerr) {
		if nerr.Timeout() {
			return KindDeadlineExceeded
		}
		return KindNetworkUnavailable
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "abort"):
		return KindAborted
	case strings.Contains(msg, "network"), strings.Contains(msg, "unavailable"),
		strings.Contains(msg, "timeout"), strings.Contains(msg, "connection refused"):
		return KindNetworkUnavailable
	case strings.Contains(msg, "exhausted"), strings.Contains(msg, "too many requests"):
		return KindResourceExhausted
	case strings.Contains(msg, "internal"):
		return KindInternal
	}

	return KindOther
}
