// Package faults classifies failures crossing the enhancement client, the
// artifact cache, the delivery state machine and the dispatcher.
package faults

import (
	"errors"
	"fmt"
)

// Kind is the classification of a failure.
type Kind int

const (
	KindUnknown Kind = iota
	UpstreamUnavailable
	UpstreamRejected
	Timeout
	InvalidPayload
	UnknownRecord
	IllegalTransition
	StorageFailure
)

var kindNames = map[Kind]string{
	KindUnknown:         "unknown",
	UpstreamUnavailable: "upstream_unavailable",
	UpstreamRejected:    "upstream_rejected",
	Timeout:             "timeout",
	InvalidPayload:      "invalid_payload",
	UnknownRecord:       "unknown_record",
	IllegalTransition:   "illegal_transition",
	StorageFailure:      "storage_failure",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Retryable reports whether a failure of this kind may succeed on a later attempt
// without any change of input.
func (k Kind) Retryable() bool {
	return k == UpstreamUnavailable || k == Timeout
}

// Error is a classified failure. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a classified error. err may be nil.
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf is New with a formatted cause.
func Errorf(kind Kind, op, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost classified error in err's chain,
// or KindUnknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether err is classified as a transient failure.
func IsRetryable(err error) bool {
	return err != nil && KindOf(err).Retryable()
}
