package spdy

import (
	"errors"
	"fmt"
)

// Sentinel causes of request-scoped adapter failures. Match them with
// errors.Is; the returned error is always an *AdapterError.
var (
	ErrMissingStreamIdentifier    = errors.New("missing stream identifier")
	ErrUnparsableStreamIdentifier = errors.New("unparsable stream identifier")
	ErrHeaderSourceFailure        = errors.New("header source failure")

	errNilHeaderSource = errors.New("no header source")
)

// AdapterError is a failure scoped to one stream. The caller should abort
// the current stream only; the connection is unaffected.
type AdapterError struct {
	// Kind is one of the sentinel errors above.
	Kind error
	// StreamID is zero when the identifier itself could not be resolved.
	StreamID StreamID
	Cause    error
}

func (e *AdapterError) Error() string {
	if e.StreamID != 0 {
		if e.Cause != nil {
			return fmt.Sprintf("spdy: stream %d: %v: %v", e.StreamID, e.Kind, e.Cause)
		}
		return fmt.Sprintf("spdy: stream %d: %v", e.StreamID, e.Kind)
	}
	if e.Cause != nil {
		return fmt.Sprintf("spdy: %v: %v", e.Kind, e.Cause)
	}
	return fmt.Sprintf("spdy: %v", e.Kind)
}

// Is matches the error's Kind, so errors.Is(err, ErrHeaderSourceFailure) works.
func (e *AdapterError) Is(target error) bool {
	return target == e.Kind
}

func (e *AdapterError) Unwrap() error {
	return e.Cause
}

// KindName is a short label for the error kind, used in logs and metrics.
func KindName(err error) string {
	switch {
	case errors.Is(err, ErrMissingStreamIdentifier):
		return "missing_stream_id"
	case errors.Is(err, ErrUnparsableStreamIdentifier):
		return "unparsable_stream_id"
	case errors.Is(err, ErrHeaderSourceFailure):
		return "header_source"
	case IsInvariantViolation(err):
		return "invariant"
	default:
		return "other"
	}
}

func newAdapterError(kind error, id StreamID, cause error) *AdapterError {
	return &AdapterError{Kind: kind, StreamID: id, Cause: cause}
}

// InvariantViolation reports that the surrounding pipeline broke the
// framing contract (for example body delivered before headers). It is a
// defect in the caller, not a property of the request.
type InvariantViolation struct {
	StreamID StreamID
	Msg      string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("spdy: framing invariant violated on stream %d: %s", e.StreamID, e.Msg)
}

// IsInvariantViolation reports whether err is, or wraps, an *InvariantViolation.
func IsInvariantViolation(err error) bool {
	var iv *InvariantViolation
	return errors.As(err, &iv)
}
