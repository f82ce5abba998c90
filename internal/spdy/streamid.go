package spdy

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// DefaultStreamIDHeader is the request header the input side uses to hand
// the stream identifier to the output side.
const DefaultStreamIDHeader = "x-spdy-stream-id"

// StreamIDSource resolves the identifier of the stream a response belongs
// to. Implementations return an error wrapping ErrMissingStreamIdentifier
// or ErrUnparsableStreamIdentifier.
type StreamIDSource interface {
	StreamID() (StreamID, error)
}

// ParseStreamID parses a decimal stream identifier.
func ParseStreamID(s string) (StreamID, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, newAdapterError(ErrUnparsableStreamIdentifier, 0, fmt.Errorf("parse %q: %w", s, err))
	}
	if v <= 0 || v > int64(MaxStreamID) {
		return 0, newAdapterError(ErrUnparsableStreamIdentifier, 0, fmt.Errorf("%d is outside [1, %d]", v, MaxStreamID))
	}
	return StreamID(v), nil
}

// HeaderStreamID reads the stream identifier from a request header.
type HeaderStreamID struct {
	Header http.Header
	// Name defaults to DefaultStreamIDHeader.
	Name string
}

// StreamID implements StreamIDSource.
func (h HeaderStreamID) StreamID() (StreamID, error) {
	name := h.Name
	if name == "" {
		name = DefaultStreamIDHeader
	}
	values := h.Header.Values(name)
	if len(values) == 0 {
		return 0, newAdapterError(ErrMissingStreamIdentifier, 0, fmt.Errorf("request has no %s header", name))
	}
	return ParseStreamID(values[0])
}

// FixedStreamID is a StreamIDSource for hosts that already know the id.
// Zero means "not assigned".
type FixedStreamID StreamID

// StreamID implements StreamIDSource.
func (f FixedStreamID) StreamID() (StreamID, error) {
	if f == 0 {
		return 0, newAdapterError(ErrMissingStreamIdentifier, 0, nil)
	}
	if StreamID(f) > MaxStreamID {
		return 0, newAdapterError(ErrUnparsableStreamIdentifier, 0, fmt.Errorf("%d is outside [1, %d]", uint32(f), MaxStreamID))
	}
	return StreamID(f), nil
}
