package spdy

import (
	"fmt"
	"strings"
)

// StreamID identifies one stream within a connection. Valid ids are in
// [1, MaxStreamID].
type StreamID uint32

// MaxStreamID is the largest stream identifier representable on the wire
// (stream ids are 31 bits).
const MaxStreamID StreamID = 1<<31 - 1

// FrameType is the kind of artifact the adapter hands to the transport.
type FrameType uint8

const (
	// FrameHeaders carries the response status and headers.
	FrameHeaders FrameType = 0x1
	// FrameData carries a slice of the response body.
	FrameData FrameType = 0x2
	// FrameStreamClose tells the transport the stream is finished in the
	// outbound direction. It is a marker and has no payload.
	FrameStreamClose FrameType = 0x3
)

var frameTypeNames = map[FrameType]string{
	FrameHeaders:     "HEADERS",
	FrameData:        "DATA",
	FrameStreamClose: "STREAM_CLOSE",
}

func (t FrameType) String() string {
	if name, ok := frameTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN_FRAME_TYPE_%d", uint8(t))
}

// Flags are per-frame flags.
type Flags uint8

const (
	// FlagFin marks the last frame of the stream in this direction.
	FlagFin Flags = 0x1
)

// Has reports whether all bits of v are set in f.
func (f Flags) Has(v Flags) bool {
	return f&v == v
}

// HeaderField is a single response header (name/value pair).
type HeaderField struct {
	Name  string
	Value string
}

// Frame is implemented by every artifact the adapter can emit.
type Frame interface {
	Type() FrameType
	StreamID() StreamID
	Fin() bool
	String() string
}

// HeadersFrame carries the complete response header set.
type HeadersFrame struct {
	Stream  StreamID
	Flags   Flags
	Headers []HeaderField
}

func (f *HeadersFrame) Type() FrameType { return FrameHeaders }
func (f *HeadersFrame) StreamID() StreamID { return f.Stream }
func (f *HeadersFrame) Fin() bool { return f.Flags.Has(FlagFin) }

func (f *HeadersFrame) String() string {
	return fmt.Sprintf("HEADERS{stream=%d fin=%t headers=%d}", f.Stream, f.Fin(), len(f.Headers))
}

// DataFrame carries response body bytes. Data may be empty.
type DataFrame struct {
	Stream StreamID
	Flags  Flags
	Data   []byte
}

func (f *DataFrame) Type() FrameType { return FrameData }
func (f *DataFrame) StreamID() StreamID { return f.Stream }
func (f *DataFrame) Fin() bool { return f.Flags.Has(FlagFin) }

func (f *DataFrame) String() string {
	return fmt.Sprintf("DATA{stream=%d fin=%t len=%d}", f.Stream, f.Fin(), len(f.Data))
}

// StreamCloseFrame marks the end of the stream for the transport.
type StreamCloseFrame struct {
	Stream StreamID
}

func (f *StreamCloseFrame) Type() FrameType { return FrameStreamClose }
func (f *StreamCloseFrame) StreamID() StreamID { return f.Stream }

// Fin is always false: the marker is not itself a wire frame.
func (f *StreamCloseFrame) Fin() bool { return false }

func (f *StreamCloseFrame) String() string {
	return fmt.Sprintf("STREAM_CLOSE{stream=%d}", f.Stream)
}

// FormatFrames renders a frame sequence for logs, e.g.
// "HEADERS{stream=1 fin=false headers=3} DATA{stream=1 fin=true len=0}".
func FormatFrames(frames []Frame) string {
	parts := make([]string, len(frames))
	for i, f := range frames {
		parts[i] = f.String()
	}
	return strings.Join(parts, " ")
}

func finFlags(fin bool) Flags {
	if fin {
		return FlagFin
	}
	return 0
}
