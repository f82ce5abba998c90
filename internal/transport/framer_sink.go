// Package transport provides a spdy.Sink that puts frames on a byte stream.
// Wire encoding is delegated to golang.org/x/net/http2.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/net/http2"

	"example.com/spdyout/internal/logger"
	"example.com/spdyout/internal/spdy"
)

const (
	// DefaultMaxFrameSize is the largest frame payload written unless configured.
	DefaultMaxFrameSize = 16384
	// ClosedStreamHistory is how many retired stream ids are remembered to
	// reject late frames. Older ids are forgotten.
	ClosedStreamHistory = 1024
)

var (
	// ErrStreamClosed is returned for frames on a stream that already ended.
	ErrStreamClosed = errors.New("transport: stream closed")
	// ErrHeadersNotSent is returned for DATA on a stream without HEADERS.
	ErrHeadersNotSent = errors.New("transport: headers not sent")
	// ErrDuplicateHeaders is returned for a second HEADERS frame on a stream.
	ErrDuplicateHeaders = errors.New("transport: headers already sent")
)

// streamState tracks a stream whose HEADERS frame has been written.
type streamState struct {
	finSent bool
}

// FramerSink writes frames for all streams of one connection to w. It is
// safe for concurrent use; frames of one WriteFrames call are written
// contiguously.
type FramerSink struct {
	mu           sync.Mutex
	framer       *http2.Framer
	enc          *HeaderEncoder
	maxFrameSize int
	log          *logger.Logger
	open         map[spdy.StreamID]*streamState
	closed       map[spdy.StreamID]struct{}
	closedOrder  []spdy.StreamID
}

// NewFramerSink creates a sink writing to w. maxFrameSize <= 0 selects
// DefaultMaxFrameSize.
func NewFramerSink(w io.Writer, maxFrameSize int, lg *logger.Logger) *FramerSink {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	if lg == nil {
		lg = logger.Nop()
	}
	return &FramerSink{
		framer:       http2.NewFramer(w, nil),
		enc:          NewHeaderEncoder(DefaultHeaderTableSize),
		maxFrameSize: maxFrameSize,
		log:          lg,
		open:         make(map[spdy.StreamID]*streamState),
		closed:       make(map[spdy.StreamID]struct{}),
	}
}

// OpenStreams returns the number of streams that have started and not closed.
func (s *FramerSink) OpenStreams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.open)
}

// WriteFrames implements spdy.Sink.
func (s *FramerSink) WriteFrames(ctx context.Context, frames []spdy.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, fr := range frames {
		var err error
		switch f := fr.(type) {
		case *spdy.HeadersFrame:
			err = s.writeHeaders(f)
		case *spdy.DataFrame:
			err = s.writeData(f)
		case *spdy.StreamCloseFrame:
			err = s.closeStream(f.Stream)
		default:
			err = fmt.Errorf("transport: unsupported frame type %s", fr.Type())
		}
		if err != nil {
			return fmt.Errorf("stream %d: %w", fr.StreamID(), err)
		}
	}
	return nil
}

// ResetStream implements spdy.StreamResetter. It ends a stream that will
// not complete with RST_STREAM (INTERNAL_ERROR) and retires it. Streams
// already ended by END_STREAM are retired without a frame; unknown streams
// are left alone.
func (s *FramerSink) ResetStream(ctx context.Context, id spdy.StreamID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, done := s.closed[id]; done {
		return nil
	}
	st, ok := s.open[id]
	if !ok {
		return nil
	}
	if st.finSent {
		s.retire(id)
		return nil
	}
	if err := s.framer.WriteRSTStream(uint32(id), http2.ErrCodeInternal); err != nil {
		return fmt.Errorf("stream %d: %w", id, err)
	}
	s.log.Debug("Stream reset", logger.LogFields{"stream_id": uint32(id)})
	s.retire(id)
	return nil
}

// state returns the entry of an open stream. Entries are only created by
// writeHeaders.
func (s *FramerSink) state(id spdy.StreamID) (*streamState, error) {
	if _, done := s.closed[id]; done {
		return nil, ErrStreamClosed
	}
	st, ok := s.open[id]
	if !ok {
		return nil, ErrHeadersNotSent
	}
	if st.finSent {
		return nil, ErrStreamClosed
	}
	return st, nil
}

// retire moves id from open to the bounded closed history.
func (s *FramerSink) retire(id spdy.StreamID) {
	delete(s.open, id)
	if len(s.closedOrder) >= ClosedStreamHistory {
		delete(s.closed, s.closedOrder[0])
		s.closedOrder = s.closedOrder[1:]
	}
	s.closed[id] = struct{}{}
	s.closedOrder = append(s.closedOrder, id)
}

func (s *FramerSink) writeHeaders(f *spdy.HeadersFrame) error {
	if _, done := s.closed[f.Stream]; done {
		return ErrStreamClosed
	}
	if st, ok := s.open[f.Stream]; ok {
		if st.finSent {
			return ErrStreamClosed
		}
		return ErrDuplicateHeaders
	}
	block, err := s.enc.Encode(f.Headers)
	if err != nil {
		return err
	}

	first := block
	if len(first) > s.maxFrameSize {
		first = block[:s.maxFrameSize]
	}
	rest := block[len(first):]
	if err := s.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      uint32(f.Stream),
		BlockFragment: first,
		EndStream:     f.Fin(),
		EndHeaders:    len(rest) == 0,
	}); err != nil {
		return err
	}
	for len(rest) > 0 {
		n := len(rest)
		if n > s.maxFrameSize {
			n = s.maxFrameSize
		}
		if err := s.framer.WriteContinuation(uint32(f.Stream), n == len(rest), rest[:n]); err != nil {
			return err
		}
		rest = rest[n:]
	}

	s.open[f.Stream] = &streamState{finSent: f.Fin()}
	return nil
}

func (s *FramerSink) writeData(f *spdy.DataFrame) error {
	st, err := s.state(f.Stream)
	if err != nil {
		return err
	}
	data := f.Data
	for {
		n := len(data)
		if n > s.maxFrameSize {
			n = s.maxFrameSize
		}
		last := n == len(data)
		if err := s.framer.WriteData(uint32(f.Stream), last && f.Fin(), data[:n]); err != nil {
			return err
		}
		data = data[n:]
		if last {
			break
		}
	}
	st.finSent = f.Fin()
	return nil
}

// closeStream retires the stream. If no frame carried END_STREAM, an empty
// DATA frame closes the stream on the wire.
func (s *FramerSink) closeStream(id spdy.StreamID) error {
	if _, done := s.closed[id]; done {
		return ErrStreamClosed
	}
	st, ok := s.open[id]
	if !ok {
		return ErrHeadersNotSent
	}
	if !st.finSent {
		s.log.Debug("Closing stream without a FIN frame; sending empty DATA", logger.LogFields{"stream_id": uint32(id)})
		if err := s.framer.WriteData(uint32(id), true, nil); err != nil {
			return err
		}
	}
	s.retire(id)
	return nil
}
