package spdy

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"example.com/spdyout/internal/config"
	"example.com/spdyout/internal/logger"
	"example.com/spdyout/internal/metrics"
)

// Sink is the transport side of a stream: it receives frames in order and
// is responsible for wire encoding and multiplexing.
type Sink interface {
	WriteFrames(ctx context.Context, frames []Frame) error
}

// StreamResetter is implemented by sinks that can end a stream abnormally,
// such as with RST_STREAM. OutputFilter.Abort uses it when present.
type StreamResetter interface {
	ResetStream(ctx context.Context, id StreamID) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, frames []Frame) error

// WriteFrames implements Sink.
func (f SinkFunc) WriteFrames(ctx context.Context, frames []Frame) error { return f(ctx, frames) }

// FilterOptions configures an OutputFilter.
type FilterOptions struct {
	// OnFrameFailure selects what happens when the sink rejects frames.
	// Empty means config.FrameFailureFail.
	OnFrameFailure config.FrameFailurePolicy
	Logger         *logger.Logger
	Metrics        *metrics.Metrics
}

// OutputFilter binds a StreamFrameAdapter to its collaborators for one
// response: where the stream id comes from, where the headers come from and
// where frames go.
type OutputFilter struct {
	adapter *StreamFrameAdapter
	ids     StreamIDSource
	headers HeaderSource
	sink    Sink
	policy  config.FrameFailurePolicy
	log     *logger.Logger
	metrics *metrics.Metrics

	opened   bool
	released bool
	stream   StreamID
}

// NewOutputFilter creates a filter for a single response.
func NewOutputFilter(ids StreamIDSource, headers HeaderSource, sink Sink, opts FilterOptions) *OutputFilter {
	policy := opts.OnFrameFailure
	if policy == "" {
		policy = config.FrameFailureFail
	}
	lg := opts.Logger
	if lg == nil {
		lg = logger.Nop()
	}
	return &OutputFilter{
		adapter: NewStreamFrameAdapter(),
		ids:     ids,
		headers: headers,
		sink:    sink,
		policy:  policy,
		log:     lg,
		metrics: opts.Metrics,
	}
}

// Adapter exposes the underlying adapter, mainly for inspection.
func (f *OutputFilter) Adapter() *StreamFrameAdapter { return f.adapter }

// Write runs one chunk through the adapter and forwards the resulting
// frames to the sink. Errors are scoped to this stream.
func (f *OutputFilter) Write(ctx context.Context, chunk Chunk) error {
	frames, err := f.adapter.Process(f.ids, chunk, f.headers)
	if err != nil {
		f.reportProcessError(err)
		return err
	}

	if len(frames) == 0 {
		return nil
	}
	if !f.opened {
		f.opened = true
		f.stream = frames[0].StreamID()
		f.metrics.StreamOpened()
	}

	f.log.Debug("Emitting frames", logger.LogFields{
		"stream_id": uint32(frames[0].StreamID()),
		"frames":    FormatFrames(frames),
	})

	if err := f.sink.WriteFrames(ctx, frames); err != nil {
		f.metrics.SinkFailure()
		fields := logger.LogFields{
			"stream_id": uint32(frames[0].StreamID()),
			"frames":    FormatFrames(frames),
			"error":     err.Error(),
		}
		if f.policy == config.FrameFailureLog {
			f.log.Warn("Transport sink rejected frames; continuing", fields)
		} else {
			f.log.Error("Transport sink rejected frames", fields)
			return fmt.Errorf("spdy: write frames to sink: %w", err)
		}
	} else {
		for _, fr := range frames {
			dataLen := 0
			if df, ok := fr.(*DataFrame); ok {
				dataLen = len(df.Data)
			}
			f.metrics.FrameEmitted(fr.Type().String(), dataLen)
		}
	}
	if f.adapter.Closed() {
		f.release()
	}
	return nil
}

// Abort ends a stream that will not reach end-of-stream. If frames were
// emitted, the stream stops counting as open and a sink implementing
// StreamResetter resets it. Abort after the stream was closed or aborted
// does nothing.
func (f *OutputFilter) Abort(ctx context.Context) error {
	if !f.opened || f.released {
		return nil
	}
	f.release()
	r, ok := f.sink.(StreamResetter)
	if !ok {
		return nil
	}
	if err := r.ResetStream(ctx, f.stream); err != nil {
		f.metrics.SinkFailure()
		f.log.Warn("Failed to reset aborted stream", logger.LogFields{
			"stream_id": uint32(f.stream),
			"error":     err.Error(),
		})
		return fmt.Errorf("spdy: reset stream %d: %w", f.stream, err)
	}
	return nil
}

func (f *OutputFilter) release() {
	if f.released {
		return
	}
	f.released = true
	f.metrics.StreamClosed()
}

func (f *OutputFilter) reportProcessError(err error) {
	var iv *InvariantViolation
	if errors.As(err, &iv) {
		f.metrics.InvariantViolation()
		f.log.Error("Output pipeline broke the framing contract", logger.LogFields{
			"stream_id": uint32(iv.StreamID),
			"defect":    true,
			"error":     err.Error(),
		})
		return
	}
	kind := KindName(err)
	f.metrics.AdapterError(kind)
	fields := logger.LogFields{"kind": kind, "error": err.Error()}
	var ae *AdapterError
	if errors.As(err, &ae) && ae.StreamID != 0 {
		fields["stream_id"] = uint32(ae.StreamID)
	}
	f.log.Error("Failed to frame response chunk", fields)
}

// RecordingSink keeps every frame it receives and every stream it is asked
// to reset. It is safe for concurrent use and can be shared by several
// streams.
type RecordingSink struct {
	mu     sync.Mutex
	frames []Frame
	resets []StreamID
	// Err, when set, is returned by WriteFrames and nothing is recorded.
	Err error
}

// ResetStream implements StreamResetter.
func (s *RecordingSink) ResetStream(_ context.Context, id StreamID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets = append(s.resets, id)
	return nil
}

// Resets returns the ids passed to ResetStream, in order.
func (s *RecordingSink) Resets() []StreamID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StreamID(nil), s.resets...)
}

// WriteFrames implements Sink.
func (s *RecordingSink) WriteFrames(_ context.Context, frames []Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.frames = append(s.frames, frames...)
	return nil
}

// Frames returns a copy of the recorded frames.
func (s *RecordingSink) Frames() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Frame, len(s.frames))
	copy(out, s.frames)
	return out
}

// ForStream returns the recorded frames of one stream, in order.
func (s *RecordingSink) ForStream(id StreamID) []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Frame
	for _, fr := range s.frames {
		if fr.StreamID() == id {
			out = append(out, fr)
		}
	}
	return out
}
