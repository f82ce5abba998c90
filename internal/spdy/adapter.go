package spdy

import "errors"

// Chunk is one delivery from the output pipeline.
type Chunk struct {
	// Data is the body payload of this delivery. It may be empty and is
	// not retained after Process returns.
	Data []byte
	// BodyStarted is true once any body bytes of the response have been
	// committed by the pipeline. Before that, the call belongs to the
	// header phase.
	BodyStarted bool
	// EndOfStream is true on the final delivery of the response.
	EndOfStream bool
}

// StreamFrameAdapter decides which frames one response produces on its
// stream. One adapter serves exactly one response. It is not safe for
// concurrent use; calls must arrive in the order the origin produced
// the chunks.
type StreamFrameAdapter struct {
	headersSent bool
	closed      bool
}

// NewStreamFrameAdapter returns an adapter in the headers-pending phase.
func NewStreamFrameAdapter() *StreamFrameAdapter {
	return &StreamFrameAdapter{}
}

// HeadersSent reports whether the HEADERS frame has been emitted.
func (a *StreamFrameAdapter) HeadersSent() bool { return a.headersSent }

// Closed reports whether an end-of-stream chunk has been processed.
func (a *StreamFrameAdapter) Closed() bool { return a.closed }

// Process turns one chunk into zero, one or two frames:
//
//   - body phase: a DATA frame carrying chunk.Data, FIN iff end of stream;
//   - first header-phase call: a HEADERS frame, FIN iff end of stream and
//     no data;
//   - later header-phase calls: nothing;
//
// followed by a STREAM_CLOSE marker when chunk.EndOfStream is set.
//
// The stream id is resolved on every call. On error no frames are returned
// and the adapter state is unchanged.
func (a *StreamFrameAdapter) Process(ids StreamIDSource, chunk Chunk, headers HeaderSource) ([]Frame, error) {
	if ids == nil {
		return nil, newAdapterError(ErrMissingStreamIdentifier, 0, nil)
	}
	id, err := ids.StreamID()
	if err != nil {
		var ae *AdapterError
		if errors.As(err, &ae) {
			return nil, err
		}
		return nil, newAdapterError(ErrMissingStreamIdentifier, 0, err)
	}

	if a.closed {
		return nil, &InvariantViolation{StreamID: id, Msg: "chunk delivered after end of stream"}
	}

	frames := make([]Frame, 0, 2)
	switch {
	case chunk.BodyStarted:
		if !a.headersSent {
			return nil, &InvariantViolation{StreamID: id, Msg: "body delivered before headers were sent"}
		}
		data := make([]byte, len(chunk.Data))
		copy(data, chunk.Data)
		frames = append(frames, &DataFrame{
			Stream: id,
			Flags:  finFlags(chunk.EndOfStream),
			Data:   data,
		})

	case !a.headersSent:
		if headers == nil {
			return nil, newAdapterError(ErrHeaderSourceFailure, id, errNilHeaderSource)
		}
		fields, err := headers.Enumerate()
		if err != nil {
			return nil, newAdapterError(ErrHeaderSourceFailure, id, err)
		}
		frames = append(frames, &HeadersFrame{
			Stream:  id,
			Flags:   finFlags(chunk.EndOfStream && len(chunk.Data) == 0),
			Headers: fields,
		})
		a.headersSent = true
	}

	if chunk.EndOfStream {
		frames = append(frames, &StreamCloseFrame{Stream: id})
		a.closed = true
	}
	return frames, nil
}
