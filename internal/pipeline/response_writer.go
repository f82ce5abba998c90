// Package pipeline adapts net/http handlers to the per-stream output
// filter. It plays the part of the generic chunked output pipeline: it
// decides when headers are committed, when the body has started and which
// delivery is the last one, and hands those facts to the filter explicitly.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/valyala/bytebufferpool"

	"example.com/spdyout/internal/config"
	"example.com/spdyout/internal/logger"
	"example.com/spdyout/internal/metrics"
	"example.com/spdyout/internal/spdy"
)

// DefaultChunkSize is the body buffer size used when Options.ChunkSize is unset.
const DefaultChunkSize = 8192

// ErrFinished is returned by writes after Finish or Abort.
var ErrFinished = errors.New("pipeline: response already finished")

// Options configures a ResponseWriter.
type Options struct {
	// ChunkSize is the largest body payload handed to the filter per call.
	ChunkSize int
	// StreamIDHeader names the request header holding the stream id (used by Serve).
	StreamIDHeader string
	OnFrameFailure config.FrameFailurePolicy
	Logger         *logger.Logger
	Metrics        *metrics.Metrics
}

// OptionsFromConfig builds Options from a defaulted configuration.
func OptionsFromConfig(cfg *config.Config, lg *logger.Logger, m *metrics.Metrics) Options {
	opts := Options{Logger: lg, Metrics: m}
	if cfg == nil {
		return opts
	}
	if cfg.Pipeline != nil && cfg.Pipeline.ChunkSize != nil {
		opts.ChunkSize = *cfg.Pipeline.ChunkSize
	}
	if cfg.Adapter != nil {
		if cfg.Adapter.StreamIDHeader != nil {
			opts.StreamIDHeader = *cfg.Adapter.StreamIDHeader
		}
		opts.OnFrameFailure = cfg.Adapter.OnFrameFailure
	}
	return opts
}

// ResponseWriter is an http.ResponseWriter whose output becomes frames on
// one stream. It is used by a single handler goroutine.
//
// The first Write, Flush or Finish commits the headers with one
// header-phase call. Every later call is a body-phase call. Body bytes are
// buffered up to ChunkSize; a full buffer is only delivered once more
// bytes arrive, so the final bytes always travel with the end-of-stream
// flag.
type ResponseWriter struct {
	ctx       context.Context
	filter    *spdy.OutputFilter
	log       *logger.Logger
	chunkSize int

	header      http.Header
	committed   http.Header
	status      int
	wroteHeader bool
	headersSent bool
	finished    bool
	err         error

	buf     *bytebufferpool.ByteBuffer
	written int64
}

// NewResponseWriter creates a writer for one response on the stream
// resolved by ids; frames go to sink.
func NewResponseWriter(ctx context.Context, ids spdy.StreamIDSource, sink spdy.Sink, opts Options) *ResponseWriter {
	if ctx == nil {
		ctx = context.Background()
	}
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	lg := opts.Logger
	if lg == nil {
		lg = logger.Nop()
	}
	rw := &ResponseWriter{
		ctx:       ctx,
		log:       lg,
		chunkSize: chunkSize,
		header:    make(http.Header),
	}
	rw.filter = spdy.NewOutputFilter(ids, spdy.HeaderSourceFunc(rw.enumerateHeaders), sink, spdy.FilterOptions{
		OnFrameFailure: opts.OnFrameFailure,
		Logger:         lg,
		Metrics:        opts.Metrics,
	})
	return rw
}

// Header implements http.ResponseWriter. Changes after the headers are
// committed have no effect.
func (rw *ResponseWriter) Header() http.Header {
	return rw.header
}

// WriteHeader implements http.ResponseWriter. Informational (1xx) codes are
// ignored; only the first final status is kept.
func (rw *ResponseWriter) WriteHeader(code int) {
	if code < 200 && code >= 100 {
		return
	}
	if rw.wroteHeader {
		rw.log.Warn("Superfluous WriteHeader call", logger.LogFields{"status": code, "previous_status": rw.status})
		return
	}
	rw.wroteHeader = true
	rw.status = code
}

// Write implements http.ResponseWriter.
func (rw *ResponseWriter) Write(p []byte) (int, error) {
	if rw.finished {
		return 0, ErrFinished
	}
	if rw.err != nil {
		return 0, rw.err
	}
	if err := rw.commitHeaders(false); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}
	if rw.buf == nil {
		rw.buf = bytebufferpool.Get()
	}

	n := 0
	for len(p) > 0 {
		if rw.buf.Len() == rw.chunkSize {
			if err := rw.deliverBody(false); err != nil {
				return n, err
			}
		}
		take := rw.chunkSize - rw.buf.Len()
		if take > len(p) {
			take = len(p)
		}
		rw.buf.Write(p[:take])
		p = p[take:]
		n += take
	}
	rw.written += int64(n)
	return n, nil
}

// WriteString writes s like Write.
func (rw *ResponseWriter) WriteString(s string) (int, error) {
	return rw.Write([]byte(s))
}

// Flush implements http.Flusher: it commits the headers and delivers any
// buffered body bytes. Errors are kept and returned by later calls.
func (rw *ResponseWriter) Flush() {
	if rw.finished || rw.err != nil {
		return
	}
	if err := rw.commitHeaders(false); err != nil {
		return
	}
	if rw.buf != nil && rw.buf.Len() > 0 {
		_ = rw.deliverBody(false)
	}
}

// Finish delivers the last chunk with the end-of-stream flag and releases
// the body buffer. A response without body bytes ends on the HEADERS frame.
// A response that already failed is aborted instead. Finish is idempotent;
// it returns the first error the response hit.
func (rw *ResponseWriter) Finish() error {
	if rw.finished {
		return rw.err
	}
	defer rw.release()
	rw.finished = true
	if rw.err != nil {
		rw.abortStream()
		return rw.err
	}

	var err error
	if !rw.headersSent {
		err = rw.commitHeaders(true)
	} else {
		err = rw.deliverBody(true)
	}
	if err != nil {
		rw.abortStream()
	}
	return err
}

// Abort drops the response without emitting further frames and releases
// the buffer. A stream that already has frames on the wire is reset when
// the sink supports it.
func (rw *ResponseWriter) Abort(cause error) {
	if rw.finished {
		return
	}
	rw.finished = true
	if rw.err == nil {
		rw.err = cause
	}
	rw.abortStream()
	rw.release()
}

// abortStream releases the stream in the filter. A reset failure is logged
// there and does not replace the response's first error.
func (rw *ResponseWriter) abortStream() {
	_ = rw.filter.Abort(rw.ctx)
}

// Status returns the committed status code (200 if none was set).
func (rw *ResponseWriter) Status() int {
	if !rw.wroteHeader {
		return http.StatusOK
	}
	return rw.status
}

// BytesWritten returns the body bytes accepted from the handler.
func (rw *ResponseWriter) BytesWritten() int64 { return rw.written }

// Err returns the first error the response hit, if any.
func (rw *ResponseWriter) Err() error { return rw.err }

// HeadersCommitted reports whether the header-phase call has been made.
func (rw *ResponseWriter) HeadersCommitted() bool { return rw.headersSent }

// resetHeaders drops the handler's headers and status so an error response
// can replace them. It has no effect once the headers are committed.
func (rw *ResponseWriter) resetHeaders() {
	if rw.headersSent {
		return
	}
	rw.header = make(http.Header)
	rw.wroteHeader = false
	rw.status = 0
}

// commitHeaders makes the single header-phase call. With endOfStream set
// the response has no body and the HEADERS frame closes the stream.
func (rw *ResponseWriter) commitHeaders(endOfStream bool) error {
	if rw.headersSent {
		return nil
	}
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	rw.committed = rw.header.Clone()
	if err := rw.filter.Write(rw.ctx, spdy.Chunk{EndOfStream: endOfStream}); err != nil {
		rw.err = err
		return err
	}
	rw.headersSent = true
	return nil
}

func (rw *ResponseWriter) deliverBody(endOfStream bool) error {
	var data []byte
	if rw.buf != nil {
		data = rw.buf.Bytes()
	}
	err := rw.filter.Write(rw.ctx, spdy.Chunk{Data: data, BodyStarted: true, EndOfStream: endOfStream})
	if rw.buf != nil {
		rw.buf.Reset()
	}
	if err != nil {
		rw.err = err
	}
	return err
}

func (rw *ResponseWriter) enumerateHeaders() ([]spdy.HeaderField, error) {
	h := rw.committed
	if h == nil {
		h = rw.header
	}
	fields, err := spdy.ResponseHeaderPopulator{StatusCode: rw.Status(), Header: h}.Enumerate()
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	return fields, nil
}

func (rw *ResponseWriter) release() {
	if rw.buf != nil {
		bytebufferpool.Put(rw.buf)
		rw.buf = nil
	}
}
