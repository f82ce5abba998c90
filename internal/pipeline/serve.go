package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"example.com/spdyout/internal/logger"
	"example.com/spdyout/internal/spdy"
)

// RequestIDHeader carries a caller-supplied request id; one is generated
// when it is absent.
const RequestIDHeader = "X-Request-Id"

// Serve runs handler for req and frames its response onto the stream named
// by the request's stream id header. It returns once the response is fully
// framed or has failed; a failure affects this stream only. A handler panic
// before any output becomes a 500 response; after that the stream is aborted.
func Serve(ctx context.Context, handler http.Handler, req *http.Request, sink spdy.Sink, opts Options) (err error) {
	if ctx == nil {
		ctx = req.Context()
	}
	requestID := req.Header.Get(RequestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	fields := logger.LogFields{"request_id": requestID}
	ids := spdy.HeaderStreamID{Header: req.Header, Name: opts.StreamIDHeader}
	if id, idErr := ids.StreamID(); idErr == nil {
		fields["stream_id"] = uint32(id)
	}
	opts.Logger = opts.Logger.With(fields)

	rw := NewResponseWriter(ctx, ids, sink, opts)
	start := time.Now()

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		err = fmt.Errorf("pipeline: handler panic: %v", r)
		if rw.HeadersCommitted() || rw.Err() != nil {
			rw.Abort(err)
			opts.Logger.Error("Handler panicked; stream aborted", logger.LogFields{"panic": fmt.Sprint(r)})
			return
		}
		rw.resetHeaders()
		werr := WriteErrorResponse(rw, http.StatusInternalServerError, req, "", opts.Logger)
		if werr == nil {
			werr = rw.Finish()
		}
		if werr != nil {
			rw.Abort(werr)
			opts.Logger.Error("Handler panicked; error response failed", logger.LogFields{"panic": fmt.Sprint(r), "error": werr.Error()})
			return
		}
		opts.Logger.Error("Handler panicked; sent error response", logger.LogFields{"panic": fmt.Sprint(r), "status": http.StatusInternalServerError})
	}()

	handler.ServeHTTP(rw, req.WithContext(ctx))

	if err = rw.Finish(); err != nil {
		opts.Logger.Error("Response framing failed; stream aborted", logger.LogFields{"error": err.Error()})
		return err
	}
	opts.Logger.Info("Response framed", logger.LogFields{
		"method":      req.Method,
		"uri":         req.URL.RequestURI(),
		"status":      rw.Status(),
		"resp_bytes":  rw.BytesWritten(),
		"resp_size":   humanize.IBytes(uint64(rw.BytesWritten())),
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return nil
}
