package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/spdyout/internal/config"
	"example.com/spdyout/internal/logger"
	"example.com/spdyout/internal/metrics"
	"example.com/spdyout/internal/spdy"
)

func newTestMetrics(t *testing.T) (*metrics.Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg, "test")
	require.NoError(t, err)
	return m, reg
}

// assertStreamsOpen compares the streams_open gauge against want.
func assertStreamsOpen(t *testing.T, reg *prometheus.Registry, want int) {
	t.Helper()
	expected := fmt.Sprintf(`# HELP test_streams_open Streams whose response has started but not finished
# TYPE test_streams_open gauge
test_streams_open %d
`, want)
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "test_streams_open"))
}

type frameView struct {
	Type spdy.FrameType
	Fin  bool
	Data string
}

func views(frames []spdy.Frame) []frameView {
	out := make([]frameView, 0, len(frames))
	for _, f := range frames {
		v := frameView{Type: f.Type(), Fin: f.Fin()}
		if df, ok := f.(*spdy.DataFrame); ok {
			v.Data = string(df.Data)
		}
		out = append(out, v)
	}
	return out
}

func headerValue(t *testing.T, f spdy.Frame, name string) string {
	t.Helper()
	hf, ok := f.(*spdy.HeadersFrame)
	require.True(t, ok, "expected HEADERS, got %s", f)
	for _, h := range hf.Headers {
		if h.Name == name {
			return h.Value
		}
	}
	return ""
}

func TestResponseWriter_TwoChunks(t *testing.T) {
	sink := &spdy.RecordingSink{}
	rw := NewResponseWriter(context.Background(), spdy.FixedStreamID(1), sink, Options{ChunkSize: 3})

	rw.Header().Set("Content-Type", "text/plain")
	_, err := io.WriteString(rw, "abc")
	require.NoError(t, err)
	_, err = rw.Write([]byte("def"))
	require.NoError(t, err)
	require.NoError(t, rw.Finish())

	frames := sink.Frames()
	assert.Equal(t, []frameView{
		{Type: spdy.FrameHeaders},
		{Type: spdy.FrameData, Data: "abc"},
		{Type: spdy.FrameData, Fin: true, Data: "def"},
		{Type: spdy.FrameStreamClose},
	}, views(frames))
	assert.Equal(t, "200 OK", headerValue(t, frames[0], "status"))
	assert.Equal(t, "text/plain", headerValue(t, frames[0], "content-type"))
	assert.EqualValues(t, 6, rw.BytesWritten())
}

func TestResponseWriter_EmptyBody(t *testing.T) {
	sink := &spdy.RecordingSink{}
	rw := NewResponseWriter(context.Background(), spdy.FixedStreamID(3), sink, Options{})
	rw.WriteHeader(http.StatusNoContent)
	require.NoError(t, rw.Finish())

	frames := sink.Frames()
	assert.Equal(t, []frameView{
		{Type: spdy.FrameHeaders, Fin: true},
		{Type: spdy.FrameStreamClose},
	}, views(frames))
	assert.Equal(t, "204 No Content", headerValue(t, frames[0], "status"))
}

func TestResponseWriter_FlushThenFinishSendsEmptyFinalData(t *testing.T) {
	sink := &spdy.RecordingSink{}
	rw := NewResponseWriter(context.Background(), spdy.FixedStreamID(5), sink, Options{ChunkSize: 4})
	rw.Flush()
	_, err := rw.WriteString("hi")
	require.NoError(t, err)
	rw.Flush()
	rw.Flush()
	require.NoError(t, rw.Finish())

	assert.Equal(t, []frameView{
		{Type: spdy.FrameHeaders},
		{Type: spdy.FrameData, Data: "hi"},
		{Type: spdy.FrameData, Fin: true},
		{Type: spdy.FrameStreamClose},
	}, views(sink.Frames()))
}

func TestResponseWriter_LargeWriteIsChunked(t *testing.T) {
	sink := &spdy.RecordingSink{}
	rw := NewResponseWriter(context.Background(), spdy.FixedStreamID(1), sink, Options{ChunkSize: 4})
	n, err := rw.Write([]byte("0123456789"))
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	require.NoError(t, rw.Finish())

	assert.Equal(t, []frameView{
		{Type: spdy.FrameHeaders},
		{Type: spdy.FrameData, Data: "0123"},
		{Type: spdy.FrameData, Data: "4567"},
		{Type: spdy.FrameData, Fin: true, Data: "89"},
		{Type: spdy.FrameStreamClose},
	}, views(sink.Frames()))
}

func TestResponseWriter_HeaderChangesAfterCommitIgnored(t *testing.T) {
	sink := &spdy.RecordingSink{}
	rw := NewResponseWriter(context.Background(), spdy.FixedStreamID(1), sink, Options{})
	rw.Header().Set("X-Before", "1")
	_, err := rw.WriteString("body")
	require.NoError(t, err)
	rw.Header().Set("X-After", "1")
	rw.WriteHeader(http.StatusTeapot)
	require.NoError(t, rw.Finish())

	frames := sink.Frames()
	assert.Equal(t, "1", headerValue(t, frames[0], "x-before"))
	assert.Equal(t, "", headerValue(t, frames[0], "x-after"))
	assert.Equal(t, http.StatusOK, rw.Status())
}

func TestResponseWriter_MissingStreamIDPoisonsWriter(t *testing.T) {
	sink := &spdy.RecordingSink{}
	rw := NewResponseWriter(context.Background(), spdy.HeaderStreamID{Header: http.Header{}}, sink, Options{})

	_, err := rw.WriteString("x")
	assert.ErrorIs(t, err, spdy.ErrMissingStreamIdentifier)
	_, err = rw.WriteString("y")
	assert.ErrorIs(t, err, spdy.ErrMissingStreamIdentifier)
	assert.ErrorIs(t, rw.Finish(), spdy.ErrMissingStreamIdentifier)
	assert.Empty(t, sink.Frames())
}

func TestResponseWriter_SinkFailure(t *testing.T) {
	sink := &spdy.RecordingSink{Err: errors.New("broken pipe")}
	rw := NewResponseWriter(context.Background(), spdy.FixedStreamID(1), sink, Options{})
	_, err := rw.WriteString("x")
	assert.ErrorContains(t, err, "broken pipe")
	assert.ErrorContains(t, rw.Finish(), "broken pipe")
}

func TestResponseWriter_FinishIdempotentAndWritesAfterFinish(t *testing.T) {
	sink := &spdy.RecordingSink{}
	rw := NewResponseWriter(context.Background(), spdy.FixedStreamID(1), sink, Options{})
	require.NoError(t, rw.Finish())
	require.NoError(t, rw.Finish())
	_, err := rw.WriteString("late")
	assert.ErrorIs(t, err, ErrFinished)
	assert.Len(t, sink.Frames(), 2)
}

func TestResponseWriter_Abort(t *testing.T) {
	sink := &spdy.RecordingSink{}
	rw := NewResponseWriter(context.Background(), spdy.FixedStreamID(1), sink, Options{ChunkSize: 2})
	_, err := rw.WriteString("abcd")
	require.NoError(t, err)
	cause := errors.New("client went away")
	rw.Abort(cause)
	assert.ErrorIs(t, rw.Finish(), cause)
	assert.ErrorIs(t, rw.Err(), cause)

	assert.Equal(t, []frameView{
		{Type: spdy.FrameHeaders},
		{Type: spdy.FrameData, Data: "ab"},
	}, views(sink.Frames()))
	assert.Equal(t, []spdy.StreamID{1}, sink.Resets())
}

func TestResponseWriter_AbortReleasesOpenStream(t *testing.T) {
	m, reg := newTestMetrics(t)
	sink := &spdy.RecordingSink{}
	rw := NewResponseWriter(context.Background(), spdy.FixedStreamID(3), sink, Options{ChunkSize: 2, Metrics: m})
	_, err := rw.WriteString("abcd")
	require.NoError(t, err)
	assertStreamsOpen(t, reg, 1)

	rw.Abort(errors.New("upstream closed"))
	rw.Abort(errors.New("again"))
	assert.Error(t, rw.Finish())
	assertStreamsOpen(t, reg, 0)
	assert.Equal(t, []spdy.StreamID{3}, sink.Resets())
}

func TestResponseWriter_AbortBeforeOutputDoesNotReset(t *testing.T) {
	m, reg := newTestMetrics(t)
	sink := &spdy.RecordingSink{}
	rw := NewResponseWriter(context.Background(), spdy.FixedStreamID(3), sink, Options{Metrics: m})
	rw.Abort(errors.New("handler gave up"))
	assert.Empty(t, sink.Frames())
	assert.Empty(t, sink.Resets())
	assertStreamsOpen(t, reg, 0)
}

func TestResponseWriter_FinishAfterSinkFailureReleasesStream(t *testing.T) {
	m, reg := newTestMetrics(t)
	sink := &spdy.RecordingSink{}
	rw := NewResponseWriter(context.Background(), spdy.FixedStreamID(5), sink, Options{Metrics: m})
	_, err := rw.WriteString("x")
	require.NoError(t, err)
	rw.Flush()
	require.NoError(t, rw.Err())

	sink.Err = errors.New("broken pipe")
	_, err = rw.WriteString("y")
	require.NoError(t, err)
	assert.ErrorContains(t, rw.Finish(), "broken pipe")
	assertStreamsOpen(t, reg, 0)
	assert.Equal(t, []spdy.StreamID{5}, sink.Resets())

	assert.ErrorContains(t, rw.Finish(), "broken pipe")
	assertStreamsOpen(t, reg, 0)
}

func TestResponseWriter_FinishReleasesPoisonedStream(t *testing.T) {
	m, reg := newTestMetrics(t)
	sink := &spdy.RecordingSink{}
	rw := NewResponseWriter(context.Background(), spdy.FixedStreamID(7), sink, Options{ChunkSize: 1, Metrics: m})
	_, err := rw.WriteString("a")
	require.NoError(t, err)

	sink.Err = errors.New("connection reset")
	_, err = rw.WriteString("bc")
	assert.ErrorContains(t, err, "connection reset")
	assertStreamsOpen(t, reg, 1)

	assert.ErrorContains(t, rw.Finish(), "connection reset")
	assertStreamsOpen(t, reg, 0)
	assert.Equal(t, []spdy.StreamID{7}, sink.Resets())
}

func TestResponseWriter_InformationalAndSuperfluousWriteHeader(t *testing.T) {
	var buf bytes.Buffer
	sink := &spdy.RecordingSink{}
	rw := NewResponseWriter(context.Background(), spdy.FixedStreamID(1), sink, Options{
		Logger: logger.NewTestLogger(&buf, config.LogLevelDebug),
	})
	rw.WriteHeader(http.StatusContinue)
	rw.WriteHeader(http.StatusCreated)
	rw.WriteHeader(http.StatusAccepted)
	require.NoError(t, rw.Finish())

	assert.Equal(t, http.StatusCreated, rw.Status())
	assert.Equal(t, "201 Created", headerValue(t, sink.Frames()[0], "status"))
	assert.Contains(t, buf.String(), "Superfluous WriteHeader call")
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	*cfg.Pipeline.ChunkSize = 17
	cfg.Adapter.OnFrameFailure = config.FrameFailureLog

	opts := OptionsFromConfig(cfg, nil, nil)
	assert.Equal(t, 17, opts.ChunkSize)
	assert.Equal(t, spdy.DefaultStreamIDHeader, opts.StreamIDHeader)
	assert.Equal(t, config.FrameFailureLog, opts.OnFrameFailure)

	assert.Equal(t, Options{}, OptionsFromConfig(nil, nil, nil))
}

func TestServe(t *testing.T) {
	var logs bytes.Buffer
	sink := &spdy.RecordingSink{}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, "hello, ")
		w.(http.Flusher).Flush()
		io.WriteString(w, r.URL.Path)
	})

	req := httptest.NewRequest(http.MethodGet, "/world", nil)
	req.Header.Set(spdy.DefaultStreamIDHeader, "7")
	req.Header.Set(RequestIDHeader, "req-1")

	err := Serve(context.Background(), handler, req, sink, Options{
		Logger: logger.NewTestLogger(&logs, config.LogLevelInfo),
	})
	require.NoError(t, err)

	frames := sink.ForStream(7)
	assert.Equal(t, []frameView{
		{Type: spdy.FrameHeaders},
		{Type: spdy.FrameData, Data: "hello, "},
		{Type: spdy.FrameData, Fin: true, Data: "/world"},
		{Type: spdy.FrameStreamClose},
	}, views(frames))
	assert.Contains(t, logs.String(), `"request_id":"req-1"`)
	assert.Contains(t, logs.String(), `"stream_id":7`)
	assert.Contains(t, logs.String(), "Response framed")
	assert.Contains(t, logs.String(), `"resp_size":"13 B"`)
}

func TestServe_GeneratesRequestIDAndReportsMissingStreamID(t *testing.T) {
	var logs bytes.Buffer
	sink := &spdy.RecordingSink{}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	err := Serve(context.Background(), handler, req, sink, Options{Logger: logger.NewTestLogger(&logs, config.LogLevelInfo)})
	assert.ErrorIs(t, err, spdy.ErrMissingStreamIdentifier)
	assert.Empty(t, sink.Frames())
	assert.Contains(t, logs.String(), `"request_id":"`)
	assert.True(t, strings.Contains(logs.String(), "stream aborted"))
}

func TestServe_HandlerPanic(t *testing.T) {
	sink := &spdy.RecordingSink{}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Stream", "9")
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "partial")
		w.(http.Flusher).Flush()
		panic("boom")
	})

	m, reg := newTestMetrics(t)
	err := Serve(context.Background(), handler, req, sink, Options{StreamIDHeader: "x-stream", Metrics: m})
	assert.ErrorContains(t, err, "handler panic: boom")
	assert.Equal(t, []frameView{
		{Type: spdy.FrameHeaders},
		{Type: spdy.FrameData, Data: "partial"},
	}, views(sink.ForStream(9)))
	assert.Equal(t, []spdy.StreamID{9}, sink.Resets())
	assertStreamsOpen(t, reg, 0)
}
