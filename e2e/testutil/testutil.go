package testutil

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"example.com/spdyout/internal/pipeline"
	"example.com/spdyout/internal/transport"
)

// BodyMatcher defines a way to match a stream's body.
type BodyMatcher interface {
	Match(body []byte) (bool, string) // Returns match status and a description of mismatch
}

// ExactBodyMatcher matches the body exactly.
type ExactBodyMatcher struct {
	ExpectedBody []byte
}

// Match implements BodyMatcher for ExactBodyMatcher.
func (m *ExactBodyMatcher) Match(body []byte) (bool, string) {
	if bytes.Equal(m.ExpectedBody, body) {
		return true, ""
	}
	return false, fmt.Sprintf("bodies do not match exactly. Expected: %q, Got: %q", string(m.ExpectedBody), string(body))
}

// StringContainsBodyMatcher checks if the body contains a specific substring.
type StringContainsBodyMatcher struct {
	Substring string
}

// Match implements BodyMatcher for StringContainsBodyMatcher.
func (m *StringContainsBodyMatcher) Match(body []byte) (bool, string) {
	if bytes.Contains(body, []byte(m.Substring)) {
		return true, ""
	}
	return false, fmt.Sprintf("body does not contain substring: %q. Body: %q", m.Substring, string(body))
}

// WireFrame is one decoded frame from the output stream.
type WireFrame struct {
	Type      http2.FrameType
	StreamID  uint32
	EndStream bool
	Fields    []hpack.HeaderField // HEADERS only, continuations merged
	Data      []byte              // DATA only
	ErrCode   http2.ErrCode       // RST_STREAM only
}

// StreamResponse is the response reassembled from one stream's frames.
type StreamResponse struct {
	Status     string
	Headers    http.Header
	Body       []byte
	DataFrames int
	Ended      bool // END_STREAM seen
	Reset      bool // RST_STREAM seen
	ResetCode  http2.ErrCode
}

// ReadFrames decodes frames from r until EOF.
func ReadFrames(r io.Reader) ([]WireFrame, error) {
	fr := http2.NewFramer(nil, r)
	fr.ReadMetaHeaders = hpack.NewDecoder(transport.DefaultHeaderTableSize, nil)

	var out []WireFrame
	for {
		f, err := fr.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, fmt.Errorf("read frame %d: %w", len(out), err)
		}
		switch f := f.(type) {
		case *http2.MetaHeadersFrame:
			out = append(out, WireFrame{
				Type:      http2.FrameHeaders,
				StreamID:  f.StreamID,
				EndStream: f.StreamEnded(),
				Fields:    append([]hpack.HeaderField(nil), f.Fields...),
			})
		case *http2.DataFrame:
			out = append(out, WireFrame{
				Type:      http2.FrameData,
				StreamID:  f.StreamID,
				EndStream: f.StreamEnded(),
				Data:      append([]byte(nil), f.Data()...),
			})
		case *http2.RSTStreamFrame:
			out = append(out, WireFrame{
				Type:     http2.FrameRSTStream,
				StreamID: f.StreamID,
				ErrCode:  f.ErrCode,
			})
		default:
			return out, fmt.Errorf("unexpected frame %v", f.Header())
		}
	}
}

// Assemble groups frames by stream and rebuilds each response.
func Assemble(frames []WireFrame) map[uint32]*StreamResponse {
	out := make(map[uint32]*StreamResponse)
	for _, f := range frames {
		sr, ok := out[f.StreamID]
		if !ok {
			sr = &StreamResponse{Headers: make(http.Header)}
			out[f.StreamID] = sr
		}
		switch f.Type {
		case http2.FrameHeaders:
			for _, hf := range f.Fields {
				if hf.Name == ":status" {
					sr.Status = hf.Value
					continue
				}
				sr.Headers.Add(hf.Name, hf.Value)
			}
		case http2.FrameData:
			sr.Body = append(sr.Body, f.Data...)
			sr.DataFrames++
		case http2.FrameRSTStream:
			sr.Reset = true
			sr.ResetCode = f.ErrCode
		}
		if f.EndStream {
			sr.Ended = true
		}
	}
	return out
}

// WriteTempConfig creates a temporary configuration file in JSON or TOML format.
// It returns the path to the file and a cleanup function to remove it.
func WriteTempConfig(configData interface{}, format string) (filePath string, cleanupFunc func(), err error) {
	var data []byte
	var ext string

	switch strings.ToLower(format) {
	case "json":
		data, err = json.MarshalIndent(configData, "", "  ")
		ext = ".json"
	case "toml":
		buf := new(bytes.Buffer)
		if err = toml.NewEncoder(buf).Encode(configData); err == nil {
			data = buf.Bytes()
		}
		ext = ".toml"
	default:
		err = fmt.Errorf("unsupported config format: %s", format)
	}

	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal config data to %s: %w", format, err)
	}

	tmpFile, err := os.CreateTemp("", "testconfig-*"+ext)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create temp config file: %w", err)
	}
	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
		return "", nil, fmt.Errorf("failed to write to temp config file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpFile.Name())
		return "", nil, fmt.Errorf("failed to close temp config file: %w", err)
	}

	filePath = tmpFile.Name()
	cleanupFunc = func() { os.Remove(filePath) }
	return filePath, cleanupFunc, nil
}

// FrameServer accepts TCP connections carrying HTTP/1.1 requests and answers
// each request with frames on the stream named by its stream id header.
// Requests on one connection are served in order and share one FramerSink.
type FrameServer struct {
	Address string

	ln           net.Listener
	handler      http.Handler
	opts         pipeline.Options
	maxFrameSize int

	mu           sync.Mutex
	errs         []error
	CleanupFuncs []func() error
	wg           sync.WaitGroup
	cancelCtx    context.CancelFunc
	ctx          context.Context
	stopOnce     sync.Once
	stopErr      error
}

// StartFrameServer listens on a free loopback port and serves handler.
func StartFrameServer(handler http.Handler, opts pipeline.Options, maxFrameSize int) (*FrameServer, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &FrameServer{
		Address:      ln.Addr().String(),
		ln:           ln,
		handler:      handler,
		opts:         opts,
		maxFrameSize: maxFrameSize,
		ctx:          ctx,
		cancelCtx:    cancel,
	}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

func (s *FrameServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *FrameServer) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	br := bufio.NewReader(conn)
	bw := bufio.NewWriter(conn)
	sink := transport.NewFramerSink(bw, s.maxFrameSize, s.opts.Logger)
	for {
		req, err := http.ReadRequest(br)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.recordErr(fmt.Errorf("read request: %w", err))
			}
			break
		}
		if err := pipeline.Serve(s.ctx, s.handler, req, sink, s.opts); err != nil {
			s.recordErr(err)
		}
		req.Body.Close()
		if err := bw.Flush(); err != nil {
			s.recordErr(err)
			break
		}
	}
}

func (s *FrameServer) recordErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

// Errors returns the per-request failures seen so far.
func (s *FrameServer) Errors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.errs...)
}

// AddCleanupFunc adds a function to be called when the server is stopped.
func (s *FrameServer) AddCleanupFunc(f func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CleanupFuncs = append(s.CleanupFuncs, f)
}

// Stop closes the listener, waits for open connections and runs cleanups.
// Calls after the first return the first call's result.
func (s *FrameServer) Stop() error {
	s.stopOnce.Do(func() { s.stopErr = s.stop() })
	return s.stopErr
}

func (s *FrameServer) stop() error {
	s.cancelCtx()
	var errs []string
	if err := s.ln.Close(); err != nil {
		errs = append(errs, fmt.Sprintf("close listener: %v", err))
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		errs = append(errs, "connections did not drain")
	}

	s.mu.Lock()
	cleanups := s.CleanupFuncs
	s.CleanupFuncs = nil
	s.mu.Unlock()
	for i := len(cleanups) - 1; i >= 0; i-- {
		if err := cleanups[i](); err != nil {
			errs = append(errs, fmt.Sprintf("cleanup_func_%d: %v", i, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors during stop: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Exchange sends raw requests on one connection, half-closes it and returns
// every frame the server wrote back.
func Exchange(addr string, requests ...string) ([]WireFrame, error) {
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()
	if err := conn.SetDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return nil, err
	}
	for _, r := range requests {
		if _, err := io.WriteString(conn, r); err != nil {
			return nil, fmt.Errorf("write request: %w", err)
		}
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		if err := tc.CloseWrite(); err != nil {
			return nil, fmt.Errorf("close write: %w", err)
		}
	}
	return ReadFrames(conn)
}

// RawRequest renders a GET request carrying a stream id header.
func RawRequest(path string, streamID uint32, extra http.Header) string {
	var b strings.Builder
	fmt.Fprintf(&b, "GET %s HTTP/1.1\r\nHost: e2e.test\r\nX-Spdy-Stream-Id: %d\r\n", path, streamID)
	for k, vs := range extra {
		for _, v := range vs {
			fmt.Fprintf(&b, "%s: %s\r\n", k, v)
		}
	}
	b.WriteString("\r\n")
	return b.String()
}
