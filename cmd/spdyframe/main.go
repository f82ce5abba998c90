// Command spdyframe reads a raw HTTP/1.x response and writes it as frames on
// one stream: a HEADERS frame, DATA frames and END_STREAM on the last one.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"example.com/spdyout/internal/config"
	"example.com/spdyout/internal/logger"
	"example.com/spdyout/internal/metrics"
	"example.com/spdyout/internal/pipeline"
	"example.com/spdyout/internal/spdy"
	"example.com/spdyout/internal/transport"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

type options struct {
	configPath string
	inPath     string
	outPath    string
	metricsOut string
	streamID   uint64
	dump       bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	fs := flag.NewFlagSet("spdyframe", flag.ContinueOnError)
	fs.SetOutput(stderr)

	opts := &options{}
	fs.StringVar(&opts.configPath, "config", "", "Path to the configuration file (JSON or TOML)")
	fs.StringVar(&opts.inPath, "in", "-", "Raw HTTP response to read ('-' for stdin)")
	fs.StringVar(&opts.outPath, "out", "-", "Where to write frames ('-' for stdout)")
	fs.StringVar(&opts.metricsOut, "metrics-out", "", "Write Prometheus text metrics to this file when metrics are enabled")
	fs.Uint64Var(&opts.streamID, "stream-id", 1, "Stream id to frame the response on")
	fs.BoolVar(&opts.dump, "dump", false, "Print a summary of every frame to stderr")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if opts.streamID == 0 || opts.streamID > uint64(spdy.MaxStreamID) {
		return nil, fmt.Errorf("-stream-id %d is out of range [1, %d]", opts.streamID, spdy.MaxStreamID)
	}
	return opts, nil
}

// loadConfig loads the file at path, or the defaults when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := &config.Config{}
		config.ApplyDefaults(cfg)
		return cfg, nil
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("error getting absolute path for config file %s: %w", path, err)
	}
	cfg, err := config.LoadConfig(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from %s: %w", absPath, err)
	}
	return cfg, nil
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}

	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}

	appLogger, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to initialize logger: %v\n", err)
		return exitUsage
	}
	defer func() {
		if err := appLogger.CloseLogFiles(); err != nil {
			log.Printf("Error closing log files during shutdown: %v", err)
		}
	}()

	var reg *prometheus.Registry
	var m *metrics.Metrics
	if cfg.Metrics.Enabled != nil && *cfg.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		if m, err = metrics.New(reg, cfg.Metrics.Namespace); err != nil {
			appLogger.Error("Failed to register metrics", logger.LogFields{"error": err.Error()})
			return exitFailure
		}
	}

	in, closeIn, err := openInput(opts.inPath, stdin)
	if err != nil {
		appLogger.Error("Failed to open input", logger.LogFields{"path": opts.inPath, "error": err.Error()})
		return exitFailure
	}
	defer closeIn()

	out, closeOut, err := openOutput(opts.outPath, stdout)
	if err != nil {
		appLogger.Error("Failed to open output", logger.LogFields{"path": opts.outPath, "error": err.Error()})
		return exitFailure
	}

	bw := bufio.NewWriter(out)
	var sink spdy.Sink = transport.NewFramerSink(bw, *cfg.Pipeline.MaxFrameSize, appLogger)
	if opts.dump {
		sink = dumpSink(stderr, sink)
	}

	frameErr := frameResponse(ctx, in, spdy.FixedStreamID(opts.streamID), sink, pipeline.OptionsFromConfig(cfg, appLogger, m))
	if err := bw.Flush(); err != nil && frameErr == nil {
		frameErr = fmt.Errorf("flush output: %w", err)
	}
	if err := closeOut(); err != nil && frameErr == nil {
		frameErr = fmt.Errorf("close output: %w", err)
	}

	if reg != nil && opts.metricsOut != "" {
		if err := writeMetrics(reg, opts.metricsOut); err != nil {
			appLogger.Warn("Failed to write metrics", logger.LogFields{"path": opts.metricsOut, "error": err.Error()})
		}
	}

	if frameErr != nil {
		appLogger.Error("Framing failed", logger.LogFields{
			"stream_id":  opts.streamID,
			"error":      frameErr.Error(),
			"error_kind": spdy.KindName(frameErr),
		})
		return exitFailure
	}
	appLogger.Info("Framing complete", logger.LogFields{"stream_id": opts.streamID})
	return exitOK
}

// frameResponse parses one HTTP response from in and frames it onto the
// stream resolved by ids. An unparsable response is answered with a 502.
func frameResponse(ctx context.Context, in io.Reader, ids spdy.StreamIDSource, sink spdy.Sink, opts pipeline.Options) error {
	rw := pipeline.NewResponseWriter(ctx, ids, sink, opts)
	resp, err := http.ReadResponse(bufio.NewReader(in), nil)
	if err != nil {
		if werr := pipeline.WriteErrorResponse(rw, http.StatusBadGateway, nil, "", opts.Logger); werr == nil {
			_ = rw.Finish()
		}
		return fmt.Errorf("read response: %w", err)
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		rw.Header()[k] = append([]string(nil), vs...)
	}
	rw.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(rw, resp.Body); err != nil {
		if rw.Err() != nil {
			return rw.Err()
		}
		rw.Abort(fmt.Errorf("read response body: %w", err))
		return rw.Err()
	}
	return rw.Finish()
}

// dumpingSink prints every frame batch before passing it on. Resets are
// forwarded when next supports them.
type dumpingSink struct {
	w    io.Writer
	next spdy.Sink
}

func dumpSink(w io.Writer, next spdy.Sink) spdy.Sink {
	return &dumpingSink{w: w, next: next}
}

func (d *dumpingSink) WriteFrames(ctx context.Context, frames []spdy.Frame) error {
	fmt.Fprintln(d.w, spdy.FormatFrames(frames))
	return d.next.WriteFrames(ctx, frames)
}

func (d *dumpingSink) ResetStream(ctx context.Context, id spdy.StreamID) error {
	fmt.Fprintf(d.w, "RST_STREAM{stream=%d}\n", uint32(id))
	if r, ok := d.next.(spdy.StreamResetter); ok {
		return r.ResetStream(ctx, id)
	}
	return nil
}

func openInput(path string, stdin io.Reader) (io.Reader, func(), error) {
	if path == "-" {
		return stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { f.Close() }, nil
}

func openOutput(path string, stdout io.Writer) (io.Writer, func() error, error) {
	if path == "-" {
		return stdout, func() error { return nil }, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}

func writeMetrics(g prometheus.Gatherer, path string) error {
	mfs, err := g.Gather()
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(f, mf); err != nil {
			f.Close()
			return err
		}
	}
	return f.Close()
}
