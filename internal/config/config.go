package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// LogLevel defines the minimum severity for logs.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "DEBUG"
	LogLevelInfo    LogLevel = "INFO"
	LogLevelWarning LogLevel = "WARNING"
	LogLevelError   LogLevel = "ERROR"
)

// FrameFailurePolicy decides what happens when the transport sink rejects
// frames produced for a stream.
type FrameFailurePolicy string

const (
	// FrameFailureFail returns the sink error to the pipeline, which aborts the stream.
	FrameFailureFail FrameFailurePolicy = "fail"
	// FrameFailureLog logs the sink error and lets the pipeline continue.
	FrameFailureLog FrameFailurePolicy = "log"
)

const (
	defaultStreamIDHeader   = "x-spdy-stream-id"
	defaultOnFrameFailure   = FrameFailureFail
	defaultChunkSize        = 8192
	defaultMaxFrameSize     = 16384
	defaultLogLevel         = LogLevelInfo
	defaultLogTarget        = "stderr"
	defaultLogFormat        = "json"
	defaultMetricsEnabled   = false
	defaultMetricsNamespace = "spdyout"

	// minMaxFrameSize and maxMaxFrameSize bound the wire frame payload size,
	// matching SETTINGS_MAX_FRAME_SIZE limits.
	minMaxFrameSize = 16384
	maxMaxFrameSize = 1<<24 - 1
)

// Config is the top-level configuration structure.
type Config struct {
	Adapter  *AdapterConfig  `json:"adapter,omitempty" toml:"adapter,omitempty"`
	Pipeline *PipelineConfig `json:"pipeline,omitempty" toml:"pipeline,omitempty"`
	Logging  *LoggingConfig  `json:"logging,omitempty" toml:"logging,omitempty"`
	Metrics  *MetricsConfig  `json:"metrics,omitempty" toml:"metrics,omitempty"`

	// OriginalFilePath is the absolute path the config was loaded from. Not serialized.
	OriginalFilePath string `json:"-" toml:"-"`
}

// AdapterConfig configures the per-stream output framing.
type AdapterConfig struct {
	// StreamIDHeader is the request header carrying the stream identifier.
	StreamIDHeader *string            `json:"stream_id_header,omitempty" toml:"stream_id_header,omitempty"`
	OnFrameFailure FrameFailurePolicy `json:"on_frame_failure,omitempty" toml:"on_frame_failure,omitempty"`
}

// PipelineConfig configures the chunked output pipeline feeding the adapter.
type PipelineConfig struct {
	ChunkSize    *int `json:"chunk_size,omitempty" toml:"chunk_size,omitempty"`
	MaxFrameSize *int `json:"max_frame_size,omitempty" toml:"max_frame_size,omitempty"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	LogLevel LogLevel `json:"log_level,omitempty" toml:"log_level,omitempty"`
	Target   *string  `json:"target,omitempty" toml:"target,omitempty"`
	Format   string   `json:"format,omitempty" toml:"format,omitempty"`
}

// MetricsConfig holds Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled   *bool  `json:"enabled,omitempty" toml:"enabled,omitempty"`
	Namespace string `json:"namespace,omitempty" toml:"namespace,omitempty"`
}

// IsFilePath reports whether a log target refers to a file rather than a
// standard stream.
func IsFilePath(target string) bool {
	return target != "stdout" && target != "stderr"
}

// LoadConfig reads, parses, defaults and validates the configuration file at
// filePath. The format is chosen by extension (.json, .toml); for any other
// extension JSON is tried first, then TOML.
func LoadConfig(filePath string) (*Config, error) {
	if filePath == "" {
		return nil, errors.New("configuration file path cannot be empty")
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %s: %w", filePath, err)
	}

	cfg, err := parseConfig(data, strings.ToLower(filepath.Ext(filePath)))
	if err != nil {
		return nil, err
	}

	if abs, errAbs := filepath.Abs(filePath); errAbs == nil {
		cfg.OriginalFilePath = abs
	} else {
		cfg.OriginalFilePath = filePath
	}

	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func parseConfig(data []byte, ext string) (*Config, error) {
	var cfg Config
	switch ext {
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
		return &cfg, nil
	case ".toml":
		if err := unmarshalTOML(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse TOML config: %w", err)
		}
		return &cfg, nil
	}

	jsonErr := json.Unmarshal(data, &cfg)
	if jsonErr == nil {
		return &cfg, nil
	}
	cfg = Config{}
	tomlErr := unmarshalTOML(data, &cfg)
	if tomlErr == nil {
		return &cfg, nil
	}
	return nil, fmt.Errorf("failed to auto-detect and parse config (JSON error: %v; TOML error: %v)", jsonErr, tomlErr)
}

// unmarshalTOML rejects blank input, which toml.Unmarshal would accept as an
// empty document.
func unmarshalTOML(data []byte, cfg *Config) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return errors.New("toml: empty input")
	}
	return toml.Unmarshal(data, cfg)
}

// ApplyDefaults fills every unset field of cfg with its default.
func ApplyDefaults(cfg *Config) {
	if cfg.Adapter == nil {
		cfg.Adapter = &AdapterConfig{}
	}
	if cfg.Adapter.StreamIDHeader == nil {
		h := defaultStreamIDHeader
		cfg.Adapter.StreamIDHeader = &h
	}
	if cfg.Adapter.OnFrameFailure == "" {
		cfg.Adapter.OnFrameFailure = defaultOnFrameFailure
	}

	if cfg.Pipeline == nil {
		cfg.Pipeline = &PipelineConfig{}
	}
	if cfg.Pipeline.ChunkSize == nil {
		n := defaultChunkSize
		cfg.Pipeline.ChunkSize = &n
	}
	if cfg.Pipeline.MaxFrameSize == nil {
		n := defaultMaxFrameSize
		cfg.Pipeline.MaxFrameSize = &n
	}

	if cfg.Logging == nil {
		cfg.Logging = &LoggingConfig{}
	}
	if cfg.Logging.LogLevel == "" {
		cfg.Logging.LogLevel = defaultLogLevel
	}
	if cfg.Logging.Target == nil {
		t := defaultLogTarget
		cfg.Logging.Target = &t
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = defaultLogFormat
	}

	if cfg.Metrics == nil {
		cfg.Metrics = &MetricsConfig{}
	}
	if cfg.Metrics.Enabled == nil {
		b := defaultMetricsEnabled
		cfg.Metrics.Enabled = &b
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = defaultMetricsNamespace
	}
}

// Validate checks a defaulted configuration.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("configuration cannot be nil")
	}

	if cfg.Adapter != nil {
		if cfg.Adapter.StreamIDHeader != nil && strings.TrimSpace(*cfg.Adapter.StreamIDHeader) == "" {
			return errors.New("adapter.stream_id_header cannot be empty")
		}
		switch cfg.Adapter.OnFrameFailure {
		case FrameFailureFail, FrameFailureLog:
		default:
			return fmt.Errorf("adapter.on_frame_failure '%s' is invalid; must be one of 'fail', 'log'", cfg.Adapter.OnFrameFailure)
		}
	}

	if cfg.Pipeline != nil {
		if cfg.Pipeline.ChunkSize != nil && *cfg.Pipeline.ChunkSize <= 0 {
			return fmt.Errorf("pipeline.chunk_size must be positive, got %d", *cfg.Pipeline.ChunkSize)
		}
		if cfg.Pipeline.MaxFrameSize != nil {
			if n := *cfg.Pipeline.MaxFrameSize; n < minMaxFrameSize || n > maxMaxFrameSize {
				return fmt.Errorf("pipeline.max_frame_size %d is out of range [%d, %d]", n, minMaxFrameSize, maxMaxFrameSize)
			}
		}
	}

	if cfg.Logging != nil {
		switch cfg.Logging.LogLevel {
		case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
		default:
			return fmt.Errorf("logging.log_level '%s' is invalid; must be one of 'DEBUG', 'INFO', 'WARNING', 'ERROR'", cfg.Logging.LogLevel)
		}
		if cfg.Logging.Target != nil {
			target := *cfg.Logging.Target
			if target == "" {
				return errors.New("logging.target cannot be empty")
			}
			if IsFilePath(target) && !filepath.IsAbs(target) {
				return fmt.Errorf("logging.target path '%s' must be absolute", target)
			}
		}
		switch cfg.Logging.Format {
		case "json", "console":
		default:
			return fmt.Errorf("logging.format '%s' is invalid; must be one of 'json', 'console'", cfg.Logging.Format)
		}
	}

	if cfg.Metrics != nil && cfg.Metrics.Namespace != "" {
		for _, r := range cfg.Metrics.Namespace {
			if !(r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
				return fmt.Errorf("metrics.namespace '%s' may only contain letters, digits and underscores", cfg.Metrics.Namespace)
			}
		}
	}
	return nil
}
