package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ReloadMode selects how the playlist reload interval is derived.
type ReloadMode int

const (
	ReloadDefault ReloadMode = iota
	ReloadSegment
	ReloadLiveEdge
	ReloadFixed
)

// ReloadTime is the processed form of hls.playlist_reload_time.
type ReloadTime struct {
	Mode ReloadMode
	// Seconds is only used by ReloadFixed.
	Seconds float64
}

// ParseReloadTime accepts "default", "segment", "live-edge" or a positive number of seconds.
// Anything else falls back to the default mode.
func ParseReloadTime(value string) ReloadTime {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "segment":
		return ReloadTime{Mode: ReloadSegment}
	case "live-edge", "live_edge":
		return ReloadTime{Mode: ReloadLiveEdge}
	}
	if seconds, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil && seconds > 0 {
		return ReloadTime{Mode: ReloadFixed, Seconds: seconds}
	}
	return ReloadTime{Mode: ReloadDefault}
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string
	Format string
}

// HTTPConfig configures every outgoing request.
type HTTPConfig struct {
	Headers           map[string]string
	UserAgent         string
	Timeout           time.Duration
	Attempts          int
	RetryDelay        time.Duration
	RequestsPerSecond int
}

// HLSConfig holds the stream pipeline options.
type HLSConfig struct {
	LiveEdge    int
	ReloadTime  ReloadTime
	StartOffset time.Duration
	// Duration limits the amount of media emitted. Zero means unlimited.
	Duration       time.Duration
	LiveRestart    bool
	SegmentThreads int
	QueueSize      int
	// BufferSize is the capacity in bytes of the stream buffer.
	BufferSize    int
	SegmentKeyURI string
	AudioSelect   []string
}

// S3Config is used when the output path is an s3:// URL.
type S3Config struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	ContentType     string
}

// OutputConfig selects where stream bytes are written.
type OutputConfig struct {
	// Path is a file path, "-" for stdout, or s3://bucket/key.
	Path string
	S3   S3Config
}

// FFmpegConfig locates the muxer binary.
type FFmpegConfig struct {
	Path   string
	Format string
}

// ServerConfig configures the optional HTTP re-stream server.
type ServerConfig struct {
	Listen string
}

// Config holds the fully processed application configuration.
type Config struct {
	Log    LogConfig
	HTTP   HTTPConfig
	HLS    HLSConfig
	Output OutputConfig
	FFmpeg FFmpegConfig
	Server ServerConfig
}

// rawConfig maps directly to the YAML file. Headers are "Name=Value" strings and the
// reload time is free-form text; both are processed into their final form by Load.
type rawConfig struct {
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	HTTP struct {
		Headers           []string       `yaml:"headers"`
		UserAgent         string         `yaml:"user_agent"`
		Timeout           *time.Duration `yaml:"timeout"`
		Attempts          *int           `yaml:"attempts"`
		RetryDelay        *time.Duration `yaml:"retry_delay"`
		RequestsPerSecond int            `yaml:"requests_per_second"`
	} `yaml:"http"`
	HLS struct {
		LiveEdge           *int          `yaml:"live_edge"`
		PlaylistReloadTime string        `yaml:"playlist_reload_time"`
		StartOffset        time.Duration `yaml:"start_offset"`
		Duration           time.Duration `yaml:"duration"`
		LiveRestart        bool          `yaml:"live_restart"`
		SegmentThreads     *int          `yaml:"segment_threads"`
		QueueSize          *int          `yaml:"queue_size"`
		BufferSize         *int          `yaml:"buffer_size"`
		SegmentKeyURI      string        `yaml:"segment_key_uri"`
		AudioSelect        []string      `yaml:"audio_select"`
	} `yaml:"hls"`
	Output struct {
		Path string `yaml:"path"`
		S3   struct {
			Region          string `yaml:"region"`
			Endpoint        string `yaml:"endpoint"`
			AccessKeyID     string `yaml:"access_key_id"`
			SecretAccessKey string `yaml:"secret_access_key"`
			ContentType     string `yaml:"content_type"`
		} `yaml:"s3"`
	} `yaml:"output"`
	FFmpeg struct {
		Path   string `yaml:"path"`
		Format string `yaml:"format"`
	} `yaml:"ffmpeg"`
	Server struct {
		Listen string `yaml:"listen"`
	} `yaml:"server"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "json"},
		HTTP: HTTPConfig{
			Headers:    map[string]string{},
			UserAgent:  "hlsfetch/1.0",
			Timeout:    10 * time.Second,
			Attempts:   3,
			RetryDelay: 500 * time.Millisecond,
		},
		HLS: HLSConfig{
			LiveEdge:       3,
			ReloadTime:     ReloadTime{Mode: ReloadDefault},
			SegmentThreads: 1,
			QueueSize:      20,
			BufferSize:     16 * 1024 * 1024,
		},
		Output: OutputConfig{
			Path: "-",
			S3:   S3Config{Region: "us-east-1", ContentType: "video/mp2t"},
		},
		FFmpeg: FFmpegConfig{Path: "ffmpeg", Format: "mpegts"},
	}
}

// Load reads the YAML configuration file at path on top of DefaultConfig,
// then applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file at %s: %w", path, err)
	}
	return Parse(data)
}

// Parse processes YAML configuration bytes.
func Parse(data []byte) (*Config, error) {
	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}

	cfg := DefaultConfig()
	if err := raw.apply(cfg); err != nil {
		return nil, err
	}
	ApplyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (raw *rawConfig) apply(cfg *Config) error {
	setString(&cfg.Log.Level, raw.Log.Level)
	setString(&cfg.Log.Format, raw.Log.Format)

	for _, h := range raw.HTTP.Headers {
		name, value, err := ParseHeader(h)
		if err != nil {
			return err
		}
		cfg.HTTP.Headers[name] = value
	}
	setString(&cfg.HTTP.UserAgent, raw.HTTP.UserAgent)
	setPtr(&cfg.HTTP.Timeout, raw.HTTP.Timeout)
	setPtr(&cfg.HTTP.Attempts, raw.HTTP.Attempts)
	setPtr(&cfg.HTTP.RetryDelay, raw.HTTP.RetryDelay)
	cfg.HTTP.RequestsPerSecond = raw.HTTP.RequestsPerSecond

	setPtr(&cfg.HLS.LiveEdge, raw.HLS.LiveEdge)
	if raw.HLS.PlaylistReloadTime != "" {
		cfg.HLS.ReloadTime = ParseReloadTime(raw.HLS.PlaylistReloadTime)
	}
	cfg.HLS.StartOffset = raw.HLS.StartOffset
	cfg.HLS.Duration = raw.HLS.Duration
	cfg.HLS.LiveRestart = raw.HLS.LiveRestart
	setPtr(&cfg.HLS.SegmentThreads, raw.HLS.SegmentThreads)
	setPtr(&cfg.HLS.QueueSize, raw.HLS.QueueSize)
	setPtr(&cfg.HLS.BufferSize, raw.HLS.BufferSize)
	cfg.HLS.SegmentKeyURI = raw.HLS.SegmentKeyURI
	cfg.HLS.AudioSelect = raw.HLS.AudioSelect

	setString(&cfg.Output.Path, raw.Output.Path)
	setString(&cfg.Output.S3.Region, raw.Output.S3.Region)
	setString(&cfg.Output.S3.Endpoint, raw.Output.S3.Endpoint)
	setString(&cfg.Output.S3.AccessKeyID, raw.Output.S3.AccessKeyID)
	setString(&cfg.Output.S3.SecretAccessKey, raw.Output.S3.SecretAccessKey)
	setString(&cfg.Output.S3.ContentType, raw.Output.S3.ContentType)

	setString(&cfg.FFmpeg.Path, raw.FFmpeg.Path)
	setString(&cfg.FFmpeg.Format, raw.FFmpeg.Format)
	setString(&cfg.Server.Listen, raw.Server.Listen)
	return nil
}

// ParseHeader splits a "Name=Value" header option.
func ParseHeader(h string) (string, string, error) {
	name, value, ok := strings.Cut(h, "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return "", "", fmt.Errorf("invalid header format: expected 'Name=Value', got '%s'", h)
	}
	return name, strings.TrimSpace(value), nil
}

// ApplyEnv overrides selected values from HLSFETCH_* environment variables.
func ApplyEnv(cfg *Config) {
	setString(&cfg.Log.Level, os.Getenv("HLSFETCH_LOG_LEVEL"))
	setString(&cfg.HTTP.UserAgent, os.Getenv("HLSFETCH_USER_AGENT"))
	setString(&cfg.Output.S3.Region, os.Getenv("HLSFETCH_S3_REGION"))
	setString(&cfg.Output.S3.Endpoint, os.Getenv("HLSFETCH_S3_ENDPOINT"))
	setString(&cfg.Output.S3.AccessKeyID, os.Getenv("HLSFETCH_S3_ACCESS_KEY_ID"))
	setString(&cfg.Output.S3.SecretAccessKey, os.Getenv("HLSFETCH_S3_SECRET_ACCESS_KEY"))
}

// Validate rejects values the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.HLS.LiveEdge < 1 {
		errs = append(errs, fmt.Errorf("hls.live_edge must be at least 1, got %d", c.HLS.LiveEdge))
	}
	if c.HLS.SegmentThreads < 1 || c.HLS.SegmentThreads > 10 {
		errs = append(errs, fmt.Errorf("hls.segment_threads must be between 1 and 10, got %d", c.HLS.SegmentThreads))
	}
	if c.HLS.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("hls.queue_size must be positive, got %d", c.HLS.QueueSize))
	}
	if c.HLS.BufferSize < 1 {
		errs = append(errs, fmt.Errorf("hls.buffer_size must be positive, got %d", c.HLS.BufferSize))
	}
	if c.HLS.StartOffset < 0 || c.HLS.Duration < 0 {
		errs = append(errs, errors.New("hls.start_offset and hls.duration must not be negative"))
	}
	if c.HTTP.Attempts < 1 {
		errs = append(errs, fmt.Errorf("http.attempts must be at least 1, got %d", c.HTTP.Attempts))
	}
	return errors.Join(errs...)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setPtr[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}
