// Package config provides the configuration structure for the voice clone service.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
	"github.com/samber/lo"
)

// Default values applied after loading.
const (
	DefaultHost          = "0.0.0.0"
	DefaultPort          = 8000
	DefaultUploadDir     = "uploads"
	DefaultOutputDir     = "outputs"
	DefaultBackend       = BackendCLI
	DefaultDevice        = "auto"
	DefaultPythonPath    = "python3"
	DefaultReaperSeconds = 300
	defaultHTTPTimeout   = 600
)

// Backend names accepted in [model] backend.
const (
	BackendCLI  = "cli"
	BackendHTTP = "http"
	BackendNATS = "nats"
)

var (
	// ErrUnknownBackend indicates an unsupported [model] backend value.
	ErrUnknownBackend = errors.New("unknown model backend")
	// ErrUnknownDevice indicates an unsupported [model] device value.
	ErrUnknownDevice = errors.New("unknown model device")
	// ErrPortRange indicates the listen port is outside 1..65535.
	ErrPortRange = errors.New("server port must be between 1 and 65535")
	// ErrRemoteURLEmpty indicates the http backend has no remote URL.
	ErrRemoteURLEmpty = errors.New("model remote_url cannot be empty for the http backend")
	// ErrNATSURLEmpty indicates the nats backend has no server URL.
	ErrNATSURLEmpty = errors.New("nats url cannot be empty for the nats backend")
)

// ServerConfig holds the HTTP listener configuration.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// Address returns the host:port pair to bind.
func (s ServerConfig) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
	UploadDir   string `toml:"upload_dir"`
	OutputDir   string `toml:"output_dir"`
}

// ModelConfig selects and parameterizes the inference backend.
type ModelConfig struct {
	Backend        string   `toml:"backend"`
	Device         string   `toml:"device"`
	PythonPath     string   `toml:"python_path"`
	RunnerPath     string   `toml:"runner_path"`
	RunnerEnv      []string `toml:"runner_env"`
	ModelName      string   `toml:"model_name"`
	CheckpointPath string   `toml:"checkpoint_path"`
	VocabPath      string   `toml:"vocab_path"`
	RemoteURL      string   `toml:"remote_url"`
	TimeoutSeconds int      `toml:"timeout_seconds"`
}

// NATSConfig holds the configuration for the NATS transport.
type NATSConfig struct {
	URL               string `toml:"url"`
	SynthesisSubject  string `toml:"synthesis_subject"`
	AudioObjectBucket string `toml:"audio_object_store_bucket"`
}

// RetentionConfig controls removal of transient files. Zero disables it.
type RetentionConfig struct {
	MaxAgeMinutes   int `toml:"max_age_minutes"`
	IntervalSeconds int `toml:"interval_seconds"`
}

// MaxAge returns the retention window.
func (r RetentionConfig) MaxAge() time.Duration {
	return time.Duration(r.MaxAgeMinutes) * time.Minute
}

// Interval returns the reaper period.
func (r RetentionConfig) Interval() time.Duration {
	return time.Duration(r.IntervalSeconds) * time.Second
}

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Paths     PathsConfig     `toml:"paths"`
	Model     ModelConfig     `toml:"model"`
	NATS      NATSConfig      `toml:"nats"`
	Retention RetentionConfig `toml:"retention"`
}

// Load loads the configuration for the voice clone service.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	cfg.ApplyDefaults()

	validateErr := cfg.Validate()
	if validateErr != nil {
		return nil, fmt.Errorf("invalid configuration: %w", validateErr)
	}

	return &cfg, nil
}

// ApplyDefaults fills every unset field with its default value.
func (c *Config) ApplyDefaults() {
	c.Server.Host = lo.CoalesceOrEmpty(c.Server.Host, DefaultHost)
	c.Server.Port = lo.CoalesceOrEmpty(c.Server.Port, DefaultPort)

	c.Paths.UploadDir = lo.CoalesceOrEmpty(c.Paths.UploadDir, DefaultUploadDir)
	c.Paths.OutputDir = lo.CoalesceOrEmpty(c.Paths.OutputDir, DefaultOutputDir)

	c.Model.Backend = lo.CoalesceOrEmpty(c.Model.Backend, DefaultBackend)
	c.Model.Device = lo.CoalesceOrEmpty(c.Model.Device, DefaultDevice)
	c.Model.PythonPath = lo.CoalesceOrEmpty(c.Model.PythonPath, DefaultPythonPath)
	c.Model.TimeoutSeconds = lo.CoalesceOrEmpty(c.Model.TimeoutSeconds, defaultHTTPTimeout)

	c.NATS.SynthesisSubject = lo.CoalesceOrEmpty(c.NATS.SynthesisSubject, "tts.synthesis")
	c.NATS.AudioObjectBucket = lo.CoalesceOrEmpty(c.NATS.AudioObjectBucket, "VOICE_CLONE_AUDIO")

	c.Retention.IntervalSeconds = lo.CoalesceOrEmpty(c.Retention.IntervalSeconds, DefaultReaperSeconds)
}

// Validate checks the values that cannot be defaulted.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: got %d", ErrPortRange, c.Server.Port)
	}

	switch c.Model.Device {
	case DefaultDevice, "cpu", "cuda":
	default:
		return fmt.Errorf("%w: '%s'", ErrUnknownDevice, c.Model.Device)
	}

	switch c.Model.Backend {
	case BackendCLI:
	case BackendHTTP:
		if c.Model.RemoteURL == "" {
			return ErrRemoteURLEmpty
		}
	case BackendNATS:
		if c.NATS.URL == "" {
			return ErrNATSURLEmpty
		}
	default:
		return fmt.Errorf("%w: '%s'", ErrUnknownBackend, c.Model.Backend)
	}

	return nil
}

// Timeout returns the per-call timeout used by remote backends.
func (m ModelConfig) Timeout() time.Duration {
	return time.Duration(m.TimeoutSeconds) * time.Second
}
