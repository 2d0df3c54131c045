package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/poiesic/stagehand/asyncjob"
	"github.com/poiesic/stagehand/breaker"
	"github.com/poiesic/stagehand/core"
	"github.com/poiesic/stagehand/queue"
	"github.com/poiesic/stagehand/retry"
	"github.com/poiesic/stagehand/stage"
	"gopkg.in/yaml.v3"
)

const (
	KindHTTP      = "http"
	KindHTTPAsync = "http-async"

	DefaultListen     = ":8080"
	DefaultMaxPayload = 64 << 20
)

var (
	ErrNoStorePath   = errors.New("store_path is required")
	ErrInvalidStage  = errors.New("invalid stage")
	ErrInvalidConfig = errors.New("invalid config")
)

// Duration is a time.Duration that reads and writes YAML strings such as
// "60s" or "5m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the standard time.Duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

// Config is the root of the deployment file.
type Config struct {
	StorePath string              `yaml:"store_path"`
	Listen    string              `yaml:"listen"`
	Lanes     LanesConfig         `yaml:"lanes"`
	Breaker   BreakerConfig       `yaml:"breaker"`
	Retry     RetryConfig         `yaml:"retry"`
	Async     AsyncConfig         `yaml:"async"`
	Defaults  StageDefaults       `yaml:"defaults"`
	Stages    []StageConfig       `yaml:"stages"`
	Pipelines map[string][]string `yaml:"pipelines"`
	Sink      SinkConfig          `yaml:"sink"`
}

// LanesConfig sizes the worker pool of each priority lane.
type LanesConfig struct {
	High       int      `yaml:"high"`
	Normal     int      `yaml:"normal"`
	Low        int      `yaml:"low"`
	PauseFor   Duration `yaml:"pause_for"`
	RetryDelay Duration `yaml:"retry_delay"`
}

// BreakerConfig tunes the circuit breakers.
type BreakerConfig struct {
	Threshold int      `yaml:"threshold"`
	Cooldown  Duration `yaml:"cooldown"`
}

// RetryConfig is the retry policy.
type RetryConfig struct {
	BaseDelay           Duration `yaml:"base_delay"`
	MaxDelay            Duration `yaml:"max_delay"`
	MaxAttempts         int      `yaml:"max_attempts"`
	ResourceBaseDelay   Duration `yaml:"resource_base_delay"`
	ResourceMaxAttempts int      `yaml:"resource_max_attempts"`
}

// AsyncConfig tunes async job polling.
type AsyncConfig struct {
	InitialBackoff Duration `yaml:"initial_backoff"`
	MaxBackoff     Duration `yaml:"max_backoff"`
	Timeout        Duration `yaml:"timeout"`
}

// StageDefaults apply to stages that do not set their own values.
type StageDefaults struct {
	Timeout  Duration `yaml:"timeout"`
	CacheTTL Duration `yaml:"cache_ttl"`
}

// StageConfig declares one stage of the catalogue.
type StageConfig struct {
	Name string `yaml:"name"`
	// Kind is "http" for a synchronous call or "http-async" for a job
	// service that is submitted to and polled.
	Kind string `yaml:"kind"`
	URL  string `yaml:"url"`
	// StatusURL is the job status endpoint of an http-async stage. It
	// defaults to URL.
	StatusURL    string            `yaml:"status_url"`
	Method       string            `yaml:"method"`
	Headers      map[string]string `yaml:"headers"`
	Timeout      Duration          `yaml:"timeout"`
	CacheTTL     Duration          `yaml:"cache_ttl"`
	BreakerScope string            `yaml:"breaker_scope"`
	MaxAttempts  int               `yaml:"max_attempts"`
	ChunkSize    int               `yaml:"chunk_size"`
}

// SinkConfig selects where stage outputs are persisted. An empty DuckDB
// path discards them.
type SinkConfig struct {
	DuckDB     string `yaml:"duckdb"`
	MaxPayload int64  `yaml:"max_payload"`
}

// DefaultConfig returns a configuration with every tunable at its default.
func DefaultConfig() *Config {
	policy := retry.DefaultPolicy()
	return &Config{
		Listen: DefaultListen,
		Lanes: LanesConfig{
			High:       queue.DefaultHighWorkers,
			Normal:     queue.DefaultNormalWorkers,
			Low:        queue.DefaultLowWorkers,
			PauseFor:   Duration(queue.DefaultPauseFor),
			RetryDelay: Duration(queue.DefaultRetryDelay),
		},
		Breaker: BreakerConfig{
			Threshold: breaker.DefaultFailureThreshold,
			Cooldown:  Duration(breaker.DefaultCooldown),
		},
		Retry: RetryConfig{
			BaseDelay:           Duration(policy.BaseDelay),
			MaxDelay:            Duration(policy.MaxDelay),
			MaxAttempts:         policy.MaxAttempts,
			ResourceBaseDelay:   Duration(policy.ResourceBaseDelay),
			ResourceMaxAttempts: policy.ResourceMaxAttempts,
		},
		Async: AsyncConfig{
			InitialBackoff: Duration(asyncjob.DefaultInitialBackoff),
			MaxBackoff:     Duration(asyncjob.DefaultMaxBackoff),
			Timeout:        Duration(asyncjob.DefaultTimeout),
		},
		Defaults: StageDefaults{
			Timeout:  Duration(stage.DefaultTimeout),
			CacheTTL: Duration(stage.DefaultCacheTTL),
		},
		Pipelines: map[string][]string{},
		Sink:      SinkConfig{MaxPayload: DefaultMaxPayload},
	}
}

// Load reads the file at path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for usable values.
func (c *Config) Validate() error {
	if c.StorePath == "" {
		return ErrNoStorePath
	}
	for _, n := range []int{c.Lanes.High, c.Lanes.Normal, c.Lanes.Low} {
		if n <= 0 {
			return fmt.Errorf("%w: lane sizes must be positive", ErrInvalidConfig)
		}
	}
	if c.Breaker.Threshold <= 0 || c.Breaker.Cooldown <= 0 {
		return fmt.Errorf("%w: breaker threshold and cooldown must be positive", ErrInvalidConfig)
	}
	if err := c.RetryPolicy().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.Async.InitialBackoff <= 0 || c.Async.MaxBackoff < c.Async.InitialBackoff || c.Async.Timeout <= 0 {
		return fmt.Errorf("%w: async backoff and timeout must be positive", ErrInvalidConfig)
	}

	names := make(map[string]struct{}, len(c.Stages))
	for i, s := range c.Stages {
		if err := s.validate(); err != nil {
			return fmt.Errorf("stages[%d]: %w", i, err)
		}
		if _, dup := names[s.Name]; dup {
			return fmt.Errorf("%w: duplicate stage %q", ErrInvalidStage, s.Name)
		}
		names[s.Name] = struct{}{}
	}
	for typ, stages := range c.Pipelines {
		if err := core.ValidateStageSequence(stages); err != nil {
			return fmt.Errorf("pipeline %q: %w", typ, err)
		}
		for _, name := range stages {
			if _, ok := names[name]; !ok {
				return fmt.Errorf("pipeline %q: %w: %s", typ, stage.ErrUnknownStage, name)
			}
		}
	}
	return nil
}

func (s StageConfig) validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidStage)
	}
	switch s.Kind {
	case KindHTTP, KindHTTPAsync:
	default:
		return fmt.Errorf("%w: %s: unknown kind %q", ErrInvalidStage, s.Name, s.Kind)
	}
	if s.URL == "" {
		return fmt.Errorf("%w: %s: url is required", ErrInvalidStage, s.Name)
	}
	if s.Timeout < 0 || s.CacheTTL < 0 || s.MaxAttempts < 0 || s.ChunkSize < 0 {
		return fmt.Errorf("%w: %s: negative limits", ErrInvalidStage, s.Name)
	}
	return nil
}

// RetryPolicy returns the configured retry policy.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		BaseDelay:           c.Retry.BaseDelay.Duration(),
		MaxDelay:            c.Retry.MaxDelay.Duration(),
		MaxAttempts:         c.Retry.MaxAttempts,
		ResourceBaseDelay:   c.Retry.ResourceBaseDelay.Duration(),
		ResourceMaxAttempts: c.Retry.ResourceMaxAttempts,
	}
}
