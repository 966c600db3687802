// Package config loads and validates the voiced configuration document.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/nupi-ai/voiced/internal/eventbus"
	"github.com/nupi-ai/voiced/internal/narration"
)

// Config is the root configuration document.
type Config struct {
	EventBus EventBusConfig `yaml:"event_bus"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
	Output   OutputConfig   `yaml:"output"`
	Context  ContextConfig  `yaml:"context"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Journal  JournalConfig  `yaml:"journal"`
}

type EventBusConfig struct {
	Capacity     int    `yaml:"capacity"`
	Backpressure string `yaml:"backpressure"`
}

type RuntimeConfig struct {
	PIDFile  string `yaml:"pid_file"`
	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`
}

// OutputConfig configures the narration pipeline.
type OutputConfig struct {
	Engine          string                   `yaml:"engine"`
	EngineOptions   map[string]any           `yaml:"engine_options"`
	DefaultVoice    string                   `yaml:"default_voice"`
	Rate            float64                  `yaml:"rate"`
	Pitch           float64                  `yaml:"pitch"`
	Volume          float64                  `yaml:"volume"`
	BargeIn         bool                     `yaml:"barge_in"`
	DuckSystemAudio bool                     `yaml:"duck_system_audio"`
	EarconsEnabled  bool                     `yaml:"earcons_enabled"`
	Policy          map[string]ProfileConfig `yaml:"policy"`
}

// ProfileConfig overrides the voice profile of one kind. Zero rate or pitch
// means 1; an absent volume means 1.
type ProfileConfig struct {
	VoiceID    string   `yaml:"voice_id"`
	Rate       float64  `yaml:"rate"`
	Pitch      float64  `yaml:"pitch"`
	Volume     *float64 `yaml:"volume"`
	PreEarcon  string   `yaml:"pre_earcon"`
	PostEarcon string   `yaml:"post_earcon"`
}

type ContextConfig struct {
	Capacity int    `yaml:"capacity"`
	Lookback int    `yaml:"lookback"`
	SavePath string `yaml:"save_path"`
}

type MetricsConfig struct {
	ExporterAddr     string        `yaml:"exporter_addr"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	// AllowedOrigins lists browser origins, besides loopback, that may open
	// the /events stream.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type JournalConfig struct {
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

// Default returns the configuration used when no document is supplied.
func Default() Config {
	return Config{
		EventBus: EventBusConfig{Capacity: 1024, Backpressure: string(eventbus.DropOldest)},
		Runtime:  RuntimeConfig{LogLevel: "info"},
		Output: OutputConfig{
			Engine:         "null",
			Rate:           narration.DefaultVoice.Rate,
			Pitch:          narration.DefaultVoice.Pitch,
			Volume:         narration.DefaultVoice.Volume,
			EarconsEnabled: true,
		},
		Context: ContextConfig{Capacity: 100, Lookback: 5},
	}
}

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "config: invalid configuration: " + strings.Join(e.Problems, "; ")
}

// Load reads and validates the document at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data over the defaults and validates the result. Unknown
// keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration and returns a *ValidationError.
func (c Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.EventBus.Capacity < 0 {
		add("event_bus.capacity must not be negative")
	}
	if _, err := eventbus.ParseBackpressure(c.EventBus.Backpressure); err != nil {
		add("event_bus.backpressure: unknown strategy %q", c.EventBus.Backpressure)
	}

	if c.Runtime.LogLevel != "" {
		if _, err := zapcore.ParseLevel(c.Runtime.LogLevel); err != nil {
			add("runtime.log_level: %v", err)
		}
	}

	if c.Output.Engine == "" {
		add("output.engine is required")
	} else if !slices.Contains(narration.Engines(), c.Output.Engine) {
		add("output.engine: unknown engine %q", c.Output.Engine)
	}
	if c.Output.Rate <= 0 {
		add("output.rate must be positive")
	}
	if c.Output.Pitch <= 0 {
		add("output.pitch must be positive")
	}
	if c.Output.Volume < 0 || c.Output.Volume > 1 {
		add("output.volume must be within [0, 1]")
	}
	for name, profile := range c.Output.Policy {
		if _, err := narration.ParseKind(name); err != nil {
			add("output.policy: unknown kind %q", name)
			continue
		}
		if profile.Rate < 0 || profile.Pitch < 0 || (profile.Volume != nil && *profile.Volume < 0) {
			add("output.policy.%s: values must not be negative", name)
		}
	}

	if c.Context.Capacity <= 0 {
		add("context.capacity must be positive")
	}
	if c.Context.Lookback <= 0 {
		add("context.lookback must be positive")
	}

	if c.Metrics.ExporterAddr != "" {
		if _, _, err := net.SplitHostPort(c.Metrics.ExporterAddr); err != nil {
			add("metrics.exporter_addr: %v", err)
		}
	}
	if c.Metrics.SnapshotInterval < 0 {
		add("metrics.snapshot_interval must not be negative")
	}
	for i, origin := range c.Metrics.AllowedOrigins {
		u, err := url.Parse(origin)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add("metrics.allowed_origins[%d]: %q is not an http(s) origin", i, origin)
		}
	}
	if c.Journal.Retention < 0 {
		add("journal.retention must not be negative")
	}

	if len(problems) > 0 {
		slices.Sort(problems)
		return &ValidationError{Problems: problems}
	}
	return nil
}
