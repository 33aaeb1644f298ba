// Package config loads the herd-server configuration file and overlays
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/herd-immunity/internal/logging"
	"github.com/signalsfoundry/herd-immunity/internal/observability"
	"github.com/signalsfoundry/herd-immunity/model"
)

// ErrInvalidConfig wraps every validation failure reported by Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the full process configuration.
type Config struct {
	Log        logging.Config              `yaml:"log"`
	Tracing    observability.TracingConfig `yaml:"tracing"`
	Engine     EngineConfig                `yaml:"engine"`
	Arena      model.Area                  `yaml:"arena"`
	Parameters model.Parameters            `yaml:"parameters"`
	Server     ServerConfig                `yaml:"server"`
	UI         UIConfig                    `yaml:"ui"`
}

// EngineConfig controls the tick driver.
type EngineConfig struct {
	TickPeriod time.Duration `yaml:"tick_period"`
	Mode       string        `yaml:"mode"` // realtime | accelerated
}

// ServerConfig holds listen addresses. An empty MetricsAddr disables the
// metrics listener.
type ServerConfig struct {
	HTTPAddr    string `yaml:"http_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// UIConfig holds presentation settings served to clients.
type UIConfig struct {
	// SpeedupRatio is the speed applied by the speed-up toggle.
	SpeedupRatio float64 `yaml:"speedup_ratio"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Log:        logging.Config{Level: "info", Format: "text"},
		Tracing:    observability.DefaultTracingConfig(),
		Engine:     EngineConfig{TickPeriod: 100 * time.Millisecond, Mode: "realtime"},
		Arena:      model.Area{Width: 760, Height: 360},
		Parameters: model.DefaultParameters(),
		Server:     ServerConfig{HTTPAddr: ":8080", MetricsAddr: ":9090"},
		UI:         UIConfig{SpeedupRatio: 2},
	}
}

// Load reads path, or only the defaults when path is empty, then applies
// environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		cfg, err = LoadYAML(f)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", path, err)
		}
	}
	cfg = ApplyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadYAML decodes r over the defaults. Unknown keys are rejected.
func LoadYAML(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overlays HERD_* and LOG_* environment variables on cfg.
func ApplyEnv(cfg Config) Config {
	cfg.Log = logging.ConfigFromEnv(cfg.Log)
	cfg.Tracing = observability.TracingConfigFromEnv(cfg.Tracing)
	if raw := os.Getenv("HERD_TICK_PERIOD"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			cfg.Engine.TickPeriod = d
		}
	}
	if mode := os.Getenv("HERD_ENGINE_MODE"); mode != "" {
		cfg.Engine.Mode = mode
	}
	if addr := os.Getenv("HERD_HTTP_ADDR"); addr != "" {
		cfg.Server.HTTPAddr = addr
	}
	if addr, ok := os.LookupEnv("HERD_METRICS_ADDR"); ok {
		cfg.Server.MetricsAddr = addr
	}
	return cfg
}

// Validate checks every section.
func (c Config) Validate() error {
	if c.Engine.TickPeriod <= 0 {
		return fmt.Errorf("%w: engine.tick_period must be positive, got %s", ErrInvalidConfig, c.Engine.TickPeriod)
	}
	switch c.Engine.Mode {
	case "", "realtime", "accelerated":
	default:
		return fmt.Errorf("%w: engine.mode %q is not realtime or accelerated", ErrInvalidConfig, c.Engine.Mode)
	}
	if err := c.Arena.Validate(); err != nil {
		return fmt.Errorf("%w: arena: %w", ErrInvalidConfig, err)
	}
	if err := c.Parameters.Validate(); err != nil {
		return fmt.Errorf("%w: parameters: %w", ErrInvalidConfig, err)
	}
	if _, err := model.ScaledTick(c.Engine.TickPeriod, c.Parameters.SpeedRatio); err != nil {
		return fmt.Errorf("%w: parameters: %w", ErrInvalidConfig, err)
	}
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("%w: server.http_addr is required", ErrInvalidConfig)
	}
	if r := c.UI.SpeedupRatio; r <= 0 || math.IsInf(r, 0) || math.IsNaN(r) {
		return fmt.Errorf("%w: ui.speedup_ratio must be positive and finite, got %v", ErrInvalidConfig, r)
	}
	return nil
}
