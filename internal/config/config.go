// Package config loads the railsim YAML configuration.
//
// Every field has a default; a config file only needs to name what it
// changes. Durations are written as Go duration strings ("250ms", "60s").
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/railsim/internal/engine"
	"github.com/ChuLiYu/railsim/internal/optimizer"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid config")

// Config represents the complete system configuration structure
type Config struct {
	Simulation struct {
		TickInterval    time.Duration `yaml:"tick_interval"`
		TickDuration    time.Duration `yaml:"tick_duration"`
		TimeUnit        string        `yaml:"time_unit"`
		CommandCapacity int           `yaml:"command_capacity"`
	} `yaml:"simulation"`

	Optimizer struct {
		Mode        string        `yaml:"mode"`
		SolveBudget time.Duration `yaml:"solve_budget"`
		Horizon     time.Duration `yaml:"horizon"`
	} `yaml:"optimizer"`

	Alerts struct {
		Enabled   bool    `yaml:"enabled"`
		DistanceM float64 `yaml:"distance_m"`
	} `yaml:"alerts"`

	Broadcast struct {
		SubscriberBuffer int `yaml:"subscriber_buffer"`
	} `yaml:"broadcast"`

	HTTP struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"http"`

	GRPC struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"grpc"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Scenario struct {
		Path string `yaml:"path"`
	} `yaml:"scenario"`
}

// Default returns the built-in configuration.
func Default() *Config {
	def := engine.DefaultConfig()

	var cfg Config
	cfg.Simulation.TickInterval = def.TickInterval
	cfg.Simulation.TickDuration = def.TickDuration
	cfg.Simulation.TimeUnit = def.TimeUnit
	cfg.Simulation.CommandCapacity = def.CommandCapacity
	cfg.Optimizer.Mode = string(def.Mode)
	cfg.Optimizer.SolveBudget = def.SolveBudget
	cfg.Optimizer.Horizon = def.Horizon
	cfg.Alerts.Enabled = def.AlertsEnabled
	cfg.Alerts.DistanceM = def.AlertDistance
	cfg.Broadcast.SubscriberBuffer = def.SubscriberBuffer
	cfg.HTTP.Enabled = true
	cfg.HTTP.Addr = ":8080"
	cfg.GRPC.Enabled = true
	cfg.GRPC.Addr = ":50051"
	cfg.Metrics.Enabled = true
	cfg.Metrics.Port = 9090
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"
	return &cfg
}

// Load reads path over the defaults and validates the result. An empty
// path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
		}
	}

	check(c.Simulation.TickInterval >= 0, "simulation.tick_interval %v is negative", c.Simulation.TickInterval)
	check(c.Simulation.TickDuration > 0, "simulation.tick_duration %v must be positive", c.Simulation.TickDuration)
	check(c.Simulation.TimeUnit == engine.UnitSeconds || c.Simulation.TimeUnit == engine.UnitMinutes,
		"simulation.time_unit %q must be seconds or minutes", c.Simulation.TimeUnit)
	check(c.Simulation.CommandCapacity > 0, "simulation.command_capacity %d must be positive", c.Simulation.CommandCapacity)

	_, err := optimizer.ParseMode(c.Optimizer.Mode)
	check(err == nil, "optimizer.mode %q", c.Optimizer.Mode)
	check(c.Optimizer.SolveBudget > 0, "optimizer.solve_budget %v must be positive", c.Optimizer.SolveBudget)
	check(c.Optimizer.Horizon > 0, "optimizer.horizon %v must be positive", c.Optimizer.Horizon)

	check(c.Alerts.DistanceM >= 0, "alerts.distance_m %v is negative", c.Alerts.DistanceM)
	check(c.Broadcast.SubscriberBuffer > 0, "broadcast.subscriber_buffer %d must be positive", c.Broadcast.SubscriberBuffer)
	check(!c.HTTP.Enabled || c.HTTP.Addr != "", "http.addr is required when http is enabled")
	check(!c.GRPC.Enabled || c.GRPC.Addr != "", "grpc.addr is required when grpc is enabled")
	check(!c.Metrics.Enabled || (c.Metrics.Port > 0 && c.Metrics.Port < 65536), "metrics.port %d", c.Metrics.Port)

	_, err = c.LogLevel()
	check(err == nil, "logging.level %q", c.Logging.Level)
	check(c.Logging.Format == "text" || c.Logging.Format == "json", "logging.format %q must be text or json", c.Logging.Format)

	return errors.Join(errs...)
}

// LogLevel parses logging.level.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	err := level.UnmarshalText([]byte(strings.ToUpper(c.Logging.Level)))
	return level, err
}

// Engine converts the simulation, optimizer, alerts and broadcast sections
// into an engine config. Logger and metrics are left for the caller.
func (c *Config) Engine() engine.Config {
	return engine.Config{
		TickInterval:     c.Simulation.TickInterval,
		TickDuration:     c.Simulation.TickDuration,
		TimeUnit:         c.Simulation.TimeUnit,
		Mode:             optimizer.Mode(c.Optimizer.Mode),
		SolveBudget:      c.Optimizer.SolveBudget,
		Horizon:          c.Optimizer.Horizon,
		CommandCapacity:  c.Simulation.CommandCapacity,
		SubscriberBuffer: c.Broadcast.SubscriberBuffer,
		AlertsEnabled:    c.Alerts.Enabled,
		AlertDistance:    c.Alerts.DistanceM,
	}
}
