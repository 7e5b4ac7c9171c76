// Package config loads coordinator settings from defaults, an optional YAML
// file and MESH_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/dreamware/meshtree/internal/mesh"
)

// Config is the full coordinator configuration.
//
// Thread Safety: Safe to read concurrently. Not safe to modify after creation.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen" validate:"required"`

	// Mesh contains tree-shape settings.
	Mesh MeshConfig `yaml:"mesh"`

	// Health contains member probing settings.
	Health HealthConfig `yaml:"health"`

	// Join contains admission settings.
	Join JoinConfig `yaml:"join"`

	// Log contains logging settings.
	Log LogConfig `yaml:"log"`
}

// MeshConfig controls placement.
type MeshConfig struct {
	Mode           string `yaml:"mode" validate:"required,buildmode"`
	MaxDownstreams int    `yaml:"max_downstreams" validate:"min=1,max=64"`
	MaxDepth       int    `yaml:"max_depth" validate:"min=0"`
}

// HealthConfig controls the member health monitor.
type HealthConfig struct {
	Interval    time.Duration `yaml:"interval" validate:"min=10ms"`
	Timeout     time.Duration `yaml:"timeout" validate:"min=10ms"`
	MaxFailures int           `yaml:"max_failures" validate:"min=1"`
	Concurrency int           `yaml:"concurrency" validate:"min=1"`
	Enabled     bool          `yaml:"enabled"`
	Evict       bool          `yaml:"evict"`
}

// JoinConfig limits the rate of join requests. A zero rate disables the limit.
type JoinConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second" validate:"gte=0"`
	Burst         int     `yaml:"burst" validate:"min=1"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("buildmode", func(fl validator.FieldLevel) bool {
		_, err := mesh.ParseBuildMode(fl.Field().String())
		return err == nil
	})
	return v
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Listen: ":8080",
		Mesh: MeshConfig{
			Mode:           mesh.Symmetric.String(),
			MaxDownstreams: mesh.DefaultMaxDownstreams,
			MaxDepth:       mesh.DefaultMaxDepth,
		},
		Health: HealthConfig{
			Enabled:     true,
			Interval:    10 * time.Second,
			Timeout:     2 * time.Second,
			MaxFailures: 3,
			Concurrency: 16,
			Evict:       true,
		},
		Join: JoinConfig{
			RatePerSecond: 50,
			Burst:         100,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds a Config with priority env > file > defaults. An empty path or
// a missing file leaves the defaults in place.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := loadEnv(&cfg); err != nil {
		return cfg, fmt.Errorf("load config env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks every field against its constraints.
func (c Config) Validate() error {
	return validate.Struct(c)
}

// BuildMode returns the parsed placement mode.
func (c Config) BuildMode() mesh.BuildMode {
	m, err := mesh.ParseBuildMode(c.Mesh.Mode)
	if err != nil {
		return mesh.Symmetric
	}
	return m
}

// OrganizerOptions maps the mesh settings onto organizer options.
func (c Config) OrganizerOptions(logger *slog.Logger) []mesh.Option {
	return []mesh.Option{
		mesh.WithMaxDownstreams(c.Mesh.MaxDownstreams),
		mesh.WithMaxDepth(c.Mesh.MaxDepth),
		mesh.WithLogger(logger),
	}
}

// Logger builds the slog logger described by the Log section.
func (c Config) Logger() *slog.Logger {
	var level slog.Level
	switch c.Log.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// loadEnv applies MESH_* overrides. COORDINATOR_ADDR is honoured for the
// listen address when MESH_LISTEN is unset.
func loadEnv(cfg *Config) error {
	if v := os.Getenv("COORDINATOR_ADDR"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("MESH_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("MESH_MODE"); v != "" {
		cfg.Mesh.Mode = strings.ToLower(v)
	}
	if err := envInt("MESH_MAX_DOWNSTREAMS", &cfg.Mesh.MaxDownstreams); err != nil {
		return err
	}
	if err := envInt("MESH_MAX_DEPTH", &cfg.Mesh.MaxDepth); err != nil {
		return err
	}
	if err := envDuration("MESH_HEALTH_INTERVAL", &cfg.Health.Interval); err != nil {
		return err
	}
	if err := envDuration("MESH_HEALTH_TIMEOUT", &cfg.Health.Timeout); err != nil {
		return err
	}
	if err := envBool("MESH_HEALTH_ENABLED", &cfg.Health.Enabled); err != nil {
		return err
	}
	if err := envBool("MESH_HEALTH_EVICT", &cfg.Health.Evict); err != nil {
		return err
	}
	if v := os.Getenv("MESH_JOIN_RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("MESH_JOIN_RPS: %w", err)
		}
		cfg.Join.RatePerSecond = f
	}
	if v := os.Getenv("MESH_LOG_LEVEL"); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("MESH_LOG_FORMAT"); v != "" {
		cfg.Log.Format = strings.ToLower(v)
	}
	return nil
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

func envBool(key string, dst *bool) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}
