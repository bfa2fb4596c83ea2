// Package config loads the server configuration.
//
// Sources are applied in order, later ones winning:
//
//	defaults -> YAML file -> .env file -> environment -> command-line flags
//
// Flags are applied by the caller (cmd/server) after Load returns.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Mapping   MappingConfig   `yaml:"mapping"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Port           int           `yaml:"port" validate:"min=1,max=65535"`
	ReadTimeout    time.Duration `yaml:"read_timeout" validate:"gt=0"`
	WriteTimeout   time.Duration `yaml:"write_timeout" validate:"gt=0"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

type DatabaseConfig struct {
	Path string `yaml:"path" validate:"required"`
}

type MappingConfig struct {
	MaxBatchRows             int    `yaml:"max_batch_rows" validate:"min=1"`
	PrefetchConcurrency      int    `yaml:"prefetch_concurrency" validate:"min=1,max=64"`
	DefaultUpdatedBy         string `yaml:"default_updated_by" validate:"required"`
	DefaultDynamicPresetName string `yaml:"default_dynamic_preset_name" validate:"required"`
}

// SchedulerConfig controls the periodic full activity rebuild.
type SchedulerConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval" validate:"gt=0"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn warning error fatal panic"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:           8080,
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   60 * time.Second,
			AllowedOrigins: []string{"http://localhost:5173", "http://localhost:8080"},
		},
		Database: DatabaseConfig{Path: "scoa.db"},
		Mapping: MappingConfig{
			MaxBatchRows:             500,
			PrefetchConcurrency:      4,
			DefaultUpdatedBy:         "system",
			DefaultDynamicPresetName: "Dynamic allocation",
		},
		Scheduler: SchedulerConfig{Enabled: false, Interval: time.Hour},
		Log:       LogConfig{Level: "info", Format: "text"},
	}
}

// Load builds the configuration. A missing YAML file is an error only when
// path was given explicitly; a missing .env file is never an error.
func Load(path, envFile string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, Validate(cfg)
}

// =============================================================================
// ENVIRONMENT
// =============================================================================

func applyEnv(cfg *Config) error {
	if v, ok := lookup("SCOA_PORT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SCOA_PORT: %w", err)
		}
		cfg.Server.Port = n
	}
	if v, ok := lookup("SCOA_DB_PATH"); ok {
		cfg.Database.Path = v
	}
	if v, ok := lookup("SCOA_MAX_BATCH_ROWS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SCOA_MAX_BATCH_ROWS: %w", err)
		}
		cfg.Mapping.MaxBatchRows = n
	}
	if v, ok := lookup("SCOA_ALLOWED_ORIGINS"); ok {
		cfg.Server.AllowedOrigins = splitList(v)
	}
	if v, ok := lookup("SCOA_SCHEDULER_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("SCOA_SCHEDULER_ENABLED: %w", err)
		}
		cfg.Scheduler.Enabled = b
	}
	if v, ok := lookup("LOG_LEVEL"); ok {
		cfg.Log.Level = strings.ToLower(v)
	}
	if v, ok := lookup("LOG_FORMAT"); ok {
		cfg.Log.Format = strings.ToLower(v)
	}
	return nil
}

// lookup returns the first non-empty variable among keys.
func lookup(keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := os.LookupEnv(k); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v), true
		}
	}
	return "", false
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// =============================================================================
// VALIDATION
// =============================================================================

var validate = validator.New()

// Validate checks field constraints and reports every violation at once.
func Validate(cfg Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}
