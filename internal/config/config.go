// Package config loads replica settings.
//
// Sources are applied in order, later ones winning: built-in defaults, a
// .env file, REPLICA_* environment variables, a YAML file, and finally
// command-line flags (applied by the CLI).
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "REPLICA_"

// Remote kinds.
const (
	RemoteNone     = "none"
	RemoteLoopback = "loopback"
	RemoteRedis    = "redis"
)

// Config is the full set of settings.
type Config struct {
	// Database is the SQLite file. Empty keeps everything in memory.
	Database string `yaml:"database"`
	// SchemaDir holds the CUE schema. Empty uses the built-in blog schema.
	SchemaDir string `yaml:"schema_dir"`

	Remote        string `yaml:"remote" validate:"oneof=none loopback redis"`
	RedisAddr     string `yaml:"redis_addr" validate:"required_if=Remote redis"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db" validate:"gte=0"`
	RedisPrefix   string `yaml:"redis_prefix" validate:"required"`

	ReorderWindow int           `yaml:"reorder_window" validate:"gte=1"`
	ReorderDelay  time.Duration `yaml:"reorder_delay" validate:"gte=0"`
	RetryBase     time.Duration `yaml:"retry_base" validate:"gt=0"`
	RetryMax      time.Duration `yaml:"retry_max" validate:"gtefield=RetryBase"`
	SubmitRate    float64       `yaml:"submit_rate" validate:"gte=0"`
	SubmitBurst   int           `yaml:"submit_burst" validate:"gte=1"`

	HTTPAddr    string   `yaml:"http_addr" validate:"required"`
	CORSOrigins []string `yaml:"cors_origins"`

	LogLevel  string `yaml:"log_level" validate:"oneof=debug info warn error"`
	LogFormat string `yaml:"log_format" validate:"oneof=text json"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Remote:        RemoteNone,
		RedisAddr:     "localhost:6379",
		RedisPrefix:   "replica",
		ReorderWindow: 64,
		ReorderDelay:  50 * time.Millisecond,
		RetryBase:     100 * time.Millisecond,
		RetryMax:      30 * time.Second,
		SubmitRate:    0,
		SubmitBurst:   1,
		HTTPAddr:      ":8080",
		CORSOrigins:   []string{"*"},
		LogLevel:      "info",
		LogFormat:     "text",
	}
}

// Loader reads settings from the environment and files.
type Loader struct {
	// EnvFile is loaded into the process environment if it exists.
	// Variables already set are not overridden.
	EnvFile string
	// File is the YAML config file. Empty falls back to REPLICA_CONFIG;
	// if that is empty too no file is read.
	File string
}

// Load applies defaults, .env, environment and YAML, then validates.
func (l Loader) Load() (Config, error) {
	cfg := Default()

	if l.EnvFile != "" {
		if err := godotenv.Load(l.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", l.EnvFile, err)
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return Config{}, err
	}

	file := l.File
	if file == "" {
		file = os.Getenv(EnvPrefix + "CONFIG")
	}
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := cfg.applyYAML(data); err != nil {
			return Config{}, fmt.Errorf("config %s: %w", file, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyYAML(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return err
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(name string, dst *string) {
		if v := getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}
	var errs []error
	num := func(name string, dst *int) {
		if v := getenv(EnvPrefix + name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v := getenv(EnvPrefix + name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}

	str("DATABASE", &c.Database)
	str("SCHEMA_DIR", &c.SchemaDir)
	str("REMOTE", &c.Remote)
	str("REDIS_ADDR", &c.RedisAddr)
	str("REDIS_PASSWORD", &c.RedisPassword)
	num("REDIS_DB", &c.RedisDB)
	str("REDIS_PREFIX", &c.RedisPrefix)
	num("REORDER_WINDOW", &c.ReorderWindow)
	dur("REORDER_DELAY", &c.ReorderDelay)
	dur("RETRY_BASE", &c.RetryBase)
	dur("RETRY_MAX", &c.RetryMax)
	if v := getenv(EnvPrefix + "SUBMIT_RATE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sSUBMIT_RATE: %w", EnvPrefix, err))
		} else {
			c.SubmitRate = f
		}
	}
	num("SUBMIT_BURST", &c.SubmitBurst)
	str("HTTP_ADDR", &c.HTTPAddr)
	if v := getenv(EnvPrefix + "CORS_ORIGINS"); v != "" {
		c.CORSOrigins = strings.Split(v, ",")
	}
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)
	return errors.Join(errs...)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		return name
	})
	return v
}

// Validate checks every setting.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fe.Field(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// SlogLevel converts LogLevel.
func (c Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
