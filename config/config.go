package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"contractflow/db"
	"contractflow/logging"
)

// Activity log backends.
const (
	ActivityPostgres = "postgres"
	ActivitySQLite   = "sqlite"
	ActivityMemory   = "memory"
)

// Config is the server configuration.
type Config struct {
	HTTPAddr        string        `mapstructure:"http_addr"`
	DatabaseURL     string        `mapstructure:"database_url"`
	RedisAddr       string        `mapstructure:"redis_addr"`
	JWTSecret       string        `mapstructure:"jwt_secret"`
	TokenTTL        time.Duration `mapstructure:"token_ttl"`
	LogLevel        string        `mapstructure:"log_level"`
	ActivityBackend string        `mapstructure:"activity_backend"`
	SQLitePath      string        `mapstructure:"sqlite_path"`
	PresenceTTL     time.Duration `mapstructure:"presence_ttl"`
	Heartbeat       time.Duration `mapstructure:"heartbeat"`
	SessionIdle     time.Duration `mapstructure:"session_idle"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	Pool            db.PoolConfig `mapstructure:"pool"`
}

// envKeys maps environment variables onto config keys.
var envKeys = map[string]string{
	"HTTP_ADDR":        "http_addr",
	"DATABASE_URL":     "database_url",
	"REDIS_ADDR":       "redis_addr",
	"JWT_SECRET":       "jwt_secret",
	"TOKEN_TTL":        "token_ttl",
	"LOG_LEVEL":        "log_level",
	"ACTIVITY_BACKEND": "activity_backend",
	"SQLITE_PATH":      "sqlite_path",
	"PRESENCE_TTL":     "presence_ttl",
	"SESSION_IDLE":     "session_idle",
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		HTTPAddr:        ":8080",
		TokenTTL:        24 * time.Hour,
		LogLevel:        "info",
		ActivityBackend: ActivityPostgres,
		SQLitePath:      "contractflow-activity.db",
		PresenceTTL:     45 * time.Second,
		Heartbeat:       15 * time.Second,
		SessionIdle:     5 * time.Minute,
		ShutdownTimeout: 10 * time.Second,
		Pool:            db.DefaultPoolConfig(),
	}
}

// Load reads path (optional), overlays the process environment and
// validates the result for the server.
func Load(path string) (Config, error) {
	cfg, err := read(path, os.LookupEnv)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Read is Load without validation, for commands that need only part of the
// configuration.
func Read(path string) (Config, error) {
	return read(path, os.LookupEnv)
}

func read(path string, lookup func(string) (string, bool)) (Config, error) {
	raw := map[string]any{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	for env, key := range envKeys {
		if v, ok := lookup(env); ok && v != "" {
			raw[key] = v
		}
	}

	cfg := Default()
	if err := Decode(raw, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Decode applies raw onto cfg. Durations accept Go duration strings.
func Decode(raw map[string]any, cfg *Config) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           cfg,
	})
	if err != nil {
		return fmt.Errorf("config: decoder: %w", err)
	}
	if err := dec.Decode(raw); err != nil {
		return fmt.Errorf("config: decode: %w", err)
	}
	return nil
}

// Validate checks the fields the server cannot start without.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.HTTPAddr) == "" {
		errs = append(errs, errors.New("http_addr is required"))
	}
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("database_url is required"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("jwt_secret is required"))
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.ActivityBackend {
	case ActivityPostgres, ActivityMemory:
	case ActivitySQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("sqlite_path is required for the sqlite backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown activity_backend %q", c.ActivityBackend))
	}
	if c.PresenceTTL <= 0 {
		errs = append(errs, errors.New("presence_ttl must be positive"))
	}
	if c.Heartbeat <= 0 || c.Heartbeat >= c.PresenceTTL {
		errs = append(errs, errors.New("heartbeat must be positive and shorter than presence_ttl"))
	}
	if c.SessionIdle <= 0 {
		errs = append(errs, errors.New("session_idle must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
