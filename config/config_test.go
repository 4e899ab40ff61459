package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(vals map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vals[k]
		return v, ok
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "contractflow.yaml")
	yaml := `
http_addr: ":9000"
database_url: postgres://file/db
jwt_secret: from-file
activity_backend: sqlite
sqlite_path: /tmp/activity.db
presence_ttl: 1m
heartbeat: 20s
pool:
  max_conns: 25
  max_conn_lifetime: 10m
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := read(path, env(map[string]string{
		"DATABASE_URL": "postgres://env/db",
		"LOG_LEVEL":    "debug",
		"SESSION_IDLE": "90s",
	}))
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.HTTPAddr)
	assert.Equal(t, "postgres://env/db", cfg.DatabaseURL)
	assert.Equal(t, "from-file", cfg.JWTSecret)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, ActivitySQLite, cfg.ActivityBackend)
	assert.Equal(t, time.Minute, cfg.PresenceTTL)
	assert.Equal(t, 20*time.Second, cfg.Heartbeat)
	assert.Equal(t, 90*time.Second, cfg.SessionIdle)
	assert.EqualValues(t, 25, cfg.Pool.MaxConns)
	assert.Equal(t, 10*time.Minute, cfg.Pool.MaxConnLifetime)
	// Untouched pool fields keep their defaults.
	assert.EqualValues(t, 1, cfg.Pool.MinConns)
}

func TestLoad_EnvOnly(t *testing.T) {
	cfg, err := read("", env(map[string]string{
		"DATABASE_URL": "postgres://env/db",
		"JWT_SECRET":   "s3cret",
		"PRESENCE_TTL": "30s",
	}))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, Default().HTTPAddr, cfg.HTTPAddr)
	assert.Equal(t, 30*time.Second, cfg.PresenceTTL)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := read(filepath.Join(t.TempDir(), "nope.yaml"), env(nil))
	assert.Error(t, err)
}

func TestDecode_RejectsUnknownKeys(t *testing.T) {
	cfg := Default()
	err := Decode(map[string]any{"htp_addr": ":1"}, &cfg)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := Default()
	base.DatabaseURL = "postgres://x"
	base.JWTSecret = "k"
	require.NoError(t, base.Validate())

	cases := map[string]func(*Config){
		"missing database": func(c *Config) { c.DatabaseURL = "" },
		"missing secret":   func(c *Config) { c.JWTSecret = "" },
		"bad level":        func(c *Config) { c.LogLevel = "loud" },
		"bad backend":      func(c *Config) { c.ActivityBackend = "mongo" },
		"sqlite no path":   func(c *Config) { c.ActivityBackend = ActivitySQLite; c.SQLitePath = "" },
		"heartbeat >= ttl": func(c *Config) { c.Heartbeat = c.PresenceTTL },
		"no idle timeout":  func(c *Config) { c.SessionIdle = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := base
			mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}
