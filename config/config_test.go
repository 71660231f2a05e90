package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/azrael3199/gis-tool-dashboard/errors"
)

func noEnv(string) (string, bool) { return "", false }

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, CatalogStore, cfg.Catalog.Backend)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty addr", func(c *Config) { c.Server.Addr = "" }},
		{"unknown driver", func(c *Config) { c.Store.Driver = "postgres" }},
		{"bolt without path", func(c *Config) { c.Store.Driver = DriverBolt }},
		{"sqlite without path", func(c *Config) { c.Store.Driver = DriverSQLite }},
		{"zero batch", func(c *Config) { c.Store.BatchSize = 0 }},
		{"tiny flush threshold", func(c *Config) { c.Stream.FlushThreshold = 14 }},
		{"ping after pong", func(c *Config) { c.WebSocket.PingInterval = c.WebSocket.PongWait }},
		{"unknown catalog", func(c *Config) { c.Catalog.Backend = "redis" }},
		{"nats without url", func(c *Config) { c.Catalog.Backend = CatalogNATS; c.NATS.URL = "" }},
		{"nats without bucket", func(c *Config) { c.Catalog.Backend = CatalogNATS; c.Catalog.Bucket = "" }},
		{"nats without ping interval", func(c *Config) { c.Catalog.Backend = CatalogNATS; c.NATS.PingInterval = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
			assert.ErrorIs(t, err, errors.ErrInvalidConfig)
		})
	}
}

func TestLoader_YAMLLayer(t *testing.T) {
	l := NewLoader(nil).WithEnv(noEnv)
	l.AddLayer("base", "yaml", []byte(`
server:
  addr: ":9090"
  write_timeout: 45s
store:
  driver: bolt
  path: /tmp/points.db
catalog:
  cache_ttl: 1d
websocket:
  query_rate: 5
`))

	cfg, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 45*time.Second, cfg.Server.WriteTimeout.D())
	assert.Equal(t, DriverBolt, cfg.Store.Driver)
	assert.Equal(t, 24*time.Hour, cfg.Catalog.CacheTTL.D())
	assert.Equal(t, 5.0, cfg.WebSocket.QueryRate)

	// untouched fields keep their defaults
	def := Default()
	assert.Equal(t, def.Store.BatchSize, cfg.Store.BatchSize)
	assert.Equal(t, def.WebSocket.PongWait, cfg.WebSocket.PongWait)
}

func TestLoader_LayersOverrideInOrder(t *testing.T) {
	l := NewLoader(nil).WithEnv(noEnv)
	l.AddLayer("base", "json", []byte(`{"server":{"addr":":1000"},"stream":{"flush_threshold":4096}}`))
	l.AddLayer("override", "yaml", []byte("server:\n  addr: \":2000\"\n"))

	cfg, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, ":2000", cfg.Server.Addr)
	assert.Equal(t, 4096, cfg.Stream.FlushThreshold)
}

func TestLoader_NumericDuration(t *testing.T) {
	l := NewLoader(nil).WithEnv(noEnv)
	l.AddLayer("n", "json", []byte(`{"server":{"shutdown_timeout":1000000000}}`))
	cfg, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, time.Second, cfg.Server.ShutdownTimeout.D())
}

func TestLoader_Errors(t *testing.T) {
	tests := []struct {
		name, format, data string
	}{
		{"unknown field", "json", `{"server":{"adr":":1"}}`},
		{"bad duration", "yaml", "server:\n  write_timeout: soon\n"},
		{"malformed json", "json", `{"server":`},
		{"invalid result", "json", `{"store":{"driver":"tape"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLoader(nil).WithEnv(noEnv)
			l.AddLayer(tt.name, tt.format, []byte(tt.data))
			_, err := l.Load()
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestLoader_Env(t *testing.T) {
	l := NewLoader(nil).WithEnv(envMap(map[string]string{
		"POINTSTREAM_ADDR":            ":7070",
		"POINTSTREAM_STORE_DRIVER":    "sqlite",
		"POINTSTREAM_STORE_PATH":      "file:points.db",
		"POINTSTREAM_CATALOG_BACKEND": "nats",
		"POINTSTREAM_NATS_URL":        "nats://nats:4222",
		"POINTSTREAM_NATS_TOKEN":      "s3cret",
		"POINTSTREAM_ALLOWED_ORIGINS": "https://a.example, https://b.example,",
		"POINTSTREAM_CACHE_TTL":       "2s",
	}))
	l.AddLayer("file", "json", []byte(`{"server":{"addr":":1"}}`))

	cfg, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, "file:points.db", cfg.Store.Path)
	assert.Equal(t, CatalogNATS, cfg.Catalog.Backend)
	assert.Equal(t, "nats://nats:4222", cfg.NATS.URL)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 2*time.Second, cfg.Catalog.CacheTTL.D())

	assert.NotContains(t, cfg.String(), "s3cret")
}

func TestLoader_EnvRejectsBadValues(t *testing.T) {
	for _, env := range []map[string]string{
		{"POINTSTREAM_FLUSH_THRESHOLD": "lots"},
		{"POINTSTREAM_NATS_URL": "nats://x\x00"},
	} {
		_, err := NewLoader(nil).WithEnv(envMap(env)).Load()
		assert.Error(t, err)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "pointstream.yml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: \":6060\"\n"), 0o600))
	cfg, err := LoadFile(path, nil)
	require.NoError(t, err)
	assert.Equal(t, ":6060", cfg.Server.Addr)

	txt := filepath.Join(dir, "pointstream.toml")
	require.NoError(t, os.WriteFile(txt, []byte("x"), 0o600))
	_, err = LoadFile(txt, nil)
	assert.Error(t, err)

	_, err = LoadFile(filepath.Join(dir, "missing.json"), nil)
	assert.Error(t, err)

	_, err = LoadFile(dir+"/", nil)
	assert.Error(t, err)
}

func TestCheckNesting(t *testing.T) {
	var doc any = "leaf"
	for i := 0; i < maxNesting+2; i++ {
		doc = map[string]any{"n": doc}
	}
	assert.Error(t, checkNesting(doc, 0))
	assert.NoError(t, checkNesting(map[string]any{"a": []any{1, 2}}, 0))
}

func TestConversions(t *testing.T) {
	cfg := Default()
	ws := cfg.WebSocket.ServerConfig([]string{"https://a.example"})
	assert.Equal(t, cfg.WebSocket.PongWait.D(), ws.PongWait)
	assert.Equal(t, []string{"https://a.example"}, ws.AllowedOrigins)

	hc := cfg.Server.HandlerConfig()
	assert.Equal(t, cfg.Server.MaxRequestSize, hc.MaxRequestSize)
}
