package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/azrael3199/gis-tool-dashboard/errors"
	"github.com/azrael3199/gis-tool-dashboard/output/httpstream"
	"github.com/azrael3199/gis-tool-dashboard/output/websocket"
	"github.com/azrael3199/gis-tool-dashboard/pkg/tlsutil"
	"github.com/azrael3199/gis-tool-dashboard/pointstore"
	"github.com/azrael3199/gis-tool-dashboard/stream"
)

// Store drivers
const (
	DriverMemory = "memory"
	DriverBolt   = "bolt"
	DriverSQLite = "sqlite"
)

// Catalog backends
const (
	CatalogStore = "store" // derived from the point store
	CatalogNATS  = "nats"  // JetStream KV bucket
)

// Duration is a time.Duration written as "30s" (or "7d") in config files.
type Duration time.Duration

// UnmarshalJSON accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n int64
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("duration must be a string or integer: %s", data)
		}
		*d = Duration(n)
		return nil
	}
	v, err := parseDurationWithDays(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalJSON writes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func parseDurationWithDays(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// Config is the complete server configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Store     StoreConfig     `json:"store"`
	Stream    StreamConfig    `json:"stream"`
	WebSocket WebSocketConfig `json:"websocket"`
	Catalog   CatalogConfig   `json:"catalog"`
	NATS      NATSConfig      `json:"nats"`
}

// ServerConfig configures the HTTP listener and its routes.
type ServerConfig struct {
	Addr            string               `json:"addr"`
	MaxRequestSize  int64                `json:"max_request_size"`
	MaxUploadSize   int64                `json:"max_upload_size"`
	WriteTimeout    Duration             `json:"write_timeout"`
	ShutdownTimeout Duration             `json:"shutdown_timeout"`
	HealthInterval  Duration             `json:"health_interval"`
	AllowedOrigins  []string             `json:"allowed_origins,omitempty"`
	TLS             tlsutil.ServerConfig `json:"tls"`
}

// StoreConfig selects and configures the point store.
type StoreConfig struct {
	Driver    string        `json:"driver"`
	Path      string        `json:"path,omitempty"` // bolt file or sqlite DSN
	BatchSize int           `json:"batch_size"`
	Breaker   BreakerConfig `json:"breaker"`
}

// BreakerConfig configures the store circuit breaker.
type BreakerConfig struct {
	Enabled             bool     `json:"enabled"`
	ConsecutiveFailures uint32   `json:"consecutive_failures"`
	OpenTimeout         Duration `json:"open_timeout"`
}

// StreamConfig configures the streaming sink.
type StreamConfig struct {
	FlushThreshold int `json:"flush_threshold"`
}

// WebSocketConfig configures the /ws endpoint.
type WebSocketConfig struct {
	MaxBuffered    int      `json:"max_buffered"`
	WriteTimeout   Duration `json:"write_timeout"`
	PongWait       Duration `json:"pong_wait"`
	PingInterval   Duration `json:"ping_interval"`
	QueryRate      float64  `json:"query_rate"`
	QueryBurst     int      `json:"query_burst"`
	MaxMessageSize int64    `json:"max_message_size"`
}

// CatalogConfig selects the file catalog backend.
type CatalogConfig struct {
	Backend  string   `json:"backend"`
	Bucket   string   `json:"bucket,omitempty"`
	CacheTTL Duration `json:"cache_ttl"`
}

// NATSConfig configures the NATS connection used by the nats catalog.
type NATSConfig struct {
	URL             string   `json:"url"`
	Username        string   `json:"username,omitempty"`
	Password        string   `json:"password,omitempty"`
	Token           string   `json:"token,omitempty"`
	MaxReconnects   int      `json:"max_reconnects"`
	ReconnectWait   Duration `json:"reconnect_wait"`
	ConnectAttempts int      `json:"connect_attempts"`
	PingInterval    Duration `json:"ping_interval"`
	DrainTimeout    Duration `json:"drain_timeout"`
}

// Default returns the configuration used when no file is given: an
// in-memory store with a store-derived catalog on :8080.
func Default() *Config {
	ws := websocket.DefaultConfig()
	hs := httpstream.DefaultConfig()
	br := pointstore.DefaultBreakerConfig()
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			MaxRequestSize:  hs.MaxRequestSize,
			MaxUploadSize:   256 << 20,
			WriteTimeout:    Duration(hs.WriteTimeout),
			ShutdownTimeout: Duration(30 * time.Second),
			HealthInterval:  Duration(15 * time.Second),
		},
		Store: StoreConfig{
			Driver:    DriverMemory,
			BatchSize: pointstore.DefaultBatchSize,
			Breaker: BreakerConfig{
				Enabled:             true,
				ConsecutiveFailures: br.ConsecutiveFailures,
				OpenTimeout:         Duration(br.OpenTimeout),
			},
		},
		Stream: StreamConfig{FlushThreshold: stream.DefaultFlushThreshold},
		WebSocket: WebSocketConfig{
			MaxBuffered:    ws.MaxBuffered,
			WriteTimeout:   Duration(ws.WriteTimeout),
			PongWait:       Duration(ws.PongWait),
			PingInterval:   Duration(ws.PingInterval),
			QueryRate:      ws.QueryRate,
			QueryBurst:     ws.QueryBurst,
			MaxMessageSize: ws.MaxMessageSize,
		},
		Catalog: CatalogConfig{
			Backend:  CatalogStore,
			Bucket:   "POINT_FILES",
			CacheTTL: Duration(5 * time.Second),
		},
		NATS: NATSConfig{
			URL:             "nats://localhost:4222",
			MaxReconnects:   -1,
			ReconnectWait:   Duration(2 * time.Second),
			ConnectAttempts: 5,
			PingInterval:    Duration(30 * time.Second),
			DrainTimeout:    Duration(10 * time.Second),
		},
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", fmt.Sprintf(format, args...))
	}

	if c.Server.Addr == "" {
		return invalid("server.addr is required")
	}
	if c.Server.MaxRequestSize <= 0 || c.Server.MaxUploadSize <= 0 {
		return invalid("server request and upload limits must be positive")
	}
	if c.Server.HealthInterval <= 0 || c.Server.ShutdownTimeout <= 0 {
		return invalid("server health_interval and shutdown_timeout must be positive")
	}
	if err := c.Server.TLS.Validate(); err != nil {
		return err
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverBolt, DriverSQLite:
		if c.Store.Path == "" {
			return invalid("store.path is required for driver %s", c.Store.Driver)
		}
	default:
		return invalid("unknown store.driver %q", c.Store.Driver)
	}
	if c.Store.BatchSize <= 0 {
		return invalid("store.batch_size must be positive")
	}

	if c.Stream.FlushThreshold < 15 {
		return invalid("stream.flush_threshold must hold at least one point record")
	}

	if err := c.WebSocket.ServerConfig(nil).Validate(); err != nil {
		return err
	}

	switch c.Catalog.Backend {
	case CatalogStore:
	case CatalogNATS:
		if c.NATS.URL == "" {
			return invalid("nats.url is required for the nats catalog")
		}
		if c.Catalog.Bucket == "" {
			return invalid("catalog.bucket is required for the nats catalog")
		}
		if c.NATS.PingInterval <= 0 {
			return invalid("nats.ping_interval must be positive")
		}
	default:
		return invalid("unknown catalog.backend %q", c.Catalog.Backend)
	}
	return nil
}

// ServerConfig converts to the websocket package configuration.
func (w WebSocketConfig) ServerConfig(allowedOrigins []string) websocket.Config {
	return websocket.Config{
		MaxBuffered:    w.MaxBuffered,
		WriteTimeout:   w.WriteTimeout.D(),
		PongWait:       w.PongWait.D(),
		PingInterval:   w.PingInterval.D(),
		QueryRate:      w.QueryRate,
		QueryBurst:     w.QueryBurst,
		MaxMessageSize: w.MaxMessageSize,
		AllowedOrigins: allowedOrigins,
	}
}

// HandlerConfig converts to the httpstream package configuration.
func (s ServerConfig) HandlerConfig() httpstream.Config {
	return httpstream.Config{
		MaxRequestSize: s.MaxRequestSize,
		WriteTimeout:   s.WriteTimeout.D(),
	}
}

// String renders the config as JSON with secrets masked.
func (c *Config) String() string {
	masked := *c
	if masked.NATS.Password != "" {
		masked.NATS.Password = "****"
	}
	if masked.NATS.Token != "" {
		masked.NATS.Token = "****"
	}
	data, err := json.MarshalIndent(&masked, "", "  ")
	if err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return string(data)
}
