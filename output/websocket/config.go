package websocket

import (
	"time"

	"github.com/azrael3199/gis-tool-dashboard/errors"
)

// Config controls the WebSocket streaming server.
type Config struct {
	// MaxBuffered is the per-connection ceiling on queued but unwritten bytes.
	MaxBuffered int `json:"max_buffered" yaml:"max_buffered"`
	// WriteTimeout bounds each socket write.
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	// PongWait is how long a silent client is kept before it is dropped.
	PongWait time.Duration `json:"pong_wait" yaml:"pong_wait"`
	// PingInterval must be shorter than PongWait.
	PingInterval time.Duration `json:"ping_interval" yaml:"ping_interval"`
	// QueryRate limits queries per second per connection. Zero disables it.
	QueryRate  float64 `json:"query_rate" yaml:"query_rate"`
	QueryBurst int     `json:"query_burst" yaml:"query_burst"`
	// MaxMessageSize caps incoming client messages.
	MaxMessageSize int64 `json:"max_message_size" yaml:"max_message_size"`
	// AllowedOrigins restricts the Origin header. Empty allows any origin.
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins"`
}

// DefaultConfig returns server defaults.
func DefaultConfig() Config {
	return Config{
		MaxBuffered:    1 << 20,
		WriteTimeout:   10 * time.Second,
		PongWait:       60 * time.Second,
		PingInterval:   30 * time.Second,
		QueryRate:      20,
		QueryBurst:     10,
		MaxMessageSize: 64 * 1024,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxBuffered <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "max_buffered must be positive")
	}
	if c.PingInterval <= 0 || c.PongWait <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "ping_interval and pong_wait must be positive")
	}
	if c.PingInterval >= c.PongWait {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "ping_interval must be shorter than pong_wait")
	}
	if c.QueryRate < 0 || c.QueryBurst < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "query rate and burst cannot be negative")
	}
	return nil
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxBuffered <= 0 {
		c.MaxBuffered = d.MaxBuffered
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.PongWait <= 0 {
		c.PongWait = d.PongWait
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = c.PongWait * 9 / 10
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.QueryRate > 0 && c.QueryBurst <= 0 {
		c.QueryBurst = 1
	}
	return c
}
