package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/azrael3199/gis-tool-dashboard/errors"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "POINTSTREAM_"

// Loader builds a Config from defaults, then each layer in order, then the
// environment. Later layers override earlier ones field by field.
type Loader struct {
	layers []layer
	env    func(string) (string, bool)
	logger *slog.Logger
}

type layer struct {
	name   string
	format string
	data   []byte
}

// NewLoader creates a loader that reads overrides from the process
// environment.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{env: os.LookupEnv, logger: logger.With("component", "config")}
}

// WithEnv replaces the environment lookup, mainly for tests.
func (l *Loader) WithEnv(lookup func(string) (string, bool)) *Loader {
	l.env = lookup
	return l
}

// AddLayer adds an in-memory document; format is "json" or "yaml".
func (l *Loader) AddLayer(name, format string, data []byte) {
	l.layers = append(l.layers, layer{name: name, format: format, data: data})
}

// AddFile adds a config file as a layer, picking the format from its
// extension.
func (l *Loader) AddFile(path string) error {
	data, err := readConfigFile(path)
	if err != nil {
		return errors.WrapInvalid(err, "Loader", "AddFile", "read "+path)
	}
	format, _ := configFormat(path)
	l.AddLayer(path, format, data)
	return nil
}

// Load applies every layer and the environment over Default and validates
// the result.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()
	for _, ly := range l.layers {
		if err := applyLayer(cfg, ly); err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "apply layer "+ly.name)
		}
		l.logger.Debug("Applied config layer", "layer", ly.name, "format", ly.format)
	}
	if err := l.applyEnv(cfg); err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "apply environment")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile is shorthand for a loader with one optional file. An empty path
// loads defaults plus environment.
func LoadFile(path string, logger *slog.Logger) (*Config, error) {
	l := NewLoader(logger)
	if path != "" {
		if err := l.AddFile(path); err != nil {
			return nil, err
		}
	}
	return l.Load()
}

// applyLayer decodes the layer into a generic document, then round-trips it
// through JSON onto cfg so Duration and nested structs decode one way for
// both formats.
func applyLayer(cfg *Config, ly layer) error {
	var doc map[string]any
	switch ly.format {
	case "json":
		if err := json.Unmarshal(ly.data, &doc); err != nil {
			return fmt.Errorf("parse json: %w", err)
		}
	case "yaml":
		if err := yaml.Unmarshal(ly.data, &doc); err != nil {
			return fmt.Errorf("parse yaml: %w", err)
		}
	default:
		return fmt.Errorf("unknown format %q", ly.format)
	}
	if doc == nil {
		return nil
	}
	if err := checkNesting(doc, 0); err != nil {
		return err
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("normalize layer: %w", err)
	}
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("decode layer: %w", err)
	}
	return nil
}

type envBinding struct {
	name string
	set  func(cfg *Config, v string) error
}

var envBindings = []envBinding{
	{"ADDR", func(c *Config, v string) error { c.Server.Addr = v; return nil }},
	{"TLS_CERT_FILE", func(c *Config, v string) error { c.Server.TLS.Enabled = true; c.Server.TLS.CertFile = v; return nil }},
	{"TLS_KEY_FILE", func(c *Config, v string) error { c.Server.TLS.KeyFile = v; return nil }},
	{"STORE_DRIVER", func(c *Config, v string) error { c.Store.Driver = v; return nil }},
	{"STORE_PATH", func(c *Config, v string) error { c.Store.Path = v; return nil }},
	{"CATALOG_BACKEND", func(c *Config, v string) error { c.Catalog.Backend = v; return nil }},
	{"CATALOG_BUCKET", func(c *Config, v string) error { c.Catalog.Bucket = v; return nil }},
	{"NATS_URL", func(c *Config, v string) error { c.NATS.URL = v; return nil }},
	{"NATS_USERNAME", func(c *Config, v string) error { c.NATS.Username = v; return nil }},
	{"NATS_PASSWORD", func(c *Config, v string) error { c.NATS.Password = v; return nil }},
	{"NATS_TOKEN", func(c *Config, v string) error { c.NATS.Token = v; return nil }},
	{"ALLOWED_ORIGINS", func(c *Config, v string) error {
		c.Server.AllowedOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.Server.AllowedOrigins = append(c.Server.AllowedOrigins, o)
			}
		}
		return nil
	}},
	{"FLUSH_THRESHOLD", func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		c.Stream.FlushThreshold = n
		return nil
	}},
	{"CACHE_TTL", func(c *Config, v string) error {
		d, err := parseDurationWithDays(v)
		if err != nil {
			return err
		}
		c.Catalog.CacheTTL = Duration(d)
		return nil
	}},
}

func (l *Loader) applyEnv(cfg *Config) error {
	for _, b := range envBindings {
		key := EnvPrefix + b.name
		v, ok := l.env(key)
		if !ok || v == "" {
			continue
		}
		if err := validateEnvVar(key, v); err != nil {
			return err
		}
		if err := b.set(cfg, v); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		l.logger.Debug("Applied environment override", "key", key)
	}
	return nil
}
