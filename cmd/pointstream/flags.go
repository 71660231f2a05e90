package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath  string
	Addr        string
	LogLevel    string
	LogFormat   string
	Debug       bool
	ShowVersion bool
	Validate    bool
}

func parseFlags(fs *flag.FlagSet, args []string) (*CLIConfig, error) {
	cfg := &CLIConfig{}

	fs.StringVar(&cfg.ConfigPath, "config", getEnv("POINTSTREAM_CONFIG", ""),
		"Path to a JSON or YAML configuration file (env: POINTSTREAM_CONFIG)")
	fs.StringVar(&cfg.ConfigPath, "c", getEnv("POINTSTREAM_CONFIG", ""),
		"Shorthand for --config")
	fs.StringVar(&cfg.Addr, "addr", "",
		"Listen address, overrides server.addr and POINTSTREAM_ADDR")
	fs.StringVar(&cfg.LogLevel, "log-level", getEnv("POINTSTREAM_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: POINTSTREAM_LOG_LEVEL)")
	fs.StringVar(&cfg.LogFormat, "log-format", getEnv("POINTSTREAM_LOG_FORMAT", "json"),
		"Log format: json, text (env: POINTSTREAM_LOG_FORMAT)")
	fs.BoolVar(&cfg.Debug, "debug", getEnvBool("POINTSTREAM_DEBUG", false),
		"Enable debug logging (env: POINTSTREAM_DEBUG)")
	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration, print it and exit")

	fs.Usage = func() { printUsage(fs.Output(), fs) }

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if cfg.Debug {
		cfg.LogLevel = "debug"
	}
	return cfg, validateFlags(cfg)
}

func validateFlags(cfg *CLIConfig) error {
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	return nil
}

func printUsage(w io.Writer, fs *flag.FlagSet) {
	_, _ = fmt.Fprintf(w, `%s - spatial point streaming server

Usage: %s [options]

Options:
`, appName, os.Args[0])
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(w, `
Examples:
  # In-memory store on :8080
  %[1]s

  # Bolt store with a NATS-backed catalog
  export POINTSTREAM_STORE_DRIVER=bolt
  export POINTSTREAM_STORE_PATH=/var/lib/pointstream/points.db
  export POINTSTREAM_CATALOG_BACKEND=nats
  %[1]s --log-format=text

  # Check a configuration file
  %[1]s --config=pointstream.yaml --validate

Version: %[2]s
Build: %[3]s
`, os.Args[0], Version, BuildTime)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
