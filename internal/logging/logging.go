// Package logging builds the zerolog logger shared by every component.
package logging

import (
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	EnvLogLevel = "ENVMON_LOG_LEVEL"
	EnvLogJSON  = "ENVMON_LOG_JSON"
)

// Config selects the level and output format.
type Config struct {
	Level string `yaml:"level" toml:"level" json:"level"`
	// JSON switches from the human readable console format to one JSON
	// object per line.
	JSON bool `yaml:"json" toml:"json" json:"json"`
}

// New returns a logger writing to out. Environment variables win over cfg.
func New(cfg Config, out io.Writer) zerolog.Logger {
	applyEnvOverrides(&cfg)
	level, ok := ParseLevel(cfg.Level)
	if !ok {
		level = zerolog.InfoLevel
	}

	w := out
	if !cfg.JSON {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Str("app", "envmon").Logger()
}

// ParseLevel accepts the usual level names plus "off" aliases. The second
// result is false for empty or unknown input.
func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvLogLevel); v != "" {
		if _, ok := ParseLevel(v); ok {
			cfg.Level = v
		}
	}
	if v, ok := parseBool(os.Getenv(EnvLogJSON)); ok {
		cfg.JSON = v
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
