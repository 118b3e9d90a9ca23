package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/netrender/backend/internal/config"
)

const (
	EnvLogLevel  = "NETRENDER_LOG_LEVEL"
	EnvLogFormat = "NETRENDER_LOG_FORMAT"
)

// Init builds the process logger and installs it as zerolog's global logger.
// Environment variables override the configured level and format.
func Init(app string, cfg config.LogConfig) zerolog.Logger {
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Level = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		cfg.Format = v
	}
	logger := New(os.Stderr, app, cfg)
	log.Logger = logger
	return logger
}

func New(w io.Writer, app string, cfg config.LogConfig) zerolog.Logger {
	out := w
	if !strings.EqualFold(cfg.Format, "json") {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).
		Level(ParseLevel(cfg.Level)).
		With().Timestamp().Str("app", app).Logger()
}

// ParseLevel falls back to info for empty or unknown names.
func ParseLevel(name string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(name)))
	if err != nil || name == "" {
		return zerolog.InfoLevel
	}
	return lvl
}
