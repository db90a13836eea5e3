package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config describes the application logger and the rotation policy shared by
// file sinks (application log file and server process logs).
type Config struct {
	Level  string     `mapstructure:"level"`  // debug, info, warn, error (default info)
	Format string     `mapstructure:"format"` // text or json (default text)
	Color  bool       `mapstructure:"color"`  // ANSI level colors for the text format
	File   FileConfig `mapstructure:"file"`
}

// FileConfig configures rotation via lumberjack.
// Path, when set, also receives application logs.
type FileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`  // megabytes before rotation (default 10)
	MaxBackups int    `mapstructure:"max_backups"`  // number of backups to keep (default 3)
	MaxAgeDays int    `mapstructure:"max_age_days"` // days to keep (default 7)
	Compress   bool   `mapstructure:"compress"`     // Gzip rotated files
}

// Writer returns a rotating writer for path using the rotation settings of f.
func (f FileConfig) Writer(path string) io.WriteCloser {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(f.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(f.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(f.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   f.Compress,
	}
}

// New builds a slog.Logger writing to stderr and, if configured, to File.Path.
// The returned closer releases the file sink; it is never nil.
func New(cfg Config) (*slog.Logger, io.Closer) {
	var w io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if cfg.File.Path != "" {
		fw := cfg.File.Writer(cfg.File.Path)
		w = io.MultiWriter(os.Stderr, fw)
		closer = fw
	}
	return slog.New(NewHandler(w, cfg)), closer
}

// NewHandler returns the handler selected by cfg writing to w.
func NewHandler(w io.Writer, cfg Config) slog.Handler {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	switch strings.ToLower(cfg.Format) {
	case "json":
		return slog.NewJSONHandler(w, opts)
	default:
		if cfg.Color {
			return NewColorTextHandler(w, opts, true)
		}
		return slog.NewTextHandler(w, opts)
	}
}

// ParseLevel maps a level name to slog.Level; unknown names mean info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// OrDefault returns l, or slog.Default() when l is nil.
func OrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
