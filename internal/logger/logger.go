package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/term"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config describes where the supervisor and its services log to.
type Config struct {
	Level string     // debug|info|warn|error; empty means info
	File  FileConfig // rotated destinations
}

// FileConfig holds the rotated log destinations.
// Path receives the supervisor's own log as JSON. If Dir is set, each
// service writes Dir/<name>.stdout.log and Dir/<name>.stderr.log.
// Rotation parameters follow lumberjack semantics.
type FileConfig struct {
	Path       string
	Dir        string
	MaxSizeMB  int  // megabytes before rotation (default 10)
	MaxBackups int  // number of backups to keep (default 3)
	MaxAgeDays int  // days to keep (default 7)
	Compress   bool // Gzip rotated files
}

// ParseLevel maps a level name onto a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

// New builds the supervisor logger: a tint handler on console and, when
// File.Path is set, a JSON handler on a rotated file. The returned closer
// releases the file and must be called on shutdown.
func New(cfg Config, console io.Writer) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	if console == nil {
		console = os.Stderr
	}

	handlers := []slog.Handler{
		tint.NewHandler(console, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
			NoColor:    !isTerminal(console),
		}),
	}

	var closer io.Closer = nopCloser{}
	if cfg.File.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File.Path), 0o750); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		f := cfg.File.rotated(cfg.File.Path)
		handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level}))
		closer = f
	}

	return slog.New(fanout(handlers)), closer, nil
}

// ProcessWriters returns rotated stdout and stderr writers for the named
// service. Both are nil when no Dir is configured; the service then inherits
// the supervisor's streams.
func (c Config) ProcessWriters(name string) (io.WriteCloser, io.WriteCloser, error) {
	if c.File.Dir == "" {
		return nil, nil, nil
	}
	if strings.ContainsAny(name, `/\`) {
		return nil, nil, fmt.Errorf("service name %q cannot be used as a log file name", name)
	}
	if err := os.MkdirAll(c.File.Dir, 0o750); err != nil {
		return nil, nil, fmt.Errorf("create service log dir: %w", err)
	}
	outW := c.File.rotated(filepath.Join(c.File.Dir, name+".stdout.log"))
	errW := c.File.rotated(filepath.Join(c.File.Dir, name+".stderr.log"))
	return outW, errW, nil
}

func (c FileConfig) rotated(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

// Component tags l with the component attribute used throughout the supervisor.
func Component(l *slog.Logger, name string) *slog.Logger {
	return l.With("component", name)
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// CloseAll closes every non-nil closer and joins the errors.
func CloseAll(cs ...io.Closer) error {
	var errs []error
	for _, c := range cs {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
