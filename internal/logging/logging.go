// Package logging builds the engine's zerolog logger from configuration:
// console output (colored or plain), an optional append-mode log file, and
// per-component child loggers.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Config configures the logger.
type Config struct {
	Level      string // debug, info, warn, error
	FilePath   string // Optional file for persistent logs
	Colored    bool   // Colored console output
	ShowCaller bool   // Include file:line
	ShowTime   bool   // Include timestamps
	JSON       bool   // Raw JSON on the console instead of the pretty writer
	Console    bool   // Write to stderr at all
	Component  string // Root component name
}

// DefaultConfig returns a quiet console configuration.
func DefaultConfig() Config {
	return Config{
		Level:    "info",
		Colored:  true,
		ShowTime: true,
		Console:  true,
	}
}

// VerboseConfig returns a configuration for troubleshooting.
func VerboseConfig() Config {
	cfg := DefaultConfig()
	cfg.Level = "debug"
	cfg.ShowCaller = true
	return cfg
}

// Logger owns the root zerolog logger and its file handle.
type Logger struct {
	mu   sync.Mutex
	zlog zerolog.Logger
	file *os.File
	path string
}

// New creates a logger. A file that cannot be opened is an error.
func New(cfg Config) (*Logger, error) {
	return newWithConsole(cfg, os.Stderr)
}

func newWithConsole(cfg Config, console io.Writer) (*Logger, error) {
	l := &Logger{}

	var writers []io.Writer
	if cfg.Console && console != nil {
		if cfg.JSON {
			writers = append(writers, console)
		} else {
			cw := zerolog.ConsoleWriter{
				Out:        console,
				NoColor:    !cfg.Colored,
				TimeFormat: "15:04:05",
			}
			if !cfg.ShowTime {
				cw.PartsExclude = []string{zerolog.TimestampFieldName}
			}
			writers = append(writers, cw)
		}
	}

	if cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		l.file = f
		l.path = cfg.FilePath
		writers = append(writers, f)
	}

	var out io.Writer = io.Discard
	switch len(writers) {
	case 0:
	case 1:
		out = writers[0]
	default:
		out = zerolog.MultiLevelWriter(writers...)
	}

	ctx := zerolog.New(out).Level(ParseLevel(cfg.Level)).With()
	if cfg.ShowTime || cfg.FilePath != "" {
		ctx = ctx.Timestamp()
	}
	if cfg.ShowCaller {
		ctx = ctx.Caller()
	}
	if cfg.Component != "" {
		ctx = ctx.Str("component", cfg.Component)
	}
	l.zlog = ctx.Logger()
	return l, nil
}

// Zerolog returns the root logger.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}

// Component returns a child logger tagged with the component name.
func (l *Logger) Component(name string) zerolog.Logger {
	return Component(l.zlog, name)
}

// Path returns the log file path, or "" when logging to console only.
func (l *Logger) Path() string {
	return l.path
}

// Close closes the log file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Component derives a child of parent tagged with the component name.
func Component(parent zerolog.Logger, name string) zerolog.Logger {
	return parent.With().Str("component", name).Logger()
}

// Nop returns a logger that discards everything.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

// ParseLevel parses a level name. Unknown names mean info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "off", "disabled":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}
