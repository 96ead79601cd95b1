// Package logging builds the process-wide slog logger.
//
// Console output always goes to stderr so that tool output streamed on stdout
// stays clean. When a log directory is configured the same records are also
// written to a size-rotated file.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Attribute keys shared across packages.
const (
	KeyComponent = "comp"
	KeyTask      = "task_id"
	KeyExecutor  = "executor"
	KeyPath      = "path"
	KeyError     = "err"
)

// Options configures New.
type Options struct {
	// LogDir enables file logging to LogDir/buildaccel.log when non-empty
	LogDir string

	// Verbose lowers the level to Debug
	Verbose bool

	// Console overrides the console writer (stderr by default)
	Console io.Writer
}

// New returns a logger writing to the console and, optionally, a rotated log file
func New(opts Options) *slog.Logger {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}

	console := opts.Console
	if console == nil {
		console = os.Stderr
	}

	handlers := []slog.Handler{
		slog.NewTextHandler(console, &slog.HandlerOptions{Level: level}),
	}

	if opts.LogDir != "" {
		if err := os.MkdirAll(opts.LogDir, 0o755); err == nil {
			handlers = append(handlers, slog.NewTextHandler(&lumberjack.Logger{
				Filename:   filepath.Join(opts.LogDir, "buildaccel.log"),
				MaxSize:    10,
				MaxBackups: 3,
			}, &slog.HandlerOptions{Level: level}))
		}
	}

	if len(handlers) == 1 {
		return slog.New(handlers[0])
	}

	return slog.New(&multiHandler{handlers: handlers})
}

// Discard returns a logger that drops everything
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Component returns l tagged with a component name, or a discarding logger if l is nil
func Component(l *slog.Logger, name string) *slog.Logger {
	if l == nil {
		l = Discard()
	}

	return l.With(KeyComponent, name)
}

// Err formats an error attribute
func Err(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}

	return slog.String(KeyError, err.Error())
}

// multiHandler fans a record out to every handler that accepts its level.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, hh := range h.handlers {
		if hh.Enabled(ctx, level) {
			return true
		}
	}

	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, hh := range h.handlers {
		if hh.Enabled(ctx, r.Level) {
			if err := hh.Handle(ctx, r.Clone()); err != nil {
				return err
			}
		}
	}

	return nil
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		hs[i] = hh.WithAttrs(attrs)
	}

	return &multiHandler{handlers: hs}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		hs[i] = hh.WithGroup(name)
	}

	return &multiHandler{handlers: hs}
}
