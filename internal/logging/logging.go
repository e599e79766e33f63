package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Levels used across the importer. ACTION sits between INFO and WARN and is
// the level of the human-readable log of remote changes.
const (
	LevelTrace  = slog.Level(-8)
	LevelDebug  = slog.LevelDebug
	LevelInfo   = slog.LevelInfo
	LevelAction = slog.Level(2)
	LevelWarn   = slog.LevelWarn
	LevelError  = slog.LevelError
	LevelFatal  = slog.Level(12)
)

var levelNames = map[slog.Level]string{
	LevelTrace:  "TRACE",
	LevelDebug:  "DEBUG",
	LevelInfo:   "INFO",
	LevelAction: "ACTION",
	LevelWarn:   "WARN",
	LevelError:  "ERROR",
	LevelFatal:  "FATAL",
}

type levelFile struct {
	suffix string
	level  slog.Level
}

var levelFiles = []levelFile{
	{suffix: ".1.action", level: LevelAction},
	{suffix: ".2.info", level: LevelInfo},
	{suffix: ".3.debug", level: LevelDebug},
	{suffix: ".4.trace", level: LevelTrace},
}

type Options struct {
	// Dir enables the per-level log files when non-empty.
	Dir      string
	MinLevel slog.Level
	Console  io.Writer
	Verbose  bool
	Now      func() time.Time
}

// Open builds the importer logger. The returned closer releases any log files.
func Open(opts Options) (*slog.Logger, io.Closer, error) {
	console := opts.Console
	if console == nil {
		console = os.Stderr
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	consoleLevel := LevelAction
	if opts.Verbose {
		consoleLevel = LevelDebug
	}
	handlers := []slog.Handler{newTextHandler(console, consoleLevel)}
	closers := multiCloser{}

	if dir := strings.TrimSpace(opts.Dir); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, err
		}
		date := now().Format("2006-01-02")
		for _, lf := range levelFiles {
			if lf.level < opts.MinLevel {
				continue
			}
			path := filepath.Join(dir, date+lf.suffix+".txt")
			f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				_ = closers.Close()
				return nil, nil, fmt.Errorf("open log file %s: %w", path, err)
			}
			closers = append(closers, f)
			handlers = append(handlers, newTextHandler(f, lf.level))
		}
	}
	return slog.New(fanout(handlers)), closers, nil
}

// ParseLevel accepts level names (case-insensitive) or the numeric 1..7
// scale of the legacy log.minimumLevel property.
func ParseLevel(raw string) (slog.Level, error) {
	raw = strings.ToUpper(strings.TrimSpace(raw))
	if raw == "" {
		return LevelTrace, nil
	}
	for level, name := range levelNames {
		if name == raw {
			return level, nil
		}
	}
	legacy := map[string]slog.Level{
		"1": LevelTrace, "2": LevelDebug, "3": LevelInfo, "4": LevelAction,
		"5": LevelWarn, "6": LevelError, "7": LevelFatal,
	}
	if level, ok := legacy[raw]; ok {
		return level, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", raw)
}

func Action(logger *slog.Logger, msg string, args ...any) {
	logger.Log(context.Background(), LevelAction, msg, args...)
}

func Trace(logger *slog.Logger, msg string, args ...any) {
	logger.Log(context.Background(), LevelTrace, msg, args...)
}

func Fatal(logger *slog.Logger, msg string, args ...any) {
	logger.Log(context.Background(), LevelFatal, msg, args...)
}

// Discard is a logger that drops everything; handy as a default.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: LevelFatal + 1}))
}

func newTextHandler(w io.Writer, level slog.Level) slog.Handler {
	return slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey && len(groups) == 0 {
				if level, ok := a.Value.Any().(slog.Level); ok {
					if name, ok := levelNames[level]; ok {
						a.Value = slog.StringValue(name)
					}
				}
			}
			return a
		},
	})
}

type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, record slog.Record) error {
	var errs []error
	for _, h := range f {
		if !h.Enabled(ctx, record.Level) {
			continue
		}
		if err := h.Handle(ctx, record.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}

type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var errs []error
	for _, c := range m {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
