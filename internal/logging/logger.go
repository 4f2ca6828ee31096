package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"permitalert/internal/config"
)

// LevelPanic is the highest configured level, above error.
const LevelPanic = slog.Level(12)

const (
	colorReset = "\x1b[0m"
	colorGray  = "\x1b[90m"
	colorBlue  = "\x1b[34m"
	colorAmber = "\x1b[33m"
	colorRed   = "\x1b[31m"
	colorCyan  = "\x1b[36m"
)

// keyPattern matches pipeline correlation attributes in text output.
var keyPattern = regexp.MustCompile(`\b(permit_id|rule_id|user_id|event_id|notification_id|channel|status)=("[^"\n]*"|[^\s]+)`)

// New builds a logger for configured sinks and returns a cleanup function.
// Params: cfg contains console/file sink settings; service is attached to every record when set.
// Returns: slog logger, cleanup callback, and setup error.
func New(cfg config.LogConfig, service string) (*slog.Logger, func(), error) {
	var (
		handlers []slog.Handler
		files    []*os.File
	)
	cleanup := func() {
		for _, file := range files {
			_ = file.Close()
		}
	}

	if cfg.Console.Enabled {
		handler, err := sinkHandler(cfg.Console, &levelColorWriter{dst: os.Stdout}, os.Stdout, true)
		if err != nil {
			return nil, nil, fmt.Errorf("console sink: %w", err)
		}
		handlers = append(handlers, handler)
	}
	if cfg.File.Enabled {
		file, err := os.OpenFile(cfg.File.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("file sink: open %q: %w", cfg.File.Path, err)
		}
		files = append(files, file)
		handler, err := sinkHandler(cfg.File, file, file, false)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("file sink: %w", err)
		}
		handlers = append(handlers, handler)
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		return nil, nil, errors.New("no log sinks enabled")
	case 1:
		handler = handlers[0]
	default:
		handler = fanoutHandler(handlers)
	}

	logger := slog.New(handler)
	if service = strings.TrimSpace(service); service != "" {
		logger = logger.With("service", service)
	}
	return logger, cleanup, nil
}

// Discard returns logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// sinkHandler builds one slog handler for a sink.
// Params: sink settings, writer for line format, writer for json format, console flag.
// Returns: handler or format/level error.
func sinkHandler(sink config.LogSinkConfig, lineOut, jsonOut io.Writer, console bool) (slog.Handler, error) {
	level, err := parseLevel(sink.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, attr slog.Attr) slog.Attr {
			// Console lines are read live, timestamps only add noise there.
			if console && attr.Key == slog.TimeKey {
				return slog.Attr{}
			}
			if attr.Key == slog.LevelKey {
				if lvl, ok := attr.Value.Any().(slog.Level); ok && lvl >= LevelPanic {
					return slog.String(slog.LevelKey, "PANIC")
				}
			}
			return attr
		},
	}

	switch sink.Format {
	case "line":
		return slog.NewTextHandler(lineOut, opts), nil
	case "json":
		return slog.NewJSONHandler(jsonOut, opts), nil
	default:
		return nil, fmt.Errorf("unsupported format %q", sink.Format)
	}
}

// parseLevel converts configuration level into slog.Level.
func parseLevel(value string) (slog.Level, error) {
	switch strings.TrimSpace(strings.ToLower(value)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	case "panic":
		return LevelPanic, nil
	}
	return slog.LevelInfo, fmt.Errorf("unsupported level %q", value)
}

// fanoutHandler writes each record to every sink that accepts its level.
type fanoutHandler []slog.Handler

// Enabled reports whether any sink accepts level.
func (f fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range f {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle forwards a record copy to every enabled sink.
// Params: ctx and record.
// Returns: joined sink errors.
func (f fanoutHandler) Handle(ctx context.Context, record slog.Record) error {
	var errs []error
	for _, handler := range f {
		if handler.Enabled(ctx, record.Level) {
			errs = append(errs, handler.Handle(ctx, record.Clone()))
		}
	}
	return errors.Join(errs...)
}

// WithAttrs attaches attrs on every sink.
func (f fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return f.each(func(handler slog.Handler) slog.Handler { return handler.WithAttrs(attrs) })
}

// WithGroup opens group on every sink.
func (f fanoutHandler) WithGroup(name string) slog.Handler {
	return f.each(func(handler slog.Handler) slog.Handler { return handler.WithGroup(name) })
}

func (f fanoutHandler) each(derive func(slog.Handler) slog.Handler) fanoutHandler {
	next := make(fanoutHandler, len(f))
	for i, handler := range f {
		next[i] = derive(handler)
	}
	return next
}

// levelColorWriter tints console lines by level and highlights correlation keys.
type levelColorWriter struct {
	dst io.Writer
}

// Write renders one colored line.
// Params: payload is rendered slog text line.
// Returns: length of original payload or write error.
func (w *levelColorWriter) Write(payload []byte) (int, error) {
	line := string(payload)
	tone := levelTone(line)
	if tone == "" {
		return w.dst.Write(payload)
	}

	highlighted := keyPattern.ReplaceAllStringFunc(line, func(match string) string {
		return colorCyan + match + colorReset + tone
	})
	if _, err := io.WriteString(w.dst, tone+highlighted+colorReset); err != nil {
		return 0, err
	}
	return len(payload), nil
}

// levelTone maps rendered level marker to ANSI color.
func levelTone(line string) string {
	switch {
	case strings.Contains(line, "level=DEBUG"):
		return colorGray
	case strings.Contains(line, "level=INFO"):
		return colorBlue
	case strings.Contains(line, "level=WARN"):
		return colorAmber
	case strings.Contains(line, "level=ERROR"), strings.Contains(line, "level=PANIC"):
		return colorRed
	default:
		return ""
	}
}
