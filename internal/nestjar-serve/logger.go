package nestjarserve

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// LoggerOptions selects the log level and output streams.
type LoggerOptions struct {
	// Verbose turns on per-request logging in the server. It does not change the level.
	Verbose bool

	// Debug lowers the level to DEBUG and wins over Quiet.
	Debug bool

	// Quiet raises the level to ERROR, which also silences skipped class path elements.
	Quiet bool

	// Stdout and Stderr default to the process streams.
	Stdout io.Writer
	Stderr io.Writer
}

func (o LoggerOptions) level() slog.Level {
	switch {
	case o.Debug:
		return slog.LevelDebug
	case o.Quiet:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger returns a JSON logger. Records below ERROR go to Stdout, the rest to Stderr.
func NewLogger(opts LoggerOptions) *slog.Logger {
	stdout, stderr := opts.Stdout, opts.Stderr
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}

	return slog.New(&streamRouter{
		threshold: slog.LevelError,
		low:       slog.NewJSONHandler(stdout, &slog.HandlerOptions{Level: opts.level()}),
		high:      slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: slog.LevelError}),
	})
}

// streamRouter sends each record to one of two handlers by level.
type streamRouter struct {
	threshold slog.Level
	low       slog.Handler
	high      slog.Handler
}

func (h *streamRouter) pick(level slog.Level) slog.Handler {
	if level >= h.threshold {
		return h.high
	}
	return h.low
}

func (h *streamRouter) Enabled(ctx context.Context, level slog.Level) bool {
	return h.pick(level).Enabled(ctx, level)
}

func (h *streamRouter) Handle(ctx context.Context, r slog.Record) error {
	return h.pick(r.Level).Handle(ctx, r)
}

func (h *streamRouter) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &streamRouter{threshold: h.threshold, low: h.low.WithAttrs(attrs), high: h.high.WithAttrs(attrs)}
}

func (h *streamRouter) WithGroup(name string) slog.Handler {
	return &streamRouter{threshold: h.threshold, low: h.low.WithGroup(name), high: h.high.WithGroup(name)}
}

var _ slog.Handler = (*streamRouter)(nil)
