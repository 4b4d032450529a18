package logger

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
)

const ansiReset = "\033[0m"

var levelColors = map[slog.Level]string{
	slog.LevelDebug: "\033[36m", // cyan
	slog.LevelInfo:  "\033[32m", // green
	slog.LevelWarn:  "\033[33m", // yellow
	slog.LevelError: "\033[31m", // red
}

// ColorTextHandler renders records through slog.TextHandler and prefixes
// each line with an ANSI-colored level tag. The color bytes must stay out
// of the text encoding, which would quote-escape them, so records are
// rendered into a buffer and the prefix is written raw to the destination.
type ColorTextHandler struct {
	inner    slog.Handler
	mu       *sync.Mutex
	buf      *bytes.Buffer
	w        io.Writer
	showTime bool
}

func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions, showTime bool) *ColorTextHandler {
	buf := &bytes.Buffer{}
	return &ColorTextHandler{
		inner:    slog.NewTextHandler(buf, opts),
		mu:       &sync.Mutex{},
		buf:      buf,
		w:        w,
		showTime: showTime,
	}
}

// Enabled implements slog.Handler.
func (h *ColorTextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// WithAttrs implements slog.Handler. Derived handlers share the buffer and
// mutex so lines never interleave.
func (h *ColorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ColorTextHandler{inner: h.inner.WithAttrs(attrs), mu: h.mu, buf: h.buf, w: h.w, showTime: h.showTime}
}

// WithGroup implements slog.Handler.
func (h *ColorTextHandler) WithGroup(name string) slog.Handler {
	return &ColorTextHandler{inner: h.inner.WithGroup(name), mu: h.mu, buf: h.buf, w: h.w, showTime: h.showTime}
}

// Handle implements slog.Handler.
func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	color, ok := levelColors[r.Level]
	if !ok {
		color = ansiReset
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf.Reset()
	if err := h.inner.Handle(ctx, r); err != nil {
		return err
	}
	if _, err := io.WriteString(h.w, color+r.Level.String()+ansiReset+"  "); err != nil {
		return err
	}
	_, err := h.w.Write(h.buf.Bytes())
	return err
}
