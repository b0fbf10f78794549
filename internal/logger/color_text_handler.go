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
	slog.LevelDebug: "\033[36m",
	slog.LevelInfo:  "\033[32m",
	slog.LevelWarn:  "\033[33m",
	slog.LevelError: "\033[31m",
}

// colorOut is shared by a handler and everything derived from it.
type colorOut struct {
	mu  sync.Mutex
	w   io.Writer
	buf bytes.Buffer
}

// ColorTextHandler leads each line with a coloured, padded level and then
// the slog text rendering of the record. The level goes straight to the
// writer because TextHandler quotes messages containing escape bytes.
// Without showTime the time attribute is dropped, which keeps terminal
// output short when the file sink carries timestamps.
type ColorTextHandler struct {
	text *slog.TextHandler
	out  *colorOut
}

func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions, showTime bool) *ColorTextHandler {
	o := slog.HandlerOptions{}
	if opts != nil {
		o = *opts
	}
	next := o.ReplaceAttr
	o.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
		if len(groups) == 0 && (a.Key == slog.LevelKey || (!showTime && a.Key == slog.TimeKey)) {
			return slog.Attr{}
		}
		if next != nil {
			return next(groups, a)
		}
		return a
	}
	out := &colorOut{w: w}
	return &ColorTextHandler{text: slog.NewTextHandler(&out.buf, &o), out: out}
}

func (h *ColorTextHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.text.Enabled(ctx, l)
}

func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	color, ok := levelColors[r.Level]
	if !ok {
		color = ansiReset
	}
	lvl := r.Level.String()
	for len(lvl) < 5 {
		lvl += " "
	}

	h.out.mu.Lock()
	defer h.out.mu.Unlock()
	h.out.buf.Reset()
	if err := h.text.Handle(ctx, r); err != nil {
		return err
	}
	line := make([]byte, 0, len(color)+len(lvl)+len(ansiReset)+1+h.out.buf.Len())
	line = append(line, color...)
	line = append(line, lvl...)
	line = append(line, ansiReset...)
	line = append(line, ' ')
	line = append(line, h.out.buf.Bytes()...)
	_, err := h.out.w.Write(line)
	return err
}

func (h *ColorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ColorTextHandler{text: h.text.WithAttrs(attrs).(*slog.TextHandler), out: h.out}
}

func (h *ColorTextHandler) WithGroup(name string) slog.Handler {
	return &ColorTextHandler{text: h.text.WithGroup(name).(*slog.TextHandler), out: h.out}
}
