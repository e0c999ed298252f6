// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/bassosimone/streamsock"
	"github.com/fatih/color"
)

// prettyHandler is a [slog.Handler] writing one colored line per record.
type prettyHandler struct {
	attrs []slog.Attr
	level slog.Level
	mu    *sync.Mutex
	out   io.Writer
}

var _ slog.Handler = &prettyHandler{}

func newPrettyHandler(out io.Writer, level slog.Level) *prettyHandler {
	return &prettyHandler{level: level, mu: &sync.Mutex{}, out: out}
}

// Enabled implements [slog.Handler].
func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

// Handle implements [slog.Handler].
func (h *prettyHandler) Handle(_ context.Context, r slog.Record) error {
	level := r.Level.String() + ":"
	switch {
	case r.Level >= slog.LevelError:
		level = color.RedString(level)
	case r.Level >= slog.LevelWarn:
		level = color.YellowString(level)
	case r.Level >= slog.LevelInfo:
		level = color.BlueString(level)
	default:
		level = color.MagentaString(level)
	}

	var b strings.Builder
	b.WriteString(r.Time.Format("[15:04:05.000]"))
	b.WriteString(" ")
	b.WriteString(level)
	b.WriteString(" ")
	b.WriteString(color.CyanString(r.Message))
	write := func(attr slog.Attr) bool {
		// The time attributes repeat the record time.
		if attr.Key == "t" || attr.Key == "t0" {
			return true
		}
		if value := attr.Value.Resolve(); !isEmptyValue(value) {
			fmt.Fprintf(&b, " %s=%v", attr.Key, value)
		}
		return true
	}
	for _, attr := range h.attrs {
		write(attr)
	}
	r.Attrs(write)
	b.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, b.String())
	return err
}

func isEmptyValue(value slog.Value) bool {
	switch value.Kind() {
	case slog.KindString:
		return value.String() == ""
	case slog.KindAny:
		return value.Any() == nil
	case slog.KindTime:
		return value.Time().IsZero()
	}
	return false
}

// WithAttrs implements [slog.Handler].
func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &clone
}

// WithGroup implements [slog.Handler]. Groups are flattened.
func (h *prettyHandler) WithGroup(name string) slog.Handler {
	return h
}

// newLogger returns the logger selected by the -log flag value.
func newLogger(out io.Writer, level string) (streamsock.SLogger, error) {
	switch level {
	case "", "quiet":
		return streamsock.DefaultSLogger(), nil
	case "info":
		return slog.New(newPrettyHandler(out, slog.LevelInfo)), nil
	case "debug":
		return slog.New(newPrettyHandler(out, slog.LevelDebug)), nil
	}
	return nil, fmt.Errorf("unknown log level %q", level)
}
