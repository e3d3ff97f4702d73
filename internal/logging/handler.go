// Package logging wraps log/slog with a plain-text line handler shared
// by every subsystem: one handler per process, a debug toggle, and a
// component tag rendered as a bracketed prefix so the scheduler, IRQ
// path, and reset engine can be told apart in one interleaved stream.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// componentKey is the attribute New binds; Handle lifts it out of the
// key=value tail and renders it as a line prefix instead.
const componentKey = "component"

// Handler formats records as "<time> <LEVEL>: [component] <msg>
// <attrs...>" and writes them to out; when debug is set, or the record
// is above Debug level, it also mirrors to stderr.
type Handler struct {
	out       io.Writer
	h         slog.Handler
	mu        *sync.Mutex
	debug     bool
	component string
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.h.Enabled(ctx, level)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := &Handler{out: h.out, h: h.h.WithAttrs(attrs), mu: h.mu, debug: h.debug, component: h.component}
	for _, a := range attrs {
		if a.Key == componentKey {
			nh.component = a.Value.String()
		}
	}
	return nh
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{out: h.out, h: h.h.WithGroup(name), mu: h.mu, debug: h.debug, component: h.component}
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	level := r.Level.String() + ":"
	formattedTime := r.Time.Format("2006/01/02 15:04:05")

	strs := []string{formattedTime, level}
	if h.component != "" {
		strs = append(strs, "["+h.component+"]")
	}
	strs = append(strs, r.Message)

	if r.NumAttrs() != 0 {
		r.Attrs(func(a slog.Attr) bool {
			if a.Key == componentKey {
				return true
			}
			strs = append(strs, a.Key+"="+a.Value.String())
			return true
		})
	}
	result := strings.Join(strs, " ") + "\n"
	b := []byte(result)

	h.mu.Lock()
	defer h.mu.Unlock()

	var err error
	if h.out != nil {
		_, err = h.out.Write(b)
	}
	if h.debug || r.Level > slog.LevelDebug {
		_, err = os.Stderr.Write(b)
	}
	return err
}

// SetDebug toggles stderr mirroring of debug-level records.
func (h *Handler) SetDebug(debug bool) {
	h.debug = debug
}

// NewHandler builds a Handler writing to out at the given options.
func NewHandler(out io.Writer, opts *slog.HandlerOptions, debug bool) *Handler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &Handler{
		out:   out,
		h:     slog.NewTextHandler(out, opts),
		mu:    &sync.Mutex{},
		debug: debug,
	}
}

// New returns a *slog.Logger tagged with the given component name,
// sharing the handler (and therefore the write mutex) across
// components so interleaved log lines never tear.
func New(h *Handler, component string) *slog.Logger {
	return slog.New(h).With(componentKey, component)
}
