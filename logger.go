package winsys

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// nopHandler drops every record. Enabled reports false, so disabled log
// calls return before their attributes are evaluated.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

// silent is installed until SetLogger is called, and again after
// SetLogger(nil).
var silent = slog.New(nopHandler{})

// active is read by the producer goroutines and the transport workers.
var active atomic.Pointer[slog.Logger]

func init() { active.Store(silent) }

// SetLogger routes winsys log records to l. A nil l silences winsys again.
// It may be called at any time, also while streams are being flushed.
//
// What each level carries:
//
//	Debug  segment chaining and reallocation, elided fences, per-submit detail
//	Info   winsys and context creation, backend selection
//	Warn   dropped streams, fence cap evictions, failed frees
//	Error  rejected or canceled submissions, failed queries and waits
//
// To watch submissions at debug level while running the csbench tool or a
// test:
//
//	h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
//	winsys.SetLogger(slog.New(h).With("component", "winsys"))
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = silent
	}
	active.Store(l)
}

// Logger returns the logger installed with SetLogger, or a silent one. The
// backends log through it.
func Logger() *slog.Logger { return active.Load() }

func slogger() *slog.Logger { return active.Load() }
