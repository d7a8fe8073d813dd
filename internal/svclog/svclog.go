// Package svclog is the engine's injectable logging sink, grounded on the
// teacher's internal/logging operational logger. The engine never writes
// to a process-global debug channel directly (see DESIGN NOTES, "Global
// debug channel"): every component logs through the *slog.Logger returned
// by L(), which callers may replace wholesale with Set.
package svclog

import (
	"log/slog"
	"os"
	"sync/atomic"
)

var (
	logger   atomic.Pointer[slog.Logger]
	levelVar = new(slog.LevelVar)
)

func init() {
	levelVar.Set(slog.LevelInfo)
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar})
	logger.Store(slog.New(h))
}

// L returns the current logging sink.
func L() *slog.Logger {
	return logger.Load()
}

// Set replaces the logging sink wholesale, e.g. to route engine logs into
// an application's own structured logger.
func Set(l *slog.Logger) {
	logger.Store(l)
}

// SetLevel adjusts the verbosity of the default sink's level filter. Has
// no effect if Set has replaced the sink with a logger that doesn't share
// this package's LevelVar.
func SetLevel(level slog.Level) {
	levelVar.Set(level)
}

// With returns a namespaced child logger; components call this each time
// they log, so every line they emit carries their component name.
func With(component string, args ...any) *slog.Logger {
	return L().With(append([]any{"component", component}, args...)...)
}
