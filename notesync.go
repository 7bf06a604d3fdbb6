package notesync

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/aretw0/notesync/internal/platform"
	"github.com/aretw0/notesync/pkg/clock"
	"github.com/aretw0/notesync/pkg/core"
	"github.com/aretw0/notesync/pkg/engine"
)

// --- Types ---

// Engine is the sync engine a UI drives.
type Engine = engine.Engine

// Notice is a change notification emitted by the engine.
type Notice = engine.Notice

// NoteRecord is a note as the engine and the stores see it.
type NoteRecord = core.NoteRecord

// Session identifies the signed-in principal.
type Session = core.Session

// Patch is a partial note update.
type Patch = core.Patch

// Config describes which adapters Open builds.
type Config = platform.Config

// Runtime is an engine with its adapters.
type Runtime = platform.Runtime

// --- Engine configuration ---

// Option configures an Engine.
type Option = engine.Option

// RefreshMode selects what an invalidation re-fetches.
type RefreshMode = engine.RefreshMode

const (
	RefreshSingle = engine.RefreshSingle
	RefreshFull   = engine.RefreshFull
)

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option { return engine.WithLogger(l) }

// WithFeed sets the push feed the engine listens on.
func WithFeed(f core.Feed) Option { return engine.WithFeed(f) }

// WithCoalesceWindow sets the delay between an edit and its write. Default 750ms.
func WithCoalesceWindow(d time.Duration) Option { return engine.WithCoalesceWindow(d) }

// WithRefreshMode selects single-note or full-list refresh.
func WithRefreshMode(m RefreshMode) Option { return engine.WithRefreshMode(m) }

// WithEventBuffer sets the capacity of each notice subscription. Default 100.
func WithEventBuffer(n int) Option { return engine.WithEventBuffer(n) }

// WithErrorHandler receives every background failure.
func WithErrorHandler(fn func(error)) Option { return engine.WithErrorHandler(fn) }

// WithScheduler replaces the timer source, for deterministic tests.
func WithScheduler(s clock.Scheduler) Option { return engine.WithScheduler(s) }

// WithTracerProvider sets the provider for store call spans.
func WithTracerProvider(tp trace.TracerProvider) Option { return engine.WithTracerProvider(tp) }

// --- Factory ---

// New creates an engine over store.
func New(store core.Store, opts ...Option) (*Engine, error) {
	return engine.New(store, opts...)
}

// LoadConfig reads a YAML config file and the NOTESYNC_* environment.
func LoadConfig(path string) (Config, error) {
	return platform.LoadConfig(path)
}

// Open builds the adapters and the engine described by cfg.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Runtime, error) {
	return platform.Open(ctx, cfg, platform.WithLogger(logger))
}

// Version is the module release.
var Version = platform.Version()
