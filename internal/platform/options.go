package platform

import (
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/aretw0/notesync/pkg/core"
	"github.com/aretw0/notesync/pkg/engine"
)

// options holds what Open takes besides the Config.
type options struct {
	logger         *slog.Logger
	store          core.Store
	feed           core.Feed
	tracerProvider trace.TracerProvider
	errorHandler   func(error)
	engine         []engine.Option
}

// Option defines a functional option for Open.
type Option func(*options)

func defaultOptions() *options {
	return &options{logger: slog.Default()}
}

// WithLogger sets the logger for every component Open builds.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithStore injects a store, skipping the configured store adapter.
func WithStore(s core.Store) Option {
	return func(o *options) {
		o.store = s
	}
}

// WithFeed injects a feed, skipping the configured feed adapter.
func WithFeed(f core.Feed) Option {
	return func(o *options) {
		o.feed = f
	}
}

// WithTracerProvider sets the tracer provider. It takes precedence over
// the configured jaeger endpoint.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		o.tracerProvider = tp
	}
}

// WithErrorHandler receives the engine's background failures.
func WithErrorHandler(fn func(error)) Option {
	return func(o *options) {
		o.errorHandler = fn
	}
}

// WithEngineOptions appends engine options after the ones derived from Config.
func WithEngineOptions(opts ...engine.Option) Option {
	return func(o *options) {
		o.engine = append(o.engine, opts...)
	}
}
