package engine

import (
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/aretw0/notesync/pkg/clock"
	"github.com/aretw0/notesync/pkg/coalesce"
	"github.com/aretw0/notesync/pkg/core"
	"github.com/aretw0/notesync/pkg/invalidation"
)

// RefreshMode selects what an invalidation event re-fetches.
type RefreshMode string

const (
	// RefreshSingle re-fetches only the note named by the event.
	RefreshSingle RefreshMode = "single"
	// RefreshFull re-fetches the whole list on every event.
	RefreshFull RefreshMode = "full"
)

// DefaultEventBuffer is the capacity of each notice subscription.
const DefaultEventBuffer = 100

type options struct {
	logger         *slog.Logger
	feed           core.Feed
	window         time.Duration
	refresh        RefreshMode
	eventBuffer    int
	errorHandler   func(error)
	scheduler      clock.Scheduler
	tracerProvider trace.TracerProvider
	debounce       time.Duration
	match          string
	now            func() time.Time
}

func defaults() options {
	return options{
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		window:      coalesce.DefaultWindow,
		refresh:     RefreshSingle,
		eventBuffer: DefaultEventBuffer,
		scheduler:   clock.Real(),
		debounce:    invalidation.DefaultDebounce,
		now:         time.Now,
	}
}

// Option configures an Engine.
type Option func(*options)

// WithLogger sets the logger shared by every component. Listener supervision
// logs through lifecycle.SetLogger instead, which is process-wide.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithFeed sets the push feed. Without one, the engine only learns about
// remote changes through its own fetches.
func WithFeed(f core.Feed) Option {
	return func(o *options) { o.feed = f }
}

// WithCoalesceWindow sets the delay between a local edit and its durable write.
func WithCoalesceWindow(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.window = d
		}
	}
}

// WithRefreshMode selects single-note or full-list refresh on invalidation.
func WithRefreshMode(m RefreshMode) Option {
	return func(o *options) {
		if m == RefreshSingle || m == RefreshFull {
			o.refresh = m
		}
	}
}

// WithEventBuffer sets the capacity of each notice subscription.
func WithEventBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.eventBuffer = n
		}
	}
}

// WithErrorHandler receives every background failure.
func WithErrorHandler(fn func(error)) Option {
	return func(o *options) { o.errorHandler = fn }
}

// WithScheduler replaces the timer source of the coalescer and the listener.
func WithScheduler(s clock.Scheduler) Option {
	return func(o *options) {
		if s != nil {
			o.scheduler = s
		}
	}
}

// WithTracerProvider sets the provider for store call spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}

// WithDebounce sets how long the listener collapses events for one note.
func WithDebounce(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.debounce = d
		}
	}
}

// WithMatch limits invalidation refreshes to note ids matching a doublestar pattern.
func WithMatch(pattern string) Option {
	return func(o *options) { o.match = pattern }
}

// WithNow sets the clock used for local timestamps and session expiry.
func WithNow(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}
