// Package invalidation turns change events from a data source into refresh
// requests for the signed-in principal's notes.
package invalidation

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/aretw0/lifecycle"
	"github.com/aretw0/lifecycle/pkg/core/worker"
	"github.com/bmatcuk/doublestar/v4"

	"github.com/aretw0/notesync/pkg/clock"
	"github.com/aretw0/notesync/pkg/core"
)

// DefaultDebounce collapses bursts of events for the same note.
const DefaultDebounce = 50 * time.Millisecond

// Handler refreshes local state after a change to one of the principal's notes.
type Handler func(ctx context.Context, c core.Change) error

type options struct {
	logger       *slog.Logger
	errorHandler func(error)
	debounce     time.Duration
	scheduler    clock.Scheduler
	match        string
}

// Option configures a Listener.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithErrorHandler receives refresh failures and feed errors.
func WithErrorHandler(fn func(error)) Option {
	return func(o *options) { o.errorHandler = fn }
}

// WithDebounce sets the per-note debounce window. Zero dispatches every event.
func WithDebounce(d time.Duration) Option {
	return func(o *options) { o.debounce = d }
}

// WithScheduler replaces the timer source.
func WithScheduler(s clock.Scheduler) Option {
	return func(o *options) { o.scheduler = s }
}

// WithMatch restricts refreshes to note IDs matching a doublestar pattern.
func WithMatch(pattern string) Option {
	return func(o *options) { o.match = pattern }
}

// Listener subscribes to a Feed for one session and dispatches a refresh for
// each change owned by that session's principal. Changes owned by anyone else
// are dropped before any refresh happens.
type Listener struct {
	*worker.BaseWorker
	feed      core.Feed
	principal string
	handle    Handler
	opts      options
	debouncer *debouncer
	cancel    context.CancelFunc

	received atomic.Int64
	ignored  atomic.Int64
	handled  atomic.Int64
}

// New returns a Listener for principal. It does nothing until started.
func New(feed core.Feed, principal string, handle Handler, opts ...Option) *Listener {
	o := options{
		logger:    slog.Default(),
		debounce:  DefaultDebounce,
		scheduler: clock.Real(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Listener{
		BaseWorker: worker.NewBaseWorker("invalidation-listener"),
		feed:       feed,
		principal:  principal,
		handle:     handle,
		opts:       o,
	}
}

// Principal is the identity this listener filters for.
func (l *Listener) Principal() string { return l.principal }

// Start subscribes to the feed and begins dispatching.
func (l *Listener) Start(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	status := l.State().Status
	if status != worker.StatusCreated && status != worker.StatusPending {
		return fmt.Errorf("listener already started (status: %s)", status)
	}
	if l.principal == "" {
		return core.NewError("listen", "", core.ErrNoSession, nil)
	}
	if l.opts.match != "" && !doublestar.ValidatePattern(l.opts.match) {
		return core.NewError("listen", "", core.ErrValidation, fmt.Errorf("bad match pattern %q", l.opts.match))
	}

	runCtx, cancel := context.WithCancel(ctx)
	events, err := l.feed.Subscribe(runCtx, l.principal)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe: %w", err)
	}

	l.cancel = cancel
	l.debouncer = newDebouncer(l.opts.debounce, l.opts.scheduler)

	l.SetStatus(worker.StatusRunning)
	return l.StartFunc(runCtx, func(ctx context.Context) error {
		return l.run(ctx, events)
	})
}

// Stop unsubscribes and drops any refresh still waiting on its debounce timer.
func (l *Listener) Stop(ctx context.Context) error {
	if l.cancel != nil {
		l.StopRequested = true
		l.cancel()
	}
	return l.BaseWorker.Stop(ctx)
}

func (l *Listener) State() worker.State {
	return l.ExportState(func(s *worker.State) {
		s.Metadata = map[string]string{
			worker.MetadataType: string(worker.TypeGoroutine),
			"principal":         l.principal,
			"received":          fmt.Sprint(l.received.Load()),
			"ignored":           fmt.Sprint(l.ignored.Load()),
			"handled":           fmt.Sprint(l.handled.Load()),
		}
	})
}

func (l *Listener) run(ctx context.Context, events <-chan core.Change) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("listener panic: %v", recovered)
			if l.opts.logger.Enabled(ctx, slog.LevelDebug) {
				l.opts.logger.Error("listener panic", "error", err, "stack", string(debug.Stack()))
			} else {
				l.opts.logger.Error("listener panic", "error", err)
			}
		}
	}()

	err = l.loop(ctx, events)
	l.debouncer.stopAndWait(5 * time.Second)
	return err
}

func (l *Listener) loop(ctx context.Context, events <-chan core.Change) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-events:
			if !ok {
				if l.StopRequested || ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("change feed closed")
			}
			l.received.Add(1)
			if !l.accepts(c) {
				l.ignored.Add(1)
				continue
			}
			l.debouncer.add(c, func(c core.Change) { l.dispatch(ctx, c) })
		}
	}
}

// accepts reports whether c belongs to the listener's principal and scope.
// Events without an owner are accepted; the refresh itself is owner-scoped.
// Events without a note id ask for the whole list and skip the match filter.
func (l *Listener) accepts(c core.Change) bool {
	if owner := c.Owner(); owner != "" && owner != l.principal {
		l.opts.logger.Debug("ignoring change for another principal", "note", c.ID())
		return false
	}
	if c.ID() == "" {
		return true
	}
	if l.opts.match != "" {
		if ok, _ := doublestar.Match(l.opts.match, c.ID()); !ok {
			return false
		}
	}
	return true
}

func (l *Listener) dispatch(ctx context.Context, c core.Change) {
	if ctx.Err() != nil {
		return
	}
	l.opts.logger.Debug("refresh requested", "change", c.String())
	lifecycle.Go(ctx, func(ctx context.Context) error {
		if err := l.handle(ctx, c); err != nil {
			l.report(fmt.Errorf("refresh %s: %w", c, err))
			return nil
		}
		l.handled.Add(1)
		return nil
	}, lifecycle.WithErrorHandler(func(err error) {
		l.report(fmt.Errorf("refresh panic: %w", err))
	}))
}

func (l *Listener) report(err error) {
	if l.opts.errorHandler != nil {
		l.opts.errorHandler(err)
		return
	}
	l.opts.logger.Error("invalidation", "error", err)
}
