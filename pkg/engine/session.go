package engine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/aretw0/lifecycle/pkg/core/supervisor"
	"github.com/aretw0/lifecycle/pkg/core/worker"

	"github.com/aretw0/notesync/pkg/core"
	"github.com/aretw0/notesync/pkg/identity"
	"github.com/aretw0/notesync/pkg/invalidation"
)

// listenerBackoff restarts a listener whose feed dropped.
var listenerBackoff = supervisor.Backoff{
	InitialInterval: 100 * time.Millisecond,
	MaxInterval:     5 * time.Second,
	Multiplier:      2,
	ResetDuration:   30 * time.Second,
	MaxRestarts:     10,
	MaxDuration:     time.Minute,
}

type stopper interface {
	Stop(ctx context.Context) error
}

// sessionState is everything the engine owns for one session.
type sessionState struct {
	scope    *identity.Scope
	sup      stopper
	listener atomic.Pointer[invalidation.Listener]
	ready    chan struct{}
}

// sessionStarted runs inside the gate's transition: the cache is reset for
// the new principal before the initial fetch is issued, so nothing fetched
// for a previous principal can land in it.
func (e *Engine) sessionStarted(scope *identity.Scope) {
	st := &sessionState{scope: scope, ready: make(chan struct{})}

	e.mu.Lock()
	e.writes.CancelAll()
	e.cache.Reset(scope.Principal())
	clear(e.provisional)
	clear(e.tombstones)
	clear(e.aliases)
	e.session = st
	e.mu.Unlock()

	e.notices.publish(Notice{Kind: NoticeSession, Principal: scope.Principal()})

	if e.opts.feed != nil {
		if err := e.startListener(st); err != nil {
			e.report(err)
		}
	}

	e.background(scope.Context(), "fetch_all", func(ctx context.Context) error {
		defer close(st.ready)
		if err := e.refreshAll(ctx, scope.Epoch); err != nil {
			e.fail(scope.Epoch, "", err)
		}
		return nil
	})
}

// sessionEnded discards every write that has not fired and empties the
// cache. Writes already in flight complete, but their results are dropped.
func (e *Engine) sessionEnded(prev core.Session, _ uint64) {
	e.mu.Lock()
	dropped := e.writes.CancelAll()
	e.cache.Reset("")
	clear(e.provisional)
	clear(e.tombstones)
	clear(e.aliases)
	st := e.session
	e.session = nil
	e.mu.Unlock()

	if dropped > 0 {
		e.opts.logger.Info("discarded unsaved edits on sign-out", "principal", prev.Principal, "writes", dropped)
	}
	if st != nil && st.sup != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := st.sup.Stop(ctx); err != nil {
			e.opts.logger.Warn("listener did not stop cleanly", "error", err)
		}
		cancel()
	}
	e.notices.publish(Notice{Kind: NoticeSession})
}

// startListener runs the invalidation listener under a supervisor scoped to
// the session, so a dropped feed is re-subscribed.
func (e *Engine) startListener(st *sessionState) error {
	epoch := st.scope.Epoch
	principal := st.scope.Principal()

	spec := supervisor.Spec{
		Name: "invalidation-listener",
		Type: string(worker.TypeGoroutine),
		Factory: func() (worker.Worker, error) {
			l := invalidation.New(e.opts.feed, principal,
				func(ctx context.Context, c core.Change) error {
					return e.invalidate(ctx, epoch, c)
				},
				invalidation.WithLogger(e.opts.logger),
				invalidation.WithErrorHandler(func(err error) { e.fail(epoch, "", err) }),
				invalidation.WithDebounce(e.opts.debounce),
				invalidation.WithScheduler(e.opts.scheduler),
				invalidation.WithMatch(e.opts.match),
			)
			st.listener.Store(l)
			return l, nil
		},
		Backoff:       listenerBackoff,
		RestartPolicy: supervisor.RestartOnFailure,
	}

	sup := supervisor.New("session-"+principal, supervisor.StrategyOneForOne, spec)
	if err := sup.Start(st.scope.Context()); err != nil {
		return core.NewError("listen", "", core.ErrTransport, err)
	}
	st.sup = sup
	return nil
}

// WaitReady blocks until the initial fetch of the active session finished,
// successfully or not.
func (e *Engine) WaitReady(ctx context.Context) error {
	e.mu.Lock()
	st := e.session
	e.mu.Unlock()
	if st == nil {
		return core.NewError("wait_ready", "", core.ErrNoSession, nil)
	}
	select {
	case <-st.ready:
		return nil
	case <-st.scope.Context().Done():
		return core.NewError("wait_ready", "", core.ErrNoSession, nil)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// current returns the active session state, or nil.
func (e *Engine) current() *sessionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}
