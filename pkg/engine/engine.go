// Package engine is the optimistic sync engine: it keeps the record cache,
// the pending writes, the remote store and the push feed consistent for the
// signed-in principal.
//
// Reads and local edits are synchronous and never touch the network. Durable
// writes, fetches and refreshes run in the background; their failures are
// reported through the error handler and the notice stream.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aretw0/lifecycle"

	"github.com/aretw0/notesync/pkg/cache"
	"github.com/aretw0/notesync/pkg/coalesce"
	"github.com/aretw0/notesync/pkg/core"
	"github.com/aretw0/notesync/pkg/identity"
	"github.com/aretw0/notesync/pkg/syncclient"
)

// ErrClosed is returned by operations on a closed engine.
var ErrClosed = errors.New("engine closed")

// Engine wires the identity gate, record cache, write coalescer, sync client,
// invalidation listener and reconciler together.
type Engine struct {
	opts    options
	gate    *identity.Gate
	cache   *cache.Cache
	writes  *coalesce.Coalescer
	client  *syncclient.Client
	notices *notifier

	ctx    context.Context
	cancel context.CancelFunc
	ops    sync.WaitGroup

	// mu makes compound cache and coalescer updates atomic with respect to
	// each other. Lock order: mu, then the component locks.
	mu          sync.Mutex
	session     *sessionState
	provisional map[string]*provisionalNote
	tombstones  map[string]struct{}
	aliases     map[string]string
	closed      bool
}

// New builds an engine over store. No session is active until
// OnSessionChange is called.
func New(store core.Store, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("engine: store is required")
	}
	o := defaults()
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{
		opts:        o,
		notices:     newNotifier(o.eventBuffer),
		provisional: make(map[string]*provisionalNote),
		tombstones:  make(map[string]struct{}),
		aliases:     make(map[string]string),
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())

	clientOpts := []syncclient.Option{syncclient.WithLogger(o.logger)}
	if o.tracerProvider != nil {
		clientOpts = append(clientOpts, syncclient.WithTracerProvider(o.tracerProvider))
	}
	e.client = syncclient.New(store, clientOpts...)
	e.cache = cache.New(cache.WithNow(o.now))
	e.writes = coalesce.New(e.persist,
		coalesce.WithWindow(o.window),
		coalesce.WithScheduler(o.scheduler),
		coalesce.WithLogger(o.logger),
		coalesce.WithResult(e.writeDone),
		coalesce.WithContext(e.ctx),
	)
	e.gate = identity.New(
		identity.WithLogger(o.logger),
		identity.WithNow(o.now),
		identity.OnStart(e.sessionStarted),
		identity.OnEnd(e.sessionEnded),
	)
	return e, nil
}

// OnSessionChange is the auth collaborator's callback. It returns once the
// cache has been reset for the new principal (or emptied on sign-out).
func (e *Engine) OnSessionChange(s *core.Session) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed && s != nil {
		return
	}
	e.gate.OnSessionChange(s)
}

// SignOut ends the session, discarding writes that have not fired yet.
func (e *Engine) SignOut() { e.gate.SignOut() }

// CurrentSession returns the active session, or nil.
func (e *Engine) CurrentSession() *core.Session { return e.gate.Current() }

// Subscribe streams notices until ctx is done or the engine is closed.
func (e *Engine) Subscribe(ctx context.Context) <-chan Notice {
	return e.notices.subscribe(ctx)
}

// Flush fires every scheduled write now, including writes waiting on a note
// creation, and waits for all background calls to finish. Edits to a note
// whose creation failed stay queued until Retry.
func (e *Engine) Flush(ctx context.Context) error {
	if err := e.waitOps(ctx); err != nil {
		return err
	}
	e.writes.Flush()
	return e.writes.Wait(ctx)
}

func (e *Engine) waitOps(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.ops.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes pending writes, signs out and stops every background task.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	err := e.Flush(ctx)
	e.gate.SignOut()
	e.cancel()
	e.notices.close()
	return err
}

// background runs fn as a tracked operation under ctx.
func (e *Engine) background(ctx context.Context, name string, fn func(ctx context.Context) error) {
	e.ops.Add(1)
	lifecycle.Go(ctx, func(ctx context.Context) error {
		defer e.ops.Done()
		return fn(ctx)
	}, lifecycle.WithErrorHandler(func(err error) {
		e.report(fmt.Errorf("%s panic: %w", name, err))
	}))
}

// report delivers a background failure to the error handler and the notice
// stream.
func (e *Engine) report(err error) {
	if err == nil {
		return
	}
	if errors.Is(err, core.ErrValidation) {
		e.opts.logger.Error("background operation rejected", "error", err)
	} else {
		e.opts.logger.Warn("background operation failed", "error", err)
	}
	if e.opts.errorHandler != nil {
		e.opts.errorHandler(err)
	}
	var noteID string
	var op *core.OpError
	if errors.As(err, &op) {
		noteID = op.NoteID
	}
	e.notices.publish(Notice{Kind: NoticeError, NoteID: noteID, Err: err})
}

// fail applies the error policy for a background failure that happened while
// epoch was the active session.
func (e *Engine) fail(epoch uint64, noteID string, err error) {
	switch core.KindOf(err) {
	case core.ErrAuth:
		e.report(err)
		if e.gate.EndIf(epoch) {
			e.opts.logger.Info("signed out after the store rejected the session")
		}
	case core.ErrNotFound:
		if noteID != "" {
			e.mu.Lock()
			removed := false
			if e.gate.IsCurrent(epoch) {
				e.writes.Cancel(noteID)
				removed = e.cache.Remove(noteID)
			}
			e.mu.Unlock()
			if removed {
				e.notices.publish(Notice{Kind: NoticeRemoved, NoteID: noteID})
			}
		}
		e.report(err)
	default:
		e.report(err)
	}
}
