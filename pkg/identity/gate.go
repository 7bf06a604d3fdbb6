// Package identity tracks the signed-in principal and owns the resources
// scoped to one session.
package identity

import (
	"context"
	"io"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/aretw0/notesync/pkg/core"
)

// Scope lives exactly as long as one session. Its context is cancelled when
// the session ends or is replaced by another principal. Session is the value
// the scope was opened with; refreshed claims are only visible via Gate.Current.
type Scope struct {
	Session core.Session
	Epoch   uint64

	ctx    context.Context
	cancel context.CancelFunc
}

// Context is cancelled when the scope ends.
func (s *Scope) Context() context.Context { return s.ctx }

// Principal is shorthand for s.Session.Principal.
func (s *Scope) Principal() string { return s.Session.Principal }

// Transition hooks. They run in transition order and never concurrently.
type (
	StartFunc   func(scope *Scope)
	EndFunc     func(prev core.Session, epoch uint64)
	RefreshFunc func(s core.Session)
)

type options struct {
	logger    *slog.Logger
	onStart   StartFunc
	onEnd     EndFunc
	onRefresh RefreshFunc
	now       func() time.Time
}

// Option configures a Gate.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// OnStart runs after a new session scope has been opened.
func OnStart(fn StartFunc) Option {
	return func(o *options) { o.onStart = fn }
}

// OnEnd runs after a session scope has been closed.
func OnEnd(fn EndFunc) Option {
	return func(o *options) { o.onEnd = fn }
}

// OnRefresh runs when the same principal presents new claims.
func OnRefresh(fn RefreshFunc) Option {
	return func(o *options) { o.onRefresh = fn }
}

// WithNow sets the time source used to detect expired sessions.
func WithNow(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// Gate holds at most one active session. Every change of principal closes
// the previous scope before the next one opens.
type Gate struct {
	opts options

	// transition serializes OnSessionChange including its hooks.
	transition sync.Mutex

	mu      sync.RWMutex
	scope   *Scope
	session core.Session
	epoch   uint64
}

// New returns a Gate with no session.
func New(opts ...Option) *Gate {
	o := options{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Gate{opts: o}
}

// Current returns a copy of the active session, or nil.
func (g *Gate) Current() *core.Session {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.scope == nil {
		return nil
	}
	s := g.session
	s.Claims = maps.Clone(s.Claims)
	return &s
}

// Scope returns the active scope, or nil.
func (g *Gate) Scope() *Scope {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.scope
}

// Epoch increases on every change of principal, including sign-out.
func (g *Gate) Epoch() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.epoch
}

// SessionFor returns the active session if epoch still identifies it.
func (g *Gate) SessionFor(epoch uint64) (*core.Session, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.scope == nil || g.epoch != epoch {
		return nil, false
	}
	s := g.session
	s.Claims = maps.Clone(s.Claims)
	return &s, true
}

// IsCurrent reports whether epoch still identifies the active session.
func (g *Gate) IsCurrent(epoch uint64) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.scope != nil && g.epoch == epoch
}

// OnSessionChange is called by the auth collaborator whenever the session
// changes. A nil, principal-less or expired session means signed out. A
// session for the principal already signed in only refreshes its claims.
func (g *Gate) OnSessionChange(s *core.Session) {
	g.transition.Lock()
	defer g.transition.Unlock()
	g.change(g.normalize(s))
}

// change performs one transition. Caller holds g.transition.
func (g *Gate) change(next *core.Session) {

	g.mu.Lock()
	prev := g.scope
	if next != nil && prev != nil && next.Principal == prev.Session.Principal {
		g.session = *next
		refreshed := *next
		refreshed.Claims = maps.Clone(next.Claims)
		g.mu.Unlock()

		g.opts.logger.Debug("session refreshed", "principal", refreshed.Principal)
		if g.opts.onRefresh != nil {
			g.opts.onRefresh(refreshed)
		}
		return
	}
	if next == nil && prev == nil {
		g.mu.Unlock()
		return
	}

	g.epoch++
	g.scope = nil
	if prev != nil {
		prev.cancel()
	}
	var scope *Scope
	if next != nil {
		ctx, cancel := context.WithCancel(context.Background())
		scope = &Scope{Session: *next, Epoch: g.epoch, ctx: ctx, cancel: cancel}
		scope.Session.Claims = maps.Clone(next.Claims)
		g.scope = scope
		g.session = *next
	} else {
		g.session = core.Session{}
	}
	epoch := g.epoch
	g.mu.Unlock()

	if prev != nil {
		g.opts.logger.Info("session ended", "principal", prev.Session.Principal)
		if g.opts.onEnd != nil {
			g.opts.onEnd(prev.Session, epoch)
		}
	}
	if scope != nil {
		g.opts.logger.Info("session started", "principal", scope.Principal())
		if g.opts.onStart != nil {
			g.opts.onStart(scope)
		}
	}
}

// SignOut is shorthand for OnSessionChange(nil).
func (g *Gate) SignOut() { g.OnSessionChange(nil) }

// EndIf signs out only if epoch still identifies the active session. It
// reports whether a sign-out happened.
func (g *Gate) EndIf(epoch uint64) bool {
	g.transition.Lock()
	defer g.transition.Unlock()
	if !g.IsCurrent(epoch) {
		return false
	}
	g.change(nil)
	return true
}

func (g *Gate) normalize(s *core.Session) *core.Session {
	if s == nil || s.Principal == "" {
		return nil
	}
	if !s.ExpiresAt.IsZero() && !s.ExpiresAt.After(g.opts.now()) {
		g.opts.logger.Debug("ignoring expired session", "principal", s.Principal)
		return nil
	}
	c := *s
	c.Claims = maps.Clone(s.Claims)
	return &c
}
