package platform

import (
	"context"
	"errors"
	"time"

	"github.com/aretw0/notesync/internal/telemetry"
	"github.com/aretw0/notesync/pkg/core"
	"github.com/aretw0/notesync/pkg/engine"
)

// ServiceName identifies the process in traces.
const ServiceName = "notesync"

// Runtime is an engine together with the adapters it was built on.
type Runtime struct {
	Engine *engine.Engine
	Store  core.Store
	// Feed is the change feed the engine listens on. It is nil when the
	// runtime has no push feed.
	Feed core.Feed

	closers []closer
}

// Open builds the store, the feed and the engine described by cfg. When
// cfg.Principal is set, the engine is signed in as that principal.
//
//	rt, err := platform.Open(ctx, cfg, platform.WithLogger(logger))
func Open(ctx context.Context, cfg Config, opts ...Option) (*Runtime, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	rt := &Runtime{}
	ok := false
	defer func() {
		if !ok {
			_ = rt.shutdown(context.WithoutCancel(ctx))
		}
	}()

	store, own := o.store, core.Feed(nil)
	if store == nil {
		s, f, closers, err := openStore(ctx, cfg, o.logger)
		if err != nil {
			return nil, err
		}
		store, own = s, f
		rt.closers = append(rt.closers, closers...)
	}

	feed := o.feed
	if feed == nil {
		s, f, closers, err := openFeed(ctx, cfg, store, own, o.logger)
		if err != nil {
			return nil, err
		}
		store, feed = s, f
		rt.closers = append(rt.closers, closers...)
	}
	rt.Store, rt.Feed = store, feed

	tp := o.tracerProvider
	if tp == nil && cfg.JaegerEndpoint != "" {
		sdk, shutdown, err := telemetry.InitJaeger(ServiceName, Version(), cfg.JaegerEndpoint, o.logger)
		if err != nil {
			return nil, err
		}
		tp = sdk
		rt.closers = append(rt.closers, shutdown)
	}

	engineOpts := []engine.Option{
		engine.WithLogger(o.logger),
		engine.WithCoalesceWindow(cfg.CoalesceWindow),
		engine.WithDebounce(cfg.Debounce),
		engine.WithMatch(cfg.Match),
	}
	if cfg.RefreshMode != "" {
		engineOpts = append(engineOpts, engine.WithRefreshMode(engine.RefreshMode(cfg.RefreshMode)))
	}
	if feed != nil {
		engineOpts = append(engineOpts, engine.WithFeed(feed))
	}
	if tp != nil {
		engineOpts = append(engineOpts, engine.WithTracerProvider(tp))
	}
	if o.errorHandler != nil {
		engineOpts = append(engineOpts, engine.WithErrorHandler(o.errorHandler))
	}
	engineOpts = append(engineOpts, o.engine...)

	e, err := engine.New(store, engineOpts...)
	if err != nil {
		return nil, err
	}
	rt.Engine = e
	if cfg.Principal != "" {
		e.OnSessionChange(&core.Session{Principal: cfg.Principal})
	}

	ok = true
	return rt, nil
}

// Close flushes pending writes, closes the engine and releases the adapters
// in reverse order of creation.
func (r *Runtime) Close(ctx context.Context) error {
	return r.shutdown(ctx)
}

func (r *Runtime) shutdown(ctx context.Context) error {
	var errs []error
	if r.Engine != nil {
		errs = append(errs, r.Engine.Close(ctx))
	}
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i](ctx))
	}
	r.closers = nil
	return errors.Join(errs...)
}

// WaitReady waits for the engine's first fetch, bounded by timeout.
func (r *Runtime) WaitReady(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return r.Engine.WaitReady(ctx)
}
