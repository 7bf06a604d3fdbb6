package platform

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aretw0/notesync/pkg/adapters/fs"
	"github.com/aretw0/notesync/pkg/adapters/memory"
	"github.com/aretw0/notesync/pkg/adapters/notify"
	"github.com/aretw0/notesync/pkg/adapters/postgres"
	"github.com/aretw0/notesync/pkg/adapters/redis"
	"github.com/aretw0/notesync/pkg/adapters/websocket"
	"github.com/aretw0/notesync/pkg/core"
)

type closer func(context.Context) error

// openStore builds the configured store. The returned feed is the store's
// own change feed, nil when it has none.
func openStore(ctx context.Context, cfg Config, logger *slog.Logger) (core.Store, core.Feed, []closer, error) {
	switch cfg.Store.Adapter {
	case "memory":
		s := memory.New()
		return s, s, nil, nil

	case "fs":
		useTemp := cfg.Store.DevSafety && IsDevRun()
		path := ResolveDataPath(cfg.Store.Path, useTemp)
		if useTemp {
			logger.Warn("running in SAFE MODE (dev sandbox)", "original_path", cfg.Store.Path, "resolved_path", path)
		}
		s, err := fs.NewStore(fs.Config{
			Path:   path,
			Format: cfg.Store.Format,
			Logger: logger,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		return s, s, nil, nil

	case "postgres":
		s, err := postgres.Open(postgres.Config{
			DSN:     cfg.Store.DSN,
			Channel: cfg.Feed.Channel,
			Logger:  logger,
		})
		if err != nil {
			return nil, nil, nil, core.NewError("open", "", core.ErrTransport, err)
		}
		closers := []closer{func(context.Context) error { return s.Close() }}
		if cfg.Store.Migrate {
			if err := s.Migrate(ctx); err != nil {
				_ = s.Close()
				return nil, nil, nil, err
			}
		}
		return s, nil, closers, nil
	}
	return nil, nil, nil, fmt.Errorf("unknown store adapter: %s", cfg.Store.Adapter)
}

// openFeed builds the configured feed. It may wrap store so that writes are
// published to the feed's transport.
func openFeed(ctx context.Context, cfg Config, store core.Store, own core.Feed, logger *slog.Logger) (core.Store, core.Feed, []closer, error) {
	switch cfg.Feed.Adapter {
	case "":
		if own == nil && cfg.Store.Adapter == "postgres" {
			break
		}
		return store, own, nil, nil
	case "none":
		return store, nil, nil, nil
	case "memory", "fs":
		return store, own, nil, nil
	case "redis":
		bus, err := redis.Dial(ctx, cfg.Feed.RedisAddr, redis.WithLogger(logger))
		if err != nil {
			return nil, nil, nil, err
		}
		return notify.Wrap(store, bus, logger), bus, []closer{func(context.Context) error { return bus.Close() }}, nil
	case "websocket":
		f, err := websocket.NewFeed(cfg.Feed.URL, websocket.WithFeedLogger(logger))
		if err != nil {
			return nil, nil, nil, err
		}
		return store, f, nil, nil
	case "postgres":
	default:
		return nil, nil, nil, fmt.Errorf("unknown feed adapter: %s", cfg.Feed.Adapter)
	}

	f, err := postgres.NewFeed(ctx, cfg.Store.DSN,
		postgres.WithChannel(cfg.Feed.Channel),
		postgres.WithFeedLogger(logger),
	)
	if err != nil {
		return nil, nil, nil, core.NewError("open", "", core.ErrTransport, err)
	}
	return store, f, []closer{func(context.Context) error { f.Close(); return nil }}, nil
}
