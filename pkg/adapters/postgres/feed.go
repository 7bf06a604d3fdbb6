package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aretw0/notesync/pkg/core"
)

// Feed delivers row changes announced by the notes trigger. Each
// subscription holds one pooled connection for its lifetime.
type Feed struct {
	pool    *pgxpool.Pool
	channel string
	logger  *slog.Logger
}

// FeedOption configures a Feed.
type FeedOption func(*Feed)

// WithChannel overrides the NOTIFY channel.
func WithChannel(name string) FeedOption {
	return func(f *Feed) {
		if name != "" {
			f.channel = name
		}
	}
}

// WithFeedLogger sets the feed logger.
func WithFeedLogger(l *slog.Logger) FeedOption {
	return func(f *Feed) {
		if l != nil {
			f.logger = l
		}
	}
}

// NewFeed connects a pool to dsn.
func NewFeed(ctx context.Context, dsn string, opts ...FeedOption) (*Feed, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	return NewFeedFromPool(pool, opts...), nil
}

// NewFeedFromPool uses an existing pool.
func NewFeedFromPool(pool *pgxpool.Pool, opts ...FeedOption) *Feed {
	f := &Feed{
		pool:    pool,
		channel: DefaultChannel,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Close releases the pool.
func (f *Feed) Close() {
	f.pool.Close()
}

// Subscribe listens on the channel and forwards the owner's changes. The
// channel closes when ctx ends or the connection breaks.
func (f *Feed) Subscribe(ctx context.Context, owner string) (<-chan core.Change, error) {
	conn, err := f.pool.Acquire(ctx)
	if err != nil {
		return nil, core.NewError("subscribe", "", core.ErrTransport, err)
	}
	ident := pgx.Identifier{f.channel}.Sanitize()
	if _, err := conn.Exec(ctx, "LISTEN "+ident); err != nil {
		conn.Release()
		return nil, core.NewError("subscribe", "", core.ErrTransport, err)
	}

	out := make(chan core.Change, 64)
	go func() {
		defer close(out)
		defer func() {
			if r := recover(); r != nil {
				f.logger.Error("postgres feed panic", "panic", r, "stack", string(debug.Stack()))
			}
		}()
		defer func() {
			// The subscription ctx is done here; UNLISTEN on a fresh one so
			// the pooled connection goes back clean.
			if _, err := conn.Exec(context.WithoutCancel(ctx), "UNLISTEN "+ident); err != nil {
				conn.Conn().Close(context.WithoutCancel(ctx))
			}
			conn.Release()
		}()

		for {
			n, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					f.logger.Warn("postgres feed interrupted", "error", err)
				}
				return
			}
			c, err := decodeNotification([]byte(n.Payload))
			if err != nil {
				f.logger.Warn("dropping malformed notification", "payload", n.Payload, "error", err)
				continue
			}
			if c.Owner() != "" && c.Owner() != owner {
				continue
			}
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

var errUnknownKind = errors.New("unknown change kind")

// decodeNotification parses the trigger's JSON payload.
func decodeNotification(payload []byte) (core.Change, error) {
	var c core.Change
	if err := json.Unmarshal(payload, &c); err != nil {
		return core.Change{}, err
	}
	switch c.Kind {
	case core.ChangeInsert, core.ChangeUpdate, core.ChangeDelete:
		return c, nil
	default:
		return core.Change{}, fmt.Errorf("%w: %q", errUnknownKind, c.Kind)
	}
}

var _ core.Feed = (*Feed)(nil)
