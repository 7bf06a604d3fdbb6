// Package redis fans note changes out over Redis pub/sub. Each owner has
// its own channel, so a subscriber only ever receives its owner's changes.
package redis

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"runtime/debug"

	"github.com/redis/go-redis/v9"

	"github.com/aretw0/notesync/pkg/core"
)

// DefaultPrefix prefixes every owner channel.
const DefaultPrefix = "notesync:changes:"

// Bus is a core.Feed and core.Publisher backed by a Redis client.
type Bus struct {
	rdb    *redis.Client
	prefix string
	logger *slog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithPrefix overrides the channel prefix.
func WithPrefix(p string) Option {
	return func(b *Bus) {
		if p != "" {
			b.prefix = p
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// Dial connects to addr and pings it.
func Dial(ctx context.Context, addr string, opts ...Option) (*Bus, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, core.NewError("dial", "", core.ErrTransport, err)
	}
	return New(rdb, opts...), nil
}

// New wraps an existing client.
func New(rdb *redis.Client, opts ...Option) *Bus {
	b := &Bus{
		rdb:    rdb,
		prefix: DefaultPrefix,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Channel returns the pub/sub channel for owner.
func (b *Bus) Channel(owner string) string {
	return b.prefix + owner
}

// Close closes the client.
func (b *Bus) Close() error {
	return b.rdb.Close()
}

// Publish sends c on its owner's channel. Changes without an owner are rejected.
func (b *Bus) Publish(ctx context.Context, c core.Change) error {
	owner := c.Owner()
	if owner == "" {
		return core.NewError("publish", c.ID(), core.ErrValidation, nil)
	}
	payload, err := encode(c)
	if err != nil {
		return core.NewError("publish", c.ID(), core.ErrValidation, err)
	}
	if err := b.rdb.Publish(ctx, b.Channel(owner), payload).Err(); err != nil {
		return core.NewError("publish", c.ID(), core.ErrTransport, err)
	}
	return nil
}

// Subscribe forwards the owner's changes until ctx ends.
func (b *Bus) Subscribe(ctx context.Context, owner string) (<-chan core.Change, error) {
	pubsub := b.rdb.Subscribe(ctx, b.Channel(owner))
	// Receive waits for the subscription confirmation.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, core.NewError("subscribe", "", core.ErrTransport, err)
	}

	out := make(chan core.Change, 64)
	go func() {
		defer close(out)
		defer pubsub.Close()
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("redis feed panic", "panic", r, "stack", string(debug.Stack()))
			}
		}()

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					b.logger.Warn("redis subscription closed", "channel", b.Channel(owner))
					return
				}
				c, err := decode([]byte(msg.Payload))
				if err != nil {
					b.logger.Warn("dropping malformed change", "payload", msg.Payload, "error", err)
					continue
				}
				select {
				case out <- c:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func encode(c core.Change) ([]byte, error) {
	return json.Marshal(c)
}

func decode(payload []byte) (core.Change, error) {
	var c core.Change
	err := json.Unmarshal(payload, &c)
	return c, err
}

var (
	_ core.Feed      = (*Bus)(nil)
	_ core.Publisher = (*Bus)(nil)
)
