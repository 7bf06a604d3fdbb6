package websocket

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"runtime/debug"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/aretw0/notesync/pkg/core"
)

// Feed is a core.Feed reading from a remote Server.
type Feed struct {
	base   *url.URL
	dialer *websocket.Dialer
	header http.Header
	logger *slog.Logger
}

// FeedOption configures a Feed.
type FeedOption func(*Feed)

// WithFeedLogger sets the feed logger.
func WithFeedLogger(l *slog.Logger) FeedOption {
	return func(f *Feed) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithHeader sends h with every dial, e.g. an Authorization header.
func WithHeader(h http.Header) FeedOption {
	return func(f *Feed) {
		f.header = h
	}
}

// NewFeed parses base, an http(s) or ws(s) URL of a Server.
func NewFeed(base string, opts ...FeedOption) (*Feed, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, core.NewError("dial", "", core.ErrValidation, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, core.NewError("dial", "", core.ErrValidation, nil)
	}
	f := &Feed{
		base:   u,
		dialer: websocket.DefaultDialer,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// URL returns the endpoint dialled for owner.
func (f *Feed) URL(owner string) string {
	path := strings.Replace(ChangesPath, "{owner}", url.PathEscape(owner), 1)
	return f.base.JoinPath(path).String()
}

// Subscribe dials the server and decodes changes until ctx ends or the
// connection drops.
func (f *Feed) Subscribe(ctx context.Context, owner string) (<-chan core.Change, error) {
	conn, resp, err := f.dialer.DialContext(ctx, f.URL(owner), f.header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, core.NewError("subscribe", "", core.ErrAuth, err)
		}
		return nil, core.NewError("subscribe", "", core.ErrTransport, err)
	}

	out := make(chan core.Change, 64)
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	go func() {
		defer close(out)
		defer stop()
		defer conn.Close()
		defer func() {
			if r := recover(); r != nil {
				f.logger.Error("websocket feed panic", "panic", r, "stack", string(debug.Stack()))
			}
		}()

		for {
			var c core.Change
			if err := conn.ReadJSON(&c); err != nil {
				if ctx.Err() == nil {
					f.logger.Warn("websocket feed closed", "err", err)
				}
				return
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

var _ core.Feed = (*Feed)(nil)
