// Package websocket relays a core.Feed to remote clients over WebSocket.
// The Server exposes GET /owners/{owner}/changes; the Feed dials it.
package websocket

import (
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/aretw0/notesync/pkg/core"
)

// ChangesPath is the route template served by Server.
const ChangesPath = "/owners/{owner}/changes"

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Server streams changes from an upstream feed, one subscription per
// connection, scoped to the owner in the path.
type Server struct {
	feed     core.Feed
	router   *mux.Router
	upgrader websocket.Upgrader
	logger   *slog.Logger
	conns    atomic.Int64
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the server logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithCheckOrigin overrides the upgrader's origin check.
func WithCheckOrigin(fn func(r *http.Request) bool) ServerOption {
	return func(s *Server) {
		s.upgrader.CheckOrigin = fn
	}
}

// NewServer builds a Server relaying feed.
func NewServer(feed core.Feed, opts ...ServerOption) *Server {
	s := &Server{
		feed: feed,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = mux.NewRouter()
	s.router.HandleFunc(ChangesPath, s.changes).Methods(http.MethodGet)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Connections reports the number of open client connections.
func (s *Server) Connections() int {
	return int(s.conns.Load())
}

func (s *Server) changes(w http.ResponseWriter, r *http.Request) {
	owner := mux.Vars(r)["owner"]
	if owner == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	ch, err := s.feed.Subscribe(ctx, owner)
	if err != nil {
		s.logger.Error("failed to subscribe upstream", "owner", owner, "err", err)
		w.WriteHeader(http.StatusBadGateway)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("failed to upgrade", "err", err)
		return
	}
	defer conn.Close()
	s.conns.Add(1)
	defer s.conns.Add(-1)
	s.logger.Info("client connected", "owner", owner, "remote", r.RemoteAddr)

	// The read side only exists to notice the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			s.logger.Info("client disconnected", "owner", owner)
			return
		case <-ctx.Done():
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case c, ok := <-ch:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "upstream closed"),
					time.Now().Add(writeWait))
				return
			}
			if c.Owner() != "" && c.Owner() != owner {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(c); err != nil {
				s.logger.Warn("failed to write change", "owner", owner, "err", err)
				return
			}
		}
	}
}
