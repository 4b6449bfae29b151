// Package server is the relay server: an HTTP router whose websocket
// connections are attached to rooms.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vihu/tandem/internal/config"
	"github.com/vihu/tandem/internal/room"
)

const shutdownTimeout = 5 * time.Second

// Server owns the room registry and the live connections.
type Server struct {
	cfg      *config.Server
	registry *room.Registry
	upgrader websocket.Upgrader
	log      *slog.Logger

	// writeWait bounds every write to a peer. A peer that stops reading
	// is dropped once a write exceeds it.
	writeWait time.Duration

	mu    sync.Mutex
	conns map[*conn]struct{}
}

func New(cfg *config.Server, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg: cfg,
		registry: room.NewRegistry(room.Limits{
			MaxRooms:        cfg.MaxRooms,
			MaxPeersPerRoom: cfg.MaxPeers,
			MaxDocSize:      cfg.MaxDocSize,
		}, log),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		log:       log,
		writeWait: writeWait,
		conns:     make(map[*conn]struct{}),
	}
}

func (s *Server) Registry() *room.Registry {
	return s.registry
}

// ListenAndServe binds the configured address and serves until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.BindAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx ends, then closes every
// websocket and waits for in-flight HTTP requests.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.Info("tandem server listening",
		"addr", "ws://"+ln.Addr().String(),
		"max_peers", s.cfg.MaxPeers,
		"max_rooms", s.cfg.MaxRooms,
		"max_doc_size", s.cfg.MaxDocSize,
	)

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.closeAll()
	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) track(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c] = struct{}{}
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}

// closeAll sends a going-away close frame to every connection. The read
// pumps then fail and deregister their peers.
func (s *Server) closeAll() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		closeWith(c.ws, websocket.CloseGoingAway, "server shutting down")
	}
}
