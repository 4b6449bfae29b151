package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// DefaultRoom is used when the request path names no room.
const DefaultRoom = "default"

// ExtractRoomID derives the room name from a request path: a leading
// "/ws/" is stripped, as is anything after "?".
func ExtractRoomID(path string) string {
	path = strings.TrimPrefix(path, "/ws/")
	path, _, _ = strings.Cut(path, "?")
	if path == "" {
		return DefaultRoom
	}
	return path
}

// Handler returns the HTTP routes: /health, /stats and a websocket upgrade
// for every other path.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", healthCheckHandler).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.statsHandler).Methods(http.MethodGet)
	r.PathPrefix("/").HandlerFunc(s.serveWs)
	return r
}

func healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("tandem server is healthy."))
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.registry.Stats()); err != nil {
		s.log.Warn("write stats", "err", err)
	}
}

// serveWs upgrades the request and registers the peer in its room.
func (s *Server) serveWs(w http.ResponseWriter, r *http.Request) {
	roomID := ExtractRoomID(r.URL.Path)

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("failed to upgrade connection", "err", err, "remote", r.RemoteAddr)
		return
	}

	rm, peer, err := s.registry.Join(roomID)
	if err != nil {
		s.log.Warn("rejecting connection", "room", roomID, "err", err, "remote", r.RemoteAddr)
		closeWith(ws, websocket.CloseTryAgainLater, err.Error())
		return
	}

	c := &conn{
		ws:        ws,
		registry:  s.registry,
		room:      rm,
		peer:      peer,
		log:       s.log.With("room", roomID, "peer", peer.LogID),
		writeWait: s.writeWait,
		done:      make(chan struct{}),
		onClose:   s.untrack,
	}
	c.log.Info("connected", "remote", r.RemoteAddr, "uuid", peer.ID)
	s.track(c)
	c.setState(Active)

	go c.writePump()
	go c.readPump(readLimit(s.cfg.MaxDocSize))
}
