package room

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Limits bound what a registry will accept.
type Limits struct {
	MaxRooms        int
	MaxPeersPerRoom int
	MaxDocSize      int
}

// Stats is a point-in-time count of rooms and peers.
type Stats struct {
	Rooms int `json:"rooms"`
	Peers int `json:"peers"`
}

// Registry maps room ids to live rooms. A room exists while at least one
// peer is connected to it.
type Registry struct {
	mu     sync.Mutex
	rooms  map[string]*Room
	limits Limits
	logIDs atomic.Uint64
	log    *slog.Logger
}

func NewRegistry(limits Limits, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		rooms:  make(map[string]*Room),
		limits: limits,
		log:    log,
	}
}

// Join adds a new peer to the named room, creating the room if needed.
func (r *Registry) Join(roomID string) (*Room, *Peer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		if len(r.rooms) >= r.limits.MaxRooms {
			return nil, nil, NewError("join", roomID, ErrRoomLimit)
		}
	} else if rm.Peers() >= r.limits.MaxPeersPerRoom {
		return nil, nil, NewError("join", roomID, ErrRoomFull)
	}

	if !ok {
		rm = newRoom(roomID, r.limits.MaxDocSize, r.log)
		r.rooms[roomID] = rm
		r.log.Info("room created", "room", roomID, "rooms", len(r.rooms))
	}
	p := newPeer(r.logIDs.Add(1))
	rm.addPeer(p)
	rm.log.Info("peer joined", "peer", p.LogID, "peers", rm.Peers())
	return rm, p, nil
}

// Leave removes a peer and deletes its room once empty. It returns the
// number of peers left in the room.
func (r *Registry) Leave(rm *Room, p *Peer) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	p.close()
	remaining := rm.removePeer(p)
	rm.log.Info("peer left", "peer", p.LogID, "peers", remaining)
	if remaining == 0 && r.rooms[rm.ID] == rm {
		delete(r.rooms, rm.ID)
		r.log.Info("room deleted", "room", rm.ID, "rooms", len(r.rooms))
	}
	return remaining
}

// Room looks up a live room.
func (r *Registry) Room(id string) (*Room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[id]
	return rm, ok
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Stats{Rooms: len(r.rooms)}
	for _, rm := range r.rooms {
		s.Peers += rm.Peers()
	}
	return s
}
