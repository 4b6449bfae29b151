// Package room holds the server's authoritative copy of each collaboration
// session and relays changes between the peers connected to it.
package room

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/vihu/tandem/internal/crdt"
	"github.com/vihu/tandem/internal/protocol"
)

// textContainer is the container editors write their text to.
const textContainer = "content"

// Result is the outcome of a successful update.
type Result int

const (
	// Applied means the update changed the document.
	Applied Result = iota + 1
	// Duplicate means every operation was already present.
	Duplicate
)

func (r Result) String() string {
	switch r {
	case Applied:
		return "applied"
	case Duplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Room is one collaboration session: a canonical document and the peers
// editing it.
type Room struct {
	ID string

	// mu guards the document and the cached snapshot. Broadcasting an
	// applied update happens before mu is released.
	mu         sync.Mutex
	doc        *crdt.Doc
	snapshot   []byte
	maxDocSize int

	peersMu sync.RWMutex
	peers   map[uuid.UUID]*Peer

	log *slog.Logger
}

func newRoom(id string, maxDocSize int, log *slog.Logger) *Room {
	return &Room{
		ID:         id,
		doc:        crdt.New(),
		maxDocSize: maxDocSize,
		peers:      make(map[uuid.UUID]*Peer),
		log:        log.With("room", id),
	}
}

// ApplyUpdate imports an update into the canonical document. An update
// that would grow the encoded document past the size limit is rejected
// without touching the document.
func (r *Room) ApplyUpdate(update []byte) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applyLocked(update)
}

func (r *Room) applyLocked(update []byte) (Result, error) {
	snap, err := r.snapshotLocked()
	if err != nil {
		return 0, NewError("apply update", r.ID, err)
	}
	if projected := len(snap) + len(update); projected > r.maxDocSize {
		return 0, WrapError("apply update", r.ID, ErrSizeLimit,
			fmt.Sprintf("%d bytes exceeds limit of %d", projected, r.maxDocSize))
	}

	if err := r.doc.Merge(update); err != nil {
		if errors.Is(err, crdt.ErrOutdated) {
			return Duplicate, nil
		}
		return 0, NewError("apply update", r.ID, fmt.Errorf("%w: %w", ErrMerge, err))
	}
	r.snapshot = nil
	return Applied, nil
}

// Commit applies an update from one peer and relays it to every other peer.
// The relay is queued before the document lock is released so all peers
// see updates in commit order.
func (r *Room) Commit(from *Peer, update []byte) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.applyLocked(update)
	if err != nil || res != Applied {
		return res, err
	}
	frame, err := protocol.EncodeUpdate(update)
	if err != nil {
		return res, NewError("relay update", r.ID, err)
	}
	r.Broadcast(from, frame)
	return res, nil
}

// ExportSnapshot returns the full encoded document for a late joiner.
func (r *Room) ExportSnapshot() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Room) snapshotLocked() ([]byte, error) {
	if r.snapshot != nil {
		return r.snapshot, nil
	}
	snap, err := r.doc.ExportSnapshot()
	if err != nil {
		return nil, err
	}
	r.snapshot = snap
	return snap, nil
}

// Text returns the current document content.
func (r *Room) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Text(textContainer)
}

// Broadcast queues frame to every peer except from. Peers whose queue is
// full miss the frame.
func (r *Room) Broadcast(from *Peer, frame []byte) {
	r.peersMu.RLock()
	defer r.peersMu.RUnlock()
	for id, p := range r.peers {
		if from != nil && id == from.ID {
			continue
		}
		if !p.offer(frame) {
			r.log.Warn("broadcast queue full, dropping frame", "peer", p.LogID, "dropped", p.Dropped())
		}
	}
}

// Peers returns the number of connected peers.
func (r *Room) Peers() int {
	r.peersMu.RLock()
	defer r.peersMu.RUnlock()
	return len(r.peers)
}

func (r *Room) addPeer(p *Peer) {
	r.peersMu.Lock()
	defer r.peersMu.Unlock()
	r.peers[p.ID] = p
}

func (r *Room) removePeer(p *Peer) int {
	r.peersMu.Lock()
	defer r.peersMu.Unlock()
	delete(r.peers, p.ID)
	return len(r.peers)
}
