package room

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

const (
	// directQueue holds frames addressed to one peer. They are never dropped.
	directQueue = 32

	// broadcastQueue holds relayed frames. A peer that falls this far behind
	// loses frames and has to resync.
	broadcastQueue = 256
)

// Peer is one connection registered in a room. The connection's writer
// drains Direct and Broadcast.
type Peer struct {
	ID    uuid.UUID
	LogID uint64

	Direct    chan []byte
	Broadcast chan []byte

	dropped   atomic.Uint64
	done      chan struct{}
	closeOnce sync.Once
}

func newPeer(logID uint64) *Peer {
	return &Peer{
		ID:        uuid.New(),
		LogID:     logID,
		Direct:    make(chan []byte, directQueue),
		Broadcast: make(chan []byte, broadcastQueue),
		done:      make(chan struct{}),
	}
}

// Send queues a frame for this peer only, waiting for room in the queue.
func (p *Peer) Send(frame []byte) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case p.Direct <- frame:
		return nil
	case <-p.done:
		return ErrClosed
	}
}

// offer queues a relayed frame without blocking. It reports false when the
// frame was dropped.
func (p *Peer) offer(frame []byte) bool {
	select {
	case p.Broadcast <- frame:
		return true
	default:
		p.dropped.Add(1)
		return false
	}
}

// Dropped is the number of relayed frames lost to a full queue.
func (p *Peer) Dropped() uint64 {
	return p.dropped.Load()
}

// Done is closed once the peer has left its room.
func (p *Peer) Done() <-chan struct{} {
	return p.done
}

func (p *Peer) close() {
	p.closeOnce.Do(func() { close(p.done) })
}
