package server

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vihu/tandem/internal/protocol"
	"github.com/vihu/tandem/internal/room"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Frame size allowed on top of the document size limit.
	frameOverhead = 64 * 1024

	// maxFrameSize is the smallest read limit. Updates below it reach the
	// room and are rejected with an error frame when too large.
	maxFrameSize = 64 << 20

	// Longest reason a close frame can carry.
	maxCloseReason = 123
)

// State is the lifecycle stage of a connection.
type State int32

const (
	Handshaking State = iota
	Active
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Handshaking:
		return "handshaking"
	case Active:
		return "active"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// conn is one peer's websocket. readPump owns reads and writePump owns
// writes; the peer's queues connect the room to writePump.
type conn struct {
	ws       *websocket.Conn
	registry *room.Registry
	room     *room.Room
	peer     *room.Peer
	log      *slog.Logger

	writeWait time.Duration

	state     atomic.Int32
	done      chan struct{}
	closeOnce sync.Once
	onClose   func(*conn)
}

// readLimit is the largest frame accepted from a peer.
func readLimit(maxDocSize int) int64 {
	return max(maxFrameSize, int64(maxDocSize)+frameOverhead)
}

func (c *conn) State() State {
	return State(c.state.Load())
}

func (c *conn) setState(s State) {
	c.state.Store(int32(s))
	c.log.Debug("connection state", "state", s)
}

// shutdown deregisters the peer and closes the socket. Whichever pump
// stops first runs it; leaving the room closes the peer, which releases a
// reader blocked on a full direct queue.
func (c *conn) shutdown() {
	c.closeOnce.Do(func() {
		c.setState(Closing)
		close(c.done)
		remaining := c.registry.Leave(c.room, c.peer)
		c.ws.Close()
		c.setState(Closed)
		c.log.Info("disconnected", "remaining", remaining)
		if c.onClose != nil {
			c.onClose(c)
		}
	})
}

// readPump reads frames until the connection fails or is closed.
func (c *conn) readPump(limit int64) {
	defer c.shutdown()

	c.ws.SetReadLimit(limit)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.log.Warn("websocket error", "err", err)
			}
			return
		}
		if kind != websocket.BinaryMessage {
			c.log.Warn("received non-binary message, ignoring")
			continue
		}
		c.handle(data)
	}
}

func (c *conn) handle(data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		c.log.Warn("failed to parse message", "err", err)
		return
	}

	switch msg.Type {
	case protocol.TagSync:
		snap, err := c.room.ExportSnapshot()
		if err != nil {
			c.log.Error("export snapshot", "err", err)
			return
		}
		frame, err := protocol.EncodeSyncResponse(snap)
		if err != nil {
			c.log.Error("encode sync response", "err", err)
			return
		}
		c.log.Debug("sending sync response", "snapshot", len(snap))
		c.send(frame)

	case protocol.TagUpdate:
		update, err := msg.Bytes()
		if err != nil {
			c.log.Warn("failed to parse update", "err", err)
			return
		}
		res, err := c.room.Commit(c.peer, update)
		if err != nil {
			c.log.Warn("update rejected", "err", err)
			c.sendError(err)
			return
		}
		c.log.Debug("update", "result", res, "bytes", len(update))

	case protocol.TagAwareness:
		c.room.Broadcast(c.peer, data)

	default:
		c.log.Warn("unexpected message from client", "type", msg.Type)
	}
}

func (c *conn) sendError(err error) {
	code := room.Code(err)
	if code == "" {
		code = protocol.CodeUpdateRejected
	}
	frame, encErr := protocol.EncodeError(code, err.Error())
	if encErr != nil {
		c.log.Error("encode error frame", "err", encErr)
		return
	}
	c.send(frame)
}

func (c *conn) send(frame []byte) {
	if err := c.peer.Send(frame); err != nil && !errors.Is(err, room.ErrClosed) {
		c.log.Warn("direct send failed", "err", err)
	}
}

// writePump writes queued frames and keepalive pings. It is the only
// writer of data frames on the connection.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		c.shutdown()
	}()

	for {
		select {
		case frame := <-c.peer.Direct:
			if !c.write(frame) {
				return
			}

		case frame := <-c.peer.Broadcast:
			if !c.write(frame) {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

func (c *conn) write(frame []byte) bool {
	c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
	if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		c.log.Warn("error writing message", "err", err)
		return false
	}
	return true
}

// closeWith sends a close frame and drops the connection. Safe to call
// concurrently with the pumps.
func closeWith(ws *websocket.Conn, code int, reason string) {
	if len(reason) > maxCloseReason {
		reason = strings.ToValidUTF8(reason[:maxCloseReason], "")
	}
	ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	ws.Close()
}
