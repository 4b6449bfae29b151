// Package client connects an editor's document to a relay server room.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"github.com/vihu/tandem/internal/dns"
	"github.com/vihu/tandem/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// DefaultReadLimit matches the server's frame cap. A sync response is
	// as large as the room's document, so rooms allowed to grow past it
	// need clients with a larger ReadLimit.
	DefaultReadLimit = 64 << 20

	// DefaultRetries is how many times Connect redials before giving up.
	DefaultRetries = 5
)

// ErrClosed is returned when sending on a closed client.
var ErrClosed = errors.New("connection closed")

// Client manages the WebSocket connection to one room.
type Client struct {
	url      string
	log      *slog.Logger
	Resolver *dns.Resolver
	Retries  uint64

	// ReadLimit is the largest frame accepted from the server.
	ReadLimit int64

	conn      *websocket.Conn
	incoming  chan *protocol.Message
	outgoing  chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

// New creates a client for the websocket URL of a room.
func New(roomURL string, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		url:       roomURL,
		log:       log,
		Resolver:  dns.Default,
		Retries:   DefaultRetries,
		ReadLimit: DefaultReadLimit,
		incoming:  make(chan *protocol.Message, 64),
		outgoing:  make(chan []byte, 64),
		done:      make(chan struct{}),
	}
}

// Connect dials the server, retrying with exponential backoff, and starts
// the read and write pumps.
func (c *Client) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{
		NetDialContext:   c.Resolver.DialContext,
		HandshakeTimeout: 10 * time.Second,
	}

	var conn *websocket.Conn
	dial := func() error {
		ws, _, err := dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			return err
		}
		conn = ws
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 200 * time.Millisecond
	eb.MaxElapsedTime = 30 * time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, c.Retries), ctx)

	err := backoff.RetryNotify(dial, policy, func(err error, wait time.Duration) {
		c.log.Warn("connect failed, retrying", "url", c.url, "err", err, "wait", wait)
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("failed to connect to %s: %w", c.url, err)
	}

	c.conn = conn
	c.conn.SetReadLimit(c.ReadLimit)
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	c.log.Debug("connected", "url", c.url)

	go c.readPump()
	go c.writePump()
	return nil
}

// readPump decodes frames from the server until the connection ends.
func (c *Client) readPump() {
	defer func() {
		c.conn.Close()
		close(c.incoming)
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			c.setErr(err)
			return
		}
		if kind != websocket.BinaryMessage {
			c.log.Warn("ignoring non-binary message")
			continue
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			c.log.Warn("failed to parse message", "err", err)
			continue
		}
		c.incoming <- msg
	}
}

// writePump writes queued frames and sends periodic pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.outgoing:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				c.setErr(err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// Send queues a frame for the server.
func (c *Client) Send(frame []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.outgoing <- frame:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// Incoming is closed when the connection ends.
func (c *Client) Incoming() <-chan *protocol.Message {
	return c.incoming
}

// Err reports why the connection ended, nil while it is open.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

// Close sends a close frame and stops the pumps.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}
