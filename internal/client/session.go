package client

import (
	"log/slog"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/vihu/tandem/internal/document"
	"github.com/vihu/tandem/internal/protocol"
)

// Session routes server frames into a document and exposes the rest on
// channels.
type Session struct {
	client *Client
	doc    *document.Document
	log    *slog.Logger

	// Synced receives the document text after each sync response.
	Synced chan string
	// Awareness receives presence payloads relayed from other peers.
	Awareness chan msgpack.RawMessage
	// Errors receives error frames from the server.
	Errors chan protocol.ErrorPayload

	done chan struct{}
}

func NewSession(client *Client, doc *document.Document, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		client:    client,
		doc:       doc,
		log:       log,
		Synced:    make(chan string, 1),
		Awareness: make(chan msgpack.RawMessage, 32),
		Errors:    make(chan protocol.ErrorPayload, 8),
		done:      make(chan struct{}),
	}
}

func (s *Session) Document() *document.Document {
	return s.doc
}

// Start begins routing incoming frames.
func (s *Session) Start() {
	go s.run()
}

// Done is closed once the connection has ended.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err reports why the connection ended.
func (s *Session) Err() error {
	return s.client.Err()
}

func (s *Session) run() {
	defer close(s.done)

	for msg := range s.client.Incoming() {
		switch msg.Type {
		case protocol.TagSync:
			s.handleSync(msg)

		case protocol.TagUpdate:
			s.handleUpdate(msg)

		case protocol.TagAwareness:
			select {
			case s.Awareness <- msg.Data:
			default:
				s.log.Debug("awareness channel full, dropping")
			}

		case protocol.TagError:
			s.handleError(msg)
		}
	}
}

// handleSync imports the snapshot and publishes the resulting text,
// replacing an unread previous one.
func (s *Session) handleSync(msg *protocol.Message) {
	snap, err := msg.Bytes()
	if err != nil {
		s.log.Warn("bad sync response", "err", err)
		return
	}
	text, err := s.doc.SyncSnapshot(snap)
	if err != nil {
		s.log.Warn("failed to import snapshot", "err", err)
		return
	}
	select {
	case s.Synced <- text:
	default:
		select {
		case <-s.Synced:
		default:
		}
		s.Synced <- text
	}
}

func (s *Session) handleUpdate(msg *protocol.Message) {
	update, err := msg.Bytes()
	if err != nil {
		s.log.Warn("bad update", "err", err)
		return
	}
	if err := s.doc.ApplyRemoteUpdate(update); err != nil {
		s.log.Warn("failed to apply remote update", "err", err)
	}
}

func (s *Session) handleError(msg *protocol.Message) {
	p, err := msg.ErrorPayload()
	if err != nil {
		p = protocol.ErrorPayload{Message: "unknown error from server"}
	}
	s.log.Debug("server error", "code", p.Code, "message", p.Message)
	select {
	case s.Errors <- p:
	default:
		s.log.Warn("dropping server error", "code", p.Code, "message", p.Message)
	}
}

// RequestSync asks the server for a snapshot; the reply arrives on Synced.
func (s *Session) RequestSync() error {
	frame, err := protocol.EncodeSyncRequest()
	if err != nil {
		return err
	}
	return s.client.Send(frame)
}

// Flush sends local changes made since the last flush as one update.
func (s *Session) Flush() error {
	update, err := s.doc.PendingLocalUpdate()
	if err != nil || update == nil {
		return err
	}
	frame, err := protocol.EncodeUpdate(update)
	if err != nil {
		return err
	}
	return s.client.Send(frame)
}

// SendAwareness publishes a presence value to the other peers.
func (s *Session) SendAwareness(v any) error {
	frame, err := protocol.EncodeAwareness(v)
	if err != nil {
		return err
	}
	return s.client.Send(frame)
}

// Close ends the connection.
func (s *Session) Close() {
	s.client.Close()
}
