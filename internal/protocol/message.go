// Package protocol defines the binary envelope exchanged over the websocket.
// Every frame is a msgpack map {"t": tag, "d": payload}.
package protocol

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrMalformed is returned for frames that cannot be decoded.
var ErrMalformed = errors.New("malformed message")

// Tag identifies the kind of a frame.
type Tag string

// Message tags. SyncRequest and SyncResponse share a tag; the direction of
// the frame tells them apart.
const (
	TagSync      Tag = "s"
	TagUpdate    Tag = "u"
	TagAwareness Tag = "a"
	TagError     Tag = "e"
)

// Error codes carried by error frames.
const (
	CodeDocSizeLimit   = "DOC_SIZE_LIMIT"
	CodeUpdateRejected = "UPDATE_REJECTED"
)

// Message is one decoded frame.
type Message struct {
	Type Tag                `msgpack:"t"`
	Data msgpack.RawMessage `msgpack:"d,omitempty"`
}

// ErrorPayload is the payload of an error frame.
type ErrorPayload struct {
	Code    string `msgpack:"code"`
	Message string `msgpack:"message"`
}

func (e ErrorPayload) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Encode builds a frame. A nil payload produces a frame without "d".
func Encode(t Tag, payload any) ([]byte, error) {
	m := Message{Type: t}
	if payload != nil {
		b, err := msgpack.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", t, err)
		}
		m.Data = b
	}
	b, err := msgpack.Marshal(&m)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", t, err)
	}
	return b, nil
}

func EncodeSyncRequest() ([]byte, error) {
	return Encode(TagSync, nil)
}

func EncodeSyncResponse(snapshot []byte) ([]byte, error) {
	return Encode(TagSync, binPayload(snapshot))
}

func EncodeUpdate(update []byte) ([]byte, error) {
	return Encode(TagUpdate, binPayload(update))
}

// EncodeAwareness wraps any msgpack-encodable presence value.
func EncodeAwareness(v any) ([]byte, error) {
	return Encode(TagAwareness, v)
}

func EncodeError(code, message string) ([]byte, error) {
	return Encode(TagError, &ErrorPayload{Code: code, Message: message})
}

// binPayload keeps an empty byte slice on the wire as an empty bin value.
func binPayload(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

// Decode parses a frame. Unknown tags are reported as malformed.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch m.Type {
	case TagSync, TagUpdate, TagAwareness, TagError:
		return &m, nil
	case "":
		return nil, fmt.Errorf("%w: missing tag", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: unknown tag %q", ErrMalformed, m.Type)
	}
}

// HasPayload reports whether the frame carried a "d" field.
func (m *Message) HasPayload() bool {
	return len(m.Data) > 0
}

// DecodePayload decodes the payload into v.
func (m *Message) DecodePayload(v any) error {
	if !m.HasPayload() {
		return fmt.Errorf("%w: %s frame has no payload", ErrMalformed, m.Type)
	}
	if err := msgpack.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformed, m.Type, err)
	}
	return nil
}

// Bytes decodes a binary payload, as carried by update and sync frames.
func (m *Message) Bytes() ([]byte, error) {
	var b []byte
	if err := m.DecodePayload(&b); err != nil {
		return nil, err
	}
	return b, nil
}

// ErrorPayload decodes the payload of an error frame.
func (m *Message) ErrorPayload() (ErrorPayload, error) {
	var p ErrorPayload
	err := m.DecodePayload(&p)
	return p, err
}
