package client

import (
	"fmt"
	"os"

	"github.com/vmihailenco/msgpack/v5"
)

// Presence is the awareness value published by the tandem commands.
// The server relays awareness payloads without looking at them, so other
// editors may send anything; DecodePresence rejects what it can't read.
type Presence struct {
	Name string `msgpack:"name"`
	Mode string `msgpack:"mode,omitempty"`
}

// DefaultName is the presence name used when none is configured.
func DefaultName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "anonymous"
}

func DecodePresence(raw msgpack.RawMessage) (Presence, error) {
	var p Presence
	if err := msgpack.Unmarshal(raw, &p); err != nil {
		return Presence{}, fmt.Errorf("decode presence: %w", err)
	}
	if p.Name == "" {
		return Presence{}, fmt.Errorf("decode presence: missing name")
	}
	return p, nil
}
