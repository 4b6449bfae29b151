package crdt

import (
	"errors"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/vmihailenco/msgpack/v5"
)

var (
	// ErrOutdated is returned by Import when every operation in the payload
	// is already integrated.
	ErrOutdated = errors.New("update already applied or outdated")

	// ErrInvalidUpdate is returned when a payload cannot be decoded or
	// contains a malformed operation.
	ErrInvalidUpdate = errors.New("invalid update")

	// ErrOutOfRange is returned for local edits outside the text or not on a
	// rune boundary.
	ErrOutOfRange = errors.New("offset out of range")

	// ErrInvalidText is returned when inserted text is not valid UTF-8.
	ErrInvalidText = errors.New("text is not valid utf-8")
)

// OpKind distinguishes insert and delete operations.
type OpKind uint8

const (
	OpInsert OpKind = 1
	OpDelete OpKind = 2
)

// Op is one replicated operation. An insert carries a run of runes whose
// units are ID, ID+1, ... with Lamport timestamps Lamport, Lamport+1, ...;
// rune k>0 of the run is anchored after rune k-1. A delete tombstones the
// units named by Targets.
type Op struct {
	ID        ID     `msgpack:"id"`
	Lamport   uint32 `msgpack:"lp"`
	Container string `msgpack:"ct"`
	Kind      OpKind `msgpack:"k"`
	Origin    *ID    `msgpack:"o,omitempty"`
	Text      string `msgpack:"x,omitempty"`
	Targets   []Span `msgpack:"tg,omitempty"`
}

// units is the number of counter values the op consumes.
func (op *Op) units() uint32 {
	if op.Kind == OpInsert {
		return uint32(utf8.RuneCountInString(op.Text))
	}
	return 1
}

func (op *Op) last() ID {
	return op.ID.next(op.units() - 1)
}

// trimFront drops the first k runes of an insert run.
func (op Op) trimFront(k uint32) Op {
	runes := []rune(op.Text)
	origin := op.ID.next(k - 1)
	op.Origin = &origin
	op.ID = op.ID.next(k)
	op.Lamport += k
	op.Text = string(runes[k:])
	return op
}

func (op *Op) validate() error {
	if op.Container == "" {
		return fmt.Errorf("%w: op %s has no container", ErrInvalidUpdate, op.ID)
	}
	switch op.Kind {
	case OpInsert:
		if op.Text == "" || !utf8.ValidString(op.Text) {
			return fmt.Errorf("%w: op %s has empty or invalid text", ErrInvalidUpdate, op.ID)
		}
		if len(op.Targets) > 0 {
			return fmt.Errorf("%w: insert %s carries targets", ErrInvalidUpdate, op.ID)
		}
	case OpDelete:
		if len(op.Targets) == 0 || op.Text != "" || op.Origin != nil {
			return fmt.Errorf("%w: malformed delete %s", ErrInvalidUpdate, op.ID)
		}
		for _, s := range op.Targets {
			if s.Len == 0 || uint64(s.Start.Counter)+uint64(s.Len) > math.MaxUint32 {
				return fmt.Errorf("%w: delete %s has a bad span", ErrInvalidUpdate, op.ID)
			}
		}
	default:
		return fmt.Errorf("%w: unknown op kind %d", ErrInvalidUpdate, op.Kind)
	}
	n := uint64(op.units())
	if uint64(op.ID.Counter)+n > math.MaxUint32 || uint64(op.Lamport)+n > math.MaxUint32 {
		return fmt.Errorf("%w: op %s overflows its counters", ErrInvalidUpdate, op.ID)
	}
	return nil
}

// canMerge reports whether next directly continues the insert run op.
func (op *Op) canMerge(next *Op) bool {
	if op.Kind != OpInsert || next.Kind != OpInsert || op.Container != next.Container {
		return false
	}
	n := op.units()
	return next.ID == op.ID.next(n) &&
		next.Lamport == op.Lamport+n &&
		next.Origin != nil && *next.Origin == op.last()
}

const formatVersion = 1

type payloadKind uint8

const (
	kindUpdates  payloadKind = 1
	kindSnapshot payloadKind = 2
)

type payload struct {
	Version uint8       `msgpack:"v"`
	Kind    payloadKind `msgpack:"k"`
	Ops     []Op        `msgpack:"ops"`
}

func encodePayload(kind payloadKind, ops []Op) ([]byte, error) {
	b, err := msgpack.Marshal(&payload{Version: formatVersion, Kind: kind, Ops: ops})
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}

func decodePayload(data []byte) (*payload, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidUpdate)
	}
	var p payload
	if err := msgpack.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	if p.Version != formatVersion {
		return nil, fmt.Errorf("%w: unsupported format version %d", ErrInvalidUpdate, p.Version)
	}
	if p.Kind != kindUpdates && p.Kind != kindSnapshot {
		return nil, fmt.Errorf("%w: unknown payload kind %d", ErrInvalidUpdate, p.Kind)
	}
	for i := range p.Ops {
		if err := p.Ops[i].validate(); err != nil {
			return nil, err
		}
	}
	return &p, nil
}
