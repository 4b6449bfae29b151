// Package crdt implements a replicated text document. Each named container
// holds an RGA sequence of runes; replicas exchange operation logs encoded
// with msgpack and converge regardless of delivery order or duplication.
package crdt

import (
	"cmp"
	"encoding/binary"
	"fmt"
	"slices"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Doc is one replica. It is not safe for concurrent use.
type Doc struct {
	peer    PeerID
	lamport uint32
	vv      VersionVector
	texts   map[string]*text
	log     map[PeerID][]Op
	pending map[ID]Op
}

// New returns an empty document with a random peer id.
func New() *Doc {
	u := uuid.New()
	peer := PeerID(binary.BigEndian.Uint64(u[:8]))
	if peer == 0 {
		peer = 1
	}
	return NewWithPeer(peer)
}

// NewWithPeer returns an empty document owned by peer.
func NewWithPeer(peer PeerID) *Doc {
	return &Doc{
		peer:    peer,
		vv:      make(VersionVector),
		texts:   make(map[string]*text),
		log:     make(map[PeerID][]Op),
		pending: make(map[ID]Op),
	}
}

func (d *Doc) Peer() PeerID { return d.peer }

// VersionVector returns a copy of the integrated frontier.
func (d *Doc) VersionVector() VersionVector { return d.vv.Clone() }

func (d *Doc) HasContainer(name string) bool {
	_, ok := d.texts[name]
	return ok
}

// Text returns the visible content of a container, "" if it does not exist.
func (d *Doc) Text(name string) string {
	if t := d.texts[name]; t != nil {
		return t.String()
	}
	return ""
}

// Len returns the UTF-8 byte length of a container.
func (d *Doc) Len(name string) int {
	if t := d.texts[name]; t != nil {
		return t.size
	}
	return 0
}

// PendingOps is the number of received operations waiting for a dependency.
func (d *Doc) PendingOps() int { return len(d.pending) }

// Txn groups local edits into one batch of events.
type Txn struct {
	doc *Doc
	tr  *tracker
}

// Begin starts a local transaction. origin is copied into every emitted event.
func (d *Doc) Begin(origin string) *Txn {
	return &Txn{doc: d, tr: newTracker(TriggerLocal, origin)}
}

// Len is the byte length of a container including edits made in this txn.
func (tx *Txn) Len(container string) int {
	return tx.doc.Len(container)
}

// Insert places s at byte offset pos. The container is created on first use.
func (tx *Txn) Insert(container string, pos int, s string) error {
	if !utf8.ValidString(s) {
		return ErrInvalidText
	}
	d := tx.doc
	t := d.texts[container]
	if t == nil {
		if pos != 0 {
			return fmt.Errorf("%w: insert at %d into empty %q", ErrOutOfRange, pos, container)
		}
		if s == "" {
			return nil
		}
		t = newText()
		d.texts[container] = t
	}
	if s == "" {
		return nil
	}
	origin, err := t.originAt(pos)
	if err != nil {
		return fmt.Errorf("%w: insert at %d of %d", err, pos, t.size)
	}
	d.apply(Op{
		ID:        ID{Peer: d.peer, Counter: d.vv[d.peer]},
		Lamport:   d.lamport,
		Container: container,
		Kind:      OpInsert,
		Origin:    origin,
		Text:      s,
	}, tx.tr)
	return nil
}

// Delete removes n bytes starting at byte offset pos.
func (tx *Txn) Delete(container string, pos, n int) error {
	d := tx.doc
	t := d.texts[container]
	if n == 0 && pos >= 0 && pos <= d.Len(container) {
		return nil
	}
	if t == nil {
		return fmt.Errorf("%w: delete from empty %q", ErrOutOfRange, container)
	}
	spans, err := t.spansIn(pos, n)
	if err != nil {
		return fmt.Errorf("%w: delete %d at %d of %d", err, n, pos, t.size)
	}
	d.apply(Op{
		ID:        ID{Peer: d.peer, Counter: d.vv[d.peer]},
		Lamport:   d.lamport,
		Container: container,
		Kind:      OpDelete,
		Targets:   spans,
	}, tx.tr)
	return nil
}

// Commit ends the transaction and returns one event per changed container.
func (tx *Txn) Commit() []Event {
	events := tx.tr.events(tx.doc.texts)
	tx.tr = newTracker(TriggerLocal, tx.tr.origin)
	return events
}

func (d *Doc) apply(op Op, tr *tracker) {
	t := d.texts[op.Container]
	if t == nil {
		t = newText()
		d.texts[op.Container] = t
	}
	switch op.Kind {
	case OpInsert:
		t.integrate(&op, tr)
	case OpDelete:
		t.remove(op.Targets, tr)
	}
	n := op.units()
	d.vv[op.ID.Peer] = op.ID.Counter + n
	if end := op.Lamport + n; end > d.lamport {
		d.lamport = end
	}
	d.log[op.ID.Peer] = append(d.log[op.ID.Peer], op)
	tr.touch(op.Container)
}

// fresh trims the already integrated prefix off op. It returns false when
// nothing of op is new.
func (d *Doc) fresh(op Op) (Op, bool) {
	next := d.vv[op.ID.Peer]
	if op.ID.Counter >= next {
		return op, true
	}
	if op.last().Counter < next {
		return op, false
	}
	return op.trimFront(next - op.ID.Counter), true
}

func (d *Doc) ready(op *Op) bool {
	if op.ID.Counter != d.vv[op.ID.Peer] {
		return false
	}
	t := d.texts[op.Container]
	if t == nil {
		return op.Kind == OpInsert && op.Origin == nil
	}
	return t.ready(op)
}

func (d *Doc) park(op Op) bool {
	if prev, ok := d.pending[op.ID]; ok && prev.units() >= op.units() {
		return false
	}
	d.pending[op.ID] = op
	return true
}

// Import integrates a payload produced by ExportSnapshot or ExportUpdates.
// A payload that fails to decode leaves the document untouched. Operations
// whose dependencies are missing are kept until a later import supplies them.
// ErrOutdated is returned when the payload carries nothing new.
func (d *Doc) Import(data []byte) ([]Event, error) {
	tr := newTracker(TriggerImport, "")
	if err := d.importPayload(data, tr); err != nil {
		return nil, err
	}
	return tr.events(d.texts), nil
}

// Merge imports like Import but computes no events. It suits replicas that
// never render the text.
func (d *Doc) Merge(data []byte) error {
	return d.importPayload(data, nil)
}

func (d *Doc) importPayload(data []byte, tr *tracker) error {
	p, err := decodePayload(data)
	if err != nil {
		return err
	}

	novel := false
	for _, op := range p.Ops {
		op, ok := d.fresh(op)
		if !ok {
			continue
		}
		if d.park(op) {
			novel = true
		}
	}
	if !novel {
		return ErrOutdated
	}

	for {
		progressed := false
		ids := make([]ID, 0, len(d.pending))
		for id := range d.pending {
			ids = append(ids, id)
		}
		slices.SortFunc(ids, compareID)
		for _, id := range ids {
			op, ok := d.pending[id]
			if !ok {
				continue
			}
			delete(d.pending, id)
			op, ok = d.fresh(op)
			if !ok {
				continue
			}
			if d.ready(&op) {
				d.apply(op, tr)
				progressed = true
				continue
			}
			d.park(op)
		}
		if !progressed {
			break
		}
	}
	return nil
}

func compareID(a, b ID) int {
	if c := cmp.Compare(a.Peer, b.Peer); c != 0 {
		return c
	}
	return cmp.Compare(a.Counter, b.Counter)
}

// ExportSnapshot encodes the complete state, including operations still
// waiting for dependencies. Importing it into an empty document reproduces
// this one.
func (d *Doc) ExportSnapshot() ([]byte, error) {
	ops := d.collect(nil)
	for _, op := range d.pending {
		ops = append(ops, op)
	}
	sortOps(ops)
	return encodePayload(kindSnapshot, ops)
}

// ExportUpdates encodes the integrated operations not covered by from. A nil
// or empty vector exports everything.
func (d *Doc) ExportUpdates(from VersionVector) ([]byte, error) {
	ops := d.collect(from)
	sortOps(ops)
	return encodePayload(kindUpdates, ops)
}

func (d *Doc) collect(from VersionVector) []Op {
	var ops []Op
	for peer, log := range d.log {
		known := from[peer]
		start := len(ops)
		for _, op := range log {
			if op.last().Counter < known {
				continue
			}
			if op.ID.Counter < known {
				op = op.trimFront(known - op.ID.Counter)
			}
			if n := len(ops); n > start && ops[n-1].canMerge(&op) {
				ops[n-1].Text += op.Text
				continue
			}
			ops = append(ops, op)
		}
	}
	return ops
}

func sortOps(ops []Op) {
	slices.SortFunc(ops, func(a, b Op) int {
		if c := cmp.Compare(a.Lamport, b.Lamport); c != 0 {
			return c
		}
		return compareID(a.ID, b.ID)
	})
}
