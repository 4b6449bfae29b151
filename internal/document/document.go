// Package document wraps a replicated text document for an editor client.
// Local edits go in through transactions tagged with their origin; remote
// updates are imported and the resulting changes are queued as deltas the
// editor can replay on its own buffer.
package document

import (
	"errors"
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/vihu/tandem/internal/crdt"
)

// Container is the name of the root text container.
const Container = "content"

const (
	originSetText   = "set_text"
	originApplyEdit = "apply_edit"
)

// Document is safe for concurrent use. The mutex is held only for a single
// mutation or drain.
type Document struct {
	mu    sync.Mutex
	doc   *crdt.Doc
	sent  uint32
	queue []Delta
	ready chan struct{}
}

// New returns an empty document with a fresh peer id.
func New() *Document {
	return wrap(crdt.New())
}

// NewWithPeer returns an empty document with a fixed peer id.
func NewWithPeer(peer crdt.PeerID) *Document {
	return wrap(crdt.NewWithPeer(peer))
}

func wrap(doc *crdt.Doc) *Document {
	return &Document{doc: doc, ready: make(chan struct{}, 1)}
}

func (d *Document) Peer() crdt.PeerID {
	return d.doc.Peer()
}

// Text returns the document content, "" if nothing was ever written.
func (d *Document) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Text(Container)
}

// SetText replaces the whole content in one transaction.
func (d *Document) SetText(content string) error {
	if !utf8.ValidString(content) {
		return crdt.ErrInvalidText
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	tx := d.doc.Begin(originSetText)
	if err := tx.Delete(Container, 0, tx.Len(Container)); err != nil {
		return fmt.Errorf("set text: %w", err)
	}
	if err := tx.Insert(Container, 0, content); err != nil {
		return fmt.Errorf("set text: %w", err)
	}
	tx.Commit()
	return nil
}

// ApplyEdit replaces the bytes [start, end) with text. Offsets are clamped
// into the document and moved down to a rune boundary; end < start is
// treated as an insertion at start.
func (d *Document) ApplyEdit(start, end int, text string) error {
	if !utf8.ValidString(text) {
		return crdt.ErrInvalidText
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.applyEditLocked(start, end, text)
	return err
}

// RebaseEdit applies an edit whose offsets refer to the text as it was
// before the queued deltas. It drains the queue, maps the offsets through
// it and applies the edit in one step. Replaying the returned deltas and
// then the returned edit on the old text yields Text().
func (d *Document) RebaseEdit(e Edit) (Edit, []Delta, error) {
	if !utf8.ValidString(e.Text) {
		return Edit{}, nil, crdt.ErrInvalidText
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queue
	d.clearLocked()
	for _, delta := range q {
		e.Start = delta.mapPos(e.Start, true)
		e.End = delta.mapPos(e.End, false)
	}
	applied, err := d.applyEditLocked(e.Start, e.End, e.Text)
	return applied, q, err
}

// applyEditLocked returns the edit after clamping.
func (d *Document) applyEditLocked(start, end int, text string) (Edit, error) {
	current := d.doc.Text(Container)
	start = snap(current, start)
	end = snap(current, end)
	if end < start {
		end = start
	}
	e := Edit{Start: start, End: end, Text: text}
	if start == end && text == "" {
		return e, nil
	}

	tx := d.doc.Begin(originApplyEdit)
	if err := tx.Delete(Container, start, end-start); err != nil {
		return Edit{}, fmt.Errorf("apply edit [%d,%d): %w", start, end, err)
	}
	if err := tx.Insert(Container, start, text); err != nil {
		return Edit{}, fmt.Errorf("apply edit [%d,%d): %w", start, end, err)
	}
	tx.Commit()
	return e, nil
}

// snap clamps pos into [0, len(s)] and moves it down to a rune start.
func snap(s string, pos int) int {
	pos = max(0, min(pos, len(s)))
	for pos > 0 && pos < len(s) && !utf8.RuneStart(s[pos]) {
		pos--
	}
	return pos
}

func (d *Document) VersionVector() crdt.VersionVector {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.VersionVector()
}

// EncodedVersionVector is the version vector in its wire encoding.
func (d *Document) EncodedVersionVector() ([]byte, error) {
	return d.VersionVector().Encode()
}

// ApplyRemoteUpdate imports an update or snapshot from another replica.
// Re-delivering an update already integrated is not an error.
func (d *Document) ApplyRemoteUpdate(update []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.importLocked(update)
}

func (d *Document) importLocked(update []byte) error {
	events, err := d.doc.Import(update)
	if errors.Is(err, crdt.ErrOutdated) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("apply remote update: %w", err)
	}

	wasEmpty := len(d.queue) == 0
	for _, ev := range events {
		if ev.TriggeredBy != crdt.TriggerImport || ev.Container != Container {
			continue
		}
		d.queue = append(d.queue, fromDiff(ev.Diff))
	}
	if wasEmpty && len(d.queue) > 0 {
		select {
		case d.ready <- struct{}{}:
		default:
		}
	}
	return nil
}

// EncodeUpdateFor exports the operations a replica with the encoded version
// vector remoteVV is missing.
func (d *Document) EncodeUpdateFor(remoteVV []byte) ([]byte, error) {
	vv, err := crdt.DecodeVersionVector(remoteVV)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.ExportUpdates(vv)
}

// EncodeFullState exports every integrated operation as one update.
func (d *Document) EncodeFullState() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.ExportUpdates(nil)
}

// Snapshot exports the complete state for a replica starting from nothing.
func (d *Document) Snapshot() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.ExportSnapshot()
}

// PendingLocalUpdate exports the local operations made since the previous
// call. It returns nil when there is nothing new.
func (d *Document) PendingLocalUpdate() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	vv := d.doc.VersionVector()
	self := d.doc.Peer()
	head := vv[self]
	if head == d.sent {
		return nil, nil
	}
	vv[self] = d.sent
	b, err := d.doc.ExportUpdates(vv)
	if err != nil {
		return nil, err
	}
	d.sent = head
	return b, nil
}

// SyncSnapshot imports a server snapshot, discards the deltas it produced
// and returns the resulting text, all under one lock so no remote update
// can slip in between.
func (d *Document) SyncSnapshot(snapshot []byte) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.importLocked(snapshot); err != nil {
		return "", err
	}
	d.clearLocked()
	return d.doc.Text(Container), nil
}

// Poll drains the queued deltas in arrival order.
func (d *Document) Poll() []Delta {
	d.mu.Lock()
	defer d.mu.Unlock()
	q := d.queue
	d.clearLocked()
	return q
}

// Clear discards queued deltas.
func (d *Document) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clearLocked()
}

func (d *Document) clearLocked() {
	d.queue = nil
	select {
	case <-d.ready:
	default:
	}
}

// Ready is signalled when the delta queue goes from empty to non-empty.
func (d *Document) Ready() <-chan struct{} {
	return d.ready
}
