package crdt

import (
	"slices"
	"strings"
	"unicode/utf8"
)

// item is one rune of a text container. Deleted items stay in place as
// tombstones so later operations can still anchor to them.
type item struct {
	id      ID
	lamport uint32
	r       rune
	deleted bool
}

func (it *item) size() int {
	return utf8.RuneLen(it.r)
}

// greater reports whether it sorts before a sibling with the given key.
// Siblings anchored to the same origin are ordered by descending
// (lamport, peer), which makes the order identical on every replica.
func (it *item) greater(lamport uint32, peer PeerID) bool {
	if it.lamport != lamport {
		return it.lamport > lamport
	}
	return it.id.Peer > peer
}

// text is an RGA sequence of runes.
type text struct {
	items []*item
	index map[ID]*item
	size  int
}

func newText() *text {
	return &text{index: make(map[ID]*item)}
}

func (t *text) String() string {
	var b strings.Builder
	b.Grow(t.size)
	for _, it := range t.items {
		if !it.deleted {
			b.WriteRune(it.r)
		}
	}
	return b.String()
}

func (t *text) position(id ID) int {
	target := t.index[id]
	if target == nil {
		return -1
	}
	return slices.Index(t.items, target)
}

// ready reports whether every unit op depends on is present.
func (t *text) ready(op *Op) bool {
	switch op.Kind {
	case OpInsert:
		return op.Origin == nil || t.index[*op.Origin] != nil
	case OpDelete:
		for _, s := range op.Targets {
			for k := uint32(0); k < s.Len; k++ {
				if t.index[s.Start.next(k)] == nil {
					return false
				}
			}
		}
		return true
	}
	return false
}

// integrate places an insert run. Starting right after the origin it skips
// every item that sorts before the run, then inserts the runes contiguously.
func (t *text) integrate(op *Op, tr *tracker) {
	i := 0
	if op.Origin != nil {
		i = t.position(*op.Origin) + 1
	}
	for i < len(t.items) && t.items[i].greater(op.Lamport, op.ID.Peer) {
		i++
	}

	runes := []rune(op.Text)
	added := make([]*item, len(runes))
	for k, r := range runes {
		it := &item{id: op.ID.next(uint32(k)), lamport: op.Lamport + uint32(k), r: r}
		added[k] = it
		t.index[it.id] = it
		t.size += it.size()
		tr.insert(it)
	}
	t.items = slices.Insert(t.items, i, added...)
}

func (t *text) remove(spans []Span, tr *tracker) {
	for _, s := range spans {
		for k := uint32(0); k < s.Len; k++ {
			it := t.index[s.Start.next(k)]
			if it == nil || it.deleted {
				continue
			}
			it.deleted = true
			t.size -= it.size()
			tr.remove(it)
		}
	}
}

// originAt returns the id of the visible rune ending at byte offset pos, or
// nil for the start of the text.
func (t *text) originAt(pos int) (*ID, error) {
	if pos < 0 || pos > t.size {
		return nil, ErrOutOfRange
	}
	if pos == 0 {
		return nil, nil
	}
	acc := 0
	for _, it := range t.items {
		if it.deleted {
			continue
		}
		acc += it.size()
		if acc == pos {
			id := it.id
			return &id, nil
		}
		if acc > pos {
			break
		}
	}
	return nil, ErrOutOfRange
}

// spansIn returns the units of the visible bytes [pos, pos+n).
func (t *text) spansIn(pos, n int) ([]Span, error) {
	end := pos + n
	if pos < 0 || n < 0 || end > t.size {
		return nil, ErrOutOfRange
	}
	var spans []Span
	acc := 0
	for _, it := range t.items {
		if acc >= end {
			break
		}
		if it.deleted {
			continue
		}
		l := it.size()
		switch {
		case acc >= pos:
			if acc+l > end {
				return nil, ErrOutOfRange
			}
			spans = appendUnit(spans, it.id)
		case acc+l > pos:
			return nil, ErrOutOfRange
		}
		acc += l
	}
	return spans, nil
}

func appendUnit(spans []Span, id ID) []Span {
	if n := len(spans); n > 0 {
		last := &spans[n-1]
		if last.Start.Peer == id.Peer && last.Start.Counter+last.Len == id.Counter {
			last.Len++
			return spans
		}
	}
	return append(spans, Span{Start: id, Len: 1})
}
