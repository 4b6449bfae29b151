package crdt_test

import (
	"errors"
	"math/rand"
	"reflect"
	"runtime/debug"
	"strings"
	"testing"
	"time"

	"github.com/vihu/tandem/internal/crdt"
)

const content = "content"

func fatalf(t *testing.T, format string, v ...interface{}) {
	t.Helper()
	debug.PrintStack()
	t.Fatalf(format, v...)
}

func ok(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		fatalf(t, "unexpected error: %v", err)
	}
}

func eq(t *testing.T, got, want interface{}) {
	t.Helper()
	if !reflect.DeepEqual(got, want) {
		fatalf(t, "got %v, want %v", got, want)
	}
}

func insert(t *testing.T, d *crdt.Doc, pos int, s string) []crdt.Event {
	t.Helper()
	tx := d.Begin("test")
	ok(t, tx.Insert(content, pos, s))
	return tx.Commit()
}

func del(t *testing.T, d *crdt.Doc, pos, n int) []crdt.Event {
	t.Helper()
	tx := d.Begin("test")
	ok(t, tx.Delete(content, pos, n))
	return tx.Commit()
}

func snapshot(t *testing.T, d *crdt.Doc) []byte {
	t.Helper()
	b, err := d.ExportSnapshot()
	ok(t, err)
	return b
}

func updates(t *testing.T, d *crdt.Doc, from crdt.VersionVector) []byte {
	t.Helper()
	b, err := d.ExportUpdates(from)
	ok(t, err)
	return b
}

// replay applies a diff to the text it was computed against.
func replay(t *testing.T, s string, diff []crdt.TextDelta) string {
	t.Helper()
	var b strings.Builder
	pos := 0
	for _, d := range diff {
		switch {
		case d.Retain > 0:
			b.WriteString(s[pos : pos+d.Retain])
			pos += d.Retain
		case d.Insert != "":
			b.WriteString(d.Insert)
		case d.Delete > 0:
			pos += d.Delete
		}
	}
	b.WriteString(s[pos:])
	return b.String()
}

func TestLocalEdits(t *testing.T) {
	d := crdt.NewWithPeer(1)
	eq(t, d.HasContainer(content), false)

	events := insert(t, d, 0, "Hello")
	eq(t, len(events), 1)
	eq(t, events[0].TriggeredBy, crdt.TriggerLocal)
	eq(t, events[0].Origin, "test")
	eq(t, events[0].Container, content)
	eq(t, events[0].Diff, []crdt.TextDelta{{Insert: "Hello"}})
	eq(t, d.HasContainer(content), true)

	events = insert(t, d, 5, " world")
	eq(t, events[0].Diff, []crdt.TextDelta{{Retain: 5}, {Insert: " world"}})
	eq(t, d.Text(content), "Hello world")

	events = del(t, d, 0, 6)
	eq(t, events[0].Diff, []crdt.TextDelta{{Delete: 6}})
	eq(t, d.Text(content), "world")
	eq(t, d.Len(content), 5)
}

func TestTxnBatchesEdits(t *testing.T) {
	d := crdt.NewWithPeer(1)
	insert(t, d, 0, "abc")

	tx := d.Begin("batch")
	ok(t, tx.Delete(content, 0, 3))
	ok(t, tx.Insert(content, 0, "xyz"))
	eq(t, tx.Len(content), 3)
	events := tx.Commit()
	eq(t, len(events), 1)
	eq(t, events[0].Diff, []crdt.TextDelta{{Insert: "xyz"}, {Delete: 3}})
	eq(t, replay(t, "abc", events[0].Diff), "xyz")
}

func TestRuneBoundaries(t *testing.T) {
	d := crdt.NewWithPeer(1)
	insert(t, d, 0, "héllo")
	eq(t, d.Len(content), 6)

	tx := d.Begin("")
	eq(t, errors.Is(tx.Insert(content, 2, "x"), crdt.ErrOutOfRange), true)
	eq(t, errors.Is(tx.Delete(content, 2, 1), crdt.ErrOutOfRange), true)
	eq(t, errors.Is(tx.Delete(content, 1, 1), crdt.ErrOutOfRange), true)
	eq(t, errors.Is(tx.Insert(content, 7, "x"), crdt.ErrOutOfRange), true)
	eq(t, errors.Is(tx.Insert(content, 0, "\xff"), crdt.ErrInvalidText), true)
	ok(t, tx.Delete(content, 1, 2))
	tx.Commit()
	eq(t, d.Text(content), "hllo")
}

func TestConcurrentInsertsConverge(t *testing.T) {
	a := crdt.NewWithPeer(1)
	b := crdt.NewWithPeer(2)
	insert(t, a, 0, "Hello")
	insert(t, b, 0, "World")

	_, err := a.Import(snapshot(t, b))
	ok(t, err)
	_, err = b.Import(snapshot(t, a))
	ok(t, err)

	eq(t, a.Text(content), b.Text(content))
	eq(t, a.Text(content), "WorldHello")
	eq(t, a.VersionVector(), b.VersionVector())
}

func TestImportEvents(t *testing.T) {
	a := crdt.NewWithPeer(1)
	b := crdt.NewWithPeer(2)
	insert(t, a, 0, "Hello world")
	del(t, a, 0, 6)

	events, err := b.Import(snapshot(t, a))
	ok(t, err)
	eq(t, len(events), 1)
	eq(t, events[0].TriggeredBy, crdt.TriggerImport)
	eq(t, events[0].Diff, []crdt.TextDelta{{Insert: "world"}})

	vv := b.VersionVector()
	insert(t, a, 5, "!")
	events, err = b.Import(updates(t, a, vv))
	ok(t, err)
	eq(t, events[0].Diff, []crdt.TextDelta{{Retain: 5}, {Insert: "!"}})
	eq(t, b.Text(content), "world!")
}

func TestImportIsIdempotent(t *testing.T) {
	a := crdt.NewWithPeer(1)
	b := crdt.NewWithPeer(2)
	insert(t, a, 0, "abc")
	snap := snapshot(t, a)

	_, err := b.Import(snap)
	ok(t, err)
	_, err = b.Import(snap)
	eq(t, errors.Is(err, crdt.ErrOutdated), true)
	_, err = a.Import(snap)
	eq(t, errors.Is(err, crdt.ErrOutdated), true)
	eq(t, b.Text(content), "abc")
}

func TestImportOutOfOrder(t *testing.T) {
	a := crdt.NewWithPeer(1)
	b := crdt.NewWithPeer(2)
	insert(t, a, 0, "ab")
	first := updates(t, a, nil)
	vv := a.VersionVector()
	insert(t, a, 2, "c")
	second := updates(t, a, vv)

	events, err := b.Import(second)
	ok(t, err)
	eq(t, len(events), 0)
	eq(t, b.Text(content), "")
	eq(t, b.PendingOps(), 1)

	events, err = b.Import(first)
	ok(t, err)
	eq(t, len(events), 1)
	eq(t, events[0].Diff, []crdt.TextDelta{{Insert: "abc"}})
	eq(t, b.PendingOps(), 0)
	eq(t, b.VersionVector(), a.VersionVector())
}

func TestOverlappingUpdates(t *testing.T) {
	a := crdt.NewWithPeer(1)
	b := crdt.NewWithPeer(2)
	insert(t, a, 0, "ab")
	_, err := b.Import(updates(t, a, nil))
	ok(t, err)
	insert(t, a, 2, "cd")

	events, err := b.Import(updates(t, a, nil))
	ok(t, err)
	eq(t, events[0].Diff, []crdt.TextDelta{{Retain: 2}, {Insert: "cd"}})
	eq(t, b.Text(content), "abcd")
}

func TestInvalidPayload(t *testing.T) {
	d := crdt.NewWithPeer(1)
	insert(t, d, 0, "keep")
	for _, data := range [][]byte{nil, {0xc1}, []byte("garbage")} {
		_, err := d.Import(data)
		eq(t, errors.Is(err, crdt.ErrInvalidUpdate), true)
	}
	eq(t, d.Text(content), "keep")
}

func TestUpdatesSmallerThanSnapshot(t *testing.T) {
	a := crdt.NewWithPeer(1)
	insert(t, a, 0, strings.Repeat("lorem ipsum ", 200))
	vv := a.VersionVector()
	insert(t, a, 0, "x")

	diff := updates(t, a, vv)
	snap := snapshot(t, a)
	if len(diff) >= len(snap) {
		fatalf(t, "diff %d bytes, snapshot %d bytes", len(diff), len(snap))
	}

	empty := updates(t, a, a.VersionVector())
	_, err := crdt.NewWithPeer(2).Import(empty)
	eq(t, errors.Is(err, crdt.ErrOutdated), true)
}

func TestVersionVectorEncoding(t *testing.T) {
	a := crdt.NewWithPeer(7)
	insert(t, a, 0, "abc")
	b, err := a.VersionVector().Encode()
	ok(t, err)
	vv, err := crdt.DecodeVersionVector(b)
	ok(t, err)
	eq(t, vv, crdt.VersionVector{7: 3})

	vv, err = crdt.DecodeVersionVector(nil)
	ok(t, err)
	eq(t, len(vv), 0)

	_, err = crdt.DecodeVersionVector([]byte{0xc1})
	eq(t, errors.Is(err, crdt.ErrInvalidUpdate), true)
}

func TestRandomEditsConverge(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	docs := []*crdt.Doc{crdt.NewWithPeer(1), crdt.NewWithPeer(2), crdt.NewWithPeer(3)}
	const alphabet = "abcdefghij"

	sync := func(dst, src *crdt.Doc) {
		before := dst.Text(content)
		events, err := dst.Import(updates(t, src, dst.VersionVector()))
		if errors.Is(err, crdt.ErrOutdated) {
			return
		}
		ok(t, err)
		after := before
		for _, ev := range events {
			after = replay(t, after, ev.Diff)
		}
		eq(t, after, dst.Text(content))
	}

	for round := 0; round < 200; round++ {
		d := docs[rng.Intn(len(docs))]
		n := d.Len(content)
		if n > 0 && rng.Intn(3) == 0 {
			pos := rng.Intn(n)
			del(t, d, pos, 1+rng.Intn(n-pos))
		} else {
			s := string(alphabet[rng.Intn(len(alphabet))])
			insert(t, d, rng.Intn(n+1), strings.Repeat(s, 1+rng.Intn(3)))
		}
		if rng.Intn(4) == 0 {
			i, j := rng.Intn(len(docs)), rng.Intn(len(docs))
			if i != j {
				sync(docs[i], docs[j])
			}
		}
	}

	for pass := 0; pass < 2; pass++ {
		for _, dst := range docs {
			for _, src := range docs {
				if dst != src {
					sync(dst, src)
				}
			}
		}
	}
	for _, d := range docs[1:] {
		eq(t, d.Text(content), docs[0].Text(content))
		eq(t, d.VersionVector(), docs[0].VersionVector())
	}
}

func TestLargeInsertIsLinear(t *testing.T) {
	big := strings.Repeat("päste ", 20_000)

	start := time.Now()
	a := crdt.NewWithPeer(1)
	insert(t, a, 0, "<>")
	events := insert(t, a, 1, big)
	eq(t, len(events), 1)
	eq(t, events[0].Diff, []crdt.TextDelta{{Retain: 1}, {Insert: big}})

	b := crdt.NewWithPeer(2)
	events, err := b.Import(updates(t, a, nil))
	ok(t, err)
	eq(t, len(events), 1)
	eq(t, events[0].Diff, []crdt.TextDelta{{Insert: "<" + big + ">"}})

	c := crdt.NewWithPeer(3)
	ok(t, c.Merge(snapshot(t, a)))
	eq(t, c.Text(content), a.Text(content))

	if elapsed := time.Since(start); elapsed > 2*time.Second {
		fatalf(t, "120k rune insert took %s", elapsed)
	}
}

func TestMergeMatchesImport(t *testing.T) {
	a := crdt.NewWithPeer(1)
	insert(t, a, 0, "hello")
	u := updates(t, a, nil)

	b := crdt.NewWithPeer(2)
	ok(t, b.Merge(u))
	eq(t, b.Text(content), "hello")
	eq(t, errors.Is(b.Merge(u), crdt.ErrOutdated), true)
	eq(t, errors.Is(b.Merge([]byte{0xc1}), crdt.ErrInvalidUpdate), true)
}
