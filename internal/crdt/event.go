package crdt

import "strings"

// Trigger tells what produced an Event.
type Trigger uint8

const (
	TriggerLocal Trigger = iota + 1
	TriggerImport
)

func (t Trigger) String() string {
	switch t {
	case TriggerLocal:
		return "local"
	case TriggerImport:
		return "import"
	default:
		return "unknown"
	}
}

// TextDelta is one step of a text diff. Exactly one field is non-zero.
// Retain and Delete count UTF-8 bytes of the text before the change.
type TextDelta struct {
	Retain int
	Insert string
	Delete int
}

// Event describes how one container changed during a transaction or import.
type Event struct {
	TriggeredBy Trigger
	Origin      string
	Container   string
	Diff        []TextDelta
}

// tracker collects the items touched by one batch so the visible change can
// be diffed afterwards. A nil tracker records nothing.
type tracker struct {
	trigger    Trigger
	origin     string
	inserted   map[*item]struct{}
	deleted    map[*item]struct{}
	containers []string
	seen       map[string]struct{}
}

func newTracker(trigger Trigger, origin string) *tracker {
	return &tracker{
		trigger:  trigger,
		origin:   origin,
		inserted: make(map[*item]struct{}),
		deleted:  make(map[*item]struct{}),
		seen:     make(map[string]struct{}),
	}
}

func (tr *tracker) insert(it *item) {
	if tr != nil {
		tr.inserted[it] = struct{}{}
	}
}

func (tr *tracker) remove(it *item) {
	if tr != nil {
		tr.deleted[it] = struct{}{}
	}
}

func (tr *tracker) touch(container string) {
	if tr == nil {
		return
	}
	if _, ok := tr.seen[container]; ok {
		return
	}
	tr.seen[container] = struct{}{}
	tr.containers = append(tr.containers, container)
}

func (tr *tracker) events(texts map[string]*text) []Event {
	if tr == nil {
		return nil
	}
	var events []Event
	for _, name := range tr.containers {
		t := texts[name]
		if t == nil {
			continue
		}
		diff := tr.diff(t)
		if len(diff) == 0 {
			continue
		}
		events = append(events, Event{
			TriggeredBy: tr.trigger,
			Origin:      tr.origin,
			Container:   name,
			Diff:        diff,
		})
	}
	return events
}

// diff walks the container once. Inserted runes are collected into one
// string per run.
func (tr *tracker) diff(t *text) []TextDelta {
	var out []TextDelta
	var run strings.Builder
	flush := func() {
		if run.Len() > 0 {
			out = append(out, TextDelta{Insert: run.String()})
			run.Reset()
		}
	}
	for _, it := range t.items {
		_, ins := tr.inserted[it]
		_, del := tr.deleted[it]
		switch {
		case ins && del:
		case ins:
			run.WriteRune(it.r)
		case del:
			flush()
			out = appendDelta(out, TextDelta{Delete: it.size()})
		case !it.deleted:
			flush()
			out = appendDelta(out, TextDelta{Retain: it.size()})
		}
	}
	flush()
	if n := len(out); n > 0 && out[n-1].Retain > 0 {
		out = out[:n-1]
	}
	return out
}

func appendDelta(out []TextDelta, d TextDelta) []TextDelta {
	if n := len(out); n > 0 {
		last := &out[n-1]
		switch {
		case d.Retain > 0 && last.Retain > 0:
			last.Retain += d.Retain
			return out
		case d.Delete > 0 && last.Delete > 0:
			last.Delete += d.Delete
			return out
		}
	}
	return append(out, d)
}
