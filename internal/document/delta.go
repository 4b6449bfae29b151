package document

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/vihu/tandem/internal/crdt"
)

// OpKind is the JSON "type" of an Op.
type OpKind string

const (
	Retain OpKind = "retain"
	Insert OpKind = "insert"
	Delete OpKind = "delete"
)

// Op is one step of an editor delta. Len counts UTF-8 bytes.
type Op struct {
	Kind OpKind `json:"type"`
	Len  int    `json:"len,omitempty"`
	Text string `json:"text,omitempty"`
}

func (o Op) String() string {
	if o.Kind == Insert {
		return fmt.Sprintf("insert(%q)", o.Text)
	}
	return fmt.Sprintf("%s(%d)", o.Kind, o.Len)
}

// Delta is an ordered list of ops applied left to right over the previous
// text. Text after the last op is kept unchanged.
type Delta []Op

// Apply replays d against text.
func (d Delta) Apply(text string) (string, error) {
	var b strings.Builder
	b.Grow(len(text))
	pos := 0
	for _, op := range d {
		switch op.Kind {
		case Retain, Delete:
			end := pos + op.Len
			if op.Len < 0 || end > len(text) {
				return "", fmt.Errorf("%s past end of text (%d > %d)", op, end, len(text))
			}
			if op.Kind == Retain {
				b.WriteString(text[pos:end])
			}
			pos = end
		case Insert:
			b.WriteString(op.Text)
		default:
			return "", fmt.Errorf("unknown op kind %q", op.Kind)
		}
	}
	b.WriteString(text[pos:])
	return b.String(), nil
}

// mapPos moves a byte offset in the text before d to the text after it.
// An insertion exactly at pos lands before it when shift is set.
func (d Delta) mapPos(pos int, shift bool) int {
	idx, out := 0, pos
	for _, op := range d {
		if idx > pos {
			break
		}
		switch op.Kind {
		case Retain:
			idx += op.Len
		case Insert:
			if idx < pos || shift {
				out += len(op.Text)
			}
		case Delete:
			out -= min(op.Len, pos-idx)
			idx += op.Len
		}
	}
	return out
}

func fromDiff(diff []crdt.TextDelta) Delta {
	d := make(Delta, 0, len(diff))
	for _, td := range diff {
		switch {
		case td.Insert != "":
			d = append(d, Op{Kind: Insert, Text: td.Insert})
		case td.Delete > 0:
			d = append(d, Op{Kind: Delete, Len: td.Delete})
		case td.Retain > 0:
			d = append(d, Op{Kind: Retain, Len: td.Retain})
		}
	}
	return d
}

// Edit is a single replacement of the bytes [Start, End) with Text.
type Edit struct {
	Start int
	End   int
	Text  string
}

// Apply replaces the edited range of text. The range must lie within text.
func (e Edit) Apply(text string) string {
	return text[:e.Start] + e.Text + text[e.End:]
}

// EditBetween returns the smallest single edit turning old into new, found
// by trimming the common prefix and suffix on rune boundaries.
func EditBetween(old, new string) (Edit, bool) {
	if old == new {
		return Edit{}, false
	}
	p := 0
	for p < len(old) && p < len(new) && old[p] == new[p] {
		p++
	}
	for p > 0 && (!runeStart(old, p) || !runeStart(new, p)) {
		p--
	}
	s := 0
	for s < len(old)-p && s < len(new)-p && old[len(old)-1-s] == new[len(new)-1-s] {
		s++
	}
	for s > 0 && (!runeStart(old, len(old)-s) || !runeStart(new, len(new)-s)) {
		s--
	}
	return Edit{Start: p, End: len(old) - s, Text: new[p : len(new)-s]}, true
}

func runeStart(s string, i int) bool {
	return i >= len(s) || utf8.RuneStart(s[i])
}
