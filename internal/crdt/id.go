package crdt

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/vmihailenco/msgpack/v5"
)

// PeerID identifies one replica of a document.
type PeerID uint64

// ID names a single operation unit: the Counter-th unit produced by Peer.
// An inserted rune consumes one unit, a delete operation consumes one unit.
type ID struct {
	Peer    PeerID `msgpack:"p"`
	Counter uint32 `msgpack:"c"`
}

func (id ID) String() string {
	return fmt.Sprintf("%d@%x", id.Counter, uint64(id.Peer))
}

// next returns the id k units after id.
func (id ID) next(k uint32) ID {
	return ID{Peer: id.Peer, Counter: id.Counter + k}
}

// Span is a run of Len consecutive units of one peer starting at Start.
type Span struct {
	Start ID     `msgpack:"s"`
	Len   uint32 `msgpack:"l"`
}

// VersionVector maps each peer to the number of its units this replica has
// integrated. It is the causal frontier used to compute minimal diffs.
type VersionVector map[PeerID]uint32

// Includes reports whether the unit id is covered by the vector.
func (vv VersionVector) Includes(id ID) bool {
	return id.Counter < vv[id.Peer]
}

// Clone returns an independent copy of the vector.
func (vv VersionVector) Clone() VersionVector {
	out := make(VersionVector, len(vv))
	for p, n := range vv {
		out[p] = n
	}
	return out
}

// Merge raises every entry of vv to at least the matching entry of other.
func (vv VersionVector) Merge(other VersionVector) {
	for p, n := range other {
		if n > vv[p] {
			vv[p] = n
		}
	}
}

type vvEntry struct {
	Peer PeerID `msgpack:"p"`
	Next uint32 `msgpack:"n"`
}

// Encode serialises the vector with peers in ascending order so equal vectors
// encode to equal bytes.
func (vv VersionVector) Encode() ([]byte, error) {
	entries := make([]vvEntry, 0, len(vv))
	for p, n := range vv {
		if n == 0 {
			continue
		}
		entries = append(entries, vvEntry{Peer: p, Next: n})
	}
	slices.SortFunc(entries, func(a, b vvEntry) int { return cmp.Compare(a.Peer, b.Peer) })
	b, err := msgpack.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("encode version vector: %w", err)
	}
	return b, nil
}

// DecodeVersionVector parses the output of Encode. An empty input decodes to
// an empty vector, meaning the remote side knows nothing yet.
func DecodeVersionVector(data []byte) (VersionVector, error) {
	vv := make(VersionVector)
	if len(data) == 0 {
		return vv, nil
	}
	var entries []vvEntry
	if err := msgpack.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("%w: version vector: %v", ErrInvalidUpdate, err)
	}
	for _, e := range entries {
		vv[e.Peer] = e.Next
	}
	return vv, nil
}
