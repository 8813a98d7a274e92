// Package id holds the identifiers shared by every layer of the group
// communication core: node UUIDs and view identifiers.
package id

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"
)

// UUID is a 128-bit globally unique node identifier. It is totally ordered
// by its big-endian byte representation, which is what view-id tie-breaking
// (representative election) and node-table iteration rely on.
type UUID [16]byte

// Nil is the reserved, never-assigned UUID used as a zero value and as the
// sentinel representative of an empty/NONE view id.
var Nil = UUID{}

// New generates a fresh random UUID (version 4).
func New() UUID {
	return UUID(uuid.New())
}

// FromString parses the canonical textual UUID form.
func FromString(s string) (UUID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("id: invalid uuid %q: %w", s, err)
	}
	return UUID(u), nil
}

func (u UUID) String() string {
	return uuid.UUID(u).String()
}

// IsNil reports whether u is the reserved nil identifier.
func (u UUID) IsNil() bool {
	return u == Nil
}

// Less gives the total order used for representative election: the
// representative of a view is the member with the smallest UUID.
func (u UUID) Less(other UUID) bool {
	return bytes.Compare(u[:], other[:]) < 0
}

// Compare returns -1, 0, 1 following the same order as Less.
func (u UUID) Compare(other UUID) int {
	return bytes.Compare(u[:], other[:])
}

// Bytes returns the raw 16-byte encoding, used by the wire codec.
func (u UUID) Bytes() []byte {
	return u[:]
}

// FromBytes reconstructs a UUID from its raw 16-byte wire encoding.
func FromBytes(b []byte) (UUID, error) {
	var u UUID
	if len(b) != 16 {
		return Nil, fmt.Errorf("id: uuid must be 16 bytes, got %d", len(b))
	}
	copy(u[:], b)
	return u, nil
}

// SortUUIDs returns a new, ascending-sorted copy of ids.
func SortUUIDs(ids []UUID) []UUID {
	out := make([]UUID, len(ids))
	copy(out, ids)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Less(out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// Smallest returns the smallest UUID among ids, used to elect the
// representative of a view. The second return is false for an empty slice.
func Smallest(ids []UUID) (UUID, bool) {
	if len(ids) == 0 {
		return Nil, false
	}
	best := ids[0]
	for _, u := range ids[1:] {
		if u.Less(best) {
			best = u
		}
	}
	return best, true
}
