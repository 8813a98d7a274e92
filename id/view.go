package id

import "fmt"

// ViewType discriminates the kind of view a ViewId names. EVS only ever
// produces NONE/TRANS/REG; PC additionally stamps NON_PRIM/PRIM onto the
// views it surfaces to the application.
type ViewType uint8

const (
	ViewNone ViewType = iota
	ViewTrans
	ViewReg
	ViewNonPrim
	ViewPrim
)

func (t ViewType) String() string {
	switch t {
	case ViewNone:
		return "NONE"
	case ViewTrans:
		return "TRANS"
	case ViewReg:
		return "REG"
	case ViewNonPrim:
		return "NON_PRIM"
	case ViewPrim:
		return "PRIM"
	default:
		return fmt.Sprintf("ViewType(%d)", t)
	}
}

// ViewId is the triple (type, representative, seq). Seq is monotonic per
// representative and per type: a node that becomes representative twice in
// a row must never reuse or decrease the seq of its own previous views.
type ViewId struct {
	Type Type
	Rep  UUID
	Seq  uint32
}

// Type is an alias kept for readability at call sites (id.ViewId{Type: id.Type(...)}
// reads awkwardly otherwise since Go has no nested-name lookup).
type Type = ViewType

func (v ViewId) String() string {
	return fmt.Sprintf("%s(%s,%d)", v.Type, v.Rep, v.Seq)
}

// Equal compares two view ids structurally.
func (v ViewId) Equal(o ViewId) bool {
	return v.Type == o.Type && v.Rep == o.Rep && v.Seq == o.Seq
}

// Segment is an operator-assigned integer naming a network region. GMCast
// elects one cross-segment relay per (source-segment, destination-segment)
// pair to avoid flooding inter-segment links.
type Segment uint16

// View is a membership snapshot. Members is an ordered map from UUID to the
// segment the member was last known to belong to; order matters because the
// EVS node table's member index is derived from this ordering.
type View struct {
	Id          ViewId
	MemberOrder []UUID // deterministic iteration order for Members
	Members     map[UUID]Segment
	Joined      []UUID
	Left        []UUID
	Partitioned []UUID
	ProtoVer    uint8
	Bootstrap   bool
}

// NewView builds a View with a deterministic member order (ascending UUID),
// matching the teacher's convention of treating node collections as
// sorted slices rather than relying on map iteration order anywhere
// observable (map iteration in Go is randomized, which would break the
// "same-view delivery" testable property if relied upon directly).
func NewView(vid ViewId, members map[UUID]Segment, joined, left, partitioned []UUID, protoVer uint8, bootstrap bool) View {
	order := make([]UUID, 0, len(members))
	for u := range members {
		order = append(order, u)
	}
	order = SortUUIDs(order)
	return View{
		Id:          vid,
		MemberOrder: order,
		Members:     members,
		Joined:      joined,
		Left:        left,
		Partitioned: partitioned,
		ProtoVer:    protoVer,
		Bootstrap:   bootstrap,
	}
}

// IndexOf returns the stable index of member within the view, used as the
// row key of the EVS input map. ok is false if member is not in the view.
func (v View) IndexOf(member UUID) (idx int, ok bool) {
	for i, u := range v.MemberOrder {
		if u == member {
			return i, true
		}
	}
	return -1, false
}

// Contains reports whether member is part of this view.
func (v View) Contains(member UUID) bool {
	_, ok := v.Members[member]
	return ok
}

// Covers checks the spec.md invariant that members ∪ left ∪ partitioned of
// the new view covers every node present in prev.
func (v View) Covers(prev View) bool {
	seen := make(map[UUID]bool, len(v.Members)+len(v.Left)+len(v.Partitioned))
	for u := range v.Members {
		seen[u] = true
	}
	for _, u := range v.Left {
		seen[u] = true
	}
	for _, u := range v.Partitioned {
		seen[u] = true
	}
	for u := range prev.Members {
		if !seen[u] {
			return false
		}
	}
	return true
}
