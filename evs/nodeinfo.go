package evs

import (
	"time"

	"github.com/codership/galera-sub001/id"
)

// NodeInfo is the per-node table entry EVS maintains for every member it
// currently knows about, per spec.md's "Node table" definition.
type NodeInfo struct {
	Index       int // position in the current view's member order, -1 if not a current member
	Operational bool
	Suspected   bool
	Inactive    bool
	Installed   bool // has committed to the current install proposal
	Committed   bool // alias kept distinct from Installed for clarity at call sites
	Tstamp      time.Time // last time a message was sent to this node
	SeenTstamp  time.Time // last time a message was received from this node
	FifoSeq     uint32
	Segment     id.Segment
	Evicted     bool

	JoinMessage  *Message
	LeaveMessage *Message
	DelayedList  *Message
}

func newNodeInfo(segment id.Segment) *NodeInfo {
	return &NodeInfo{
		Index:       -1,
		Operational: true,
		Segment:     segment,
	}
}
