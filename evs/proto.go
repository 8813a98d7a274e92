package evs

import (
	"fmt"
	"time"

	"github.com/codership/galera-sub001/clock"
	"github.com/codership/galera-sub001/config"
	"github.com/codership/galera-sub001/glog"
	"github.com/codership/galera-sub001/id"
)

// Outbound is one message Proto wants sent on the wire, either to a single
// peer or broadcast to the whole group (To == nil).
type Outbound struct {
	To  *id.UUID
	Msg Message
}

// Delivery is one unit of output surfaced to the layer above EVS (PC),
// either a view change (meta delivery) or a user message, matching
// spec.md's "View notifications propagate upward as out-of-band 'meta'
// deliveries interleaved with data."
type Delivery struct {
	View *id.View
	User *Message
}

// Proto is the EVS state machine for one node. It holds no internal
// mutex and is driven exclusively from the single reactor goroutine that
// owns it, per spec.md's concurrency model.
type Proto struct {
	self        id.UUID
	selfSegment id.Segment
	cfg         *config.Config
	clk         clock.Clock
	log         glog.Logger

	state State

	currentView id.View
	maxViewSeq  uint32 // highest ViewId.Seq this node has seen from any representative

	nodes map[id.UUID]*NodeInfo

	im *InputMap

	// install/consensus bookkeeping
	installProposal *Message
	commits         map[id.UUID]bool

	// send-side state
	sendSeq      uint32
	fifoSeq      map[id.UUID]uint32 // last delivered fifo_seq per source, for regression checks
	history      map[uint32]Message // own sent USER messages, for resend
	lastSentSeq  uint32

	evicted map[id.UUID]bool

	// liveness timing
	lastRecv map[id.UUID]time.Time

	closing      bool
	leaveLinger  time.Time
	installTimeouts int

	version uint8

	pendingViews []id.View
	lastCausalSent uint32

	delayedReports map[id.UUID]map[id.UUID]time.Time // candidate -> reporter -> last-report-time
	delayedCounts  map[id.UUID]int
}

// New creates a Proto bootstrapped as the sole member of its own view
// (spec.md scenario 1: "Single-node boot"). AddPeer is used afterwards to
// grow the group.
func New(self id.UUID, segment id.Segment, cfg *config.Config, clk clock.Clock, log glog.Logger) *Proto {
	p := &Proto{
		self:        self,
		selfSegment: segment,
		cfg:         cfg,
		clk:         clk,
		log:         log.WithFields(glog.Fields{"layer": "evs", "node": self.String()}),
		state:       StateClosed,
		nodes:       make(map[id.UUID]*NodeInfo),
		commits:     make(map[id.UUID]bool),
		fifoSeq:     make(map[id.UUID]uint32),
		history:     make(map[uint32]Message),
		evicted:     make(map[id.UUID]bool),
		lastRecv:    make(map[id.UUID]time.Time),
		version:     uint8(cfg.Uint("gmcast.version", 0)),
		delayedReports: make(map[id.UUID]map[id.UUID]time.Time),
		delayedCounts:  make(map[id.UUID]int),
	}
	p.transition(StateJoining)
	p.nodes[self] = newNodeInfo(segment)
	p.bootstrapSelf()
	return p
}

// bootstrapSelf installs the initial singleton view, matching the teacher's
// protocol.go NewUnity which synchronously installs the first group state
// at construction time rather than waiting for a network round-trip.
func (p *Proto) bootstrapSelf() {
	vid := id.ViewId{Type: id.ViewReg, Rep: p.self, Seq: 0}
	view := id.NewView(vid, map[id.UUID]id.Segment{p.self: p.selfSegment}, []id.UUID{p.self}, nil, nil, p.version, true)
	p.currentView = view
	p.maxViewSeq = 0
	p.im = NewInputMap(1)
	p.nodes[p.self].Index = 0
	// Synthetic single-member install: still walks the legal GATHER ->
	// INSTALL -> OPERATIONAL path rather than jumping straight there, since
	// JOINING has no direct edge to OPERATIONAL.
	p.transition(StateGather)
	p.transition(StateInstall)
	p.transition(StateOperational)
}

// View returns the most recently installed view.
func (p *Proto) View() id.View { return p.currentView }

// State returns the current protocol state.
func (p *Proto) State() State { return p.state }

// AddPeer begins admitting a newly discovered peer, implementing spec.md's
// handle_foreign trigger ("Any message from an unknown/new source...
// triggers handle_foreign: add/mark the source, shift to GATHER, reset
// install timer, broadcast a fresh JOIN").
func (p *Proto) AddPeer(peer id.UUID, segment id.Segment) []Outbound {
	if p.evicted[peer] {
		return nil
	}
	if _, known := p.nodes[peer]; known {
		return nil
	}
	p.nodes[peer] = newNodeInfo(segment)
	return p.handleForeign()
}

// RemovePeer marks a peer non-operational (transport-level disconnect) and
// re-enters GATHER to re-negotiate a smaller view.
func (p *Proto) RemovePeer(peer id.UUID) []Outbound {
	n, ok := p.nodes[peer]
	if !ok || !n.Operational {
		return nil
	}
	n.Operational = false
	n.Suspected = true
	n.Inactive = true
	return p.handleForeign()
}

func (p *Proto) handleForeign() []Outbound {
	if p.state == StateOperational || p.state == StateInstall {
		p.transition(StateGather)
	} else if p.state != StateGather {
		// JOINING/LEAVING/CLOSED: nothing to regather.
		return nil
	}
	p.commits = make(map[id.UUID]bool)
	p.installProposal = nil
	return p.broadcastJoin()
}

// operationalMembers returns the current candidate member set: every known
// node this side still believes operational, sorted for determinism.
func (p *Proto) operationalMembers() []id.UUID {
	var out []id.UUID
	for u, n := range p.nodes {
		if n.Operational && !n.Evicted {
			out = append(out, u)
		}
	}
	return id.SortUUIDs(out)
}

func (p *Proto) broadcastJoin() []Outbound {
	members := p.operationalMembers()
	nm := make([]NodeMapEntry, 0, len(members))
	for _, u := range members {
		n := p.nodes[u]
		nm = append(nm, NodeMapEntry{Node: u, Operational: n.Operational, Suspected: n.Suspected, Segment: n.Segment})
	}
	msg := Message{
		Version:    p.version,
		Type:       MsgJoin,
		Source:     p.self,
		SourceView: p.currentView.Id,
		AruSeq:     p.safeAru(),
		NodeMap:    nm,
	}
	p.nodes[p.self].JoinMessage = &msg
	return []Outbound{{To: nil, Msg: msg}}
}

func (p *Proto) safeAru() uint32 {
	if p.im == nil {
		return 0
	}
	return p.im.AruSeq()
}

// representative returns the member with the smallest UUID among the
// operational candidate set, the node responsible for proposing INSTALL.
func (p *Proto) representative(candidates []id.UUID) id.UUID {
	rep, _ := id.Smallest(candidates)
	return rep
}

// consensus reports whether every known-operational node's latest JOIN
// describes the exact same candidate member set as this node's own view,
// per spec.md's "consensus_.is_consensus()" requirement.
func (p *Proto) consensus() ([]id.UUID, bool) {
	candidates := p.operationalMembers()
	for _, u := range candidates {
		if u == p.self {
			continue
		}
		n := p.nodes[u]
		if n.JoinMessage == nil {
			return nil, false
		}
		seen := make(map[id.UUID]bool, len(n.JoinMessage.NodeMap))
		for _, e := range n.JoinMessage.NodeMap {
			seen[e.Node] = true
		}
		if len(seen) != len(candidates) {
			return nil, false
		}
		for _, c := range candidates {
			if !seen[c] {
				return nil, false
			}
		}
	}
	return candidates, true
}

// HandleMessage processes one inbound EVS message from `from` and returns
// the outbound messages it produces. Deliveries (view changes, user
// messages) are returned separately by TakeDeliveries after processing,
// matching the "walk the input map head after every state mutation"
// structure in spec.md.
func (p *Proto) HandleMessage(from id.UUID, msg Message) ([]Outbound, error) {
	if p.evicted[from] {
		return nil, nil
	}
	if msg.Version > 14 {
		return nil, fmt.Errorf("evs: unsupported protocol version %d", msg.Version)
	}
	p.lastRecv[from] = p.clk.Now()
	if n, ok := p.nodes[from]; ok {
		n.SeenTstamp = p.clk.Now()
	}

	var out []Outbound
	if _, known := p.nodes[from]; !known && from != p.self {
		p.nodes[from] = newNodeInfo(0)
		out = append(out, p.handleForeign()...)
	}

	switch msg.Type {
	case MsgJoin:
		out = append(out, p.onJoin(from, msg)...)
	case MsgInstall:
		out = append(out, p.onInstall(from, msg)...)
	case MsgGap:
		out = append(out, p.onGap(from, msg)...)
	case MsgUser:
		out = append(out, p.onUser(from, msg)...)
	case MsgDelegate:
		out = append(out, p.onDelegate(from, msg)...)
	case MsgLeave:
		out = append(out, p.onLeave(from, msg)...)
	case MsgDelayedList:
		out = append(out, p.onDelayedList(from, msg)...)
	default:
		p.log.Warnf("unknown EVS message type %d from %s", msg.Type, from)
	}
	return out, nil
}

func (p *Proto) onJoin(from id.UUID, msg Message) []Outbound {
	n, ok := p.nodes[from]
	if !ok {
		return nil
	}
	n.JoinMessage = &msg
	if p.im != nil {
		if idx, ok := p.currentView.IndexOf(from); ok {
			p.im.UpdateSafeFromAru(idx, msg.AruSeq)
		}
	}
	if p.state != StateGather {
		return p.handleForeign()
	}

	candidates, ok := p.consensus()
	if !ok {
		return nil
	}
	rep := p.representative(candidates)
	if rep != p.self {
		return nil // wait for the representative's INSTALL
	}
	return p.proposeInstall(candidates)
}

func (p *Proto) proposeInstall(members []id.UUID) []Outbound {
	p.maxViewSeq++
	vid := id.ViewId{Type: id.ViewReg, Rep: p.self, Seq: p.maxViewSeq}
	nm := make([]NodeMapEntry, 0, len(members))
	memberSet := make(map[id.UUID]id.Segment, len(members))
	for _, u := range members {
		n := p.nodes[u]
		nm = append(nm, NodeMapEntry{Node: u, Operational: true, Segment: n.Segment})
		memberSet[u] = n.Segment
	}
	msg := Message{
		Version:      p.version,
		Type:         MsgInstall,
		Source:       p.self,
		SourceView:   p.currentView.Id,
		ProposedView: vid,
		NodeMap:      nm,
	}
	p.installProposal = &msg
	p.commits = make(map[id.UUID]bool)
	return []Outbound{{To: nil, Msg: msg}}
}

func (p *Proto) onInstall(from id.UUID, msg Message) []Outbound {
	p.installProposal = &msg
	p.transition(StateInstall)
	commit := Message{
		Version:    p.version,
		Type:       MsgGap,
		Source:     p.self,
		SourceView: msg.ProposedView,
		Flags:      FlagCommit,
		GapSource:  p.self,
	}
	p.commits[p.self] = true
	return []Outbound{{To: nil, Msg: commit}}
}

func (p *Proto) onGap(from id.UUID, msg Message) []Outbound {
	if msg.Flags.Has(FlagCommit) {
		if p.installProposal == nil || !msg.SourceView.Equal(p.installProposal.ProposedView) {
			return nil
		}
		p.commits[from] = true
		if p.allCommitted() {
			return p.finishInstall()
		}
		return nil
	}
	// Retransmission request: resend our own history in [GapLow, GapHigh].
	var out []Outbound
	if msg.GapSource == p.self {
		for seq := msg.GapLow; seq <= msg.GapHigh; seq++ {
			if hm, ok := p.history[seq]; ok {
				resend := hm
				resend.Flags |= FlagRetrans
				out = append(out, Outbound{To: &from, Msg: resend})
			}
		}
	}
	return out
}

func (p *Proto) allCommitted() bool {
	if p.installProposal == nil {
		return false
	}
	for _, e := range p.installProposal.NodeMap {
		if !p.commits[e.Node] {
			return false
		}
	}
	return true
}

func (p *Proto) finishInstall() []Outbound {
	prop := p.installProposal
	newMembers := make(map[id.UUID]id.Segment, len(prop.NodeMap))
	var joined, left, partitioned []id.UUID
	for _, e := range prop.NodeMap {
		newMembers[e.Node] = e.Segment
		if !p.currentView.Contains(e.Node) {
			joined = append(joined, e.Node)
		}
	}
	for _, u := range p.currentView.MemberOrder {
		if _, still := newMembers[u]; !still {
			if p.nodes[u] != nil && p.nodes[u].Evicted {
				left = append(left, u)
			} else {
				partitioned = append(partitioned, u)
			}
		}
	}

	transView := id.NewView(id.ViewId{Type: id.ViewTrans, Rep: p.currentView.Id.Rep, Seq: p.currentView.Id.Seq},
		intersectMembers(p.currentView.Members, newMembers), nil, left, partitioned, p.version, false)

	regView := id.NewView(prop.ProposedView, newMembers, joined, left, partitioned, p.version, false)

	p.transition(StateOperational)
	p.currentView = regView
	p.maxViewSeq = prop.ProposedView.Seq
	p.im = NewInputMap(len(regView.MemberOrder))
	for idx, u := range regView.MemberOrder {
		if n, ok := p.nodes[u]; ok {
			n.Index = idx
			n.Operational = true
		}
	}
	p.installProposal = nil
	p.commits = make(map[id.UUID]bool)

	p.pendingViews = append(p.pendingViews, transView, regView)
	return nil
}

func intersectMembers(prev, next map[id.UUID]id.Segment) map[id.UUID]id.Segment {
	out := make(map[id.UUID]id.Segment)
	for u, s := range prev {
		if _, ok := next[u]; ok {
			out[u] = s
		}
	}
	return out
}

// pendingViews queues view deliveries produced by finishInstall until
// TakeDeliveries drains them; this keeps HandleMessage's return type
// limited to Outbound (wire traffic) while still respecting "TRANS before
// REG, same tick" ordering.
//
// Kept as a Proto field (not a local var) because finishInstall and
// TakeDeliveries are separate calls in the reactor's per-tick sequence.
