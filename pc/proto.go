package pc

import (
	"fmt"
	"time"

	"github.com/codership/galera-sub001/clock"
	"github.com/codership/galera-sub001/config"
	"github.com/codership/galera-sub001/glog"
	"github.com/codership/galera-sub001/id"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// Outbound is a PC datagram the reactor must hand to gmcast, either to a
// specific peer or (nil To) to the whole group.
type Outbound struct {
	To  *id.UUID
	Msg Message
}

// Delivery is a view handed up to the application once PC has decided
// primary status for it.
type Delivery struct {
	View id.View
}

// Proto is the primary-component filter sitting directly on top of the
// views evs.Proto delivers, per spec.md §4.3.
type Proto struct {
	self id.UUID
	cfg  *config.Config
	clk  clock.Clock
	log  glog.Logger

	gvwstatePath string

	state   State
	weight  uint32
	version uint8

	instances      map[id.UUID]NodeState
	currentEvsView id.View
	lastPrim       id.ViewId
	lastPrimMembers []id.UUID
	toSeq          int64

	stateMsgs  map[id.UUID]Message
	installMsg *Message

	viewSeqByRep map[id.UUID]uint32

	pcSendSeq   uint32
	lastRecvSeq map[id.UUID]uint32

	pending []Delivery
}

// New constructs a PC instance. If pc.recovery is set and a gvwstate.dat
// file exists at gvwstatePath, the prior primary view and its member list
// are loaded. The stored identity is not read back: no incarnation is
// bumped and the file is not rewritten here.
func New(self id.UUID, cfg *config.Config, clk clock.Clock, log glog.Logger, gvwstatePath string) (*Proto, error) {
	p := &Proto{
		self:            self,
		cfg:             cfg,
		clk:             clk,
		log:             log,
		gvwstatePath:    gvwstatePath,
		state:           StateClosed,
		weight:          uint32(cfg.Uint("pc.weight", 1)),
		instances:       make(map[id.UUID]NodeState),
		stateMsgs:       make(map[id.UUID]Message),
		viewSeqByRep:    make(map[id.UUID]uint32),
		lastRecvSeq:     make(map[id.UUID]uint32),
	}
	if cfg.Bool("pc.recovery", false) {
		pv, ok, err := ReadGvwstate(gvwstatePath)
		if err != nil {
			return nil, errors.Wrap(err, "pc: loading gvwstate.dat")
		}
		if ok {
			p.lastPrim = pv.View
			p.lastPrimMembers = pv.Members
			p.log.Infof("pc: recovered prior view %s with %d members", pv.View, len(pv.Members))
		}
	}
	if cfg.Bool("pc.bootstrap", false) {
		p.bootstrapSelf()
	}
	return p, nil
}

func (p *Proto) State() State  { return p.state }
func (p *Proto) ToSeq() int64  { return p.toSeq }

// bootstrapSelf handles the founding-node case: no EVS exchange is
// needed to form a singleton primary.
func (p *Proto) bootstrapSelf() {
	p.transition(StateStatesExch)
	p.transition(StateInstall)
	p.toSeq = 0
	p.lastPrim = id.ViewId{Type: id.ViewPrim, Rep: p.self, Seq: 0}
	p.lastPrimMembers = []id.UUID{p.self}
	p.instances[p.self] = NodeState{Prim: true, LastSeq: 0, LastPrimView: p.lastPrim, ToSeq: 0, Weight: p.weight}
	p.transition(StatePrim)
	view := id.NewView(p.lastPrim, map[id.UUID]id.Segment{p.self: 0}, nil, nil, nil, p.version, true)
	p.pending = append(p.pending, Delivery{View: view})
	p.persist(view)
}

// OnEvsTrans is called whenever EVS delivers a V_TRANS: the view is always
// queued for delivery, and unless PC is still CLOSED it then enters TRANS
// and recomputes quorum against the shrunken view.
func (p *Proto) OnEvsTrans(view id.View) []Outbound {
	p.currentEvsView = view
	// The transitional membership snapshot itself is always surfaced to the
	// application, even on a node's very first view (spec.md's view-ordering
	// invariant: "V_TRANS(V_i) immediately precedes V_REG(V_{i+1})" holds
	// regardless of whether this node has ever held primary status yet).
	p.pending = append(p.pending, Delivery{View: view})
	if p.state == StateClosed {
		return nil
	}
	p.transition(StateTrans)

	verdict := EvaluateQuorum(p.instances, view.MemberOrder, view.Left, p.lastPrimMembers)
	ignoreSb := p.cfg.Bool("pc.ignore_sb", false)
	ignoreQuorum := p.cfg.Bool("pc.ignore_quorum", false)
	if !quorumSatisfied(verdict, ignoreSb, ignoreQuorum) {
		p.markNonPrim(view)
	}
	return nil
}

// markNonPrim implements spec.md's "loss triggers mark_non_prim and a
// non-primary view delivery."
func (p *Proto) markNonPrim(view id.View) {
	nonPrim := id.ViewId{Type: id.ViewNonPrim, Rep: view.Id.Rep, Seq: view.Id.Seq}
	p.pending = append(p.pending, Delivery{View: id.NewView(nonPrim, view.Members, view.Joined, view.Left, view.Partitioned, view.ProtoVer, false)})
}

// OnEvsReg is called when EVS delivers the V_REG that follows a V_TRANS:
// PC enters STATES_EXCH and broadcasts its own STATE snapshot.
func (p *Proto) OnEvsReg(view id.View) []Outbound {
	switch p.state {
	case StateClosed:
		p.transition(StateStatesExch)
	case StateTrans:
		p.transition(StateNonPrim)
		p.transition(StateStatesExch)
	case StateStatesExch:
		// Still negotiating a prior round (e.g. back-to-back V_REGs with
		// no intervening V_TRANS); restart the exchange against the new
		// view rather than panicking on a self-loop.
	default:
		return nil
	}
	p.currentEvsView = view
	p.stateMsgs = make(map[id.UUID]Message)

	self := p.instances[p.self]
	self.Weight = p.weight
	p.instances[p.self] = self

	msg := p.buildStateMessage()
	p.stateMsgs[p.self] = msg
	return []Outbound{{Msg: msg}}
}

func (p *Proto) buildStateMessage() Message {
	nm := make(map[id.UUID]NodeState, len(p.currentEvsView.MemberOrder))
	for _, u := range p.currentEvsView.MemberOrder {
		if u == p.self {
			s := p.instances[p.self]
			s.LastPrimView = p.lastPrim
			s.ToSeq = p.toSeq
			s.Weight = p.weight
			s.Segment = p.currentEvsView.Members[u]
			nm[u] = s
			continue
		}
		if s, ok := p.instances[u]; ok {
			nm[u] = s
		} else {
			nm[u] = NodeState{LastPrimView: id.ViewId{}, Segment: p.currentEvsView.Members[u], Weight: 1}
		}
	}
	m := Message{Type: MsgState, Version: p.version, NodeMap: nm}
	if p.cfg.Bool("pc.checksum", false) {
		m = m.WithChecksum()
	}
	return m
}

// HandleState collects one peer's STATE message and, once every current
// view member has reported, runs the consistency/consensus decision.
func (p *Proto) HandleState(from id.UUID, msg Message) []Outbound {
	if p.state != StateStatesExch {
		return nil
	}
	p.stateMsgs[from] = msg
	for u, s := range msg.NodeMap {
		if _, known := p.instances[u]; !known {
			p.instances[u] = s
		}
	}
	if len(p.stateMsgs) < len(p.currentEvsView.MemberOrder) {
		return nil
	}
	return p.decide()
}

// decide implements spec.md's STATE collection algorithm: merge, validate
// consistency, and determine is_prim.
func (p *Proto) decide() []Outbound {
	npvo := p.cfg.Bool("pc.npvo", false)
	members := p.currentEvsView.MemberOrder

	var claimants []id.UUID
	for _, u := range members {
		if s, ok := p.instances[u]; ok && s.Prim {
			claimants = append(claimants, u)
		}
	}

	var isPrim bool
	var winningPrim id.ViewId
	var winningToSeq int64

	if len(claimants) > 0 {
		winningPrim = p.instances[claimants[0]].LastPrimView
		for _, u := range claimants[1:] {
			lp := p.instances[u].LastPrimView
			if lp != winningPrim {
				winningPrim = npvoWinner(winningPrim, lp, npvo)
			}
		}
		var maxToSeq int64 = -1
		for _, u := range claimants {
			s := p.instances[u]
			if s.LastPrimView != winningPrim {
				continue // npvo loser: discard its claim
			}
			if s.ToSeq > maxToSeq {
				maxToSeq = s.ToSeq
			}
		}
		if err := validateStates(p.instances, claimants, winningPrim, maxToSeq); err != nil {
			panic(fmt.Sprintf("pc: %v", err))
		}
		isPrim = true
		winningToSeq = maxToSeq
	} else {
		type pair struct {
			view id.ViewId
			node id.UUID
		}
		var pairs []pair
		for _, u := range members {
			if s, ok := p.instances[u]; ok && s.LastPrimView.Seq > 0 {
				pairs = append(pairs, pair{s.LastPrimView, u})
			}
		}
		if len(pairs) > 0 {
			greatest := pairs[0].view
			for _, pr := range pairs[1:] {
				if pr.view.Seq > greatest.Seq || (pr.view.Seq == greatest.Seq && pr.view.Rep.Compare(greatest.Rep) > 0) {
					greatest = pr.view
				}
			}
			var greatestMembers []id.UUID
			var maxToSeq int64
			for _, pr := range pairs {
				if pr.view == greatest {
					greatestMembers = append(greatestMembers, pr.node)
					if s := p.instances[pr.node]; s.ToSeq > maxToSeq {
						maxToSeq = s.ToSeq
					}
				}
			}
			covers := true
			for _, u := range greatestMembers {
				if !p.currentEvsView.Contains(u) {
					covers = false
					break
				}
			}
			if covers {
				isPrim = true
				winningPrim = greatest
				winningToSeq = maxToSeq
			}
		}
	}

	if !isPrim {
		self := p.instances[p.self]
		self.Prim = false
		p.instances[p.self] = self
		p.transition(StateNonPrim)
		p.pending = append(p.pending, Delivery{View: id.NewView(
			id.ViewId{Type: id.ViewNonPrim, Rep: p.currentEvsView.Id.Rep, Seq: p.currentEvsView.Id.Seq},
			p.currentEvsView.Members, p.currentEvsView.Joined, p.currentEvsView.Left, p.currentEvsView.Partitioned,
			p.version, false,
		)})
		return nil
	}

	rep, _ := id.Smallest(members)
	if rep != p.self {
		return nil
	}
	p.viewSeqByRep[p.self]++
	newPrim := id.ViewId{Type: id.ViewPrim, Rep: p.self, Seq: maxUint32(winningPrim.Seq, p.currentEvsView.Id.Seq) + p.viewSeqByRep[p.self]}
	nm := make(map[id.UUID]NodeState, len(members))
	for _, u := range members {
		s := p.instances[u]
		s.Prim = true
		s.LastPrimView = newPrim
		s.ToSeq = winningToSeq
		nm[u] = s
	}
	install := Message{Type: MsgInstall, Version: p.version, NodeMap: nm}
	if p.cfg.Bool("pc.checksum", false) {
		install = install.WithChecksum()
	}
	p.installMsg = &install
	return []Outbound{{Msg: install}}
}

// validateStates checks every primary claimant that survived npvo
// reconciliation against the winning to_seq, collecting every disagreement
// found rather than failing on the first one, so a fatal report shows the
// whole shape of the inconsistency instead of a single arbitrary node.
func validateStates(instances map[id.UUID]NodeState, claimants []id.UUID, winningPrim id.ViewId, maxToSeq int64) error {
	var result *multierror.Error
	for _, u := range claimants {
		s := instances[u]
		if s.LastPrimView != winningPrim {
			continue // npvo loser: its claim was already discarded
		}
		if s.ToSeq != maxToSeq {
			result = multierror.Append(result, fmt.Errorf("inconsistent primary claim from %s: to_seq=%d want=%d", u, s.ToSeq, maxToSeq))
		}
	}
	return result.ErrorOrNil()
}

func maxUint32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

// HandleInstall accepts the representative's proposed INSTALL and commits
// to PRIM. The INSTALL must contain an entry for this node, and that
// entry's weight must match the local one (not checked when the local
// weight is 0); its other fields are not compared with this node's state.
func (p *Proto) HandleInstall(from id.UUID, msg Message) []Outbound {
	if p.state != StateStatesExch {
		return nil
	}
	mine, ok := msg.NodeMap[p.self]
	if !ok {
		panic("pc: INSTALL does not include self")
	}
	local := p.instances[p.self]
	if mine.Weight != local.Weight && local.Weight != 0 {
		panic(fmt.Sprintf("pc: INSTALL entry for self disagrees on weight: got %d want %d", mine.Weight, local.Weight))
	}

	var toSeq int64 = -1
	for _, s := range msg.NodeMap {
		if s.ToSeq > toSeq {
			toSeq = s.ToSeq
		}
	}

	p.transition(StateInstall)
	p.toSeq = toSeq
	p.lastPrim = mine.LastPrimView
	p.lastPrimMembers = p.currentEvsView.MemberOrder
	for u, s := range msg.NodeMap {
		p.instances[u] = s
	}
	for u := range p.instances {
		if !p.currentEvsView.Contains(u) {
			delete(p.instances, u)
		}
	}
	p.transition(StatePrim)

	view := id.NewView(p.lastPrim, p.currentEvsView.Members, p.currentEvsView.Joined, p.currentEvsView.Left, p.currentEvsView.Partitioned, p.version, false)
	p.pending = append(p.pending, Delivery{View: view})
	p.persist(view)
	return nil
}

func (p *Proto) persist(view id.View) {
	pv := PersistedView{Version: p.version, MyUUID: p.self, View: view.Id, Members: view.MemberOrder}
	if err := WriteGvwstate(p.gvwstatePath, pv); err != nil {
		p.log.Warnf("pc: failed to persist gvwstate.dat: %v", err)
	}
}

// Send wraps a replication payload in a PC USER message with the next
// monotonic seq and, if pc.checksum is set, a verified CRC16.
func (p *Proto) Send(payload []byte) Outbound {
	p.pcSendSeq++
	m := Message{Type: MsgUser, Version: p.version, Seq: p.pcSendSeq, Payload: payload}
	if p.cfg.Bool("pc.checksum", false) {
		m = m.WithChecksum()
	}
	return Outbound{Msg: m}
}

// HandleUser checks the FIFO invariant on an incoming PC USER message
// before handing its payload upward; a regression is fatal
// (ENOTRECOVERABLE per spec.md, modeled as a panic like evs's FIFO check).
func (p *Proto) HandleUser(from id.UUID, msg Message) []byte {
	last := p.lastRecvSeq[from]
	if msg.Seq <= last && last != 0 {
		panic(fmt.Sprintf("pc: FIFO regression from %s: seq=%d last=%d", from, msg.Seq, last))
	}
	p.lastRecvSeq[from] = msg.Seq
	return msg.Payload
}

// Announce re-broadcasts this node's own STATE message while still
// negotiating consensus, implementing spec.md's pc.announce_timeout knob:
// a peer whose original STATE was lost in transit would otherwise stall
// the exchange forever, since HandleState only decides once every current
// view member has reported.
func (p *Proto) Announce() []Outbound {
	if p.state != StateStatesExch {
		return nil
	}
	msg, ok := p.stateMsgs[p.self]
	if !ok {
		return nil
	}
	return []Outbound{{Msg: msg}}
}

// SetWeight implements the runtime set_param("pc.weight", ...) knob.
// spec.md: "A runtime set_param synthesizes a weight-change INSTALL."
func (p *Proto) SetWeight(w uint32) []Outbound {
	p.weight = w
	if p.state != StatePrim {
		return nil
	}
	self := p.instances[p.self]
	self.Weight = w
	p.instances[p.self] = self
	nm := make(map[id.UUID]NodeState, len(p.instances))
	for u, s := range p.instances {
		nm[u] = s
	}
	m := Message{Type: MsgInstall, Version: p.version, NodeMap: nm}
	if p.cfg.Bool("pc.checksum", false) {
		m = m.WithChecksum()
	}
	return []Outbound{{Msg: m}}
}

// HandleWeightInstall applies a mid-flight weight-change INSTALL by
// recording each listed node's weight in the instance table, whatever the
// current state. Quorum is not re-evaluated here; the recorded weights are
// used the next time OnEvsTrans evaluates quorum.
func (p *Proto) HandleWeightInstall(msg Message) {
	for u, s := range msg.NodeMap {
		existing := p.instances[u]
		existing.Weight = s.Weight
		p.instances[u] = existing
	}
}

// TakeDeliveries drains views PC has decided to hand up to the
// application since the last call.
func (p *Proto) TakeDeliveries() []Delivery {
	out := p.pending
	p.pending = nil
	return out
}

// Close tears down PC; gvwstate.dat is removed per spec.md's "removed on
// graceful PC close."
func (p *Proto) Close() {
	if p.state == StateClosed {
		return
	}
	p.transition(StateClosed)
	if err := RemoveGvwstate(p.gvwstatePath); err != nil {
		p.log.Warnf("pc: failed to remove gvwstate.dat: %v", err)
	}
}

// WaitPrimDeadline returns the instant by which a PRIM view must form
// before pc.wait_prim_timeout fires, per spec.md's pc.wait_prim knob.
// Callers that enable pc.wait_prim should arm a timer.Install entry for
// this instant and treat its firing as a fatal startup failure if still
// non-primary.
func (p *Proto) WaitPrimDeadline(now time.Time) (time.Time, bool) {
	if !p.cfg.Bool("pc.wait_prim", false) {
		return time.Time{}, false
	}
	return now.Add(p.cfg.Duration("pc.wait_prim_timeout", 30*time.Second)), true
}
