package evs

import (
	"time"

	"github.com/codership/galera-sub001/timer"
)

// Send enqueues a user payload for broadcast under the requested Order,
// assigning it the next seq and fifo_seq, and inserts it into this node's
// own input-map slot immediately (spec.md's self-delivery property: "for
// any send(m) that returns success at node n, m is eventually delivered to
// n in the same view"). It returns the outbound wire message the caller
// (gmcast, via the reactor) must transmit.
func (p *Proto) Send(payload []byte, order Order) (Outbound, error) {
	if p.state != StateOperational {
		return Outbound{}, ErrNotOperational
	}
	if order == OrderDrop {
		return Outbound{}, nil
	}
	p.sendSeq++
	p.lastSentSeq = p.sendSeq
	p.fifoSeq[p.self]++
	msg := Message{
		Version:    p.version,
		Type:       MsgUser,
		Source:     p.self,
		SourceView: p.currentView.Id,
		Seq:        p.sendSeq,
		AruSeq:     p.safeAru(),
		FifoSeq:    p.fifoSeq[p.self],
		Order:      order,
		Flags:      FlagSource,
		Payload:    payload,
	}
	p.history[msg.Seq] = msg
	if order == OrderLocalCausal {
		p.maybeDeliverLocalCausal(&msg)
	}
	if idx, ok := p.currentView.IndexOf(p.self); ok {
		p.im.Insert(idx, msg)
	}
	return Outbound{To: nil, Msg: msg}, nil
}

// ErrNotOperational is returned by Send when the node cannot currently
// accept application sends (spec.md §7's "Policy-recoverable" row: "accept
// no further user sends until reconciliation").
var ErrNotOperational = notOperationalError{}

type notOperationalError struct{}

func (notOperationalError) Error() string { return "evs: node is not in an operational view" }

// maybeDeliverLocalCausal handles a LOCAL_CAUSAL send. It compares the
// safe aru with lastSentSeq, which Send has already set to this message's
// own seq: if they are equal the message's seq is set to aru+1. Otherwise,
// when evs.causal_keepalive_period is 0, the message is downgraded to
// AGREED order; with a non-zero period it is left unchanged. No keepalive
// is sent or tracked here, so keepalive freshness plays no part.
func (p *Proto) maybeDeliverLocalCausal(msg *Message) {
	period := p.cfg.Duration("evs.causal_keepalive_period", 0)
	lastSent := p.lastSentSeq
	aru := p.safeAru()
	if lastSent == aru {
		msg.Seq = aru + 1
		return
	}
	if period == 0 {
		// Disabled keepalives: don't stall forever waiting for a keepalive
		// that will never arrive; fall through to normal AGREED-style
		// queuing instead (handled by the caller once it reaches the
		// input map).
		msg.Order = OrderAgreed
	}
}

// Tick drives the four EVS timers per spec.md's table. now is taken from
// the injected clock seam so tests can fast-forward deterministically.
func (p *Proto) Tick(now time.Time, fired []timer.Kind) []Outbound {
	var out []Outbound
	for _, kind := range fired {
		switch kind {
		case timer.Inactivity:
			out = append(out, p.runFailureDetection(now)...)
		case timer.Retrans:
			out = append(out, p.resendPending(now)...)
		case timer.Install:
			out = append(out, p.installTimeoutFired(now)...)
		case timer.Stats:
			p.snapshotStats()
		case timer.Announce:
			// PC-owned timer kind; EVS ignores it.
		}
	}
	return out
}

func (p *Proto) runFailureDetection(now time.Time) []Outbound {
	suspect := p.cfg.Duration("evs.suspect_timeout", 5*time.Second)
	inactive := p.cfg.Duration("evs.inactive_timeout", 15*time.Second)
	var out []Outbound
	activeCount, suspectedCount := 0, 0
	for u, n := range p.nodes {
		if u == p.self || !n.Operational {
			continue
		}
		last, seen := p.lastRecv[u]
		if !seen {
			continue
		}
		age := now.Sub(last)
		if age >= inactive && !n.Inactive {
			n.Inactive = true
			n.Operational = false
			out = append(out, p.handleForeign()...)
		} else if age >= suspect && !n.Suspected {
			n.Suspected = true
		}
		if n.Suspected {
			suspectedCount++
		} else {
			activeCount++
		}
	}
	// "If all but one of known nodes are under suspicion (group > 2), the
	// lonely node sets everyone else inactive, speeding up recovery." Self is
	// the one unsuspected node when no other node counts as active.
	if len(p.currentView.MemberOrder) > 2 && activeCount == 0 && suspectedCount > 0 {
		for u, n := range p.nodes {
			if u != p.self && n.Operational {
				n.Inactive = true
				n.Operational = false
			}
		}
		out = append(out, p.handleForeign()...)
	}
	return out
}

func (p *Proto) resendPending(now time.Time) []Outbound {
	var out []Outbound
	for _, msg := range p.history {
		if msg.Seq > p.safeAru() {
			retry := msg
			retry.Flags |= FlagRetrans
			out = append(out, Outbound{To: nil, Msg: retry})
		}
	}
	return out
}

func (p *Proto) installTimeoutFired(now time.Time) []Outbound {
	if p.state != StateGather && p.state != StateInstall {
		return nil
	}
	p.installTimeouts++
	maxTimeouts := p.cfg.Uint("evs.max_install_timeouts", 3)
	var out []Outbound
	if uint64(p.installTimeouts) >= maxTimeouts {
		// Declare every other node inactive, reset the counter and regather.
		// No isolation period is entered and the node does not abort.
		for u, n := range p.nodes {
			if u != p.self {
				n.Inactive = true
				n.Operational = false
			}
		}
		p.installTimeouts = 0
		out = append(out, p.handleForeign()...)
		return out
	}
	// Declare nodes that did not commit inactive.
	if p.installProposal != nil {
		for _, e := range p.installProposal.NodeMap {
			if !p.commits[e.Node] && e.Node != p.self {
				if n, ok := p.nodes[e.Node]; ok {
					n.Inactive = true
					n.Operational = false
				}
			}
		}
		out = append(out, p.handleForeign()...)
	}
	return out
}

func (p *Proto) snapshotStats() {
	// STATS timer: logs a one-line summary of state and view. No counters
	// are kept, so nothing is snapshotted or reset.
	p.log.Debugf("evs: stats snapshot state=%s view=%s members=%d", p.state, p.currentView.Id, len(p.currentView.MemberOrder))
}

// TakeDeliveries drains both pending view-change deliveries and any user
// messages now eligible under the input map's ordering rules, in the order
// spec.md requires: "V_TRANS delivery for view V always precedes V_REG for
// view V+1... No user message from view V is ever delivered after V's
// trans view."
func (p *Proto) TakeDeliveries() []Delivery {
	var out []Delivery
	if p.im != nil {
		for _, m := range p.im.Deliverable() {
			mm := m
			out = append(out, Delivery{User: &mm})
		}
	}
	for _, v := range p.pendingViews {
		vv := v
		out = append(out, Delivery{View: &vv})
	}
	p.pendingViews = nil
	return out
}

// Close begins the LEAVING sequence (spec.md's close()): it moves to
// LEAVING and returns the final LEAVE carrying (seq, aru_seq) for
// broadcast; with force it moves straight to CLOSED and sends nothing. No
// linger deadline is kept (leaveLinger is never set): LEAVING ends only
// when FinishClose finds every other member gone.
func (p *Proto) Close(force bool) []Outbound {
	if p.state == StateClosed {
		return nil
	}
	p.closing = true
	if force {
		p.transition(StateClosed)
		return nil
	}
	p.transition(StateLeaving)
	leave := Message{
		Version: p.version, Type: MsgLeave, Source: p.self, SourceView: p.currentView.Id,
		Seq: p.sendSeq, AruSeq: p.safeAru(),
	}
	return []Outbound{{To: nil, Msg: leave}}
}

// FinishClose transitions LEAVING -> CLOSED once every other member has
// confirmed the LEAVE or a singleton view has formed, per spec.md.
func (p *Proto) FinishClose() {
	if p.state != StateLeaving {
		return
	}
	allGone := len(p.currentView.MemberOrder) <= 1
	if !allGone {
		allGone = true
		for u, n := range p.nodes {
			if u != p.self && n.Operational {
				allGone = false
				break
			}
		}
	}
	if allGone {
		p.transition(StateClosed)
	}
}
