package evs

import (
	"time"

	"github.com/codership/galera-sub001/id"
	"github.com/codership/galera-sub001/wire"
	"github.com/pkg/errors"
)

// ErrFifoRegression is a protocol-fatal error per spec.md §7: "FIFO
// regression" must abort the process, never be swallowed.
var ErrFifoRegression = errors.New("evs: fifo_seq regression from current-view peer")

func (p *Proto) onUser(from id.UUID, msg Message) []Outbound {
	idx, ok := p.currentView.IndexOf(from)
	if !ok {
		// Message from a node not in our current view: either a stale
		// retransmission or a race with an in-flight view change. Only
		// trust it if the source view matches ours; otherwise handle_foreign.
		if !msg.SourceView.Equal(p.currentView.Id) {
			return p.handleForeign()
		}
		return nil
	}

	n := p.nodes[from]
	if !msg.Flags.Has(FlagRetrans) {
		last, seen := p.fifoSeq[from]
		if seen && msg.FifoSeq <= last {
			if from == p.self {
				panic(errors.Wrapf(ErrFifoRegression, "source=%s fifo_seq=%d last=%d", from, msg.FifoSeq, last))
			}
			// Non-retrans regression from a current-view peer is fatal per
			// spec.md's concurrency section; from a stale/foreign source it
			// would already have been redirected above.
			panic(errors.Wrapf(ErrFifoRegression, "source=%s fifo_seq=%d last=%d", from, msg.FifoSeq, last))
		}
		p.fifoSeq[from] = msg.FifoSeq
	}
	n.FifoSeq = msg.FifoSeq

	if msg.Flags.Has(FlagAggregate) {
		for _, part := range unpackAggregate(msg) {
			p.im.Insert(idx, part)
		}
	} else {
		p.im.Insert(idx, msg)
	}
	p.im.UpdateSafeFromAru(idx, msg.AruSeq)

	var out []Outbound
	if p.im.HasGap(idx) {
		r := p.im.RangeOf(idx)
		out = append(out, Outbound{To: &from, Msg: Message{
			Version: p.version, Type: MsgGap, Source: p.self, SourceView: p.currentView.Id,
			GapSource: from, GapLow: r.Lu, GapHigh: r.Hs - 1,
		}})
	}
	return out
}

// unpackAggregate splits an F_AGGREGATE frame back into its constituent
// USER messages before input-map insertion. Supplemented from
// original_source/gcomm/src/evs_proto.cpp per SPEC_FULL.md §4.2: the
// distilled spec.md names evs.use_aggregate as a config key but does not
// spell out how a receiver undoes the coalescing: the aggregate payload is
// a concatenation of length-prefixed sub-messages sharing the envelope's
// Source/SourceView/Order, each carrying its own Seq (Seq, Seq+1, ...).
func unpackAggregate(msg Message) []Message {
	n := int(msg.SeqRange) + 1
	if n <= 1 {
		return []Message{msg}
	}
	r := wire.NewReader(msg.Payload)
	out := make([]Message, 0, n)
	for i := 0; i < n; i++ {
		part := msg
		part.Flags &^= FlagAggregate
		part.Seq = msg.Seq + uint32(i)
		part.SeqRange = 0
		part.Payload = r.LenPrefixedBytes()
		out = append(out, part)
	}
	return out
}

func (p *Proto) onDelegate(from id.UUID, msg Message) []Outbound {
	// A DELEGATE envelope forwards a USER message recovered by a third
	// party on behalf of the original source (spec.md's "recover" path).
	inner := msg
	inner.Type = MsgUser
	return p.onUser(inner.Source, inner)
}

func (p *Proto) onLeave(from id.UUID, msg Message) []Outbound {
	n, ok := p.nodes[from]
	if !ok {
		return nil
	}
	n.LeaveMessage = &msg
	n.Evicted = false
	n.Operational = false
	return p.handleForeign()
}

func (p *Proto) onDelayedList(from id.UUID, msg Message) []Outbound {
	now := p.clk.Now()
	keepPeriod := p.cfg.Duration("evs.delayed_keep_period", 0)
	threshold := p.cfg.Uint("evs.auto_evict", 0)
	var out []Outbound
	for _, d := range msg.Delayed {
		if d.Node == p.self {
			continue
		}
		reporters, ok := p.delayedReports[d.Node]
		if !ok {
			reporters = make(map[id.UUID]time.Time)
			p.delayedReports[d.Node] = reporters
		}
		// Supplemented de-duplication (SPEC_FULL.md §4.2): a reporter only
		// counts once per evs.delayed_keep_period window, otherwise a
		// single slow peer would blow past evs.auto_evict the moment two
		// DELAYED_LIST broadcasts cross on the wire.
		if last, reported := reporters[from]; reported && now.Sub(last) < keepPeriod {
			continue
		}
		reporters[from] = now
		p.delayedCounts[d.Node]++
		if threshold > 0 && uint64(p.delayedCounts[d.Node]) >= threshold && p.majorityOfCurrentView(len(reporters)) {
			out = append(out, p.evict(d.Node)...)
		}
	}
	return out
}

func (p *Proto) majorityOfCurrentView(reporterCount int) bool {
	return reporterCount*2 > len(p.currentView.MemberOrder)
}

// evict permanently excludes a node per spec.md's "auto_evict" escalation
// and the explicit evs.evict runtime command.
func (p *Proto) evict(target id.UUID) []Outbound {
	p.evicted[target] = true
	if n, ok := p.nodes[target]; ok {
		n.Evicted = true
		n.Operational = false
	}
	delete(p.delayedCounts, target)
	delete(p.delayedReports, target)
	return p.handleForeign()
}

// Evict is the operator-triggered evs.evict command.
func (p *Proto) Evict(target id.UUID) []Outbound {
	return p.evict(target)
}

// Unevict reverses a prior eviction, allowing the node to rejoin.
func (p *Proto) Unevict(target id.UUID) {
	delete(p.evicted, target)
	if n, ok := p.nodes[target]; ok {
		n.Evicted = false
	}
}
