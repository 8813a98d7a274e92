// Package gctest is a deterministic multi-node test harness: it wires
// several node.Node instances together over in-memory Senders instead of
// real sockets, and drives message delivery with an explicit Pump rather
// than goroutines, so the concrete scenarios and universal invariants
// described in spec.md §8 can be exercised without timing flakiness.
package gctest

import (
	"context"
	"fmt"
	"time"

	"github.com/codership/galera-sub001/clock"
	"github.com/codership/galera-sub001/config"
	"github.com/codership/galera-sub001/glog"
	"github.com/codership/galera-sub001/gmcast"
	"github.com/codership/galera-sub001/id"
	"github.com/codership/galera-sub001/node"
	"github.com/codership/galera-sub001/pc"
	"github.com/codership/galera-sub001/timer"
)

type inboxMsg struct {
	fromAddr string
	frame    gmcast.FrameType
	payload  []byte
	reply    gmcast.Sender
}

// memSender delivers frames directly into the target member's inbox,
// tagged with the address the recipient should attribute them to, mirroring
// the (addr, Sender) pairing gmcast.Listener hands the reactor for a real
// socket.
type memSender struct {
	h        *Harness
	toNode   string
	fromAddr string
	reply    gmcast.Sender
	closed   bool
}

func (s *memSender) Send(frame gmcast.FrameType, payload []byte) error {
	if s.closed {
		return fmt.Errorf("gctest: send on closed link %s->%s", s.fromAddr, s.toNode)
	}
	s.h.inboxes[s.toNode] = append(s.h.inboxes[s.toNode], inboxMsg{
		fromAddr: s.fromAddr,
		frame:    frame,
		payload:  append([]byte(nil), payload...),
		reply:    s.reply,
	})
	return nil
}

func (s *memSender) Close() error { s.closed = true; return nil }

// Member is one simulated node in a Harness cluster.
type Member struct {
	Name string
	Node *node.Node
	Cfg  *config.Config
}

// Harness coordinates a fixed set of Members sharing one virtual clock,
// per spec.md's "a virtual clock seam is mandatory" design note.
type Harness struct {
	clk     *clock.Virtual
	members map[string]*Member
	order   []string
	inboxes map[string][]inboxMsg
	links   map[string]bool
}

// New creates an empty harness.
func New() *Harness {
	return &Harness{
		clk:     clock.NewVirtual(time.Unix(1_700_000_000, 0)),
		members: make(map[string]*Member),
		inboxes: make(map[string][]inboxMsg),
		links:   make(map[string]bool),
	}
}

// AddNode constructs and registers a fresh node under name (its own address
// for Connect/Disconnect/Isolate), applying cfg on top of config.Defaults.
func (h *Harness) AddNode(name string, overrides map[string]string, dataDir string) *Member {
	cfg := config.New(overrides)
	self := id.New()
	n, err := node.New(self, id.Segment(cfg.Uint("gmcast.segment", 0)), cfg.String("gmcast.group", "g"), name, cfg, h.clk, glog.Noop(), pc.DefaultGvwstatePath(dataDir))
	if err != nil {
		panic(fmt.Sprintf("gctest: constructing node %s: %v", name, err))
	}
	m := &Member{Name: name, Node: n, Cfg: cfg}
	h.members[name] = m
	h.order = append(h.order, name)
	return m
}

// Member looks up a previously added node by name.
func (h *Harness) Member(name string) *Member { return h.members[name] }

// Names returns every member name in the order they were added.
func (h *Harness) Names() []string { return append([]string(nil), h.order...) }

func linkKey(a, b string) string {
	if a < b {
		return a + "|" + b
	}
	return b + "|" + a
}

// Connect establishes a bidirectional handshake between a and b and pumps
// the resulting traffic (JOIN/INSTALL negotiation, STATE exchange) to
// quiescence.
func (h *Harness) Connect(ctx context.Context, a, b string) {
	key := linkKey(a, b)
	if h.links[key] {
		return
	}
	h.links[key] = true
	sAB := &memSender{h: h, toNode: b, fromAddr: a}
	sBA := &memSender{h: h, toNode: a, fromAddr: b}
	sAB.reply = sBA
	sBA.reply = sAB
	h.members[a].Node.BeginHandshake(b, sAB)
	h.Pump(ctx)
}

// ConnectAll fully meshes every member added so far.
func (h *Harness) ConnectAll(ctx context.Context) {
	for i, a := range h.order {
		for _, b := range h.order[i+1:] {
			h.Connect(ctx, a, b)
		}
	}
}

// Pump drains every queued inbox message across every member until
// quiescent: one causal action can fan out into several rounds of replies
// (a JOIN triggering an INSTALL triggering commit GAPs, for instance), so
// draining is iterative rather than one-shot.
func (h *Harness) Pump(ctx context.Context) {
	for {
		progressed := false
		for _, name := range h.order {
			msgs := h.inboxes[name]
			if len(msgs) == 0 {
				continue
			}
			h.inboxes[name] = nil
			member := h.members[name]
			for _, msg := range msgs {
				progressed = true
				if fatal := member.Node.HandleWireFrame(ctx, msg.fromAddr, msg.frame, msg.payload, msg.reply); fatal {
					panic(fmt.Sprintf("gctest: fatal protocol violation delivering to %s from %s", name, msg.fromAddr))
				}
			}
		}
		if !progressed {
			return
		}
	}
}

var allTimerKinds = []timer.Kind{timer.Inactivity, timer.Retrans, timer.Install, timer.Stats, timer.Announce}

// Advance moves the shared virtual clock forward by d, fires every timer
// kind on every member via Tick, and pumps the resulting traffic — the
// deterministic substitute for reactor.Reactor's real-time select loop.
func (h *Harness) Advance(ctx context.Context, d time.Duration) {
	now := h.clk.Advance(d)
	for _, name := range h.order {
		h.members[name].Node.Tick(ctx, now, allTimerKinds)
	}
	h.Pump(ctx)
}

// Disconnect simulates an observed connection failure between a and b on
// both sides at once, the harness equivalent of the reactor's PeerDown
// call on a read error, without waiting on peer_timeout.
func (h *Harness) Disconnect(ctx context.Context, a, b string) {
	h.members[a].Node.PeerDown(ctx, b)
	h.members[b].Node.PeerDown(ctx, a)
	delete(h.links, linkKey(a, b))
	h.Pump(ctx)
}

// Isolate fully partitions name away from every member it is currently
// connected to (spec.md scenario 4's "complete network split", applied one
// node at a time).
func (h *Harness) Isolate(ctx context.Context, name string) {
	for _, other := range h.order {
		if other == name {
			continue
		}
		if h.links[linkKey(name, other)] {
			h.Disconnect(ctx, name, other)
		}
	}
}

// Drain returns every Delivery each member has produced since the last
// call, keyed by member name.
func (h *Harness) Drain() map[string][]node.Delivery {
	out := make(map[string][]node.Delivery, len(h.members))
	for name, m := range h.members {
		out[name] = m.Node.Drain()
	}
	return out
}
