// Package node is the composition root wiring gmcast.Overlay under
// evs.Proto under pc.Proto into the single-threaded group communication
// stack spec.md's concurrency model describes. Protocol-fatal conditions
// panic where they are detected: in evs (FIFO regression), in pc (consensus,
// INSTALL and FIFO checks) and here (PC checksum mismatch).
package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/codership/galera-sub001/clock"
	"github.com/codership/galera-sub001/config"
	"github.com/codership/galera-sub001/evs"
	"github.com/codership/galera-sub001/glog"
	"github.com/codership/galera-sub001/gmcast"
	"github.com/codership/galera-sub001/id"
	"github.com/codership/galera-sub001/pc"
	"github.com/codership/galera-sub001/timer"
)

// Delivery is one unit of output the application layer consumes: either a
// decided view or an application payload PC has finished FIFO-checking,
// in the order Drain produces them.
type Delivery struct {
	View    *id.View
	From    id.UUID
	Payload []byte
}

// Node owns one node's gmcast.Overlay, evs.Proto and pc.Proto instances
// and is the only place a sync.Mutex appears in the protocol stack: every
// other package is driven exclusively from the reactor goroutine and holds
// no lock of its own. Submit is the one exported entry point an
// application goroutine may call directly; everything else
// (HandleWireFrame, Tick, ...) is called by the reactor. Every exported
// method takes mu itself for its whole duration.
type Node struct {
	mu sync.Mutex

	self id.UUID
	cfg  *config.Config
	clk  clock.Clock
	log  glog.Logger

	Overlay *gmcast.Overlay
	EVS     *evs.Proto
	PC      *pc.Proto

	pending []Delivery
}

// New constructs the three-layer stack for one node. gvwstatePath is
// pc.Proto's gvwstate.dat location; see pc.DefaultGvwstatePath.
func New(self id.UUID, segment id.Segment, group, listenAddr string, cfg *config.Config, clk clock.Clock, log glog.Logger, gvwstatePath string) (*Node, error) {
	pcProto, err := pc.New(self, cfg, clk, log, gvwstatePath)
	if err != nil {
		return nil, fmt.Errorf("node: constructing pc.Proto: %w", err)
	}
	n := &Node{
		self:    self,
		cfg:     cfg,
		clk:     clk,
		log:     log.WithFields(glog.Fields{"node": self.String()}),
		Overlay: gmcast.NewOverlay(self, segment, group, listenAddr, cfg, clk, log),
		EVS:     evs.New(self, segment, cfg, clk, log),
		PC:      pcProto,
	}
	// pc.bootstrap founds the group without waiting on any EVS round trip
	// (spec.md scenario 1); its Delivery is already queued by pc.New.
	n.pending = append(n.pending, n.drainPC()...)
	return n, nil
}

// Self returns this node's identity.
func (n *Node) Self() id.UUID { return n.self }

// Submit is the mutex-protected application-send entry point: it assigns
// the payload a PC sequence number, wraps it for EVS delivery under the
// requested ordering class, and hands the resulting wire frame to the
// overlay. The same lock guards Tick and HandleWireFrame so a send racing
// a reactor-driven state change is impossible.
func (n *Node) Submit(ctx context.Context, payload []byte, order evs.Order) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.PC.State() != pc.StatePrim {
		return ErrNotPrimary
	}
	ob := n.PC.Send(payload)
	return n.sendPC(ctx, ob, order)
}

// ErrNotPrimary is returned by Submit when the node's primary-component
// filter has not (or no longer) decided this node belongs to the primary
// view; spec.md places sends outside a primary view in the
// policy-recoverable error class, never a protocol-fatal one.
var ErrNotPrimary = fmt.Errorf("node: not in a primary view")

// sendPC serializes a PC outbound message and hands it to EVS under order,
// then immediately transmits whatever EVS produces in response (including
// the self-delivery insertion EVS performs synchronously).
func (n *Node) sendPC(ctx context.Context, ob pc.Outbound, order evs.Order) error {
	evsOut, err := n.EVS.Send(ob.Msg.Serialize(), order)
	if err != nil {
		return fmt.Errorf("node: evs send: %w", err)
	}
	return n.transmitEvs(ctx, evsOut)
}

// controlOrder is the ordering class every PC-internal control message
// (STATE, INSTALL, weight-change INSTALL) is sent under: spec.md requires
// these decisions to be made from an identical, fully-acknowledged view of
// the group, which is exactly evs.OrderSafe's guarantee.
const controlOrder = evs.OrderSafe

func (n *Node) transmitEvs(ctx context.Context, ob evs.Outbound) error {
	buf := ob.Msg.Serialize()
	if ob.To != nil {
		return n.Overlay.Unicast(*ob.To, gmcast.FrameData, buf)
	}
	return n.Overlay.Broadcast(ctx, gmcast.FrameData, buf, false)
}

func (n *Node) transmitEvsAll(ctx context.Context, obs []evs.Outbound) error {
	for _, ob := range obs {
		if err := n.transmitEvs(ctx, ob); err != nil {
			return err
		}
	}
	return nil
}

// HandleWireFrame is the reactor's single dispatch point for a frame
// received on addr. tx is the Sender for that connection, needed for the
// handshake frames that may still be establishing it. The returned bool
// reports whether validateHandshake judged the frame a fatal protocol
// violation (spec.md rule 3: a self-handshake before ever reaching
// primary), which the reactor should treat as a reason to abort the node.
func (n *Node) HandleWireFrame(ctx context.Context, addr string, frame gmcast.FrameType, payload []byte, tx gmcast.Sender) (fatal bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	switch frame {
	case gmcast.FrameHandshake:
		return n.Overlay.HandleHandshakeFrame(addr, payload, tx)
	case gmcast.FrameHandshakeResponse:
		n.Overlay.HandleHandshakeResponse(addr, payload)
		if peer, ok := n.Overlay.UUIDForAddr(addr); ok {
			n.onPeerUp(ctx, peer)
		}
		return false
	case gmcast.FrameHandshakeFail:
		tx.Close()
		return false
	case gmcast.FrameKeepalive:
		return false
	case gmcast.FrameTopologyChange, gmcast.FrameData:
		from, ok := n.Overlay.UUIDForAddr(addr)
		if !ok {
			return false
		}
		raw := n.Overlay.HandleFrame(from, frame, payload)
		if raw != nil {
			n.onEvsBytes(ctx, from, raw)
		}
		return false
	default:
		n.log.Warnf("node: unknown frame type %d from %s", frame, addr)
		return false
	}
}

// PeerDown is called once a connection to addr is confirmed gone (a read
// error the reactor observed, or a liveness timeout), tearing the peer out
// of both the overlay's connection table and EVS's membership so the group
// re-negotiates a smaller view instead of waiting forever on a corpse.
func (n *Node) PeerDown(ctx context.Context, addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	peer, ok := n.Overlay.UUIDForAddr(addr)
	if !ok {
		return
	}
	n.Overlay.RemovePeer(peer)
	out := n.EVS.RemovePeer(peer)
	n.transmitEvsAll(ctx, out)
	n.drainEvsDeliveries(ctx)
}

// onPeerUp is called on the dialing side once the handshake response
// arrives, admitting the new peer into EVS's membership negotiation. The
// accepting side does not call it: there EVS admits the peer when its
// first EVS message arrives (HandleMessage treats an unknown source as
// foreign).
func (n *Node) onPeerUp(ctx context.Context, peer id.UUID) {
	segment := id.Segment(0)
	out := n.EVS.AddPeer(peer, segment)
	n.transmitEvsAll(ctx, out)
}

// onEvsBytes decodes and processes one EVS datagram received from peer,
// transmitting whatever protocol reply it produces and draining every
// deliverable view/message it unlocks.
func (n *Node) onEvsBytes(ctx context.Context, peer id.UUID, raw []byte) {
	msg, err := evs.Deserialize(raw)
	if err != nil {
		n.log.Warnf("node: malformed evs datagram from %s: %v", peer, err)
		return
	}
	out, err := n.EVS.HandleMessage(peer, msg)
	if err != nil {
		n.log.Warnf("node: evs: %v", err)
		return
	}
	n.transmitEvsAll(ctx, out)
	n.drainEvsDeliveries(ctx)
}

// drainEvsDeliveries walks every view/user delivery EVS has unlocked since
// the last drain, feeding views to PC's own state machine and user
// payloads (opaque PC datagrams) to PC's message dispatch, pumping any
// resulting PC control traffic back out through EVS until nothing more is
// produced.
func (n *Node) drainEvsDeliveries(ctx context.Context) {
	for _, d := range n.EVS.TakeDeliveries() {
		switch {
		case d.View != nil:
			n.onEvsView(ctx, *d.View)
		case d.User != nil:
			n.onPCBytes(ctx, d.User.Source, d.User.Payload)
		}
	}
	n.pending = append(n.pending, n.drainPC()...)
}

func (n *Node) onEvsView(ctx context.Context, view id.View) {
	var out []pc.Outbound
	switch view.Id.Type {
	case id.ViewTrans:
		out = n.PC.OnEvsTrans(view)
	case id.ViewReg:
		out = n.PC.OnEvsReg(view)
	default:
		return
	}
	for _, ob := range out {
		if err := n.sendPC(ctx, ob, controlOrder); err != nil {
			n.log.Warnf("node: transmitting pc control message: %v", err)
		}
	}
}

func (n *Node) onPCBytes(ctx context.Context, from id.UUID, raw []byte) {
	msg, err := pc.Deserialize(raw)
	if err != nil {
		n.log.Warnf("node: malformed pc datagram from %s: %v", from, err)
		return
	}
	if msg.Flags&pc.FlagChecksum != 0 && !pc.VerifyChecksum(raw) {
		panic(fmt.Sprintf("node: pc checksum mismatch from %s", from))
	}
	var out []pc.Outbound
	switch msg.Type {
	case pc.MsgState:
		out = n.PC.HandleState(from, msg)
	case pc.MsgInstall:
		out = n.PC.HandleInstall(from, msg)
	case pc.MsgUser:
		payload := n.PC.HandleUser(from, msg)
		n.pending = append(n.pending, Delivery{From: from, Payload: payload})
	default:
		n.log.Warnf("node: unknown pc message type %d from %s", msg.Type, from)
	}
	for _, ob := range out {
		if err := n.sendPC(ctx, ob, controlOrder); err != nil {
			n.log.Warnf("node: transmitting pc control message: %v", err)
		}
	}
}

func (n *Node) drainPC() []Delivery {
	var out []Delivery
	for _, d := range n.PC.TakeDeliveries() {
		v := d.View
		out = append(out, Delivery{View: &v})
	}
	return out
}

// Drain returns every Delivery produced since the last call, in order.
func (n *Node) Drain() []Delivery {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := n.pending
	n.pending = nil
	return out
}

// Tick drives every timer-scheduled piece of work: EVS's four protocol
// timers, the overlay's reconnect/liveness pass, and returns addresses the
// caller (reactor) should dial.
func (n *Node) Tick(ctx context.Context, now time.Time, fired []timer.Kind) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := n.EVS.Tick(now, fired)
	n.transmitEvsAll(ctx, out)
	for _, k := range fired {
		if k != timer.Announce {
			continue
		}
		for _, ob := range n.PC.Announce() {
			if err := n.sendPC(ctx, ob, controlOrder); err != nil {
				n.log.Warnf("node: transmitting pc announce: %v", err)
			}
		}
	}
	dialAddrs, failedPeers := n.Overlay.Tick(now)
	for _, peer := range failedPeers {
		evsOut := n.EVS.RemovePeer(peer)
		n.transmitEvsAll(ctx, evsOut)
	}
	n.drainEvsDeliveries(ctx)
	return dialAddrs
}

// BeginHandshake starts the overlay handshake on a freshly dialed
// connection; the reactor calls this immediately after a successful Dial.
func (n *Node) BeginHandshake(addr string, tx gmcast.Sender) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Overlay.BeginHandshake(addr, true, tx)
}

// NoteDialFailure records a failed dial attempt against the address
// book's backoff schedule.
func (n *Node) NoteDialFailure(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Overlay.NoteDialFailure(addr)
}

// AddSeed enqueues a configured peer address for connection attempts.
func (n *Node) AddSeed(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Overlay.AddSeed(addr)
}

// Evict durably evicts peer from the group (the evs.evict runtime
// command), closing its connection and refusing future handshakes from
// it.
func (n *Node) Evict(peer id.UUID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Overlay.Evict(peer)
	out := n.EVS.Evict(peer)
	n.transmitEvsAll(context.Background(), out)
}

// Close tears down EVS (LEAVE broadcast) and PC (gvwstate.dat
// removal) in that order, matching spec.md's layering: EVS must announce
// departure before PC gives up its own persisted state.
func (n *Node) Close(ctx context.Context) {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := n.EVS.Close(false)
	n.transmitEvsAll(ctx, out)
	n.PC.Close()
}
