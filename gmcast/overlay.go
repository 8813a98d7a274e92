package gmcast

import (
	"context"
	"time"

	"github.com/codership/galera-sub001/clock"
	"github.com/codership/galera-sub001/config"
	"github.com/codership/galera-sub001/glog"
	"github.com/codership/galera-sub001/id"
	"golang.org/x/sync/errgroup"
)

// Sender is the minimal per-connection transmit surface Overlay needs;
// it is satisfied by a real net.Conn wrapper or, in tests, an in-memory
// fake. Keeping it this narrow is what lets segment-relay and handshake
// logic be exercised without opening a single socket.
type Sender interface {
	Send(frame FrameType, payload []byte) error
	Close() error
}

// conn pairs a PeerConn's protocol state with its transmit side.
type conn struct {
	PeerConn
	tx Sender
}

// Overlay is spec.md §4.1's transport overlay: a fully-connected mesh of
// per-peer streams, address-book-driven reconnection, handshake
// validation, TOPOLOGY_CHANGE propagation, and segment-aware broadcast
// relay, sitting directly on the EVS layer above it.
type Overlay struct {
	self       id.UUID
	segment    id.Segment
	group      string
	listenAddr string
	mcastAddr  string

	cfg *config.Config
	clk clock.Clock
	log glog.Logger

	addrs *AddrBook

	conns map[id.UUID]*conn // OK-state peer connections, keyed by remote UUID
	pend  map[string]*conn  // in-flight handshakes, keyed by dial/accept address

	segments           map[id.Segment]map[id.UUID]bool
	relaySet           map[id.UUID]bool // one representative per remote segment
	knownHandshakeUUID map[id.UUID]bool
	evictList          map[id.UUID]bool
	evictedAt          map[id.UUID]time.Time
	everEnteredPrimary bool
	isolate            int // last level passed to SetIsolate; not read elsewhere
}

// NewOverlay constructs an idle overlay. Call AddSeed/Connect to start
// building the mesh.
func NewOverlay(self id.UUID, segment id.Segment, group, listenAddr string, cfg *config.Config, clk clock.Clock, log glog.Logger) *Overlay {
	return &Overlay{
		self:                self,
		segment:             segment,
		group:               group,
		listenAddr:          listenAddr,
		cfg:                 cfg,
		clk:                 clk,
		log:                 log,
		addrs:               NewAddrBook(int(cfg.Uint("gmcast.mira", 10)), 1),
		conns:               make(map[id.UUID]*conn),
		pend:                make(map[string]*conn),
		segments:            make(map[id.Segment]map[id.UUID]bool),
		relaySet:            make(map[id.UUID]bool),
		knownHandshakeUUID:  make(map[id.UUID]bool),
		evictList:           make(map[id.UUID]bool),
		evictedAt:           make(map[id.UUID]time.Time),
	}
}

// AddSeed enqueues a configured peer address (gmcast.peer_addr add: or the
// initial seed list) for connection attempts.
func (o *Overlay) AddSeed(addr string) {
	o.addrs.AddPending(addr, o.clk.Now())
}

// RemoveSeed implements the gmcast.peer_addr del: runtime command.
func (o *Overlay) RemoveSeed(addr string) {
	o.addrs.RemovePending(addr)
	if c, ok := o.pend[addr]; ok {
		c.tx.Close()
		delete(o.pend, addr)
	}
}

// BeginHandshake is called once a TCP connection (dialed or accepted) is
// established; it sends our own Handshake and records pending state.
func (o *Overlay) BeginHandshake(addr string, outbound bool, tx Sender) {
	hu := id.New()
	o.knownHandshakeUUID[hu] = true
	c := &conn{
		PeerConn: PeerConn{
			State: ConnInit, Outbound: outbound, HandshakeUUID: hu, RemoteAddr: addr,
			LastSend: o.clk.Now(),
		},
		tx: tx,
	}
	hs := Handshake{
		Version: 1, HandshakeUUID: hu, NodeUUID: o.self, Segment: o.segment,
		ListenAddr: o.listenAddr, Group: o.group,
	}
	if err := tx.Send(FrameHandshake, hs.encode()); err != nil {
		o.log.Warnf("gmcast: handshake send to %s failed: %v", addr, err)
		c.State = ConnFailed
		return
	}
	c.State = ConnHandshakeSent
	o.pend[addr] = c
}

// existingAddrByUUID is the "existingConnAddrByUUID" validateHandshake
// needs for rule 4 (duplicate UUID, different address).
func (o *Overlay) existingAddrByUUID() map[id.UUID]string {
	out := make(map[id.UUID]string, len(o.conns))
	for u, c := range o.conns {
		out[u] = c.RemoteAddr
	}
	return out
}

// HandleHandshakeFrame processes an incoming Handshake from addr, sent on
// connection tx. A rejected handshake closes tx. The return value is true
// only for a fatal rejection, which signals the caller to abort the whole
// node (spec.md rule 3); it is false both on acceptance and on a non-fatal
// rejection.
func (o *Overlay) HandleHandshakeFrame(addr string, payload []byte, tx Sender) (fatal bool) {
	h, err := decodeHandshake(payload)
	if err != nil {
		o.log.Warnf("gmcast: malformed handshake from %s: %v", addr, err)
		tx.Close()
		return false
	}
	res := validateHandshake(h, o.self, o.group, o.everEnteredPrimary, o.knownHandshakeUUID, o.evictList, o.existingAddrByUUID())
	if !res.ok {
		o.log.Warnf("gmcast: rejecting handshake from %s: %s", addr, res.reason)
		tx.Send(FrameHandshakeFail, []byte{byte(res.reason)})
		tx.Close()
		if res.reason == FailDuplicateUUID && h.NodeUUID == o.self {
			o.addrs.Blacklisted(addr)
		}
		return res.fatal
	}
	existing, wasPending := o.pend[addr]
	c := existing
	if !wasPending {
		c = &conn{PeerConn: PeerConn{State: ConnHandshakeWait, Outbound: false, RemoteAddr: addr}, tx: tx}
	}
	c.RemoteUUID = h.NodeUUID
	c.RemoteSegment = h.Segment
	c.LastRecv = o.clk.Now()
	if c.State == ConnHandshakeSent || c.State == ConnHandshakeWait {
		resp := Handshake{Version: 1, HandshakeUUID: h.HandshakeUUID, NodeUUID: o.self, Segment: o.segment, ListenAddr: o.listenAddr, Group: o.group}
		tx.Send(FrameHandshakeResponse, resp.encode())
		// The acceptor needs no further round trip: it already has every
		// field of the dialer's identity and has just sent its own, so the
		// connection is immediately usable on this side too.
		o.completeConn(addr, c)
		return false
	}
	o.pend[addr] = c
	return false
}

// HandleHandshakeResponse completes the dialer side of the handshake.
func (o *Overlay) HandleHandshakeResponse(addr string, payload []byte) {
	h, err := decodeHandshake(payload)
	if err != nil {
		return
	}
	c, ok := o.pend[addr]
	if !ok {
		return
	}
	c.RemoteUUID = h.NodeUUID
	c.RemoteSegment = h.Segment
	c.LastRecv = o.clk.Now()
	o.completeConn(addr, c)
}

// completeConn promotes a pending connection to OK and indexes it by
// segment/relay bookkeeping once both sides have exchanged handshakes.
func (o *Overlay) completeConn(addr string, c *conn) {
	c.State = ConnOK
	delete(o.pend, addr)
	o.conns[c.RemoteUUID] = c
	o.addrs.MarkConnected(addr, c.RemoteUUID, o.clk.Now())
	if o.segments[c.RemoteSegment] == nil {
		o.segments[c.RemoteSegment] = make(map[id.UUID]bool)
	}
	o.segments[c.RemoteSegment][c.RemoteUUID] = true
	o.recomputeRelaySet()
}

// recomputeRelaySet picks, for each remote segment, a single deterministic
// representative (smallest UUID) that this node will route
// segment-crossing broadcasts through, per spec.md: "at most one message
// per broadcast crosses each segment boundary."
func (o *Overlay) recomputeRelaySet() {
	o.relaySet = make(map[id.UUID]bool)
	for seg, members := range o.segments {
		if seg == o.segment {
			continue
		}
		var rep id.UUID
		first := true
		for u := range members {
			if first || u.Less(rep) {
				rep = u
				first = false
			}
		}
		if !first {
			o.relaySet[rep] = true
		}
	}
}

// Broadcast sends payload to every directly connected peer in our own
// segment, plus exactly one relay per remote segment tagged
// F_SEGMENT_RELAY so its recipient fans it out locally with F_RELAY set,
// per spec.md's segment-aware relay rule.
func (o *Overlay) Broadcast(ctx context.Context, frame FrameType, payload []byte, fromRelay bool) error {
	g, _ := errgroup.WithContext(ctx)
	for u, c := range o.conns {
		u, c := u, c
		local := c.RemoteSegment == o.segment
		relay := o.relaySet[u]
		if !local && !relay {
			continue
		}
		if fromRelay && !local {
			// Never re-relay something that already crossed a segment once.
			continue
		}
		g.Go(func() error { return c.tx.Send(frame, payload) })
	}
	return g.Wait()
}

// Unicast sends payload to exactly one known peer.
func (o *Overlay) Unicast(to id.UUID, frame FrameType, payload []byte) error {
	c, ok := o.conns[to]
	if !ok {
		return errPeerNotConnected{to}
	}
	return c.tx.Send(frame, payload)
}

// BroadcastTopology sends a TOPOLOGY_CHANGE listing every peer this node
// knows a listen address for, per spec.md's topology-propagation rule.
func (o *Overlay) BroadcastTopology(ctx context.Context, extra []TopologyEntry) error {
	entries := append([]TopologyEntry(nil), extra...)
	for u, c := range o.conns {
		entries = append(entries, TopologyEntry{Peer: u, ListenAddr: c.RemoteAddr})
	}
	return o.Broadcast(ctx, FrameTopologyChange, encodeTopology(entries), false)
}

// MergeTopology folds a received TOPOLOGY_CHANGE into the address book so
// unknown peers get dialed.
func (o *Overlay) MergeTopology(entries []TopologyEntry) {
	now := o.clk.Now()
	for _, e := range entries {
		if e.Peer == o.self {
			continue
		}
		if _, known := o.conns[e.Peer]; known {
			continue
		}
		o.addrs.MergeDiscovered(e.ListenAddr, e.Peer, now)
	}
}

// Tick drives reconnection attempts, eviction expiry, and per-connection
// liveness bookkeeping; the caller is expected to actually dial the
// returned addresses (Overlay itself holds no knowledge of how to open a
// socket) and to propagate failedPeers into EVS's own membership view,
// since the overlay's connection table and EVS's node table are otherwise
// unaware of each other.
func (o *Overlay) Tick(now time.Time) (dialAddrs []string, failedPeers []id.UUID) {
	o.ExpireEvictions(now)
	failedPeers = o.runLiveness(now)
	return o.addrs.ReadyToReconnect(now), failedPeers
}

// runLiveness implements spec.md's liveness rule: "Marks peers whose
// last-receive timestamp is older than peer_timeout as FAILED. For
// healthy connections nearing idleness (2/3 of peer_timeout since last
// recv, or 1/3 since last send), emits a keepalive."
func (o *Overlay) runLiveness(now time.Time) []id.UUID {
	peerTimeout := o.cfg.Duration("peer_timeout", 3*time.Second)
	var failed []id.UUID
	for u, c := range o.conns {
		if c.State != ConnOK {
			continue
		}
		if now.Sub(c.LastRecv) >= peerTimeout {
			c.State = ConnFailed
			failed = append(failed, u)
			continue
		}
		if now.Sub(c.LastRecv) >= (peerTimeout*2)/3 || now.Sub(c.LastSend) >= peerTimeout/3 {
			if err := c.tx.Send(FrameKeepalive, nil); err == nil {
				c.LastSend = now
			}
		}
	}
	for _, u := range failed {
		o.RemovePeer(u)
	}
	return failed
}

// NoteDialFailure records a failed dial attempt against the address
// book's backoff schedule.
func (o *Overlay) NoteDialFailure(addr string) {
	peerTimeout := o.cfg.Duration("peer_timeout", 3*time.Second)
	o.addrs.RecordAttempt(addr, o.clk.Now(), 200*time.Millisecond, peerTimeout)
}

// RemovePeer tears down a connection (socket failure, FAILED transition,
// or eviction) and updates segment/relay bookkeeping.
func (o *Overlay) RemovePeer(u id.UUID) {
	c, ok := o.conns[u]
	if !ok {
		return
	}
	c.tx.Close()
	delete(o.conns, u)
	if members := o.segments[c.RemoteSegment]; members != nil {
		delete(members, u)
		if len(members) == 0 {
			delete(o.segments, c.RemoteSegment)
		}
	}
	o.recomputeRelaySet()
}

// Evict durably blacklists a peer (spec.md: "adds the UUID to a durable
// evict list; subsequent handshakes with that UUID are refused,
// established connections closed, and the address forgotten (time_wait
// grace before reconnection)"). If the peer is connected, its address is
// blacklisted in the address book. Nothing clears that blacklist, so
// gmcast.time_wait is not applied and the address stays blocked even after
// the evict-list entry expires.
func (o *Overlay) Evict(u id.UUID) {
	o.evictList[u] = true
	o.evictedAt[u] = o.clk.Now()
	if c, ok := o.conns[u]; ok {
		o.addrs.Blacklisted(c.RemoteAddr)
	}
	o.RemovePeer(u)
}

// Unevict implements the evs.evict runtime command's reverse direction.
func (o *Overlay) Unevict(u id.UUID) {
	delete(o.evictList, u)
	delete(o.evictedAt, u)
}

// ExpireEvictions drops evict-list entries older than view_forget_timeout,
// per spec.md: "Entries expire after view_forget_timeout."
func (o *Overlay) ExpireEvictions(now time.Time) {
	forget := o.cfg.Duration("evs.view_forget_timeout", 5*time.Minute)
	for u, at := range o.evictedAt {
		if now.Sub(at) >= forget {
			delete(o.evictList, u)
			delete(o.evictedAt, u)
		}
	}
}

// SetIsolate implements the gmcast.isolate runtime knob by storing the
// level; at level 2 or above it also drops every existing connection. The
// stored level is not consulted anywhere else, so level 1 changes nothing
// and new handshakes are still accepted at every level.
func (o *Overlay) SetIsolate(level int) {
	o.isolate = level
	if level >= 2 {
		for u := range o.conns {
			o.RemovePeer(u)
		}
	}
}

// MarkEnteredPrimary records that this node has, at least once, been part
// of a primary component; subsequent self-handshakes are then non-fatal
// duplicates (validateHandshake rule 3).
func (o *Overlay) MarkEnteredPrimary() { o.everEnteredPrimary = true }

// HandleFrame is the single entry point the reactor calls for every
// received frame on an OK connection, updating liveness bookkeeping and
// returning the EVS-bound payload for FrameData (nil otherwise).
func (o *Overlay) HandleFrame(from id.UUID, frame FrameType, payload []byte) []byte {
	c, ok := o.conns[from]
	if !ok {
		return nil
	}
	c.LastRecv = o.clk.Now()
	if frame == FrameData {
		return payload
	}
	if frame == FrameTopologyChange {
		entries, err := decodeTopology(payload)
		if err == nil {
			o.MergeTopology(entries)
		}
	}
	return nil
}

// UUIDForAddr resolves an established connection's remote UUID from the
// dial/accept address the transport layer identifies it by, letting the
// reactor correlate an inbound wire frame with the overlay's connection
// table.
func (o *Overlay) UUIDForAddr(addr string) (id.UUID, bool) {
	for u, c := range o.conns {
		if c.RemoteAddr == addr {
			return u, true
		}
	}
	return id.UUID{}, false
}

func (o *Overlay) ConnectedPeers() []id.UUID {
	out := make([]id.UUID, 0, len(o.conns))
	for u := range o.conns {
		out = append(out, u)
	}
	return out
}

type errPeerNotConnected struct{ peer id.UUID }

func (e errPeerNotConnected) Error() string { return "gmcast: peer " + e.peer.String() + " not connected" }
