package gmcast

import (
	"context"
	"testing"
	"time"

	"github.com/codership/galera-sub001/clock"
	"github.com/codership/galera-sub001/config"
	"github.com/codership/galera-sub001/glog"
	"github.com/codership/galera-sub001/id"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	sent   []FrameType
	closed bool
	fail   bool
}

func (f *fakeSender) Send(frame FrameType, _ []byte) error {
	if f.fail {
		return errPeerNotConnected{}
	}
	f.sent = append(f.sent, frame)
	return nil
}
func (f *fakeSender) Close() error { f.closed = true; return nil }

func newTestOverlay(t *testing.T, group string) *Overlay {
	return NewOverlay(id.New(), 0, group, "tcp://self:4567", config.New(nil), clock.NewVirtual(time.Unix(0, 0)), glog.Noop())
}

func connectPeer(o *Overlay, segment id.Segment) (id.UUID, *fakeSender) {
	peer := id.New()
	fs := &fakeSender{}
	c := &conn{PeerConn: PeerConn{State: ConnOK, RemoteUUID: peer, RemoteSegment: segment, RemoteAddr: peer.String()}, tx: fs}
	o.conns[peer] = c
	if o.segments[segment] == nil {
		o.segments[segment] = make(map[id.UUID]bool)
	}
	o.segments[segment][peer] = true
	o.recomputeRelaySet()
	return peer, fs
}

func TestOverlay_BroadcastLocalSegmentReachesAllPeers(t *testing.T) {
	o := newTestOverlay(t, "g")
	_, a := connectPeer(o, 0)
	_, b := connectPeer(o, 0)
	err := o.Broadcast(context.Background(), FrameData, []byte("x"), false)
	require.NoError(t, err)
	require.Equal(t, []FrameType{FrameData}, a.sent)
	require.Equal(t, []FrameType{FrameData}, b.sent)
}

func TestOverlay_BroadcastCrossesEachRemoteSegmentOnce(t *testing.T) {
	o := newTestOverlay(t, "g")
	p1, s1 := connectPeer(o, 1)
	p2, s2 := connectPeer(o, 1)
	require.NoError(t, o.Broadcast(context.Background(), FrameData, []byte("x"), false))

	// exactly one of the two segment-1 peers (the relay rep) receives it
	got := len(s1.sent) + len(s2.sent)
	require.Equal(t, 1, got)
	_ = p1
	_ = p2
}

func TestOverlay_RelayedFrameIsNotReRelayed(t *testing.T) {
	o := newTestOverlay(t, "g")
	_, a := connectPeer(o, 1)
	require.NoError(t, o.Broadcast(context.Background(), FrameData, []byte("x"), true))
	require.Empty(t, a.sent)
}

func TestOverlay_EvictClosesConnectionAndRejectsFutureHandshake(t *testing.T) {
	o := newTestOverlay(t, "g")
	peer, fs := connectPeer(o, 0)
	o.Evict(peer)
	require.True(t, fs.closed)
	_, stillConnected := o.conns[peer]
	require.False(t, stillConnected)

	h := Handshake{NodeUUID: peer, Group: "g"}
	res := validateHandshake(h, o.self, o.group, o.everEnteredPrimary, o.knownHandshakeUUID, o.evictList, o.existingAddrByUUID())
	require.False(t, res.ok)
	require.Equal(t, FailEvicted, res.reason)
}

func TestOverlay_ExpireEvictionsDropsOldEntries(t *testing.T) {
	o := newTestOverlay(t, "g")
	o.cfg.Set("evs.view_forget_timeout", "1m")
	peer := id.New()
	o.Evict(peer)
	o.ExpireEvictions(o.clk.Now().Add(2 * time.Minute))
	require.False(t, o.evictList[peer])
}

func TestOverlay_UnicastUnknownPeerErrors(t *testing.T) {
	o := newTestOverlay(t, "g")
	err := o.Unicast(id.New(), FrameData, nil)
	require.Error(t, err)
}

func TestAddrBook_ReconnectRespectsBackoffAndExhaustion(t *testing.T) {
	b := NewAddrBook(1, 42)
	now := time.Unix(1000, 0)
	b.AddPending("a:1", now)
	require.ElementsMatch(t, []string{"a:1"}, b.ReadyToReconnect(now))

	b.RecordAttempt("a:1", now, 100*time.Millisecond, time.Second)
	require.Empty(t, b.ReadyToReconnect(now))
	require.ElementsMatch(t, []string{"a:1"}, b.ReadyToReconnect(now.Add(2*time.Second)))

	b.RecordAttempt("a:1", now, 100*time.Millisecond, time.Second)
	require.Empty(t, b.ReadyToReconnect(now.Add(2*time.Second)))
	_, stillPending := b.Pending["a:1"]
	require.False(t, stillPending, "entry should be erased once retry budget is exhausted")
}

func TestAddrBook_BlacklistPreventsReAdd(t *testing.T) {
	b := NewAddrBook(5, 1)
	b.Blacklisted("self:4567")
	b.AddPending("self:4567", time.Now())
	require.Empty(t, b.Pending)
}
