package gmcast

import (
	"testing"

	"github.com/codership/galera-sub001/id"
	"github.com/stretchr/testify/require"
)

func TestValidateHandshake_GroupMismatch(t *testing.T) {
	h := Handshake{NodeUUID: id.New(), Group: "other"}
	res := validateHandshake(h, id.New(), "mine", true, nil, nil, nil)
	require.False(t, res.ok)
	require.Equal(t, FailInvalidGroup, res.reason)
	require.False(t, res.fatal)
}

func TestValidateHandshake_Evicted(t *testing.T) {
	remote := id.New()
	h := Handshake{NodeUUID: remote, Group: "g"}
	evicted := map[id.UUID]bool{remote: true}
	res := validateHandshake(h, id.New(), "g", true, nil, evicted, nil)
	require.False(t, res.ok)
	require.Equal(t, FailEvicted, res.reason)
}

func TestValidateHandshake_LoopbackKnownIsBlacklistedNotFatal(t *testing.T) {
	self := id.New()
	hu := id.New()
	h := Handshake{NodeUUID: self, HandshakeUUID: hu, Group: "g"}
	known := map[id.UUID]bool{hu: true}
	res := validateHandshake(h, self, "g", true, known, nil, nil)
	require.False(t, res.ok)
	require.Equal(t, FailDuplicateUUID, res.reason)
	require.False(t, res.fatal)
}

func TestValidateHandshake_LoopbackNeverPrimaryIsFatal(t *testing.T) {
	self := id.New()
	h := Handshake{NodeUUID: self, HandshakeUUID: id.New(), Group: "g"}
	res := validateHandshake(h, self, "g", false, nil, nil, nil)
	require.False(t, res.ok)
	require.True(t, res.fatal)
	require.Equal(t, FailDuplicateUUID, res.reason)
}

func TestValidateHandshake_DuplicateUUIDDifferentAddress(t *testing.T) {
	remote := id.New()
	existing := map[id.UUID]string{remote: "10.0.0.1:4567"}
	h := Handshake{NodeUUID: remote, Group: "g", ListenAddr: "10.0.0.2:4567"}
	res := validateHandshake(h, id.New(), "g", true, nil, nil, existing)
	require.False(t, res.ok)
	require.Equal(t, FailDuplicateUUID, res.reason)
}

func TestValidateHandshake_SameAddressIsReconnectionNotDuplicate(t *testing.T) {
	remote := id.New()
	existing := map[id.UUID]string{remote: "10.0.0.1:4567"}
	h := Handshake{NodeUUID: remote, Group: "g", ListenAddr: "10.0.0.1:4567"}
	res := validateHandshake(h, id.New(), "g", true, nil, nil, existing)
	require.True(t, res.ok)
}

func TestValidateHandshake_ValidRemote(t *testing.T) {
	h := Handshake{NodeUUID: id.New(), Group: "g", ListenAddr: "10.0.0.3:4567"}
	res := validateHandshake(h, id.New(), "g", true, nil, nil, nil)
	require.True(t, res.ok)
	require.Equal(t, FailNone, res.reason)
}

func TestHandshakeEncodeDecodeRoundTrip(t *testing.T) {
	h := Handshake{
		Version: 1, HandshakeUUID: id.New(), NodeUUID: id.New(),
		Segment: 3, ListenAddr: "tcp://10.0.0.1:4567", Group: "mygroup",
	}
	buf := h.encode()
	got, err := decodeHandshake(buf)
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestTopologyEncodeDecodeRoundTrip(t *testing.T) {
	entries := []TopologyEntry{
		{Peer: id.New(), ListenAddr: "tcp://a:1", McastAddr: "udp://a:2"},
		{Peer: id.New(), ListenAddr: "tcp://b:1"},
	}
	buf := encodeTopology(entries)
	got, err := decodeTopology(buf)
	require.NoError(t, err)
	require.Equal(t, entries, got)
}
