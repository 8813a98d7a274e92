package pc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codership/galera-sub001/id"
)

func TestMessage_SerializeRoundTrip_State(t *testing.T) {
	a, b := id.New(), id.New()
	m := Message{
		Type:    MsgState,
		Version: 3,
		NodeMap: map[id.UUID]NodeState{
			a: {Prim: true, LastSeq: 5, LastPrimView: id.ViewId{Type: id.ViewPrim, Rep: a, Seq: 2}, ToSeq: 9, Weight: 2, Segment: 1},
			b: {Prim: false, Un: true, Evicted: false, LastSeq: 0, ToSeq: -1, Weight: 1},
		},
	}
	buf := m.Serialize()
	require.Len(t, buf, m.SerialSize())

	got, err := Deserialize(buf)
	require.NoError(t, err)
	require.Equal(t, m.Type, got.Type)
	require.Equal(t, m.Version, got.Version)
	require.Equal(t, m.NodeMap, got.NodeMap)
}

func TestMessage_SerializeRoundTrip_User(t *testing.T) {
	m := Message{Type: MsgUser, Version: 1, Seq: 42, Payload: []byte("hello pc")}
	buf := m.Serialize()
	require.Len(t, buf, m.SerialSize())

	got, err := Deserialize(buf)
	require.NoError(t, err)
	require.Equal(t, m.Payload, got.Payload)
}

func TestMessage_WithChecksum_VerifyRoundTrip(t *testing.T) {
	m := Message{Type: MsgUser, Version: 1, Payload: []byte("checked")}
	m = m.WithChecksum()
	buf := m.Serialize()
	require.True(t, VerifyChecksum(buf), "checksum must verify against its own freshly-serialized bytes")

	buf[len(buf)-1] ^= 0xFF
	require.False(t, VerifyChecksum(buf), "corrupting the payload must invalidate the checksum")
}

func TestMessage_Deserialize_UnknownType(t *testing.T) {
	_, err := Deserialize([]byte{1, 99, 0, 0, 0, 0})
	require.Error(t, err)
}
