package evs

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codership/galera-sub001/id"
)

func TestMessage_SerializeRoundTrip_User(t *testing.T) {
	src := id.New()
	m := Message{
		Version:    2,
		Type:       MsgUser,
		Source:     src,
		SourceView: id.ViewId{Type: id.ViewReg, Rep: src, Seq: 7},
		Seq:        11,
		AruSeq:     9,
		FifoSeq:    3,
		Order:      OrderSafe,
		Flags:      FlagSource,
		Payload:    []byte("payload bytes"),
	}
	buf := m.Serialize()
	require.Len(t, buf, m.SerialSize())

	got, err := Deserialize(buf)
	require.NoError(t, err)
	require.Equal(t, m.Source, got.Source)
	require.Equal(t, m.SourceView, got.SourceView)
	require.Equal(t, m.Seq, got.Seq)
	require.Equal(t, m.Order, got.Order)
	require.Equal(t, m.Payload, got.Payload)
}

func TestMessage_SerializeRoundTrip_Join(t *testing.T) {
	src, n2 := id.New(), id.New()
	m := Message{
		Version:      1,
		Type:         MsgJoin,
		Source:       src,
		SourceView:   id.ViewId{Type: id.ViewTrans, Rep: src, Seq: 1},
		ProposedView: id.ViewId{Type: id.ViewReg, Rep: src, Seq: 2},
		NodeMap: []NodeMapEntry{
			{Node: src, Operational: true, Segment: 0},
			{Node: n2, Operational: false, Suspected: true, LeftSeq: 4, Segment: 1},
		},
	}
	buf := m.Serialize()
	require.Len(t, buf, m.SerialSize())

	got, err := Deserialize(buf)
	require.NoError(t, err)
	require.Equal(t, m.ProposedView, got.ProposedView)
	require.Equal(t, m.NodeMap, got.NodeMap)
}

func TestMessage_SerializeRoundTrip_Gap(t *testing.T) {
	src, gs := id.New(), id.New()
	m := Message{
		Version: 0, Type: MsgGap, Source: src,
		SourceView: id.ViewId{Rep: src},
		GapSource:  gs, GapLow: 3, GapHigh: 8,
	}
	buf := m.Serialize()
	require.Len(t, buf, m.SerialSize())

	got, err := Deserialize(buf)
	require.NoError(t, err)
	require.Equal(t, m.GapSource, got.GapSource)
	require.Equal(t, m.GapLow, got.GapLow)
	require.Equal(t, m.GapHigh, got.GapHigh)
}

func TestMessage_SerializeRoundTrip_DelayedList(t *testing.T) {
	src, n2 := id.New(), id.New()
	m := Message{
		Version: 0, Type: MsgDelayedList, Source: src,
		SourceView: id.ViewId{Rep: src},
		Delayed:    []DelayedReport{{Node: n2, Count: 3}},
	}
	buf := m.Serialize()
	require.Len(t, buf, m.SerialSize())

	got, err := Deserialize(buf)
	require.NoError(t, err)
	require.Equal(t, m.Delayed, got.Delayed)
}
