package evs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInputMap_FifoDeliversInOrderOnly(t *testing.T) {
	im := NewInputMap(2)
	im.Insert(0, Message{Seq: 2, Order: OrderFifo})
	require.Empty(t, im.Deliverable(), "seq 2 must wait for seq 1 under FIFO")

	im.Insert(0, Message{Seq: 1, Order: OrderFifo})
	got := im.Deliverable()
	require.Len(t, got, 2)
	require.EqualValues(t, 1, got[0].Seq)
	require.EqualValues(t, 2, got[1].Seq)
}

func TestInputMap_AgreedGatedByAru(t *testing.T) {
	im := NewInputMap(2)
	im.Insert(0, Message{Seq: 1, Order: OrderAgreed})
	require.Empty(t, im.Deliverable(), "aru has not advanced past seq 1 yet (member 1 has sent nothing)")

	// Member 1 catches up, advancing the map-wide aru to 1.
	im.Insert(1, Message{Seq: 1, Order: OrderFifo})
	got := im.Deliverable()
	require.Len(t, got, 2)
}

func TestInputMap_SafeGatedByPeerAru(t *testing.T) {
	im := NewInputMap(2)
	im.Insert(0, Message{Seq: 1, Order: OrderSafe})
	require.Empty(t, im.Deliverable(), "safe_seq starts at 0, below seq 1")

	im.UpdateSafeFromAru(0, 1)
	require.Empty(t, im.Deliverable(), "safe_seq needs every member's aru, not just one")

	im.UpdateSafeFromAru(1, 1)
	got := im.Deliverable()
	require.Len(t, got, 1)
	require.EqualValues(t, 1, got[0].Seq)
}

func TestInputMap_InsertBelowLuIsDropped(t *testing.T) {
	im := NewInputMap(1)
	im.Insert(0, Message{Seq: 1, Order: OrderFifo})
	im.Deliverable()
	require.EqualValues(t, 2, im.RangeOf(0).Lu)

	im.Insert(0, Message{Seq: 1, Order: OrderFifo, Flags: FlagRetrans})
	require.False(t, im.HasGap(0), "a stale retransmission below lu must be dropped, not re-buffered")
}

func TestInputMap_HasGapDetectsMissingSeq(t *testing.T) {
	im := NewInputMap(1)
	im.Insert(0, Message{Seq: 3, Order: OrderFifo})
	require.True(t, im.HasGap(0))
}
