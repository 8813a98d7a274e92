package pc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codership/galera-sub001/id"
)

// FIFO violation (spec.md scenario 5): feeding two USER messages from the
// same source with seqs [1,1] must make the second one fatal.
func TestProperty_FifoRegressionIsFatal(t *testing.T) {
	p := &Proto{lastRecvSeq: make(map[id.UUID]uint32)}
	from := id.New()

	got := p.HandleUser(from, Message{Type: MsgUser, Seq: 1, Payload: []byte("a")})
	require.Equal(t, []byte("a"), got)

	require.Panics(t, func() {
		p.HandleUser(from, Message{Type: MsgUser, Seq: 1, Payload: []byte("b")})
	}, "a repeated seq from the same source must never be silently accepted")
}

func TestProperty_FifoStrictlyIncreasing(t *testing.T) {
	p := &Proto{lastRecvSeq: make(map[id.UUID]uint32)}
	from := id.New()
	p.HandleUser(from, Message{Seq: 1})
	p.HandleUser(from, Message{Seq: 2})
	require.Panics(t, func() { p.HandleUser(from, Message{Seq: 2}) })
}

// validateStates must report every inconsistent claimant, not just the
// first one found, so a fatal report reflects the whole disagreement.
func TestProperty_ValidateStatesCollectsAllDisagreements(t *testing.T) {
	winning := id.ViewId{Type: id.ViewPrim, Rep: id.New(), Seq: 3}
	a, b, c := id.New(), id.New(), id.New()
	instances := map[id.UUID]NodeState{
		a: {LastPrimView: winning, ToSeq: 5},
		b: {LastPrimView: winning, ToSeq: 7}, // disagrees
		c: {LastPrimView: winning, ToSeq: 9}, // disagrees
	}
	err := validateStates(instances, []id.UUID{a, b, c}, winning, 5)
	require.Error(t, err)
	require.Contains(t, err.Error(), b.String())
	require.Contains(t, err.Error(), c.String())
}

func TestProperty_ValidateStatesIgnoresNpvoLosers(t *testing.T) {
	winning := id.ViewId{Type: id.ViewPrim, Rep: id.New(), Seq: 3}
	loser := id.ViewId{Type: id.ViewPrim, Rep: id.New(), Seq: 1}
	a, b := id.New(), id.New()
	instances := map[id.UUID]NodeState{
		a: {LastPrimView: winning, ToSeq: 5},
		b: {LastPrimView: loser, ToSeq: 999}, // would disagree, but already discarded by npvo
	}
	err := validateStates(instances, []id.UUID{a, b}, winning, 5)
	require.NoError(t, err)
}
