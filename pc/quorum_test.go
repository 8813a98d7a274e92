package pc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codership/galera-sub001/id"
)

func TestWeightOf_HonorsExplicitZeroWeight(t *testing.T) {
	u := id.New()
	instances := map[id.UUID]NodeState{u: {Weight: 0}}
	require.EqualValues(t, 0, weightOf(instances, u), "an explicit weight-0 witness must not be promoted back to the default")
}

func TestWeightOf_DefaultsOnlyWhenAbsent(t *testing.T) {
	u := id.New()
	require.EqualValues(t, 1, weightOf(map[id.UUID]NodeState{}, u))
}

func TestEvaluateQuorum_WeightedAsymmetricSplit(t *testing.T) {
	// Nodes 1(w=0), 2(w=1), 3(w=2); last primary held all three.
	n1, n2, n3 := id.New(), id.New(), id.New()
	instances := map[id.UUID]NodeState{
		n1: {Weight: 0},
		n2: {Weight: 1},
		n3: {Weight: 2},
	}
	lastPrim := []id.UUID{n1, n2, n3}

	// {3} alone, {1,2} partitioned away (not gracefully left): weight 2*2 > 3.
	require.Equal(t, QuorumHeld, EvaluateQuorum(instances, []id.UUID{n3}, nil, lastPrim))

	// {1,2} alone: combined weight 1, doubled is 2, which does not exceed 3.
	require.Equal(t, QuorumLost, EvaluateQuorum(instances, []id.UUID{n1, n2}, nil, lastPrim))
}

func TestEvaluateQuorum_EqualSplitIsSplitBrain(t *testing.T) {
	n1, n2 := id.New(), id.New()
	instances := map[id.UUID]NodeState{n1: {Weight: 1}, n2: {Weight: 1}}
	// A single node whose peer was partitioned away (not in Left, so it adds
	// nothing) ties the inequality exactly: 1*2 + 0 == 2.
	verdict := EvaluateQuorum(instances, []id.UUID{n1}, nil, []id.UUID{n1, n2})
	require.Equal(t, QuorumSplitBrain, verdict)
}

func TestQuorumSatisfied_IgnoreFlagsOverridePolicy(t *testing.T) {
	require.True(t, quorumSatisfied(QuorumHeld, false, false))
	require.False(t, quorumSatisfied(QuorumSplitBrain, false, false))
	require.True(t, quorumSatisfied(QuorumSplitBrain, true, false))
	require.False(t, quorumSatisfied(QuorumLost, false, false))
	require.True(t, quorumSatisfied(QuorumLost, false, true))
}

func TestNpvoWinner(t *testing.T) {
	a := id.ViewId{Type: id.ViewPrim, Rep: id.New(), Seq: 1}
	b := id.ViewId{Type: id.ViewPrim, Rep: id.New(), Seq: 2}
	require.Equal(t, b, npvoWinner(a, b, true), "npvo=true picks the greater view")
	require.Equal(t, a, npvoWinner(a, b, false), "npvo=false picks the lesser view")
}
