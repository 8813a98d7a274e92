package pc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransition_LegalPathBootstrap(t *testing.T) {
	p := &Proto{state: StateClosed}
	require.NotPanics(t, func() {
		p.transition(StateStatesExch)
		p.transition(StateInstall)
		p.transition(StatePrim)
	})
	require.Equal(t, StatePrim, p.state)
}

func TestTransition_NonPrimCanReenterTrans(t *testing.T) {
	// A partition that persists across more than one EVS view change must
	// be able to deliver a second V_TRANS while already NON_PRIM.
	p := &Proto{state: StateNonPrim}
	require.NotPanics(t, func() { p.transition(StateTrans) })
	require.Equal(t, StateTrans, p.state)
}

func TestTransition_IllegalMoveIsFatal(t *testing.T) {
	p := &Proto{state: StateClosed}
	require.PanicsWithValue(t, ErrIllegalTransition{From: StateClosed, To: StatePrim}, func() {
		p.transition(StatePrim)
	})
}

func TestTransition_AnyStateCanClose(t *testing.T) {
	for _, s := range []State{StateClosed, StateStatesExch, StateInstall, StatePrim, StateTrans, StateNonPrim} {
		p := &Proto{state: s}
		require.NotPanics(t, func() { p.transition(StateClosed) })
		require.Equal(t, StateClosed, p.state)
	}
}
