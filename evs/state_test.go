package evs

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codership/galera-sub001/glog"
)

func TestTransition_BootstrapWalksLegalPath(t *testing.T) {
	p := &Proto{state: StateClosed, log: glog.Noop()}
	require.NotPanics(t, func() {
		p.transition(StateJoining)
		p.transition(StateGather)
		p.transition(StateInstall)
		p.transition(StateOperational)
	})
	require.Equal(t, StateOperational, p.state)
}

func TestTransition_IllegalMoveIsFatal(t *testing.T) {
	p := &Proto{state: StateJoining, log: glog.Noop()}
	require.PanicsWithValue(t, ErrIllegalTransition{From: StateJoining, To: StateOperational}, func() {
		p.transition(StateOperational)
	})
}

func TestTransition_NoOpOnSameState(t *testing.T) {
	p := &Proto{state: StateGather, log: glog.Noop()}
	require.NotPanics(t, func() { p.transition(StateGather) })
	require.Equal(t, StateGather, p.state)
}
