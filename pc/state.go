package pc

import "fmt"

// State is PC's own state machine, distinct from and driven by the EVS
// view changes beneath it, per spec.md §4.3's diagram.
type State uint8

const (
	StateClosed State = iota
	StateStatesExch
	StateInstall
	StatePrim
	StateTrans
	StateNonPrim
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateStatesExch:
		return "STATES_EXCH"
	case StateInstall:
		return "INSTALL"
	case StatePrim:
		return "PRIM"
	case StateTrans:
		return "TRANS"
	case StateNonPrim:
		return "NON_PRIM"
	default:
		return fmt.Sprintf("State(%d)", s)
	}
}

// legalTransitions extends spec.md's published diagram with three
// pragmatic edges the prose requires but the diagram omits:
//   - STATES_EXCH/INSTALL -> TRANS: EVS delivers a fresh V_TRANS while a
//     states-exchange or install round is still in flight (a second
//     partition mid-negotiation); the round is abandoned in favor of
//     quorum re-evaluation against the new, shrunken view.
//   - STATES_EXCH -> NON_PRIM: the STATE collection decides the group
//     does not hold primary status (spec.md's "stay non-primary" branch
//     of the consensus algorithm); without this edge a negative decision
//     has nowhere legal to go.
var legalTransitions = map[State]map[State]bool{
	StateClosed:     {StateStatesExch: true},
	StateStatesExch: {StateInstall: true, StateClosed: true, StateTrans: true, StateNonPrim: true},
	StateInstall:    {StatePrim: true, StateClosed: true, StateTrans: true},
	StatePrim:       {StateTrans: true, StateClosed: true},
	StateTrans:      {StateNonPrim: true, StateClosed: true},
	// NON_PRIM -> TRANS: a partition that persists across more than one EVS
	// view change delivers a second V_TRANS while this node is still
	// non-primary from the first one.
	StateNonPrim: {StateStatesExch: true, StateTrans: true, StateClosed: true},
}

// ErrIllegalTransition mirrors evs.ErrIllegalTransition: any move outside
// the diagram is a fatal protocol bug, never a recoverable error.
type ErrIllegalTransition struct{ From, To State }

func (e ErrIllegalTransition) Error() string {
	return fmt.Sprintf("pc: illegal state transition %s -> %s", e.From, e.To)
}

func (p *Proto) transition(to State) {
	if to == StateClosed {
		p.state = StateClosed
		return
	}
	if !legalTransitions[p.state][to] {
		panic(ErrIllegalTransition{From: p.state, To: to})
	}
	p.state = to
}
