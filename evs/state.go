package evs

import "fmt"

// State is the EVS protocol state per spec.md §4.2.
type State uint8

const (
	StateClosed State = iota
	StateJoining
	StateLeaving
	StateGather
	StateInstall
	StateOperational
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateJoining:
		return "JOINING"
	case StateLeaving:
		return "LEAVING"
	case StateGather:
		return "GATHER"
	case StateInstall:
		return "INSTALL"
	case StateOperational:
		return "OPERATIONAL"
	default:
		return fmt.Sprintf("State(%d)", s)
	}
}

// legalTransitions enumerates spec.md's state diagram exactly. Any
// transition not listed here is a fatal bug in the protocol implementation,
// never a condition an operator or network event can trigger.
var legalTransitions = map[State]map[State]bool{
	StateClosed:      {StateJoining: true},
	StateJoining:     {StateLeaving: true, StateGather: true},
	StateLeaving:     {StateClosed: true},
	StateGather:      {StateLeaving: true, StateGather: true, StateInstall: true},
	StateInstall:     {StateGather: true, StateOperational: true},
	StateOperational: {StateLeaving: true, StateGather: true},
}

// ErrIllegalTransition is panicked (never returned) because spec.md
// classifies any attempted transition outside the diagram as "a fatal bug",
// not a recoverable runtime condition.
type ErrIllegalTransition struct {
	From, To State
}

func (e ErrIllegalTransition) Error() string {
	return fmt.Sprintf("evs: illegal state transition %s -> %s", e.From, e.To)
}

// transition validates and applies a state change, panicking on an
// illegal move per spec.md: "Any other attempted transition is a fatal
// bug."
func (p *Proto) transition(to State) {
	if to == p.state {
		return
	}
	allowed := legalTransitions[p.state]
	if !allowed[to] {
		panic(ErrIllegalTransition{From: p.state, To: to})
	}
	p.log.Debugf("evs: %s -> %s", p.state, to)
	p.state = to
}
