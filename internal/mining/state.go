package mining

import "fmt"

// State is the coordinator's hybrid learning state.
type State int

const (
	StateUninitialized State = iota
	StateInitialLearning
	StateActiveMining
	StateRetroLearning
	StateOptimizing
	StateError
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialLearning:
		return "initial_learning"
	case StateActiveMining:
		return "active_mining"
	case StateRetroLearning:
		return "retro_learning"
	case StateOptimizing:
		return "optimizing"
	case StateError:
		return "error"
	}
	return "unknown"
}

// validTransitions is the single source of truth for the state machine.
// Error is terminal until a re-initialize; every state may fault into it.
var validTransitions = map[State][]State{
	StateUninitialized:   {StateInitialLearning, StateError},
	StateInitialLearning: {StateActiveMining, StateError},
	StateActiveMining:    {StateRetroLearning, StateOptimizing, StateError},
	StateRetroLearning:   {StateActiveMining, StateError},
	StateOptimizing:      {StateActiveMining, StateError},
	StateError:           {StateUninitialized},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// transition is the one place coordinator state changes. Caller holds mu.
func (c *Coordinator) transitionLocked(to State) error {
	if !CanTransition(c.state, to) {
		return fmt.Errorf("illegal state transition %s -> %s", c.state, to)
	}
	c.log.Debug("state transition %s -> %s", c.state, to)
	c.state = to
	return nil
}
