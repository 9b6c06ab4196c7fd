package forecast

import "fmt"

// State is the lifecycle of one forecast run
type State string

const (
	StateIdle       State = "idle"
	StateFitting    State = "fitting"
	StateForecasted State = "forecasted"
	StateFailed     State = "failed"
)

var transitions = map[State][]State{
	StateIdle:    {StateFitting},
	StateFitting: {StateForecasted, StateFailed},
}

// run tracks the state of a single forecast
type run struct {
	state State
}

func newRun() *run {
	return &run{state: StateIdle}
}

func (r *run) to(next State) error {
	for _, allowed := range transitions[r.state] {
		if allowed == next {
			r.state = next
			return nil
		}
	}
	return fmt.Errorf("invalid forecast transition %s -> %s", r.state, next)
}

// Terminal reports whether no further transition is possible
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}
