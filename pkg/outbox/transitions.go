package outbox

import "fmt"

var transitions = map[JobState][]JobState{
	StatePending:  {StateTicketed, StatePrinting, StateCanceled},
	StateTicketed: {StatePrinting, StateCompleted, StateCanceled},
	StatePrinting: {StateCompleted, StatePending},
}

// CanTransition reports whether a job may move from one state to another.
// COMPLETED and CANCELED are terminal.
func CanTransition(from JobState, to JobState) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func transition(job *Job, to JobState) error {
	if !CanTransition(job.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.State, to)
	}
	job.State = to
	return nil
}

// IsTerminal reports whether no transition leaves the state.
func (state JobState) IsTerminal() bool {
	return len(transitions[state]) == 0
}
