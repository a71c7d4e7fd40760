package stream

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned for a state change the lifecycle does not allow.
var ErrInvalidTransition = errors.New("invalid state transition")

// ExecutionState is the lifecycle of the current job.
type ExecutionState int

const (
	Idle ExecutionState = iota
	Running
	Paused
	Stopping
	Completed
	Failed
)

func (s ExecutionState) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Running:
		return "Running"
	case Paused:
		return "Paused"
	case Stopping:
		return "Stopping"
	case Completed:
		return "Completed"
	case Failed:
		return "Failed"
	}
	return fmt.Sprintf("ExecutionState(%d)", int(s))
}

// Active reports whether a job is underway and owns the controller.
func (s ExecutionState) Active() bool {
	return s == Running || s == Paused || s == Stopping
}

var transitions = map[ExecutionState][]ExecutionState{
	Idle:      {Running},
	Running:   {Paused, Completed, Failed, Stopping},
	Paused:    {Running, Failed, Stopping},
	Stopping:  {Idle},
	Completed: {Idle},
	Failed:    {Idle},
}

// CanTransition reports whether the lifecycle allows moving from s to next.
func (s ExecutionState) CanTransition(next ExecutionState) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Transition validates a state change.
func (s ExecutionState) Transition(next ExecutionState) (ExecutionState, error) {
	if !s.CanTransition(next) {
		return s, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s, next)
	}
	return next, nil
}
