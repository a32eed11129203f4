package dsp

import (
	"fmt"
	"slices"
	"time"
)

// State is the controller lifecycle state.
type State int

const (
	// StateIdle means no pipeline and no lease
	StateIdle State = iota
	// StateStarting means preflight, lease acquisition and spawn are in progress
	StateStarting
	// StateRunning means the pipeline is producing PCM
	StateRunning
	// StateStopping means teardown was requested and the lease is still held
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// StateTransition records one state change for diagnostics.
type StateTransition struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}

// maxStateHistory bounds the transition log.
const maxStateHistory = 10

// validStateTransitions lists the allowed moves. A failed start goes back to idle.
var validStateTransitions = map[State][]State{
	StateIdle:     {StateStarting},
	StateStarting: {StateRunning, StateIdle},
	StateRunning:  {StateStopping},
	StateStopping: {StateIdle},
}

func isValidTransition(from, to State) bool {
	return slices.Contains(validStateTransitions[from], to)
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
