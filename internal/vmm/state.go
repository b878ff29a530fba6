package vmm

import "fmt"

// State is the lifecycle position of a Machine.
type State int

const (
	StateCreated State = iota
	StateMemoryConfigured
	StateKernelLoaded
	StateBooted
	StateRunning
	StateExited
	StateTimedOut
	StateCancelled
	StateCrashed
)

var stateNames = map[State]string{
	StateCreated:          "created",
	StateMemoryConfigured: "memory_configured",
	StateKernelLoaded:     "kernel_loaded",
	StateBooted:           "booted",
	StateRunning:          "running",
	StateExited:           "exited",
	StateTimedOut:         "timed_out",
	StateCancelled:        "cancelled",
	StateCrashed:          "crashed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case StateExited, StateTimedOut, StateCancelled, StateCrashed:
		return true
	default:
		return false
	}
}

// next lists the states each state may move to. Any non-terminal state may
// also end in Crashed or Cancelled.
var next = map[State][]State{
	StateCreated:          {StateMemoryConfigured},
	StateMemoryConfigured: {StateKernelLoaded},
	StateKernelLoaded:     {StateBooted},
	StateBooted:           {StateRunning},
	StateRunning:          {StateExited, StateTimedOut},
}

func canTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateCrashed || to == StateCancelled {
		return true
	}
	for _, s := range next[from] {
		if s == to {
			return true
		}
	}
	return false
}
