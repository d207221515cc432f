// Package omx defines the asynchronous codec component model driven by the
// pipeline: components with numbered ports, a coarse lifecycle state, buffer
// submission and completion callbacks.
package omx

import (
	"fmt"

	"github.com/lanikai/ilpipe/internal/buffer"
)

// State is the lifecycle state of a component.
type State int

const (
	StateInvalid State = iota
	StateLoaded
	StateIdle
	StateExecuting
)

var stateNames = [...]string{"Invalid", "Loaded", "Idle", "Executing"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// ValidTransition reports whether a component may move from one state to
// another. Any state may fall into Invalid.
func ValidTransition(from, to State) bool {
	switch {
	case to == StateInvalid:
		return true
	case from == StateLoaded:
		return to == StateIdle
	case from == StateIdle:
		return to == StateLoaded || to == StateExecuting
	case from == StateExecuting:
		return to == StateIdle
	}
	return false
}

// Callbacks receives asynchronous notifications from a component. Callbacks
// are invoked from the component's own goroutine, never with a component lock
// held, and may call back into the component.
type Callbacks interface {
	// An input descriptor has been consumed and is handed back.
	OnEmptyBufferDone(port int, d *buffer.Descriptor)

	// An output descriptor has been filled and is handed back.
	OnFillBufferDone(port int, d *buffer.Descriptor)

	// The definition of an output port changed. The port must be enabled
	// before the component produces output on it.
	OnPortSettingsChanged(port int)

	// The component hit an error while processing.
	OnError(code Error)
}

// Component is one asynchronous media processor.
type Component interface {
	Name() string

	// Ports lists the port indices, input ports first.
	Ports() []int

	PortDefinition(port int) (PortDefinition, error)
	SetPortDefinition(def PortDefinition) error

	SetParameter(index ParamIndex, value int) error
	GetParameter(index ParamIndex) (int, error)

	// SetState performs a state transition. It returns once the component
	// has reached the new state.
	SetState(s State) error
	State() State

	// EnablePort allocates the buffers of a port according to its
	// definition. The returned descriptors are owned by the caller.
	EnablePort(port int) (*buffer.Set, error)

	// DisablePort frees the buffers of a port. Every descriptor must have
	// been handed back to the caller first.
	DisablePort(port int) error

	// EmptyBuffer submits a filled descriptor to an input port.
	EmptyBuffer(d *buffer.Descriptor) error

	// FillBuffer submits an empty descriptor to an output port.
	FillBuffer(d *buffer.Descriptor) error

	// Flush hands back every descriptor queued on a port through the done
	// callbacks. It returns after the last callback.
	Flush(port int) error

	SetCallbacks(cb Callbacks)

	// Close destroys the component. It must be in Loaded state.
	Close() error
}

// Runtime creates components by name.
type Runtime interface {
	Create(name string) (Component, error)
	Close() error
}
