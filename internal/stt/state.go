package stt

import (
	"errors"
	"fmt"
	"sync"
)

// ErrIllegalTransition is returned when an event is not valid in the current state.
var ErrIllegalTransition = errors.New("illegal recognizer transition")

// State is the lifecycle position of a recognizer adapter.
type State int

const (
	StateConnecting State = iota // upstream being opened, audio queued
	StateIdle                    // upstream open, nothing heard yet
	StateStreaming               // audio flowing
	StateInterim                 // at least one interim since the last final
	StateFinal                   // final just delivered
	StateError                   // upstream lost, cooling down, audio discarded
	StateClosed                  // terminal
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateInterim:
		return "interim"
	case StateFinal:
		return "final"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Open reports whether audio can go straight upstream.
func (s State) Open() bool {
	switch s {
	case StateIdle, StateStreaming, StateInterim, StateFinal:
		return true
	}
	return false
}

// Event drives a transition.
type Event int

const (
	EventOpened Event = iota
	EventAudio
	EventInterim
	EventFinal
	EventSettle
	EventError
	EventReconnect
	EventClose
)

func (e Event) String() string {
	switch e {
	case EventOpened:
		return "opened"
	case EventAudio:
		return "audio"
	case EventInterim:
		return "interim"
	case EventFinal:
		return "final"
	case EventSettle:
		return "settle"
	case EventError:
		return "error"
	case EventReconnect:
		return "reconnect"
	case EventClose:
		return "close"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

var transitions = map[State]map[Event]State{
	StateConnecting: {
		EventOpened: StateIdle,
		EventAudio:  StateConnecting,
	},
	StateIdle: {
		EventAudio:   StateStreaming,
		EventInterim: StateInterim,
		EventFinal:   StateFinal,
	},
	StateStreaming: {
		EventAudio:   StateStreaming,
		EventInterim: StateInterim,
		EventFinal:   StateFinal,
	},
	StateInterim: {
		EventAudio:   StateInterim,
		EventInterim: StateInterim,
		EventFinal:   StateFinal,
	},
	StateFinal: {
		EventAudio:   StateStreaming,
		EventInterim: StateInterim,
		EventFinal:   StateFinal,
		EventSettle:  StateIdle,
	},
	StateError: {
		EventAudio:     StateError,
		EventReconnect: StateConnecting,
	},
}

// Next returns the state reached from s on e. Error and Close are
// accepted from every non-terminal state.
func Next(s State, e Event) (State, error) {
	if s == StateClosed {
		if e == EventClose {
			return StateClosed, nil
		}
		return s, fmt.Errorf("%w: %s on %s", ErrIllegalTransition, e, s)
	}
	switch e {
	case EventClose:
		return StateClosed, nil
	case EventError:
		return StateError, nil
	}
	if to, ok := transitions[s][e]; ok {
		return to, nil
	}
	return s, fmt.Errorf("%w: %s on %s", ErrIllegalTransition, e, s)
}

// Machine is a goroutine-safe holder for a State.
type Machine struct {
	mu           sync.Mutex
	state        State
	onTransition func(from, to State, e Event)
}

// NewMachine starts in StateConnecting.
func NewMachine(onTransition func(from, to State, e Event)) *Machine {
	return &Machine{state: StateConnecting, onTransition: onTransition}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Fire applies e and returns the new state.
func (m *Machine) Fire(e Event) (State, error) {
	m.mu.Lock()
	from := m.state
	to, err := Next(from, e)
	if err != nil {
		m.mu.Unlock()
		return from, err
	}
	m.state = to
	hook := m.onTransition
	m.mu.Unlock()

	if hook != nil && from != to {
		hook(from, to, e)
	}
	return to, nil
}
