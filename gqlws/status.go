package gqlws

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusOpen
	StatusRestarting
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusOpen:
		return "open"
	case StatusRestarting:
		return "restarting"
	case StatusClosed:
		return "closed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Event is an input of the connection state machine.
type Event int

const (
	// EventConnect starts a dial.
	EventConnect Event = iota
	// EventAck is the server's connection_ack.
	EventAck
	// EventRestart is a client initiated restart of an open socket.
	EventRestart
	// EventLost is any socket loss: dial failure, read error or close frame.
	EventLost
	// EventTerminate is a final client close.
	EventTerminate
)

func (e Event) String() string {
	switch e {
	case EventConnect:
		return "connect"
	case EventAck:
		return "ack"
	case EventRestart:
		return "restart"
	case EventLost:
		return "lost"
	case EventTerminate:
		return "terminate"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// ErrInvalidTransition is returned by Machine.Fire for events the current state does not accept.
var ErrInvalidTransition = errors.New("invalid connection state transition")

// Transitions is the complete transition table. Anything missing is rejected.
var Transitions = map[Status]map[Event]Status{
	StatusIdle: {
		EventConnect:   StatusConnecting,
		EventTerminate: StatusClosed,
	},
	StatusConnecting: {
		EventAck:       StatusOpen,
		EventLost:      StatusClosed,
		EventTerminate: StatusClosed,
	},
	StatusOpen: {
		EventRestart:   StatusRestarting,
		EventLost:      StatusClosed,
		EventTerminate: StatusClosed,
	},
	StatusRestarting: {
		EventLost:      StatusConnecting,
		EventTerminate: StatusClosed,
	},
	StatusClosed: {
		EventConnect: StatusConnecting,
	},
}

// Machine holds a Status and moves it only along Transitions.
type Machine struct {
	mu     sync.Mutex
	status Status
}

func NewMachine() *Machine {
	return &Machine{status: StatusIdle}
}

func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Fire applies ev and returns the previous and the new status.
func (m *Machine) Fire(ev Event) (from, to Status, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	from = m.status
	to, ok := Transitions[from][ev]
	if !ok {
		return from, from, errors.Wrapf(ErrInvalidTransition, "%s on %s", ev, from)
	}
	m.status = to
	return from, to, nil
}
