package ocpp

import "fmt"

// State is the protocol state of a charge point session.
type State string

const (
	StateDisconnected State = "Disconnected"
	StatePendingBoot  State = "Connected(pendingBoot)"
	StateAvailable    State = "Available"
	StatePreparing    State = "Preparing"
	StateCharging     State = "Charging"
	StateFinishing    State = "Finishing"
	StateFaulted      State = "Faulted"
)

// Event drives a state transition.
type Event string

const (
	EventConnect          Event = "connect"
	EventBoot             Event = "boot"
	EventPreparing        Event = "preparing"
	EventAvailable        Event = "available"
	EventStartTransaction Event = "startTransaction"
	EventStopTransaction  Event = "stopTransaction"
	EventFinished         Event = "finished"
	EventFault            Event = "fault"
	EventDisconnect       Event = "disconnect"
)

var transitions = map[State]map[Event]State{
	StateDisconnected: {
		EventConnect: StatePendingBoot,
	},
	StatePendingBoot: {
		EventBoot: StateAvailable,
	},
	StateAvailable: {
		EventPreparing:        StatePreparing,
		EventStartTransaction: StateCharging,
	},
	StatePreparing: {
		EventAvailable:        StateAvailable,
		EventStartTransaction: StateCharging,
	},
	StateCharging: {
		EventStopTransaction: StateFinishing,
	},
	StateFinishing: {
		EventFinished: StateAvailable,
	},
}

// Next returns the state reached from from on ev. Fault and disconnect are
// accepted from every state; Faulted only leaves through disconnect.
func Next(from State, ev Event) (State, error) {
	switch ev {
	case EventDisconnect:
		return StateDisconnected, nil
	case EventFault:
		return StateFaulted, nil
	}
	if to, ok := transitions[from][ev]; ok {
		return to, nil
	}
	return from, fmt.Errorf("%w: %s in state %s", ErrInvalidStateTransition, ev, from)
}

// Connected reports whether the state belongs to a live session.
func (s State) Connected() bool {
	return s != StateDisconnected
}
