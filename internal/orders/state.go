package orders

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of the symbol the manager trades.
type State string

const (
	StateIdle    State = "IDLE"
	StateOpening State = "OPENING"
	StateOpen    State = "OPEN"
	StateClosing State = "CLOSING"
	StateClosed  State = "CLOSED"
)

// Event drives a state transition.
type Event string

const (
	EvSignal         Event = "signal"
	EvOpened         Event = "opened"
	EvOpenFailed     Event = "open_failed"
	EvCloseTriggered Event = "close_triggered"
	EvClosed         Event = "closed"
	EvCloseFailed    Event = "close_failed"
	EvArchived       Event = "archived"
	EvRecoveredOpen  Event = "recovered_open"
)

var (
	ErrInvalidTransition  = errors.New("invalid state transition")
	ErrStateInconsistency = errors.New("state inconsistency between store and exchange")
)

type transitionKey struct {
	from State
	ev   Event
}

var transitions = map[transitionKey]State{
	{StateIdle, EvSignal}:         StateOpening,
	{StateIdle, EvRecoveredOpen}:  StateOpen,
	{StateOpening, EvOpened}:      StateOpen,
	{StateOpening, EvOpenFailed}:  StateIdle,
	{StateOpen, EvCloseTriggered}: StateClosing,
	{StateClosing, EvClosed}:      StateClosed,
	{StateClosing, EvCloseFailed}: StateOpen,
	{StateClosed, EvArchived}:     StateIdle,
}

// Transition returns the state reached from s on ev.
func Transition(s State, ev Event) (State, error) {
	next, ok := transitions[transitionKey{s, ev}]
	if !ok {
		return s, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev, s)
	}
	return next, nil
}

// HoldsPosition reports whether exposure can exist on the exchange in s.
func (s State) HoldsPosition() bool {
	return s == StateOpening || s == StateOpen || s == StateClosing
}
