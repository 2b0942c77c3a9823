// Package state models the user lifecycle as an explicit finite state
// machine. Every user action is validated against a transition table before
// any other component is touched; invalid actions are rejected with
// ErrInvalidTransition instead of being silently ignored.
package state

import (
	"errors"
	"fmt"
)

// State is a user's position in the lifecycle.
type State string

// User lifecycle states. Registering is only reachable once, before the
// profile exists; everything after it is cyclic.
const (
	Registering State = "registering"
	Idle        State = "idle"
	Searching   State = "searching"
	InChat      State = "in_chat"
	Voting      State = "voting"
)

// Event is an input that may move a user between states.
type Event string

// Lifecycle events.
const (
	EventRegistered Event = "registered"   // profile completed
	EventSearch     Event = "search"       // user asked for a partner
	EventMatched    Event = "matched"      // queue produced a pair
	EventCancel     Event = "cancel"       // search cancelled
	EventMessage    Event = "message"      // message inside an active chat
	EventChatEnded  Event = "chat_ended"   // stop, next, partner left, or ban
	EventVote       Event = "vote"         // post-chat vote submitted
	EventSkip       Event = "skip"         // voting skipped or timed out
)

// ErrInvalidTransition is returned when an event is not valid in the
// current state.
var ErrInvalidTransition = errors.New("state: invalid transition")

// transitions is the exhaustive table of valid (state, event) -> state
// moves. Anything absent from the table is invalid.
var transitions = map[State]map[Event]State{
	Registering: {
		EventRegistered: Idle,
	},
	Idle: {
		EventSearch: Searching,
	},
	Searching: {
		EventMatched: InChat,
		EventCancel:  Idle,
	},
	InChat: {
		EventMessage:   InChat,
		EventChatEnded: Voting,
	},
	Voting: {
		EventVote: Idle,
		EventSkip: Idle,
	},
}

// Next returns the state reached by applying event in the current state.
// It returns ErrInvalidTransition (wrapped with both operands) if the
// event is not valid.
func Next(current State, event Event) (State, error) {
	row, ok := transitions[current]
	if !ok {
		return current, fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, current)
	}
	next, ok := row[event]
	if !ok {
		return current, fmt.Errorf("%w: %s in %s", ErrInvalidTransition, event, current)
	}
	return next, nil
}

// Valid reports whether event may be applied in the current state.
func Valid(current State, event Event) bool {
	_, err := Next(current, event)
	return err == nil
}
