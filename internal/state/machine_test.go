package state

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHappyPathCycle(t *testing.T) {
	s := Registering

	steps := []struct {
		event Event
		want  State
	}{
		{EventRegistered, Idle},
		{EventSearch, Searching},
		{EventMatched, InChat},
		{EventMessage, InChat},
		{EventChatEnded, Voting},
		{EventVote, Idle},
	}

	for _, step := range steps {
		next, err := Next(s, step.event)
		require.NoError(t, err, "event %s in %s", step.event, s)
		assert.Equal(t, step.want, next)
		s = next
	}

	// The machine is cyclic: a second search must work from Idle.
	next, err := Next(s, EventSearch)
	require.NoError(t, err)
	assert.Equal(t, Searching, next)
}

func TestCancelReturnsToIdle(t *testing.T) {
	next, err := Next(Searching, EventCancel)
	require.NoError(t, err)
	assert.Equal(t, Idle, next)
}

func TestSkipVoting(t *testing.T) {
	next, err := Next(Voting, EventSkip)
	require.NoError(t, err)
	assert.Equal(t, Idle, next)
}

func TestInvalidTransitionsRejected(t *testing.T) {
	cases := []struct {
		state State
		event Event
	}{
		{Idle, EventMessage},      // not in a chat
		{Idle, EventVote},         // nothing to vote on
		{Searching, EventSearch},  // double search
		{Searching, EventMessage}, // no partner yet
		{InChat, EventSearch},     // must stop first
		{Voting, EventSearch},     // must vote or skip first
		{Registering, EventSearch},
		{Idle, EventRegistered}, // registration is not revisitable
	}

	for _, tc := range cases {
		got, err := Next(tc.state, tc.event)
		assert.True(t, errors.Is(err, ErrInvalidTransition),
			"%s in %s should be invalid", tc.event, tc.state)
		assert.Equal(t, tc.state, got, "state must not change on rejection")
	}
}

func TestValid(t *testing.T) {
	assert.True(t, Valid(Idle, EventSearch))
	assert.False(t, Valid(Idle, EventCancel))
	assert.False(t, Valid(State("bogus"), EventSearch))
}
