// Package chat owns the lifecycle of an active pairing: creation on match,
// message relay between the two participants, idempotent termination, and
// post-chat voting. Sessions live in memory; every mutation is mirrored to
// the persistence collaborator on a best-effort basis.
package chat

import (
	"errors"
	"time"
)

// Session status values. A session is created active and ends exactly once;
// an ended session is immutable and never reactivated.
const (
	StatusActive = "active"
	StatusEnded  = "ended"
)

// Errors returned by the session manager. All are recoverable and scoped to
// a single session.
var (
	// ErrNotFound means the session id is unknown, already pruned, or the
	// operation requires an active session and this one has ended.
	ErrNotFound = errors.New("chat: session not found")

	// ErrNotParticipant means the acting user is not one of the two parties.
	ErrNotParticipant = errors.New("chat: not a participant")

	// ErrAlreadyVoted means this participant already voted on this session.
	ErrAlreadyVoted = errors.New("chat: already voted")
)

// Session is one pairing between exactly two users.
type Session struct {
	ID       string
	UserA    string
	UserB    string
	Category string
	Status   string

	StartedAt time.Time
	EndedAt   time.Time

	// Vote tallies, filled in after the session ends.
	VotesUp   int
	VotesDown int
}

// Partner returns the counterpart of the given participant, or "" if the
// user is not part of this session.
func (s *Session) Partner(userID string) string {
	switch userID {
	case s.UserA:
		return s.UserB
	case s.UserB:
		return s.UserA
	default:
		return ""
	}
}

// IsParticipant reports whether userID is one of the two parties.
func (s *Session) IsParticipant(userID string) bool {
	return userID == s.UserA || userID == s.UserB
}

// Message is one relayed payload, recorded for the audit mirror and the
// report snapshot buffer. The payload is opaque to the core.
type Message struct {
	SessionID string
	From      string
	To        string
	Payload   []byte
	SentAt    time.Time
}

// Vote is a post-chat rating of the partner.
type Vote string

// Vote values.
const (
	VoteUp   Vote = "up"
	VoteDown Vote = "down"
)
