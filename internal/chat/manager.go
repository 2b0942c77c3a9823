package chat

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// recordTimeout bounds each best-effort write to the persistence mirror.
const recordTimeout = 2 * time.Second

// RelayResult reports what happened to one relayed payload. Persistence and
// delivery are separate concerns: a payload can be acknowledged (persisted)
// while DeliveryFailed is set.
type RelayResult struct {
	PartnerID       string
	Blocked         bool
	BlockedCategory string
	DeliveryFailed  bool
}

// Outcome is the terminal result of ending a session. Partner is the
// counterpart of the caller so the caller can notify them. AlreadyEnded is
// set on repeat calls so the caller can avoid double notifications.
type Outcome struct {
	SessionID    string
	Initiator    string
	Partner      string
	EndedAt      time.Time
	AlreadyEnded bool
}

type sessionState struct {
	mu      sync.Mutex
	session Session
	votes   map[string]Vote
}

// Manager owns all live and recently ended sessions. Relay and End only
// need the per-session lock, so they never contend with the matchmaking
// coordinator.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*sessionState

	delivery Delivery
	policy   ContentPolicy
	recorder Recorder
	buffer   *MessageBuffer
}

// NewManager creates a session manager. policy and recorder may be nil.
func NewManager(delivery Delivery, policy ContentPolicy, recorder Recorder, bufferSize int) *Manager {
	return &Manager{
		sessions: make(map[string]*sessionState),
		delivery: delivery,
		policy:   policy,
		recorder: recorder,
		buffer:   NewMessageBuffer(bufferSize),
	}
}

// Create starts a new active session between two users and returns a copy
// of it. Called by the matchmaking coordinator, which guarantees neither
// user has another active session.
func (m *Manager) Create(userA, userB, category string) Session {
	s := Session{
		ID:        uuid.New().String(),
		UserA:     userA,
		UserB:     userB,
		Category:  category,
		Status:    StatusActive,
		StartedAt: time.Now(),
	}

	m.mu.Lock()
	m.sessions[s.ID] = &sessionState{
		session: s,
		votes:   make(map[string]Vote),
	}
	m.mu.Unlock()

	m.record(&s)
	return s
}

// Get returns a copy of a session, active or ended.
func (m *Manager) Get(sessionID string) (Session, bool) {
	st := m.lookup(sessionID)
	if st == nil {
		return Session{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.session, true
}

// Relay forwards an opaque payload from one participant to the other. The
// payload is checked against the content policy, buffered for report
// snapshots, mirrored to persistence, and handed to the delivery
// collaborator. A delivery failure is reported in the result, not as an
// error, and does not end the session.
//
// The session lock covers only the status and participant check: the
// buffer, persistence, and delivery steps run unlocked so a slow
// collaborator never blocks End or the matchmaking coordinator behind it.
// A payload that races with End may still be delivered after the session
// ended; that is the same outcome as the payload arriving a moment
// earlier.
func (m *Manager) Relay(ctx context.Context, sessionID, fromID string, payload []byte) (RelayResult, error) {
	st := m.lookup(sessionID)
	if st == nil {
		return RelayResult{}, ErrNotFound
	}

	st.mu.Lock()
	if st.session.Status != StatusActive {
		st.mu.Unlock()
		return RelayResult{}, ErrNotFound
	}
	if !st.session.IsParticipant(fromID) {
		st.mu.Unlock()
		return RelayResult{}, ErrNotParticipant
	}
	partner := st.session.Partner(fromID)
	st.mu.Unlock()

	result := RelayResult{PartnerID: partner}

	if m.policy != nil {
		if v := m.policy.CheckContent(payload); v.Blocked {
			result.Blocked = true
			result.BlockedCategory = v.Category
			log.Printf("[chat] blocked payload session=%s from=%s category=%s",
				sessionID, fromID, v.Category)
			return result, nil
		}
	}

	msg := Message{
		SessionID: sessionID,
		From:      fromID,
		To:        partner,
		Payload:   payload,
		SentAt:    time.Now(),
	}
	m.buffer.Add(sessionID, msg)

	if m.recorder != nil {
		rctx, cancel := context.WithTimeout(ctx, recordTimeout)
		if err := m.recorder.SaveMessage(rctx, &msg); err != nil {
			log.Printf("[chat] persist message session=%s: %v", sessionID, err)
		}
		cancel()
	}

	if err := m.delivery.Send(ctx, partner, payload); err != nil {
		result.DeliveryFailed = true
		log.Printf("[chat] deliver session=%s to=%s: %v", sessionID, partner, err)
	}

	return result, nil
}

// End terminates a session. It is idempotent: repeat calls return the same
// terminal outcome with AlreadyEnded set and cause no further writes.
func (m *Manager) End(sessionID, initiatorID string) (Outcome, error) {
	st := m.lookup(sessionID)
	if st == nil {
		return Outcome{}, ErrNotFound
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.session.IsParticipant(initiatorID) {
		return Outcome{}, ErrNotParticipant
	}

	out := Outcome{
		SessionID: sessionID,
		Initiator: initiatorID,
		Partner:   st.session.Partner(initiatorID),
	}

	if st.session.Status == StatusEnded {
		out.EndedAt = st.session.EndedAt
		out.AlreadyEnded = true
		return out, nil
	}

	st.session.Status = StatusEnded
	st.session.EndedAt = time.Now()
	out.EndedAt = st.session.EndedAt

	s := st.session
	m.record(&s)
	return out, nil
}

// Vote records a post-chat rating. Each participant may vote once per
// session; duplicates are rejected, not double-counted.
func (m *Manager) Vote(sessionID, voterID string, v Vote) error {
	st := m.lookup(sessionID)
	if st == nil {
		return ErrNotFound
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.session.IsParticipant(voterID) {
		return ErrNotParticipant
	}
	if _, ok := st.votes[voterID]; ok {
		return ErrAlreadyVoted
	}
	st.votes[voterID] = v
	switch v {
	case VoteDown:
		st.session.VotesDown++
	default:
		st.session.VotesUp++
	}

	s := st.session
	m.record(&s)
	return nil
}

// Snapshot returns the recent messages retained for a session, oldest
// first, for attachment to a report.
func (m *Manager) Snapshot(sessionID string) []Message {
	return m.buffer.Snapshot(sessionID)
}

// ActiveCount returns the number of sessions still active.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, st := range m.sessions {
		st.mu.Lock()
		if st.session.Status == StatusActive {
			n++
		}
		st.mu.Unlock()
	}
	return n
}

// PruneEnded drops ended sessions whose EndedAt is older than retention,
// together with their snapshot buffers, and returns how many were removed.
// Sessions are retained for a while after ending so that End stays
// idempotent and late reports can still attach snapshots.
func (m *Manager) PruneEnded(retention time.Duration) int {
	cutoff := time.Now().Add(-retention)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, st := range m.sessions {
		st.mu.Lock()
		expired := st.session.Status == StatusEnded && st.session.EndedAt.Before(cutoff)
		st.mu.Unlock()
		if expired {
			delete(m.sessions, id)
			m.buffer.Remove(id)
			removed++
		}
	}
	return removed
}

func (m *Manager) lookup(sessionID string) *sessionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[sessionID]
}

// record mirrors a session row to persistence, logging failures.
func (m *Manager) record(s *Session) {
	if m.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := m.recorder.SaveSession(ctx, s); err != nil {
		log.Printf("[chat] persist session %s: %v", s.ID, err)
	}
}
