package storage

import (
	"context"
	"sync"
	"time"

	"github.com/veilchat/core/internal/chat"
	"github.com/veilchat/core/internal/moderation"
	"github.com/veilchat/core/internal/user"
)

// Memory is an in-memory Storage used in tests and when no DSN is
// configured. It keeps the same write semantics as Postgres (user and
// session rows are upserts, the rest append-only).
type Memory struct {
	mu       sync.Mutex
	users    map[string]user.User
	sessions map[string]chat.Session
	messages []chat.Message
	reports  []moderation.Report
	banLog   []BanEntry
}

// BanEntry is one row of the in-memory ban audit log.
type BanEntry struct {
	UserID      string
	Reason      string
	ExpiresAt   time.Time
	ReportCount int
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:    make(map[string]user.User),
		sessions: make(map[string]chat.Session),
	}
}

func (m *Memory) SaveUser(ctx context.Context, u *user.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = *u
	return nil
}

func (m *Memory) LoadUsers(ctx context.Context) ([]user.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]user.User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u)
	}
	return out, nil
}

func (m *Memory) SaveSession(ctx context.Context, s *chat.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = *s
	return nil
}

func (m *Memory) SaveMessage(ctx context.Context, msg *chat.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, *msg)
	return nil
}

func (m *Memory) SaveReport(ctx context.Context, r *moderation.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, *r)
	return nil
}

func (m *Memory) UpdateBan(ctx context.Context, userID, reason string, expiresAt time.Time, reportCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.banLog = append(m.banLog, BanEntry{
		UserID:      userID,
		Reason:      reason,
		ExpiresAt:   expiresAt,
		ReportCount: reportCount,
	})
	return nil
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }

// Sessions returns a copy of the stored session rows, for assertions.
func (m *Memory) Sessions() map[string]chat.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]chat.Session, len(m.sessions))
	for id, s := range m.sessions {
		out[id] = s
	}
	return out
}

// Messages returns a copy of the stored message rows, for assertions.
func (m *Memory) Messages() []chat.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]chat.Message(nil), m.messages...)
}

// Reports returns a copy of the stored report rows, for assertions.
func (m *Memory) Reports() []moderation.Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]moderation.Report(nil), m.reports...)
}

// BanLog returns a copy of the ban audit log, for assertions.
func (m *Memory) BanLog() []BanEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]BanEntry(nil), m.banLog...)
}

var _ Storage = (*Memory)(nil)
