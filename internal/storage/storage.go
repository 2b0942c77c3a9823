// Package storage provides the PostgreSQL audit mirror behind the in-memory
// core. The running engine never reads from it on the hot path: rows are
// written best-effort after in-memory state has already changed, and the only
// reads happen at startup to restore durable user profiles.
package storage

import (
	"context"
	"time"

	"github.com/veilchat/core/internal/chat"
	"github.com/veilchat/core/internal/moderation"
	"github.com/veilchat/core/internal/user"
)

// Storage is the full persistence surface the engine wires up. It satisfies
// the registry, chat manager, and moderation engine persistence interfaces.
type Storage interface {
	SaveUser(ctx context.Context, u *user.User) error
	LoadUsers(ctx context.Context) ([]user.User, error)

	SaveSession(ctx context.Context, s *chat.Session) error
	SaveMessage(ctx context.Context, m *chat.Message) error

	SaveReport(ctx context.Context, r *moderation.Report) error
	UpdateBan(ctx context.Context, userID, reason string, expiresAt time.Time, reportCount int) error

	Close() error
}

var (
	_ user.Saver       = (Storage)(nil)
	_ chat.Recorder    = (Storage)(nil)
	_ moderation.Store = (Storage)(nil)
)
