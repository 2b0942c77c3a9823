package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/veilchat/core/internal/chat"
	"github.com/veilchat/core/internal/moderation"
	"github.com/veilchat/core/internal/user"
)

// Postgres implements Storage on top of PostgreSQL via lib/pq.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects to PostgreSQL, verifies the connection, and runs
// pending migrations.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: ping postgres: %w", err)
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Postgres{db: db}, nil
}

// Close releases the underlying connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// SaveUser upserts the durable slice of a user record. Lifecycle state and
// the current session pointer are deliberately not persisted: they are
// runtime-only and reset on restart.
func (p *Postgres) SaveUser(ctx context.Context, u *user.User) error {
	const query = `
		INSERT INTO users (id, gender, has_filter_access, report_count, ban_until, ban_reason, chats_started, skips, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			gender = EXCLUDED.gender,
			has_filter_access = EXCLUDED.has_filter_access,
			report_count = EXCLUDED.report_count,
			ban_until = EXCLUDED.ban_until,
			ban_reason = EXCLUDED.ban_reason,
			chats_started = EXCLUDED.chats_started,
			skips = EXCLUDED.skips`

	var banUntil sql.NullTime
	if !u.BanUntil.IsZero() {
		banUntil = sql.NullTime{Time: u.BanUntil, Valid: true}
	}

	_, err := p.db.ExecContext(ctx, query,
		u.ID, string(u.Gender), u.HasFilterAccess, u.ReportCount,
		banUntil, u.BanReason, u.ChatsStarted, u.Skips, u.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert user %s: %w", u.ID, err)
	}
	return nil
}

// LoadUsers reads all persisted user profiles, used once at startup to
// restore the registry.
func (p *Postgres) LoadUsers(ctx context.Context) ([]user.User, error) {
	const query = `
		SELECT id, gender, has_filter_access, report_count, ban_until, ban_reason, chats_started, skips, created_at
		FROM users`

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("storage: load users: %w", err)
	}
	defer rows.Close()

	var users []user.User
	for rows.Next() {
		var u user.User
		var gender string
		var banUntil sql.NullTime
		if err := rows.Scan(&u.ID, &gender, &u.HasFilterAccess, &u.ReportCount,
			&banUntil, &u.BanReason, &u.ChatsStarted, &u.Skips, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan user: %w", err)
		}
		u.Gender = user.Gender(gender)
		if banUntil.Valid {
			u.BanUntil = banUntil.Time
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: load users: %w", err)
	}
	return users, nil
}

// SaveSession upserts a chat session row, including its terminal status and
// vote tallies.
func (p *Postgres) SaveSession(ctx context.Context, s *chat.Session) error {
	const query = `
		INSERT INTO chat_sessions (id, user_a, user_b, category, status, started_at, ended_at, votes_up, votes_down)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			ended_at = EXCLUDED.ended_at,
			votes_up = EXCLUDED.votes_up,
			votes_down = EXCLUDED.votes_down`

	var endedAt sql.NullTime
	if !s.EndedAt.IsZero() {
		endedAt = sql.NullTime{Time: s.EndedAt, Valid: true}
	}

	_, err := p.db.ExecContext(ctx, query,
		s.ID, s.UserA, s.UserB, s.Category, s.Status,
		s.StartedAt, endedAt, s.VotesUp, s.VotesDown,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert session %s: %w", s.ID, err)
	}
	return nil
}

// SaveMessage appends a relayed message row. The payload is stored opaque.
func (p *Postgres) SaveMessage(ctx context.Context, m *chat.Message) error {
	const query = `
		INSERT INTO chat_messages (session_id, from_user, to_user, payload, sent_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := p.db.ExecContext(ctx, query,
		m.SessionID, m.From, m.To, m.Payload, m.SentAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert message session=%s: %w", m.SessionID, err)
	}
	return nil
}

// SaveReport inserts an abuse report with its conversation snapshot
// marshalled to JSONB.
func (p *Postgres) SaveReport(ctx context.Context, r *moderation.Report) error {
	var snapshot []byte
	if len(r.Snapshot) > 0 {
		var err error
		snapshot, err = json.Marshal(r.Snapshot)
		if err != nil {
			return fmt.Errorf("storage: marshal report snapshot: %w", err)
		}
	}

	const query = `
		INSERT INTO abuse_reports (session_id, reporter_id, reported_id, reason, snapshot, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := p.db.ExecContext(ctx, query,
		r.SessionID, r.ReporterID, r.ReportedID, r.Reason, snapshot, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert report: %w", err)
	}
	return nil
}

// UpdateBan appends a row to the ban audit log. The authoritative ban fields
// live on the user row and arrive through SaveUser.
func (p *Postgres) UpdateBan(ctx context.Context, userID, reason string, expiresAt time.Time, reportCount int) error {
	const query = `
		INSERT INTO ban_log (user_id, reason, expires_at, report_count)
		VALUES ($1, $2, $3, $4)`

	_, err := p.db.ExecContext(ctx, query, userID, reason, expiresAt, reportCount)
	if err != nil {
		return fmt.Errorf("storage: insert ban log user=%s: %w", userID, err)
	}
	return nil
}

var _ Storage = (*Postgres)(nil)
