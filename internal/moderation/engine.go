// Package moderation tracks abuse reports per user, applies automatic
// time-boxed bans once a report threshold is reached, and gates queue
// admission. Reports are append-only audit data; ban expiry is lazy with no
// background sweep.
package moderation

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/veilchat/core/internal/chat"
	"github.com/veilchat/core/internal/user"
)

// Defaults, overridable through NewEngine.
const (
	DefaultReportThreshold = 5
	DefaultBanDuration     = 7 * 24 * time.Hour

	recordTimeout = 2 * time.Second
)

// validReasons is the allowed set of report reasons, mirrored by a CHECK
// constraint on the reports table.
var validReasons = map[string]bool{
	"spam":          true,
	"abuse":         true,
	"inappropriate": true,
	"harassment":    true,
	"other":         true,
}

// Report is one abuse report, with an optional snapshot of the recent
// conversation for moderator review.
type Report struct {
	SessionID  string
	ReporterID string
	ReportedID string
	Reason     string
	CreatedAt  time.Time
	Snapshot   []chat.Message
}

// BanInfo describes a ban that was just applied, for notifying the user.
type BanInfo struct {
	Reason    string
	ExpiresAt time.Time
	Reports   int
}

// Store is the slice of the persistence collaborator the engine writes to.
// Both calls are best-effort audit writes.
type Store interface {
	SaveReport(ctx context.Context, r *Report) error
	UpdateBan(ctx context.Context, userID, reason string, expiresAt time.Time, reportCount int) error
}

// Engine implements the moderation rules on top of the user registry.
type Engine struct {
	registry  *user.Registry
	store     Store
	threshold int
	duration  time.Duration

	now func() time.Time // swapped in tests
}

// NewEngine creates a moderation engine. store may be nil. Non-positive
// threshold or duration fall back to the defaults.
func NewEngine(registry *user.Registry, store Store, threshold int, duration time.Duration) *Engine {
	if threshold <= 0 {
		threshold = DefaultReportThreshold
	}
	if duration <= 0 {
		duration = DefaultBanDuration
	}
	return &Engine{
		registry:  registry,
		store:     store,
		threshold: threshold,
		duration:  duration,
		now:       time.Now,
	}
}

// Report records an abuse report and increments the reported user's
// counter. Repeat reports from the same reporter are new audit rows, not
// deduplicated. The caller is expected to follow up with
// ApplyBanIfThresholdReached.
func (e *Engine) Report(r Report) error {
	if !validReasons[r.Reason] {
		return fmt.Errorf("moderation: invalid reason %q", r.Reason)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = e.now()
	}

	if _, ok := e.registry.Update(r.ReportedID, func(u *user.User) {
		u.ReportCount++
	}); !ok {
		return fmt.Errorf("moderation: unknown user %q", r.ReportedID)
	}

	if e.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := e.store.SaveReport(ctx, &r); err != nil {
			log.Printf("[moderation] persist report session=%s: %v", r.SessionID, err)
		}
	}
	return nil
}

// ApplyBanIfThresholdReached bans the user for the configured duration if
// their report count has reached the threshold and no ban is currently
// active. It returns the BanInfo for caller-side notification, or nil if
// nothing changed. An active ban is never extended by further reports.
func (e *Engine) ApplyBanIfThresholdReached(userID string) *BanInfo {
	now := e.now()

	u, ok := e.registry.Get(userID)
	if !ok {
		return nil
	}
	if u.BannedAt(now) || u.ReportCount < e.threshold {
		return nil
	}

	reason := fmt.Sprintf("reported %d times", u.ReportCount)
	expires := now.Add(e.duration)

	updated, _ := e.registry.Update(userID, func(u *user.User) {
		u.BanUntil = expires
		u.BanReason = reason
	})

	if e.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := e.store.UpdateBan(ctx, userID, reason, expires, updated.ReportCount); err != nil {
			log.Printf("[moderation] persist ban user=%s: %v", userID, err)
		}
	}

	log.Printf("[moderation] banned user=%s until=%s reports=%d",
		userID, expires.Format(time.RFC3339), updated.ReportCount)

	return &BanInfo{Reason: reason, ExpiresAt: expires, Reports: updated.ReportCount}
}

// IsBanned reports whether the user is currently banned, lifting an expired
// ban as a side effect. Only the ban window clears on expiry; the report
// count is kept as history.
func (e *Engine) IsBanned(userID string) bool {
	now := e.now()

	u, ok := e.registry.Get(userID)
	if !ok {
		return false
	}
	if u.BanUntil.IsZero() {
		return false
	}
	if now.Before(u.BanUntil) {
		return true
	}

	// Expired: lazy lift.
	updated, _ := e.registry.Update(userID, func(u *user.User) {
		u.BanUntil = time.Time{}
		u.BanReason = ""
	})
	if e.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := e.store.UpdateBan(ctx, userID, "", time.Time{}, updated.ReportCount); err != nil {
			log.Printf("[moderation] persist unban user=%s: %v", userID, err)
		}
	}
	log.Printf("[moderation] ban expired user=%s", userID)
	return false
}

// BanDetails returns the active ban, if any, without side effects.
func (e *Engine) BanDetails(userID string) (BanInfo, bool) {
	u, ok := e.registry.Get(userID)
	if !ok || !u.BannedAt(e.now()) {
		return BanInfo{}, false
	}
	return BanInfo{Reason: u.BanReason, ExpiresAt: u.BanUntil, Reports: u.ReportCount}, true
}
