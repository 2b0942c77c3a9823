// Package user holds per-user profile state consulted by matching and
// moderation: gender, filter entitlement, report count, ban window, and the
// lifecycle state. The in-memory registry is the source of truth; the
// persistence mirror is best-effort.
package user

import (
	"time"

	"github.com/veilchat/core/internal/state"
)

// Gender is a user's self-reported gender, used only for filter matching.
type Gender string

// Gender values. Unknown is the default until registration completes.
const (
	GenderUnknown Gender = "unknown"
	GenderMale    Gender = "male"
	GenderFemale  Gender = "female"
	GenderOther   Gender = "other"
)

// ParseGender maps a raw string to a Gender, falling back to GenderUnknown.
func ParseGender(s string) Gender {
	switch Gender(s) {
	case GenderMale, GenderFemale, GenderOther:
		return Gender(s)
	default:
		return GenderUnknown
	}
}

// User is one participant's durable profile record.
type User struct {
	ID              string
	Gender          Gender
	HasFilterAccess bool

	// Moderation fields. ReportCount is lifetime history: it survives ban
	// expiry. BanUntil is zero when the user has never been banned or the
	// ban was lifted.
	ReportCount int
	BanUntil    time.Time
	BanReason   string

	State state.State

	// CurrentSession is the id of the user's active chat session, empty
	// otherwise. Set on match and cleared on End by the coordinator.
	CurrentSession string

	ChatsStarted int
	Skips        int
	CreatedAt    time.Time
}

// BannedAt reports whether the user's ban window covers the given instant.
// It does not mutate the record; lazy lifting belongs to the moderation
// engine.
func (u *User) BannedAt(now time.Time) bool {
	return !u.BanUntil.IsZero() && now.Before(u.BanUntil)
}
