package engine

import (
	"context"
	"encoding/json"
	"log"
	"time"
)

// Event types pushed to users over their event subject.
const (
	EventMatched       = "matched"
	EventPartnerLeft   = "partner_left"
	EventChatEnded     = "chat_ended"
	EventSearchExpired = "search_expired"
	EventBanned        = "banned"
)

// Event is a lifecycle notification for one user. Fields are set per type:
// SessionID for chat events, BanReason and BanExpiresAt for bans.
type Event struct {
	Type         string    `json:"type"`
	SessionID    string    `json:"session_id,omitempty"`
	Category     string    `json:"category,omitempty"`
	BanReason    string    `json:"ban_reason,omitempty"`
	BanExpiresAt time.Time `json:"ban_expires_at,omitempty"`
}

// Notifier pushes lifecycle events to a user. Notification is best-effort:
// a user who cannot be reached does not fail the operation that produced
// the event.
type Notifier interface {
	NotifyEvent(ctx context.Context, userID string, data []byte) error
}

// notify marshals and sends an event, logging failures.
func notify(ctx context.Context, n Notifier, userID string, ev Event) {
	if n == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[engine] marshal event type=%s: %v", ev.Type, err)
		return
	}
	if err := n.NotifyEvent(ctx, userID, data); err != nil {
		log.Printf("[engine] notify user=%s type=%s: %v", userID, ev.Type, err)
	}
}
