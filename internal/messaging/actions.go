package messaging

// Inbound action payloads, JSON-encoded on the action.* subjects. Edge
// services (bot gateways, WebSocket frontends) produce these; the core
// consumes them.

// RegisterAction creates or completes a user profile. An empty Gender means
// first contact; a non-empty Gender completes registration.
type RegisterAction struct {
	UserID string `json:"user_id"`
	Gender string `json:"gender,omitempty"`
}

// SearchAction submits a partner search. Filter is empty for unfiltered
// searches.
type SearchAction struct {
	UserID   string `json:"user_id"`
	Category string `json:"category"`
	Filter   string `json:"filter,omitempty"`
	Next     bool   `json:"next,omitempty"` // skip the current chat first
}

// CancelAction withdraws a pending search.
type CancelAction struct {
	UserID string `json:"user_id"`
}

// MessageAction relays an opaque payload to the sender's partner.
type MessageAction struct {
	UserID  string `json:"user_id"`
	Payload []byte `json:"payload"`
}

// StopAction ends the sender's current chat.
type StopAction struct {
	UserID string `json:"user_id"`
}

// ReportAction files an abuse report against the sender's partner in the
// given session.
type ReportAction struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

// VoteAction records a post-chat rating. Vote is "up" or "down"; Skip set
// instead declines to vote.
type VoteAction struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id,omitempty"`
	Vote      string `json:"vote,omitempty"`
	Skip      bool   `json:"skip,omitempty"`
}
