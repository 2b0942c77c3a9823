package chat

import "context"

// Delivery is the outbound transport collaborator. The core never inspects
// payloads; it only hands them to Delivery and records whether the send
// succeeded. A failed send is reported back as DeliveryFailed and never
// terminates the session on its own.
type Delivery interface {
	Send(ctx context.Context, userID string, payload []byte) error
}

// Verdict is the outcome of a content-policy check.
type Verdict struct {
	Blocked  bool
	Category string
}

// ContentPolicy is an optional pure-function hook consulted before relay.
// A Blocked verdict suppresses delivery of that one payload and nothing
// else; the hook must not mutate core state.
type ContentPolicy interface {
	CheckContent(payload []byte) Verdict
}

// Recorder is the slice of the persistence collaborator the session manager
// uses. Writes are best-effort: errors are logged by the manager and never
// surfaced to callers.
type Recorder interface {
	SaveMessage(ctx context.Context, m *Message) error
	SaveSession(ctx context.Context, s *Session) error
}
