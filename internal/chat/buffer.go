package chat

import "sync"

// DefaultBufferSize is the number of recent messages retained per session
// for report snapshots.
const DefaultBufferSize = 5

// MessageBuffer keeps the last N messages per session in memory so that a
// report can attach the recent conversation for moderator review. It is
// goroutine-safe and uses a fixed-size ring per session.
type MessageBuffer struct {
	mu      sync.RWMutex
	size    int
	buffers map[string]*ring // session id -> ring
}

type ring struct {
	items []Message
	pos   int
	count int
}

// NewMessageBuffer creates a buffer retaining size messages per session.
// A size of zero or less falls back to DefaultBufferSize.
func NewMessageBuffer(size int) *MessageBuffer {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &MessageBuffer{
		size:    size,
		buffers: make(map[string]*ring),
	}
}

// Add appends a message to the session's ring, overwriting the oldest entry
// once the ring is full.
func (mb *MessageBuffer) Add(sessionID string, msg Message) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	rb, ok := mb.buffers[sessionID]
	if !ok {
		rb = &ring{items: make([]Message, mb.size)}
		mb.buffers[sessionID] = rb
	}

	rb.items[rb.pos] = msg
	rb.pos = (rb.pos + 1) % mb.size
	if rb.count < mb.size {
		rb.count++
	}
}

// Snapshot returns the retained messages for a session in chronological
// order (oldest first). The result is a copy.
func (mb *MessageBuffer) Snapshot(sessionID string) []Message {
	mb.mu.RLock()
	defer mb.mu.RUnlock()

	rb, ok := mb.buffers[sessionID]
	if !ok {
		return []Message{}
	}

	out := make([]Message, rb.count)
	start := (rb.pos - rb.count + mb.size) % mb.size
	for i := 0; i < rb.count; i++ {
		out[i] = rb.items[(start+i)%mb.size]
	}
	return out
}

// Remove drops the buffer for a session once it is no longer needed.
func (mb *MessageBuffer) Remove(sessionID string) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	delete(mb.buffers, sessionID)
}
