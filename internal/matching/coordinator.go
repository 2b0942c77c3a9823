// Package matching pairs waiting users. All queue buckets and the
// active-pair index are owned by a single coordinator goroutine; Enqueue,
// Cancel, and End are submitted as closures over a request channel and
// processed one at a time in arrival order, which makes the
// pop-check-pair-create sequence atomic by construction.
package matching

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/veilchat/core/internal/chat"
	"github.com/veilchat/core/internal/metrics"
	"github.com/veilchat/core/internal/user"
)

// Errors surfaced by Enqueue. All are recoverable and scoped to one user.
var (
	// ErrAlreadyActive means the user already has a waiting entry or an
	// active session.
	ErrAlreadyActive = errors.New("matching: already searching or chatting")

	// ErrBanned means the moderation gate refused admission.
	ErrBanned = errors.New("matching: user is banned")

	// ErrAccessDenied means a filter-gated search was attempted without
	// the entitlement.
	ErrAccessDenied = errors.New("matching: filtered search requires access")

	// ErrUnknownUser means the user has no registry record.
	ErrUnknownUser = errors.New("matching: unknown user")

	// ErrStopped means the coordinator is shutting down and accepts no
	// new requests.
	ErrStopped = errors.New("matching: coordinator stopped")
)

// Search categories. CategoryGender is filter-gated by default.
const (
	CategoryRandom = "random"
	CategoryGender = "gender"
)

// Match is the result of a successful pairing.
type Match struct {
	SessionID string
	PartnerID string
	Category  string
}

// WaitingEntry is one user's place in a queue bucket. A user has at most
// one entry across all buckets at any time.
type WaitingEntry struct {
	UserID     string
	Category   string
	Filter     user.Gender // GenderUnknown means no filter
	Gender     user.Gender // requester's own gender at enqueue time
	EnqueuedAt time.Time
}

type bucketKey struct {
	category string
	filter   user.Gender
}

// Gate is the moderation capability consulted before admission.
type Gate interface {
	IsBanned(userID string) bool
}

// Sessions is the slice of the chat manager the coordinator drives.
type Sessions interface {
	Create(userA, userB, category string) chat.Session
	End(sessionID, initiatorID string) (chat.Outcome, error)
	PruneEnded(retention time.Duration) int
}

// Config tunes the coordinator.
type Config struct {
	// Gated lists categories that require HasFilterAccess regardless of
	// whether a gender filter is set.
	Gated map[string]bool

	// EntryTTL is the lazy expiry for waiting entries: an entry older
	// than this is discarded when next popped, never by a sweep.
	EntryTTL time.Duration

	// SessionRetention is how long ended sessions are kept for idempotent
	// End and late report snapshots.
	SessionRetention time.Duration

	// PruneInterval is how often ended sessions are pruned.
	PruneInterval time.Duration
}

// DefaultConfig returns the coordinator defaults.
func DefaultConfig() Config {
	return Config{
		Gated:            map[string]bool{CategoryGender: true},
		EntryTTL:         2 * time.Minute,
		SessionRetention: 1 * time.Hour,
		PruneInterval:    5 * time.Minute,
	}
}

// Coordinator serializes all queue and pairing state changes.
type Coordinator struct {
	registry *user.Registry
	gate     Gate
	sessions Sessions
	cfg      Config

	// OnEntryExpired, if set, is called from the coordinator goroutine
	// when a stale waiting entry is lazily discarded. It must not call
	// back into the coordinator.
	OnEntryExpired func(userID string)

	requests chan func()
	cancel   context.CancelFunc
	done     chan struct{}

	// Owned exclusively by the run goroutine.
	buckets map[bucketKey][]*WaitingEntry
	waiting map[string]bucketKey // userID -> bucket holding their entry
	active  map[string]string    // userID -> active session id
}

// NewCoordinator creates a coordinator. Call Start before use.
func NewCoordinator(registry *user.Registry, gate Gate, sessions Sessions, cfg Config) *Coordinator {
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = DefaultConfig().EntryTTL
	}
	if cfg.SessionRetention <= 0 {
		cfg.SessionRetention = DefaultConfig().SessionRetention
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = DefaultConfig().PruneInterval
	}
	if cfg.Gated == nil {
		cfg.Gated = DefaultConfig().Gated
	}
	return &Coordinator{
		registry: registry,
		gate:     gate,
		sessions: sessions,
		cfg:      cfg,
		requests: make(chan func(), 64),
		done:     make(chan struct{}),
		buckets:  make(map[bucketKey][]*WaitingEntry),
		waiting:  make(map[string]bucketKey),
		active:   make(map[string]string),
	}
}

// Start launches the coordinator goroutine.
func (c *Coordinator) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.run(ctx)
	log.Println("[coordinator] started")
}

// Stop shuts the coordinator down: new requests are refused, requests
// already accepted are processed before the goroutine exits.
func (c *Coordinator) Stop() {
	c.cancel()
	<-c.done
	log.Println("[coordinator] stopped")
}

func (c *Coordinator) run(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Drain requests accepted before shutdown.
			for {
				select {
				case fn := <-c.requests:
					fn()
				default:
					return
				}
			}
		case fn := <-c.requests:
			fn()
		case <-ticker.C:
			if n := c.sessions.PruneEnded(c.cfg.SessionRetention); n > 0 {
				log.Printf("[coordinator] pruned %d ended sessions", n)
			}
		}
	}
}

// do submits fn to the coordinator goroutine and waits for it to finish.
func (c *Coordinator) do(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	wrapped := func() {
		fn()
		close(ran)
	}
	select {
	case c.requests <- wrapped:
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ran:
		return nil
	case <-c.done:
		// Shutdown drains accepted requests before done closes, so a
		// request that made it into the channel may have run anyway.
		select {
		case <-ran:
			return nil
		default:
			return ErrStopped
		}
	}
}

// Enqueue admits a user to the queue. It returns a Match if a compatible
// partner was already waiting, or (nil, nil) when the user was parked in a
// bucket. A filter of GenderUnknown means "any".
func (c *Coordinator) Enqueue(ctx context.Context, userID, category string, filter user.Gender) (*Match, error) {
	var match *Match
	var opErr error
	err := c.do(ctx, func() {
		match, opErr = c.handleEnqueue(userID, category, filter)
	})
	if err != nil {
		return nil, err
	}
	return match, opErr
}

// Cancel removes the user's waiting entry, if any. It reports whether an
// entry was removed and can never touch another user's entry.
func (c *Coordinator) Cancel(ctx context.Context, userID string) (bool, error) {
	var removed bool
	err := c.do(ctx, func() {
		removed = c.handleCancel(userID)
	})
	return removed, err
}

// End terminates a session through the coordinator so the active-pair
// index and the registry pointers are cleared in the same unit of work.
// It is as idempotent as the underlying manager End.
func (c *Coordinator) End(ctx context.Context, sessionID, initiatorID string) (chat.Outcome, error) {
	var out chat.Outcome
	var opErr error
	err := c.do(ctx, func() {
		out, opErr = c.handleEnd(sessionID, initiatorID)
	})
	if err != nil {
		return chat.Outcome{}, err
	}
	return out, opErr
}

// QueueSize returns the number of users currently waiting.
func (c *Coordinator) QueueSize(ctx context.Context) (int, error) {
	var n int
	err := c.do(ctx, func() { n = len(c.waiting) })
	return n, err
}

// --- handlers below run on the coordinator goroutine ---

func (c *Coordinator) handleEnqueue(userID, category string, filter user.Gender) (*Match, error) {
	u, ok := c.registry.Get(userID)
	if !ok {
		return nil, ErrUnknownUser
	}
	if _, dup := c.waiting[userID]; dup {
		return nil, ErrAlreadyActive
	}
	if _, busy := c.active[userID]; busy {
		return nil, ErrAlreadyActive
	}
	if c.gate != nil && c.gate.IsBanned(userID) {
		return nil, ErrBanned
	}
	if (c.cfg.Gated[category] || filter != user.GenderUnknown) && !u.HasFilterAccess {
		return nil, ErrAccessDenied
	}

	key := bucketKey{category: category, filter: filter}
	bucket := c.buckets[key]

	// Scan at most the bucket length observed now: incompatible heads go
	// back to the tail, trading strict FIFO fairness for a bounded pass.
	for i, n := 0, len(bucket); i < n; i++ {
		head := bucket[0]
		bucket = bucket[1:]

		if time.Since(head.EnqueuedAt) > c.cfg.EntryTTL {
			c.dropExpired(head)
			continue
		}
		if !compatible(u.Gender, filter, head) {
			bucket = append(bucket, head)
			continue
		}

		// Compatible partner found: pair atomically.
		c.buckets[key] = bucket
		delete(c.waiting, head.UserID)

		s := c.sessions.Create(head.UserID, userID, category)
		c.active[head.UserID] = s.ID
		c.active[userID] = s.ID
		c.setSessionPointer(head.UserID, s.ID)
		c.setSessionPointer(userID, s.ID)

		metrics.MatchQueueSize.Set(float64(len(c.waiting)))
		metrics.ActiveSessions.Inc()
		metrics.MatchWaitSeconds.Observe(time.Since(head.EnqueuedAt).Seconds())

		log.Printf("[coordinator] paired %s with %s session=%s category=%s",
			head.UserID, userID, s.ID, category)
		return &Match{SessionID: s.ID, PartnerID: head.UserID, Category: category}, nil
	}

	// No compatible partner: park the requester.
	c.buckets[key] = append(bucket, &WaitingEntry{
		UserID:     userID,
		Category:   category,
		Filter:     filter,
		Gender:     u.Gender,
		EnqueuedAt: time.Now(),
	})
	c.waiting[userID] = key
	metrics.MatchQueueSize.Set(float64(len(c.waiting)))
	return nil, nil
}

func (c *Coordinator) handleCancel(userID string) bool {
	key, ok := c.waiting[userID]
	if !ok {
		return false
	}
	bucket := c.buckets[key]
	for i, e := range bucket {
		if e.UserID == userID {
			c.buckets[key] = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	delete(c.waiting, userID)
	metrics.MatchQueueSize.Set(float64(len(c.waiting)))
	return true
}

func (c *Coordinator) handleEnd(sessionID, initiatorID string) (chat.Outcome, error) {
	out, err := c.sessions.End(sessionID, initiatorID)
	if err != nil {
		return chat.Outcome{}, err
	}
	if out.AlreadyEnded {
		return out, nil
	}

	delete(c.active, out.Initiator)
	delete(c.active, out.Partner)
	c.clearSessionPointer(out.Initiator, sessionID)
	c.clearSessionPointer(out.Partner, sessionID)
	metrics.ActiveSessions.Dec()
	return out, nil
}

// dropExpired discards a stale waiting entry that was lazily detected at
// pop time.
func (c *Coordinator) dropExpired(e *WaitingEntry) {
	delete(c.waiting, e.UserID)
	metrics.MatchQueueSize.Set(float64(len(c.waiting)))
	log.Printf("[coordinator] expired waiting entry user=%s category=%s", e.UserID, e.Category)
	if c.OnEntryExpired != nil {
		c.OnEntryExpired(e.UserID)
	}
}

func (c *Coordinator) setSessionPointer(userID, sessionID string) {
	c.registry.Update(userID, func(u *user.User) {
		u.CurrentSession = sessionID
		u.ChatsStarted++
	})
}

func (c *Coordinator) clearSessionPointer(userID, sessionID string) {
	c.registry.Update(userID, func(u *user.User) {
		if u.CurrentSession == sessionID {
			u.CurrentSession = ""
		}
	})
}

// compatible checks mutual filter acceptance: the waiting entry's filter
// (if any) must accept the requester's gender, and the requester's filter
// (if any) must accept the waiting user's gender.
func compatible(requesterGender, requesterFilter user.Gender, head *WaitingEntry) bool {
	if head.Filter != user.GenderUnknown && head.Filter != requesterGender {
		return false
	}
	if requesterFilter != user.GenderUnknown && requesterFilter != head.Gender {
		return false
	}
	return true
}
