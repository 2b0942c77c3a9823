// Package engine composes the core into one façade: registry, matchmaking
// coordinator, chat manager, and moderation behind a small set of user
// operations. Every operation validates the user's lifecycle state before
// touching queue or chat state, so callers only ever see the error
// taxonomy, never a half-applied action.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/veilchat/core/internal/chat"
	"github.com/veilchat/core/internal/matching"
	"github.com/veilchat/core/internal/metrics"
	"github.com/veilchat/core/internal/moderation"
	"github.com/veilchat/core/internal/ratelimit"
	"github.com/veilchat/core/internal/state"
	"github.com/veilchat/core/internal/storage"
	"github.com/veilchat/core/internal/user"
)

// Engine errors, in addition to those surfaced from the matching, chat, and
// state packages.
var (
	// ErrThrottled means the user exceeded the rate limit for this action.
	ErrThrottled = errors.New("engine: throttled")

	// ErrNoActiveChat means the action needs an active chat session and the
	// user has none.
	ErrNoActiveChat = errors.New("engine: no active chat")

	// ErrUnknownUser means the user has no registry record.
	ErrUnknownUser = errors.New("engine: unknown user")
)

// Options configures an Engine. Zero values fall back to defaults; Store,
// Notifier, Limiter, and Policy may be nil.
type Options struct {
	Store    storage.Storage    // audit mirror, nil disables persistence
	Delivery chat.Delivery      // required: outbound payload transport
	Notifier Notifier           // lifecycle event push, nil disables
	Limiter  *ratelimit.Limiter // nil disables throttling
	Policy   chat.ContentPolicy // nil disables content filtering

	ReportThreshold  int
	BanDuration      time.Duration
	QueueEntryTTL    time.Duration
	SessionRetention time.Duration
	GatedCategories  []string
	BufferSize       int
}

// Engine is the composed core service.
type Engine struct {
	registry *user.Registry
	queue    *matching.Coordinator
	sessions *chat.Manager
	mod      *moderation.Engine
	limiter  *ratelimit.Limiter
	notifier Notifier
	store    storage.Storage
}

// New wires the core components together. Call Start before serving
// requests and Shutdown on the way out.
func New(opts Options) *Engine {
	var saver user.Saver
	var recorder chat.Recorder
	var modStore moderation.Store
	if opts.Store != nil {
		saver = opts.Store
		recorder = opts.Store
		modStore = opts.Store
	}

	registry := user.NewRegistry(saver)
	sessions := chat.NewManager(opts.Delivery, opts.Policy, recorder, opts.BufferSize)
	mod := moderation.NewEngine(registry, modStore, opts.ReportThreshold, opts.BanDuration)

	qcfg := matching.DefaultConfig()
	if opts.QueueEntryTTL > 0 {
		qcfg.EntryTTL = opts.QueueEntryTTL
	}
	if opts.SessionRetention > 0 {
		qcfg.SessionRetention = opts.SessionRetention
	}
	if len(opts.GatedCategories) > 0 {
		qcfg.Gated = make(map[string]bool, len(opts.GatedCategories))
		for _, c := range opts.GatedCategories {
			qcfg.Gated[c] = true
		}
	}

	e := &Engine{
		registry: registry,
		sessions: sessions,
		mod:      mod,
		limiter:  opts.Limiter,
		notifier: opts.Notifier,
		store:    opts.Store,
	}
	e.queue = matching.NewCoordinator(registry, mod, sessions, qcfg)
	e.queue.OnEntryExpired = e.onSearchExpired
	return e
}

// Start launches the matchmaking coordinator.
func (e *Engine) Start() {
	e.queue.Start()
}

// Shutdown stops the coordinator. In-flight requests finish first.
func (e *Engine) Shutdown() {
	e.queue.Stop()
}

// RestoreUsers reloads persisted user profiles into the registry. Called
// once at startup, before Start.
func (e *Engine) RestoreUsers(ctx context.Context) (int, error) {
	if e.store == nil {
		return 0, nil
	}
	users, err := e.store.LoadUsers(ctx)
	if err != nil {
		return 0, err
	}
	for _, u := range users {
		e.registry.Restore(u)
	}
	return len(users), nil
}

// Register creates the user's record on first contact. The created flag
// tells the caller whether to start the registration dialogue.
func (e *Engine) Register(ctx context.Context, userID string) (user.User, bool) {
	return e.registry.GetOrCreate(userID)
}

// CompleteRegistration finishes the registration dialogue: it stores the
// user's gender and moves them to the idle state.
func (e *Engine) CompleteRegistration(ctx context.Context, userID string, gender user.Gender) error {
	if _, err := e.registry.Transition(userID, state.EventRegistered); err != nil {
		return err
	}
	e.registry.Update(userID, func(u *user.User) {
		u.Gender = gender
	})
	return nil
}

// GrantFilterAccess flips the premium flag that gates filtered searches.
func (e *Engine) GrantFilterAccess(ctx context.Context, userID string, granted bool) error {
	if _, ok := e.registry.Update(userID, func(u *user.User) {
		u.HasFilterAccess = granted
	}); !ok {
		return ErrUnknownUser
	}
	return nil
}

// Search admits the user to the matchmaking queue. It returns a Match when
// a compatible partner was already waiting, or nil when the user was parked.
// Both matched users are moved to the in-chat state and notified.
func (e *Engine) Search(ctx context.Context, userID, category string, filter user.Gender) (*matching.Match, error) {
	if err := e.allow(ctx, userID, ratelimit.RuleSearch); err != nil {
		return nil, err
	}
	if _, err := e.registry.Transition(userID, state.EventSearch); err != nil {
		return nil, err
	}

	m, err := e.queue.Enqueue(ctx, userID, category, filter)
	if err != nil {
		// Admission failed after the state moved to searching: roll back.
		if _, terr := e.registry.Transition(userID, state.EventCancel); terr != nil {
			log.Printf("[engine] rollback search state user=%s: %v", userID, terr)
		}
		return nil, err
	}
	if m == nil {
		return nil, nil
	}

	for _, id := range []string{userID, m.PartnerID} {
		if _, terr := e.registry.Transition(id, state.EventMatched); terr != nil {
			log.Printf("[engine] matched transition user=%s: %v", id, terr)
		}
	}
	ev := Event{Type: EventMatched, SessionID: m.SessionID, Category: m.Category}
	notify(ctx, e.notifier, userID, ev)
	notify(ctx, e.notifier, m.PartnerID, ev)
	return m, nil
}

// CancelSearch removes the user's waiting entry and returns them to idle.
// It reports whether an entry was actually removed.
func (e *Engine) CancelSearch(ctx context.Context, userID string) (bool, error) {
	removed, err := e.queue.Cancel(ctx, userID)
	if err != nil {
		return false, err
	}
	if removed {
		if _, terr := e.registry.Transition(userID, state.EventCancel); terr != nil {
			log.Printf("[engine] cancel transition user=%s: %v", userID, terr)
		}
	}
	return removed, nil
}

// Message relays an opaque payload to the user's current chat partner.
// Delivery failure is reported in the result, not as an error.
func (e *Engine) Message(ctx context.Context, userID string, payload []byte) (chat.RelayResult, error) {
	if err := e.allow(ctx, userID, ratelimit.RuleMessage); err != nil {
		metrics.MessagesTotal.WithLabelValues("throttled").Inc()
		return chat.RelayResult{}, err
	}

	u, ok := e.registry.Get(userID)
	if !ok {
		return chat.RelayResult{}, ErrUnknownUser
	}
	if u.CurrentSession == "" {
		return chat.RelayResult{}, ErrNoActiveChat
	}
	if _, err := e.registry.Transition(userID, state.EventMessage); err != nil {
		return chat.RelayResult{}, err
	}

	res, err := e.sessions.Relay(ctx, u.CurrentSession, userID, payload)
	if err != nil {
		return res, err
	}
	switch {
	case res.Blocked:
		metrics.MessagesTotal.WithLabelValues("blocked").Inc()
	case res.DeliveryFailed:
		metrics.MessagesTotal.WithLabelValues("undelivered").Inc()
	default:
		metrics.MessagesTotal.WithLabelValues("relayed").Inc()
	}
	return res, nil
}

// Stop ends the user's current chat. Both participants move to the voting
// state and the partner is notified. Repeat calls are safe.
func (e *Engine) Stop(ctx context.Context, userID string) (chat.Outcome, error) {
	u, ok := e.registry.Get(userID)
	if !ok {
		return chat.Outcome{}, ErrUnknownUser
	}
	if u.CurrentSession == "" {
		return chat.Outcome{}, ErrNoActiveChat
	}
	return e.endSession(ctx, u.CurrentSession, userID, EventPartnerLeft)
}

// Next skips the current chat and immediately searches again in the same
// category: the session ends, the vote is skipped, and a fresh search is
// submitted.
func (e *Engine) Next(ctx context.Context, userID, category string, filter user.Gender) (*matching.Match, error) {
	u, ok := e.registry.Get(userID)
	if !ok {
		return nil, ErrUnknownUser
	}
	if u.CurrentSession != "" {
		if _, err := e.endSession(ctx, u.CurrentSession, userID, EventPartnerLeft); err != nil {
			return nil, err
		}
		if err := e.SkipVote(ctx, userID); err != nil {
			return nil, err
		}
		e.registry.Update(userID, func(u *user.User) {
			u.Skips++
		})
	}
	return e.Search(ctx, userID, category, filter)
}

// Vote records a post-chat rating and returns the user to idle. Each
// participant votes at most once per session, and only after their chat
// has ended.
func (e *Engine) Vote(ctx context.Context, userID, sessionID string, v chat.Vote) error {
	u, ok := e.registry.Get(userID)
	if !ok {
		return ErrUnknownUser
	}
	if !state.Valid(u.State, state.EventVote) {
		return fmt.Errorf("%w: %s in %s", state.ErrInvalidTransition, state.EventVote, u.State)
	}
	if err := e.sessions.Vote(sessionID, userID, v); err != nil {
		return err
	}
	_, err := e.registry.Transition(userID, state.EventVote)
	return err
}

// SkipVote returns the user to idle without recording a rating.
func (e *Engine) SkipVote(ctx context.Context, userID string) error {
	_, err := e.registry.Transition(userID, state.EventSkip)
	return err
}

// Report files an abuse report against the reporter's partner in the given
// session, attaching the retained conversation snapshot. If the report
// pushes the partner over the threshold they are banned, notified, and
// removed from any chat or queue they occupy. The returned BanInfo is nil
// when no ban was applied.
func (e *Engine) Report(ctx context.Context, reporterID, sessionID, reason string) (*moderation.BanInfo, error) {
	if err := e.allow(ctx, reporterID, ratelimit.RuleReport); err != nil {
		return nil, err
	}

	s, ok := e.sessions.Get(sessionID)
	if !ok {
		return nil, chat.ErrNotFound
	}
	if !s.IsParticipant(reporterID) {
		return nil, chat.ErrNotParticipant
	}
	reported := s.Partner(reporterID)

	err := e.mod.Report(moderation.Report{
		SessionID:  sessionID,
		ReporterID: reporterID,
		ReportedID: reported,
		Reason:     reason,
		Snapshot:   e.sessions.Snapshot(sessionID),
	})
	if err != nil {
		return nil, err
	}
	metrics.ReportsTotal.Inc()

	ban := e.mod.ApplyBanIfThresholdReached(reported)
	if ban == nil {
		return nil, nil
	}
	metrics.BansTotal.Inc()

	// A fresh ban evicts the user from wherever they are.
	if removed, _ := e.queue.Cancel(ctx, reported); removed {
		if _, terr := e.registry.Transition(reported, state.EventCancel); terr != nil {
			log.Printf("[engine] ban cancel transition user=%s: %v", reported, terr)
		}
	}
	if u, ok := e.registry.Get(reported); ok && u.CurrentSession != "" {
		if _, err := e.endSession(ctx, u.CurrentSession, reported, EventChatEnded); err != nil {
			log.Printf("[engine] ban end session user=%s: %v", reported, err)
		}
	}

	notify(ctx, e.notifier, reported, Event{
		Type:         EventBanned,
		BanReason:    ban.Reason,
		BanExpiresAt: ban.ExpiresAt,
	})
	return ban, nil
}

// BanDetails returns the user's active ban, if any.
func (e *Engine) BanDetails(userID string) (moderation.BanInfo, bool) {
	return e.mod.BanDetails(userID)
}

// User returns a copy of the user's record.
func (e *Engine) User(userID string) (user.User, bool) {
	return e.registry.Get(userID)
}

// ActiveSessions returns the number of chats currently in progress.
func (e *Engine) ActiveSessions() int {
	return e.sessions.ActiveCount()
}

// endSession terminates a session through the coordinator, moves both
// participants to voting, and notifies the partner with partnerEvent.
func (e *Engine) endSession(ctx context.Context, sessionID, initiatorID, partnerEvent string) (chat.Outcome, error) {
	out, err := e.queue.End(ctx, sessionID, initiatorID)
	if err != nil {
		return chat.Outcome{}, err
	}
	if out.AlreadyEnded {
		return out, nil
	}

	for _, id := range []string{out.Initiator, out.Partner} {
		if _, terr := e.registry.Transition(id, state.EventChatEnded); terr != nil {
			log.Printf("[engine] chat ended transition user=%s: %v", id, terr)
		}
	}
	notify(ctx, e.notifier, out.Partner, Event{Type: partnerEvent, SessionID: sessionID})
	return out, nil
}

// onSearchExpired runs on the coordinator goroutine when a stale waiting
// entry is discarded. It must not call back into the coordinator.
func (e *Engine) onSearchExpired(userID string) {
	if _, err := e.registry.Transition(userID, state.EventCancel); err != nil {
		log.Printf("[engine] expire transition user=%s: %v", userID, err)
	}
	notify(context.Background(), e.notifier, userID, Event{Type: EventSearchExpired})
}

// allow consults the rate limiter, failing open when none is configured.
func (e *Engine) allow(ctx context.Context, userID string, rule ratelimit.Rule) error {
	if e.limiter == nil {
		return nil
	}
	ok, _ := e.limiter.Allow(ctx, userID, rule)
	if !ok {
		return ErrThrottled
	}
	return nil
}
