package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilchat/core/internal/chat"
	"github.com/veilchat/core/internal/matching"
	"github.com/veilchat/core/internal/moderation"
	"github.com/veilchat/core/internal/ratelimit"
	"github.com/veilchat/core/internal/state"
	"github.com/veilchat/core/internal/storage"
	"github.com/veilchat/core/internal/user"
)

type captureNotifier struct {
	mu     sync.Mutex
	events map[string][]Event
}

func newCaptureNotifier() *captureNotifier {
	return &captureNotifier{events: make(map[string][]Event)}
}

func (n *captureNotifier) NotifyEvent(ctx context.Context, userID string, data []byte) error {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	n.mu.Lock()
	n.events[userID] = append(n.events[userID], ev)
	n.mu.Unlock()
	return nil
}

func (n *captureNotifier) last(userID string) (Event, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	evs := n.events[userID]
	if len(evs) == 0 {
		return Event{}, false
	}
	return evs[len(evs)-1], true
}

type sinkDelivery struct{}

func (sinkDelivery) Send(ctx context.Context, userID string, payload []byte) error { return nil }

func newTestEngine(t *testing.T, opts Options) (*Engine, *captureNotifier, *storage.Memory) {
	t.Helper()
	notifier := newCaptureNotifier()
	store := storage.NewMemory()
	if opts.Delivery == nil {
		opts.Delivery = sinkDelivery{}
	}
	opts.Notifier = notifier
	opts.Store = store
	e := New(opts)
	e.Start()
	t.Cleanup(e.Shutdown)
	return e, notifier, store
}

// register runs a user through registration into the idle state.
func register(t *testing.T, e *Engine, id string, gender user.Gender, premium bool) {
	t.Helper()
	_, created := e.Register(context.Background(), id)
	require.True(t, created, "user %s already existed", id)
	require.NoError(t, e.CompleteRegistration(context.Background(), id, gender))
	if premium {
		require.NoError(t, e.GrantFilterAccess(context.Background(), id, true))
	}
}

func TestFullChatLifecycle(t *testing.T) {
	e, notifier, store := newTestEngine(t, Options{})
	ctx := context.Background()

	register(t, e, "alice", user.GenderFemale, false)
	register(t, e, "bob", user.GenderMale, false)

	m, err := e.Search(ctx, "alice", matching.CategoryRandom, user.GenderUnknown)
	require.NoError(t, err)
	assert.Nil(t, m, "first searcher should wait")

	m, err = e.Search(ctx, "bob", matching.CategoryRandom, user.GenderUnknown)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "alice", m.PartnerID)

	// Both users are in chat and were notified.
	for _, id := range []string{"alice", "bob"} {
		u, ok := e.User(id)
		require.True(t, ok)
		assert.Equal(t, state.InChat, u.State)
		assert.Equal(t, m.SessionID, u.CurrentSession)
		ev, ok := notifier.last(id)
		require.True(t, ok)
		assert.Equal(t, EventMatched, ev.Type)
	}

	res, err := e.Message(ctx, "bob", []byte("hi there"))
	require.NoError(t, err)
	assert.Equal(t, "alice", res.PartnerID)
	assert.False(t, res.Blocked)
	assert.False(t, res.DeliveryFailed)

	out, err := e.Stop(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, out.AlreadyEnded)
	assert.Equal(t, "alice", out.Partner)

	ev, ok := notifier.last("alice")
	require.True(t, ok)
	assert.Equal(t, EventPartnerLeft, ev.Type)

	for _, id := range []string{"alice", "bob"} {
		u, _ := e.User(id)
		assert.Equal(t, state.Voting, u.State, "user %s", id)
		assert.Empty(t, u.CurrentSession)
	}

	require.NoError(t, e.Vote(ctx, "alice", m.SessionID, chat.VoteUp))
	require.NoError(t, e.SkipVote(ctx, "bob"))
	for _, id := range []string{"alice", "bob"} {
		u, _ := e.User(id)
		assert.Equal(t, state.Idle, u.State)
	}

	// The audit mirror saw the session both active and ended, plus the
	// relayed message.
	s, ok := store.Sessions()[m.SessionID]
	require.True(t, ok)
	assert.Equal(t, chat.StatusEnded, s.Status)
	assert.Equal(t, 1, s.VotesUp)
	require.Len(t, store.Messages(), 1)
	assert.Equal(t, []byte("hi there"), store.Messages()[0].Payload)
}

func TestSearchRequiresIdleState(t *testing.T) {
	e, _, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	register(t, e, "alice", user.GenderFemale, false)

	_, err := e.Search(ctx, "alice", matching.CategoryRandom, user.GenderUnknown)
	require.NoError(t, err)

	// Searching again is an invalid lifecycle transition.
	_, err = e.Search(ctx, "alice", matching.CategoryRandom, user.GenderUnknown)
	assert.ErrorIs(t, err, state.ErrInvalidTransition)
}

func TestSearchRollsBackStateOnDeniedAdmission(t *testing.T) {
	e, _, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	register(t, e, "free", user.GenderMale, false)

	_, err := e.Search(ctx, "free", matching.CategoryGender, user.GenderUnknown)
	assert.ErrorIs(t, err, matching.ErrAccessDenied)

	// The user is back in idle and can search an open category.
	u, _ := e.User("free")
	assert.Equal(t, state.Idle, u.State)
	_, err = e.Search(ctx, "free", matching.CategoryRandom, user.GenderUnknown)
	assert.NoError(t, err)
}

func TestCancelSearch(t *testing.T) {
	e, _, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	register(t, e, "alice", user.GenderFemale, false)
	_, err := e.Search(ctx, "alice", matching.CategoryRandom, user.GenderUnknown)
	require.NoError(t, err)

	removed, err := e.CancelSearch(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, removed)
	u, _ := e.User("alice")
	assert.Equal(t, state.Idle, u.State)

	removed, err = e.CancelSearch(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, removed, "repeat cancel should be a no-op")
}

func TestMessageWithoutChat(t *testing.T) {
	e, _, _ := newTestEngine(t, Options{})
	register(t, e, "alice", user.GenderFemale, false)

	_, err := e.Message(context.Background(), "alice", []byte("hello?"))
	assert.ErrorIs(t, err, ErrNoActiveChat)

	_, err = e.Message(context.Background(), "ghost", []byte("hello?"))
	assert.ErrorIs(t, err, ErrUnknownUser)
}

func TestContentPolicyBlocksMessage(t *testing.T) {
	e, _, store := newTestEngine(t, Options{Policy: moderation.NewFilter()})
	ctx := context.Background()

	register(t, e, "alice", user.GenderFemale, false)
	register(t, e, "bob", user.GenderMale, false)
	_, err := e.Search(ctx, "alice", matching.CategoryRandom, user.GenderUnknown)
	require.NoError(t, err)
	_, err = e.Search(ctx, "bob", matching.CategoryRandom, user.GenderUnknown)
	require.NoError(t, err)

	res, err := e.Message(ctx, "bob", []byte("visit https://spam.example now"))
	require.NoError(t, err)
	assert.True(t, res.Blocked)
	assert.Empty(t, store.Messages(), "blocked payloads are not mirrored")
}

func TestReportThresholdBansAndEvicts(t *testing.T) {
	e, notifier, store := newTestEngine(t, Options{ReportThreshold: 2})
	ctx := context.Background()

	register(t, e, "victim", user.GenderFemale, false)
	register(t, e, "troll", user.GenderMale, false)
	_, err := e.Search(ctx, "victim", matching.CategoryRandom, user.GenderUnknown)
	require.NoError(t, err)
	m, err := e.Search(ctx, "troll", matching.CategoryRandom, user.GenderUnknown)
	require.NoError(t, err)
	require.NotNil(t, m)

	ban, err := e.Report(ctx, "victim", m.SessionID, "harassment")
	require.NoError(t, err)
	assert.Nil(t, ban, "one report is below the threshold")

	ban, err = e.Report(ctx, "victim", m.SessionID, "spam")
	require.NoError(t, err)
	require.NotNil(t, ban)
	assert.Equal(t, 2, ban.Reports)

	// The banned user was pulled out of the chat and notified.
	u, _ := e.User("troll")
	assert.Empty(t, u.CurrentSession)
	ev, ok := notifier.last("troll")
	require.True(t, ok)
	assert.Equal(t, EventBanned, ev.Type)

	// Banned users cannot search; their state rolls back cleanly.
	require.NoError(t, e.SkipVote(ctx, "troll"))
	_, err = e.Search(ctx, "troll", matching.CategoryRandom, user.GenderUnknown)
	assert.ErrorIs(t, err, matching.ErrBanned)

	// Audit rows: two reports with snapshots and one ban log entry.
	require.Len(t, store.Reports(), 2)
	require.Len(t, store.BanLog(), 1)
	assert.Equal(t, "troll", store.BanLog()[0].UserID)
}

func TestReportRejectsOutsiders(t *testing.T) {
	e, _, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	register(t, e, "alice", user.GenderFemale, false)
	register(t, e, "bob", user.GenderMale, false)
	register(t, e, "eve", user.GenderFemale, false)
	_, err := e.Search(ctx, "alice", matching.CategoryRandom, user.GenderUnknown)
	require.NoError(t, err)
	m, err := e.Search(ctx, "bob", matching.CategoryRandom, user.GenderUnknown)
	require.NoError(t, err)
	require.NotNil(t, m)

	_, err = e.Report(ctx, "eve", m.SessionID, "spam")
	assert.ErrorIs(t, err, chat.ErrNotParticipant)

	_, err = e.Report(ctx, "alice", "no-such-session", "spam")
	assert.ErrorIs(t, err, chat.ErrNotFound)
}

func TestNextSkipsToFreshSearch(t *testing.T) {
	e, notifier, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	register(t, e, "alice", user.GenderFemale, false)
	register(t, e, "bob", user.GenderMale, false)
	_, err := e.Search(ctx, "alice", matching.CategoryRandom, user.GenderUnknown)
	require.NoError(t, err)
	m, err := e.Search(ctx, "bob", matching.CategoryRandom, user.GenderUnknown)
	require.NoError(t, err)
	require.NotNil(t, m)

	m2, err := e.Next(ctx, "bob", matching.CategoryRandom, user.GenderUnknown)
	require.NoError(t, err)
	assert.Nil(t, m2, "no partner available yet")

	u, _ := e.User("bob")
	assert.Equal(t, state.Searching, u.State)
	assert.Equal(t, 1, u.Skips)

	ev, ok := notifier.last("alice")
	require.True(t, ok)
	assert.Equal(t, EventPartnerLeft, ev.Type)
}

func TestSearchExpiryReturnsUserToIdle(t *testing.T) {
	notifier := newCaptureNotifier()
	e := New(Options{
		Delivery:      sinkDelivery{},
		Notifier:      notifier,
		QueueEntryTTL: 10 * time.Millisecond,
	})
	e.Start()
	t.Cleanup(e.Shutdown)
	ctx := context.Background()

	register(t, e, "stale", user.GenderMale, false)
	register(t, e, "fresh", user.GenderFemale, false)

	_, err := e.Search(ctx, "stale", matching.CategoryRandom, user.GenderUnknown)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	// The fresh searcher triggers the lazy expiry of the stale entry.
	m, err := e.Search(ctx, "fresh", matching.CategoryRandom, user.GenderUnknown)
	require.NoError(t, err)
	assert.Nil(t, m)

	u, _ := e.User("stale")
	assert.Equal(t, state.Idle, u.State)
	ev, ok := notifier.last("stale")
	require.True(t, ok)
	assert.Equal(t, EventSearchExpired, ev.Type)
}

func TestThrottledMessage(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	e, _, _ := newTestEngine(t, Options{Limiter: ratelimit.NewLimiter(client)})
	ctx := context.Background()

	register(t, e, "alice", user.GenderFemale, false)
	register(t, e, "bob", user.GenderMale, false)
	_, err := e.Search(ctx, "alice", matching.CategoryRandom, user.GenderUnknown)
	require.NoError(t, err)
	_, err = e.Search(ctx, "bob", matching.CategoryRandom, user.GenderUnknown)
	require.NoError(t, err)

	for i := 0; i < ratelimit.RuleMessage.Limit; i++ {
		_, err := e.Message(ctx, "bob", []byte("spammity spam"))
		require.NoError(t, err, "message %d under the limit", i)
	}
	_, err = e.Message(ctx, "bob", []byte("one too many"))
	assert.ErrorIs(t, err, ErrThrottled)
}

func TestRestoreUsers(t *testing.T) {
	store := storage.NewMemory()
	require.NoError(t, store.SaveUser(context.Background(), &user.User{
		ID:          "returning",
		Gender:      user.GenderOther,
		ReportCount: 3,
		State:       state.InChat, // stale runtime state, must not survive
		CreatedAt:   time.Now(),
	}))

	e := New(Options{Delivery: sinkDelivery{}, Store: store})
	e.Start()
	t.Cleanup(e.Shutdown)

	n, err := e.RestoreUsers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	u, ok := e.User("returning")
	require.True(t, ok)
	assert.Equal(t, state.Idle, u.State)
	assert.Equal(t, 3, u.ReportCount)
}
