package user

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/veilchat/core/internal/state"
)

// persistTimeout bounds each best-effort write to the persistence mirror.
const persistTimeout = 2 * time.Second

// Saver is the persistence capability the registry mirrors into. A nil
// Saver disables mirroring (used in tests).
type Saver interface {
	SaveUser(ctx context.Context, u *User) error
}

// Registry is the authoritative in-memory store of user records. All
// mutation goes through Update so that reads always see a consistent
// record, and every mutation is mirrored to the Saver outside the lock.
type Registry struct {
	mu    sync.RWMutex
	users map[string]*User
	saver Saver
}

// NewRegistry creates an empty registry mirroring into saver.
func NewRegistry(saver Saver) *Registry {
	return &Registry{
		users: make(map[string]*User),
		saver: saver,
	}
}

// Get returns a copy of the user record, if present.
func (r *Registry) Get(id string) (User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	if !ok {
		return User{}, false
	}
	return *u, true
}

// GetOrCreate returns the user record for id, creating a fresh one in the
// Registering state on first contact. The second return value reports
// whether the record was created by this call.
func (r *Registry) GetOrCreate(id string) (User, bool) {
	r.mu.Lock()
	u, ok := r.users[id]
	if ok {
		copied := *u
		r.mu.Unlock()
		return copied, false
	}
	u = &User{
		ID:        id,
		Gender:    GenderUnknown,
		State:     state.Registering,
		CreatedAt: time.Now(),
	}
	r.users[id] = u
	copied := *u
	r.mu.Unlock()

	r.persist(&copied)
	return copied, true
}

// Restore inserts a previously persisted record, used at startup to reload
// durable profiles. Runtime lifecycle state is not trusted across restarts:
// restored users always come back Idle (or Registering if the profile was
// never completed).
func (r *Registry) Restore(u User) {
	if u.State != state.Registering {
		u.State = state.Idle
	}
	r.mu.Lock()
	r.users[u.ID] = &u
	r.mu.Unlock()
}

// Update applies fn to the user record under the write lock and mirrors
// the result to persistence. It returns the updated copy, or ok=false if
// the user does not exist.
func (r *Registry) Update(id string, fn func(*User)) (User, bool) {
	r.mu.Lock()
	u, ok := r.users[id]
	if !ok {
		r.mu.Unlock()
		return User{}, false
	}
	fn(u)
	copied := *u
	r.mu.Unlock()

	r.persist(&copied)
	return copied, true
}

// Transition validates and applies a lifecycle event for the user. On
// success it returns the new state; on an invalid event it returns
// state.ErrInvalidTransition and leaves the record untouched.
func (r *Registry) Transition(id string, event state.Event) (state.State, error) {
	r.mu.Lock()
	u, ok := r.users[id]
	if !ok {
		r.mu.Unlock()
		return "", state.ErrInvalidTransition
	}
	next, err := state.Next(u.State, event)
	if err != nil {
		r.mu.Unlock()
		return u.State, err
	}
	u.State = next
	copied := *u
	r.mu.Unlock()

	r.persist(&copied)
	return next, nil
}

// State returns the user's current lifecycle state.
func (r *Registry) State(id string) (state.State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	if !ok {
		return "", false
	}
	return u.State, true
}

// persist mirrors a record to storage. Persistence is an audit mirror:
// failures are logged and never propagated to callers.
func (r *Registry) persist(u *User) {
	if r.saver == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := r.saver.SaveUser(ctx, u); err != nil {
		log.Printf("[registry] persist user %s: %v", u.ID, err)
	}
}
