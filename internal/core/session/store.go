package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/jinzhu/copier"
	"github.com/oarthurfc/AI-outgoing-call/internal/domain"
)

// TransitionFunc mutates a session in place. Returning an error rejects the
// transition and leaves the stored session untouched.
type TransitionFunc func(s *domain.CallSession) error

// Store is the concurrency-safe registry of live call sessions.
//
// Sessions are keyed by call identifier. Before the provider has returned the
// identifier, a session may be reserved under its correlation token and later
// bound to the identifier by whichever of the placement path or an early
// callback learns it first. Callers only ever receive copies.
type Store struct {
	mutex    sync.Mutex
	sessions map[string]*domain.CallSession // call id -> session
	pending  map[string]*domain.CallSession // token -> reserved session
	bound    map[string]string              // token -> call id
}

// NewStore creates an empty session store
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*domain.CallSession),
		pending:  make(map[string]*domain.CallSession),
		bound:    make(map[string]string),
	}
}

// Put stores a session under callID.
func (st *Store) Put(callID string, s *domain.CallSession) error {
	if callID == "" || s == nil {
		return fmt.Errorf("put session: empty call id or session")
	}

	st.mutex.Lock()
	defer st.mutex.Unlock()

	if _, exists := st.sessions[callID]; exists {
		return fmt.Errorf("call %s: %w", callID, domain.ErrAlreadyExists)
	}

	stored := clone(s)
	stored.CallID = callID
	st.sessions[callID] = stored
	if stored.Token != "" {
		st.bound[stored.Token] = callID
	}
	return nil
}

// Reserve stores a provisional session under its correlation token.
func (st *Store) Reserve(token string, s *domain.CallSession) error {
	if token == "" || s == nil {
		return fmt.Errorf("reserve session: empty token or session")
	}

	st.mutex.Lock()
	defer st.mutex.Unlock()

	if _, exists := st.pending[token]; exists {
		return fmt.Errorf("token %s: %w", token, domain.ErrAlreadyExists)
	}
	if _, exists := st.bound[token]; exists {
		return fmt.Errorf("token %s: %w", token, domain.ErrAlreadyExists)
	}

	stored := clone(s)
	stored.Token = token
	stored.CallID = ""
	st.pending[token] = stored
	return nil
}

// Bind moves the session reserved under token to callID. Binding a token that
// is already bound to the same callID is a no-op.
func (st *Store) Bind(token, callID string) error {
	if token == "" || callID == "" {
		return fmt.Errorf("bind session: empty token or call id")
	}

	st.mutex.Lock()
	defer st.mutex.Unlock()

	if existing, ok := st.bound[token]; ok {
		if existing == callID {
			return nil
		}
		return fmt.Errorf("token %s bound to call %s, not %s: %w", token, existing, callID, domain.ErrAlreadyExists)
	}

	s, ok := st.pending[token]
	if !ok {
		return fmt.Errorf("token %s: %w", token, domain.ErrNotFound)
	}
	if _, exists := st.sessions[callID]; exists {
		return fmt.Errorf("call %s: %w", callID, domain.ErrAlreadyExists)
	}

	delete(st.pending, token)
	s.CallID = callID
	st.sessions[callID] = s
	st.bound[token] = callID
	return nil
}

// Release drops a reservation that was never bound. Idempotent.
func (st *Store) Release(token string) {
	st.mutex.Lock()
	defer st.mutex.Unlock()
	delete(st.pending, token)
}

// Get returns a copy of the session for callID.
func (st *Store) Get(callID string) (domain.CallSession, error) {
	st.mutex.Lock()
	defer st.mutex.Unlock()

	s, ok := st.sessions[callID]
	if !ok {
		return domain.CallSession{}, fmt.Errorf("call %s: %w", callID, domain.ErrNotFound)
	}
	return *clone(s), nil
}

// Update atomically applies fn to the session for callID and returns the
// resulting copy. If fn fails, the stored session is unchanged and the error
// is reported as ErrInvalidTransition.
func (st *Store) Update(callID string, fn TransitionFunc) (domain.CallSession, error) {
	st.mutex.Lock()
	defer st.mutex.Unlock()

	s, ok := st.sessions[callID]
	if !ok {
		return domain.CallSession{}, fmt.Errorf("call %s: %w", callID, domain.ErrNotFound)
	}

	// fn works on a scratch copy so a rejected transition leaves no trace
	next := clone(s)
	if err := fn(next); err != nil {
		return *clone(s), fmt.Errorf("call %s in state %s: %w: %v", callID, s.State, domain.ErrInvalidTransition, err)
	}
	next.CallID = s.CallID
	next.Token = s.Token
	next.ResumeTarget = s.ResumeTarget
	next.CreatedAt = s.CreatedAt
	next.LastActivity = time.Now()

	st.sessions[callID] = next
	return *clone(next), nil
}

// Remove deletes the session for callID. Idempotent.
func (st *Store) Remove(callID string) {
	st.mutex.Lock()
	defer st.mutex.Unlock()

	if s, ok := st.sessions[callID]; ok {
		delete(st.bound, s.Token)
		delete(st.sessions, callID)
	}
}

// EvictStale removes every session idle for longer than maxIdle, reserved or
// bound, except sessions already claimed for notification. It returns copies
// of the evicted sessions.
func (st *Store) EvictStale(maxIdle time.Duration) []domain.CallSession {
	cutoff := time.Now().Add(-maxIdle)

	st.mutex.Lock()
	defer st.mutex.Unlock()

	var evicted []domain.CallSession
	for callID, s := range st.sessions {
		if s.Notified || !s.LastActivity.Before(cutoff) {
			continue
		}
		evicted = append(evicted, *clone(s))
		delete(st.bound, s.Token)
		delete(st.sessions, callID)
	}
	for token, s := range st.pending {
		if !s.LastActivity.Before(cutoff) {
			continue
		}
		evicted = append(evicted, *clone(s))
		delete(st.pending, token)
	}
	return evicted
}

// Len returns the number of live sessions, reserved ones included
func (st *Store) Len() int {
	st.mutex.Lock()
	defer st.mutex.Unlock()
	return len(st.sessions) + len(st.pending)
}

// Snapshot returns copies of all bound sessions
func (st *Store) Snapshot() []domain.CallSession {
	st.mutex.Lock()
	defer st.mutex.Unlock()

	out := make([]domain.CallSession, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, *clone(s))
	}
	return out
}

func clone(s *domain.CallSession) *domain.CallSession {
	var c domain.CallSession
	if err := copier.CopyWithOption(&c, s, copier.Option{DeepCopy: true}); err != nil {
		// copier only fails on mismatched kinds; fall back to a shallow copy
		c = *s
	}
	c.CreatedAt = s.CreatedAt
	c.LastActivity = s.LastActivity
	return &c
}
