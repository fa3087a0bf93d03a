package auth

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"credvault.org/internal/vault"
)

// Session is an authenticated presence. The token is an opaque random value;
// it carries no claims and cannot be minted offline.
type Session struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	IsAdmin   bool      `json:"is_admin"`
	ExpiresAt time.Time `json:"expires_at"`
}

type sessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
}

func newSessionStore(now func() time.Time) *sessionStore {
	return &sessionStore{sessions: make(map[string]*Session), now: now}
}

func (st *sessionStore) create(u *vault.User, ttl time.Duration) *Session {
	s := &Session{
		Token:     uuid.NewString(),
		UserID:    u.ID,
		Username:  u.Username,
		IsAdmin:   u.IsAdmin,
		ExpiresAt: st.now().Add(ttl),
	}
	st.mu.Lock()
	st.sessions[s.Token] = s
	st.mu.Unlock()
	return s
}

func (st *sessionStore) get(token string) (*Session, error) {
	st.mu.RLock()
	s, ok := st.sessions[token]
	st.mu.RUnlock()
	if !ok {
		return nil, ErrInvalidSession
	}
	if st.now().After(s.ExpiresAt) {
		st.mu.Lock()
		delete(st.sessions, token)
		st.mu.Unlock()
		return nil, ErrInvalidSession
	}
	out := *s
	return &out, nil
}

func (st *sessionStore) delete(token string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.sessions[token]; !ok {
		return ErrInvalidSession
	}
	delete(st.sessions, token)
	return nil
}

func (st *sessionStore) sweep() int {
	now := st.now()
	st.mu.Lock()
	defer st.mu.Unlock()
	dropped := 0
	for token, s := range st.sessions {
		if now.After(s.ExpiresAt) {
			delete(st.sessions, token)
			dropped++
		}
	}
	return dropped
}
