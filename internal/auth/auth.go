// Package auth implements the vault's challenge-response login protocol.
// Possession of the private key is the only credential: the vault encrypts a
// random challenge under the user's public key, and only a client that can
// decrypt it obtains a session. No password ever crosses the wire.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"credvault.org/internal/ids"
	"credvault.org/internal/keyring"
	"credvault.org/internal/vault"
)

const (
	challengeSize       = 32
	defaultLoginTimeout = 15 * time.Second
	defaultSessionTTL   = 8 * time.Hour
)

// Service drives login, setup and session verification against the vault's
// user records. Challenge state lives on the user row; sessions are held in
// memory and die with the process.
type Service struct {
	store    vault.Store
	sessions *sessionStore
	now      func() time.Time

	loginTimeout time.Duration
	sessionTTL   time.Duration
}

// Option configures Service behavior.
type Option func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
			s.sessions.now = fn
		}
	}
}

// WithLoginTimeout configures how long a login challenge stays answerable.
func WithLoginTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.loginTimeout = d
		}
	}
}

// WithSessionTTL configures session lifetime.
func WithSessionTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.sessionTTL = d
		}
	}
}

// NewService constructs the auth service over the vault's repository.
func NewService(store vault.Store, opts ...Option) *Service {
	s := &Service{
		store:        store,
		sessions:     newSessionStore(time.Now),
		now:          time.Now,
		loginTimeout: defaultLoginTimeout,
		sessionTTL:   defaultSessionTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Challenge is the first half of the handshake: the random token encrypted
// under the user's public key. Only that user's client can produce the
// plaintext back.
type Challenge struct {
	Username       string `json:"username"`
	CryptChallenge string `json:"crypt_challenge"`
}

// Login starts the handshake for a username.
func (s *Service) Login(ctx context.Context, username string) (*Challenge, error) {
	var out *Challenge
	err := s.store.Tx(ctx, func(ctx context.Context) error {
		users := s.store.Users(ctx)
		u, err := users.GetByUsername(ctx, username)
		if errors.Is(err, vault.ErrNotFound) {
			return fmt.Errorf("%w: %q", ErrUserNotFound, username)
		}
		if err != nil {
			return err
		}
		if u.PublicKey == "" || u.PendingSetup() {
			return ErrAuthenticationFailed
		}
		pub, err := keyring.ParsePublicKey(u.PublicKey)
		if err != nil {
			return fmt.Errorf("stored public key for %s: %w", username, err)
		}

		raw := make([]byte, challengeSize)
		if _, err := rand.Read(raw); err != nil {
			return err
		}
		token := base64.RawURLEncoding.EncodeToString(raw)

		ct, err := pub.Encrypt([]byte(token))
		if err != nil {
			return err
		}

		u.ChallengeToken = token
		u.ChallengeExpiry = s.now().Add(s.loginTimeout)
		if err := users.Update(ctx, u); err != nil {
			return err
		}
		out = &Challenge{Username: username, CryptChallenge: ct.Serialize()}
		return nil
	})
	return out, err
}

// Authenticate completes the handshake with the decrypted challenge token.
// The challenge is single-use: it is cleared whether or not the response
// matches.
func (s *Service) Authenticate(ctx context.Context, username, token string) (*Session, error) {
	var out *Session
	err := s.store.Tx(ctx, func(ctx context.Context) error {
		users := s.store.Users(ctx)
		u, err := users.GetByUsername(ctx, username)
		if errors.Is(err, vault.ErrNotFound) {
			return fmt.Errorf("%w: %q", ErrUserNotFound, username)
		}
		if err != nil {
			return err
		}
		if u.ChallengeToken == "" {
			return ErrAuthenticationFailed
		}

		expected := u.ChallengeToken
		expired := s.now().After(u.ChallengeExpiry)
		u.ChallengeToken = ""
		u.ChallengeExpiry = time.Time{}
		if err := users.Update(ctx, u); err != nil {
			return err
		}

		if expired {
			return ErrChallengeExpired
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(token)) != 1 {
			return ErrAuthenticationFailed
		}

		out = s.sessions.create(u, s.sessionTTL)
		return nil
	})
	return out, err
}

// Setup completes a pending user's enrollment by recording its public key.
// The first user of an empty vault is accepted unconditionally and created
// as an administrator; after that, the user must exist and be inside the
// setup window, or be re-added by an administrator.
func (s *Service) Setup(ctx context.Context, username, publicKey string) error {
	if username == "" {
		return fmt.Errorf("%w: username is required", vault.ErrInvalidInput)
	}
	if _, err := keyring.ParsePublicKey(publicKey); err != nil {
		return fmt.Errorf("%w: malformed public key", vault.ErrInvalidInput)
	}
	return s.store.Tx(ctx, func(ctx context.Context) error {
		users := s.store.Users(ctx)
		u, err := users.GetByUsername(ctx, username)
		if errors.Is(err, vault.ErrNotFound) {
			n, cerr := users.Count(ctx)
			if cerr != nil {
				return cerr
			}
			if n > 0 {
				return err
			}
			return users.Create(ctx, &vault.User{
				ID:        ids.New(),
				Username:  username,
				IsAdmin:   true,
				PublicKey: publicKey,
				CreatedAt: s.now(),
			})
		}
		if err != nil {
			return err
		}
		if !u.PendingSetup() {
			return ErrSetupComplete
		}
		if u.SetupExpired(s.now()) {
			return ErrSetupExpired
		}
		u.PublicKey = publicKey
		u.SetupExpiry = time.Time{}
		return users.Update(ctx, u)
	})
}

// Verify resolves a session token, refusing expired sessions.
func (s *Service) Verify(ctx context.Context, token string) (*Session, error) {
	return s.sessions.get(token)
}

// Logout destroys the session.
func (s *Service) Logout(ctx context.Context, token string) error {
	return s.sessions.delete(token)
}

// Sweep drops expired sessions; called periodically by the server.
func (s *Service) Sweep() int {
	return s.sessions.sweep()
}
