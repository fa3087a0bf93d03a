package auth

import "errors"

var (
	// ErrUserNotFound means no account exists under the given username.
	ErrUserNotFound = errors.New("auth: user not found")

	// ErrAuthenticationFailed covers users without key material and failed
	// challenge responses.
	ErrAuthenticationFailed = errors.New("auth: authentication failed")

	// ErrChallengeExpired means the response arrived after the challenge
	// window closed; the client must restart with a new login.
	ErrChallengeExpired = errors.New("auth: challenge expired")

	// ErrSetupExpired means the user's one-time setup window lapsed before
	// a public key was submitted.
	ErrSetupExpired = errors.New("auth: setup window expired")

	ErrSetupComplete  = errors.New("auth: user already completed setup")
	ErrInvalidSession = errors.New("auth: invalid or expired session")
)
