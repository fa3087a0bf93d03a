package vault

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("vault: not found")
	ErrAlreadyExists     = errors.New("vault: already exists")
	ErrInvalidInput      = errors.New("vault: invalid input")
	ErrPermissionDenied  = errors.New("vault: permission denied")
	ErrCircularReference = errors.New("vault: circular reference in parent services")

	// ErrGroupLockout guards the invariant that every group with service
	// associations keeps at least one member holding a decryptable copy of
	// the group private key.
	ErrGroupLockout = errors.New("vault: operation would leave the group without a usable key holder")
)

// ServiceRef identifies a service in a Blocked error payload.
type ServiceRef struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// BlockedError refuses a deletion because dependents still exist. Children
// lists the blocking services so the caller can resolve them.
type BlockedError struct {
	Entity   string       `json:"entity"`
	Children []ServiceRef `json:"children"`
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("vault: %s deletion blocked by %d dependent service(s)", e.Entity, len(e.Children))
}

// IsBlocked reports whether err is a refused cascade and returns the payload.
func IsBlocked(err error) (*BlockedError, bool) {
	var be *BlockedError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}
