// Package vault implements the cryptographic access-control core of the
// secret store: two-stage encryption of service secrets, group key fan-out,
// hierarchical service retrieval, and the integrity rules that gate deletion.
package vault

import "time"

// User is a vault operator. A user starts pending setup with no public key;
// until setup completes no cipher material may be granted to it.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	IsAdmin  bool   `json:"is_admin"`

	// PublicKey is the serialized ElGamal public key, empty until setup.
	PublicKey string `json:"public_key,omitempty"`

	// SetupExpiry is the pending-setup deadline; zero once setup completed.
	SetupExpiry time.Time `json:"setup_expiry,omitempty"`

	// Transient login-challenge state, owned by the auth protocol.
	ChallengeToken  string    `json:"-"`
	ChallengeExpiry time.Time `json:"-"`

	CreatedAt time.Time `json:"created_at"`
}

// PendingSetup reports whether the user has not completed key setup yet.
func (u *User) PendingSetup() bool { return !u.SetupExpiry.IsZero() }

// SetupExpired reports whether the pending-setup window has lapsed.
func (u *User) SetupExpired(now time.Time) bool {
	return u.PendingSetup() && now.After(u.SetupExpiry)
}

// Group shares one keypair among its members. The private half is stored only
// as per-member copies, each encrypted under that member's public key.
type Group struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Hidden    bool      `json:"hidden"`
	PublicKey string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// Customer is the top of the ownership hierarchy.
type Customer struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Machine belongs to a customer and hosts services.
type Machine struct {
	ID         string    `json:"id"`
	CustomerID string    `json:"customer_id"`
	Name       string    `json:"name"`
	FQDN       string    `json:"fqdn,omitempty"`
	IP         string    `json:"ip,omitempty"`
	Location   string    `json:"location,omitempty"`
	Notes      string    `json:"notes,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Service is a credentialed endpoint on a machine. ParentID points at another
// service that must be reached first (connection chaining); the parent
// relation forms a second tree, independent of machine ownership, and must
// stay acyclic.
type Service struct {
	ID        string `json:"id"`
	MachineID string `json:"machine_id"`
	ParentID  string `json:"parent_service_id,omitempty"`
	URL       string `json:"url"`

	// Secret is the service credential sealed under its symmetric key.
	Secret string `json:"-"`

	Notes            string    `json:"notes,omitempty"`
	Metadata         string    `json:"metadata,omitempty"`
	SecretModifiedAt time.Time `json:"secret_last_modified"`
	CreatedAt        time.Time `json:"created_at"`
}

// ServiceGroupCipher holds the service's symmetric key encrypted under the
// group's public key; one row per (service, group) association.
type ServiceGroupCipher struct {
	ServiceID   string `json:"service_id"`
	GroupID     string `json:"group_id"`
	CryptSymKey string `json:"crypt_sym_key"`
}

// UserCipher is the direct per-user entitlement: the symmetric key encrypted
// under one user's public key. Kept alongside the group path so access does
// not depend solely on group membership.
type UserCipher struct {
	UserID      string `json:"user_id"`
	ServiceID   string `json:"service_id"`
	CryptSymKey string `json:"crypt_sym_key"`
}

// UserGroupCipher records group membership: the group's private key encrypted
// under the member's public key. GroupAdmin marks members allowed to manage
// the group's roster.
type UserGroupCipher struct {
	UserID        string `json:"user_id"`
	GroupID       string `json:"group_id"`
	CryptGroupKey string `json:"crypt_group_key"`
	GroupAdmin    bool   `json:"group_admin"`
}

// ServiceView is one node of a service tree as returned to a caller: the
// sealed secret plus whichever cipher row lets this caller unwrap it.
type ServiceView struct {
	ID               string    `json:"id"`
	URL              string    `json:"url"`
	Secret           string    `json:"secret"`
	ParentID         string    `json:"parent_service_id,omitempty"`
	GroupID          string    `json:"group_id,omitempty"`
	CryptGroupKey    string    `json:"crypt_group_key,omitempty"`
	CryptSymKey      string    `json:"crypt_sym_key"`
	Notes            string    `json:"notes,omitempty"`
	Metadata         string    `json:"metadata,omitempty"`
	SecretModifiedAt time.Time `json:"secret_last_modified"`
}

// Grant is the result of any mutation that changes cipher material: the users
// for whom the secret is now decryptable, so callers can audit fan-out.
type Grant struct {
	ServiceID    string   `json:"service_id"`
	EncryptedFor []string `json:"encrypted_for"`
	Skipped      []string `json:"skipped,omitempty"` // users without a public key
	CipherRows   int      `json:"cipher_rows"`
}

// SearchHit is one denormalized row of the repository's free-text search.
type SearchHit struct {
	Customer Customer
	Machine  Machine
	Service  Service
}

// SearchService, SearchMachine and SearchCustomer form the nested result
// tree: customer id -> machine id -> service id.
type SearchService struct {
	URL      string `json:"url"`
	ParentID string `json:"parent_service_id,omitempty"`
	Metadata string `json:"metadata,omitempty"`
	Notes    string `json:"notes,omitempty"`
}

type SearchMachine struct {
	Name     string                   `json:"name"`
	FQDN     string                   `json:"fqdn,omitempty"`
	IP       string                   `json:"ip,omitempty"`
	Location string                   `json:"location,omitempty"`
	Notes    string                   `json:"notes,omitempty"`
	Services map[string]SearchService `json:"services"`
}

type SearchCustomer struct {
	Name     string                   `json:"name"`
	Machines map[string]SearchMachine `json:"machines"`
}
