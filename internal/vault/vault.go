package vault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"credvault.org/internal/ids"
	"credvault.org/internal/keyring"
)

const defaultSetupTimeout = 300 * time.Second

// Vault provides the core operation set consumed by the dispatch layer. It
// performs no internal threading; concurrency control lives in the Store.
type Vault struct {
	store        Store
	now          func() time.Time
	setupTimeout time.Duration
}

// Option configures Vault behavior.
type Option func(*Vault)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(v *Vault) {
		if fn != nil {
			v.now = fn
		}
	}
}

// WithSetupTimeout configures the pending-setup window for new users.
func WithSetupTimeout(d time.Duration) Option {
	return func(v *Vault) {
		if d > 0 {
			v.setupTimeout = d
		}
	}
}

// New constructs a Vault over the given repository.
func New(store Store, opts ...Option) *Vault {
	v := &Vault{
		store:        store,
		now:          time.Now,
		setupTimeout: defaultSetupTimeout,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Store exposes the underlying repository to collaborators that share it
// (the auth protocol reads and writes user challenge state).
func (v *Vault) Store() Store { return v.store }

// --- users ---

// AddUser registers a user pending setup. Re-adding a user whose setup window
// lapsed refreshes the window; an active or completed user is rejected.
func (v *Vault) AddUser(ctx context.Context, username string, isAdmin bool) (*User, error) {
	if username == "" {
		return nil, fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	var out *User
	err := v.store.Tx(ctx, func(ctx context.Context) error {
		users := v.store.Users(ctx)
		now := v.now()

		existing, err := users.GetByUsername(ctx, username)
		switch {
		case err == nil && existing.SetupExpired(now):
			existing.SetupExpiry = now.Add(v.setupTimeout)
			if err := users.Update(ctx, existing); err != nil {
				return err
			}
			out = existing
			return nil
		case err == nil:
			return fmt.Errorf("%w: user %q", ErrAlreadyExists, username)
		case !errors.Is(err, ErrNotFound):
			return err
		}

		u := &User{
			ID:          ids.New(),
			Username:    username,
			IsAdmin:     isAdmin,
			SetupExpiry: now.Add(v.setupTimeout),
			CreatedAt:   now,
		}
		if err := users.Create(ctx, u); err != nil {
			return err
		}
		out = u
		return nil
	})
	return out, err
}

// GetUser returns one user.
func (v *Vault) GetUser(ctx context.Context, id string) (*User, error) {
	return v.store.Users(ctx).Get(ctx, id)
}

// ListUsers returns all users.
func (v *Vault) ListUsers(ctx context.Context) ([]*User, error) {
	return v.store.Users(ctx).List(ctx)
}

// DeleteUser removes a user together with its cipher rows. Refused when the
// user is the last key holder of a group that still has services: deleting it
// would make those secrets permanently undecryptable via that group.
func (v *Vault) DeleteUser(ctx context.Context, id string) error {
	return v.store.Tx(ctx, func(ctx context.Context) error {
		ciphers := v.store.Ciphers(ctx)

		memberships, err := ciphers.UserGroups(ctx, id)
		if err != nil {
			return err
		}
		for _, m := range memberships {
			members, err := ciphers.GroupMembers(ctx, m.GroupID)
			if err != nil {
				return err
			}
			if len(members) > 1 {
				continue
			}
			assocs, err := ciphers.GroupServices(ctx, m.GroupID)
			if err != nil {
				return err
			}
			if len(assocs) > 0 {
				return fmt.Errorf("%w: user is the last member of group %s", ErrGroupLockout, m.GroupID)
			}
		}

		if err := ciphers.DeleteUserGroupsByUser(ctx, id); err != nil {
			return err
		}
		if err := ciphers.DeleteUserCiphersByUser(ctx, id); err != nil {
			return err
		}
		return v.store.Users(ctx).Delete(ctx, id)
	})
}

// --- customers ---

// AddCustomer creates a customer, recording the acting user for audit.
func (v *Vault) AddCustomer(ctx context.Context, actorID, name string) (*Customer, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	c := &Customer{ID: ids.New(), Name: name, CreatedBy: actorID, CreatedAt: v.now()}
	err := v.store.Tx(ctx, func(ctx context.Context) error {
		return v.store.Customers(ctx).Create(ctx, c)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// GetCustomer returns one customer.
func (v *Vault) GetCustomer(ctx context.Context, id string) (*Customer, error) {
	return v.store.Customers(ctx).Get(ctx, id)
}

// PutCustomer updates customer fields.
func (v *Vault) PutCustomer(ctx context.Context, id, name string) error {
	return v.store.Tx(ctx, func(ctx context.Context) error {
		c, err := v.store.Customers(ctx).Get(ctx, id)
		if err != nil {
			return err
		}
		if name != "" {
			c.Name = name
		}
		return v.store.Customers(ctx).Update(ctx, c)
	})
}

// ListCustomers returns all customers.
func (v *Vault) ListCustomers(ctx context.Context) ([]*Customer, error) {
	return v.store.Customers(ctx).List(ctx)
}

// --- machines ---

// AddMachineInput carries the fields for a new machine.
type AddMachineInput struct {
	CustomerID string `json:"customer_id"`
	Name       string `json:"name"`
	FQDN       string `json:"fqdn"`
	IP         string `json:"ip"`
	Location   string `json:"location"`
	Notes      string `json:"notes"`
}

// AddMachine creates a machine under a customer.
func (v *Vault) AddMachine(ctx context.Context, in AddMachineInput) (*Machine, error) {
	if in.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	m := &Machine{
		ID:         ids.New(),
		CustomerID: in.CustomerID,
		Name:       in.Name,
		FQDN:       in.FQDN,
		IP:         in.IP,
		Location:   in.Location,
		Notes:      in.Notes,
		CreatedAt:  v.now(),
	}
	err := v.store.Tx(ctx, func(ctx context.Context) error {
		if _, err := v.store.Customers(ctx).Get(ctx, in.CustomerID); err != nil {
			return fmt.Errorf("customer %s: %w", in.CustomerID, err)
		}
		return v.store.Machines(ctx).Create(ctx, m)
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// GetMachine returns one machine.
func (v *Vault) GetMachine(ctx context.Context, id string) (*Machine, error) {
	return v.store.Machines(ctx).Get(ctx, id)
}

// PutMachine updates machine fields; empty strings leave fields untouched.
func (v *Vault) PutMachine(ctx context.Context, id string, in AddMachineInput) error {
	return v.store.Tx(ctx, func(ctx context.Context) error {
		m, err := v.store.Machines(ctx).Get(ctx, id)
		if err != nil {
			return err
		}
		if in.CustomerID != "" {
			m.CustomerID = in.CustomerID
		}
		if in.Name != "" {
			m.Name = in.Name
		}
		if in.FQDN != "" {
			m.FQDN = in.FQDN
		}
		if in.IP != "" {
			m.IP = in.IP
		}
		if in.Location != "" {
			m.Location = in.Location
		}
		if in.Notes != "" {
			m.Notes = in.Notes
		}
		return v.store.Machines(ctx).Update(ctx, m)
	})
}

// ListMachines returns machines, optionally filtered by customer.
func (v *Vault) ListMachines(ctx context.Context, customerID string) ([]*Machine, error) {
	return v.store.Machines(ctx).List(ctx, customerID)
}

// --- groups ---

// AddGroup creates a group with a fresh keypair. The public key is stored on
// the group row; the private key is serialized, encrypted under the creator's
// public key, and stored as the creator's membership row. The server never
// retains the private key in the clear.
func (v *Vault) AddGroup(ctx context.Context, actorID, name string, hidden bool) (*Group, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	var out *Group
	err := v.store.Tx(ctx, func(ctx context.Context) error {
		actor, err := v.store.Users(ctx).Get(ctx, actorID)
		if err != nil {
			return fmt.Errorf("acting user: %w", err)
		}
		if actor.PublicKey == "" {
			return fmt.Errorf("%w: acting user has no public key", ErrInvalidInput)
		}
		actorPub, err := keyring.ParsePublicKey(actor.PublicKey)
		if err != nil {
			return err
		}

		pub, priv, err := keyring.GenerateKeypair()
		if err != nil {
			return err
		}

		g := &Group{
			ID:        ids.New(),
			Name:      name,
			Hidden:    hidden,
			PublicKey: pub.Serialize(),
			CreatedAt: v.now(),
		}
		if err := v.store.Groups(ctx).Create(ctx, g); err != nil {
			return err
		}

		cryptKey, err := actorPub.EncryptLong([]byte(priv.Serialize()))
		if err != nil {
			return err
		}
		err = v.store.Ciphers(ctx).PutUserGroup(ctx, &UserGroupCipher{
			UserID:        actorID,
			GroupID:       g.ID,
			CryptGroupKey: cryptKey.Serialize(),
			GroupAdmin:    true,
		})
		if err != nil {
			return err
		}
		out = g
		return nil
	})
	return out, err
}

// GetGroup returns one group. Hidden groups are only visible to their members
// and to administrators.
func (v *Vault) GetGroup(ctx context.Context, actorID, id string) (*Group, error) {
	g, err := v.store.Groups(ctx).Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !g.Hidden {
		return g, nil
	}
	visible, err := v.canSeeGroup(ctx, actorID, id)
	if err != nil {
		return nil, err
	}
	if !visible {
		return nil, ErrNotFound
	}
	return g, nil
}

// PutGroup updates group name and hidden flag.
func (v *Vault) PutGroup(ctx context.Context, id, name string, hidden *bool) error {
	return v.store.Tx(ctx, func(ctx context.Context) error {
		g, err := v.store.Groups(ctx).Get(ctx, id)
		if err != nil {
			return err
		}
		if name != "" {
			g.Name = name
		}
		if hidden != nil {
			g.Hidden = *hidden
		}
		return v.store.Groups(ctx).Update(ctx, g)
	})
}

// ListGroups returns groups visible to the actor; hidden groups are filtered
// unless the actor is a member or an administrator.
func (v *Vault) ListGroups(ctx context.Context, actorID string) ([]*Group, error) {
	groups, err := v.store.Groups(ctx).List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Group, 0, len(groups))
	for _, g := range groups {
		if g.Hidden {
			visible, err := v.canSeeGroup(ctx, actorID, g.ID)
			if err != nil {
				return nil, err
			}
			if !visible {
				continue
			}
		}
		out = append(out, g)
	}
	return out, nil
}

func (v *Vault) canSeeGroup(ctx context.Context, actorID, groupID string) (bool, error) {
	actor, err := v.store.Users(ctx).Get(ctx, actorID)
	if err != nil {
		return false, err
	}
	if actor.IsAdmin {
		return true, nil
	}
	members, err := v.store.Ciphers(ctx).GroupMembers(ctx, groupID)
	if err != nil {
		return false, err
	}
	for _, m := range members {
		if m.UserID == actorID {
			return true, nil
		}
	}
	return false, nil
}

// --- group membership ---

// GroupGrant is the information a client needs to admit a user to a group:
// the actor's own encrypted copy of the group private key (to decrypt
// locally) and the target user's public key (to re-encrypt for them).
type GroupGrant struct {
	GroupID       string `json:"group_id"`
	UserID        string `json:"user_id"`
	UserPublicKey string `json:"user_public_key"`
	CryptGroupKey string `json:"crypt_group_key"`
}

// GroupGrantInfo starts the two-call membership protocol. The vault cannot
// produce the new member's key copy itself: the group private key exists only
// in member-encrypted form, so the actor's client must decrypt and re-encrypt
// it, then complete with GroupSetUserKey.
func (v *Vault) GroupGrantInfo(ctx context.Context, actorID, groupID, userID string) (*GroupGrant, error) {
	if _, err := v.store.Groups(ctx).Get(ctx, groupID); err != nil {
		return nil, err
	}
	target, err := v.store.Users(ctx).Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if target.PublicKey == "" {
		return nil, fmt.Errorf("%w: user %q has not completed setup", ErrInvalidInput, target.Username)
	}
	actorRow, err := v.groupAdminRow(ctx, actorID, groupID)
	if err != nil {
		return nil, err
	}
	return &GroupGrant{
		GroupID:       groupID,
		UserID:        userID,
		UserPublicKey: target.PublicKey,
		CryptGroupKey: actorRow.CryptGroupKey,
	}, nil
}

// GroupSetUserKey completes the membership protocol with the group private
// key encrypted under the new member's public key, produced client-side.
func (v *Vault) GroupSetUserKey(ctx context.Context, actorID, groupID, userID, cryptGroupKey string, groupAdmin bool) error {
	if cryptGroupKey == "" {
		return fmt.Errorf("%w: crypt_group_key is required", ErrInvalidInput)
	}
	if _, err := keyring.ParseCiphertext(cryptGroupKey); err != nil {
		return fmt.Errorf("%w: crypt_group_key is not a valid ciphertext", ErrInvalidInput)
	}
	return v.store.Tx(ctx, func(ctx context.Context) error {
		if _, err := v.groupAdminRow(ctx, actorID, groupID); err != nil {
			return err
		}
		target, err := v.store.Users(ctx).Get(ctx, userID)
		if err != nil {
			return err
		}
		if target.PublicKey == "" {
			return fmt.Errorf("%w: user %q has no public key", ErrInvalidInput, target.Username)
		}
		return v.store.Ciphers(ctx).PutUserGroup(ctx, &UserGroupCipher{
			UserID:        userID,
			GroupID:       groupID,
			CryptGroupKey: cryptGroupKey,
			GroupAdmin:    groupAdmin,
		})
	})
}

// GroupDelUser removes a membership. Refused when it would strip the group of
// its last group admin, or of its last member while services still depend on
// the group key.
func (v *Vault) GroupDelUser(ctx context.Context, actorID, groupID, userID string) error {
	return v.store.Tx(ctx, func(ctx context.Context) error {
		if _, err := v.groupAdminRow(ctx, actorID, groupID); err != nil {
			return err
		}
		if actorID == userID {
			return fmt.Errorf("%w: cannot remove yourself from the group", ErrGroupLockout)
		}
		ciphers := v.store.Ciphers(ctx)
		members, err := ciphers.GroupMembers(ctx, groupID)
		if err != nil {
			return err
		}

		var target *UserGroupCipher
		remainingAdmins := 0
		for _, m := range members {
			if m.UserID == userID {
				target = m
				continue
			}
			if m.GroupAdmin {
				remainingAdmins++
			}
		}
		if target == nil {
			return ErrNotFound
		}
		if remainingAdmins == 0 {
			return fmt.Errorf("%w: last group admin", ErrGroupLockout)
		}
		return ciphers.DeleteUserGroup(ctx, userID, groupID)
	})
}

// groupAdminRow authorizes group roster changes: the actor must be a group
// admin member, or a vault administrator who is a member.
func (v *Vault) groupAdminRow(ctx context.Context, actorID, groupID string) (*UserGroupCipher, error) {
	members, err := v.store.Ciphers(ctx).GroupMembers(ctx, groupID)
	if err != nil {
		return nil, err
	}
	actor, err := v.store.Users(ctx).Get(ctx, actorID)
	if err != nil {
		return nil, err
	}
	for _, m := range members {
		if m.UserID != actorID {
			continue
		}
		if m.GroupAdmin || actor.IsAdmin {
			return m, nil
		}
	}
	return nil, ErrPermissionDenied
}
