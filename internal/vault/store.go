package vault

import "context"

// Store describes the transactional repository the core runs against. Every
// mutating operation executes inside Tx; implementations guarantee atomicity
// and isolation for that unit. No entity is cached across requests.
type Store interface {
	// Tx runs fn inside one transaction. Entity stores obtained from the
	// context passed to fn operate on that transaction; a returned error
	// rolls everything back.
	Tx(ctx context.Context, fn func(ctx context.Context) error) error

	Users(ctx context.Context) UserStore
	Groups(ctx context.Context) GroupStore
	Customers(ctx context.Context) CustomerStore
	Machines(ctx context.Context) MachineStore
	Services(ctx context.Context) ServiceStore
	Ciphers(ctx context.Context) CipherStore

	// Search performs free-text matching over customers, machines and
	// services, returning denormalized rows.
	Search(ctx context.Context, query string) ([]SearchHit, error)
}

// UserStore manages users. Usernames are unique.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Get(ctx context.Context, id string) (*User, error)
	GetByUsername(ctx context.Context, username string) (*User, error)
	List(ctx context.Context) ([]*User, error)
	Admins(ctx context.Context) ([]*User, error)
	Update(ctx context.Context, u *User) error
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context) (int, error)
}

// GroupStore manages groups; one keypair per group.
type GroupStore interface {
	Create(ctx context.Context, g *Group) error
	Get(ctx context.Context, id string) (*Group, error)
	List(ctx context.Context) ([]*Group, error)
	Update(ctx context.Context, g *Group) error
	Delete(ctx context.Context, id string) error
}

// CustomerStore manages customers.
type CustomerStore interface {
	Create(ctx context.Context, c *Customer) error
	Get(ctx context.Context, id string) (*Customer, error)
	List(ctx context.Context) ([]*Customer, error)
	Update(ctx context.Context, c *Customer) error
	Delete(ctx context.Context, id string) error
}

// MachineStore manages machines.
type MachineStore interface {
	Create(ctx context.Context, m *Machine) error
	Get(ctx context.Context, id string) (*Machine, error)
	List(ctx context.Context, customerID string) ([]*Machine, error)
	Update(ctx context.Context, m *Machine) error
	Delete(ctx context.Context, id string) error
}

// ServiceStore manages services and the parent-service relation.
type ServiceStore interface {
	Create(ctx context.Context, s *Service) error
	Get(ctx context.Context, id string) (*Service, error)
	Update(ctx context.Context, s *Service) error
	Delete(ctx context.Context, id string) error
	ListByMachine(ctx context.Context, machineID string) ([]*Service, error)

	// Children returns services whose parent is any of the given ids.
	Children(ctx context.Context, parentIDs []string) ([]*Service, error)

	// Lock serializes concurrent secret rotation on one service. Row-level
	// locking in SQL stores; a no-op where Tx is already exclusive.
	Lock(ctx context.Context, id string) error
}

// CipherStore manages the three cipher-row tables. Uniqueness: one row per
// (service, group), per (service, user) and per (user, group).
type CipherStore interface {
	PutServiceGroup(ctx context.Context, c *ServiceGroupCipher) error
	ServiceGroups(ctx context.Context, serviceID string) ([]*ServiceGroupCipher, error)
	GroupServices(ctx context.Context, groupID string) ([]*ServiceGroupCipher, error)
	DeleteServiceGroups(ctx context.Context, serviceIDs []string) error

	PutUserCipher(ctx context.Context, c *UserCipher) error
	UserCipher(ctx context.Context, userID, serviceID string) (*UserCipher, error)
	ServiceUserCiphers(ctx context.Context, serviceID string) ([]*UserCipher, error)
	DeleteUserCipher(ctx context.Context, userID, serviceID string) error
	DeleteUserCiphers(ctx context.Context, serviceIDs []string) error
	DeleteUserCiphersByUser(ctx context.Context, userID string) error

	PutUserGroup(ctx context.Context, c *UserGroupCipher) error
	GroupMembers(ctx context.Context, groupID string) ([]*UserGroupCipher, error)
	UserGroups(ctx context.Context, userID string) ([]*UserGroupCipher, error)
	DeleteUserGroup(ctx context.Context, userID, groupID string) error
	DeleteUserGroupsByUser(ctx context.Context, userID string) error
}
