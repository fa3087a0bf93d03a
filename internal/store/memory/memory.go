// Package memory implements the vault repository in process memory. It backs
// tests and DSN-less runs.
// NOTE: use the pg store for durable deployments.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"credvault.org/internal/vault"
)

type txKey struct{}

// Store keeps every table as a map of values. Entities are copied on the way
// in and out, so a map snapshot is a complete rollback point.
type Store struct {
	mu sync.Mutex

	users     map[string]vault.User
	groups    map[string]vault.Group
	customers map[string]vault.Customer
	machines  map[string]vault.Machine
	services  map[string]vault.Service

	sgCiphers map[string]vault.ServiceGroupCipher // service|group
	uCiphers  map[string]vault.UserCipher         // user|service
	ugCiphers map[string]vault.UserGroupCipher    // user|group
}

var _ vault.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		users:     make(map[string]vault.User),
		groups:    make(map[string]vault.Group),
		customers: make(map[string]vault.Customer),
		machines:  make(map[string]vault.Machine),
		services:  make(map[string]vault.Service),
		sgCiphers: make(map[string]vault.ServiceGroupCipher),
		uCiphers:  make(map[string]vault.UserCipher),
		ugCiphers: make(map[string]vault.UserGroupCipher),
	}
}

// Tx serializes the whole unit under one lock and restores a snapshot on
// error, so partial cascades never leak out.
func (s *Store) Tx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		// Already inside a transaction; join it.
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	if err := fn(context.WithValue(ctx, txKey{}, struct{}{})); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

type snapshot struct {
	users     map[string]vault.User
	groups    map[string]vault.Group
	customers map[string]vault.Customer
	machines  map[string]vault.Machine
	services  map[string]vault.Service
	sgCiphers map[string]vault.ServiceGroupCipher
	uCiphers  map[string]vault.UserCipher
	ugCiphers map[string]vault.UserGroupCipher
}

func (s *Store) snapshot() snapshot {
	return snapshot{
		users:     copyMap(s.users),
		groups:    copyMap(s.groups),
		customers: copyMap(s.customers),
		machines:  copyMap(s.machines),
		services:  copyMap(s.services),
		sgCiphers: copyMap(s.sgCiphers),
		uCiphers:  copyMap(s.uCiphers),
		ugCiphers: copyMap(s.ugCiphers),
	}
}

func (s *Store) restore(snap snapshot) {
	s.users = snap.users
	s.groups = snap.groups
	s.customers = snap.customers
	s.machines = snap.machines
	s.services = snap.services
	s.sgCiphers = snap.sgCiphers
	s.uCiphers = snap.uCiphers
	s.ugCiphers = snap.ugCiphers
}

func copyMap[V any](m map[string]V) map[string]V {
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// lock takes the store lock unless the context already holds it via Tx.
func (s *Store) lock(ctx context.Context) func() {
	if ctx.Value(txKey{}) != nil {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func pairKey(a, b string) string { return a + "|" + b }

func (s *Store) Users(ctx context.Context) vault.UserStore         { return &userStore{s} }
func (s *Store) Groups(ctx context.Context) vault.GroupStore       { return &groupStore{s} }
func (s *Store) Customers(ctx context.Context) vault.CustomerStore { return &customerStore{s} }
func (s *Store) Machines(ctx context.Context) vault.MachineStore   { return &machineStore{s} }
func (s *Store) Services(ctx context.Context) vault.ServiceStore   { return &serviceStore{s} }
func (s *Store) Ciphers(ctx context.Context) vault.CipherStore     { return &cipherStore{s} }

// Search matches the query as a case-insensitive substring over the joined
// customer/machine/service row, mirroring the pg store's text search.
func (s *Store) Search(ctx context.Context, query string) ([]vault.SearchHit, error) {
	defer s.lock(ctx)()
	q := strings.ToLower(query)

	var out []vault.SearchHit
	for _, svc := range s.services {
		m, ok := s.machines[svc.MachineID]
		if !ok {
			continue
		}
		c, ok := s.customers[m.CustomerID]
		if !ok {
			continue
		}
		row := strings.ToLower(strings.Join([]string{
			c.Name, m.Name, m.FQDN, m.IP, m.Location, m.Notes,
			svc.URL, svc.Notes, svc.Metadata,
		}, " "))
		if q != "" && !strings.Contains(row, q) {
			continue
		}
		out = append(out, vault.SearchHit{Customer: c, Machine: m, Service: svc})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service.ID < out[j].Service.ID })
	return out, nil
}

// --- users ---

type userStore struct{ s *Store }

func (st *userStore) Create(ctx context.Context, u *vault.User) error {
	defer st.s.lock(ctx)()
	for _, existing := range st.s.users {
		if existing.Username == u.Username {
			return vault.ErrAlreadyExists
		}
	}
	st.s.users[u.ID] = *u
	return nil
}

func (st *userStore) Get(ctx context.Context, id string) (*vault.User, error) {
	defer st.s.lock(ctx)()
	u, ok := st.s.users[id]
	if !ok {
		return nil, vault.ErrNotFound
	}
	out := u
	return &out, nil
}

func (st *userStore) GetByUsername(ctx context.Context, username string) (*vault.User, error) {
	defer st.s.lock(ctx)()
	for _, u := range st.s.users {
		if u.Username == username {
			out := u
			return &out, nil
		}
	}
	return nil, vault.ErrNotFound
}

func (st *userStore) List(ctx context.Context) ([]*vault.User, error) {
	defer st.s.lock(ctx)()
	out := make([]*vault.User, 0, len(st.s.users))
	for _, u := range st.s.users {
		cp := u
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (st *userStore) Admins(ctx context.Context) ([]*vault.User, error) {
	defer st.s.lock(ctx)()
	var out []*vault.User
	for _, u := range st.s.users {
		if u.IsAdmin {
			cp := u
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (st *userStore) Update(ctx context.Context, u *vault.User) error {
	defer st.s.lock(ctx)()
	if _, ok := st.s.users[u.ID]; !ok {
		return vault.ErrNotFound
	}
	st.s.users[u.ID] = *u
	return nil
}

func (st *userStore) Delete(ctx context.Context, id string) error {
	defer st.s.lock(ctx)()
	if _, ok := st.s.users[id]; !ok {
		return vault.ErrNotFound
	}
	delete(st.s.users, id)
	return nil
}

func (st *userStore) Count(ctx context.Context) (int, error) {
	defer st.s.lock(ctx)()
	return len(st.s.users), nil
}

// --- groups ---

type groupStore struct{ s *Store }

func (st *groupStore) Create(ctx context.Context, g *vault.Group) error {
	defer st.s.lock(ctx)()
	st.s.groups[g.ID] = *g
	return nil
}

func (st *groupStore) Get(ctx context.Context, id string) (*vault.Group, error) {
	defer st.s.lock(ctx)()
	g, ok := st.s.groups[id]
	if !ok {
		return nil, vault.ErrNotFound
	}
	out := g
	return &out, nil
}

func (st *groupStore) List(ctx context.Context) ([]*vault.Group, error) {
	defer st.s.lock(ctx)()
	out := make([]*vault.Group, 0, len(st.s.groups))
	for _, g := range st.s.groups {
		cp := g
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (st *groupStore) Update(ctx context.Context, g *vault.Group) error {
	defer st.s.lock(ctx)()
	if _, ok := st.s.groups[g.ID]; !ok {
		return vault.ErrNotFound
	}
	st.s.groups[g.ID] = *g
	return nil
}

func (st *groupStore) Delete(ctx context.Context, id string) error {
	defer st.s.lock(ctx)()
	if _, ok := st.s.groups[id]; !ok {
		return vault.ErrNotFound
	}
	delete(st.s.groups, id)
	return nil
}

// --- customers ---

type customerStore struct{ s *Store }

func (st *customerStore) Create(ctx context.Context, c *vault.Customer) error {
	defer st.s.lock(ctx)()
	st.s.customers[c.ID] = *c
	return nil
}

func (st *customerStore) Get(ctx context.Context, id string) (*vault.Customer, error) {
	defer st.s.lock(ctx)()
	c, ok := st.s.customers[id]
	if !ok {
		return nil, vault.ErrNotFound
	}
	out := c
	return &out, nil
}

func (st *customerStore) List(ctx context.Context) ([]*vault.Customer, error) {
	defer st.s.lock(ctx)()
	out := make([]*vault.Customer, 0, len(st.s.customers))
	for _, c := range st.s.customers {
		cp := c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (st *customerStore) Update(ctx context.Context, c *vault.Customer) error {
	defer st.s.lock(ctx)()
	if _, ok := st.s.customers[c.ID]; !ok {
		return vault.ErrNotFound
	}
	st.s.customers[c.ID] = *c
	return nil
}

func (st *customerStore) Delete(ctx context.Context, id string) error {
	defer st.s.lock(ctx)()
	if _, ok := st.s.customers[id]; !ok {
		return vault.ErrNotFound
	}
	delete(st.s.customers, id)
	return nil
}

// --- machines ---

type machineStore struct{ s *Store }

func (st *machineStore) Create(ctx context.Context, m *vault.Machine) error {
	defer st.s.lock(ctx)()
	st.s.machines[m.ID] = *m
	return nil
}

func (st *machineStore) Get(ctx context.Context, id string) (*vault.Machine, error) {
	defer st.s.lock(ctx)()
	m, ok := st.s.machines[id]
	if !ok {
		return nil, vault.ErrNotFound
	}
	out := m
	return &out, nil
}

func (st *machineStore) List(ctx context.Context, customerID string) ([]*vault.Machine, error) {
	defer st.s.lock(ctx)()
	var out []*vault.Machine
	for _, m := range st.s.machines {
		if customerID != "" && m.CustomerID != customerID {
			continue
		}
		cp := m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (st *machineStore) Update(ctx context.Context, m *vault.Machine) error {
	defer st.s.lock(ctx)()
	if _, ok := st.s.machines[m.ID]; !ok {
		return vault.ErrNotFound
	}
	st.s.machines[m.ID] = *m
	return nil
}

func (st *machineStore) Delete(ctx context.Context, id string) error {
	defer st.s.lock(ctx)()
	if _, ok := st.s.machines[id]; !ok {
		return vault.ErrNotFound
	}
	delete(st.s.machines, id)
	return nil
}

// --- services ---

type serviceStore struct{ s *Store }

func (st *serviceStore) Create(ctx context.Context, sv *vault.Service) error {
	defer st.s.lock(ctx)()
	st.s.services[sv.ID] = *sv
	return nil
}

func (st *serviceStore) Get(ctx context.Context, id string) (*vault.Service, error) {
	defer st.s.lock(ctx)()
	sv, ok := st.s.services[id]
	if !ok {
		return nil, vault.ErrNotFound
	}
	out := sv
	return &out, nil
}

func (st *serviceStore) Update(ctx context.Context, sv *vault.Service) error {
	defer st.s.lock(ctx)()
	if _, ok := st.s.services[sv.ID]; !ok {
		return vault.ErrNotFound
	}
	st.s.services[sv.ID] = *sv
	return nil
}

func (st *serviceStore) Delete(ctx context.Context, id string) error {
	defer st.s.lock(ctx)()
	if _, ok := st.s.services[id]; !ok {
		return vault.ErrNotFound
	}
	delete(st.s.services, id)
	return nil
}

func (st *serviceStore) ListByMachine(ctx context.Context, machineID string) ([]*vault.Service, error) {
	defer st.s.lock(ctx)()
	var out []*vault.Service
	for _, sv := range st.s.services {
		if sv.MachineID == machineID {
			cp := sv
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (st *serviceStore) Children(ctx context.Context, parentIDs []string) ([]*vault.Service, error) {
	defer st.s.lock(ctx)()
	inSet := make(map[string]struct{}, len(parentIDs))
	for _, id := range parentIDs {
		inSet[id] = struct{}{}
	}
	var out []*vault.Service
	for _, sv := range st.s.services {
		if _, ok := inSet[sv.ParentID]; ok {
			cp := sv
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (st *serviceStore) Lock(ctx context.Context, id string) error {
	// Tx already holds the store lock; nothing finer-grained to take.
	return nil
}

// --- ciphers ---

type cipherStore struct{ s *Store }

func (st *cipherStore) PutServiceGroup(ctx context.Context, c *vault.ServiceGroupCipher) error {
	defer st.s.lock(ctx)()
	st.s.sgCiphers[pairKey(c.ServiceID, c.GroupID)] = *c
	return nil
}

func (st *cipherStore) ServiceGroups(ctx context.Context, serviceID string) ([]*vault.ServiceGroupCipher, error) {
	defer st.s.lock(ctx)()
	var out []*vault.ServiceGroupCipher
	for _, c := range st.s.sgCiphers {
		if c.ServiceID == serviceID {
			cp := c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupID < out[j].GroupID })
	return out, nil
}

func (st *cipherStore) GroupServices(ctx context.Context, groupID string) ([]*vault.ServiceGroupCipher, error) {
	defer st.s.lock(ctx)()
	var out []*vault.ServiceGroupCipher
	for _, c := range st.s.sgCiphers {
		if c.GroupID == groupID {
			cp := c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServiceID < out[j].ServiceID })
	return out, nil
}

func (st *cipherStore) DeleteServiceGroups(ctx context.Context, serviceIDs []string) error {
	defer st.s.lock(ctx)()
	for k, c := range st.s.sgCiphers {
		for _, id := range serviceIDs {
			if c.ServiceID == id {
				delete(st.s.sgCiphers, k)
				break
			}
		}
	}
	return nil
}

func (st *cipherStore) PutUserCipher(ctx context.Context, c *vault.UserCipher) error {
	defer st.s.lock(ctx)()
	st.s.uCiphers[pairKey(c.UserID, c.ServiceID)] = *c
	return nil
}

func (st *cipherStore) UserCipher(ctx context.Context, userID, serviceID string) (*vault.UserCipher, error) {
	defer st.s.lock(ctx)()
	c, ok := st.s.uCiphers[pairKey(userID, serviceID)]
	if !ok {
		return nil, vault.ErrNotFound
	}
	out := c
	return &out, nil
}

func (st *cipherStore) ServiceUserCiphers(ctx context.Context, serviceID string) ([]*vault.UserCipher, error) {
	defer st.s.lock(ctx)()
	var out []*vault.UserCipher
	for _, c := range st.s.uCiphers {
		if c.ServiceID == serviceID {
			cp := c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (st *cipherStore) DeleteUserCipher(ctx context.Context, userID, serviceID string) error {
	defer st.s.lock(ctx)()
	k := pairKey(userID, serviceID)
	if _, ok := st.s.uCiphers[k]; !ok {
		return vault.ErrNotFound
	}
	delete(st.s.uCiphers, k)
	return nil
}

func (st *cipherStore) DeleteUserCiphers(ctx context.Context, serviceIDs []string) error {
	defer st.s.lock(ctx)()
	for k, c := range st.s.uCiphers {
		for _, id := range serviceIDs {
			if c.ServiceID == id {
				delete(st.s.uCiphers, k)
				break
			}
		}
	}
	return nil
}

func (st *cipherStore) DeleteUserCiphersByUser(ctx context.Context, userID string) error {
	defer st.s.lock(ctx)()
	for k, c := range st.s.uCiphers {
		if c.UserID == userID {
			delete(st.s.uCiphers, k)
		}
	}
	return nil
}

func (st *cipherStore) PutUserGroup(ctx context.Context, c *vault.UserGroupCipher) error {
	defer st.s.lock(ctx)()
	st.s.ugCiphers[pairKey(c.UserID, c.GroupID)] = *c
	return nil
}

func (st *cipherStore) GroupMembers(ctx context.Context, groupID string) ([]*vault.UserGroupCipher, error) {
	defer st.s.lock(ctx)()
	var out []*vault.UserGroupCipher
	for _, c := range st.s.ugCiphers {
		if c.GroupID == groupID {
			cp := c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (st *cipherStore) UserGroups(ctx context.Context, userID string) ([]*vault.UserGroupCipher, error) {
	defer st.s.lock(ctx)()
	var out []*vault.UserGroupCipher
	for _, c := range st.s.ugCiphers {
		if c.UserID == userID {
			cp := c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupID < out[j].GroupID })
	return out, nil
}

func (st *cipherStore) DeleteUserGroup(ctx context.Context, userID, groupID string) error {
	defer st.s.lock(ctx)()
	delete(st.s.ugCiphers, pairKey(userID, groupID))
	return nil
}

func (st *cipherStore) DeleteUserGroupsByUser(ctx context.Context, userID string) error {
	defer st.s.lock(ctx)()
	for k, c := range st.s.ugCiphers {
		if c.UserID == userID {
			delete(st.s.ugCiphers, k)
		}
	}
	return nil
}
