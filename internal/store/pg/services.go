package pg

import (
	"context"
	"fmt"
	"strings"

	"credvault.org/internal/vault"
)

// --- services ---

type serviceStore struct{ s *Store }

const serviceColumns = `id, machine_id, parent_id, url, secret, notes, metadata, secret_modified_at, created_at`

func scanService(row interface{ Scan(...any) error }) (*vault.Service, error) {
	var sv vault.Service
	err := row.Scan(&sv.ID, &sv.MachineID, &sv.ParentID, &sv.URL, &sv.Secret, &sv.Notes, &sv.Metadata, &sv.SecretModifiedAt, &sv.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &sv, nil
}

func (st *serviceStore) Create(ctx context.Context, sv *vault.Service) error {
	_, err := st.s.q(ctx).ExecContext(ctx, `
		insert into services (id, machine_id, parent_id, url, secret, notes, metadata, secret_modified_at, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, sv.ID, sv.MachineID, sv.ParentID, sv.URL, sv.Secret, sv.Notes, sv.Metadata, sv.SecretModifiedAt, sv.CreatedAt)
	return mapErr(err)
}

func (st *serviceStore) Get(ctx context.Context, id string) (*vault.Service, error) {
	return scanService(st.s.q(ctx).QueryRowContext(ctx, `select `+serviceColumns+` from services where id = $1`, id))
}

func (st *serviceStore) Update(ctx context.Context, sv *vault.Service) error {
	res, err := st.s.q(ctx).ExecContext(ctx, `
		update services
		set machine_id = $2, parent_id = $3, url = $4, secret = $5, notes = $6, metadata = $7, secret_modified_at = $8
		where id = $1
	`, sv.ID, sv.MachineID, sv.ParentID, sv.URL, sv.Secret, sv.Notes, sv.Metadata, sv.SecretModifiedAt)
	if err != nil {
		return mapErr(err)
	}
	return requireRow(res)
}

func (st *serviceStore) Delete(ctx context.Context, id string) error {
	res, err := st.s.q(ctx).ExecContext(ctx, `delete from services where id = $1`, id)
	if err != nil {
		return mapErr(err)
	}
	return requireRow(res)
}

func (st *serviceStore) list(ctx context.Context, query string, args ...any) ([]*vault.Service, error) {
	rows, err := st.s.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*vault.Service
	for rows.Next() {
		sv, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sv)
	}
	return out, rows.Err()
}

func (st *serviceStore) ListByMachine(ctx context.Context, machineID string) ([]*vault.Service, error) {
	return st.list(ctx, `select `+serviceColumns+` from services where machine_id = $1 order by id`, machineID)
}

func (st *serviceStore) Children(ctx context.Context, parentIDs []string) ([]*vault.Service, error) {
	if len(parentIDs) == 0 {
		return nil, nil
	}
	clause, args := inClause(parentIDs)
	return st.list(ctx, `
		select `+serviceColumns+` from services
		where parent_id in (`+clause+`)
		order by id
	`, args...)
}

// inClause expands ids into "$1, $2, ..." plus the matching args.
func inClause(ids []string) (string, []any) {
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	return strings.Join(placeholders, ", "), args
}

func (st *serviceStore) Lock(ctx context.Context, id string) error {
	var one int
	err := st.s.q(ctx).QueryRowContext(ctx, `select 1 from services where id = $1 for update`, id).Scan(&one)
	return mapErr(err)
}

// --- ciphers ---

type cipherStore struct{ s *Store }

func (st *cipherStore) PutServiceGroup(ctx context.Context, c *vault.ServiceGroupCipher) error {
	_, err := st.s.q(ctx).ExecContext(ctx, `
		insert into service_group_ciphers (service_id, group_id, crypt_sym_key)
		values ($1, $2, $3)
		on conflict (service_id, group_id) do update set crypt_sym_key = excluded.crypt_sym_key
	`, c.ServiceID, c.GroupID, c.CryptSymKey)
	return mapErr(err)
}

func (st *cipherStore) ServiceGroups(ctx context.Context, serviceID string) ([]*vault.ServiceGroupCipher, error) {
	rows, err := st.s.q(ctx).QueryContext(ctx, `
		select service_id, group_id, crypt_sym_key from service_group_ciphers
		where service_id = $1 order by group_id
	`, serviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*vault.ServiceGroupCipher
	for rows.Next() {
		var c vault.ServiceGroupCipher
		if err := rows.Scan(&c.ServiceID, &c.GroupID, &c.CryptSymKey); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (st *cipherStore) GroupServices(ctx context.Context, groupID string) ([]*vault.ServiceGroupCipher, error) {
	rows, err := st.s.q(ctx).QueryContext(ctx, `
		select service_id, group_id, crypt_sym_key from service_group_ciphers
		where group_id = $1 order by service_id
	`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*vault.ServiceGroupCipher
	for rows.Next() {
		var c vault.ServiceGroupCipher
		if err := rows.Scan(&c.ServiceID, &c.GroupID, &c.CryptSymKey); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (st *cipherStore) DeleteServiceGroups(ctx context.Context, serviceIDs []string) error {
	if len(serviceIDs) == 0 {
		return nil
	}
	clause, args := inClause(serviceIDs)
	_, err := st.s.q(ctx).ExecContext(ctx, `
		delete from service_group_ciphers where service_id in (`+clause+`)
	`, args...)
	return mapErr(err)
}

func (st *cipherStore) PutUserCipher(ctx context.Context, c *vault.UserCipher) error {
	_, err := st.s.q(ctx).ExecContext(ctx, `
		insert into user_ciphers (user_id, service_id, crypt_sym_key)
		values ($1, $2, $3)
		on conflict (user_id, service_id) do update set crypt_sym_key = excluded.crypt_sym_key
	`, c.UserID, c.ServiceID, c.CryptSymKey)
	return mapErr(err)
}

func (st *cipherStore) UserCipher(ctx context.Context, userID, serviceID string) (*vault.UserCipher, error) {
	var c vault.UserCipher
	err := st.s.q(ctx).QueryRowContext(ctx, `
		select user_id, service_id, crypt_sym_key from user_ciphers
		where user_id = $1 and service_id = $2
	`, userID, serviceID).Scan(&c.UserID, &c.ServiceID, &c.CryptSymKey)
	if err != nil {
		return nil, mapErr(err)
	}
	return &c, nil
}

func (st *cipherStore) ServiceUserCiphers(ctx context.Context, serviceID string) ([]*vault.UserCipher, error) {
	rows, err := st.s.q(ctx).QueryContext(ctx, `
		select user_id, service_id, crypt_sym_key from user_ciphers
		where service_id = $1 order by user_id
	`, serviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*vault.UserCipher
	for rows.Next() {
		var c vault.UserCipher
		if err := rows.Scan(&c.UserID, &c.ServiceID, &c.CryptSymKey); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (st *cipherStore) DeleteUserCipher(ctx context.Context, userID, serviceID string) error {
	res, err := st.s.q(ctx).ExecContext(ctx, `
		delete from user_ciphers where user_id = $1 and service_id = $2
	`, userID, serviceID)
	if err != nil {
		return mapErr(err)
	}
	return requireRow(res)
}

func (st *cipherStore) DeleteUserCiphers(ctx context.Context, serviceIDs []string) error {
	if len(serviceIDs) == 0 {
		return nil
	}
	clause, args := inClause(serviceIDs)
	_, err := st.s.q(ctx).ExecContext(ctx, `
		delete from user_ciphers where service_id in (`+clause+`)
	`, args...)
	return mapErr(err)
}

func (st *cipherStore) DeleteUserCiphersByUser(ctx context.Context, userID string) error {
	_, err := st.s.q(ctx).ExecContext(ctx, `delete from user_ciphers where user_id = $1`, userID)
	return mapErr(err)
}

func (st *cipherStore) PutUserGroup(ctx context.Context, c *vault.UserGroupCipher) error {
	_, err := st.s.q(ctx).ExecContext(ctx, `
		insert into user_group_ciphers (user_id, group_id, crypt_group_key, group_admin)
		values ($1, $2, $3, $4)
		on conflict (user_id, group_id) do update
		set crypt_group_key = excluded.crypt_group_key, group_admin = excluded.group_admin
	`, c.UserID, c.GroupID, c.CryptGroupKey, c.GroupAdmin)
	return mapErr(err)
}

func (st *cipherStore) GroupMembers(ctx context.Context, groupID string) ([]*vault.UserGroupCipher, error) {
	rows, err := st.s.q(ctx).QueryContext(ctx, `
		select user_id, group_id, crypt_group_key, group_admin from user_group_ciphers
		where group_id = $1 order by user_id
	`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*vault.UserGroupCipher
	for rows.Next() {
		var c vault.UserGroupCipher
		if err := rows.Scan(&c.UserID, &c.GroupID, &c.CryptGroupKey, &c.GroupAdmin); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (st *cipherStore) UserGroups(ctx context.Context, userID string) ([]*vault.UserGroupCipher, error) {
	rows, err := st.s.q(ctx).QueryContext(ctx, `
		select user_id, group_id, crypt_group_key, group_admin from user_group_ciphers
		where user_id = $1 order by group_id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*vault.UserGroupCipher
	for rows.Next() {
		var c vault.UserGroupCipher
		if err := rows.Scan(&c.UserID, &c.GroupID, &c.CryptGroupKey, &c.GroupAdmin); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (st *cipherStore) DeleteUserGroup(ctx context.Context, userID, groupID string) error {
	_, err := st.s.q(ctx).ExecContext(ctx, `
		delete from user_group_ciphers where user_id = $1 and group_id = $2
	`, userID, groupID)
	return mapErr(err)
}

func (st *cipherStore) DeleteUserGroupsByUser(ctx context.Context, userID string) error {
	_, err := st.s.q(ctx).ExecContext(ctx, `delete from user_group_ciphers where user_id = $1`, userID)
	return mapErr(err)
}

// --- search ---

// Search matches the query case-insensitively against the denormalized
// customer/machine/service row.
func (s *Store) Search(ctx context.Context, query string) ([]vault.SearchHit, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		select
			c.id, c.name, c.created_by, c.created_at,
			m.id, m.customer_id, m.name, m.fqdn, m.ip, m.location, m.notes, m.created_at,
			s.id, s.machine_id, s.parent_id, s.url, s.notes, s.metadata, s.secret_modified_at, s.created_at
		from services s
		join machines m on m.id = s.machine_id
		join customers c on c.id = m.customer_id
		where $1 = '' or concat_ws(' ',
			c.name, m.name, m.fqdn, m.ip, m.location, m.notes,
			s.url, s.notes, s.metadata) ilike '%' || $1 || '%'
		order by s.id
	`, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []vault.SearchHit
	for rows.Next() {
		var h vault.SearchHit
		err := rows.Scan(
			&h.Customer.ID, &h.Customer.Name, &h.Customer.CreatedBy, &h.Customer.CreatedAt,
			&h.Machine.ID, &h.Machine.CustomerID, &h.Machine.Name, &h.Machine.FQDN, &h.Machine.IP,
			&h.Machine.Location, &h.Machine.Notes, &h.Machine.CreatedAt,
			&h.Service.ID, &h.Service.MachineID, &h.Service.ParentID, &h.Service.URL,
			&h.Service.Notes, &h.Service.Metadata, &h.Service.SecretModifiedAt, &h.Service.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
