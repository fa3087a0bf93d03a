// Package pg implements the vault repository on PostgreSQL.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"credvault.org/internal/vault"
)

const pgErrUniqueViolation = "23505"

type Store struct {
	db *sql.DB
}

var _ vault.Store = (*Store)(nil)

// Open connects with pool settings sized for the API's request fan-in.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection; used by tests.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Ping checks connectivity, for readiness probes.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

type txKey struct{}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

// Tx runs fn in one database transaction. Nested calls join the outer
// transaction.
func (s *Store) Tx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) Users(ctx context.Context) vault.UserStore         { return &userStore{s} }
func (s *Store) Groups(ctx context.Context) vault.GroupStore       { return &groupStore{s} }
func (s *Store) Customers(ctx context.Context) vault.CustomerStore { return &customerStore{s} }
func (s *Store) Machines(ctx context.Context) vault.MachineStore   { return &machineStore{s} }
func (s *Store) Services(ctx context.Context) vault.ServiceStore   { return &serviceStore{s} }
func (s *Store) Ciphers(ctx context.Context) vault.CipherStore     { return &cipherStore{s} }

func mapErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return vault.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgErrUniqueViolation {
		return vault.ErrAlreadyExists
	}
	return err
}

// nullTime maps zero times to NULL and back.
func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func fromNullTime(nt sql.NullTime) time.Time {
	if !nt.Valid {
		return time.Time{}
	}
	return nt.Time
}

// --- users ---

type userStore struct{ s *Store }

const userColumns = `id, username, is_admin, public_key, setup_expiry, challenge_token, challenge_expiry, created_at`

func scanUser(row interface{ Scan(...any) error }) (*vault.User, error) {
	var u vault.User
	var setupExp, challengeExp sql.NullTime
	err := row.Scan(&u.ID, &u.Username, &u.IsAdmin, &u.PublicKey, &setupExp, &u.ChallengeToken, &challengeExp, &u.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	u.SetupExpiry = fromNullTime(setupExp)
	u.ChallengeExpiry = fromNullTime(challengeExp)
	return &u, nil
}

func (st *userStore) Create(ctx context.Context, u *vault.User) error {
	_, err := st.s.q(ctx).ExecContext(ctx, `
		insert into users (id, username, is_admin, public_key, setup_expiry, challenge_token, challenge_expiry, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, u.ID, u.Username, u.IsAdmin, u.PublicKey, nullTime(u.SetupExpiry), u.ChallengeToken, nullTime(u.ChallengeExpiry), u.CreatedAt)
	return mapErr(err)
}

func (st *userStore) Get(ctx context.Context, id string) (*vault.User, error) {
	return scanUser(st.s.q(ctx).QueryRowContext(ctx, `select `+userColumns+` from users where id = $1`, id))
}

func (st *userStore) GetByUsername(ctx context.Context, username string) (*vault.User, error) {
	return scanUser(st.s.q(ctx).QueryRowContext(ctx, `select `+userColumns+` from users where username = $1`, username))
}

func (st *userStore) list(ctx context.Context, query string, args ...any) ([]*vault.User, error) {
	rows, err := st.s.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*vault.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (st *userStore) List(ctx context.Context) ([]*vault.User, error) {
	return st.list(ctx, `select `+userColumns+` from users order by id`)
}

func (st *userStore) Admins(ctx context.Context) ([]*vault.User, error) {
	return st.list(ctx, `select `+userColumns+` from users where is_admin order by id`)
}

func (st *userStore) Update(ctx context.Context, u *vault.User) error {
	res, err := st.s.q(ctx).ExecContext(ctx, `
		update users
		set username = $2, is_admin = $3, public_key = $4, setup_expiry = $5, challenge_token = $6, challenge_expiry = $7
		where id = $1
	`, u.ID, u.Username, u.IsAdmin, u.PublicKey, nullTime(u.SetupExpiry), u.ChallengeToken, nullTime(u.ChallengeExpiry))
	if err != nil {
		return mapErr(err)
	}
	return requireRow(res)
}

func (st *userStore) Delete(ctx context.Context, id string) error {
	res, err := st.s.q(ctx).ExecContext(ctx, `delete from users where id = $1`, id)
	if err != nil {
		return mapErr(err)
	}
	return requireRow(res)
}

func (st *userStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := st.s.q(ctx).QueryRowContext(ctx, `select count(*) from users`).Scan(&n); err != nil {
		return 0, mapErr(err)
	}
	return n, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return vault.ErrNotFound
	}
	return nil
}

// --- groups ---

type groupStore struct{ s *Store }

func (st *groupStore) Create(ctx context.Context, g *vault.Group) error {
	_, err := st.s.q(ctx).ExecContext(ctx, `
		insert into groups (id, name, hidden, public_key, created_at)
		values ($1, $2, $3, $4, $5)
	`, g.ID, g.Name, g.Hidden, g.PublicKey, g.CreatedAt)
	return mapErr(err)
}

func (st *groupStore) Get(ctx context.Context, id string) (*vault.Group, error) {
	var g vault.Group
	err := st.s.q(ctx).QueryRowContext(ctx, `
		select id, name, hidden, public_key, created_at from groups where id = $1
	`, id).Scan(&g.ID, &g.Name, &g.Hidden, &g.PublicKey, &g.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &g, nil
}

func (st *groupStore) List(ctx context.Context) ([]*vault.Group, error) {
	rows, err := st.s.q(ctx).QueryContext(ctx, `
		select id, name, hidden, public_key, created_at from groups order by name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*vault.Group
	for rows.Next() {
		var g vault.Group
		if err := rows.Scan(&g.ID, &g.Name, &g.Hidden, &g.PublicKey, &g.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &g)
	}
	return out, rows.Err()
}

func (st *groupStore) Update(ctx context.Context, g *vault.Group) error {
	res, err := st.s.q(ctx).ExecContext(ctx, `
		update groups set name = $2, hidden = $3, public_key = $4 where id = $1
	`, g.ID, g.Name, g.Hidden, g.PublicKey)
	if err != nil {
		return mapErr(err)
	}
	return requireRow(res)
}

func (st *groupStore) Delete(ctx context.Context, id string) error {
	res, err := st.s.q(ctx).ExecContext(ctx, `delete from groups where id = $1`, id)
	if err != nil {
		return mapErr(err)
	}
	return requireRow(res)
}

// --- customers ---

type customerStore struct{ s *Store }

func (st *customerStore) Create(ctx context.Context, c *vault.Customer) error {
	_, err := st.s.q(ctx).ExecContext(ctx, `
		insert into customers (id, name, created_by, created_at)
		values ($1, $2, $3, $4)
	`, c.ID, c.Name, c.CreatedBy, c.CreatedAt)
	return mapErr(err)
}

func (st *customerStore) Get(ctx context.Context, id string) (*vault.Customer, error) {
	var c vault.Customer
	err := st.s.q(ctx).QueryRowContext(ctx, `
		select id, name, created_by, created_at from customers where id = $1
	`, id).Scan(&c.ID, &c.Name, &c.CreatedBy, &c.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &c, nil
}

func (st *customerStore) List(ctx context.Context) ([]*vault.Customer, error) {
	rows, err := st.s.q(ctx).QueryContext(ctx, `
		select id, name, created_by, created_at from customers order by id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*vault.Customer
	for rows.Next() {
		var c vault.Customer
		if err := rows.Scan(&c.ID, &c.Name, &c.CreatedBy, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (st *customerStore) Update(ctx context.Context, c *vault.Customer) error {
	res, err := st.s.q(ctx).ExecContext(ctx, `update customers set name = $2 where id = $1`, c.ID, c.Name)
	if err != nil {
		return mapErr(err)
	}
	return requireRow(res)
}

func (st *customerStore) Delete(ctx context.Context, id string) error {
	res, err := st.s.q(ctx).ExecContext(ctx, `delete from customers where id = $1`, id)
	if err != nil {
		return mapErr(err)
	}
	return requireRow(res)
}

// --- machines ---

type machineStore struct{ s *Store }

const machineColumns = `id, customer_id, name, fqdn, ip, location, notes, created_at`

func (st *machineStore) Create(ctx context.Context, m *vault.Machine) error {
	_, err := st.s.q(ctx).ExecContext(ctx, `
		insert into machines (id, customer_id, name, fqdn, ip, location, notes, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, m.ID, m.CustomerID, m.Name, m.FQDN, m.IP, m.Location, m.Notes, m.CreatedAt)
	return mapErr(err)
}

func (st *machineStore) Get(ctx context.Context, id string) (*vault.Machine, error) {
	var m vault.Machine
	err := st.s.q(ctx).QueryRowContext(ctx, `
		select `+machineColumns+` from machines where id = $1
	`, id).Scan(&m.ID, &m.CustomerID, &m.Name, &m.FQDN, &m.IP, &m.Location, &m.Notes, &m.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &m, nil
}

func (st *machineStore) List(ctx context.Context, customerID string) ([]*vault.Machine, error) {
	query := `select ` + machineColumns + ` from machines order by id`
	args := []any{}
	if customerID != "" {
		query = `select ` + machineColumns + ` from machines where customer_id = $1 order by id`
		args = append(args, customerID)
	}
	rows, err := st.s.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*vault.Machine
	for rows.Next() {
		var m vault.Machine
		if err := rows.Scan(&m.ID, &m.CustomerID, &m.Name, &m.FQDN, &m.IP, &m.Location, &m.Notes, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (st *machineStore) Update(ctx context.Context, m *vault.Machine) error {
	res, err := st.s.q(ctx).ExecContext(ctx, `
		update machines
		set customer_id = $2, name = $3, fqdn = $4, ip = $5, location = $6, notes = $7
		where id = $1
	`, m.ID, m.CustomerID, m.Name, m.FQDN, m.IP, m.Location, m.Notes)
	if err != nil {
		return mapErr(err)
	}
	return requireRow(res)
}

func (st *machineStore) Delete(ctx context.Context, id string) error {
	res, err := st.s.q(ctx).ExecContext(ctx, `delete from machines where id = $1`, id)
	if err != nil {
		return mapErr(err)
	}
	return requireRow(res)
}
