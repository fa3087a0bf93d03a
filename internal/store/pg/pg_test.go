package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"credvault.org/internal/vault"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewWithDB(db), mock
}

func TestUserRoundTrip(t *testing.T) {
	store, mock := newMock(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec("insert into users").
		WithArgs("u1", "alice", false, "", sqlmock.AnyArg(), "", sqlmock.AnyArg(), now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	err := store.Users(ctx).Create(ctx, &vault.User{ID: "u1", Username: "alice", CreatedAt: now})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	cols := []string{"id", "username", "is_admin", "public_key", "setup_expiry", "challenge_token", "challenge_expiry", "created_at"}
	mock.ExpectQuery("select .* from users where id =").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("u1", "alice", false, "pk", nil, "", nil, now))
	u, err := store.Users(ctx).Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if u.Username != "alice" || !u.SetupExpiry.IsZero() {
		t.Fatalf("scanned user: %+v", u)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestNotFoundMapping(t *testing.T) {
	store, mock := newMock(t)
	ctx := context.Background()

	cols := []string{"id", "username", "is_admin", "public_key", "setup_expiry", "challenge_token", "challenge_expiry", "created_at"}
	mock.ExpectQuery("select .* from users where username =").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows(cols))
	if _, err := store.Users(ctx).GetByUsername(ctx, "ghost"); !errors.Is(err, vault.ErrNotFound) {
		t.Fatalf("missing user: got %v, want ErrNotFound", err)
	}

	mock.ExpectExec("delete from customers").
		WithArgs("nope").
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := store.Customers(ctx).Delete(ctx, "nope"); !errors.Is(err, vault.ErrNotFound) {
		t.Fatalf("zero-row delete: got %v, want ErrNotFound", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestTxCommitAndRollback(t *testing.T) {
	store, mock := newMock(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("delete from user_group_ciphers").
		WithArgs("u1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	err := store.Tx(ctx, func(ctx context.Context) error {
		return store.Ciphers(ctx).DeleteUserGroupsByUser(ctx, "u1")
	})
	if err != nil {
		t.Fatalf("Tx: %v", err)
	}

	boom := errors.New("boom")
	mock.ExpectBegin()
	mock.ExpectRollback()
	err = store.Tx(ctx, func(ctx context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("Tx error: got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestNestedTxJoins(t *testing.T) {
	store, mock := newMock(t)
	ctx := context.Background()

	// One begin, one commit, despite the nested call.
	mock.ExpectBegin()
	mock.ExpectExec("delete from user_ciphers where user_id").
		WithArgs("u1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.Tx(ctx, func(ctx context.Context) error {
		return store.Tx(ctx, func(ctx context.Context) error {
			return store.Ciphers(ctx).DeleteUserCiphersByUser(ctx, "u1")
		})
	})
	if err != nil {
		t.Fatalf("Tx: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestServiceLockForUpdate(t *testing.T) {
	store, mock := newMock(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery("select 1 from services where id = (.+) for update").
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectCommit()

	err := store.Tx(ctx, func(ctx context.Context) error {
		return store.Services(ctx).Lock(ctx, "s1")
	})
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}

	mock.ExpectBegin()
	mock.ExpectQuery("select 1 from services where id = (.+) for update").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}))
	mock.ExpectRollback()

	err = store.Tx(ctx, func(ctx context.Context) error {
		return store.Services(ctx).Lock(ctx, "missing")
	})
	if !errors.Is(err, vault.ErrNotFound) {
		t.Fatalf("lock missing: got %v, want ErrNotFound", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestChildrenInClause(t *testing.T) {
	store, mock := newMock(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	cols := []string{"id", "machine_id", "parent_id", "url", "secret", "notes", "metadata", "secret_modified_at", "created_at"}
	mock.ExpectQuery("select .* from services\\s+where parent_id in").
		WithArgs("a", "b").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("c", "m1", "a", "ssh://c", "blob", "", "", now, now))

	kids, err := store.Services(ctx).Children(ctx, []string{"a", "b"})
	if err != nil {
		t.Fatalf("Children: %v", err)
	}
	if len(kids) != 1 || kids[0].ParentID != "a" {
		t.Fatalf("children: %+v", kids)
	}

	// Empty set short-circuits without touching the database.
	kids, err = store.Services(ctx).Children(ctx, nil)
	if err != nil || kids != nil {
		t.Fatalf("empty set: %v, %v", kids, err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSearchQuery(t *testing.T) {
	store, mock := newMock(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	cols := []string{
		"c_id", "c_name", "c_created_by", "c_created_at",
		"m_id", "m_customer_id", "m_name", "m_fqdn", "m_ip", "m_location", "m_notes", "m_created_at",
		"s_id", "s_machine_id", "s_parent_id", "s_url", "s_notes", "s_metadata", "s_secret_modified_at", "s_created_at",
	}
	mock.ExpectQuery("from services s\\s+join machines m").
		WithArgs("postgres").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"c1", "Initech", "u1", now,
			"m1", "c1", "db1", "db1.example", "10.0.0.1", "", "", now,
			"s1", "m1", "", "ssh://db1/postgres", "", "", now, now,
		))

	hits, err := store.Search(ctx, "postgres")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].Service.URL != "ssh://db1/postgres" || hits[0].Customer.Name != "Initech" {
		t.Fatalf("hits: %+v", hits)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDeleteUserCipherRequiresRow(t *testing.T) {
	store, mock := newMock(t)
	ctx := context.Background()

	mock.ExpectExec("delete from user_ciphers where user_id = (.+) and service_id").
		WithArgs("u1", "s1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := store.Ciphers(ctx).DeleteUserCipher(ctx, "u1", "s1"); err != nil {
		t.Fatalf("DeleteUserCipher: %v", err)
	}

	mock.ExpectExec("delete from user_ciphers where user_id = (.+) and service_id").
		WithArgs("u1", "s1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := store.Ciphers(ctx).DeleteUserCipher(ctx, "u1", "s1")
	if !errors.Is(err, vault.ErrNotFound) {
		t.Fatalf("missing row: got %v, want not found", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
