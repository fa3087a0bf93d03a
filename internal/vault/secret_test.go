package vault_test

import (
	"errors"
	"testing"

	"credvault.org/internal/keyring"
	"credvault.org/internal/vault"
)

func TestAddServiceFanOut(t *testing.T) {
	e := newEnv(t)
	alice, alicePriv := e.addUser("alice", false)
	bob, bobPriv := e.addUser("bob", false)
	root, rootPriv := e.addUser("root", true)
	pending, err := e.vault.AddUser(e.ctx, "pending", false)
	if err != nil {
		t.Fatalf("AddUser(pending): %v", err)
	}
	_, machine := e.addSite(alice.ID)

	g, err := e.vault.AddGroup(e.ctx, alice.ID, "ops", false)
	if err != nil {
		t.Fatalf("AddGroup: %v", err)
	}
	e.admit(alice.ID, alicePriv, g.ID, bob.ID, false)

	grant, err := e.vault.AddService(e.ctx, alice.ID, vault.AddServiceInput{
		MachineID: machine.ID,
		URL:       "ssh://db1/postgres",
		GroupIDs:  []string{g.ID},
		Secret:    "pg-password",
	})
	if err != nil {
		t.Fatalf("AddService: %v", err)
	}

	// Group members plus administrators plus the actor, deduplicated. The
	// admin is entitled without being a member; the pending user holds no
	// public key and is skipped, never granted.
	wantFor := []string{"alice", "bob", "root"}
	if len(grant.EncryptedFor) != len(wantFor) {
		t.Fatalf("EncryptedFor = %v, want %v", grant.EncryptedFor, wantFor)
	}
	for i, name := range wantFor {
		if grant.EncryptedFor[i] != name {
			t.Fatalf("EncryptedFor = %v, want %v", grant.EncryptedFor, wantFor)
		}
	}
	if len(grant.Skipped) != 1 || grant.Skipped[0] != "pending" {
		t.Fatalf("Skipped = %v, want [pending]", grant.Skipped)
	}
	// One group row plus one user row per recipient.
	if grant.CipherRows != 4 {
		t.Fatalf("CipherRows = %d, want 4", grant.CipherRows)
	}
	if _, err := e.store.Ciphers(e.ctx).UserCipher(e.ctx, pending.ID, grant.ServiceID); !errors.Is(err, vault.ErrNotFound) {
		t.Fatalf("pending user got a cipher row: %v", err)
	}

	// Every entitled user decrypts to the same plaintext through its own row.
	for _, tc := range []struct {
		id   string
		priv *keyring.PrivateKey
	}{
		{alice.ID, alicePriv},
		{bob.ID, bobPriv},
		{root.ID, rootPriv},
	} {
		view, err := e.vault.GetService(e.ctx, tc.id, grant.ServiceID)
		if err != nil {
			t.Fatalf("GetService(%s): %v", tc.id, err)
		}
		if got := openSecret(t, tc.priv, view); got != "pg-password" {
			t.Fatalf("user %s decrypted %q", tc.id, got)
		}
	}
}

func TestChangeServiceSecretRotatesEverything(t *testing.T) {
	e := newEnv(t)
	alice, alicePriv := e.addUser("alice", false)
	_, machine := e.addSite(alice.ID)
	g, grant := e.addServiceFor(alice.ID, machine.ID, "ssh://db1/postgres", "old-password")

	before, err := e.vault.GetService(e.ctx, alice.ID, grant.ServiceID)
	if err != nil {
		t.Fatalf("GetService before rotation: %v", err)
	}

	rotated, err := e.vault.ChangeServiceSecret(e.ctx, alice.ID, grant.ServiceID, "new-password")
	if err != nil {
		t.Fatalf("ChangeServiceSecret: %v", err)
	}
	if rotated.ServiceID != grant.ServiceID {
		t.Fatalf("rotated wrong service: %s", rotated.ServiceID)
	}

	after, err := e.vault.GetService(e.ctx, alice.ID, grant.ServiceID)
	if err != nil {
		t.Fatalf("GetService after rotation: %v", err)
	}
	if got := openSecret(t, alicePriv, after); got != "new-password" {
		t.Fatalf("decrypted %q, want %q", got, "new-password")
	}
	if after.CryptSymKey == before.CryptSymKey {
		t.Fatal("user cipher row survived rotation")
	}
	if after.Secret == before.Secret {
		t.Fatal("sealed blob survived rotation")
	}
	if !after.SecretModifiedAt.After(before.SecretModifiedAt) && !after.SecretModifiedAt.Equal(before.SecretModifiedAt) {
		t.Fatal("secret modification time went backwards")
	}

	// The old symmetric key must not open the new blob.
	oldCT, err := keyring.ParseCiphertext(before.CryptSymKey)
	if err != nil {
		t.Fatalf("parse old cipher: %v", err)
	}
	oldKey, err := alicePriv.Decrypt(oldCT)
	if err != nil {
		t.Fatalf("decrypt old key: %v", err)
	}
	sealed, err := vault.DecodeBlob(after.Secret)
	if err != nil {
		t.Fatalf("decode blob: %v", err)
	}
	if _, err := keyring.OpenSecret(oldKey, sealed); !errors.Is(err, keyring.ErrDecrypt) {
		t.Fatalf("old key still opens the secret: %v", err)
	}

	// Exactly one cipher row per path remains.
	ciphers := e.store.Ciphers(e.ctx)
	assocs, err := ciphers.ServiceGroups(e.ctx, grant.ServiceID)
	if err != nil {
		t.Fatalf("ServiceGroups: %v", err)
	}
	if len(assocs) != 1 || assocs[0].GroupID != g.ID {
		t.Fatalf("group cipher rows after rotation: %v", assocs)
	}
	rows, err := ciphers.ServiceUserCiphers(e.ctx, grant.ServiceID)
	if err != nil {
		t.Fatalf("ServiceUserCiphers: %v", err)
	}
	if len(rows) != 1 || rows[0].UserID != alice.ID {
		t.Fatalf("user cipher rows after rotation: %v", rows)
	}
}

func TestAddServiceValidation(t *testing.T) {
	e := newEnv(t)
	alice, _ := e.addUser("alice", false)
	_, machine := e.addSite(alice.ID)

	if _, err := e.vault.AddService(e.ctx, alice.ID, vault.AddServiceInput{MachineID: machine.ID}); !errors.Is(err, vault.ErrInvalidInput) {
		t.Fatalf("missing url: got %v, want ErrInvalidInput", err)
	}
	_, err := e.vault.AddService(e.ctx, alice.ID, vault.AddServiceInput{
		MachineID: "nope",
		URL:       "ssh://x",
	})
	if !errors.Is(err, vault.ErrNotFound) {
		t.Fatalf("unknown machine: got %v, want ErrNotFound", err)
	}
	_, err = e.vault.AddService(e.ctx, alice.ID, vault.AddServiceInput{
		MachineID: machine.ID,
		URL:       "ssh://x",
		GroupIDs:  []string{"nope"},
	})
	if !errors.Is(err, vault.ErrNotFound) {
		t.Fatalf("unknown group: got %v, want ErrNotFound", err)
	}
}

func TestPutServiceRejectsSelfParent(t *testing.T) {
	e := newEnv(t)
	alice, _ := e.addUser("alice", false)
	_, machine := e.addSite(alice.ID)
	_, grant := e.addServiceFor(alice.ID, machine.ID, "ssh://db1/postgres", "pw")

	self := grant.ServiceID
	err := e.vault.PutService(e.ctx, grant.ServiceID, vault.PutServiceInput{ParentID: &self})
	if !errors.Is(err, vault.ErrInvalidInput) {
		t.Fatalf("self parent: got %v, want ErrInvalidInput", err)
	}
}

// grantDirect runs the two-call direct-grant protocol on behalf of the actor.
func grantDirect(e *env, actorID string, actorPriv *keyring.PrivateKey, serviceID, userID string) {
	e.t.Helper()
	info, err := e.vault.ServiceGrantInfo(e.ctx, actorID, serviceID, userID)
	if err != nil {
		e.t.Fatalf("ServiceGrantInfo: %v", err)
	}
	ct, err := keyring.ParseCiphertext(info.CryptSymKey)
	if err != nil {
		e.t.Fatalf("parse crypt sym key: %v", err)
	}
	symKey, err := actorPriv.Decrypt(ct)
	if err != nil {
		e.t.Fatalf("decrypt sym key: %v", err)
	}
	targetPub, err := keyring.ParsePublicKey(info.UserPublicKey)
	if err != nil {
		e.t.Fatalf("parse target public key: %v", err)
	}
	reenc, err := targetPub.Encrypt(symKey)
	if err != nil {
		e.t.Fatalf("re-encrypt sym key: %v", err)
	}
	if err := e.vault.ServiceSetUserKey(e.ctx, actorID, serviceID, userID, reenc.Serialize()); err != nil {
		e.t.Fatalf("ServiceSetUserKey: %v", err)
	}
}

func TestDirectServiceGrantProtocol(t *testing.T) {
	e := newEnv(t)
	root, rootPriv := e.addUser("root", true)
	bob, bobPriv := e.addUser("bob", false)
	_, machine := e.addSite(root.ID)
	_, grant := e.addServiceFor(root.ID, machine.ID, "ssh://db1/postgres", "pg-password")

	// Bob is neither a member nor an administrator.
	if _, err := e.vault.GetService(e.ctx, bob.ID, grant.ServiceID); !errors.Is(err, vault.ErrPermissionDenied) {
		t.Fatalf("expected permission denied before the grant, got %v", err)
	}

	grantDirect(e, root.ID, rootPriv, grant.ServiceID, bob.ID)

	view, err := e.vault.GetService(e.ctx, bob.ID, grant.ServiceID)
	if err != nil {
		t.Fatalf("GetService after grant: %v", err)
	}
	if view.CryptGroupKey != "" {
		t.Fatalf("expected a direct view, got group path via %s", view.GroupID)
	}
	if got := openSecret(t, bobPriv, view); got != "pg-password" {
		t.Fatalf("secret = %q", got)
	}

	if err := e.vault.ServiceDelUserKey(e.ctx, root.ID, grant.ServiceID, bob.ID); err != nil {
		t.Fatalf("ServiceDelUserKey: %v", err)
	}
	if _, err := e.vault.GetService(e.ctx, bob.ID, grant.ServiceID); !errors.Is(err, vault.ErrPermissionDenied) {
		t.Fatalf("expected permission denied after revocation, got %v", err)
	}
}

func TestDirectServiceGrantAuthorization(t *testing.T) {
	e := newEnv(t)
	root, _ := e.addUser("root", true)
	alice, _ := e.addUser("alice", false)
	bob, _ := e.addUser("bob", false)
	pending, err := e.vault.AddUser(e.ctx, "pending", false)
	if err != nil {
		t.Fatalf("AddUser(pending): %v", err)
	}
	_, machine := e.addSite(root.ID)
	_, grant := e.addServiceFor(root.ID, machine.ID, "ssh://db1/postgres", "pw")

	// Only administrators run the protocol.
	if _, err := e.vault.ServiceGrantInfo(e.ctx, alice.ID, grant.ServiceID, bob.ID); !errors.Is(err, vault.ErrPermissionDenied) {
		t.Fatalf("non-admin grant info: %v", err)
	}
	if err := e.vault.ServiceSetUserKey(e.ctx, alice.ID, grant.ServiceID, bob.ID, "x"); !errors.Is(err, vault.ErrInvalidInput) {
		t.Fatalf("malformed ciphertext: %v", err)
	}
	if err := e.vault.ServiceDelUserKey(e.ctx, alice.ID, grant.ServiceID, bob.ID); !errors.Is(err, vault.ErrPermissionDenied) {
		t.Fatalf("non-admin revoke: %v", err)
	}

	// A user without a public key cannot receive cipher material.
	if _, err := e.vault.ServiceGrantInfo(e.ctx, root.ID, grant.ServiceID, pending.ID); !errors.Is(err, vault.ErrInvalidInput) {
		t.Fatalf("pending target: %v", err)
	}

	// Revoking a row that does not exist reports not found.
	if err := e.vault.ServiceDelUserKey(e.ctx, root.ID, grant.ServiceID, bob.ID); !errors.Is(err, vault.ErrNotFound) {
		t.Fatalf("revoke without a row: %v", err)
	}
}
