package vault_test

import (
	"errors"
	"testing"

	"credvault.org/internal/vault"
)

func TestDeleteServiceBlockedByChild(t *testing.T) {
	e := newEnv(t)
	alice, _ := e.addUser("alice", false)
	_, machine := e.addSite(alice.ID)
	root, mid, leaf := chain(e, alice.ID, machine.ID)

	err := e.vault.DeleteService(e.ctx, root)
	be, ok := vault.IsBlocked(err)
	if !ok {
		t.Fatalf("delete parent: got %v, want BlockedError", err)
	}
	if be.Entity != "service" || len(be.Children) != 1 || be.Children[0].ID != mid {
		t.Fatalf("blocked payload: %+v", be)
	}

	// Leaf first, then upward: each level unblocks the next.
	for _, id := range []string{leaf, mid, root} {
		if err := e.vault.DeleteService(e.ctx, id); err != nil {
			t.Fatalf("DeleteService(%s): %v", id, err)
		}
	}
	if _, err := e.vault.GetService(e.ctx, alice.ID, root); !errors.Is(err, vault.ErrNotFound) {
		t.Fatalf("service still present: %v", err)
	}
	rows, err := e.store.Ciphers(e.ctx).ServiceUserCiphers(e.ctx, root)
	if err != nil {
		t.Fatalf("ServiceUserCiphers: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("cipher rows survived deletion: %v", rows)
	}
}

func TestDeleteMachineChildOutsideSet(t *testing.T) {
	e := newEnv(t)
	alice, _ := e.addUser("alice", false)
	cust, m1 := e.addSite(alice.ID)
	m2, err := e.vault.AddMachine(e.ctx, vault.AddMachineInput{CustomerID: cust.ID, Name: "web1"})
	if err != nil {
		t.Fatalf("AddMachine: %v", err)
	}

	g, err := e.vault.AddGroup(e.ctx, alice.ID, "ops", false)
	if err != nil {
		t.Fatalf("AddGroup: %v", err)
	}
	parent, err := e.vault.AddService(e.ctx, alice.ID, vault.AddServiceInput{
		MachineID: m1.ID, URL: "ssh://db1", GroupIDs: []string{g.ID}, Secret: "a",
	})
	if err != nil {
		t.Fatalf("AddService(parent): %v", err)
	}
	child, err := e.vault.AddService(e.ctx, alice.ID, vault.AddServiceInput{
		MachineID: m2.ID, ParentID: parent.ServiceID, URL: "ssh://web1", GroupIDs: []string{g.ID}, Secret: "b",
	})
	if err != nil {
		t.Fatalf("AddService(child): %v", err)
	}

	// A service on another machine depends on this one; refuse and leave the
	// machine intact.
	err = e.vault.DeleteMachine(e.ctx, m1.ID)
	be, ok := vault.IsBlocked(err)
	if !ok || be.Entity != "machine" {
		t.Fatalf("delete machine: got %v, want machine BlockedError", err)
	}
	if len(be.Children) != 1 || be.Children[0].ID != child.ServiceID {
		t.Fatalf("blocked payload: %+v", be)
	}
	if _, err := e.vault.GetMachine(e.ctx, m1.ID); err != nil {
		t.Fatalf("machine gone after refused delete: %v", err)
	}
	if _, err := e.vault.GetService(e.ctx, alice.ID, parent.ServiceID); err != nil {
		t.Fatalf("service gone after refused delete: %v", err)
	}

	// Parent links inside the deletion set never block: move the child onto
	// the same machine and retry.
	if err := e.vault.PutService(e.ctx, child.ServiceID, vault.PutServiceInput{MachineID: m1.ID}); err != nil {
		t.Fatalf("PutService: %v", err)
	}
	if err := e.vault.DeleteMachine(e.ctx, m1.ID); err != nil {
		t.Fatalf("DeleteMachine: %v", err)
	}
	if _, err := e.vault.GetService(e.ctx, alice.ID, child.ServiceID); !errors.Is(err, vault.ErrNotFound) {
		t.Fatalf("child survived machine cascade: %v", err)
	}
}

func TestDeleteCustomerCascade(t *testing.T) {
	e := newEnv(t)
	alice, _ := e.addUser("alice", false)
	cust, m1 := e.addSite(alice.ID)
	_, grant := e.addServiceFor(alice.ID, m1.ID, "ssh://db1", "pw")

	other, err := e.vault.AddCustomer(e.ctx, alice.ID, "Globex")
	if err != nil {
		t.Fatalf("AddCustomer: %v", err)
	}
	m2, err := e.vault.AddMachine(e.ctx, vault.AddMachineInput{CustomerID: other.ID, Name: "ext1"})
	if err != nil {
		t.Fatalf("AddMachine: %v", err)
	}
	g2, err := e.vault.AddGroup(e.ctx, alice.ID, "ext", false)
	if err != nil {
		t.Fatalf("AddGroup: %v", err)
	}
	outside, err := e.vault.AddService(e.ctx, alice.ID, vault.AddServiceInput{
		MachineID: m2.ID, ParentID: grant.ServiceID, URL: "ssh://ext1", GroupIDs: []string{g2.ID}, Secret: "x",
	})
	if err != nil {
		t.Fatalf("AddService(outside): %v", err)
	}

	err = e.vault.DeleteCustomer(e.ctx, cust.ID)
	be, ok := vault.IsBlocked(err)
	if !ok || be.Entity != "customer" {
		t.Fatalf("delete customer: got %v, want customer BlockedError", err)
	}
	// Refused cascade rolled back: everything still there.
	if _, err := e.vault.GetCustomer(e.ctx, cust.ID); err != nil {
		t.Fatalf("customer gone after refusal: %v", err)
	}
	if _, err := e.vault.GetService(e.ctx, alice.ID, grant.ServiceID); err != nil {
		t.Fatalf("service gone after refusal: %v", err)
	}

	if err := e.vault.DeleteService(e.ctx, outside.ServiceID); err != nil {
		t.Fatalf("DeleteService(outside): %v", err)
	}
	if err := e.vault.DeleteCustomer(e.ctx, cust.ID); err != nil {
		t.Fatalf("DeleteCustomer: %v", err)
	}
	if _, err := e.vault.GetMachine(e.ctx, m1.ID); !errors.Is(err, vault.ErrNotFound) {
		t.Fatalf("machine survived customer cascade: %v", err)
	}
	if _, err := e.vault.GetService(e.ctx, alice.ID, grant.ServiceID); !errors.Is(err, vault.ErrNotFound) {
		t.Fatalf("service survived customer cascade: %v", err)
	}
}

func TestDeleteGroupRequiresNoServices(t *testing.T) {
	e := newEnv(t)
	alice, _ := e.addUser("alice", false)
	_, machine := e.addSite(alice.ID)
	g, grant := e.addServiceFor(alice.ID, machine.ID, "ssh://db1", "pw")

	err := e.vault.DeleteGroup(e.ctx, g.ID)
	be, ok := vault.IsBlocked(err)
	if !ok || be.Entity != "group" {
		t.Fatalf("delete group with services: got %v, want group BlockedError", err)
	}

	if err := e.vault.DeleteService(e.ctx, grant.ServiceID); err != nil {
		t.Fatalf("DeleteService: %v", err)
	}
	if err := e.vault.DeleteGroup(e.ctx, g.ID); err != nil {
		t.Fatalf("DeleteGroup: %v", err)
	}
	memberships, err := e.store.Ciphers(e.ctx).UserGroups(e.ctx, alice.ID)
	if err != nil {
		t.Fatalf("UserGroups: %v", err)
	}
	if len(memberships) != 0 {
		t.Fatalf("membership rows survived group deletion: %v", memberships)
	}
}
