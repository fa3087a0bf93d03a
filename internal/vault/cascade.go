package vault

import "context"

// Deletion is gated per entity type: an entity leaves the vault only when no
// service outside the deletion set still points into it. Each cascade runs as
// one transaction; a refused check rolls everything back untouched.

// DeleteService removes a service and its cipher rows. Refused with a
// BlockedError while other services name it as parent.
func (v *Vault) DeleteService(ctx context.Context, serviceID string) error {
	return v.store.Tx(ctx, func(ctx context.Context) error {
		services := v.store.Services(ctx)
		if _, err := services.Get(ctx, serviceID); err != nil {
			return err
		}
		children, err := services.Children(ctx, []string{serviceID})
		if err != nil {
			return err
		}
		if len(children) > 0 {
			return &BlockedError{Entity: "service", Children: refs(children)}
		}
		return v.deleteServiceRows(ctx, []string{serviceID})
	})
}

// DeleteMachine removes a machine with all its services. Refused while a
// service outside the machine has one of them as parent.
func (v *Vault) DeleteMachine(ctx context.Context, machineID string) error {
	return v.store.Tx(ctx, func(ctx context.Context) error {
		machines := v.store.Machines(ctx)
		if _, err := machines.Get(ctx, machineID); err != nil {
			return err
		}
		doomed, err := v.store.Services(ctx).ListByMachine(ctx, machineID)
		if err != nil {
			return err
		}
		if blocked, err := v.childrenOutsideSet(ctx, doomed); err != nil {
			return err
		} else if len(blocked) > 0 {
			return &BlockedError{Entity: "machine", Children: blocked}
		}
		if err := v.deleteServiceRows(ctx, serviceIDs(doomed)); err != nil {
			return err
		}
		return machines.Delete(ctx, machineID)
	})
}

// DeleteCustomer removes a customer with all its machines and services, with
// the same child-outside-set refusal one level higher.
func (v *Vault) DeleteCustomer(ctx context.Context, customerID string) error {
	return v.store.Tx(ctx, func(ctx context.Context) error {
		customers := v.store.Customers(ctx)
		if _, err := customers.Get(ctx, customerID); err != nil {
			return err
		}
		machines, err := v.store.Machines(ctx).List(ctx, customerID)
		if err != nil {
			return err
		}
		var doomed []*Service
		for _, m := range machines {
			svcs, err := v.store.Services(ctx).ListByMachine(ctx, m.ID)
			if err != nil {
				return err
			}
			doomed = append(doomed, svcs...)
		}
		if blocked, err := v.childrenOutsideSet(ctx, doomed); err != nil {
			return err
		} else if len(blocked) > 0 {
			return &BlockedError{Entity: "customer", Children: blocked}
		}
		if err := v.deleteServiceRows(ctx, serviceIDs(doomed)); err != nil {
			return err
		}
		for _, m := range machines {
			if err := v.store.Machines(ctx).Delete(ctx, m.ID); err != nil {
				return err
			}
		}
		return customers.Delete(ctx, customerID)
	})
}

// DeleteGroup removes a group. Requires zero associated services; the cascade
// never reaches through a group key into secrets.
func (v *Vault) DeleteGroup(ctx context.Context, groupID string) error {
	return v.store.Tx(ctx, func(ctx context.Context) error {
		groups := v.store.Groups(ctx)
		if _, err := groups.Get(ctx, groupID); err != nil {
			return err
		}
		ciphers := v.store.Ciphers(ctx)
		assocs, err := ciphers.GroupServices(ctx, groupID)
		if err != nil {
			return err
		}
		if len(assocs) > 0 {
			blocked := make([]ServiceRef, 0, len(assocs))
			for _, a := range assocs {
				ref := ServiceRef{ID: a.ServiceID}
				if s, err := v.store.Services(ctx).Get(ctx, a.ServiceID); err == nil {
					ref.URL = s.URL
				}
				blocked = append(blocked, ref)
			}
			return &BlockedError{Entity: "group", Children: blocked}
		}
		members, err := ciphers.GroupMembers(ctx, groupID)
		if err != nil {
			return err
		}
		for _, m := range members {
			if err := ciphers.DeleteUserGroup(ctx, m.UserID, groupID); err != nil {
				return err
			}
		}
		return groups.Delete(ctx, groupID)
	})
}

// childrenOutsideSet finds services that have a parent inside the doomed set
// but are not doomed themselves. Parent links within the set do not block.
func (v *Vault) childrenOutsideSet(ctx context.Context, doomed []*Service) ([]ServiceRef, error) {
	if len(doomed) == 0 {
		return nil, nil
	}
	inSet := make(map[string]struct{}, len(doomed))
	for _, s := range doomed {
		inSet[s.ID] = struct{}{}
	}
	children, err := v.store.Services(ctx).Children(ctx, serviceIDs(doomed))
	if err != nil {
		return nil, err
	}
	var out []ServiceRef
	for _, c := range children {
		if _, ok := inSet[c.ID]; ok {
			continue
		}
		out = append(out, ServiceRef{ID: c.ID, URL: c.URL})
	}
	return out, nil
}

// deleteServiceRows removes cipher rows first, then the service rows.
func (v *Vault) deleteServiceRows(ctx context.Context, serviceIDs []string) error {
	if len(serviceIDs) == 0 {
		return nil
	}
	ciphers := v.store.Ciphers(ctx)
	if err := ciphers.DeleteServiceGroups(ctx, serviceIDs); err != nil {
		return err
	}
	if err := ciphers.DeleteUserCiphers(ctx, serviceIDs); err != nil {
		return err
	}
	for _, id := range serviceIDs {
		if err := v.store.Services(ctx).Delete(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func serviceIDs(svcs []*Service) []string {
	out := make([]string, 0, len(svcs))
	for _, s := range svcs {
		out = append(out, s.ID)
	}
	return out
}

func refs(svcs []*Service) []ServiceRef {
	out := make([]ServiceRef, 0, len(svcs))
	for _, s := range svcs {
		out = append(out, ServiceRef{ID: s.ID, URL: s.URL})
	}
	return out
}
