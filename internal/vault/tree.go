package vault

import (
	"context"
	"errors"
	"sort"
)

// GetService returns one service together with the cipher references that let
// the acting user unwrap its secret: the direct user cipher when present,
// otherwise the first matching group path (group private key copy + group
// symmetric-key cipher). A user with neither path is denied.
func (v *Vault) GetService(ctx context.Context, actorID, serviceID string) (*ServiceView, error) {
	s, err := v.store.Services(ctx).Get(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	view := &ServiceView{
		ID:               s.ID,
		URL:              s.URL,
		Secret:           s.Secret,
		ParentID:         s.ParentID,
		Notes:            s.Notes,
		Metadata:         s.Metadata,
		SecretModifiedAt: s.SecretModifiedAt,
	}

	ciphers := v.store.Ciphers(ctx)
	if direct, err := ciphers.UserCipher(ctx, actorID, serviceID); err == nil {
		view.CryptSymKey = direct.CryptSymKey
		return view, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	memberships, err := ciphers.UserGroups(ctx, actorID)
	if err != nil {
		return nil, err
	}
	assocs, err := ciphers.ServiceGroups(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	byGroup := make(map[string]*UserGroupCipher, len(memberships))
	for _, m := range memberships {
		byGroup[m.GroupID] = m
	}
	// Stable choice when several groups qualify.
	sort.Slice(assocs, func(i, j int) bool { return assocs[i].GroupID < assocs[j].GroupID })
	for _, a := range assocs {
		m, ok := byGroup[a.GroupID]
		if !ok {
			continue
		}
		view.GroupID = a.GroupID
		view.CryptGroupKey = m.CryptGroupKey
		view.CryptSymKey = a.CryptSymKey
		return view, nil
	}
	return nil, ErrPermissionDenied
}

// GetServiceTree resolves the full ancestor chain of a service, root first,
// so a client can chain connections ("reach B via A"). Each hop is checked
// against the visited set; a revisited id means corrupt or adversarial parent
// links and fails with ErrCircularReference instead of looping.
func (v *Vault) GetServiceTree(ctx context.Context, actorID, serviceID string) ([]*ServiceView, error) {
	var out []*ServiceView
	visited := make(map[string]struct{})

	id := serviceID
	for {
		if _, seen := visited[id]; seen {
			return nil, ErrCircularReference
		}
		visited[id] = struct{}{}

		view, err := v.GetService(ctx, actorID, id)
		if err != nil {
			return nil, err
		}
		out = append(out, view)

		if view.ParentID == "" {
			break
		}
		id = view.ParentID
	}

	// Walked leaf-to-root; callers want root first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Search runs the repository's free-text matching and folds the denormalized
// rows into the nested customer -> machine -> service tree, deduplicating
// customers and machines by id.
func (v *Vault) Search(ctx context.Context, query string) (map[string]SearchCustomer, error) {
	hits, err := v.store.Search(ctx, query)
	if err != nil {
		return nil, err
	}
	out := make(map[string]SearchCustomer)
	for _, h := range hits {
		cust, ok := out[h.Customer.ID]
		if !ok {
			cust = SearchCustomer{Name: h.Customer.Name, Machines: make(map[string]SearchMachine)}
		}
		mach, ok := cust.Machines[h.Machine.ID]
		if !ok {
			mach = SearchMachine{
				Name:     h.Machine.Name,
				FQDN:     h.Machine.FQDN,
				IP:       h.Machine.IP,
				Location: h.Machine.Location,
				Notes:    h.Machine.Notes,
				Services: make(map[string]SearchService),
			}
		}
		mach.Services[h.Service.ID] = SearchService{
			URL:      h.Service.URL,
			ParentID: h.Service.ParentID,
			Metadata: h.Service.Metadata,
			Notes:    h.Service.Notes,
		}
		cust.Machines[h.Machine.ID] = mach
		out[h.Customer.ID] = cust
	}
	return out, nil
}
