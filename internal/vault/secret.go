package vault

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"

	"credvault.org/internal/ids"
	"credvault.org/internal/keyring"
)

// Sealed secrets are stored and served as base64 blobs; the server never
// needs the bytes back, only clients do.
func encodeBlob(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

// DecodeBlob recovers sealed secret bytes from their stored form. Exported
// for clients that decrypt locally (the smoke tool, tests).
func DecodeBlob(s string) ([]byte, error) { return base64.StdEncoding.DecodeString(s) }

// AddServiceInput carries the fields for a new service.
type AddServiceInput struct {
	MachineID string   `json:"machine_id"`
	ParentID  string   `json:"parent_service_id"`
	URL       string   `json:"url"`
	GroupIDs  []string `json:"group_ids"`
	Secret    string   `json:"secret"`
	Notes     string   `json:"notes"`
	Metadata  string   `json:"metadata"`
}

// AddService creates a service: the secret is sealed under a fresh symmetric
// key, the key is encrypted once per associated group, and fanned out as
// direct user ciphers to every entitled user. Returns the grant listing.
func (v *Vault) AddService(ctx context.Context, actorID string, in AddServiceInput) (*Grant, error) {
	if in.URL == "" {
		return nil, fmt.Errorf("%w: url is required", ErrInvalidInput)
	}
	var grant *Grant
	err := v.store.Tx(ctx, func(ctx context.Context) error {
		if _, err := v.store.Machines(ctx).Get(ctx, in.MachineID); err != nil {
			return fmt.Errorf("machine %s: %w", in.MachineID, err)
		}
		if in.ParentID != "" {
			if _, err := v.store.Services(ctx).Get(ctx, in.ParentID); err != nil {
				return fmt.Errorf("parent service %s: %w", in.ParentID, err)
			}
		}
		groups := make([]*Group, 0, len(in.GroupIDs))
		for _, gid := range in.GroupIDs {
			g, err := v.store.Groups(ctx).Get(ctx, gid)
			if err != nil {
				return fmt.Errorf("group %s: %w", gid, err)
			}
			groups = append(groups, g)
		}

		symKey, err := keyring.NewSecretKey()
		if err != nil {
			return err
		}
		sealed, err := keyring.SealSecret(symKey, []byte(in.Secret))
		if err != nil {
			return err
		}

		now := v.now()
		s := &Service{
			ID:               ids.New(),
			MachineID:        in.MachineID,
			ParentID:         in.ParentID,
			URL:              in.URL,
			Secret:           encodeBlob(sealed),
			Notes:            in.Notes,
			Metadata:         in.Metadata,
			SecretModifiedAt: now,
			CreatedAt:        now,
		}
		if err := v.store.Services(ctx).Create(ctx, s); err != nil {
			return err
		}

		grant, err = v.encipherServiceKey(ctx, s.ID, symKey, groups, actorID)
		return err
	})
	return grant, err
}

// ChangeServiceSecret rotates a service secret: all existing cipher rows for
// the service are removed, a fresh symmetric key seals the new plaintext, and
// fan-out reruns over the service's current group set. No old key material
// survives the commit.
func (v *Vault) ChangeServiceSecret(ctx context.Context, actorID, serviceID, newSecret string) (*Grant, error) {
	var grant *Grant
	err := v.store.Tx(ctx, func(ctx context.Context) error {
		services := v.store.Services(ctx)
		if err := services.Lock(ctx, serviceID); err != nil {
			return err
		}
		s, err := services.Get(ctx, serviceID)
		if err != nil {
			return err
		}

		ciphers := v.store.Ciphers(ctx)
		assocs, err := ciphers.ServiceGroups(ctx, serviceID)
		if err != nil {
			return err
		}
		groups := make([]*Group, 0, len(assocs))
		for _, a := range assocs {
			g, err := v.store.Groups(ctx).Get(ctx, a.GroupID)
			if err != nil {
				return err
			}
			groups = append(groups, g)
		}

		// Old ciphertexts are never retained once superseded.
		if err := ciphers.DeleteUserCiphers(ctx, []string{serviceID}); err != nil {
			return err
		}
		if err := ciphers.DeleteServiceGroups(ctx, []string{serviceID}); err != nil {
			return err
		}

		symKey, err := keyring.NewSecretKey()
		if err != nil {
			return err
		}
		sealed, err := keyring.SealSecret(symKey, []byte(newSecret))
		if err != nil {
			return err
		}
		s.Secret = encodeBlob(sealed)
		s.SecretModifiedAt = v.now()
		if err := services.Update(ctx, s); err != nil {
			return err
		}

		grant, err = v.encipherServiceKey(ctx, serviceID, symKey, groups, actorID)
		return err
	})
	return grant, err
}

// encipherServiceKey writes the per-group cipher rows and fans the symmetric
// key out to every entitled user: union of all group members, all
// administrators, and the acting user. Users without a public key cannot
// receive cipher material and are skipped, recorded in the grant.
func (v *Vault) encipherServiceKey(ctx context.Context, serviceID string, symKey []byte, groups []*Group, actorID string) (*Grant, error) {
	ciphers := v.store.Ciphers(ctx)
	users := v.store.Users(ctx)

	targets := make(map[string]struct{})
	groupRows := 0
	for _, g := range groups {
		pub, err := keyring.ParsePublicKey(g.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("group %s public key: %w", g.ID, err)
		}
		ct, err := pub.Encrypt(symKey)
		if err != nil {
			return nil, err
		}
		err = ciphers.PutServiceGroup(ctx, &ServiceGroupCipher{
			ServiceID:   serviceID,
			GroupID:     g.ID,
			CryptSymKey: ct.Serialize(),
		})
		if err != nil {
			return nil, err
		}
		groupRows++
		members, err := ciphers.GroupMembers(ctx, g.ID)
		if err != nil {
			return nil, err
		}
		for _, m := range members {
			targets[m.UserID] = struct{}{}
		}
	}

	admins, err := users.Admins(ctx)
	if err != nil {
		return nil, err
	}
	for _, adm := range admins {
		targets[adm.ID] = struct{}{}
	}
	if actorID != "" {
		targets[actorID] = struct{}{}
	}

	grant := &Grant{ServiceID: serviceID}
	for uid := range targets {
		u, err := users.Get(ctx, uid)
		if err != nil {
			return nil, err
		}
		if u.PublicKey == "" {
			grant.Skipped = append(grant.Skipped, u.Username)
			continue
		}
		pub, err := keyring.ParsePublicKey(u.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("user %s public key: %w", u.Username, err)
		}
		ct, err := pub.Encrypt(symKey)
		if err != nil {
			return nil, err
		}
		err = ciphers.PutUserCipher(ctx, &UserCipher{
			UserID:      uid,
			ServiceID:   serviceID,
			CryptSymKey: ct.Serialize(),
		})
		if err != nil {
			return nil, err
		}
		grant.EncryptedFor = append(grant.EncryptedFor, u.Username)
	}
	sort.Strings(grant.EncryptedFor)
	sort.Strings(grant.Skipped)
	grant.CipherRows = groupRows + len(grant.EncryptedFor)
	return grant, nil
}

// PutServiceInput carries updatable service fields. Secrets change only
// through ChangeServiceSecret.
type PutServiceInput struct {
	MachineID string  `json:"machine_id"`
	ParentID  *string `json:"parent_service_id"`
	URL       string  `json:"url"`
	Notes     *string `json:"notes"`
	Metadata  *string `json:"metadata"`
}

// PutService updates service metadata.
func (v *Vault) PutService(ctx context.Context, id string, in PutServiceInput) error {
	return v.store.Tx(ctx, func(ctx context.Context) error {
		s, err := v.store.Services(ctx).Get(ctx, id)
		if err != nil {
			return err
		}
		if in.MachineID != "" {
			s.MachineID = in.MachineID
		}
		if in.ParentID != nil {
			if *in.ParentID == id {
				return fmt.Errorf("%w: service cannot be its own parent", ErrInvalidInput)
			}
			s.ParentID = *in.ParentID
		}
		if in.URL != "" {
			s.URL = in.URL
		}
		if in.Notes != nil {
			s.Notes = *in.Notes
		}
		if in.Metadata != nil {
			s.Metadata = *in.Metadata
		}
		return v.store.Services(ctx).Update(ctx, s)
	})
}

// --- direct user ciphers ---

// ServiceGrant is the information a client needs to hand a user a direct
// copy of a service key: the actor's own wrapped symmetric key (to decrypt
// locally) and the target user's public key (to re-encrypt for them).
type ServiceGrant struct {
	ServiceID     string `json:"service_id"`
	UserID        string `json:"user_id"`
	UserPublicKey string `json:"user_public_key"`
	CryptSymKey   string `json:"crypt_sym_key"`
}

// ServiceGrantInfo starts the two-call direct-grant protocol, the service
// counterpart of group admission. Administrators only: the actor must hold
// their own cipher row for the service, since the vault cannot unwrap the
// symmetric key itself.
func (v *Vault) ServiceGrantInfo(ctx context.Context, actorID, serviceID, userID string) (*ServiceGrant, error) {
	actor, err := v.store.Users(ctx).Get(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin {
		return nil, ErrPermissionDenied
	}
	if _, err := v.store.Services(ctx).Get(ctx, serviceID); err != nil {
		return nil, err
	}
	target, err := v.store.Users(ctx).Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if target.PublicKey == "" {
		return nil, fmt.Errorf("%w: user %q has not completed setup", ErrInvalidInput, target.Username)
	}
	own, err := v.store.Ciphers(ctx).UserCipher(ctx, actorID, serviceID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrPermissionDenied
		}
		return nil, err
	}
	return &ServiceGrant{
		ServiceID:     serviceID,
		UserID:        userID,
		UserPublicKey: target.PublicKey,
		CryptSymKey:   own.CryptSymKey,
	}, nil
}

// ServiceSetUserKey completes the direct grant with the symmetric key
// re-encrypted under the target's public key, produced client-side.
func (v *Vault) ServiceSetUserKey(ctx context.Context, actorID, serviceID, userID, cryptSymKey string) error {
	if cryptSymKey == "" {
		return fmt.Errorf("%w: crypt_sym_key is required", ErrInvalidInput)
	}
	if _, err := keyring.ParseCiphertext(cryptSymKey); err != nil {
		return fmt.Errorf("%w: crypt_sym_key is not a valid ciphertext", ErrInvalidInput)
	}
	return v.store.Tx(ctx, func(ctx context.Context) error {
		actor, err := v.store.Users(ctx).Get(ctx, actorID)
		if err != nil {
			return err
		}
		if !actor.IsAdmin {
			return ErrPermissionDenied
		}
		if _, err := v.store.Services(ctx).Get(ctx, serviceID); err != nil {
			return err
		}
		target, err := v.store.Users(ctx).Get(ctx, userID)
		if err != nil {
			return err
		}
		if target.PublicKey == "" {
			return fmt.Errorf("%w: user %q has no public key", ErrInvalidInput, target.Username)
		}
		return v.store.Ciphers(ctx).PutUserCipher(ctx, &UserCipher{
			UserID:      userID,
			ServiceID:   serviceID,
			CryptSymKey: cryptSymKey,
		})
	})
}

// ServiceDelUserKey revokes a user's direct cipher row for one service. The
// user may still reach the secret through a group; revoking membership is
// GroupDelUser's job.
func (v *Vault) ServiceDelUserKey(ctx context.Context, actorID, serviceID, userID string) error {
	return v.store.Tx(ctx, func(ctx context.Context) error {
		actor, err := v.store.Users(ctx).Get(ctx, actorID)
		if err != nil {
			return err
		}
		if !actor.IsAdmin {
			return ErrPermissionDenied
		}
		return v.store.Ciphers(ctx).DeleteUserCipher(ctx, userID, serviceID)
	})
}
