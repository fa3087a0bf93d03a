package keyring

import (
	"encoding/base64"
	"math/big"
	"strings"
)

// Serialized forms are opaque strings safe for storage columns and JSON
// transport. Public key fields are base64url big-endian integers joined with
// dots; ciphertext blocks are "c1.c2" pairs joined with colons. The group
// parameters travel with every key so old rows survive a group upgrade.

type block struct {
	c1, c2 *big.Int
}

// Ciphertext is one or more independently encrypted blocks.
type Ciphertext struct {
	blocks []block
}

func encInt(n *big.Int) string {
	return base64.RawURLEncoding.EncodeToString(n.Bytes())
}

func decInt(s string) (*big.Int, bool) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil || len(raw) == 0 {
		return nil, false
	}
	return new(big.Int).SetBytes(raw), true
}

// Serialize encodes the public key.
func (k *PublicKey) Serialize() string {
	return encInt(k.key.P) + "." + encInt(k.key.G) + "." + encInt(k.key.Y)
}

// ParsePublicKey decodes a serialized public key.
func ParsePublicKey(s string) (*PublicKey, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return nil, ErrDecrypt
	}
	p, ok1 := decInt(parts[0])
	g, ok2 := decInt(parts[1])
	y, ok3 := decInt(parts[2])
	if !ok1 || !ok2 || !ok3 {
		return nil, ErrDecrypt
	}
	pk := &PublicKey{}
	pk.key.P, pk.key.G, pk.key.Y = p, g, y
	return pk, nil
}

// Serialize encodes the private key, public half included.
func (k *PrivateKey) Serialize() string {
	return k.Public().Serialize() + "." + encInt(k.key.X)
}

// ParsePrivateKey decodes a serialized private key.
func ParsePrivateKey(s string) (*PrivateKey, error) {
	idx := strings.LastIndex(s, ".")
	if idx < 0 {
		return nil, ErrDecrypt
	}
	pub, err := ParsePublicKey(s[:idx])
	if err != nil {
		return nil, err
	}
	x, ok := decInt(s[idx+1:])
	if !ok {
		return nil, ErrDecrypt
	}
	pk := &PrivateKey{}
	pk.key.PublicKey = pub.key
	pk.key.X = x
	return pk, nil
}

// Serialize encodes the ciphertext.
func (c Ciphertext) Serialize() string {
	parts := make([]string, 0, len(c.blocks))
	for _, b := range c.blocks {
		parts = append(parts, encInt(b.c1)+"."+encInt(b.c2))
	}
	return strings.Join(parts, ":")
}

// ParseCiphertext decodes a serialized ciphertext.
func ParseCiphertext(s string) (Ciphertext, error) {
	if s == "" {
		return Ciphertext{}, ErrDecrypt
	}
	var ct Ciphertext
	for _, part := range strings.Split(s, ":") {
		halves := strings.Split(part, ".")
		if len(halves) != 2 {
			return Ciphertext{}, ErrDecrypt
		}
		c1, ok1 := decInt(halves[0])
		c2, ok2 := decInt(halves[1])
		if !ok1 || !ok2 {
			return Ciphertext{}, ErrDecrypt
		}
		ct.blocks = append(ct.blocks, block{c1: c1, c2: c2})
	}
	return ct, nil
}
