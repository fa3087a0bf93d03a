// Package keyring implements the asymmetric key service of the vault: ElGamal
// keypairs for users and groups, message encryption under public keys, and the
// symmetric cipher used for service secrets.
//
// Private keys are never held by the server in the clear. They are generated
// here, serialized, and immediately re-encrypted (per member) before storage.
package keyring

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"golang.org/x/crypto/openpgp/elgamal"
)

// ErrDecrypt marks malformed ciphertext or a wrong key. It is deliberately
// distinct from authorization errors: a caller holding a cipher row that does
// not decrypt has a data problem, not a permission problem.
var ErrDecrypt = errors.New("keyring: decryption failed")

// RFC 3526 group 14 (2048-bit MODP). Shared by every keypair; only the
// exponent differs per key, which keeps serialized keys small.
const modp2048Hex = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD1" +
	"29024E088A67CC74020BBEA63B139B22514A08798E3404DD" +
	"EF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245" +
	"E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED" +
	"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3D" +
	"C2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F" +
	"83655D23DCA3AD961C62F356208552BB9ED529077096966D" +
	"670C354E4ABC9804F1746C08CA18217C32905E462E36CE3B" +
	"E39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9" +
	"DE2BCBF6955817183995497CEA956AE515D2261898FA0510" +
	"15728E5A8AACAA68FFFFFFFFFFFFFFFFFFFFFFFF"

var (
	groupP = mustParseHex(modp2048Hex)
	groupG = big.NewInt(2)
)

func mustParseHex(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 16)
	if !ok {
		panic("keyring: bad group prime constant")
	}
	return n
}

// PublicKey is the public half of a vault keypair.
type PublicKey struct {
	key elgamal.PublicKey
}

// PrivateKey is the private half of a vault keypair. It exists server-side
// only transiently, between generation and per-member encryption.
type PrivateKey struct {
	key elgamal.PrivateKey
}

// Public returns the public half of the keypair.
func (k *PrivateKey) Public() *PublicKey {
	return &PublicKey{key: k.key.PublicKey}
}

// GenerateKeypair creates a fresh ElGamal keypair over the shared group.
func GenerateKeypair() (*PublicKey, *PrivateKey, error) {
	// x in [2, p-2]
	upper := new(big.Int).Sub(groupP, big.NewInt(3))
	x, err := rand.Int(rand.Reader, upper)
	if err != nil {
		return nil, nil, fmt.Errorf("keyring: generate exponent: %w", err)
	}
	x.Add(x, big.NewInt(2))

	y := new(big.Int).Exp(groupG, x, groupP)
	priv := elgamal.PrivateKey{
		PublicKey: elgamal.PublicKey{G: groupG, P: groupP, Y: y},
		X:         x,
	}
	return &PublicKey{key: priv.PublicKey}, &PrivateKey{key: priv}, nil
}

// maxMessageLen is the largest message Encrypt accepts, imposed by the
// cryptosystem's padding over the 2048-bit group.
func (k *PublicKey) maxMessageLen() int {
	return (k.key.P.BitLen()+7)/8 - 11
}

// Encrypt encrypts a short message under the public key. Messages longer than
// the group's safe size are rejected; use EncryptLong for those.
func (k *PublicKey) Encrypt(msg []byte) (Ciphertext, error) {
	if len(msg) > k.maxMessageLen() {
		return Ciphertext{}, fmt.Errorf("keyring: message of %d bytes exceeds safe size %d", len(msg), k.maxMessageLen())
	}
	c1, c2, err := elgamal.Encrypt(rand.Reader, &k.key, msg)
	if err != nil {
		return Ciphertext{}, fmt.Errorf("keyring: encrypt: %w", err)
	}
	return Ciphertext{blocks: []block{{c1: c1, c2: c2}}}, nil
}

// Decrypt reverses Encrypt. Malformed ciphertext or a mismatched key yields
// ErrDecrypt.
func (k *PrivateKey) Decrypt(ct Ciphertext) ([]byte, error) {
	if len(ct.blocks) != 1 {
		return nil, ErrDecrypt
	}
	return k.decryptBlock(ct.blocks[0])
}

// EncryptLong chunks an arbitrarily long message into blocks no larger than
// the group's safe message size and encrypts each block independently. Used
// for serialized group private keys, which exceed a single block.
func (k *PublicKey) EncryptLong(msg []byte) (Ciphertext, error) {
	chunk := k.maxMessageLen()
	var ct Ciphertext
	for off := 0; off < len(msg); off += chunk {
		end := off + chunk
		if end > len(msg) {
			end = len(msg)
		}
		c1, c2, err := elgamal.Encrypt(rand.Reader, &k.key, msg[off:end])
		if err != nil {
			return Ciphertext{}, fmt.Errorf("keyring: encrypt block %d: %w", len(ct.blocks), err)
		}
		ct.blocks = append(ct.blocks, block{c1: c1, c2: c2})
	}
	if len(ct.blocks) == 0 {
		return Ciphertext{}, errors.New("keyring: empty message")
	}
	return ct, nil
}

// DecryptLong reverses EncryptLong, concatenating the decrypted blocks.
func (k *PrivateKey) DecryptLong(ct Ciphertext) ([]byte, error) {
	if len(ct.blocks) == 0 {
		return nil, ErrDecrypt
	}
	var out []byte
	for _, b := range ct.blocks {
		msg, err := k.decryptBlock(b)
		if err != nil {
			return nil, err
		}
		out = append(out, msg...)
	}
	return out, nil
}

func (k *PrivateKey) decryptBlock(b block) ([]byte, error) {
	if b.c1 == nil || b.c2 == nil {
		return nil, ErrDecrypt
	}
	msg, err := elgamal.Decrypt(&k.key, b.c1, b.c2)
	if err != nil {
		return nil, ErrDecrypt
	}
	return msg, nil
}
