package keyring

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

// SecretKeySize is the symmetric key length for service secrets.
const SecretKeySize = 32

const nonceSize = 24

// NewSecretKey generates a fresh random symmetric key. Every service secret
// gets its own key; keys are never reused across rotations.
func NewSecretKey() ([]byte, error) {
	key := make([]byte, SecretKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("keyring: generate secret key: %w", err)
	}
	return key, nil
}

// SealSecret encrypts a service secret under a symmetric key. The nonce is
// prepended to the returned ciphertext.
func SealSecret(key, plaintext []byte) ([]byte, error) {
	if len(key) != SecretKeySize {
		return nil, fmt.Errorf("keyring: secret key must be %d bytes, got %d", SecretKeySize, len(key))
	}
	var k [SecretKeySize]byte
	copy(k[:], key)

	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("keyring: generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &k), nil
}

// OpenSecret reverses SealSecret. A truncated ciphertext or wrong key yields
// ErrDecrypt.
func OpenSecret(key, ciphertext []byte) ([]byte, error) {
	if len(key) != SecretKeySize || len(ciphertext) < nonceSize {
		return nil, ErrDecrypt
	}
	var k [SecretKeySize]byte
	copy(k[:], key)

	var nonce [nonceSize]byte
	copy(nonce[:], ciphertext[:nonceSize])

	plaintext, ok := secretbox.Open(nil, ciphertext[nonceSize:], &nonce, &k)
	if !ok {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}
