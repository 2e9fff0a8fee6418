// Package identity provides the local passcode unlock flow: key derivation
// from a user secret and an AEAD cipher for snapshot payloads at rest.
//
// The sync engine never touches this package directly; it treats payloads
// opaquely. The store encrypts and decrypts snapshot payloads when a cipher
// has been set by the unlock flow.
package identity

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the derived key length in bytes (AES-256).
	KeySize = 32

	// SaltSize is the random salt length in bytes.
	SaltSize = 16

	// iterations for PBKDF2-SHA256.
	iterations = 120_000
)

// DeriveKey derives an encryption key from a secret and salt using
// PBKDF2-SHA256.
func DeriveKey(secret, salt []byte) []byte {
	return pbkdf2.Key(secret, salt, iterations, KeySize, sha256.New)
}

// NewSalt returns a fresh random salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// Cipher seals and opens payloads with AES-256-GCM. The nonce is prepended
// to the ciphertext.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher creates a Cipher from a derived key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes (got %d)", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Seal encrypts plaintext.
func (c *Cipher) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a payload produced by Seal.
func (c *Cipher) Open(sealed []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	if len(sealed) < ns {
		return nil, fmt.Errorf("sealed payload too short (%d bytes)", len(sealed))
	}
	plaintext, err := c.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt payload: %w", err)
	}
	return plaintext, nil
}

// Profile is the persisted identity record: the salt used for derivation and
// an HMAC verifier so a wrong passcode is rejected before any data access.
type Profile struct {
	Salt     []byte `json:"salt"`
	Verifier []byte `json:"verifier"`
}

// verifier computes the passcode check value for a derived key.
func verifier(key []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte("ganadero-identity-v1"))
	return mac.Sum(nil)
}

// NewProfile creates a profile for a passcode.
func NewProfile(passcode string) (*Profile, error) {
	salt, err := NewSalt()
	if err != nil {
		return nil, err
	}
	key := DeriveKey([]byte(passcode), salt)
	return &Profile{Salt: salt, Verifier: verifier(key)}, nil
}

// Unlock derives the key for a passcode and checks it against the verifier.
// Returns the derived key on success.
func (p *Profile) Unlock(passcode string) ([]byte, error) {
	key := DeriveKey([]byte(passcode), p.Salt)
	if !hmac.Equal(verifier(key), p.Verifier) {
		return nil, fmt.Errorf("passcode does not match")
	}
	return key, nil
}

// LoadProfile reads a profile from disk. Returns os.ErrNotExist if no
// profile has been initialized.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse identity profile %s: %w", path, err)
	}
	if len(p.Salt) == 0 || len(p.Verifier) == 0 {
		return nil, fmt.Errorf("identity profile %s is incomplete", path)
	}
	return &p, nil
}

// SaveProfile writes a profile to disk with owner-only permissions.
func SaveProfile(path string, p *Profile) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create identity directory: %w", err)
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal identity profile: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write identity profile: %w", err)
	}
	return nil
}
