package identity

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestDeriveKeyDeterministic(t *testing.T) {
	salt, err := NewSalt()
	if err != nil {
		t.Fatalf("NewSalt failed: %v", err)
	}

	k1 := DeriveKey([]byte("correct horse"), salt)
	k2 := DeriveKey([]byte("correct horse"), salt)
	if !bytes.Equal(k1, k2) {
		t.Error("same secret and salt should derive the same key")
	}
	if len(k1) != KeySize {
		t.Errorf("key length = %d, want %d", len(k1), KeySize)
	}

	k3 := DeriveKey([]byte("battery staple"), salt)
	if bytes.Equal(k1, k3) {
		t.Error("different secrets should derive different keys")
	}
}

func TestCipherRoundTrip(t *testing.T) {
	salt, _ := NewSalt()
	c, err := NewCipher(DeriveKey([]byte("pass"), salt))
	if err != nil {
		t.Fatalf("NewCipher failed: %v", err)
	}

	plaintext := []byte(`{"tag":"A-104","breed":"holstein"}`)
	sealed, err := c.Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if bytes.Contains(sealed, []byte("holstein")) {
		t.Error("sealed payload should not contain plaintext")
	}

	opened, err := c.Open(sealed)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("round trip mismatch: %s", opened)
	}
}

func TestCipherRejectsTampering(t *testing.T) {
	salt, _ := NewSalt()
	c, _ := NewCipher(DeriveKey([]byte("pass"), salt))

	sealed, err := c.Seal([]byte("data"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	sealed[len(sealed)-1] ^= 0xff
	if _, err := c.Open(sealed); err == nil {
		t.Error("expected error for tampered ciphertext")
	}

	if _, err := c.Open([]byte("short")); err == nil {
		t.Error("expected error for truncated payload")
	}
}

func TestNewCipherRejectsBadKey(t *testing.T) {
	if _, err := NewCipher([]byte("too short")); err == nil {
		t.Error("expected error for wrong key size")
	}
}

func TestProfileUnlock(t *testing.T) {
	p, err := NewProfile("my passcode")
	if err != nil {
		t.Fatalf("NewProfile failed: %v", err)
	}

	key, err := p.Unlock("my passcode")
	if err != nil {
		t.Fatalf("Unlock with correct passcode failed: %v", err)
	}
	if len(key) != KeySize {
		t.Errorf("key length = %d, want %d", len(key), KeySize)
	}

	if _, err := p.Unlock("wrong passcode"); err == nil {
		t.Error("expected error for wrong passcode")
	}
}

func TestProfileSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "profile.json")

	p, err := NewProfile("pass")
	if err != nil {
		t.Fatalf("NewProfile failed: %v", err)
	}
	if err := SaveProfile(path, p); err != nil {
		t.Fatalf("SaveProfile failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("profile permissions = %o, want 0600", perm)
	}

	loaded, err := LoadProfile(path)
	if err != nil {
		t.Fatalf("LoadProfile failed: %v", err)
	}
	if _, err := loaded.Unlock("pass"); err != nil {
		t.Errorf("loaded profile should unlock: %v", err)
	}
}

func TestLoadProfileMissing(t *testing.T) {
	_, err := LoadProfile(filepath.Join(t.TempDir(), "nope.json"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected os.ErrNotExist, got %v", err)
	}
}
