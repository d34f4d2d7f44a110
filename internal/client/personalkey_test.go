package client

import (
	"bytes"
	"strings"
	"testing"

	"keyfold/go-backend/internal/crypto"
)

func TestNewPersonalKey(t *testing.T) {
	a, err := NewPersonalKey()
	if err != nil {
		t.Fatalf("new personal key: %v", err)
	}
	b, err := NewPersonalKey()
	if err != nil {
		t.Fatalf("new personal key: %v", err)
	}
	if len(a) != crypto.KeySize {
		t.Fatalf("expected %d bytes, got %d", crypto.KeySize, len(a))
	}
	if bytes.Equal(a, b) {
		t.Fatal("two generated keys are identical")
	}
}

func TestDerivePersonalKeyDeterministic(t *testing.T) {
	salt := []byte("alice@example.com|keyfold|salt")
	a, err := DerivePersonalKey([]byte("correct horse battery staple"), salt)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	b, err := DerivePersonalKey([]byte("correct horse battery staple"), salt)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatal("derivation not deterministic")
	}
	other, err := DerivePersonalKey([]byte("wrong password"), salt)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if bytes.Equal(a, other) {
		t.Fatal("different passwords derived the same key")
	}
	if _, err := DerivePersonalKey([]byte("pw"), []byte("short")); err == nil {
		t.Fatal("expected error for short salt")
	}
}

func TestBackupRestorePersonalKey(t *testing.T) {
	key, err := NewPersonalKey()
	if err != nil {
		t.Fatalf("new personal key: %v", err)
	}
	mnemonic, err := BackupPersonalKey(key)
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	if words := len(strings.Fields(mnemonic)); words != 24 {
		t.Fatalf("expected 24-word mnemonic, got %d words", words)
	}
	restored, err := RestorePersonalKey(mnemonic)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if !bytes.Equal(restored, key) {
		t.Fatal("restored key differs from original")
	}

	if _, err := RestorePersonalKey("not a mnemonic"); err == nil {
		t.Fatal("expected error for invalid mnemonic")
	}
	if _, err := BackupPersonalKey(key[:16]); err == nil {
		t.Fatal("expected error for short key")
	}
}
