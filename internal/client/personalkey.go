package client

import (
	"crypto/rand"
	"errors"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/argon2"

	"keyfold/go-backend/internal/crypto"
)

// Argon2id parameters for password-derived personal keys.
const (
	argonTime    = 2
	argonMemory  = 64 * 1024
	argonThreads = 1
)

// NewPersonalKey returns 32 random bytes suitable as a personal key.
func NewPersonalKey() ([]byte, error) {
	key := make([]byte, crypto.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// DerivePersonalKey derives a personal key from a password and a
// per-user salt. The same inputs always derive the same key, so a user
// can log in from any device with only their password.
func DerivePersonalKey(password, salt []byte) ([]byte, error) {
	if len(salt) < 16 {
		return nil, errors.New("client: personal key salt must be at least 16 bytes")
	}
	return argon2.IDKey(password, salt, argonTime, argonMemory, argonThreads, crypto.KeySize), nil
}

// BackupPersonalKey renders a personal key as a 24-word recovery
// mnemonic for offline storage.
func BackupPersonalKey(personalKey []byte) (string, error) {
	if len(personalKey) != crypto.KeySize {
		return "", ErrInvalidPersonalKey
	}
	return bip39.NewMnemonic(personalKey)
}

// RestorePersonalKey recovers the personal key from its mnemonic backup.
func RestorePersonalKey(mnemonic string) ([]byte, error) {
	personalKey, err := bip39.EntropyFromMnemonic(mnemonic)
	if err != nil {
		return nil, err
	}
	if len(personalKey) != crypto.KeySize {
		return nil, ErrInvalidPersonalKey
	}
	return personalKey, nil
}
