package client

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"net/http"
	"strings"
	"time"

	"keyfold/go-backend/internal/authn"
	"keyfold/go-backend/internal/crypto"
	"keyfold/go-backend/pkg/api"
)

// AddKeyParams describes one key to add to the keychain. CreatedAt
// defaults to now; a zero ExpiresAt means no expiry. SharedBy is set
// when the key was imported from another user.
type AddKeyParams struct {
	Name      string
	Cipher    crypto.Cipher
	CreatedAt time.Time
	ExpiresAt time.Time
	SharedBy  string
}

// AddKey encrypts a named key under the personal key, signs the row and
// stores it server-side, then merges it into the local keychain.
//
// Adding to an existing name is a rotation: the new revision must use
// the same algorithm as the newest one (ErrRotationRejected otherwise),
// and re-adding key material already present under the name is rejected
// with ErrDuplicateKey. A duplicate imported share is still posted so
// the server consumes the pending row, and a server-side conflict is
// reported as ErrDuplicateKey as well.
func (c *Client) AddKey(ctx context.Context, params AddKeyParams) (KeychainItem, error) {
	serialized, err := crypto.PadSerialize(params.Cipher, crypto.CipherPaddedLength)
	if err != nil {
		return KeychainItem{}, err
	}
	nameFingerprint := crypto.Fingerprint([]byte(params.Name))
	payloadFingerprint := crypto.Fingerprint([]byte(strings.TrimSpace(serialized)))

	c.mu.Lock()
	if c.state == nil {
		c.mu.Unlock()
		return KeychainItem{}, ErrAccountLocked
	}
	duplicate := false
	if revisions := c.state.keychain[params.Name]; len(revisions) > 0 {
		if revisions[0].Cipher.Algorithm() != params.Cipher.Algorithm() {
			c.mu.Unlock()
			return KeychainItem{}, ErrRotationRejected
		}
		for _, revision := range revisions {
			if revision.PayloadFingerprint == payloadFingerprint {
				duplicate = true
				break
			}
		}
	}
	if duplicate && params.SharedBy == "" {
		c.mu.Unlock()
		return KeychainItem{}, ErrDuplicateKey
	}
	userID := c.state.identity.UserID
	signaturePrivateKey := c.state.identity.Signature.PrivateKey
	withPersonalKey := crypto.SecretBoxCipher{Key: c.state.personalKey}

	encryptedName, err := crypto.Encrypt(params.Name, withPersonalKey)
	if err != nil {
		c.mu.Unlock()
		return KeychainItem{}, err
	}
	encryptedPayload, err := crypto.Encrypt(serialized, withPersonalKey)
	if err != nil {
		c.mu.Unlock()
		return KeychainItem{}, err
	}
	c.mu.Unlock()

	createdAt := params.CreatedAt
	if createdAt.IsZero() {
		createdAt = c.now()
	}
	row := api.KeychainItem{
		OwnerID:            userID,
		SharedBy:           params.SharedBy,
		CreatedAt:          formatTime(createdAt),
		ExpiresAt:          formatOptionalTime(params.ExpiresAt),
		Name:               encryptedName,
		Payload:            encryptedPayload,
		NameFingerprint:    nameFingerprint,
		PayloadFingerprint: payloadFingerprint,
	}
	row.Signature, err = authn.SignKeychainItem(ed25519.PrivateKey(signaturePrivateKey), row)
	if err != nil {
		return KeychainItem{}, err
	}
	err = c.apiCall(ctx, http.MethodPost, "/keychain", row, nil, true)
	if duplicate {
		// The key is already held locally; the post only consumes the
		// matching pending share, so its outcome does not change that.
		return KeychainItem{}, ErrDuplicateKey
	}
	if err != nil {
		if api.IsConflict(err) {
			return KeychainItem{}, ErrDuplicateKey
		}
		return KeychainItem{}, err
	}

	item := KeychainItem{
		Name:               params.Name,
		NameFingerprint:    nameFingerprint,
		PayloadFingerprint: payloadFingerprint,
		Cipher:             params.Cipher,
		CreatedAt:          createdAt,
		ExpiresAt:          params.ExpiresAt,
		SharedBy:           params.SharedBy,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == nil {
		// Logged out while the request was in flight: the server has the
		// row, but no plaintext may survive locally.
		crypto.Memzero(item.Cipher)
		return KeychainItem{}, ErrAccountLocked
	}
	c.state.keychain[params.Name] = insertNewestFirst(c.state.keychain[params.Name], item)
	return item, nil
}

// LoadKeychain replaces the in-memory keychain with the server's view.
// Rows that fail signature or fingerprint verification are skipped and
// logged, never silently trusted.
func (c *Client) LoadKeychain(ctx context.Context) error {
	var rows []api.KeychainItem
	if err := c.apiCall(ctx, http.MethodGet, "/keychain", nil, &rows, true); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == nil {
		return ErrAccountLocked
	}
	withPersonalKey := crypto.SecretBoxCipher{Key: c.state.personalKey}
	signaturePublicKey := ed25519.PublicKey(c.state.identity.Signature.PublicKey)

	keychain := make(map[string][]KeychainItem, len(rows))
	for _, row := range rows {
		if !authn.VerifyKeychainItem(signaturePublicKey, row) {
			c.log.Warn("dropping keychain row with invalid signature",
				"nameFingerprint", row.NameFingerprint)
			continue
		}
		item, err := c.decryptKeychainRow(row, withPersonalKey)
		if err != nil {
			c.log.Warn("dropping undecryptable keychain row",
				"nameFingerprint", row.NameFingerprint, "error", err)
			continue
		}
		keychain[item.Name] = insertNewestFirst(keychain[item.Name], item)
	}
	c.state.keychain = keychain
	return nil
}

func (c *Client) decryptKeychainRow(row api.KeychainItem, withPersonalKey crypto.SecretBoxCipher) (KeychainItem, error) {
	name, err := crypto.DecryptString(row.Name, withPersonalKey)
	if err != nil {
		return KeychainItem{}, fmt.Errorf("name: %w", err)
	}
	payload, err := crypto.DecryptString(row.Payload, withPersonalKey)
	if err != nil {
		return KeychainItem{}, fmt.Errorf("payload: %w", err)
	}
	if crypto.Fingerprint([]byte(name)) != row.NameFingerprint {
		return KeychainItem{}, ErrFingerprintMismatch
	}
	if crypto.Fingerprint([]byte(strings.TrimSpace(payload))) != row.PayloadFingerprint {
		return KeychainItem{}, ErrFingerprintMismatch
	}
	cipher, err := crypto.ParseCipher(payload)
	if err != nil {
		return KeychainItem{}, err
	}
	createdAt, err := parseTime(row.CreatedAt)
	if err != nil {
		return KeychainItem{}, err
	}
	expiresAt, err := parseOptionalTime(row.ExpiresAt)
	if err != nil {
		return KeychainItem{}, err
	}
	return KeychainItem{
		Name:               name,
		NameFingerprint:    row.NameFingerprint,
		PayloadFingerprint: row.PayloadFingerprint,
		Cipher:             cipher,
		CreatedAt:          createdAt,
		ExpiresAt:          expiresAt,
		SharedBy:           row.SharedBy,
	}, nil
}

// GetKeysBy returns display-safe metadata for every revision, grouped by
// name or by name fingerprint. Revisions stay newest first.
func (c *Client) GetKeysBy(indexBy IndexBy) (map[string][]KeyMetadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == nil {
		return nil, ErrAccountLocked
	}
	out := make(map[string][]KeyMetadata, len(c.state.keychain))
	for name, revisions := range c.state.keychain {
		groupKey := name
		if indexBy == IndexByNameFingerprint {
			groupKey = revisions[0].NameFingerprint
		}
		for _, revision := range revisions {
			out[groupKey] = append(out[groupKey], metadataOf(revision))
		}
	}
	return out, nil
}

func metadataOf(item KeychainItem) KeyMetadata {
	md := KeyMetadata{
		Name:               item.Name,
		NameFingerprint:    item.NameFingerprint,
		PayloadFingerprint: item.PayloadFingerprint,
		Algorithm:          item.Cipher.Algorithm(),
		CreatedAt:          item.CreatedAt,
		SharedBy:           item.SharedBy,
	}
	if !item.ExpiresAt.IsZero() {
		expiresAt := item.ExpiresAt
		md.ExpiresAt = &expiresAt
	}
	switch c := item.Cipher.(type) {
	case crypto.BoxCipher:
		md.PublicKey = crypto.EncodeKey(c.PublicKey)
	case crypto.SealedBoxCipher:
		md.PublicKey = crypto.EncodeKey(c.PublicKey)
	}
	return md
}

// Encrypt seals input under the newest revision of the named key.
func (c *Client) Encrypt(input any, keyName string) (string, error) {
	c.mu.Lock()
	if c.state == nil {
		c.mu.Unlock()
		return "", ErrAccountLocked
	}
	revisions := c.state.keychain[keyName]
	if len(revisions) == 0 {
		c.mu.Unlock()
		return "", ErrKeyNotFound
	}
	newest := revisions[0]
	c.mu.Unlock()
	if !newest.ExpiresAt.IsZero() && newest.ExpiresAt.Before(c.now()) {
		return "", ErrKeyExpired
	}
	return crypto.Encrypt(input, newest.Cipher)
}

// Decrypt opens ciphertext by trying every revision of the named key,
// newest first, so that data encrypted before a rotation stays readable.
func (c *Client) Decrypt(ciphertext, keyName string) (any, error) {
	c.mu.Lock()
	if c.state == nil {
		c.mu.Unlock()
		return nil, ErrAccountLocked
	}
	revisions := append([]KeychainItem(nil), c.state.keychain[keyName]...)
	c.mu.Unlock()
	if len(revisions) == 0 {
		return nil, ErrKeyNotFound
	}
	for _, revision := range revisions {
		out, err := crypto.Decrypt(ciphertext, revision.Cipher)
		if err == nil {
			return out, nil
		}
	}
	return nil, crypto.ErrDecryptionFailed
}

// insertNewestFirst keeps revision lists ordered by CreatedAt descending.
func insertNewestFirst(revisions []KeychainItem, item KeychainItem) []KeychainItem {
	at := len(revisions)
	for i, revision := range revisions {
		if item.CreatedAt.After(revision.CreatedAt) {
			at = i
			break
		}
	}
	revisions = append(revisions, KeychainItem{})
	copy(revisions[at+1:], revisions[at:])
	revisions[at] = item
	return revisions
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatOptionalTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return formatTime(t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseOptionalTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return parseTime(s)
}
