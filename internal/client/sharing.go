package client

import (
	"context"
	"crypto/ed25519"
	"errors"
	"net/http"
	"strings"

	"keyfold/go-backend/internal/authn"
	"keyfold/go-backend/internal/crypto"
	"keyfold/go-backend/pkg/api"
)

// ShareKey sends the newest revision of the named key to another user.
// The key travels encrypted under an authenticated box between the
// sender's sharing key and the recipient's, and the whole record is
// signed by the sender. A 409 response (the recipient already holds the
// key) is returned as an api.Error; callers can detect it with
// api.IsConflict.
func (c *Client) ShareKey(ctx context.Context, keyName string, to api.PublicIdentity) error {
	recipientSharingKey, err := crypto.DecodeKey(to.SharingPublicKey)
	if err != nil || len(recipientSharingKey) != crypto.KeySize {
		return errors.New("client: invalid recipient sharing public key")
	}

	c.mu.Lock()
	if c.state == nil {
		c.mu.Unlock()
		return ErrAccountLocked
	}
	revisions := c.state.keychain[keyName]
	if len(revisions) == 0 {
		c.mu.Unlock()
		return ErrKeyNotFound
	}
	newest := revisions[0]
	identity := c.state.identity
	toRecipient := crypto.BoxCipher{
		PublicKey:  recipientSharingKey,
		PrivateKey: identity.Sharing.PrivateKey,
	}
	serialized, err := crypto.PadSerialize(newest.Cipher, crypto.CipherPaddedLength)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	encryptedName, err := crypto.Encrypt(keyName, toRecipient)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	encryptedPayload, err := crypto.Encrypt(serialized, toRecipient)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	sharedKey := api.SharedKey{
		FromUserID:             identity.UserID,
		ToUserID:               to.UserID,
		FromSharingPublicKey:   crypto.EncodeKey(identity.Sharing.PublicKey),
		FromSignaturePublicKey: crypto.EncodeKey(identity.Signature.PublicKey),
		CreatedAt:              formatTime(c.now()),
		ExpiresAt:              formatOptionalTime(newest.ExpiresAt),
		Name:                   encryptedName,
		Payload:                encryptedPayload,
		NameFingerprint:        newest.NameFingerprint,
		PayloadFingerprint:     crypto.Fingerprint([]byte(strings.TrimSpace(serialized))),
	}
	sharedKey.Signature, err = authn.SignSharedKey(ed25519.PrivateKey(identity.Signature.PrivateKey), sharedKey)
	if err != nil {
		return err
	}
	return c.apiCall(ctx, http.MethodPost, "/shared-keys", sharedKey, nil, true)
}

// GetOutgoingSharedKeys lists the pending shares this user has sent that
// have not yet been claimed.
func (c *Client) GetOutgoingSharedKeys(ctx context.Context) ([]api.SharedKey, error) {
	var out []api.SharedKey
	err := c.apiCall(ctx, http.MethodGet, "/shared-keys/outgoing", nil, &out, true)
	return out, err
}

// ProcessIncomingSharedKeys fetches pending shared keys and imports each
// valid one into the keychain, reporting how many were imported. A share
// is only accepted when the sender's signature verifies against the
// embedded sender key and both fingerprints match the decrypted content.
// A duplicate-key or server conflict means a previous import already
// committed, and counts as success.
func (c *Client) ProcessIncomingSharedKeys(ctx context.Context) (int, error) {
	var incoming []api.SharedKey
	if err := c.apiCall(ctx, http.MethodGet, "/shared-keys/incoming", nil, &incoming, true); err != nil {
		return 0, err
	}

	c.mu.Lock()
	if c.state == nil {
		c.mu.Unlock()
		return 0, ErrAccountLocked
	}
	sharingPrivateKey := c.state.identity.Sharing.PrivateKey
	c.mu.Unlock()

	imported := 0
	for _, sharedKey := range incoming {
		item, err := c.importSharedKey(ctx, sharedKey, sharingPrivateKey)
		if errors.Is(err, ErrDuplicateKey) || api.IsConflict(err) {
			imported++
			continue
		}
		if err != nil {
			c.log.Warn("skipping invalid incoming shared key",
				"from", sharedKey.FromUserID,
				"nameFingerprint", sharedKey.NameFingerprint,
				"error", err)
			continue
		}
		imported++
		if c.onKeyReceived != nil {
			c.onKeyReceived(item)
		}
	}
	return imported, nil
}

func (c *Client) importSharedKey(ctx context.Context, sharedKey api.SharedKey, sharingPrivateKey []byte) (KeychainItem, error) {
	senderSignatureKey, err := crypto.DecodeKey(sharedKey.FromSignaturePublicKey)
	if err != nil {
		return KeychainItem{}, err
	}
	if !authn.VerifySharedKey(ed25519.PublicKey(senderSignatureKey), sharedKey) {
		return KeychainItem{}, authn.ErrInvalidSignature
	}
	senderSharingKey, err := crypto.DecodeKey(sharedKey.FromSharingPublicKey)
	if err != nil {
		return KeychainItem{}, err
	}
	fromSender := crypto.BoxCipher{
		PublicKey:  senderSharingKey,
		PrivateKey: sharingPrivateKey,
	}
	name, err := crypto.DecryptString(sharedKey.Name, fromSender)
	if err != nil {
		return KeychainItem{}, err
	}
	payload, err := crypto.DecryptString(sharedKey.Payload, fromSender)
	if err != nil {
		return KeychainItem{}, err
	}
	if crypto.Fingerprint([]byte(name)) != sharedKey.NameFingerprint {
		return KeychainItem{}, ErrFingerprintMismatch
	}
	if crypto.Fingerprint([]byte(strings.TrimSpace(payload))) != sharedKey.PayloadFingerprint {
		return KeychainItem{}, ErrFingerprintMismatch
	}
	cipher, err := crypto.ParseCipher(payload)
	if err != nil {
		return KeychainItem{}, err
	}
	createdAt, err := parseTime(sharedKey.CreatedAt)
	if err != nil {
		crypto.Memzero(cipher)
		return KeychainItem{}, err
	}
	expiresAt, err := parseOptionalTime(sharedKey.ExpiresAt)
	if err != nil {
		crypto.Memzero(cipher)
		return KeychainItem{}, err
	}
	item, err := c.AddKey(ctx, AddKeyParams{
		Name:      name,
		Cipher:    cipher,
		CreatedAt: createdAt,
		ExpiresAt: expiresAt,
		SharedBy:  sharedKey.FromUserID,
	})
	if err != nil {
		crypto.Memzero(cipher)
		return KeychainItem{}, err
	}
	return item, nil
}
