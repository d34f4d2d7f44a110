package authn

import (
	"crypto/ed25519"

	"keyfold/go-backend/internal/crypto"
	"keyfold/go-backend/pkg/api"
)

// keychainItemItems binds the metadata tuple of a keychain row. The
// ciphertexts themselves are excluded: their integrity is carried by the
// payload fingerprint, which is computed over the cleartext.
func keychainItemItems(item api.KeychainItem) ([][]byte, error) {
	nameFingerprint, err := crypto.DecodeKey(item.NameFingerprint)
	if err != nil {
		return nil, err
	}
	payloadFingerprint, err := crypto.DecodeKey(item.PayloadFingerprint)
	if err != nil {
		return nil, err
	}
	return [][]byte{
		[]byte(item.OwnerID),
		[]byte(item.SharedBy),
		[]byte(item.CreatedAt),
		[]byte(item.ExpiresAt),
		nameFingerprint,
		payloadFingerprint,
	}, nil
}

// SignKeychainItem signs the row metadata under the owner's key and
// returns the encoded signature.
func SignKeychainItem(privateKey ed25519.PrivateKey, item api.KeychainItem) (string, error) {
	items, err := keychainItemItems(item)
	if err != nil {
		return "", err
	}
	return crypto.EncodeKey(crypto.SignHash(privateKey, items...)), nil
}

// VerifyKeychainItem verifies the row signature against the owner's
// stored public key.
func VerifyKeychainItem(publicKey ed25519.PublicKey, item api.KeychainItem) bool {
	items, err := keychainItemItems(item)
	if err != nil {
		return false
	}
	signature, err := crypto.DecodeKey(item.Signature)
	if err != nil {
		return false
	}
	return crypto.VerifySignedHash(publicKey, signature, items...)
}

// sharedKeyItems binds every field of a pending shared key, including
// the sender's own public keys, so a relay cannot substitute the sender
// identity.
func sharedKeyItems(sk api.SharedKey) ([][]byte, error) {
	nameFingerprint, err := crypto.DecodeKey(sk.NameFingerprint)
	if err != nil {
		return nil, err
	}
	payloadFingerprint, err := crypto.DecodeKey(sk.PayloadFingerprint)
	if err != nil {
		return nil, err
	}
	sharingPublicKey, err := crypto.DecodeKey(sk.FromSharingPublicKey)
	if err != nil {
		return nil, err
	}
	signaturePublicKey, err := crypto.DecodeKey(sk.FromSignaturePublicKey)
	if err != nil {
		return nil, err
	}
	return [][]byte{
		[]byte(sk.FromUserID),
		[]byte(sk.ToUserID),
		[]byte(sk.CreatedAt),
		[]byte(sk.ExpiresAt),
		nameFingerprint,
		payloadFingerprint,
		sharingPublicKey,
		signaturePublicKey,
	}, nil
}

// SignSharedKey signs a pending shared key under the sender's key.
func SignSharedKey(privateKey ed25519.PrivateKey, sk api.SharedKey) (string, error) {
	items, err := sharedKeyItems(sk)
	if err != nil {
		return "", err
	}
	return crypto.EncodeKey(crypto.SignHash(privateKey, items...)), nil
}

// VerifySharedKey verifies a pending shared key against the claimed
// sender signature public key.
func VerifySharedKey(publicKey ed25519.PublicKey, sk api.SharedKey) bool {
	items, err := sharedKeyItems(sk)
	if err != nil {
		return false
	}
	signature, err := crypto.DecodeKey(sk.Signature)
	if err != nil {
		return false
	}
	return crypto.VerifySignedHash(publicKey, signature, items...)
}
