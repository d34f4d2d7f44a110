package crypto

import (
	"crypto/ed25519"
	"crypto/rand"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/curve25519"
)

// Fingerprint returns the deterministic base64url blake2b-256 hash of
// data. It serves both as a lookup key (name fingerprints) and as a
// tamper-evidence value (payload fingerprints).
func Fingerprint(data []byte) string {
	sum := blake2b.Sum256(data)
	return EncodeKey(sum[:])
}

func hashItems(items ...[]byte) []byte {
	// Each item is fed as a discrete update to the streaming hash.
	// Hashing the concatenation instead would let variable-length
	// neighbours shift bytes across field boundaries.
	h, _ := blake2b.New512(nil)
	for _, item := range items {
		h.Write(item)
	}
	return h.Sum(nil)
}

// SignHash signs the incremental blake2b-512 digest of the given items
// with an Ed25519 private key.
func SignHash(privateKey ed25519.PrivateKey, items ...[]byte) []byte {
	return ed25519.Sign(privateKey, hashItems(items...))
}

// VerifySignedHash recomputes the incremental digest of items and
// verifies signature against it. Any item omission, reordering or
// mutation makes it return false.
func VerifySignedHash(publicKey ed25519.PublicKey, signature []byte, items ...[]byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(publicKey, hashItems(items...), signature)
}

// GenerateSignatureKeyPair generates a fresh Ed25519 key pair.
func GenerateSignatureKeyPair() (publicKey, privateKey []byte, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

// CheckSignatureKeyPair verifies that a signature public key received
// from the outside matches our private key, by signing a random probe
// and verifying it. A wrong personal key on login must surface here
// rather than as silent corruption.
func CheckSignatureKeyPair(publicKey, privateKey []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(privateKey) != ed25519.PrivateKeySize {
		return false
	}
	probe := make([]byte, 32)
	if _, err := rand.Read(probe); err != nil {
		return false
	}
	signature := ed25519.Sign(ed25519.PrivateKey(privateKey), probe)
	return ed25519.Verify(ed25519.PublicKey(publicKey), probe, signature)
}

// CheckSharingKeyPair verifies that an X25519 public key received from
// the outside is the scalar-base-mult of our private key.
func CheckSharingKeyPair(publicKey, privateKey []byte) bool {
	if len(publicKey) != KeySize || len(privateKey) != KeySize {
		return false
	}
	derived, err := curve25519.X25519(privateKey, curve25519.Basepoint)
	if err != nil {
		return false
	}
	return string(derived) == string(publicKey)
}
