package crypto

import (
	"encoding/base64"
	"fmt"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"
)

// Keys, fingerprints and signatures travel as unpadded base64url,
// matching libsodium's default to_base64 variant.

func EncodeKey(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func DecodeKey(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}

func decodeKeyExact(s string, size int) ([]byte, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) != size {
		return nil, fmt.Errorf("expected %d bytes, got %d", size, len(b))
	}
	return b, nil
}

// DisplayFingerprint renders a short base58 fingerprint of a public key,
// for out-of-band comparison between users.
func DisplayFingerprint(publicKey []byte) string {
	sum := blake2b.Sum256(publicKey)
	return base58.Encode(sum[:16])
}
