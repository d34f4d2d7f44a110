package crypto

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	mrand "math/rand"
	"strings"

	"golang.org/x/crypto/nacl/box"
)

// Algorithm identifies one of the three cipher families.
type Algorithm string

const (
	AlgorithmBox       Algorithm = "box"
	AlgorithmSealedBox Algorithm = "sealedBox"
	AlgorithmSecretBox Algorithm = "secretBox"
)

const (
	KeySize       = 32
	NonceSize     = 24
	SignatureSize = 64

	// CipherPaddedLength is the fixed serialized size of a cipher once
	// padded, hiding the algorithm and key size from a length side-channel.
	CipherPaddedLength = 150
)

var (
	ErrMalformedCipher   = errors.New("malformed cipher serialization")
	ErrUnknownAlgorithm  = errors.New("unknown cipher algorithm")
	ErrCipherTooLong     = errors.New("serialized cipher exceeds padded length")
	ErrMissingPrivateKey = errors.New("private key is required to open sealed boxes")
)

// Cipher is one concrete key usable for encrypt/decrypt. It is a closed
// union over BoxCipher, SealedBoxCipher and SecretBoxCipher so that
// codec code can match exhaustively.
type Cipher interface {
	Algorithm() Algorithm
	sealed()
}

// BoxCipher is authenticated public-key encryption between two parties.
// Nonce, when set, pins the nonce used for both directions.
type BoxCipher struct {
	PublicKey  []byte
	PrivateKey []byte
	Nonce      []byte
}

// SealedBoxCipher is anonymous public-key encryption. PrivateKey may be
// nil on the sender side; opening requires it.
type SealedBoxCipher struct {
	PublicKey  []byte
	PrivateKey []byte
}

// SecretBoxCipher is authenticated symmetric encryption under Key.
type SecretBoxCipher struct {
	Key   []byte
	Nonce []byte
}

func (BoxCipher) Algorithm() Algorithm       { return AlgorithmBox }
func (SealedBoxCipher) Algorithm() Algorithm { return AlgorithmSealedBox }
func (SecretBoxCipher) Algorithm() Algorithm { return AlgorithmSecretBox }

func (BoxCipher) sealed()       {}
func (SealedBoxCipher) sealed() {}
func (SecretBoxCipher) sealed() {}

// GenerateBoxCipher generates a fresh X25519 key pair for box encryption.
func GenerateBoxCipher() (BoxCipher, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return BoxCipher{}, err
	}
	return BoxCipher{PublicKey: pub[:], PrivateKey: priv[:]}, nil
}

// GenerateSealedBoxCipher generates a fresh X25519 key pair for
// anonymous sealed-box encryption.
func GenerateSealedBoxCipher() (SealedBoxCipher, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return SealedBoxCipher{}, err
	}
	return SealedBoxCipher{PublicKey: pub[:], PrivateKey: priv[:]}, nil
}

// GenerateSecretBoxCipher generates a fresh 32-byte symmetric key.
func GenerateSecretBoxCipher() (SecretBoxCipher, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return SecretBoxCipher{}, err
	}
	return SecretBoxCipher{Key: key}, nil
}

// Memzero overwrites all secret buffers of c in place: private keys,
// symmetric keys, and any pinned nonce. Public keys are left intact.
func Memzero(c Cipher) {
	switch c := c.(type) {
	case BoxCipher:
		Zero(c.PrivateKey)
		Zero(c.Nonce)
	case SealedBoxCipher:
		Zero(c.PrivateKey)
	case SecretBoxCipher:
		Zero(c.Key)
		Zero(c.Nonce)
	}
}

type serializedCipher struct {
	Algorithm  Algorithm `json:"algorithm"`
	PublicKey  string    `json:"publicKey,omitempty"`
	PrivateKey string    `json:"privateKey,omitempty"`
	Key        string    `json:"key,omitempty"`
}

// Serialize renders c as a canonical JSON record with base64url-encoded
// key material. This does not encrypt anything: the output must only
// ever be stored as the payload of an Encrypt call.
func Serialize(c Cipher) (string, error) {
	switch c := c.(type) {
	case BoxCipher:
		return fmt.Sprintf(`{"algorithm":%q,"publicKey":%q,"privateKey":%q}`,
			AlgorithmBox, EncodeKey(c.PublicKey), EncodeKey(c.PrivateKey)), nil
	case SealedBoxCipher:
		return fmt.Sprintf(`{"algorithm":%q,"publicKey":%q,"privateKey":%q}`,
			AlgorithmSealedBox, EncodeKey(c.PublicKey), EncodeKey(c.PrivateKey)), nil
	case SecretBoxCipher:
		return fmt.Sprintf(`{"algorithm":%q,"key":%q}`,
			AlgorithmSecretBox, EncodeKey(c.Key)), nil
	default:
		return "", ErrUnknownAlgorithm
	}
}

// PadSerialize serializes c and pads the result to targetLength with
// whitespace, splitting the pad amount randomly between the two ends.
// Trimming the output recovers the canonical serialization, so
// fingerprints stay deterministic across independent paddings.
func PadSerialize(c Cipher, targetLength int) (string, error) {
	s, err := Serialize(c)
	if err != nil {
		return "", err
	}
	padSize := targetLength - len(s)
	if padSize < 0 {
		return "", ErrCipherTooLong
	}
	padStart := mrand.Intn(padSize + 1)
	padEnd := padSize - padStart
	return strings.Repeat(" ", padStart) + s + strings.Repeat(" ", padEnd), nil
}

// ParseCipher parses a (possibly padded) cipher serialization, validating
// that every key field decodes to exactly 32 raw bytes.
func ParseCipher(input string) (Cipher, error) {
	var record serializedCipher
	if err := json.Unmarshal([]byte(strings.TrimSpace(input)), &record); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCipher, err)
	}
	switch record.Algorithm {
	case AlgorithmBox, AlgorithmSealedBox:
		pub, err := decodeKeyExact(record.PublicKey, KeySize)
		if err != nil {
			return nil, fmt.Errorf("%w: public key: %v", ErrMalformedCipher, err)
		}
		priv, err := decodeKeyExact(record.PrivateKey, KeySize)
		if err != nil {
			return nil, fmt.Errorf("%w: private key: %v", ErrMalformedCipher, err)
		}
		if record.Algorithm == AlgorithmBox {
			return BoxCipher{PublicKey: pub, PrivateKey: priv}, nil
		}
		return SealedBoxCipher{PublicKey: pub, PrivateKey: priv}, nil
	case AlgorithmSecretBox:
		key, err := decodeKeyExact(record.Key, KeySize)
		if err != nil {
			return nil, fmt.Errorf("%w: key: %v", ErrMalformedCipher, err)
		}
		return SecretBoxCipher{Key: key}, nil
	default:
		return nil, ErrUnknownAlgorithm
	}
}
