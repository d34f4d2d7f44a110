package crypto

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

// EnvelopeVersion prefixes the dot-separated textual ciphertext format:
//
//	v1.<algorithm>.<payloadType>.<base64(nonce)>.<base64(ciphertext)>
//
// Sealed boxes omit the nonce part (it is derived inside the primitive),
// leaving four parts instead of five.
const EnvelopeVersion = "v1"

// PayloadType records how the cleartext must be decoded after opening.
type PayloadType string

const (
	PayloadBinary PayloadType = "bin"  // []byte
	PayloadText   PayloadType = "txt"  // string
	PayloadJSON   PayloadType = "json" // any other JSON-encodable value
)

// Encoding selects a string rendering of the raw nonce‖ciphertext bytes.
type Encoding string

const (
	EncodingHex    Encoding = "hex"
	EncodingBase64 Encoding = "base64"
)

var (
	ErrAlgorithmMismatch  = errors.New("envelope algorithm does not match cipher")
	ErrMalformedEnvelope  = errors.New("malformed ciphertext envelope")
	ErrDecryptionFailed   = errors.New("decryption failed")
	ErrNonceMismatch      = errors.New("mismatch between pinned and embedded nonces")
	ErrUnknownPayloadType = errors.New("unknown payload type")
	ErrUnsupportedInput   = errors.New("input is not encryptable")
)

func classifyPayload(input any) (PayloadType, []byte, error) {
	switch v := input.(type) {
	case []byte:
		return PayloadBinary, v, nil
	case string:
		return PayloadText, []byte(v), nil
	default:
		raw, err := json.Marshal(input)
		if err != nil {
			return "", nil, fmt.Errorf("%w: %v", ErrUnsupportedInput, err)
		}
		return PayloadJSON, raw, nil
	}
}

func decodePayload(payloadType PayloadType, cleartext []byte) (any, error) {
	switch payloadType {
	case PayloadBinary:
		return cleartext, nil
	case PayloadText:
		return string(cleartext), nil
	case PayloadJSON:
		var out any
		if err := json.Unmarshal(cleartext, &out); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPayloadType, payloadType)
	}
}

// seal encrypts payload under c. The returned nonce is nil for sealed
// boxes, whose nonce derivation is internal.
func seal(payload []byte, c Cipher) (nonce, ciphertext []byte, err error) {
	switch c := c.(type) {
	case BoxCipher:
		n, err := pickNonce(c.Nonce)
		if err != nil {
			return nil, nil, err
		}
		var pub, priv [KeySize]byte
		copy(pub[:], c.PublicKey)
		copy(priv[:], c.PrivateKey)
		return n[:], box.Seal(nil, payload, &n, &pub, &priv), nil
	case SealedBoxCipher:
		ct, err := sealedBoxSeal(payload, c.PublicKey)
		return nil, ct, err
	case SecretBoxCipher:
		n, err := pickNonce(c.Nonce)
		if err != nil {
			return nil, nil, err
		}
		var key [KeySize]byte
		copy(key[:], c.Key)
		return n[:], secretbox.Seal(nil, payload, &n, &key), nil
	default:
		return nil, nil, ErrUnknownAlgorithm
	}
}

// open decrypts nonce‖ciphertext under c, enforcing the pinned-nonce
// check for box and secretBox.
func open(nonce, ciphertext []byte, c Cipher) ([]byte, error) {
	switch c := c.(type) {
	case BoxCipher:
		if c.Nonce != nil && !bytes.Equal(c.Nonce, nonce) {
			return nil, ErrNonceMismatch
		}
		var n [NonceSize]byte
		copy(n[:], nonce)
		var pub, priv [KeySize]byte
		copy(pub[:], c.PublicKey)
		copy(priv[:], c.PrivateKey)
		cleartext, ok := box.Open(nil, ciphertext, &n, &pub, &priv)
		if !ok {
			return nil, ErrDecryptionFailed
		}
		return cleartext, nil
	case SealedBoxCipher:
		if c.PrivateKey == nil {
			return nil, ErrMissingPrivateKey
		}
		cleartext, ok := sealedBoxOpen(ciphertext, c.PublicKey, c.PrivateKey)
		if !ok {
			return nil, ErrDecryptionFailed
		}
		return cleartext, nil
	case SecretBoxCipher:
		if c.Nonce != nil && !bytes.Equal(c.Nonce, nonce) {
			return nil, ErrNonceMismatch
		}
		var n [NonceSize]byte
		copy(n[:], nonce)
		var key [KeySize]byte
		copy(key[:], c.Key)
		cleartext, ok := secretbox.Open(nil, ciphertext, &n, &key)
		if !ok {
			return nil, ErrDecryptionFailed
		}
		return cleartext, nil
	default:
		return nil, ErrUnknownAlgorithm
	}
}

func pickNonce(pinned []byte) ([NonceSize]byte, error) {
	var n [NonceSize]byte
	if pinned != nil {
		copy(n[:], pinned)
		return n, nil
	}
	_, err := rand.Read(n[:])
	return n, err
}

// Encrypt seals input under c and renders the versioned envelope format.
func Encrypt(input any, c Cipher) (string, error) {
	payloadType, payload, err := classifyPayload(input)
	if err != nil {
		return "", err
	}
	nonce, ciphertext, err := seal(payload, c)
	if err != nil {
		return "", err
	}
	parts := []string{EnvelopeVersion, string(c.Algorithm()), string(payloadType)}
	if nonce != nil {
		parts = append(parts, EncodeKey(nonce))
	}
	parts = append(parts, EncodeKey(ciphertext))
	return strings.Join(parts, "."), nil
}

// EncryptBuffer seals input under c and returns the raw nonce‖ciphertext
// bytes (bare ciphertext for sealed boxes).
func EncryptBuffer(input any, c Cipher) ([]byte, error) {
	_, payload, err := classifyPayload(input)
	if err != nil {
		return nil, err
	}
	nonce, ciphertext, err := seal(payload, c)
	if err != nil {
		return nil, err
	}
	return append(nonce, ciphertext...), nil
}

// EncryptEncoded seals input under c and renders the raw bytes in the
// given string encoding.
func EncryptEncoded(input any, c Cipher, enc Encoding) (string, error) {
	raw, err := EncryptBuffer(input, c)
	if err != nil {
		return "", err
	}
	switch enc {
	case EncodingHex:
		return hex.EncodeToString(raw), nil
	case EncodingBase64:
		return EncodeKey(raw), nil
	default:
		return "", fmt.Errorf("unsupported encoding %q", enc)
	}
}

// Decrypt opens a versioned envelope under c and decodes the cleartext
// according to the embedded payload type.
func Decrypt(envelope string, c Cipher) (any, error) {
	parts := strings.Split(envelope, ".")
	wantParts := 5
	if c.Algorithm() == AlgorithmSealedBox {
		wantParts = 4
	}
	if len(parts) < 2 || parts[0] != EnvelopeVersion {
		return nil, ErrMalformedEnvelope
	}
	if Algorithm(parts[1]) != c.Algorithm() {
		return nil, fmt.Errorf("%w: expected to decrypt %s, but got %s",
			ErrAlgorithmMismatch, c.Algorithm(), parts[1])
	}
	if len(parts) != wantParts {
		return nil, ErrMalformedEnvelope
	}
	payloadType := PayloadType(parts[2])
	var nonce []byte
	var err error
	ciphertextPart := parts[3]
	if wantParts == 5 {
		if nonce, err = DecodeKey(parts[3]); err != nil {
			return nil, ErrMalformedEnvelope
		}
		ciphertextPart = parts[4]
	}
	ciphertext, err := DecodeKey(ciphertextPart)
	if err != nil {
		return nil, ErrMalformedEnvelope
	}
	cleartext, err := open(nonce, ciphertext, c)
	if err != nil {
		return nil, err
	}
	return decodePayload(payloadType, cleartext)
}

// DecryptString opens a versioned envelope and asserts a txt payload.
func DecryptString(envelope string, c Cipher) (string, error) {
	out, err := Decrypt(envelope, c)
	if err != nil {
		return "", err
	}
	s, ok := out.(string)
	if !ok {
		return "", fmt.Errorf("%w: expected txt payload", ErrUnknownPayloadType)
	}
	return s, nil
}

// DecryptBuffer opens raw nonce‖ciphertext bytes (bare ciphertext for
// sealed boxes) and returns the cleartext.
func DecryptBuffer(input []byte, c Cipher) ([]byte, error) {
	if c.Algorithm() == AlgorithmSealedBox {
		return open(nil, input, c)
	}
	if len(input) < NonceSize {
		return nil, ErrMalformedEnvelope
	}
	return open(input[:NonceSize], input[NonceSize:], c)
}

// DecryptEncoded opens a hex or base64 rendering of the raw bytes.
func DecryptEncoded(input string, c Cipher, enc Encoding) ([]byte, error) {
	var raw []byte
	var err error
	switch enc {
	case EncodingHex:
		raw, err = hex.DecodeString(input)
	case EncodingBase64:
		raw, err = DecodeKey(input)
	default:
		return nil, fmt.Errorf("unsupported encoding %q", enc)
	}
	if err != nil {
		return nil, ErrMalformedEnvelope
	}
	return DecryptBuffer(raw, c)
}
