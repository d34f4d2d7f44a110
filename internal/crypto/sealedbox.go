package crypto

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/nacl/box"
)

// Sealed boxes follow the libsodium crypto_box_seal construction: an
// ephemeral key pair is generated per message, the nonce is derived as
// blake2b-24(ephemeralPublicKey ‖ recipientPublicKey), and the output is
// ephemeralPublicKey ‖ box(message).

const sealedBoxOverhead = KeySize + box.Overhead

var errSealedBoxTooShort = errors.New("sealed box ciphertext is too short")

func sealedBoxNonce(ephemeralPublicKey, recipientPublicKey []byte) [NonceSize]byte {
	h, _ := blake2b.New(NonceSize, nil)
	h.Write(ephemeralPublicKey)
	h.Write(recipientPublicKey)
	var nonce [NonceSize]byte
	copy(nonce[:], h.Sum(nil))
	return nonce
}

func sealedBoxSeal(message, recipientPublicKey []byte) ([]byte, error) {
	epub, epriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	defer Zero(epriv[:])
	nonce := sealedBoxNonce(epub[:], recipientPublicKey)
	var rpk [KeySize]byte
	copy(rpk[:], recipientPublicKey)
	out := make([]byte, KeySize, KeySize+len(message)+box.Overhead)
	copy(out, epub[:])
	return box.Seal(out, message, &nonce, &rpk, epriv), nil
}

func sealedBoxOpen(ciphertext, recipientPublicKey, recipientPrivateKey []byte) ([]byte, bool) {
	if len(ciphertext) < sealedBoxOverhead {
		return nil, false
	}
	ephemeralPublicKey := ciphertext[:KeySize]
	nonce := sealedBoxNonce(ephemeralPublicKey, recipientPublicKey)
	var epk, rsk [KeySize]byte
	copy(epk[:], ephemeralPublicKey)
	copy(rsk[:], recipientPrivateKey)
	return box.Open(nil, ciphertext[KeySize:], &nonce, &epk, &rsk)
}
