// Package authn implements the mutual request-authentication protocol:
// clients sign requests, the server verifies them against the stored
// signature public key, the server signs responses with its own key, and
// clients verify those. It also canonicalizes the signature item lists
// for keychain rows and shared-key handshakes so both sides bind the
// exact same fields.
package authn

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"keyfold/go-backend/internal/crypto"
	"keyfold/go-backend/pkg/api"
)

// ReplayWindow bounds how far a request timestamp may drift from server
// time before it is rejected regardless of signature validity.
const ReplayWindow = 15 * time.Minute

var (
	ErrInvalidSignature = errors.New("invalid request signature")
	ErrStaleTimestamp   = errors.New("request timestamp is too far off current time")
	ErrMissingHeader    = errors.New("missing authentication header")
	ErrUserIDMismatch   = errors.New("response user id does not match session identity")
)

// signatureItems builds the canonical item list for a signed HTTP
// exchange. Empty items are dropped, mirroring both sides' expectations.
func signatureItems(userID, method, url, timestamp string, body, signaturePublicKey []byte) [][]byte {
	items := make([][]byte, 0, 5)
	if userID != "" {
		items = append(items, []byte(userID))
	}
	items = append(items, []byte(method+" "+url), []byte(timestamp))
	if len(body) > 0 {
		items = append(items, body)
	}
	if len(signaturePublicKey) > 0 {
		items = append(items, signaturePublicKey)
	}
	return items
}

// Timestamp renders now as the millisecond epoch string carried in the
// timestamp header.
func Timestamp(now time.Time) string {
	return strconv.FormatInt(now.UnixMilli(), 10)
}

// CheckTimestamp enforces the replay window.
func CheckTimestamp(header string, now time.Time) error {
	ms, err := strconv.ParseInt(header, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStaleTimestamp, err)
	}
	drift := now.Sub(time.UnixMilli(ms))
	if drift < 0 {
		drift = -drift
	}
	if drift > ReplayWindow {
		return ErrStaleTimestamp
	}
	return nil
}

// SignRequest attaches the authentication headers to an outgoing request.
// url must be the absolute request URL as the server will reconstruct it.
func SignRequest(header http.Header, privateKey ed25519.PrivateKey, userID, method, url string, body []byte, now time.Time) {
	timestamp := Timestamp(now)
	publicKey := privateKey.Public().(ed25519.PublicKey)
	signature := crypto.SignHash(privateKey,
		signatureItems(userID, method, url, timestamp, body, publicKey)...)
	header.Set(api.HeaderUserID, userID)
	header.Set(api.HeaderTimestamp, timestamp)
	header.Set(api.HeaderSignature, crypto.EncodeKey(signature))
}

// VerifyRequest checks the replay window and the request signature
// against the claimed user's stored public key.
func VerifyRequest(header http.Header, publicKey ed25519.PublicKey, method, url string, body []byte, now time.Time) error {
	userID := header.Get(api.HeaderUserID)
	timestamp := header.Get(api.HeaderTimestamp)
	signatureHeader := header.Get(api.HeaderSignature)
	if userID == "" || timestamp == "" || signatureHeader == "" {
		return ErrMissingHeader
	}
	if err := CheckTimestamp(timestamp, now); err != nil {
		return err
	}
	signature, err := crypto.DecodeKey(signatureHeader)
	if err != nil {
		return ErrInvalidSignature
	}
	if !crypto.VerifySignedHash(publicKey, signature,
		signatureItems(userID, method, url, timestamp, body, publicKey)...) {
		return ErrInvalidSignature
	}
	return nil
}

// SignResponse signs an outgoing server response with the server's key,
// echoing the authenticated user id when one is known.
func SignResponse(header http.Header, serverPrivateKey ed25519.PrivateKey, serverPublicKey []byte, userID, clientPublicKey string, method, url string, body []byte, now time.Time) {
	timestamp := Timestamp(now)
	clientKey, _ := crypto.DecodeKey(clientPublicKey)
	signature := crypto.SignHash(serverPrivateKey,
		signatureItems(userID, method, url, timestamp, body, clientKey)...)
	if userID != "" {
		header.Set(api.HeaderUserID, userID)
	}
	header.Set(api.HeaderTimestamp, timestamp)
	header.Set(api.HeaderSignature, crypto.EncodeKey(signature))
	header.Set(api.HeaderServerPublicKey, crypto.EncodeKey(serverPublicKey))
}

// VerifyResponse checks a server response signature and, for
// authenticated sessions, that the echoed user id matches our own.
func VerifyResponse(header http.Header, serverPublicKey ed25519.PublicKey, sessionUserID string, clientPublicKey []byte, method, url string, body []byte, now time.Time) error {
	timestamp := header.Get(api.HeaderTimestamp)
	signatureHeader := header.Get(api.HeaderSignature)
	if timestamp == "" || signatureHeader == "" {
		return ErrMissingHeader
	}
	if err := CheckTimestamp(timestamp, now); err != nil {
		return err
	}
	echoedUserID := header.Get(api.HeaderUserID)
	if sessionUserID != "" && echoedUserID != "" && echoedUserID != sessionUserID {
		return ErrUserIDMismatch
	}
	signature, err := crypto.DecodeKey(signatureHeader)
	if err != nil {
		return ErrInvalidSignature
	}
	if !crypto.VerifySignedHash(serverPublicKey, signature,
		signatureItems(echoedUserID, method, url, timestamp, body, clientPublicKey)...) {
		return ErrInvalidSignature
	}
	return nil
}
