// Package api defines the wire types and authentication headers shared
// by the keyfold client and server.
package api

import (
	"errors"
	"fmt"
)

// Authentication headers attached to every signed request and response.
const (
	HeaderUserID          = "x-e2esdk-user-id"
	HeaderTimestamp       = "x-e2esdk-timestamp"
	HeaderSignature       = "x-e2esdk-signature"
	HeaderServerPublicKey = "x-e2esdk-server-pubkey"
)

// SignupRequest carries the public keys of a new identity plus its
// private keys encrypted under the owner's personal key.
type SignupRequest struct {
	UserID              string `json:"userId"`
	SignaturePublicKey  string `json:"signaturePublicKey"`
	SignaturePrivateKey string `json:"signaturePrivateKey"`
	SharingPublicKey    string `json:"sharingPublicKey"`
	SharingPrivateKey   string `json:"sharingPrivateKey"`
}

// LoginResponse returns the stored identity record; private keys are
// still encrypted under the personal key.
type LoginResponse struct {
	SignaturePublicKey  string `json:"signaturePublicKey"`
	SignaturePrivateKey string `json:"signaturePrivateKey"`
	SharingPublicKey    string `json:"sharingPublicKey"`
	SharingPrivateKey   string `json:"sharingPrivateKey"`
}

// PublicIdentity is the public-key projection of an identity. It never
// carries secret material.
type PublicIdentity struct {
	UserID             string `json:"userId"`
	SignaturePublicKey string `json:"signaturePublicKey"`
	SharingPublicKey   string `json:"sharingPublicKey"`
}

// KeychainItem is the at-rest, owner-encrypted form of one keychain
// revision. Name and Payload are ciphertext envelopes under the owner's
// personal key. Timestamps travel as RFC 3339 strings so that signatures
// bind the exact bytes.
type KeychainItem struct {
	OwnerID            string `json:"ownerId"`
	SharedBy           string `json:"sharedBy,omitempty"`
	CreatedAt          string `json:"createdAt"`
	ExpiresAt          string `json:"expiresAt,omitempty"`
	Name               string `json:"name"`
	Payload            string `json:"payload"`
	NameFingerprint    string `json:"nameFingerprint"`
	PayloadFingerprint string `json:"payloadFingerprint"`
	Signature          string `json:"signature"`
}

// SharedKey is a pending key-sharing handshake entry. Name and Payload
// are ciphertext envelopes under a box cipher between the sender and the
// recipient. The signature binds the sender's own public keys so a relay
// cannot substitute the sender identity.
type SharedKey struct {
	FromUserID             string `json:"fromUserId"`
	ToUserID               string `json:"toUserId"`
	FromSharingPublicKey   string `json:"fromSharingPublicKey"`
	FromSignaturePublicKey string `json:"fromSignaturePublicKey"`
	CreatedAt              string `json:"createdAt"`
	ExpiresAt              string `json:"expiresAt,omitempty"`
	Name                   string `json:"name"`
	Payload                string `json:"payload"`
	NameFingerprint        string `json:"nameFingerprint"`
	PayloadFingerprint     string `json:"payloadFingerprint"`
	Signature              string `json:"signature"`
}

// PermissionFlags are the per-(user, key-name) capabilities.
type PermissionFlags struct {
	AllowSharing    bool `json:"allowSharing"`
	AllowRotation   bool `json:"allowRotation"`
	AllowDeletion   bool `json:"allowDeletion"`
	AllowManagement bool `json:"allowManagement"`
}

// PermissionRequest updates a subset of flags for a user on a key name.
// A request touching zero flags is rejected as malformed.
type PermissionRequest struct {
	UserID          string `json:"userId"`
	NameFingerprint string `json:"nameFingerprint"`
	AllowSharing    *bool  `json:"allowSharing,omitempty"`
	AllowRotation   *bool  `json:"allowRotation,omitempty"`
	AllowDeletion   *bool  `json:"allowDeletion,omitempty"`
	AllowManagement *bool  `json:"allowManagement,omitempty"`
}

// BanRequest revokes a user's access to a key name.
type BanRequest struct {
	UserID          string `json:"userId"`
	NameFingerprint string `json:"nameFingerprint"`
}

// Error is the JSON error body returned by the server.
type Error struct {
	StatusCode int    `json:"statusCode"`
	Title      string `json:"error"`
	Message    string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d %s: %s", e.StatusCode, e.Title, e.Message)
}

// IsConflict reports whether err is a 409 Conflict API error, which
// callers treat as a benign no-op (the recipient already has the key).
func IsConflict(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == 409
}
