package client

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"keyfold/go-backend/internal/crypto"
	"keyfold/go-backend/pkg/api"
)

const DefaultPollingInterval = 30 * time.Second

var (
	ErrAccountLocked       = errors.New("account is locked")
	ErrSessionActive       = errors.New("a session is already loaded")
	ErrInvalidPersonalKey  = errors.New("personal key does not unlock this identity")
	ErrKeyNotFound         = errors.New("no key with this name in the keychain")
	ErrKeyExpired          = errors.New("the newest key revision has expired")
	ErrDuplicateKey        = errors.New("key is already in the keychain")
	ErrRotationRejected    = errors.New("rotation must keep the same algorithm")
	ErrFingerprintMismatch = errors.New("shared key fingerprints do not match decrypted content")
)

type Config struct {
	ServerURL       string
	ServerPublicKey string // base64url Ed25519 public key
	PollingInterval time.Duration
	// OnKeyReceived is invoked for every shared key imported by the
	// background poller.
	OnKeyReceived func(KeychainItem)
	HTTPClient    *http.Client
	Logger        *slog.Logger
}

// KeyPair holds one asymmetric key pair. PrivateKey is zeroed on logout.
type KeyPair struct {
	PublicKey  []byte
	PrivateKey []byte
}

// Identity is the long-lived account identity, held only while loaded.
type Identity struct {
	UserID    string
	Signature KeyPair // Ed25519
	Sharing   KeyPair // X25519
}

// KeychainItem is one revision of a named key, plaintext client-side.
type KeychainItem struct {
	Name               string
	NameFingerprint    string
	PayloadFingerprint string
	Cipher             crypto.Cipher
	CreatedAt          time.Time
	ExpiresAt          time.Time // zero means no expiry
	SharedBy           string
}

// KeyMetadata is the display-safe projection of a revision: it never
// exposes private key bytes.
type KeyMetadata struct {
	Name               string           `json:"name"`
	NameFingerprint    string           `json:"nameFingerprint"`
	PayloadFingerprint string           `json:"payloadFingerprint"`
	Algorithm          crypto.Algorithm `json:"algorithm"`
	PublicKey          string           `json:"publicKey,omitempty"`
	CreatedAt          time.Time        `json:"createdAt"`
	ExpiresAt          *time.Time       `json:"expiresAt,omitempty"`
	SharedBy           string           `json:"sharedBy,omitempty"`
}

// IndexBy selects the grouping key for GetKeysBy.
type IndexBy int

const (
	IndexByName IndexBy = iota
	IndexByNameFingerprint
)

// loadedState exists exactly while the session is loaded.
type loadedState struct {
	identity    Identity
	personalKey []byte
	// keychain maps a key name to its revisions, newest first.
	keychain map[string][]KeychainItem
}

type Client struct {
	serverURL       string
	serverPublicKey ed25519.PublicKey
	pollingInterval time.Duration
	onKeyReceived   func(KeychainItem)
	httpClient      *http.Client
	log             *slog.Logger
	now             func() time.Time

	mu         sync.Mutex
	state      *loadedState
	pollCancel context.CancelFunc
}

func New(cfg Config) (*Client, error) {
	serverPublicKey, err := crypto.DecodeKey(cfg.ServerPublicKey)
	if err != nil || len(serverPublicKey) != ed25519.PublicKeySize {
		return nil, errors.New("client: invalid server public key")
	}
	if cfg.PollingInterval <= 0 {
		cfg.PollingInterval = DefaultPollingInterval
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		serverURL:       cfg.ServerURL,
		serverPublicKey: serverPublicKey,
		pollingInterval: cfg.PollingInterval,
		onKeyReceived:   cfg.OnKeyReceived,
		httpClient:      httpClient,
		log:             logger,
		now:             time.Now,
	}, nil
}

// Signup creates a fresh identity, stores it server-side with both
// private keys encrypted under personalKey, and loads the session.
// On any failure the session fully reverts to idle with secrets zeroed.
func (c *Client) Signup(ctx context.Context, userID string, personalKey []byte) (api.PublicIdentity, error) {
	if len(personalKey) != crypto.KeySize {
		return api.PublicIdentity{}, ErrInvalidPersonalKey
	}
	c.mu.Lock()
	if c.state != nil {
		c.mu.Unlock()
		return api.PublicIdentity{}, ErrSessionActive
	}

	signaturePublicKey, signaturePrivateKey, err := crypto.GenerateSignatureKeyPair()
	if err != nil {
		c.mu.Unlock()
		return api.PublicIdentity{}, err
	}
	sharing, err := crypto.GenerateBoxCipher()
	if err != nil {
		c.mu.Unlock()
		return api.PublicIdentity{}, err
	}
	identity := Identity{
		UserID:    userID,
		Signature: KeyPair{PublicKey: signaturePublicKey, PrivateKey: signaturePrivateKey},
		Sharing:   KeyPair{PublicKey: sharing.PublicKey, PrivateKey: sharing.PrivateKey},
	}
	withPersonalKey := crypto.SecretBoxCipher{Key: personalKey}
	encryptedSignatureKey, err := crypto.EncryptEncoded(identity.Signature.PrivateKey, withPersonalKey, crypto.EncodingBase64)
	if err != nil {
		c.mu.Unlock()
		return api.PublicIdentity{}, err
	}
	encryptedSharingKey, err := crypto.EncryptEncoded(identity.Sharing.PrivateKey, withPersonalKey, crypto.EncodingBase64)
	if err != nil {
		c.mu.Unlock()
		return api.PublicIdentity{}, err
	}

	c.state = &loadedState{
		identity:    identity,
		personalKey: personalKey,
		keychain:    make(map[string][]KeychainItem),
	}
	c.mu.Unlock()

	body := api.SignupRequest{
		UserID:              userID,
		SignaturePublicKey:  crypto.EncodeKey(identity.Signature.PublicKey),
		SignaturePrivateKey: encryptedSignatureKey,
		SharingPublicKey:    crypto.EncodeKey(identity.Sharing.PublicKey),
		SharingPrivateKey:   encryptedSharingKey,
	}
	if err := c.apiCall(ctx, http.MethodPost, "/signup", body, nil, false); err != nil {
		c.Logout() // cleanup on failure
		return api.PublicIdentity{}, err
	}
	c.startPolling()
	return c.PublicIdentity()
}

// Login fetches the encrypted identity record, unlocks it with
// personalKey, loads the keychain, and starts polling. A wrong personal
// key surfaces as ErrInvalidPersonalKey, never as silent corruption.
func (c *Client) Login(ctx context.Context, userID string, personalKey []byte) (api.PublicIdentity, error) {
	if len(personalKey) != crypto.KeySize {
		return api.PublicIdentity{}, ErrInvalidPersonalKey
	}
	c.mu.Lock()
	if c.state != nil {
		c.mu.Unlock()
		return api.PublicIdentity{}, ErrSessionActive
	}
	c.mu.Unlock()

	var responseBody api.LoginResponse
	if err := c.apiCallAs(ctx, http.MethodGet, "/login", nil, &responseBody, userID); err != nil {
		return api.PublicIdentity{}, err
	}

	withPersonalKey := crypto.SecretBoxCipher{Key: personalKey}
	signaturePublicKey, err := crypto.DecodeKey(responseBody.SignaturePublicKey)
	if err != nil {
		return api.PublicIdentity{}, fmt.Errorf("login: %w", err)
	}
	sharingPublicKey, err := crypto.DecodeKey(responseBody.SharingPublicKey)
	if err != nil {
		return api.PublicIdentity{}, fmt.Errorf("login: %w", err)
	}
	signaturePrivateKey, err := crypto.DecryptEncoded(responseBody.SignaturePrivateKey, withPersonalKey, crypto.EncodingBase64)
	if err != nil {
		return api.PublicIdentity{}, fmt.Errorf("%w: %v", ErrInvalidPersonalKey, err)
	}
	sharingPrivateKey, err := crypto.DecryptEncoded(responseBody.SharingPrivateKey, withPersonalKey, crypto.EncodingBase64)
	if err != nil {
		crypto.Zero(signaturePrivateKey)
		return api.PublicIdentity{}, fmt.Errorf("%w: %v", ErrInvalidPersonalKey, err)
	}
	if !crypto.CheckSignatureKeyPair(signaturePublicKey, signaturePrivateKey) {
		crypto.Zero(signaturePrivateKey)
		crypto.Zero(sharingPrivateKey)
		return api.PublicIdentity{}, fmt.Errorf("%w: invalid signature key pair", ErrInvalidPersonalKey)
	}
	if !crypto.CheckSharingKeyPair(sharingPublicKey, sharingPrivateKey) {
		crypto.Zero(signaturePrivateKey)
		crypto.Zero(sharingPrivateKey)
		return api.PublicIdentity{}, fmt.Errorf("%w: invalid sharing key pair", ErrInvalidPersonalKey)
	}

	c.mu.Lock()
	if c.state != nil {
		c.mu.Unlock()
		crypto.Zero(signaturePrivateKey)
		crypto.Zero(sharingPrivateKey)
		return api.PublicIdentity{}, ErrSessionActive
	}
	c.state = &loadedState{
		identity: Identity{
			UserID:    userID,
			Signature: KeyPair{PublicKey: signaturePublicKey, PrivateKey: signaturePrivateKey},
			Sharing:   KeyPair{PublicKey: sharingPublicKey, PrivateKey: sharingPrivateKey},
		},
		personalKey: personalKey,
		keychain:    make(map[string][]KeychainItem),
	}
	c.mu.Unlock()

	if err := c.LoadKeychain(ctx); err != nil {
		c.Logout()
		return api.PublicIdentity{}, err
	}
	c.startPolling()
	return c.PublicIdentity()
}

// Logout zeroes the personal key, both private keys and every keychain
// cipher, clears the keychain, and stops polling. Idempotent.
func (c *Client) Logout() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopPollingLocked()
	if c.state == nil {
		return
	}
	crypto.Zero(c.state.personalKey)
	crypto.Zero(c.state.identity.Signature.PrivateKey)
	crypto.Zero(c.state.identity.Sharing.PrivateKey)
	for _, revisions := range c.state.keychain {
		for _, item := range revisions {
			crypto.Memzero(item.Cipher)
		}
	}
	c.state = nil
}

// PublicIdentity returns the public-key projection of the session
// identity.
func (c *Client) PublicIdentity() (api.PublicIdentity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == nil {
		return api.PublicIdentity{}, ErrAccountLocked
	}
	return api.PublicIdentity{
		UserID:             c.state.identity.UserID,
		SignaturePublicKey: crypto.EncodeKey(c.state.identity.Signature.PublicKey),
		SharingPublicKey:   crypto.EncodeKey(c.state.identity.Sharing.PublicKey),
	}, nil
}

// IdentityFingerprint renders a short display fingerprint of another
// user's signature public key for out-of-band comparison.
func IdentityFingerprint(identity api.PublicIdentity) string {
	raw, err := crypto.DecodeKey(identity.SignaturePublicKey)
	if err != nil {
		return ""
	}
	return crypto.DisplayFingerprint(raw)
}

// GetUserIdentity fetches one public identity from the server.
func (c *Client) GetUserIdentity(ctx context.Context, userID string) (api.PublicIdentity, error) {
	var identity api.PublicIdentity
	if err := c.apiCall(ctx, http.MethodGet, "/identity/"+userID, nil, &identity, false); err != nil {
		return api.PublicIdentity{}, err
	}
	if identity.UserID != userID {
		return api.PublicIdentity{}, errors.New("mismatching user ids in identity response")
	}
	return identity, nil
}

// GetUsersIdentities fetches a batch of public identities.
func (c *Client) GetUsersIdentities(ctx context.Context, userIDs []string) ([]api.PublicIdentity, error) {
	var identities []api.PublicIdentity
	err := c.apiCall(ctx, http.MethodGet, "/identities/"+strings.Join(userIDs, ","), nil, &identities, false)
	return identities, err
}
