package server

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"keyfold/go-backend/internal/authn"
	"keyfold/go-backend/internal/config"
	"keyfold/go-backend/internal/crypto"
	"keyfold/go-backend/internal/platform/ratelimit"
	"keyfold/go-backend/internal/server/store"
	"keyfold/go-backend/pkg/api"
)

const testDeploymentURL = "https://keyfold.test"

type testEnv struct {
	t   *testing.T
	srv *Server
	st  *store.Store
}

type testUser struct {
	userID      string
	signPublic  ed25519.PublicKey
	signPrivate ed25519.PrivateKey
	sharing     crypto.BoxCipher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	serverPublic, serverPrivate, err := crypto.GenerateSignatureKeyPair()
	if err != nil {
		t.Fatalf("generate server keys: %v", err)
	}
	cfg := config.Default()
	cfg.DeploymentURL = testDeploymentURL
	cfg.Signature.PublicKey = crypto.EncodeKey(serverPublic)
	cfg.Signature.PrivateKey = crypto.EncodeKey(serverPrivate)
	cfg.RateLimit.RequestsPerSecond = 1000
	cfg.RateLimit.Burst = 1000

	srv, err := New(cfg, st, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return &testEnv{t: t, srv: srv, st: st}
}

func (e *testEnv) newUser(userID string) *testUser {
	e.t.Helper()
	signPublic, signPrivate, err := crypto.GenerateSignatureKeyPair()
	if err != nil {
		e.t.Fatalf("generate signature keys: %v", err)
	}
	sharing, err := crypto.GenerateBoxCipher()
	if err != nil {
		e.t.Fatalf("generate sharing keys: %v", err)
	}
	user := &testUser{
		userID:      userID,
		signPublic:  signPublic,
		signPrivate: signPrivate,
		sharing:     sharing,
	}
	body := api.SignupRequest{
		UserID:              userID,
		SignaturePublicKey:  crypto.EncodeKey(signPublic),
		SignaturePrivateKey: "encrypted-signature-key",
		SharingPublicKey:    crypto.EncodeKey(sharing.PublicKey),
		SharingPrivateKey:   "encrypted-sharing-key",
	}
	resp := e.public(userID, http.MethodPost, "/signup", body)
	if resp.Code != http.StatusCreated {
		e.t.Fatalf("signup %s: expected 201, got %d: %s", userID, resp.Code, resp.Body)
	}
	return user
}

// public performs a request carrying only user id and timestamp headers.
func (e *testEnv) public(userID, method, path string, body any) *httptest.ResponseRecorder {
	e.t.Helper()
	req := e.newRequest(method, path, body)
	if userID != "" {
		req.Header.Set(api.HeaderUserID, userID)
		req.Header.Set(api.HeaderTimestamp, authn.Timestamp(time.Now()))
	}
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

// signed performs a fully signed request as user.
func (e *testEnv) signed(user *testUser, method, path string, body any) *httptest.ResponseRecorder {
	e.t.Helper()
	req := e.newRequest(method, path, body)
	raw := []byte(nil)
	if body != nil {
		raw, _ = json.Marshal(body)
	}
	authn.SignRequest(req.Header, user.signPrivate, user.userID,
		method, testDeploymentURL+path, raw, time.Now())
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) newRequest(method, path string, body any) *http.Request {
	e.t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			e.t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	return httptest.NewRequest(method, path, reader)
}

func (e *testEnv) keychainItem(user *testUser, name string, cipher crypto.Cipher, sharedBy string) api.KeychainItem {
	e.t.Helper()
	serialized, err := crypto.PadSerialize(cipher, crypto.CipherPaddedLength)
	if err != nil {
		e.t.Fatalf("pad serialize: %v", err)
	}
	personalKey := crypto.SecretBoxCipher{Key: bytes.Repeat([]byte{3}, crypto.KeySize)}
	encName, err := crypto.Encrypt(name, personalKey)
	if err != nil {
		e.t.Fatalf("encrypt name: %v", err)
	}
	encPayload, err := crypto.Encrypt(serialized, personalKey)
	if err != nil {
		e.t.Fatalf("encrypt payload: %v", err)
	}
	item := api.KeychainItem{
		OwnerID:            user.userID,
		SharedBy:           sharedBy,
		CreatedAt:          time.Now().UTC().Format(time.RFC3339Nano),
		Name:               encName,
		Payload:            encPayload,
		NameFingerprint:    crypto.Fingerprint([]byte(name)),
		PayloadFingerprint: crypto.Fingerprint([]byte(strings.TrimSpace(serialized))),
	}
	item.Signature, err = authn.SignKeychainItem(user.signPrivate, item)
	if err != nil {
		e.t.Fatalf("sign item: %v", err)
	}
	return item
}

func TestSignupAndLogin(t *testing.T) {
	env := newTestEnv(t)
	user := env.newUser("alice")

	resp := env.public("alice", http.MethodGet, "/login", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d: %s", resp.Code, resp.Body)
	}
	var login api.LoginResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &login); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	if login.SignaturePublicKey != crypto.EncodeKey(user.signPublic) {
		t.Fatal("login returned wrong signature public key")
	}
	if login.SignaturePrivateKey != "encrypted-signature-key" {
		t.Fatal("login returned wrong encrypted private key")
	}
	if resp.Header().Get(api.HeaderServerPublicKey) == "" {
		t.Fatal("response missing server public key header")
	}
	if err := authn.VerifyResponse(resp.Header(),
		env.srv.signPublic, "alice", nil,
		http.MethodGet, testDeploymentURL+"/login", resp.Body.Bytes(), time.Now()); err != nil {
		t.Fatalf("login response signature invalid: %v", err)
	}
}

func TestSignupRejectsDuplicateAndMismatch(t *testing.T) {
	env := newTestEnv(t)
	env.newUser("alice")

	body := api.SignupRequest{UserID: "alice",
		SignaturePublicKey:  crypto.EncodeKey(bytes.Repeat([]byte{1}, ed25519.PublicKeySize)),
		SignaturePrivateKey: "encrypted-signature-key",
		SharingPublicKey:    crypto.EncodeKey(bytes.Repeat([]byte{2}, crypto.KeySize)),
		SharingPrivateKey:   "encrypted-sharing-key"}
	if resp := env.public("alice", http.MethodPost, "/signup", body); resp.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate signup, got %d", resp.Code)
	}
	body.UserID = "bob"
	if resp := env.public("alice", http.MethodPost, "/signup", body); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for mismatched user id, got %d", resp.Code)
	}
}

func TestSignupRejectsMalformedKeys(t *testing.T) {
	env := newTestEnv(t)
	valid := api.SignupRequest{
		UserID:              "carol",
		SignaturePublicKey:  crypto.EncodeKey(bytes.Repeat([]byte{1}, ed25519.PublicKeySize)),
		SignaturePrivateKey: "encrypted-signature-key",
		SharingPublicKey:    crypto.EncodeKey(bytes.Repeat([]byte{2}, crypto.KeySize)),
		SharingPrivateKey:   "encrypted-sharing-key",
	}
	cases := []struct {
		name   string
		mutate func(*api.SignupRequest)
	}{
		{"undecodable signature key", func(b *api.SignupRequest) { b.SignaturePublicKey = "not!base64" }},
		{"short signature key", func(b *api.SignupRequest) { b.SignaturePublicKey = crypto.EncodeKey([]byte{1, 2, 3}) }},
		{"short sharing key", func(b *api.SignupRequest) { b.SharingPublicKey = crypto.EncodeKey([]byte{1}) }},
		{"missing encrypted private key", func(b *api.SignupRequest) { b.SignaturePrivateKey = "" }},
	}
	for _, tc := range cases {
		body := valid
		tc.mutate(&body)
		if resp := env.public("carol", http.MethodPost, "/signup", body); resp.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d: %s", tc.name, resp.Code, resp.Body)
		}
	}
	// None of the rejected bodies may leave an identity behind.
	if resp := env.public("carol", http.MethodGet, "/login", nil); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after rejected signups, got %d", resp.Code)
	}
}

func TestLoginUnknownUser(t *testing.T) {
	env := newTestEnv(t)
	if resp := env.public("nobody", http.MethodGet, "/login", nil); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestSignedRoutesRejectBadAuth(t *testing.T) {
	env := newTestEnv(t)
	user := env.newUser("alice")

	// No headers at all.
	if resp := env.public("", http.MethodGet, "/keychain", nil); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without headers, got %d", resp.Code)
	}
	// Headers but no signature.
	if resp := env.public("alice", http.MethodGet, "/keychain", nil); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without signature, got %d", resp.Code)
	}
	// Signature from a key the server never stored.
	_, otherPrivate, err := crypto.GenerateSignatureKeyPair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	imposter := &testUser{userID: "alice", signPrivate: otherPrivate}
	if resp := env.signed(imposter, http.MethodGet, "/keychain", nil); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong key, got %d", resp.Code)
	}
	// Unknown user id on a signed route.
	ghost := &testUser{userID: "ghost", signPrivate: user.signPrivate}
	if resp := env.signed(ghost, http.MethodGet, "/keychain", nil); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown user, got %d", resp.Code)
	}
}

func TestKeychainSelfAuthoredFlow(t *testing.T) {
	env := newTestEnv(t)
	alice := env.newUser("alice")
	cipher, err := crypto.GenerateSecretBoxCipher()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	item := env.keychainItem(alice, "vault", cipher, "")

	if resp := env.signed(alice, http.MethodPost, "/keychain", item); resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body)
	}
	if resp := env.signed(alice, http.MethodPost, "/keychain", item); resp.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate, got %d: %s", resp.Code, resp.Body)
	}

	resp := env.signed(alice, http.MethodGet, "/keychain", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("get keychain: expected 200, got %d", resp.Code)
	}
	var items []api.KeychainItem
	if err := json.Unmarshal(resp.Body.Bytes(), &items); err != nil {
		t.Fatalf("decode keychain: %v", err)
	}
	if len(items) != 1 || items[0].NameFingerprint != item.NameFingerprint {
		t.Fatalf("unexpected keychain contents: %+v", items)
	}

	// A second user cannot write under an existing name they never joined.
	bob := env.newUser("bob")
	intruding := env.keychainItem(bob, "vault", cipher, "")
	if resp := env.signed(bob, http.MethodPost, "/keychain", intruding); resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-participant write, got %d: %s", resp.Code, resp.Body)
	}
}

func TestKeychainRejectsForeignOwnerAndBadSignature(t *testing.T) {
	env := newTestEnv(t)
	alice := env.newUser("alice")
	env.newUser("bob")
	cipher, err := crypto.GenerateSecretBoxCipher()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	item := env.keychainItem(alice, "vault", cipher, "")
	item.OwnerID = "bob"
	if resp := env.signed(alice, http.MethodPost, "/keychain", item); resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign owner, got %d", resp.Code)
	}

	forged := env.keychainItem(alice, "vault", cipher, "")
	forged.ExpiresAt = time.Now().Add(time.Hour).UTC().Format(time.RFC3339Nano)
	if resp := env.signed(alice, http.MethodPost, "/keychain", forged); resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for tampered row, got %d", resp.Code)
	}
}

func sharedKeyBody(t *testing.T, from *testUser, to string, name string, cipher crypto.Cipher) api.SharedKey {
	t.Helper()
	serialized, err := crypto.PadSerialize(cipher, crypto.CipherPaddedLength)
	if err != nil {
		t.Fatalf("pad serialize: %v", err)
	}
	box := crypto.BoxCipher{PublicKey: from.sharing.PublicKey, PrivateKey: from.sharing.PrivateKey}
	encName, err := crypto.Encrypt(name, box)
	if err != nil {
		t.Fatalf("encrypt name: %v", err)
	}
	encPayload, err := crypto.Encrypt(serialized, box)
	if err != nil {
		t.Fatalf("encrypt payload: %v", err)
	}
	sk := api.SharedKey{
		FromUserID:             from.userID,
		ToUserID:               to,
		FromSharingPublicKey:   crypto.EncodeKey(from.sharing.PublicKey),
		FromSignaturePublicKey: crypto.EncodeKey(from.signPublic),
		CreatedAt:              time.Now().UTC().Format(time.RFC3339Nano),
		Name:                   encName,
		Payload:                encPayload,
		NameFingerprint:        crypto.Fingerprint([]byte(name)),
		PayloadFingerprint:     crypto.Fingerprint([]byte(strings.TrimSpace(serialized))),
	}
	sk.Signature, err = authn.SignSharedKey(from.signPrivate, sk)
	if err != nil {
		t.Fatalf("sign shared key: %v", err)
	}
	return sk
}

func TestSharedKeyPermissionsAndRecipient(t *testing.T) {
	env := newTestEnv(t)
	alice := env.newUser("alice")
	cipher, err := crypto.GenerateSecretBoxCipher()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	// Sharing a key alice never stored: no AllowSharing permission.
	sk := sharedKeyBody(t, alice, "bob", "vault", cipher)
	if resp := env.signed(alice, http.MethodPost, "/shared-keys", sk); resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without sharing permission, got %d: %s", resp.Code, resp.Body)
	}

	// Author permissions arrive with the first keychain row.
	item := env.keychainItem(alice, "vault", cipher, "")
	if resp := env.signed(alice, http.MethodPost, "/keychain", item); resp.Code != http.StatusCreated {
		t.Fatalf("add key: expected 201, got %d", resp.Code)
	}

	// Unknown recipient.
	if resp := env.signed(alice, http.MethodPost, "/shared-keys", sk); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown recipient, got %d: %s", resp.Code, resp.Body)
	}

	env.newUser("bob")
	if resp := env.signed(alice, http.MethodPost, "/shared-keys", sk); resp.Code != http.StatusCreated {
		t.Fatalf("share: expected 201, got %d: %s", resp.Code, resp.Body)
	}
	if resp := env.signed(alice, http.MethodPost, "/shared-keys", sk); resp.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate pending share, got %d", resp.Code)
	}

	// Substituted sender keys are rejected before anything else.
	forged := sharedKeyBody(t, alice, "bob", "vault", cipher)
	other, err := crypto.GenerateBoxCipher()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	forged.FromSharingPublicKey = crypto.EncodeKey(other.PublicKey)
	if resp := env.signed(alice, http.MethodPost, "/shared-keys", forged); resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for substituted sender keys, got %d", resp.Code)
	}
}

func TestPermissionManagement(t *testing.T) {
	env := newTestEnv(t)
	alice := env.newUser("alice")
	bob := env.newUser("bob")
	cipher, err := crypto.GenerateSecretBoxCipher()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	item := env.keychainItem(alice, "vault", cipher, "")
	if resp := env.signed(alice, http.MethodPost, "/keychain", item); resp.Code != http.StatusCreated {
		t.Fatalf("add key: expected 201, got %d", resp.Code)
	}
	nameFingerprint := item.NameFingerprint

	yes := true
	grant := api.PermissionRequest{UserID: "bob", NameFingerprint: nameFingerprint, AllowSharing: &yes}
	// Bob has no management rights.
	if resp := env.signed(bob, http.MethodPost, "/permissions", grant); resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-manager, got %d", resp.Code)
	}
	// The author does.
	if resp := env.signed(alice, http.MethodPost, "/permissions", grant); resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", resp.Code, resp.Body)
	}
	// Empty flag set is malformed.
	empty := api.PermissionRequest{UserID: "bob", NameFingerprint: nameFingerprint}
	if resp := env.signed(alice, http.MethodPost, "/permissions", empty); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty flags, got %d", resp.Code)
	}
}

func TestBanRequiresManagement(t *testing.T) {
	env := newTestEnv(t)
	alice := env.newUser("alice")
	bob := env.newUser("bob")
	cipher, err := crypto.GenerateSecretBoxCipher()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	item := env.keychainItem(alice, "vault", cipher, "")
	if resp := env.signed(alice, http.MethodPost, "/keychain", item); resp.Code != http.StatusCreated {
		t.Fatalf("add key: expected 201, got %d", resp.Code)
	}

	ban := api.BanRequest{UserID: "alice", NameFingerprint: item.NameFingerprint}
	if resp := env.signed(bob, http.MethodPost, "/ban", ban); resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-manager ban, got %d", resp.Code)
	}
	ban.UserID = "bob"
	if resp := env.signed(alice, http.MethodPost, "/ban", ban); resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", resp.Code, resp.Body)
	}
}

func TestIdentityEndpointsArePublic(t *testing.T) {
	env := newTestEnv(t)
	alice := env.newUser("alice")
	env.newUser("bob")

	resp := env.public("", http.MethodGet, "/identity/alice", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var identity api.PublicIdentity
	if err := json.Unmarshal(resp.Body.Bytes(), &identity); err != nil {
		t.Fatalf("decode identity: %v", err)
	}
	if identity.SignaturePublicKey != crypto.EncodeKey(alice.signPublic) {
		t.Fatal("wrong identity returned")
	}
	if resp := env.public("", http.MethodGet, "/identity/nobody", nil); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}

	resp = env.public("", http.MethodGet, "/identities/alice,bob,nobody", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var identities []api.PublicIdentity
	if err := json.Unmarshal(resp.Body.Bytes(), &identities); err != nil {
		t.Fatalf("decode identities: %v", err)
	}
	if len(identities) != 2 {
		t.Fatalf("expected 2 identities, got %d", len(identities))
	}
}

func TestRateLimiting(t *testing.T) {
	env := newTestEnv(t)
	env.srv.limiter = ratelimit.New(0.001, 1, time.Minute)
	hitLimit := false
	for i := 0; i < 10; i++ {
		resp := env.public("", http.MethodGet, "/identity/nobody", nil)
		if resp.Code == http.StatusTooManyRequests {
			hitLimit = true
			break
		}
	}
	if !hitLimit {
		t.Fatal("rate limit never triggered")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.public("", http.MethodGet, "/identity/nobody", nil)
	resp := env.public("", http.MethodGet, "/metrics", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if !bytes.Contains(resp.Body.Bytes(), []byte("keyfold_http_requests_total")) {
		t.Fatal("request counter missing from metrics output")
	}
}
