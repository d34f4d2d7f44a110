package authn

import (
	"crypto/ed25519"
	"errors"
	"net/http"
	"testing"
	"time"

	"keyfold/go-backend/internal/crypto"
	"keyfold/go-backend/pkg/api"
)

func generateKeyPair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := crypto.GenerateSignatureKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	return pub, priv
}

func TestSignVerifyRequestRoundTrip(t *testing.T) {
	pub, priv := generateKeyPair(t)
	now := time.Now()
	body := []byte(`{"hello":"world"}`)
	header := make(http.Header)
	SignRequest(header, priv, "alice", http.MethodPost, "https://api.test/keychain", body, now)

	if header.Get(api.HeaderUserID) != "alice" {
		t.Fatalf("user id header not set")
	}
	err := VerifyRequest(header, pub, http.MethodPost, "https://api.test/keychain", body, now)
	if err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}
}

func TestVerifyRequestRejectsTampering(t *testing.T) {
	pub, priv := generateKeyPair(t)
	now := time.Now()
	body := []byte(`{"hello":"world"}`)

	cases := map[string]func(h http.Header) (method, url string, b []byte){
		"mutated body": func(h http.Header) (string, string, []byte) {
			return http.MethodPost, "https://api.test/keychain", []byte(`{"hello":"eve"}`)
		},
		"different url": func(h http.Header) (string, string, []byte) {
			return http.MethodPost, "https://api.test/ban", body
		},
		"different method": func(h http.Header) (string, string, []byte) {
			return http.MethodGet, "https://api.test/keychain", body
		},
		"swapped user id": func(h http.Header) (string, string, []byte) {
			h.Set(api.HeaderUserID, "mallory")
			return http.MethodPost, "https://api.test/keychain", body
		},
		"replayed timestamp": func(h http.Header) (string, string, []byte) {
			h.Set(api.HeaderTimestamp, Timestamp(now.Add(-time.Minute)))
			return http.MethodPost, "https://api.test/keychain", body
		},
	}
	for name, tamper := range cases {
		header := make(http.Header)
		SignRequest(header, priv, "alice", http.MethodPost, "https://api.test/keychain", body, now)
		method, url, b := tamper(header)
		if err := VerifyRequest(header, pub, method, url, b, now); err == nil {
			t.Errorf("%s: tampered request accepted", name)
		}
	}
}

func TestVerifyRequestEnforcesReplayWindow(t *testing.T) {
	pub, priv := generateKeyPair(t)
	now := time.Now()
	header := make(http.Header)
	SignRequest(header, priv, "alice", http.MethodGet, "https://api.test/keychain", nil, now)

	late := now.Add(ReplayWindow + time.Minute)
	err := VerifyRequest(header, pub, http.MethodGet, "https://api.test/keychain", nil, late)
	if !errors.Is(err, ErrStaleTimestamp) {
		t.Fatalf("expected ErrStaleTimestamp, got %v", err)
	}
	within := now.Add(ReplayWindow - time.Minute)
	if err := VerifyRequest(header, pub, http.MethodGet, "https://api.test/keychain", nil, within); err != nil {
		t.Fatalf("request within window rejected: %v", err)
	}
}

func TestCheckTimestampRejectsFuture(t *testing.T) {
	now := time.Now()
	if err := CheckTimestamp(Timestamp(now.Add(ReplayWindow+time.Minute)), now); !errors.Is(err, ErrStaleTimestamp) {
		t.Fatalf("expected ErrStaleTimestamp for future timestamp, got %v", err)
	}
	if err := CheckTimestamp("not-a-number", now); err == nil {
		t.Fatal("expected error for malformed timestamp")
	}
}

func TestSignVerifyResponseRoundTrip(t *testing.T) {
	serverPub, serverPriv := generateKeyPair(t)
	clientPub, _ := generateKeyPair(t)
	now := time.Now()
	body := []byte(`[]`)
	header := make(http.Header)
	SignResponse(header, serverPriv, serverPub, "alice", crypto.EncodeKey(clientPub),
		http.MethodGet, "https://api.test/keychain", body, now)

	if header.Get(api.HeaderServerPublicKey) != crypto.EncodeKey(serverPub) {
		t.Fatal("server public key header not set")
	}
	err := VerifyResponse(header, serverPub, "alice", clientPub,
		http.MethodGet, "https://api.test/keychain", body, now)
	if err != nil {
		t.Fatalf("valid response rejected: %v", err)
	}
}

func TestVerifyResponseRejectsForeignUserID(t *testing.T) {
	serverPub, serverPriv := generateKeyPair(t)
	now := time.Now()
	header := make(http.Header)
	SignResponse(header, serverPriv, serverPub, "mallory", "",
		http.MethodGet, "https://api.test/login", nil, now)

	err := VerifyResponse(header, serverPub, "alice", nil,
		http.MethodGet, "https://api.test/login", nil, now)
	if !errors.Is(err, ErrUserIDMismatch) {
		t.Fatalf("expected ErrUserIDMismatch, got %v", err)
	}
}

func TestVerifyResponseWithoutClientKey(t *testing.T) {
	// Public routes sign without a client key item; the client verifies
	// the same way.
	serverPub, serverPriv := generateKeyPair(t)
	now := time.Now()
	header := make(http.Header)
	SignResponse(header, serverPriv, serverPub, "alice", "",
		http.MethodGet, "https://api.test/login", nil, now)

	if err := VerifyResponse(header, serverPub, "alice", nil,
		http.MethodGet, "https://api.test/login", nil, now); err != nil {
		t.Fatalf("public response rejected: %v", err)
	}
}

func TestKeychainItemSignature(t *testing.T) {
	pub, priv := generateKeyPair(t)
	item := api.KeychainItem{
		OwnerID:            "alice",
		CreatedAt:          "2026-09-01T10:00:00Z",
		Name:               "v1.secretBox.txt.x.y",
		Payload:            "v1.secretBox.txt.x.z",
		NameFingerprint:    crypto.Fingerprint([]byte("vault")),
		PayloadFingerprint: crypto.Fingerprint([]byte("payload")),
	}
	signature, err := SignKeychainItem(priv, item)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	item.Signature = signature
	if !VerifyKeychainItem(pub, item) {
		t.Fatal("valid item rejected")
	}

	forged := item
	forged.SharedBy = "mallory"
	if VerifyKeychainItem(pub, forged) {
		t.Error("mutated sharedBy accepted")
	}
	expired := item
	expired.ExpiresAt = "2026-09-02T10:00:00Z"
	if VerifyKeychainItem(pub, expired) {
		t.Error("mutated expiresAt accepted")
	}
	otherPub, _ := generateKeyPair(t)
	if VerifyKeychainItem(otherPub, item) {
		t.Error("wrong key accepted")
	}
}

func TestSharedKeySignatureBindsSenderKeys(t *testing.T) {
	pub, priv := generateKeyPair(t)
	sharing, err := crypto.GenerateBoxCipher()
	if err != nil {
		t.Fatalf("generate sharing pair: %v", err)
	}
	sk := api.SharedKey{
		FromUserID:             "alice",
		ToUserID:               "bob",
		FromSharingPublicKey:   crypto.EncodeKey(sharing.PublicKey),
		FromSignaturePublicKey: crypto.EncodeKey(pub),
		CreatedAt:              "2026-09-01T10:00:00Z",
		Name:                   "v1.box.txt.x.y",
		Payload:                "v1.box.txt.x.z",
		NameFingerprint:        crypto.Fingerprint([]byte("vault")),
		PayloadFingerprint:     crypto.Fingerprint([]byte("payload")),
	}
	signature, err := SignSharedKey(priv, sk)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	sk.Signature = signature
	if !VerifySharedKey(pub, sk) {
		t.Fatal("valid shared key rejected")
	}

	substituted := sk
	other, err := crypto.GenerateBoxCipher()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	substituted.FromSharingPublicKey = crypto.EncodeKey(other.PublicKey)
	if VerifySharedKey(pub, substituted) {
		t.Error("substituted sender sharing key accepted")
	}
	rerouted := sk
	rerouted.ToUserID = "mallory"
	if VerifySharedKey(pub, rerouted) {
		t.Error("rerouted recipient accepted")
	}
}
