package server

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"keyfold/go-backend/internal/authn"
	"keyfold/go-backend/internal/crypto"
	"keyfold/go-backend/internal/server/store"
	"keyfold/go-backend/pkg/api"
)

func badRequest(message string) *api.Error {
	return &api.Error{StatusCode: http.StatusBadRequest, Title: "Bad Request", Message: message}
}

func forbidden(message string) *api.Error {
	return &api.Error{StatusCode: http.StatusForbidden, Title: "Forbidden", Message: message}
}

func notFound(message string) *api.Error {
	return &api.Error{StatusCode: http.StatusNotFound, Title: "Not Found", Message: message}
}

func conflict(message string) *api.Error {
	return &api.Error{StatusCode: http.StatusConflict, Title: "Conflict", Message: message}
}

func decodeBody[T any](sess *session) (T, *api.Error) {
	var out T
	if err := json.Unmarshal(sess.body, &out); err != nil {
		return out, badRequest("Malformed JSON request body")
	}
	return out, nil
}

// Auth --

func (s *Server) postSignup(r *http.Request, sess *session) (int, any, error) {
	body, apiErr := decodeBody[api.SignupRequest](sess)
	if apiErr != nil {
		return 0, nil, apiErr
	}
	if body.UserID == "" || body.UserID != sess.userID {
		return 0, nil, badRequest("Signup body user id must match the authentication header")
	}
	// Garbage public keys would poison every later signature check for
	// this account, so their shape is pinned down at the door.
	if key, err := crypto.DecodeKey(body.SignaturePublicKey); err != nil || len(key) != ed25519.PublicKeySize {
		return 0, nil, badRequest("Malformed signature public key")
	}
	if key, err := crypto.DecodeKey(body.SharingPublicKey); err != nil || len(key) != crypto.KeySize {
		return 0, nil, badRequest("Malformed sharing public key")
	}
	if body.SignaturePrivateKey == "" || body.SharingPrivateKey == "" {
		return 0, nil, badRequest("Missing encrypted private keys")
	}
	rec := store.IdentityRecord{
		UserID:              body.UserID,
		SignaturePublicKey:  body.SignaturePublicKey,
		SignaturePrivateKey: body.SignaturePrivateKey,
		SharingPublicKey:    body.SharingPublicKey,
		SharingPrivateKey:   body.SharingPrivateKey,
		CreatedAt:           s.now().UTC().Format(time.RFC3339),
	}
	if err := s.store.CreateIdentity(r.Context(), rec); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return 0, nil, conflict("This user id is already registered")
		}
		return 0, nil, err
	}
	s.log.Info("identity created", "userId", body.UserID)
	return http.StatusCreated, nil, nil
}

func (s *Server) getLogin(r *http.Request, sess *session) (int, any, error) {
	identity, err := s.store.GetIdentity(r.Context(), sess.userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, nil, notFound("No identity found for this user id")
		}
		return 0, nil, err
	}
	return http.StatusOK, api.LoginResponse{
		SignaturePublicKey:  identity.SignaturePublicKey,
		SignaturePrivateKey: identity.SignaturePrivateKey,
		SharingPublicKey:    identity.SharingPublicKey,
		SharingPrivateKey:   identity.SharingPrivateKey,
	}, nil
}

// Keychain --

func (s *Server) getKeychain(r *http.Request, sess *session) (int, any, error) {
	items, err := s.store.GetOwnKeychainItems(r.Context(), sess.userID)
	if err != nil {
		return 0, nil, err
	}
	if items == nil {
		items = []api.KeychainItem{}
	}
	return http.StatusOK, items, nil
}

func (s *Server) postKeychain(r *http.Request, sess *session) (int, any, error) {
	item, apiErr := decodeBody[api.KeychainItem](sess)
	if apiErr != nil {
		return 0, nil, apiErr
	}
	if item.OwnerID != sess.userID {
		return 0, nil, forbidden("You cannot add keychain keys that don't belong to you")
	}
	ownerKey, err := crypto.DecodeKey(sess.identity.SignaturePublicKey)
	if err != nil {
		return 0, nil, err
	}
	if !authn.VerifyKeychainItem(ed25519.PublicKey(ownerKey), item) {
		return 0, nil, forbidden("Invalid key signature")
	}

	if item.SharedBy == "" {
		return s.storeSelfAuthoredItem(r, sess, item)
	}
	return s.consumeSharedKey(r, sess, item)
}

func (s *Server) storeSelfAuthoredItem(r *http.Request, sess *session, item api.KeychainItem) (int, any, error) {
	ctx := r.Context()
	participants, err := s.store.GetKeyNameParticipants(ctx, item.NameFingerprint)
	if err != nil {
		return 0, nil, err
	}
	isAuthor := len(participants) == 0
	isParticipant := false
	isRotation := !isAuthor
	for _, p := range participants {
		if p.OwnerID == sess.userID {
			isParticipant = true
		}
		if p.PayloadFingerprint == item.PayloadFingerprint {
			isRotation = false
		}
	}
	if !isAuthor && !isParticipant {
		// The name already has participants, the writer is not among
		// them, and they did not say where the key came from.
		return 0, nil, forbidden("You are not allowed to add this key")
	}
	if isRotation {
		permission, err := s.store.GetPermission(ctx, sess.userID, item.NameFingerprint)
		if err != nil {
			return 0, nil, err
		}
		if !permission.AllowRotation {
			return 0, nil, forbidden("You are not allowed to rotate this key")
		}
	}
	if err := s.store.CreateKeychainItem(ctx, item, isAuthor); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return 0, nil, conflict("This key is already in your keychain")
		}
		return 0, nil, err
	}
	return http.StatusCreated, nil, nil
}

func (s *Server) consumeSharedKey(r *http.Request, sess *session, item api.KeychainItem) (int, any, error) {
	ctx := r.Context()
	sharedKey, err := s.store.FindSharedKey(ctx, item.SharedBy, sess.userID, item.PayloadFingerprint)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, nil, forbidden("Could not find associated shared key")
		}
		return 0, nil, err
	}
	// The stored share is authoritative for the metadata the sender
	// signed; any drift means the client is writing something else.
	if sharedKey.CreatedAt != item.CreatedAt ||
		sharedKey.ExpiresAt != item.ExpiresAt ||
		sharedKey.NameFingerprint != item.NameFingerprint ||
		sharedKey.PayloadFingerprint != item.PayloadFingerprint {
		return 0, nil, forbidden("Mismatching shared key metadata")
	}
	if err := s.store.ConsumeSharedKey(ctx, item); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return 0, nil, conflict("This key is already in your keychain")
		}
		if errors.Is(err, store.ErrNotFound) {
			return 0, nil, forbidden("Could not find associated shared key")
		}
		return 0, nil, err
	}
	return http.StatusCreated, nil, nil
}

// Sharing --

func (s *Server) postSharedKey(r *http.Request, sess *session) (int, any, error) {
	ctx := r.Context()
	sharedKey, apiErr := decodeBody[api.SharedKey](sess)
	if apiErr != nil {
		return 0, nil, apiErr
	}
	if sharedKey.FromUserID != sess.userID {
		return 0, nil, forbidden("You cannot share keys on behalf of someone else")
	}
	// The embedded sender keys must be the stored ones; otherwise a
	// recipient would verify against keys the server never vouched for.
	if sharedKey.FromSignaturePublicKey != sess.identity.SignaturePublicKey ||
		sharedKey.FromSharingPublicKey != sess.identity.SharingPublicKey {
		return 0, nil, forbidden("Sender public keys do not match your identity")
	}
	senderKey, err := crypto.DecodeKey(sess.identity.SignaturePublicKey)
	if err != nil {
		return 0, nil, err
	}
	if !authn.VerifySharedKey(ed25519.PublicKey(senderKey), sharedKey) {
		return 0, nil, forbidden("Invalid shared key signature")
	}
	permission, err := s.store.GetPermission(ctx, sess.userID, sharedKey.NameFingerprint)
	if err != nil {
		return 0, nil, err
	}
	if !permission.AllowSharing {
		return 0, nil, forbidden("You are not allowed to share this key")
	}
	if _, err := s.store.GetPublicIdentity(ctx, sharedKey.ToUserID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, nil, notFound("Recipient does not exist")
		}
		return 0, nil, err
	}
	alreadyHeld, err := s.store.RecipientHasKey(ctx, sharedKey.ToUserID,
		sharedKey.NameFingerprint, sharedKey.PayloadFingerprint)
	if err != nil {
		return 0, nil, err
	}
	if alreadyHeld {
		return 0, nil, conflict("The recipient already has a copy of this key")
	}
	if err := s.store.StoreSharedKey(ctx, sharedKey); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return 0, nil, conflict("This key is already pending for the recipient")
		}
		return 0, nil, err
	}
	return http.StatusCreated, nil, nil
}

func (s *Server) getIncomingSharedKeys(r *http.Request, sess *session) (int, any, error) {
	sharedKeys, err := s.store.GetSharedKeysTo(r.Context(), sess.userID)
	if err != nil {
		return 0, nil, err
	}
	if sharedKeys == nil {
		sharedKeys = []api.SharedKey{}
	}
	return http.StatusOK, sharedKeys, nil
}

func (s *Server) getOutgoingSharedKeys(r *http.Request, sess *session) (int, any, error) {
	sharedKeys, err := s.store.GetSharedKeysFrom(r.Context(), sess.userID)
	if err != nil {
		return 0, nil, err
	}
	if sharedKeys == nil {
		sharedKeys = []api.SharedKey{}
	}
	return http.StatusOK, sharedKeys, nil
}

// Permissions --

func (s *Server) postPermission(r *http.Request, sess *session) (int, any, error) {
	ctx := r.Context()
	req, apiErr := decodeBody[api.PermissionRequest](sess)
	if apiErr != nil {
		return 0, nil, apiErr
	}
	if req.UserID == "" || req.NameFingerprint == "" {
		return 0, nil, badRequest("userId and nameFingerprint are required")
	}
	if req.AllowSharing == nil && req.AllowRotation == nil &&
		req.AllowDeletion == nil && req.AllowManagement == nil {
		return 0, nil, badRequest("At least one permission flag must be set")
	}
	callerFlags, err := s.store.GetPermission(ctx, sess.userID, req.NameFingerprint)
	if err != nil {
		return 0, nil, err
	}
	if !callerFlags.AllowManagement {
		return 0, nil, forbidden("You are not allowed to manage permissions for this key")
	}
	if err := s.store.UpdatePermission(ctx, req); err != nil {
		return 0, nil, err
	}
	return http.StatusNoContent, nil, nil
}

func (s *Server) postBan(r *http.Request, sess *session) (int, any, error) {
	ctx := r.Context()
	req, apiErr := decodeBody[api.BanRequest](sess)
	if apiErr != nil {
		return 0, nil, apiErr
	}
	if req.UserID == "" || req.NameFingerprint == "" {
		return 0, nil, badRequest("userId and nameFingerprint are required")
	}
	callerFlags, err := s.store.GetPermission(ctx, sess.userID, req.NameFingerprint)
	if err != nil {
		return 0, nil, err
	}
	if !callerFlags.AllowManagement {
		return 0, nil, forbidden("You are not allowed to ban users from this key")
	}
	if err := s.store.BanUser(ctx, req.UserID, req.NameFingerprint); err != nil {
		return 0, nil, err
	}
	s.log.Info("user banned from key", "userId", req.UserID,
		"nameFingerprint", req.NameFingerprint, "bannedBy", sess.userID)
	return http.StatusNoContent, nil, nil
}

// Identities --

func (s *Server) getIdentity(r *http.Request, sess *session) (int, any, error) {
	userID := r.PathValue("userId")
	identity, err := s.store.GetPublicIdentity(r.Context(), userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, nil, notFound("No identity found for this user id")
		}
		return 0, nil, err
	}
	return http.StatusOK, identity, nil
}

func (s *Server) getIdentities(r *http.Request, sess *session) (int, any, error) {
	userIDs := strings.Split(r.PathValue("userIds"), ",")
	identities, err := s.store.GetPublicIdentities(r.Context(), userIDs)
	if err != nil {
		return 0, nil, err
	}
	if identities == nil {
		identities = []api.PublicIdentity{}
	}
	return http.StatusOK, identities, nil
}
