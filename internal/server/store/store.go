// Package store persists identities, keychain items, pending shared
// keys and permissions in sqlite. The server only ever sees ciphertext
// and fingerprints; nothing in here handles plaintext key material.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"keyfold/go-backend/pkg/api"
)

var (
	ErrNotFound  = errors.New("store: not found")
	ErrDuplicate = errors.New("store: duplicate row")
)

const schema = `
CREATE TABLE IF NOT EXISTS identities (
	user_id               TEXT PRIMARY KEY,
	signature_public_key  TEXT NOT NULL,
	signature_private_key TEXT NOT NULL,
	sharing_public_key    TEXT NOT NULL,
	sharing_private_key   TEXT NOT NULL,
	created_at            TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS keychain_items (
	id                  TEXT PRIMARY KEY,
	owner_id            TEXT NOT NULL REFERENCES identities (user_id),
	shared_by           TEXT NOT NULL DEFAULT '',
	created_at          TEXT NOT NULL,
	expires_at          TEXT NOT NULL DEFAULT '',
	name                TEXT NOT NULL,
	payload             TEXT NOT NULL,
	name_fingerprint    TEXT NOT NULL,
	payload_fingerprint TEXT NOT NULL,
	signature           TEXT NOT NULL,
	UNIQUE (owner_id, name_fingerprint, payload_fingerprint)
);

CREATE INDEX IF NOT EXISTS keychain_items_name_fingerprint_idx
	ON keychain_items (name_fingerprint);

CREATE TABLE IF NOT EXISTS shared_keys (
	id                        TEXT PRIMARY KEY,
	from_user_id              TEXT NOT NULL,
	to_user_id                TEXT NOT NULL,
	from_sharing_public_key   TEXT NOT NULL,
	from_signature_public_key TEXT NOT NULL,
	created_at                TEXT NOT NULL,
	expires_at                TEXT NOT NULL DEFAULT '',
	name                      TEXT NOT NULL,
	payload                   TEXT NOT NULL,
	name_fingerprint          TEXT NOT NULL,
	payload_fingerprint       TEXT NOT NULL,
	signature                 TEXT NOT NULL,
	UNIQUE (from_user_id, to_user_id, payload_fingerprint)
);

CREATE TABLE IF NOT EXISTS permissions (
	user_id          TEXT NOT NULL,
	name_fingerprint TEXT NOT NULL,
	allow_sharing    INTEGER NOT NULL DEFAULT 0,
	allow_rotation   INTEGER NOT NULL DEFAULT 0,
	allow_deletion   INTEGER NOT NULL DEFAULT 0,
	allow_management INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, name_fingerprint)
);
`

type Store struct {
	db *sql.DB
}

// Open opens (and creates if needed) the sqlite database at path.
// Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// modernc.org/sqlite serializes writes itself; a single connection
	// keeps in-memory databases coherent across goroutines.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: applying schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Identities --

type IdentityRecord struct {
	UserID              string
	SignaturePublicKey  string
	SignaturePrivateKey string
	SharingPublicKey    string
	SharingPrivateKey   string
	CreatedAt           string
}

func (s *Store) CreateIdentity(ctx context.Context, rec IdentityRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO identities (user_id, signature_public_key, signature_private_key,
			sharing_public_key, sharing_private_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.UserID, rec.SignaturePublicKey, rec.SignaturePrivateKey,
		rec.SharingPublicKey, rec.SharingPrivateKey, rec.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *Store) GetIdentity(ctx context.Context, userID string) (IdentityRecord, error) {
	var rec IdentityRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, signature_public_key, signature_private_key,
			sharing_public_key, sharing_private_key, created_at
		FROM identities WHERE user_id = ?`, userID).Scan(
		&rec.UserID, &rec.SignaturePublicKey, &rec.SignaturePrivateKey,
		&rec.SharingPublicKey, &rec.SharingPrivateKey, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return IdentityRecord{}, ErrNotFound
	}
	return rec, err
}

func (s *Store) GetPublicIdentity(ctx context.Context, userID string) (api.PublicIdentity, error) {
	var id api.PublicIdentity
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, signature_public_key, sharing_public_key
		FROM identities WHERE user_id = ?`, userID).Scan(
		&id.UserID, &id.SignaturePublicKey, &id.SharingPublicKey)
	if errors.Is(err, sql.ErrNoRows) {
		return api.PublicIdentity{}, ErrNotFound
	}
	return id, err
}

func (s *Store) GetPublicIdentities(ctx context.Context, userIDs []string) ([]api.PublicIdentity, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(userIDs)), ",")
	args := make([]any, len(userIDs))
	for i, id := range userIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, signature_public_key, sharing_public_key
		FROM identities WHERE user_id IN (`+placeholders+`) ORDER BY user_id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []api.PublicIdentity
	for rows.Next() {
		var id api.PublicIdentity
		if err := rows.Scan(&id.UserID, &id.SignaturePublicKey, &id.SharingPublicKey); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Keychain --

const keychainColumns = `owner_id, shared_by, created_at, expires_at, name, payload,
	name_fingerprint, payload_fingerprint, signature`

func scanKeychainItems(rows *sql.Rows) ([]api.KeychainItem, error) {
	defer rows.Close()
	var out []api.KeychainItem
	for rows.Next() {
		var item api.KeychainItem
		if err := rows.Scan(&item.OwnerID, &item.SharedBy, &item.CreatedAt,
			&item.ExpiresAt, &item.Name, &item.Payload,
			&item.NameFingerprint, &item.PayloadFingerprint, &item.Signature); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *Store) GetOwnKeychainItems(ctx context.Context, userID string) ([]api.KeychainItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+keychainColumns+` FROM keychain_items
		WHERE owner_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	return scanKeychainItems(rows)
}

// GetKeyNameParticipants lists every row written under a name
// fingerprint, across all owners. An empty result means the writer is
// the implicit author of the name.
func (s *Store) GetKeyNameParticipants(ctx context.Context, nameFingerprint string) ([]api.KeychainItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+keychainColumns+` FROM keychain_items
		WHERE name_fingerprint = ? ORDER BY created_at DESC`, nameFingerprint)
	if err != nil {
		return nil, err
	}
	return scanKeychainItems(rows)
}

func (s *Store) RecipientHasKey(ctx context.Context, ownerID, nameFingerprint, payloadFingerprint string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM keychain_items
		WHERE owner_id = ? AND name_fingerprint = ? AND payload_fingerprint = ?`,
		ownerID, nameFingerprint, payloadFingerprint).Scan(&n)
	return n > 0, err
}

func insertKeychainItem(ctx context.Context, tx *sql.Tx, item api.KeychainItem) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO keychain_items (id, `+keychainColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), item.OwnerID, item.SharedBy, item.CreatedAt, item.ExpiresAt,
		item.Name, item.Payload, item.NameFingerprint, item.PayloadFingerprint,
		item.Signature)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// CreateKeychainItem stores a self-authored row. When the writer is the
// first to use the name fingerprint, the author permission row (all
// flags granted) is inserted in the same transaction.
func (s *Store) CreateKeychainItem(ctx context.Context, item api.KeychainItem, grantAuthorPermissions bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if grantAuthorPermissions {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO permissions (user_id, name_fingerprint,
				allow_sharing, allow_rotation, allow_deletion, allow_management)
			VALUES (?, ?, 1, 1, 1, 1)`,
			item.OwnerID, item.NameFingerprint); err != nil {
			return err
		}
	}
	if err := insertKeychainItem(ctx, tx, item); err != nil {
		return err
	}
	return tx.Commit()
}

// Shared keys --

const sharedKeyColumns = `from_user_id, to_user_id, from_sharing_public_key,
	from_signature_public_key, created_at, expires_at, name, payload,
	name_fingerprint, payload_fingerprint, signature`

func (s *Store) StoreSharedKey(ctx context.Context, sk api.SharedKey) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO shared_keys (id, `+sharedKeyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), sk.FromUserID, sk.ToUserID, sk.FromSharingPublicKey,
		sk.FromSignaturePublicKey, sk.CreatedAt, sk.ExpiresAt, sk.Name, sk.Payload,
		sk.NameFingerprint, sk.PayloadFingerprint, sk.Signature)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func scanSharedKeys(rows *sql.Rows) ([]api.SharedKey, error) {
	defer rows.Close()
	var out []api.SharedKey
	for rows.Next() {
		var sk api.SharedKey
		if err := rows.Scan(&sk.FromUserID, &sk.ToUserID, &sk.FromSharingPublicKey,
			&sk.FromSignaturePublicKey, &sk.CreatedAt, &sk.ExpiresAt, &sk.Name,
			&sk.Payload, &sk.NameFingerprint, &sk.PayloadFingerprint, &sk.Signature); err != nil {
			return nil, err
		}
		out = append(out, sk)
	}
	return out, rows.Err()
}

func (s *Store) GetSharedKeysTo(ctx context.Context, userID string) ([]api.SharedKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sharedKeyColumns+` FROM shared_keys
		WHERE to_user_id = ? ORDER BY created_at ASC`, userID)
	if err != nil {
		return nil, err
	}
	return scanSharedKeys(rows)
}

func (s *Store) GetSharedKeysFrom(ctx context.Context, userID string) ([]api.SharedKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sharedKeyColumns+` FROM shared_keys
		WHERE from_user_id = ? ORDER BY created_at ASC`, userID)
	if err != nil {
		return nil, err
	}
	return scanSharedKeys(rows)
}

func (s *Store) FindSharedKey(ctx context.Context, fromUserID, toUserID, payloadFingerprint string) (api.SharedKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sharedKeyColumns+` FROM shared_keys
		WHERE from_user_id = ? AND to_user_id = ? AND payload_fingerprint = ?`,
		fromUserID, toUserID, payloadFingerprint)
	if err != nil {
		return api.SharedKey{}, err
	}
	found, err := scanSharedKeys(rows)
	if err != nil {
		return api.SharedKey{}, err
	}
	if len(found) == 0 {
		return api.SharedKey{}, ErrNotFound
	}
	return found[0], nil
}

// ConsumeSharedKey stores the recipient's keychain row and deletes the
// matching pending share in one transaction. A partial failure must not
// leave the share consumed without the key stored, or vice versa. When
// the recipient already holds the key the pending share is still
// deleted (so it stops showing up in the incoming queue) and
// ErrDuplicate is returned.
func (s *Store) ConsumeSharedKey(ctx context.Context, item api.KeychainItem) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	insErr := insertKeychainItem(ctx, tx, item)
	if insErr != nil && !errors.Is(insErr, ErrDuplicate) {
		return insErr
	}
	res, err := tx.ExecContext(ctx, `
		DELETE FROM shared_keys
		WHERE from_user_id = ? AND to_user_id = ? AND payload_fingerprint = ?`,
		item.SharedBy, item.OwnerID, item.PayloadFingerprint)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 && insErr == nil {
		return ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return insErr
}

// Permissions --

// GetPermission returns the flags held by userID over a name
// fingerprint; absent rows read as all-false.
func (s *Store) GetPermission(ctx context.Context, userID, nameFingerprint string) (api.PermissionFlags, error) {
	var flags api.PermissionFlags
	err := s.db.QueryRowContext(ctx, `
		SELECT allow_sharing, allow_rotation, allow_deletion, allow_management
		FROM permissions WHERE user_id = ? AND name_fingerprint = ?`,
		userID, nameFingerprint).Scan(
		&flags.AllowSharing, &flags.AllowRotation, &flags.AllowDeletion, &flags.AllowManagement)
	if errors.Is(err, sql.ErrNoRows) {
		return api.PermissionFlags{}, nil
	}
	return flags, err
}

// UpdatePermission upserts the subset of flags present in req.
func (s *Store) UpdatePermission(ctx context.Context, req api.PermissionRequest) error {
	current, err := s.GetPermission(ctx, req.UserID, req.NameFingerprint)
	if err != nil {
		return err
	}
	apply := func(dst *bool, src *bool) {
		if src != nil {
			*dst = *src
		}
	}
	apply(&current.AllowSharing, req.AllowSharing)
	apply(&current.AllowRotation, req.AllowRotation)
	apply(&current.AllowDeletion, req.AllowDeletion)
	apply(&current.AllowManagement, req.AllowManagement)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO permissions (user_id, name_fingerprint,
			allow_sharing, allow_rotation, allow_deletion, allow_management)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, name_fingerprint) DO UPDATE SET
			allow_sharing = excluded.allow_sharing,
			allow_rotation = excluded.allow_rotation,
			allow_deletion = excluded.allow_deletion,
			allow_management = excluded.allow_management`,
		req.UserID, req.NameFingerprint,
		current.AllowSharing, current.AllowRotation, current.AllowDeletion, current.AllowManagement)
	return err
}

// BanUser revokes a user's access to a key name: their keychain rows for
// the name, their permission row, and any pending shares addressed to
// them are removed in one transaction.
func (s *Store) BanUser(ctx context.Context, userID, nameFingerprint string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM keychain_items WHERE owner_id = ? AND name_fingerprint = ?`,
		userID, nameFingerprint); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM permissions WHERE user_id = ? AND name_fingerprint = ?`,
		userID, nameFingerprint); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM shared_keys WHERE to_user_id = ? AND name_fingerprint = ?`,
		userID, nameFingerprint); err != nil {
		return err
	}
	return tx.Commit()
}
