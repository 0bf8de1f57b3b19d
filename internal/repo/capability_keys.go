package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"

	"relayboard/internal/domain"
)

// HashCapabilityKey returns a stable SHA-256 hex digest for a raw key
// string. The raw secret itself never touches the store.
func HashCapabilityKey(raw string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(raw)))
	return hex.EncodeToString(sum[:])
}

const capKeyColumns = `id,workspace_id,key_hash,permission,scope_type,scope_path,bound_author,wip_limit,allowed_types_json,expires_at,revoked_at,last_used_at,created_at`

func scanCapabilityKey(scan func(dest ...any) error) (domain.CapabilityKey, error) {
	var k domain.CapabilityKey
	var scopePath, boundAuthor, allowedTypes, expiresAt, revokedAt, lastUsedAt sql.NullString
	var wipLimit sql.NullInt64
	err := scan(&k.ID, &k.WorkspaceID, &k.KeyHash, &k.Permission, &k.ScopeType, &scopePath,
		&boundAuthor, &wipLimit, &allowedTypes, &expiresAt, &revokedAt, &lastUsedAt, &k.CreatedAt)
	if err == sql.ErrNoRows {
		return k, ErrNotFound
	}
	if err != nil {
		return k, err
	}
	if scopePath.Valid {
		k.ScopePath = scopePath.String
	}
	if boundAuthor.Valid {
		k.BoundAuthor = &boundAuthor.String
	}
	if wipLimit.Valid {
		w := int(wipLimit.Int64)
		k.WipLimit = &w
	}
	if allowedTypes.Valid && allowedTypes.String != "" {
		if err := json.Unmarshal([]byte(allowedTypes.String), &k.AllowedTypes); err != nil {
			return k, err
		}
	}
	if expiresAt.Valid {
		k.ExpiresAt = &expiresAt.String
	}
	if revokedAt.Valid {
		k.RevokedAt = &revokedAt.String
	}
	if lastUsedAt.Valid {
		k.LastUsedAt = &lastUsedAt.String
	}
	return k, nil
}

func (r Repo) InsertCapabilityKey(ctx context.Context, k domain.CapabilityKey) error {
	if k.ID == "" || k.WorkspaceID == "" || k.KeyHash == "" {
		return errors.New("id, workspace_id and key_hash required")
	}
	if !k.Permission.Valid() {
		return errors.New("permission must be read, append or write")
	}
	var allowedTypes any
	if len(k.AllowedTypes) > 0 {
		b, err := json.Marshal(k.AllowedTypes)
		if err != nil {
			return err
		}
		allowedTypes = string(b)
	}
	if k.CreatedAt == "" {
		k.CreatedAt = nowRFC3339()
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO capability_keys(`+capKeyColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		k.ID, k.WorkspaceID, k.KeyHash, string(k.Permission), string(k.ScopeType), nullable(k.ScopePath),
		nullableStringPtr(k.BoundAuthor), nullableIntPtr(k.WipLimit), allowedTypes,
		nullableStringPtr(k.ExpiresAt), nullableStringPtr(k.RevokedAt), nullableStringPtr(k.LastUsedAt), k.CreatedAt)
	return err
}

func (r Repo) GetCapabilityKeyByHash(ctx context.Context, hash string) (domain.CapabilityKey, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+capKeyColumns+` FROM capability_keys WHERE key_hash=? LIMIT 1`, hash)
	return scanCapabilityKey(row.Scan)
}

func (r Repo) ListCapabilityKeys(ctx context.Context, workspaceID string) ([]domain.CapabilityKey, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+capKeyColumns+` FROM capability_keys WHERE workspace_id=? ORDER BY created_at DESC`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []domain.CapabilityKey
	for rows.Next() {
		k, err := scanCapabilityKey(rows.Scan)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// RevokeCapabilityKey sets revoked_at in place. Rows are never deleted so
// audit history referencing the key stays valid.
func (r Repo) RevokeCapabilityKey(ctx context.Context, id, revokedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE capability_keys SET revoked_at=? WHERE id=? AND revoked_at IS NULL`, revokedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchCapabilityKey updates last_used_at; failures are the caller's to
// ignore, the touch is best-effort.
func (r Repo) TouchCapabilityKey(ctx context.Context, id, usedAt string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE capability_keys SET last_used_at=? WHERE id=?`, usedAt, id)
	return err
}
