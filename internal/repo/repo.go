package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"relayboard/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrConflict surfaces a uniqueness-constraint loss, e.g. the second of two
// concurrent first-append requests for the same path.
var ErrConflict = errors.New("conflict")

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed")
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// --- workspaces ---

func (r Repo) InsertWorkspace(ctx context.Context, w domain.Workspace) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO workspaces(id,name,created_at,claimed_at,storage_used) VALUES (?,?,?,?,?)`,
		w.ID, w.Name, w.CreatedAt, nullableStringPtr(w.ClaimedAt), w.StorageUsed)
	return err
}

func (r Repo) GetWorkspace(ctx context.Context, id string) (domain.Workspace, error) {
	var w domain.Workspace
	var claimed, deleted sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,created_at,claimed_at,deleted_at,storage_used FROM workspaces WHERE id=? AND deleted_at IS NULL`, id).
		Scan(&w.ID, &w.Name, &w.CreatedAt, &claimed, &deleted, &w.StorageUsed)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	if claimed.Valid {
		w.ClaimedAt = &claimed.String
	}
	if deleted.Valid {
		w.DeletedAt = &deleted.String
	}
	return w, nil
}

func (r Repo) SingleWorkspace(ctx context.Context) (domain.Workspace, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,created_at,claimed_at,deleted_at,storage_used FROM workspaces WHERE deleted_at IS NULL ORDER BY created_at LIMIT 2`)
	if err != nil {
		return domain.Workspace{}, err
	}
	defer rows.Close()
	var out []domain.Workspace
	for rows.Next() {
		var w domain.Workspace
		var claimed, deleted sql.NullString
		if err := rows.Scan(&w.ID, &w.Name, &w.CreatedAt, &claimed, &deleted, &w.StorageUsed); err != nil {
			return domain.Workspace{}, err
		}
		if claimed.Valid {
			w.ClaimedAt = &claimed.String
		}
		out = append(out, w)
	}
	if len(out) == 0 {
		return domain.Workspace{}, ErrNotFound
	}
	if len(out) > 1 {
		return domain.Workspace{}, errors.New("multiple workspaces exist; specify --workspace-id")
	}
	return out[0], rows.Err()
}

func (r Repo) AddStorageUsed(ctx context.Context, tx *sql.Tx, workspaceID string, delta int64) error {
	_, err := tx.ExecContext(ctx, `UPDATE workspaces SET storage_used=storage_used+? WHERE id=?`, delta, workspaceID)
	return err
}

// --- files ---

func scanFile(scan func(dest ...any) error) (domain.File, error) {
	var f domain.File
	var settings, deleted sql.NullString
	err := scan(&f.ID, &f.WorkspaceID, &f.Path, &f.Content, &settings, &deleted, &f.CreatedAt, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	if err != nil {
		return f, err
	}
	if settings.Valid {
		f.SettingsJSON = &settings.String
	}
	if deleted.Valid {
		f.DeletedAt = &deleted.String
	}
	return f, nil
}

const fileColumns = `id,workspace_id,path,content,settings_json,deleted_at,created_at,updated_at`

// InsertFile relies on the (workspace_id, path) unique index for
// create-race resolution; the loser gets ErrConflict.
func (r Repo) InsertFile(ctx context.Context, tx *sql.Tx, f domain.File) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO files(id,workspace_id,path,content,settings_json,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		f.ID, f.WorkspaceID, f.Path, f.Content, nullableStringPtr(f.SettingsJSON), f.CreatedAt, f.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (r Repo) GetFileByPath(ctx context.Context, workspaceID, path string) (domain.File, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM files WHERE workspace_id=? AND path=? AND deleted_at IS NULL`, workspaceID, path)
	return scanFile(row.Scan)
}

func (r Repo) GetFile(ctx context.Context, id string) (domain.File, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM files WHERE id=? AND deleted_at IS NULL`, id)
	return scanFile(row.Scan)
}

// ListFiles returns non-deleted files in a workspace, optionally restricted
// to a folder subtree. The folder value is attacker-controlled and is always
// bound as a parameter.
func (r Repo) ListFiles(ctx context.Context, workspaceID, folder string) ([]domain.File, error) {
	clauses := []string{"workspace_id=?", "deleted_at IS NULL"}
	args := []any{workspaceID}
	if folder != "" && folder != "/" {
		clauses = append(clauses, "(path = ? OR path LIKE ? || '/%')")
		args = append(args, folder, folder)
	}
	query := `SELECT ` + fileColumns + ` FROM files WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY path`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.File
	for rows.Next() {
		f, err := scanFile(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (r Repo) TouchFile(ctx context.Context, tx *sql.Tx, fileID, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE files SET updated_at=? WHERE id=?`, updatedAt, fileID)
	return err
}
