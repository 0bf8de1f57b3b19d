package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"relayboard/internal/domain"
)

const appendColumns = `a.id,a.file_id,f.path,a.append_id,a.author,a.type,a.ref,a.status,a.priority,a.labels_json,a.due_at,a.expires_at,a.created_at,a.content_preview,a.content_hash`

func scanAppend(scan func(dest ...any) error) (domain.Append, error) {
	var a domain.Append
	var ref, status, priority, labels, dueAt, expiresAt sql.NullString
	var typ string
	err := scan(&a.ID, &a.FileID, &a.FilePath, &a.AppendID, &a.Author, &typ, &ref, &status, &priority,
		&labels, &dueAt, &expiresAt, &a.CreatedAt, &a.ContentPreview, &a.ContentHash)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Type = domain.AppendType(typ)
	if ref.Valid {
		a.Ref = &ref.String
	}
	if status.Valid {
		a.Status = &status.String
	}
	if priority.Valid {
		a.Priority = &priority.String
	}
	if labels.Valid && labels.String != "" {
		if err := json.Unmarshal([]byte(labels.String), &a.Labels); err != nil {
			return a, err
		}
	}
	if dueAt.Valid {
		a.DueAt = &dueAt.String
	}
	if expiresAt.Valid {
		a.ExpiresAt = &expiresAt.String
	}
	return a, nil
}

// NextAppendID allocates the next human-visible id ("a5") for a file,
// inside the caller's transaction so concurrent appends never collide.
func (r Repo) NextAppendID(ctx context.Context, tx *sql.Tx, fileID string) (string, error) {
	if _, err := tx.ExecContext(ctx, `INSERT INTO append_counters(file_id,next_seq) VALUES (?,1) ON CONFLICT(file_id) DO NOTHING`, fileID); err != nil {
		return "", err
	}
	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT next_seq FROM append_counters WHERE file_id=?`, fileID).Scan(&seq); err != nil {
		return "", err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE append_counters SET next_seq=next_seq+1 WHERE file_id=?`, fileID); err != nil {
		return "", err
	}
	return fmt.Sprintf("a%d", seq), nil
}

func (r Repo) InsertAppend(ctx context.Context, tx *sql.Tx, a domain.Append) error {
	var labels any
	if len(a.Labels) > 0 {
		b, err := json.Marshal(a.Labels)
		if err != nil {
			return err
		}
		labels = string(b)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO appends(id,file_id,append_id,author,type,ref,status,priority,labels_json,due_at,expires_at,created_at,content_preview,content_hash)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.FileID, a.AppendID, a.Author, string(a.Type), nullableStringPtr(a.Ref), nullableStringPtr(a.Status),
		nullableStringPtr(a.Priority), labels, nullableStringPtr(a.DueAt), nullableStringPtr(a.ExpiresAt),
		a.CreatedAt, a.ContentPreview, a.ContentHash)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// UpdateAppendExpiry is the single sanctioned in-place mutation of an
// append row: claim renewal extends the deadline.
func (r Repo) UpdateAppendExpiry(ctx context.Context, tx *sql.Tx, id, expiresAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE appends SET expires_at=? WHERE id=?`, expiresAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetAppend(ctx context.Context, fileID, appendID string) (domain.Append, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+appendColumns+` FROM appends a JOIN files f ON f.id=a.file_id WHERE a.file_id=? AND a.append_id=?`, fileID, appendID)
	return scanAppend(row.Scan)
}

// FindAppendsByAppendID locates appends of one type by human-visible id
// across a workspace; callers disambiguate when a workspace reuses an id
// in several files.
func (r Repo) FindAppendsByAppendID(ctx context.Context, workspaceID, appendID string, typ domain.AppendType) ([]domain.Append, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+appendColumns+` FROM appends a
JOIN files f ON f.id=a.file_id
WHERE f.workspace_id=? AND f.deleted_at IS NULL AND a.append_id=? AND a.type=?`, workspaceID, appendID, string(typ))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAppends(rows)
}

// ListFileAppends returns the entire log for one file in creation order.
func (r Repo) ListFileAppends(ctx context.Context, fileID string) ([]domain.Append, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+appendColumns+` FROM appends a JOIN files f ON f.id=a.file_id WHERE a.file_id=? ORDER BY a.created_at, a.append_id`, fileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAppends(rows)
}

// BoardFilters are the SQL-expressible board filters. Status and agent act
// on derived state and are applied by the engine after derivation. Every
// value here is caller-supplied and must stay parameterized.
type BoardFilters struct {
	WorkspaceID string
	File        string   // substring match on file path
	Folder      string   // normalized path prefix
	Since       string   // createdAt lower bound
	Priority    []string // exact priority set
	Types       []domain.AppendType
}

func (f BoardFilters) clauses() ([]string, []any) {
	clauses := []string{"f.workspace_id=?", "f.deleted_at IS NULL"}
	args := []any{f.WorkspaceID}
	if len(f.Types) > 0 {
		ph := make([]string, len(f.Types))
		for i, t := range f.Types {
			ph[i] = "?"
			args = append(args, string(t))
		}
		clauses = append(clauses, "a.type IN ("+strings.Join(ph, ",")+")")
	}
	if f.File != "" {
		clauses = append(clauses, "f.path LIKE '%' || ? || '%'")
		args = append(args, f.File)
	}
	if f.Folder != "" && f.Folder != "/" {
		clauses = append(clauses, "(f.path = ? OR f.path LIKE ? || '/%')")
		args = append(args, f.Folder, f.Folder)
	}
	if f.Since != "" {
		clauses = append(clauses, "a.created_at >= ?")
		args = append(args, f.Since)
	}
	if len(f.Priority) > 0 {
		ph := make([]string, len(f.Priority))
		for i, p := range f.Priority {
			ph[i] = "?"
			args = append(args, p)
		}
		clauses = append(clauses, "a.priority IN ("+strings.Join(ph, ",")+")")
	}
	return clauses, args
}

// ListBoardAppends returns appends matching the filters, newest first with
// append_id as the tiebreak — the ordering the board cursor walks.
func (r Repo) ListBoardAppends(ctx context.Context, f BoardFilters) ([]domain.Append, error) {
	clauses, args := f.clauses()
	query := `SELECT ` + appendColumns + ` FROM appends a
JOIN files f ON f.id=a.file_id
WHERE ` + strings.Join(clauses, " AND ") + `
ORDER BY a.created_at DESC, a.append_id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAppends(rows)
}

func collectAppends(rows *sql.Rows) ([]domain.Append, error) {
	var out []domain.Append
	for rows.Next() {
		a, err := scanAppend(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
