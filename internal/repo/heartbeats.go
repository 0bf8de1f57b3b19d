package repo

import (
	"context"
	"database/sql"

	"relayboard/internal/domain"
)

// UpsertHeartbeat records a liveness ping for one (workspace, author) pair.
func (r Repo) UpsertHeartbeat(ctx context.Context, tx *sql.Tx, hb domain.Heartbeat) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO heartbeats(workspace_id,author,status,current_task,last_seen_at) VALUES (?,?,?,?,?)
ON CONFLICT(workspace_id,author) DO UPDATE SET status=excluded.status, current_task=excluded.current_task, last_seen_at=excluded.last_seen_at`,
		hb.WorkspaceID, hb.Author, hb.Status, hb.CurrentTask, hb.LastSeenAt)
	return err
}

func (r Repo) ListHeartbeats(ctx context.Context, workspaceID string) ([]domain.Heartbeat, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT workspace_id,author,status,current_task,last_seen_at FROM heartbeats WHERE workspace_id=? ORDER BY author`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Heartbeat
	for rows.Next() {
		var hb domain.Heartbeat
		if err := rows.Scan(&hb.WorkspaceID, &hb.Author, &hb.Status, &hb.CurrentTask, &hb.LastSeenAt); err != nil {
			return nil, err
		}
		out = append(out, hb)
	}
	return out, rows.Err()
}
