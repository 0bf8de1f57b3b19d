package engine

import (
	"context"
	"encoding/base64"
	"sort"
	"strings"
	"time"

	"relayboard/internal/apperr"
	"relayboard/internal/domain"
	"relayboard/internal/repo"
)

// BoardQuery carries the caller's orchestration filters. Zero values mean
// "no filter"; Limit falls back to the configured default.
type BoardQuery struct {
	WorkspaceID string
	Status      []string
	Priority    []string
	Agent       string
	File        string
	Folder      string
	Since       string
	Limit       int
	Cursor      string
	Admin       bool
}

type TaskView struct {
	ID        string            `json:"id"`
	File      string            `json:"file"`
	Content   string            `json:"content,omitempty"`
	Author    string            `json:"author"`
	Priority  *string           `json:"priority,omitempty"`
	Labels    []string          `json:"labels,omitempty"`
	CreatedAt string            `json:"created_at" format:"date-time"`
	DueAt     *string           `json:"due_at,omitempty" format:"date-time"`
	Status    domain.TaskStatus `json:"status"`
	Claim     *ClaimView        `json:"claim,omitempty"`
}

type ClaimView struct {
	ID               string             `json:"id"`
	TaskID           string             `json:"task_id"`
	File             string             `json:"file"`
	Author           string             `json:"author"`
	ExpiresAt        string             `json:"expires_at,omitempty" format:"date-time"`
	ExpiresInSeconds int                `json:"expires_in_seconds"`
	Status           domain.ClaimStatus `json:"status"`
	Blocked          bool               `json:"blocked"`
	BlockReason      string             `json:"block_reason,omitempty"`
	CanForceExpire   bool               `json:"can_force_expire,omitempty"`
}

type AgentView struct {
	Author      string `json:"author"`
	Status      string `json:"status,omitempty"`
	CurrentTask string `json:"current_task,omitempty"`
	LastSeenAt  string `json:"last_seen_at" format:"date-time"`
	Stale       bool   `json:"stale"`
}

type WorkloadView struct {
	Author         string `json:"author"`
	ActiveClaims   int    `json:"active_claims"`
	CompletedToday int    `json:"completed_today"`
}

type Pagination struct {
	HasMore bool   `json:"has_more"`
	Cursor  string `json:"cursor,omitempty"`
}

type BoardResult struct {
	Summary    map[domain.TaskStatus]int `json:"summary"`
	Tasks      []TaskView                `json:"tasks"`
	Claims     []ClaimView               `json:"claims"`
	Agents     []AgentView               `json:"agents"`
	Workload   []WorkloadView            `json:"workload"`
	Pagination Pagination                `json:"pagination"`
}

// Board answers an orchestration query. One query loads every append in
// the file/folder-filtered set so each file's log is complete for
// derivation; task-level filters (since, priority, agent, status) are
// then applied in memory. The summary counts every task passing the
// non-status filters, so status filtering narrows the page, not the
// totals.
func (e Engine) Board(ctx context.Context, q BoardQuery) (BoardResult, error) {
	now := e.now().UTC()
	limit := e.boardLimit(q.Limit)
	if err := validateBoardQuery(q); err != nil {
		return BoardResult{}, err
	}
	curTS, curID, err := decodeCursor(q.Cursor)
	if err != nil {
		return BoardResult{}, err
	}
	folder := normalizeFolder(q.Folder)

	all, err := e.Repo.ListBoardAppends(ctx, repo.BoardFilters{
		WorkspaceID: q.WorkspaceID,
		File:        q.File,
		Folder:      folder,
	})
	if err != nil {
		return BoardResult{}, err
	}
	logs := logsByFile(all)

	res := BoardResult{
		Summary: map[domain.TaskStatus]int{},
		Tasks:   []TaskView{},
		Claims:  []ClaimView{},
	}
	statuses := toSet(q.Status)
	priorities := toSet(q.Priority)
	past := q.Cursor == ""

	// all is ordered created_at DESC, append_id DESC; the page walks it
	// in that order and the cursor marks where the previous page ended
	for _, a := range all {
		if a.Type != domain.TypeTask {
			continue
		}
		if q.Since != "" && a.CreatedAt < q.Since {
			continue
		}
		if len(priorities) > 0 && (a.Priority == nil || !priorities[*a.Priority]) {
			continue
		}
		log := logs[a.FileID]
		status, claim := TaskStatusOf(a, log, now)
		if q.Agent != "" && !taskMatchesAgent(a, claim, q.Agent) {
			continue
		}
		res.Summary[status]++
		if len(statuses) > 0 && !statuses[string(status)] {
			continue
		}
		if !past {
			if a.CreatedAt < curTS || (a.CreatedAt == curTS && a.AppendID < curID) {
				past = true
			} else {
				continue
			}
		}
		if len(res.Tasks) == limit {
			res.Pagination.HasMore = true
			continue
		}
		tv := TaskView{
			ID:        a.AppendID,
			File:      a.FilePath,
			Content:   a.ContentPreview,
			Author:    a.Author,
			Priority:  a.Priority,
			Labels:    a.Labels,
			CreatedAt: a.CreatedAt,
			DueAt:     a.DueAt,
			Status:    status,
		}
		if claim != nil {
			cv := e.claimView(*claim, log, now, q.Admin)
			tv.Claim = &cv
		}
		res.Tasks = append(res.Tasks, tv)
	}
	if len(res.Tasks) > 0 {
		last := res.Tasks[len(res.Tasks)-1]
		res.Pagination.Cursor = encodeCursor(last.CreatedAt, last.ID)
	}

	// live claims across the filtered set: anything not yet resolved
	for _, a := range all {
		if a.Type != domain.TypeClaim {
			continue
		}
		log := logs[a.FileID]
		switch ClaimStatusOf(a, log, now) {
		case domain.ClaimActive, domain.ClaimBlocked:
			res.Claims = append(res.Claims, e.claimView(a, log, now, q.Admin))
		}
	}

	res.Agents, err = e.agents(ctx, q.WorkspaceID, now)
	if err != nil {
		return BoardResult{}, err
	}
	res.Workload = workload(logs, now)
	return res, nil
}

func (e Engine) claimView(c domain.Append, log *fileLog, now time.Time, admin bool) ClaimView {
	status := ClaimStatusOf(c, log, now)
	v := ClaimView{
		ID:             c.AppendID,
		File:           c.FilePath,
		Author:         c.Author,
		Status:         status,
		Blocked:        status == domain.ClaimBlocked,
		CanForceExpire: admin,
	}
	if c.Ref != nil {
		v.TaskID = *c.Ref
	}
	if c.ExpiresAt != nil {
		v.ExpiresAt = *c.ExpiresAt
		if exp, err := time.Parse(time.RFC3339, *c.ExpiresAt); err == nil {
			if remaining := int(exp.Sub(now).Seconds()); remaining > 0 {
				v.ExpiresInSeconds = remaining
			}
		}
	}
	if v.Blocked {
		v.BlockReason = blockReason(c, log)
	}
	return v
}

func (e Engine) agents(ctx context.Context, workspaceID string, now time.Time) ([]AgentView, error) {
	hbs, err := e.Repo.ListHeartbeats(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	threshold := time.Duration(e.agentStaleSeconds()) * time.Second
	out := make([]AgentView, 0, len(hbs))
	for _, hb := range hbs {
		v := AgentView{
			Author:      hb.Author,
			Status:      hb.Status,
			CurrentTask: hb.CurrentTask,
			LastSeenAt:  hb.LastSeenAt,
		}
		if seen, err := time.Parse(time.RFC3339, hb.LastSeenAt); err == nil {
			v.Stale = now.Sub(seen) > threshold
		}
		out = append(out, v)
	}
	return out, nil
}

// workload counts each author's live claims and the responses they wrote
// since UTC midnight.
func workload(logs map[string]*fileLog, now time.Time) []WorkloadView {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Format(time.RFC3339)
	byAuthor := map[string]*WorkloadView{}
	get := func(author string) *WorkloadView {
		v, ok := byAuthor[author]
		if !ok {
			v = &WorkloadView{Author: author}
			byAuthor[author] = v
		}
		return v
	}
	for _, log := range logs {
		for _, a := range log.appends {
			switch a.Type {
			case domain.TypeClaim:
				if ClaimStatusOf(a, log, now) == domain.ClaimActive {
					get(a.Author).ActiveClaims++
				}
			case domain.TypeResponse:
				if a.CreatedAt >= midnight {
					get(a.Author).CompletedToday++
				}
			}
		}
	}
	out := make([]WorkloadView, 0, len(byAuthor))
	for _, v := range byAuthor {
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Author < out[j].Author })
	return out
}

func taskMatchesAgent(task domain.Append, claim *domain.Append, agent string) bool {
	if task.Author == agent {
		return true
	}
	return claim != nil && claim.Author == agent
}

func validateBoardQuery(q BoardQuery) error {
	for _, s := range q.Status {
		switch domain.TaskStatus(s) {
		case domain.TaskPending, domain.TaskClaimed, domain.TaskStalled, domain.TaskCompleted, domain.TaskCancelled:
		default:
			return apperr.New(apperr.CodeInvalidRequest, "unknown status %q", s)
		}
	}
	if q.Since != "" {
		if _, err := time.Parse(time.RFC3339, q.Since); err != nil {
			return apperr.New(apperr.CodeInvalidRequest, "since must be RFC 3339")
		}
	}
	return nil
}

func (e Engine) boardLimit(requested int) int {
	def, max := 50, 1000
	if e.Config != nil {
		if e.Config.Board.DefaultLimit > 0 {
			def = e.Config.Board.DefaultLimit
		}
		if e.Config.Board.MaxLimit > 0 {
			max = e.Config.Board.MaxLimit
		}
	}
	if requested <= 0 {
		return def
	}
	if requested > max {
		return max
	}
	return requested
}

func (e Engine) agentStaleSeconds() int {
	if e.Config != nil && e.Config.Board.AgentStaleSeconds > 0 {
		return e.Config.Board.AgentStaleSeconds
	}
	return 300
}

func normalizeFolder(folder string) string {
	folder = strings.TrimSpace(folder)
	if folder == "" {
		return ""
	}
	if !strings.HasPrefix(folder, "/") {
		folder = "/" + folder
	}
	if len(folder) > 1 {
		folder = strings.TrimRight(folder, "/")
	}
	return folder
}

func toSet(vals []string) map[string]bool {
	if len(vals) == 0 {
		return nil
	}
	m := make(map[string]bool, len(vals))
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			m[v] = true
		}
	}
	return m
}

func encodeCursor(createdAt, appendID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(createdAt + "|" + appendID))
}

func decodeCursor(cursor string) (createdAt, appendID string, err error) {
	if cursor == "" {
		return "", "", nil
	}
	raw, derr := base64.RawURLEncoding.DecodeString(cursor)
	if derr != nil {
		return "", "", apperr.New(apperr.CodeInvalidRequest, "malformed cursor")
	}
	ts, id, ok := strings.Cut(string(raw), "|")
	if !ok || ts == "" || id == "" {
		return "", "", apperr.New(apperr.CodeInvalidRequest, "malformed cursor")
	}
	return ts, id, nil
}
