package engine

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"relayboard/internal/apperr"
	"relayboard/internal/config"
	"relayboard/internal/domain"
	"relayboard/internal/engine/auth"
	"relayboard/internal/events"
	"relayboard/internal/repo"
)

const previewLength = 160

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Auth   auth.Service
	Events events.Publisher
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:     db,
		Repo:   r,
		Auth:   auth.Service{Repo: r},
		Events: events.Discard{},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) publish(evt events.Event) {
	if e.Events != nil {
		e.Events.Publish(evt)
	}
}

// NormalizePath canonicalizes a document path: leading slash, no trailing
// slash, and no parent traversal.
func NormalizePath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", apperr.New(apperr.CodeInvalidPath, "path required")
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", apperr.New(apperr.CodeInvalidPath, "path must not contain '..'")
		}
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
	}
	return p, nil
}

// InitWorkspace bootstraps a workspace with one key per tier and returns
// the raw secrets (their only appearance outside the caller's hands).
func (e Engine) InitWorkspace(ctx context.Context, id, name string) (domain.Workspace, map[domain.Permission]string, error) {
	now := e.now().UTC().Format(time.RFC3339)
	w := domain.Workspace{ID: id, Name: name, CreatedAt: now}
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	if err := e.Repo.InsertWorkspace(ctx, w); err != nil {
		return domain.Workspace{}, nil, err
	}
	secrets := map[domain.Permission]string{}
	for _, perm := range []domain.Permission{domain.PermissionRead, domain.PermissionAppend, domain.PermissionWrite} {
		raw := uuid.NewString() + uuid.NewString()[:8]
		key := domain.CapabilityKey{
			ID:          uuid.New().String(),
			WorkspaceID: w.ID,
			KeyHash:     repo.HashCapabilityKey(raw),
			Permission:  perm,
			ScopeType:   domain.ScopeWorkspace,
			CreatedAt:   now,
		}
		if err := e.Repo.InsertCapabilityKey(ctx, key); err != nil {
			return domain.Workspace{}, nil, err
		}
		secrets[perm] = raw
	}
	return w, secrets, nil
}

// IssueKey creates an additional capability key and returns the record
// plus the raw secret.
func (e Engine) IssueKey(ctx context.Context, k domain.CapabilityKey) (domain.CapabilityKey, string, error) {
	if !k.Permission.Valid() {
		return k, "", apperr.New(apperr.CodeInvalidRequest, "permission must be read, append or write")
	}
	if k.ScopeType == "" {
		k.ScopeType = domain.ScopeWorkspace
	}
	if k.ScopeType != domain.ScopeWorkspace {
		p, err := NormalizePath(k.ScopePath)
		if err != nil {
			return k, "", err
		}
		k.ScopePath = p
	}
	if _, err := e.Repo.GetWorkspace(ctx, k.WorkspaceID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return k, "", apperr.New(apperr.CodeNotFound, "workspace not found")
		}
		return k, "", err
	}
	raw := uuid.NewString() + uuid.NewString()[:8]
	k.ID = uuid.New().String()
	k.KeyHash = repo.HashCapabilityKey(raw)
	k.CreatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.InsertCapabilityKey(ctx, k); err != nil {
		return k, "", err
	}
	return k, raw, nil
}

// RevokeKey marks a key revoked in place; the row survives for audit
// history and idempotency references.
func (e Engine) RevokeKey(ctx context.Context, keyID string) error {
	err := e.Repo.RevokeCapabilityKey(ctx, keyID, e.now().UTC().Format(time.RFC3339))
	if errors.Is(err, repo.ErrNotFound) {
		return apperr.New(apperr.CodeNotFound, "key not found")
	}
	return err
}

// AppendOptions are the caller-supplied fields of a new event row.
type AppendOptions struct {
	Path             string
	Author           string
	Type             domain.AppendType
	Ref              string
	Content          string
	Priority         string
	Labels           []string
	DueAt            string
	ExpiresInSeconds int
	Status           string
}

// AppendEvent writes one row to a file's log, creating the file on first
// append. The key's scope, bound author, allowed types and WIP limit are
// enforced here; everything downstream of the insert is derivation.
func (e Engine) AppendEvent(ctx context.Context, key domain.CapabilityKey, opts AppendOptions) (domain.Append, error) {
	path, err := NormalizePath(opts.Path)
	if err != nil {
		return domain.Append{}, err
	}
	if !key.CoversPath(path) {
		// outside the key's scope is indistinguishable from nonexistent
		return domain.Append{}, apperr.New(apperr.CodeNotFound, "not found")
	}
	author := strings.TrimSpace(opts.Author)
	if key.BoundAuthor != nil && *key.BoundAuthor != "" {
		if author != "" && author != *key.BoundAuthor {
			return domain.Append{}, apperr.New(apperr.CodeInvalidRequest, "key is bound to author %s", *key.BoundAuthor)
		}
		author = *key.BoundAuthor
	}
	if author == "" {
		return domain.Append{}, apperr.New(apperr.CodeInvalidRequest, "author required")
	}
	if opts.Type == "" {
		return domain.Append{}, apperr.New(apperr.CodeInvalidRequest, "type required")
	}
	if len(key.AllowedTypes) > 0 {
		allowed := false
		for _, t := range key.AllowedTypes {
			if domain.AppendType(t) == opts.Type {
				allowed = true
				break
			}
		}
		if !allowed {
			return domain.Append{}, apperr.New(apperr.CodeInvalidRequest, "type %s not permitted by this key", opts.Type)
		}
	}
	now := e.now().UTC()
	nowStr := now.Format(time.RFC3339)

	file, created, err := e.ensureFile(ctx, key.WorkspaceID, path, nowStr)
	if err != nil {
		return domain.Append{}, err
	}

	a := domain.Append{
		ID:             uuid.New().String(),
		FileID:         file.ID,
		FilePath:       file.Path,
		Author:         author,
		Type:           opts.Type,
		CreatedAt:      nowStr,
		ContentPreview: preview(opts.Content),
		ContentHash:    hashContent(opts.Content),
		Labels:         opts.Labels,
	}
	if opts.Priority != "" {
		a.Priority = &opts.Priority
	}
	if opts.DueAt != "" {
		if _, err := time.Parse(time.RFC3339, opts.DueAt); err != nil {
			return domain.Append{}, apperr.New(apperr.CodeInvalidRequest, "due_at must be RFC 3339")
		}
		due := opts.DueAt
		a.DueAt = &due
	}
	if opts.Status != "" {
		s := opts.Status
		a.Status = &s
	}

	log, err := e.loadLog(ctx, file.ID)
	if err != nil {
		return domain.Append{}, err
	}
	if opts.Type.NeedsRef() && opts.Ref == "" {
		return domain.Append{}, apperr.New(apperr.CodeInvalidRequest, "%s appends require ref", opts.Type)
	}
	if opts.Ref != "" {
		// a heartbeat's ref names the agent's current task, often in
		// another file; every other ref must resolve within this log
		if opts.Type != domain.TypeHeartbeat {
			if _, ok := findAppend(log.appends, opts.Ref); !ok {
				return domain.Append{}, apperr.New(apperr.CodeAppendNotFound, "append %s not found in %s", opts.Ref, path)
			}
		}
		ref := opts.Ref
		a.Ref = &ref
	}

	if opts.Type == domain.TypeClaim {
		if err := e.prepareClaim(ctx, key, &a, log, now, opts.ExpiresInSeconds); err != nil {
			return domain.Append{}, err
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Append{}, err
	}
	defer tx.Rollback()

	a.AppendID, err = e.Repo.NextAppendID(ctx, tx, file.ID)
	if err != nil {
		return domain.Append{}, err
	}
	if err := e.Repo.InsertAppend(ctx, tx, a); err != nil {
		return domain.Append{}, err
	}
	if err := e.Repo.TouchFile(ctx, tx, file.ID, nowStr); err != nil {
		return domain.Append{}, err
	}
	if err := e.Repo.AddStorageUsed(ctx, tx, key.WorkspaceID, int64(len(opts.Content))); err != nil {
		return domain.Append{}, err
	}
	if opts.Type == domain.TypeHeartbeat {
		hb := domain.Heartbeat{
			WorkspaceID: key.WorkspaceID,
			Author:      author,
			Status:      opts.Status,
			CurrentTask: opts.Ref,
			LastSeenAt:  nowStr,
		}
		if err := e.Repo.UpsertHeartbeat(ctx, tx, hb); err != nil {
			return domain.Append{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Append{}, err
	}

	if created {
		e.publish(events.Event{Name: events.FileCreated, WorkspaceID: key.WorkspaceID, Path: path, Author: author})
	}
	e.publish(events.Event{Name: events.FileAppended, WorkspaceID: key.WorkspaceID, Path: path, AppendID: a.AppendID, Author: author,
		Payload: map[string]any{"type": string(a.Type)}})
	if name := lifecycleEvent(a, log); name != "" {
		e.publish(events.Event{Name: name, WorkspaceID: key.WorkspaceID, Path: path, AppendID: a.AppendID, Author: author})
	}
	return a, nil
}

// lifecycleEvent maps an inserted append to its task/claim/heartbeat
// lifecycle event name, or "" when only the raw file.appended applies.
// Response and cancel events distinguish a task target from a claim
// target by looking the ref up in the log.
func lifecycleEvent(a domain.Append, log *fileLog) string {
	switch a.Type {
	case domain.TypeTask:
		return events.TaskCreated
	case domain.TypeClaim:
		return events.ClaimCreated
	case domain.TypeResponse:
		if refIsTask(a, log) {
			return events.TaskCompleted
		}
		return events.ClaimCompleted
	case domain.TypeCancel:
		if refIsTask(a, log) {
			return events.TaskCancelled
		}
		return events.ClaimCancelled
	case domain.TypeBlocked:
		return events.ClaimBlocked
	case domain.TypeRenew:
		return events.ClaimRenewed
	case domain.TypeHeartbeat:
		return events.Heartbeat
	}
	return ""
}

func refIsTask(a domain.Append, log *fileLog) bool {
	if a.Ref == nil {
		return false
	}
	target, ok := findAppend(log.appends, *a.Ref)
	return ok && target.Type == domain.TypeTask
}

// prepareClaim validates the claim target and the key's WIP limit, and
// stamps the storage-level active tag plus the expiry deadline. Creation
// is also where single-active-claim-per-task is enforced: the derived
// status of the target task must not show a live claim.
func (e Engine) prepareClaim(ctx context.Context, key domain.CapabilityKey, a *domain.Append, log *fileLog, now time.Time, expiresIn int) error {
	target, ok := findAppend(log.appends, *a.Ref)
	if !ok || target.Type != domain.TypeTask {
		return apperr.New(apperr.CodeInvalidRequest, "claims must reference a task")
	}
	status, _ := TaskStatusOf(target, log, now)
	switch status {
	case domain.TaskPending, domain.TaskStalled:
		// stalled tasks may be re-claimed; the lapsed claim stays in the
		// log and the new one supersedes it at derivation time
	default:
		return apperr.New(apperr.CodeInvalidRequest, "task %s is %s", target.AppendID, status)
	}
	if key.WipLimit != nil && *key.WipLimit > 0 {
		active, err := e.countActiveClaims(ctx, key.WorkspaceID, a.Author, now)
		if err != nil {
			return err
		}
		if active >= *key.WipLimit {
			return apperr.New(apperr.CodeInvalidRequest, "wip limit %d reached for %s", *key.WipLimit, a.Author)
		}
	}
	if expiresIn <= 0 {
		expiresIn = e.claimTTLSeconds()
	}
	exp := now.Add(time.Duration(expiresIn) * time.Second).Format(time.RFC3339)
	a.ExpiresAt = &exp
	active := "active"
	a.Status = &active
	return nil
}

func (e Engine) claimTTLSeconds() int {
	if e.Config != nil && e.Config.Board.ClaimTTLSeconds > 0 {
		return e.Config.Board.ClaimTTLSeconds
	}
	return 300
}

// countActiveClaims derives the author's live claim count across the
// workspace for WIP-limit enforcement.
func (e Engine) countActiveClaims(ctx context.Context, workspaceID, author string, now time.Time) (int, error) {
	all, err := e.Repo.ListBoardAppends(ctx, repo.BoardFilters{WorkspaceID: workspaceID})
	if err != nil {
		return 0, err
	}
	count := 0
	for _, log := range logsByFile(all) {
		for _, a := range log.appends {
			if a.Type == domain.TypeClaim && a.Author == author && ClaimStatusOf(a, log, now) == domain.ClaimActive {
				count++
			}
		}
	}
	return count, nil
}

func (e Engine) ensureFile(ctx context.Context, workspaceID, path, now string) (domain.File, bool, error) {
	f, err := e.Repo.GetFileByPath(ctx, workspaceID, path)
	if err == nil {
		return f, false, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.File{}, false, err
	}
	f = domain.File{
		ID:          uuid.New().String(),
		WorkspaceID: workspaceID,
		Path:        path,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.File{}, false, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertFile(ctx, tx, f); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			// lost the create race; the winner's row is authoritative
			existing, gerr := e.Repo.GetFileByPath(ctx, workspaceID, path)
			if gerr == nil {
				return existing, false, nil
			}
			return domain.File{}, false, apperr.New(apperr.CodeConflict, "file %s already exists", path)
		}
		return domain.File{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.File{}, false, err
	}
	return f, true, nil
}

func (e Engine) loadLog(ctx context.Context, fileID string) (*fileLog, error) {
	appends, err := e.Repo.ListFileAppends(ctx, fileID)
	if err != nil {
		return nil, err
	}
	return newFileLog(appends), nil
}

// Heartbeats returns the workspace's agent liveness view.
func (e Engine) Heartbeats(ctx context.Context, workspaceID string) ([]AgentView, error) {
	return e.agents(ctx, workspaceID, e.now().UTC())
}

// FileLog returns a file's full append log in insertion order.
func (e Engine) FileLog(ctx context.Context, key domain.CapabilityKey, path string) ([]domain.Append, error) {
	path, err := NormalizePath(path)
	if err != nil {
		return nil, err
	}
	if !key.CoversPath(path) {
		return nil, apperr.New(apperr.CodeNotFound, "not found")
	}
	f, err := e.Repo.GetFileByPath(ctx, key.WorkspaceID, path)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, apperr.New(apperr.CodeNotFound, "not found")
		}
		return nil, err
	}
	return e.Repo.ListFileAppends(ctx, f.ID)
}

func findAppend(appends []domain.Append, appendID string) (domain.Append, bool) {
	for _, a := range appends {
		if a.AppendID == appendID {
			return a, true
		}
	}
	return domain.Append{}, false
}

func logsByFile(appends []domain.Append) map[string]*fileLog {
	grouped := map[string][]domain.Append{}
	for _, a := range appends {
		grouped[a.FileID] = append(grouped[a.FileID], a)
	}
	out := make(map[string]*fileLog, len(grouped))
	for id, list := range grouped {
		out[id] = newFileLog(list)
	}
	return out
}

// preview truncates at a rune boundary so multi-byte content never leaves
// a split rune in content_preview.
func preview(content string) string {
	content = strings.TrimSpace(content)
	if len(content) <= previewLength {
		return content
	}
	cut := previewLength
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	return content[:cut]
}

func hashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
