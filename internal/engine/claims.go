package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"relayboard/internal/apperr"
	"relayboard/internal/domain"
	"relayboard/internal/events"
)

const defaultRenewSeconds = 300

// ClaimUpdate is the outcome of a mutation: the claim's fresh derived
// view plus the appendId of the event the mutation wrote.
type ClaimUpdate struct {
	Claim    ClaimView `json:"claim"`
	AppendID string    `json:"append_id"`
}

// RenewClaim extends a claim's deadline. Legal from active or expired;
// renewal is the one in-place write the log permits, and it always lands
// strictly in the future.
func (e Engine) RenewClaim(ctx context.Context, key domain.CapabilityKey, claimID, file string, expiresInSeconds int) (ClaimUpdate, error) {
	if expiresInSeconds < 0 {
		return ClaimUpdate{}, apperr.New(apperr.CodeInvalidRequest, "expires_in_seconds must be positive")
	}
	if expiresInSeconds == 0 {
		expiresInSeconds = defaultRenewSeconds
	}
	return e.mutateClaim(ctx, key, claimID, file, func(m *claimMutation) error {
		switch m.status {
		case domain.ClaimActive, domain.ClaimExpired:
		default:
			return apperr.New(apperr.CodeInvalidRequest, "cannot renew a %s claim", m.status)
		}
		exp := m.now.Add(time.Duration(expiresInSeconds) * time.Second).Format(time.RFC3339)
		m.newExpiresAt = &exp
		m.event = domain.Append{
			Type: domain.TypeRenew,
			Ref:  &m.claim.AppendID,
		}
		m.broadcast = events.ClaimRenewed
		return nil
	})
}

// CompleteClaim appends a response referencing the claim, which also
// completes the claim's task at derivation time. Legal only from active.
func (e Engine) CompleteClaim(ctx context.Context, key domain.CapabilityKey, claimID, file, content string) (ClaimUpdate, error) {
	return e.mutateClaim(ctx, key, claimID, file, func(m *claimMutation) error {
		if m.status != domain.ClaimActive {
			return apperr.New(apperr.CodeInvalidRequest, "cannot complete a %s claim", m.status)
		}
		m.event = domain.Append{
			Type:           domain.TypeResponse,
			Ref:            &m.claim.AppendID,
			ContentPreview: preview(content),
			ContentHash:    hashContent(content),
		}
		m.broadcast = events.ClaimCompleted
		return nil
	})
}

// CancelClaim releases the claim; its task reverts to pending on the
// next query. Legal from active or expired.
func (e Engine) CancelClaim(ctx context.Context, key domain.CapabilityKey, claimID, file, reason string) (ClaimUpdate, error) {
	return e.mutateClaim(ctx, key, claimID, file, func(m *claimMutation) error {
		switch m.status {
		case domain.ClaimActive, domain.ClaimExpired:
		default:
			return apperr.New(apperr.CodeInvalidRequest, "cannot cancel a %s claim", m.status)
		}
		m.event = domain.Append{
			Type:           domain.TypeCancel,
			Ref:            &m.claim.AppendID,
			ContentPreview: preview(reason),
		}
		m.broadcast = events.ClaimCancelled
		return nil
	})
}

// BlockClaim records a blocker against the claim's task, so the block
// survives claim turnover. Reason is required; legal only from active.
func (e Engine) BlockClaim(ctx context.Context, key domain.CapabilityKey, claimID, file, reason string) (ClaimUpdate, error) {
	if reason == "" {
		return ClaimUpdate{}, apperr.New(apperr.CodeInvalidRequest, "reason required")
	}
	return e.mutateClaim(ctx, key, claimID, file, func(m *claimMutation) error {
		if m.status != domain.ClaimActive {
			return apperr.New(apperr.CodeInvalidRequest, "cannot block a %s claim", m.status)
		}
		if m.claim.Ref == nil {
			return apperr.New(apperr.CodeInvalidRequest, "claim has no task")
		}
		m.event = domain.Append{
			Type:           domain.TypeBlocked,
			Ref:            m.claim.Ref,
			ContentPreview: preview(reason),
		}
		m.broadcast = events.ClaimBlocked
		return nil
	})
}

type claimMutation struct {
	claim        domain.Append
	status       domain.ClaimStatus
	now          time.Time
	newExpiresAt *string
	event        domain.Append
	broadcast    string
}

// mutateClaim locates the claim, re-derives its status inside the write
// transaction and applies the transition the caller's fn decided on. The
// re-derivation closes the race between two simultaneous mutations: the
// loser re-reads a non-active status and fails instead of double-applying.
func (e Engine) mutateClaim(ctx context.Context, key domain.CapabilityKey, claimID, file string, fn func(*claimMutation) error) (ClaimUpdate, error) {
	claim, err := e.locateClaim(ctx, key, claimID, file)
	if err != nil {
		return ClaimUpdate{}, err
	}
	now := e.now().UTC()
	nowStr := now.Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ClaimUpdate{}, err
	}
	defer tx.Rollback()

	log, err := e.loadLog(ctx, claim.FileID)
	if err != nil {
		return ClaimUpdate{}, err
	}
	claim, _ = findAppend(log.appends, claim.AppendID)
	m := &claimMutation{claim: claim, status: ClaimStatusOf(claim, log, now), now: now}
	if err := fn(m); err != nil {
		return ClaimUpdate{}, err
	}

	ev := m.event
	ev.ID = uuid.New().String()
	ev.FileID = claim.FileID
	ev.FilePath = claim.FilePath
	ev.Author = mutationAuthor(key, claim)
	ev.CreatedAt = nowStr
	ev.AppendID, err = e.Repo.NextAppendID(ctx, tx, claim.FileID)
	if err != nil {
		return ClaimUpdate{}, err
	}
	if err := e.Repo.InsertAppend(ctx, tx, ev); err != nil {
		return ClaimUpdate{}, err
	}
	if m.newExpiresAt != nil {
		if err := e.Repo.UpdateAppendExpiry(ctx, tx, claim.ID, *m.newExpiresAt); err != nil {
			return ClaimUpdate{}, err
		}
		claim.ExpiresAt = m.newExpiresAt
	}
	if err := e.Repo.TouchFile(ctx, tx, claim.FileID, nowStr); err != nil {
		return ClaimUpdate{}, err
	}
	if err := tx.Commit(); err != nil {
		return ClaimUpdate{}, err
	}

	e.publish(events.Event{Name: events.FileAppended, WorkspaceID: key.WorkspaceID, Path: claim.FilePath, AppendID: ev.AppendID, Author: ev.Author,
		Payload: map[string]any{"type": string(ev.Type)}})
	e.publish(events.Event{Name: m.broadcast, WorkspaceID: key.WorkspaceID, Path: claim.FilePath, AppendID: claim.AppendID, Author: ev.Author})

	log, err = e.loadLog(ctx, claim.FileID)
	if err != nil {
		return ClaimUpdate{}, err
	}
	return ClaimUpdate{
		Claim:    e.claimView(claim, log, now, false),
		AppendID: ev.AppendID,
	}, nil
}

// locateClaim resolves a claimId (unique only within its file) across the
// workspace. Without a file hint an ambiguous id is rejected rather than
// guessed at.
func (e Engine) locateClaim(ctx context.Context, key domain.CapabilityKey, claimID, file string) (domain.Append, error) {
	matches, err := e.Repo.FindAppendsByAppendID(ctx, key.WorkspaceID, claimID, domain.TypeClaim)
	if err != nil {
		return domain.Append{}, err
	}
	filtered := matches[:0:0]
	for _, m := range matches {
		if !key.CoversPath(m.FilePath) {
			continue
		}
		if file != "" && m.FilePath != file {
			continue
		}
		filtered = append(filtered, m)
	}
	switch len(filtered) {
	case 0:
		return domain.Append{}, apperr.New(apperr.CodeAppendNotFound, "claim %s not found", claimID)
	case 1:
		return filtered[0], nil
	default:
		return domain.Append{}, apperr.New(apperr.CodeInvalidRequest, "claim id %s is ambiguous, pass file", claimID)
	}
}

// mutationAuthor attributes the written event: keys bound to an author
// sign as that author, otherwise the claim holder is assumed.
func mutationAuthor(key domain.CapabilityKey, claim domain.Append) string {
	if key.BoundAuthor != nil && *key.BoundAuthor != "" {
		return *key.BoundAuthor
	}
	return claim.Author
}
