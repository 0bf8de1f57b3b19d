package engine

import (
	"sort"
	"time"

	"relayboard/internal/domain"
)

// fileLog indexes one file's appends by the ref chains derivation walks.
// Status is never read back from storage beyond the claim 'active' tag;
// everything else is recomputed here on every call.
type fileLog struct {
	appends []domain.Append
	byRef   map[string][]domain.Append
}

// newFileLog indexes appends in log order regardless of how the caller's
// query sorted them; derivation picks "the newest claim" and "the newest
// block reason" by position.
func newFileLog(appends []domain.Append) *fileLog {
	sorted := make([]domain.Append, len(appends))
	copy(sorted, appends)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].CreatedAt != sorted[j].CreatedAt {
			return sorted[i].CreatedAt < sorted[j].CreatedAt
		}
		return appendIDLess(sorted[i].AppendID, sorted[j].AppendID)
	})
	l := &fileLog{appends: sorted, byRef: map[string][]domain.Append{}}
	for _, a := range sorted {
		if a.Ref != nil && *a.Ref != "" {
			l.byRef[*a.Ref] = append(l.byRef[*a.Ref], a)
		}
	}
	return l
}

// appendIDLess orders "a2" before "a10": shorter ids are smaller, equal
// lengths compare lexically.
func appendIDLess(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

func (l *fileLog) refsOfType(ref string, t domain.AppendType) bool {
	for _, a := range l.byRef[ref] {
		if a.Type == t {
			return true
		}
	}
	return false
}

func (l *fileLog) firstRefOfType(ref string, t domain.AppendType) (domain.Append, bool) {
	for _, a := range l.byRef[ref] {
		if a.Type == t {
			return a, true
		}
	}
	return domain.Append{}, false
}

// claimsOn returns claim appends on a task that carry the storage-level
// 'active' tag and have not been released by a cancel. The tag is set at
// creation and never flipped; liveness on top of it is derived. A
// cancelled claim releases the task rather than cancelling it, so it
// drops out of this set.
func (l *fileLog) claimsOn(taskID string) []domain.Append {
	var out []domain.Append
	for _, a := range l.byRef[taskID] {
		if a.Type == domain.TypeClaim && a.Status != nil && *a.Status == "active" &&
			!l.refsOfType(a.AppendID, domain.TypeCancel) {
			out = append(out, a)
		}
	}
	return out
}

func expiryTime(expiresAt *string) (time.Time, bool) {
	if expiresAt == nil || *expiresAt == "" {
		return time.Time{}, false
	}
	exp, err := time.Parse(time.RFC3339, *expiresAt)
	if err != nil {
		return time.Time{}, false
	}
	return exp, true
}

// stallDue reports a deadline that has arrived. A task stalls the moment
// its claim's expiry time is reached.
func stallDue(expiresAt *string, now time.Time) bool {
	exp, ok := expiryTime(expiresAt)
	return ok && !exp.After(now)
}

// lapsed reports a deadline strictly in the past. A claim is still held
// at the exact expiry instant.
func lapsed(expiresAt *string, now time.Time) bool {
	exp, ok := expiryTime(expiresAt)
	return ok && exp.Before(now)
}

// taskCompleted reports whether a response resolves the task, either
// directly or through one of its claims. A claim's response also
// completes its task; a claim's cancel does NOT cancel it, it only
// releases the claim.
func (l *fileLog) taskCompleted(task domain.Append) bool {
	if l.refsOfType(task.AppendID, domain.TypeResponse) {
		return true
	}
	for _, a := range l.byRef[task.AppendID] {
		if a.Type == domain.TypeClaim && l.refsOfType(a.AppendID, domain.TypeResponse) {
			return true
		}
	}
	return false
}

// TaskStatusOf derives a task's status from its file log. Resolution is a
// strict priority chain: completion and cancellation win over claim and
// expiry state, so a task stays resolvable after its claim lapsed. The
// second return is the claim governing a claimed/stalled status.
func TaskStatusOf(task domain.Append, log *fileLog, now time.Time) (domain.TaskStatus, *domain.Append) {
	if log.taskCompleted(task) {
		return domain.TaskCompleted, nil
	}
	if log.refsOfType(task.AppendID, domain.TypeCancel) {
		return domain.TaskCancelled, nil
	}
	claims := log.claimsOn(task.AppendID)
	if len(claims) > 0 {
		// at most one by construction; take the newest if history
		// predates the creation-time guard
		c := claims[len(claims)-1]
		if stallDue(c.ExpiresAt, now) {
			return domain.TaskStalled, &c
		}
		return domain.TaskClaimed, &c
	}
	return domain.TaskPending, nil
}

// ClaimStatusOf derives a claim's status. Blocking is recorded against the
// task (the claim's ref), so it surfaces on whichever claim owns the task.
func ClaimStatusOf(claim domain.Append, log *fileLog, now time.Time) domain.ClaimStatus {
	if log.refsOfType(claim.AppendID, domain.TypeResponse) {
		return domain.ClaimCompleted
	}
	if log.refsOfType(claim.AppendID, domain.TypeCancel) {
		return domain.ClaimCancelled
	}
	if claim.Ref != nil && log.refsOfType(*claim.Ref, domain.TypeBlocked) {
		return domain.ClaimBlocked
	}
	if lapsed(claim.ExpiresAt, now) {
		return domain.ClaimExpired
	}
	return domain.ClaimActive
}

// blockReason returns the reason recorded by the newest blocked event on
// the claim's task.
func blockReason(claim domain.Append, log *fileLog) string {
	if claim.Ref == nil {
		return ""
	}
	reason := ""
	for _, a := range log.byRef[*claim.Ref] {
		if a.Type == domain.TypeBlocked {
			reason = a.ContentPreview
		}
	}
	return reason
}
