// Package events carries log-change notifications from the engine to the
// broadcast layer. The engine publishes after commit; delivery is
// best-effort, this is not a durable queue.
package events

import "relayboard/internal/domain"

// Event names, grouped by the lowest tier allowed to see them. Visibility
// is strictly nested: append sees everything read sees, write sees
// everything append sees.
const (
	FileCreated  = "file.created"
	FileAppended = "file.appended"
	FileUpdated  = "file.updated"
	FolderChange = "folder.changed"

	TaskCreated    = "task.created"
	TaskCompleted  = "task.completed"
	TaskCancelled  = "task.cancelled"
	ClaimCreated   = "claim.created"
	ClaimRenewed   = "claim.renewed"
	ClaimCompleted = "claim.completed"
	ClaimCancelled = "claim.cancelled"
	ClaimBlocked   = "claim.blocked"
	Heartbeat      = "heartbeat"

	WebhookUpdated  = "webhook.updated"
	SettingsUpdated = "settings.updated"
)

func readTier() []string {
	return []string{FileCreated, FileAppended, FileUpdated, FolderChange}
}

func appendTier() []string {
	return append(readTier(),
		TaskCreated, TaskCompleted, TaskCancelled,
		ClaimCreated, ClaimRenewed, ClaimCompleted, ClaimCancelled, ClaimBlocked,
		Heartbeat)
}

func writeTier() []string {
	return append(appendTier(), WebhookUpdated, SettingsUpdated)
}

// VisibleTo returns the event names a key tier may receive.
func VisibleTo(p domain.Permission) []string {
	switch p {
	case domain.PermissionWrite:
		return writeTier()
	case domain.PermissionAppend:
		return appendTier()
	case domain.PermissionRead:
		return readTier()
	}
	return nil
}

// Event is one logical log change. EventID and Sequence are assigned once
// by the broadcaster, never per recipient.
type Event struct {
	Name        string         `json:"event"`
	WorkspaceID string         `json:"-"`
	Path        string         `json:"path,omitempty"`
	AppendID    string         `json:"appendId,omitempty"`
	Author      string         `json:"author,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// Publisher is the engine's view of the broadcast layer.
type Publisher interface {
	Publish(evt Event)
}

// Discard drops events; used by the CLI and by tests that do not care
// about broadcast.
type Discard struct{}

func (Discard) Publish(Event) {}
