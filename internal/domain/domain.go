package domain

// Permission is the capability tier carried by a key. Tiers nest:
// write covers append, append covers read.
type Permission string

const (
	PermissionRead   Permission = "read"
	PermissionAppend Permission = "append"
	PermissionWrite  Permission = "write"
)

func (p Permission) rank() int {
	switch p {
	case PermissionRead:
		return 1
	case PermissionAppend:
		return 2
	case PermissionWrite:
		return 3
	}
	return 0
}

// Covers reports whether a key at tier p satisfies the required tier.
func (p Permission) Covers(required Permission) bool {
	return required.rank() > 0 && p.rank() >= required.rank()
}

// Valid reports whether p is one of the three known tiers.
func (p Permission) Valid() bool { return p.rank() > 0 }

// ScopeType restricts a key to a workspace, a folder subtree, or one file.
type ScopeType string

const (
	ScopeWorkspace ScopeType = "workspace"
	ScopeFolder    ScopeType = "folder"
	ScopeFile      ScopeType = "file"
)

// AppendType tags an event row. The storage layer keeps it open (agents may
// define new types); the constants below are the types the engine derives
// state from. Anything else is carried through untouched.
type AppendType string

const (
	TypeTask      AppendType = "task"
	TypeClaim     AppendType = "claim"
	TypeResponse  AppendType = "response"
	TypeCancel    AppendType = "cancel"
	TypeBlocked   AppendType = "blocked"
	TypeRenew     AppendType = "renew"
	TypeComment   AppendType = "comment"
	TypeAnswer    AppendType = "answer"
	TypeVote      AppendType = "vote"
	TypeHeartbeat AppendType = "heartbeat"
)

// Known reports whether t is one of the engine-recognized types.
func (t AppendType) Known() bool {
	switch t {
	case TypeTask, TypeClaim, TypeResponse, TypeCancel, TypeBlocked,
		TypeRenew, TypeComment, TypeAnswer, TypeVote, TypeHeartbeat:
		return true
	}
	return false
}

// NeedsRef reports whether t must reference an existing append.
func (t AppendType) NeedsRef() bool {
	switch t {
	case TypeClaim, TypeResponse, TypeCancel, TypeBlocked, TypeRenew, TypeAnswer, TypeVote:
		return true
	}
	return false
}

type Workspace struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	ClaimedAt   *string `json:"claimed_at,omitempty" format:"date-time"`
	DeletedAt   *string `json:"deleted_at,omitempty" format:"date-time"`
	StorageUsed int64   `json:"storage_used"`
}

// CapabilityKey is the stored record behind a capability URL. The raw
// secret is never persisted, only its SHA-256 digest.
type CapabilityKey struct {
	ID           string     `json:"id"`
	WorkspaceID  string     `json:"workspace_id"`
	KeyHash      string     `json:"-"`
	Permission   Permission `json:"permission" enum:"read,append,write"`
	ScopeType    ScopeType  `json:"scope_type" enum:"workspace,folder,file"`
	ScopePath    string     `json:"scope_path,omitempty"`
	BoundAuthor  *string    `json:"bound_author,omitempty"`
	WipLimit     *int       `json:"wip_limit,omitempty"`
	AllowedTypes []string   `json:"allowed_types,omitempty"`
	ExpiresAt    *string    `json:"expires_at,omitempty" format:"date-time"`
	RevokedAt    *string    `json:"revoked_at,omitempty" format:"date-time"`
	LastUsedAt   *string    `json:"last_used_at,omitempty" format:"date-time"`
	CreatedAt    string     `json:"created_at" format:"date-time"`
}

// CoversPath reports whether the key's scope admits the given file path.
func (k CapabilityKey) CoversPath(path string) bool {
	switch k.ScopeType {
	case ScopeWorkspace:
		return true
	case ScopeFile:
		return path == k.ScopePath
	case ScopeFolder:
		if path == k.ScopePath {
			return true
		}
		prefix := k.ScopePath
		if prefix == "" || prefix == "/" {
			return true
		}
		return len(path) > len(prefix) && path[:len(prefix)] == prefix && path[len(prefix)] == '/'
	}
	return false
}

type File struct {
	ID           string  `json:"id"`
	WorkspaceID  string  `json:"workspace_id"`
	Path         string  `json:"path"`
	Content      string  `json:"content,omitempty"`
	SettingsJSON *string `json:"settings_json,omitempty"`
	DeletedAt    *string `json:"deleted_at,omitempty" format:"date-time"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	UpdatedAt    string  `json:"updated_at" format:"date-time"`
}

// Append is one immutable event in a file's log. AppendID is the
// human-visible id unique within its file ("a5"); Ref chains events
// together (the appendId of the event this one relates to, nil for roots).
// Rows are never updated after insert, with one sanctioned exception:
// ExpiresAt moves forward when a claim is renewed.
type Append struct {
	ID             string     `json:"-"`
	FileID         string     `json:"-"`
	FilePath       string     `json:"file,omitempty"`
	AppendID       string     `json:"id"`
	Author         string     `json:"author"`
	Type           AppendType `json:"type"`
	Ref            *string    `json:"ref,omitempty"`
	Status         *string    `json:"status,omitempty"`
	Priority       *string    `json:"priority,omitempty"`
	Labels         []string   `json:"labels,omitempty"`
	DueAt          *string    `json:"due_at,omitempty" format:"date-time"`
	ExpiresAt      *string    `json:"expires_at,omitempty" format:"date-time"`
	CreatedAt      string     `json:"created_at" format:"date-time"`
	ContentPreview string     `json:"content_preview,omitempty"`
	ContentHash    string     `json:"-"`
}

// Heartbeat is the liveness row for one (workspace, author) pair,
// upserted on every heartbeat append.
type Heartbeat struct {
	WorkspaceID string `json:"workspace_id"`
	Author      string `json:"author"`
	Status      string `json:"status,omitempty"`
	CurrentTask string `json:"current_task,omitempty"`
	LastSeenAt  string `json:"last_seen_at" format:"date-time"`
}

// TaskStatus is derived at read time from the append log, never stored.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskClaimed   TaskStatus = "claimed"
	TaskStalled   TaskStatus = "stalled"
	TaskCompleted TaskStatus = "completed"
	TaskCancelled TaskStatus = "cancelled"
)

// ClaimStatus is derived at read time from the append log.
type ClaimStatus string

const (
	ClaimActive    ClaimStatus = "active"
	ClaimBlocked   ClaimStatus = "blocked"
	ClaimExpired   ClaimStatus = "expired"
	ClaimCompleted ClaimStatus = "completed"
	ClaimCancelled ClaimStatus = "cancelled"
)
