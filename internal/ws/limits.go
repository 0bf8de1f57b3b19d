package ws

import (
	"sync"
	"time"
)

// Limits caps connection counts per key and per workspace, and rate-limits
// token issuance per key. It is an injected registry constructed at
// service start, never a package-level singleton, so tests can reset it
// and a future deployment can shard it.
type Limits struct {
	MaxKeyConnections       int
	MaxWorkspaceConnections int
	TokensPerMinute         int
	Now                     func() time.Time

	mu         sync.Mutex
	byKey      map[string]int
	byWs       map[string]int
	tokenTimes map[string][]time.Time
}

func NewLimits(maxKey, maxWorkspace, tokensPerMinute int) *Limits {
	return &Limits{
		MaxKeyConnections:       maxKey,
		MaxWorkspaceConnections: maxWorkspace,
		TokensPerMinute:         tokensPerMinute,
		Now:                     time.Now,
		byKey:                   map[string]int{},
		byWs:                    map[string]int{},
		tokenTimes:              map[string][]time.Time{},
	}
}

func (l *Limits) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// AcquireResult names which cap was hit, if any.
type AcquireResult int

const (
	AcquireOK AcquireResult = iota
	AcquireKeyLimit
	AcquireWorkspaceLimit
)

// Acquire reserves a connection slot. The caller must Release the same
// pair exactly once when the connection ends.
func (l *Limits) Acquire(keyHash, workspaceID string) AcquireResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.MaxKeyConnections > 0 && l.byKey[keyHash] >= l.MaxKeyConnections {
		return AcquireKeyLimit
	}
	if l.MaxWorkspaceConnections > 0 && l.byWs[workspaceID] >= l.MaxWorkspaceConnections {
		return AcquireWorkspaceLimit
	}
	l.byKey[keyHash]++
	l.byWs[workspaceID]++
	return AcquireOK
}

func (l *Limits) Release(keyHash, workspaceID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.byKey[keyHash] > 0 {
		l.byKey[keyHash]--
	}
	if l.byKey[keyHash] == 0 {
		delete(l.byKey, keyHash)
	}
	if l.byWs[workspaceID] > 0 {
		l.byWs[workspaceID]--
	}
	if l.byWs[workspaceID] == 0 {
		delete(l.byWs, workspaceID)
	}
}

// AllowTokenIssue applies a sliding one-minute window per key.
func (l *Limits) AllowTokenIssue(keyHash string) bool {
	if l.TokensPerMinute <= 0 {
		return true
	}
	now := l.now()
	cutoff := now.Add(-time.Minute)
	l.mu.Lock()
	defer l.mu.Unlock()
	times := l.tokenTimes[keyHash]
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= l.TokensPerMinute {
		l.tokenTimes[keyHash] = kept
		return false
	}
	l.tokenTimes[keyHash] = append(kept, now)
	return true
}

// Reset clears all counters. Test hook.
func (l *Limits) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byKey = map[string]int{}
	l.byWs = map[string]int{}
	l.tokenTimes = map[string][]time.Time{}
}
