package ws_test

import (
	"encoding/json"
	"errors"
	"log"
	"testing"
	"time"

	"relayboard/internal/apperr"
	"relayboard/internal/domain"
	"relayboard/internal/events"
	"relayboard/internal/ws"
)

type fakeConn struct {
	frames [][]byte
	fail   bool
	closed bool
}

func (c *fakeConn) Send(data []byte) error {
	if c.fail {
		return errors.New("gone")
	}
	c.frames = append(c.frames, data)
	return nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func testKey() domain.CapabilityKey {
	return domain.CapabilityKey{
		WorkspaceID: "ws-1",
		KeyHash:     "hash-1",
		Permission:  domain.PermissionAppend,
		ScopeType:   domain.ScopeWorkspace,
	}
}

func TestTokenSingleUse(t *testing.T) {
	issuer := ws.NewTokenIssuer("secret", time.Minute)
	token, _, err := issuer.Issue(testKey(), "")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := issuer.Redeem(token)
	if err != nil {
		t.Fatalf("first redeem: %v", err)
	}
	if claims.WorkspaceID != "ws-1" || claims.Tier != domain.PermissionAppend {
		t.Fatalf("claims = %+v", claims)
	}
	_, err = issuer.Redeem(token)
	if !apperr.IsCode(err, apperr.CodeTokenAlreadyUsed) {
		t.Fatalf("replay = %v, want TOKEN_ALREADY_USED", err)
	}
}

func TestTokenExpiry(t *testing.T) {
	issuer := ws.NewTokenIssuer("secret", time.Minute)
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	issuer.Now = func() time.Time { return start }
	token, _, err := issuer.Issue(testKey(), "")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	issuer.Now = func() time.Time { return start.Add(2 * time.Minute) }
	if _, err := issuer.Redeem(token); !apperr.IsCode(err, apperr.CodeTokenExpired) {
		t.Fatalf("expired redeem = %v, want TOKEN_EXPIRED", err)
	}
	if _, err := issuer.Redeem("garbage"); !apperr.IsCode(err, apperr.CodeTokenInvalid) {
		t.Fatalf("garbage redeem = %v, want TOKEN_INVALID", err)
	}
}

func TestTokenWrongSecret(t *testing.T) {
	token, _, err := ws.NewTokenIssuer("secret-a", time.Minute).Issue(testKey(), "")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := ws.NewTokenIssuer("secret-b", time.Minute).Redeem(token); !apperr.IsCode(err, apperr.CodeTokenInvalid) {
		t.Fatalf("cross-secret redeem = %v, want TOKEN_INVALID", err)
	}
}

func TestConnectionLimits(t *testing.T) {
	limits := ws.NewLimits(1, 2, 0)
	if got := limits.Acquire("k1", "w1"); got != ws.AcquireOK {
		t.Fatalf("first acquire = %v", got)
	}
	if got := limits.Acquire("k1", "w1"); got != ws.AcquireKeyLimit {
		t.Fatalf("over key limit = %v, want AcquireKeyLimit", got)
	}
	if got := limits.Acquire("k2", "w1"); got != ws.AcquireOK {
		t.Fatalf("second key acquire = %v", got)
	}
	if got := limits.Acquire("k3", "w1"); got != ws.AcquireWorkspaceLimit {
		t.Fatalf("over workspace limit = %v, want AcquireWorkspaceLimit", got)
	}
	limits.Release("k1", "w1")
	if got := limits.Acquire("k3", "w1"); got != ws.AcquireOK {
		t.Fatalf("acquire after release = %v", got)
	}
}

func TestTokenIssueRate(t *testing.T) {
	limits := ws.NewLimits(0, 0, 2)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limits.Now = func() time.Time { return now }
	if !limits.AllowTokenIssue("k1") || !limits.AllowTokenIssue("k1") {
		t.Fatal("first two issues should pass")
	}
	if limits.AllowTokenIssue("k1") {
		t.Fatal("third issue within the window should fail")
	}
	now = now.Add(2 * time.Minute)
	if !limits.AllowTokenIssue("k1") {
		t.Fatal("issue after the window should pass")
	}
}

func newSub(workspace, scope string, tier domain.Permission) (*ws.Subscriber, *fakeConn) {
	conn := &fakeConn{}
	visible := map[string]bool{}
	for _, name := range events.VisibleTo(tier) {
		visible[name] = true
	}
	return &ws.Subscriber{
		WorkspaceID: workspace,
		KeyHash:     "hash",
		Events:      visible,
		Scope:       scope,
		Conn:        conn,
	}, conn
}

func TestScopeMatching(t *testing.T) {
	hub := ws.NewHub(log.New(discard{}, "", 0))
	tasksSub, tasksConn := newSub("ws-1", "/tasks", domain.PermissionRead)
	rootSub, rootConn := newSub("ws-1", "/", domain.PermissionRead)
	hub.Register(tasksSub)
	hub.Register(rootSub)

	hub.Publish(events.Event{Name: events.FileAppended, WorkspaceID: "ws-1", Path: "/tasks/today.md"})
	hub.Publish(events.Event{Name: events.FileAppended, WorkspaceID: "ws-1", Path: "/notes/today.md"})

	if len(tasksConn.frames) != 1 {
		t.Fatalf("/tasks subscriber got %d frames, want 1", len(tasksConn.frames))
	}
	if len(rootConn.frames) != 2 {
		t.Fatalf("root subscriber got %d frames, want 2", len(rootConn.frames))
	}
}

func TestTierVisibility(t *testing.T) {
	hub := ws.NewHub(log.New(discard{}, "", 0))
	readSub, readConn := newSub("ws-1", "", domain.PermissionRead)
	appendSub, appendConn := newSub("ws-1", "", domain.PermissionAppend)
	hub.Register(readSub)
	hub.Register(appendSub)

	hub.Publish(events.Event{Name: events.TaskCreated, WorkspaceID: "ws-1", Path: "/pr.md"})

	if len(readConn.frames) != 0 {
		t.Fatalf("read tier should not see task lifecycle events")
	}
	if len(appendConn.frames) != 1 {
		t.Fatalf("append tier got %d frames, want 1", len(appendConn.frames))
	}
}

func TestSharedEventIdentity(t *testing.T) {
	hub := ws.NewHub(log.New(discard{}, "", 0))
	sub1, conn1 := newSub("ws-1", "", domain.PermissionRead)
	sub2, conn2 := newSub("ws-1", "", domain.PermissionRead)
	hub.Register(sub1)
	hub.Register(sub2)

	hub.Publish(events.Event{Name: events.FileCreated, WorkspaceID: "ws-1", Path: "/a.md"})
	hub.Publish(events.Event{Name: events.FileCreated, WorkspaceID: "ws-1", Path: "/b.md"})

	var f1, f2 ws.Frame
	if err := json.Unmarshal(conn1.frames[1], &f1); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := json.Unmarshal(conn2.frames[1], &f2); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f1.EventID != f2.EventID || f1.Sequence != f2.Sequence {
		t.Fatalf("recipients saw different identities: %+v vs %+v", f1, f2)
	}
	if f1.Sequence != 2 {
		t.Fatalf("sequence = %d, want 2", f1.Sequence)
	}
}

func TestSendFailureDoesNotStarveFanout(t *testing.T) {
	hub := ws.NewHub(log.New(discard{}, "", 0))
	deadSub, deadConn := newSub("ws-1", "", domain.PermissionRead)
	deadConn.fail = true
	liveSub, liveConn := newSub("ws-1", "", domain.PermissionRead)
	hub.Register(deadSub)
	hub.Register(liveSub)

	hub.Publish(events.Event{Name: events.FileCreated, WorkspaceID: "ws-1", Path: "/a.md"})

	if len(liveConn.frames) != 1 {
		t.Fatalf("live subscriber got %d frames, want 1", len(liveConn.frames))
	}
}

func TestWorkspaceIsolation(t *testing.T) {
	hub := ws.NewHub(log.New(discard{}, "", 0))
	otherSub, otherConn := newSub("ws-other", "", domain.PermissionRead)
	hub.Register(otherSub)

	hub.Publish(events.Event{Name: events.FileCreated, WorkspaceID: "ws-1", Path: "/a.md"})

	if len(otherConn.frames) != 0 {
		t.Fatalf("event leaked across workspaces")
	}
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
