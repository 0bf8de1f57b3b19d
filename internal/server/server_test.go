package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"relayboard/internal/config"
	"relayboard/internal/db"
	"relayboard/internal/domain"
	"relayboard/internal/engine"
	"relayboard/internal/migrate"
	"relayboard/internal/ws"
)

type testServer struct {
	URL    string
	Keys   map[domain.Permission]string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	e := engine.New(conn, cfg)
	_, keys, err := e.InitWorkspace(context.Background(), "", "test")
	if err != nil {
		t.Fatalf("init workspace: %v", err)
	}
	hub := ws.NewHub(nil)
	e.Events = hub
	limits := ws.NewLimits(cfg.WS.MaxKeyConnections, cfg.WS.MaxWorkspaceConnections, cfg.WS.TokensPerMinute)
	tokens := ws.NewTokenIssuer("test-secret", time.Minute)
	handler, err := New(Config{Engine: e, Hub: hub, Limits: limits, Tokens: tokens})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Keys:   keys,
		Engine: e,
		client: &http.Client{},
	}
	cfg.Server.BaseURL = ts.URL
	ts.close = func() {
		srv.Shutdown(context.Background())
		ln.Close()
		conn.Close()
	}
	t.Cleanup(ts.close)
	return ts
}

type envelope struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (int, envelope) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := ts.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("%s %s: decode %q: %v", method, path, raw, err)
	}
	return resp.StatusCode, env
}

func TestAppendAndBoardOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	appendKey := ts.Keys[domain.PermissionAppend]

	status, env := ts.do(t, http.MethodPost, "/a/"+appendKey+"/append/pr.md", map[string]any{
		"author": "john", "type": "task", "content": "review the PR",
	})
	if status != http.StatusCreated || !env.OK {
		t.Fatalf("append: status=%d env=%+v", status, env)
	}
	var created struct {
		ID string `json:"id"`
	}
	json.Unmarshal(env.Data, &created)

	status, env = ts.do(t, http.MethodPost, "/a/"+appendKey+"/append/pr.md", map[string]any{
		"author": "sarah", "type": "claim", "ref": created.ID,
	})
	if status != http.StatusCreated {
		t.Fatalf("claim append: status=%d env=%+v", status, env)
	}

	status, env = ts.do(t, http.MethodGet, "/r/"+ts.Keys[domain.PermissionRead]+"/orchestration", nil)
	if status != http.StatusOK || !env.OK {
		t.Fatalf("board: status=%d env=%+v", status, env)
	}
	var board struct {
		Tasks []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
			Claim  *struct {
				Author         string `json:"author"`
				CanForceExpire bool   `json:"can_force_expire"`
			} `json:"claim"`
		} `json:"tasks"`
	}
	json.Unmarshal(env.Data, &board)
	if len(board.Tasks) != 1 || board.Tasks[0].Status != "claimed" {
		t.Fatalf("board tasks = %+v", board.Tasks)
	}
	if board.Tasks[0].Claim == nil || board.Tasks[0].Claim.Author != "sarah" {
		t.Fatalf("embedded claim = %+v", board.Tasks[0].Claim)
	}
	if board.Tasks[0].Claim.CanForceExpire {
		t.Fatal("read-tier board must not set can_force_expire")
	}

	// write tier is the admin variant
	status, env = ts.do(t, http.MethodGet, "/w/"+ts.Keys[domain.PermissionWrite]+"/orchestration", nil)
	if status != http.StatusOK {
		t.Fatalf("admin board: status=%d", status)
	}
	json.Unmarshal(env.Data, &board)
	if !board.Tasks[0].Claim.CanForceExpire {
		t.Fatal("write-tier board should set can_force_expire")
	}
}

func TestNestedPathAppendAndLog(t *testing.T) {
	ts := newTestServer(t)
	appendKey := ts.Keys[domain.PermissionAppend]

	status, env := ts.do(t, http.MethodPost, "/a/"+appendKey+"/append/team/notes/pr.md", map[string]any{
		"author": "john", "type": "task", "content": "split the release",
	})
	if status != http.StatusCreated || !env.OK {
		t.Fatalf("nested append: status=%d env=%+v", status, env)
	}

	status, env = ts.do(t, http.MethodGet, "/r/"+ts.Keys[domain.PermissionRead]+"/log/team/notes/pr.md", nil)
	if status != http.StatusOK || !env.OK {
		t.Fatalf("log: status=%d env=%+v", status, env)
	}
	var log struct {
		File    string `json:"file"`
		Appends []struct {
			ID   string `json:"id"`
			Type string `json:"type"`
		} `json:"appends"`
	}
	json.Unmarshal(env.Data, &log)
	if log.File != "/team/notes/pr.md" || len(log.Appends) != 1 || log.Appends[0].ID != "a1" {
		t.Fatalf("log = %+v", log)
	}
}

func TestValidationErrorsCarryDetail(t *testing.T) {
	ts := newTestServer(t)

	status, env := ts.do(t, http.MethodPost, "/a/k/claims/a2/renew", map[string]any{
		"expires_in_seconds": "soon",
	})
	if status != http.StatusBadRequest || env.Error.Code != "INVALID_REQUEST" {
		t.Fatalf("bad body: status=%d env=%+v", status, env)
	}
	if !strings.Contains(env.Error.Message, "expires_in_seconds") {
		t.Fatalf("message %q does not name the bad field", env.Error.Message)
	}
}

func TestTierProbingIsClosed(t *testing.T) {
	ts := newTestServer(t)

	probe := func(path string) (int, envelope) {
		return ts.do(t, http.MethodGet, path, nil)
	}
	unknownStatus, unknownEnv := probe("/w/not-a-real-key/orchestration")
	readStatus, readEnv := probe("/w/" + ts.Keys[domain.PermissionRead] + "/orchestration")

	if unknownStatus != http.StatusNotFound || readStatus != http.StatusNotFound {
		t.Fatalf("statuses = %d, %d, want 404, 404", unknownStatus, readStatus)
	}
	if unknownEnv.Error.Code != readEnv.Error.Code || unknownEnv.Error.Message != readEnv.Error.Message {
		t.Fatalf("probe responses differ: %+v vs %+v", unknownEnv.Error, readEnv.Error)
	}
}

func TestSubscribePathValidation(t *testing.T) {
	ts := newTestServer(t)
	status, env := ts.do(t, http.MethodGet, "/r/"+ts.Keys[domain.PermissionRead]+"/ops/subscribe?path=/a/../b", nil)
	if status != http.StatusBadRequest || env.Error.Code != "INVALID_PATH" {
		t.Fatalf("traversal subscribe: status=%d env=%+v", status, env)
	}
}

func TestClaimMutationOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	appendKey := ts.Keys[domain.PermissionAppend]

	_, env := ts.do(t, http.MethodPost, "/a/"+appendKey+"/append/pr.md", map[string]any{
		"author": "john", "type": "task",
	})
	var task struct {
		ID string `json:"id"`
	}
	json.Unmarshal(env.Data, &task)
	_, env = ts.do(t, http.MethodPost, "/a/"+appendKey+"/append/pr.md", map[string]any{
		"author": "sarah", "type": "claim", "ref": task.ID,
	})
	var claim struct {
		ID string `json:"id"`
	}
	json.Unmarshal(env.Data, &claim)

	status, env := ts.do(t, http.MethodPost, fmt.Sprintf("/a/%s/claims/%s/renew", appendKey, claim.ID), map[string]any{
		"expires_in_seconds": 600,
	})
	if status != http.StatusOK || !env.OK {
		t.Fatalf("renew: status=%d env=%+v", status, env)
	}
	var update struct {
		Claim struct {
			Status string `json:"status"`
		} `json:"claim"`
		AppendID string `json:"append_id"`
	}
	json.Unmarshal(env.Data, &update)
	if update.Claim.Status != "active" || update.AppendID == "" {
		t.Fatalf("renew update = %+v", update)
	}

	status, env = ts.do(t, http.MethodPost, fmt.Sprintf("/a/%s/claims/%s/complete", appendKey, claim.ID), map[string]any{
		"content": "done",
	})
	if status != http.StatusOK {
		t.Fatalf("complete: status=%d env=%+v", status, env)
	}
	status, env = ts.do(t, http.MethodPost, fmt.Sprintf("/a/%s/claims/%s/cancel", appendKey, claim.ID), map[string]any{})
	if status != http.StatusBadRequest || env.Error.Code != "INVALID_REQUEST" {
		t.Fatalf("cancel after complete: status=%d env=%+v", status, env)
	}
}

func TestWebSocketSubscription(t *testing.T) {
	ts := newTestServer(t)
	appendKey := ts.Keys[domain.PermissionAppend]

	status, env := ts.do(t, http.MethodGet, "/a/"+appendKey+"/ops/subscribe", nil)
	if status != http.StatusOK {
		t.Fatalf("subscribe: status=%d env=%+v", status, env)
	}
	var sub struct {
		Token string `json:"token"`
		WSURL string `json:"ws_url"`
	}
	json.Unmarshal(env.Data, &sub)
	if sub.Token == "" || !strings.Contains(sub.WSURL, "/ws?token=") {
		t.Fatalf("subscription = %+v", sub)
	}

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=" + sub.Token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var hello struct {
		Type         string   `json:"type"`
		ConnectionID string   `json:"connectionId"`
		Events       []string `json:"events"`
	}
	if err := conn.ReadJSON(&hello); err != nil {
		t.Fatalf("read hello: %v", err)
	}
	if hello.Type != "connected" || hello.ConnectionID == "" || len(hello.Events) == 0 {
		t.Fatalf("hello = %+v", hello)
	}

	// ping -> pong
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	var pong struct {
		Type string `json:"type"`
	}
	if err := conn.ReadJSON(&pong); err != nil || pong.Type != "pong" {
		t.Fatalf("pong = %+v err = %v", pong, err)
	}

	// an append fans out to the subscriber
	ts.do(t, http.MethodPost, "/a/"+appendKey+"/append/live.md", map[string]any{
		"author": "john", "type": "task",
	})
	sawTaskCreated := false
	for i := 0; i < 5 && !sawTaskCreated; i++ {
		var frame struct {
			Type  string `json:"type"`
			Event string `json:"event"`
		}
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("read event: %v", err)
		}
		if frame.Type == "event" && frame.Event == "task.created" {
			sawTaskCreated = true
		}
	}
	if !sawTaskCreated {
		t.Fatal("task.created never delivered")
	}

	// the token was consumed by the first upgrade
	replay, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("replay dial: %v", err)
	}
	defer replay.Close()
	replay.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = replay.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok || closeErr.Code != ws.CloseTokenInvalid {
		t.Fatalf("replay close = %v, want code %d", err, ws.CloseTokenInvalid)
	}
}
