// Package relayboardsdk is a minimal Relayboard HTTP API client for
// agents holding a capability URL.
package relayboardsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to one workspace through one capability key. The tier
// prefix is picked per call: reads go through /r, appends through /a.
type Client struct {
	BaseURL    string
	Key        string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, key string) *Client {
	return &Client{
		BaseURL: baseURL,
		Key:     key,
		Timeout: 10 * time.Second,
	}
}

// Append is one event row in a file's log.
type Append struct {
	ID             string   `json:"id"`
	File           string   `json:"file"`
	Author         string   `json:"author"`
	Type           string   `json:"type"`
	Ref            *string  `json:"ref,omitempty"`
	Status         *string  `json:"status,omitempty"`
	Priority       *string  `json:"priority,omitempty"`
	Labels         []string `json:"labels,omitempty"`
	DueAt          *string  `json:"due_at,omitempty"`
	ExpiresAt      *string  `json:"expires_at,omitempty"`
	CreatedAt      string   `json:"created_at"`
	ContentPreview string   `json:"content_preview,omitempty"`
}

// AppendInput are the caller-set fields of a new event.
type AppendInput struct {
	Author           string   `json:"author,omitempty"`
	Type             string   `json:"type"`
	Ref              string   `json:"ref,omitempty"`
	Content          string   `json:"content,omitempty"`
	Priority         string   `json:"priority,omitempty"`
	Labels           []string `json:"labels,omitempty"`
	DueAt            string   `json:"due_at,omitempty"`
	ExpiresInSeconds int      `json:"expires_in_seconds,omitempty"`
	Status           string   `json:"status,omitempty"`
}

type Claim struct {
	ID               string `json:"id"`
	TaskID           string `json:"task_id"`
	File             string `json:"file"`
	Author           string `json:"author"`
	ExpiresAt        string `json:"expires_at,omitempty"`
	ExpiresInSeconds int    `json:"expires_in_seconds"`
	Status           string `json:"status"`
	Blocked          bool   `json:"blocked"`
	BlockReason      string `json:"block_reason,omitempty"`
}

type Task struct {
	ID        string   `json:"id"`
	File      string   `json:"file"`
	Content   string   `json:"content,omitempty"`
	Author    string   `json:"author"`
	Priority  *string  `json:"priority,omitempty"`
	Labels    []string `json:"labels,omitempty"`
	CreatedAt string   `json:"created_at"`
	DueAt     *string  `json:"due_at,omitempty"`
	Status    string   `json:"status"`
	Claim     *Claim   `json:"claim,omitempty"`
}

type Agent struct {
	Author      string `json:"author"`
	Status      string `json:"status,omitempty"`
	CurrentTask string `json:"current_task,omitempty"`
	LastSeenAt  string `json:"last_seen_at"`
	Stale       bool   `json:"stale"`
}

type Workload struct {
	Author         string `json:"author"`
	ActiveClaims   int    `json:"active_claims"`
	CompletedToday int    `json:"completed_today"`
}

type Pagination struct {
	HasMore bool   `json:"has_more"`
	Cursor  string `json:"cursor,omitempty"`
}

type Board struct {
	Summary    map[string]int `json:"summary"`
	Tasks      []Task         `json:"tasks"`
	Claims     []Claim        `json:"claims"`
	Agents     []Agent        `json:"agents"`
	Workload   []Workload     `json:"workload"`
	Pagination Pagination     `json:"pagination"`
}

// BoardQuery holds optional board filters; zero values are omitted.
type BoardQuery struct {
	Status   string
	Priority string
	Agent    string
	File     string
	Folder   string
	Since    string
	Limit    int
	Cursor   string
}

type ClaimUpdate struct {
	Claim    Claim  `json:"claim"`
	AppendID string `json:"append_id"`
}

type Subscription struct {
	Token     string   `json:"token"`
	WSURL     string   `json:"ws_url"`
	ExpiresAt string   `json:"expires_at"`
	Events    []string `json:"events"`
	Scope     string   `json:"scope,omitempty"`
}

// APIError wraps an {ok:false} response.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
}

// AppendEvent appends one event to the file at path.
func (c *Client) AppendEvent(ctx context.Context, path string, in AppendInput) (Append, error) {
	var resp Append
	endpoint := c.tierPath("a", "append/"+strings.TrimLeft(path, "/"))
	err := c.do(ctx, http.MethodPost, endpoint, in, &resp)
	return resp, err
}

// Board runs an orchestration query at read tier.
func (c *Client) Board(ctx context.Context, q BoardQuery) (Board, error) {
	vals := url.Values{}
	set := func(k, v string) {
		if v != "" {
			vals.Set(k, v)
		}
	}
	set("status", q.Status)
	set("priority", q.Priority)
	set("agent", q.Agent)
	set("file", q.File)
	set("folder", q.Folder)
	set("since", q.Since)
	set("cursor", q.Cursor)
	if q.Limit > 0 {
		vals.Set("limit", fmt.Sprintf("%d", q.Limit))
	}
	endpoint := c.tierPath("r", "orchestration")
	if len(vals) > 0 {
		endpoint += "?" + vals.Encode()
	}
	var resp Board
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Subscribe requests a WebSocket token at append tier, optionally
// narrowed to a path scope.
func (c *Client) Subscribe(ctx context.Context, scope string) (Subscription, error) {
	endpoint := c.tierPath("a", "ops/subscribe")
	if scope != "" {
		endpoint += "?path=" + url.QueryEscape(scope)
	}
	var resp Subscription
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// RenewClaim extends a claim's deadline.
func (c *Client) RenewClaim(ctx context.Context, claimID string, expiresInSeconds int) (ClaimUpdate, error) {
	return c.claimMutation(ctx, claimID, "renew", map[string]any{"expires_in_seconds": expiresInSeconds})
}

// CompleteClaim writes a response for the claim, completing its task.
func (c *Client) CompleteClaim(ctx context.Context, claimID, content string) (ClaimUpdate, error) {
	return c.claimMutation(ctx, claimID, "complete", map[string]any{"content": content})
}

// CancelClaim releases the claim; the task becomes claimable again.
func (c *Client) CancelClaim(ctx context.Context, claimID, reason string) (ClaimUpdate, error) {
	return c.claimMutation(ctx, claimID, "cancel", map[string]any{"reason": reason})
}

// BlockClaim records a blocker against the claim's task.
func (c *Client) BlockClaim(ctx context.Context, claimID, reason string) (ClaimUpdate, error) {
	return c.claimMutation(ctx, claimID, "block", map[string]any{"reason": reason})
}

// Heartbeat reports liveness for an author.
func (c *Client) Heartbeat(ctx context.Context, author, status, currentTask string) (Append, error) {
	return c.AppendEvent(ctx, "/heartbeats.md", AppendInput{
		Author: author,
		Type:   "heartbeat",
		Ref:    currentTask,
		Status: status,
	})
}

// Agents lists heartbeat-derived liveness rows.
func (c *Client) Agents(ctx context.Context) ([]Agent, error) {
	var resp struct {
		Agents []Agent `json:"agents"`
	}
	err := c.do(ctx, http.MethodGet, c.tierPath("r", "heartbeats"), nil, &resp)
	return resp.Agents, err
}

func (c *Client) claimMutation(ctx context.Context, claimID, action string, body map[string]any) (ClaimUpdate, error) {
	var resp ClaimUpdate
	endpoint := c.tierPath("a", fmt.Sprintf("claims/%s/%s", url.PathEscape(claimID), action))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base()+"/"+strings.TrimLeft(endpoint, "/"), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var envelope struct {
		OK    bool            `json:"ok"`
		Data  json.RawMessage `json:"data"`
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return &APIError{StatusCode: resp.StatusCode, Message: string(raw)}
	}
	if !envelope.OK {
		return &APIError{StatusCode: resp.StatusCode, Code: envelope.Error.Code, Message: envelope.Error.Message}
	}
	if out != nil && len(envelope.Data) > 0 {
		return json.Unmarshal(envelope.Data, out)
	}
	return nil
}

func (c *Client) tierPath(tier, p string) string {
	return fmt.Sprintf("%s/%s/%s", tier, url.PathEscape(c.Key), strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
