// Package server exposes the capability-URL HTTP API. The permission
// tier is carried by the path prefix: /r routes require read, /a append,
// /w write; a key below the route's tier gets the same generic not-found
// as an unknown key.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"relayboard/internal/apperr"
	"relayboard/internal/domain"
	"relayboard/internal/engine"
	"relayboard/internal/events"
	"relayboard/internal/ws"
)

// Config for the HTTP API handler.
type Config struct {
	Engine engine.Engine
	Hub    *ws.Hub
	Limits *ws.Limits
	Tokens *ws.TokenIssuer
	Logger *log.Logger
}

type apiErrorBody struct {
	Code    string `json:"code" example:"INVALID_REQUEST"`
	Message string `json:"message" example:"type required"`
}

// apiError models the error half of the response envelope.
type apiError struct {
	status int
	OK     bool         `json:"ok"`
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the full API, including the
// WebSocket upgrade endpoint.
func New(cfg Config) (http.Handler, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the response envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", withDetails(msg, errs))
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		return newAPIError(status, "", withDetails(msg, errs))
	}

	router := chi.NewRouter()
	hcfg := huma.DefaultConfig("Relayboard API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)

	registerHealth(api)
	registerBoard(api, cfg)
	registerSubscribe(api, cfg)
	registerAppend(router, cfg)
	registerClaims(api, cfg)
	registerHeartbeats(api, cfg)
	registerLog(router, cfg)
	registerWS(router, cfg)

	return router, nil
}

// withDetails folds per-field validation errors into the envelope
// message instead of dropping them.
func withDetails(msg string, errs []error) string {
	var details []string
	for _, err := range errs {
		if err != nil {
			details = append(details, err.Error())
		}
	}
	if len(details) == 0 {
		return msg
	}
	return msg + ": " + strings.Join(details, "; ")
}

func newAPIError(status int, code, message string) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body:   apiErrorBody{Code: code, Message: message},
	}
}

// handleError translates taxonomy errors to the envelope; anything
// without a code is an internal error and its detail stays server-side.
func handleError(logger *log.Logger, err error) huma.StatusError {
	if err == nil {
		return nil
	}
	code := apperr.CodeOf(err)
	if code == apperr.CodeInternal {
		logger.Printf("internal error: %v", err)
		return newAPIError(http.StatusInternalServerError, apperr.CodeInternal, "internal error")
	}
	return newAPIError(statusForCode(code), code, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders the envelope for routes mounted on the bare router.
func writeError(w http.ResponseWriter, logger *log.Logger, err error) {
	se := handleError(logger, err)
	writeJSON(w, se.GetStatus(), se)
}

func statusForCode(code string) int {
	switch code {
	case apperr.CodeUnauthorized, apperr.CodeTokenInvalid, apperr.CodeTokenExpired,
		apperr.CodeTokenAlreadyUsed, apperr.CodeKeyRevoked:
		return http.StatusUnauthorized
	case apperr.CodePermissionDenied:
		return http.StatusForbidden
	case apperr.CodeNotFound, apperr.CodeAppendNotFound:
		return http.StatusNotFound
	case apperr.CodeConflict:
		return http.StatusConflict
	case apperr.CodeRateLimited, apperr.CodeConnectionLimit:
		return http.StatusTooManyRequests
	case apperr.CodeServerBusy:
		return http.StatusServiceUnavailable
	case apperr.CodeInvalidRequest, apperr.CodeInvalidPath:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return apperr.CodeInvalidRequest
	case http.StatusUnauthorized:
		return apperr.CodeUnauthorized
	case http.StatusForbidden:
		return apperr.CodePermissionDenied
	case http.StatusNotFound:
		return apperr.CodeNotFound
	case http.StatusConflict:
		return apperr.CodeConflict
	case http.StatusTooManyRequests:
		return apperr.CodeRateLimited
	case http.StatusServiceUnavailable:
		return apperr.CodeServerBusy
	default:
		return apperr.CodeInternal
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerBoard(api huma.API, cfg Config) {
	type boardInput struct {
		Key      string `path:"key"`
		Status   string `query:"status" example:"pending,claimed"`
		Priority string `query:"priority"`
		Agent    string `query:"agent"`
		File     string `query:"file"`
		Folder   string `query:"folder"`
		Since    string `query:"since"`
		Limit    int    `query:"limit"`
		Cursor   string `query:"cursor"`
	}
	register := func(prefix string, required domain.Permission, admin bool) {
		huma.Register(api, huma.Operation{
			OperationID: "orchestration-" + string(required),
			Method:      http.MethodGet,
			Path:        "/" + prefix + "/{key}/orchestration",
			Summary:     "Orchestration board",
		}, func(ctx context.Context, input *boardInput) (*struct {
			Body boardEnvelope `json:"body"`
		}, error) {
			key, err := cfg.Engine.Auth.Resolve(ctx, input.Key, required)
			if err != nil {
				return nil, handleError(cfg.Logger, err)
			}
			result, err := cfg.Engine.Board(ctx, engine.BoardQuery{
				WorkspaceID: key.WorkspaceID,
				Status:      splitCSV(input.Status),
				Priority:    splitCSV(input.Priority),
				Agent:       input.Agent,
				File:        input.File,
				Folder:      input.Folder,
				Since:       input.Since,
				Limit:       input.Limit,
				Cursor:      input.Cursor,
				Admin:       admin,
			})
			if err != nil {
				return nil, handleError(cfg.Logger, err)
			}
			return &struct {
				Body boardEnvelope `json:"body"`
			}{Body: boardEnvelope{OK: true, Data: result}}, nil
		})
	}
	register("r", domain.PermissionRead, false)
	register("w", domain.PermissionWrite, true)
}

func registerSubscribe(api huma.API, cfg Config) {
	type subscribeInput struct {
		Key  string `path:"key"`
		Path string `query:"path"`
	}
	register := func(prefix string, required domain.Permission) {
		huma.Register(api, huma.Operation{
			OperationID: "subscribe-" + string(required),
			Method:      http.MethodGet,
			Path:        "/" + prefix + "/{key}/ops/subscribe",
			Summary:     "Issue a subscription token",
		}, func(ctx context.Context, input *subscribeInput) (*struct {
			Body subscribeEnvelope `json:"body"`
		}, error) {
			key, err := cfg.Engine.Auth.Resolve(ctx, input.Key, required)
			if err != nil {
				return nil, handleError(cfg.Logger, err)
			}
			scope, err := subscriptionScope(key, input.Path)
			if err != nil {
				return nil, handleError(cfg.Logger, err)
			}
			if !cfg.Limits.AllowTokenIssue(key.KeyHash) {
				return nil, handleError(cfg.Logger, apperr.New(apperr.CodeRateLimited, "token rate limit exceeded"))
			}
			// the token carries the route's tier, not the key's full
			// tier, so a write key subscribing via /r sees read events
			tokenKey := key
			tokenKey.Permission = required
			token, expiresAt, err := cfg.Tokens.Issue(tokenKey, scope)
			if err != nil {
				return nil, handleError(cfg.Logger, err)
			}
			return &struct {
				Body subscribeEnvelope `json:"body"`
			}{Body: subscribeEnvelope{OK: true, Data: SubscribeResponse{
				Token:     token,
				WSURL:     wsURL(cfg.Engine.Config.Server.BaseURL, token),
				ExpiresAt: expiresAt.UTC().Format(time.RFC3339),
				Events:    events.VisibleTo(required),
				Scope:     scope,
			}}}, nil
		})
	}
	register("r", domain.PermissionRead)
	register("a", domain.PermissionAppend)
	register("w", domain.PermissionWrite)
}

// subscriptionScope narrows the connection to the requested path, which
// must sit inside the key's own scope. Path traversal is rejected before
// the scope check.
func subscriptionScope(key domain.CapabilityKey, path string) (string, error) {
	if path == "" {
		if key.ScopeType != domain.ScopeWorkspace {
			return key.ScopePath, nil
		}
		return "", nil
	}
	p, err := engine.NormalizePath(path)
	if err != nil {
		return "", err
	}
	if !key.CoversPath(p) {
		return "", apperr.New(apperr.CodeNotFound, "not found")
	}
	return p, nil
}

func wsURL(baseURL, token string) string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return "/ws?token=" + url.QueryEscape(token)
	}
	scheme := "ws"
	if u.Scheme == "https" {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s/ws?token=%s", scheme, u.Host, url.QueryEscape(token))
}

// registerAppend mounts the append route on the router directly, like the
// /ws endpoint: the document path is the URL tail, which only chi's
// wildcard captures.
func registerAppend(router chi.Router, cfg Config) {
	router.Post("/a/{key}/append/*", func(w http.ResponseWriter, r *http.Request) {
		key, err := cfg.Engine.Auth.Resolve(r.Context(), chi.URLParam(r, "key"), domain.PermissionAppend)
		if err != nil {
			writeError(w, cfg.Logger, err)
			return
		}
		var req AppendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, cfg.Logger, apperr.New(apperr.CodeInvalidRequest, "invalid request body"))
			return
		}
		a, err := cfg.Engine.AppendEvent(r.Context(), key, engine.AppendOptions{
			Path:             chi.URLParam(r, "*"),
			Author:           req.Author,
			Type:             domain.AppendType(req.Type),
			Ref:              req.Ref,
			Content:          req.Content,
			Priority:         req.Priority,
			Labels:           req.Labels,
			DueAt:            req.DueAt,
			ExpiresInSeconds: req.ExpiresInSeconds,
			Status:           req.Status,
		})
		if err != nil {
			writeError(w, cfg.Logger, err)
			return
		}
		writeJSON(w, http.StatusCreated, appendEnvelope{OK: true, Data: appendResponse(a)})
	})
}

func registerClaims(api huma.API, cfg Config) {
	type claimInput struct {
		Key     string               `path:"key"`
		ClaimID string               `path:"claim_id"`
		Body    ClaimMutationRequest `json:"body,omitempty"`
	}
	type mutation struct {
		action string
		apply  func(ctx context.Context, key domain.CapabilityKey, in *claimInput) (engine.ClaimUpdate, error)
	}
	mutations := []mutation{
		{"renew", func(ctx context.Context, key domain.CapabilityKey, in *claimInput) (engine.ClaimUpdate, error) {
			return cfg.Engine.RenewClaim(ctx, key, in.ClaimID, in.Body.File, in.Body.ExpiresInSeconds)
		}},
		{"complete", func(ctx context.Context, key domain.CapabilityKey, in *claimInput) (engine.ClaimUpdate, error) {
			return cfg.Engine.CompleteClaim(ctx, key, in.ClaimID, in.Body.File, in.Body.Content)
		}},
		{"cancel", func(ctx context.Context, key domain.CapabilityKey, in *claimInput) (engine.ClaimUpdate, error) {
			return cfg.Engine.CancelClaim(ctx, key, in.ClaimID, in.Body.File, in.Body.Reason)
		}},
		{"block", func(ctx context.Context, key domain.CapabilityKey, in *claimInput) (engine.ClaimUpdate, error) {
			return cfg.Engine.BlockClaim(ctx, key, in.ClaimID, in.Body.File, in.Body.Reason)
		}},
	}
	for _, prefix := range []struct {
		path     string
		required domain.Permission
	}{{"a", domain.PermissionAppend}, {"w", domain.PermissionWrite}} {
		for _, m := range mutations {
			m := m
			required := prefix.required
			huma.Register(api, huma.Operation{
				OperationID: fmt.Sprintf("claim-%s-%s", m.action, required),
				Method:      http.MethodPost,
				Path:        fmt.Sprintf("/%s/{key}/claims/{claim_id}/%s", prefix.path, m.action),
				Summary:     "Claim " + m.action,
			}, func(ctx context.Context, input *claimInput) (*struct {
				Body claimEnvelope `json:"body"`
			}, error) {
				key, err := cfg.Engine.Auth.Resolve(ctx, input.Key, required)
				if err != nil {
					return nil, handleError(cfg.Logger, err)
				}
				update, err := m.apply(ctx, key, input)
				if err != nil {
					return nil, handleError(cfg.Logger, err)
				}
				return &struct {
					Body claimEnvelope `json:"body"`
				}{Body: claimEnvelope{OK: true, Data: update}}, nil
			})
		}
	}
}

func registerHeartbeats(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "heartbeats",
		Method:      http.MethodGet,
		Path:        "/r/{key}/heartbeats",
		Summary:     "Agent liveness",
	}, func(ctx context.Context, input *struct {
		Key string `path:"key"`
	}) (*struct {
		Body agentsEnvelope `json:"body"`
	}, error) {
		key, err := cfg.Engine.Auth.Resolve(ctx, input.Key, domain.PermissionRead)
		if err != nil {
			return nil, handleError(cfg.Logger, err)
		}
		agents, err := cfg.Engine.Heartbeats(ctx, key.WorkspaceID)
		if err != nil {
			return nil, handleError(cfg.Logger, err)
		}
		return &struct {
			Body agentsEnvelope `json:"body"`
		}{Body: agentsEnvelope{OK: true, Data: AgentsData{Agents: agents}}}, nil
	})
}

func registerLog(router chi.Router, cfg Config) {
	router.Get("/r/{key}/log/*", func(w http.ResponseWriter, r *http.Request) {
		key, err := cfg.Engine.Auth.Resolve(r.Context(), chi.URLParam(r, "key"), domain.PermissionRead)
		if err != nil {
			writeError(w, cfg.Logger, err)
			return
		}
		appends, err := cfg.Engine.FileLog(r.Context(), key, chi.URLParam(r, "*"))
		if err != nil {
			writeError(w, cfg.Logger, err)
			return
		}
		data := LogData{Appends: make([]AppendResponse, 0, len(appends))}
		for _, a := range appends {
			data.Appends = append(data.Appends, appendResponse(a))
			data.File = a.FilePath
		}
		writeJSON(w, http.StatusOK, logEnvelope{OK: true, Data: data})
	})
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
