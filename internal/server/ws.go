package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"relayboard/internal/apperr"
	"relayboard/internal/events"
	"relayboard/internal/ws"
)

var upgrader = websocket.Upgrader{
	// capability URLs are bearer credentials; origin adds nothing here
	CheckOrigin: func(*http.Request) bool { return true },
}

type connectedFrame struct {
	Type         string   `json:"type"`
	ConnectionID string   `json:"connectionId"`
	Events       []string `json:"events"`
	Scope        string   `json:"scope,omitempty"`
}

type ackFrame struct {
	Type     string `json:"type"`
	Received string `json:"received,omitempty"`
}

// registerWS wires the upgrade endpoint straight onto the router; the
// handshake happens over the raw connection, outside the API layer.
func registerWS(router chi.Router, cfg Config) {
	router.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		raw, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := ws.NewGorillaConn(raw)

		claims, err := cfg.Tokens.Redeem(token)
		if err != nil {
			code := ws.CloseTokenInvalid
			if apperr.IsCode(err, apperr.CodeTokenExpired) {
				code = ws.CloseTokenExpired
			}
			conn.CloseWith(code, err.Error())
			return
		}
		// the key is revalidated at upgrade time: a key revoked after
		// the token was minted no longer connects
		key, err := cfg.Engine.Repo.GetCapabilityKeyByHash(r.Context(), claims.KeyHash)
		if err != nil {
			conn.CloseWith(ws.CloseTokenInvalid, "invalid token")
			return
		}
		if key.RevokedAt != nil {
			conn.CloseWith(ws.CloseKeyRevoked, "key revoked")
			return
		}
		if err := cfg.Engine.Auth.Check(key, claims.Tier); err != nil {
			conn.CloseWith(ws.CloseTokenInvalid, "invalid token")
			return
		}
		switch cfg.Limits.Acquire(claims.KeyHash, claims.WorkspaceID) {
		case ws.AcquireKeyLimit:
			conn.CloseWith(ws.CloseKeyLimit, "connection limit exceeded")
			return
		case ws.AcquireWorkspaceLimit:
			conn.CloseWith(ws.CloseWorkspaceBusy, "workspace busy")
			return
		}

		visible := map[string]bool{}
		for _, name := range events.VisibleTo(claims.Tier) {
			visible[name] = true
		}
		sub := &ws.Subscriber{
			WorkspaceID: claims.WorkspaceID,
			KeyHash:     claims.KeyHash,
			Events:      visible,
			Scope:       claims.Scope,
			Conn:        conn,
		}
		id := cfg.Hub.Register(sub)
		defer func() {
			cfg.Hub.Unregister(id)
			cfg.Limits.Release(claims.KeyHash, claims.WorkspaceID)
			conn.Close()
		}()

		hello, _ := json.Marshal(connectedFrame{
			Type:         "connected",
			ConnectionID: id,
			Events:       events.VisibleTo(claims.Tier),
			Scope:        claims.Scope,
		})
		if err := conn.Send(hello); err != nil {
			return
		}

		for {
			_, msg, err := raw.ReadMessage()
			if err != nil {
				return
			}
			var reply []byte
			if isPing(msg) {
				reply, _ = json.Marshal(ackFrame{Type: "pong"})
			} else {
				reply, _ = json.Marshal(ackFrame{Type: "ack", Received: string(msg)})
			}
			if err := conn.Send(reply); err != nil {
				return
			}
		}
	})
}

// isPing accepts both a bare "ping" text and a {type:"ping"} frame.
func isPing(msg []byte) bool {
	if string(msg) == "ping" {
		return true
	}
	var frame struct {
		Type string `json:"type"`
	}
	return json.Unmarshal(msg, &frame) == nil && frame.Type == "ping"
}
