package server

import (
	"relayboard/internal/domain"
	"relayboard/internal/engine"
)

// Every endpoint answers with the same envelope: {ok:true, data} on
// success, {ok:false, error:{code,message}} on failure.

type boardEnvelope struct {
	OK   bool               `json:"ok"`
	Data engine.BoardResult `json:"data"`
}

type appendEnvelope struct {
	OK   bool           `json:"ok"`
	Data AppendResponse `json:"data"`
}

type claimEnvelope struct {
	OK   bool               `json:"ok"`
	Data engine.ClaimUpdate `json:"data"`
}

type subscribeEnvelope struct {
	OK   bool              `json:"ok"`
	Data SubscribeResponse `json:"data"`
}

type agentsEnvelope struct {
	OK   bool       `json:"ok"`
	Data AgentsData `json:"data"`
}

type logEnvelope struct {
	OK   bool    `json:"ok"`
	Data LogData `json:"data"`
}

// AppendRequest is the body of POST /a/{key}/append/{path}.
type AppendRequest struct {
	Author           string   `json:"author,omitempty"`
	Type             string   `json:"type" example:"task"`
	Ref              string   `json:"ref,omitempty" example:"a5"`
	Content          string   `json:"content,omitempty"`
	Priority         string   `json:"priority,omitempty"`
	Labels           []string `json:"labels,omitempty"`
	DueAt            string   `json:"due_at,omitempty" format:"date-time"`
	ExpiresInSeconds int      `json:"expires_in_seconds,omitempty"`
	Status           string   `json:"status,omitempty"`
}

// AppendResponse echoes the created event row.
type AppendResponse struct {
	ID             string   `json:"id" example:"a5"`
	File           string   `json:"file" example:"/pr.md"`
	Author         string   `json:"author"`
	Type           string   `json:"type"`
	Ref            *string  `json:"ref,omitempty"`
	Status         *string  `json:"status,omitempty"`
	Priority       *string  `json:"priority,omitempty"`
	Labels         []string `json:"labels,omitempty"`
	DueAt          *string  `json:"due_at,omitempty" format:"date-time"`
	ExpiresAt      *string  `json:"expires_at,omitempty" format:"date-time"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
	ContentPreview string   `json:"content_preview,omitempty"`
}

func appendResponse(a domain.Append) AppendResponse {
	return AppendResponse{
		ID:             a.AppendID,
		File:           a.FilePath,
		Author:         a.Author,
		Type:           string(a.Type),
		Ref:            a.Ref,
		Status:         a.Status,
		Priority:       a.Priority,
		Labels:         a.Labels,
		DueAt:          a.DueAt,
		ExpiresAt:      a.ExpiresAt,
		CreatedAt:      a.CreatedAt,
		ContentPreview: a.ContentPreview,
	}
}

// SubscribeResponse carries a minted token plus the upgrade URL.
type SubscribeResponse struct {
	Token     string   `json:"token"`
	WSURL     string   `json:"ws_url"`
	ExpiresAt string   `json:"expires_at" format:"date-time"`
	Events    []string `json:"events"`
	Scope     string   `json:"scope,omitempty"`
}

type AgentsData struct {
	Agents []engine.AgentView `json:"agents"`
}

type LogData struct {
	File    string           `json:"file"`
	Appends []AppendResponse `json:"appends"`
}

type ClaimMutationRequest struct {
	File             string `json:"file,omitempty"`
	ExpiresInSeconds int    `json:"expires_in_seconds,omitempty"`
	Content          string `json:"content,omitempty"`
	Reason           string `json:"reason,omitempty"`
}
