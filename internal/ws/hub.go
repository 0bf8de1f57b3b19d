package ws

import (
	"encoding/json"
	"log"
	"strings"
	"sync"

	"github.com/google/uuid"

	"relayboard/internal/events"
)

// Conn is the narrow transport surface the hub needs. The production
// implementation wraps a gorilla websocket; tests substitute a fake with
// no network behind it.
type Conn interface {
	Send(data []byte) error
	Close() error
}

// Subscriber is one registered connection with its visibility filter.
type Subscriber struct {
	ID          string
	WorkspaceID string
	KeyHash     string
	Events      map[string]bool
	Scope       string
	Conn        Conn
}

// Hub fans log-change events out to subscribers. It implements
// events.Publisher, so the engine publishes into it after each commit.
type Hub struct {
	Logger *log.Logger

	mu       sync.Mutex
	subs     map[string]*Subscriber
	sequence uint64
}

func NewHub(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{Logger: logger, subs: map[string]*Subscriber{}}
}

// Register adds a connection and returns its generated id.
func (h *Hub) Register(s *Subscriber) string {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Events == nil {
		s.Events = map[string]bool{}
	}
	h.mu.Lock()
	h.subs[s.ID] = s
	h.mu.Unlock()
	return s.ID
}

func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	delete(h.subs, id)
	h.mu.Unlock()
}

// Frame is the wire shape of one delivered event. EventID and Sequence
// are assigned once per logical event, so every recipient observes the
// same pair and can detect gaps in the total order.
type Frame struct {
	Type     string `json:"type"`
	EventID  string `json:"eventId"`
	Sequence uint64 `json:"sequence"`
	events.Event
}

// Publish delivers one event to every matching subscriber. A send failure
// is logged and the loop continues; one dead socket never starves the
// rest of the fan-out.
func (h *Hub) Publish(evt events.Event) {
	h.mu.Lock()
	h.sequence++
	frame := Frame{
		Type:     "event",
		EventID:  uuid.NewString(),
		Sequence: h.sequence,
		Event:    evt,
	}
	targets := make([]*Subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		if s.WorkspaceID != evt.WorkspaceID {
			continue
		}
		if !s.Events[evt.Name] {
			continue
		}
		if !scopeMatches(s.Scope, evt.Path) {
			continue
		}
		targets = append(targets, s)
	}
	h.mu.Unlock()

	data, err := json.Marshal(frame)
	if err != nil {
		h.Logger.Printf("ws: marshal event %s: %v", evt.Name, err)
		return
	}
	for _, s := range targets {
		if err := s.Conn.Send(data); err != nil {
			h.Logger.Printf("ws: send to %s failed: %v", s.ID, err)
		}
	}
}

// scopeMatches reports whether an event path falls under a subscription
// scope. Empty scope and "/" receive everything; otherwise the scope is a
// path prefix at segment granularity, so "/tasks" matches
// "/tasks/today.md" but not "/tasksX".
func scopeMatches(scope, path string) bool {
	if scope == "" || scope == "/" {
		return true
	}
	if path == "" {
		return false
	}
	scope = strings.TrimRight(scope, "/")
	if path == scope {
		return true
	}
	return strings.HasPrefix(path, scope+"/")
}
