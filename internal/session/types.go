package session

import (
	"errors"
	"time"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
)

// Message is one turn of a chat session.
type Message struct {
	Role      string    `json:"role"` // user | assistant | system
	Content   string    `json:"content"`
	AgentID   string    `json:"agent_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Session carries chat continuity between gateway requests. A session may
// reference several workflows over its lifetime.
type Session struct {
	ID          string                 `json:"id"`
	Requester   string                 `json:"requester,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	ExpiresAt   time.Time              `json:"expires_at"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Context     map[string]interface{} `json:"context,omitempty"`
	History     []Message              `json:"history"`
	WorkflowIDs []string               `json:"workflow_ids,omitempty"`
}

// IsExpired reports whether the session TTL has elapsed.
func (s *Session) IsExpired() bool {
	return !s.ExpiresAt.IsZero() && time.Now().After(s.ExpiresAt)
}
