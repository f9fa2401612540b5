// Package audit provides the durable, append-only record of security-relevant
// actions. Entries are immutable once written; the only query surface is a
// filtered, paginated listing restricted to platform admins.
package audit

import (
	"context"
	"time"

	"github.com/datakiln/datakiln/internal/shared"
)

// Entry is one security-relevant event. Empty string fields are stored as
// NULL. Detail carries opaque structured context (reasons, costs, roles).
type Entry struct {
	ID            string         `json:"id"`
	OccurredAt    time.Time      `json:"occurred_at"`
	ActorUserID   string         `json:"actor_user_id,omitempty"`
	ActorUsername string         `json:"actor_username,omitempty"`
	Action        string         `json:"action"`
	ResourceType  string         `json:"resource_type,omitempty"`
	ResourceID    string         `json:"resource_id,omitempty"`
	Namespace     string         `json:"namespace,omitempty"`
	Success       bool           `json:"success"`
	IP            string         `json:"ip,omitempty"`
	UserAgent     string         `json:"user_agent,omitempty"`
	RequestID     string         `json:"request_id,omitempty"`
	Detail        map[string]any `json:"detail,omitempty"`
}

// WithMeta stamps request metadata onto the entry.
func (e Entry) WithMeta(meta shared.RequestMeta) Entry {
	e.IP = meta.IP
	e.UserAgent = meta.UserAgent
	e.RequestID = meta.RequestID
	return e
}

// WithActor stamps the acting principal onto the entry.
func (e Entry) WithActor(p *shared.Principal) Entry {
	if p != nil {
		e.ActorUserID = p.ID
		e.ActorUsername = p.Username
	}
	return e
}

// Filter narrows the admin listing. Zero values mean "any".
type Filter struct {
	Namespace   string
	ActorUserID string
	Action      string
	Limit       int
	Offset      int
}

// Store persists entries. There are no update or delete operations.
type Store interface {
	Append(ctx context.Context, entry *Entry) error
	List(ctx context.Context, filter Filter) ([]Entry, error)
}
