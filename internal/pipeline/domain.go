// Package pipeline implements the JSON-document pipeline store: one document
// per pipeline under the namespace's directory tree, with optimistic
// concurrency on updates and a best-effort last-run-status side channel.
package pipeline

import "time"

// Pipeline is one stored pipeline document. State is opaque to the control
// plane.
type Pipeline struct {
	ID            string         `json:"id"`
	Namespace     string         `json:"namespace"`
	Name          string         `json:"name"`
	Description   string         `json:"description,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	LastRunStatus *string        `json:"last_run_status,omitempty"`
	LastRunAt     *time.Time     `json:"last_run_at,omitempty"`
	State         map[string]any `json:"state,omitempty"`
}
