// Package run implements the run registry and state machine: persistent run
// records, sparse tri-state updates, the in-process cancellation handle
// registry, and the orchestration of engine executions over HTTP and
// websocket.
package run

import (
	"time"

	"github.com/datakiln/datakiln/internal/shared"
)

// Status is a run lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Valid reports whether the status is a known lifecycle state.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether the status is final. Terminal runs are never
// mutated again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Run is one execution attempt of a pipeline configuration. Records are a
// historical log and are never deleted.
type Run struct {
	ID                string         `json:"id"`
	Namespace         string         `json:"namespace"`
	PipelineID        *string        `json:"pipeline_id,omitempty"`
	PipelineName      *string        `json:"pipeline_name,omitempty"`
	Trigger           string         `json:"trigger"`
	DeploymentID      *string        `json:"deployment_id,omitempty"`
	Status            Status         `json:"status"`
	CreatedAt         time.Time      `json:"created_at"`
	StartedAt         *time.Time     `json:"started_at,omitempty"`
	EndedAt           *time.Time     `json:"ended_at,omitempty"`
	Cost              *float64       `json:"cost,omitempty"`
	OutputPath        *string        `json:"output_path,omitempty"`
	LogPath           *string        `json:"log_path,omitempty"`
	Error             *string        `json:"error,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	ScheduledFor      *time.Time     `json:"scheduled_for,omitempty"`
	Attempt           int            `json:"attempt"`
	MaxAttempts       *int           `json:"max_attempts,omitempty"`
	TriggeredByUserID *string        `json:"triggered_by_user_id,omitempty"`
}

// Update is a sparse run mutation. Each field distinguishes "leave unchanged"
// from "clear" from "set".
type Update struct {
	Status     shared.Optional[Status]
	StartedAt  shared.Optional[time.Time]
	EndedAt    shared.Optional[time.Time]
	Cost       shared.Optional[float64]
	OutputPath shared.Optional[string]
	LogPath    shared.Optional[string]
	Error      shared.Optional[string]
	Metadata   shared.Optional[map[string]any]
}

// Filter narrows a run listing. Namespace is required.
type Filter struct {
	Namespace  string
	Status     *Status
	PipelineID *string
	Limit      int
	Offset     int
}

// Summary aggregates a namespace's runs per status.
type Summary struct {
	Namespace string         `json:"namespace"`
	Counts    map[Status]int `json:"counts"`
	Total     int            `json:"total"`
	LastRunAt *time.Time     `json:"last_run_at,omitempty"`
}
