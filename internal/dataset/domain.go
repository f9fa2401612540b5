// Package dataset implements dataset registration and background ingestion.
// The ingest state machine mirrors the run lifecycle: pending → processing →
// ready|failed, and terminal states are final.
package dataset

import (
	"time"

	"github.com/datakiln/datakiln/internal/shared"
)

// IngestStatus is a dataset ingestion state.
type IngestStatus string

const (
	IngestPending    IngestStatus = "pending"
	IngestProcessing IngestStatus = "processing"
	IngestReady      IngestStatus = "ready"
	IngestFailed     IngestStatus = "failed"
)

// Valid reports whether the status is a known ingest state.
func (s IngestStatus) Valid() bool {
	switch s {
	case IngestPending, IngestProcessing, IngestReady, IngestFailed:
		return true
	}
	return false
}

// Terminal reports whether the status is final.
func (s IngestStatus) Terminal() bool {
	return s == IngestReady || s == IngestFailed
}

// Dataset is one registered dataset and its ingestion state.
type Dataset struct {
	ID             string            `json:"id"`
	Namespace      string            `json:"namespace"`
	Name           string            `json:"name"`
	Source         string            `json:"source"`
	Format         string            `json:"format"`
	OriginalFormat *string           `json:"original_format,omitempty"`
	RawPath        *string           `json:"raw_path,omitempty"`
	Path           string            `json:"path"`
	IngestStatus   IngestStatus      `json:"ingest_status"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	Schema         map[string]string `json:"schema,omitempty"`
	RowCount       *int64            `json:"row_count,omitempty"`
	Description    *string           `json:"description,omitempty"`
	Error          *string           `json:"error,omitempty"`
}

// Update is a sparse dataset mutation.
type Update struct {
	Status   shared.Optional[IngestStatus]
	Schema   shared.Optional[map[string]string]
	RowCount shared.Optional[int64]
	Error    shared.Optional[string]
	Path     shared.Optional[string]
}
