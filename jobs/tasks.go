package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeDatasetIngest is the task type for dataset ingestion.
	TaskTypeDatasetIngest = "dataset:ingest"
)

// DatasetIngestPayload identifies the dataset to ingest and where its raw
// upload lives.
type DatasetIngestPayload struct {
	DatasetID string `json:"dataset_id"`
	Namespace string `json:"namespace"`
	Path      string `json:"path"`
	Format    string `json:"format"`
}

// NewDatasetIngestTask constructs an Asynq task.
func NewDatasetIngestTask(payload DatasetIngestPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeDatasetIngest, data), nil
}
