package dataset

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/datakiln/datakiln/internal/audit"
	"github.com/datakiln/datakiln/internal/platform/httpx"
	"github.com/datakiln/datakiln/internal/shared"
	"github.com/datakiln/datakiln/jobs"
)

// Enqueuer submits ingest work to the background queue.
type Enqueuer interface {
	EnqueueDatasetIngest(ctx context.Context, payload jobs.DatasetIngestPayload) (*asynq.TaskInfo, error)
}

// Service coordinates dataset registration and the ingest state machine.
type Service struct {
	repo    Repository
	enqueue Enqueuer
	audit   *audit.Service
	logger  *slog.Logger
	now     func() time.Time
}

// NewService constructs a Service.
func NewService(repo Repository, enqueue Enqueuer, auditSvc *audit.Service, logger *slog.Logger) *Service {
	return &Service{
		repo:    repo,
		enqueue: enqueue,
		audit:   auditSvc,
		logger:  logger,
		now:     time.Now,
	}
}

// CreateInput describes a dataset registration. Path is already
// canonicalized and namespace-checked by the caller.
type CreateInput struct {
	Namespace   string
	Name        string
	Path        string
	Format      string
	Description *string
}

// Create registers a dataset as pending and enqueues its ingest task.
func (s *Service) Create(ctx context.Context, meta shared.RequestMeta, p *shared.Principal, input CreateInput) (*Dataset, error) {
	switch input.Format {
	case "csv", "json":
	default:
		return nil, fmt.Errorf("%w: unsupported dataset format %q", httpx.ErrInvalidArgument, input.Format)
	}
	if input.Name == "" {
		return nil, fmt.Errorf("%w: dataset name required", httpx.ErrInvalidArgument)
	}
	now := s.now().UTC()
	ds := &Dataset{
		ID:           uuid.NewString(),
		Namespace:    input.Namespace,
		Name:         input.Name,
		Source:       "upload",
		Format:       input.Format,
		Path:         input.Path,
		IngestStatus: IngestPending,
		CreatedAt:    now,
		UpdatedAt:    now,
		Description:  input.Description,
	}
	if err := s.repo.Create(ctx, ds); err != nil {
		return nil, err
	}
	s.audit.Record(ctx, audit.Entry{
		Action:       "dataset.create",
		ResourceType: "dataset",
		ResourceID:   ds.ID,
		Namespace:    ds.Namespace,
		Success:      true,
		Detail:       map[string]any{"name": ds.Name, "format": ds.Format},
	}.WithActor(p).WithMeta(meta))

	payload := jobs.DatasetIngestPayload{
		DatasetID: ds.ID,
		Namespace: ds.Namespace,
		Path:      ds.Path,
		Format:    ds.Format,
	}
	if _, err := s.enqueue.EnqueueDatasetIngest(ctx, payload); err != nil {
		s.logger.Warn("dataset ingest enqueue failed",
			slog.String("dataset_id", ds.ID), slog.Any("error", err))
		msg := "failed to enqueue ingest: " + err.Error()
		return s.transition(ctx, ds.ID, Update{
			Status: shared.Some(IngestFailed),
			Error:  shared.Some(msg),
		})
	}
	return ds, nil
}

// transition applies a status update, refusing to reopen terminal datasets.
func (s *Service) transition(ctx context.Context, id string, update Update) (*Dataset, error) {
	existing, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if status, ok := update.Status.Value(); ok {
		if existing.IngestStatus.Terminal() && !status.Terminal() {
			return nil, fmt.Errorf("%w: dataset already %s", httpx.ErrConflict, existing.IngestStatus)
		}
	}
	return s.repo.Update(ctx, id, update)
}

// Get returns one dataset.
func (s *Service) Get(ctx context.Context, id string) (*Dataset, error) {
	return s.repo.Get(ctx, id)
}

// List returns a namespace's datasets newest first.
func (s *Service) List(ctx context.Context, namespace string) ([]Dataset, error) {
	return s.repo.List(ctx, namespace)
}

// Ingest drives one dataset through processing to its terminal state.
func (s *Service) Ingest(ctx context.Context, payload jobs.DatasetIngestPayload) error {
	ds, err := s.repo.Get(ctx, payload.DatasetID)
	if err != nil {
		return err
	}
	if ds.IngestStatus.Terminal() {
		return nil
	}
	if _, err := s.transition(ctx, ds.ID, Update{Status: shared.Some(IngestProcessing)}); err != nil {
		return err
	}

	auditIngest := func(success bool, detail map[string]any) {
		s.audit.Record(ctx, audit.Entry{
			Action:       "dataset.ingest",
			ResourceType: "dataset",
			ResourceID:   ds.ID,
			Namespace:    ds.Namespace,
			Success:      success,
			Detail:       detail,
		})
	}

	schema, rows, err := inspectFile(payload.Path, payload.Format)
	if err != nil {
		msg := err.Error()
		if _, terr := s.transition(ctx, ds.ID, Update{
			Status: shared.Some(IngestFailed),
			Error:  shared.Some(msg),
		}); terr != nil {
			s.logger.Warn("dataset finalization write failed",
				slog.String("dataset_id", ds.ID), slog.Any("error", terr))
		}
		auditIngest(false, map[string]any{"error": msg})
		return nil
	}

	if _, err := s.transition(ctx, ds.ID, Update{
		Status:   shared.Some(IngestReady),
		Schema:   shared.Some(schema),
		RowCount: shared.Some(rows),
		Error:    shared.Null[string](),
	}); err != nil {
		s.logger.Warn("dataset finalization write failed",
			slog.String("dataset_id", ds.ID), slog.Any("error", err))
	}
	auditIngest(true, map[string]any{"row_count": rows})
	return nil
}

// HandleIngestTask adapts Ingest to the Asynq handler contract.
func (s *Service) HandleIngestTask(ctx context.Context, t *asynq.Task) error {
	var payload jobs.DatasetIngestPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	return s.Ingest(ctx, payload)
}
