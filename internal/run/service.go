package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/datakiln/datakiln/internal/audit"
	"github.com/datakiln/datakiln/internal/observability"
	"github.com/datakiln/datakiln/internal/platform/httpx"
	"github.com/datakiln/datakiln/internal/shared"
)

// Service implements run record lifecycle operations and API-level
// cancellation.
type Service struct {
	repo      Repository
	registry  *Registry
	cache     *SummaryCache
	audit     *audit.Service
	metrics   *observability.Metrics
	logger    *slog.Logger
	now       func() time.Time
	summaries singleflight.Group
}

// NewService constructs a Service. metrics may be nil.
func NewService(repo Repository, registry *Registry, cache *SummaryCache, auditSvc *audit.Service, metrics *observability.Metrics, logger *slog.Logger) *Service {
	return &Service{
		repo:     repo,
		registry: registry,
		cache:    cache,
		audit:    auditSvc,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// Registry exposes the cancellation handle registry for orchestration.
func (s *Service) Registry() *Registry { return s.registry }

// Create inserts a new run record. started_at defaults to the creation time
// whenever the initial status is anything but pending.
func (s *Service) Create(ctx context.Context, run *Run) (*Run, error) {
	if run.Namespace == "" {
		return nil, fmt.Errorf("%w: namespace required", httpx.ErrInvalidArgument)
	}
	if run.Status == "" {
		run.Status = StatusRunning
	}
	if !run.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown run status %q", httpx.ErrInvalidArgument, run.Status)
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Trigger == "" {
		run.Trigger = "manual"
	}
	if run.Attempt <= 0 {
		run.Attempt = 1
	}
	now := s.now().UTC()
	run.CreatedAt = now
	if run.Status != StatusPending && run.StartedAt == nil {
		run.StartedAt = &now
	}
	if err := s.repo.Create(ctx, run); err != nil {
		return nil, err
	}
	s.cache.Invalidate(ctx, run.Namespace)
	return run, nil
}

// Update applies a sparse mutation. Terminal states are final: an update that
// would move a terminal run back to a non-terminal status fails with
// Conflict. Terminal-to-terminal writes are allowed (cancel and complete can
// race; last write wins, both agree the run is over). When a terminal status
// is set without an explicit ended_at, ended_at becomes now.
func (s *Service) Update(ctx context.Context, id string, update Update) (*Run, error) {
	existing, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if status, ok := update.Status.Value(); ok {
		if !status.Valid() {
			return nil, fmt.Errorf("%w: unknown run status %q", httpx.ErrInvalidArgument, status)
		}
		if existing.Status.Terminal() && !status.Terminal() {
			return nil, fmt.Errorf("%w: run %s already %s", httpx.ErrConflict, id, existing.Status)
		}
		if status.Terminal() && !update.EndedAt.IsSet() {
			update.EndedAt = shared.Some(s.now().UTC())
		}
	}
	updated, err := s.repo.Update(ctx, id, update)
	if err != nil {
		return nil, err
	}
	s.cache.Invalidate(ctx, updated.Namespace)
	if status, ok := update.Status.Value(); ok && status.Terminal() && !existing.Status.Terminal() {
		s.metrics.RunFinished(string(status))
	}
	return updated, nil
}

// Get returns one run.
func (s *Service) Get(ctx context.Context, id string) (*Run, error) {
	return s.repo.Get(ctx, id)
}

// List returns a namespace's runs newest first.
func (s *Service) List(ctx context.Context, filter Filter) ([]Run, error) {
	if filter.Status != nil && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown run status %q", httpx.ErrInvalidArgument, *filter.Status)
	}
	return s.repo.List(ctx, filter)
}

// Summary returns per-status counts for a namespace, serving from the cache
// when possible. Concurrent misses for the same namespace collapse into one
// repository query.
func (s *Service) Summary(ctx context.Context, namespace string) (*Summary, error) {
	if cached := s.cache.Get(ctx, namespace); cached != nil {
		return cached, nil
	}
	result, err, _ := s.summaries.Do(namespace, func() (any, error) {
		summary, err := s.repo.Summary(ctx, namespace)
		if err != nil {
			return nil, err
		}
		s.cache.Set(ctx, summary)
		return summary, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*Summary), nil
}

// Cancel requests cooperative cancellation of an active run. Both the
// terminal-status check and the handle lookup can fail in a race with run
// completion; a Conflict from either is the correct answer, not a bug. The
// status transition itself is written by the orchestration path that observes
// the cancellation.
func (s *Service) Cancel(ctx context.Context, meta shared.RequestMeta, p *shared.Principal, id string) error {
	run, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	fail := func(reason string) {
		s.audit.Record(ctx, audit.Entry{
			Action:       "run.cancel",
			ResourceType: "run",
			ResourceID:   id,
			Namespace:    run.Namespace,
			Success:      false,
			Detail:       map[string]any{"reason": reason},
		}.WithActor(p).WithMeta(meta))
	}
	if run.Status.Terminal() {
		fail("already terminal")
		return fmt.Errorf("%w: run already %s", httpx.ErrConflict, run.Status)
	}
	if !s.registry.Cancel(id) {
		fail("no active cancellation handle")
		return fmt.Errorf("%w: run is not cancellable from this process", httpx.ErrConflict)
	}
	s.audit.Record(ctx, audit.Entry{
		Action:       "run.cancel",
		ResourceType: "run",
		ResourceID:   id,
		Namespace:    run.Namespace,
		Success:      true,
	}.WithActor(p).WithMeta(meta))
	return nil
}

// finalize writes a terminal transition during run teardown. The run itself
// is already over at this point, so a status-write failure is logged as a
// warning instead of masking the original outcome.
func (s *Service) finalize(ctx context.Context, id string, update Update) {
	if _, err := s.Update(ctx, id, update); err != nil && !errors.Is(err, httpx.ErrConflict) {
		s.logger.Warn("run finalization write failed",
			slog.String("run_id", id),
			slog.Any("error", err))
	}
}
