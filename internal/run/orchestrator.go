package run

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/datakiln/datakiln/internal/audit"
	"github.com/datakiln/datakiln/internal/engine"
	"github.com/datakiln/datakiln/internal/shared"
)

// PipelineStatusRecorder receives best-effort last-run-status updates for
// pipeline documents. Unknown pipeline ids are silently ignored by the
// implementation.
type PipelineStatusRecorder interface {
	RecordRunStatus(ctx context.Context, namespace, pipelineID, status string, at time.Time) error
}

// PipelineNameResolver looks up a pipeline's display name. Recorders that
// also implement it let runs carry the stored name instead of the config
// file's stem.
type PipelineNameResolver interface {
	PipelineName(ctx context.Context, namespace, id string) (string, error)
}

// Orchestrator drives a single run from submission through its terminal
// state, talking to the external engine and keeping the run record and audit
// trail consistent.
type Orchestrator struct {
	runs      *Service
	pipelines PipelineStatusRecorder
	engines   engine.Factory
	audit     *audit.Service
	logger    *slog.Logger
}

// NewOrchestrator constructs an Orchestrator. pipelines may be nil.
func NewOrchestrator(runs *Service, pipelines PipelineStatusRecorder, engines engine.Factory, auditSvc *audit.Service, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		runs:      runs,
		pipelines: pipelines,
		engines:   engines,
		audit:     auditSvc,
		logger:    logger,
	}
}

// Submission describes one run request after authorization. ConfigPath is
// already canonicalized and namespace-checked by the caller.
type Submission struct {
	Namespace    string
	ConfigPath   string
	PipelineID   *string
	PipelineName *string
	Trigger      string
}

// resolvePipelineName prefers the stored pipeline record's name and falls
// back to the config file's stem when no id is given or the record cannot be
// loaded.
func (o *Orchestrator) resolvePipelineName(ctx context.Context, namespace string, pipelineID *string, configPath string) string {
	stem := strings.TrimSuffix(filepath.Base(configPath), filepath.Ext(configPath))
	if pipelineID == nil || *pipelineID == "" {
		return stem
	}
	resolver, ok := o.pipelines.(PipelineNameResolver)
	if !ok {
		return stem
	}
	name, err := resolver.PipelineName(ctx, namespace, *pipelineID)
	if err != nil || name == "" {
		return stem
	}
	return name
}

func (o *Orchestrator) recordPipelineStatus(ctx context.Context, run *Run) {
	if o.pipelines == nil || run.PipelineID == nil {
		return
	}
	at := run.CreatedAt
	if run.EndedAt != nil {
		at = *run.EndedAt
	}
	if err := o.pipelines.RecordRunStatus(ctx, run.Namespace, *run.PipelineID, string(run.Status), at); err != nil {
		o.logger.Warn("pipeline run-status update failed",
			slog.String("pipeline_id", *run.PipelineID),
			slog.Any("error", err))
	}
}

func (o *Orchestrator) auditRun(ctx context.Context, meta shared.RequestMeta, p *shared.Principal, run *Run, action string, success bool, detail map[string]any) {
	o.audit.Record(ctx, audit.Entry{
		Action:       action,
		ResourceType: "run",
		ResourceID:   run.ID,
		Namespace:    run.Namespace,
		Success:      success,
		Detail:       detail,
	}.WithActor(p).WithMeta(meta))
}

// ExecuteSync runs the engine to completion within the request. The engine is
// always released, and finalization write failures never mask the engine's
// own outcome.
func (o *Orchestrator) ExecuteSync(ctx context.Context, meta shared.RequestMeta, p *shared.Principal, sub Submission) (*Run, error) {
	record := &Run{
		Namespace:    sub.Namespace,
		PipelineID:   sub.PipelineID,
		PipelineName: sub.PipelineName,
		Trigger:      sub.Trigger,
		Status:       StatusRunning,
	}
	if record.PipelineName == nil {
		name := o.resolvePipelineName(ctx, sub.Namespace, sub.PipelineID, sub.ConfigPath)
		record.PipelineName = &name
	}
	if p != nil {
		record.TriggeredByUserID = &p.ID
	}
	record, err := o.runs.Create(ctx, record)
	if err != nil {
		return nil, err
	}
	o.auditRun(ctx, meta, p, record, "run.start", true, map[string]any{"trigger": record.Trigger})

	fail := func(cause error) (*Run, error) {
		msg := cause.Error()
		o.runs.finalize(ctx, record.ID, Update{
			Status: shared.Some(StatusFailed),
			Error:  shared.Some(msg),
		})
		o.auditRun(ctx, meta, p, record, "run.fail", false, map[string]any{"error": msg})
		record.Status = StatusFailed
		o.recordPipelineStatus(ctx, record)
		return nil, fmt.Errorf("run %s failed: %w", record.ID, cause)
	}

	eng, err := o.engines(sub.ConfigPath)
	if err != nil {
		return fail(err)
	}
	defer eng.Release()

	cost, err := eng.Run(ctx)
	if err != nil {
		return fail(err)
	}

	completed, err := o.runs.Update(ctx, record.ID, Update{
		Status: shared.Some(StatusCompleted),
		Cost:   shared.Some(cost),
	})
	if err != nil {
		o.logger.Warn("run finalization write failed",
			slog.String("run_id", record.ID),
			slog.Any("error", err))
		completed = record
		completed.Status = StatusCompleted
		completed.Cost = &cost
	}
	o.auditRun(ctx, meta, p, completed, "run.complete", true, map[string]any{"cost": cost})
	o.recordPipelineStatus(ctx, completed)
	return completed, nil
}
