package run

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/datakiln/datakiln/internal/audit"
	"github.com/datakiln/datakiln/internal/engine"
	"github.com/datakiln/datakiln/internal/platform/httpx"
	"github.com/datakiln/datakiln/internal/shared"
)

// TaskStatus mirrors the run state machine for async optimize-check tasks.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether the task status is final.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// OptimizeCheck is the result of an optimize-check task.
type OptimizeCheck struct {
	Optimized bool    `json:"optimized"`
	Cost      float64 `json:"cost"`
}

// Task is one in-process optimize-check. Tasks are visible to their owner and
// to platform admins only, and are not persisted: a restart loses them.
type Task struct {
	ID         string         `json:"id"`
	Namespace  string         `json:"namespace"`
	OwnerID    string         `json:"-"`
	Status     TaskStatus     `json:"status"`
	Result     *OptimizeCheck `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

// Tasks is the process-scoped optimize-check task map. Finished tasks are
// swept lazily once they outlive the retention TTL.
type Tasks struct {
	engines engine.Factory
	audit   *audit.Service
	ttl     time.Duration
	now     func() time.Time

	mu      sync.Mutex
	tasks   map[string]*Task
	cancels map[string]func()
}

// NewTasks constructs the task service.
func NewTasks(engines engine.Factory, auditSvc *audit.Service, ttl time.Duration) *Tasks {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Tasks{
		engines: engines,
		audit:   auditSvc,
		ttl:     ttl,
		now:     time.Now,
		tasks:   make(map[string]*Task),
		cancels: make(map[string]func()),
	}
}

func (t *Tasks) sweepLocked() {
	cutoff := t.now().Add(-t.ttl)
	for id, task := range t.tasks {
		if task.Status.Terminal() && task.FinishedAt != nil && task.FinishedAt.Before(cutoff) {
			delete(t.tasks, id)
		}
	}
}

func (t *Tasks) finish(id string, status TaskStatus, result *OptimizeCheck, errMsg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	task, ok := t.tasks[id]
	if !ok || task.Status.Terminal() {
		return
	}
	now := t.now().UTC()
	task.Status = status
	task.Result = result
	task.Error = errMsg
	task.FinishedAt = &now
	delete(t.cancels, id)
}

// Submit registers a pending task and starts the optimize check in the
// background. configPath must already be authorized and canonicalized.
func (t *Tasks) Submit(ctx context.Context, meta shared.RequestMeta, p *shared.Principal, namespace, configPath string) (*Task, error) {
	if p == nil {
		return nil, httpx.ErrUnauthenticated
	}
	task := &Task{
		ID:        uuid.NewString(),
		Namespace: namespace,
		OwnerID:   p.ID,
		Status:    TaskPending,
		CreatedAt: t.now().UTC(),
	}
	t.mu.Lock()
	t.sweepLocked()
	t.tasks[task.ID] = task
	t.mu.Unlock()

	t.audit.Record(ctx, audit.Entry{
		Action:       "optimize_check.submit",
		ResourceType: "task",
		ResourceID:   task.ID,
		Namespace:    namespace,
		Success:      true,
	}.WithActor(p).WithMeta(meta))

	go t.execute(task.ID, configPath)
	snapshot := *task
	return &snapshot, nil
}

func (t *Tasks) execute(id, configPath string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng, err := t.engines(configPath)
	if err != nil {
		t.finish(id, TaskFailed, nil, err.Error())
		return
	}
	defer eng.Release()

	t.mu.Lock()
	task, ok := t.tasks[id]
	if !ok || task.Status != TaskPending {
		t.mu.Unlock()
		return
	}
	task.Status = TaskProcessing
	t.cancels[id] = func() {
		eng.Cancel()
		cancel()
	}
	t.mu.Unlock()

	cfg, cost, err := eng.Optimize(ctx)
	if err != nil {
		if eng.Cancelled() {
			t.finish(id, TaskCancelled, nil, "cancelled")
		} else {
			t.finish(id, TaskFailed, nil, err.Error())
		}
		return
	}
	t.finish(id, TaskCompleted, &OptimizeCheck{Optimized: len(cfg.Operations) > 0, Cost: cost}, "")
}

func (t *Tasks) visible(task *Task, p *shared.Principal) bool {
	if p == nil {
		return false
	}
	return p.IsPlatformAdmin() || task.OwnerID == p.ID
}

// Get returns a task visible to the caller. Tasks owned by other users are
// reported as missing, not forbidden.
func (t *Tasks) Get(p *shared.Principal, id string) (*Task, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweepLocked()
	task, err := t.lookupLocked(p, id)
	if err != nil {
		return nil, err
	}
	snapshot := *task
	return &snapshot, nil
}

// lookupLocked distinguishes unknown tasks from foreign ones: missing or
// swept tasks are NotFound, tasks owned by someone else are Forbidden.
func (t *Tasks) lookupLocked(p *shared.Principal, id string) (*Task, error) {
	task, ok := t.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: task not found or already cleaned up", httpx.ErrNotFound)
	}
	if !t.visible(task, p) {
		return nil, fmt.Errorf("%w: not allowed to access this task", httpx.ErrForbidden)
	}
	return task, nil
}

// Cancel cancels a pending or processing task. Terminal tasks conflict.
func (t *Tasks) Cancel(ctx context.Context, meta shared.RequestMeta, p *shared.Principal, id string) (*Task, error) {
	t.mu.Lock()
	task, err := t.lookupLocked(p, id)
	if err != nil {
		t.mu.Unlock()
		return nil, err
	}
	if task.Status.Terminal() {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: task already %s", httpx.ErrConflict, task.Status)
	}
	cancel := t.cancels[id]
	if task.Status == TaskPending && cancel == nil {
		// Not started yet: mark cancelled directly.
		now := t.now().UTC()
		task.Status = TaskCancelled
		task.FinishedAt = &now
	}
	namespace := task.Namespace
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	t.audit.Record(ctx, audit.Entry{
		Action:       "optimize_check.cancel",
		ResourceType: "task",
		ResourceID:   id,
		Namespace:    namespace,
		Success:      true,
	}.WithActor(p).WithMeta(meta))
	return t.Get(p, id)
}
