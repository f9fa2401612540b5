package run

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/datakiln/datakiln/internal/audit"
	"github.com/datakiln/datakiln/internal/observability"
	"github.com/datakiln/datakiln/internal/platform/httpx"
	"github.com/datakiln/datakiln/internal/shared"
)

type stubRepo struct {
	mu   sync.Mutex
	runs map[string]*Run
	seq  int
}

func newStubRepo() *stubRepo {
	return &stubRepo{runs: map[string]*Run{}}
}

func (r *stubRepo) Create(_ context.Context, run *Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	clone := *run
	r.runs[run.ID] = &clone
	return nil
}

func applyOptional[T any](opt shared.Optional[T], target **T) {
	if !opt.IsSet() {
		return
	}
	if opt.IsNull() {
		*target = nil
		return
	}
	v, _ := opt.Value()
	*target = &v
}

func (r *stubRepo) Update(_ context.Context, id string, update Update) (*Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: run not found", httpx.ErrNotFound)
	}
	if status, ok := update.Status.Value(); ok {
		run.Status = status
	}
	applyOptional(update.StartedAt, &run.StartedAt)
	applyOptional(update.EndedAt, &run.EndedAt)
	applyOptional(update.Cost, &run.Cost)
	applyOptional(update.OutputPath, &run.OutputPath)
	applyOptional(update.LogPath, &run.LogPath)
	applyOptional(update.Error, &run.Error)
	if metadata, ok := update.Metadata.Value(); ok {
		run.Metadata = metadata
	} else if update.Metadata.IsNull() {
		run.Metadata = nil
	}
	clone := *run
	return &clone, nil
}

func (r *stubRepo) Get(_ context.Context, id string) (*Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: run not found", httpx.ErrNotFound)
	}
	clone := *run
	return &clone, nil
}

func (r *stubRepo) List(_ context.Context, filter Filter) ([]Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Run
	for _, run := range r.runs {
		if run.Namespace != filter.Namespace {
			continue
		}
		if filter.Status != nil && run.Status != *filter.Status {
			continue
		}
		if filter.PipelineID != nil && (run.PipelineID == nil || *run.PipelineID != *filter.PipelineID) {
			continue
		}
		out = append(out, *run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *stubRepo) Summary(_ context.Context, namespace string) (*Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	summary := &Summary{Namespace: namespace, Counts: map[Status]int{}}
	for _, run := range r.runs {
		if run.Namespace != namespace {
			continue
		}
		summary.Counts[run.Status]++
		summary.Total++
		if summary.LastRunAt == nil || run.CreatedAt.After(*summary.LastRunAt) {
			created := run.CreatedAt
			summary.LastRunAt = &created
		}
	}
	return summary, nil
}

type memAuditStore struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (s *memAuditStore) Append(_ context.Context, entry *audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, *entry)
	return nil
}

func (s *memAuditStore) List(_ context.Context, _ audit.Filter) ([]audit.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audit.Entry(nil), s.entries...), nil
}

func (s *memAuditStore) byAction(action string) []audit.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []audit.Entry
	for _, e := range s.entries {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T) (*Service, *stubRepo, *memAuditStore) {
	t.Helper()
	repo := newStubRepo()
	store := &memAuditStore{}
	svc := NewService(repo, NewRegistry(), NewSummaryCache(nil), audit.NewService(store, testLogger()), nil, testLogger())
	return svc, repo, store
}

func TestCreateDefaultsStartedAt(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	running, err := svc.Create(ctx, &Run{Namespace: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if running.Status != StatusRunning || running.StartedAt == nil {
		t.Fatalf("run = %+v, want running with started_at", running)
	}
	if running.Trigger != "manual" || running.Attempt != 1 {
		t.Fatalf("defaults not applied: %+v", running)
	}

	pending, err := svc.Create(ctx, &Run{Namespace: "alice", Status: StatusPending, Trigger: "task"})
	if err != nil {
		t.Fatal(err)
	}
	if pending.StartedAt != nil {
		t.Fatal("pending run has started_at")
	}
}

func TestUpdateTerminalSetsEndedAt(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	run, err := svc.Create(ctx, &Run{Namespace: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	updated, err := svc.Update(ctx, run.ID, Update{Status: shared.Some(StatusCompleted), Cost: shared.Some(1.5)})
	if err != nil {
		t.Fatal(err)
	}
	if updated.EndedAt == nil {
		t.Fatal("terminal transition without ended_at")
	}
	if updated.Cost == nil || *updated.Cost != 1.5 {
		t.Fatalf("cost = %v", updated.Cost)
	}
}

func TestUpdateTerminalIsFinal(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	run, err := svc.Create(ctx, &Run{Namespace: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Update(ctx, run.ID, Update{Status: shared.Some(StatusCancelled)}); err != nil {
		t.Fatal(err)
	}

	// Terminal to non-terminal is refused.
	_, err = svc.Update(ctx, run.ID, Update{Status: shared.Some(StatusRunning)})
	if !errors.Is(err, httpx.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	// Terminal to terminal is tolerated: cancel and complete can race and
	// both agree the run is over.
	if _, err := svc.Update(ctx, run.ID, Update{Status: shared.Some(StatusCompleted)}); err != nil {
		t.Fatalf("terminal-to-terminal write: %v", err)
	}
}

func TestUpdateCountsTerminalTransitions(t *testing.T) {
	metrics := observability.NewMetrics()
	repo := newStubRepo()
	svc := NewService(repo, NewRegistry(), NewSummaryCache(nil), audit.NewService(&memAuditStore{}, testLogger()), metrics, testLogger())
	ctx := context.Background()

	run, err := svc.Create(ctx, &Run{Namespace: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Update(ctx, run.ID, Update{Status: shared.Some(StatusCompleted)}); err != nil {
		t.Fatal(err)
	}
	// A terminal-to-terminal rewrite must not count a second finish.
	if _, err := svc.Update(ctx, run.ID, Update{Status: shared.Some(StatusCompleted)}); err != nil {
		t.Fatal(err)
	}

	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if body := rr.Body.String(); !strings.Contains(body, `datakiln_runs_total{status="completed"} 1`) {
		t.Fatalf("run counter not recorded exactly once: %s", body)
	}
}

func TestUpdateUnknownRunNotFound(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Update(context.Background(), "missing", Update{Status: shared.Some(StatusCompleted)})
	if !errors.Is(err, httpx.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSparseUpdateClearsExplicitly(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	run, err := svc.Create(ctx, &Run{Namespace: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Update(ctx, run.ID, Update{Error: shared.Some("transient")}); err != nil {
		t.Fatal(err)
	}

	// Not supplying a field leaves it alone; supplying null clears it.
	updated, err := svc.Update(ctx, run.ID, Update{Cost: shared.Some(2.0)})
	if err != nil {
		t.Fatal(err)
	}
	if updated.Error == nil || *updated.Error != "transient" {
		t.Fatalf("unsupplied field mutated: %+v", updated.Error)
	}
	updated, err = svc.Update(ctx, run.ID, Update{Error: shared.Null[string]()})
	if err != nil {
		t.Fatal(err)
	}
	if updated.Error != nil {
		t.Fatalf("explicit null did not clear: %+v", updated.Error)
	}
}

func TestCancelConflicts(t *testing.T) {
	svc, _, store := newTestService(t)
	ctx := context.Background()
	meta := shared.RequestMeta{}

	run, err := svc.Create(ctx, &Run{Namespace: "alice"})
	if err != nil {
		t.Fatal(err)
	}

	// Status still running but no handle: simulated process restart.
	err = svc.Cancel(ctx, meta, nil, run.ID)
	if !errors.Is(err, httpx.ErrConflict) {
		t.Fatalf("expected conflict without handle, got %v", err)
	}

	cancelled := false
	svc.Registry().Register(run.ID, func() { cancelled = true })
	if err := svc.Cancel(ctx, meta, nil, run.ID); err != nil {
		t.Fatal(err)
	}
	if !cancelled {
		t.Fatal("cancel handle not invoked")
	}
	if svc.Registry().Active(run.ID) {
		t.Fatal("handle still registered after cancel")
	}

	// Terminal run conflicts regardless of handles.
	if _, err := svc.Update(ctx, run.ID, Update{Status: shared.Some(StatusCancelled)}); err != nil {
		t.Fatal(err)
	}
	svc.Registry().Register(run.ID, func() {})
	err = svc.Cancel(ctx, meta, nil, run.ID)
	if !errors.Is(err, httpx.ErrConflict) {
		t.Fatalf("expected conflict for terminal run, got %v", err)
	}

	if got := len(store.byAction("run.cancel")); got != 3 {
		t.Fatalf("run.cancel audit entries = %d, want 3", got)
	}

	err = svc.Cancel(ctx, meta, nil, "missing")
	if !errors.Is(err, httpx.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSummaryCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	repo := newStubRepo()
	svc := NewService(repo, NewRegistry(), NewSummaryCache(client), audit.NewService(&memAuditStore{}, testLogger()), nil, testLogger())
	ctx := context.Background()

	if _, err := svc.Create(ctx, &Run{Namespace: "alice"}); err != nil {
		t.Fatal(err)
	}
	first, err := svc.Summary(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if first.Total != 1 || first.Counts[StatusRunning] != 1 {
		t.Fatalf("summary = %+v", first)
	}

	// Cached: a direct repo write that bypasses the service is not seen.
	if err := repo.Create(ctx, &Run{ID: "ghost", Namespace: "alice", Status: StatusRunning, CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	second, err := svc.Summary(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if second.Total != 1 {
		t.Fatalf("expected cached summary, got %+v", second)
	}

	// A service write invalidates the cache.
	run, err := svc.Create(ctx, &Run{Namespace: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	third, err := svc.Summary(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if third.Total != 3 {
		t.Fatalf("expected fresh summary after write, got %+v", third)
	}
	_ = run
}
