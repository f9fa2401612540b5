package run

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/datakiln/datakiln/internal/engine"
	"github.com/datakiln/datakiln/internal/pipeline"
	"github.com/datakiln/datakiln/internal/platform/httpx"
	"github.com/datakiln/datakiln/internal/rbac"
	"github.com/datakiln/datakiln/internal/shared"
)

func TestKillCommand(t *testing.T) {
	for raw, want := range map[string]bool{
		"kill":          true,
		`"kill"`:        true,
		" kill ":        true,
		"KILL":          false,
		`{"op":"kill"}`: false,
		"keep going":    false,
	} {
		if got := killCommand(raw); got != want {
			t.Fatalf("killCommand(%q) = %v, want %v", raw, got, want)
		}
	}
}

func TestReorderOperations(t *testing.T) {
	cfg := engine.OptimizedConfig{
		Operations: []map[string]any{
			{"name": "summarize"},
			{"name": "extract"},
			{"name": "extract"},
			{"name": "filter"},
		},
		DeclaredOrder: []string{"extract", "summarize"},
	}
	out := reorderOperations(cfg)
	var names []string
	for _, op := range out.Operations {
		names = append(names, op["name"].(string))
	}
	// Declared order first, duplicates collapsed, stragglers keep position.
	if strings.Join(names, ",") != "extract,summarize,filter" {
		t.Fatalf("order = %v", names)
	}
}

func TestReorderOperationsNoDeclaredOrder(t *testing.T) {
	cfg := engine.OptimizedConfig{Operations: []map[string]any{{"name": "a"}, {"name": "b"}}}
	out := reorderOperations(cfg)
	if len(out.Operations) != 2 || out.Operations[0]["name"] != "a" {
		t.Fatalf("operations mutated: %v", out.Operations)
	}
}

type stubMemberships struct {
	roles map[string]rbac.NamespaceRole
}

func (s *stubMemberships) RoleFor(_ context.Context, _ string, namespace string) (rbac.NamespaceRole, error) {
	role, ok := s.roles[namespace]
	if !ok {
		return "", httpx.ErrNotFound
	}
	return role, nil
}

type stubTokens struct {
	principals map[string]*shared.Principal
}

func (s *stubTokens) ResolveToken(_ context.Context, raw string) (*shared.Principal, error) {
	p, ok := s.principals[raw]
	if !ok {
		return nil, httpx.ErrUnauthenticated
	}
	return p, nil
}

type streamFixture struct {
	server   *httptest.Server
	service  *Service
	store    *memAuditStore
	eng      *fakeEngine
	recorder *stubStatusRecorder
	config   string
}

func newStreamFixture(t *testing.T) *streamFixture {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "alice", "pipelines"), 0o755); err != nil {
		t.Fatal(err)
	}
	config := filepath.Join(root, "alice", "pipelines", "cfg.yaml")
	if err := os.WriteFile(config, []byte("operations: []\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	svc, _, store := newTestService(t)
	eng := newFakeEngine()
	recorder := &stubStatusRecorder{names: map[string]string{"pipe-1": "Daily Report"}}
	orch := NewOrchestrator(svc, recorder, factoryFor(eng), svc.audit, testLogger())
	tasks := NewTasks(factoryFor(eng), svc.audit, time.Minute)
	authority := rbac.NewAuthority(&stubMemberships{roles: map[string]rbac.NamespaceRole{"alice": rbac.RoleEditor}})
	tokens := &stubTokens{principals: map[string]*shared.Principal{
		"tok-alice": {ID: "user-alice", Username: "alice", Active: true, PlatformRole: shared.PlatformRoleUser},
	}}
	checkConfig := func(path, namespace string) error {
		return pipeline.ValidateConfigPaths(root, namespace, path)
	}
	handler := NewHandler(svc, orch, tasks, authority, tokens, checkConfig, root, testLogger())

	r := chi.NewRouter()
	handler.MountRoutes(r)
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)

	return &streamFixture{server: server, service: svc, store: store, eng: eng, recorder: recorder, config: config}
}

func (f *streamFixture) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/run/alice?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, msgType string) streamMessage {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		var msg streamMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %q frame: %v", msgType, err)
		}
		if msg.Type == msgType {
			return msg
		}
	}
}

func (f *streamFixture) waitStatus(t *testing.T, status Status) *Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		runs, err := f.service.List(context.Background(), Filter{Namespace: "alice"})
		if err != nil {
			t.Fatal(err)
		}
		if len(runs) == 1 && runs[0].Status == status {
			return &runs[0]
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run never reached %s", status)
	return nil
}

func TestStreamRunCompletes(t *testing.T) {
	f := newStreamFixture(t)
	f.eng.cost = 2.5

	conn := f.dial(t, "tok-alice")
	if err := conn.WriteJSON(handshake{Config: f.config}); err != nil {
		t.Fatal(err)
	}

	<-f.eng.started
	f.eng.emit("processing documents\n")
	close(f.eng.block)

	result := readUntil(t, conn, "result")
	if result.Cost == nil || *result.Cost != 2.5 {
		t.Fatalf("result = %+v", result)
	}

	run := f.waitStatus(t, StatusCompleted)
	if run.EndedAt == nil {
		t.Fatal("completed run without ended_at")
	}
	if !f.eng.released.Load() {
		t.Fatal("engine not released")
	}
	if f.service.Registry().Active(run.ID) {
		t.Fatal("handle leaked after completion")
	}
}

func TestStreamRecordsPipelineStatus(t *testing.T) {
	f := newStreamFixture(t)

	conn := f.dial(t, "tok-alice")
	pipelineID := "pipe-1"
	if err := conn.WriteJSON(handshake{Config: f.config, PipelineID: &pipelineID}); err != nil {
		t.Fatal(err)
	}

	<-f.eng.started
	close(f.eng.block)
	readUntil(t, conn, "result")

	run := f.waitStatus(t, StatusCompleted)
	if run.PipelineID == nil || *run.PipelineID != "pipe-1" {
		t.Fatalf("run pipeline id = %v", run.PipelineID)
	}
	if run.PipelineName == nil || *run.PipelineName != "Daily Report" {
		t.Fatalf("run pipeline name = %v", run.PipelineName)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if recorded := f.recorder.byPipeline("pipe-1"); len(recorded) > 0 {
			if recorded[0].status != "completed" {
				t.Fatalf("recorded = %+v", recorded)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("pipeline status never recorded")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStreamKillCancelsRun(t *testing.T) {
	f := newStreamFixture(t)

	conn := f.dial(t, "tok-alice")
	if err := conn.WriteJSON(handshake{Config: f.config}); err != nil {
		t.Fatal(err)
	}
	<-f.eng.started

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`"kill"`)); err != nil {
		t.Fatal(err)
	}

	errMsg := readUntil(t, conn, "error")
	if errMsg.Message != "run cancelled" {
		t.Fatalf("error frame = %+v", errMsg)
	}

	run := f.waitStatus(t, StatusCancelled)
	if run.EndedAt == nil || run.Error == nil {
		t.Fatalf("cancelled run = %+v", run)
	}
	if !f.eng.cancelled.Load() {
		t.Fatal("engine cancellation flag not set")
	}
	if f.service.Registry().Active(run.ID) {
		t.Fatal("handle leaked after cancellation")
	}
	if len(f.store.byAction("run.cancel")) != 1 {
		t.Fatal("missing run.cancel audit entry")
	}
}

func TestStreamDisconnectCancelsRun(t *testing.T) {
	f := newStreamFixture(t)

	conn := f.dial(t, "tok-alice")
	if err := conn.WriteJSON(handshake{Config: f.config}); err != nil {
		t.Fatal(err)
	}
	<-f.eng.started

	conn.Close()

	f.waitStatus(t, StatusCancelled)
	if !f.eng.cancelled.Load() {
		t.Fatal("disconnect did not cancel the engine")
	}
}

func TestStreamRejectsBadToken(t *testing.T) {
	f := newStreamFixture(t)
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/run/alice?token=wrong"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial succeeded with bad token")
	}
	if resp == nil || resp.StatusCode != 401 {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestStreamRejectsNamespaceMismatch(t *testing.T) {
	f := newStreamFixture(t)

	conn := f.dial(t, "tok-alice")
	// A config outside the alice namespace tree must be refused before any
	// run record is created.
	if err := conn.WriteJSON(handshake{Config: "/etc/passwd"}); err != nil {
		t.Fatal(err)
	}
	errMsg := readUntil(t, conn, "error")
	if errMsg.Message != "authorization failed" {
		t.Fatalf("error = %+v", errMsg)
	}

	runs, err := f.service.List(context.Background(), Filter{Namespace: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 0 {
		t.Fatalf("run created despite failed authorization: %+v", runs)
	}
}

func TestStreamRejectsConfigReferencingOutsidePaths(t *testing.T) {
	f := newStreamFixture(t)

	// The config file lives in the namespace, but the output path it declares
	// does not. No run record may be created and no engine may start.
	if err := os.WriteFile(f.config, []byte("pipeline:\n  output:\n    path: /etc/passwd\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	conn := f.dial(t, "tok-alice")
	if err := conn.WriteJSON(handshake{Config: f.config}); err != nil {
		t.Fatal(err)
	}
	errMsg := readUntil(t, conn, "error")
	if errMsg.Message != "invalid config" {
		t.Fatalf("error = %+v", errMsg)
	}
	if !strings.Contains(errMsg.Detail, "pipeline.output.path") {
		t.Fatalf("detail = %q", errMsg.Detail)
	}

	runs, err := f.service.List(context.Background(), Filter{Namespace: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 0 {
		t.Fatalf("run created despite invalid config: %+v", runs)
	}
	select {
	case <-f.eng.started:
		t.Fatal("engine started despite invalid config")
	default:
	}
}
