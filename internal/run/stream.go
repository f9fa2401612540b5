package run

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/datakiln/datakiln/internal/engine"
	"github.com/datakiln/datakiln/internal/platform/httpx"
	"github.com/datakiln/datakiln/internal/rbac"
	"github.com/datakiln/datakiln/internal/shared"
)

const (
	handshakeTimeout = 10 * time.Second
	streamPollDelay  = 500 * time.Millisecond
	writeTimeout     = 10 * time.Second
)

// handshake is the first client message on the stream: the configuration
// reference, the pipeline the run belongs to, and the mode flags.
type handshake struct {
	Config            string  `json:"config"`
	PipelineID        *string `json:"pipeline_id"`
	Optimize          bool    `json:"optimize"`
	ClearIntermediate bool    `json:"clear_intermediate"`
}

// streamMessage is one server-to-client frame.
type streamMessage struct {
	Type     string                  `json:"type"`
	Data     string                  `json:"data,omitempty"`
	Progress *engine.Progress        `json:"progress,omitempty"`
	Message  string                  `json:"message,omitempty"`
	Detail   string                  `json:"detail,omitempty"`
	RunID    string                  `json:"run_id,omitempty"`
	Cost     *float64                `json:"cost,omitempty"`
	Config   *engine.OptimizedConfig `json:"config,omitempty"`
}

type engineOutcome struct {
	cost float64
	cfg  engine.OptimizedConfig
	err  error
}

func writeStream(conn *websocket.Conn, msg streamMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(msg)
}

// killCommand reports whether an inbound frame is the cancellation sentinel,
// either as the bare string or as a JSON-encoded string.
func killCommand(raw string) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "kill" {
		return true
	}
	var decoded string
	if err := json.Unmarshal([]byte(trimmed), &decoded); err == nil && decoded == "kill" {
		return true
	}
	return false
}

// reorderOperations normalises an optimized operation list to the declared
// step order, deduplicating by operation name. Operations the declared order
// does not mention keep their relative position at the end.
func reorderOperations(cfg engine.OptimizedConfig) engine.OptimizedConfig {
	if len(cfg.DeclaredOrder) == 0 {
		return cfg
	}
	byName := make(map[string]map[string]any, len(cfg.Operations))
	var unnamed []map[string]any
	for _, op := range cfg.Operations {
		name, _ := op["name"].(string)
		if name == "" {
			unnamed = append(unnamed, op)
			continue
		}
		if _, dup := byName[name]; !dup {
			byName[name] = op
		}
	}
	ordered := make([]map[string]any, 0, len(cfg.Operations))
	for _, name := range cfg.DeclaredOrder {
		if op, ok := byName[name]; ok {
			ordered = append(ordered, op)
			delete(byName, name)
		}
	}
	for _, op := range cfg.Operations {
		name, _ := op["name"].(string)
		if name == "" {
			continue
		}
		if op2, ok := byName[name]; ok {
			ordered = append(ordered, op2)
			delete(byName, name)
		}
	}
	cfg.Operations = append(ordered, unnamed...)
	return cfg
}

// stream is the duplex run channel. The token arrives as a query parameter
// because the websocket handshake precedes normal request authorization, and
// the URL namespace must match the namespace derived from the config path.
func (h *Handler) stream(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	principal, err := h.tokens.ResolveToken(r.Context(), token)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	nsParam, err := rbac.ValidateNamespace(chi.URLParam(r, "namespace"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	h.service.metrics.StreamOpened()
	defer h.service.metrics.StreamClosed()

	sendError := func(message, detail string) {
		_ = writeStream(conn, streamMessage{Type: "error", Message: message, Detail: detail})
	}

	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var hs handshake
	if err := conn.ReadJSON(&hs); err != nil {
		sendError("invalid handshake", err.Error())
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	ctx := r.Context()
	namespace, resolvedConfig, err := h.authority.RequireRoleForPath(ctx, principal, h.dataRoot, hs.Config, rbac.RoleEditor)
	if err != nil {
		sendError("authorization failed", err.Error())
		return
	}
	if namespace != nsParam {
		sendError("authorization failed", "config path does not belong to namespace "+nsParam)
		return
	}
	if err := h.checkConfig(resolvedConfig, namespace); err != nil {
		sendError("invalid config", err.Error())
		return
	}

	meta := shared.MetaFromRequest(r)
	pipelineName := h.orch.resolvePipelineName(ctx, namespace, hs.PipelineID, resolvedConfig)
	record := &Run{
		Namespace:    namespace,
		PipelineID:   hs.PipelineID,
		PipelineName: &pipelineName,
		Trigger:      "websocket",
		Status:       StatusRunning,
		Metadata:     map[string]any{"optimize": hs.Optimize, "clear_intermediate": hs.ClearIntermediate},
	}
	if principal != nil {
		record.TriggeredByUserID = &principal.ID
	}
	record, err = h.service.Create(ctx, record)
	if err != nil {
		sendError("failed to create run", err.Error())
		return
	}
	h.orch.auditRun(ctx, meta, principal, record, "run.start", true, map[string]any{"trigger": "websocket", "optimize": hs.Optimize})

	eng, err := h.orch.engines(resolvedConfig)
	if err != nil {
		msg := err.Error()
		h.service.finalize(ctx, record.ID, Update{Status: shared.Some(StatusFailed), Error: shared.Some(msg)})
		h.orch.auditRun(ctx, meta, principal, record, "run.fail", false, map[string]any{"error": msg})
		sendError("engine start failed", msg)
		return
	}
	defer eng.Release()

	// The engine runs detached from the request context so that a client
	// disconnect is observed by the loop, not by an abrupt context kill.
	engCtx, cancelEngine := context.WithCancel(context.Background())
	defer cancelEngine()

	// Register before the engine goroutine starts: an external cancel must
	// never race past an in-flight run.
	h.service.Registry().Register(record.ID, func() {
		eng.Cancel()
		cancelEngine()
	})
	defer h.service.Registry().Unregister(record.ID)

	done := make(chan engineOutcome, 1)
	go func() {
		var outcome engineOutcome
		if hs.Optimize {
			outcome.cfg, outcome.cost, outcome.err = eng.Optimize(engCtx)
		} else {
			outcome.cost, outcome.err = eng.Run(engCtx)
		}
		done <- outcome
	}()

	inbound := make(chan string)
	readFailed := make(chan struct{})
	go func() {
		defer close(readFailed)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			select {
			case inbound <- string(raw):
			case <-engCtx.Done():
				return
			}
		}
	}()

	flushOutput := func() {
		if out := eng.Output(); out != "" {
			_ = writeStream(conn, streamMessage{Type: "output", Data: out})
		}
	}

	finalize := func(update Update, action string, success bool, detail map[string]any) {
		h.service.finalize(ctx, record.ID, update)
		h.orch.auditRun(ctx, meta, principal, record, action, success, detail)
		if status, ok := update.Status.Value(); ok {
			record.Status = status
		}
		if record.EndedAt == nil {
			t := h.service.now().UTC()
			record.EndedAt = &t
		}
		h.orch.recordPipelineStatus(ctx, record)
	}

	ticker := time.NewTicker(streamPollDelay)
	defer ticker.Stop()

	for {
		select {
		case outcome := <-done:
			flushOutput()
			if outcome.err != nil {
				if eng.Cancelled() {
					finalize(Update{
						Status: shared.Some(StatusCancelled),
						Error:  shared.Some("cancelled by user"),
					}, "run.cancel", true, nil)
					sendError("run cancelled", outcome.err.Error())
				} else {
					finalize(Update{
						Status: shared.Some(StatusFailed),
						Error:  shared.Some(outcome.err.Error()),
					}, "run.fail", false, map[string]any{"error": outcome.err.Error()})
					sendError("run failed", outcome.err.Error())
				}
				return
			}
			result := streamMessage{Type: "result", RunID: record.ID, Cost: &outcome.cost}
			if hs.Optimize {
				cfg := reorderOperations(outcome.cfg)
				result.Config = &cfg
			}
			if err := writeStream(conn, result); err != nil {
				h.logger.Warn("stream result write failed", slog.String("run_id", record.ID), slog.Any("error", err))
			}
			finalize(Update{
				Status: shared.Some(StatusCompleted),
				Cost:   shared.Some(outcome.cost),
			}, "run.complete", true, map[string]any{"cost": outcome.cost})
			return

		case msg := <-inbound:
			if killCommand(msg) {
				eng.Cancel()
				cancelEngine()
				_ = writeStream(conn, streamMessage{Type: "output", Data: "cancellation requested\n"})
				continue
			}
			eng.PostInput(msg)

		case <-readFailed:
			// Client went away: cancel cooperatively and wait for the
			// engine goroutine before marking the run cancelled.
			eng.Cancel()
			cancelEngine()
			<-done
			finalize(Update{
				Status: shared.Some(StatusCancelled),
				Error:  shared.Some("client disconnected"),
			}, "run.cancel", true, map[string]any{"reason": "disconnect"})
			return

		case <-ticker.C:
			flushOutput()
			if hs.Optimize {
				progress := eng.OptimizerProgress()
				if progress.Status != "" || progress.Progress > 0 {
					_ = writeStream(conn, streamMessage{Type: "optimizer_progress", Progress: &progress})
				}
			}
		}
	}
}
