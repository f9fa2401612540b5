package run

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"

	"github.com/datakiln/datakiln/internal/platform/httpx"
	"github.com/datakiln/datakiln/internal/rbac"
	"github.com/datakiln/datakiln/internal/shared"
)

// TokenResolver maps raw bearer tokens to caller identities. Used by the
// streaming endpoint, whose handshake carries the token as a query parameter.
type TokenResolver interface {
	ResolveToken(ctx context.Context, raw string) (*shared.Principal, error)
}

// ConfigValidator vets an authorized configuration reference: the path shape,
// and the paths the config file itself references against the namespace
// directory. It runs after path authorization, never before.
type ConfigValidator func(path, namespace string) error

// Handler exposes the run lifecycle HTTP surface.
type Handler struct {
	service     *Service
	orch        *Orchestrator
	tasks       *Tasks
	authority   *rbac.Authority
	tokens      TokenResolver
	checkConfig ConfigValidator
	dataRoot    string
	logger      *slog.Logger
	validate    *validator.Validate
	upgrader    websocket.Upgrader
}

// NewHandler constructs a Handler.
func NewHandler(service *Service, orch *Orchestrator, tasks *Tasks, authority *rbac.Authority, tokens TokenResolver, checkConfig ConfigValidator, dataRoot string, logger *slog.Logger) *Handler {
	return &Handler{
		service:     service,
		orch:        orch,
		tasks:       tasks,
		authority:   authority,
		tokens:      tokens,
		checkConfig: checkConfig,
		dataRoot:    dataRoot,
		logger:      logger,
		validate:    validator.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// MountRoutes registers the run routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/runs", h.list)
	r.Get("/runs/summary", h.summary)
	r.Get("/runs/{id}", h.get)
	r.Post("/runs/{id}/cancel", h.cancel)
	r.Post("/run", h.runSync)
	r.Get("/ws/run/{namespace}", h.stream)
	r.Post("/should_optimize", h.submitOptimizeCheck)
	r.Get("/should_optimize/{taskID}", h.getOptimizeCheck)
	r.Post("/should_optimize/{taskID}/cancel", h.cancelOptimizeCheck)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	q := r.URL.Query()

	namespace, err := rbac.ValidateNamespace(q.Get("namespace"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if _, err := h.authority.RequireRole(r.Context(), principal, namespace, rbac.RoleViewer); err != nil {
		httpx.RespondError(w, err)
		return
	}

	filter := Filter{Namespace: namespace}
	if v := q.Get("status"); v != "" {
		status := Status(v)
		filter.Status = &status
	}
	if v := q.Get("pipeline_id"); v != "" {
		filter.PipelineID = &v
	}
	if v := q.Get("limit"); v != "" {
		filter.Limit, _ = strconv.Atoi(v)
	}
	if v := q.Get("offset"); v != "" {
		filter.Offset, _ = strconv.Atoi(v)
	}

	runs, err := h.service.List(r.Context(), filter)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if runs == nil {
		runs = []Run{}
	}
	httpx.JSON(w, http.StatusOK, runs)
}

func (h *Handler) summary(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	namespace, err := rbac.ValidateNamespace(r.URL.Query().Get("namespace"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if _, err := h.authority.RequireRole(r.Context(), principal, namespace, rbac.RoleViewer); err != nil {
		httpx.RespondError(w, err)
		return
	}
	summary, err := h.service.Summary(r.Context(), namespace)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, summary)
}

// get authorizes against the run's own namespace, not a caller-supplied one.
func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	record, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	principal := shared.PrincipalFromContext(r.Context())
	if _, err := h.authority.RequireRole(r.Context(), principal, record.Namespace, rbac.RoleViewer); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, record)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	record, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	principal := shared.PrincipalFromContext(r.Context())
	if _, err := h.authority.RequireRole(r.Context(), principal, record.Namespace, rbac.RoleEditor); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.Cancel(r.Context(), shared.MetaFromRequest(r), principal, record.ID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

type runRequest struct {
	Config       string  `json:"config" validate:"required"`
	PipelineID   *string `json:"pipeline_id"`
	PipelineName *string `json:"pipeline_name"`
}

func (h *Handler) runSync(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: invalid JSON body", httpx.ErrInvalidArgument))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrInvalidArgument, err.Error()))
		return
	}
	principal := shared.PrincipalFromContext(r.Context())
	namespace, resolved, err := h.authority.RequireRoleForPath(r.Context(), principal, h.dataRoot, req.Config, rbac.RoleEditor)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.checkConfig(resolved, namespace); err != nil {
		httpx.RespondError(w, err)
		return
	}

	record, err := h.orch.ExecuteSync(r.Context(), shared.MetaFromRequest(r), principal, Submission{
		Namespace:    namespace,
		ConfigPath:   resolved,
		PipelineID:   req.PipelineID,
		PipelineName: req.PipelineName,
		Trigger:      "manual",
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, record)
}

type optimizeCheckRequest struct {
	Config string `json:"config" validate:"required"`
}

func (h *Handler) submitOptimizeCheck(w http.ResponseWriter, r *http.Request) {
	var req optimizeCheckRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: invalid JSON body", httpx.ErrInvalidArgument))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrInvalidArgument, err.Error()))
		return
	}
	principal := shared.PrincipalFromContext(r.Context())
	namespace, resolved, err := h.authority.RequireRoleForPath(r.Context(), principal, h.dataRoot, req.Config, rbac.RoleEditor)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.checkConfig(resolved, namespace); err != nil {
		httpx.RespondError(w, err)
		return
	}

	task, err := h.tasks.Submit(r.Context(), shared.MetaFromRequest(r), principal, namespace, resolved)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, task)
}

func (h *Handler) getOptimizeCheck(w http.ResponseWriter, r *http.Request) {
	task, err := h.tasks.Get(shared.PrincipalFromContext(r.Context()), chi.URLParam(r, "taskID"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, task)
}

func (h *Handler) cancelOptimizeCheck(w http.ResponseWriter, r *http.Request) {
	task, err := h.tasks.Cancel(r.Context(), shared.MetaFromRequest(r),
		shared.PrincipalFromContext(r.Context()), chi.URLParam(r, "taskID"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, task)
}
