package pipeline

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/datakiln/datakiln/internal/platform/httpx"
	"github.com/datakiln/datakiln/internal/rbac"
	"github.com/datakiln/datakiln/internal/shared"
)

// Handler exposes pipeline document CRUD. Viewers read, editors write.
type Handler struct {
	store     *Store
	authority *rbac.Authority
	validate  *validator.Validate
}

// NewHandler constructs a Handler.
func NewHandler(store *Store, authority *rbac.Authority) *Handler {
	return &Handler{store: store, authority: authority, validate: validator.New()}
}

// MountRoutes registers the pipeline routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/pipelines", h.list)
	r.Post("/pipelines", h.create)
	r.Get("/pipelines/{id}", h.get)
	r.Put("/pipelines/{id}", h.update)
	r.Delete("/pipelines/{id}", h.remove)
	r.Post("/pipelines/{id}/duplicate", h.duplicate)
}

func (h *Handler) authorize(r *http.Request, namespace string, min rbac.NamespaceRole) (string, error) {
	namespace, err := rbac.ValidateNamespace(namespace)
	if err != nil {
		return "", err
	}
	principal := shared.PrincipalFromContext(r.Context())
	if _, err := h.authority.RequireRole(r.Context(), principal, namespace, min); err != nil {
		return "", err
	}
	return namespace, nil
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	namespace, err := h.authorize(r, r.URL.Query().Get("namespace"), rbac.RoleViewer)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	docs, err := h.store.List(r.Context(), namespace)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, docs)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	namespace, err := h.authorize(r, r.URL.Query().Get("namespace"), rbac.RoleViewer)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	doc, err := h.store.Get(r.Context(), namespace, chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, doc)
}

type createPipelineRequest struct {
	Namespace   string         `json:"namespace" validate:"required"`
	Name        string         `json:"name" validate:"required,max=256"`
	Description string         `json:"description"`
	State       map[string]any `json:"state"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createPipelineRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: invalid JSON body", httpx.ErrInvalidArgument))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrInvalidArgument, err.Error()))
		return
	}
	namespace, err := h.authorize(r, req.Namespace, rbac.RoleEditor)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	doc, err := h.store.Create(r.Context(), namespace, req.Name, req.Description, req.State)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, doc)
}

type updatePipelineRequest struct {
	Namespace         string          `json:"namespace" validate:"required"`
	Name              *string         `json:"name"`
	Description       *string         `json:"description"`
	State             *map[string]any `json:"state"`
	ExpectedUpdatedAt *time.Time      `json:"expected_updated_at"`
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	var req updatePipelineRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: invalid JSON body", httpx.ErrInvalidArgument))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrInvalidArgument, err.Error()))
		return
	}
	namespace, err := h.authorize(r, req.Namespace, rbac.RoleEditor)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}

	update := DocUpdate{ExpectedUpdatedAt: req.ExpectedUpdatedAt}
	if req.Name != nil {
		update.Name = shared.Some(*req.Name)
	}
	if req.Description != nil {
		update.Description = shared.Some(*req.Description)
	}
	if req.State != nil {
		update.State = shared.Some(*req.State)
	}
	doc, err := h.store.Update(r.Context(), namespace, chi.URLParam(r, "id"), update)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, doc)
}

func (h *Handler) remove(w http.ResponseWriter, r *http.Request) {
	namespace, err := h.authorize(r, r.URL.Query().Get("namespace"), rbac.RoleEditor)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.store.Delete(r.Context(), namespace, chi.URLParam(r, "id")); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type duplicatePipelineRequest struct {
	Namespace string `json:"namespace" validate:"required"`
	Name      string `json:"name" validate:"required,max=256"`
}

func (h *Handler) duplicate(w http.ResponseWriter, r *http.Request) {
	var req duplicatePipelineRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: invalid JSON body", httpx.ErrInvalidArgument))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrInvalidArgument, err.Error()))
		return
	}
	namespace, err := h.authorize(r, req.Namespace, rbac.RoleEditor)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	doc, err := h.store.Duplicate(r.Context(), namespace, chi.URLParam(r, "id"), req.Name)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, doc)
}
