package dataset

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/datakiln/datakiln/internal/platform/httpx"
	"github.com/datakiln/datakiln/internal/rbac"
	"github.com/datakiln/datakiln/internal/shared"
)

// Handler exposes the dataset HTTP surface.
type Handler struct {
	service   *Service
	authority *rbac.Authority
	dataRoot  string
	validate  *validator.Validate
}

// NewHandler constructs a Handler.
func NewHandler(service *Service, authority *rbac.Authority, dataRoot string) *Handler {
	return &Handler{
		service:   service,
		authority: authority,
		dataRoot:  dataRoot,
		validate:  validator.New(),
	}
}

// MountRoutes registers the dataset routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/datasets", h.create)
	r.Get("/datasets", h.list)
	r.Get("/datasets/{id}", h.get)
}

type createRequest struct {
	Namespace   string  `json:"namespace" validate:"required"`
	Name        string  `json:"name" validate:"required,max=128"`
	Path        string  `json:"path" validate:"required"`
	Format      string  `json:"format" validate:"required,oneof=csv json"`
	Description *string `json:"description"`
}

// create registers a dataset. The data file path is caller-supplied, so it
// goes through full path authorization and must resolve inside the namespace
// named in the body.
func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: invalid JSON body", httpx.ErrInvalidArgument))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrInvalidArgument, err.Error()))
		return
	}
	namespace, err := rbac.ValidateNamespace(req.Namespace)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}

	principal := shared.PrincipalFromContext(r.Context())
	pathNS, resolved, err := h.authority.RequireRoleForPath(r.Context(), principal, h.dataRoot, req.Path, rbac.RoleEditor)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if pathNS != namespace {
		httpx.RespondError(w, fmt.Errorf("%w: data file does not belong to namespace %s", httpx.ErrInvalidArgument, namespace))
		return
	}

	ds, err := h.service.Create(r.Context(), shared.MetaFromRequest(r), principal, CreateInput{
		Namespace:   namespace,
		Name:        req.Name,
		Path:        resolved,
		Format:      req.Format,
		Description: req.Description,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, ds)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	namespace, err := rbac.ValidateNamespace(r.URL.Query().Get("namespace"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	principal := shared.PrincipalFromContext(r.Context())
	if _, err := h.authority.RequireRole(r.Context(), principal, namespace, rbac.RoleViewer); err != nil {
		httpx.RespondError(w, err)
		return
	}
	datasets, err := h.service.List(r.Context(), namespace)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if datasets == nil {
		datasets = []Dataset{}
	}
	httpx.JSON(w, http.StatusOK, datasets)
}

// get authorizes against the dataset's own namespace.
func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	ds, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	principal := shared.PrincipalFromContext(r.Context())
	if _, err := h.authority.RequireRole(r.Context(), principal, ds.Namespace, rbac.RoleViewer); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, ds)
}
