package audit

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/datakiln/datakiln/internal/platform/httpx"
	"github.com/datakiln/datakiln/internal/shared"
)

// Handler exposes the admin-only audit query surface.
type Handler struct {
	service *Service
}

// NewHandler constructs a Handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// MountRoutes registers audit routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/audit-logs", h.list)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	if principal == nil {
		httpx.RespondError(w, httpx.ErrUnauthenticated)
		return
	}
	if !principal.IsPlatformAdmin() {
		httpx.RespondError(w, httpx.ErrForbidden)
		return
	}

	q := r.URL.Query()
	filter := Filter{
		Namespace:   q.Get("namespace"),
		ActorUserID: q.Get("actor_user_id"),
		Action:      q.Get("action"),
	}
	if v := q.Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			filter.Limit = parsed
		}
	}
	if v := q.Get("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			filter.Offset = parsed
		}
	}

	entries, err := h.service.List(r.Context(), filter)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if entries == nil {
		entries = []Entry{}
	}
	httpx.JSON(w, http.StatusOK, entries)
}
