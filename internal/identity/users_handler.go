package identity

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/datakiln/datakiln/internal/platform/httpx"
	"github.com/datakiln/datakiln/internal/rbac"
	"github.com/datakiln/datakiln/internal/shared"
)

// UsersHandler exposes the platform-admin user management endpoints.
type UsersHandler struct {
	handler *Handler
}

// NewUsersHandler constructs a UsersHandler sharing the auth handler's
// service and validator.
func NewUsersHandler(handler *Handler) *UsersHandler {
	return &UsersHandler{handler: handler}
}

// MountRoutes registers the user management routes.
func (h *UsersHandler) MountRoutes(r chi.Router) {
	r.Get("/users", h.list)
	r.Post("/users", h.create)
	r.Patch("/users/{id}", h.update)
	r.Post("/users/{id}/reset-password", h.resetPassword)
	r.Put("/users/{id}/namespaces/{namespace}", h.setMembership)
	r.Get("/users/{id}/memberships", h.memberships)
}

func (h *UsersHandler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	users, err := h.handler.service.ListUsers(r.Context(), shared.PrincipalFromContext(r.Context()), limit, offset)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]userResponse, 0, len(users))
	for i := range users {
		out = append(out, toUserResponse(&users[i]))
	}
	httpx.JSON(w, http.StatusOK, out)
}

type createUserRequest struct {
	Username     string  `json:"username" validate:"required,min=3,max=64"`
	Password     string  `json:"password" validate:"required,min=8,max=256"`
	Email        *string `json:"email" validate:"omitempty,email"`
	PlatformRole string  `json:"platform_role" validate:"omitempty,oneof=platform_admin user"`
}

func (h *UsersHandler) create(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: invalid JSON body", httpx.ErrInvalidArgument))
		return
	}
	if err := h.handler.validate.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrInvalidArgument, err.Error()))
		return
	}

	user, err := h.handler.service.CreateUser(r.Context(), shared.MetaFromRequest(r),
		shared.PrincipalFromContext(r.Context()),
		req.Username, req.Password, req.Email, shared.PlatformRole(req.PlatformRole))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toUserResponse(user))
}

type updateUserRequest struct {
	Active       *bool   `json:"active"`
	PlatformRole *string `json:"platform_role"`
}

func (h *UsersHandler) update(w http.ResponseWriter, r *http.Request) {
	var req updateUserRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: invalid JSON body", httpx.ErrInvalidArgument))
		return
	}
	var update UserUpdate
	if req.Active != nil {
		update.Active = shared.Some(*req.Active)
	}
	if req.PlatformRole != nil {
		update.PlatformRole = shared.Some(shared.PlatformRole(*req.PlatformRole))
	}

	user, err := h.handler.service.UpdateUser(r.Context(), shared.MetaFromRequest(r),
		shared.PrincipalFromContext(r.Context()), chi.URLParam(r, "id"), update)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toUserResponse(user))
}

type resetPasswordRequest struct {
	Password string `json:"password" validate:"required,min=8,max=256"`
}

func (h *UsersHandler) resetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: invalid JSON body", httpx.ErrInvalidArgument))
		return
	}
	if err := h.handler.validate.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrInvalidArgument, err.Error()))
		return
	}

	err := h.handler.service.ResetPassword(r.Context(), shared.MetaFromRequest(r),
		shared.PrincipalFromContext(r.Context()), chi.URLParam(r, "id"), req.Password)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type setMembershipRequest struct {
	Role string `json:"role" validate:"required,oneof=viewer editor namespace_admin"`
}

func (h *UsersHandler) setMembership(w http.ResponseWriter, r *http.Request) {
	var req setMembershipRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: invalid JSON body", httpx.ErrInvalidArgument))
		return
	}
	if err := h.handler.validate.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrInvalidArgument, err.Error()))
		return
	}

	membership, err := h.handler.service.SetMembership(r.Context(), shared.MetaFromRequest(r),
		shared.PrincipalFromContext(r.Context()),
		chi.URLParam(r, "id"), chi.URLParam(r, "namespace"), rbac.NamespaceRole(req.Role))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, membership)
}

func (h *UsersHandler) memberships(w http.ResponseWriter, r *http.Request) {
	memberships, err := h.handler.service.MembershipsFor(r.Context(),
		shared.PrincipalFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if memberships == nil {
		memberships = []Membership{}
	}
	httpx.JSON(w, http.StatusOK, memberships)
}
