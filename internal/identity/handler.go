package identity

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/datakiln/datakiln/internal/platform/httpx"
	"github.com/datakiln/datakiln/internal/shared"
)

// SessionCookie is the fallback token transport for browser clients. The
// Authorization header always wins when both are present.
const SessionCookie = "datakiln_session"

// Handler exposes the auth endpoints.
type Handler struct {
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs a Handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service, validate: validator.New()}
}

// MountRoutes registers the auth routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	h.MountCredentialRoutes(r)
	h.MountSessionRoutes(r)
}

// MountCredentialRoutes registers the endpoints that accept passwords. They
// are mounted separately so the router can apply a stricter rate limit.
func (h *Handler) MountCredentialRoutes(r chi.Router) {
	r.Post("/auth/register", h.register)
	r.Post("/auth/login", h.login)
}

// MountSessionRoutes registers the token-backed auth endpoints.
func (h *Handler) MountSessionRoutes(r chi.Router) {
	r.Post("/auth/logout", h.logout)
	r.Get("/auth/me", h.me)
}

// TokenFromRequest extracts the raw bearer token, preferring the
// Authorization header over the session cookie.
func TokenFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if cookie, err := r.Cookie(SessionCookie); err == nil {
		return cookie.Value
	}
	return ""
}

// Authenticator resolves the bearer token, if any, and stores the caller
// identity in the request context. Requests without a token pass through
// unauthenticated; each handler decides whether that is acceptable.
func (h *Handler) Authenticator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := TokenFromRequest(r)
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		principal, err := h.service.ResolveToken(r.Context(), token)
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(shared.ContextWithPrincipal(r.Context(), principal)))
	})
}

type userResponse struct {
	ID           string     `json:"id"`
	Username     string     `json:"username"`
	Email        *string    `json:"email,omitempty"`
	Active       bool       `json:"active"`
	PlatformRole string     `json:"platform_role"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
}

func toUserResponse(u *User) userResponse {
	return userResponse{
		ID:           u.ID,
		Username:     u.Username,
		Email:        u.Email,
		Active:       u.Active,
		PlatformRole: string(u.PlatformRole),
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
		LastLoginAt:  u.LastLoginAt,
	}
}

type sessionResponse struct {
	Token       string       `json:"token"`
	ExpiresAt   time.Time    `json:"expires_at"`
	User        userResponse `json:"user"`
	Memberships []Membership `json:"memberships,omitempty"`
}

func setSessionCookie(w http.ResponseWriter, token *SessionToken) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    token.Raw,
		Path:     "/",
		Expires:  token.ExpiresAt,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

type registerRequest struct {
	Username string  `json:"username" validate:"required,min=3,max=64"`
	Password string  `json:"password" validate:"required,min=8,max=256"`
	Email    *string `json:"email" validate:"omitempty,email"`
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: invalid JSON body", httpx.ErrInvalidArgument))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrInvalidArgument, err.Error()))
		return
	}

	user, memberships, token, err := h.service.Register(r.Context(), shared.MetaFromRequest(r), req.Username, req.Password, req.Email)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	setSessionCookie(w, token)
	httpx.JSON(w, http.StatusCreated, sessionResponse{
		Token:       token.Raw,
		ExpiresAt:   token.ExpiresAt,
		User:        toUserResponse(user),
		Memberships: memberships,
	})
}

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: invalid JSON body", httpx.ErrInvalidArgument))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrInvalidArgument, err.Error()))
		return
	}

	user, token, err := h.service.Login(r.Context(), shared.MetaFromRequest(r), req.Username, req.Password)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	setSessionCookie(w, token)
	httpx.JSON(w, http.StatusOK, sessionResponse{
		Token:     token.Raw,
		ExpiresAt: token.ExpiresAt,
		User:      toUserResponse(user),
	})
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	token := TokenFromRequest(r)
	if token == "" {
		httpx.RespondError(w, httpx.ErrUnauthenticated)
		return
	}
	principal := shared.PrincipalFromContext(r.Context())
	if err := h.service.Logout(r.Context(), shared.MetaFromRequest(r), principal, token); err != nil {
		httpx.RespondError(w, err)
		return
	}
	clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

type meResponse struct {
	User        userResponse `json:"user"`
	Memberships []Membership `json:"memberships"`
}

func (h *Handler) me(w http.ResponseWriter, r *http.Request) {
	user, memberships, err := h.service.Me(r.Context(), shared.PrincipalFromContext(r.Context()))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if memberships == nil {
		memberships = []Membership{}
	}
	httpx.JSON(w, http.StatusOK, meResponse{User: toUserResponse(user), Memberships: memberships})
}
