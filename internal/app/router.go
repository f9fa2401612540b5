package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/datakiln/datakiln/internal/audit"
	"github.com/datakiln/datakiln/internal/dataset"
	"github.com/datakiln/datakiln/internal/identity"
	"github.com/datakiln/datakiln/internal/observability"
	"github.com/datakiln/datakiln/internal/pipeline"
	"github.com/datakiln/datakiln/internal/run"
	"github.com/datakiln/datakiln/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger          *slog.Logger
	Config          *Config
	AuthHandler     *identity.Handler
	UsersHandler    *identity.UsersHandler
	AuditHandler    *audit.Handler
	RunHandler      *run.Handler
	PipelineHandler *pipeline.Handler
	DatasetHandler  *dataset.Handler
	JobHandler      *jobs.Handler
	Metrics         *observability.Metrics
}

// NewRouter constructs the chi.Router for the control-plane API.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)
	r.Use(params.AuthHandler.Authenticator)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	// Credential endpoints carry a stricter per-IP rate limit.
	r.Group(func(r chi.Router) {
		r.Use(AuthRateLimiter(params.Config))
		params.AuthHandler.MountCredentialRoutes(r)
	})
	params.AuthHandler.MountSessionRoutes(r)

	params.UsersHandler.MountRoutes(r)
	params.AuditHandler.MountRoutes(r)
	params.RunHandler.MountRoutes(r)
	params.PipelineHandler.MountRoutes(r)
	params.DatasetHandler.MountRoutes(r)
	if params.JobHandler != nil {
		params.JobHandler.MountRoutes(r)
	}

	return r
}
