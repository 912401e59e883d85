package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"immunisation-batch-exchange/internal/config"
)

// NewRouter mounts the health and metrics endpoints unauthenticated and the
// file routes behind AuthMiddleware.
func NewRouter(h *Handler, env string, jwtCfg config.JWTConfig, metricsHandler http.Handler) http.Handler {
	router := chi.NewRouter()

	router.Get("/healthz", h.Healthz)
	router.Handle("/metrics", metricsHandler)
	router.Route("/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(env, jwtCfg))
		r.Post("/files", h.SubmitFile)
		r.Get("/files/{fileID}", h.FileStatus)
	})
	return router
}
