package controllers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

type Routable interface {
	RegisterRoutes(r chi.Router)
}

// NewRouter mounts /healthz publicly and every controller behind API key auth.
func NewRouter(auth *AuthController, status *StatusController, controllers ...Routable) http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger)

	r.Get("/healthz", status.HandleHealth)
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth)
		status.RegisterRoutes(r)
		for _, c := range controllers {
			c.RegisterRoutes(r)
		}
	})
	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.DebugContext(r.Context(), "HTTP request", "method", r.Method, "path", r.URL.Path,
			"status", rec.status, "duration_ms", time.Since(start).Milliseconds())
	})
}
