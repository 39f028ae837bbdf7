// Package api implements the HTTP surface of the gateway: the OpenAI-
// compatible chat endpoints, smart routing, tenant management endpoints for
// providers, rate limits, cache and alerts, and the analytics read models.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/openrelay/openrelay/internal/cache"
	"github.com/openrelay/openrelay/internal/pipeline"
	"github.com/openrelay/openrelay/internal/provider"
	"github.com/openrelay/openrelay/internal/ratelimit"
	"github.com/openrelay/openrelay/internal/secrets"
	"github.com/openrelay/openrelay/internal/store"
	"github.com/openrelay/openrelay/pkg/models"
)

// Server holds all handler dependencies.
type Server struct {
	Store    store.Store
	Pipeline *pipeline.Pipeline
	Cache    *cache.Cache
	Limiter  *ratelimit.Limiter
	Factory  provider.Factory
	Box      *secrets.Box
	Version  string
}

// NewRouter creates the HTTP router with all API routes.
func NewRouter(s *Server) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(Logger)
	r.Use(Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		MaxAge:         300,
	}))

	// Public
	r.Get("/health", s.handleHealth)
	r.Get("/version", s.handleVersion)
	r.Post("/auth/register", s.handleRegister)

	// Authenticated
	r.Group(func(r chi.Router) {
		r.Use(Auth(s.Store))

		r.Route("/v1", func(r chi.Router) {
			r.Post("/chat/completions", s.handleChatCompletions)
			r.Route("/smart", func(r chi.Router) {
				r.Post("/completions", s.handleSmartCompletions)
				r.Post("/analyze", s.handleSmartAnalyze)
				r.Get("/info", s.handleSmartInfo)
			})
			r.Get("/models", s.handleListModels)
		})

		r.Route("/analytics", func(r chi.Router) {
			r.Get("/usage", s.handleAnalyticsUsage)
			r.Get("/breakdown", s.handleAnalyticsBreakdown)
			r.Get("/recommendations", s.handleAnalyticsRecommendations)
		})

		r.Route("/providers", func(r chi.Router) {
			r.Get("/", s.handleListProviders)
			r.Post("/", s.handleCreateProvider)
			r.Route("/{providerID}", func(r chi.Router) {
				r.Get("/", s.handleGetProvider)
				r.Put("/", s.handleUpdateProvider)
				r.Delete("/", s.handleDeleteProvider)
				r.Post("/test", s.handleTestProvider)
			})
		})

		r.Route("/rate-limits", func(r chi.Router) {
			r.Get("/config", s.handleGetRateLimitConfig)
			r.Put("/config", s.handleUpdateRateLimitConfig)
			r.Delete("/config", s.handleDeleteRateLimitConfig)
			r.Get("/usage", s.handleRateLimitUsage)
			r.Post("/reset", s.handleRateLimitReset)
		})

		r.Route("/cache", func(r chi.Router) {
			r.Get("/stats", s.handleCacheStats)
			r.Post("/clear", s.handleCacheClear)
		})

		r.Route("/alerts", func(r chi.Router) {
			r.Route("/channels", func(r chi.Router) {
				r.Get("/", s.handleListAlertChannels)
				r.Post("/", s.handleCreateAlertChannel)
				r.Route("/{channelID}", func(r chi.Router) {
					r.Get("/", s.handleGetAlertChannel)
					r.Put("/", s.handleUpdateAlertChannel)
					r.Delete("/", s.handleDeleteAlertChannel)
				})
			})
			r.Route("/configs", func(r chi.Router) {
				r.Get("/", s.handleGetAlertConfig)
				r.Put("/", s.handleUpdateAlertConfig)
			})
		})
	})

	return r
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes an OpenAI-style error envelope.
func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, models.ErrorEnvelope{Error: models.APIError{
		Message: message,
		Type:    errType,
	}})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	checks := map[string]string{"store": "ok"}
	if err := s.Store.Ping(r.Context()); err != nil {
		checks["store"] = err.Error()
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"status": status, "checks": checks})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"name":    "openrelay",
		"version": s.Version,
	})
}
