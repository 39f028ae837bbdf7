package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openrelay/openrelay/internal/pipeline"
	"github.com/openrelay/openrelay/internal/provider"
	"github.com/openrelay/openrelay/internal/smart"
	"github.com/openrelay/openrelay/pkg/models"
)

// decodeChatRequest parses and validates the inbound body. requireModel is
// false for smart endpoints, which choose the model themselves.
func decodeChatRequest(r *http.Request, requireModel bool) (*models.ChatRequest, string) {
	var req models.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, "invalid JSON body: " + err.Error()
	}
	if requireModel && req.Model == "" {
		return nil, "model is required"
	}
	if len(req.Messages) == 0 {
		return nil, "messages must not be empty"
	}
	for i, m := range req.Messages {
		switch m.Role {
		case "system", "user", "assistant", "tool":
		default:
			return nil, "messages[" + strconv.Itoa(i) + "]: invalid role " + strconv.Quote(m.Role)
		}
	}
	if req.Stream {
		return nil, "streaming is not supported"
	}
	if req.OptimizeFor != "" {
		switch models.OptimizeFor(req.OptimizeFor) {
		case models.OptimizeCost, models.OptimizeLatency, models.OptimizeQuality:
		default:
			return nil, "optimize_for must be one of cost, latency, quality"
		}
	}
	return &req, ""
}

// rateHeaders emits the standard X-RateLimit-* trio from the minute window.
func rateHeaders(w http.ResponseWriter, usage []models.WindowUsage) {
	for _, u := range usage {
		if u.Window != models.WindowMinute {
			continue
		}
		w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(u.Limit, 10))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(u.Remaining, 10))
		reset := 60 - time.Now().UTC().Second()
		w.Header().Set("X-RateLimit-Reset", strconv.Itoa(reset))
		return
	}
}

// writePipelineError maps pipeline failures onto HTTP statuses and the
// OpenAI error envelope.
func writePipelineError(w http.ResponseWriter, err error) {
	var rle *pipeline.RateLimitError
	if errors.As(err, &rle) {
		rateHeaders(w, rle.Decision.Usage)
		w.Header().Set("Retry-After", strconv.FormatInt(rle.Decision.RetryAfter, 10))
		writeError(w, http.StatusTooManyRequests, "rate_limit_error",
			"rate limit exceeded for "+string(rle.Decision.Window)+" window")
		return
	}

	var ue *pipeline.UpstreamError
	if errors.As(err, &ue) {
		switch ue.Last.Class {
		case provider.ClassBadRequest:
			writeError(w, http.StatusBadRequest, "invalid_request_error", ue.Last.Message)
		default:
			writeError(w, http.StatusBadGateway, "api_error",
				"upstream providers failed ("+string(ue.Last.Class)+"): "+ue.Last.Message)
		}
		return
	}

	if errors.Is(err, pipeline.ErrNoProviders) || errors.Is(err, smart.ErrNoCandidates) {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// Client is gone; status is moot but pick 499-equivalent.
		writeError(w, http.StatusServiceUnavailable, "api_error", "request cancelled")
		return
	}

	log.Error().Err(err).Msg("pipeline failure")
	writeError(w, http.StatusInternalServerError, "api_error", "internal error")
}

func (s *Server) serveChat(w http.ResponseWriter, r *http.Request, smartRoute bool) {
	tenant := TenantFrom(r.Context())
	req, msg := decodeChatRequest(r, !smartRoute)
	if msg != "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", msg)
		return
	}

	res, err := s.Pipeline.ChatComplete(r.Context(), tenant, req, smartRoute)
	if err != nil {
		writePipelineError(w, err)
		return
	}

	rateHeaders(w, res.RateUsage)
	if res.CacheSource != models.CacheNone {
		w.Header().Set("X-Cache-Source", string(res.CacheSource))
	}
	writeJSON(w, http.StatusOK, res.Completion.Response)
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	s.serveChat(w, r, false)
}

func (s *Server) handleSmartCompletions(w http.ResponseWriter, r *http.Request) {
	s.serveChat(w, r, true)
}

func (s *Server) handleSmartAnalyze(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFrom(r.Context())
	req, msg := decodeChatRequest(r, false)
	if msg != "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", msg)
		return
	}

	decision, err := s.Pipeline.Analyze(r.Context(), tenant.ID, req)
	if err != nil {
		writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

// handleSmartInfo describes the router's candidate table and objectives.
func (s *Server) handleSmartInfo(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFrom(r.Context())
	kinds, err := s.Pipeline.EnabledKinds(r.Context(), tenant.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "api_error", "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"optimize_for": []models.OptimizeFor{models.OptimizeCost, models.OptimizeLatency, models.OptimizeQuality},
		"complexities": []models.Complexity{models.ComplexitySimple, models.ComplexityMedium, models.ComplexityComplex},
		"candidates":   provider.CatalogFor(kinds),
	})
}

// handleListModels returns the models reachable through the tenant's
// enabled providers, OpenAI list-shaped.
func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFrom(r.Context())
	kinds, err := s.Pipeline.EnabledKinds(r.Context(), tenant.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "api_error", "internal error")
		return
	}

	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	data := []modelEntry{}
	for _, card := range provider.CatalogFor(kinds) {
		data = append(data, modelEntry{ID: card.ID, Object: "model", OwnedBy: string(card.Provider)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}
