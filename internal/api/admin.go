package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/openrelay/openrelay/internal/notify"
	"github.com/openrelay/openrelay/internal/ratelimit"
	"github.com/openrelay/openrelay/internal/store"
	"github.com/openrelay/openrelay/pkg/models"
)

// writeStoreError maps store errors to HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	var nf *store.ErrNotFound
	if errors.As(err, &nf) {
		writeError(w, http.StatusNotFound, "invalid_request_error", nf.Error())
		return
	}
	var conflict *store.ErrConflict
	if errors.As(err, &conflict) {
		writeError(w, http.StatusConflict, "invalid_request_error", conflict.Error())
		return
	}
	log.Error().Err(err).Msg("store operation failed")
	writeError(w, http.StatusInternalServerError, "api_error", "internal error")
}

// ── Registration ────────────────────────────────────────────

// newAPIKey mints a tenant API key. Shown exactly once.
func newAPIKey() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return "orl_" + hex.EncodeToString(raw), nil
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "name is required")
		return
	}

	key, err := newAPIKey()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "api_error", "internal error")
		return
	}
	tenant := &models.Tenant{
		ID:           uuid.NewString(),
		Name:         body.Name,
		APIKeyDigest: KeyDigest(key),
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.Store.CreateTenant(r.Context(), tenant); err != nil {
		writeStoreError(w, err)
		return
	}

	log.Info().Str("tenant", tenant.ID).Str("name", tenant.Name).Msg("tenant registered")
	writeJSON(w, http.StatusCreated, map[string]string{
		"tenant_id": tenant.ID,
		"name":      tenant.Name,
		"api_key":   key,
	})
}

// ── Provider configs ────────────────────────────────────────

type providerRequest struct {
	Provider models.ProviderKind `json:"provider"`
	APIKey   string              `json:"api_key"`
	Priority *int                `json:"priority"`
	Enabled  *bool               `json:"enabled"`
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFrom(r.Context())
	configs, err := s.Store.ListProviderConfigs(r.Context(), tenant.ID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if configs == nil {
		configs = []models.ProviderConfig{}
	}
	writeJSON(w, http.StatusOK, configs)
}

func (s *Server) handleCreateProvider(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFrom(r.Context())
	var body providerRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body")
		return
	}
	if !models.ValidProviderKind(body.Provider) {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "unknown provider kind")
		return
	}
	if body.APIKey == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "api_key is required")
		return
	}

	sealed, err := s.Box.Seal(body.APIKey)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "api_error", "internal error")
		return
	}
	now := time.Now().UTC()
	cfg := &models.ProviderConfig{
		ID:              uuid.NewString(),
		TenantID:        tenant.ID,
		Provider:        body.Provider,
		APIKeyEncrypted: sealed,
		Priority:        100,
		Enabled:         true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if body.Priority != nil {
		cfg.Priority = *body.Priority
	}
	if body.Enabled != nil {
		cfg.Enabled = *body.Enabled
	}
	if err := s.Store.CreateProviderConfig(r.Context(), cfg); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cfg)
}

func (s *Server) handleGetProvider(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFrom(r.Context())
	cfg, err := s.Store.GetProviderConfig(r.Context(), tenant.ID, chi.URLParam(r, "providerID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleUpdateProvider(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFrom(r.Context())
	cfg, err := s.Store.GetProviderConfig(r.Context(), tenant.ID, chi.URLParam(r, "providerID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}

	var body providerRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body")
		return
	}
	if body.APIKey != "" {
		sealed, err := s.Box.Seal(body.APIKey)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "api_error", "internal error")
			return
		}
		cfg.APIKeyEncrypted = sealed
	}
	if body.Priority != nil {
		cfg.Priority = *body.Priority
	}
	if body.Enabled != nil {
		cfg.Enabled = *body.Enabled
	}
	cfg.UpdatedAt = time.Now().UTC()

	if err := s.Store.UpdateProviderConfig(r.Context(), cfg); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleDeleteProvider(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFrom(r.Context())
	if err := s.Store.DeleteProviderConfig(r.Context(), tenant.ID, chi.URLParam(r, "providerID")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTestProvider performs the cheapest authenticated call against the
// stored credential and reports the outcome.
func (s *Server) handleTestProvider(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFrom(r.Context())
	cfg, err := s.Store.GetProviderConfig(r.Context(), tenant.ID, chi.URLParam(r, "providerID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}

	key, err := s.Box.Open(cfg.APIKeyEncrypted)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "api_error", "stored credential cannot be decrypted; re-enter the key")
		return
	}
	client, err := s.Factory.New(cfg.Provider, key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "api_error", "internal error")
		return
	}

	ctx, cancel := contextWithTimeout(r, 15*time.Second)
	defer cancel()
	if err := client.TestCredentials(ctx); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// ── Rate limits ─────────────────────────────────────────────

func (s *Server) handleGetRateLimitConfig(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFrom(r.Context())
	cfg, err := s.Store.GetRateLimitConfig(r.Context(), tenant.ID)
	if err != nil {
		var nf *store.ErrNotFound
		if errors.As(err, &nf) {
			writeJSON(w, http.StatusOK, ratelimit.DefaultConfig(tenant.ID))
			return
		}
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleUpdateRateLimitConfig(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFrom(r.Context())
	var cfg models.RateLimitConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body")
		return
	}
	cfg.TenantID = tenant.ID
	cfg.UpdatedAt = time.Now().UTC()
	if err := ratelimit.Validate(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	if err := s.Store.UpsertRateLimitConfig(r.Context(), &cfg); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleDeleteRateLimitConfig(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFrom(r.Context())
	if err := s.Store.DeleteRateLimitConfig(r.Context(), tenant.ID); err != nil {
		var nf *store.ErrNotFound
		if !errors.As(err, &nf) {
			writeStoreError(w, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRateLimitUsage(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFrom(r.Context())
	usage, err := s.Limiter.Usage(r.Context(), tenant.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "api_error", "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"windows": usage})
}

func (s *Server) handleRateLimitReset(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFrom(r.Context())
	if err := s.Limiter.Reset(r.Context(), tenant.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "api_error", "counter reset failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// ── Cache ───────────────────────────────────────────────────

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFrom(r.Context())
	stats, err := s.Cache.Stats(r.Context(), tenant.ID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFrom(r.Context())
	var body struct {
		Scope models.CacheScope `json:"scope"`
	}
	// Empty body means clear everything.
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Scope == "" {
		body.Scope = models.ScopeAll
	}
	switch body.Scope {
	case models.ScopeHot, models.ScopeCold, models.ScopeAll:
	default:
		writeError(w, http.StatusBadRequest, "invalid_request_error", "scope must be hot, cold, or all")
		return
	}

	hot, cold, err := s.Cache.Clear(r.Context(), tenant.ID, body.Scope)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"scope":        body.Scope,
		"hot_removed":  hot,
		"cold_removed": cold,
	})
}

// ── Alert channels & configs ────────────────────────────────

func (s *Server) handleListAlertChannels(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFrom(r.Context())
	channels, err := s.Store.ListAlertChannels(r.Context(), tenant.ID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if channels == nil {
		channels = []models.AlertChannel{}
	}
	writeJSON(w, http.StatusOK, channels)
}

func (s *Server) handleCreateAlertChannel(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFrom(r.Context())
	var ch models.AlertChannel
	if err := json.NewDecoder(r.Body).Decode(&ch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body")
		return
	}
	ch.ID = uuid.NewString()
	ch.TenantID = tenant.ID
	if err := notify.ValidateChannel(&ch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	if err := s.Store.CreateAlertChannel(r.Context(), &ch); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ch)
}

func (s *Server) handleGetAlertChannel(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFrom(r.Context())
	ch, err := s.Store.GetAlertChannel(r.Context(), tenant.ID, chi.URLParam(r, "channelID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

func (s *Server) handleUpdateAlertChannel(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFrom(r.Context())
	existing, err := s.Store.GetAlertChannel(r.Context(), tenant.ID, chi.URLParam(r, "channelID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}

	var ch models.AlertChannel
	if err := json.NewDecoder(r.Body).Decode(&ch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body")
		return
	}
	ch.ID = existing.ID
	ch.TenantID = tenant.ID
	if ch.Kind == "" {
		ch.Kind = existing.Kind
	}
	if ch.Config == nil {
		ch.Config = existing.Config
	}
	if err := notify.ValidateChannel(&ch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	if err := s.Store.UpdateAlertChannel(r.Context(), &ch); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

func (s *Server) handleDeleteAlertChannel(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFrom(r.Context())
	if err := s.Store.DeleteAlertChannel(r.Context(), tenant.ID, chi.URLParam(r, "channelID")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetAlertConfig(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFrom(r.Context())
	cfg, err := s.Store.GetAlertConfig(r.Context(), tenant.ID)
	if err != nil {
		var nf *store.ErrNotFound
		if errors.As(err, &nf) {
			writeJSON(w, http.StatusOK, models.AlertConfig{TenantID: tenant.ID})
			return
		}
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleUpdateAlertConfig(w http.ResponseWriter, r *http.Request) {
	tenant := TenantFrom(r.Context())
	var cfg models.AlertConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body")
		return
	}
	if cfg.DailyCostLimit < 0 || cfg.MonthlyCostLimit < 0 {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "cost limits must be non-negative")
		return
	}
	if cfg.RateLimitFraction < 0 || cfg.RateLimitFraction > 1 || cfg.CacheHitFloor < 0 || cfg.CacheHitFloor > 1 {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "fractions must be within [0,1]")
		return
	}

	cfg.TenantID = tenant.ID
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	// Firing state is evaluator-owned.
	cfg.LastFired = nil
	if existing, err := s.Store.GetAlertConfig(r.Context(), tenant.ID); err == nil {
		cfg.ID = existing.ID
		cfg.LastFired = existing.LastFired
	}

	if err := s.Store.UpsertAlertConfig(r.Context(), &cfg); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// contextWithTimeout bounds an admin-triggered outbound call.
func contextWithTimeout(r *http.Request, d time.Duration) (ctx context.Context, cancel func()) {
	return context.WithTimeout(r.Context(), d)
}
