// Package models defines the core data types shared across the OpenRelay
// gateway: the canonical chat request/response envelope, tenant and provider
// configuration entities, usage records, rate-limit state, and alerting types.
//
// The wire format for chat endpoints is OpenAI Chat Completions compatible.
// Everything that crosses a package boundary lives here so that the pipeline,
// cache, router, and store all agree on one representation.
package models

import (
	"time"
)

// ── Chat envelope (OpenAI-compatible) ───────────────────────

// ChatMessage is a single message in a chat conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// ChatRequest is the canonical inbound chat completion request.
// Optional sampling fields are pointers so that "unset" and "zero" are
// distinguishable; the fingerprint canonicalization depends on this.
type ChatRequest struct {
	Model            string        `json:"model"`
	Messages         []ChatMessage `json:"messages"`
	Temperature      *float64      `json:"temperature,omitempty"`
	TopP             *float64      `json:"top_p,omitempty"`
	MaxTokens        *int          `json:"max_tokens,omitempty"`
	FrequencyPenalty *float64      `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64      `json:"presence_penalty,omitempty"`
	Stream           bool          `json:"stream,omitempty"`
	User             string        `json:"user,omitempty"`

	// Smart routing extensions, accepted on /v1/smart/completions.
	OptimizeFor  string `json:"optimize_for,omitempty"`
	MaxLatencyMs int64  `json:"max_latency_ms,omitempty"`
}

// ChatChoice is one completion choice in the response.
type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// TokenUsage reports token counts for one completion.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Extension is the implementation-specific object attached to every chat
// response under the "openrelay" key.
type Extension struct {
	Cached      bool    `json:"cached"`
	CacheSource string  `json:"cache_source,omitempty"`
	Cost        float64 `json:"cost"`
	Provider    string  `json:"provider"`
	Fingerprint string  `json:"fingerprint"`
}

// ChatResponse is the canonical outbound response envelope, OpenAI-shaped.
type ChatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   TokenUsage   `json:"usage"`

	Extension *Extension `json:"openrelay,omitempty"`
}

// Completion bundles a provider response with its metering facts. This is
// what the cache stores and what the pipeline hands back to the transport.
type Completion struct {
	Response ChatResponse `json:"response"`
	Provider ProviderKind `json:"provider"`
	Model    string       `json:"model"`
	Cost     float64      `json:"cost"`
}

// ── Error envelope ──────────────────────────────────────────

// APIError mirrors OpenAI's error object: {"error": {...}}.
type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// ErrorEnvelope is the top-level error response body.
type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

// ── Tenants ─────────────────────────────────────────────────

// Tenant is an organization that owns API keys, provider configs, cache
// entries, and usage records. The API key itself is shown exactly once at
// registration; only its SHA-256 digest is stored.
type Tenant struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	APIKeyDigest string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// ── Providers ───────────────────────────────────────────────

// ProviderKind identifies an upstream LLM provider.
type ProviderKind string

const (
	ProviderOpenAI    ProviderKind = "openai"
	ProviderAnthropic ProviderKind = "anthropic"
	ProviderMistral   ProviderKind = "mistral"
	ProviderGroq      ProviderKind = "groq"
	ProviderGoogle    ProviderKind = "google"

	// ProviderCache is recorded on usage rows served from the cache.
	ProviderCache ProviderKind = "cache"
)

// KnownProviders lists every supported upstream kind.
var KnownProviders = []ProviderKind{
	ProviderOpenAI, ProviderAnthropic, ProviderMistral, ProviderGroq, ProviderGoogle,
}

// ValidProviderKind reports whether k names a supported upstream.
func ValidProviderKind(k ProviderKind) bool {
	for _, p := range KnownProviders {
		if p == k {
			return true
		}
	}
	return false
}

// ProviderConfig is a tenant's stored credential and routing priority for
// one upstream kind. (tenant_id, provider) is unique; lower priority wins.
type ProviderConfig struct {
	ID              string       `json:"id"`
	TenantID        string       `json:"tenant_id"`
	Provider        ProviderKind `json:"provider"`
	APIKeyEncrypted string       `json:"-"`
	Priority        int          `json:"priority"`
	Enabled         bool         `json:"enabled"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// ── Usage records ───────────────────────────────────────────

// CacheSource describes where a response came from.
type CacheSource string

const (
	CacheNone CacheSource = "none"
	CacheHot  CacheSource = "hot"
	CacheCold CacheSource = "cold"
)

// RoutingAlternative is a model considered but not chosen by the smart router.
type RoutingAlternative struct {
	Model    string       `json:"model"`
	Provider ProviderKind `json:"provider"`
	Reason   string       `json:"reason"`
}

// RoutingDecision records how the smart router picked a model, attached to
// the usage record for auditability.
type RoutingDecision struct {
	ChosenModel    string               `json:"chosen_model"`
	ChosenProvider ProviderKind         `json:"chosen_provider"`
	Complexity     Complexity           `json:"complexity"`
	OptimizeFor    OptimizeFor          `json:"optimize_for"`
	Rationale      string               `json:"rationale"`
	Alternatives   []RoutingAlternative `json:"alternatives,omitempty"`
}

// UsageRecord is one immutable, append-only metering row.
type UsageRecord struct {
	ID               string           `json:"id"`
	TenantID         string           `json:"tenant_id"`
	Timestamp        time.Time        `json:"timestamp"`
	Model            string           `json:"model"`
	Provider         ProviderKind     `json:"provider"`
	PromptTokens     int              `json:"prompt_tokens"`
	CompletionTokens int              `json:"completion_tokens"`
	Cost             float64          `json:"cost"`
	LatencyMs        int64            `json:"latency_ms"`
	CacheSource      CacheSource      `json:"cache_source"`
	Fingerprint      string           `json:"fingerprint"`
	Routing          *RoutingDecision `json:"routing,omitempty"`
	ErrorTag         string           `json:"error_tag,omitempty"`
}

// ── Rate limiting ───────────────────────────────────────────

// RateWindow is a calendar-bucketed limit window.
type RateWindow string

const (
	WindowMinute RateWindow = "minute"
	WindowHour   RateWindow = "hour"
	WindowDay    RateWindow = "day"
)

// RateWindows lists the checked windows in check order.
var RateWindows = []RateWindow{WindowMinute, WindowHour, WindowDay}

// Default per-tenant limits applied when no RateLimitConfig row exists.
const (
	DefaultPerMinute = 100
	DefaultPerHour   = 3000
	DefaultPerDay    = 50000
)

// RateLimitConfig is a tenant's stored limit overrides.
type RateLimitConfig struct {
	TenantID  string    `json:"tenant_id"`
	PerMinute int64     `json:"per_minute"`
	PerHour   int64     `json:"per_hour"`
	PerDay    int64     `json:"per_day"`
	Enabled   bool      `json:"enabled"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Limit returns the configured limit for a window.
func (c RateLimitConfig) Limit(w RateWindow) int64 {
	switch w {
	case WindowMinute:
		return c.PerMinute
	case WindowHour:
		return c.PerHour
	default:
		return c.PerDay
	}
}

// WindowUsage is the {used, limit, remaining} triple for one window.
type WindowUsage struct {
	Window    RateWindow `json:"window"`
	Used      int64      `json:"used"`
	Limit     int64      `json:"limit"`
	Remaining int64      `json:"remaining"`
}

// ── Smart routing ───────────────────────────────────────────

// Complexity classifies a prompt.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
)

// OptimizeFor is the smart router's objective.
type OptimizeFor string

const (
	OptimizeCost    OptimizeFor = "cost"
	OptimizeLatency OptimizeFor = "latency"
	OptimizeQuality OptimizeFor = "quality"
)

// ModelCard carries the static routing characteristics of one candidate
// model. The table is read-only after process start.
type ModelCard struct {
	ID               string       `json:"id"`
	Provider         ProviderKind `json:"provider"`
	InputPer1K       float64      `json:"input_per_1k"`
	OutputPer1K      float64      `json:"output_per_1k"`
	TypicalLatencyMs int64        `json:"typical_latency_ms"`
	Quality          float64      `json:"quality"`
	Complexities     []Complexity `json:"complexities"`
}

// Suits reports whether the model is suited to the given complexity class.
func (m ModelCard) Suits(c Complexity) bool {
	for _, mc := range m.Complexities {
		if mc == c {
			return true
		}
	}
	return false
}

// ── Cache ───────────────────────────────────────────────────

// ColdCacheEntry is the durable cache row keyed by (tenant, fingerprint).
type ColdCacheEntry struct {
	TenantID    string     `json:"tenant_id"`
	Fingerprint string     `json:"fingerprint"`
	Completion  Completion `json:"completion"`
	HitCount    int64      `json:"hit_count"`
	SavedCost   float64    `json:"saved_cost"`
	CreatedAt   time.Time  `json:"created_at"`
	LastHitAt   time.Time  `json:"last_hit_at"`
}

// CacheStats summarizes a tenant's cache effectiveness.
type CacheStats struct {
	Entries          int64   `json:"entries"`
	Hits             int64   `json:"hits"`
	HitRate          float64 `json:"hit_rate"`
	EstimatedSavings float64 `json:"estimated_savings"`
}

// CacheScope selects what a clear operation removes.
type CacheScope string

const (
	ScopeHot  CacheScope = "hot"
	ScopeCold CacheScope = "cold"
	ScopeAll  CacheScope = "all"
)

// ── Alerting ────────────────────────────────────────────────

// ChannelKind identifies a notification delivery mechanism.
type ChannelKind string

const (
	ChannelSlack   ChannelKind = "slack"
	ChannelEmail   ChannelKind = "email"
	ChannelWebhook ChannelKind = "webhook"
)

// AlertChannel is one configured delivery target for a tenant.
type AlertChannel struct {
	ID       string            `json:"id"`
	TenantID string            `json:"tenant_id"`
	Kind     ChannelKind       `json:"kind"`
	Config   map[string]string `json:"config"`
	Enabled  bool              `json:"enabled"`
}

// ThresholdKind identifies one alert threshold.
type ThresholdKind string

const (
	ThresholdDailyCost     ThresholdKind = "daily_cost"
	ThresholdMonthlyCost   ThresholdKind = "monthly_cost"
	ThresholdRateFraction  ThresholdKind = "rate_limit_fraction"
	ThresholdCacheHitFloor ThresholdKind = "cache_hit_floor"
	ThresholdDailySummary  ThresholdKind = "daily_summary"
)

// AlertConfig holds a tenant's thresholds and per-threshold firing state.
// A zero threshold means "not configured". LastFired is keyed by
// ThresholdKind; each threshold fires at most once per its window.
type AlertConfig struct {
	ID                string                      `json:"id"`
	TenantID          string                      `json:"tenant_id"`
	DailyCostLimit    float64                     `json:"daily_cost_limit"`
	MonthlyCostLimit  float64                     `json:"monthly_cost_limit"`
	RateLimitFraction float64                     `json:"rate_limit_fraction"`
	CacheHitFloor     float64                     `json:"cache_hit_floor"`
	Enabled           bool                        `json:"enabled"`
	LastFired         map[ThresholdKind]time.Time `json:"last_fired,omitempty"`
}

// Notification is the payload handed to channel dispatchers.
type Notification struct {
	TenantID    string        `json:"tenant_id"`
	TenantName  string        `json:"tenant_name"`
	Threshold   ThresholdKind `json:"threshold"`
	Value       float64       `json:"value"`
	Limit       float64       `json:"limit"`
	WindowStart time.Time     `json:"window_start"`
	WindowEnd   time.Time     `json:"window_end"`
	Severity    string        `json:"severity"`
	Message     string        `json:"message"`
}

// ── Analytics read models ───────────────────────────────────

// UsageAggregate is one bucket of the windowed usage rollup.
type UsageAggregate struct {
	Bucket           string       `json:"bucket"`
	Model            string       `json:"model,omitempty"`
	Provider         ProviderKind `json:"provider,omitempty"`
	Requests         int64        `json:"requests"`
	PromptTokens     int64        `json:"prompt_tokens"`
	CompletionTokens int64        `json:"completion_tokens"`
	Cost             float64      `json:"cost"`
	AvgLatencyMs     float64      `json:"avg_latency_ms"`
	CacheHits        int64        `json:"cache_hits"`
}

// DuplicateFingerprint is one row of the top-K duplicate query, used to
// recommend caching to tenants that repeat identical prompts.
type DuplicateFingerprint struct {
	Fingerprint string  `json:"fingerprint"`
	Model       string  `json:"model"`
	Count       int64   `json:"count"`
	WastedCost  float64 `json:"wasted_cost"`
}
