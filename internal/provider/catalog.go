package provider

import (
	"strings"

	"github.com/openrelay/openrelay/pkg/models"
)

// catalog is the static routing table of candidate models. Quality is a
// relative 0..1 judgment; latency is a typical p50 for a short completion.
// The smart router filters and scores over this table.
var catalog = []models.ModelCard{
	{
		ID: "gpt-4o", Provider: models.ProviderOpenAI,
		InputPer1K: 0.0025, OutputPer1K: 0.01,
		TypicalLatencyMs: 1200, Quality: 0.92,
		Complexities: []models.Complexity{models.ComplexityMedium, models.ComplexityComplex},
	},
	{
		ID: "gpt-4o-mini", Provider: models.ProviderOpenAI,
		InputPer1K: 0.00015, OutputPer1K: 0.0006,
		TypicalLatencyMs: 700, Quality: 0.78,
		Complexities: []models.Complexity{models.ComplexitySimple, models.ComplexityMedium},
	},
	{
		ID: "gpt-3.5-turbo", Provider: models.ProviderOpenAI,
		InputPer1K: 0.0005, OutputPer1K: 0.0015,
		TypicalLatencyMs: 600, Quality: 0.7,
		Complexities: []models.Complexity{models.ComplexitySimple, models.ComplexityMedium},
	},
	{
		ID: "claude-3-5-sonnet-20241022", Provider: models.ProviderAnthropic,
		InputPer1K: 0.003, OutputPer1K: 0.015,
		TypicalLatencyMs: 1400, Quality: 0.93,
		Complexities: []models.Complexity{models.ComplexityMedium, models.ComplexityComplex},
	},
	{
		ID: "claude-3-5-haiku-20241022", Provider: models.ProviderAnthropic,
		InputPer1K: 0.0008, OutputPer1K: 0.004,
		TypicalLatencyMs: 800, Quality: 0.8,
		Complexities: []models.Complexity{models.ComplexitySimple, models.ComplexityMedium},
	},
	{
		ID: "mistral-large-latest", Provider: models.ProviderMistral,
		InputPer1K: 0.002, OutputPer1K: 0.006,
		TypicalLatencyMs: 1100, Quality: 0.85,
		Complexities: []models.Complexity{models.ComplexityMedium, models.ComplexityComplex},
	},
	{
		ID: "mistral-small-latest", Provider: models.ProviderMistral,
		InputPer1K: 0.0001, OutputPer1K: 0.0003,
		TypicalLatencyMs: 500, Quality: 0.68,
		Complexities: []models.Complexity{models.ComplexitySimple},
	},
	{
		ID: "llama-3.3-70b-versatile", Provider: models.ProviderGroq,
		InputPer1K: 0.00059, OutputPer1K: 0.00079,
		TypicalLatencyMs: 400, Quality: 0.82,
		Complexities: []models.Complexity{models.ComplexitySimple, models.ComplexityMedium, models.ComplexityComplex},
	},
	{
		ID: "llama-3.1-8b-instant", Provider: models.ProviderGroq,
		InputPer1K: 0.00005, OutputPer1K: 0.00008,
		TypicalLatencyMs: 250, Quality: 0.62,
		Complexities: []models.Complexity{models.ComplexitySimple},
	},
	{
		ID: "gemini-1.5-pro", Provider: models.ProviderGoogle,
		InputPer1K: 0.00125, OutputPer1K: 0.005,
		TypicalLatencyMs: 1300, Quality: 0.88,
		Complexities: []models.Complexity{models.ComplexityMedium, models.ComplexityComplex},
	},
	{
		ID: "gemini-1.5-flash", Provider: models.ProviderGoogle,
		InputPer1K: 0.000075, OutputPer1K: 0.0003,
		TypicalLatencyMs: 450, Quality: 0.72,
		Complexities: []models.Complexity{models.ComplexitySimple, models.ComplexityMedium},
	},
}

// Catalog returns the full model routing table.
func Catalog() []models.ModelCard {
	out := make([]models.ModelCard, len(catalog))
	copy(out, catalog)
	return out
}

// CatalogFor returns the cards served by the given provider kinds.
func CatalogFor(kinds map[models.ProviderKind]bool) []models.ModelCard {
	var out []models.ModelCard
	for _, card := range catalog {
		if kinds[card.Provider] {
			out = append(out, card)
		}
	}
	return out
}

// catalogSupports reports whether a provider serves the model. Prefix match
// admits dated snapshots of catalog entries; anything with the provider's
// characteristic naming is also accepted so tenants can call models newer
// than this table.
func catalogSupports(kind models.ProviderKind, model string) bool {
	for _, card := range catalog {
		if card.Provider != kind {
			continue
		}
		if model == card.ID || strings.HasPrefix(model, card.ID) || strings.HasPrefix(card.ID, model) {
			return true
		}
	}
	switch kind {
	case models.ProviderOpenAI:
		return strings.HasPrefix(model, "gpt-") || strings.HasPrefix(model, "o1") || strings.HasPrefix(model, "o3")
	case models.ProviderAnthropic:
		return strings.HasPrefix(model, "claude-")
	case models.ProviderMistral:
		return strings.HasPrefix(model, "mistral-") || strings.HasPrefix(model, "open-mistral") || strings.HasPrefix(model, "codestral")
	case models.ProviderGroq:
		return strings.HasPrefix(model, "llama-") || strings.HasPrefix(model, "mixtral-") || strings.HasPrefix(model, "gemma")
	case models.ProviderGoogle:
		return strings.HasPrefix(model, "gemini-")
	default:
		return false
	}
}

// ProviderForModel guesses the serving provider for a bare model ID, used
// when a chat request names a model and the tenant has several providers.
func ProviderForModel(model string) (models.ProviderKind, bool) {
	for _, kind := range models.KnownProviders {
		if catalogSupports(kind, model) {
			return kind, true
		}
	}
	return "", false
}
