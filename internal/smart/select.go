package smart

import (
	"fmt"
	"sort"

	"github.com/openrelay/openrelay/internal/provider"
	"github.com/openrelay/openrelay/pkg/models"
)

// ErrNoCandidates is returned when the tenant has no enabled provider that
// serves any catalog model.
var ErrNoCandidates = fmt.Errorf("no candidate models for enabled providers")

// filter returns the cards in pool for which keep returns true.
func filter(pool []models.ModelCard, keep func(models.ModelCard) bool) []models.ModelCard {
	var out []models.ModelCard
	for _, c := range pool {
		if keep(c) {
			out = append(out, c)
		}
	}
	return out
}

// blendedCost is the per-1K scoring cost of a card, input and output
// weighted equally.
func blendedCost(c models.ModelCard) float64 {
	return (c.InputPer1K + c.OutputPer1K) / 2
}

// Select picks a model for the classified request. enabled is the set of
// provider kinds the tenant has working configs for; maxLatencyMs of zero
// means unconstrained.
func Select(complexity models.Complexity, optimizeFor models.OptimizeFor, maxLatencyMs int64, enabled map[models.ProviderKind]bool) (*models.RoutingDecision, error) {
	pool := provider.CatalogFor(enabled)
	if len(pool) == 0 {
		return nil, ErrNoCandidates
	}

	fits := func(c models.ModelCard, checkLatency, checkSuits bool) bool {
		if checkSuits && !c.Suits(complexity) {
			return false
		}
		if checkLatency && maxLatencyMs > 0 && c.TypicalLatencyMs > maxLatencyMs {
			return false
		}
		return true
	}

	candidates := filter(pool, func(c models.ModelCard) bool { return fits(c, true, true) })
	relaxed := ""
	if len(candidates) == 0 {
		// Relax latency first, then suitability. When suitability has to
		// go too, fall back to cheapest-first ordering.
		candidates = filter(pool, func(c models.ModelCard) bool { return fits(c, false, true) })
		relaxed = "latency constraint relaxed"
		if len(candidates) == 0 {
			candidates = pool
			relaxed = "no model suited to complexity, choosing cheapest"
			sort.Slice(candidates, func(i, j int) bool {
				return blendedCost(candidates[i]) < blendedCost(candidates[j])
			})
			chosen := candidates[0]
			return decision(chosen, candidates[1:], complexity, optimizeFor, relaxed), nil
		}
	}

	score := func(c models.ModelCard) float64 {
		switch optimizeFor {
		case models.OptimizeLatency:
			return -float64(c.TypicalLatencyMs)
		case models.OptimizeQuality:
			return c.Quality
		default:
			return -blendedCost(c)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if sa, sb := score(a), score(b); sa != sb {
			return sa > sb
		}
		if a.Quality != b.Quality {
			return a.Quality > b.Quality
		}
		if ca, cb := blendedCost(a), blendedCost(b); ca != cb {
			return ca < cb
		}
		return a.ID < b.ID
	})

	rationale := relaxed
	if rationale == "" {
		switch optimizeFor {
		case models.OptimizeLatency:
			rationale = fmt.Sprintf("fastest model suited to %s prompts (%dms typical)", complexity, candidates[0].TypicalLatencyMs)
		case models.OptimizeQuality:
			rationale = fmt.Sprintf("highest quality model suited to %s prompts", complexity)
		default:
			rationale = fmt.Sprintf("cheapest model suited to %s prompts", complexity)
		}
	}
	return decision(candidates[0], candidates[1:], complexity, optimizeFor, rationale), nil
}

func decision(chosen models.ModelCard, rest []models.ModelCard, complexity models.Complexity, optimizeFor models.OptimizeFor, rationale string) *models.RoutingDecision {
	d := &models.RoutingDecision{
		ChosenModel:    chosen.ID,
		ChosenProvider: chosen.Provider,
		Complexity:     complexity,
		OptimizeFor:    optimizeFor,
		Rationale:      rationale,
	}
	for i, alt := range rest {
		if i == 3 {
			break
		}
		d.Alternatives = append(d.Alternatives, models.RoutingAlternative{
			Model:    alt.ID,
			Provider: alt.Provider,
			Reason:   altReason(chosen, alt, optimizeFor),
		})
	}
	return d
}

func altReason(chosen, alt models.ModelCard, optimizeFor models.OptimizeFor) string {
	switch optimizeFor {
	case models.OptimizeLatency:
		if alt.TypicalLatencyMs > chosen.TypicalLatencyMs {
			return fmt.Sprintf("slower (%dms vs %dms)", alt.TypicalLatencyMs, chosen.TypicalLatencyMs)
		}
	case models.OptimizeQuality:
		if alt.Quality < chosen.Quality {
			return fmt.Sprintf("lower quality (%.2f vs %.2f)", alt.Quality, chosen.Quality)
		}
	default:
		if blendedCost(alt) > blendedCost(chosen) {
			return fmt.Sprintf("more expensive ($%.5f vs $%.5f per 1k)", blendedCost(alt), blendedCost(chosen))
		}
	}
	return "lost tie-break"
}
