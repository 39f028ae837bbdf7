// Package smart implements the two-step routing decision: rule-based
// complexity classification of the prompt, then model selection over the
// static catalog filtered to the tenant's enabled providers.
package smart

import (
	"strings"

	"github.com/openrelay/openrelay/internal/provider"
	"github.com/openrelay/openrelay/pkg/models"
)

// Token thresholds for the classifier.
const (
	simpleMaxTokens  = 100
	complexMinTokens = 500
)

var simpleKeywords = []string{
	"classify", "extract", "parse", "format",
	"yes/no", "true/false", "sentiment",
}

var complexKeywords = []string{
	"analyze", "explain step-by-step", "reasoning",
	"derive", "essay", "creative", "detailed",
}

// Classify assigns a complexity class to a prompt. The decision is purely
// rule-based over the estimated token count and keyword matches, so repeated
// calls with the same input always agree.
func Classify(messages []models.ChatMessage) models.Complexity {
	tokens := provider.EstimateMessagesTokens(messages)

	var b strings.Builder
	for _, m := range messages {
		b.WriteString(strings.ToLower(m.Content))
		b.WriteString(" ")
	}
	text := b.String()

	if tokens < simpleMaxTokens && containsAny(text, simpleKeywords) {
		return models.ComplexitySimple
	}
	if tokens > complexMinTokens || containsAny(text, complexKeywords) {
		return models.ComplexityComplex
	}
	return models.ComplexityMedium
}

func containsAny(text string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(text, k) {
			return true
		}
	}
	return false
}
