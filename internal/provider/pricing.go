package provider

import (
	"strings"

	"github.com/openrelay/openrelay/pkg/models"
)

// price is USD per 1K tokens.
type price struct {
	input  float64
	output float64
}

// pricing is the static per-model price table. Entries are keyed by exact
// model ID; longest-prefix fallback covers dated snapshot variants like
// "gpt-4o-2024-08-06".
var pricing = map[models.ProviderKind]map[string]price{
	models.ProviderOpenAI: {
		"gpt-4o":        {input: 0.0025, output: 0.01},
		"gpt-4o-mini":   {input: 0.00015, output: 0.0006},
		"gpt-4-turbo":   {input: 0.01, output: 0.03},
		"gpt-3.5-turbo": {input: 0.0005, output: 0.0015},
	},
	models.ProviderAnthropic: {
		"claude-3-5-sonnet": {input: 0.003, output: 0.015},
		"claude-3-5-haiku":  {input: 0.0008, output: 0.004},
		"claude-3-opus":     {input: 0.015, output: 0.075},
		"claude-3-haiku":    {input: 0.00025, output: 0.00125},
	},
	models.ProviderMistral: {
		"mistral-large-latest":  {input: 0.002, output: 0.006},
		"mistral-medium-latest": {input: 0.0004, output: 0.002},
		"mistral-small-latest":  {input: 0.0001, output: 0.0003},
		"open-mistral-nemo":     {input: 0.00015, output: 0.00015},
	},
	models.ProviderGroq: {
		"llama-3.3-70b-versatile": {input: 0.00059, output: 0.00079},
		"llama-3.1-8b-instant":    {input: 0.00005, output: 0.00008},
		"mixtral-8x7b-32768":      {input: 0.00024, output: 0.00024},
	},
	models.ProviderGoogle: {
		"gemini-1.5-pro":   {input: 0.00125, output: 0.005},
		"gemini-1.5-flash": {input: 0.000075, output: 0.0003},
		"gemini-2.0-flash": {input: 0.0001, output: 0.0004},
	},
}

// defaultPrice applies to models missing from the table so that metering
// never records a silent zero for a real upstream call.
var defaultPrice = price{input: 0.001, output: 0.002}

func lookupPrice(kind models.ProviderKind, model string) price {
	table, ok := pricing[kind]
	if !ok {
		return defaultPrice
	}
	if p, ok := table[model]; ok {
		return p
	}
	// Longest matching prefix wins, so "claude-3-5-sonnet-20241022"
	// resolves to "claude-3-5-sonnet".
	best := ""
	var bestPrice price
	for id, p := range table {
		if strings.HasPrefix(model, id) && len(id) > len(best) {
			best, bestPrice = id, p
		}
	}
	if best != "" {
		return bestPrice
	}
	return defaultPrice
}

// Cost computes the USD cost of a completion from its token usage.
func Cost(kind models.ProviderKind, model string, usage models.TokenUsage) float64 {
	p := lookupPrice(kind, model)
	return float64(usage.PromptTokens)/1000*p.input + float64(usage.CompletionTokens)/1000*p.output
}

// EstimatedCostPer1K returns the blended per-1K price used by the smart
// router's cost scoring (input and output weighted equally).
func EstimatedCostPer1K(kind models.ProviderKind, model string) float64 {
	p := lookupPrice(kind, model)
	return (p.input + p.output) / 2
}
