package provider

import "github.com/openrelay/openrelay/pkg/models"

// EstimateTokens approximates the token count of a text without a real
// tokenizer: roughly four characters per token plus a small constant. Used
// for complexity classification and when a provider omits usage counts.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return len(text)/4 + 3
}

// EstimateMessagesTokens estimates the prompt size of a message list. Each
// message carries a fixed per-message overhead for role and framing tokens.
func EstimateMessagesTokens(messages []models.ChatMessage) int {
	total := 0
	for _, m := range messages {
		total += EstimateTokens(m.Content) + 4
	}
	return total
}

// EstimateUsage builds a full usage triple from a prompt and completion text.
func EstimateUsage(messages []models.ChatMessage, completion string) models.TokenUsage {
	p := EstimateMessagesTokens(messages)
	c := EstimateTokens(completion)
	return models.TokenUsage{PromptTokens: p, CompletionTokens: c, TotalTokens: p + c}
}
