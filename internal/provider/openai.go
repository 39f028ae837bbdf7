package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/openrelay/openrelay/pkg/models"
)

// openaiCompat talks the OpenAI Chat Completions wire format. OpenAI, Mistral
// and Groq all serve it, differing only in base URL and model catalog.
type openaiCompat struct {
	kind    models.ProviderKind
	baseURL string
	apiKey  string
	client  *http.Client
}

func newOpenAICompat(kind models.ProviderKind, baseURL, apiKey string, client *http.Client) *openaiCompat {
	return &openaiCompat{kind: kind, baseURL: baseURL, apiKey: apiKey, client: client}
}

func (c *openaiCompat) Kind() models.ProviderKind { return c.kind }

func (c *openaiCompat) Supports(model string) bool {
	return catalogSupports(c.kind, model)
}

func (c *openaiCompat) ChatComplete(ctx context.Context, req *models.ChatRequest) (*models.Completion, error) {
	body := struct {
		Model            string               `json:"model"`
		Messages         []models.ChatMessage `json:"messages"`
		Temperature      *float64             `json:"temperature,omitempty"`
		TopP             *float64             `json:"top_p,omitempty"`
		MaxTokens        *int                 `json:"max_tokens,omitempty"`
		FrequencyPenalty *float64             `json:"frequency_penalty,omitempty"`
		PresencePenalty  *float64             `json:"presence_penalty,omitempty"`
		User             string               `json:"user,omitempty"`
	}{
		Model:            req.Model,
		Messages:         req.Messages,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		MaxTokens:        req.MaxTokens,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
		User:             req.User,
	}

	var out models.ChatResponse
	if err := c.post(ctx, "/chat/completions", body, &out); err != nil {
		return nil, err
	}

	if out.Usage.TotalTokens == 0 {
		out.Usage = EstimateUsage(req.Messages, completionText(out.Choices))
	}
	cost := Cost(c.kind, req.Model, out.Usage)

	return &models.Completion{
		Response: out,
		Provider: c.kind,
		Model:    req.Model,
		Cost:     cost,
	}, nil
}

func (c *openaiCompat) TestCredentials(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return transportError(c.kind, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return c.apiError(resp)
	}
	return nil
}

func (c *openaiCompat) post(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%s: marshal: %w", c.kind, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return transportError(c.kind, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return c.apiError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Provider: c.kind, Class: ClassTransient, Message: "decode response: " + err.Error()}
	}
	return nil
}

// apiError reads an error response body and classifies it.
func (c *openaiCompat) apiError(resp *http.Response) *Error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := string(raw)
	var envelope models.ErrorEnvelope
	if json.Unmarshal(raw, &envelope) == nil && envelope.Error.Message != "" {
		msg = envelope.Error.Message
	}
	return &Error{
		Provider:   c.kind,
		Class:      classifyStatus(resp.StatusCode),
		Status:     resp.StatusCode,
		Message:    msg,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// completionText concatenates choice contents for token estimation.
func completionText(choices []models.ChatChoice) string {
	var buf bytes.Buffer
	for _, ch := range choices {
		buf.WriteString(ch.Message.Content)
	}
	return buf.String()
}
