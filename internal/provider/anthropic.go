package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/openrelay/openrelay/pkg/models"
)

const (
	anthropicBaseURL = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"

	// Anthropic requires max_tokens; applied when the caller leaves it unset.
	anthropicDefaultMaxTokens = 4096
)

// anthropic adapts the Messages API to the canonical chat envelope. System
// messages are lifted out of the message list into the top-level system
// field, and the content-block response is flattened back to a single string.
type anthropic struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func newAnthropic(apiKey string, client *http.Client) *anthropic {
	return &anthropic{baseURL: anthropicBaseURL, apiKey: apiKey, client: client}
}

func (a *anthropic) Kind() models.ProviderKind { return models.ProviderAnthropic }

func (a *anthropic) Supports(model string) bool {
	return catalogSupports(models.ProviderAnthropic, model)
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	ID         string `json:"id"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Content    []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (a *anthropic) ChatComplete(ctx context.Context, req *models.ChatRequest) (*models.Completion, error) {
	var system string
	msgs := make([]anthropicMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == "system" {
			if system != "" {
				system += "\n"
			}
			system += m.Content
			continue
		}
		msgs = append(msgs, anthropicMessage{Role: m.Role, Content: m.Content})
	}

	maxTokens := anthropicDefaultMaxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}
	body := struct {
		Model       string             `json:"model"`
		MaxTokens   int                `json:"max_tokens"`
		System      string             `json:"system,omitempty"`
		Messages    []anthropicMessage `json:"messages"`
		Temperature *float64           `json:"temperature,omitempty"`
		TopP        *float64           `json:"top_p,omitempty"`
	}{
		Model:       req.Model,
		MaxTokens:   maxTokens,
		System:      system,
		Messages:    msgs,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}

	var out anthropicResponse
	if err := a.post(ctx, "/messages", body, &out); err != nil {
		return nil, err
	}

	var text bytes.Buffer
	for _, block := range out.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	usage := models.TokenUsage{
		PromptTokens:     out.Usage.InputTokens,
		CompletionTokens: out.Usage.OutputTokens,
		TotalTokens:      out.Usage.InputTokens + out.Usage.OutputTokens,
	}
	if usage.TotalTokens == 0 {
		usage = EstimateUsage(req.Messages, text.String())
	}

	resp := models.ChatResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []models.ChatChoice{{
			Message:      models.ChatMessage{Role: "assistant", Content: text.String()},
			FinishReason: finishReason(out.StopReason),
		}},
		Usage: usage,
	}

	return &models.Completion{
		Response: resp,
		Provider: models.ProviderAnthropic,
		Model:    req.Model,
		Cost:     Cost(models.ProviderAnthropic, req.Model, usage),
	}, nil
}

func (a *anthropic) TestCredentials(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/models", nil)
	if err != nil {
		return err
	}
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return transportError(models.ProviderAnthropic, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return a.apiError(resp)
	}
	return nil
}

func (a *anthropic) post(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("anthropic: marshal: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return transportError(models.ProviderAnthropic, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return a.apiError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Provider: models.ProviderAnthropic, Class: ClassTransient, Message: "decode response: " + err.Error()}
	}
	return nil
}

func (a *anthropic) apiError(resp *http.Response) *Error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := string(raw)
	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error.Message != "" {
		msg = body.Error.Message
	}
	return &Error{
		Provider:   models.ProviderAnthropic,
		Class:      classifyStatus(resp.StatusCode),
		Status:     resp.StatusCode,
		Message:    msg,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

// finishReason maps Anthropic stop reasons onto the OpenAI vocabulary.
func finishReason(stop string) string {
	switch stop {
	case "max_tokens":
		return "length"
	case "end_turn", "stop_sequence", "":
		return "stop"
	default:
		return stop
	}
}
