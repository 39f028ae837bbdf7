package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openrelay/openrelay/pkg/models"
)

const googleBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// google adapts the Gemini generateContent API. Gemini has no "system" or
// "assistant" roles on the wire: system messages become a systemInstruction
// and assistant turns are sent with role "model".
type google struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func newGoogle(apiKey string, client *http.Client) *google {
	return &google{baseURL: googleBaseURL, apiKey: apiKey, client: client}
}

func (g *google) Kind() models.ProviderKind { return models.ProviderGoogle }

func (g *google) Supports(model string) bool {
	return catalogSupports(models.ProviderGoogle, model)
}

type googlePart struct {
	Text string `json:"text"`
}

type googleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []googlePart `json:"parts"`
}

type googleResponse struct {
	Candidates []struct {
		Content      googleContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

func (g *google) ChatComplete(ctx context.Context, req *models.ChatRequest) (*models.Completion, error) {
	var system *googleContent
	contents := make([]googleContent, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			if system == nil {
				system = &googleContent{}
			}
			system.Parts = append(system.Parts, googlePart{Text: m.Content})
		case "assistant":
			contents = append(contents, googleContent{Role: "model", Parts: []googlePart{{Text: m.Content}}})
		default:
			contents = append(contents, googleContent{Role: "user", Parts: []googlePart{{Text: m.Content}}})
		}
	}

	genCfg := map[string]any{}
	if req.Temperature != nil {
		genCfg["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		genCfg["topP"] = *req.TopP
	}
	if req.MaxTokens != nil {
		genCfg["maxOutputTokens"] = *req.MaxTokens
	}

	body := struct {
		Contents          []googleContent `json:"contents"`
		SystemInstruction *googleContent  `json:"systemInstruction,omitempty"`
		GenerationConfig  map[string]any  `json:"generationConfig,omitempty"`
	}{Contents: contents, SystemInstruction: system}
	if len(genCfg) > 0 {
		body.GenerationConfig = genCfg
	}

	path := fmt.Sprintf("/models/%s:generateContent", req.Model)
	var out googleResponse
	if err := g.post(ctx, path, body, &out); err != nil {
		return nil, err
	}
	if len(out.Candidates) == 0 {
		return nil, &Error{Provider: models.ProviderGoogle, Class: ClassTransient, Message: "no candidates in response"}
	}

	var text strings.Builder
	for _, p := range out.Candidates[0].Content.Parts {
		text.WriteString(p.Text)
	}
	usage := models.TokenUsage{
		PromptTokens:     out.UsageMetadata.PromptTokenCount,
		CompletionTokens: out.UsageMetadata.CandidatesTokenCount,
		TotalTokens:      out.UsageMetadata.TotalTokenCount,
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
			FinishReason: googleFinishReason(out.Candidates[0].FinishReason),
		}},
		Usage: usage,
	}

	return &models.Completion{
		Response: resp,
		Provider: models.ProviderGoogle,
		Model:    req.Model,
		Cost:     Cost(models.ProviderGoogle, req.Model, usage),
	}, nil
}

func (g *google) TestCredentials(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/models", nil)
	if err != nil {
		return err
	}
	httpReq.Header.Set("x-goog-api-key", g.apiKey)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return transportError(models.ProviderGoogle, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return g.apiError(resp)
	}
	return nil
}

func (g *google) post(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("google: marshal: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", g.apiKey)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return transportError(models.ProviderGoogle, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return g.apiError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Provider: models.ProviderGoogle, Class: ClassTransient, Message: "decode response: " + err.Error()}
	}
	return nil
}

func (g *google) apiError(resp *http.Response) *Error {
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
		Provider:   models.ProviderGoogle,
		Class:      classifyStatus(resp.StatusCode),
		Status:     resp.StatusCode,
		Message:    msg,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

func googleFinishReason(r string) string {
	switch r {
	case "MAX_TOKENS":
		return "length"
	case "STOP", "":
		return "stop"
	default:
		return strings.ToLower(r)
	}
}
