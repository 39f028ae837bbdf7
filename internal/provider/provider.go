// Package provider implements the upstream LLM adapters. Each adapter
// translates the canonical chat request into the provider's wire format,
// translates the response back into the canonical envelope, reports token
// counts (estimating when the provider omits them), and computes cost from
// the central pricing table.
//
// Failures are classified so the pipeline can decide between failover and
// surfacing the error:
//   - transient   (timeout, 5xx, connection reset)  → retriable, failover
//   - rate_limited (upstream 429)                   → retriable after Retry-After
//   - auth        (401/403)                         → not retriable, skip this config
//   - bad_request (other 4xx)                       → not retriable, surface to caller
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/openrelay/openrelay/pkg/models"
)

// Class is the failure classification of a provider error.
type Class string

const (
	ClassTransient   Class = "transient"
	ClassRateLimited Class = "rate_limited"
	ClassAuth        Class = "auth"
	ClassBadRequest  Class = "bad_request"
)

// Error is a classified upstream failure.
type Error struct {
	Provider   models.ProviderKind
	Class      Class
	Status     int
	Message    string
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s (status %d): %s", e.Provider, e.Class, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Class, e.Message)
}

// Retriable reports whether the pipeline may fail over to the next
// provider config after this error.
func (e *Error) Retriable() bool {
	return e.Class == ClassTransient || e.Class == ClassRateLimited
}

// AsError extracts a classified *Error from err, if present.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// classifyStatus maps an HTTP status to a failure class.
func classifyStatus(status int) Class {
	switch {
	case status == http.StatusTooManyRequests:
		return ClassRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ClassAuth
	case status >= 500:
		return ClassTransient
	default:
		return ClassBadRequest
	}
}

// transportError wraps a connection-level failure as transient.
func transportError(kind models.ProviderKind, err error) *Error {
	msg := err.Error()
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		msg = "timeout: " + msg
	}
	return &Error{Provider: kind, Class: ClassTransient, Message: msg}
}

// Client is the capability set every upstream adapter exposes.
type Client interface {
	// Kind identifies the upstream this adapter talks to.
	Kind() models.ProviderKind
	// ChatComplete performs one non-streaming chat completion.
	ChatComplete(ctx context.Context, req *models.ChatRequest) (*models.Completion, error)
	// TestCredentials performs the cheapest possible authenticated call.
	TestCredentials(ctx context.Context) error
	// Supports reports whether this upstream serves the given model.
	Supports(model string) bool
}

// Factory builds adapters for a tenant's provider configs. It exists as an
// interface so the pipeline can be tested with fake upstreams.
type Factory interface {
	New(kind models.ProviderKind, apiKey string) (Client, error)
}

// HTTPFactory builds real HTTP adapters sharing one pooled client.
type HTTPFactory struct {
	client *http.Client
}

// NewHTTPFactory creates a factory with a bounded connection pool.
func NewHTTPFactory() *HTTPFactory {
	return &HTTPFactory{
		client: &http.Client{
			Timeout: 120 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        64,
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// New returns the adapter for the given provider kind.
func (f *HTTPFactory) New(kind models.ProviderKind, apiKey string) (Client, error) {
	switch kind {
	case models.ProviderOpenAI:
		return newOpenAICompat(kind, "https://api.openai.com/v1", apiKey, f.client), nil
	case models.ProviderMistral:
		return newOpenAICompat(kind, "https://api.mistral.ai/v1", apiKey, f.client), nil
	case models.ProviderGroq:
		return newOpenAICompat(kind, "https://api.groq.com/openai/v1", apiKey, f.client), nil
	case models.ProviderAnthropic:
		return newAnthropic(apiKey, f.client), nil
	case models.ProviderGoogle:
		return newGoogle(apiKey, f.client), nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q", kind)
	}
}
