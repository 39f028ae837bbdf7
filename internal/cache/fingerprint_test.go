package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/openrelay/openrelay/pkg/models"
)

func f64(v float64) *float64 { return &v }

func baseReq() *models.ChatRequest {
	return &models.ChatRequest{
		Model: "gpt-4o-mini",
		Messages: []models.ChatMessage{
			{Role: "system", Content: "you are helpful"},
			{Role: "user", Content: "what is 2+2"},
		},
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	a := Fingerprint(baseReq())
	b := Fingerprint(baseReq())
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestFingerprintUnicodeNormalization(t *testing.T) {
	// "\u00e9" precomposed vs "e"+combining acute (U+0301).
	composed := baseReq()
	composed.Messages[1].Content = "caf\u00e9"
	decomposed := baseReq()
	decomposed.Messages[1].Content = "cafe\u0301"
	assert.Equal(t, Fingerprint(composed), Fingerprint(decomposed))
}

func TestFingerprintUnsetVsZero(t *testing.T) {
	unset := baseReq()
	zero := baseReq()
	zero.Temperature = f64(0)
	assert.NotEqual(t, Fingerprint(unset), Fingerprint(zero))
}

func TestFingerprintFloatPrecision(t *testing.T) {
	a := baseReq()
	a.Temperature = f64(0.7)
	b := baseReq()
	b.Temperature = f64(0.7000000)
	assert.Equal(t, Fingerprint(a), Fingerprint(b))

	c := baseReq()
	c.Temperature = f64(0.700001)
	assert.NotEqual(t, Fingerprint(a), Fingerprint(c))
}

func TestFingerprintIgnoresNonSemanticFields(t *testing.T) {
	a := baseReq()
	b := baseReq()
	b.Stream = true
	b.User = "alice"
	b.OptimizeFor = "cost"
	b.MaxLatencyMs = 500
	assert.Equal(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprintDelimitersCannotCollide(t *testing.T) {
	// Content embedding the canonical delimiters must not canonicalize
	// like a different message list.
	joined := baseReq()
	joined.Messages = []models.ChatMessage{
		{Role: "user", Content: "a|msg=4:user1:b0:"},
	}
	split := baseReq()
	split.Messages = []models.ChatMessage{
		{Role: "user", Content: "a"},
		{Role: "user", Content: "b"},
	}
	assert.NotEqual(t, Fingerprint(joined), Fingerprint(split))

	inContent := baseReq()
	inContent.Messages[1].Content = "what is 2+2@bob"
	inName := baseReq()
	inName.Messages[1].Name = "bob"
	assert.NotEqual(t, Fingerprint(inContent), Fingerprint(inName))
}

func TestFingerprintSensitiveFields(t *testing.T) {
	a := baseReq()

	model := baseReq()
	model.Model = "gpt-4o"
	assert.NotEqual(t, Fingerprint(a), Fingerprint(model))

	order := baseReq()
	order.Messages[0], order.Messages[1] = order.Messages[1], order.Messages[0]
	assert.NotEqual(t, Fingerprint(a), Fingerprint(order))

	role := baseReq()
	role.Messages[1].Role = "assistant"
	assert.NotEqual(t, Fingerprint(a), Fingerprint(role))

	maxTok := baseReq()
	mt := 100
	maxTok.MaxTokens = &mt
	assert.NotEqual(t, Fingerprint(a), Fingerprint(maxTok))
}
