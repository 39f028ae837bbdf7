package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/openrelay/openrelay/pkg/models"
)

// Fingerprint derives the cache key for a chat request: SHA-256 over a
// canonical rendering of its semantically meaningful fields. Two requests
// that would produce the same completion fingerprint identically regardless
// of JSON key order, Unicode composition, or float formatting in the input.
//
// Canonical form rules:
//   - fields in a fixed order: model, messages, then sampling parameters
//   - message text NFC-normalized
//   - every variable-length string length-prefixed, so field contents can
//     never imitate a delimiter and the canonical form stays injective
//   - floats rendered with six decimal places
//   - unset optional fields omitted entirely (absent != zero)
//   - stream, user and routing hints excluded: they do not affect content
func Fingerprint(req *models.ChatRequest) string {
	var b strings.Builder
	b.WriteString("model=")
	writeString(&b, norm.NFC.String(req.Model))

	for _, m := range req.Messages {
		b.WriteString("|msg=")
		writeString(&b, m.Role)
		writeString(&b, norm.NFC.String(m.Content))
		writeString(&b, norm.NFC.String(m.Name))
	}

	writeFloat(&b, "temperature", req.Temperature)
	writeFloat(&b, "top_p", req.TopP)
	if req.MaxTokens != nil {
		b.WriteString("|max_tokens=")
		b.WriteString(strconv.Itoa(*req.MaxTokens))
	}
	writeFloat(&b, "frequency_penalty", req.FrequencyPenalty)
	writeFloat(&b, "presence_penalty", req.PresencePenalty)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// writeString renders s as <len>:<bytes>.
func writeString(b *strings.Builder, s string) {
	b.WriteString(strconv.Itoa(len(s)))
	b.WriteString(":")
	b.WriteString(s)
}

func writeFloat(b *strings.Builder, name string, v *float64) {
	if v == nil {
		return
	}
	b.WriteString("|")
	b.WriteString(name)
	b.WriteString("=")
	b.WriteString(strconv.FormatFloat(*v, 'f', 6, 64))
}
