// Package promptkey produces canonical fingerprints for LLM requests.
//
// Two requests that differ only in whitespace, line endings, or letter case
// map to the same key, so the cache deduplicates them. The fingerprint covers
// everything that influences the generated output: provider, model, the
// normalized prompt, and the sampling parameters.
package promptkey

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Message is a single entry in a structured prompt.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Params are the sampling parameters that influence model output and
// therefore participate in the fingerprint.
type Params struct {
	// Temperature is nil when the caller did not set one; an unset
	// temperature and an explicit zero produce different keys.
	Temperature *float64
	MaxTokens   int
}

// Normalize canonicalizes a prompt string: line endings are unified, runs of
// whitespace collapse to single spaces, and the result is trimmed and
// lowercased. Normalize is idempotent.
func Normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = strings.Join(strings.Fields(s), " ")
	return strings.ToLower(s)
}

// NormalizeMessages serializes a structured message list as an ordered
// sequence of (role, normalized-content) pairs. Message order is preserved;
// roles are lowercased but otherwise untouched.
func NormalizeMessages(msgs []Message) string {
	var sb strings.Builder
	for i, m := range msgs {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(strings.ToLower(strings.TrimSpace(m.Role)))
		sb.WriteByte(':')
		sb.WriteString(Normalize(m.Content))
	}
	return sb.String()
}

// Fingerprint computes the cache key for a normalized prompt. The canonical
// serialization is hashed with SHA-256 and returned as lowercase hex.
func Fingerprint(provider, model, normalizedPrompt string, p Params) string {
	var sb strings.Builder
	sb.WriteString("provider:")
	sb.WriteString(provider)
	sb.WriteString("|model:")
	sb.WriteString(model)
	sb.WriteString("|prompt:")
	sb.WriteString(normalizedPrompt)
	if p.Temperature != nil {
		fmt.Fprintf(&sb, "|temp:%.2f", *p.Temperature)
	}
	if p.MaxTokens > 0 {
		fmt.Fprintf(&sb, "|max_tokens:%d", p.MaxTokens)
	}
	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

// FromMessages is a convenience that normalizes msgs and fingerprints them in
// one step. It returns both the key and the normalized prompt text, which the
// cache retains for similarity search.
func FromMessages(provider, model string, msgs []Message, p Params) (key, normalized string) {
	normalized = NormalizeMessages(msgs)
	return Fingerprint(provider, model, normalized, p), normalized
}
