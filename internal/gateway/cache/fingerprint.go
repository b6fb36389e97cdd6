package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Fingerprint computes the stable cache key for a dispatch request. The
// prompt is whitespace-collapsed and options are serialized with sorted
// keys, so semantically identical requests hash identically regardless of
// field ordering or formatting.
func Fingerprint(provider, model, prompt string, options map[string]interface{}) string {
	h := sha256.New()
	h.Write([]byte(provider))
	h.Write([]byte{0})
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(normalizePrompt(prompt)))
	h.Write([]byte{0})
	h.Write([]byte(canonicalOptions(options)))
	return hex.EncodeToString(h.Sum(nil))
}

// normalizePrompt collapses all runs of whitespace to single spaces and
// trims the ends.
func normalizePrompt(prompt string) string {
	return strings.Join(strings.Fields(prompt), " ")
}

// canonicalOptions renders options as "k=v" pairs in sorted key order.
// Values are JSON-encoded so nested structures serialize deterministically
// enough for equal inputs (Go's encoding/json sorts map keys).
func canonicalOptions(options map[string]interface{}) string {
	if len(options) == 0 {
		return ""
	}
	keys := make([]string, 0, len(options))
	for k := range options {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(';')
		}
		val, err := json.Marshal(options[k])
		if err != nil {
			val = []byte(fmt.Sprintf("%v", options[k]))
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.Write(val)
	}
	return b.String()
}
