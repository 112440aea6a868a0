// Package embed turns source records into vectors, with content-hash
// caching and request batching to bound embedding-provider cost.
package embed

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/voxmind/searchsync/internal/model"
)

// maxNormalizedLen caps the canonical text handed to the provider.
// Provider token limits sit well above this for every model we use.
const maxNormalizedLen = 8000

// Normalize builds the canonical text representation of a record.
//
// The representation is deterministic: fields appear in a fixed order,
// attributes are sorted by key, whitespace is collapsed, and volatile
// fields (version, timestamps) are excluded entirely. Two records that
// read the same to a customer produce byte-identical text, so their
// embeddings share one cache entry.
func Normalize(rec *model.SourceRecord) string {
	if collapse(rec.Title) == "" && collapse(rec.Body) == "" && len(rec.Attrs) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString(string(rec.Type))
	b.WriteString("\n")
	b.WriteString(collapse(rec.Title))
	b.WriteString("\n")
	b.WriteString(collapse(rec.Body))

	if len(rec.Attrs) > 0 {
		keys := make([]string, 0, len(rec.Attrs))
		for k := range rec.Attrs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString("\n")
			b.WriteString(k)
			b.WriteString(": ")
			b.WriteString(collapse(rec.Attrs[k]))
		}
	}

	text := strings.TrimSpace(b.String())
	if len(text) > maxNormalizedLen {
		text = text[:maxNormalizedLen]
	}
	return text
}

// ContentHash fingerprints normalized text for cache keying.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// collapse trims and squeezes runs of whitespace to single spaces.
func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
