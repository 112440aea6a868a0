package embed

import (
	"strings"
	"testing"
	"time"

	"github.com/voxmind/searchsync/internal/model"
)

func TestNormalizeDeterministic(t *testing.T) {
	a := &model.SourceRecord{
		ID:    "p1",
		Type:  model.EntityProduct,
		Title: "Widget",
		Body:  "A fine widget.",
		Attrs: map[string]string{"color": "red", "size": "large"},
	}
	b := &model.SourceRecord{
		ID:    "p1",
		Type:  model.EntityProduct,
		Title: "Widget",
		Body:  "A fine widget.",
		Attrs: map[string]string{"size": "large", "color": "red"},
	}

	if Normalize(a) != Normalize(b) {
		t.Error("attribute map order changed the normalized text")
	}
}

func TestNormalizeExcludesVolatileFields(t *testing.T) {
	rec := &model.SourceRecord{
		Type:  model.EntityProduct,
		ID:    "p1",
		Title: "Widget",
		Body:  "Body",
	}
	before := Normalize(rec)

	rec.Version = 99
	rec.UpdatedAt = time.Now()
	if Normalize(rec) != before {
		t.Error("version or timestamp churn changed the normalized text")
	}
}

func TestNormalizeCollapsesWhitespace(t *testing.T) {
	a := &model.SourceRecord{Type: model.EntityRule, Title: "free  shipping", Body: "over\t$50\n\napplies"}
	b := &model.SourceRecord{Type: model.EntityRule, Title: "free shipping", Body: "over $50 applies"}
	if Normalize(a) != Normalize(b) {
		t.Error("whitespace runs not collapsed")
	}
}

func TestNormalizeEmptyRecord(t *testing.T) {
	rec := &model.SourceRecord{Type: model.EntityProduct, ID: "p1"}
	if got := Normalize(rec); got != "" {
		t.Errorf("record with no text fields normalized to %q, want empty", got)
	}
}

func TestNormalizeDistinguishesTypes(t *testing.T) {
	a := &model.SourceRecord{Type: model.EntityProduct, Title: "Gift card"}
	b := &model.SourceRecord{Type: model.EntityRule, Title: "Gift card"}
	if Normalize(a) == Normalize(b) {
		t.Error("records of different types share normalized text")
	}
}

func TestNormalizeCapsLength(t *testing.T) {
	rec := &model.SourceRecord{
		Type: model.EntityProduct,
		Body: strings.Repeat("long description ", 2000),
	}
	if got := len(Normalize(rec)); got > maxNormalizedLen {
		t.Errorf("normalized length %d exceeds cap %d", got, maxNormalizedLen)
	}
}

func TestContentHashMatchesEqualText(t *testing.T) {
	a := ContentHash("hello world")
	b := ContentHash("hello world")
	c := ContentHash("hello worlds")
	if a != b {
		t.Error("equal text hashed differently")
	}
	if a == c {
		t.Error("different text hashed identically")
	}
	if len(a) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(a))
	}
}
