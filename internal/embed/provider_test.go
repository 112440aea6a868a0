package embed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voxmind/searchsync/internal/model"
)

func newProviderServer(t *testing.T, handler http.HandlerFunc) (*HTTPProvider, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	p := NewHTTPProvider(srv.URL, "test-key", "test-model")
	p.backoffBase = time.Millisecond
	return p, srv
}

func embeddingsResponse(vecs [][]float32) []byte {
	type item struct {
		Embedding []float32 `json:"embedding"`
	}
	data := make([]item, len(vecs))
	for i, v := range vecs {
		data[i] = item{Embedding: v}
	}
	out, _ := json.Marshal(map[string]any{"data": data})
	return out
}

func TestProviderEmbed(t *testing.T) {
	var gotAuth, gotModel string
	var gotInputs []string
	p, _ := newProviderServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var req struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		gotModel = req.Model
		gotInputs = req.Input
		w.Write(embeddingsResponse([][]float32{{1, 2}, {3, 4}}))
	})

	vecs, err := p.Embed(context.Background(), []string{"one", "two"})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(vecs) != 2 || vecs[1][0] != 3 {
		t.Errorf("vecs = %v", vecs)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("auth = %q", gotAuth)
	}
	if gotModel != "test-model" || len(gotInputs) != 2 {
		t.Errorf("request model=%q inputs=%v", gotModel, gotInputs)
	}
}

func TestProviderRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	p, _ := newProviderServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write(embeddingsResponse([][]float32{{1}}))
	})

	vecs, err := p.Embed(context.Background(), []string{"one"})
	if err != nil {
		t.Fatalf("embed after retries: %v", err)
	}
	if len(vecs) != 1 {
		t.Errorf("vecs = %v", vecs)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestProviderExhaustedRetriesAreTransient(t *testing.T) {
	p, _ := newProviderServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := p.Embed(context.Background(), []string{"one"})
	if err == nil {
		t.Fatal("expected error after exhausted retries")
	}
	if model.Classify(err) != model.ClassTransient {
		t.Errorf("classification = %v, want transient", model.Classify(err))
	}
}

func TestProviderClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	p, _ := newProviderServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	})

	_, err := p.Embed(context.Background(), []string{"one"})
	if err == nil {
		t.Fatal("expected error for 400")
	}
	if model.Classify(err) != model.ClassPermanent {
		t.Errorf("classification = %v, want permanent", model.Classify(err))
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (no retry on client error)", calls.Load())
	}
}

func TestProviderVectorCountMismatchIsPermanent(t *testing.T) {
	p, _ := newProviderServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write(embeddingsResponse([][]float32{{1}}))
	})

	_, err := p.Embed(context.Background(), []string{"one", "two"})
	if err == nil {
		t.Fatal("expected error for vector count mismatch")
	}
	if model.Classify(err) != model.ClassPermanent {
		t.Errorf("classification = %v, want permanent", model.Classify(err))
	}
}

func TestProviderEmptyInput(t *testing.T) {
	p := NewHTTPProvider("http://unreachable.invalid", "", "m")
	vecs, err := p.Embed(context.Background(), nil)
	if err != nil || vecs != nil {
		t.Errorf("Embed(nil) = %v, %v; want nil, nil without a network call", vecs, err)
	}
}
