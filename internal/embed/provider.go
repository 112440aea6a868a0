package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/voxmind/searchsync/internal/model"
)

// Provider is the external embedding service boundary: one batch call,
// vectors returned in input order.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// HTTPProvider calls an OpenAI-compatible /embeddings endpoint.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client

	// maxAttempts bounds in-call retries on 429/5xx before the error
	// propagates as transient for the retry queue to handle.
	maxAttempts int
	backoffBase time.Duration
}

// NewHTTPProvider creates a provider client. model names the embedding
// model requested on every call.
func NewHTTPProvider(baseURL, apiKey, modelID string) *HTTPProvider {
	return &HTTPProvider{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		model:       modelID,
		client:      &http.Client{Timeout: 60 * time.Second},
		maxAttempts: 3,
		backoffBase: 250 * time.Millisecond,
	}
}

// Model returns the model id stamped onto produced embeddings.
func (p *HTTPProvider) Model() string { return p.model }

// Embed implements Provider. Rate limits and server errors are retried
// in place with backoff; exhausting the attempts returns a transient
// error. A malformed response (wrong vector count) is permanent.
func (p *HTTPProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(map[string]any{
		"model": p.model,
		"input": texts,
	})
	if err != nil {
		return nil, model.Permanentf("marshal embeddings request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, model.Transient(ctx.Err())
			case <-time.After(p.backoffBase << (attempt - 1)):
			}
		}

		vecs, retryable, err := p.embedOnce(ctx, body)
		if err == nil {
			if len(vecs) != len(texts) {
				return nil, model.Permanentf("provider returned %d vectors for %d inputs", len(vecs), len(texts))
			}
			return vecs, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err
	}
	return nil, model.Transientf("embeddings call failed after %d attempts: %w", p.maxAttempts, lastErr)
}

// embedOnce performs a single HTTP round trip. retryable reports
// whether the failure is worth another in-call attempt.
func (p *HTTPProvider) embedOnce(ctx context.Context, body []byte) (vecs [][]float32, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, false, model.Permanentf("build embeddings request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, true, model.Transientf("embeddings request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode/100 == 5 {
		io.Copy(io.Discard, resp.Body)
		return nil, true, model.Transientf("embeddings http %d", resp.StatusCode)
	}
	if resp.StatusCode/100 != 2 {
		data, _ := io.ReadAll(resp.Body)
		return nil, false, model.Permanentf("embeddings http %d: %s", resp.StatusCode, string(data))
	}

	var out struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, false, model.Permanentf("decode embeddings response: %w", err)
	}

	vecs = make([][]float32, 0, len(out.Data))
	for _, d := range out.Data {
		vecs = append(vecs, d.Embedding)
	}
	return vecs, false, nil
}
