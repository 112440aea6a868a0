package embed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"github.com/voxmind/searchsync/internal/cache"
	"github.com/voxmind/searchsync/internal/model"
)

// PipelineConfig configures batching and caching.
type PipelineConfig struct {
	// ModelID names the embedding model; it keys the shared cache so a
	// model upgrade never serves vectors from the old model.
	ModelID string

	// BatchSize is the maximum number of distinct texts per provider
	// call.
	BatchSize int

	// BatchMaxWait bounds how long a partial batch waits before being
	// flushed.
	BatchMaxWait time.Duration

	// LocalCacheSize bounds the in-process embedding cache.
	LocalCacheSize int

	// CacheTTL is the local cache entry lifetime.
	CacheTTL time.Duration
}

func (c *PipelineConfig) defaults() {
	if c.BatchSize < 1 {
		c.BatchSize = 16
	}
	if c.BatchMaxWait <= 0 {
		c.BatchMaxWait = 200 * time.Millisecond
	}
	if c.LocalCacheSize < 1 {
		c.LocalCacheSize = 4096
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = time.Hour
	}
}

type embedRequest struct {
	hash string
	text string
	resp chan embedResult
}

type embedResult struct {
	vec []float32
	err error
}

// Pipeline turns records into embeddings. Lookups hit the local cache,
// then the shared cache; misses are funneled into a batch window so
// concurrent sync workers share provider calls. Requests with the same
// content hash are collapsed into one provider input regardless of how
// many workers are waiting on it.
type Pipeline struct {
	provider Provider
	shared   cache.Store // optional
	local    *expirable.LRU[string, []float32]
	log      zerolog.Logger

	requests chan embedRequest

	mu      sync.RWMutex
	modelID string
	size    int
	maxWait time.Duration
}

// NewPipeline creates a pipeline. shared may be nil when no shared
// cache is deployed. Run must be started before Embed is called.
func NewPipeline(provider Provider, shared cache.Store, cfg PipelineConfig, log zerolog.Logger) *Pipeline {
	cfg.defaults()
	return &Pipeline{
		provider: provider,
		shared:   shared,
		local:    expirable.NewLRU[string, []float32](cfg.LocalCacheSize, nil, cfg.CacheTTL),
		log:      log.With().Str("component", "embed").Logger(),
		requests: make(chan embedRequest),
		modelID:  cfg.ModelID,
		size:     cfg.BatchSize,
		maxWait:  cfg.BatchMaxWait,
	}
}

// SetTunables applies reloaded batch knobs. Safe to call while running.
func (p *Pipeline) SetTunables(batchSize int, maxWait time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if batchSize >= 1 {
		p.size = batchSize
	}
	if maxWait > 0 {
		p.maxWait = maxWait
	}
}

func (p *Pipeline) tunables() (int, time.Duration) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.size, p.maxWait
}

// Embed returns the embedding for the record's current content.
//
// An empty normalized text is a permanent error: there is nothing to
// embed and retrying cannot change that. Provider failures propagate
// with their transient/permanent classification intact.
func (p *Pipeline) Embed(ctx context.Context, rec *model.SourceRecord) (model.Embedding, error) {
	text := Normalize(rec)
	if text == "" {
		return model.Embedding{}, model.Permanentf("entity %s/%s has no embeddable text", rec.Type, rec.ID)
	}
	hash := ContentHash(text)

	if vec, ok := p.local.Get(hash); ok {
		return p.embedding(hash, vec), nil
	}
	if vec, ok := p.sharedGet(ctx, hash); ok {
		p.local.Add(hash, vec)
		return p.embedding(hash, vec), nil
	}

	req := embedRequest{hash: hash, text: text, resp: make(chan embedResult, 1)}
	select {
	case p.requests <- req:
	case <-ctx.Done():
		return model.Embedding{}, model.Transient(ctx.Err())
	}

	select {
	case res := <-req.resp:
		if res.err != nil {
			return model.Embedding{}, res.err
		}
		return p.embedding(hash, res.vec), nil
	case <-ctx.Done():
		return model.Embedding{}, model.Transient(ctx.Err())
	}
}

// Run drives the batch window until ctx is cancelled. Pending requests
// are failed with the context error on shutdown so no worker hangs.
func (p *Pipeline) Run(ctx context.Context) error {
	var (
		pending []embedRequest
		timer   *time.Timer
		timeout <-chan time.Time
	)

	flush := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
			timeout = nil
		}
		if len(pending) == 0 {
			return
		}
		batch := pending
		pending = nil
		p.flush(ctx, batch)
	}

	for {
		size, maxWait := p.tunables()

		select {
		case <-ctx.Done():
			for _, req := range pending {
				req.resp <- embedResult{err: model.Transient(ctx.Err())}
			}
			return ctx.Err()

		case req := <-p.requests:
			pending = append(pending, req)
			if uniqueHashes(pending) >= size {
				flush()
				continue
			}
			if timer == nil {
				timer = time.NewTimer(maxWait)
				timeout = timer.C
			}

		case <-timeout:
			timer = nil
			timeout = nil
			flush()
		}
	}
}

// flush issues one provider call for the batch's distinct texts and
// fans results out to every waiter.
func (p *Pipeline) flush(ctx context.Context, batch []embedRequest) {
	// Collapse duplicate hashes, preserving first-seen order.
	var texts []string
	var hashes []string
	waiters := make(map[string][]embedRequest, len(batch))
	for _, req := range batch {
		if _, seen := waiters[req.hash]; !seen {
			texts = append(texts, req.text)
			hashes = append(hashes, req.hash)
		}
		waiters[req.hash] = append(waiters[req.hash], req)
	}

	vecs, err := p.provider.Embed(ctx, texts)
	if err != nil {
		p.log.Warn().Err(err).Int("batch", len(texts)).Msg("embedding batch failed")
		for _, reqs := range waiters {
			for _, req := range reqs {
				req.resp <- embedResult{err: err}
			}
		}
		return
	}

	for i, hash := range hashes {
		vec := vecs[i]
		p.local.Add(hash, vec)
		p.sharedSet(ctx, hash, vec)
		for _, req := range waiters[hash] {
			req.resp <- embedResult{vec: vec}
		}
	}
	p.log.Debug().Int("texts", len(texts)).Int("waiters", len(batch)).Msg("embedding batch flushed")
}

func (p *Pipeline) embedding(hash string, vec []float32) model.Embedding {
	p.mu.RLock()
	modelID := p.modelID
	p.mu.RUnlock()
	return model.Embedding{
		ContentHash: hash,
		Vector:      vec,
		ModelID:     modelID,
		CreatedAt:   time.Now().UTC(),
	}
}

func (p *Pipeline) sharedKey(hash string) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return fmt.Sprintf("emb:%s:%s", p.modelID, hash)
}

func (p *Pipeline) sharedGet(ctx context.Context, hash string) ([]float32, bool) {
	if p.shared == nil {
		return nil, false
	}
	raw, ok, err := p.shared.Get(ctx, p.sharedKey(hash))
	if err != nil || !ok {
		return nil, false
	}
	var vec []float32
	if err := json.Unmarshal(raw, &vec); err != nil {
		return nil, false
	}
	return vec, true
}

func (p *Pipeline) sharedSet(ctx context.Context, hash string, vec []float32) {
	if p.shared == nil {
		return
	}
	raw, err := json.Marshal(vec)
	if err != nil {
		return
	}
	if err := p.shared.Set(ctx, p.sharedKey(hash), raw); err != nil {
		p.log.Debug().Err(err).Msg("shared cache write failed")
	}
}

// uniqueHashes counts distinct content hashes in the pending batch.
func uniqueHashes(reqs []embedRequest) int {
	seen := make(map[string]struct{}, len(reqs))
	for _, r := range reqs {
		seen[r.hash] = struct{}{}
	}
	return len(seen)
}
