// Package syncer orchestrates per-entity synchronization: the
// coordinator applies one change event end to end, and the pool fans
// events out across workers while keeping same-entity work serialized.
package syncer

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"github.com/voxmind/searchsync/internal/model"
	"github.com/voxmind/searchsync/internal/source"
	"github.com/voxmind/searchsync/internal/vectorindex"
)

// Embedder produces an embedding for a record's current content.
type Embedder interface {
	Embed(ctx context.Context, rec *model.SourceRecord) (model.Embedding, error)
}

// Invalidator drops cache entries made stale by an index write.
type Invalidator interface {
	Invalidate(ctx context.Context, typ model.EntityType, id string) error
}

// IndexID is the vector store key for an entity. Types share one index,
// so the key carries the type tag.
func IndexID(typ model.EntityType, id string) string {
	return string(typ) + "/" + id
}

// SplitIndexID is the inverse of IndexID. ok is false for keys that do
// not carry a valid type tag.
func SplitIndexID(indexID string) (model.EntityType, string, bool) {
	typ, id, found := strings.Cut(indexID, "/")
	if !found || id == "" || !model.EntityType(typ).Valid() {
		return "", "", false
	}
	return model.EntityType(typ), id, true
}

// Coordinator applies change events against the vector index.
//
// It trusts the source store over the event: every event triggers a
// fresh fetch, and whatever the store returns right now is what gets
// indexed. Replayed, duplicated, or reordered events therefore
// converge on the same final state.
type Coordinator struct {
	source source.Store
	index  vectorindex.Writer
	embed  Embedder
	inval  Invalidator
	log    zerolog.Logger
}

// NewCoordinator wires a coordinator with its collaborators.
func NewCoordinator(src source.Store, index vectorindex.Writer, embed Embedder, inval Invalidator, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		source: src,
		index:  index,
		embed:  embed,
		inval:  inval,
		log:    log.With().Str("component", "coordinator").Logger(),
	}
}

// Handle processes one change event.
//
// Errors propagate to the caller with their transient/permanent
// classification; the caller (worker pool) decides retry versus
// dead-letter. Handle never swallows a failure.
func (c *Coordinator) Handle(ctx context.Context, ev model.ChangeEvent) error {
	// Events can arrive out of order (concurrent delivery, retries).
	// When the index already reflects a version at or past the event's,
	// the event is stale and there is nothing to do. The version guard
	// inside the writer backstops this check; doing it here too skips
	// the embedding cost.
	if ev.Op == model.OpUpsert && ev.SourceVersion > 0 {
		entry, err := c.index.Get(ctx, IndexID(ev.Type, ev.EntityID))
		if err == nil && entry.SourceVersion >= ev.SourceVersion {
			c.log.Debug().Str("entity", ev.Key()).
				Int64("event_version", ev.SourceVersion).
				Int64("index_version", entry.SourceVersion).
				Msg("event already reflected, skipping")
			return nil
		}
		if err != nil && !errors.Is(err, vectorindex.ErrNotFound) {
			return err
		}
	}

	rec, err := c.source.Lookup(ctx, ev.Type, ev.EntityID)
	if err != nil {
		if errors.Is(err, source.ErrNotFound) {
			return c.remove(ctx, ev.Type, ev.EntityID)
		}
		return err
	}
	if !rec.Active {
		return c.remove(ctx, ev.Type, ev.EntityID)
	}

	emb, err := c.embed.Embed(ctx, rec)
	if err != nil {
		return err
	}

	entry := model.IndexEntry{
		EntityID:      IndexID(rec.Type, rec.ID),
		Vector:        emb.Vector,
		Payload:       buildPayload(rec),
		SourceVersion: rec.Version,
	}
	if err := c.index.Upsert(ctx, entry); err != nil {
		return err
	}
	if err := c.inval.Invalidate(ctx, rec.Type, rec.ID); err != nil {
		return err
	}

	c.log.Debug().Str("entity", ev.Key()).Int64("version", rec.Version).Msg("entity indexed")
	return nil
}

// remove deletes the index entry and invalidates caches. Used for
// deleted and deactivated records; both must disappear from search.
func (c *Coordinator) remove(ctx context.Context, typ model.EntityType, id string) error {
	if err := c.index.Delete(ctx, IndexID(typ, id)); err != nil {
		return err
	}
	if err := c.inval.Invalidate(ctx, typ, id); err != nil {
		return err
	}
	c.log.Debug().Str("entity", string(typ)+"/"+id).Msg("entity removed from index")
	return nil
}

// buildPayload assembles the denormalized searchable fields stored next
// to the vector.
func buildPayload(rec *model.SourceRecord) map[string]string {
	payload := make(map[string]string, len(rec.Attrs)+2)
	for k, v := range rec.Attrs {
		payload[k] = v
	}
	payload["entity_type"] = string(rec.Type)
	payload["title"] = rec.Title
	return payload
}
