package cache

import (
	"context"
	"fmt"

	"github.com/voxmind/searchsync/internal/model"
)

// Key layout:
//
//	entity:<type>:<id>   read-through record cache
//	query:<type>         coarse generation key for query-result caches
//
// Query caches embed the current generation value in their own keys, so
// deleting the generation key invalidates every cached result set that
// could contain the entity. Type-level coarseness loses precision but
// never correctness.

// EntityKey returns the read-through cache key for a single record.
func EntityKey(typ model.EntityType, id string) string {
	return fmt.Sprintf("entity:%s:%s", typ, id)
}

// QueryGenKey returns the type-level query generation key.
func QueryGenKey(typ model.EntityType) string {
	return fmt.Sprintf("query:%s", typ)
}

// Invalidator removes cache entries made stale by an index write.
type Invalidator struct {
	store Store
}

// NewInvalidator creates an invalidator over the given store.
func NewInvalidator(store Store) *Invalidator {
	return &Invalidator{store: store}
}

// Invalidate drops the entity's read-through entry and bumps the
// type-level query generation. Called by the sync coordinator after
// every successful upsert or delete.
func (inv *Invalidator) Invalidate(ctx context.Context, typ model.EntityType, id string) error {
	if err := inv.store.Delete(ctx, EntityKey(typ, id)); err != nil {
		return model.Transientf("invalidate entity %s/%s: %w", typ, id, err)
	}
	if err := inv.store.Delete(ctx, QueryGenKey(typ)); err != nil {
		return model.Transientf("invalidate query generation %s: %w", typ, err)
	}
	return nil
}
