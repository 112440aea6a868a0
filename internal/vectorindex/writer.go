// Package vectorindex provides idempotent write access to the vector
// store. The engine is the sole mutator of the index; the search query
// path only reads it.
package vectorindex

import (
	"context"
	"errors"

	"github.com/voxmind/searchsync/internal/model"
)

// ErrNotFound is returned by Get when no entry exists for the id.
var ErrNotFound = errors.New("vectorindex: entry not found")

// EntryMeta is the id/version pair reconciliation compares against the
// source store.
type EntryMeta struct {
	EntityID      string
	SourceVersion int64
}

// Writer is the engine's interface to the vector store.
//
// All operations are idempotent. Upsert is last-writer-wins by source
// version, not by arrival time: an upsert carrying a version lower than
// what is stored is a no-op, so reordered or replayed events can never
// clobber newer state. Delete on a missing id succeeds silently.
type Writer interface {
	Upsert(ctx context.Context, entry model.IndexEntry) error
	Delete(ctx context.Context, entityID string) error
	Get(ctx context.Context, entityID string) (*model.IndexEntry, error)

	// Scan pages over entry metadata ordered by entity id, for
	// reconciliation. An empty result means the scan is complete.
	Scan(ctx context.Context, afterID string, limit int) ([]EntryMeta, error)
}
