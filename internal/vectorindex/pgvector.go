package vectorindex

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/voxmind/searchsync/internal/model"
)

// PgVector implements Writer against a Postgres pgvector table.
//
// Schema (managed by deployment migrations, shown for reference):
//
//	CREATE TABLE vector_index (
//	    entity_id      TEXT PRIMARY KEY,
//	    embedding      VECTOR NOT NULL,
//	    payload        JSONB NOT NULL DEFAULT '{}',
//	    source_version BIGINT NOT NULL,
//	    updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
type PgVector struct {
	pool *pgxpool.Pool
}

// NewPgVector wraps an existing pool. The caller owns the pool's
// lifecycle.
func NewPgVector(pool *pgxpool.Pool) *PgVector {
	return &PgVector{pool: pool}
}

// Upsert implements Writer. The version guard lives in the SQL itself
// so concurrent writers race safely inside the store: a stale upsert
// conflicts, fails the WHERE clause, and changes nothing.
func (w *PgVector) Upsert(ctx context.Context, entry model.IndexEntry) error {
	const q = `
		INSERT INTO vector_index (entity_id, embedding, payload, source_version, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (entity_id) DO UPDATE SET
			embedding      = EXCLUDED.embedding,
			payload        = EXCLUDED.payload,
			source_version = EXCLUDED.source_version,
			updated_at     = now()
		WHERE vector_index.source_version <= EXCLUDED.source_version`

	_, err := w.pool.Exec(ctx, q,
		entry.EntityID, pgvector.NewVector(entry.Vector), entry.Payload, entry.SourceVersion)
	if err != nil {
		return model.Transientf("vector upsert %s: %w", entry.EntityID, err)
	}
	return nil
}

// Delete implements Writer. Deleting a missing id is not an error.
func (w *PgVector) Delete(ctx context.Context, entityID string) error {
	if _, err := w.pool.Exec(ctx, `DELETE FROM vector_index WHERE entity_id = $1`, entityID); err != nil {
		return model.Transientf("vector delete %s: %w", entityID, err)
	}
	return nil
}

// Get implements Writer.
func (w *PgVector) Get(ctx context.Context, entityID string) (*model.IndexEntry, error) {
	const q = `
		SELECT entity_id, embedding, payload, source_version
		FROM vector_index
		WHERE entity_id = $1`

	var entry model.IndexEntry
	var vec pgvector.Vector
	err := w.pool.QueryRow(ctx, q, entityID).Scan(
		&entry.EntityID, &vec, &entry.Payload, &entry.SourceVersion)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, model.Transientf("vector get %s: %w", entityID, err)
	}
	entry.Vector = vec.Slice()
	return &entry, nil
}

// Scan implements Writer.
func (w *PgVector) Scan(ctx context.Context, afterID string, limit int) ([]EntryMeta, error) {
	const q = `
		SELECT entity_id, source_version
		FROM vector_index
		WHERE entity_id > $1
		ORDER BY entity_id
		LIMIT $2`

	rows, err := w.pool.Query(ctx, q, afterID, limit)
	if err != nil {
		return nil, model.Transientf("vector scan after %q: %w", afterID, err)
	}
	defer rows.Close()

	var out []EntryMeta
	for rows.Next() {
		var m EntryMeta
		if err := rows.Scan(&m.EntityID, &m.SourceVersion); err != nil {
			return nil, model.Transientf("vector scan row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, model.Transientf("vector scan: %w", err)
	}
	return out, nil
}
