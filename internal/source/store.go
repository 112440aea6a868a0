// Package source provides read access to the relational
// source-of-record and the change-notification listener that feeds the
// sync engine.
//
// The engine only ever reads from the source store. All mutation
// happens in the ERP layer above; this package observes it.
package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voxmind/searchsync/internal/model"
)

// ErrNotFound is returned by Lookup when no record exists for the id.
var ErrNotFound = errors.New("source: record not found")

// Store is the query interface over the relational source-of-record.
type Store interface {
	// Lookup fetches the current record by type and id. Returns
	// ErrNotFound when the id does not exist.
	Lookup(ctx context.Context, typ model.EntityType, id string) (*model.SourceRecord, error)

	// ScanPage returns up to limit records of the given type with id
	// strictly greater than afterID, ordered by id. An empty result
	// means the scan is complete.
	ScanPage(ctx context.Context, typ model.EntityType, afterID string, limit int) ([]model.SourceRecord, error)
}

// PostgresStore implements Store over a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an existing pool. The caller owns the pool's
// lifecycle.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Lookup implements Store.Lookup.
func (s *PostgresStore) Lookup(ctx context.Context, typ model.EntityType, id string) (*model.SourceRecord, error) {
	const q = `
		SELECT id, entity_type, title, body, attrs, version, active, updated_at
		FROM source_entities
		WHERE entity_type = $1 AND id = $2`

	rec, err := scanRecord(s.pool.QueryRow(ctx, q, string(typ), id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, model.Transientf("source lookup %s/%s: %w", typ, id, err)
	}
	return rec, nil
}

// ScanPage implements Store.ScanPage.
func (s *PostgresStore) ScanPage(ctx context.Context, typ model.EntityType, afterID string, limit int) ([]model.SourceRecord, error) {
	const q = `
		SELECT id, entity_type, title, body, attrs, version, active, updated_at
		FROM source_entities
		WHERE entity_type = $1 AND id > $2
		ORDER BY id
		LIMIT $3`

	rows, err := s.pool.Query(ctx, q, string(typ), afterID, limit)
	if err != nil {
		return nil, model.Transientf("source scan %s after %q: %w", typ, afterID, err)
	}
	defer rows.Close()

	var out []model.SourceRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("source scan row: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, model.Transientf("source scan %s: %w", typ, err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*model.SourceRecord, error) {
	var rec model.SourceRecord
	var typ string
	if err := row.Scan(&rec.ID, &typ, &rec.Title, &rec.Body, &rec.Attrs,
		&rec.Version, &rec.Active, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Type = model.EntityType(typ)
	return &rec, nil
}
