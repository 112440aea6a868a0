// Package state provides the engine's local durable state: the
// dead-letter log and the reconciliation checkpoint.
//
// State lives in an embedded SQLite database (WAL mode) next to the
// process. It survives restarts — an interrupted sweep resumes from its
// checkpoint and dead-lettered jobs stay inspectable — without
// requiring another network dependency.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/voxmind/searchsync/internal/model"
)

// DB wraps the SQLite state database.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates or opens the state database at path. The caller must
// Close it.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping state database: %w", err)
	}

	db := &DB{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if err := db.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	err := db.conn.Close()
	db.conn = nil
	return err
}

func (db *DB) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS dead_letters (
		id             TEXT PRIMARY KEY,
		entity_type    TEXT NOT NULL,
		entity_id      TEXT NOT NULL,
		operation      TEXT NOT NULL,
		source_version INTEGER NOT NULL,
		attempts       INTEGER NOT NULL,
		class          TEXT NOT NULL,
		last_error     TEXT NOT NULL,
		event_json     TEXT NOT NULL,
		created_at     TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_dead_letters_entity
		ON dead_letters(entity_type, entity_id);

	CREATE TABLE IF NOT EXISTS checkpoints (
		entity_type TEXT PRIMARY KEY,
		last_id     TEXT NOT NULL,
		updated_at  TEXT NOT NULL
	);`

	if _, err := db.conn.Exec(schema); err != nil {
		return fmt.Errorf("init state schema: %w", err)
	}
	return nil
}

// DeadLetterRecord is one permanently-failed job as stored.
type DeadLetterRecord struct {
	ID        string
	Event     model.ChangeEvent
	Attempts  int
	Class     string
	LastErr   string
	CreatedAt time.Time
}

// DeadLetter implements retry.DeadLetterSink: it persists the job with
// its original event payload for manual inspection.
func (db *DB) DeadLetter(ctx context.Context, job model.SyncJob, class model.ErrorClass) error {
	payload, err := json.Marshal(job.Event)
	if err != nil {
		return fmt.Errorf("marshal dead-letter event: %w", err)
	}

	const q = `
		INSERT INTO dead_letters
			(id, entity_type, entity_id, operation, source_version,
			 attempts, class, last_error, event_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = db.conn.ExecContext(ctx, q,
		job.ID, string(job.Event.Type), job.Event.EntityID, job.Event.Op.String(),
		job.Event.SourceVersion, job.Attempts, class.String(), job.LastErr,
		string(payload), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters returns the most recent records, newest first.
func (db *DB) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetterRecord, error) {
	const q = `
		SELECT id, attempts, class, last_error, event_json, created_at
		FROM dead_letters
		ORDER BY created_at DESC
		LIMIT ?`

	rows, err := db.conn.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetterRecord
	for rows.Next() {
		var rec DeadLetterRecord
		var eventJSON, createdAt string
		if err := rows.Scan(&rec.ID, &rec.Attempts, &rec.Class, &rec.LastErr, &eventJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		if err := json.Unmarshal([]byte(eventJSON), &rec.Event); err != nil {
			return nil, fmt.Errorf("decode dead letter %s: %w", rec.ID, err)
		}
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountDeadLetters returns the total number of dead-lettered jobs.
func (db *DB) CountDeadLetters(ctx context.Context) (int, error) {
	var n int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return n, nil
}

// SaveCheckpoint persists the reconciliation cursor for an entity type.
func (db *DB) SaveCheckpoint(ctx context.Context, cp model.Checkpoint) error {
	const q = `
		INSERT INTO checkpoints (entity_type, last_id, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (entity_type) DO UPDATE SET
			last_id = excluded.last_id,
			updated_at = excluded.updated_at`

	_, err := db.conn.ExecContext(ctx, q,
		string(cp.Type), cp.LastID, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.Type, err)
	}
	return nil
}

// LoadCheckpoint returns the stored cursor for the type, or a zero
// cursor when none exists.
func (db *DB) LoadCheckpoint(ctx context.Context, typ model.EntityType) (model.Checkpoint, error) {
	const q = `SELECT last_id, updated_at FROM checkpoints WHERE entity_type = ?`

	cp := model.Checkpoint{Type: typ}
	var updatedAt string
	err := db.conn.QueryRowContext(ctx, q, string(typ)).Scan(&cp.LastID, &updatedAt)
	if err == sql.ErrNoRows {
		return cp, nil
	}
	if err != nil {
		return cp, fmt.Errorf("load checkpoint %s: %w", typ, err)
	}
	cp.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return cp, nil
}

// ClearCheckpoint removes the cursor after a completed sweep so the
// next sweep starts from the beginning.
func (db *DB) ClearCheckpoint(ctx context.Context, typ model.EntityType) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM checkpoints WHERE entity_type = ?`, string(typ)); err != nil {
		return fmt.Errorf("clear checkpoint %s: %w", typ, err)
	}
	return nil
}
