// Package model defines the core types shared by the search sync engine:
// source records read from the relational store, change events flowing
// through the coordinator, embeddings, vector index entries, and the
// retry/reconciliation bookkeeping types.
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// EntityType identifies the kind of business entity being indexed.
type EntityType string

const (
	// EntityProduct is a product record from the catalog.
	EntityProduct EntityType = "product"

	// EntityRule is a business rule record.
	EntityRule EntityType = "rule"
)

// Valid reports whether the entity type is one the engine indexes.
func (t EntityType) Valid() bool {
	return t == EntityProduct || t == EntityRule
}

// Operation is the kind of change applied to an entity.
type Operation int

const (
	// OpUpsert indicates the entity was created or updated.
	OpUpsert Operation = iota
	// OpDelete indicates the entity was deleted or deactivated.
	OpDelete
)

// String returns a human-readable representation of the operation.
func (op Operation) String() string {
	switch op {
	case OpUpsert:
		return "upsert"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the operation by name, matching the notification
// wire format.
func (op Operation) MarshalJSON() ([]byte, error) {
	return json.Marshal(op.String())
}

// UnmarshalJSON decodes an operation name.
func (op *Operation) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, ok := ParseOperation(s)
	if !ok {
		return fmt.Errorf("unknown operation %q", s)
	}
	*op = parsed
	return nil
}

// ParseOperation converts a wire-format operation name to an Operation.
func ParseOperation(s string) (Operation, bool) {
	switch s {
	case "upsert", "insert", "update":
		return OpUpsert, true
	case "delete":
		return OpDelete, true
	default:
		return 0, false
	}
}

// SourceRecord is an entity read from the relational store. The sync
// engine never mutates source records; the relational store owns them.
type SourceRecord struct {
	// ID is the stable entity identifier.
	ID string

	// Type tags the entity kind (product, rule).
	Type EntityType

	// Title and Body are the searchable text fields.
	Title string
	Body  string

	// Attrs holds denormalized searchable attributes carried into the
	// vector index payload (category, tags, price band, ...).
	Attrs map[string]string

	// Version increases monotonically on every update.
	Version int64

	// Active is false for soft-deleted or unpublished records. Inactive
	// records must not appear in the vector index.
	Active bool

	// UpdatedAt is the store-side modification time. Volatile: it is
	// excluded from the normalized text so timestamp churn never
	// re-embeds identical content.
	UpdatedAt time.Time
}

// ChangeEvent is a single detected mutation of a source entity.
//
// Events are delivered at-least-once: the live notification channel is
// best-effort and the reconciliation sweeper re-synthesizes events for
// anything it missed, so consumers must process them idempotently.
type ChangeEvent struct {
	Type       EntityType `json:"entity_type"`
	EntityID   string     `json:"entity_id"`
	Op         Operation  `json:"operation"`
	DetectedAt time.Time  `json:"detected_at"`

	// SourceVersion is the entity version that triggered the event,
	// when known. Zero means unknown (the coordinator re-fetches the
	// record either way).
	SourceVersion int64 `json:"source_version"`
}

// Key returns the routing key for the event. All events for the same
// entity share a key so they land on the same worker.
func (e ChangeEvent) Key() string {
	return string(e.Type) + "/" + e.EntityID
}

// Embedding is a cached vector for a specific normalized text.
type Embedding struct {
	// ContentHash is the deterministic fingerprint of the normalized
	// text this vector was computed from.
	ContentHash string

	Vector    []float32
	ModelID   string
	CreatedAt time.Time
}

// IndexEntry is the engine's view of one vector store row.
type IndexEntry struct {
	EntityID string
	Vector   []float32

	// Payload holds the denormalized searchable fields stored alongside
	// the vector.
	Payload map[string]string

	// SourceVersion is the source record version this entry reflects.
	// Reconciliation compares it against the store to detect staleness.
	SourceVersion int64
}

// SyncJob wraps a ChangeEvent queued for retry after a transient
// failure. Jobs live in the retry queue until they succeed or exhaust
// their attempts and move to the dead-letter log.
type SyncJob struct {
	ID          string
	Event       ChangeEvent
	Attempts    int
	NextRetryAt time.Time
	LastErr     string
}

// Checkpoint is the reconciliation cursor over the source entity space.
// It bounds a single sweep's memory and lets an interrupted sweep
// resume without re-scanning completed pages.
type Checkpoint struct {
	Type      EntityType
	LastID    string
	UpdatedAt time.Time
}
