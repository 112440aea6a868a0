package state

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/voxmind/searchsync/internal/model"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open state db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestDeadLetterRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	job := model.SyncJob{
		ID: "job-1",
		Event: model.ChangeEvent{
			Type:          model.EntityProduct,
			EntityID:      "p1",
			Op:            model.OpUpsert,
			DetectedAt:    time.Now().UTC().Truncate(time.Second),
			SourceVersion: 7,
		},
		Attempts: 6,
		LastErr:  "provider returned 500",
	}

	if err := db.DeadLetter(ctx, job, model.ClassTransient); err != nil {
		t.Fatalf("dead letter: %v", err)
	}

	records, err := db.ListDeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}

	rec := records[0]
	if rec.ID != "job-1" || rec.Attempts != 6 || rec.LastErr != "provider returned 500" {
		t.Errorf("record fields mismatch: %+v", rec)
	}
	if rec.Event.EntityID != "p1" || rec.Event.SourceVersion != 7 || rec.Event.Op != model.OpUpsert {
		t.Errorf("event payload mismatch: %+v", rec.Event)
	}
	if rec.Class != "transient" {
		t.Errorf("class = %q, want transient", rec.Class)
	}
}

func TestCountDeadLetters(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for i, id := range []string{"p1", "p2", "p3"} {
		job := model.SyncJob{
			ID:    id,
			Event: model.ChangeEvent{Type: model.EntityProduct, EntityID: id},
		}
		if err := db.DeadLetter(ctx, job, model.ClassPermanent); err != nil {
			t.Fatalf("dead letter %d: %v", i, err)
		}
	}

	n, err := db.CountDeadLetters(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 3 {
		t.Errorf("count = %d, want 3", n)
	}
}

func TestListDeadLettersLimit(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c", "d"} {
		job := model.SyncJob{ID: id, Event: model.ChangeEvent{Type: model.EntityRule, EntityID: id}}
		if err := db.DeadLetter(ctx, job, model.ClassPermanent); err != nil {
			t.Fatal(err)
		}
	}

	records, err := db.ListDeadLetters(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Errorf("records = %d, want limit 2", len(records))
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	// No checkpoint yet: zero cursor, no error.
	cp, err := db.LoadCheckpoint(ctx, model.EntityProduct)
	if err != nil {
		t.Fatalf("load empty: %v", err)
	}
	if cp.LastID != "" {
		t.Errorf("empty checkpoint LastID = %q, want empty", cp.LastID)
	}

	if err := db.SaveCheckpoint(ctx, model.Checkpoint{Type: model.EntityProduct, LastID: "p500"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	// Saving again replaces, never duplicates.
	if err := db.SaveCheckpoint(ctx, model.Checkpoint{Type: model.EntityProduct, LastID: "p900"}); err != nil {
		t.Fatalf("save again: %v", err)
	}

	cp, err = db.LoadCheckpoint(ctx, model.EntityProduct)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cp.LastID != "p900" {
		t.Errorf("LastID = %q, want p900", cp.LastID)
	}
	if cp.UpdatedAt.IsZero() {
		t.Error("UpdatedAt not persisted")
	}

	// Checkpoints are per entity type.
	other, err := db.LoadCheckpoint(ctx, model.EntityRule)
	if err != nil {
		t.Fatal(err)
	}
	if other.LastID != "" {
		t.Errorf("rule checkpoint LastID = %q, want empty", other.LastID)
	}
}

func TestClearCheckpoint(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.SaveCheckpoint(ctx, model.Checkpoint{Type: model.EntityRule, LastID: "r42"}); err != nil {
		t.Fatal(err)
	}
	if err := db.ClearCheckpoint(ctx, model.EntityRule); err != nil {
		t.Fatal(err)
	}

	cp, err := db.LoadCheckpoint(ctx, model.EntityRule)
	if err != nil {
		t.Fatal(err)
	}
	if cp.LastID != "" {
		t.Errorf("LastID = %q after clear, want empty", cp.LastID)
	}
}

func TestStateSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	job := model.SyncJob{ID: "j1", Event: model.ChangeEvent{Type: model.EntityProduct, EntityID: "p1"}}
	if err := db.DeadLetter(ctx, job, model.ClassPermanent); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveCheckpoint(ctx, model.Checkpoint{Type: model.EntityProduct, LastID: "p7"}); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	db, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()

	n, err := db.CountDeadLetters(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("dead letters after reopen = %d, want 1", n)
	}
	cp, err := db.LoadCheckpoint(ctx, model.EntityProduct)
	if err != nil {
		t.Fatal(err)
	}
	if cp.LastID != "p7" {
		t.Errorf("checkpoint after reopen = %q, want p7", cp.LastID)
	}
}
