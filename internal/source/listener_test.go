package source

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/voxmind/searchsync/internal/model"
)

func TestEventFromPayload(t *testing.T) {
	tests := []struct {
		name    string
		payload notifyPayload
		want    model.ChangeEvent
		wantErr string
	}{
		{
			name:    "upsert",
			payload: notifyPayload{Operation: "update", EntityType: "product", EntityID: "p1", Version: 3},
			want:    model.ChangeEvent{Type: model.EntityProduct, EntityID: "p1", Op: model.OpUpsert, SourceVersion: 3},
		},
		{
			name:    "delete",
			payload: notifyPayload{Operation: "delete", EntityType: "rule", EntityID: "r2"},
			want:    model.ChangeEvent{Type: model.EntityRule, EntityID: "r2", Op: model.OpDelete},
		},
		{
			name:    "unknown operation",
			payload: notifyPayload{Operation: "vacuum", EntityType: "product", EntityID: "p1"},
			wantErr: "unknown operation",
		},
		{
			name:    "unknown entity type",
			payload: notifyPayload{Operation: "update", EntityType: "invoice", EntityID: "i1"},
			wantErr: "unknown entity type",
		},
		{
			name:    "missing id",
			payload: notifyPayload{Operation: "update", EntityType: "product"},
			wantErr: "missing entity id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := eventFromPayload(tt.payload)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("err = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Type != tt.want.Type || got.EntityID != tt.want.EntityID ||
				got.Op != tt.want.Op || got.SourceVersion != tt.want.SourceVersion {
				t.Errorf("event = %+v, want %+v", got, tt.want)
			}
			if got.DetectedAt.IsZero() {
				t.Error("DetectedAt not stamped")
			}
		})
	}
}

func TestHandleNotification(t *testing.T) {
	var emitted []model.ChangeEvent
	l := NewListener(ListenerConfig{Channel: "changes"}, zerolog.Nop(),
		func(_ context.Context, ev model.ChangeEvent) error {
			emitted = append(emitted, ev)
			return nil
		})

	ctx := context.Background()
	l.handleNotification(ctx, `{"operation":"insert","entity_type":"product","entity_id":"p9","version":2}`)
	l.handleNotification(ctx, `not json`)
	l.handleNotification(ctx, `{"operation":"drop","entity_type":"product","entity_id":"p9"}`)

	if len(emitted) != 1 {
		t.Fatalf("emitted %d events, want 1 (malformed payloads skipped)", len(emitted))
	}
	if emitted[0].EntityID != "p9" || emitted[0].Op != model.OpUpsert || emitted[0].SourceVersion != 2 {
		t.Errorf("event = %+v", emitted[0])
	}
}

func TestListenerHealth(t *testing.T) {
	l := NewListener(ListenerConfig{
		Channel:        "changes",
		UnhealthyAfter: 30 * time.Millisecond,
	}, zerolog.Nop(), func(context.Context, model.ChangeEvent) error { return nil })

	// Never connected: healthy only within the grace window.
	if !l.Healthy() {
		t.Error("expected healthy within the startup grace window")
	}
	time.Sleep(60 * time.Millisecond)
	if l.Healthy() {
		t.Error("expected unhealthy after the grace window with no connection")
	}

	l.setConnected(true)
	if !l.Healthy() {
		t.Error("expected healthy while connected")
	}

	l.setConnected(false)
	if !l.Healthy() {
		t.Error("expected healthy immediately after a disconnect")
	}
	time.Sleep(60 * time.Millisecond)
	if l.Healthy() {
		t.Error("expected unhealthy after a prolonged disconnect")
	}
}

func TestResyncRequestsCoalesce(t *testing.T) {
	l := NewListener(ListenerConfig{Channel: "changes"}, zerolog.Nop(),
		func(context.Context, model.ChangeEvent) error { return nil })

	l.requestResync()
	l.requestResync()
	l.requestResync()

	select {
	case <-l.ResyncRequests():
	default:
		t.Fatal("expected a pending resync signal")
	}
	select {
	case <-l.ResyncRequests():
		t.Error("resync signals not coalesced")
	default:
	}
}
