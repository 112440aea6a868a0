package syncer

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/voxmind/searchsync/internal/model"
	"github.com/voxmind/searchsync/internal/vectorindex"
)

func startPool(t *testing.T, coord *Coordinator, cfg PoolConfig, fail FailFunc) *Pool {
	t.Helper()
	if fail == nil {
		fail = func(context.Context, model.ChangeEvent, int, error) {}
	}
	p := NewPool(coord, cfg, fail, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return p
}

// drain waits until every submitted event is either processed, failed,
// or coalesced away.
func drain(t *testing.T, p *Pool, submitted int64) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		s := p.Stats()
		if s.Processed+s.Failed+s.Coalesced >= submitted {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("pool did not drain %d events: %+v", submitted, p.Stats())
}

func TestPoolConvergesUnderConcurrentLoad(t *testing.T) {
	const (
		entities = 100
		events   = 1000
		workers  = 8
	)

	src := newFakeSource()
	finalVersions := make(map[string]int64, entities)
	for i := 0; i < entities; i++ {
		id := fmt.Sprintf("p%03d", i)
		final := int64(1 + rand.Intn(10))
		finalVersions[id] = final
		src.put(activeProduct(id, final))
	}

	index := vectorindex.NewMemory()
	coord := NewCoordinator(src, index, &fakeEmbedder{}, &fakeInvalidator{}, zerolog.Nop())
	p := startPool(t, coord, PoolConfig{Workers: workers, QueueDepth: 32}, nil)

	// Fire events concurrently, with versions at or below each entity's
	// final version arriving in random order.
	var wg sync.WaitGroup
	ctx := context.Background()
	for i := 0; i < events; i++ {
		id := fmt.Sprintf("p%03d", rand.Intn(entities))
		version := int64(1 + rand.Intn(int(finalVersions[id])))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.Submit(ctx, upsertEvent(id, version)); err != nil {
				t.Errorf("submit: %v", err)
			}
		}()
	}
	wg.Wait()
	drain(t, p, events)

	// Every touched entity must reflect its current source version.
	for i := 0; i < entities; i++ {
		id := fmt.Sprintf("p%03d", i)
		entry, err := index.Get(ctx, "product/"+id)
		if err != nil {
			// Entities no event touched are legitimately absent.
			continue
		}
		if entry.SourceVersion != finalVersions[id] {
			t.Errorf("%s: indexed version %d, want %d", id, entry.SourceVersion, finalVersions[id])
		}
	}
	if s := p.Stats(); s.Failed != 0 {
		t.Errorf("failed = %d, want 0", s.Failed)
	}
}

func TestPoolSerializesPerEntity(t *testing.T) {
	src := newFakeSource(activeProduct("p1", 1))
	index := vectorindex.NewMemory()
	guard := &overlapGuard{}
	coord := NewCoordinator(src, index, guard, &fakeInvalidator{}, zerolog.Nop())
	p := startPool(t, coord, PoolConfig{Workers: 8, QueueDepth: 64}, nil)

	ctx := context.Background()
	const events = 50
	var wg sync.WaitGroup
	for i := 0; i < events; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.Submit(ctx, upsertEvent("p1", int64(i+1))); err != nil {
				t.Errorf("submit: %v", err)
			}
		}()
	}
	wg.Wait()
	drain(t, p, events)

	if guard.overlapped.Load() {
		t.Error("two events for the same entity were processed concurrently")
	}
}

// overlapGuard is an Embedder that detects concurrent calls for the
// same entity.
type overlapGuard struct {
	mu         sync.Mutex
	inflight   map[string]bool
	overlapped atomic.Bool
}

func (g *overlapGuard) Embed(_ context.Context, rec *model.SourceRecord) (model.Embedding, error) {
	g.mu.Lock()
	if g.inflight == nil {
		g.inflight = make(map[string]bool)
	}
	if g.inflight[rec.ID] {
		g.overlapped.Store(true)
	}
	g.inflight[rec.ID] = true
	g.mu.Unlock()

	time.Sleep(time.Millisecond)

	g.mu.Lock()
	g.inflight[rec.ID] = false
	g.mu.Unlock()
	return model.Embedding{Vector: []float32{1}}, nil
}

func TestPoolCoalescesQueuedDuplicates(t *testing.T) {
	src := newFakeSource(activeProduct("hot", 5))
	index := vectorindex.NewMemory()
	// A slow embedder keeps the worker busy so duplicates pile up.
	coord := NewCoordinator(src, index, &slowEmbedder{delay: 20 * time.Millisecond}, &fakeInvalidator{}, zerolog.Nop())
	p := startPool(t, coord, PoolConfig{Workers: 1, QueueDepth: 64}, nil)

	ctx := context.Background()
	if err := p.Submit(ctx, upsertEvent("hot", 1)); err != nil {
		t.Fatal(err)
	}
	for v := int64(2); v <= 5; v++ {
		if err := p.Submit(ctx, upsertEvent("hot", v)); err != nil {
			t.Fatal(err)
		}
	}
	drain(t, p, 5)

	s := p.Stats()
	if s.Coalesced == 0 {
		t.Error("expected queued duplicates to coalesce")
	}
	entry, err := index.Get(ctx, "product/hot")
	if err != nil {
		t.Fatal(err)
	}
	if entry.SourceVersion != 5 {
		t.Errorf("version = %d, want 5", entry.SourceVersion)
	}
}

type slowEmbedder struct {
	delay time.Duration
}

func (s *slowEmbedder) Embed(context.Context, *model.SourceRecord) (model.Embedding, error) {
	time.Sleep(s.delay)
	return model.Embedding{Vector: []float32{1}}, nil
}

func TestPoolRoutesFailuresToFailFunc(t *testing.T) {
	src := newFakeSource(activeProduct("p1", 1))
	index := vectorindex.NewMemory()
	emb := &fakeEmbedder{err: model.Transientf("provider down")}
	coord := NewCoordinator(src, index, emb, &fakeInvalidator{}, zerolog.Nop())

	var mu sync.Mutex
	var failures []model.ChangeEvent
	var attempts []int
	fail := func(_ context.Context, ev model.ChangeEvent, att int, cause error) {
		mu.Lock()
		defer mu.Unlock()
		failures = append(failures, ev)
		attempts = append(attempts, att)
	}
	p := startPool(t, coord, PoolConfig{Workers: 2, QueueDepth: 8}, fail)

	ctx := context.Background()
	if err := p.Submit(ctx, upsertEvent("p1", 1)); err != nil {
		t.Fatal(err)
	}
	drain(t, p, 1)

	mu.Lock()
	defer mu.Unlock()
	if len(failures) != 1 {
		t.Fatalf("failures = %d, want 1", len(failures))
	}
	if failures[0].EntityID != "p1" || attempts[0] != 0 {
		t.Errorf("failure = %+v attempts=%d", failures[0], attempts[0])
	}
}

func TestPoolResubmitPreservesAttempts(t *testing.T) {
	src := newFakeSource(activeProduct("p1", 1))
	index := vectorindex.NewMemory()
	emb := &fakeEmbedder{err: model.Transientf("still down")}
	coord := NewCoordinator(src, index, emb, &fakeInvalidator{}, zerolog.Nop())

	got := make(chan int, 1)
	fail := func(_ context.Context, _ model.ChangeEvent, att int, _ error) {
		select {
		case got <- att:
		default:
		}
	}
	p := startPool(t, coord, PoolConfig{Workers: 1, QueueDepth: 8}, fail)

	job := model.SyncJob{Event: upsertEvent("p1", 1), Attempts: 3}
	if err := p.Resubmit(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	select {
	case att := <-got:
		if att != 3 {
			t.Errorf("attempts = %d, want 3 preserved through resubmit", att)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("failure callback never fired")
	}
}

func TestPoolRoutingIsStable(t *testing.T) {
	p := NewPool(nil, PoolConfig{Workers: 8}, func(context.Context, model.ChangeEvent, int, error) {}, nil, zerolog.Nop())

	for _, key := range []string{"product/p1", "rule/r1", "product/zzz"} {
		first := p.route(key)
		for i := 0; i < 10; i++ {
			if got := p.route(key); got != first {
				t.Fatalf("route(%q) unstable: %d then %d", key, first, got)
			}
		}
	}
}
