package syncer

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/voxmind/searchsync/internal/model"
)

// item is one queued unit of work: the event plus the attempts already
// spent on it by the retry path.
type item struct {
	ev       model.ChangeEvent
	attempts int
}

// FailFunc receives events the coordinator could not process, along
// with the attempts spent so far. The retry queue implements it.
type FailFunc func(ctx context.Context, ev model.ChangeEvent, attempts int, cause error)

// PoolStats is a snapshot of the pool's counters.
type PoolStats struct {
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
	Coalesced int64 `json:"coalesced"`
}

// Pool runs a fixed set of workers over bounded per-worker queues.
//
// Events are routed by FNV hash of their entity key, so all events for
// one entity land on one worker and are applied serially — the
// lock-free way to keep a lower-version write from clobbering a
// higher-version one mid-flight. Events for different entities
// interleave freely across workers.
//
// Duplicate events queued for the same entity coalesce to the newest
// one: processing the older first would only do work the newer event
// immediately redoes. Submit blocks when the target queue is full;
// backpressure slows the listener instead of dropping events, because
// reconciliation — not the listener — is the authoritative backstop.
type Pool struct {
	coord   *Coordinator
	fail    FailFunc
	onDone  func(ev model.ChangeEvent, err error)
	log     zerolog.Logger
	workers []*worker

	processed atomic.Int64
	failed    atomic.Int64
	coalesced atomic.Int64
}

type worker struct {
	mu      sync.Mutex
	pending map[string]item
	keys    chan string
}

// PoolConfig sizes the pool.
type PoolConfig struct {
	// Workers is the number of concurrent sync workers.
	Workers int

	// QueueDepth is each worker's bounded queue size.
	QueueDepth int
}

// NewPool creates a pool. fail must not be nil; onDone is an optional
// hook (dashboard broadcast) invoked after every processed event.
func NewPool(coord *Coordinator, cfg PoolConfig, fail FailFunc, onDone func(ev model.ChangeEvent, err error), log zerolog.Logger) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueDepth < 1 {
		cfg.QueueDepth = 64
	}

	p := &Pool{
		coord:  coord,
		fail:   fail,
		onDone: onDone,
		log:    log.With().Str("component", "pool").Logger(),
	}
	p.workers = make([]*worker, cfg.Workers)
	for i := range p.workers {
		p.workers[i] = &worker{
			pending: make(map[string]item),
			keys:    make(chan string, cfg.QueueDepth),
		}
	}
	return p
}

// Submit queues a live event with zero prior attempts. It blocks while
// the target worker's queue is full.
func (p *Pool) Submit(ctx context.Context, ev model.ChangeEvent) error {
	return p.submit(ctx, item{ev: ev})
}

// Resubmit queues a retried job, preserving its attempt count.
func (p *Pool) Resubmit(ctx context.Context, job model.SyncJob) error {
	return p.submit(ctx, item{ev: job.Event, attempts: job.Attempts})
}

func (p *Pool) submit(ctx context.Context, it item) error {
	key := it.ev.Key()
	w := p.workers[p.route(key)]

	w.mu.Lock()
	if cur, queued := w.pending[key]; queued {
		// Coalesce: keep the newest version, keep the higher attempt
		// count so a flapping entity still reaches the retry ceiling.
		if it.ev.SourceVersion >= cur.ev.SourceVersion {
			if cur.attempts > it.attempts {
				it.attempts = cur.attempts
			}
			w.pending[key] = it
		}
		w.mu.Unlock()
		p.coalesced.Add(1)
		return nil
	}
	w.pending[key] = it
	w.mu.Unlock()

	select {
	case w.keys <- key:
		return nil
	case <-ctx.Done():
		w.mu.Lock()
		delete(w.pending, key)
		w.mu.Unlock()
		return ctx.Err()
	}
}

// Run blocks running all workers until ctx is cancelled. The event an
// individual worker is processing at cancellation finishes; events
// still queued are abandoned, and the next reconciliation sweep
// re-detects whatever they would have changed.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i, w := range p.workers {
		i, w := i, w
		g.Go(func() error {
			p.log.Debug().Int("worker", i).Msg("worker started")
			return p.runWorker(ctx, w)
		})
	}
	return g.Wait()
}

func (p *Pool) runWorker(ctx context.Context, w *worker) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case key := <-w.keys:
			w.mu.Lock()
			it, ok := w.pending[key]
			delete(w.pending, key)
			w.mu.Unlock()
			if !ok {
				continue
			}

			err := p.coord.Handle(ctx, it.ev)
			if err != nil {
				p.failed.Add(1)
				if ctx.Err() != nil {
					// Shutdown, not a processing failure: requeue so a
					// durable retry path could pick it up; here the
					// reconciliation sweep covers it.
					return ctx.Err()
				}
				p.fail(ctx, it.ev, it.attempts, err)
			} else {
				p.processed.Add(1)
			}
			if p.onDone != nil {
				p.onDone(it.ev, err)
			}
		}
	}
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
		Coalesced: p.coalesced.Load(),
	}
}

// route picks the worker index for a routing key.
func (p *Pool) route(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(p.workers)))
}
