// Package retry holds failed sync jobs for backoff re-processing and
// routes exhausted or permanently-failed jobs to the dead-letter log.
package retry

import (
	"container/heap"
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/voxmind/searchsync/internal/model"
)

// DeadLetterSink receives jobs that will never be retried again. The
// sink must persist the full job context; a dead-lettered job is kept
// for inspection, never silently dropped.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, job model.SyncJob, class model.ErrorClass) error
}

// Config tunes backoff and the retry ceiling.
type Config struct {
	// MaxAttempts is the number of retries allowed after the first
	// failure. A job failing MaxAttempts+1 times total dead-letters.
	MaxAttempts int

	// BackoffBase is the delay scale for the first retry; delays grow
	// exponentially with full jitter, capped at BackoffMax.
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

func (c *Config) defaults() {
	if c.MaxAttempts < 0 {
		c.MaxAttempts = 0
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 2 * time.Minute
	}
}

// Queue is an in-memory retry queue ordered by next-retry time.
//
// Jobs live here (not in a durable store) because the reconciliation
// sweep is the durable backstop: a crash loses pending retries, and the
// next sweep re-detects the drift they were repairing.
type Queue struct {
	mu   sync.Mutex
	jobs jobHeap
	cfg  Config

	sink DeadLetterSink
	log  zerolog.Logger
	rng  *rand.Rand
}

// New creates a queue. sink must not be nil.
func New(cfg Config, sink DeadLetterSink, log zerolog.Logger) *Queue {
	cfg.defaults()
	return &Queue{
		cfg:  cfg,
		sink: sink,
		log:  log.With().Str("component", "retry").Logger(),
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetTunables applies reloaded retry knobs. Safe to call while running.
func (q *Queue) SetTunables(maxAttempts int, backoffBase time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if maxAttempts >= 0 {
		q.cfg.MaxAttempts = maxAttempts
	}
	if backoffBase > 0 {
		q.cfg.BackoffBase = backoffBase
	}
}

// Fail records a failed processing attempt for the event.
//
// Permanent failures and jobs beyond the attempt cap go straight to the
// dead-letter sink. Everything else is scheduled for a retry at
// now + backoff(attempt).
func (q *Queue) Fail(ctx context.Context, ev model.ChangeEvent, attempts int, cause error) {
	class := model.Classify(cause)
	job := model.SyncJob{
		ID:       uuid.NewString(),
		Event:    ev,
		Attempts: attempts + 1,
		LastErr:  cause.Error(),
	}

	q.mu.Lock()
	maxAttempts := q.cfg.MaxAttempts
	q.mu.Unlock()

	if class == model.ClassPermanent || job.Attempts > maxAttempts {
		if err := q.sink.DeadLetter(ctx, job, class); err != nil {
			// Last resort: the job context must not vanish.
			q.log.Error().Err(err).
				Str("entity", ev.Key()).
				Str("cause", job.LastErr).
				Msg("dead-letter write failed; job dropped from retry path")
			return
		}
		q.log.Warn().
			Str("entity", ev.Key()).
			Int("attempts", job.Attempts).
			Str("class", class.String()).
			Str("cause", job.LastErr).
			Msg("job dead-lettered")
		return
	}

	q.mu.Lock()
	job.NextRetryAt = time.Now().Add(q.backoff(job.Attempts))
	heap.Push(&q.jobs, job)
	q.mu.Unlock()

	q.log.Debug().
		Str("entity", ev.Key()).
		Int("attempt", job.Attempts).
		Time("next_retry_at", job.NextRetryAt).
		Msg("job scheduled for retry")
}

// DequeueReady removes and returns every job whose retry time has
// elapsed, oldest first.
func (q *Queue) DequeueReady(now time.Time) []model.SyncJob {
	q.mu.Lock()
	defer q.mu.Unlock()

	var ready []model.SyncJob
	for q.jobs.Len() > 0 && !q.jobs[0].NextRetryAt.After(now) {
		ready = append(ready, heap.Pop(&q.jobs).(model.SyncJob))
	}
	return ready
}

// Len reports the number of jobs waiting for retry.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.jobs.Len()
}

// backoff computes an exponential delay with full jitter. Callers hold
// q.mu.
func (q *Queue) backoff(attempt int) time.Duration {
	d := q.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= q.cfg.BackoffMax {
			d = q.cfg.BackoffMax
			break
		}
	}
	// Full jitter spreads retries so a burst of failures does not
	// stampede the dependency that just recovered.
	return time.Duration(q.rng.Int63n(int64(d)) + 1)
}

// jobHeap is a min-heap on NextRetryAt.
type jobHeap []model.SyncJob

func (h jobHeap) Len() int            { return len(h) }
func (h jobHeap) Less(i, j int) bool  { return h[i].NextRetryAt.Before(h[j].NextRetryAt) }
func (h jobHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x any)         { *h = append(*h, x.(model.SyncJob)) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	job := old[n-1]
	*h = old[:n-1]
	return job
}
