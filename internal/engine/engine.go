// Package engine assembles the sync engine: change capture, worker
// pool, embedding pipeline, retry queue, reconciliation, and the
// operator dashboard, with one Run lifecycle over all of them.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/voxmind/searchsync/internal/cache"
	"github.com/voxmind/searchsync/internal/config"
	"github.com/voxmind/searchsync/internal/dashboard"
	"github.com/voxmind/searchsync/internal/embed"
	"github.com/voxmind/searchsync/internal/model"
	"github.com/voxmind/searchsync/internal/reconcile"
	"github.com/voxmind/searchsync/internal/retry"
	"github.com/voxmind/searchsync/internal/source"
	"github.com/voxmind/searchsync/internal/state"
	"github.com/voxmind/searchsync/internal/syncer"
	"github.com/voxmind/searchsync/internal/vectorindex"
)

// retryDrainInterval is how often ready retry jobs are fed back into
// the worker pool.
const retryDrainInterval = 500 * time.Millisecond

// Engine owns every component and their shared lifecycle.
type Engine struct {
	cfg *config.Config
	log zerolog.Logger

	sourcePool *pgxpool.Pool
	indexPool  *pgxpool.Pool

	state     *state.DB
	pipeline  *embed.Pipeline
	coord     *syncer.Coordinator
	pool      *syncer.Pool
	retryq    *retry.Queue
	listener  *source.Listener
	sweeper   *reconcile.Sweeper
	dash      *dashboard.Server
}

// Stats is the /stats payload.
type Stats struct {
	Pool         syncer.PoolStats     `json:"pool"`
	RetryPending int                  `json:"retry_pending"`
	DeadLetters  int                  `json:"dead_letters"`
	LastSweep    reconcile.SweepStats `json:"last_sweep"`
	LastSweepAt  time.Time            `json:"last_sweep_at"`
	ListenerOK   bool                 `json:"listener_ok"`
}

// New constructs the engine. Every collaborator is built here and
// passed in explicitly; nothing reaches for globals.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Engine, error) {
	e := &Engine{cfg: cfg, log: log}

	var err error
	e.sourcePool, err = pgxpool.New(ctx, cfg.SourceDSN)
	if err != nil {
		return nil, fmt.Errorf("source pool: %w", err)
	}
	if cfg.IndexDSN == cfg.SourceDSN {
		e.indexPool = e.sourcePool
	} else {
		e.indexPool, err = pgxpool.New(ctx, cfg.IndexDSN)
		if err != nil {
			e.sourcePool.Close()
			return nil, fmt.Errorf("index pool: %w", err)
		}
	}

	e.state, err = state.Open(cfg.StatePath)
	if err != nil {
		e.closePools()
		return nil, err
	}

	src := source.NewPostgresStore(e.sourcePool)
	index := vectorindex.NewPgVector(e.indexPool)
	cacheStore := cache.NewMemory(16384, cfg.CacheTTL)
	inval := cache.NewInvalidator(cacheStore)

	provider := embed.NewHTTPProvider(cfg.EmbedBaseURL, cfg.EmbedAPIKey, cfg.EmbedModel)
	e.pipeline = embed.NewPipeline(provider, cacheStore, embed.PipelineConfig{
		ModelID:      cfg.EmbedModel,
		BatchSize:    cfg.BatchSize,
		BatchMaxWait: cfg.BatchMaxWait,
		CacheTTL:     cfg.CacheTTL,
	}, log)

	e.coord = syncer.NewCoordinator(src, index, e.pipeline, inval, log)

	e.retryq = retry.New(retry.Config{
		MaxAttempts: cfg.MaxRetryAttempts,
		BackoffBase: cfg.RetryBackoffBase,
	}, e.state, log)

	e.pool = syncer.NewPool(e.coord, syncer.PoolConfig{
		Workers:    cfg.WorkerConcurrency,
		QueueDepth: cfg.QueueDepth,
	}, e.retryq.Fail, e.onProcessed, log)

	e.listener = source.NewListener(source.ListenerConfig{
		DSN:            cfg.SourceDSN,
		Channel:        cfg.ChangeChannel,
		UnhealthyAfter: cfg.ListenerUnhealthyAfter,
	}, log, e.pool.Submit)

	e.sweeper = reconcile.New(src, index, e.state, e.pool.Submit, reconcile.Config{
		Interval: cfg.ReconciliationInterval,
		PageSize: cfg.ReconcilePageSize,
	}, log)

	if cfg.DashboardAddr != "" {
		e.dash = dashboard.NewServer(cfg.DashboardAddr, e.statsSnapshot, e.listener.Healthy, log)
	}

	return e, nil
}

// Run blocks until ctx is cancelled or a component fails fatally.
// Shutdown order: the context cancels every loop; in-flight events
// finish inside their workers, the reconciliation checkpoint is
// already persisted page by page, and the pools close last.
func (e *Engine) Run(ctx context.Context) error {
	defer e.close()

	if e.dash != nil {
		if err := e.dash.Start(); err != nil {
			return fmt.Errorf("start dashboard: %w", err)
		}
		defer e.dash.Stop()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.pipeline.Run(ctx) })
	g.Go(func() error { return e.pool.Run(ctx) })
	g.Go(func() error { return e.listener.Run(ctx) })
	g.Go(func() error { return e.sweeper.Run(ctx, e.listener.ResyncRequests()) })
	g.Go(func() error { return e.drainRetries(ctx) })

	e.log.Info().Msg("engine started")
	err := g.Wait()
	e.log.Info().Msg("engine stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// SweepOnce runs a single reconciliation pass with events applied
// synchronously, for the one-shot CLI. Failures during the sweep are
// retried by the next sweep rather than a retry queue.
func (e *Engine) SweepOnce(ctx context.Context) (reconcile.SweepStats, error) {
	defer e.close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go e.pipeline.Run(runCtx)

	direct := reconcile.New(
		source.NewPostgresStore(e.sourcePool),
		vectorindex.NewPgVector(e.indexPool),
		e.state,
		func(ctx context.Context, ev model.ChangeEvent) error {
			if err := e.coord.Handle(ctx, ev); err != nil {
				e.log.Error().Err(err).Str("entity", ev.Key()).Msg("sweep repair failed")
			}
			return nil
		},
		reconcile.Config{
			Interval: e.cfg.ReconciliationInterval,
			PageSize: e.cfg.ReconcilePageSize,
		}, e.log)

	return direct.Sweep(ctx)
}

// ApplyConfig pushes reloaded tunables into the running components.
// Structural options (DSNs, worker count, addresses) need a restart.
func (e *Engine) ApplyConfig(cfg *config.Config) {
	e.pipeline.SetTunables(cfg.BatchSize, cfg.BatchMaxWait)
	e.retryq.SetTunables(cfg.MaxRetryAttempts, cfg.RetryBackoffBase)
	e.sweeper.SetInterval(cfg.ReconciliationInterval)
	e.log.Info().Msg("configuration reloaded")
}

// drainRetries periodically moves ready retry jobs back into the pool.
func (e *Engine) drainRetries(ctx context.Context) error {
	ticker := time.NewTicker(retryDrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			for _, job := range e.retryq.DequeueReady(now) {
				if err := e.pool.Resubmit(ctx, job); err != nil {
					return err
				}
			}
		}
	}
}

// onProcessed feeds the dashboard's live event stream.
func (e *Engine) onProcessed(ev model.ChangeEvent, err error) {
	if e.dash == nil {
		return
	}
	payload := map[string]any{
		"entity_type": ev.Type,
		"entity_id":   ev.EntityID,
		"operation":   ev.Op.String(),
	}
	if err != nil {
		payload["error"] = err.Error()
	}
	e.dash.Broadcast(dashboard.MessageTypeSync, payload)
}

func (e *Engine) statsSnapshot() any {
	stats := Stats{
		Pool:         e.pool.Stats(),
		RetryPending: e.retryq.Len(),
		ListenerOK:   e.listener.Healthy(),
	}
	stats.LastSweep, stats.LastSweepAt = e.sweeper.Last()
	if n, err := e.state.CountDeadLetters(context.Background()); err == nil {
		stats.DeadLetters = n
	}
	return stats
}

func (e *Engine) close() {
	if e.state != nil {
		_ = e.state.Close()
	}
	e.closePools()
}

func (e *Engine) closePools() {
	if e.indexPool != nil && e.indexPool != e.sourcePool {
		e.indexPool.Close()
	}
	if e.sourcePool != nil {
		e.sourcePool.Close()
	}
}
