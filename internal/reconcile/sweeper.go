// Package reconcile repairs drift between the relational source and the
// vector index.
//
// The live event path is an optimization: fast, but built on
// at-most-once notifications. The sweep is the correctness guarantee.
// It pages through the source comparing versions against the index,
// re-submits anything stale or missing through the same coordinator
// path live events use, and removes index entries whose source record
// is gone.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/voxmind/searchsync/internal/model"
	"github.com/voxmind/searchsync/internal/source"
	"github.com/voxmind/searchsync/internal/syncer"
	"github.com/voxmind/searchsync/internal/vectorindex"
)

// CheckpointStore persists the sweep cursor so an interrupted sweep
// resumes instead of re-scanning completed pages.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, cp model.Checkpoint) error
	LoadCheckpoint(ctx context.Context, typ model.EntityType) (model.Checkpoint, error)
	ClearCheckpoint(ctx context.Context, typ model.EntityType) error
}

// SweepStats summarizes one sweep.
type SweepStats struct {
	Scanned   int `json:"scanned"`
	Stale     int `json:"stale"`
	Missing   int `json:"missing"`
	Deactived int `json:"deactivated"`
	Orphans   int `json:"orphans"`
}

// Discrepancies is the number of differences the sweep repaired.
func (s SweepStats) Discrepancies() int {
	return s.Stale + s.Missing + s.Deactived + s.Orphans
}

// Config tunes the sweeper.
type Config struct {
	// Interval between scheduled sweeps.
	Interval time.Duration

	// PageSize bounds each source scan page (and the sweep's memory).
	PageSize int

	// Throttle is a pause between pages. Sweeps share the worker pool
	// with live events; the pause keeps a large sweep from saturating
	// the intake queues and starving live traffic.
	Throttle time.Duration

	// Types are the entity types swept, in order.
	Types []model.EntityType
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.PageSize < 1 {
		c.PageSize = 500
	}
	if len(c.Types) == 0 {
		c.Types = []model.EntityType{model.EntityProduct, model.EntityRule}
	}
}

// Sweeper runs periodic and on-demand reconciliation sweeps.
type Sweeper struct {
	src    source.Store
	index  vectorindex.Writer
	submit func(ctx context.Context, ev model.ChangeEvent) error
	cps    CheckpointStore
	log    zerolog.Logger

	// group serializes sweeps: an overlapping trigger joins the
	// in-flight sweep instead of starting a second one.
	group singleflight.Group

	mu  sync.Mutex
	cfg Config

	lastMu    sync.Mutex
	lastStats SweepStats
	lastRun   time.Time
}

// New creates a sweeper. submit feeds synthesized events into the same
// worker pool live events use.
func New(src source.Store, index vectorindex.Writer, cps CheckpointStore,
	submit func(ctx context.Context, ev model.ChangeEvent) error,
	cfg Config, log zerolog.Logger) *Sweeper {
	cfg.defaults()
	return &Sweeper{
		src:    src,
		index:  index,
		submit: submit,
		cps:    cps,
		cfg:    cfg,
		log:    log.With().Str("component", "reconcile").Logger(),
	}
}

// SetInterval applies a reloaded sweep interval. Takes effect after the
// current wait.
func (s *Sweeper) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.cfg.Interval = d
	s.mu.Unlock()
}

func (s *Sweeper) interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Interval
}

// Run sweeps once at startup (covering anything that changed while the
// engine was down), then on every interval tick and on every demand
// signal — the listener raises one after each reconnect.
func (s *Sweeper) Run(ctx context.Context, demand <-chan struct{}) error {
	if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
		s.log.Error().Err(err).Msg("startup sweep failed")
	}

	timer := time.NewTimer(s.interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		case <-demand:
			s.log.Info().Msg("on-demand reconciliation requested")
		}

		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.log.Error().Err(err).Msg("sweep failed")
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.interval())
	}
}

// Sweep performs one full reconciliation pass. Concurrent callers share
// a single in-flight sweep.
func (s *Sweeper) Sweep(ctx context.Context) (SweepStats, error) {
	v, err, _ := s.group.Do("sweep", func() (any, error) {
		stats, err := s.sweep(ctx)
		if err == nil {
			s.lastMu.Lock()
			s.lastStats = stats
			s.lastRun = time.Now()
			s.lastMu.Unlock()
		}
		return stats, err
	})
	return v.(SweepStats), err
}

// Last returns the most recent completed sweep's stats and finish time.
func (s *Sweeper) Last() (SweepStats, time.Time) {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	return s.lastStats, s.lastRun
}

func (s *Sweeper) sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	start := time.Now()

	s.mu.Lock()
	pageSize := s.cfg.PageSize
	types := s.cfg.Types
	s.mu.Unlock()

	for _, typ := range types {
		if err := s.sweepType(ctx, typ, pageSize, &stats); err != nil {
			return stats, err
		}
	}
	if err := s.sweepOrphans(ctx, pageSize, &stats); err != nil {
		return stats, err
	}

	s.log.Info().
		Int("scanned", stats.Scanned).
		Int("repaired", stats.Discrepancies()).
		Dur("took", time.Since(start)).
		Msg("reconciliation sweep complete")
	return stats, nil
}

// sweepType walks one entity type's source records, resuming from the
// stored checkpoint, and submits an event for every record the index
// does not faithfully reflect.
func (s *Sweeper) sweepType(ctx context.Context, typ model.EntityType, pageSize int, stats *SweepStats) error {
	cp, err := s.cps.LoadCheckpoint(ctx, typ)
	if err != nil {
		return err
	}
	if cp.LastID != "" {
		s.log.Info().Str("type", string(typ)).Str("resume_after", cp.LastID).
			Msg("resuming interrupted sweep")
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		page, err := s.src.ScanPage(ctx, typ, cp.LastID, pageSize)
		if err != nil {
			return fmt.Errorf("sweep %s: %w", typ, err)
		}
		if len(page) == 0 {
			break
		}

		for i := range page {
			if err := s.checkRecord(ctx, &page[i], stats); err != nil {
				return err
			}
		}

		cp.LastID = page[len(page)-1].ID
		if err := s.cps.SaveCheckpoint(ctx, cp); err != nil {
			return err
		}
		s.pause(ctx)
	}

	return s.cps.ClearCheckpoint(ctx, typ)
}

// checkRecord compares one source record against the index and submits
// a repair event when they disagree.
func (s *Sweeper) checkRecord(ctx context.Context, rec *model.SourceRecord, stats *SweepStats) error {
	stats.Scanned++

	entry, err := s.index.Get(ctx, syncer.IndexID(rec.Type, rec.ID))
	switch {
	case err == nil && !rec.Active:
		stats.Deactived++
		return s.submitEvent(ctx, rec.Type, rec.ID, model.OpDelete, rec.Version)
	case err == nil && entry.SourceVersion < rec.Version:
		stats.Stale++
		return s.submitEvent(ctx, rec.Type, rec.ID, model.OpUpsert, rec.Version)
	case err == nil:
		return nil
	case errors.Is(err, vectorindex.ErrNotFound):
		if !rec.Active {
			return nil
		}
		stats.Missing++
		return s.submitEvent(ctx, rec.Type, rec.ID, model.OpUpsert, rec.Version)
	default:
		return err
	}
}

// sweepOrphans removes index entries whose source record no longer
// exists. Source lookups happen per entry; orphans are rare, so the
// cost is dominated by the index scan itself.
func (s *Sweeper) sweepOrphans(ctx context.Context, pageSize int, stats *SweepStats) error {
	afterID := ""
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		page, err := s.index.Scan(ctx, afterID, pageSize)
		if err != nil {
			return fmt.Errorf("orphan scan: %w", err)
		}
		if len(page) == 0 {
			return nil
		}

		for _, meta := range page {
			typ, id, ok := syncer.SplitIndexID(meta.EntityID)
			if !ok {
				// Not an id this engine wrote. Leave it alone.
				s.log.Warn().Str("index_id", meta.EntityID).Msg("unrecognized index entry")
				continue
			}
			_, err := s.src.Lookup(ctx, typ, id)
			if errors.Is(err, source.ErrNotFound) {
				stats.Orphans++
				if err := s.submitEvent(ctx, typ, id, model.OpDelete, 0); err != nil {
					return err
				}
				continue
			}
			if err != nil {
				return err
			}
		}
		afterID = page[len(page)-1].EntityID
		s.pause(ctx)
	}
}

// pause applies the inter-page throttle, waking early on shutdown.
func (s *Sweeper) pause(ctx context.Context) {
	s.mu.Lock()
	d := s.cfg.Throttle
	s.mu.Unlock()
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func (s *Sweeper) submitEvent(ctx context.Context, typ model.EntityType, id string, op model.Operation, version int64) error {
	return s.submit(ctx, model.ChangeEvent{
		Type:          typ,
		EntityID:      id,
		Op:            op,
		DetectedAt:    time.Now().UTC(),
		SourceVersion: version,
	})
}
