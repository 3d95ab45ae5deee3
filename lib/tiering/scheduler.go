// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package tiering demotes idle objects down the storage tiers. A
// scheduler scans the object store on a fixed interval and moves
// objects whose last access is older than the configured thresholds:
// hot to warm, warm to cold. Promotion back up is an explicit caller
// decision, never automatic.
package tiering

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/snapvault/lib/clock"
	"github.com/bureau-foundation/snapvault/lib/objectstore"
)

// DefaultInterval is the scan period when the config does not
// specify one.
const DefaultInterval = 5 * time.Minute

// Policy holds the idle-age thresholds for demotion. A zero
// threshold disables that demotion step.
type Policy struct {
	// WarmAfter demotes hot objects idle at least this long.
	WarmAfter time.Duration

	// ColdAfter demotes objects idle at least this long to cold.
	// Must exceed WarmAfter when both are set.
	ColdAfter time.Duration
}

// TickStats summarizes one scan pass.
type TickStats struct {
	Scanned int64
	Demoted int64
	Failed  int64
}

// Totals are cumulative counters across all passes.
type Totals struct {
	Ticks   int64 `cbor:"ticks" json:"ticks"`
	Scanned int64 `cbor:"scanned" json:"scanned"`
	Demoted int64 `cbor:"demoted" json:"demoted"`
	Failed  int64 `cbor:"failed" json:"failed"`
	Skipped int64 `cbor:"skipped" json:"skipped"`
}

// Config holds the parameters for creating a Scheduler.
type Config struct {
	// Store is the object store to scan. Required.
	Store *objectstore.Store

	// Policy sets the demotion thresholds.
	Policy Policy

	// Interval is the scan period. Zero means DefaultInterval.
	Interval time.Duration

	// Clock drives the ticker and age computation. Required.
	Clock clock.Clock

	// Logger receives per-pass summaries and per-object failures.
	// Required.
	Logger *slog.Logger
}

// Scheduler runs the periodic demotion scan. Ticks never overlap: if
// a pass is still running when the next tick fires, that tick is
// skipped and counted.
type Scheduler struct {
	store    *objectstore.Store
	policy   Policy
	interval time.Duration
	clock    clock.Clock
	logger   *slog.Logger

	running atomic.Bool

	mu     sync.Mutex
	totals Totals
}

// New validates the policy and creates a Scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("tiering: Store is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("tiering: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("tiering: Logger is required")
	}
	if cfg.Policy.WarmAfter > 0 && cfg.Policy.ColdAfter > 0 && cfg.Policy.ColdAfter <= cfg.Policy.WarmAfter {
		return nil, fmt.Errorf("tiering: ColdAfter (%v) must exceed WarmAfter (%v)",
			cfg.Policy.ColdAfter, cfg.Policy.WarmAfter)
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	return &Scheduler{
		store:    cfg.Store,
		policy:   cfg.Policy,
		interval: interval,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}, nil
}

// Run scans on the configured interval until the context is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.running.CompareAndSwap(false, true) {
				s.mu.Lock()
				s.totals.Skipped++
				s.mu.Unlock()
				s.logger.Warn("tiering pass still running, skipping tick")
				continue
			}
			s.tick(ctx)
			s.running.Store(false)
		}
	}
}

// Tick runs one demotion pass synchronously. Exposed for the service
// trigger operation and tests; Run calls the same logic.
func (s *Scheduler) Tick(ctx context.Context) TickStats {
	if !s.running.CompareAndSwap(false, true) {
		s.mu.Lock()
		s.totals.Skipped++
		s.mu.Unlock()
		return TickStats{}
	}
	defer s.running.Store(false)
	return s.tick(ctx)
}

func (s *Scheduler) tick(ctx context.Context) TickStats {
	// Flush access times first so demotion decisions see reads that
	// happened since the last pass, and the persisted index does too.
	if err := s.store.FlushAccess(ctx); err != nil {
		s.logger.Error("flushing access times before tiering pass failed", "error", err)
	}

	now := s.clock.Now()
	var stats TickStats

	for _, entry := range s.store.Entries() {
		stats.Scanned++

		target := s.targetTier(entry.Tier, now.Sub(entry.LastAccess))
		if target == entry.Tier {
			continue
		}

		if err := s.store.MoveObjectTier(ctx, entry.StorageID, target); err != nil {
			// One stuck object must not stall the rest of the pass.
			stats.Failed++
			s.logger.Error("tier demotion failed",
				"storage_id", objectstore.FormatHash(entry.StorageID),
				"from", string(entry.Tier),
				"to", string(target),
				"error", err,
			)
			continue
		}
		stats.Demoted++
	}

	s.mu.Lock()
	s.totals.Ticks++
	s.totals.Scanned += stats.Scanned
	s.totals.Demoted += stats.Demoted
	s.totals.Failed += stats.Failed
	s.mu.Unlock()

	if stats.Demoted > 0 || stats.Failed > 0 {
		s.logger.Info("tiering pass complete",
			"scanned", stats.Scanned,
			"demoted", stats.Demoted,
			"failed", stats.Failed,
		)
	}
	return stats
}

// targetTier returns the tier an object idle for the given duration
// belongs in, never higher than its current tier.
func (s *Scheduler) targetTier(current objectstore.Tier, idle time.Duration) objectstore.Tier {
	target := current
	switch current {
	case objectstore.TierHot:
		if s.policy.WarmAfter > 0 && idle >= s.policy.WarmAfter {
			target = objectstore.TierWarm
		}
		if s.policy.ColdAfter > 0 && idle >= s.policy.ColdAfter {
			target = objectstore.TierCold
		}
	case objectstore.TierWarm:
		if s.policy.ColdAfter > 0 && idle >= s.policy.ColdAfter {
			target = objectstore.TierCold
		}
	}
	return target
}

// Stats returns the cumulative counters.
func (s *Scheduler) Stats() Totals {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totals
}
