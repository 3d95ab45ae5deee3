// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/snapvault/lib/clock"
)

// DefaultSweepInterval is how often the background sweeper removes
// expired entries when the config does not specify one.
const DefaultSweepInterval = time.Minute

// Stats are cumulative cache counters plus the current memory layer
// occupancy.
type Stats struct {
	MemoryEntries int64 `cbor:"memory_entries" json:"memory_entries"`
	MemoryBytes   int64 `cbor:"memory_bytes" json:"memory_bytes"`
	Hits          int64 `cbor:"hits" json:"hits"`
	DurableHits   int64 `cbor:"durable_hits" json:"durable_hits"`
	Misses        int64 `cbor:"misses" json:"misses"`
	Evictions     int64 `cbor:"evictions" json:"evictions"`
	Expirations   int64 `cbor:"expirations" json:"expirations"`

	// HitRate is the fraction of lookups served from either layer,
	// 0 when no lookups have happened.
	HitRate float64 `cbor:"hit_rate" json:"hit_rate"`
}

// Config holds the parameters for creating a cache Manager.
type Config struct {
	// MemoryBudget caps the total value bytes held in memory. Zero
	// means unlimited. A single value larger than the budget bypasses
	// the memory layer entirely.
	MemoryBudget int64

	// DefaultTTL applies to Set calls with a zero TTL.
	DefaultTTL time.Duration

	// DurablePath enables the durable layer: a SQLite database at
	// this path. Empty disables it, leaving a memory-only cache.
	DurablePath string

	// SweepInterval is the period of the background expiry sweep run
	// by Run. Zero means DefaultSweepInterval.
	SweepInterval time.Duration

	// Clock provides time for expiry decisions. Required.
	Clock clock.Clock

	// Logger receives sweep and durable-layer messages. Required.
	Logger *slog.Logger
}

// memoryEntry is one value in the memory layer.
type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// Manager is the dual-layer cache. Safe for concurrent use.
type Manager struct {
	memoryBudget  int64
	defaultTTL    time.Duration
	sweepInterval time.Duration
	clock         clock.Clock
	logger        *slog.Logger
	durable       *durableLayer

	mu          sync.Mutex
	entries     map[string]memoryEntry
	memoryBytes int64
	expiry      expiryHeap
	stats       Stats
}

// New creates a cache Manager, opening the durable layer when
// configured.
func New(cfg Config) (*Manager, error) {
	if cfg.Clock == nil {
		return nil, fmt.Errorf("cache: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("cache: Logger is required")
	}

	sweepInterval := cfg.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}

	manager := &Manager{
		memoryBudget:  cfg.MemoryBudget,
		defaultTTL:    cfg.DefaultTTL,
		sweepInterval: sweepInterval,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
		entries:       make(map[string]memoryEntry),
	}

	if cfg.DurablePath != "" {
		durable, err := openDurable(cfg.DurablePath, cfg.Logger)
		if err != nil {
			return nil, fmt.Errorf("cache: %w", err)
		}
		manager.durable = durable
	}

	return manager, nil
}

// Set stores a value with the given TTL. Zero TTL means the
// configured default; if that is also zero the entry never expires.
func (m *Manager) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = m.clock.Now().Add(ttl)
	}

	m.mu.Lock()
	m.setMemoryLocked(key, value, expiresAt)
	m.mu.Unlock()

	if m.durable != nil {
		if err := m.durable.set(ctx, key, value, expiresAt); err != nil {
			return fmt.Errorf("cache: set %q: %w", key, err)
		}
	}
	return nil
}

// Get returns the cached value for a key, checking the memory layer
// first and falling through to the durable layer. The second return
// is false on a miss or expired entry.
func (m *Manager) Get(ctx context.Context, key string) ([]byte, bool, error) {
	now := m.clock.Now()

	m.mu.Lock()
	entry, exists := m.entries[key]
	if exists {
		if entry.expiresAt.IsZero() || now.Before(entry.expiresAt) {
			m.stats.Hits++
			value := entry.value
			m.mu.Unlock()
			return value, true, nil
		}
		m.removeMemoryLocked(key)
		m.stats.Expirations++
	}
	m.mu.Unlock()

	if m.durable == nil {
		m.mu.Lock()
		m.stats.Misses++
		m.mu.Unlock()
		return nil, false, nil
	}

	value, expiresAt, found, err := m.durable.get(ctx, key, now)
	if err != nil {
		return nil, false, fmt.Errorf("cache: get %q: %w", key, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !found {
		m.stats.Misses++
		return nil, false, nil
	}

	// Promote the durable hit into memory.
	m.setMemoryLocked(key, value, expiresAt)
	m.stats.DurableHits++
	return value, true, nil
}

// Delete removes a key from both layers. Deleting an absent key is a
// no-op.
func (m *Manager) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	m.removeMemoryLocked(key)
	m.mu.Unlock()

	if m.durable != nil {
		if err := m.durable.delete(ctx, key); err != nil {
			return fmt.Errorf("cache: delete %q: %w", key, err)
		}
	}
	return nil
}

// Clear empties both layers. Counters are kept.
func (m *Manager) Clear(ctx context.Context) error {
	m.mu.Lock()
	m.entries = make(map[string]memoryEntry)
	m.expiry = nil
	m.memoryBytes = 0
	m.mu.Unlock()

	if m.durable != nil {
		if err := m.durable.clear(ctx); err != nil {
			return fmt.Errorf("cache: clear: %w", err)
		}
	}
	return nil
}

// Stats returns a snapshot of the cache counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := m.stats
	stats.MemoryEntries = int64(len(m.entries))
	stats.MemoryBytes = m.memoryBytes
	if lookups := stats.Hits + stats.DurableHits + stats.Misses; lookups > 0 {
		stats.HitRate = float64(stats.Hits+stats.DurableHits) / float64(lookups)
	}
	return stats
}

// Sweep removes expired entries from both layers. Run calls this on
// every tick; callers may invoke it directly in tests.
func (m *Manager) Sweep(ctx context.Context) {
	now := m.clock.Now()

	m.mu.Lock()
	for key, entry := range m.entries {
		if !entry.expiresAt.IsZero() && !now.Before(entry.expiresAt) {
			m.removeMemoryLocked(key)
			m.stats.Expirations++
		}
	}
	m.mu.Unlock()

	if m.durable != nil {
		removed, err := m.durable.sweep(ctx, now)
		if err != nil {
			m.logger.Error("durable cache sweep failed", "error", err)
			return
		}
		if removed > 0 {
			m.logger.Debug("durable cache sweep", "removed", removed)
		}
	}
}

// Run sweeps expired entries periodically until the context is
// cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := m.clock.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Close releases the durable layer. The memory layer needs no
// cleanup.
func (m *Manager) Close() error {
	if m.durable != nil {
		return m.durable.close()
	}
	return nil
}

// setMemoryLocked stores a value in the memory layer, evicting
// entries closest to expiry until the budget holds. Values larger
// than the whole budget skip the memory layer.
func (m *Manager) setMemoryLocked(key string, value []byte, expiresAt time.Time) {
	size := int64(len(value))
	if m.memoryBudget > 0 && size > m.memoryBudget {
		m.removeMemoryLocked(key)
		return
	}

	m.removeMemoryLocked(key)
	m.entries[key] = memoryEntry{value: value, expiresAt: expiresAt}
	m.memoryBytes += size
	heap.Push(&m.expiry, expiryItem{key: key, expiresAt: expiresAt})

	if m.memoryBudget > 0 {
		m.evictOverBudgetLocked()
	}
}

// evictOverBudgetLocked pops expiry-heap items until the memory layer
// fits its budget. Stale heap items (whose key was removed or
// re-inserted with a different expiry) are discarded on the way.
func (m *Manager) evictOverBudgetLocked() {
	for m.memoryBytes > m.memoryBudget && m.expiry.Len() > 0 {
		item := heap.Pop(&m.expiry).(expiryItem)
		entry, exists := m.entries[item.key]
		if !exists || !entry.expiresAt.Equal(item.expiresAt) {
			continue
		}
		m.memoryBytes -= int64(len(entry.value))
		delete(m.entries, item.key)
		m.stats.Evictions++
	}
}

// removeMemoryLocked removes a key from the memory layer. The expiry
// heap keeps its stale item; eviction discards it lazily.
func (m *Manager) removeMemoryLocked(key string) {
	entry, exists := m.entries[key]
	if !exists {
		return
	}
	m.memoryBytes -= int64(len(entry.value))
	delete(m.entries, key)
}

// expiryItem orders memory entries by expiry time. Entries without an
// expiry sort last.
type expiryItem struct {
	key       string
	expiresAt time.Time
}

type expiryHeap []expiryItem

func (h expiryHeap) Len() int { return len(h) }

func (h expiryHeap) Less(i, j int) bool {
	// Zero expiry means "never": evict those only after everything
	// with a deadline.
	if h[i].expiresAt.IsZero() {
		return false
	}
	if h[j].expiresAt.IsZero() {
		return true
	}
	return h[i].expiresAt.Before(h[j].expiresAt)
}

func (h expiryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *expiryHeap) Push(x any) { *h = append(*h, x.(expiryItem)) }

func (h *expiryHeap) Pop() any {
	old := *h
	item := old[len(old)-1]
	*h = old[:len(old)-1]
	return item
}
