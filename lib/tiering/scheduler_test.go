// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tiering

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/bureau-foundation/snapvault/lib/clock"
	"github.com/bureau-foundation/snapvault/lib/meta"
	"github.com/bureau-foundation/snapvault/lib/objectstore"
	"github.com/bureau-foundation/snapvault/lib/quota"
)

type schedulerEnv struct {
	store     *objectstore.Store
	scheduler *Scheduler
	clock     *clock.FakeClock
}

func newSchedulerEnv(t *testing.T, policy Policy) *schedulerEnv {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metaStore := meta.NewMemory()

	quotas, err := quota.New(ctx, quota.Config{Meta: metaStore, Logger: logger})
	if err != nil {
		t.Fatalf("quota.New: %v", err)
	}

	fakeClock := clock.Fake(time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC))
	store, err := objectstore.Open(ctx, objectstore.Config{
		Root:   t.TempDir(),
		Meta:   metaStore,
		Quotas: quotas,
		Logger: logger,
		Clock:  fakeClock,
	})
	if err != nil {
		t.Fatalf("objectstore.Open: %v", err)
	}
	t.Cleanup(func() { store.Close(ctx) })

	scheduler, err := New(Config{
		Store:  store,
		Policy: policy,
		Clock:  fakeClock,
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	return &schedulerEnv{store: store, scheduler: scheduler, clock: fakeClock}
}

func tierOf(t *testing.T, store *objectstore.Store, key string) objectstore.Tier {
	t.Helper()
	info, err := store.Info(key)
	if err != nil {
		t.Fatalf("Info %s: %v", key, err)
	}
	return info.Tier
}

func TestDemotionByIdleAge(t *testing.T) {
	env := newSchedulerEnv(t, Policy{WarmAfter: time.Hour, ColdAfter: 24 * time.Hour})
	ctx := context.Background()

	if _, err := env.store.Put(ctx, "idle", []byte("idle payload"), objectstore.PutOptions{}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Fresh object stays hot.
	stats := env.scheduler.Tick(ctx)
	if stats.Demoted != 0 {
		t.Errorf("Demoted = %d for fresh object, want 0", stats.Demoted)
	}
	if got := tierOf(t, env.store, "idle"); got != objectstore.TierHot {
		t.Errorf("tier = %v, want hot", got)
	}

	// Past WarmAfter: hot -> warm.
	env.clock.Advance(2 * time.Hour)
	stats = env.scheduler.Tick(ctx)
	if stats.Demoted != 1 {
		t.Errorf("Demoted = %d, want 1", stats.Demoted)
	}
	if got := tierOf(t, env.store, "idle"); got != objectstore.TierWarm {
		t.Errorf("tier = %v, want warm", got)
	}

	// Past ColdAfter: warm -> cold.
	env.clock.Advance(25 * time.Hour)
	stats = env.scheduler.Tick(ctx)
	if stats.Demoted != 1 {
		t.Errorf("Demoted = %d, want 1", stats.Demoted)
	}
	if got := tierOf(t, env.store, "idle"); got != objectstore.TierCold {
		t.Errorf("tier = %v, want cold", got)
	}

	// Cold is terminal: further passes do nothing.
	env.clock.Advance(100 * time.Hour)
	if stats := env.scheduler.Tick(ctx); stats.Demoted != 0 {
		t.Errorf("Demoted = %d for cold object, want 0", stats.Demoted)
	}
}

func TestLongIdleHotObjectGoesStraightToCold(t *testing.T) {
	env := newSchedulerEnv(t, Policy{WarmAfter: time.Hour, ColdAfter: 24 * time.Hour})
	ctx := context.Background()

	if _, err := env.store.Put(ctx, "stale", []byte("payload"), objectstore.PutOptions{}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Scheduler was down for two days; the object skips warm.
	env.clock.Advance(48 * time.Hour)
	env.scheduler.Tick(ctx)
	if got := tierOf(t, env.store, "stale"); got != objectstore.TierCold {
		t.Errorf("tier = %v, want cold", got)
	}
}

func TestAccessResetsIdleAge(t *testing.T) {
	env := newSchedulerEnv(t, Policy{WarmAfter: time.Hour})
	ctx := context.Background()

	if _, err := env.store.Put(ctx, "active", []byte("payload"), objectstore.PutOptions{}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	env.clock.Advance(50 * time.Minute)
	if _, _, err := env.store.Get(ctx, "active"); err != nil {
		t.Fatalf("Get: %v", err)
	}

	// 50 more minutes: only 50 idle since the read.
	env.clock.Advance(50 * time.Minute)
	env.scheduler.Tick(ctx)
	if got := tierOf(t, env.store, "active"); got != objectstore.TierHot {
		t.Errorf("tier = %v after recent access, want hot", got)
	}

	env.clock.Advance(2 * time.Hour)
	env.scheduler.Tick(ctx)
	if got := tierOf(t, env.store, "active"); got != objectstore.TierWarm {
		t.Errorf("tier = %v after going idle, want warm", got)
	}
}

func TestZeroPolicyDisablesDemotion(t *testing.T) {
	env := newSchedulerEnv(t, Policy{})
	ctx := context.Background()

	if _, err := env.store.Put(ctx, "k", []byte("payload"), objectstore.PutOptions{}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	env.clock.Advance(1000 * time.Hour)
	if stats := env.scheduler.Tick(ctx); stats.Demoted != 0 {
		t.Errorf("Demoted = %d with empty policy, want 0", stats.Demoted)
	}
}

func TestFailedMoveDoesNotStallPass(t *testing.T) {
	env := newSchedulerEnv(t, Policy{WarmAfter: time.Hour})
	ctx := context.Background()

	broken, err := env.store.Put(ctx, "broken", []byte("payload one"), objectstore.PutOptions{})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := env.store.Put(ctx, "healthy", []byte("payload two"), objectstore.PutOptions{}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Sabotage one object file so its move fails.
	if err := os.Remove(env.store.ObjectPath(objectstore.TierHot, broken.StorageID)); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	env.clock.Advance(2 * time.Hour)
	stats := env.scheduler.Tick(ctx)
	if stats.Failed != 1 {
		t.Errorf("Failed = %d, want 1", stats.Failed)
	}
	if stats.Demoted != 1 {
		t.Errorf("Demoted = %d, want 1", stats.Demoted)
	}
	if got := tierOf(t, env.store, "healthy"); got != objectstore.TierWarm {
		t.Errorf("healthy object tier = %v, want warm", got)
	}
}

func TestInvalidPolicyRejected(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env := newSchedulerEnv(t, Policy{})

	_, err := New(Config{
		Store:  env.store,
		Policy: Policy{WarmAfter: 2 * time.Hour, ColdAfter: time.Hour},
		Clock:  env.clock,
		Logger: logger,
	})
	if err == nil {
		t.Error("New accepted ColdAfter <= WarmAfter")
	}
}

func TestTotalsAccumulate(t *testing.T) {
	env := newSchedulerEnv(t, Policy{WarmAfter: time.Hour})
	ctx := context.Background()

	if _, err := env.store.Put(ctx, "k", []byte("payload"), objectstore.PutOptions{}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	env.scheduler.Tick(ctx)
	env.clock.Advance(2 * time.Hour)
	env.scheduler.Tick(ctx)

	totals := env.scheduler.Stats()
	if totals.Ticks != 2 {
		t.Errorf("Ticks = %d, want 2", totals.Ticks)
	}
	if totals.Scanned != 2 {
		t.Errorf("Scanned = %d, want 2", totals.Scanned)
	}
	if totals.Demoted != 1 {
		t.Errorf("Demoted = %d, want 1", totals.Demoted)
	}
}
