// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package quota

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/bureau-foundation/snapvault/lib/meta"
)

func newTestEnforcer(t *testing.T, limits Limits) (*Enforcer, meta.Store) {
	t.Helper()
	metaStore := meta.NewMemory()
	enforcer, err := New(context.Background(), Config{
		Limits: limits,
		Meta:   metaStore,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return enforcer, metaStore
}

func TestChargeWithinLimit(t *testing.T) {
	enforcer, _ := newTestEnforcer(t, Limits{Objects: 10, Bytes: 1000})
	ctx := context.Background()

	if err := enforcer.Charge(ctx, Delta{Objects: 1, Keys: 1, Bytes: 500}); err != nil {
		t.Fatalf("Charge: %v", err)
	}
	if got := enforcer.Used(TypeBytes); got != 500 {
		t.Errorf("bytes used = %d, want 500", got)
	}
}

func TestChargeExactlyAtLimit(t *testing.T) {
	enforcer, _ := newTestEnforcer(t, Limits{Objects: 3})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := enforcer.Charge(ctx, Delta{Objects: 1}); err != nil {
			t.Fatalf("Charge %d: %v", i, err)
		}
	}
	// Landing exactly on the limit is allowed; the next one is not.
	err := enforcer.Charge(ctx, Delta{Objects: 1})
	if !errors.Is(err, ErrExceeded) {
		t.Fatalf("Charge past limit = %v, want ErrExceeded", err)
	}
	if got := enforcer.Used(TypeObjects); got != 3 {
		t.Errorf("objects used = %d after rejected charge, want 3", got)
	}
}

func TestChargeAllOrNothing(t *testing.T) {
	enforcer, _ := newTestEnforcer(t, Limits{Objects: 10, Bytes: 100})
	ctx := context.Background()

	// Bytes would exceed; objects must not be charged either.
	err := enforcer.Charge(ctx, Delta{Objects: 1, Bytes: 200})
	if !errors.Is(err, ErrExceeded) {
		t.Fatalf("Charge = %v, want ErrExceeded", err)
	}
	if got := enforcer.Used(TypeObjects); got != 0 {
		t.Errorf("objects used = %d after rejected charge, want 0", got)
	}
	if got := enforcer.Used(TypeBytes); got != 0 {
		t.Errorf("bytes used = %d after rejected charge, want 0", got)
	}
}

func TestZeroLimitIsUnlimited(t *testing.T) {
	enforcer, _ := newTestEnforcer(t, Limits{})
	ctx := context.Background()

	if err := enforcer.Charge(ctx, Delta{Objects: 1 << 20, Bytes: 1 << 40}); err != nil {
		t.Fatalf("Charge with no limits: %v", err)
	}
}

func TestReleaseClampsAtZero(t *testing.T) {
	enforcer, _ := newTestEnforcer(t, Limits{Bytes: 1000})
	ctx := context.Background()

	if err := enforcer.Charge(ctx, Delta{Bytes: 100}); err != nil {
		t.Fatalf("Charge: %v", err)
	}
	enforcer.Release(ctx, Delta{Bytes: 500})
	if got := enforcer.Used(TypeBytes); got != 0 {
		t.Errorf("bytes used = %d after over-release, want 0", got)
	}
}

func TestUsagePersistsAcrossRestart(t *testing.T) {
	ctx := context.Background()
	metaStore := meta.NewMemory()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	first, err := New(ctx, Config{Limits: Limits{Bytes: 1000}, Meta: metaStore, Logger: logger})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := first.Charge(ctx, Delta{Objects: 2, Keys: 3, Bytes: 400}); err != nil {
		t.Fatalf("Charge: %v", err)
	}

	second, err := New(ctx, Config{Limits: Limits{Bytes: 1000}, Meta: metaStore, Logger: logger})
	if err != nil {
		t.Fatalf("New (restart): %v", err)
	}
	if got := second.Used(TypeBytes); got != 400 {
		t.Errorf("bytes used after restart = %d, want 400", got)
	}
	if got := second.Used(TypeKeys); got != 3 {
		t.Errorf("keys used after restart = %d, want 3", got)
	}
}

func TestReconcileOverwritesCounters(t *testing.T) {
	enforcer, _ := newTestEnforcer(t, Limits{})
	ctx := context.Background()

	if err := enforcer.Charge(ctx, Delta{Objects: 5, Bytes: 500}); err != nil {
		t.Fatalf("Charge: %v", err)
	}
	enforcer.Reconcile(ctx, Delta{Objects: 2, Keys: 2, Bytes: 128})

	if got := enforcer.Used(TypeObjects); got != 2 {
		t.Errorf("objects used = %d after reconcile, want 2", got)
	}
	if got := enforcer.Used(TypeBytes); got != 128 {
		t.Errorf("bytes used = %d after reconcile, want 128", got)
	}
}

func TestStatusAll(t *testing.T) {
	enforcer, _ := newTestEnforcer(t, Limits{Objects: 10, Keys: 20, Bytes: 1000})
	ctx := context.Background()

	if err := enforcer.Charge(ctx, Delta{Objects: 1, Keys: 2, Bytes: 300}); err != nil {
		t.Fatalf("Charge: %v", err)
	}

	statuses := enforcer.StatusAll()
	if len(statuses) != 3 {
		t.Fatalf("got %d statuses, want 3", len(statuses))
	}
	byType := make(map[Type]Status)
	for _, status := range statuses {
		byType[status.Type] = status
	}
	if byType[TypeBytes].Used != 300 || byType[TypeBytes].Limit != 1000 {
		t.Errorf("bytes status = %+v", byType[TypeBytes])
	}
	if byType[TypeKeys].Used != 2 || byType[TypeKeys].Limit != 20 {
		t.Errorf("keys status = %+v", byType[TypeKeys])
	}
}

func TestConcurrentChargesNeverExceedLimit(t *testing.T) {
	enforcer, _ := newTestEnforcer(t, Limits{Objects: 50})
	ctx := context.Background()

	var wg sync.WaitGroup
	var successes int64
	var successMu sync.Mutex

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := enforcer.Charge(ctx, Delta{Objects: 1}); err == nil {
				successMu.Lock()
				successes++
				successMu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 50 {
		t.Errorf("got %d successful charges, want exactly 50", successes)
	}
	if got := enforcer.Used(TypeObjects); got != 50 {
		t.Errorf("objects used = %d, want 50", got)
	}
}
