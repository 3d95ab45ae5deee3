// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package quota enforces storage limits on the object store: total
// object count, logical key count, and stored bytes. The enforcer
// holds the authoritative usage counters in memory and persists them
// through the metadata store, so usage survives restarts without
// rescanning the object tree.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bureau-foundation/snapvault/lib/meta"
)

// ErrExceeded is returned by Charge when a requested allocation would
// push any quota type past its limit. Callers match with errors.Is.
var ErrExceeded = errors.New("quota exceeded")

// Type identifies one quota dimension.
type Type string

const (
	TypeObjects Type = "objects"
	TypeKeys    Type = "keys"
	TypeBytes   Type = "bytes"
)

// Types lists all quota dimensions.
var Types = []Type{TypeObjects, TypeKeys, TypeBytes}

// Limits holds the configured ceiling per quota type. Zero means
// unlimited for that type.
type Limits struct {
	Objects int64
	Keys    int64
	Bytes   int64
}

// Delta is a usage change across all quota types. Fields may be
// negative in a Release.
type Delta struct {
	Objects int64
	Keys    int64
	Bytes   int64
}

// Status reports one quota type's current standing.
type Status struct {
	Type  Type  `cbor:"type" json:"type"`
	Used  int64 `cbor:"used" json:"used"`
	Limit int64 `cbor:"limit" json:"limit"` // 0 = unlimited
}

// warnFraction is the usage fraction past which the enforcer logs a
// warning, once per crossing.
const warnFraction = 0.9

// Enforcer tracks usage and enforces limits. Check-and-charge is one
// critical section: a Charge that succeeds has already adjusted the
// counters, so two concurrent puts cannot both squeeze through the
// last remaining slot.
type Enforcer struct {
	limits Limits
	meta   meta.Store
	logger *slog.Logger

	mu     sync.Mutex
	used   map[Type]int64
	warned map[Type]bool
}

// Config holds the parameters for creating an Enforcer.
type Config struct {
	// Limits are the configured ceilings. Zero fields are unlimited.
	Limits Limits

	// Meta persists usage counters across restarts. Required.
	Meta meta.Store

	// Logger receives limit warnings and persistence failures.
	// Required.
	Logger *slog.Logger
}

// New creates an Enforcer, loading persisted usage counters from the
// metadata store.
func New(ctx context.Context, cfg Config) (*Enforcer, error) {
	if cfg.Meta == nil {
		return nil, fmt.Errorf("quota: Meta is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("quota: Logger is required")
	}

	enforcer := &Enforcer{
		limits: cfg.Limits,
		meta:   cfg.Meta,
		logger: cfg.Logger,
		used:   make(map[Type]int64, len(Types)),
		warned: make(map[Type]bool, len(Types)),
	}

	records, err := cfg.Meta.QuotaUsage(ctx)
	if err != nil {
		return nil, fmt.Errorf("quota: loading persisted usage: %w", err)
	}
	for _, record := range records {
		enforcer.used[Type(record.Type)] = record.Used
	}

	return enforcer, nil
}

// Charge atomically checks and applies a usage increase. If any type
// would exceed its limit, nothing is charged and ErrExceeded is
// returned wrapped with the offending type. An allocation landing
// exactly on the limit succeeds; the first allocation past it fails.
func (e *Enforcer) Charge(ctx context.Context, delta Delta) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, check := range []struct {
		quotaType Type
		limit     int64
		amount    int64
	}{
		{TypeObjects, e.limits.Objects, delta.Objects},
		{TypeKeys, e.limits.Keys, delta.Keys},
		{TypeBytes, e.limits.Bytes, delta.Bytes},
	} {
		if check.limit <= 0 || check.amount <= 0 {
			continue
		}
		if e.used[check.quotaType]+check.amount > check.limit {
			return fmt.Errorf("%s quota: used %d + requested %d exceeds limit %d: %w",
				check.quotaType, e.used[check.quotaType], check.amount, check.limit, ErrExceeded)
		}
	}

	e.used[TypeObjects] += delta.Objects
	e.used[TypeKeys] += delta.Keys
	e.used[TypeBytes] += delta.Bytes

	e.warnIfNearLimitLocked()
	e.persistLocked(ctx)
	return nil
}

// Release returns usage to the pool: deletes, rollbacks of failed
// puts, and alias removals. Releases never fail the caller; counters
// clamp at zero and persistence failures are logged.
func (e *Enforcer) Release(ctx context.Context, delta Delta) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.used[TypeObjects] = clampNonNegative(e.used[TypeObjects] - delta.Objects)
	e.used[TypeKeys] = clampNonNegative(e.used[TypeKeys] - delta.Keys)
	e.used[TypeBytes] = clampNonNegative(e.used[TypeBytes] - delta.Bytes)

	// Dropping below the warning threshold re-arms the warning.
	for _, quotaType := range Types {
		if e.warned[quotaType] && !e.nearLimitLocked(quotaType) {
			e.warned[quotaType] = false
		}
	}

	e.persistLocked(ctx)
}

// Reconcile replaces the usage counters with authoritative values,
// typically computed from the object store index at startup. The
// persisted counters and the index can drift if the process died
// between an object write and its metadata flush.
func (e *Enforcer) Reconcile(ctx context.Context, usage Delta) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.used[TypeObjects] = usage.Objects
	e.used[TypeKeys] = usage.Keys
	e.used[TypeBytes] = usage.Bytes

	e.persistLocked(ctx)
}

// StatusAll reports usage and limits for every quota type.
func (e *Enforcer) StatusAll() []Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	statuses := make([]Status, 0, len(Types))
	for _, quotaType := range Types {
		statuses = append(statuses, Status{
			Type:  quotaType,
			Used:  e.used[quotaType],
			Limit: e.limitFor(quotaType),
		})
	}
	return statuses
}

// Used returns the current counter for one quota type.
func (e *Enforcer) Used(quotaType Type) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.used[quotaType]
}

func (e *Enforcer) limitFor(quotaType Type) int64 {
	switch quotaType {
	case TypeObjects:
		return e.limits.Objects
	case TypeKeys:
		return e.limits.Keys
	case TypeBytes:
		return e.limits.Bytes
	default:
		return 0
	}
}

func (e *Enforcer) nearLimitLocked(quotaType Type) bool {
	limit := e.limitFor(quotaType)
	if limit <= 0 {
		return false
	}
	return float64(e.used[quotaType]) >= warnFraction*float64(limit)
}

func (e *Enforcer) warnIfNearLimitLocked() {
	for _, quotaType := range Types {
		if e.warned[quotaType] || !e.nearLimitLocked(quotaType) {
			continue
		}
		e.warned[quotaType] = true
		e.logger.Warn("quota usage near limit",
			"type", string(quotaType),
			"used", e.used[quotaType],
			"limit", e.limitFor(quotaType),
		)
	}
}

// persistLocked writes the current counters through the metadata
// store. Persistence failures are logged, not returned: the in-memory
// counters remain authoritative and a Reconcile at next startup
// repairs any drift.
func (e *Enforcer) persistLocked(ctx context.Context) {
	for _, quotaType := range Types {
		record := meta.QuotaRecord{Type: string(quotaType), Used: e.used[quotaType]}
		if err := e.meta.SetQuotaUsage(ctx, record); err != nil {
			e.logger.Error("persisting quota usage failed",
				"type", string(quotaType),
				"error", err,
			)
		}
	}
}

func clampNonNegative(value int64) int64 {
	if value < 0 {
		return 0
	}
	return value
}
