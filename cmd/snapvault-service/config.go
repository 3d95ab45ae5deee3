// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tidwall/jsonc"
)

// serviceConfig is the daemon configuration, loaded from a JSONC file
// and overridden by command-line flags. Durations are Go duration
// strings ("15m", "24h").
type serviceConfig struct {
	// Root is the object store directory. Required.
	Root string `json:"root"`

	// Socket is the Unix socket path the service listens on.
	// Required.
	Socket string `json:"socket"`

	// MetaDB is the SQLite metadata database path. Empty selects the
	// in-memory metadata store, which loses access times, quota
	// usage, and backup history on restart.
	MetaDB string `json:"meta_db"`

	// KeyFile is the path to the 32-byte store encryption key. Empty
	// disables at-rest encryption; puts requesting encryption are
	// then rejected.
	KeyFile string `json:"key_file"`

	Quota   quotaConfig   `json:"quota"`
	Cache   cacheConfig   `json:"cache"`
	Tiering tieringConfig `json:"tiering"`
	Backup  backupConfig  `json:"backup"`
}

// quotaConfig sets usage ceilings. Zero means unlimited.
type quotaConfig struct {
	Objects int64 `json:"objects"`
	Keys    int64 `json:"keys"`
	Bytes   int64 `json:"bytes"`
}

type cacheConfig struct {
	// MemoryBudget caps the in-memory layer in bytes. Zero means
	// unlimited.
	MemoryBudget int64 `json:"memory_budget"`

	// DefaultTTL applies to cache entries set without an explicit
	// TTL. Empty means entries never expire by default.
	DefaultTTL string `json:"default_ttl"`

	// DurableDB is the SQLite path for the durable cache layer.
	// Empty means memory-only caching.
	DurableDB string `json:"durable_db"`

	// SweepInterval is the expired-entry sweep period. Empty uses
	// the cache default.
	SweepInterval string `json:"sweep_interval"`
}

type tieringConfig struct {
	// WarmAfter demotes hot objects idle at least this long. Empty
	// disables hot-to-warm demotion.
	WarmAfter string `json:"warm_after"`

	// ColdAfter demotes objects idle at least this long to cold.
	// Empty disables demotion to cold.
	ColdAfter string `json:"cold_after"`

	// Interval is the scheduler tick period. Empty uses the
	// scheduler default.
	Interval string `json:"interval"`
}

type backupConfig struct {
	// Directory receives backup artifacts. Empty disables the
	// backup service entirely, including the backup socket actions.
	Directory string `json:"directory"`

	// Recipients are age public keys. When set, artifacts are
	// encrypted to all of them.
	Recipients []string `json:"recipients"`

	// Interval is the periodic backup period. Empty uses the backup
	// default.
	Interval string `json:"interval"`

	// Mode is the periodic backup mode: "full" or "incremental".
	// Empty means incremental.
	Mode string `json:"mode"`
}

// loadConfig reads a JSONC config file. The format is JSON extended
// with // line comments, /* block comments */, and trailing commas.
func loadConfig(path string) (*serviceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	stripped := jsonc.ToJSON(data)

	var cfg serviceConfig
	if err := json.Unmarshal(stripped, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return &cfg, nil
}

// parseDuration parses an optional duration field. Empty returns
// zero.
func parseDuration(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, value, err)
	}
	if parsed < 0 {
		return 0, fmt.Errorf("invalid %s %q: must not be negative", field, value)
	}
	return parsed, nil
}
