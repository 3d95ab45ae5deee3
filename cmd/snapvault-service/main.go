// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/snapvault/lib/backup"
	"github.com/bureau-foundation/snapvault/lib/cache"
	"github.com/bureau-foundation/snapvault/lib/clock"
	"github.com/bureau-foundation/snapvault/lib/meta"
	"github.com/bureau-foundation/snapvault/lib/objectstore"
	"github.com/bureau-foundation/snapvault/lib/quota"
	"github.com/bureau-foundation/snapvault/lib/secret"
	"github.com/bureau-foundation/snapvault/lib/tiering"
)

const serviceVersion = "0.3.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		showVersion bool
		configPath  string
		root        string
		socketPath  string
		metaDB      string
		keyFile     string
		generateKey bool
	)
	pflag.BoolVar(&showVersion, "version", false, "print version information and exit")
	pflag.StringVar(&configPath, "config", "", "JSONC configuration file")
	pflag.StringVar(&root, "root", "", "object store root directory (overrides config)")
	pflag.StringVar(&socketPath, "socket", "", "Unix socket path (overrides config)")
	pflag.StringVar(&metaDB, "meta-db", "", "SQLite metadata database path (overrides config)")
	pflag.StringVar(&keyFile, "key-file", "", "32-byte store encryption key file (overrides config)")
	pflag.BoolVar(&generateKey, "generate-key", false, "generate the key file with 0600 permissions if it does not exist")
	pflag.Parse()

	if showVersion {
		fmt.Printf("snapvault-service %s\n", serviceVersion)
		return nil
	}

	cfg := &serviceConfig{}
	if configPath != "" {
		loaded, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if root != "" {
		cfg.Root = root
	}
	if socketPath != "" {
		cfg.Socket = socketPath
	}
	if metaDB != "" {
		cfg.MetaDB = metaDB
	}
	if keyFile != "" {
		cfg.KeyFile = keyFile
	}
	if cfg.Root == "" {
		return fmt.Errorf("--root or a config file with \"root\" is required")
	}
	if cfg.Socket == "" {
		return fmt.Errorf("--socket or a config file with \"socket\" is required")
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	// Load the store encryption key before the signal context so a
	// prompt shutdown never races key initialization. The key lives
	// in guarded memory and is zeroed on close.
	var keys *objectstore.KeySet
	if generateKey && cfg.KeyFile == "" {
		return fmt.Errorf("--generate-key requires a key file path")
	}
	if cfg.KeyFile != "" {
		var keyBuffer *secret.Buffer
		var err error
		if _, statErr := os.Stat(cfg.KeyFile); generateKey && os.IsNotExist(statErr) {
			keyBuffer, err = secret.GenerateKey(cfg.KeyFile, objectstore.KeySize)
			if err != nil {
				return fmt.Errorf("generating store key: %w", err)
			}
			logger.Info("store encryption key generated", "path", cfg.KeyFile)
		} else {
			keyBuffer, err = secret.ReadKeyFromPath(cfg.KeyFile, objectstore.KeySize)
			if err != nil {
				return fmt.Errorf("reading store key: %w", err)
			}
		}
		keys, err = objectstore.NewKeySet(keyBuffer)
		if err != nil {
			keyBuffer.Close()
			return fmt.Errorf("initializing store key set: %w", err)
		}
		logger.Info("store encryption key loaded", "path", cfg.KeyFile)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Metadata store: SQLite when a path is configured, otherwise
	// in-memory (access times, quota usage, and backup history are
	// then lost on restart).
	var metaStore meta.Store
	if cfg.MetaDB != "" {
		sqliteStore, err := meta.OpenSQLite(meta.SQLiteConfig{
			Path:   cfg.MetaDB,
			Logger: logger,
		})
		if err != nil {
			return fmt.Errorf("opening metadata database: %w", err)
		}
		metaStore = sqliteStore
		logger.Info("metadata database opened", "path", cfg.MetaDB)
	} else {
		metaStore = meta.NewMemory()
		logger.Warn("no metadata database configured, using in-memory metadata")
	}
	defer metaStore.Close()

	quotas, err := quota.New(ctx, quota.Config{
		Limits: quota.Limits{
			Objects: cfg.Quota.Objects,
			Keys:    cfg.Quota.Keys,
			Bytes:   cfg.Quota.Bytes,
		},
		Meta:   metaStore,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("initializing quota enforcer: %w", err)
	}

	clk := clock.Real()

	store, err := objectstore.Open(ctx, objectstore.Config{
		Root:   cfg.Root,
		Meta:   metaStore,
		Quotas: quotas,
		Keys:   keys,
		Logger: logger,
		Clock:  clk,
	})
	if err != nil {
		return fmt.Errorf("opening object store: %w", err)
	}
	defer func() {
		if err := store.Close(context.Background()); err != nil {
			logger.Error("closing object store failed", "error", err)
		}
	}()
	stats := store.Stats()
	logger.Info("object store open",
		"root", cfg.Root,
		"objects", stats.Objects,
		"keys", stats.Keys,
		"stored_bytes", stats.StoredBytes,
	)

	defaultTTL, err := parseDuration("cache.default_ttl", cfg.Cache.DefaultTTL)
	if err != nil {
		return err
	}
	sweepInterval, err := parseDuration("cache.sweep_interval", cfg.Cache.SweepInterval)
	if err != nil {
		return err
	}
	cacheManager, err := cache.New(cache.Config{
		MemoryBudget:  cfg.Cache.MemoryBudget,
		DefaultTTL:    defaultTTL,
		DurablePath:   cfg.Cache.DurableDB,
		SweepInterval: sweepInterval,
		Clock:         clk,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("initializing cache: %w", err)
	}
	defer cacheManager.Close()

	warmAfter, err := parseDuration("tiering.warm_after", cfg.Tiering.WarmAfter)
	if err != nil {
		return err
	}
	coldAfter, err := parseDuration("tiering.cold_after", cfg.Tiering.ColdAfter)
	if err != nil {
		return err
	}
	tieringInterval, err := parseDuration("tiering.interval", cfg.Tiering.Interval)
	if err != nil {
		return err
	}
	scheduler, err := tiering.New(tiering.Config{
		Store: store,
		Policy: tiering.Policy{
			WarmAfter: warmAfter,
			ColdAfter: coldAfter,
		},
		Interval: tieringInterval,
		Clock:    clk,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("initializing tiering scheduler: %w", err)
	}

	var backupService *backup.Service
	if cfg.Backup.Directory != "" {
		backupInterval, err := parseDuration("backup.interval", cfg.Backup.Interval)
		if err != nil {
			return err
		}
		backupService, err = backup.New(backup.Config{
			Store:        store,
			Meta:         metaStore,
			Directory:    cfg.Backup.Directory,
			Recipients:   cfg.Backup.Recipients,
			Interval:     backupInterval,
			PeriodicMode: cfg.Backup.Mode,
			Clock:        clk,
			Logger:       logger,
		})
		if err != nil {
			return err
		}
	}

	service := &VaultService{
		store:     store,
		cache:     cacheManager,
		quotas:    quotas,
		tiering:   scheduler,
		backup:    backupService,
		clock:     clk,
		startedAt: clk.Now(),
		logger:    logger,
	}

	// Background loops. Each one exits when the context is
	// cancelled.
	go cacheManager.Run(ctx)
	go scheduler.Run(ctx)
	if backupService != nil {
		go backupService.Run(ctx)
	}

	socketDone := make(chan error, 1)
	go func() {
		socketDone <- service.serve(ctx, cfg.Socket)
	}()

	logger.Info("snapvault service running",
		"socket", cfg.Socket,
		"backups", backupService != nil,
		"encryption", keys != nil,
	)

	<-ctx.Done()
	logger.Info("shutting down")

	// Wait for the socket listener to drain active connections.
	if err := <-socketDone; err != nil {
		logger.Error("socket listener error", "error", err)
	}

	return nil
}
