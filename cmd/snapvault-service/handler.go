// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/bureau-foundation/snapvault/lib/backup"
	"github.com/bureau-foundation/snapvault/lib/cache"
	"github.com/bureau-foundation/snapvault/lib/clock"
	"github.com/bureau-foundation/snapvault/lib/objectstore"
	"github.com/bureau-foundation/snapvault/lib/quota"
	"github.com/bureau-foundation/snapvault/lib/tiering"
)

// Connection timeout constants. A well-behaved client sends its
// request immediately after connecting and reads the response right
// away.
const (
	readTimeout  = 30 * time.Second
	writeTimeout = 30 * time.Second
)

// defaultBackupListLimit bounds the backups action when the request
// does not specify a limit.
const defaultBackupListLimit = 20

// VaultService is the core service state: the store and its
// supporting subsystems, shared by the socket handlers and the
// background loops.
type VaultService struct {
	store     *objectstore.Store
	cache     *cache.Manager
	quotas    *quota.Enforcer
	tiering   *tiering.Scheduler
	backup    *backup.Service
	clock     clock.Clock
	startedAt time.Time
	logger    *slog.Logger
}

// serve accepts connections on the Unix socket and dispatches
// requests. Blocks until ctx is cancelled, then stops accepting and
// waits for active handlers to finish.
func (vs *VaultService) serve(ctx context.Context, socketPath string) error {
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", socketPath, err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", socketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(socketPath)
	}()

	// Unblock Accept when the context is cancelled.
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	vs.logger.Info("socket listening", "path", socketPath)

	var activeConnections sync.WaitGroup

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, net.ErrClosed) {
				break
			}
			vs.logger.Error("accept failed", "error", err)
			continue
		}

		activeConnections.Add(1)
		go func() {
			defer activeConnections.Done()
			vs.handleConnection(ctx, conn)
		}()
	}

	activeConnections.Wait()
	return nil
}

// handleConnection processes one request/response exchange, then
// closes the connection.
func (vs *VaultService) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(readTimeout))

	var req request
	if err := readMessage(conn, &req); err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return
		}
		vs.writeError(conn, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if req.Action == "" {
		vs.writeError(conn, "missing required field: action")
		return
	}

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))

	response, err := vs.dispatch(ctx, &req)
	if err != nil {
		vs.writeError(conn, err.Error())
		return
	}
	if err := writeMessage(conn, response); err != nil {
		vs.logger.Error("writing response failed",
			"action", req.Action,
			"error", err,
		)
	}
}

// dispatch routes a request to its handler and returns the response
// value to encode. Handler errors become errorResponse messages.
func (vs *VaultService) dispatch(ctx context.Context, req *request) (any, error) {
	switch req.Action {
	case "put":
		return vs.handlePut(ctx, req)
	case "get":
		return vs.handleGet(ctx, req)
	case "info":
		return vs.handleInfo(req)
	case "delete":
		return vs.handleDelete(ctx, req)
	case "move-tier":
		return vs.handleMoveTier(ctx, req)
	case "stats":
		return vs.handleStats()
	case "cache-get":
		return vs.handleCacheGet(ctx, req)
	case "cache-set":
		return vs.handleCacheSet(ctx, req)
	case "cache-delete":
		return vs.handleCacheDelete(ctx, req)
	case "cache-clear":
		return vs.handleCacheClear(ctx)
	case "backup":
		return vs.handleBackup(ctx, req)
	case "backups":
		return vs.handleBackups(ctx, req)
	case "tiering-tick":
		return vs.handleTieringTick(ctx)
	case "status":
		return vs.handleStatus()
	default:
		return nil, fmt.Errorf("unknown action %q", req.Action)
	}
}

func (vs *VaultService) writeError(conn net.Conn, message string) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := writeMessage(conn, &errorResponse{Error: message}); err != nil {
		vs.logger.Debug("writing error response failed", "error", err)
	}
}

// --- Store actions ---

func (vs *VaultService) handlePut(ctx context.Context, req *request) (any, error) {
	if req.Key == "" {
		return nil, fmt.Errorf("missing required field: key")
	}

	opts := objectstore.PutOptions{
		Compression: objectstore.CompressionAuto,
		Encrypt:     req.Encrypt,
		Dedup:       req.Dedup,
	}
	if req.Compression != "" && req.Compression != "auto" {
		tag, err := objectstore.ParseCompressionTag(req.Compression)
		if err != nil {
			return nil, err
		}
		opts.Compression = tag
	}
	if req.Tier != "" {
		tier, err := objectstore.ParseTier(req.Tier)
		if err != nil {
			return nil, err
		}
		opts.Tier = tier
	}

	info, err := vs.store.Put(ctx, req.Key, req.Data, opts)
	if err != nil {
		return nil, err
	}
	return &putResponse{Info: info}, nil
}

func (vs *VaultService) handleGet(ctx context.Context, req *request) (any, error) {
	if req.Key == "" {
		return nil, fmt.Errorf("missing required field: key")
	}
	data, info, err := vs.store.Get(ctx, req.Key)
	if err != nil {
		return nil, err
	}
	return &getResponse{Data: data, Info: info}, nil
}

func (vs *VaultService) handleInfo(req *request) (any, error) {
	if req.Key == "" {
		return nil, fmt.Errorf("missing required field: key")
	}
	info, err := vs.store.Info(req.Key)
	if err != nil {
		return nil, err
	}
	return &infoResponse{Info: info}, nil
}

func (vs *VaultService) handleDelete(ctx context.Context, req *request) (any, error) {
	if req.Key == "" {
		return nil, fmt.Errorf("missing required field: key")
	}
	if err := vs.store.Delete(ctx, req.Key); err != nil {
		return nil, err
	}
	return &okResponse{OK: true}, nil
}

func (vs *VaultService) handleMoveTier(ctx context.Context, req *request) (any, error) {
	if req.Key == "" {
		return nil, fmt.Errorf("missing required field: key")
	}
	tier, err := objectstore.ParseTier(req.Tier)
	if err != nil {
		return nil, err
	}
	if err := vs.store.MoveTier(ctx, req.Key, tier); err != nil {
		return nil, err
	}
	return &okResponse{OK: true}, nil
}

func (vs *VaultService) handleStats() (any, error) {
	return &statsResponse{
		Store:   vs.store.Stats(),
		Cache:   vs.cache.Stats(),
		Quotas:  vs.quotas.StatusAll(),
		Tiering: vs.tiering.Stats(),
	}, nil
}

// --- Cache actions ---

func (vs *VaultService) handleCacheGet(ctx context.Context, req *request) (any, error) {
	if req.Key == "" {
		return nil, fmt.Errorf("missing required field: key")
	}
	data, found, err := vs.cache.Get(ctx, req.Key)
	if err != nil {
		return nil, err
	}
	return &cacheGetResponse{Found: found, Data: data}, nil
}

func (vs *VaultService) handleCacheSet(ctx context.Context, req *request) (any, error) {
	if req.Key == "" {
		return nil, fmt.Errorf("missing required field: key")
	}
	var ttl time.Duration
	if req.TTL != "" {
		parsed, err := time.ParseDuration(req.TTL)
		if err != nil {
			return nil, fmt.Errorf("invalid ttl %q: %w", req.TTL, err)
		}
		ttl = parsed
	}
	if err := vs.cache.Set(ctx, req.Key, req.Data, ttl); err != nil {
		return nil, err
	}
	return &okResponse{OK: true}, nil
}

func (vs *VaultService) handleCacheDelete(ctx context.Context, req *request) (any, error) {
	if req.Key == "" {
		return nil, fmt.Errorf("missing required field: key")
	}
	if err := vs.cache.Delete(ctx, req.Key); err != nil {
		return nil, err
	}
	return &okResponse{OK: true}, nil
}

func (vs *VaultService) handleCacheClear(ctx context.Context) (any, error) {
	if err := vs.cache.Clear(ctx); err != nil {
		return nil, err
	}
	return &okResponse{OK: true}, nil
}

// --- Maintenance actions ---

func (vs *VaultService) handleBackup(ctx context.Context, req *request) (any, error) {
	if vs.backup == nil {
		return nil, fmt.Errorf("backups are not configured")
	}
	mode := req.Mode
	if mode == "" {
		mode = backup.ModeFull
	}
	record, err := vs.backup.Create(ctx, mode)
	if err != nil {
		return nil, err
	}
	return &backupResponse{Record: record}, nil
}

func (vs *VaultService) handleBackups(ctx context.Context, req *request) (any, error) {
	if vs.backup == nil {
		return nil, fmt.Errorf("backups are not configured")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultBackupListLimit
	}
	records, err := vs.backup.List(ctx, limit)
	if err != nil {
		return nil, err
	}
	return &backupsResponse{Records: records}, nil
}

func (vs *VaultService) handleTieringTick(ctx context.Context) (any, error) {
	return &tickResponse{Stats: vs.tiering.Tick(ctx)}, nil
}

// handleStatus is the unauthenticated liveness check. It reveals
// only uptime and object counts.
func (vs *VaultService) handleStatus() (any, error) {
	stats := vs.store.Stats()
	return &statusResponse{
		Status:    "ok",
		StartedAt: vs.startedAt,
		Objects:   stats.Objects,
		Keys:      stats.Keys,
	}, nil
}
