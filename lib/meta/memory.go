// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package meta

import (
	"context"
	"slices"
	"sync"
)

// Memory is an in-process Store for deployments that accept losing
// metadata on restart, and for tests. All data lives in maps guarded
// by one mutex.
type Memory struct {
	mu      sync.Mutex
	objects map[string]ObjectRecord
	quotas  map[string]QuotaRecord
	backups map[string]BackupRecord
}

// NewMemory returns an empty in-memory metadata store.
func NewMemory() *Memory {
	return &Memory{
		objects: make(map[string]ObjectRecord),
		quotas:  make(map[string]QuotaRecord),
		backups: make(map[string]BackupRecord),
	}
}

func (m *Memory) PutObject(ctx context.Context, record ObjectRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record.Keys = slices.Clone(record.Keys)
	m.objects[record.StorageID] = record
	return nil
}

func (m *Memory) DeleteObject(ctx context.Context, storageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, storageID)
	return nil
}

func (m *Memory) Objects(ctx context.Context) ([]ObjectRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	records := make([]ObjectRecord, 0, len(m.objects))
	for _, record := range m.objects {
		record.Keys = slices.Clone(record.Keys)
		records = append(records, record)
	}
	return records, nil
}

func (m *Memory) TouchObjects(ctx context.Context, accesses []ObjectAccess) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, access := range accesses {
		record, exists := m.objects[access.StorageID]
		if !exists {
			continue
		}
		record.LastAccess = access.LastAccess
		m.objects[access.StorageID] = record
	}
	return nil
}

func (m *Memory) SetQuotaUsage(ctx context.Context, record QuotaRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotas[record.Type] = record
	return nil
}

func (m *Memory) QuotaUsage(ctx context.Context) ([]QuotaRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	records := make([]QuotaRecord, 0, len(m.quotas))
	for _, record := range m.quotas {
		records = append(records, record)
	}
	return records, nil
}

func (m *Memory) PutBackup(ctx context.Context, record BackupRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backups[record.ID] = record
	return nil
}

func (m *Memory) Backups(ctx context.Context, limit int) ([]BackupRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	records := make([]BackupRecord, 0, len(m.backups))
	for _, record := range m.backups {
		records = append(records, record)
	}
	slices.SortFunc(records, func(a, b BackupRecord) int {
		return b.StartedAt.Compare(a.StartedAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (m *Memory) LastCompletedBackup(ctx context.Context) (BackupRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest BackupRecord
	found := false
	for _, record := range m.backups {
		if record.Status != BackupCompleted {
			continue
		}
		if !found || record.StartedAt.After(latest.StartedAt) {
			latest = record
			found = true
		}
	}
	return latest, found, nil
}

func (m *Memory) Close() error {
	return nil
}
