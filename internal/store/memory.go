package store

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store used when no persistence is configured
// and in tests.
type MemoryStore struct {
	mu   sync.RWMutex
	envs map[string]EnvRecord
	pkgs map[string]map[string]PackageRow // env → package → row
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		envs: make(map[string]EnvRecord),
		pkgs: make(map[string]map[string]PackageRow),
	}
}

func (m *MemoryStore) EnsureSchema(context.Context) error { return nil }

func (m *MemoryStore) SaveEnvironment(_ context.Context, rec EnvRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.envs[rec.Name] = rec
	return nil
}

func (m *MemoryStore) GetEnvironment(_ context.Context, name string) (EnvRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.envs[name]
	if !ok {
		return EnvRecord{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryStore) ListEnvironments(context.Context) ([]EnvRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]EnvRecord, 0, len(m.envs))
	for _, rec := range m.envs {
		out = append(out, rec)
	}
	return out, nil
}

func (m *MemoryStore) DeleteEnvironment(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.envs, name)
	delete(m.pkgs, name)
	return nil
}

func (m *MemoryStore) UpsertPackage(_ context.Context, row PackageRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byPkg, ok := m.pkgs[row.EnvName]
	if !ok {
		byPkg = make(map[string]PackageRow)
		m.pkgs[row.EnvName] = byPkg
	}
	byPkg[row.Package] = row
	return nil
}

func (m *MemoryStore) ListPackages(_ context.Context, envName string) ([]PackageRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byPkg := m.pkgs[envName]
	out := make([]PackageRow, 0, len(byPkg))
	for _, row := range byPkg {
		out = append(out, row)
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
