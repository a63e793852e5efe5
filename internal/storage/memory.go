package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mohamedkhairy/upbit-metrics/internal/models"
)

// MemorySnapshotStore keeps a bounded number of snapshots per symbol in
// memory. It serves runs without a database and tests.
type MemorySnapshotStore struct {
	mu        sync.RWMutex
	perSymbol int
	snapshots map[string][]*models.MetricsSnapshot
	appendErr error
	appends   int
}

// NewMemorySnapshotStore creates a store retaining at most perSymbol
// snapshots per symbol (0 means unbounded)
func NewMemorySnapshotStore(perSymbol int) *MemorySnapshotStore {
	return &MemorySnapshotStore{
		perSymbol: perSymbol,
		snapshots: make(map[string][]*models.MetricsSnapshot),
	}
}

// FailAppends makes every following Append return err (nil restores)
func (m *MemorySnapshotStore) FailAppends(err error) {
	m.mu.Lock()
	m.appendErr = err
	m.mu.Unlock()
}

// Appends returns the number of Append calls that reached the store
func (m *MemorySnapshotStore) Appends() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.appends
}

func (m *MemorySnapshotStore) Append(ctx context.Context, snapshots []*models.MetricsSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appends++
	if m.appendErr != nil {
		return m.appendErr
	}
	for _, snap := range snapshots {
		list := append(m.snapshots[snap.Symbol], snap)
		if m.perSymbol > 0 && len(list) > m.perSymbol {
			list = append([]*models.MetricsSnapshot(nil), list[len(list)-m.perSymbol:]...)
		}
		m.snapshots[snap.Symbol] = list
	}
	return nil
}

func (m *MemorySnapshotStore) Range(ctx context.Context, symbol string, from, to time.Time) ([]*models.MetricsSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.MetricsSnapshot
	for _, snap := range m.snapshots[symbol] {
		if snap.ComputedAt.Before(from) || snap.ComputedAt.After(to) {
			continue
		}
		out = append(out, snap)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ComputedAt.Before(out[j].ComputedAt)
	})
	return out, nil
}

func (m *MemorySnapshotStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for symbol, list := range m.snapshots {
		kept := list[:0:0]
		for _, snap := range list {
			if snap.ComputedAt.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, snap)
		}
		m.snapshots[symbol] = kept
	}
	return removed, nil
}

func (m *MemorySnapshotStore) Close() error {
	return nil
}

// MemorySymbolStore is an in-memory SymbolStore
type MemorySymbolStore struct {
	mu      sync.RWMutex
	symbols map[string]models.Symbol
	err     error
}

// NewMemorySymbolStore creates an empty symbol store
func NewMemorySymbolStore() *MemorySymbolStore {
	return &MemorySymbolStore{symbols: make(map[string]models.Symbol)}
}

// Fail makes every following call return err (nil restores)
func (m *MemorySymbolStore) Fail(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

func (m *MemorySymbolStore) Upsert(ctx context.Context, sym models.Symbol) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if existing, ok := m.symbols[sym.Code]; ok && !existing.CreatedAt.IsZero() {
		sym.CreatedAt = existing.CreatedAt
	}
	m.symbols[sym.Code] = sym
	return nil
}

func (m *MemorySymbolStore) SetActive(ctx context.Context, code string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	sym, ok := m.symbols[code]
	if !ok {
		return &models.UnknownSymbolError{Symbol: code}
	}
	sym.IsActive = active
	sym.UpdatedAt = time.Now()
	m.symbols[code] = sym
	return nil
}

func (m *MemorySymbolStore) List(ctx context.Context, isActive *bool) ([]models.Symbol, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}
	out := make([]models.Symbol, 0, len(m.symbols))
	for _, sym := range m.symbols {
		if isActive != nil && sym.IsActive != *isActive {
			continue
		}
		out = append(out, sym)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}
