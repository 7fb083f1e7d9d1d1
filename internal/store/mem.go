package store

import (
	"context"
	"sort"
	"sync"

	"github.com/ndrandal/kline-engine/internal/model"
)

// MemStore is an in-memory Store used by component tests and by the
// back-test data source, which never touches a real database.
type MemStore struct {
	mu         sync.RWMutex
	bars       map[model.BarKey]model.Bar
	indicators map[model.BarKey]model.IndicatorVector
	signals    []model.Signal
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		bars:       make(map[model.BarKey]model.Bar),
		indicators: make(map[model.BarKey]model.IndicatorVector),
	}
}

// UpsertBars implements Store.
func (m *MemStore) UpsertBars(ctx context.Context, bars []model.Bar) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range bars {
		m.bars[b.Key()] = b
	}
	return nil
}

// UpsertIndicators implements Store.
func (m *MemStore) UpsertIndicators(ctx context.Context, vecs []model.IndicatorVector) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range vecs {
		m.indicators[v.Key()] = v
	}
	return nil
}

// InsertSignals implements Store.
func (m *MemStore) InsertSignals(ctx context.Context, signals []model.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signals = append(m.signals, signals...)
	return nil
}

// RecentBars implements Store.
func (m *MemStore) RecentBars(ctx context.Context, f BarFilter) ([]model.Bar, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.Bar, 0)
	for _, b := range m.bars {
		if b.Symbol != f.Symbol || b.Timeframe != f.Timeframe {
			continue
		}
		if f.MarketType != "" && b.MarketType != f.MarketType {
			continue
		}
		if !withinWindow(b.Timestamp, f.From, f.To) {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	if limit := clampLimit(f.Limit); len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// RecentIndicators implements Store.
func (m *MemStore) RecentIndicators(ctx context.Context, f IndicatorFilter) ([]model.IndicatorVector, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.IndicatorVector, 0)
	for _, v := range m.indicators {
		if v.Symbol != f.Symbol || v.Timeframe != f.Timeframe {
			continue
		}
		if f.MarketType != "" && v.MarketType != f.MarketType {
			continue
		}
		if !withinWindow(v.Timestamp, f.From, f.To) {
			continue
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	if limit := clampLimit(f.Limit); len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Signals returns every signal inserted so far, oldest first. Exposed
// for tests; the Store interface has no generic signal-query method
// since nothing in the pipeline currently needs to read them back.
func (m *MemStore) Signals() []model.Signal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Signal, len(m.signals))
	copy(out, m.signals)
	return out
}

// Migrate is a no-op for MemStore; there is nothing to index.
func (m *MemStore) Migrate(ctx context.Context) error { return nil }

// Close is a no-op for MemStore.
func (m *MemStore) Close(ctx context.Context) error { return nil }
