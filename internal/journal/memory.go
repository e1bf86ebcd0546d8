package journal

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryJournal keeps records in process memory. Useful for tests and for
// hosts that only need the latest tick per symbol.
type MemoryJournal struct {
	mu     sync.RWMutex
	orders map[string][]OrderRecord
	ticks  map[string]TickRecord
	closed bool
}

// NewMemoryJournal creates an empty in-memory journal
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{
		orders: make(map[string][]OrderRecord),
		ticks:  make(map[string]TickRecord),
	}
}

func (m *MemoryJournal) RecordOrder(ctx context.Context, rec OrderRecord) error {
	if err := rec.normalize(time.Now().UTC()); err != nil {
		return newError("record_order", "orders", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return newError("record_order", "orders", fmt.Errorf("journal is closed"))
	}
	m.orders[rec.InstanceID] = append(m.orders[rec.InstanceID], rec)
	return nil
}

func (m *MemoryJournal) RecordTick(ctx context.Context, rec TickRecord) error {
	if err := rec.normalize(time.Now().UTC()); err != nil {
		return newError("record_tick", "ticks", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return newError("record_tick", "ticks", fmt.Errorf("journal is closed"))
	}
	// only the newest tick per symbol is retained
	if prev, ok := m.ticks[rec.Data.Symbol]; ok && prev.Data.Timestamp.After(rec.Data.Timestamp) {
		return nil
	}
	m.ticks[rec.Data.Symbol] = rec
	return nil
}

func (m *MemoryJournal) Orders(ctx context.Context, instanceID string) ([]OrderRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	recs := m.orders[instanceID]
	out := make([]OrderRecord, len(recs))
	copy(out, recs)
	return out, nil
}

func (m *MemoryJournal) LatestTick(ctx context.Context, symbol string) (*TickRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.ticks[symbol]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryJournal) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("journal is closed")
	}
	return ctx.Err()
}

func (m *MemoryJournal) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
