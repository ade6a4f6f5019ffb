package db

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Journal used when no database is configured.
// Entries do not survive a restart.
type MemoryStore struct {
	mu       sync.RWMutex
	payments map[string]*Payment
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{payments: make(map[string]*Payment)}
}

func (m *MemoryStore) SavePayment(ctx context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := m.payments[p.ID]; ok {
		p.CreatedAt = existing.CreatedAt
	} else if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if p.Registration == "" {
		p.Registration = RegistrationNone
	}

	cp := *p
	m.payments[p.ID] = &cp
	return nil
}

func (m *MemoryStore) GetPayment(ctx context.Context, id string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) ListPayments(ctx context.Context, address, network string, limit int32) ([]*Payment, error) {
	out := m.filter(address, network, func(*Payment) bool { return true })
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit <= 0 {
		limit = 50
	}
	if len(out) > int(limit) {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListUnresolved(ctx context.Context, address, network string) ([]*Payment, error) {
	out := m.filter(address, network, (*Payment).Unresolved)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) filter(address, network string, keep func(*Payment) bool) []*Payment {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Payment
	for _, p := range m.payments {
		if p.Address != address || p.Network != network || !keep(p) {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	return out
}
