package reconciliation

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory incident store for demo/development mode.
type MemoryStore struct {
	mu        sync.RWMutex
	incidents map[string]*Incident
}

// NewMemoryStore creates a new in-memory incident store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{incidents: make(map[string]*Incident)}
}

func clone(inc *Incident) *Incident {
	cp := *inc
	cp.TransactionIDs = append([]string(nil), inc.TransactionIDs...)
	if inc.ResolvedAt != nil {
		t := *inc.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

func (m *MemoryStore) Create(ctx context.Context, inc *Incident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.incidents[inc.ID] = clone(inc)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inc, ok := m.incidents[id]
	if !ok {
		return nil, ErrIncidentNotFound
	}
	return clone(inc), nil
}

func (m *MemoryStore) Update(ctx context.Context, inc *Incident) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.incidents[inc.ID]; !ok {
		return ErrIncidentNotFound
	}
	m.incidents[inc.ID] = clone(inc)
	return nil
}

func (m *MemoryStore) ListOpen(ctx context.Context, limit int) ([]*Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Incident
	for _, inc := range m.incidents {
		if inc.Status == StatusOpen {
			out = append(out, clone(inc))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CountOpen(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, inc := range m.incidents {
		if inc.Status == StatusOpen {
			n++
		}
	}
	return n, nil
}
