package offers

import (
	"context"
	"sort"
	"sync"

	"github.com/mbd888/assetescrow/internal/ledger"
)

// MemoryStore is an in-memory offer store for demo/development mode.
type MemoryStore struct {
	mu     sync.RWMutex
	offers map[string]*Offer
}

// NewMemoryStore creates a new in-memory offer store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{offers: make(map[string]*Offer)}
}

func cloneOffer(o *Offer) *Offer {
	cp := *o
	if o.DecidedAt != nil {
		t := *o.DecidedAt
		cp.DecidedAt = &t
	}
	return &cp
}

func (m *MemoryStore) Create(_ context.Context, o *Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offers[o.ID] = cloneOffer(o)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.offers[id]
	if !ok {
		return nil, ErrOfferNotFound
	}
	return cloneOffer(o), nil
}

func (m *MemoryStore) Update(_ context.Context, o *Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.offers[o.ID]; !ok {
		return ErrOfferNotFound
	}
	m.offers[o.ID] = cloneOffer(o)
	return nil
}

func (m *MemoryStore) ListByToken(_ context.Context, ref ledger.TokenRef, limit int) ([]*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Offer
	for _, o := range m.offers {
		if o.Token == ref {
			out = append(out, cloneOffer(o))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
