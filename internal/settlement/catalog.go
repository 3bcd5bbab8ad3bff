package settlement

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/assetescrow/internal/amount"
	"github.com/mbd888/assetescrow/internal/ledger"
	"github.com/shopspring/decimal"
)

var (
	ErrAssetNotFound = errors.New("settlement: asset not found")
	ErrAssetExists   = errors.New("settlement: asset already registered")
	ErrInvalidAsset  = errors.New("settlement: invalid asset")
)

// Asset is the catalog record for a minted token. Custody is never stored
// here; it comes from the ledger.
type Asset struct {
	Token      ledger.TokenRef `json:"token"`
	Name       string          `json:"name"`
	Price      decimal.Decimal `json:"price"`
	RoyaltyPct decimal.Decimal `json:"royaltyPct"`
	Creator    string          `json:"creator"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// Validate checks the asset fields.
func (a *Asset) Validate() error {
	if !ledger.ValidEntityID(a.Token.TokenID) || a.Token.Serial <= 0 {
		return fmt.Errorf("%w: token %s", ErrInvalidAsset, a.Token)
	}
	if a.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidAsset)
	}
	if err := amount.Check(a.Price); err != nil {
		return fmt.Errorf("%w: price: %v", ErrInvalidAsset, err)
	}
	if a.RoyaltyPct.IsNegative() || a.RoyaltyPct.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("%w: royalty must be between 0 and 100", ErrInvalidAsset)
	}
	if !ledger.ValidEntityID(a.Creator) {
		return fmt.Errorf("%w: creator %q", ErrInvalidAsset, a.Creator)
	}
	return nil
}

// AssetCatalog is the read side the orchestrator needs.
type AssetCatalog interface {
	Get(ctx context.Context, ref ledger.TokenRef) (*Asset, error)
}

// CatalogStore persists assets. Royalty and creator never change once
// created.
type CatalogStore interface {
	AssetCatalog
	Create(ctx context.Context, a *Asset) error
	SetPrice(ctx context.Context, ref ledger.TokenRef, price decimal.Decimal) error
	List(ctx context.Context, limit int) ([]*Asset, error)
}

// MemoryCatalog is an in-memory asset catalog for demo/development mode.
type MemoryCatalog struct {
	mu     sync.RWMutex
	assets map[ledger.TokenRef]*Asset
	now    func() time.Time
}

// NewMemoryCatalog creates an empty catalog.
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{assets: make(map[ledger.TokenRef]*Asset), now: time.Now}
}

func (m *MemoryCatalog) Create(ctx context.Context, a *Asset) error {
	if err := a.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.assets[a.Token]; exists {
		return ErrAssetExists
	}
	cp := *a
	now := m.now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	m.assets[a.Token] = &cp
	return nil
}

func (m *MemoryCatalog) Get(ctx context.Context, ref ledger.TokenRef) (*Asset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.assets[ref]
	if !ok {
		return nil, ErrAssetNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryCatalog) SetPrice(ctx context.Context, ref ledger.TokenRef, price decimal.Decimal) error {
	if err := amount.Check(price); err != nil {
		return fmt.Errorf("%w: price: %v", ErrInvalidAsset, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.assets[ref]
	if !ok {
		return ErrAssetNotFound
	}
	a.Price = price
	a.UpdatedAt = m.now()
	return nil
}

func (m *MemoryCatalog) List(ctx context.Context, limit int) ([]*Asset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Asset, 0, len(m.assets))
	for _, a := range m.assets {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Token.TokenID != out[j].Token.TokenID {
			return out[i].Token.TokenID < out[j].Token.TokenID
		}
		return out[i].Token.Serial < out[j].Token.Serial
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
