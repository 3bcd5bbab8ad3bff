package server

import (
	"context"
	"fmt"

	"github.com/mbd888/assetescrow/internal/ledger"
	"github.com/mbd888/assetescrow/internal/settlement"
	"github.com/shopspring/decimal"
)

// Demo accounts seeded into the simulated ledger in development.
const (
	demoCollection = "0.0.5001"
	demoCreator    = "0.0.3001"
	demoSeller     = "0.0.3002"
	demoBuyer      = "0.0.3003"
)

var demoAssets = []struct {
	serial  int64
	name    string
	price   string
	royalty string
	owner   string
}{
	{1, "Harbor at Dusk", "120", "5", demoSeller},
	{2, "Salt Flats No. 4", "45.5", "10", demoSeller},
	{3, "Lantern Study", "9.99", "0", demoCreator},
}

// demoSessions are only installed when SESSION_TOKENS is empty.
var demoSessions = map[string]string{
	"demo-creator": demoCreator,
	"demo-seller":  demoSeller,
	"demo-buyer":   demoBuyer,
}

// seedDemo mints a small collection and funds the demo accounts so the API
// can be exercised end to end without a ledger gateway.
func (s *Server) seedDemo(ctx context.Context, m *ledger.MemoryLedger) error {
	token := s.cfg.SettlementToken

	m.Associate(s.cfg.EscrowAccount, demoCollection)
	m.Credit(s.cfg.EscrowAccount, token, decimal.Zero)
	m.Credit(s.cfg.PlatformAccount, token, decimal.Zero)
	m.Credit(demoCreator, token, decimal.Zero)
	m.Credit(demoSeller, token, decimal.Zero)
	m.Credit(demoBuyer, token, decimal.NewFromInt(1000))

	for _, a := range demoAssets {
		ref := ledger.TokenRef{TokenID: demoCollection, Serial: a.serial}
		if err := m.Mint(ref, a.owner); err != nil {
			return err
		}
		err := s.catalog.Create(ctx, &settlement.Asset{
			Token:      ref,
			Name:       a.name,
			Price:      decimal.RequireFromString(a.price),
			RoyaltyPct: decimal.RequireFromString(a.royalty),
			Creator:    demoCreator,
		})
		if err != nil {
			return fmt.Errorf("catalog %s: %w", ref, err)
		}
	}

	if len(s.cfg.SessionTokens) == 0 {
		for raw, account := range demoSessions {
			s.sessions.Add(raw, account, nil)
		}
	}

	s.logger.Info("seeded demo data",
		"collection", demoCollection,
		"assets", len(demoAssets),
		"buyer", demoBuyer,
	)
	return nil
}
