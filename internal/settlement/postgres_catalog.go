package settlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/mbd888/assetescrow/internal/amount"
	"github.com/mbd888/assetescrow/internal/ledger"
	"github.com/shopspring/decimal"
)

// PostgresCatalog persists assets in PostgreSQL. The assets table carries a
// trigger that refuses royalty or creator changes.
type PostgresCatalog struct {
	db *sql.DB
}

// NewPostgresCatalog creates a new PostgreSQL-backed asset catalog.
func NewPostgresCatalog(db *sql.DB) *PostgresCatalog {
	return &PostgresCatalog{db: db}
}

const assetColumns = `token_id, serial, name, price, royalty_pct, creator, created_at, updated_at`

func (p *PostgresCatalog) Create(ctx context.Context, a *Asset) error {
	if err := a.Validate(); err != nil {
		return err
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO assets (token_id, serial, name, price, royalty_pct, creator, created_at, updated_at)
		VALUES ($1, $2, $3, $4::NUMERIC(38,8), $5::NUMERIC(9,6), $6, NOW(), NOW())`,
		a.Token.TokenID, a.Token.Serial, a.Name, a.Price.String(), a.RoyaltyPct.String(), a.Creator,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrAssetExists
	}
	return err
}

func (p *PostgresCatalog) Get(ctx context.Context, ref ledger.TokenRef) (*Asset, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+assetColumns+` FROM assets WHERE token_id = $1 AND serial = $2`,
		ref.TokenID, ref.Serial)
	a, err := scanAsset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAssetNotFound
	}
	return a, err
}

func (p *PostgresCatalog) SetPrice(ctx context.Context, ref ledger.TokenRef, price decimal.Decimal) error {
	if err := amount.Check(price); err != nil {
		return fmt.Errorf("%w: price: %v", ErrInvalidAsset, err)
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE assets SET price = $1::NUMERIC(38,8), updated_at = NOW()
		WHERE token_id = $2 AND serial = $3`,
		price.String(), ref.TokenID, ref.Serial,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrAssetNotFound
	}
	return nil
}

func (p *PostgresCatalog) List(ctx context.Context, limit int) ([]*Asset, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+assetColumns+`
		FROM assets
		ORDER BY token_id, serial
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAsset(s scanner) (*Asset, error) {
	var (
		a                 Asset
		price, royaltyPct string
	)
	if err := s.Scan(&a.Token.TokenID, &a.Token.Serial, &a.Name, &price, &royaltyPct,
		&a.Creator, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if a.Price, err = decimal.NewFromString(price); err != nil {
		return nil, err
	}
	if a.RoyaltyPct, err = decimal.NewFromString(royaltyPct); err != nil {
		return nil, err
	}
	return &a, nil
}

var (
	_ CatalogStore = (*PostgresCatalog)(nil)
	_ CatalogStore = (*MemoryCatalog)(nil)
)
