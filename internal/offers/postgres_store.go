package offers

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mbd888/assetescrow/internal/ledger"
	"github.com/shopspring/decimal"
)

// PostgresStore persists offers in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed offer store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const offerColumns = `id, token_id, serial, buyer, seller, price, status, expires_at, created_at, decided_at`

func (p *PostgresStore) Create(ctx context.Context, o *Offer) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO offers (`+offerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6::NUMERIC(38,8), $7, $8, $9, $10)`,
		o.ID, o.Token.TokenID, o.Token.Serial, o.Buyer, o.Seller, o.Price.String(),
		string(o.Status), o.ExpiresAt, o.CreatedAt, nullTime(o.DecidedAt),
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Offer, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE id = $1`, id)
	o, err := scanOffer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOfferNotFound
	}
	return o, err
}

func (p *PostgresStore) Update(ctx context.Context, o *Offer) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE offers SET status = $1, decided_at = $2 WHERE id = $3`,
		string(o.Status), nullTime(o.DecidedAt), o.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrOfferNotFound
	}
	return nil
}

func (p *PostgresStore) ListByToken(ctx context.Context, ref ledger.TokenRef, limit int) ([]*Offer, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+offerColumns+`
		FROM offers
		WHERE token_id = $1 AND serial = $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3`, ref.TokenID, ref.Serial, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOffer(s scanner) (*Offer, error) {
	var (
		o             Offer
		price, status string
		decidedAt     sql.NullTime
	)
	if err := s.Scan(&o.ID, &o.Token.TokenID, &o.Token.Serial, &o.Buyer, &o.Seller, &price,
		&status, &o.ExpiresAt, &o.CreatedAt, &decidedAt); err != nil {
		return nil, err
	}
	d, err := decimal.NewFromString(price)
	if err != nil {
		return nil, err
	}
	o.Price = d
	o.Status = Status(status)
	if decidedAt.Valid {
		t := decidedAt.Time
		o.DecidedAt = &t
	}
	return &o, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
