package reconciliation

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// PostgresStore persists incidents in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed incident store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const incidentColumns = `id, token_id, serial, buyer, seller, price, transaction_ids, cause,
		       status, resolution, resolution_note, resolved_by, created_at, resolved_at`

func (p *PostgresStore) Create(ctx context.Context, inc *Incident) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO reconciliation_incidents (`+incidentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6::NUMERIC(38,8), $7, $8, $9, $10, $11, $12, $13, $14)`,
		inc.ID, inc.Token.TokenID, inc.Token.Serial, inc.Buyer, inc.Seller, inc.Price.String(),
		pq.Array(inc.TransactionIDs), inc.Cause, string(inc.Status),
		nullString(string(inc.Resolution)), nullString(inc.ResolutionNote), nullString(inc.ResolvedBy),
		inc.CreatedAt, nullTime(inc.ResolvedAt),
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Incident, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+incidentColumns+` FROM reconciliation_incidents WHERE id = $1`, id)
	inc, err := scanIncident(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrIncidentNotFound
	}
	return inc, err
}

func (p *PostgresStore) Update(ctx context.Context, inc *Incident) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE reconciliation_incidents SET
			status = $1, resolution = $2, resolution_note = $3, resolved_by = $4, resolved_at = $5
		WHERE id = $6`,
		string(inc.Status), nullString(string(inc.Resolution)), nullString(inc.ResolutionNote),
		nullString(inc.ResolvedBy), nullTime(inc.ResolvedAt), inc.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrIncidentNotFound
	}
	return nil
}

func (p *PostgresStore) ListOpen(ctx context.Context, limit int) ([]*Incident, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+incidentColumns+`
		FROM reconciliation_incidents
		WHERE status = 'open'
		ORDER BY created_at ASC, id ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CountOpen(ctx context.Context) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reconciliation_incidents WHERE status = 'open'`).Scan(&n)
	return n, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanIncident(s scanner) (*Incident, error) {
	var (
		inc                          Incident
		price, status                string
		resolution, note, resolvedBy sql.NullString
		resolvedAt                   sql.NullTime
	)
	if err := s.Scan(&inc.ID, &inc.Token.TokenID, &inc.Token.Serial, &inc.Buyer, &inc.Seller, &price,
		pq.Array(&inc.TransactionIDs), &inc.Cause, &status, &resolution, &note, &resolvedBy,
		&inc.CreatedAt, &resolvedAt); err != nil {
		return nil, err
	}
	d, err := decimal.NewFromString(price)
	if err != nil {
		return nil, err
	}
	inc.Price = d
	inc.Status = Status(status)
	inc.Resolution = Action(resolution.String)
	inc.ResolutionNote = note.String
	inc.ResolvedBy = resolvedBy.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		inc.ResolvedAt = &t
	}
	return &inc, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
