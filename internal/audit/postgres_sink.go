package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// PostgresSink appends events to the audit_events table. The table has no
// UPDATE or DELETE path in this package.
type PostgresSink struct {
	db *sql.DB
}

// NewPostgresSink creates a PostgreSQL-backed sink.
func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

func (p *PostgresSink) Append(ctx context.Context, e *Event) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("audit: marshal details: %w", err)
	}
	if e.Details == nil {
		details = []byte("{}")
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO audit_events (
			id, event_type, token, actor, counterparty, price,
			transaction_ids, details, occurred_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`,
		e.ID, string(e.Type), e.Token, e.Actor, nullString(e.Counterparty), nullString(e.Price),
		pq.Array(e.TransactionIDs), details, e.OccurredAt,
	)
	return err
}

func (p *PostgresSink) Query(ctx context.Context, f Filter) ([]*Event, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.Token != "" {
		add("token = $%d", f.Token)
	}
	if f.Actor != "" {
		add("(actor = $%[1]d OR counterparty = $%[1]d)", f.Actor)
	}
	if f.Type != "" {
		add("event_type = $%d", string(f.Type))
	}
	if f.Before != nil {
		args = append(args, f.Before.At, f.Before.ID)
		where = append(where, fmt.Sprintf("(occurred_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}

	query := `SELECT id, event_type, token, actor, counterparty, price, transaction_ids, details, occurred_at
		FROM audit_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY occurred_at DESC, id DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Event
	for rows.Next() {
		var (
			e            Event
			eventType    string
			counterparty sql.NullString
			price        sql.NullString
			details      []byte
		)
		if err := rows.Scan(&e.ID, &eventType, &e.Token, &e.Actor, &counterparty, &price,
			pq.Array(&e.TransactionIDs), &details, &e.OccurredAt); err != nil {
			return nil, err
		}
		e.Type = EventType(eventType)
		e.Counterparty = counterparty.String
		e.Price = price.String
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("audit: decode details of %s: %w", e.ID, err)
			}
			if len(e.Details) == 0 {
				e.Details = nil
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
