// Package audit records marketplace events to an append-only log.
//
// Emitting is fire-and-forget. A trade never waits on, or fails because of,
// the audit trail: sink errors are logged and counted, nothing more.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/assetescrow/internal/pagination"
)

// EventType names an audit record.
type EventType string

const (
	EventListing       EventType = "listing"
	EventUnlisting     EventType = "unlisting"
	EventSale          EventType = "sale"
	EventOffer         EventType = "offer"
	EventOfferAccepted EventType = "offer_accepted"
	EventOfferRejected EventType = "offer_rejected"
)

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	switch t {
	case EventListing, EventUnlisting, EventSale, EventOffer, EventOfferAccepted, EventOfferRejected:
		return true
	}
	return false
}

var ErrSinkClosed = errors.New("audit: sink closed")

// Payload is the body of an event.
type Payload struct {
	Token          string            `json:"token"`
	Actor          string            `json:"actor"`
	Counterparty   string            `json:"counterparty,omitempty"`
	Price          string            `json:"price,omitempty"`
	TransactionIDs []string          `json:"transactionIds,omitempty"`
	Details        map[string]string `json:"details,omitempty"`
}

// Event is one immutable audit record.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurredAt"`
	Payload
}

// Emitter accepts events. Implementations must not block on slow sinks.
type Emitter interface {
	Emit(ctx context.Context, eventType EventType, payload Payload)
}

// Sink appends events durably (or broadcasts them).
type Sink interface {
	Append(ctx context.Context, e *Event) error
}

// Filter selects events for Query. Zero fields match everything.
type Filter struct {
	Token string
	Actor string
	Type  EventType
	Limit int
	// Before resumes a newest-first listing after the cursor's row.
	Before *pagination.Cursor
}

func (f Filter) matches(e *Event) bool {
	if f.Token != "" && e.Token != f.Token {
		return false
	}
	if f.Actor != "" && e.Actor != f.Actor && e.Counterparty != f.Actor {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	return f.Before.Precedes(e.OccurredAt, e.ID)
}

// Reader is implemented by sinks that can be queried.
type Reader interface {
	Query(ctx context.Context, f Filter) ([]*Event, error)
}

// Discard drops every event.
var Discard Emitter = discard{}

type discard struct{}

func (discard) Emit(context.Context, EventType, Payload) {}
