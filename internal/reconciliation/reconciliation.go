// Package reconciliation tracks trades where the buyer paid but the asset
// was not delivered.
//
// Nothing here moves funds or tokens. An incident stays open until an
// operator records how it was settled off the automatic path (refund,
// forced delivery, or write-off). No timeout closes incidents on its own.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/assetescrow/internal/idgen"
	"github.com/mbd888/assetescrow/internal/ledger"
	"github.com/mbd888/assetescrow/internal/syncutil"
	"github.com/shopspring/decimal"
)

var (
	ErrIncidentNotFound  = errors.New("reconciliation: incident not found")
	ErrAlreadyResolved   = errors.New("reconciliation: incident already resolved")
	ErrInvalidResolution = errors.New("reconciliation: invalid resolution")
)

// Status of an incident.
type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
)

// Action records how an operator settled an incident.
type Action string

const (
	ActionRefunded   Action = "refunded"    // buyer's payment returned
	ActionDelivered  Action = "delivered"   // asset handed to the buyer manually
	ActionWrittenOff Action = "written_off" // closed without either
)

func (a Action) valid() bool {
	return a == ActionRefunded || a == ActionDelivered || a == ActionWrittenOff
}

// Incident is a payment-settled, asset-not-delivered trade.
type Incident struct {
	ID             string          `json:"id"`
	Token          ledger.TokenRef `json:"token"`
	Buyer          string          `json:"buyer"`
	Seller         string          `json:"seller"`
	Price          decimal.Decimal `json:"price"`
	TransactionIDs []string        `json:"transactionIds"`
	Cause          string          `json:"cause"`
	Status         Status          `json:"status"`
	Resolution     Action          `json:"resolution,omitempty"`
	ResolutionNote string          `json:"resolutionNote,omitempty"`
	ResolvedBy     string          `json:"resolvedBy,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	ResolvedAt     *time.Time      `json:"resolvedAt,omitempty"`
}

// Report is what the settlement path knows when delivery fails.
type Report struct {
	Token          ledger.TokenRef
	Buyer          string
	Seller         string
	Price          decimal.Decimal
	TransactionIDs []string
	Cause          error
}

// Store persists incidents.
type Store interface {
	Create(ctx context.Context, inc *Incident) error
	Get(ctx context.Context, id string) (*Incident, error)
	Update(ctx context.Context, inc *Incident) error
	ListOpen(ctx context.Context, limit int) ([]*Incident, error)
	CountOpen(ctx context.Context) (int, error)
}

// Service is the manual reconciliation queue.
type Service struct {
	store  Store
	locks  *syncutil.KeyedMutex
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a reconciliation service.
func NewService(store Store) *Service {
	return &Service{store: store, locks: syncutil.NewKeyedMutex(), logger: slog.Default(), now: time.Now}
}

// WithLogger sets a structured logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// Record opens an incident for r.
func (s *Service) Record(ctx context.Context, r Report) (*Incident, error) {
	cause := "unknown"
	if r.Cause != nil {
		cause = r.Cause.Error()
	}
	inc := &Incident{
		ID:             idgen.WithPrefix("inc_"),
		Token:          r.Token,
		Buyer:          r.Buyer,
		Seller:         r.Seller,
		Price:          r.Price,
		TransactionIDs: append([]string(nil), r.TransactionIDs...),
		Cause:          cause,
		Status:         StatusOpen,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.store.Create(ctx, inc); err != nil {
		return nil, fmt.Errorf("reconciliation: record incident: %w", err)
	}
	incidentsRecorded.Inc()
	s.refreshGauge(ctx)

	s.logger.Error("CRITICAL: payment settled, asset not delivered; manual reconciliation required",
		"incident", inc.ID, "token", inc.Token.String(), "buyer", inc.Buyer, "seller", inc.Seller,
		"price", inc.Price.StringFixed(8), "transactions", strings.Join(inc.TransactionIDs, ","),
		"cause", inc.Cause)
	return inc, nil
}

// Get returns one incident.
func (s *Service) Get(ctx context.Context, id string) (*Incident, error) {
	return s.store.Get(ctx, id)
}

// ListOpen returns unresolved incidents, oldest first.
func (s *Service) ListOpen(ctx context.Context, limit int) ([]*Incident, error) {
	return s.store.ListOpen(ctx, limit)
}

// Resolve closes an incident with the operator's account, action and note.
func (s *Service) Resolve(ctx context.Context, id, operator string, action Action, note string) (*Incident, error) {
	if !action.valid() {
		return nil, fmt.Errorf("%w: unknown action %q", ErrInvalidResolution, action)
	}
	if strings.TrimSpace(note) == "" {
		return nil, fmt.Errorf("%w: note is required", ErrInvalidResolution)
	}

	// Two operators resolving the same incident: the second sees it resolved.
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	inc, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if inc.Status == StatusResolved {
		return nil, ErrAlreadyResolved
	}

	now := s.now().UTC()
	inc.Status = StatusResolved
	inc.Resolution = action
	inc.ResolutionNote = note
	inc.ResolvedBy = operator
	inc.ResolvedAt = &now
	if err := s.store.Update(ctx, inc); err != nil {
		return nil, err
	}
	s.refreshGauge(ctx)

	s.logger.Info("reconciliation incident resolved",
		"incident", inc.ID, "token", inc.Token.String(), "action", action, "operator", operator)
	return inc, nil
}

func (s *Service) refreshGauge(ctx context.Context) {
	n, err := s.store.CountOpen(ctx)
	if err != nil {
		s.logger.Warn("count open incidents failed", "error", err)
		return
	}
	openIncidents.Set(float64(n))
}
