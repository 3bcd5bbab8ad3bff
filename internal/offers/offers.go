// Package offers records buyer-proposed prices for listed assets.
//
// Offers are advisory. Accepting one moves nothing on the ledger; the buyer
// still goes through settlement. Validity is always checked against the
// resolved listing: an offer only stands while the asset is in escrow for
// the same seller it was made to.
package offers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/assetescrow/internal/amount"
	"github.com/mbd888/assetescrow/internal/audit"
	"github.com/mbd888/assetescrow/internal/idgen"
	"github.com/mbd888/assetescrow/internal/ledger"
	"github.com/mbd888/assetescrow/internal/listing"
	"github.com/mbd888/assetescrow/internal/metrics"
	"github.com/mbd888/assetescrow/internal/syncutil"
	"github.com/shopspring/decimal"
)

var (
	ErrOfferNotFound     = errors.New("offers: offer not found")
	ErrInvalidOffer      = errors.New("offers: invalid offer")
	ErrNotListed         = errors.New("offers: asset is not listed")
	ErrListingChanged    = errors.New("offers: listing changed since the offer was made")
	ErrSelfOffer         = errors.New("offers: seller cannot make an offer on own listing")
	ErrUnauthorized      = errors.New("offers: only the seller may decide on an offer")
	ErrOfferExpired      = errors.New("offers: offer has expired")
	ErrAlreadyDecided    = errors.New("offers: offer already decided")
	ErrLedgerUnavailable = errors.New("offers: listing state unavailable")
)

// Status represents the state of an offer.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
)

// Limits on how long an offer may stand.
const (
	DefaultTTL = 24 * time.Hour
	MaxTTL     = 30 * 24 * time.Hour
)

// Offer is a buyer's proposed price for a listed asset.
type Offer struct {
	ID        string          `json:"id"`
	Token     ledger.TokenRef `json:"token"`
	Buyer     string          `json:"buyer"`
	Seller    string          `json:"seller"`
	Price     decimal.Decimal `json:"price"`
	Status    Status          `json:"status"`
	ExpiresAt time.Time       `json:"expiresAt"`
	CreatedAt time.Time       `json:"createdAt"`
	DecidedAt *time.Time      `json:"decidedAt,omitempty"`
}

// Expired reports whether a pending offer has passed its expiry at now.
func (o *Offer) Expired(now time.Time) bool {
	return o.Status == StatusPending && !now.Before(o.ExpiresAt)
}

// Store persists offers.
type Store interface {
	Create(ctx context.Context, o *Offer) error
	Get(ctx context.Context, id string) (*Offer, error)
	Update(ctx context.Context, o *Offer) error
	// ListByToken returns offers on ref, newest first.
	ListByToken(ctx context.Context, ref ledger.TokenRef, limit int) ([]*Offer, error)
}

// Resolver is the listing lookup offers are validated against.
type Resolver interface {
	Resolve(ctx context.Context, ref ledger.TokenRef) (*listing.State, error)
}

// Service manages offers.
type Service struct {
	store    Store
	resolver Resolver
	locks    *syncutil.KeyedMutex
	emitter  audit.Emitter
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a new offer service.
func NewService(store Store, resolver Resolver) *Service {
	return &Service{
		store:    store,
		resolver: resolver,
		locks:    syncutil.NewKeyedMutex(),
		emitter:  audit.Discard,
		logger:   slog.Default(),
		now:      time.Now,
	}
}

// WithEmitter sets the audit emitter.
func (s *Service) WithEmitter(e audit.Emitter) *Service {
	s.emitter = e
	return s
}

// WithLogger sets a structured logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// Make records an offer from buyer on ref. A zero expiresAt means DefaultTTL.
func (s *Service) Make(ctx context.Context, buyer string, ref ledger.TokenRef, price decimal.Decimal, expiresAt time.Time) (*Offer, error) {
	now := s.now()
	if !ledger.ValidEntityID(buyer) {
		return nil, fmt.Errorf("%w: buyer %q", ErrInvalidOffer, buyer)
	}
	if err := amount.Check(price); err != nil || !price.IsPositive() {
		return nil, fmt.Errorf("%w: price must be positive with at most %d decimals", ErrInvalidOffer, amount.Decimals)
	}
	if expiresAt.IsZero() {
		expiresAt = now.Add(DefaultTTL)
	}
	if !expiresAt.After(now) {
		return nil, fmt.Errorf("%w: expiry is in the past", ErrInvalidOffer)
	}
	if expiresAt.Sub(now) > MaxTTL {
		return nil, fmt.Errorf("%w: expiry more than %s away", ErrInvalidOffer, MaxTTL)
	}

	st, err := s.resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	if st.Seller == buyer {
		return nil, ErrSelfOffer
	}

	offer := &Offer{
		ID:        idgen.WithPrefix("ofr_"),
		Token:     ref,
		Buyer:     buyer,
		Seller:    st.Seller,
		Price:     price,
		Status:    StatusPending,
		ExpiresAt: expiresAt.UTC(),
		CreatedAt: now.UTC(),
	}
	if err := s.store.Create(ctx, offer); err != nil {
		return nil, fmt.Errorf("offers: create: %w", err)
	}

	s.emitter.Emit(ctx, audit.EventOffer, audit.Payload{
		Token:        ref.String(),
		Actor:        buyer,
		Counterparty: offer.Seller,
		Price:        amount.Format(price),
		Details: map[string]string{
			"offerId":   offer.ID,
			"expiresAt": offer.ExpiresAt.Format(time.RFC3339),
		},
	})
	metrics.OffersTotal.WithLabelValues(string(StatusPending)).Inc()
	s.logger.Info("offer made", "offer", offer.ID, "token", ref.String(), "buyer", buyer, "price", amount.Format(price))
	return offer, nil
}

// Accept marks an offer accepted. Only the current seller may accept, and
// only before expiry.
func (s *Service) Accept(ctx context.Context, seller, id string) (*Offer, error) {
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	offer, err := s.decidable(ctx, seller, id)
	if err != nil {
		return nil, err
	}
	if offer.Expired(s.now()) {
		return nil, ErrOfferExpired
	}
	return s.decide(ctx, offer, StatusAccepted, audit.EventOfferAccepted)
}

// Reject marks an offer rejected. Expired offers may still be rejected.
func (s *Service) Reject(ctx context.Context, seller, id string) (*Offer, error) {
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	offer, err := s.decidable(ctx, seller, id)
	if err != nil {
		return nil, err
	}
	return s.decide(ctx, offer, StatusRejected, audit.EventOfferRejected)
}

// Get returns a single offer.
func (s *Service) Get(ctx context.Context, id string) (*Offer, error) {
	return s.store.Get(ctx, id)
}

// ListForToken returns offers on ref, newest first.
func (s *Service) ListForToken(ctx context.Context, ref ledger.TokenRef, limit int) ([]*Offer, error) {
	return s.store.ListByToken(ctx, ref, limit)
}

// decidable loads a pending offer and checks the caller is the seller the
// ledger currently reports.
func (s *Service) decidable(ctx context.Context, caller, id string) (*Offer, error) {
	offer, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if offer.Status != StatusPending {
		return nil, ErrAlreadyDecided
	}
	if caller != offer.Seller {
		return nil, ErrUnauthorized
	}

	st, err := s.resolve(ctx, offer.Token)
	if err != nil {
		return nil, err
	}
	if st.Seller != offer.Seller {
		return nil, ErrListingChanged
	}
	return offer, nil
}

func (s *Service) decide(ctx context.Context, offer *Offer, status Status, event audit.EventType) (*Offer, error) {
	now := s.now().UTC()
	offer.Status = status
	offer.DecidedAt = &now
	if err := s.store.Update(ctx, offer); err != nil {
		return nil, fmt.Errorf("offers: update: %w", err)
	}

	s.emitter.Emit(ctx, event, audit.Payload{
		Token:        offer.Token.String(),
		Actor:        offer.Seller,
		Counterparty: offer.Buyer,
		Price:        amount.Format(offer.Price),
		Details:      map[string]string{"offerId": offer.ID},
	})
	metrics.OffersTotal.WithLabelValues(string(status)).Inc()
	s.logger.Info("offer decided", "offer", offer.ID, "status", status)
	return offer, nil
}

// resolve returns the listing state of ref, requiring an active listing
// with a known seller.
func (s *Service) resolve(ctx context.Context, ref ledger.TokenRef) (*listing.State, error) {
	st, err := s.resolver.Resolve(ctx, ref)
	if err != nil {
		if errors.Is(err, listing.ErrTokenNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrNotListed, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	if !st.Listed {
		return nil, ErrNotListed
	}
	if st.Degraded {
		return nil, fmt.Errorf("%w: seller of %s could not be determined", ErrLedgerUnavailable, ref)
	}
	return st, nil
}
