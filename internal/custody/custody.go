// Package custody is the privileged path that moves a token out of the
// escrow account.
//
// Only the escrow operator can release custody. In-process callers use
// Service directly; remote callers send a request co-signed with the operator
// key to POST /v1/custody/release, which Service verifies before touching the
// ledger. A release is a single non-fungible transfer and is never retried
// here: callers re-resolve listing state before asking again.
package custody

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mbd888/assetescrow/internal/ledger"
	"github.com/mbd888/assetescrow/internal/listing"
	"github.com/mbd888/assetescrow/internal/traces"
)

var (
	ErrInvalidRequest = errors.New("custody: invalid release request")
	ErrBadSignature   = errors.New("custody: operator signature invalid")
	ErrStaleRequest   = errors.New("custody: release request expired or replayed")
	ErrNotInEscrow    = errors.New("custody: token is not held by escrow")
	ErrListingChanged = errors.New("custody: listing changed since request was made")
	ErrUnavailable    = errors.New("custody: custodian unavailable")
)

// Reason says why custody is being released.
type Reason string

const (
	ReasonUnlist Reason = "unlist" // back to the seller
	ReasonSale   Reason = "sale"   // to the buyer
)

// ReleaseRequest asks the custodian to move Token from escrow to Destination.
type ReleaseRequest struct {
	Token       ledger.TokenRef `json:"token"`
	Destination string          `json:"destination"`
	Reason      Reason          `json:"reason"`
	// Seller is the seller the caller resolved. The release is refused if
	// the token has since been relisted by someone else.
	Seller   string `json:"seller"`
	IssuedAt int64  `json:"issuedAt"`
	Nonce    string `json:"nonce"`
}

// Validate checks the request shape.
func (r ReleaseRequest) Validate() error {
	if !ledger.ValidEntityID(r.Token.TokenID) || r.Token.Serial <= 0 {
		return fmt.Errorf("%w: token %s", ErrInvalidRequest, r.Token)
	}
	if !ledger.ValidEntityID(r.Destination) {
		return fmt.Errorf("%w: destination %q", ErrInvalidRequest, r.Destination)
	}
	if r.Reason != ReasonUnlist && r.Reason != ReasonSale {
		return fmt.Errorf("%w: reason %q", ErrInvalidRequest, r.Reason)
	}
	if r.Reason == ReasonUnlist && r.Destination != r.Seller {
		return fmt.Errorf("%w: unlisting must return the token to its seller", ErrInvalidRequest)
	}
	return nil
}

// Custodian releases tokens held by escrow.
type Custodian interface {
	Release(ctx context.Context, req ReleaseRequest) (*ledger.Receipt, error)
	// Ready returns an ErrUnavailable error when a release is already known
	// to fail fast. A nil result promises nothing about the release itself.
	Ready(ctx context.Context) error
}

// CircuitScope prefixes the breaker keys of custody releases, keeping them
// apart from sellers' transfers into escrow.
const CircuitScope = "custody"

// Resolver is the listing lookup the custodian re-checks before releasing.
type Resolver interface {
	Resolve(ctx context.Context, ref ledger.TokenRef) (*listing.State, error)
}

// DefaultMaxSkew bounds how old (or how far in the future) a signed
// request's IssuedAt may be.
const DefaultMaxSkew = 2 * time.Minute

// Service is the server side of the custody path.
type Service struct {
	ledger   ledger.Client
	resolver Resolver
	escrow   string
	operator common.Address
	maxSkew  time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time // nonce -> expiry
}

// NewService creates a custodian for tokens held by escrowAccount. Signed
// requests must recover to operator.
func NewService(client ledger.Client, resolver Resolver, escrowAccount string, operator common.Address) *Service {
	return &Service{
		ledger:   client,
		resolver: resolver,
		escrow:   escrowAccount,
		operator: operator,
		maxSkew:  DefaultMaxSkew,
		logger:   slog.Default(),
		now:      time.Now,
		seen:     make(map[string]time.Time),
	}
}

// WithLogger sets a structured logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// ReleaseSigned verifies the operator co-signature and freshness of req,
// then releases custody.
func (s *Service) ReleaseSigned(ctx context.Context, req ReleaseRequest, signature string) (*ledger.Receipt, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := verifySignature(req, signature, s.operator); err != nil {
		s.logger.Warn("custody release with bad signature", "token", req.Token.String(), "error", err)
		return nil, err
	}
	if err := s.checkFresh(req); err != nil {
		return nil, err
	}
	return s.Release(ctx, req)
}

// Ready reports whether the escrow transfer would be refused by an open
// circuit.
func (s *Service) Ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a, ok := s.ledger.(ledger.Admitter)
	if !ok {
		return nil
	}
	if err := a.Admits(ledger.OpTransferNonFungible); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Release moves req.Token from escrow to req.Destination after confirming
// from the ledger that escrow still holds it for the expected seller.
func (s *Service) Release(ctx context.Context, req ReleaseRequest) (*ledger.Receipt, error) {
	ctx, span := traces.StartSpan(ctx, "custody.Release",
		traces.Token(req.Token.String()),
		traces.Account("destination", req.Destination),
	)
	defer span.End()

	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.Destination == s.escrow {
		return nil, fmt.Errorf("%w: destination is the escrow account", ErrInvalidRequest)
	}

	st, err := s.resolver.Resolve(ctx, req.Token)
	if err != nil {
		traces.RecordError(span, err)
		if errors.Is(err, listing.ErrTokenNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrNotInEscrow, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := checkState(st, req); err != nil {
		traces.RecordError(span, err)
		return nil, err
	}

	rcpt, err := s.ledger.TransferNonFungible(ctx, ledger.NFTTransfer{
		Token: req.Token,
		From:  s.escrow,
		To:    req.Destination,
		Memo:  "custody release: " + string(req.Reason),
	})
	if err != nil {
		traces.RecordError(span, err)
		s.logger.Error("custody release failed",
			"token", req.Token.String(), "destination", req.Destination, "reason", req.Reason, "error", err)
		return nil, err
	}

	s.logger.Info("custody released",
		"token", req.Token.String(), "destination", req.Destination,
		"reason", req.Reason, "tx", rcpt.TransactionID)
	return rcpt, nil
}

func checkState(st *listing.State, req ReleaseRequest) error {
	if !st.Listed {
		return fmt.Errorf("%w: %s held by %s", ErrNotInEscrow, req.Token, st.Holder)
	}
	if st.Degraded {
		// Custody is known, the depositor is not. A buyer who already paid
		// may still be delivered to; nobody can claim it back as seller.
		if req.Reason == ReasonSale {
			return nil
		}
		return fmt.Errorf("%w: seller of %s could not be determined", ErrListingChanged, req.Token)
	}
	if req.Seller != "" && st.Seller != req.Seller {
		return fmt.Errorf("%w: %s now listed by %s", ErrListingChanged, req.Token, st.Seller)
	}
	return nil
}

// checkFresh rejects requests outside the skew window and replayed nonces.
func (s *Service) checkFresh(req ReleaseRequest) error {
	if req.Nonce == "" {
		return fmt.Errorf("%w: missing nonce", ErrStaleRequest)
	}
	now := s.now()
	issued := time.Unix(req.IssuedAt, 0)
	if issued.Before(now.Add(-s.maxSkew)) || issued.After(now.Add(s.maxSkew)) {
		return fmt.Errorf("%w: issued at %s", ErrStaleRequest, issued.UTC().Format(time.RFC3339))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for n, exp := range s.seen {
		if now.After(exp) {
			delete(s.seen, n)
		}
	}
	if _, dup := s.seen[req.Nonce]; dup {
		return fmt.Errorf("%w: nonce reused", ErrStaleRequest)
	}
	s.seen[req.Nonce] = issued.Add(2 * s.maxSkew)
	return nil
}
