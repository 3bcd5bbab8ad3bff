// Package listing derives marketplace listing state from the ledger.
//
// There is no listings table. An asset is listed iff its token is held by
// the escrow account, and the seller is the sender of the most recent
// transfer into escrow. Every call goes back to the ledger.
package listing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/assetescrow/internal/ledger"
	"github.com/mbd888/assetescrow/internal/retry"
	"github.com/mbd888/assetescrow/internal/traces"
)

var (
	// ErrLedgerUnavailable means listing state could not be determined. It
	// must never be read as "not listed".
	ErrLedgerUnavailable = errors.New("listing: ledger unavailable")
	ErrTokenNotFound     = errors.New("listing: token not found")
)

// DefaultHistoryLimit bounds how far back the seller scan looks.
const DefaultHistoryLimit = 100

// State is the listing view of one token at ResolvedAt.
type State struct {
	Token  ledger.TokenRef `json:"token"`
	Listed bool            `json:"listed"`
	Holder string          `json:"holder"`
	// Seller is empty when not listed, or when Degraded.
	Seller      string     `json:"seller,omitempty"`
	ListingTxID string     `json:"listingTxId,omitempty"`
	ListedAt    *time.Time `json:"listedAt,omitempty"`
	// Degraded is set when the token is in escrow but the seller could not
	// be recovered from history.
	Degraded   bool      `json:"degraded,omitempty"`
	ResolvedAt time.Time `json:"resolvedAt"`
}

// ListedBy reports whether the token is listed with account as the seller.
func (s *State) ListedBy(account string) bool {
	return s.Listed && !s.Degraded && s.Seller == account
}

// Resolver answers listing queries from the ledger.
type Resolver struct {
	ledger       ledger.Client
	escrow       string
	historyLimit int
	policy       retry.Policy
	logger       *slog.Logger
	now          func() time.Time
}

// NewResolver creates a resolver for listings held by escrowAccount.
func NewResolver(client ledger.Client, escrowAccount string) *Resolver {
	return &Resolver{
		ledger:       client,
		escrow:       escrowAccount,
		historyLimit: DefaultHistoryLimit,
		policy:       retry.Reads.When(ledger.IsTransient),
		logger:       slog.Default(),
		now:          time.Now,
	}
}

// WithLogger sets a structured logger.
func (r *Resolver) WithLogger(l *slog.Logger) *Resolver {
	r.logger = l
	return r
}

// WithHistoryLimit sets how many history records are scanned for the seller.
func (r *Resolver) WithHistoryLimit(n int) *Resolver {
	if n > 0 {
		r.historyLimit = n
	}
	return r
}

// WithRetryPolicy overrides the retry policy for read queries. Only
// transport failures are retried; anything the ledger answered is final.
func (r *Resolver) WithRetryPolicy(p retry.Policy) *Resolver {
	r.policy = p.When(ledger.IsTransient)
	return r
}

// Resolve reports whether ref is listed and by whom.
func (r *Resolver) Resolve(ctx context.Context, ref ledger.TokenRef) (*State, error) {
	ctx, span := traces.StartSpan(ctx, "listing.Resolve", traces.Token(ref.String()))
	defer span.End()

	holder, err := retry.Value(ctx, r.policy, func(int) (string, error) {
		return r.ledger.GetHolder(ctx, ref)
	})
	if err != nil {
		err = r.classify(err, "holder", ref)
		traces.RecordError(span, err)
		return nil, err
	}

	state := &State{Token: ref, Holder: holder, ResolvedAt: r.now()}
	if holder != r.escrow {
		return state, nil
	}
	state.Listed = true

	history, err := retry.Value(ctx, r.policy, func(int) ([]ledger.TransferRecord, error) {
		return r.ledger.GetTransferHistory(ctx, ref, r.historyLimit)
	})
	if err != nil {
		// Custody is known; only the seller is missing.
		r.logger.Warn("listing resolved without seller", "token", ref.String(), "error", err)
		state.Degraded = true
		return state, nil
	}

	rec, ok := latestIntoEscrow(history, r.escrow)
	if !ok {
		r.logger.Warn("no transfer into escrow within history window",
			"token", ref.String(), "limit", r.historyLimit)
		state.Degraded = true
		return state, nil
	}
	state.Seller = rec.From
	state.ListingTxID = rec.TransactionID
	listedAt := rec.ConsensusAt
	state.ListedAt = &listedAt
	return state, nil
}

// ActiveListings resolves every token currently held by the escrow account.
func (r *Resolver) ActiveListings(ctx context.Context) ([]*State, error) {
	refs, err := retry.Value(ctx, r.policy, func(int) ([]ledger.TokenRef, error) {
		return r.ledger.GetAccountNonFungibleHoldings(ctx, r.escrow)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: escrow holdings: %v", ErrLedgerUnavailable, err)
	}

	out := make([]*State, 0, len(refs))
	for _, ref := range refs {
		st, err := r.Resolve(ctx, ref)
		if err != nil {
			return nil, err
		}
		// The token may have left escrow between the two queries.
		if st.Listed {
			out = append(out, st)
		}
	}
	return out, nil
}

// latestIntoEscrow scans most-recent-first history for the last transfer
// whose receiver is escrow.
func latestIntoEscrow(history []ledger.TransferRecord, escrow string) (ledger.TransferRecord, bool) {
	for _, rec := range history {
		if rec.To == escrow {
			return rec, true
		}
	}
	return ledger.TransferRecord{}, false
}

func (r *Resolver) classify(err error, what string, ref ledger.TokenRef) error {
	if errors.Is(err, ledger.ErrTokenNotFound) {
		return fmt.Errorf("%w: %s", ErrTokenNotFound, ref)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %s of %s: %v", ErrLedgerUnavailable, what, ref, err)
}
