// Package settlement drives listing, unlisting and purchase of escrowed
// assets as ordered ledger steps.
//
// Steps are committed one at a time; the ledger offers no transaction that
// spans the settlement currency and the asset token. Listing state is
// re-resolved from the ledger right before every transfer and the operation
// aborts on any mismatch. Two requests racing on the same token are decided
// by whichever transfer reaches consensus first, and the loser fails its
// next precondition.
//
// Ledger transactions cannot be recalled once submitted. Cancelling ctx
// stops the remaining steps but never undoes one that was already sent.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/assetescrow/internal/amount"
	"github.com/mbd888/assetescrow/internal/audit"
	"github.com/mbd888/assetescrow/internal/custody"
	"github.com/mbd888/assetescrow/internal/fees"
	"github.com/mbd888/assetescrow/internal/ledger"
	"github.com/mbd888/assetescrow/internal/listing"
	"github.com/mbd888/assetescrow/internal/logging"
	"github.com/mbd888/assetescrow/internal/metrics"
	"github.com/mbd888/assetescrow/internal/reconciliation"
	"github.com/mbd888/assetescrow/internal/retry"
	"github.com/mbd888/assetescrow/internal/traces"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Operations.
const (
	OpList   = "list"
	OpUnlist = "unlist"
	OpBuy    = "buy"
)

// Step names, in the order they run.
const (
	StepTransferToEscrow = "transfer_to_escrow"
	StepConfirmListing   = "confirm_listing"
	StepReleaseToSeller  = "release_to_seller"
	StepConfirmUnlisting = "confirm_unlisting"
	StepPaySeller        = "pay_seller"
	StepPayPlatformFee   = "pay_platform_fee"
	StepAssociate        = "associate_token"
	StepDeliver          = "deliver"
	StepConfirmDelivery  = "confirm_delivery"
)

// StepStatus is the outcome of one step.
type StepStatus string

const (
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Step records what happened at one point of the protocol.
type Step struct {
	Name          string     `json:"name"`
	Status        StepStatus `json:"status"`
	TransactionID string     `json:"transactionId,omitempty"`
	Attempts      int        `json:"attempts,omitempty"`
	Note          string     `json:"note,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// Result is returned by every operation, successful or not.
type Result struct {
	Success        bool            `json:"success"`
	TransactionIDs []string        `json:"transactionIds"`
	Steps          []Step          `json:"steps"`
	Breakdown      *fees.Breakdown `json:"breakdown,omitempty"`
	Error          *Error          `json:"-"`
}

func newResult() *Result {
	return &Result{TransactionIDs: []string{}, Steps: []Step{}}
}

func (r *Result) succeed(name, txID string, attempts int, note string) {
	r.Steps = append(r.Steps, Step{Name: name, Status: StepSucceeded, TransactionID: txID, Attempts: attempts, Note: note})
	if txID != "" {
		r.TransactionIDs = append(r.TransactionIDs, txID)
	}
}

func (r *Result) fail(name string, err error, attempts int) {
	r.Steps = append(r.Steps, Step{Name: name, Status: StepFailed, Attempts: attempts, Error: err.Error()})
}

func (r *Result) skip(name, note string) {
	r.Steps = append(r.Steps, Step{Name: name, Status: StepSkipped, Note: note})
}

func (r *Result) txIDs() []string {
	return append([]string(nil), r.TransactionIDs...)
}

// Resolver is the listing lookup the orchestrator re-runs before each step.
type Resolver interface {
	Resolve(ctx context.Context, ref ledger.TokenRef) (*listing.State, error)
}

// IncidentRecorder receives trades that took payment without delivering.
type IncidentRecorder interface {
	Record(ctx context.Context, r reconciliation.Report) (*reconciliation.Incident, error)
}

// Config holds the accounts and delivery policy the orchestrator settles with.
type Config struct {
	EscrowAccount   string
	PlatformAccount string
	SettlementToken string
	// Delivery bounds the custodian transfer to the buyer. Listing state is
	// re-resolved before every attempt.
	Delivery retry.Policy
}

// Orchestrator runs List, Unlist and Buy.
type Orchestrator struct {
	ledger    ledger.Client
	resolver  Resolver
	custodian custody.Custodian
	fees      *fees.Calculator
	catalog   AssetCatalog
	emitter   audit.Emitter
	recorder  IncidentRecorder
	cfg       Config
	reads     retry.Policy
	logger    *slog.Logger
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(client ledger.Client, resolver Resolver, custodian custody.Custodian,
	calc *fees.Calculator, catalog AssetCatalog, cfg Config) *Orchestrator {
	if cfg.Delivery.Attempts <= 0 {
		cfg.Delivery.Attempts = 1
	}
	return &Orchestrator{
		ledger:    client,
		resolver:  resolver,
		custodian: custodian,
		fees:      calc,
		catalog:   catalog,
		emitter:   audit.Discard,
		cfg:       cfg,
		reads:     retry.Reads.When(ledger.IsTransient),
		logger:    slog.Default(),
	}
}

// WithEmitter sets the audit emitter.
func (o *Orchestrator) WithEmitter(e audit.Emitter) *Orchestrator {
	o.emitter = e
	return o
}

// WithRecorder sets where undelivered trades are recorded.
func (o *Orchestrator) WithRecorder(r IncidentRecorder) *Orchestrator {
	o.recorder = r
	return o
}

// WithLogger sets a structured logger.
func (o *Orchestrator) WithLogger(l *slog.Logger) *Orchestrator {
	o.logger = l
	return o
}

// WithReadPolicy overrides the retry policy for idempotent steps (balance
// reads and token association).
func (o *Orchestrator) WithReadPolicy(p retry.Policy) *Orchestrator {
	o.reads = p.When(ledger.IsTransient)
	return o
}

// List moves ref from seller into escrow.
func (o *Orchestrator) List(ctx context.Context, seller string, ref ledger.TokenRef) (*Result, error) {
	ctx, span, log := o.start(ctx, OpList, ref, traces.Account("seller", seller))
	defer span.End()
	started := time.Now()

	res := newResult()
	return o.finish(span, log, OpList, started, res, o.list(ctx, log, seller, ref, res))
}

// Unlist returns ref from escrow to its seller. Only the resolved seller
// may unlist.
func (o *Orchestrator) Unlist(ctx context.Context, requester string, ref ledger.TokenRef) (*Result, error) {
	ctx, span, log := o.start(ctx, OpUnlist, ref, traces.Account("requester", requester))
	defer span.End()
	started := time.Now()

	res := newResult()
	return o.finish(span, log, OpUnlist, started, res, o.unlist(ctx, log, requester, ref, res))
}

// Buy pays for ref at declaredPrice and takes delivery from escrow.
//
// A failure after any payment reached the ledger is reported as
// ErrPaymentSettledAssetNotDelivered and recorded for manual reconciliation.
// No refund is attempted.
func (o *Orchestrator) Buy(ctx context.Context, buyer string, ref ledger.TokenRef, declaredPrice decimal.Decimal) (*Result, error) {
	ctx, span, log := o.start(ctx, OpBuy, ref,
		traces.Account("buyer", buyer), traces.Amount(declaredPrice.String()))
	defer span.End()
	started := time.Now()

	res := newResult()
	return o.finish(span, log, OpBuy, started, res, o.buy(ctx, log, buyer, ref, declaredPrice, res))
}

func (o *Orchestrator) start(ctx context.Context, op string, ref ledger.TokenRef, attrs ...attribute.KeyValue) (context.Context, trace.Span, *slog.Logger) {
	ctx = logging.WithTrade(logging.WithLogger(ctx, o.logger), op, ref.String())
	ctx, span := traces.StartSpan(ctx, "settlement."+op, append(attrs, traces.Token(ref.String()))...)
	return ctx, span, logging.L(ctx)
}

func (o *Orchestrator) finish(span trace.Span, log *slog.Logger, op string, started time.Time, res *Result, e *Error) (*Result, error) {
	if e == nil {
		res.Success = true
		metrics.ObserveSettlement(op, "success", time.Since(started))
		log.Info("settlement completed", "transactions", res.TransactionIDs)
		return res, nil
	}

	res.Error = e
	metrics.ObserveSettlement(op, string(e.Kind), time.Since(started))
	traces.RecordError(span, e)
	if e.Kind != KindPaymentSettledAssetNotDelivered {
		log.Warn("settlement failed", "kind", e.Kind, "error", e)
	}
	return res, e
}

func (o *Orchestrator) list(ctx context.Context, log *slog.Logger, seller string, ref ledger.TokenRef, res *Result) *Error {
	if seller == o.cfg.EscrowAccount {
		return &Error{Kind: KindSelfTradeRejected, Op: OpList, Detail: "the escrow account cannot list assets"}
	}
	if !ledger.ValidEntityID(seller) {
		return precondition(OpList, "invalid seller account %q", seller)
	}

	st, err := o.resolver.Resolve(ctx, ref)
	if err != nil {
		return resolveError(OpList, err)
	}
	if st.Listed {
		return precondition(OpList, "%s is already listed", ref)
	}
	if st.Holder != seller {
		return precondition(OpList, "%s is held by %s, not %s", ref, st.Holder, seller)
	}
	if err := ctx.Err(); err != nil {
		return cancelled(OpList, err)
	}

	rcpt, err := o.ledger.TransferNonFungible(ctx, ledger.NFTTransfer{
		Token: ref,
		From:  seller,
		To:    o.cfg.EscrowAccount,
		Memo:  "listing " + ref.String(),
	})
	if err != nil {
		res.fail(StepTransferToEscrow, err, 1)
		e := ledgerError(OpList, "transfer to escrow failed", err)
		e.TransactionIDs = submitted(err)
		return e
	}
	res.succeed(StepTransferToEscrow, rcpt.TransactionID, 1, "")

	st, err = o.resolver.Resolve(ctx, ref)
	if err != nil {
		res.fail(StepConfirmListing, err, 1)
		return &Error{Kind: KindLedgerUnavailable, Op: OpList, TransactionIDs: res.txIDs(), Err: err,
			Detail: "transfer to escrow submitted; listing could not be confirmed"}
	}
	if st.Listed && st.Degraded {
		res.fail(StepConfirmListing, errSellerUnknown, 1)
		return &Error{Kind: KindLedgerUnavailable, Op: OpList, TransactionIDs: res.txIDs(), Err: errSellerUnknown,
			Detail: "transfer to escrow submitted; seller could not be confirmed"}
	}
	if !st.ListedBy(seller) {
		cause := fmt.Errorf("expected listing by %s, ledger shows holder %s seller %q", seller, st.Holder, st.Seller)
		res.fail(StepConfirmListing, cause, 1)
		log.Error("listing not visible after transfer to escrow",
			"seller", seller, "holder", st.Holder, "resolved_seller", st.Seller, "degraded", st.Degraded)
		return &Error{Kind: KindInconsistentState, Op: OpList, TransactionIDs: res.txIDs(), Err: cause,
			Detail: "transfer to escrow reached consensus but the listing is not visible"}
	}
	res.succeed(StepConfirmListing, "", 1, "")

	o.emitter.Emit(ctx, audit.EventListing, audit.Payload{
		Token:          ref.String(),
		Actor:          seller,
		TransactionIDs: res.txIDs(),
	})
	return nil
}

func (o *Orchestrator) unlist(ctx context.Context, log *slog.Logger, requester string, ref ledger.TokenRef, res *Result) *Error {
	st, err := o.resolver.Resolve(ctx, ref)
	if err != nil {
		return resolveError(OpUnlist, err)
	}
	if !st.Listed {
		return precondition(OpUnlist, "%s is not listed", ref)
	}
	if st.Degraded {
		return &Error{Kind: KindLedgerUnavailable, Op: OpUnlist, Err: errSellerUnknown,
			Detail: "seller of the listing could not be determined"}
	}
	if st.Seller != requester {
		return precondition(OpUnlist, "%s is not listed by %s", ref, requester)
	}
	if err := ctx.Err(); err != nil {
		return cancelled(OpUnlist, err)
	}

	rcpt, err := o.custodian.Release(ctx, custody.ReleaseRequest{
		Token:       ref,
		Destination: requester,
		Reason:      custody.ReasonUnlist,
		Seller:      requester,
	})
	if err != nil {
		res.fail(StepReleaseToSeller, err, 1)
		e := custodyError(OpUnlist, "release to seller failed", err)
		e.TransactionIDs = submitted(err)
		return e
	}
	res.succeed(StepReleaseToSeller, rcpt.TransactionID, 1, "")

	st, err = o.resolver.Resolve(ctx, ref)
	if err != nil {
		res.fail(StepConfirmUnlisting, err, 1)
		return &Error{Kind: KindLedgerUnavailable, Op: OpUnlist, TransactionIDs: res.txIDs(), Err: err,
			Detail: "release submitted; unlisting could not be confirmed"}
	}
	if st.Listed {
		cause := fmt.Errorf("%s still held by escrow", ref)
		res.fail(StepConfirmUnlisting, cause, 1)
		log.Error("token still in escrow after release", "requester", requester, "tx", rcpt.TransactionID)
		return &Error{Kind: KindInconsistentState, Op: OpUnlist, TransactionIDs: res.txIDs(), Err: cause,
			Detail: "release reached consensus but the token is still listed"}
	}
	res.succeed(StepConfirmUnlisting, "", 1, "")

	o.emitter.Emit(ctx, audit.EventUnlisting, audit.Payload{
		Token:          ref.String(),
		Actor:          requester,
		TransactionIDs: res.txIDs(),
	})
	return nil
}

// purchase is the state of one Buy as it moves through its steps.
type purchase struct {
	ref    ledger.TokenRef
	buyer  string
	seller string
	asset  *Asset
	split  fees.Breakdown
	paid   bool
}

func (o *Orchestrator) buy(ctx context.Context, log *slog.Logger, buyer string, ref ledger.TokenRef, declared decimal.Decimal, res *Result) *Error {
	if !ledger.ValidEntityID(buyer) {
		return precondition(OpBuy, "invalid buyer account %q", buyer)
	}
	if buyer == o.cfg.EscrowAccount {
		return &Error{Kind: KindSelfTradeRejected, Op: OpBuy, Detail: "the escrow account cannot buy assets"}
	}

	// Self trade is refused whatever price was declared.
	st, err := o.resolver.Resolve(ctx, ref)
	if err != nil {
		return resolveError(OpBuy, err)
	}
	if !st.Listed {
		return precondition(OpBuy, "%s is not listed", ref)
	}
	if st.Degraded {
		return &Error{Kind: KindLedgerUnavailable, Op: OpBuy, Err: errSellerUnknown,
			Detail: "seller of the listing could not be determined"}
	}
	if st.Seller == buyer {
		return &Error{Kind: KindSelfTradeRejected, Op: OpBuy, Detail: "seller cannot buy their own listing"}
	}

	asset, err := o.catalog.Get(ctx, ref)
	if err != nil {
		if errors.Is(err, ErrAssetNotFound) {
			return precondition(OpBuy, "%s is not in the asset catalog", ref)
		}
		return &Error{Kind: KindLedgerUnavailable, Op: OpBuy, Detail: "asset catalog unavailable", Err: err}
	}
	if !declared.Equal(asset.Price) {
		return precondition(OpBuy, "declared price %s does not match asking price %s",
			amount.Format(declared), amount.Format(asset.Price))
	}

	split, err := o.fees.Split(asset.Price, asset.RoyaltyPct)
	if err != nil {
		return &Error{Kind: KindPreconditionFailed, Op: OpBuy, Detail: "price cannot be split", Err: err}
	}
	res.Breakdown = &split

	balance, err := retry.Value(ctx, o.reads, func(int) (decimal.Decimal, error) {
		return o.ledger.GetBalance(ctx, buyer, o.cfg.SettlementToken)
	})
	if err != nil {
		return ledgerError(OpBuy, "buyer balance could not be read", err)
	}
	if balance.LessThan(asset.Price) {
		return &Error{Kind: KindLedgerRejected, Op: OpBuy, Err: ledger.ErrInsufficientBalance,
			Detail: fmt.Sprintf("balance %s is below price %s", amount.Format(balance), amount.Format(asset.Price))}
	}

	// Payment is irreversible; do not take it when delivery would fail fast.
	if err := o.custodian.Ready(ctx); err != nil {
		return &Error{Kind: KindLedgerUnavailable, Op: OpBuy, Err: err,
			Detail: "delivery is unavailable; no payment was taken"}
	}

	p := &purchase{ref: ref, buyer: buyer, seller: st.Seller, asset: asset, split: split}
	log = log.With("buyer", buyer, "seller", p.seller)

	steps := []func(context.Context, *slog.Logger, *purchase, *Result) *Error{
		o.paySeller,
		o.payPlatformFee,
		o.associate,
		o.deliver,
		o.confirmDelivery,
	}
	for _, step := range steps {
		if e := step(ctx, log, p, res); e != nil {
			return o.abort(ctx, log, p, res, e)
		}
	}

	metrics.RecordSale(split.Seller, split.Royalty, split.PlatformFee)
	o.emitter.Emit(ctx, audit.EventSale, audit.Payload{
		Token:          ref.String(),
		Actor:          buyer,
		Counterparty:   p.seller,
		Price:          amount.Format(asset.Price),
		TransactionIDs: res.txIDs(),
		Details: map[string]string{
			"royalty":        amount.Format(split.Royalty),
			"royaltyPct":     asset.RoyaltyPct.String(),
			"platformFee":    amount.Format(split.PlatformFee),
			"sellerProceeds": amount.Format(split.Seller),
			"creator":        asset.Creator,
		},
	})
	return nil
}

func (o *Orchestrator) paySeller(ctx context.Context, log *slog.Logger, p *purchase, res *Result) *Error {
	return o.pay(ctx, p, res, StepPaySeller, p.seller, p.split.SellerTransfer(), "proceeds and royalty")
}

func (o *Orchestrator) payPlatformFee(ctx context.Context, log *slog.Logger, p *purchase, res *Result) *Error {
	return o.pay(ctx, p, res, StepPayPlatformFee, o.cfg.PlatformAccount, p.split.PlatformFee, "platform fee")
}

// pay moves amt from the buyer to dest after checking the listing is
// unchanged. A transfer whose outcome is unknown counts as paid.
func (o *Orchestrator) pay(ctx context.Context, p *purchase, res *Result, step, dest string, amt decimal.Decimal, what string) *Error {
	if !amt.IsPositive() {
		res.skip(step, "nothing owed")
		return nil
	}
	if e := o.expectListing(ctx, p); e != nil {
		res.fail(step, e, 0)
		return e
	}
	if err := ctx.Err(); err != nil {
		return cancelled(OpBuy, err)
	}

	rcpt, err := o.ledger.TransferFungible(ctx, ledger.FungibleTransfer{
		TokenID: o.cfg.SettlementToken,
		From:    p.buyer,
		To:      dest,
		Amount:  amt,
		Memo:    fmt.Sprintf("sale %s: %s", p.ref, what),
	})
	if err != nil {
		res.fail(step, err, 1)
		if tx := submitted(err); len(tx) > 0 {
			res.TransactionIDs = append(res.TransactionIDs, tx...)
			p.paid = true
		}
		return ledgerError(OpBuy, what+" transfer failed", err)
	}
	res.succeed(step, rcpt.TransactionID, 1, "")
	p.paid = true
	return nil
}

// expectListing re-resolves right before a transfer and fails if the token
// left escrow or was relisted by someone else.
func (o *Orchestrator) expectListing(ctx context.Context, p *purchase) *Error {
	st, err := o.resolver.Resolve(ctx, p.ref)
	if err != nil {
		return resolveError(OpBuy, err)
	}
	if !st.Listed {
		return precondition(OpBuy, "%s left escrow (now held by %s)", p.ref, st.Holder)
	}
	if !st.Degraded && st.Seller != p.seller {
		return precondition(OpBuy, "%s was relisted by %s", p.ref, st.Seller)
	}
	return nil
}

// associate is idempotent, so it is retried; an existing association counts
// as success.
func (o *Orchestrator) associate(ctx context.Context, log *slog.Logger, p *purchase, res *Result) *Error {
	var (
		rcpt     *ledger.Receipt
		attempts int
	)
	err := retry.Do(ctx, o.reads, func(int) error {
		attempts++
		r, err := o.ledger.AssociateToken(ctx, p.buyer, p.ref.TokenID)
		switch {
		case err == nil:
			rcpt = r
			return nil
		case errors.Is(err, ledger.ErrAlreadyAssociated):
			return nil
		default:
			return err
		}
	})
	if err != nil {
		res.fail(StepAssociate, err, attempts)
		return ledgerError(OpBuy, "token association failed", err)
	}
	if rcpt == nil {
		res.succeed(StepAssociate, "", attempts, "already associated")
		return nil
	}
	res.succeed(StepAssociate, rcpt.TransactionID, attempts, "")
	return nil
}

// deliver asks the custodian to move the token to the buyer. Each attempt
// re-resolves first: a buyer who already holds the token was delivered to
// by an earlier attempt whose reply was lost.
func (o *Orchestrator) deliver(ctx context.Context, log *slog.Logger, p *purchase, res *Result) *Error {
	var (
		rcpt      *ledger.Receipt
		attempts  int
		delivered bool
	)
	err := retry.Do(ctx, o.cfg.Delivery, func(int) error {
		attempts++
		st, err := o.resolver.Resolve(ctx, p.ref)
		if err != nil {
			if errors.Is(err, listing.ErrTokenNotFound) {
				return retry.Permanent(err)
			}
			return err
		}
		if st.Holder == p.buyer {
			delivered = true
			return nil
		}
		if !st.Listed {
			return retry.Permanent(fmt.Errorf("%w: %s now held by %s", custody.ErrNotInEscrow, p.ref, st.Holder))
		}
		if !st.Degraded && st.Seller != p.seller {
			return retry.Permanent(fmt.Errorf("%w: %s relisted by %s", custody.ErrListingChanged, p.ref, st.Seller))
		}

		r, err := o.custodian.Release(ctx, custody.ReleaseRequest{
			Token:       p.ref,
			Destination: p.buyer,
			Reason:      custody.ReasonSale,
			Seller:      p.seller,
		})
		if err != nil {
			metrics.DeliveryAttemptsTotal.WithLabelValues("failed").Inc()
			log.Warn("delivery attempt failed", "attempt", attempts, "error", err)
			if errors.Is(err, custody.ErrUnavailable) || ledger.IsTransient(err) {
				return err
			}
			return retry.Permanent(err)
		}
		metrics.DeliveryAttemptsTotal.WithLabelValues("delivered").Inc()
		rcpt = r
		return nil
	})
	if err != nil {
		res.fail(StepDeliver, err, attempts)
		return custodyError(OpBuy, "delivery to buyer failed", err)
	}
	if rcpt == nil && delivered {
		res.succeed(StepDeliver, "", attempts, "buyer already holds token")
		return nil
	}
	res.succeed(StepDeliver, rcpt.TransactionID, attempts, "")
	return nil
}

func (o *Orchestrator) confirmDelivery(ctx context.Context, log *slog.Logger, p *purchase, res *Result) *Error {
	st, err := o.resolver.Resolve(ctx, p.ref)
	if err != nil {
		res.fail(StepConfirmDelivery, err, 1)
		// The delivery receipt is consensus; only the read-back failed.
		return &Error{Kind: KindLedgerUnavailable, Op: OpBuy, Err: err,
			Detail: "asset delivered; ownership could not be confirmed"}
	}
	if st.Listed || st.Holder != p.buyer {
		cause := fmt.Errorf("%s held by %s after delivery", p.ref, st.Holder)
		res.fail(StepConfirmDelivery, cause, 1)
		return &Error{Kind: KindInconsistentState, Op: OpBuy, Err: cause,
			Detail: "delivery reported success but the buyer does not hold the token"}
	}
	res.succeed(StepConfirmDelivery, "", 1, "")
	return nil
}

// abort finalizes a failed Buy. Once any payment reached the ledger the
// failure becomes PaymentSettledAssetNotDelivered and is recorded for
// reconciliation, whatever the underlying cause.
func (o *Orchestrator) abort(ctx context.Context, log *slog.Logger, p *purchase, res *Result, cause *Error) *Error {
	cause.TransactionIDs = res.txIDs()
	if !p.paid {
		return cause
	}
	// A failed read-back after a successful delivery is not an undelivered
	// asset.
	if cause.Kind == KindLedgerUnavailable && lastSucceeded(res, StepDeliver) {
		cause.PaymentTaken = true
		return cause
	}

	e := &Error{
		Kind:           KindPaymentSettledAssetNotDelivered,
		Op:             OpBuy,
		Detail:         fmt.Sprintf("payment taken, asset not delivered (%s: %s)", cause.Kind, cause.Detail),
		TransactionIDs: res.txIDs(),
		PaymentTaken:   true,
		Err:            cause.Err,
	}

	report := reconciliation.Report{
		Token:          p.ref,
		Buyer:          p.buyer,
		Seller:         p.seller,
		Price:          p.asset.Price,
		TransactionIDs: e.TransactionIDs,
		Cause:          e,
	}
	if o.recorder == nil {
		log.Error("CRITICAL: payment settled, asset not delivered; manual reconciliation required",
			"transactions", e.TransactionIDs, "price", amount.Format(p.asset.Price), "error", e)
		return e
	}
	// The incident must be written even if the caller has gone away.
	inc, err := o.recorder.Record(context.WithoutCancel(ctx), report)
	if err != nil {
		log.Error("CRITICAL: payment settled, asset not delivered; incident could not be recorded",
			"transactions", e.TransactionIDs, "price", amount.Format(p.asset.Price),
			"error", e, "record_error", err)
		return e
	}
	e.IncidentID = inc.ID
	return e
}

func lastSucceeded(res *Result, step string) bool {
	for i := len(res.Steps) - 1; i >= 0; i-- {
		if res.Steps[i].Name == step {
			return res.Steps[i].Status == StepSucceeded
		}
	}
	return false
}

// errSellerUnknown marks a token seen in escrow whose depositor could not be
// read from history.
var errSellerUnknown = fmt.Errorf("%w: seller of escrowed token unknown", listing.ErrLedgerUnavailable)

func precondition(op, format string, args ...any) *Error {
	return &Error{Kind: KindPreconditionFailed, Op: op, Detail: fmt.Sprintf(format, args...)}
}

func cancelled(op string, err error) *Error {
	return &Error{Kind: KindLedgerUnavailable, Op: op, Detail: "cancelled before the next transfer was submitted", Err: err}
}

func resolveError(op string, err error) *Error {
	if errors.Is(err, listing.ErrTokenNotFound) {
		return &Error{Kind: KindPreconditionFailed, Op: op, Detail: "token does not exist", Err: err}
	}
	return &Error{Kind: KindLedgerUnavailable, Op: op, Detail: "listing state could not be resolved", Err: err}
}

func ledgerError(op, detail string, err error) *Error {
	kind := KindLedgerUnavailable
	if ledger.IsRejection(err) {
		kind = KindLedgerRejected
	}
	return &Error{Kind: kind, Op: op, Detail: detail, Err: err}
}

func custodyError(op, detail string, err error) *Error {
	switch {
	case errors.Is(err, custody.ErrNotInEscrow), errors.Is(err, custody.ErrListingChanged),
		errors.Is(err, listing.ErrTokenNotFound):
		return &Error{Kind: KindPreconditionFailed, Op: op, Detail: detail, Err: err}
	case errors.Is(err, custody.ErrBadSignature), errors.Is(err, custody.ErrStaleRequest),
		errors.Is(err, custody.ErrInvalidRequest):
		return &Error{Kind: KindLedgerRejected, Op: op, Detail: detail, Err: err}
	}
	return ledgerError(op, detail, err)
}

// submitted returns the transaction ID of a transfer that was sent before
// the failure was observed, so its outcome is unknown.
func submitted(err error) []string {
	var le *ledger.Error
	if errors.As(err, &le) && le.TxID != "" && ledger.IsTransient(err) {
		return []string{le.TxID}
	}
	return nil
}

