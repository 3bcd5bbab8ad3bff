package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mbd888/assetescrow/internal/audit"
	"github.com/mbd888/assetescrow/internal/circuitbreaker"
	"github.com/mbd888/assetescrow/internal/custody"
	"github.com/mbd888/assetescrow/internal/fees"
	"github.com/mbd888/assetescrow/internal/ledger"
	"github.com/mbd888/assetescrow/internal/listing"
	"github.com/mbd888/assetescrow/internal/metrics"
	"github.com/mbd888/assetescrow/internal/reconciliation"
	"github.com/mbd888/assetescrow/internal/retry"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	escrowAcct   = "0.0.1001"
	platformAcct = "0.0.1002"
	currency     = "0.0.2001"
	seller       = "0.0.3001"
	buyer        = "0.0.3002"
	stranger     = "0.0.3003"
	creator      = "0.0.3009"
)

var (
	art  = ledger.TokenRef{TokenID: "0.0.5001", Serial: 1}
	fast = retry.Policy{Attempts: 3, BaseDelay: time.Millisecond}
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type recordingEmitter struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordingEmitter) Emit(_ context.Context, t audit.EventType, p audit.Payload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, audit.Event{Type: t, Payload: p})
}

func (r *recordingEmitter) types() []audit.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]audit.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type harness struct {
	ledger    *ledger.MemoryLedger
	resolver  *listing.Resolver
	catalog   *MemoryCatalog
	incidents *reconciliation.Service
	emitter   *recordingEmitter
	orch      *Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	ml := ledger.NewMemoryLedger()
	require.NoError(t, ml.Mint(art, seller))
	ml.Associate(escrowAcct, art.TokenID)
	ml.Associate(seller, currency)
	ml.Associate(platformAcct, currency)
	ml.Credit(buyer, currency, dec("1000"))

	resolver := listing.NewResolver(ml, escrowAcct).WithRetryPolicy(fast)
	custodian := custody.NewService(ml, resolver, escrowAcct, common.Address{})
	calc, err := fees.NewCalculator(dec("2.5"))
	require.NoError(t, err)

	catalog := NewMemoryCatalog()
	require.NoError(t, catalog.Create(context.Background(), &Asset{
		Token:      art,
		Name:       "Harbour at dusk",
		Price:      dec("100"),
		RoyaltyPct: dec("5"),
		Creator:    creator,
	}))

	incidents := reconciliation.NewService(reconciliation.NewMemoryStore())
	emitter := &recordingEmitter{}

	orch := NewOrchestrator(ml, resolver, custodian, calc, catalog, Config{
		EscrowAccount:   escrowAcct,
		PlatformAccount: platformAcct,
		SettlementToken: currency,
		Delivery:        fast,
	}).WithEmitter(emitter).WithRecorder(incidents).WithReadPolicy(fast)

	return &harness{ledger: ml, resolver: resolver, catalog: catalog, incidents: incidents, emitter: emitter, orch: orch}
}

func (h *harness) list(t *testing.T) {
	t.Helper()
	res, err := h.orch.List(context.Background(), seller, art)
	require.NoError(t, err)
	require.True(t, res.Success)
}

func (h *harness) balance(t *testing.T, account string) decimal.Decimal {
	t.Helper()
	b, err := h.ledger.GetBalance(context.Background(), account, currency)
	require.NoError(t, err)
	return b
}

func (h *harness) holder(t *testing.T) string {
	t.Helper()
	holder, err := h.ledger.GetHolder(context.Background(), art)
	require.NoError(t, err)
	return holder
}

func (h *harness) openIncidents(t *testing.T) []*reconciliation.Incident {
	t.Helper()
	open, err := h.incidents.ListOpen(context.Background(), 10)
	require.NoError(t, err)
	return open
}

func stepNames(res *Result) []string {
	out := make([]string, 0, len(res.Steps))
	for _, s := range res.Steps {
		out = append(out, s.Name)
	}
	return out
}

func TestList_ThenResolveReportsSeller(t *testing.T) {
	h := newHarness(t)

	res, err := h.orch.List(context.Background(), seller, art)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Len(t, res.TransactionIDs, 1)
	assert.Equal(t, []string{StepTransferToEscrow, StepConfirmListing}, stepNames(res))

	st, err := h.resolver.Resolve(context.Background(), art)
	require.NoError(t, err)
	assert.True(t, st.Listed)
	assert.Equal(t, seller, st.Seller)
	assert.Equal(t, res.TransactionIDs[0], st.ListingTxID)
	assert.Equal(t, []audit.EventType{audit.EventListing}, h.emitter.types())
}

func TestList_TwiceFailsPrecondition(t *testing.T) {
	h := newHarness(t)
	h.list(t)

	res, err := h.orch.List(context.Background(), seller, art)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPreconditionFailed)
	assert.False(t, res.Success)
	assert.Equal(t, 1, h.ledger.Calls(ledger.OpTransferNonFungible))
}

func TestList_Preconditions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orch.List(ctx, stranger, art)
	assert.ErrorIs(t, err, ErrPreconditionFailed)

	_, err = h.orch.List(ctx, escrowAcct, art)
	assert.ErrorIs(t, err, ErrSelfTradeRejected)

	_, err = h.orch.List(ctx, seller, ledger.TokenRef{TokenID: "0.0.5001", Serial: 99})
	assert.ErrorIs(t, err, ErrPreconditionFailed)

	assert.Equal(t, 0, h.ledger.Calls(ledger.OpTransferNonFungible))
	assert.Empty(t, h.emitter.types())
}

func TestList_LedgerRejection(t *testing.T) {
	h := newHarness(t)
	h.ledger.Fail(ledger.OpTransferNonFungible, ledger.ErrRejectedSignature)

	res, err := h.orch.List(context.Background(), seller, art)
	assert.ErrorIs(t, err, ErrLedgerRejected)
	assert.ErrorIs(t, err, ledger.ErrRejectedSignature)
	require.Len(t, res.Steps, 1)
	assert.Equal(t, StepFailed, res.Steps[0].Status)
	assert.Equal(t, seller, h.holder(t))
}

func TestList_UnavailableIsNotRetried(t *testing.T) {
	h := newHarness(t)
	h.ledger.Fail(ledger.OpTransferNonFungible, ledger.ErrTimeout)

	_, err := h.orch.List(context.Background(), seller, art)
	assert.ErrorIs(t, err, ErrLedgerUnavailable)
	assert.Equal(t, 1, h.ledger.Calls(ledger.OpTransferNonFungible))
}

func TestListUnlist_ResolvesNotListed(t *testing.T) {
	h := newHarness(t)
	h.list(t)

	res, err := h.orch.Unlist(context.Background(), seller, art)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []string{StepReleaseToSeller, StepConfirmUnlisting}, stepNames(res))

	st, err := h.resolver.Resolve(context.Background(), art)
	require.NoError(t, err)
	assert.False(t, st.Listed)
	assert.Equal(t, seller, st.Holder)
	assert.Equal(t, []audit.EventType{audit.EventListing, audit.EventUnlisting}, h.emitter.types())
}

func TestUnlist_Preconditions(t *testing.T) {
	h := newHarness(t)

	_, err := h.orch.Unlist(context.Background(), seller, art)
	assert.ErrorIs(t, err, ErrPreconditionFailed, "not listed")

	h.list(t)
	_, err = h.orch.Unlist(context.Background(), stranger, art)
	assert.ErrorIs(t, err, ErrPreconditionFailed, "not the seller")
	assert.Equal(t, escrowAcct, h.holder(t))
}

func TestBuy_Success(t *testing.T) {
	h := newHarness(t)
	h.list(t)
	before := testutil.ToFloat64(metrics.SettlementsTotal.WithLabelValues(OpBuy, "success"))

	res, err := h.orch.Buy(context.Background(), buyer, art, dec("100"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []string{
		StepPaySeller, StepPayPlatformFee, StepAssociate, StepDeliver, StepConfirmDelivery,
	}, stepNames(res))
	assert.Len(t, res.TransactionIDs, 4)

	require.NotNil(t, res.Breakdown)
	assert.True(t, res.Breakdown.Balanced())
	assert.True(t, res.Breakdown.Seller.Equal(dec("92.5")))

	assert.True(t, h.balance(t, buyer).Equal(dec("900")))
	assert.True(t, h.balance(t, seller).Equal(dec("97.5")))
	assert.True(t, h.balance(t, platformAcct).Equal(dec("2.5")))
	assert.Equal(t, buyer, h.holder(t))

	types := h.emitter.types()
	require.Len(t, types, 2)
	assert.Equal(t, audit.EventSale, types[1])
	sale := h.emitter.events[1]
	assert.Equal(t, seller, sale.Counterparty)
	assert.Equal(t, "5.00000000", sale.Details["royalty"])
	assert.Equal(t, creator, sale.Details["creator"])

	assert.Equal(t, before+1, testutil.ToFloat64(metrics.SettlementsTotal.WithLabelValues(OpBuy, "success")))
	assert.Empty(t, h.openIncidents(t))
}

func TestBuy_BySellerRejectedBeforeAnyTransfer(t *testing.T) {
	h := newHarness(t)
	h.list(t)
	h.ledger.Credit(seller, currency, dec("1000"))

	res, err := h.orch.Buy(context.Background(), seller, art, dec("100"))
	assert.ErrorIs(t, err, ErrSelfTradeRejected)
	assert.Empty(t, res.Steps)
	assert.Equal(t, 0, h.ledger.Calls(ledger.OpTransferFungible))
	assert.Equal(t, 1, h.ledger.Calls(ledger.OpTransferNonFungible))
	assert.Equal(t, escrowAcct, h.holder(t))
}

func TestBuy_Preconditions(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, h *harness)
		buyer string
		price string
		want  error
	}{
		{"not listed", func(t *testing.T, h *harness) {}, buyer, "100", ErrPreconditionFailed},
		{"price mismatch", func(t *testing.T, h *harness) { h.list(t) }, buyer, "90", ErrPreconditionFailed},
		{"insufficient balance", func(t *testing.T, h *harness) { h.list(t) }, stranger, "100", ErrLedgerRejected},
		{"escrow buying", func(t *testing.T, h *harness) { h.list(t) }, escrowAcct, "100", ErrSelfTradeRejected},
		{"malformed buyer", func(t *testing.T, h *harness) { h.list(t) }, "alice", "100", ErrPreconditionFailed},
		{"uncatalogued", func(t *testing.T, h *harness) {
			h.list(t)
			h.catalog.assets = map[ledger.TokenRef]*Asset{}
		}, buyer, "100", ErrPreconditionFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.setup(t, h)

			res, err := h.orch.Buy(context.Background(), tt.buyer, art, dec(tt.price))
			assert.ErrorIs(t, err, tt.want)
			assert.False(t, res.Success)
			assert.Equal(t, 0, h.ledger.Calls(ledger.OpTransferFungible))
			assert.Empty(t, h.openIncidents(t))
		})
	}
}

func TestBuy_InsufficientBalanceWrapsLedgerSentinel(t *testing.T) {
	h := newHarness(t)
	h.list(t)

	_, err := h.orch.Buy(context.Background(), stranger, art, dec("100"))
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	assert.Equal(t, KindLedgerRejected, KindOf(err))
}

func TestBuy_LedgerUnavailableIsNotNotListed(t *testing.T) {
	h := newHarness(t)
	h.list(t)
	h.ledger.Fail(ledger.OpGetHolder, ledger.ErrUnavailable, ledger.ErrUnavailable, ledger.ErrUnavailable)

	_, err := h.orch.Buy(context.Background(), buyer, art, dec("100"))
	assert.ErrorIs(t, err, ErrLedgerUnavailable)
	assert.NotErrorIs(t, err, ErrPreconditionFailed)
	assert.Equal(t, 0, h.ledger.Calls(ledger.OpTransferFungible))
}

func TestBuy_DeliveryFailureIsPaymentSettledAssetNotDelivered(t *testing.T) {
	h := newHarness(t)
	h.list(t)
	h.ledger.Fail(ledger.OpTransferNonFungible, ledger.ErrRejectedSignature)

	res, err := h.orch.Buy(context.Background(), buyer, art, dec("100"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPaymentSettledAssetNotDelivered)
	assert.NotErrorIs(t, err, ErrLedgerRejected)

	var se *Error
	require.True(t, errors.As(err, &se))
	assert.True(t, se.PaymentTaken)
	assert.Len(t, se.TransactionIDs, 3)
	assert.NotEmpty(t, se.IncidentID)
	assert.False(t, res.Success)

	// Exactly one payment pair, no refund, token still in escrow.
	assert.Equal(t, 2, h.ledger.Calls(ledger.OpTransferFungible))
	assert.True(t, h.balance(t, buyer).Equal(dec("900")))
	assert.Equal(t, escrowAcct, h.holder(t))

	open := h.openIncidents(t)
	require.Len(t, open, 1)
	assert.Equal(t, se.IncidentID, open[0].ID)
	assert.Equal(t, buyer, open[0].Buyer)
	assert.Equal(t, seller, open[0].Seller)
	assert.Equal(t, se.TransactionIDs, open[0].TransactionIDs)
	assert.Equal(t, []audit.EventType{audit.EventListing}, h.emitter.types())
}

func TestBuy_DeliveryRetriesTransientFailures(t *testing.T) {
	h := newHarness(t)
	h.list(t)
	h.ledger.Fail(ledger.OpTransferNonFungible, ledger.ErrTimeout)

	res, err := h.orch.Buy(context.Background(), buyer, art, dec("100"))
	require.NoError(t, err)
	deliver := res.Steps[3]
	assert.Equal(t, StepDeliver, deliver.Name)
	assert.Equal(t, 2, deliver.Attempts)
	assert.Equal(t, buyer, h.holder(t))
	assert.Equal(t, 2, h.ledger.Calls(ledger.OpTransferFungible))
}

func TestBuy_DeliveryAttemptsExhausted(t *testing.T) {
	h := newHarness(t)
	h.list(t)
	h.ledger.Fail(ledger.OpTransferNonFungible, ledger.ErrUnavailable, ledger.ErrUnavailable, ledger.ErrUnavailable)

	res, err := h.orch.Buy(context.Background(), buyer, art, dec("100"))
	assert.ErrorIs(t, err, ErrPaymentSettledAssetNotDelivered)
	assert.Equal(t, 1+fast.Attempts, h.ledger.Calls(ledger.OpTransferNonFungible))
	assert.Equal(t, fast.Attempts, res.Steps[3].Attempts)
	assert.Equal(t, 2, h.ledger.Calls(ledger.OpTransferFungible))
	assert.Len(t, h.openIncidents(t), 1)
}

func TestBuy_FeeFailureAfterSellerPaid(t *testing.T) {
	h := newHarness(t)
	h.list(t)
	h.ledger.Fail(ledger.OpTransferFungible, nil, ledger.ErrRejectedSignature)

	_, err := h.orch.Buy(context.Background(), buyer, art, dec("100"))
	assert.ErrorIs(t, err, ErrPaymentSettledAssetNotDelivered)
	assert.True(t, h.balance(t, seller).Equal(dec("97.5")))
	assert.True(t, h.balance(t, platformAcct).IsZero())
	assert.Equal(t, escrowAcct, h.holder(t))
	assert.Equal(t, 0, h.ledger.Calls(ledger.OpAssociateToken))
	assert.Len(t, h.openIncidents(t), 1)
}

func TestBuy_SellerPaymentRejectedTakesNothing(t *testing.T) {
	h := newHarness(t)
	h.list(t)
	h.ledger.Fail(ledger.OpTransferFungible, ledger.ErrRejectedSignature)

	res, err := h.orch.Buy(context.Background(), buyer, art, dec("100"))
	assert.ErrorIs(t, err, ErrLedgerRejected)
	var se *Error
	require.True(t, errors.As(err, &se))
	assert.False(t, se.PaymentTaken)
	assert.Equal(t, []string{StepPaySeller}, stepNames(res))
	assert.True(t, h.balance(t, buyer).Equal(dec("1000")))
	assert.Empty(t, h.openIncidents(t))
}

func TestBuy_UnlistRaceBeforePaymentAbortsCleanly(t *testing.T) {
	h := newHarness(t)
	h.list(t)

	var once sync.Once
	h.ledger.OnCall(func(op string) {
		if op != ledger.OpGetBalance {
			return
		}
		once.Do(func() {
			_, err := h.ledger.TransferNonFungible(context.Background(), ledger.NFTTransfer{
				Token: art, From: escrowAcct, To: seller,
			})
			require.NoError(t, err)
		})
	})

	res, err := h.orch.Buy(context.Background(), buyer, art, dec("100"))
	assert.ErrorIs(t, err, ErrPreconditionFailed)
	assert.Equal(t, 0, h.ledger.Calls(ledger.OpTransferFungible))
	assert.Empty(t, res.TransactionIDs)
	assert.Empty(t, h.openIncidents(t))
}

func TestBuy_OutOfBandWithdrawalAfterPayment(t *testing.T) {
	h := newHarness(t)
	h.list(t)

	var once sync.Once
	h.ledger.OnCall(func(op string) {
		if op != ledger.OpAssociateToken {
			return
		}
		once.Do(func() {
			_, err := h.ledger.TransferNonFungible(context.Background(), ledger.NFTTransfer{
				Token: art, From: escrowAcct, To: seller,
			})
			require.NoError(t, err)
		})
	})

	res, err := h.orch.Buy(context.Background(), buyer, art, dec("100"))
	assert.ErrorIs(t, err, ErrPaymentSettledAssetNotDelivered)
	assert.Equal(t, seller, h.holder(t))
	// The delivery loop saw the token gone and did not ask the custodian.
	deliver := res.Steps[len(res.Steps)-1]
	assert.Equal(t, StepDeliver, deliver.Name)
	assert.Equal(t, 1, deliver.Attempts)
	assert.Len(t, h.openIncidents(t), 1)
}

func TestBuy_CancelledAfterPaymentStillRecordsIncident(t *testing.T) {
	h := newHarness(t)
	h.list(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.ledger.OnCall(func(op string) {
		if op == ledger.OpAssociateToken {
			cancel()
		}
	})

	_, err := h.orch.Buy(ctx, buyer, art, dec("100"))
	assert.ErrorIs(t, err, ErrPaymentSettledAssetNotDelivered)
	assert.Equal(t, 2, h.ledger.Calls(ledger.OpTransferFungible))
	assert.Len(t, h.openIncidents(t), 1)
}

func TestBuy_AlreadyAssociated(t *testing.T) {
	h := newHarness(t)
	h.list(t)
	h.ledger.Associate(buyer, art.TokenID)

	res, err := h.orch.Buy(context.Background(), buyer, art, dec("100"))
	require.NoError(t, err)
	assoc := res.Steps[2]
	assert.Equal(t, StepAssociate, assoc.Name)
	assert.Equal(t, StepSucceeded, assoc.Status)
	assert.Equal(t, "already associated", assoc.Note)
	assert.Empty(t, assoc.TransactionID)
	assert.Len(t, res.TransactionIDs, 3)
}

func TestBuy_AssociationRetriedWhenTransient(t *testing.T) {
	h := newHarness(t)
	h.list(t)
	h.ledger.Fail(ledger.OpAssociateToken, ledger.ErrTimeout)

	res, err := h.orch.Buy(context.Background(), buyer, art, dec("100"))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Steps[2].Attempts)
}

func TestBuy_ZeroFeeSkipsTransfer(t *testing.T) {
	h := newHarness(t)
	calc, err := fees.NewCalculator(decimal.Zero)
	require.NoError(t, err)
	h.orch.fees = calc
	h.list(t)

	res, err := h.orch.Buy(context.Background(), buyer, art, dec("100"))
	require.NoError(t, err)
	assert.Equal(t, StepSkipped, res.Steps[1].Status)
	assert.Equal(t, 1, h.ledger.Calls(ledger.OpTransferFungible))
	assert.True(t, h.balance(t, seller).Equal(dec("100")))
}

func TestBuy_RepeatingDecimalPriceSettlesExactly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	odd := ledger.TokenRef{TokenID: "0.0.5001", Serial: 2}
	require.NoError(t, h.ledger.Mint(odd, seller))
	require.NoError(t, h.catalog.Create(ctx, &Asset{
		Token: odd, Name: "Odd lot", Price: dec("33.33333333"), RoyaltyPct: dec("7.77"), Creator: creator,
	}))
	_, err := h.orch.List(ctx, seller, odd)
	require.NoError(t, err)

	res, err := h.orch.Buy(ctx, buyer, odd, dec("33.33333333"))
	require.NoError(t, err)
	assert.True(t, res.Breakdown.Balanced())

	paid := dec("1000").Sub(h.balance(t, buyer))
	received := h.balance(t, seller).Add(h.balance(t, platformAcct))
	assert.True(t, paid.Equal(dec("33.33333333")))
	assert.True(t, received.Equal(paid))
}

func TestBuy_SecondBuyerLosesRace(t *testing.T) {
	h := newHarness(t)
	h.list(t)
	h.ledger.Credit(stranger, currency, dec("1000"))

	_, err := h.orch.Buy(context.Background(), buyer, art, dec("100"))
	require.NoError(t, err)

	_, err = h.orch.Buy(context.Background(), stranger, art, dec("100"))
	assert.ErrorIs(t, err, ErrPreconditionFailed)
	assert.True(t, h.balance(t, stranger).Equal(dec("1000")))
}

func TestBuy_WithoutRecorderStillReportsUndelivered(t *testing.T) {
	h := newHarness(t)
	h.orch.recorder = nil
	h.list(t)
	h.ledger.Fail(ledger.OpTransferNonFungible, ledger.ErrNotAssociated)

	_, err := h.orch.Buy(context.Background(), buyer, art, dec("100"))
	assert.ErrorIs(t, err, ErrPaymentSettledAssetNotDelivered)
	var se *Error
	require.True(t, errors.As(err, &se))
	assert.Empty(t, se.IncidentID)
}

// guard routes the orchestrator through a breaker with threshold 1, the
// custodian on its own scoped circuits as the server wires it.
func (h *harness) guard(t *testing.T) *circuitbreaker.Breaker {
	t.Helper()
	b := circuitbreaker.New(1, time.Hour)
	g := ledger.NewGuarded(h.ledger, b)
	h.orch.ledger = g
	h.orch.custodian = custody.NewService(g.Scoped(custody.CircuitScope), h.resolver, escrowAcct, common.Address{})
	return b
}

func TestBuy_UnrelatedListTimeoutDoesNotBlockDelivery(t *testing.T) {
	h := newHarness(t)
	h.guard(t)
	h.list(t)

	other := ledger.TokenRef{TokenID: "0.0.5001", Serial: 3}
	require.NoError(t, h.ledger.Mint(other, stranger))
	h.ledger.Fail(ledger.OpTransferNonFungible, ledger.ErrTimeout)
	_, err := h.orch.List(context.Background(), stranger, other)
	require.ErrorIs(t, err, ErrLedgerUnavailable)

	res, err := h.orch.Buy(context.Background(), buyer, art, dec("100"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, buyer, h.holder(t))
	assert.True(t, h.balance(t, buyer).Equal(dec("900")))
	assert.Empty(t, h.openIncidents(t))
}

func TestBuy_OpenDeliveryCircuitTakesNoPayment(t *testing.T) {
	h := newHarness(t)
	b := h.guard(t)
	h.list(t)
	b.RecordFailure(custody.CircuitScope + "." + ledger.OpTransferNonFungible)

	res, err := h.orch.Buy(context.Background(), buyer, art, dec("100"))
	require.ErrorIs(t, err, ErrLedgerUnavailable)
	assert.ErrorIs(t, err, custody.ErrUnavailable)

	var se *Error
	require.True(t, errors.As(err, &se))
	assert.False(t, se.PaymentTaken)
	assert.Empty(t, se.TransactionIDs)
	assert.Empty(t, res.Steps)
	assert.Equal(t, 0, h.ledger.Calls(ledger.OpTransferFungible))
	assert.True(t, h.balance(t, buyer).Equal(dec("1000")))
	assert.Equal(t, escrowAcct, h.holder(t))
	assert.Empty(t, h.openIncidents(t))
}

func TestBuy_SelfTradeRejectedWhateverThePrice(t *testing.T) {
	h := newHarness(t)
	h.list(t)
	h.ledger.Credit(seller, currency, dec("1000"))

	for _, price := range []string{"100", "90", "0.00000001"} {
		_, err := h.orch.Buy(context.Background(), seller, art, dec(price))
		assert.ErrorIs(t, err, ErrSelfTradeRejected, price)
		assert.NotErrorIs(t, err, ErrPreconditionFailed, price)
	}
	assert.Equal(t, 0, h.ledger.Calls(ledger.OpTransferFungible))
}

// historyDown makes the seller lookup fail after skip successful history
// reads, leaving the resolver with custody but no seller.
func historyDown(h *harness, skip int) {
	errs := make([]error, 0, skip+fast.Attempts)
	for i := 0; i < skip; i++ {
		errs = append(errs, nil)
	}
	for i := 0; i < fast.Attempts; i++ {
		errs = append(errs, ledger.ErrUnavailable)
	}
	h.ledger.Fail(ledger.OpGetTransferHistory, errs...)
}

func TestDegradedResolution(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, h *harness)
		run   func(h *harness) (*Result, error)
		want  error
		check func(t *testing.T, h *harness, res *Result)
	}{
		{
			name:  "list confirmation without seller is unavailable, not inconsistent",
			setup: func(t *testing.T, h *harness) { historyDown(h, 0) },
			run: func(h *harness) (*Result, error) {
				return h.orch.List(context.Background(), seller, art)
			},
			want: ErrLedgerUnavailable,
			check: func(t *testing.T, h *harness, res *Result) {
				assert.Len(t, res.TransactionIDs, 1)
				require.Len(t, res.Steps, 2)
				assert.Equal(t, StepSucceeded, res.Steps[0].Status)
				assert.Equal(t, StepConfirmListing, res.Steps[1].Name)
				assert.Equal(t, StepFailed, res.Steps[1].Status)
				assert.Empty(t, h.emitter.types())

				// The listing itself is sound once history is back.
				st, err := h.resolver.Resolve(context.Background(), art)
				require.NoError(t, err)
				assert.True(t, st.ListedBy(seller))
			},
		},
		{
			name: "unlist refuses an unknown seller",
			setup: func(t *testing.T, h *harness) {
				h.list(t)
				historyDown(h, 0)
			},
			run: func(h *harness) (*Result, error) {
				return h.orch.Unlist(context.Background(), seller, art)
			},
			want: ErrLedgerUnavailable,
			check: func(t *testing.T, h *harness, res *Result) {
				assert.Empty(t, res.Steps)
				assert.Equal(t, 1, h.ledger.Calls(ledger.OpTransferNonFungible))
				assert.Equal(t, escrowAcct, h.holder(t))
			},
		},
		{
			name: "buy refuses an unknown seller before paying",
			setup: func(t *testing.T, h *harness) {
				h.list(t)
				historyDown(h, 0)
			},
			run: func(h *harness) (*Result, error) {
				return h.orch.Buy(context.Background(), buyer, art, dec("100"))
			},
			want: ErrLedgerUnavailable,
			check: func(t *testing.T, h *harness, res *Result) {
				assert.Equal(t, 0, h.ledger.Calls(ledger.OpTransferFungible))
				assert.True(t, h.balance(t, buyer).Equal(dec("1000")))
				assert.Empty(t, h.openIncidents(t))
			},
		},
		{
			name: "payment proceeds when the seller was matched earlier",
			setup: func(t *testing.T, h *harness) {
				h.list(t)
				historyDown(h, 1)
			},
			run: func(h *harness) (*Result, error) {
				return h.orch.Buy(context.Background(), buyer, art, dec("100"))
			},
			check: func(t *testing.T, h *harness, res *Result) {
				assert.True(t, res.Success)
				assert.True(t, h.balance(t, seller).Equal(dec("97.5")))
				assert.Equal(t, buyer, h.holder(t))
			},
		},
		{
			name: "delivery proceeds without the seller",
			setup: func(t *testing.T, h *harness) {
				h.list(t)
				// initial resolve plus one re-check per payment
				historyDown(h, 3)
			},
			run: func(h *harness) (*Result, error) {
				return h.orch.Buy(context.Background(), buyer, art, dec("100"))
			},
			check: func(t *testing.T, h *harness, res *Result) {
				assert.True(t, res.Success)
				assert.Equal(t, 1, res.Steps[3].Attempts)
				assert.Equal(t, buyer, h.holder(t))
				assert.Empty(t, h.openIncidents(t))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.setup(t, h)

			res, err := tt.run(h)
			if tt.want != nil {
				require.ErrorIs(t, err, tt.want)
				assert.NotErrorIs(t, err, ErrInconsistentState)
				assert.False(t, res.Success)
			} else {
				require.NoError(t, err)
			}
			tt.check(t, h, res)
		})
	}
}

func TestError_KindsAndMessage(t *testing.T) {
	e := &Error{
		Kind:           KindPaymentSettledAssetNotDelivered,
		Op:             OpBuy,
		Detail:         "custodian unavailable",
		TransactionIDs: []string{"tx-1", "tx-2"},
		Err:            ledger.ErrUnavailable,
	}
	assert.ErrorIs(t, e, ErrPaymentSettledAssetNotDelivered)
	assert.ErrorIs(t, e, ledger.ErrUnavailable)
	assert.NotErrorIs(t, e, ErrLedgerUnavailable)
	assert.Equal(t, KindPaymentSettledAssetNotDelivered, KindOf(e))
	assert.Equal(t, Kind(""), KindOf(errors.New("other")))
	assert.Contains(t, e.Error(), "tx-1, tx-2")
	assert.Contains(t, e.Error(), "payment_settled_asset_not_delivered")
}
