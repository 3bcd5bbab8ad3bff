package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/assetescrow/internal/circuitbreaker"
	"github.com/mbd888/assetescrow/internal/traces"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

var (
	ledgerCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "assetescrow",
		Subsystem: "ledger",
		Name:      "calls_total",
		Help:      "Ledger adapter calls by operation and result.",
	}, []string{"op", "result"})

	ledgerCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "assetescrow",
		Subsystem: "ledger",
		Name:      "call_duration_seconds",
		Help:      "Ledger adapter call latency by operation.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(ledgerCalls, ledgerCallDuration)
}

// Guarded decorates a Client with a per-operation circuit breaker, metrics
// and tracing. Only transport failures count against the circuit; ledger
// rejections are answers, not outages. While a circuit is open calls fail
// fast with ErrUnavailable.
type Guarded struct {
	next    Client
	breaker *circuitbreaker.Breaker
	scope   string
}

// NewGuarded wraps next.
func NewGuarded(next Client, breaker *circuitbreaker.Breaker) *Guarded {
	return &Guarded{next: next, breaker: breaker}
}

// Scoped returns a view of g whose calls trip their own circuits, keyed
// "scope.op". Use it for a caller whose outages must not fail-fast anyone
// else's calls of the same operation.
func (g *Guarded) Scoped(scope string) *Guarded {
	return &Guarded{next: g.next, breaker: g.breaker, scope: scope}
}

// CircuitKey is the breaker key calls of op are counted under.
func (g *Guarded) CircuitKey(op string) string {
	if g.scope == "" {
		return op
	}
	return g.scope + "." + op
}

// Admits returns ErrUnavailable when a call of op would currently be
// refused by its open circuit. It does not claim the half-open probe.
func (g *Guarded) Admits(op string) error {
	key := g.CircuitKey(op)
	if wait, ok := g.breaker.Ready(key); !ok {
		return &Error{Op: op, Err: fmt.Errorf("%w: circuit %s open, retry in %s", ErrUnavailable, key, wait.Round(time.Second))}
	}
	return nil
}

// Breaker exposes the underlying breaker for health reporting.
func (g *Guarded) Breaker() *circuitbreaker.Breaker {
	return g.breaker
}

func guard[T any](ctx context.Context, g *Guarded, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, span := traces.StartSpan(ctx, "ledger."+op, traces.LedgerOp(op))
	defer span.End()

	start := time.Now()
	var out T
	err := g.breaker.Execute(g.CircuitKey(op), func() error {
		v, err := fn(ctx)
		out = v
		return err
	}, IsTransient)
	ledgerCallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	if errors.Is(err, circuitbreaker.ErrOpen) {
		err = &Error{Op: op, Err: ErrUnavailable}
	}
	ledgerCalls.WithLabelValues(op, resultLabel(err)).Inc()
	traces.RecordError(span, err)
	return out, err
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsTransient(err):
		return "unavailable"
	case errors.Is(err, ErrAlreadyAssociated):
		return "already_associated"
	case IsRejection(err):
		return "rejected"
	default:
		return "error"
	}
}

func (g *Guarded) TransferFungible(ctx context.Context, t FungibleTransfer) (*Receipt, error) {
	return guard(ctx, g, OpTransferFungible, func(ctx context.Context) (*Receipt, error) {
		return g.next.TransferFungible(ctx, t)
	})
}

func (g *Guarded) TransferNonFungible(ctx context.Context, t NFTTransfer) (*Receipt, error) {
	return guard(ctx, g, OpTransferNonFungible, func(ctx context.Context) (*Receipt, error) {
		return g.next.TransferNonFungible(ctx, t)
	})
}

func (g *Guarded) AssociateToken(ctx context.Context, account, tokenID string) (*Receipt, error) {
	return guard(ctx, g, OpAssociateToken, func(ctx context.Context) (*Receipt, error) {
		return g.next.AssociateToken(ctx, account, tokenID)
	})
}

func (g *Guarded) GetHolder(ctx context.Context, ref TokenRef) (string, error) {
	return guard(ctx, g, OpGetHolder, func(ctx context.Context) (string, error) {
		return g.next.GetHolder(ctx, ref)
	})
}

func (g *Guarded) GetTransferHistory(ctx context.Context, ref TokenRef, limit int) ([]TransferRecord, error) {
	return guard(ctx, g, OpGetTransferHistory, func(ctx context.Context) ([]TransferRecord, error) {
		return g.next.GetTransferHistory(ctx, ref, limit)
	})
}

func (g *Guarded) GetAccountNonFungibleHoldings(ctx context.Context, account string) ([]TokenRef, error) {
	return guard(ctx, g, OpGetHoldings, func(ctx context.Context) ([]TokenRef, error) {
		return g.next.GetAccountNonFungibleHoldings(ctx, account)
	})
}

func (g *Guarded) GetBalance(ctx context.Context, account, tokenID string) (decimal.Decimal, error) {
	return guard(ctx, g, OpGetBalance, func(ctx context.Context) (decimal.Decimal, error) {
		return g.next.GetBalance(ctx, account, tokenID)
	})
}
