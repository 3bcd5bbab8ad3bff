package settlement

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a settlement failure for callers and operators.
type Kind string

const (
	// KindPreconditionFailed means the caller's view of the asset is stale.
	// Nothing was transferred.
	KindPreconditionFailed Kind = "precondition_failed"
	// KindLedgerUnavailable is transient. The caller may retry after
	// re-reading the listing; nothing is retried here on its behalf.
	KindLedgerUnavailable Kind = "ledger_unavailable"
	// KindLedgerRejected covers signature, balance and association problems
	// the caller has to fix before retrying.
	KindLedgerRejected Kind = "ledger_rejected"
	// KindPaymentSettledAssetNotDelivered means the buyer paid and did not
	// receive the asset. It needs manual reconciliation.
	KindPaymentSettledAssetNotDelivered Kind = "payment_settled_asset_not_delivered"
	KindSelfTradeRejected               Kind = "self_trade_rejected"
	// KindInconsistentState means a transfer reached consensus but the
	// ledger does not show the expected result afterwards.
	KindInconsistentState Kind = "inconsistent_state"
)

var (
	ErrPreconditionFailed              = errors.New("settlement: precondition failed")
	ErrLedgerUnavailable               = errors.New("settlement: ledger unavailable")
	ErrLedgerRejected                  = errors.New("settlement: ledger rejected transaction")
	ErrPaymentSettledAssetNotDelivered = errors.New("settlement: payment settled, asset not delivered")
	ErrSelfTradeRejected               = errors.New("settlement: self trade rejected")
	ErrInconsistentState               = errors.New("settlement: inconsistent ledger state")
)

var kindSentinels = map[Kind]error{
	KindPreconditionFailed:              ErrPreconditionFailed,
	KindLedgerUnavailable:               ErrLedgerUnavailable,
	KindLedgerRejected:                  ErrLedgerRejected,
	KindPaymentSettledAssetNotDelivered: ErrPaymentSettledAssetNotDelivered,
	KindSelfTradeRejected:               ErrSelfTradeRejected,
	KindInconsistentState:               ErrInconsistentState,
}

// Error is returned by every failed settlement operation.
type Error struct {
	Kind   Kind
	Op     string // list, unlist or buy
	Detail string
	// TransactionIDs lists every transfer that reached (or may have
	// reached) consensus before the failure.
	TransactionIDs []string
	// PaymentTaken is set when buyer funds left the buyer's account.
	PaymentTaken bool
	// IncidentID references the reconciliation incident, when one was opened.
	IncidentID string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "settlement: %s: %s", e.Op, e.Kind)
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if len(e.TransactionIDs) > 0 {
		fmt.Fprintf(&b, " (tx: %s)", strings.Join(e.TransactionIDs, ", "))
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for e.Kind, so errors.Is(err, ErrSelfTradeRejected)
// works without unwrapping by hand.
func (e *Error) Is(target error) bool {
	s, ok := kindSentinels[e.Kind]
	return ok && s == target
}

// KindOf returns the settlement kind of err, or "" if err is not a
// settlement error.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}
