package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/assetescrow/internal/amount"
	"github.com/shopspring/decimal"
)

// MemoryLedger is an in-process ledger for development mode and tests.
// Custody is single-owner per token and every transfer is recorded in the
// token's history, matching what the real network guarantees.
type MemoryLedger struct {
	mu           sync.Mutex
	holders      map[TokenRef]string
	history      map[TokenRef][]TransferRecord
	balances     map[string]map[string]decimal.Decimal // account -> token -> balance
	associations map[string]map[string]bool           // account -> token
	seq          int64
	now          func() time.Time

	faults map[string][]error
	calls  map[string]int
	hook   func(op string)
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		holders:      make(map[TokenRef]string),
		history:      make(map[TokenRef][]TransferRecord),
		balances:     make(map[string]map[string]decimal.Decimal),
		associations: make(map[string]map[string]bool),
		faults:       make(map[string][]error),
		calls:        make(map[string]int),
		now:          time.Now,
	}
}

// Mint creates ref held by owner. The owner is associated automatically.
func (m *MemoryLedger) Mint(ref TokenRef, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.holders[ref]; exists {
		return fmt.Errorf("ledger: %s already minted", ref)
	}
	m.associate(owner, ref.TokenID)
	m.holders[ref] = owner
	return nil
}

// Credit funds account with the fungible token, associating it if needed.
func (m *MemoryLedger) Credit(account, tokenID string, amt decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.associate(account, tokenID)
	m.balances[account][tokenID] = m.balances[account][tokenID].Add(amt)
}

// Associate associates account with tokenID without returning a receipt.
func (m *MemoryLedger) Associate(account, tokenID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.associate(account, tokenID)
}

// Fail makes the next len(errs) calls of op return those errors in order.
func (m *MemoryLedger) Fail(op string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[op] = append(m.faults[op], errs...)
}

// OnCall registers fn to run before every operation. Tests use it to race
// an out-of-band transfer against a settlement step.
func (m *MemoryLedger) OnCall(fn func(op string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = fn
}

// Calls returns how many times op was invoked.
func (m *MemoryLedger) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// begin runs the hook and returns any injected fault. Must not hold m.mu.
func (m *MemoryLedger) begin(op string) error {
	m.mu.Lock()
	m.calls[op]++
	hook := m.hook
	var fault error
	if q := m.faults[op]; len(q) > 0 {
		fault, m.faults[op] = q[0], q[1:]
	}
	m.mu.Unlock()

	if hook != nil {
		hook(op)
	}
	if fault != nil {
		return &Error{Op: op, Err: fault}
	}
	return nil
}

func (m *MemoryLedger) TransferFungible(ctx context.Context, t FungibleTransfer) (*Receipt, error) {
	if err := m.begin(OpTransferFungible); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, &Error{Op: OpTransferFungible, Err: err}
	}
	if err := amount.Check(t.Amount); err != nil || t.Amount.IsZero() {
		return nil, &Error{Op: OpTransferFungible, Err: fmt.Errorf("invalid amount %s", t.Amount)}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.associations[t.To][t.TokenID] {
		return nil, &Error{Op: OpTransferFungible, Err: ErrNotAssociated}
	}
	bal := m.balances[t.From][t.TokenID]
	if bal.LessThan(t.Amount) {
		return nil, &Error{Op: OpTransferFungible, Err: ErrInsufficientBalance}
	}
	m.balances[t.From][t.TokenID] = bal.Sub(t.Amount)
	m.balances[t.To][t.TokenID] = m.balances[t.To][t.TokenID].Add(t.Amount)

	return m.receipt(t.From), nil
}

func (m *MemoryLedger) TransferNonFungible(ctx context.Context, t NFTTransfer) (*Receipt, error) {
	if err := m.begin(OpTransferNonFungible); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, &Error{Op: OpTransferNonFungible, Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	holder, ok := m.holders[t.Token]
	if !ok {
		return nil, &Error{Op: OpTransferNonFungible, Err: ErrTokenNotFound}
	}
	if holder != t.From {
		return nil, &Error{Op: OpTransferNonFungible, Err: ErrNotOwner}
	}
	if !m.associations[t.To][t.Token.TokenID] {
		return nil, &Error{Op: OpTransferNonFungible, Err: ErrNotAssociated}
	}

	rcpt := m.receipt(t.From)
	m.holders[t.Token] = t.To
	m.history[t.Token] = append(m.history[t.Token], TransferRecord{
		TransactionID: rcpt.TransactionID,
		From:          t.From,
		To:            t.To,
		ConsensusAt:   rcpt.ConsensusAt,
	})
	return rcpt, nil
}

func (m *MemoryLedger) AssociateToken(ctx context.Context, account, tokenID string) (*Receipt, error) {
	if err := m.begin(OpAssociateToken); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.associations[account][tokenID] {
		return nil, &Error{Op: OpAssociateToken, Err: ErrAlreadyAssociated}
	}
	m.associate(account, tokenID)
	return m.receipt(account), nil
}

func (m *MemoryLedger) GetHolder(ctx context.Context, ref TokenRef) (string, error) {
	if err := m.begin(OpGetHolder); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	holder, ok := m.holders[ref]
	if !ok {
		return "", &Error{Op: OpGetHolder, Err: ErrTokenNotFound}
	}
	return holder, nil
}

func (m *MemoryLedger) GetTransferHistory(ctx context.Context, ref TokenRef, limit int) ([]TransferRecord, error) {
	if err := m.begin(OpGetTransferHistory); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.history[ref]
	out := make([]TransferRecord, 0, min(len(h), max(limit, 0)))
	for i := len(h) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, h[i])
	}
	return out, nil
}

func (m *MemoryLedger) GetAccountNonFungibleHoldings(ctx context.Context, account string) ([]TokenRef, error) {
	if err := m.begin(OpGetHoldings); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var out []TokenRef
	for ref, holder := range m.holders {
		if holder == account {
			out = append(out, ref)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TokenID != out[j].TokenID {
			return out[i].TokenID < out[j].TokenID
		}
		return out[i].Serial < out[j].Serial
	})
	return out, nil
}

func (m *MemoryLedger) GetBalance(ctx context.Context, account, tokenID string) (decimal.Decimal, error) {
	if err := m.begin(OpGetBalance); err != nil {
		return decimal.Zero, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[account][tokenID], nil
}

// associate must be called with m.mu held.
func (m *MemoryLedger) associate(account, tokenID string) {
	if m.associations[account] == nil {
		m.associations[account] = make(map[string]bool)
	}
	if m.balances[account] == nil {
		m.balances[account] = make(map[string]decimal.Decimal)
	}
	m.associations[account][tokenID] = true
}

// receipt must be called with m.mu held.
func (m *MemoryLedger) receipt(payer string) *Receipt {
	m.seq++
	now := m.now()
	return &Receipt{
		TransactionID: fmt.Sprintf("%s@%d.%09d", payer, now.Unix(), m.seq),
		Status:        "SUCCESS",
		ConsensusAt:   now,
	}
}
