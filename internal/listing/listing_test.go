package listing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mbd888/assetescrow/internal/ledger"
	"github.com/mbd888/assetescrow/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	escrow = "0.0.1001"
	alice  = "0.0.3001"
	bob    = "0.0.3002"
)

var art = ledger.TokenRef{TokenID: "0.0.5001", Serial: 1}

func setup(t *testing.T) (*Resolver, *ledger.MemoryLedger) {
	t.Helper()
	m := ledger.NewMemoryLedger()
	require.NoError(t, m.Mint(art, alice))
	m.Associate(escrow, art.TokenID)
	m.Associate(bob, art.TokenID)
	r := NewResolver(m, escrow).WithRetryPolicy(retry.Policy{Attempts: 2, BaseDelay: time.Millisecond})
	return r, m
}

func transfer(t *testing.T, m *ledger.MemoryLedger, from, to string) {
	t.Helper()
	_, err := m.TransferNonFungible(context.Background(), ledger.NFTTransfer{Token: art, From: from, To: to})
	require.NoError(t, err)
}

func TestResolve_NotListed(t *testing.T) {
	r, _ := setup(t)
	st, err := r.Resolve(context.Background(), art)
	require.NoError(t, err)
	assert.False(t, st.Listed)
	assert.Equal(t, alice, st.Holder)
	assert.Empty(t, st.Seller)
}

func TestResolve_ListedFindsSeller(t *testing.T) {
	r, m := setup(t)
	transfer(t, m, alice, escrow)

	st, err := r.Resolve(context.Background(), art)
	require.NoError(t, err)
	assert.True(t, st.Listed)
	assert.Equal(t, alice, st.Seller)
	assert.NotEmpty(t, st.ListingTxID)
	assert.True(t, st.ListedBy(alice))
	assert.False(t, st.ListedBy(bob))
}

func TestResolve_SellerIsMostRecentDepositor(t *testing.T) {
	r, m := setup(t)
	// alice lists, sells to bob, bob relists.
	transfer(t, m, alice, escrow)
	transfer(t, m, escrow, bob)
	transfer(t, m, bob, escrow)

	st, err := r.Resolve(context.Background(), art)
	require.NoError(t, err)
	assert.Equal(t, bob, st.Seller)
}

func TestResolve_Idempotent(t *testing.T) {
	r, m := setup(t)
	transfer(t, m, alice, escrow)

	first, err := r.Resolve(context.Background(), art)
	require.NoError(t, err)
	second, err := r.Resolve(context.Background(), art)
	require.NoError(t, err)

	first.ResolvedAt, second.ResolvedAt = time.Time{}, time.Time{}
	assert.Equal(t, first, second)
}

func TestResolve_HistoryUnavailableIsDegraded(t *testing.T) {
	r, m := setup(t)
	transfer(t, m, alice, escrow)
	m.Fail(ledger.OpGetTransferHistory, ledger.ErrUnavailable, ledger.ErrUnavailable)

	st, err := r.Resolve(context.Background(), art)
	require.NoError(t, err)
	assert.True(t, st.Listed)
	assert.True(t, st.Degraded)
	assert.Empty(t, st.Seller)
	assert.False(t, st.ListedBy(alice), "degraded state must not authorize the seller")
}

// laggingHistory simulates a history index that has not caught up with custody.
type laggingHistory struct {
	*ledger.MemoryLedger
}

func (laggingHistory) GetTransferHistory(context.Context, ledger.TokenRef, int) ([]ledger.TransferRecord, error) {
	return nil, nil
}

func TestResolve_HistoryMissingDepositIsDegraded(t *testing.T) {
	_, m := setup(t)
	transfer(t, m, alice, escrow)
	r := NewResolver(laggingHistory{m}, escrow)

	st, err := r.Resolve(context.Background(), art)
	require.NoError(t, err)
	assert.True(t, st.Listed)
	assert.True(t, st.Degraded)
	assert.Empty(t, st.Seller)
}

func TestResolve_HolderUnavailableIsError(t *testing.T) {
	r, m := setup(t)
	transfer(t, m, alice, escrow)
	m.Fail(ledger.OpGetHolder, ledger.ErrUnavailable, ledger.ErrTimeout)

	st, err := r.Resolve(context.Background(), art)
	require.ErrorIs(t, err, ErrLedgerUnavailable)
	assert.Nil(t, st, "an unavailable ledger must not produce a 'not listed' answer")
	assert.Equal(t, 2, m.Calls(ledger.OpGetHolder))
}

func TestResolve_HolderRetriedTransparently(t *testing.T) {
	r, m := setup(t)
	m.Fail(ledger.OpGetHolder, ledger.ErrTimeout)

	st, err := r.Resolve(context.Background(), art)
	require.NoError(t, err)
	assert.Equal(t, alice, st.Holder)
}

func TestResolve_UnknownToken(t *testing.T) {
	r, m := setup(t)
	_, err := r.Resolve(context.Background(), ledger.TokenRef{TokenID: "0.0.9", Serial: 9})
	require.ErrorIs(t, err, ErrTokenNotFound)
	assert.False(t, errors.Is(err, ErrLedgerUnavailable))
	assert.Equal(t, 1, m.Calls(ledger.OpGetHolder), "answers from the ledger are not retried")
}

func TestActiveListings(t *testing.T) {
	r, m := setup(t)
	second := ledger.TokenRef{TokenID: art.TokenID, Serial: 2}
	require.NoError(t, m.Mint(second, bob))
	transfer(t, m, alice, escrow)
	_, err := m.TransferNonFungible(context.Background(), ledger.NFTTransfer{Token: second, From: bob, To: escrow})
	require.NoError(t, err)

	listings, err := r.ActiveListings(context.Background())
	require.NoError(t, err)
	require.Len(t, listings, 2)
	assert.Equal(t, alice, listings[0].Seller)
	assert.Equal(t, bob, listings[1].Seller)
}

func TestLatestIntoEscrow(t *testing.T) {
	h := []ledger.TransferRecord{
		{TransactionID: "3", From: escrow, To: bob},
		{TransactionID: "2", From: alice, To: escrow},
		{TransactionID: "1", From: bob, To: escrow},
	}
	rec, ok := latestIntoEscrow(h, escrow)
	require.True(t, ok)
	assert.Equal(t, "2", rec.TransactionID)

	_, ok = latestIntoEscrow(h[:1], escrow)
	assert.False(t, ok)
}
