package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/mbd888/assetescrow/internal/circuitbreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuarded_OpensOnTransientFailures(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryLedger()
	require.NoError(t, m.Mint(art, alice))
	g := NewGuarded(m, circuitbreaker.New(2, time.Hour))

	m.Fail(OpGetHolder, ErrUnavailable, ErrTimeout)
	_, err := g.GetHolder(ctx, art)
	require.ErrorIs(t, err, ErrUnavailable)
	_, err = g.GetHolder(ctx, art)
	require.ErrorIs(t, err, ErrTimeout)

	// Open: fails fast without reaching the ledger.
	_, err = g.GetHolder(ctx, art)
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 2, m.Calls(OpGetHolder))
	assert.Equal(t, circuitbreaker.StateOpen, g.Breaker().State(OpGetHolder))

	// Other operations are unaffected.
	_, err = g.GetTransferHistory(ctx, art, 1)
	require.NoError(t, err)
}

func TestGuarded_RejectionsDoNotTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryLedger()
	require.NoError(t, m.Mint(art, alice))
	g := NewGuarded(m, circuitbreaker.New(1, time.Hour))

	for i := 0; i < 3; i++ {
		_, err := g.TransferNonFungible(ctx, NFTTransfer{Token: art, From: bob, To: alice})
		require.ErrorIs(t, err, ErrNotOwner)
	}
	assert.Equal(t, circuitbreaker.StateClosed, g.Breaker().State(OpTransferNonFungible))
	assert.Equal(t, 3, m.Calls(OpTransferNonFungible))
}

func TestResultLabel(t *testing.T) {
	assert.Equal(t, "ok", resultLabel(nil))
	assert.Equal(t, "unavailable", resultLabel(&Error{Err: ErrTimeout}))
	assert.Equal(t, "rejected", resultLabel(&Error{Err: ErrInsufficientBalance}))
	assert.Equal(t, "already_associated", resultLabel(&Error{Err: ErrAlreadyAssociated}))
}

func TestGuarded_ScopedCircuitsAreIndependent(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryLedger()
	require.NoError(t, m.Mint(art, alice))
	g := NewGuarded(m, circuitbreaker.New(1, time.Hour))
	release := g.Scoped("custody")

	assert.Equal(t, OpTransferNonFungible, g.CircuitKey(OpTransferNonFungible))
	assert.Equal(t, "custody."+OpTransferNonFungible, release.CircuitKey(OpTransferNonFungible))

	m.Fail(OpTransferNonFungible, ErrTimeout)
	_, err := g.TransferNonFungible(ctx, NFTTransfer{Token: art, From: alice, To: bob})
	require.ErrorIs(t, err, ErrTimeout)

	err = g.Admits(OpTransferNonFungible)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.True(t, IsTransient(err))
	assert.NoError(t, release.Admits(OpTransferNonFungible))
	assert.Equal(t, circuitbreaker.StateClosed, g.Breaker().State("custody."+OpTransferNonFungible))

	m.Fail(OpTransferNonFungible, ErrUnavailable)
	_, err = release.TransferNonFungible(ctx, NFTTransfer{Token: art, From: alice, To: bob})
	require.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, release.Admits(OpTransferNonFungible), ErrUnavailable)
	assert.Equal(t, 2, m.Calls(OpTransferNonFungible))
}
