package audit

import (
	"context"
	"testing"
	"time"

	"github.com/mbd888/assetescrow/internal/pagination"
	"github.com/mbd888/assetescrow/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresSink_AppendAndQuery(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	sink := NewPostgresSink(db)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	listing := &Event{ID: "evt_1", Type: EventListing, OccurredAt: base,
		Payload: Payload{Token: "0.0.5001/1", Actor: "0.0.3001", TransactionIDs: []string{"tx-1"}}}
	sale := &Event{ID: "evt_2", Type: EventSale, OccurredAt: base.Add(time.Minute),
		Payload: Payload{
			Token: "0.0.5001/1", Actor: "0.0.3002", Counterparty: "0.0.3001", Price: "100.00000000",
			TransactionIDs: []string{"tx-2", "tx-3"}, Details: map[string]string{"royalty": "5.00000000"},
		}}
	require.NoError(t, sink.Append(ctx, listing))
	require.NoError(t, sink.Append(ctx, sale))
	require.NoError(t, sink.Append(ctx, sale), "re-appending the same event is a no-op")

	events, err := sink.Query(ctx, Filter{Token: "0.0.5001/1"})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "evt_2", events[0].ID)
	assert.Equal(t, []string{"tx-2", "tx-3"}, events[0].TransactionIDs)
	assert.Equal(t, "5.00000000", events[0].Details["royalty"])
	assert.Equal(t, "0.0.3001", events[0].Counterparty)

	events, err = sink.Query(ctx, Filter{Actor: "0.0.3001", Type: EventListing})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Nil(t, events[0].Details)

	events, err = sink.Query(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, events, 1)

	events, err = sink.Query(ctx, Filter{Before: &pagination.Cursor{At: events[0].OccurredAt, ID: events[0].ID}})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "evt_1", events[0].ID)
}
