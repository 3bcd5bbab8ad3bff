package health

import (
	"context"
	"database/sql"
	"strings"

	"github.com/mbd888/assetescrow/internal/circuitbreaker"
	"github.com/mbd888/assetescrow/internal/ledger"
)

// DBChecker pings the database.
func DBChecker(db *sql.DB) Checker {
	return func(ctx context.Context) Status {
		if err := db.PingContext(ctx); err != nil {
			return Status{Healthy: false, Detail: err.Error()}
		}
		return Status{Healthy: true}
	}
}

// LedgerChecker reads the escrow account's settlement token balance. Any
// answer from the ledger, including a rejection, means it is reachable.
func LedgerChecker(client ledger.Client, account, tokenID string) Checker {
	return func(ctx context.Context) Status {
		_, err := client.GetBalance(ctx, account, tokenID)
		if err != nil && !ledger.IsRejection(err) {
			return Status{Healthy: false, Detail: err.Error()}
		}
		return Status{Healthy: true}
	}
}

// BreakerChecker reports unhealthy while any of ops has an open circuit.
func BreakerChecker(b *circuitbreaker.Breaker, ops ...string) Checker {
	return func(context.Context) Status {
		var open []string
		for _, op := range ops {
			if b.State(op) == circuitbreaker.StateOpen {
				open = append(open, op)
			}
		}
		if len(open) > 0 {
			return Status{Healthy: false, Detail: "open: " + strings.Join(open, ",")}
		}
		return Status{Healthy: true}
	}
}
