package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/mbd888/assetescrow/internal/circuitbreaker"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, labels ...string) float64 {
	t.Helper()
	c, err := ledgerCalls.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues failed: %v", err)
	}
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	return m.Counter.GetValue()
}

func TestGuarded_CountsCallsByResult(t *testing.T) {
	ledgerCalls.Reset()
	ctx := context.Background()
	m := NewMemoryLedger()
	if err := m.Mint(art, alice); err != nil {
		t.Fatal(err)
	}
	g := NewGuarded(m, circuitbreaker.New(5, time.Hour))

	_, _ = g.GetHolder(ctx, art)
	m.Fail(OpGetHolder, ErrUnavailable)
	_, _ = g.GetHolder(ctx, art)
	_, _ = g.GetHolder(ctx, TokenRef{TokenID: "0.0.5001", Serial: 99})

	if got := counterValue(t, OpGetHolder, "ok"); got != 1 {
		t.Errorf("ok = %v, want 1", got)
	}
	if got := counterValue(t, OpGetHolder, "unavailable"); got != 1 {
		t.Errorf("unavailable = %v, want 1", got)
	}
	if got := counterValue(t, OpGetHolder, "rejected"); got != 1 {
		t.Errorf("rejected = %v, want 1", got)
	}
}

func TestGuarded_ObservesLatency(t *testing.T) {
	ledgerCallDuration.Reset()
	m := NewMemoryLedger()
	g := NewGuarded(m, circuitbreaker.New(5, time.Hour))
	_, _ = g.GetTransferHistory(context.Background(), art, 10)

	ch := make(chan prometheus.Metric, 10)
	ledgerCallDuration.Collect(ch)
	close(ch)

	found := false
	for metric := range ch {
		m := &dto.Metric{}
		_ = metric.Write(m)
		if m.Histogram != nil && m.Histogram.GetSampleCount() == 1 {
			found = true
		}
	}
	if !found {
		t.Error("expected histogram with 1 sample")
	}
}
