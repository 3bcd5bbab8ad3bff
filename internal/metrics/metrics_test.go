package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{201, "2xx"},
		{301, "3xx"},
		{412, "4xx"},
		{404, "4xx"},
		{502, "5xx"},
		{503, "5xx"},
	}

	for _, tt := range tests {
		if got := statusBucket(tt.code); got != tt.want {
			t.Errorf("statusBucket(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	SettlementsTotal.WithLabelValues("buy", "success").Inc()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.True(t, strings.Contains(body, "assetescrow_active_websocket_clients"))
	assert.True(t, strings.Contains(body, "assetescrow_settlements_total"))
}

func TestMiddleware_RecordsMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/assets/:token/:serial/listing", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/v1/assets/:token/:serial/listing", "2xx"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/assets/0.0.5001/1/listing", nil))

	require.Equal(t, http.StatusOK, w.Code)
	after := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/v1/assets/:token/:serial/listing", "2xx"))
	assert.Equal(t, before+1, after, "requests are labelled by route pattern")
}

func TestRecordSale(t *testing.T) {
	royalty := TradeValueTotal.WithLabelValues("royalty")
	fee := TradeValueTotal.WithLabelValues("platform_fee")
	seller := TradeValueTotal.WithLabelValues("seller")
	beforeRoyalty := testutil.ToFloat64(royalty)
	beforeFee := testutil.ToFloat64(fee)
	beforeSeller := testutil.ToFloat64(seller)

	RecordSale(decimal.RequireFromString("92.5"), decimal.Zero, decimal.RequireFromString("2.5"))

	assert.InDelta(t, beforeSeller+92.5, testutil.ToFloat64(seller), 1e-9)
	assert.InDelta(t, beforeFee+2.5, testutil.ToFloat64(fee), 1e-9)
	assert.Equal(t, beforeRoyalty, testutil.ToFloat64(royalty), "zero shares are not recorded")
}

func TestObserveSettlement(t *testing.T) {
	c := SettlementsTotal.WithLabelValues("unlist", "precondition_failed")
	before := testutil.ToFloat64(c)

	ObserveSettlement("unlist", "precondition_failed", 40*time.Millisecond)

	assert.Equal(t, before+1, testutil.ToFloat64(c))
}
