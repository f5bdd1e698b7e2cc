package broker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeagent/internal/adapters"
	"tradeagent/internal/models"
	"tradeagent/pkg/logger"
)

func testClient(serverURL string) *Trading212 {
	client := resty.New()
	client.SetBaseURL(serverURL)
	return &Trading212{
		client:       client,
		pollMax:      3,
		pollInterval: 5 * time.Millisecond,
		log:          logger.Nop(),
	}
}

func TestPlaceOrderFilled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		w.Write([]byte(`{"id": 42, "ticker": "AAPL", "status": "FILLED", "filledQuantity": 10, "fillPrice": 99.5}`))
	}))
	defer server.Close()

	status, err := testClient(server.URL).PlaceOrder(context.Background(), adapters.OrderRequest{
		Ticker: "AAPL", Side: models.SideBuy, Quantity: decimal.NewFromInt(10),
	})
	require.NoError(t, err)
	assert.Equal(t, models.TradeFilled, status.Status)
	assert.Equal(t, "42", status.BrokerOrderID)
	assert.True(t, status.FilledPrice.Equal(decimal.NewFromFloat(99.5)))
}

func TestPlaceOrderPollsUntilFilled(t *testing.T) {
	polls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.Write([]byte(`{"id": 7, "ticker": "AAPL", "status": "NEW"}`))
			return
		}
		polls++
		if polls < 2 {
			w.Write([]byte(`{"id": 7, "ticker": "AAPL", "status": "NEW"}`))
			return
		}
		w.Write([]byte(`{"id": 7, "ticker": "AAPL", "status": "FILLED", "filledQuantity": 5, "fillPrice": 50}`))
	}))
	defer server.Close()

	status, err := testClient(server.URL).PlaceOrder(context.Background(), adapters.OrderRequest{
		Ticker: "AAPL", Side: models.SideBuy, Quantity: decimal.NewFromInt(5),
	})
	require.NoError(t, err)
	assert.Equal(t, models.TradeFilled, status.Status)
	assert.Equal(t, 2, polls)
}

func TestClientErrorNeverRetried(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, `{"message": "insufficient funds"}`, http.StatusBadRequest)
	}))
	defer server.Close()

	_, err := testClient(server.URL).PlaceOrder(context.Background(), adapters.OrderRequest{
		Ticker: "AAPL", Side: models.SideBuy, Quantity: decimal.NewFromInt(5),
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "4xx must not be retried")
}

func TestRateLimitHonorsRetryAfter(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`[]`))
	}))
	defer server.Close()

	positions, err := testClient(server.URL).GetPositions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, positions)
	assert.Equal(t, 2, calls)
}

func TestPersistentRateLimitGivesUp(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	_, err := testClient(server.URL).GetPositions(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limiting")
	assert.Equal(t, 1+rateLimitMaxRetries, calls, "429 retries must be bounded")
}

func TestSellOrderCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id": 9, "ticker": "MSFT", "status": "CANCELLED", "reason": "market closed"}`))
	}))
	defer server.Close()

	status, err := testClient(server.URL).PlaceOrder(context.Background(), adapters.OrderRequest{
		Ticker: "MSFT", Side: models.SideSell, Quantity: decimal.NewFromInt(3),
	})
	require.NoError(t, err)
	assert.Equal(t, models.TradeCancelled, status.Status)
	assert.Equal(t, "market closed", status.ErrorMessage)
}

func TestInstrumentsMapsShortNames(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"ticker": "AAPL_US_EQ", "shortName": "AAPL"},
			{"ticker": "MSFT_US_EQ", "shortName": "MSFT"},
			{"ticker": "", "shortName": "BROKEN"}
		]`))
	}))
	defer server.Close()

	mapping, err := testClient(server.URL).Instruments(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "AAPL_US_EQ", mapping["AAPL"])
	assert.Equal(t, "MSFT_US_EQ", mapping["MSFT"])
	assert.NotContains(t, mapping, "BROKEN")
}

func TestGetPositions(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"ticker": "AAPL", "quantity": 10, "averagePrice": 150.5, "currentPrice": 160}]`))
	}))
	defer server.Close()

	positions, err := testClient(server.URL).GetPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "AAPL", positions[0].Ticker)
	assert.True(t, positions[0].AvgPrice.Equal(decimal.NewFromFloat(150.5)))
}
