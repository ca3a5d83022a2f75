package broker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestHTTPClient_GetOrders_ParsesDecimalFieldsAndQuery(t *testing.T) {
	var gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{
			"client_order_id": "c1",
			"id": "b1",
			"symbol": "AAPL",
			"side": "buy",
			"status": "filled",
			"qty": "100",
			"filled_qty": "100",
			"filled_avg_price": "150.25",
			"created_at": "2026-01-01T00:00:00Z",
			"updated_at": "2026-01-01T00:05:00Z"
		}]`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, 5*time.Second)
	after := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	until := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

	orders, err := client.GetOrders(context.Background(), "open", after, until)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	require.Equal(t, "c1", orders[0].ClientOrderID)
	require.True(t, orders[0].FilledAvgPrice.Equal(decimal.RequireFromString("150.25")))
	require.Contains(t, gotQuery, "status=open")
	require.Contains(t, gotQuery, "after=")
	require.Contains(t, gotQuery, "until=")
}

func TestHTTPClient_GetOrderByClientID_ReturnsNilOnNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"order not found"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, 5*time.Second)
	order, err := client.GetOrderByClientID(context.Background(), "missing")
	require.NoError(t, err)
	require.Nil(t, order)
}

func TestHTTPClient_GetOrdersByBrokerIDs_SkipsNotFoundAndCollectsRest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2/orders/b1":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"client_order_id":"c1","id":"b1","symbol":"AAPL","qty":"10","filled_qty":"0","filled_avg_price":"0","created_at":"2026-01-01T00:00:00Z","updated_at":"2026-01-01T00:00:00Z"}`))
		case "/v2/orders/b2":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, 5*time.Second)
	orders, err := client.GetOrdersByBrokerIDs(context.Background(), []string{"b1", "b2"})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	require.Equal(t, "b1", orders[0].BrokerOrderID)
}

func TestHTTPClient_GetAllPositions_ParsesOptionalCurrentPrice(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"symbol":"MSFT","qty":"10","avg_entry_price":"300.00","current_price":"305.50"}]`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, 5*time.Second)
	positions, err := client.GetAllPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	require.NotNil(t, positions[0].CurrentPrice)
	require.Equal(t, "305.50", *positions[0].CurrentPrice)
}

func TestHTTPClient_GetAccountActivities_PropagatesPageToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "tok-1", r.URL.Query().Get("page_token"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"activities": [{
				"id": "act-1",
				"activity_type": "FILL",
				"order_id": "b1",
				"client_order_id": "c1",
				"symbol": "AAPL",
				"side": "buy",
				"qty": "5",
				"price": "150.00",
				"transaction_time": "2026-01-01T00:01:00Z"
			}],
			"next_page_token": "tok-2"
		}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, 5*time.Second)
	activities, next, err := client.GetAccountActivities(context.Background(), time.Now(), "tok-1", 50)
	require.NoError(t, err)
	require.Len(t, activities, 1)
	require.Equal(t, "tok-2", next)
	require.Equal(t, "act-1", activities[0].ID)
}

func TestHTTPClient_GetOrders_ServerErrorWrapsConnectionError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, 5*time.Second)
	_, err := client.GetOrders(context.Background(), "", time.Time{}, time.Time{})
	require.Error(t, err)
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
}
