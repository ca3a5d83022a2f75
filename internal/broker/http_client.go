package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// HTTPClient is a REST-backed Client: a bare *http.Client, a shared request
// builder, and a single place that turns non-2xx responses into errors.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPClient builds an HTTPClient against baseURL with the given
// request timeout (SPEC_FULL.md §6.1, RECON_BROKER_TIMEOUT_SECONDS).
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type wireOrder struct {
	ClientOrderID  string          `json:"client_order_id"`
	ID              string          `json:"id"`
	Symbol         string          `json:"symbol"`
	Side           string          `json:"side"`
	Status         string          `json:"status"`
	Qty            json.Number     `json:"qty"`
	FilledQty      json.Number     `json:"filled_qty"`
	FilledAvgPrice json.Number     `json:"filled_avg_price"`
	LimitPrice     json.Number     `json:"limit_price"`
	Notional       json.Number     `json:"notional"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	FilledAt       *time.Time      `json:"filled_at"`
}

func (w wireOrder) toSnapshot() (OrderSnapshot, error) {
	qty, err := numToDecimal(w.Qty)
	if err != nil {
		return OrderSnapshot{}, fmt.Errorf("qty: %w", err)
	}
	filledQty, err := numToDecimal(w.FilledQty)
	if err != nil {
		return OrderSnapshot{}, fmt.Errorf("filled_qty: %w", err)
	}
	filledAvgPrice, err := numToDecimal(w.FilledAvgPrice)
	if err != nil {
		return OrderSnapshot{}, fmt.Errorf("filled_avg_price: %w", err)
	}

	snap := OrderSnapshot{
		ClientOrderID:  w.ClientOrderID,
		BrokerOrderID:  w.ID,
		Symbol:         w.Symbol,
		Side:           w.Side,
		Status:         w.Status,
		Qty:            qty,
		FilledQty:      filledQty,
		FilledAvgPrice: filledAvgPrice,
		CreatedAt:      w.CreatedAt,
		UpdatedAt:      w.UpdatedAt,
		FilledAt:       w.FilledAt,
	}
	if w.LimitPrice != "" {
		if v, err := numToDecimal(w.LimitPrice); err == nil {
			snap.LimitPrice = &v
		}
	}
	if w.Notional != "" {
		if v, err := numToDecimal(w.Notional); err == nil {
			snap.Notional = &v
		}
	}
	return snap, nil
}

func numToDecimal(n json.Number) (decimal.Decimal, error) {
	if n == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(n.String())
}

type wirePosition struct {
	Symbol        string      `json:"symbol"`
	Qty           json.Number `json:"qty"`
	AvgEntryPrice json.Number `json:"avg_entry_price"`
	CurrentPrice  *string     `json:"current_price"`
}

type wireActivity struct {
	ID              string      `json:"id"`
	ActivityType    string      `json:"activity_type"`
	OrderID         string      `json:"order_id"`
	ClientOrderID   string      `json:"client_order_id"`
	Symbol          string      `json:"symbol"`
	Side            string      `json:"side"`
	Qty             json.Number `json:"qty"`
	Price           json.Number `json:"price"`
	TransactionTime time.Time   `json:"transaction_time"`
	ActivityTime    time.Time   `json:"activity_time"`
}

// GetOrders implements Client.GetOrders.
func (c *HTTPClient) GetOrders(ctx context.Context, state string, after, until time.Time) ([]OrderSnapshot, error) {
	q := url.Values{}
	if state != "" {
		q.Set("status", state)
	}
	if !after.IsZero() {
		q.Set("after", after.UTC().Format(time.RFC3339))
	}
	if !until.IsZero() {
		q.Set("until", until.UTC().Format(time.RFC3339))
	}

	body, err := c.get(ctx, "/v2/orders?"+q.Encode())
	if err != nil {
		return nil, &ConnectionError{Op: "get_orders", Err: err}
	}
	var wire []wireOrder
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, &ConnectionError{Op: "get_orders", Err: err}
	}
	return toSnapshots(wire)
}

// GetOrderByClientID implements Client.GetOrderByClientID.
func (c *HTTPClient) GetOrderByClientID(ctx context.Context, clientOrderID string) (*OrderSnapshot, error) {
	body, err := c.get(ctx, "/v2/orders:by_client_order_id?client_order_id="+url.QueryEscape(clientOrderID))
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, &ConnectionError{Op: "get_order_by_client_id", Err: err}
	}
	var wire wireOrder
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, &ConnectionError{Op: "get_order_by_client_id", Err: err}
	}
	snap, err := wire.toSnapshot()
	if err != nil {
		return nil, &ConnectionError{Op: "get_order_by_client_id", Err: err}
	}
	return &snap, nil
}

// GetOrdersByBrokerIDs implements Client.GetOrdersByBrokerIDs. The broker's
// REST surface has no native batch-by-id endpoint, so this issues one
// lookup per id, with no cap on the number of lookups. Ids the broker
// reports as not found are skipped.
func (c *HTTPClient) GetOrdersByBrokerIDs(ctx context.Context, brokerOrderIDs []string) ([]OrderSnapshot, error) {
	out := make([]OrderSnapshot, 0, len(brokerOrderIDs))
	for _, id := range brokerOrderIDs {
		body, err := c.get(ctx, "/v2/orders/"+url.PathEscape(id))
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return nil, &ConnectionError{Op: "get_orders_by_broker_ids", Err: err}
		}
		var wire wireOrder
		if err := json.Unmarshal(body, &wire); err != nil {
			return nil, &ConnectionError{Op: "get_orders_by_broker_ids", Err: err}
		}
		snap, err := wire.toSnapshot()
		if err != nil {
			return nil, &ConnectionError{Op: "get_orders_by_broker_ids", Err: err}
		}
		out = append(out, snap)
	}
	return out, nil
}

// GetAllPositions implements Client.GetAllPositions.
func (c *HTTPClient) GetAllPositions(ctx context.Context) ([]PositionSnapshot, error) {
	body, err := c.get(ctx, "/v2/positions")
	if err != nil {
		return nil, &ConnectionError{Op: "get_all_positions", Err: err}
	}
	var wire []wirePosition
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, &ConnectionError{Op: "get_all_positions", Err: err}
	}
	out := make([]PositionSnapshot, 0, len(wire))
	for _, w := range wire {
		qty, err := numToDecimal(w.Qty)
		if err != nil {
			return nil, &ConnectionError{Op: "get_all_positions", Err: err}
		}
		avg, err := numToDecimal(w.AvgEntryPrice)
		if err != nil {
			return nil, &ConnectionError{Op: "get_all_positions", Err: err}
		}
		out = append(out, PositionSnapshot{
			Symbol:        w.Symbol,
			Qty:           qty,
			AvgEntryPrice: avg,
			CurrentPrice:  w.CurrentPrice,
		})
	}
	return out, nil
}

// GetAccountActivities implements Client.GetAccountActivities (spec.md
// §4.5.3's page-token pagination against the broker's activities feed).
func (c *HTTPClient) GetAccountActivities(ctx context.Context, after time.Time, pageToken string, pageSize int) ([]ActivityRecord, string, error) {
	q := url.Values{}
	q.Set("after", after.UTC().Format(time.RFC3339))
	q.Set("page_size", strconv.Itoa(pageSize))
	if pageToken != "" {
		q.Set("page_token", pageToken)
	}

	body, err := c.get(ctx, "/v2/account/activities?"+q.Encode())
	if err != nil {
		return nil, "", &ConnectionError{Op: "get_account_activities", Err: err}
	}

	var page struct {
		Activities    []wireActivity `json:"activities"`
		NextPageToken string         `json:"next_page_token"`
	}
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, "", &ConnectionError{Op: "get_account_activities", Err: err}
	}

	out := make([]ActivityRecord, 0, len(page.Activities))
	for _, a := range page.Activities {
		qty, err := numToDecimal(a.Qty)
		if err != nil {
			return nil, "", &ConnectionError{Op: "get_account_activities", Err: err}
		}
		price, err := numToDecimal(a.Price)
		if err != nil {
			return nil, "", &ConnectionError{Op: "get_account_activities", Err: err}
		}
		out = append(out, ActivityRecord{
			ID:              a.ID,
			ActivityType:    a.ActivityType,
			BrokerOrderID:   a.OrderID,
			ClientOrderID:   a.ClientOrderID,
			Symbol:          a.Symbol,
			Side:            a.Side,
			Qty:             qty,
			Price:           price,
			TransactionTime: a.TransactionTime,
			ActivityTime:    a.ActivityTime,
		})
	}
	return out, page.NextPageToken, nil
}

func toSnapshots(wire []wireOrder) ([]OrderSnapshot, error) {
	out := make([]OrderSnapshot, 0, len(wire))
	for _, w := range wire {
		snap, err := w.toSnapshot()
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

func (c *HTTPClient) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	return c.doRequest(req)
}

func (c *HTTPClient) doRequest(req *http.Request) ([]byte, error) {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("url", req.URL.String()).Msg("broker request failed")
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	log.Debug().Str("url", req.URL.String()).Int("status", resp.StatusCode).Dur("elapsed", time.Since(start)).Msg("broker request")

	if resp.StatusCode >= 400 {
		return nil, &httpStatusError{status: resp.StatusCode, body: string(body)}
	}
	return body, nil
}

type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.status, e.body)
}

func isNotFound(err error) bool {
	var se *httpStatusError
	if errors.As(err, &se) {
		return se.status == http.StatusNotFound
	}
	return false
}
