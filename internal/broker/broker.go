// Package broker defines the reconciliation core's view of the broker of
// record (spec.md §6.1) and ships an HTTP-backed implementation.
package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// OrderSnapshot is the broker's view of a single order, as returned by
// GetOrders/GetOrderByClientID (spec.md §6.1).
type OrderSnapshot struct {
	ClientOrderID  string
	BrokerOrderID  string
	Symbol         string
	Side           string
	Status         string
	FilledQty      decimal.Decimal
	FilledAvgPrice decimal.Decimal
	LimitPrice     *decimal.Decimal
	Notional       *decimal.Decimal
	Qty            decimal.Decimal
	CreatedAt      time.Time
	UpdatedAt      time.Time
	FilledAt       *time.Time
}

// PositionSnapshot is the broker's view of a single open position.
type PositionSnapshot struct {
	Symbol        string
	Qty           decimal.Decimal
	AvgEntryPrice decimal.Decimal
	CurrentPrice  *string
}

// ActivityRecord is one entry from the broker's account-activities feed,
// used to backfill fills (spec.md §4.5.3, grounded on the original's
// AlpacaActivity handling).
type ActivityRecord struct {
	ID              string
	ActivityType    string
	BrokerOrderID   string
	ClientOrderID   string
	Symbol          string
	Side            string
	Qty             decimal.Decimal
	Price           decimal.Decimal
	TransactionTime time.Time
	ActivityTime    time.Time
}

// Client is the reconciliation core's dependency on the broker of record.
// Every method may return a ConnectionError on transport failure; the
// orchestrator treats that as a single-cycle-skippable condition
// (spec.md §4.1 point 4).
type Client interface {
	// GetOrders returns broker orders matching state (e.g. "open"), or,
	// when after is non-zero, orders updated within [after, until]
	// (spec.md §6.1).
	GetOrders(ctx context.Context, state string, after, until time.Time) ([]OrderSnapshot, error)
	GetOrderByClientID(ctx context.Context, clientOrderID string) (*OrderSnapshot, error)
	GetOrdersByBrokerIDs(ctx context.Context, brokerOrderIDs []string) ([]OrderSnapshot, error)
	GetAllPositions(ctx context.Context) ([]PositionSnapshot, error)
	GetAccountActivities(ctx context.Context, after time.Time, pageToken string, pageSize int) ([]ActivityRecord, string, error)
}

// ConnectionError wraps any transport-level failure talking to the broker,
// matching spec.md §7's requirement that broker errors be distinguishable
// from store/cache errors.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return "broker: " + e.Op + ": " + e.Err.Error()
}

func (e *ConnectionError) Unwrap() error { return e.Err }
