// Package store defines the durable persistence boundary the reconciliation
// core depends on (spec.md §6.2) and ships a gorm-backed implementation.
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus enumerates the order lifecycle states from spec.md §3.1.
type OrderStatus string

const (
	StatusPendingNew           OrderStatus = "pending_new"
	StatusSubmittedUnconfirmed OrderStatus = "submitted_unconfirmed"
	StatusNew                  OrderStatus = "new"
	StatusPartiallyFilled      OrderStatus = "partially_filled"
	StatusFilled               OrderStatus = "filled"
	StatusCanceled             OrderStatus = "canceled"
	StatusExpired              OrderStatus = "expired"
	StatusRejected             OrderStatus = "rejected"
	StatusFailed               OrderStatus = "failed"
)

// TerminalStatuses is the set referenced as TERMINAL_STATUSES in spec.md §9,
// resolved here exactly as enumerated in spec.md §3.1.
var TerminalStatuses = map[OrderStatus]struct{}{
	StatusFilled:   {},
	StatusCanceled: {},
	StatusExpired:  {},
	StatusRejected: {},
	StatusFailed:   {},
}

// IsTerminal reports whether status is a terminal status.
func IsTerminal(status OrderStatus) bool {
	_, ok := TerminalStatuses[status]
	return ok
}

// Source priority constants from spec.md §3.2 invariant 2 — lower wins.
const (
	PriorityManual         = 1
	PriorityReconciliation = 2
	PriorityWebhook        = 3
)

// FillRecord mirrors spec.md §3.1's FillRecord entity. FillQty and FillPrice
// are kept as strings because the wire/storage convention preserves integer
// vs. fractional display (spec.md §3.1, §4.5.1 point 6).
type FillRecord struct {
	FillID     string    `json:"fill_id"`
	FillQty    string    `json:"fill_qty"`
	FillPrice  string    `json:"fill_price"`
	RealizedPL string    `json:"realized_pl"`
	Timestamp  time.Time `json:"timestamp"`
	Synthetic  bool      `json:"synthetic"`
	Source     string    `json:"source"`
	Superseded bool      `json:"superseded"`
}

// Order mirrors spec.md §3.1's Order entity.
type Order struct {
	ClientOrderID  string
	BrokerOrderID  *string
	Symbol         string
	StrategyID     string
	Side           string
	Status         OrderStatus
	SourcePriority int
	FilledQty      *decimal.Decimal
	FilledAvgPrice *decimal.Decimal
	CreatedAt      time.Time
	UpdatedAt      time.Time
	FilledAt       *time.Time
	Fills          []FillRecord
}

// Position mirrors spec.md §3.1's Position entity. CurrentPrice is an opaque
// passthrough per spec.md §4.6 point 3 — the store never interprets it.
type Position struct {
	Symbol        string
	Qty           decimal.Decimal
	AvgEntryPrice decimal.Decimal
	CurrentPrice  *string
	UpdatedAt     time.Time
}

// OrphanOrder mirrors spec.md §3.1's OrphanOrder entity.
type OrphanOrder struct {
	BrokerOrderID     string
	ClientOrderID     *string
	Symbol            string
	StrategyID        string
	Side              string
	Qty               int64
	EstimatedNotional decimal.Decimal
	Status            string
	ResolvedAt        *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// CASParams is the input to UpdateOrderStatusCAS (spec.md §4.3b).
type CASParams struct {
	ClientOrderID  string
	Status         OrderStatus
	SourcePriority int
	FilledQty      *decimal.Decimal
	FilledAvgPrice *decimal.Decimal
	UpdatedAt      time.Time
	BrokerOrderID  *string
}

// CreateOrphanParams is the input to CreateOrphanOrder (spec.md §4.4 point 3).
type CreateOrphanParams struct {
	BrokerOrderID     string
	ClientOrderID     *string
	Symbol            string
	StrategyID        string
	Side              string
	Qty               int64
	EstimatedNotional decimal.Decimal
	Status            string
}

// Tx is an opaque, backend-owned transaction handle. Callers obtain one from
// WithTransaction and must pass it back into every store call made within
// that scope — the explicit "scoped connection" design note of spec.md §9.
type Tx any

// Store is the durable persistence boundary (spec.md §6.2). All operations
// may fail with an operational error; CAS rejection is signalled by a nil
// row, never an error (spec.md §4.3b point 3).
type Store interface {
	GetHighWaterMark(ctx context.Context, name string) (*time.Time, error)
	SetHighWaterMark(ctx context.Context, name string, when time.Time) error

	GetNonTerminalOrders(ctx context.Context) ([]Order, error)
	GetOrderIDsByClientIDs(ctx context.Context, ids []string) (map[string]struct{}, error)
	GetOrderForUpdate(ctx context.Context, tx Tx, clientOrderID string) (*Order, error)
	GetOrdersByBrokerIDs(ctx context.Context, brokerIDs []string) (map[string]Order, error)

	UpdateOrderStatusCAS(ctx context.Context, tx Tx, params CASParams) (*Order, error)
	AppendFillToOrderMetadata(ctx context.Context, tx Tx, clientOrderID string, fill FillRecord) (*Order, error)
	GetFilledOrdersMissingFills(ctx context.Context, limit int) ([]Order, error)
	RecalculateTradeRealizedPnL(ctx context.Context, tx Tx, strategyID, symbol string, updateAll bool) (int, error)

	CreateOrphanOrder(ctx context.Context, params CreateOrphanParams) error
	UpdateOrphanOrderStatus(ctx context.Context, brokerOrderID, status string, resolvedAt *time.Time) error
	GetOrphanExposure(ctx context.Context, symbol, strategyID string) (decimal.Decimal, error)

	GetAllPositions(ctx context.Context) ([]Position, error)
	UpsertPositionSnapshot(ctx context.Context, symbol string, qty, avgEntryPrice decimal.Decimal, currentPrice *string, updatedAt time.Time) error

	WithTransaction(ctx context.Context, fn func(tx Tx) error) error
}
