package store

import (
	"database/sql"
	"time"

	"github.com/shopspring/decimal"
)

// Row types are the gorm models, kept separate from the domain types in
// store.go so the reconciliation core never imports a gorm tag.

type orderRow struct {
	ClientOrderID  string          `gorm:"column:client_order_id;primaryKey"`
	BrokerOrderID  sql.NullString  `gorm:"column:broker_order_id;index"`
	Symbol         string          `gorm:"column:symbol;index"`
	StrategyID     string          `gorm:"column:strategy_id;index"`
	Side           string          `gorm:"column:side"`
	Status         string          `gorm:"column:status;index"`
	SourcePriority int             `gorm:"column:source_priority"`
	FilledQty      decimal.NullDecimal `gorm:"column:filled_qty;type:decimal(24,8)"`
	FilledAvgPrice decimal.NullDecimal `gorm:"column:filled_avg_price;type:decimal(24,8)"`
	CreatedAt      time.Time       `gorm:"column:created_at"`
	UpdatedAt      time.Time       `gorm:"column:updated_at;index"`
	FilledAt       *time.Time      `gorm:"column:filled_at"`
	Fills          fillsColumn     `gorm:"column:fills;type:text"`
}

func (orderRow) TableName() string { return "orders" }

type positionRow struct {
	Symbol        string         `gorm:"column:symbol;primaryKey"`
	Qty           decimal.Decimal `gorm:"column:qty;type:decimal(24,8)"`
	AvgEntryPrice decimal.Decimal `gorm:"column:avg_entry_price;type:decimal(24,8)"`
	CurrentPrice  sql.NullString `gorm:"column:current_price"`
	UpdatedAt     time.Time      `gorm:"column:updated_at"`
}

func (positionRow) TableName() string { return "positions" }

type orphanOrderRow struct {
	BrokerOrderID     string         `gorm:"column:broker_order_id;primaryKey"`
	ClientOrderID     sql.NullString `gorm:"column:client_order_id"`
	Symbol            string         `gorm:"column:symbol;index"`
	StrategyID        string         `gorm:"column:strategy_id"`
	Side              string         `gorm:"column:side"`
	Qty               int64          `gorm:"column:qty"`
	EstimatedNotional decimal.Decimal `gorm:"column:estimated_notional;type:decimal(24,8)"`
	Status            string         `gorm:"column:status"`
	ResolvedAt        *time.Time     `gorm:"column:resolved_at"`
	CreatedAt         time.Time      `gorm:"column:created_at"`
	UpdatedAt         time.Time      `gorm:"column:updated_at"`
}

func (orphanOrderRow) TableName() string { return "orphan_orders" }

type highWaterMarkRow struct {
	Name  string    `gorm:"column:name;primaryKey"`
	Value time.Time `gorm:"column:value"`
}

func (highWaterMarkRow) TableName() string { return "high_water_marks" }

func toDomainOrder(r orderRow) Order {
	o := Order{
		ClientOrderID:  r.ClientOrderID,
		Symbol:         r.Symbol,
		StrategyID:     r.StrategyID,
		Side:           r.Side,
		Status:         OrderStatus(r.Status),
		SourcePriority: r.SourcePriority,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		FilledAt:       r.FilledAt,
		Fills:          []FillRecord(r.Fills),
	}
	if r.BrokerOrderID.Valid {
		v := r.BrokerOrderID.String
		o.BrokerOrderID = &v
	}
	if r.FilledQty.Valid {
		v := r.FilledQty.Decimal
		o.FilledQty = &v
	}
	if r.FilledAvgPrice.Valid {
		v := r.FilledAvgPrice.Decimal
		o.FilledAvgPrice = &v
	}
	return o
}

func toDomainPosition(r positionRow) Position {
	p := Position{
		Symbol:        r.Symbol,
		Qty:           r.Qty,
		AvgEntryPrice: r.AvgEntryPrice,
		UpdatedAt:     r.UpdatedAt,
	}
	if r.CurrentPrice.Valid {
		v := r.CurrentPrice.String
		p.CurrentPrice = &v
	}
	return p
}
