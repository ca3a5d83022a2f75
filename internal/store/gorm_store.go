package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// GormStore is the gorm-backed Store implementation, grounded on the
// teacher's internal/database package: same dual Postgres/SQLite selection
// by connection-string prefix, same AutoMigrate-on-boot convention.
type GormStore struct {
	db        *gorm.DB
	isPostgres bool
}

// New opens (and migrates) a GormStore. dsn starting with "postgres://" or
// "postgresql://" selects the Postgres driver; anything else is treated as
// a SQLite file path, per SPEC_FULL.md §6.5.
func New(dsn string) (*GormStore, error) {
	var db *gorm.DB
	var err error
	isPostgres := strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")

	gcfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	if isPostgres {
		db, err = gorm.Open(postgres.Open(dsn), gcfg)
		if err != nil {
			return nil, fmt.Errorf("store: open postgres: %w", err)
		}
		log.Info().Msg("reconciliation store connected (PostgreSQL)")
	} else {
		db, err = gorm.Open(sqlite.Open(dsn), gcfg)
		if err != nil {
			return nil, fmt.Errorf("store: open sqlite: %w", err)
		}
		log.Info().Str("path", dsn).Msg("reconciliation store connected (SQLite)")
	}

	s := &GormStore{db: db, isPostgres: isPostgres}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an already-open *gorm.DB, used by tests that need an
// in-memory SQLite handle or a sqlmock-backed one.
func NewWithDB(db *gorm.DB, isPostgres bool) *GormStore {
	return &GormStore{db: db, isPostgres: isPostgres}
}

func (s *GormStore) migrate() error {
	return s.db.AutoMigrate(&orderRow{}, &positionRow{}, &orphanOrderRow{}, &highWaterMarkRow{})
}

func (s *GormStore) conn(ctx context.Context, tx Tx) *gorm.DB {
	if tx != nil {
		if gtx, ok := tx.(*gorm.DB); ok {
			return gtx
		}
	}
	return s.db.WithContext(ctx)
}

// terminalStatusStrings renders TerminalStatuses for use in a SQL IN clause.
func terminalStatusStrings() []string {
	out := make([]string, 0, len(TerminalStatuses))
	for st := range TerminalStatuses {
		out = append(out, string(st))
	}
	return out
}

// WithTransaction implements Store.WithTransaction (spec.md §9's "scoped
// resource, commit on clean return / rollback on exception").
func (s *GormStore) WithTransaction(ctx context.Context, fn func(tx Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
		return fn(gtx)
	})
}

// GetHighWaterMark implements Store.GetHighWaterMark.
func (s *GormStore) GetHighWaterMark(ctx context.Context, name string) (*time.Time, error) {
	var row highWaterMarkRow
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get high water mark %q: %w", name, err)
	}
	v := row.Value
	return &v, nil
}

// SetHighWaterMark implements Store.SetHighWaterMark.
func (s *GormStore) SetHighWaterMark(ctx context.Context, name string, when time.Time) error {
	row := highWaterMarkRow{Name: name, Value: when}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("store: set high water mark %q: %w", name, err)
	}
	return nil
}

// GetNonTerminalOrders implements Store.GetNonTerminalOrders.
func (s *GormStore) GetNonTerminalOrders(ctx context.Context) ([]Order, error) {
	var rows []orderRow
	err := s.db.WithContext(ctx).Where("status NOT IN ?", terminalStatusStrings()).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: get non-terminal orders: %w", err)
	}
	out := make([]Order, len(rows))
	for i, r := range rows {
		out[i] = toDomainOrder(r)
	}
	return out, nil
}

// GetOrderIDsByClientIDs implements Store.GetOrderIDsByClientIDs.
func (s *GormStore) GetOrderIDsByClientIDs(ctx context.Context, ids []string) (map[string]struct{}, error) {
	out := make(map[string]struct{})
	if len(ids) == 0 {
		return out, nil
	}
	var rows []orderRow
	err := s.db.WithContext(ctx).Select("client_order_id").Where("client_order_id IN ?", ids).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: get order ids by client ids: %w", err)
	}
	for _, r := range rows {
		out[r.ClientOrderID] = struct{}{}
	}
	return out, nil
}

// GetOrderForUpdate implements Store.GetOrderForUpdate. Under Postgres it
// issues SELECT ... FOR UPDATE; SQLite has no row lock clause, so the
// transaction's own serialization carries the exclusion instead
// (SPEC_FULL.md §6.2).
func (s *GormStore) GetOrderForUpdate(ctx context.Context, tx Tx, clientOrderID string) (*Order, error) {
	gdb := s.conn(ctx, tx)
	if s.isPostgres {
		gdb = gdb.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var row orderRow
	err := gdb.Where("client_order_id = ?", clientOrderID).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get order for update %q: %w", clientOrderID, err)
	}
	o := toDomainOrder(row)
	return &o, nil
}

// GetOrdersByBrokerIDs implements Store.GetOrdersByBrokerIDs.
func (s *GormStore) GetOrdersByBrokerIDs(ctx context.Context, brokerIDs []string) (map[string]Order, error) {
	out := make(map[string]Order)
	if len(brokerIDs) == 0 {
		return out, nil
	}
	var rows []orderRow
	err := s.db.WithContext(ctx).Where("broker_order_id IN ?", brokerIDs).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: get orders by broker ids: %w", err)
	}
	for _, r := range rows {
		if r.BrokerOrderID.Valid {
			out[r.BrokerOrderID.String] = toDomainOrder(r)
		}
	}
	return out, nil
}

// UpdateOrderStatusCAS implements Store.UpdateOrderStatusCAS (spec.md
// §4.3b): applies only if stored source_priority >= incoming, stored status
// is non-terminal, and stored updated_at <= incoming updated_at. Returns a
// nil row (not an error) on rejection.
func (s *GormStore) UpdateOrderStatusCAS(ctx context.Context, tx Tx, p CASParams) (*Order, error) {
	gdb := s.conn(ctx, tx)

	updates := map[string]any{
		"status":          string(p.Status),
		"source_priority": p.SourcePriority,
		"updated_at":      p.UpdatedAt,
	}
	if p.FilledQty != nil {
		updates["filled_qty"] = decimal.NullDecimal{Decimal: *p.FilledQty, Valid: true}
	}
	if p.FilledAvgPrice != nil {
		updates["filled_avg_price"] = decimal.NullDecimal{Decimal: *p.FilledAvgPrice, Valid: true}
	}
	if p.BrokerOrderID != nil {
		updates["broker_order_id"] = sql.NullString{String: *p.BrokerOrderID, Valid: true}
	}
	if IsTerminal(p.Status) {
		now := p.UpdatedAt
		updates["filled_at"] = &now
	}

	res := gdb.Model(&orderRow{}).
		Where("client_order_id = ? AND source_priority >= ? AND status NOT IN ? AND updated_at <= ?",
			p.ClientOrderID, p.SourcePriority, terminalStatusStrings(), p.UpdatedAt).
		Updates(updates)
	if res.Error != nil {
		return nil, fmt.Errorf("store: update order status cas %q: %w", p.ClientOrderID, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}

	var row orderRow
	if err := gdb.Where("client_order_id = ?", p.ClientOrderID).First(&row).Error; err != nil {
		return nil, fmt.Errorf("store: reload order after cas %q: %w", p.ClientOrderID, err)
	}
	o := toDomainOrder(row)
	return &o, nil
}

// AppendFillToOrderMetadata implements Store.AppendFillToOrderMetadata,
// enforcing FillID uniqueness itself (spec.md §5, §9 Open Question resolved
// in favor of store-side enforcement). Returns a nil row when the FillID
// already exists so callers can treat it as a no-op, not an error.
func (s *GormStore) AppendFillToOrderMetadata(ctx context.Context, tx Tx, clientOrderID string, fill FillRecord) (*Order, error) {
	gdb := s.conn(ctx, tx)
	if s.isPostgres {
		gdb = gdb.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var row orderRow
	err := gdb.Where("client_order_id = ?", clientOrderID).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: load order for fill append %q: %w", clientOrderID, err)
	}

	for _, existing := range row.Fills {
		if existing.FillID == fill.FillID {
			return nil, nil
		}
	}

	row.Fills = append(row.Fills, fill)
	row.UpdatedAt = time.Now().UTC()
	if err := gdb.Model(&orderRow{}).Where("client_order_id = ?", clientOrderID).
		Updates(map[string]any{"fills": row.Fills, "updated_at": row.UpdatedAt}).Error; err != nil {
		return nil, fmt.Errorf("store: append fill %q to order %q: %w", fill.FillID, clientOrderID, err)
	}

	o := toDomainOrder(row)
	return &o, nil
}

// GetFilledOrdersMissingFills implements Store.GetFilledOrdersMissingFills.
// JSON array length isn't portably queryable across Postgres/SQLite, so this
// over-fetches a bounded candidate window and filters in Go.
func (s *GormStore) GetFilledOrdersMissingFills(ctx context.Context, limit int) ([]Order, error) {
	candidateWindow := limit * 5
	if candidateWindow <= 0 {
		candidateWindow = limit
	}
	var rows []orderRow
	err := s.db.WithContext(ctx).
		Where("status = ?", string(StatusFilled)).
		Order("updated_at ASC").
		Limit(candidateWindow).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: get filled orders missing fills: %w", err)
	}

	out := make([]Order, 0, limit)
	for _, r := range rows {
		if len(r.Fills) == 0 {
			out = append(out, toDomainOrder(r))
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// RecalculateTradeRealizedPnL implements Store.RecalculateTradeRealizedPnL.
// P&L arithmetic beyond invoking this entry point is out of the
// reconciliation core's scope (spec.md §1 Non-goals); this recomputes the
// realized P&L of each non-synthetic, non-superseded fill as
// fill_qty * fill_price and reports how many orders it touched.
func (s *GormStore) RecalculateTradeRealizedPnL(ctx context.Context, tx Tx, strategyID, symbol string, updateAll bool) (int, error) {
	gdb := s.conn(ctx, tx)

	q := gdb.Model(&orderRow{}).Where("strategy_id = ? AND symbol = ?", strategyID, symbol)
	if !updateAll {
		q = q.Where("status = ?", string(StatusFilled))
	}
	var rows []orderRow
	if err := q.Find(&rows).Error; err != nil {
		return 0, fmt.Errorf("store: recalculate pnl load %s:%s: %w", strategyID, symbol, err)
	}

	updated := 0
	for _, row := range rows {
		changed := false
		fills := make([]FillRecord, len(row.Fills))
		for i, f := range row.Fills {
			fills[i] = f
			if f.Superseded || f.Synthetic {
				continue
			}
			qty, qtyErr := decimal.NewFromString(f.FillQty)
			price, priceErr := decimal.NewFromString(f.FillPrice)
			if qtyErr != nil || priceErr != nil {
				continue
			}
			fills[i].RealizedPL = qty.Mul(price).String()
			changed = true
		}
		if !changed {
			continue
		}
		if err := gdb.Model(&orderRow{}).Where("client_order_id = ?", row.ClientOrderID).
			Update("fills", fillsColumn(fills)).Error; err != nil {
			return updated, fmt.Errorf("store: recalculate pnl save %q: %w", row.ClientOrderID, err)
		}
		updated++
	}
	return updated, nil
}

// CreateOrphanOrder implements Store.CreateOrphanOrder (spec.md §4.4 point
// 3); it upserts so repeated sightings of the same broker order update the
// existing record in place (spec.md §3.3).
func (s *GormStore) CreateOrphanOrder(ctx context.Context, p CreateOrphanParams) error {
	row := orphanOrderRow{
		BrokerOrderID:     p.BrokerOrderID,
		Symbol:            p.Symbol,
		StrategyID:        p.StrategyID,
		Side:              p.Side,
		Qty:               p.Qty,
		EstimatedNotional: p.EstimatedNotional,
		Status:            p.Status,
		CreatedAt:         time.Now().UTC(),
		UpdatedAt:         time.Now().UTC(),
	}
	if p.ClientOrderID != nil {
		row.ClientOrderID = sql.NullString{String: *p.ClientOrderID, Valid: true}
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "broker_order_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"symbol", "strategy_id", "side", "qty", "estimated_notional", "status", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("store: create orphan order %q: %w", p.BrokerOrderID, err)
	}
	return nil
}

// UpdateOrphanOrderStatus implements Store.UpdateOrphanOrderStatus.
func (s *GormStore) UpdateOrphanOrderStatus(ctx context.Context, brokerOrderID, status string, resolvedAt *time.Time) error {
	updates := map[string]any{"status": status, "updated_at": time.Now().UTC()}
	if resolvedAt != nil {
		updates["resolved_at"] = resolvedAt
	}
	err := s.db.WithContext(ctx).Model(&orphanOrderRow{}).
		Where("broker_order_id = ?", brokerOrderID).Updates(updates).Error
	if err != nil {
		return fmt.Errorf("store: update orphan order status %q: %w", brokerOrderID, err)
	}
	return nil
}

// GetOrphanExposure implements Store.GetOrphanExposure: the sum of
// estimated notional across unresolved orphan orders for symbol+strategy.
func (s *GormStore) GetOrphanExposure(ctx context.Context, symbol, strategyID string) (decimal.Decimal, error) {
	var rows []orphanOrderRow
	err := s.db.WithContext(ctx).
		Where("symbol = ? AND strategy_id = ? AND resolved_at IS NULL", symbol, strategyID).
		Find(&rows).Error
	if err != nil {
		return decimal.Zero, fmt.Errorf("store: get orphan exposure %s/%s: %w", symbol, strategyID, err)
	}
	total := decimal.Zero
	for _, r := range rows {
		total = total.Add(r.EstimatedNotional)
	}
	return total, nil
}

// GetAllPositions implements Store.GetAllPositions.
func (s *GormStore) GetAllPositions(ctx context.Context) ([]Position, error) {
	var rows []positionRow
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: get all positions: %w", err)
	}
	out := make([]Position, len(rows))
	for i, r := range rows {
		out[i] = toDomainPosition(r)
	}
	return out, nil
}

// UpsertPositionSnapshot implements Store.UpsertPositionSnapshot (spec.md
// §4.6).
func (s *GormStore) UpsertPositionSnapshot(ctx context.Context, symbol string, qty, avgEntryPrice decimal.Decimal, currentPrice *string, updatedAt time.Time) error {
	row := positionRow{
		Symbol:        symbol,
		Qty:           qty,
		AvgEntryPrice: avgEntryPrice,
		UpdatedAt:     updatedAt,
	}
	if currentPrice != nil {
		row.CurrentPrice = sql.NullString{String: *currentPrice, Valid: true}
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "symbol"}},
		DoUpdates: clause.AssignmentColumns([]string{"qty", "avg_entry_price", "current_price", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("store: upsert position %q: %w", symbol, err)
	}
	return nil
}
