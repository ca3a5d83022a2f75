package reconcile

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/tradeforge/execgw/internal/broker"
	"github.com/tradeforge/execgw/internal/store"
)

// quarantineStrategySentinel is the sentinel StrategyID assigned to orphan
// order records (spec.md §4.4 point 3).
const quarantineStrategySentinel = "external"

// quarantineWildcardStrategy blocks every strategy on the affected symbol
// (spec.md §4.4 point 5, GLOSSARY "Wildcard strategy").
const quarantineWildcardStrategy = "*"

// detectOrphans implements spec.md §4.4's DetectOrphans: open orders are
// handled without resolving terminal status (the broker window may still
// update them), recent orders resolve terminal status since they represent
// a completed window.
func (o *Orchestrator) detectOrphans(ctx context.Context, open, recent []broker.OrderSnapshot, knownClientIDs map[string]struct{}) {
	for _, snap := range open {
		if _, known := knownClientIDs[snap.ClientOrderID]; known && snap.ClientOrderID != "" {
			continue
		}
		o.handleOrphan(ctx, snap, false)
	}
	for _, snap := range recent {
		if _, known := knownClientIDs[snap.ClientOrderID]; known && snap.ClientOrderID != "" {
			continue
		}
		o.handleOrphan(ctx, snap, true)
	}
}

// handleOrphan implements spec.md §4.4's HandleOrphan.
func (o *Orchestrator) handleOrphan(ctx context.Context, snap broker.OrderSnapshot, resolveTerminal bool) bool {
	if snap.Symbol == "" || snap.BrokerOrderID == "" {
		return false
	}

	notional := estimateNotional(snap)

	status := snap.Status
	if status == "" {
		status = "untracked"
	}

	params := store.CreateOrphanParams{
		BrokerOrderID:     snap.BrokerOrderID,
		Symbol:            snap.Symbol,
		StrategyID:        quarantineStrategySentinel,
		Side:              snap.Side,
		Qty:               snap.Qty.Truncate(0).IntPart(),
		EstimatedNotional: notional,
		Status:            status,
	}
	if snap.ClientOrderID != "" {
		id := snap.ClientOrderID
		params.ClientOrderID = &id
	}

	if err := o.store.CreateOrphanOrder(ctx, params); err != nil {
		log.Error().Err(err).Str("broker_order_id", snap.BrokerOrderID).Msg("failed to create orphan order")
		return false
	}

	var resolvedAt *time.Time
	if resolveTerminal && store.IsTerminal(store.OrderStatus(status)) {
		now := time.Now().UTC()
		resolvedAt = &now
	}
	if err := o.store.UpdateOrphanOrderStatus(ctx, snap.BrokerOrderID, status, resolvedAt); err != nil {
		log.Warn().Err(err).Str("broker_order_id", snap.BrokerOrderID).Msg("failed to update orphan order status")
	}

	// Fail-closed: quarantine and exposure writes are best-effort. The
	// persisted orphan record above, plus an independent read-time
	// quarantine check on the order-submission path, keep trading blocked
	// even if these writes are lost.
	if err := o.cache.SetQuarantine(ctx, quarantineWildcardStrategy, snap.Symbol); err != nil {
		log.Warn().Err(err).Str("symbol", snap.Symbol).Msg("failed to set quarantine marker")
	}
	o.syncOrphanExposure(ctx, snap.Symbol, quarantineStrategySentinel)

	o.metrics.SymbolsQuarantinedTotal.WithLabelValues(o.cfg.PodLabel, snap.Symbol).Inc()
	return true
}

func (o *Orchestrator) syncOrphanExposure(ctx context.Context, symbol, strategyID string) {
	exposure, err := o.store.GetOrphanExposure(ctx, symbol, strategyID)
	if err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("failed to read orphan exposure")
		return
	}
	if err := o.cache.SetOrphanExposure(ctx, strategyID, symbol, exposure.String()); err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("failed to sync orphan exposure")
	}
}

// estimateNotional implements spec.md §4.4 point 2's priority chain.
func estimateNotional(snap broker.OrderSnapshot) decimal.Decimal {
	if snap.Notional != nil {
		return *snap.Notional
	}
	if snap.LimitPrice != nil && !snap.Qty.IsZero() {
		return snap.Qty.Mul(*snap.LimitPrice)
	}
	if !snap.FilledAvgPrice.IsZero() && !snap.Qty.IsZero() {
		return snap.Qty.Mul(snap.FilledAvgPrice)
	}
	return decimal.Zero
}
