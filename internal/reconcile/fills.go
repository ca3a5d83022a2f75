package reconcile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/tradeforge/execgw/internal/broker"
	"github.com/tradeforge/execgw/internal/store"
)

// syntheticFill is the in-memory computation result of ComputeSyntheticFill
// — kept distinct from store.FillRecord per spec.md §9's note that the
// "_MissingQty" bookkeeping field must never reach the persisted record.
type syntheticFill struct {
	Fill       store.FillRecord
	MissingQty decimal.Decimal
}

// ComputeSyntheticFill implements spec.md §4.5.1: the pure arithmetic that
// closes the gap between the broker's reported filled quantity and the sum
// of locally recorded, non-superseded fills. Returns nil when no gap
// exists.
func ComputeSyntheticFill(clientOrderID string, brokerFilledQty, brokerFilledAvgPrice decimal.Decimal, now time.Time, existingFills []store.FillRecord, source string) *syntheticFill {
	realSum := decimal.Zero
	syntheticSum := decimal.Zero

	for _, f := range existingFills {
		if f.Superseded {
			continue
		}
		qty, err := decimal.NewFromString(f.FillQty)
		if err != nil {
			continue
		}
		if f.Synthetic {
			syntheticSum = syntheticSum.Add(qty)
		} else {
			realSum = realSum.Add(qty)
		}
	}

	if brokerFilledQty.LessThanOrEqual(realSum) {
		return nil
	}

	missing := brokerFilledQty.Sub(realSum).Sub(syntheticSum)
	if missing.LessThanOrEqual(decimal.Zero) {
		return nil
	}

	fillID := fmt.Sprintf("%s_%s_%s_%s", clientOrderID, source, fillIDSafe(formatFillQty(brokerFilledQty)), fillIDSafe(formatFillQty(missing)))

	return &syntheticFill{
		MissingQty: missing,
		Fill: store.FillRecord{
			FillID:     fillID,
			FillQty:    formatFillQty(missing),
			FillPrice:  brokerFilledAvgPrice.String(),
			RealizedPL: "0",
			Timestamp:  now,
			Synthetic:  true,
			Source:     source,
		},
	}
}

// backfillFromBrokerOrder implements spec.md §4.5.2's "from broker
// snapshot" flavor.
func (o *Orchestrator) backfillFromBrokerOrder(ctx context.Context, clientOrderID string, brokerOrder broker.OrderSnapshot) bool {
	ts := brokerOrder.UpdatedAt
	if ts.IsZero() {
		ts = brokerOrder.CreatedAt
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	if brokerOrder.FilledAvgPrice.IsZero() {
		return false
	}

	var inserted bool
	err := o.store.WithTransaction(ctx, func(tx store.Tx) error {
		order, err := o.store.GetOrderForUpdate(ctx, tx, clientOrderID)
		if err != nil {
			return err
		}
		if order == nil {
			return nil
		}

		sf := ComputeSyntheticFill(clientOrderID, brokerOrder.FilledQty, brokerOrder.FilledAvgPrice, ts, order.Fills, "recon")
		if sf == nil {
			return nil
		}
		sf.Fill.Source = "reconciliation_backfill"

		updated, err := o.store.AppendFillToOrderMetadata(ctx, tx, clientOrderID, sf.Fill)
		if err != nil {
			return err
		}
		inserted = updated != nil
		return nil
	})
	if err != nil {
		log.Warn().Err(err).Str("client_order_id", clientOrderID).Msg("backfill from broker order failed")
		return false
	}
	return inserted
}

// backfillFromDBOrder implements spec.md §4.5.2's "from local order"
// flavor.
func (o *Orchestrator) backfillFromDBOrder(ctx context.Context, order store.Order) bool {
	ts := order.FilledAt
	var resolved time.Time
	if ts != nil {
		resolved = *ts
	} else if !order.UpdatedAt.IsZero() {
		resolved = order.UpdatedAt
	} else {
		resolved = time.Now().UTC()
	}

	if order.FilledAvgPrice == nil || order.FilledQty == nil {
		return false
	}
	filledQty := *order.FilledQty
	filledAvgPrice := *order.FilledAvgPrice

	var inserted bool
	err := o.store.WithTransaction(ctx, func(tx store.Tx) error {
		locked, err := o.store.GetOrderForUpdate(ctx, tx, order.ClientOrderID)
		if err != nil {
			return err
		}
		if locked == nil {
			return nil
		}

		sf := ComputeSyntheticFill(order.ClientOrderID, filledQty, filledAvgPrice, resolved, locked.Fills, "recon_db")
		if sf == nil {
			return nil
		}
		sf.Fill.Source = "reconciliation_db_backfill"

		updated, err := o.store.AppendFillToOrderMetadata(ctx, tx, order.ClientOrderID, sf.Fill)
		if err != nil {
			return err
		}
		inserted = updated != nil
		return nil
	})
	if err != nil {
		log.Warn().Err(err).Str("client_order_id", order.ClientOrderID).Msg("backfill from db order failed")
		return false
	}
	return inserted
}

// backfillMissingFillsScan implements spec.md §4.5.3.
func (o *Orchestrator) backfillMissingFillsScan(ctx context.Context, limit int) int {
	orders, err := o.store.GetFilledOrdersMissingFills(ctx, limit)
	if err != nil {
		log.Warn().Err(err).Msg("get filled orders missing fills failed")
		return 0
	}

	count := 0
	for _, order := range orders {
		if o.backfillFromDBOrder(ctx, order) {
			count++
		}
	}
	return count
}

// backfillAlpacaFillsOptions configures BackfillAlpacaFills (spec.md
// §4.5.4).
type backfillAlpacaFillsOptions struct {
	LookbackHours   *int
	RecalcAllTrades bool
	PageSize        int
	MaxPages        int
	OverlapSeconds  int
}

// backfillAlpacaFillsResult is the structured return of spec.md §6.6.
type backfillAlpacaFillsResult struct {
	Status        string
	FillsSeen     int
	FillsInserted int
	Unmatched     int
	PnLUpdates    int
	PnLFailures   int
	After         time.Time
	Until         time.Time
}

// backfillAlpacaFills implements spec.md §4.5.4: broker activity
// pagination, overlap dedup against the high-water mark, matching against
// local orders, and transactional fill + P&L recalculation.
func (o *Orchestrator) backfillAlpacaFills(ctx context.Context, enabled bool, opts backfillAlpacaFillsOptions) (*backfillAlpacaFillsResult, error) {
	now := time.Now().UTC()

	if !enabled && opts.LookbackHours == nil {
		return &backfillAlpacaFillsResult{Status: "disabled"}, nil
	}

	after, err := o.resolveBackfillWindow(ctx, opts, now)
	if err != nil {
		return nil, err
	}

	activities, err := o.paginateActivities(ctx, after, now, opts)
	if err != nil {
		return nil, err
	}

	result := &backfillAlpacaFillsResult{
		Status:    "ok",
		FillsSeen: len(activities),
		After:     after,
		Until:     now,
	}

	if len(activities) == 0 {
		if err := o.store.SetHighWaterMark(ctx, "alpaca_fills", now); err != nil {
			return nil, err
		}
		return result, nil
	}

	brokerIDs := uniqueBrokerOrderIDs(activities)
	ordersByBrokerID, err := o.store.GetOrdersByBrokerIDs(ctx, brokerIDs)
	if err != nil {
		return nil, err
	}

	type pendingFill struct {
		clientOrderID string
		fill          store.FillRecord
	}
	var pending []pendingFill
	affected := make(map[[2]string]struct{})

	for _, a := range activities {
		if a.BrokerOrderID == "" {
			result.Unmatched++
			continue
		}
		matched, ok := ordersByBrokerID[a.BrokerOrderID]
		if !ok {
			result.Unmatched++
			continue
		}

		fillID := a.ID
		if fillID == "" {
			fillID = generateFillIDFromActivity(a)
		}
		ts := a.TransactionTime
		if ts.IsZero() {
			ts = a.ActivityTime
		}
		if ts.IsZero() {
			ts = now
		}

		pending = append(pending, pendingFill{
			clientOrderID: matched.ClientOrderID,
			fill: store.FillRecord{
				FillID:    fillID,
				FillQty:   formatFillQty(a.Qty),
				FillPrice: a.Price.String(),
				Timestamp: ts,
				Synthetic: false,
				Source:    "alpaca_activity",
			},
		})
		affected[[2]string{matched.StrategyID, matched.Symbol}] = struct{}{}
	}

	err = o.store.WithTransaction(ctx, func(tx store.Tx) error {
		for _, p := range pending {
			updated, err := o.store.AppendFillToOrderMetadata(ctx, tx, p.clientOrderID, p.fill)
			if err != nil {
				return err
			}
			if updated != nil {
				result.FillsInserted++
			}
		}

		for key := range affected {
			strategyID, symbol := key[0], key[1]
			n, err := o.store.RecalculateTradeRealizedPnL(ctx, tx, strategyID, symbol, opts.RecalcAllTrades)
			if err != nil {
				result.PnLFailures++
				return &RecalculationError{StrategyID: strategyID, Symbol: symbol, Cause: err}
			}
			result.PnLUpdates += n
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := o.store.SetHighWaterMark(ctx, "alpaca_fills", now); err != nil {
		return nil, err
	}
	return result, nil
}

func (o *Orchestrator) resolveBackfillWindow(ctx context.Context, opts backfillAlpacaFillsOptions, now time.Time) (time.Time, error) {
	if opts.LookbackHours != nil {
		return now.Add(-time.Duration(*opts.LookbackHours) * time.Hour), nil
	}

	hwm, err := o.store.GetHighWaterMark(ctx, "alpaca_fills")
	if err != nil {
		return time.Time{}, err
	}
	if hwm != nil {
		return hwm.Add(-time.Duration(opts.OverlapSeconds) * time.Second), nil
	}

	return now.Add(-time.Duration(o.cfg.FillsBackfillInitialLookbackHours) * time.Hour), nil
}

func (o *Orchestrator) paginateActivities(ctx context.Context, after, until time.Time, opts backfillAlpacaFillsOptions) ([]broker.ActivityRecord, error) {
	var all []broker.ActivityRecord
	var pageToken string
	var lastActivityID string

	for page := 0; page < opts.MaxPages; page++ {
		requestSize := opts.PageSize
		if pageToken != "" {
			requestSize++
		}

		batch, _, err := o.broker.GetAccountActivities(ctx, after, pageToken, requestSize)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}

		rawCount := len(batch)
		rawLastID := batch[len(batch)-1].ID

		if pageToken != "" && lastActivityID != "" {
			filtered := batch[:0]
			for _, a := range batch {
				if a.ID == lastActivityID {
					continue
				}
				filtered = append(filtered, a)
			}
			batch = filtered
		}

		all = append(all, batch...)

		short := rawCount < requestSize
		lastActivityID = rawLastID
		if short {
			break
		}
		pageToken = lastActivityID
		if pageToken == "" {
			break
		}
	}

	return all, nil
}

func uniqueBrokerOrderIDs(activities []broker.ActivityRecord) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, a := range activities {
		if a.BrokerOrderID == "" {
			continue
		}
		if _, ok := seen[a.BrokerOrderID]; ok {
			continue
		}
		seen[a.BrokerOrderID] = struct{}{}
		out = append(out, a.BrokerOrderID)
	}
	return out
}

// formatActivityTimestamp renders a timestamp for the fallback fingerprint,
// using an empty string (not the zero-value instant) when unset.
func formatActivityTimestamp(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return ts.UTC().Format(time.RFC3339)
}

// generateFillIDFromActivity implements spec.md §4.5.4 point 6's fallback
// FillID: a SHA256 over sorted key=value pairs, truncated to 32 hex chars.
func generateFillIDFromActivity(a broker.ActivityRecord) string {
	pairs := map[string]string{
		"broker_order_id":  a.BrokerOrderID,
		"symbol":           a.Symbol,
		"side":             a.Side,
		"qty":              formatFillQty(a.Qty),
		"price":            a.Price.String(),
		"transaction_time": formatActivityTimestamp(a.TransactionTime),
		"activity_time":    formatActivityTimestamp(a.ActivityTime),
		"id_hint":          a.ID,
	}
	keys := make([]string, 0, len(pairs))
	for k := range pairs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+pairs[k])
	}
	joined := strings.Join(parts, "|")

	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:])[:32]
}
