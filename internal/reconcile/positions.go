package reconcile

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// positionsResult implements the {updated, flattened} counts of spec.md
// §4.6 point 5.
type positionsResult struct {
	Updated   int
	Flattened int
}

// reconcilePositions implements spec.md §4.6: the broker is authoritative —
// every broker position is upserted, and every local symbol absent at the
// broker is flattened to zero. Duplicate symbols in the broker response are
// resolved by last-occurrence-wins (a plain map overwrite); symbol
// comparison is case-sensitive.
func (o *Orchestrator) reconcilePositions(ctx context.Context) (*positionsResult, error) {
	brokerPositions, err := o.broker.GetAllPositions(ctx)
	if err != nil {
		return nil, err
	}
	brokerBySymbol := make(map[string]int)
	for i, p := range brokerPositions {
		brokerBySymbol[p.Symbol] = i
	}

	dbPositions, err := o.store.GetAllPositions(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	result := &positionsResult{}

	for symbol, idx := range brokerBySymbol {
		p := brokerPositions[idx]
		avgEntryPrice := p.AvgEntryPrice
		if avgEntryPrice.IsZero() {
			avgEntryPrice = decimal.Zero
		}
		if err := o.store.UpsertPositionSnapshot(ctx, symbol, p.Qty, avgEntryPrice, p.CurrentPrice, now); err != nil {
			return nil, err
		}
		result.Updated++
	}

	for _, db := range dbPositions {
		if _, present := brokerBySymbol[db.Symbol]; present {
			continue
		}
		if err := o.store.UpsertPositionSnapshot(ctx, db.Symbol, decimal.Zero, decimal.Zero, nil, now); err != nil {
			return nil, err
		}
		log.Info().Str("symbol", db.Symbol).Msg("position flattened")
		result.Flattened++
	}

	return result, nil
}
