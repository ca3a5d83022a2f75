package reconcile

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tradeforge/execgw/internal/broker"
	"github.com/tradeforge/execgw/internal/store"
)

// applyBrokerUpdate implements spec.md §4.3b: a single CAS-guarded update of
// the local order from a merged broker snapshot. A CAS rejection (nil
// result) is not an error — it increments the skipped-conflict metric and
// does nothing else.
func (o *Orchestrator) applyBrokerUpdate(ctx context.Context, clientOrderID string, snap broker.OrderSnapshot) error {
	updatedAt := snap.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = snap.CreatedAt
	}
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	params := store.CASParams{
		ClientOrderID:  clientOrderID,
		Status:         store.OrderStatus(snap.Status),
		SourcePriority: store.PriorityReconciliation,
		UpdatedAt:      updatedAt,
	}
	if !snap.FilledQty.IsZero() {
		v := snap.FilledQty
		params.FilledQty = &v
	}
	if !snap.FilledAvgPrice.IsZero() {
		v := snap.FilledAvgPrice
		params.FilledAvgPrice = &v
	}
	if snap.BrokerOrderID != "" {
		params.BrokerOrderID = &snap.BrokerOrderID
	}

	updated, err := o.store.UpdateOrderStatusCAS(ctx, nil, params)
	if err != nil {
		return err
	}
	if updated == nil {
		o.metrics.ConflictsSkippedTotal.WithLabelValues(o.cfg.PodLabel, "cas_rejected").Inc()
		return nil
	}

	switch updated.Status {
	case store.StatusPartiallyFilled, store.StatusFilled:
		o.backfillFromBrokerOrder(ctx, clientOrderID, snap)
	}
	return nil
}

// reconcileMissingOrders implements spec.md §4.3c: the submitted_unconfirmed
// grace policy plus individual lookups for everything else, bounded by
// MaxIndividualLookups across both branches.
func (o *Orchestrator) reconcileMissingOrders(ctx context.Context, dbOrders []store.Order, merged map[string]broker.OrderSnapshot, after *time.Time) error {
	now := time.Now().UTC()
	lookups := 0
	grace := time.Duration(o.cfg.SubmittedUnconfirmedGraceSeconds) * time.Second

	for _, order := range dbOrders {
		if _, present := merged[order.ClientOrderID]; present {
			continue
		}
		if lookups >= o.cfg.MaxIndividualLookups {
			break
		}

		if order.Status == store.StatusSubmittedUnconfirmed {
			if now.Sub(order.CreatedAt) <= grace {
				continue
			}

			lookups++
			snap, err := o.broker.GetOrderByClientID(ctx, order.ClientOrderID)
			if err != nil {
				return err
			}
			if snap == nil {
				_, err := o.store.UpdateOrderStatusCAS(ctx, nil, store.CASParams{
					ClientOrderID:  order.ClientOrderID,
					Status:         store.StatusFailed,
					SourcePriority: store.PriorityReconciliation,
					UpdatedAt:      now,
				})
				if err != nil {
					return err
				}
				continue
			}
			if err := o.applyBrokerUpdate(ctx, order.ClientOrderID, *snap); err != nil {
				return err
			}
			continue
		}

		if after != nil && (order.CreatedAt.After(*after) || order.CreatedAt.Equal(*after)) {
			continue
		}

		lookups++
		snap, err := o.broker.GetOrderByClientID(ctx, order.ClientOrderID)
		if err != nil {
			return err
		}
		if snap == nil {
			log.Debug().Str("client_order_id", order.ClientOrderID).Msg("order missing at broker, leaving unchanged")
			continue
		}
		if err := o.applyBrokerUpdate(ctx, order.ClientOrderID, *snap); err != nil {
			return err
		}
	}

	return nil
}
