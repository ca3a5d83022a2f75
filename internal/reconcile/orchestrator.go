// Package reconcile implements the reconciliation core: order
// synchronization, orphan/quarantine handling, fill backfill, and position
// reconciliation, driven by a single orchestrator under one non-reentrant
// mutex (spec.md §2, §5).
package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tradeforge/execgw/internal/broker"
	"github.com/tradeforge/execgw/internal/cache"
	"github.com/tradeforge/execgw/internal/config"
	"github.com/tradeforge/execgw/internal/store"
)

// Orchestrator is the single-run driver (C2) that serializes a cycle under
// the reconciliation mutex and invokes C3–C6 in the normative order of
// spec.md §4.2.
type Orchestrator struct {
	store   store.Store
	broker  broker.Client
	cache   cache.Cache
	metrics *Metrics
	cfg     *config.Config
	state   *ServiceState

	mu sync.Mutex
}

// New builds an Orchestrator from its collaborators.
func New(st store.Store, bk broker.Client, ch cache.Cache, metrics *Metrics, cfg *config.Config, state *ServiceState) *Orchestrator {
	return &Orchestrator{store: st, broker: bk, cache: ch, metrics: metrics, cfg: cfg, state: state}
}

// RunReconciliationOnce implements spec.md §4.2: the full single-cycle
// control flow. source identifies the caller ("periodic", "startup",
// "manual"); it is logged and recorded as the result's Mode.
func (o *Orchestrator) RunReconciliationOnce(ctx context.Context, source string) (*CycleResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, time.Duration(o.cfg.TimeoutSeconds)*time.Second)
	defer cancel()

	cycleID := uuid.New().String()
	now := time.Now().UTC()
	result, err := o.runCycle(ctx, now)
	if err != nil {
		failed := &CycleResult{
			CycleID:   cycleID,
			Status:    CycleFailed,
			Error:     err.Error(),
			Mode:      source,
			StartedAt: now,
		}
		o.state.RecordReconciliationResult(failed)
		log.Error().Err(err).Str("cycle_id", cycleID).Str("source", source).Msg("reconciliation cycle failed")
		return failed, err
	}

	result.CycleID = cycleID
	result.Mode = source
	result.StartedAt = now
	o.state.RecordReconciliationResult(result)
	if err := o.state.MarkStartupComplete(false, "", ""); err != nil {
		log.Warn().Err(err).Msg("failed to open startup gate after successful cycle")
	}
	log.Info().Str("cycle_id", cycleID).Str("source", source).Interface("counts", result.Counts).Msg("reconciliation cycle succeeded")
	return result, nil
}

func (o *Orchestrator) runCycle(ctx context.Context, now time.Time) (*CycleResult, error) {
	counts := map[string]int{}

	var after *time.Time
	hwm, err := o.store.GetHighWaterMark(ctx, "reconciliation")
	if err != nil {
		return nil, err
	}
	if hwm != nil {
		a := hwm.Add(-time.Duration(o.cfg.OverlapSeconds) * time.Second)
		after = &a
	}

	openOrders, err := o.broker.GetOrders(ctx, "open", time.Time{}, time.Time{})
	if err != nil {
		return nil, err
	}

	var recentOrders []broker.OrderSnapshot
	if after != nil {
		recentOrders, err = o.broker.GetOrders(ctx, "", *after, now)
		if err != nil {
			return nil, err
		}
	}

	merged := Merge(openOrders, recentOrders)

	dbOrders, err := o.store.GetNonTerminalOrders(ctx)
	if err != nil {
		return nil, err
	}

	clientIDs := make([]string, 0, len(merged))
	for id := range merged {
		clientIDs = append(clientIDs, id)
	}
	knownClientIDs, err := o.store.GetOrderIDsByClientIDs(ctx, clientIDs)
	if err != nil {
		return nil, err
	}

	for clientOrderID, snap := range merged {
		if _, known := knownClientIDs[clientOrderID]; !known {
			continue
		}
		if err := o.applyBrokerUpdate(ctx, clientOrderID, snap); err != nil {
			return nil, err
		}
		counts["applied"]++
	}

	if err := o.reconcileMissingOrders(ctx, dbOrders, merged, after); err != nil {
		return nil, err
	}

	o.detectOrphans(ctx, openOrders, recentOrders, knownClientIDs)

	counts["fills_backfilled"] = o.backfillMissingFillsScan(ctx, 200)

	if o.cfg.FillsBackfillEnabled {
		bfResult, err := o.backfillAlpacaFills(ctx, true, backfillAlpacaFillsOptions{
			PageSize:       o.cfg.FillsBackfillPageSize,
			MaxPages:       o.cfg.FillsBackfillMaxPages,
			OverlapSeconds: o.cfg.OverlapSeconds,
		})
		if err != nil {
			return nil, err
		}
		counts["alpaca_fills_inserted"] = bfResult.FillsInserted
	}

	posResult, err := o.reconcilePositions(ctx)
	if err != nil {
		return nil, err
	}
	counts["positions_updated"] = posResult.Updated
	counts["positions_flattened"] = posResult.Flattened

	if err := o.store.SetHighWaterMark(ctx, "reconciliation", now); err != nil {
		return nil, err
	}

	return &CycleResult{Status: CycleSuccess, Counts: counts}, nil
}

// RunPeriodicLoop implements spec.md §4.2: a single goroutine that sleeps
// up to PollIntervalSeconds (or until cancellation), runs a cycle, and
// repeats. Connection/store/validation errors are logged and recorded, not
// propagated — panics are never recovered, per spec.md §7.
func (o *Orchestrator) RunPeriodicLoop(ctx context.Context) {
	interval := time.Duration(o.cfg.PollIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if o.state.Stopped() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if o.state.Stopped() {
				return
			}
			if _, err := o.RunReconciliationOnce(ctx, "periodic"); err != nil {
				log.Warn().Err(err).Msg("periodic reconciliation cycle failed, will retry next interval")
			}
		}
	}
}

// RunStartupReconciliation implements spec.md §4.2: a one-shot variant that
// also signals initial readiness on success. In DryRun mode the startup
// gate is already open and no cycle runs.
func (o *Orchestrator) RunStartupReconciliation(ctx context.Context) (*CycleResult, error) {
	if o.state.DryRun() {
		return &CycleResult{Status: CycleSuccess, Mode: "startup", Counts: map[string]int{}}, nil
	}
	return o.RunReconciliationOnce(ctx, "startup")
}

// RunFillsBackfillOnce runs only the broker-activity backfill path under
// the same reconciliation mutex as a full cycle (spec.md §5).
func (o *Orchestrator) RunFillsBackfillOnce(ctx context.Context, lookbackHours *int, recalcAllTrades bool) (*backfillAlpacaFillsResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.backfillAlpacaFills(ctx, o.cfg.FillsBackfillEnabled, backfillAlpacaFillsOptions{
		LookbackHours:   lookbackHours,
		RecalcAllTrades: recalcAllTrades,
		PageSize:        o.cfg.FillsBackfillPageSize,
		MaxPages:        o.cfg.FillsBackfillMaxPages,
		OverlapSeconds:  o.cfg.OverlapSeconds,
	})
}
