package reconcile

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeforge/execgw/internal/broker"
	"github.com/tradeforge/execgw/internal/config"
	"github.com/tradeforge/execgw/internal/reconcile/reconciletest"
	"github.com/tradeforge/execgw/internal/store"
)

func newTestOrchestrator() (*Orchestrator, *reconciletest.FakeStore, *reconciletest.FakeBroker, *reconciletest.FakeCache) {
	st := reconciletest.NewFakeStore()
	bk := reconciletest.NewFakeBroker()
	ch := reconciletest.NewFakeCache()
	metrics := NewMetrics(prometheus.NewRegistry())
	cfg := &config.Config{
		PollIntervalSeconds:              300,
		TimeoutSeconds:                   30,
		MaxIndividualLookups:             100,
		OverlapSeconds:                   60,
		SubmittedUnconfirmedGraceSeconds: 300,
		FillsBackfillInitialLookbackHours: 24,
		FillsBackfillPageSize:            100,
		FillsBackfillMaxPages:            5,
		PodLabel:                         "test-pod",
	}
	state := NewServiceState(30*time.Second, false)
	return New(st, bk, ch, metrics, cfg, state), st, bk, ch
}

// Scenario 1: happy path sync.
func TestRunReconciliationOnce_HappyPathSync(t *testing.T) {
	o, st, bk, _ := newTestOrchestrator()
	ctx := context.Background()

	st.Orders["c1"] = store.Order{
		ClientOrderID:  "c1",
		Symbol:         "AAPL",
		StrategyID:     "strat1",
		Status:         store.StatusNew,
		SourcePriority: store.PriorityReconciliation,
		CreatedAt:      time.Now().Add(-time.Hour),
		UpdatedAt:      time.Now().Add(-time.Hour),
	}

	price := decimal.NewFromFloat(150.50)
	bk.OpenOrders = []broker.OrderSnapshot{{
		ClientOrderID:  "c1",
		BrokerOrderID:  "b1",
		Symbol:         "AAPL",
		Status:         "filled",
		FilledQty:      decimal.NewFromInt(100),
		FilledAvgPrice: price,
		Qty:            decimal.NewFromInt(100),
		UpdatedAt:      time.Now(),
	}}

	result, err := o.RunReconciliationOnce(ctx, "manual")
	require.NoError(t, err)
	assert.Equal(t, CycleSuccess, result.Status)

	updated := st.Orders["c1"]
	assert.Equal(t, store.StatusFilled, updated.Status)
	require.Len(t, updated.Fills, 1)
	assert.Equal(t, "100", updated.Fills[0].FillQty)
	assert.Equal(t, "reconciliation_backfill", updated.Fills[0].Source)
}

// Scenario 2: CAS conflict.
func TestApplyBrokerUpdate_CASConflictIsNotAnError(t *testing.T) {
	o, st, _, _ := newTestOrchestrator()
	ctx := context.Background()

	st.Orders["c1"] = store.Order{
		ClientOrderID:  "c1",
		Status:         store.StatusNew,
		SourcePriority: store.PriorityManual,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}

	err := o.applyBrokerUpdate(ctx, "c1", broker.OrderSnapshot{
		ClientOrderID: "c1",
		Status:        "filled",
		UpdatedAt:     time.Now().Add(-time.Minute),
	})
	require.NoError(t, err)

	// Manual priority (1) dominates reconciliation (2); the CAS must reject.
	assert.Equal(t, store.StatusNew, st.Orders["c1"].Status)
	metric := testutil.ToFloat64(o.metrics.ConflictsSkippedTotal.WithLabelValues("test-pod", "cas_rejected"))
	assert.Equal(t, float64(1), metric)
}

// Scenario 3: orphan terminal.
func TestDetectOrphans_TerminalOrphanQuarantinesSymbol(t *testing.T) {
	o, st, _, ch := newTestOrchestrator()
	ctx := context.Background()

	recent := []broker.OrderSnapshot{{
		BrokerOrderID: "b1",
		Symbol:        "TSLA",
		Status:        "filled",
	}}

	o.detectOrphans(ctx, nil, recent, map[string]struct{}{})

	orphan, ok := st.Orphans["b1"]
	require.True(t, ok)
	assert.NotNil(t, orphan.ResolvedAt)

	quarantined, err := ch.IsQuarantined(ctx, "*", "TSLA")
	require.NoError(t, err)
	assert.True(t, quarantined)
}

// Scenario 4: fill gap.
func TestComputeSyntheticFill_FillGap(t *testing.T) {
	existing := []store.FillRecord{{FillID: "f1", FillQty: "30", Synthetic: false}}
	sf := ComputeSyntheticFill("c1", decimal.NewFromInt(100), decimal.NewFromFloat(150.50), time.Now(), existing, "recon")
	require.NotNil(t, sf)
	assert.Equal(t, "70", sf.Fill.FillQty)
	assert.Equal(t, "150.5", sf.Fill.FillPrice)
}

// Scenario 6: forced bypass.
func TestMarkStartupComplete_ForcedBypass(t *testing.T) {
	s := NewServiceState(30*time.Second, false)

	err := s.MarkStartupComplete(true, "op", "broker down")
	var bypassErr *InvalidBypassError
	require.ErrorAs(t, err, &bypassErr)

	s.RecordReconciliationResult(&CycleResult{Status: CycleFailed, Error: "connection refused"})

	err = s.MarkStartupComplete(true, "op", "broker down")
	require.NoError(t, err)
	assert.True(t, s.IsStartupComplete())

	ctx := s.OverrideContext()
	require.NotNil(t, ctx)
	assert.Equal(t, "op", ctx.UserID)
	assert.Equal(t, "broker down", ctx.Reason)
	assert.Equal(t, CycleFailed, ctx.LastResult.Status)
}

func TestMerge_NewerRecordWins(t *testing.T) {
	older := broker.OrderSnapshot{ClientOrderID: "c1", Status: "new", UpdatedAt: time.Unix(100, 0)}
	newer := broker.OrderSnapshot{ClientOrderID: "c1", Status: "filled", UpdatedAt: time.Unix(200, 0)}

	merged := Merge([]broker.OrderSnapshot{older}, []broker.OrderSnapshot{newer})
	assert.Equal(t, "filled", merged["c1"].Status)
}

func TestMerge_TieKeepsFirstSeen(t *testing.T) {
	ts := time.Unix(100, 0)
	first := broker.OrderSnapshot{ClientOrderID: "c1", Status: "new", UpdatedAt: ts}
	second := broker.OrderSnapshot{ClientOrderID: "c1", Status: "filled", UpdatedAt: ts}

	merged := Merge([]broker.OrderSnapshot{first}, []broker.OrderSnapshot{second})
	assert.Equal(t, "new", merged["c1"].Status)
}

func TestReconcileMissingOrders_GraceBoundary(t *testing.T) {
	o, st, bk, _ := newTestOrchestrator()
	ctx := context.Background()

	// Within grace: must not be escalated.
	st.Orders["young"] = store.Order{
		ClientOrderID:  "young",
		Status:         store.StatusSubmittedUnconfirmed,
		SourcePriority: store.PriorityReconciliation,
		CreatedAt:      time.Now().Add(-10 * time.Second),
	}
	// Past grace and absent at broker: must escalate to failed.
	st.Orders["old"] = store.Order{
		ClientOrderID:  "old",
		Status:         store.StatusSubmittedUnconfirmed,
		SourcePriority: store.PriorityReconciliation,
		CreatedAt:      time.Now().Add(-time.Hour),
		UpdatedAt:      time.Now().Add(-time.Hour),
	}
	bk.ByClientID = map[string]broker.OrderSnapshot{}

	dbOrders := []store.Order{st.Orders["young"], st.Orders["old"]}
	err := o.reconcileMissingOrders(ctx, dbOrders, map[string]broker.OrderSnapshot{}, nil)
	require.NoError(t, err)

	assert.Equal(t, store.StatusSubmittedUnconfirmed, st.Orders["young"].Status)
	assert.Equal(t, store.StatusFailed, st.Orders["old"].Status)
}

// Scenario 5: Alpaca fills backfill paginates across a page boundary over an
// explicit lookback window, requesting one overlap row per continuation page, and must
// surface every activity exactly once even when a full page's raw count
// (pre-dedup) matches the requested size.
func TestBackfillAlpacaFills_PaginatesAcrossOverlapWithoutDroppingActivities(t *testing.T) {
	o, st, bk, _ := newTestOrchestrator()
	ctx := context.Background()

	const total = 102
	activities := make([]broker.ActivityRecord, 0, total)
	for i := 0; i < total; i++ {
		brokerID := fmt.Sprintf("b-%d", i)
		clientID := fmt.Sprintf("c-%d", i)
		st.Orders[clientID] = store.Order{
			ClientOrderID:  clientID,
			BrokerOrderID:  &brokerID,
			Symbol:         "AAPL",
			StrategyID:     "strat1",
			Status:         store.StatusFilled,
			SourcePriority: store.PriorityReconciliation,
			CreatedAt:      time.Now().Add(-time.Hour),
			UpdatedAt:      time.Now().Add(-time.Hour),
		}
		activities = append(activities, broker.ActivityRecord{
			ID:              fmt.Sprintf("act-%d", i),
			ActivityType:    "FILL",
			BrokerOrderID:   brokerID,
			ClientOrderID:   clientID,
			Symbol:          "AAPL",
			Side:            "buy",
			Qty:             decimal.NewFromInt(1),
			Price:           decimal.NewFromFloat(150.00),
			TransactionTime: time.Now().Add(-time.Duration(total-i) * time.Minute),
		})
	}
	bk.Activities = activities

	lookback := 48
	result, err := o.RunFillsBackfillOnce(ctx, &lookback, false)
	require.NoError(t, err)
	require.Equal(t, "ok", result.Status)

	// Every activity must be seen exactly once across page boundaries: the
	// pre-dedup raw page count, not the post-dedup batch count, decides
	// when pagination stops, so a full continuation page never truncates
	// the older half of the window.
	assert.Equal(t, total, result.FillsSeen)
	assert.Equal(t, total, result.FillsInserted)
	assert.Equal(t, 0, result.Unmatched)

	for i := 0; i < total; i++ {
		clientID := fmt.Sprintf("c-%d", i)
		require.Len(t, st.Orders[clientID].Fills, 1, "order %s should have exactly one fill", clientID)
	}
}

func TestReconcilePositions_FlattensAbsentSymbols(t *testing.T) {
	o, st, bk, _ := newTestOrchestrator()
	ctx := context.Background()

	st.Positions["MSFT"] = store.Position{Symbol: "MSFT", Qty: decimal.NewFromInt(10), AvgEntryPrice: decimal.NewFromInt(300)}
	bk.Positions = []broker.PositionSnapshot{{Symbol: "AAPL", Qty: decimal.NewFromInt(5), AvgEntryPrice: decimal.NewFromInt(150)}}

	result, err := o.reconcilePositions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Updated)
	assert.Equal(t, 1, result.Flattened)

	flattened := st.Positions["MSFT"]
	assert.True(t, flattened.Qty.IsZero())
}
