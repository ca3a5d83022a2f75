package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	s := NewWithDB(db, false)
	require.NoError(t, s.migrate())
	return s
}

func TestGormStore_UpdateOrderStatusCAS_AppliesWhenPriorityDominates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.db.Create(&orderRow{
		ClientOrderID:  "c1",
		Symbol:         "AAPL",
		StrategyID:     "strat1",
		Status:         string(StatusNew),
		SourcePriority: PriorityReconciliation,
		CreatedAt:      time.Now().Add(-time.Hour),
		UpdatedAt:      time.Now().Add(-time.Hour),
	}).Error
	require.NoError(t, err)

	qty := decimal.NewFromInt(100)
	price := decimal.NewFromFloat(150.5)
	updated, err := s.UpdateOrderStatusCAS(ctx, nil, CASParams{
		ClientOrderID:  "c1",
		Status:         StatusFilled,
		SourcePriority: PriorityReconciliation,
		FilledQty:      &qty,
		FilledAvgPrice: &price,
		UpdatedAt:      time.Now(),
	})
	require.NoError(t, err)
	require.NotNil(t, updated)
	require.Equal(t, StatusFilled, updated.Status)
}

func TestGormStore_UpdateOrderStatusCAS_RejectsLowerPriority(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.db.Create(&orderRow{
		ClientOrderID:  "c2",
		Symbol:         "AAPL",
		StrategyID:     "strat1",
		Status:         string(StatusNew),
		SourcePriority: PriorityManual,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}).Error
	require.NoError(t, err)

	updated, err := s.UpdateOrderStatusCAS(ctx, nil, CASParams{
		ClientOrderID:  "c2",
		Status:         StatusFilled,
		SourcePriority: PriorityReconciliation,
		UpdatedAt:      time.Now(),
	})
	require.NoError(t, err)
	require.Nil(t, updated)
}

func TestGormStore_AppendFillToOrderMetadata_IdempotentOnFillID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.db.Create(&orderRow{
		ClientOrderID:  "c3",
		Status:         string(StatusFilled),
		SourcePriority: PriorityReconciliation,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}).Error
	require.NoError(t, err)

	fill := FillRecord{FillID: "f1", FillQty: "70", FillPrice: "150.5", Synthetic: true, Source: "reconciliation_backfill"}

	first, err := s.AppendFillToOrderMetadata(ctx, nil, "c3", fill)
	require.NoError(t, err)
	require.NotNil(t, first)
	require.Len(t, first.Fills, 1)

	second, err := s.AppendFillToOrderMetadata(ctx, nil, "c3", fill)
	require.NoError(t, err)
	require.Nil(t, second)
}

func TestGormStore_HighWaterMarkRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	hwm, err := s.GetHighWaterMark(ctx, "reconciliation")
	require.NoError(t, err)
	require.Nil(t, hwm)

	t1 := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.SetHighWaterMark(ctx, "reconciliation", t1))

	got, err := s.GetHighWaterMark(ctx, "reconciliation")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.WithinDuration(t, t1, *got, time.Second)
}

func TestGormStore_UpsertPositionSnapshot_FlattenAndUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertPositionSnapshot(ctx, "MSFT", decimal.NewFromInt(10), decimal.NewFromInt(300), nil, time.Now()))

	positions, err := s.GetAllPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	require.True(t, positions[0].Qty.Equal(decimal.NewFromInt(10)))

	require.NoError(t, s.UpsertPositionSnapshot(ctx, "MSFT", decimal.Zero, decimal.Zero, nil, time.Now()))

	positions, err = s.GetAllPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	require.True(t, positions[0].Qty.IsZero())
}
