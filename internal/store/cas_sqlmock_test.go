package store

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// TestGormStore_UpdateOrderStatusCAS_RejectionDoesNotReload exercises the
// CAS path against a mocked Postgres connection so the zero-rows-affected
// branch can be asserted without a reload query ever being issued.
func TestGormStore_UpdateOrderStatusCAS_RejectionDoesNotReload(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "orders" SET`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	s := NewWithDB(gdb, true)
	ctx := context.Background()

	updated, err := s.UpdateOrderStatusCAS(ctx, nil, CASParams{
		ClientOrderID:  "c1",
		Status:         StatusFilled,
		SourcePriority: PriorityReconciliation,
		UpdatedAt:      time.Now(),
	})
	require.NoError(t, err)
	require.Nil(t, updated)
	require.NoError(t, mock.ExpectationsWereMet())
}
