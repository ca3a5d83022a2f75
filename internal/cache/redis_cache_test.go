package cache

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestRedisCache_QuarantineRoundTrip(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	c := NewRedisCache(mr.Addr())
	ctx := context.Background()

	quarantined, err := c.IsQuarantined(ctx, "*", "TSLA")
	require.NoError(t, err)
	require.False(t, quarantined)

	require.NoError(t, c.SetQuarantine(ctx, "*", "TSLA"))

	quarantined, err = c.IsQuarantined(ctx, "*", "TSLA")
	require.NoError(t, err)
	require.True(t, quarantined)
}

func TestRedisCache_SetOrphanExposure(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	c := NewRedisCache(mr.Addr())
	ctx := context.Background()

	require.NoError(t, c.SetOrphanExposure(ctx, "external", "AAPL", "1500.25"))

	got, err := mr.Get(orphanExposureKey("external", "AAPL"))
	require.NoError(t, err)
	require.Equal(t, "1500.25", got)
}

func TestRedisCache_DownstreamErrorsAreReturnedNotPanicked(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	c := NewRedisCache(addr)
	ctx := context.Background()

	err = c.SetQuarantine(ctx, "*", "TSLA")
	require.Error(t, err)
}
