// Package cache wraps the reconciliation core's quarantine/exposure cache
// (spec.md §4.4 point 4), backed by Redis.
package cache

import (
	"context"
	"time"
)

// Cache is the fail-closed side-channel for orphan quarantine state
// (spec.md §4.4). Implementations return write failures as errors; the
// reconciliation core logs them and does not fail the cycle, so it keeps
// running even when the cache is down.
type Cache interface {
	SetQuarantine(ctx context.Context, strategyID, symbol string) error
	IsQuarantined(ctx context.Context, strategyID, symbol string) (bool, error)
	SetOrphanExposure(ctx context.Context, strategyID, symbol string, notionalDecimalString string) error
}
