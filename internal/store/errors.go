package store

import "errors"

// ErrNotFound is a sentinel for a missing row. GormStore does not return it:
// GetOrderForUpdate reports a missing order as a nil row with a nil error,
// and GetOrphanExposure reports no unresolved orphans as a zero sum.
var ErrNotFound = errors.New("store: not found")
