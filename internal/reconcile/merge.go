package reconcile

import (
	"time"

	"github.com/tradeforge/execgw/internal/broker"
)

// Merge combines the broker's open and recent order snapshots into a single
// map keyed by ClientOrderID (spec.md §4.3a). Orders with an empty
// ClientOrderID are skipped — they cannot be correlated to a local record.
//
// On a collision the newer record wins, where "newer" compares
// UpdatedAt-or-CreatedAt. Equal timestamps keep the first-seen record; a
// record carrying any timestamp beats one carrying none (spec.md §9's open
// question: this source behavior is taken as intentional).
func Merge(open, recent []broker.OrderSnapshot) map[string]broker.OrderSnapshot {
	merged := make(map[string]broker.OrderSnapshot)

	apply := func(orders []broker.OrderSnapshot) {
		for _, o := range orders {
			if o.ClientOrderID == "" {
				continue
			}
			existing, ok := merged[o.ClientOrderID]
			if !ok {
				merged[o.ClientOrderID] = o
				continue
			}
			if isNewer(o, existing) {
				merged[o.ClientOrderID] = o
			}
		}
	}

	apply(open)
	apply(recent)
	return merged
}

// isNewer reports whether candidate should replace existing, per the
// timestamp-dominance rule in spec.md §4.3a.
func isNewer(candidate, existing broker.OrderSnapshot) bool {
	ct, cok := effectiveTimestamp(candidate)
	et, eok := effectiveTimestamp(existing)

	if !cok {
		return false
	}
	if !eok {
		return true
	}
	return ct.After(et)
}

func effectiveTimestamp(o broker.OrderSnapshot) (t time.Time, ok bool) {
	if !o.UpdatedAt.IsZero() {
		return o.UpdatedAt, true
	}
	if !o.CreatedAt.IsZero() {
		return o.CreatedAt, true
	}
	return time.Time{}, false
}
