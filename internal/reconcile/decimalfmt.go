package reconcile

import (
	"strings"

	"github.com/shopspring/decimal"
)

// formatFillQty renders a quantity the way spec.md §3.1/§4.5.1 requires:
// integer-valued quantities are stored without a fractional part, anything
// else keeps full decimal-string precision.
func formatFillQty(q decimal.Decimal) string {
	if q.Equal(q.Truncate(0)) {
		return q.Truncate(0).String()
	}
	return q.String()
}

// fillIDSafe replaces the decimal points used by formatFillQty with
// underscores, so a synthetic FillID contains no "." characters
// (spec.md §4.5.1 point 6).
func fillIDSafe(s string) string {
	return strings.ReplaceAll(s, ".", "_")
}
