package cache

import "fmt"

// Key schemas match the namespacing operator dashboards and TTL sweepers
// already expect (spec.md §4.4).

func quarantineKey(strategyID, symbol string) string {
	return fmt.Sprintf("quarantine:%s:%s", strategyID, symbol)
}

func orphanExposureKey(strategyID, symbol string) string {
	return fmt.Sprintf("orphan_exposure:%s:%s", strategyID, symbol)
}
