// Package reconciletest provides in-memory fakes for the reconciliation
// core's three collaborator interfaces, used by internal/reconcile's own
// tests instead of spinning up Postgres/Redis/a broker sandbox.
package reconciletest

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradeforge/execgw/internal/broker"
	"github.com/tradeforge/execgw/internal/store"
)

// FakeStore is an in-memory store.Store.
type FakeStore struct {
	mu sync.Mutex

	Orders          map[string]store.Order
	Positions       map[string]store.Position
	Orphans         map[string]store.OrphanOrder
	HighWaterMarks  map[string]time.Time

	// Calls records method invocations for assertions.
	Calls []string
}

// NewFakeStore builds an empty FakeStore.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		Orders:         make(map[string]store.Order),
		Positions:      make(map[string]store.Position),
		Orphans:        make(map[string]store.OrphanOrder),
		HighWaterMarks: make(map[string]time.Time),
	}
}

func (f *FakeStore) record(name string) {
	f.Calls = append(f.Calls, name)
}

func (f *FakeStore) GetHighWaterMark(ctx context.Context, name string) (*time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GetHighWaterMark")
	t, ok := f.HighWaterMarks[name]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (f *FakeStore) SetHighWaterMark(ctx context.Context, name string, when time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("SetHighWaterMark")
	f.HighWaterMarks[name] = when
	return nil
}

func (f *FakeStore) GetNonTerminalOrders(ctx context.Context) ([]store.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GetNonTerminalOrders")
	var out []store.Order
	for _, o := range f.Orders {
		if !store.IsTerminal(o.Status) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *FakeStore) GetOrderIDsByClientIDs(ctx context.Context, ids []string) (map[string]struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GetOrderIDsByClientIDs")
	out := make(map[string]struct{})
	for _, id := range ids {
		if _, ok := f.Orders[id]; ok {
			out[id] = struct{}{}
		}
	}
	return out, nil
}

func (f *FakeStore) GetOrderForUpdate(ctx context.Context, tx store.Tx, clientOrderID string) (*store.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GetOrderForUpdate")
	o, ok := f.Orders[clientOrderID]
	if !ok {
		return nil, nil
	}
	cp := o
	return &cp, nil
}

func (f *FakeStore) GetOrdersByBrokerIDs(ctx context.Context, brokerIDs []string) (map[string]store.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GetOrdersByBrokerIDs")
	wanted := make(map[string]struct{}, len(brokerIDs))
	for _, id := range brokerIDs {
		wanted[id] = struct{}{}
	}
	out := make(map[string]store.Order)
	for _, o := range f.Orders {
		if o.BrokerOrderID == nil {
			continue
		}
		if _, ok := wanted[*o.BrokerOrderID]; ok {
			out[*o.BrokerOrderID] = o
		}
	}
	return out, nil
}

func (f *FakeStore) UpdateOrderStatusCAS(ctx context.Context, tx store.Tx, p store.CASParams) (*store.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("UpdateOrderStatusCAS")

	o, ok := f.Orders[p.ClientOrderID]
	if !ok {
		return nil, nil
	}
	if o.SourcePriority < p.SourcePriority {
		return nil, nil
	}
	if store.IsTerminal(o.Status) {
		return nil, nil
	}
	if o.UpdatedAt.After(p.UpdatedAt) {
		return nil, nil
	}

	o.Status = p.Status
	o.SourcePriority = p.SourcePriority
	o.UpdatedAt = p.UpdatedAt
	if p.FilledQty != nil {
		o.FilledQty = p.FilledQty
	}
	if p.FilledAvgPrice != nil {
		o.FilledAvgPrice = p.FilledAvgPrice
	}
	if p.BrokerOrderID != nil {
		o.BrokerOrderID = p.BrokerOrderID
	}
	if store.IsTerminal(p.Status) {
		now := p.UpdatedAt
		o.FilledAt = &now
	}
	f.Orders[p.ClientOrderID] = o
	cp := o
	return &cp, nil
}

func (f *FakeStore) AppendFillToOrderMetadata(ctx context.Context, tx store.Tx, clientOrderID string, fill store.FillRecord) (*store.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("AppendFillToOrderMetadata")

	o, ok := f.Orders[clientOrderID]
	if !ok {
		return nil, nil
	}
	for _, existing := range o.Fills {
		if existing.FillID == fill.FillID {
			return nil, nil
		}
	}
	o.Fills = append(o.Fills, fill)
	f.Orders[clientOrderID] = o
	cp := o
	return &cp, nil
}

func (f *FakeStore) GetFilledOrdersMissingFills(ctx context.Context, limit int) ([]store.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GetFilledOrdersMissingFills")
	var out []store.Order
	for _, o := range f.Orders {
		if o.Status == store.StatusFilled && len(o.Fills) == 0 {
			out = append(out, o)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (f *FakeStore) RecalculateTradeRealizedPnL(ctx context.Context, tx store.Tx, strategyID, symbol string, updateAll bool) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("RecalculateTradeRealizedPnL")
	return 0, nil
}

func (f *FakeStore) CreateOrphanOrder(ctx context.Context, p store.CreateOrphanParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CreateOrphanOrder")
	f.Orphans[p.BrokerOrderID] = store.OrphanOrder{
		BrokerOrderID:     p.BrokerOrderID,
		ClientOrderID:     p.ClientOrderID,
		Symbol:            p.Symbol,
		StrategyID:        p.StrategyID,
		Side:              p.Side,
		Qty:               p.Qty,
		EstimatedNotional: p.EstimatedNotional,
		Status:            p.Status,
	}
	return nil
}

func (f *FakeStore) UpdateOrphanOrderStatus(ctx context.Context, brokerOrderID, status string, resolvedAt *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("UpdateOrphanOrderStatus")
	o, ok := f.Orphans[brokerOrderID]
	if !ok {
		return nil
	}
	o.Status = status
	o.ResolvedAt = resolvedAt
	f.Orphans[brokerOrderID] = o
	return nil
}

func (f *FakeStore) GetOrphanExposure(ctx context.Context, symbol, strategyID string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GetOrphanExposure")
	total := decimal.Zero
	for _, o := range f.Orphans {
		if o.Symbol == symbol && o.StrategyID == strategyID && o.ResolvedAt == nil {
			total = total.Add(o.EstimatedNotional)
		}
	}
	return total, nil
}

func (f *FakeStore) GetAllPositions(ctx context.Context) ([]store.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GetAllPositions")
	var out []store.Position
	for _, p := range f.Positions {
		out = append(out, p)
	}
	return out, nil
}

func (f *FakeStore) UpsertPositionSnapshot(ctx context.Context, symbol string, qty, avgEntryPrice decimal.Decimal, currentPrice *string, updatedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("UpsertPositionSnapshot")
	f.Positions[symbol] = store.Position{
		Symbol:        symbol,
		Qty:           qty,
		AvgEntryPrice: avgEntryPrice,
		CurrentPrice:  currentPrice,
		UpdatedAt:     updatedAt,
	}
	return nil
}

func (f *FakeStore) WithTransaction(ctx context.Context, fn func(tx store.Tx) error) error {
	f.record("WithTransaction")
	return fn(nil)
}

// FakeBroker is an in-memory broker.Client.
type FakeBroker struct {
	mu sync.Mutex

	OpenOrders  []broker.OrderSnapshot
	RecentOrders []broker.OrderSnapshot
	ByClientID  map[string]broker.OrderSnapshot
	Positions   []broker.PositionSnapshot
	Activities  []broker.ActivityRecord

	Err error
}

// NewFakeBroker builds an empty FakeBroker.
func NewFakeBroker() *FakeBroker {
	return &FakeBroker{ByClientID: make(map[string]broker.OrderSnapshot)}
}

func (b *FakeBroker) GetOrders(ctx context.Context, state string, after, until time.Time) ([]broker.OrderSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Err != nil {
		return nil, b.Err
	}
	if state == "open" {
		return b.OpenOrders, nil
	}
	return b.RecentOrders, nil
}

func (b *FakeBroker) GetOrderByClientID(ctx context.Context, clientOrderID string) (*broker.OrderSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Err != nil {
		return nil, b.Err
	}
	snap, ok := b.ByClientID[clientOrderID]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

func (b *FakeBroker) GetOrdersByBrokerIDs(ctx context.Context, brokerOrderIDs []string) ([]broker.OrderSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Err != nil {
		return nil, b.Err
	}
	wanted := make(map[string]struct{}, len(brokerOrderIDs))
	for _, id := range brokerOrderIDs {
		wanted[id] = struct{}{}
	}
	var out []broker.OrderSnapshot
	for _, snap := range b.ByClientID {
		if _, ok := wanted[snap.BrokerOrderID]; ok {
			out = append(out, snap)
		}
	}
	return out, nil
}

func (b *FakeBroker) GetAllPositions(ctx context.Context) ([]broker.PositionSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Err != nil {
		return nil, b.Err
	}
	return b.Positions, nil
}

// GetAccountActivities serves b.Activities as a real paginated feed keyed by
// activity ID, matching the orchestrator's page-token convention of reusing
// the last-seen activity ID as the next pageToken (and expecting that
// activity to come back as the first, overlap-duplicate row of the next
// page).
func (b *FakeBroker) GetAccountActivities(ctx context.Context, after time.Time, pageToken string, pageSize int) ([]broker.ActivityRecord, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Err != nil {
		return nil, "", b.Err
	}

	start := 0
	if pageToken != "" {
		start = len(b.Activities)
		for i, a := range b.Activities {
			if a.ID == pageToken {
				start = i
				break
			}
		}
	}

	end := start + pageSize
	if end > len(b.Activities) {
		end = len(b.Activities)
	}
	if start > end {
		start = end
	}

	return append([]broker.ActivityRecord(nil), b.Activities[start:end]...), "", nil
}

// FakeCache is an in-memory cache.Cache.
type FakeCache struct {
	mu sync.Mutex

	Quarantined map[string]bool
	Exposure    map[string]string
}

// NewFakeCache builds an empty FakeCache.
func NewFakeCache() *FakeCache {
	return &FakeCache{Quarantined: make(map[string]bool), Exposure: make(map[string]string)}
}

func (c *FakeCache) SetQuarantine(ctx context.Context, strategyID, symbol string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Quarantined[strategyID+":"+symbol] = true
	return nil
}

func (c *FakeCache) IsQuarantined(ctx context.Context, strategyID, symbol string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Quarantined[strategyID+":"+symbol], nil
}

func (c *FakeCache) SetOrphanExposure(ctx context.Context, strategyID, symbol string, notionalDecimalString string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Exposure[strategyID+":"+symbol] = notionalDecimalString
	return nil
}
