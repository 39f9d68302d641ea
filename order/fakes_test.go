package order

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"algo-trader-go/events"
	"algo-trader-go/gateway"
	"algo-trader-go/internal/types"
	"algo-trader-go/inventory"
	"algo-trader-go/risk"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// memStore 同时实现 order.Store 与 inventory.Store。
type memStore struct {
	mu        sync.Mutex
	orders    map[string]Order
	intents   map[string]string
	trades    []Trade
	positions map[string]inventory.Position
	events    []risk.Event
}

func newMemStore() *memStore {
	return &memStore{
		orders:    map[string]Order{},
		intents:   map[string]string{},
		positions: map[string]inventory.Position{},
	}
}

func (s *memStore) CreateOrder(ctx context.Context, o *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.intents[o.IntentKey]; dup && o.IntentKey != "" {
		return ErrDuplicateIntent
	}
	s.intents[o.IntentKey] = o.ID
	s.orders[o.ID] = *o
	return nil
}

func (s *memStore) UpdateOrder(ctx context.Context, o *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.ID]; !ok {
		return errors.New("missing order")
	}
	s.orders[o.ID] = *o
	return nil
}

func (s *memStore) GetOrder(ctx context.Context, id string) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (s *memStore) ListOrders(ctx context.Context, f Filter) ([]Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Order
	for _, o := range s.orders {
		if f.AccountID != "" && o.AccountID != f.AccountID {
			continue
		}
		if f.RunID != "" && o.RunID != f.RunID {
			continue
		}
		if f.Symbol != "" && o.Symbol != f.Symbol {
			continue
		}
		if len(f.Statuses) > 0 && !hasStatus(f.Statuses, o.Status) {
			continue
		}
		if !f.Since.IsZero() && o.CreatedAt.Before(f.Since) {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func hasStatus(list []Status, s Status) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func (s *memStore) RecordFill(ctx context.Context, o *Order, t *Trade, pos inventory.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = *o
	s.trades = append(s.trades, *t)
	s.positions[pos.AccountID+"/"+pos.Symbol] = pos
	return nil
}

func (s *memStore) RecordRiskEvent(ctx context.Context, ev risk.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *memStore) RealizedPnLSince(ctx context.Context, accountID string, since time.Time) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := decimal.Zero
	for _, t := range s.trades {
		if t.AccountID == accountID && !t.ExecutedAt.Before(since) {
			total = total.Add(t.RealizedPnL)
		}
	}
	return total, nil
}

func (s *memStore) Position(ctx context.Context, accountID, symbol string) (*inventory.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[accountID+"/"+symbol]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *memStore) Positions(ctx context.Context, accountID string) ([]inventory.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []inventory.Position
	for _, p := range s.positions {
		if p.AccountID == accountID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memStore) Fills(ctx context.Context, accountID string) ([]inventory.Fill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []inventory.Fill
	for _, t := range s.trades {
		if t.AccountID == accountID {
			out = append(out, inventory.Fill{AccountID: t.AccountID, Symbol: t.Symbol, Side: t.Side, Quantity: t.Quantity, Price: t.Price, At: t.ExecutedAt})
		}
	}
	return out, nil
}

func (s *memStore) ReplacePositions(ctx context.Context, accountID string, positions []inventory.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, p := range s.positions {
		if p.AccountID == accountID {
			delete(s.positions, k)
		}
	}
	for _, p := range positions {
		s.positions[accountID+"/"+p.Symbol] = p
	}
	return nil
}

func (s *memStore) tradesFor(orderID string) []Trade {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Trade
	for _, t := range s.trades {
		if t.OrderID == orderID {
			out = append(out, t)
		}
	}
	return out
}

func (s *memStore) riskEvents() []risk.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]risk.Event(nil), s.events...)
}

func (s *memStore) orderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

// fakeAdapter 可编排的券商适配器。
type fakeAdapter struct {
	mu       sync.Mutex
	places   []gateway.OrderRequest
	placeFn  func(n int, req gateway.OrderRequest) (gateway.OrderResult, error)
	cancelFn func(id string) (gateway.OrderResult, error)
	statusFn func(id string) (gateway.OrderResult, error)
}

func (f *fakeAdapter) Venue() string                          { return "fake" }
func (f *fakeAdapter) Authenticate(ctx context.Context) error { return nil }

func (f *fakeAdapter) PlaceOrder(ctx context.Context, req gateway.OrderRequest) (gateway.OrderResult, error) {
	f.mu.Lock()
	f.places = append(f.places, req)
	n := len(f.places)
	f.mu.Unlock()
	if f.placeFn == nil {
		return gateway.OrderResult{BrokerOrderID: "B1", ClientOrderID: req.ClientOrderID, State: gateway.StateOpen}, nil
	}
	return f.placeFn(n, req)
}

func (f *fakeAdapter) CancelOrder(ctx context.Context, id string) (gateway.OrderResult, error) {
	if f.cancelFn == nil {
		return gateway.OrderResult{BrokerOrderID: id, State: gateway.StateCancelled}, nil
	}
	return f.cancelFn(id)
}

func (f *fakeAdapter) OrderStatus(ctx context.Context, id string) (gateway.OrderResult, error) {
	if f.statusFn == nil {
		return gateway.OrderResult{}, gateway.ErrOrderNotFound
	}
	return f.statusFn(id)
}

func (f *fakeAdapter) Positions(ctx context.Context) ([]gateway.Position, error) { return nil, nil }
func (f *fakeAdapter) Orders(ctx context.Context, q gateway.OrderQuery) ([]gateway.OrderResult, error) {
	return nil, nil
}
func (f *fakeAdapter) Balance(ctx context.Context) (gateway.Balance, error) {
	return gateway.Balance{}, nil
}

func (f *fakeAdapter) placed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.places)
}

// lookupAdapter 额外支持按客户端订单号查询。
type lookupAdapter struct {
	*fakeAdapter
	lookupFn func(clientOrderID string) (gateway.OrderResult, error)
}

func (l *lookupAdapter) LookupClientOrder(ctx context.Context, clientOrderID string) (gateway.OrderResult, error) {
	return l.lookupFn(clientOrderID)
}

type fakeBrokers struct {
	adapter gateway.Adapter
	capital decimal.Decimal
}

func (b *fakeBrokers) Adapter(accountID string, mode types.TradingMode) (gateway.Adapter, error) {
	if b.adapter == nil {
		return nil, gateway.ErrUnknownAccount
	}
	return b.adapter, nil
}

func (b *fakeBrokers) Capital(accountID string) decimal.Decimal { return b.capital }

// recorder 记录所有广播的事件。
type recorder struct {
	mu  sync.Mutex
	evs []events.Event
}

func (r *recorder) Publish(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, ev)
}

func (r *recorder) statuses(orderID string) []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Status
	for _, ev := range r.evs {
		o, ok := ev.Payload.(Order)
		if ok && o.ID == orderID {
			out = append(out, o.Status)
		}
	}
	return out
}

func (r *recorder) count(t events.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.evs {
		if ev.Type == t {
			n++
		}
	}
	return n
}

type harness struct {
	m   *Manager
	st  *memStore
	pub *recorder
}

func newHarness(t *testing.T, adapter gateway.Adapter, capital string, limits risk.Limits) *harness {
	t.Helper()
	st := newMemStore()
	ledger := inventory.NewLedger(st, nil, nil)
	ledger.Mark("INFY", dec("100"))
	pub := &recorder{}
	m := NewManager(Deps{
		Store:     st,
		Brokers:   &fakeBrokers{adapter: adapter, capital: dec(capital)},
		Ledger:    ledger,
		Risk:      risk.NewProvider(risk.NewEngine(limits)),
		Publisher: pub,
	}, Config{Retry: RetryPolicy{
		MaxAttempts:    3,
		Initial:        10 * time.Millisecond,
		Max:            40 * time.Millisecond,
		Multiplier:     2,
		MaxElapsed:     time.Second,
		AttemptTimeout: time.Second,
	}, Location: time.UTC})
	m.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return &harness{m: m, st: st, pub: pub}
}

func buy(qty string) types.Intent {
	return types.Intent{Symbol: "infy", Side: types.SideBuy, Quantity: dec(qty)}
}

func sell(qty string) types.Intent {
	return types.Intent{Symbol: "INFY", Side: types.SideSell, Quantity: dec(qty)}
}

func origin(cycle int64) Origin {
	return Origin{RunID: "run-1", AccountID: "acct-1", Mode: types.ModePaper, Cycle: cycle}
}

func transportErr() error {
	return &gateway.Error{Kind: gateway.KindTransport, Venue: "fake", Op: "place_order", Err: context.DeadlineExceeded}
}
