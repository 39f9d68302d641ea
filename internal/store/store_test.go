package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"algo-trader-go/gateway"
	"algo-trader-go/internal/types"
	"algo-trader-go/inventory"
	"algo-trader-go/order"
	"algo-trader-go/risk"
	"algo-trader-go/strategy"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Driver: DriverSQLite, DSN: filepath.Join(t.TempDir(), "ledger.db")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleOrder(id, key string) *order.Order {
	now := time.Now().UTC().Truncate(time.Millisecond)
	px := dec("101.5")
	return &order.Order{
		ID:            id,
		ClientOrderID: "c" + id,
		IntentKey:     key,
		RunID:         "run-1",
		AccountID:     "acct-1",
		Mode:          types.ModePaper,
		Symbol:        "INFY",
		Exchange:      "NSE",
		Side:          types.SideBuy,
		Kind:          types.KindLimit,
		Product:       types.ProductIntraday,
		Quantity:      dec("10"),
		Price:         &px,
		Notional:      dec("1015"),
		Status:        order.StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestOrderRoundTripAndDuplicateIntent(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	o := sampleOrder("o-1", "run-1|1|INFY|BUY|10")
	require.NoError(t, s.CreateOrder(ctx, o))

	err := s.CreateOrder(ctx, sampleOrder("o-2", "run-1|1|INFY|BUY|10"))
	assert.ErrorIs(t, err, order.ErrDuplicateIntent)

	// 无意图键的订单互不冲突
	require.NoError(t, s.CreateOrder(ctx, sampleOrder("o-3", "")))
	require.NoError(t, s.CreateOrder(ctx, sampleOrder("o-4", "")))

	got, err := s.GetOrder(ctx, "o-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "run-1|1|INFY|BUY|10", got.IntentKey)
	require.NotNil(t, got.Price)
	assert.True(t, got.Price.Equal(dec("101.5")))
	assert.Nil(t, got.TriggerPrice)
	assert.Equal(t, types.KindLimit, got.Kind)

	missing, err := s.GetOrder(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	got.Status = order.StatusSubmitted
	got.BrokerOrderID = "B1"
	got.BrokerResponse = []byte(`{"orderId":"B1"}`)
	require.NoError(t, s.UpdateOrder(ctx, got))

	list, err := s.ListOrders(ctx, order.Filter{Statuses: []order.Status{order.StatusSubmitted}})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "B1", list[0].BrokerOrderID)
	assert.JSONEq(t, `{"orderId":"B1"}`, string(list[0].BrokerResponse))

	all, err := s.ListOrders(ctx, order.Filter{AccountID: "acct-1", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestRecordFillIsAtomic(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	o := sampleOrder("o-1", "k1")
	require.NoError(t, s.CreateOrder(ctx, o))

	o.Status = order.StatusPartiallyFilled
	o.FilledQuantity = dec("4")
	tr := &order.Trade{ID: "t-1", OrderID: o.ID, AccountID: "acct-1", Symbol: "INFY", Side: types.SideBuy,
		Quantity: dec("4"), Price: dec("100"), RealizedPnL: dec("0"), ExecutedAt: time.Now().UTC()}
	pos := inventory.Position{AccountID: "acct-1", Symbol: "INFY", Exchange: "NSE", Quantity: dec("4"), AveragePrice: dec("100")}
	require.NoError(t, s.RecordFill(ctx, o, tr, pos))

	// 重复的成交 ID 使整个事务回滚
	o.FilledQuantity = dec("8")
	pos.Quantity = dec("8")
	require.Error(t, s.RecordFill(ctx, o, tr, pos))

	got, err := s.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, got.FilledQuantity.Equal(dec("4")))
	p, err := s.Position(ctx, "acct-1", "INFY")
	require.NoError(t, err)
	assert.True(t, p.Quantity.Equal(dec("4")))

	trades, err := s.Trades(ctx, TradeFilter{OrderID: o.ID})
	require.NoError(t, err)
	assert.Len(t, trades, 1)
}

func TestPnLColumnNames(t *testing.T) {
	s := openTest(t)
	m := s.DB().Migrator()
	for _, c := range []struct {
		model  interface{}
		column string
	}{
		{&TradeModel{}, "realized_pnl"},
		{&PositionModel{}, "realized_pnl"},
		{&PositionModel{}, "unrealized_pnl"},
	} {
		if !m.HasColumn(c.model, c.column) {
			t.Fatalf("column %s missing on %T", c.column, c.model)
		}
	}
}

func TestRealizedPnLSinceAndFills(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	o := sampleOrder("o-1", "k1")
	require.NoError(t, s.CreateOrder(ctx, o))

	yesterday := time.Now().UTC().Add(-36 * time.Hour)
	today := time.Now().UTC()
	trades := []*order.Trade{
		{ID: "t-1", OrderID: "o-1", AccountID: "acct-1", Symbol: "INFY", Side: types.SideBuy, Quantity: dec("10"), Price: dec("100"), RealizedPnL: dec("-50"), ExecutedAt: yesterday},
		{ID: "t-2", OrderID: "o-1", AccountID: "acct-1", Symbol: "INFY", Side: types.SideSell, Quantity: dec("4"), Price: dec("110"), RealizedPnL: dec("40"), ExecutedAt: today},
		{ID: "t-3", OrderID: "o-1", AccountID: "acct-1", Symbol: "INFY", Side: types.SideSell, Quantity: dec("1"), Price: dec("90"), RealizedPnL: dec("-10.5"), ExecutedAt: today},
	}
	for _, tr := range trades {
		require.NoError(t, s.RecordFill(ctx, o, tr, inventory.Position{AccountID: "acct-1", Symbol: "INFY", Quantity: dec("99")}))
	}

	pnl, err := s.RealizedPnLSince(ctx, "acct-1", today.Add(-time.Hour))
	require.NoError(t, err)
	assert.True(t, pnl.Equal(dec("29.5")), pnl.String())

	fills, err := s.Fills(ctx, "acct-1")
	require.NoError(t, err)
	require.Len(t, fills, 3)
	assert.Equal(t, "NSE", fills[0].Exchange)

	// 持仓被人为写坏后按成交流水重建
	ledger := inventory.NewLedger(s, nil, nil)
	rebuilt, err := ledger.Rebuild(ctx, "acct-1")
	require.NoError(t, err)
	require.Len(t, rebuilt, 1)
	p, err := s.Position(ctx, "acct-1", "INFY")
	require.NoError(t, err)
	assert.True(t, p.Quantity.Equal(dec("5")), p.Quantity.String())

	ids, err := s.AccountIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"acct-1"}, ids)
}

func TestRiskEventsAppendOnly(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, s.RecordRiskEvent(ctx, risk.Event{ID: "e-1", AccountID: "acct-1", Rule: risk.RuleMaxPositionSize,
		Severity: risk.SeverityWarning, Message: "too big", Metadata: map[string]any{"notional": "20000"}, Blocked: true, CreatedAt: now}))
	require.NoError(t, s.RecordRiskEvent(ctx, risk.Event{ID: "e-2", AccountID: "acct-1", Rule: risk.RuleMaxDailyLoss,
		Severity: risk.SeverityCritical, Message: "loss", Blocked: true, CreatedAt: now.Add(time.Second)}))

	evs, err := s.RiskEvents(ctx, RiskEventFilter{AccountID: "acct-1"})
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, "e-2", evs[0].ID)
	assert.Equal(t, "20000", evs[1].Metadata["notional"])

	only, err := s.RiskEvents(ctx, RiskEventFilter{Rule: risk.RuleMaxPositionSize})
	require.NoError(t, err)
	assert.Len(t, only, 1)
}

func TestRunsAndSnapshots(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	now := time.Now().UTC()
	r := &strategy.Run{ID: "run-1", StrategyID: "sma_crossover", AccountID: "acct-1", Mode: types.ModePaper,
		Status: strategy.RunRunning, Config: strategy.Config{"fast_period": float64(5)}, Symbols: []string{"INFY"},
		StartedAt: &now, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreateRun(ctx, r))

	active, err := s.ListRuns(ctx, strategy.RunFilter{StrategyID: "sma_crossover", AccountID: "acct-1", Statuses: []strategy.RunStatus{strategy.RunRunning}})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, []string{"INFY"}, active[0].Symbols)
	assert.Equal(t, float64(5), active[0].Config["fast_period"])

	r.Status = strategy.RunStopped
	r.StoppedAt = &now
	require.NoError(t, s.UpdateRun(ctx, r))
	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, strategy.RunStopped, got.Status)
	none, err := s.GetRun(ctx, "run-x")
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, s.RecordPnLSnapshot(ctx, PnLSnapshot{AccountID: "acct-1", Valuation: inventory.Valuation{Realized: dec("10"), Total: dec("12"), OpenPositions: 1}, CreatedAt: now}))
	require.NoError(t, s.RecordPnLSnapshot(ctx, PnLSnapshot{AccountID: "acct-1", Valuation: inventory.Valuation{Realized: dec("11"), Total: dec("15"), OpenPositions: 2}, CreatedAt: now.Add(time.Minute)}))
	snaps, err := s.PnLSnapshots(ctx, "acct-1", 1)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.True(t, snaps[0].Total.Equal(dec("15")))
	assert.Equal(t, 2, snaps[0].OpenPositions)
}

type fixedPrices map[string]decimal.Decimal

func (p fixedPrices) LastPrice(symbol string) (decimal.Decimal, bool) {
	v, ok := p[symbol]
	return v, ok
}

type paperBrokers struct{ broker *gateway.PaperBroker }

func (b paperBrokers) Adapter(string, types.TradingMode) (gateway.Adapter, error) { return b.broker, nil }
func (b paperBrokers) Capital(string) decimal.Decimal                            { return dec("1000000") }

func TestManagerAgainstStoreAndPaperBroker(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	prices := fixedPrices{"INFY": dec("100")}
	ledger := inventory.NewLedger(s, nil, nil)
	ledger.Mark("INFY", dec("100"))
	m := order.NewManager(order.Deps{
		Store:   s,
		Brokers: paperBrokers{broker: gateway.NewPaperBroker("acct-1", prices, dec("1000000"))},
		Ledger:  ledger,
	}, order.Config{})

	org := order.Origin{RunID: "run-1", AccountID: "acct-1", Mode: types.ModePaper, Cycle: 1}
	o, err := m.CreateOrder(ctx, org, types.Intent{Symbol: "INFY", Side: types.SideBuy, Quantity: dec("10")})
	require.NoError(t, err)
	assert.Equal(t, order.StatusFilled, o.Status)

	_, err = m.CreateOrder(ctx, org, types.Intent{Symbol: "INFY", Side: types.SideBuy, Quantity: dec("10")})
	assert.ErrorIs(t, err, order.ErrDuplicateIntent)

	positions, err := ledger.Snapshot(ctx, "acct-1")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.True(t, positions[0].Quantity.Equal(dec("10")))

	trades, err := s.Trades(ctx, TradeFilter{AccountID: "acct-1"})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.True(t, trades[0].Price.Equal(dec("100")))
}
