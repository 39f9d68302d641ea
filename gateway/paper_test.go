package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"algo-trader-go/internal/types"
)

type staticPrices struct {
	mu sync.Mutex
	m  map[string]decimal.Decimal
}

func (s *staticPrices) LastPrice(symbol string) (decimal.Decimal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.m[symbol]
	return p, ok
}

func (s *staticPrices) set(symbol string, p float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[symbol] = decimal.NewFromFloat(p)
}

func newPrices() *staticPrices { return &staticPrices{m: map[string]decimal.Decimal{}} }

func dec(v float64) *decimal.Decimal {
	d := decimal.NewFromFloat(v)
	return &d
}

func TestPaperMarketOrderFillsAtLast(t *testing.T) {
	prices := newPrices()
	prices.set("INFY", 1500)
	pb := NewPaperBroker("a1", prices, decimal.NewFromInt(100000))
	ctx := context.Background()

	res, err := pb.PlaceOrder(ctx, OrderRequest{ClientOrderID: "c1", Symbol: "INFY", Side: types.SideBuy, Kind: types.KindMarket, Quantity: decimal.NewFromInt(10)})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if res.State != StateFilled || !res.AveragePrice.Equal(decimal.NewFromInt(1500)) || !res.FilledQuantity.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("unexpected result %+v", res)
	}

	again, _ := pb.PlaceOrder(ctx, OrderRequest{ClientOrderID: "c1", Symbol: "INFY", Side: types.SideBuy, Kind: types.KindMarket, Quantity: decimal.NewFromInt(10)})
	if again.BrokerOrderID != res.BrokerOrderID {
		t.Fatalf("same client id must not create a second order")
	}

	bal, _ := pb.Balance(ctx)
	if !bal.Used.Equal(decimal.NewFromInt(15000)) || !bal.Available.Equal(decimal.NewFromInt(85000)) {
		t.Fatalf("unexpected balance %+v", bal)
	}
	pos, _ := pb.Positions(ctx)
	if len(pos) != 1 || !pos[0].Quantity.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("unexpected positions %+v", pos)
	}
}

func TestPaperLimitOrderRestsUntilCrossed(t *testing.T) {
	prices := newPrices()
	prices.set("TCS", 3500)
	pb := NewPaperBroker("a1", prices, decimal.NewFromInt(100000))
	ctx := context.Background()

	res, err := pb.PlaceOrder(ctx, OrderRequest{ClientOrderID: "c2", Symbol: "TCS", Side: types.SideBuy, Kind: types.KindLimit, Quantity: decimal.NewFromInt(2), Price: dec(3400)})
	if err != nil || res.State != StateOpen {
		t.Fatalf("limit should rest: %+v %v", res, err)
	}
	prices.set("TCS", 3390)
	st, err := pb.OrderStatus(ctx, res.BrokerOrderID)
	if err != nil || st.State != StateFilled || !st.AveragePrice.Equal(decimal.NewFromInt(3400)) {
		t.Fatalf("limit should fill at limit price: %+v %v", st, err)
	}
}

func TestPaperStopOrderNeedsTrigger(t *testing.T) {
	prices := newPrices()
	prices.set("SBIN", 600)
	pb := NewPaperBroker("a1", prices, decimal.NewFromInt(100000))
	ctx := context.Background()

	res, _ := pb.PlaceOrder(ctx, OrderRequest{ClientOrderID: "c3", Symbol: "SBIN", Side: types.SideSell, Kind: types.KindStopMkt, Quantity: decimal.NewFromInt(1), TriggerPrice: dec(590)})
	if res.State != StateOpen {
		t.Fatalf("stop should wait for trigger, got %s", res.State)
	}
	prices.set("SBIN", 589)
	st, _ := pb.OrderStatus(ctx, res.BrokerOrderID)
	if st.State != StateFilled || !st.AveragePrice.Equal(decimal.NewFromInt(589)) {
		t.Fatalf("stop market should fill at last after trigger: %+v", st)
	}
}

func TestPaperRejectsInvalidRequests(t *testing.T) {
	prices := newPrices()
	prices.set("INFY", 1500)
	pb := NewPaperBroker("a1", prices, decimal.Zero)
	ctx := context.Background()

	cases := []OrderRequest{
		{ClientOrderID: "z", Symbol: "INFY", Side: types.SideBuy, Kind: types.KindMarket, Quantity: decimal.Zero},
		{ClientOrderID: "p", Symbol: "INFY", Side: types.SideBuy, Kind: types.KindLimit, Quantity: decimal.NewFromInt(1)},
		{ClientOrderID: "t", Symbol: "INFY", Side: types.SideBuy, Kind: types.KindStopLimit, Quantity: decimal.NewFromInt(1), Price: dec(1)},
		{ClientOrderID: "m", Symbol: "NOPE", Side: types.SideBuy, Kind: types.KindMarket, Quantity: decimal.NewFromInt(1)},
	}
	for _, req := range cases {
		res, err := pb.PlaceOrder(ctx, req)
		if err != nil {
			t.Fatalf("%s: business rejection must not be an error: %v", req.ClientOrderID, err)
		}
		if res.State != StateRejected || res.Message == "" {
			t.Fatalf("%s: expected rejection, got %+v", req.ClientOrderID, res)
		}
	}
}

func TestPaperCancelAndLookup(t *testing.T) {
	prices := newPrices()
	prices.set("TCS", 3500)
	pb := NewPaperBroker("a1", prices, decimal.NewFromInt(100000))
	ctx := context.Background()

	res, _ := pb.PlaceOrder(ctx, OrderRequest{ClientOrderID: "c4", Symbol: "TCS", Side: types.SideBuy, Kind: types.KindLimit, Quantity: decimal.NewFromInt(1), Price: dec(3000)})
	lk, err := pb.LookupClientOrder(ctx, "c4")
	if err != nil || lk.BrokerOrderID != res.BrokerOrderID {
		t.Fatalf("lookup: %+v %v", lk, err)
	}
	cancelled, err := pb.CancelOrder(ctx, res.BrokerOrderID)
	if err != nil || cancelled.State != StateCancelled {
		t.Fatalf("cancel: %+v %v", cancelled, err)
	}
	if _, err := pb.CancelOrder(ctx, "P999"); !IsRejected(err) || !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("unknown cancel: %v", err)
	}
	if _, err := pb.LookupClientOrder(ctx, "nope"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("unknown lookup: %v", err)
	}
	open, _ := pb.Orders(ctx, OrderQuery{State: StateOpen})
	if len(open) != 0 {
		t.Fatalf("no open orders expected, got %d", len(open))
	}
}
