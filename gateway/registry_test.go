package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"algo-trader-go/infrastructure/logger"
	"algo-trader-go/infrastructure/monitor"
	"algo-trader-go/internal/types"
)

func TestRegistryOpenUnknownVenue(t *testing.T) {
	reg := NewDefaultRegistry()
	if got := reg.Venues(); len(got) != 2 || got[0] != VenueDhan || got[1] != VenuePaper {
		t.Fatalf("unexpected venues %v", got)
	}
	_, err := reg.Open(AccountConfig{ID: "x", Venue: "zerodha"}, Options{})
	if !errors.Is(err, ErrUnsupportedVenue) {
		t.Fatalf("want ErrUnsupportedVenue, got %v", err)
	}
}

func TestAccountsSelectsPaperBrokerPerMode(t *testing.T) {
	prices := newPrices()
	prices.set("INFY", 100)
	reg := NewDefaultRegistry()
	wrapped := 0
	accts, err := OpenAccounts(reg, []AccountConfig{
		{ID: "live-1", Venue: "DHAN", ClientID: "c", AccessToken: "t", Capital: decimal.NewFromInt(1000)},
		{ID: "sim-1", Venue: VenuePaper, Capital: decimal.NewFromInt(1000)},
	}, Options{Prices: prices}, func(a Adapter) Adapter {
		wrapped++
		return a
	})
	if err != nil {
		t.Fatalf("open accounts: %v", err)
	}
	if ids := accts.IDs(); len(ids) != 2 || ids[0] != "live-1" {
		t.Fatalf("unexpected ids %v", ids)
	}

	live, err := accts.Adapter("live-1", types.ModeLive)
	if err != nil || live.Venue() != VenueDhan {
		t.Fatalf("live adapter: %v %v", live, err)
	}
	paper, err := accts.Adapter("live-1", types.ModePaper)
	if err != nil || paper.Venue() != VenuePaper {
		t.Fatalf("paper adapter: %v %v", paper, err)
	}
	paper2, _ := accts.Adapter("live-1", types.ModePaper)
	if paper != paper2 {
		t.Fatalf("paper adapter must be cached per account")
	}
	simLive, _ := accts.Adapter("sim-1", types.ModeLive)
	simPaper, _ := accts.Adapter("sim-1", types.ModePaper)
	if simLive != simPaper {
		t.Fatalf("paper venue account should reuse its adapter")
	}
	if wrapped != 3 {
		t.Fatalf("expected 3 wrapped adapters, got %d", wrapped)
	}
	if _, err := accts.Adapter("ghost", types.ModeLive); !errors.Is(err, ErrUnknownAccount) {
		t.Fatalf("want ErrUnknownAccount, got %v", err)
	}
}

func TestOpenAccountsRejectsDuplicates(t *testing.T) {
	prices := newPrices()
	_, err := OpenAccounts(NewDefaultRegistry(), []AccountConfig{
		{ID: "a", Venue: VenuePaper}, {ID: "a", Venue: VenuePaper},
	}, Options{Prices: prices}, nil)
	if err == nil {
		t.Fatalf("expected duplicate id error")
	}
}

func TestInstrumentKeepsClientLookup(t *testing.T) {
	prices := newPrices()
	prices.set("INFY", 100)
	a := Instrument(NewPaperBroker("a", prices, decimal.Zero), logger.NewNop(), monitor.New(monitor.DefaultConfig()))
	lk, ok := a.(ClientOrderLookup)
	if !ok {
		t.Fatalf("instrumented paper broker lost ClientOrderLookup")
	}
	ctx := context.Background()
	if _, err := a.PlaceOrder(ctx, OrderRequest{ClientOrderID: "c", Symbol: "INFY", Side: types.SideBuy, Kind: types.KindMarket, Quantity: decimal.NewFromInt(1)}); err != nil {
		t.Fatalf("place: %v", err)
	}
	if _, err := lk.LookupClientOrder(ctx, "c"); err != nil {
		t.Fatalf("lookup: %v", err)
	}
}

func TestRateLimiterHonoursContext(t *testing.T) {
	l := NewRateLimiter(1, 1)
	if err := l.Wait(context.Background()); err != nil {
		t.Fatalf("first token should be immediate: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	if err := l.Wait(ctx); err == nil {
		t.Fatalf("want error when the next token is beyond the deadline")
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("wait did not honour context")
	}
}
