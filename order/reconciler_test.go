package order

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"algo-trader-go/gateway"
	"algo-trader-go/risk"
)

func TestReconcileAppliesBrokerStatus(t *testing.T) {
	ad := &fakeAdapter{statusFn: func(id string) (gateway.OrderResult, error) {
		return gateway.OrderResult{BrokerOrderID: id, State: gateway.StateFilled, FilledQuantity: dec("10"), AveragePrice: dec("99")}, nil
	}}
	h := newHarness(t, ad, "1000000", risk.DefaultLimits())
	ctx := context.Background()

	o, err := h.m.CreateOrder(ctx, origin(1), buy("10"))
	require.NoError(t, err)
	require.Equal(t, StatusSubmitted, o.Status)

	rec := NewReconciler(h.m, ReconcilerConfig{Interval: time.Hour}, nil)
	require.NoError(t, rec.Reconcile(ctx))

	after, err := h.m.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, after.Status)

	stats := rec.GetStatistics()
	assert.Equal(t, int64(1), stats.TotalReconciliations)
	assert.Equal(t, int64(1), stats.OrdersChecked)
	assert.Equal(t, int64(0), stats.Errors)
	assert.Equal(t, time.Hour, stats.Interval)
}

func TestReconcileContinuesPastFailures(t *testing.T) {
	calls := 0
	ad := &fakeAdapter{statusFn: func(id string) (gateway.OrderResult, error) {
		calls++
		if calls == 1 {
			return gateway.OrderResult{}, errors.New("boom")
		}
		return gateway.OrderResult{BrokerOrderID: id, State: gateway.StateCancelled}, nil
	}}
	h := newHarness(t, ad, "1000000", risk.DefaultLimits())
	ctx := context.Background()
	for i := int64(1); i <= 2; i++ {
		_, err := h.m.CreateOrder(ctx, origin(i), buy("1"))
		require.NoError(t, err)
	}

	rec := NewReconciler(h.m, ReconcilerConfig{}, nil)
	err := rec.Reconcile(ctx)
	assert.Error(t, err)
	assert.Equal(t, 2, calls)

	cancelled, err := h.m.Orders(ctx, Filter{Statuses: []Status{StatusCancelled}})
	require.NoError(t, err)
	assert.Len(t, cancelled, 1)
	assert.Equal(t, int64(1), rec.GetStatistics().Errors)
}

func TestReconcileTerminatesOrdersMissingAtBroker(t *testing.T) {
	ad := &fakeAdapter{
		placeFn: func(n int, req gateway.OrderRequest) (gateway.OrderResult, error) {
			if n == 1 {
				return gateway.OrderResult{BrokerOrderID: "B1", ClientOrderID: req.ClientOrderID, State: gateway.StatePartiallyFilled,
					FilledQuantity: dec("4"), AveragePrice: dec("100")}, nil
			}
			return gateway.OrderResult{BrokerOrderID: "B2", ClientOrderID: req.ClientOrderID, State: gateway.StateOpen}, nil
		},
		statusFn: func(id string) (gateway.OrderResult, error) { return gateway.OrderResult{}, gateway.ErrOrderNotFound },
	}
	h := newHarness(t, ad, "1000000", risk.DefaultLimits())
	ctx := context.Background()

	partial, err := h.m.CreateOrder(ctx, origin(1), buy("10"))
	require.NoError(t, err)
	require.Equal(t, StatusPartiallyFilled, partial.Status)
	open, err := h.m.CreateOrder(ctx, origin(2), buy("10"))
	require.NoError(t, err)
	require.Equal(t, StatusSubmitted, open.Status)

	rec := NewReconciler(h.m, ReconcilerConfig{MissingAfter: 2}, nil)

	// 第一轮只计数
	require.NoError(t, rec.Reconcile(ctx))
	for _, id := range []string{partial.ID, open.ID} {
		o, err := h.m.Get(ctx, id)
		require.NoError(t, err)
		assert.True(t, o.Status == StatusSubmitted || o.Status == StatusPartiallyFilled, o.Status)
	}
	assert.Empty(t, h.st.riskEvents())

	require.NoError(t, rec.Reconcile(ctx))
	p, err := h.m.Get(ctx, partial.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, p.Status)
	assert.True(t, p.FilledQuantity.Equal(dec("4")), p.FilledQuantity.String())
	assert.NotNil(t, p.CancelledAt)
	assert.Len(t, h.st.tradesFor(partial.ID), 1)

	o, err := h.m.Get(ctx, open.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, o.Status)
	assert.Contains(t, o.RejectReason, "no record")

	evs := h.st.riskEvents()
	require.Len(t, evs, 2)
	for _, ev := range evs {
		assert.Equal(t, risk.RuleReconcileConflict, ev.Rule)
	}

	// 已终结的订单不再被检查
	require.NoError(t, rec.Reconcile(ctx))
	assert.Len(t, h.st.riskEvents(), 2)
	assert.Equal(t, int64(0), rec.GetStatistics().Errors)
}

func seedPending(t *testing.T, h *harness, id, client string, age time.Duration) {
	t.Helper()
	now := time.Now().Add(-age)
	require.NoError(t, h.st.CreateOrder(context.Background(), &Order{
		ID: id, ClientOrderID: client, IntentKey: id, AccountID: "acct-1", Symbol: "INFY",
		Side: "BUY", Quantity: dec("5"), Status: StatusPending, CreatedAt: now, UpdatedAt: now,
	}))
}

func TestRecoverPending(t *testing.T) {
	fa := &fakeAdapter{}
	ad := &lookupAdapter{fakeAdapter: fa, lookupFn: func(client string) (gateway.OrderResult, error) {
		switch client {
		case "c-open":
			return gateway.OrderResult{BrokerOrderID: "B1", ClientOrderID: client, State: gateway.StateOpen}, nil
		case "c-filled":
			return gateway.OrderResult{BrokerOrderID: "B2", ClientOrderID: client, State: gateway.StateFilled, FilledQuantity: dec("5"), AveragePrice: dec("100")}, nil
		case "c-down":
			return gateway.OrderResult{}, &gateway.Error{Kind: gateway.KindTransport, Venue: "fake", Op: "lookup", Err: errors.New("timeout")}
		default:
			return gateway.OrderResult{}, gateway.ErrOrderNotFound
		}
	}}
	h := newHarness(t, ad, "1000000", risk.DefaultLimits())
	ctx := context.Background()
	seedPending(t, h, "o-open", "c-open", time.Hour)
	seedPending(t, h, "o-filled", "c-filled", time.Hour)
	seedPending(t, h, "o-down", "c-down", time.Hour)
	seedPending(t, h, "o-lost", "c-lost", time.Hour)
	seedPending(t, h, "o-fresh", "c-lost", 0)

	n, err := h.m.RecoverPending(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	want := map[string]Status{
		"o-open":   StatusSubmitted,
		"o-filled": StatusFilled,
		"o-down":   StatusPending,
		"o-lost":   StatusRejected,
		"o-fresh":  StatusPending,
	}
	for id, st := range want {
		o, err := h.m.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, st, o.Status, id)
	}
	lost, _ := h.m.Get(ctx, "o-lost")
	assert.Contains(t, lost.RejectReason, "orphaned")
	assert.Equal(t, 0, fa.placed())
	assert.Equal(t, []Status{StatusPending, StatusSubmitted, StatusFilled}, append([]Status{StatusPending}, h.pub.statuses("o-filled")...))
}

func TestRecoverPendingWithoutLookupRejects(t *testing.T) {
	h := newHarness(t, &fakeAdapter{}, "1000000", risk.DefaultLimits())
	seedPending(t, h, "o-1", "c-1", time.Hour)

	n, err := h.m.RecoverPending(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	o, _ := h.m.Get(context.Background(), "o-1")
	assert.Equal(t, StatusRejected, o.Status)
}

func TestReconcilerStartStop(t *testing.T) {
	h := newHarness(t, &fakeAdapter{}, "1000000", risk.DefaultLimits())
	rec := NewReconciler(h.m, ReconcilerConfig{Interval: 5 * time.Millisecond}, nil)
	rec.Start(context.Background())

	require.Eventually(t, func() bool {
		return rec.GetStatistics().TotalReconciliations > 0
	}, time.Second, 5*time.Millisecond)
	rec.Stop()
	rec.Stop()
}
