package gateway

import (
	"context"
	"errors"
	"time"

	"algo-trader-go/infrastructure/logger"
	"algo-trader-go/infrastructure/monitor"
)

// instrumented 为适配器记录请求数、错误与延迟。
type instrumented struct {
	inner   Adapter
	logger  *logger.Logger
	monitor *monitor.Monitor
}

// instrumentedLookup 额外保留 ClientOrderLookup 能力。
type instrumentedLookup struct {
	*instrumented
	lookup ClientOrderLookup
}

// Instrument 包装适配器；内层实现 ClientOrderLookup 时包装后仍然实现。
func Instrument(a Adapter, lg *logger.Logger, mon *monitor.Monitor) Adapter {
	if a == nil {
		return nil
	}
	if lg == nil {
		lg = logger.NewNop()
	}
	base := &instrumented{inner: a, logger: lg, monitor: mon}
	if l, ok := a.(ClientOrderLookup); ok {
		return &instrumentedLookup{instrumented: base, lookup: l}
	}
	return base
}

// Unwrap 返回被包装的适配器。
func (a *instrumented) Unwrap() Adapter { return a.inner }

func (a *instrumented) Venue() string { return a.inner.Venue() }

func (a *instrumented) observe(op string, start time.Time, err error) {
	venue := a.inner.Venue()
	a.monitor.RecordBrokerRequest(venue, op)
	a.monitor.RecordBrokerLatency(venue, op, time.Since(start).Seconds())
	if err == nil || errors.Is(err, ErrOrderNotFound) {
		return
	}
	kind := "unknown"
	var ge *Error
	if errors.As(err, &ge) {
		kind = string(ge.Kind)
	}
	a.monitor.RecordBrokerError(venue, op, kind)
	a.logger.LogError(err, map[string]interface{}{
		"venue":  venue,
		"action": op,
		"kind":   kind,
	})
}

func (a *instrumented) Authenticate(ctx context.Context) error {
	start := time.Now()
	err := a.inner.Authenticate(ctx)
	a.observe("authenticate", start, err)
	return err
}

func (a *instrumented) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	start := time.Now()
	res, err := a.inner.PlaceOrder(ctx, req)
	a.observe("place_order", start, err)
	if err == nil {
		a.logger.LogOrder("broker_place", req.ClientOrderID, map[string]interface{}{
			"venue":           a.inner.Venue(),
			"symbol":          req.Symbol,
			"side":            req.Side,
			"qty":             req.Quantity.String(),
			"broker_order_id": res.BrokerOrderID,
			"state":           res.State,
		})
	}
	return res, err
}

func (a *instrumented) CancelOrder(ctx context.Context, brokerOrderID string) (OrderResult, error) {
	start := time.Now()
	res, err := a.inner.CancelOrder(ctx, brokerOrderID)
	a.observe("cancel_order", start, err)
	return res, err
}

func (a *instrumented) OrderStatus(ctx context.Context, brokerOrderID string) (OrderResult, error) {
	start := time.Now()
	res, err := a.inner.OrderStatus(ctx, brokerOrderID)
	a.observe("order_status", start, err)
	return res, err
}

func (a *instrumented) Positions(ctx context.Context) ([]Position, error) {
	start := time.Now()
	res, err := a.inner.Positions(ctx)
	a.observe("fetch_positions", start, err)
	return res, err
}

func (a *instrumented) Orders(ctx context.Context, q OrderQuery) ([]OrderResult, error) {
	start := time.Now()
	res, err := a.inner.Orders(ctx, q)
	a.observe("fetch_orders", start, err)
	return res, err
}

func (a *instrumented) Balance(ctx context.Context) (Balance, error) {
	start := time.Now()
	res, err := a.inner.Balance(ctx)
	a.observe("get_account_balance", start, err)
	return res, err
}

func (a *instrumentedLookup) LookupClientOrder(ctx context.Context, clientOrderID string) (OrderResult, error) {
	start := time.Now()
	res, err := a.lookup.LookupClientOrder(ctx, clientOrderID)
	a.observe("lookup_client_order", start, err)
	return res, err
}
