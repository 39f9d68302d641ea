package order

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"algo-trader-go/events"
	"algo-trader-go/gateway"
	"algo-trader-go/inventory"
)

// OnBrokerUpdate 处理券商回报。FilledQuantity 为累计成交量。
// 终态订单的回报被忽略并记录；每一笔新增成交恰好产生一条 Trade 和一次持仓更新。
func (m *Manager) OnBrokerUpdate(ctx context.Context, orderID string, res gateway.OrderResult) error {
	o, err := m.Get(ctx, orderID)
	if err != nil {
		return err
	}
	unlock := m.lock(o.AccountID)
	defer unlock()
	cur, err := m.Get(ctx, orderID)
	if err != nil {
		return err
	}
	_, err = m.applyResultLocked(ctx, cur, res, 0)
	return err
}

// applyResultLocked 把券商结果应用到订单上，调用方持有账户锁。attempts 为 0 时不改写尝试次数。
func (m *Manager) applyResultLocked(ctx context.Context, cur *Order, res gateway.OrderResult, attempts int) (*Order, error) {
	if m.sm.IsFinalState(cur.Status) {
		m.monitor.RecordIgnoredUpdate()
		m.logger.LogOrder("update_ignored", cur.ID, map[string]interface{}{
			"status":       string(cur.Status),
			"broker_state": string(res.State),
		})
		if res.State == gateway.StateFilled && cur.Status != StatusFilled {
			m.conflict(ctx, cur, "broker reports filled for a terminal order", map[string]any{
				"broker_filled": res.FilledQuantity.String(),
			})
		}
		return cur, nil
	}

	if cur.Status == StatusPending {
		switch res.State {
		case gateway.StateRejected:
			return m.commit(ctx, cur, StatusRejected, func(o *Order) {
				setAttempts(o, attempts)
				o.BrokerOrderID = firstNonEmpty(res.BrokerOrderID, o.BrokerOrderID)
				o.RejectReason = firstNonEmpty(res.Message, "rejected by broker")
				o.BrokerResponse = res.Raw
			})
		case gateway.StatePending:
			if res.BrokerOrderID == "" {
				return cur, nil
			}
		}
		// 先进入 SUBMITTED，成交再在其上推进，不存在 PENDING → FILLED
		now := m.now()
		next, err := m.commit(ctx, cur, StatusSubmitted, func(o *Order) {
			setAttempts(o, attempts)
			o.BrokerOrderID = firstNonEmpty(res.BrokerOrderID, o.BrokerOrderID)
			o.BrokerResponse = res.Raw
			o.SubmittedAt = &now
		})
		if err != nil {
			return nil, err
		}
		cur = next
	}

	if res.BrokerOrderID != "" && cur.BrokerOrderID == "" {
		cur.BrokerOrderID = res.BrokerOrderID
	}

	cum := res.FilledQuantity
	if res.State == gateway.StateFilled && cum.IsZero() {
		cum = cur.Quantity
	}
	if cum.GreaterThan(cur.Quantity) {
		m.conflict(ctx, cur, "broker filled quantity exceeds order quantity", map[string]any{
			"broker_filled": cum.String(),
		})
		cum = cur.Quantity
	}
	delta := cum.Sub(cur.FilledQuantity)
	if delta.IsNegative() {
		m.monitor.RecordIgnoredUpdate()
		m.logger.LogOrder("stale_update_ignored", cur.ID, map[string]interface{}{
			"local_filled":  cur.FilledQuantity.String(),
			"broker_filled": cum.String(),
		})
		return cur, nil
	}

	if delta.IsPositive() {
		next, err := m.fill(ctx, cur, res, cum, delta)
		if err != nil {
			if errors.Is(err, errIllegalTransition) {
				m.conflict(ctx, cur, err.Error(), map[string]any{"broker_state": string(res.State)})
				return cur, nil
			}
			return nil, err
		}
		cur = next
	}

	var to Status
	var mutate func(*Order)
	switch res.State {
	case gateway.StateCancelled, gateway.StateExpired:
		if cur.Status == StatusFilled {
			return cur, nil
		}
		to = StatusCancelled
		mutate = func(o *Order) {
			now := m.now()
			o.CancelledAt = &now
			o.BrokerResponse = res.Raw
		}
	case gateway.StateRejected:
		if cur.Status == StatusPartiallyFilled {
			// 部分成交后被拒，剩余数量按撤单处理
			m.conflict(ctx, cur, "broker rejected a partially filled order", map[string]any{
				"broker_message": res.Message,
			})
			to = StatusCancelled
			mutate = func(o *Order) {
				now := m.now()
				o.CancelledAt = &now
				o.RejectReason = res.Message
			}
			break
		}
		to = StatusRejected
		mutate = func(o *Order) {
			o.RejectReason = firstNonEmpty(res.Message, "rejected by broker")
			o.BrokerResponse = res.Raw
		}
	default:
		return cur, nil
	}

	next, err := m.commit(ctx, cur, to, mutate)
	if err != nil {
		if errors.Is(err, errIllegalTransition) {
			m.conflict(ctx, cur, err.Error(), map[string]any{"broker_state": string(res.State)})
			return cur, nil
		}
		return nil, err
	}
	return next, nil
}

// fill 记录一笔增量成交：写 Trade、推进订单、更新持仓，三者同一事务提交。
func (m *Manager) fill(ctx context.Context, cur *Order, res gateway.OrderResult, cum, delta decimal.Decimal) (*Order, error) {
	price := m.fillPrice(cur, res, cum, delta)
	if !price.IsPositive() {
		return nil, fmt.Errorf("order %s: no price for fill of %s", cur.ID, delta)
	}
	to := StatusPartiallyFilled
	if cum.Equal(cur.Quantity) {
		to = StatusFilled
	}
	if err := m.sm.ValidateTransition(cur.Status, to); err != nil {
		return nil, fmt.Errorf("%w: order %s: %v", errIllegalTransition, cur.ID, err)
	}

	now := m.now()
	at := res.UpdatedAt
	if at.IsZero() {
		at = now
	}
	next := *cur
	next.Status = to
	next.FilledQuantity = cum
	next.AveragePrice = cur.AveragePrice.Mul(cur.FilledQuantity).Add(price.Mul(delta)).Div(cum)
	if res.AveragePrice.IsPositive() {
		next.AveragePrice = res.AveragePrice
	}
	if len(res.Raw) > 0 {
		next.BrokerResponse = res.Raw
	}
	next.UpdatedAt = now
	if to == StatusFilled {
		next.FilledAt = &at
	}
	trade := &Trade{
		ID:         uuid.NewString(),
		OrderID:    cur.ID,
		RunID:      cur.RunID,
		AccountID:  cur.AccountID,
		Symbol:     cur.Symbol,
		Side:       cur.Side,
		Quantity:   delta,
		Price:      price,
		ExecutedAt: at,
	}
	f := inventory.Fill{
		AccountID: cur.AccountID,
		Symbol:    cur.Symbol,
		Exchange:  cur.Exchange,
		Side:      cur.Side,
		Quantity:  delta,
		Price:     price,
		At:        at,
	}
	var pos inventory.Position
	commit := func(ctx context.Context, p inventory.Position, realized decimal.Decimal) error {
		trade.RealizedPnL = realized
		p.UpdatedAt = now
		pos = p
		return m.store.RecordFill(ctx, &next, trade, p)
	}
	if _, _, err := m.ledger.ApplyFill(ctx, f, commit); err != nil {
		return nil, fmt.Errorf("record fill for order %s: %w", cur.ID, err)
	}

	m.monitor.RecordOrderStatus(string(to))
	m.monitor.RecordTrade(delta.Mul(price).InexactFloat64())
	m.logger.LogOrder("order_filled", cur.ID, map[string]interface{}{
		"account": cur.AccountID,
		"status":  string(to),
		"delta":   delta.String(),
		"price":   price.String(),
		"filled":  cum.String(),
	})
	m.pub.Publish(events.New(events.TradeExecuted, cur.AccountID, *trade, now))
	m.pub.Publish(events.New(events.PositionUpdated, cur.AccountID, pos, now))
	m.publishOrder(events.OrderUpdated, &next)
	return &next, nil
}

// fillPrice 由累计均价反推本次增量的成交价；无法反推时依次退回均价、限价、最新价。
func (m *Manager) fillPrice(cur *Order, res gateway.OrderResult, cum, delta decimal.Decimal) decimal.Decimal {
	avg := res.AveragePrice
	if avg.IsPositive() {
		p := avg.Mul(cum).Sub(cur.AveragePrice.Mul(cur.FilledQuantity)).Div(delta)
		if p.IsPositive() {
			return p
		}
		return avg
	}
	if cur.Price != nil && cur.Price.IsPositive() {
		return *cur.Price
	}
	if m.ledger != nil {
		if mark, ok := m.ledger.Marks()[cur.Symbol]; ok {
			return mark
		}
	}
	return decimal.Zero
}

// Cancel 撤单：PENDING 本地直接撤销，SUBMITTED 请求券商撤单并以券商回报为准。
// 券商报告已成交时按成交处理并记录冲突；券商仍未确认时保持 SUBMITTED 交由对账处理。
func (m *Manager) Cancel(ctx context.Context, id string) (*Order, error) {
	o, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !m.sm.CanCancel(o.Status) {
		return o, fmt.Errorf("%w: %s is %s", ErrNotCancellable, id, o.Status)
	}

	if o.Status == StatusPending {
		out, err := m.transition(ctx, o.AccountID, id, StatusCancelled, func(x *Order) {
			now := m.now()
			x.CancelledAt = &now
		})
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, errIllegalTransition) {
			return nil, err
		}
		// 与提交竞争，订单刚刚变为 SUBMITTED
		if o, err = m.Get(ctx, id); err != nil {
			return nil, err
		}
		if o.Status != StatusSubmitted {
			return o, fmt.Errorf("%w: %s is %s", ErrNotCancellable, id, o.Status)
		}
	}

	if o.BrokerOrderID == "" {
		return o, fmt.Errorf("%w: %s has no broker id", ErrNotSubmitted, id)
	}
	adapter, err := m.brokers.Adapter(o.AccountID, o.Mode)
	if err != nil {
		return o, fmt.Errorf("%w: %v", ErrNoBroker, err)
	}
	res, err := adapter.CancelOrder(ctx, o.BrokerOrderID)
	if err != nil {
		if !gateway.IsRejected(err) {
			return o, fmt.Errorf("cancel order %s: %w", id, err)
		}
		// 券商拒绝撤单，通常是订单已经终结，以查询结果为准
		st, serr := adapter.OrderStatus(ctx, o.BrokerOrderID)
		if serr != nil {
			return o, fmt.Errorf("cancel order %s: %w", id, err)
		}
		res = st
	}
	if res.State == gateway.StateFilled {
		m.conflict(ctx, o, "cancel requested but broker reports filled", map[string]any{
			"broker_filled": res.FilledQuantity.String(),
		})
	}
	if err := m.OnBrokerUpdate(ctx, id, res); err != nil {
		return nil, err
	}
	return m.Get(ctx, id)
}

func setAttempts(o *Order, n int) {
	if n > 0 {
		o.Attempts = n
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
