package order

import (
	"context"
	"errors"
	"fmt"

	"algo-trader-go/gateway"
)

func requestFor(o *Order) gateway.OrderRequest {
	return gateway.OrderRequest{
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Exchange:      o.Exchange,
		Side:          o.Side,
		Kind:          o.Kind,
		Product:       o.Product,
		Quantity:      o.Quantity,
		Price:         o.Price,
		TriggerPrice:  o.TriggerPrice,
	}
}

// submit 把 PENDING 订单发给券商。
// 传输失败保持 PENDING 并按 RetryPolicy 退避重试；每次重试前先按客户端订单号查询，
// 券商已受理则直接采用其结果，保证同一订单至多被受理一次。预算耗尽后 REJECTED。
// 下单不随调用方 ctx 取消：已发出的请求要走到终态。
func (m *Manager) submit(ctx context.Context, o *Order) (*Order, error) {
	ctx = context.WithoutCancel(ctx)

	adapter, err := m.brokers.Adapter(o.AccountID, o.Mode)
	if err != nil {
		return m.rejectPending(ctx, o, 0, fmt.Sprintf("%v: %v", ErrNoBroker, err))
	}

	m.inflight.Store(o.ID, struct{}{})
	defer m.inflight.Delete(o.ID)

	lookup, _ := adapter.(gateway.ClientOrderLookup)
	policy := m.retry
	req := requestFor(o)
	start := m.now()
	attempts := 0
	var lastErr error

	for {
		if attempts > 0 {
			if attempts >= policy.MaxAttempts {
				break
			}
			wait := policy.Next(attempts)
			if m.now().Add(wait).Sub(start) > policy.MaxElapsed {
				break
			}
			if err := m.sleep(ctx, wait); err != nil {
				break
			}
			m.monitor.RecordSubmitRetry()
		}

		cur, err := m.Get(ctx, o.ID)
		if err != nil {
			return nil, err
		}
		if cur.Status != StatusPending {
			// 提交期间被撤单或已由恢复流程处理
			return cur, nil
		}

		if attempts > 0 && lookup != nil {
			res, found, lerr := m.lookup(ctx, lookup, o.ClientOrderID)
			if found {
				m.logger.LogOrder("submit_confirmed_by_lookup", o.ID, map[string]interface{}{
					"attempts":  attempts,
					"broker_id": res.BrokerOrderID,
				})
				return m.applySubmitResult(ctx, adapter, o, res, attempts)
			}
			if lerr != nil {
				// 无法确认券商是否已受理，本轮不下单
				attempts++
				lastErr = lerr
				m.logger.LogOrder("submit_lookup_failed", o.ID, map[string]interface{}{
					"attempt": attempts,
					"error":   lerr.Error(),
				})
				continue
			}
		}

		attempts++
		res, perr := m.place(ctx, adapter, req)
		if perr == nil {
			return m.applySubmitResult(ctx, adapter, o, res, attempts)
		}
		if !gateway.IsTransport(perr) {
			return m.rejectPending(ctx, o, attempts, "broker error: "+perr.Error())
		}
		lastErr = perr
		m.logger.LogOrder("submit_transport_failure", o.ID, map[string]interface{}{
			"attempt": attempts,
			"error":   perr.Error(),
		})
	}

	// 放弃前最后确认一次，避免券商已受理而本地判为拒单
	if lookup != nil {
		if res, found, _ := m.lookup(ctx, lookup, o.ClientOrderID); found {
			return m.applySubmitResult(ctx, adapter, o, res, attempts)
		}
	}
	return m.rejectPending(ctx, o, attempts, fmt.Sprintf("transport failure after %d attempts: %v", attempts, lastErr))
}

// rejectPending 仅当订单仍为 PENDING 时置为 REJECTED，否则原样返回当前订单。
func (m *Manager) rejectPending(ctx context.Context, o *Order, attempts int, reason string) (*Order, error) {
	unlock := m.lock(o.AccountID)
	defer unlock()
	cur, err := m.Get(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	if cur.Status != StatusPending {
		return cur, nil
	}
	return m.commit(ctx, cur, StatusRejected, func(x *Order) {
		setAttempts(x, attempts)
		x.RejectReason = reason
	})
}

func (m *Manager) place(ctx context.Context, adapter gateway.Adapter, req gateway.OrderRequest) (gateway.OrderResult, error) {
	cctx, cancel := context.WithTimeout(ctx, m.retry.AttemptTimeout)
	defer cancel()
	return adapter.PlaceOrder(cctx, req)
}

// lookup 返回 found=false 且 err=nil 表示券商确认没有该订单。
func (m *Manager) lookup(ctx context.Context, l gateway.ClientOrderLookup, clientOrderID string) (gateway.OrderResult, bool, error) {
	cctx, cancel := context.WithTimeout(ctx, m.retry.AttemptTimeout)
	defer cancel()
	res, err := l.LookupClientOrder(cctx, clientOrderID)
	switch {
	case err == nil:
		return res, true, nil
	case errors.Is(err, gateway.ErrOrderNotFound):
		return res, false, nil
	default:
		return res, false, err
	}
}

// applySubmitResult 处理券商对下单（或按客户端订单号查询）的回应。
func (m *Manager) applySubmitResult(ctx context.Context, adapter gateway.Adapter, o *Order, res gateway.OrderResult, attempts int) (*Order, error) {
	unlock := m.lock(o.AccountID)
	cur, err := m.Get(ctx, o.ID)
	if err != nil {
		unlock()
		return nil, err
	}

	if cur.Status == StatusCancelled && res.State != gateway.StateRejected && !res.State.Terminal() {
		// 本地已撤单但券商受理了：撤销券商侧订单并记录冲突
		m.conflict(ctx, cur, "broker accepted an order cancelled locally", map[string]any{
			"broker_order_id": res.BrokerOrderID,
			"broker_state":    string(res.State),
		})
		unlock()
		if res.BrokerOrderID != "" {
			if _, cerr := adapter.CancelOrder(ctx, res.BrokerOrderID); cerr != nil {
				m.logger.LogError(cerr, map[string]interface{}{"op": "cancel_after_local_cancel", "order_id": o.ID})
			}
		}
		return cur, nil
	}

	_, err = m.applyResultLocked(ctx, cur, res, attempts)
	unlock()
	if err != nil {
		return nil, err
	}
	return m.Get(ctx, o.ID)
}
