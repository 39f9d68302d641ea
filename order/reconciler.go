package order

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"algo-trader-go/gateway"
	"algo-trader-go/infrastructure/logger"
)

// Reconciler 订单对账器：定期向券商查询活跃订单状态并交给 Manager 处理，
// 同时清理长时间停留在 PENDING 的订单。
type Reconciler struct {
	manager    *Manager
	interval   time.Duration
	staleAfter time.Duration
	maxMisses  int
	logger     *logger.Logger

	stopChan chan struct{}
	doneChan chan struct{}
	stopOnce sync.Once
	mu       sync.RWMutex
	misses   map[string]int // 券商查无此单的连续次数

	// 统计信息
	totalReconciliations int64
	ordersChecked        int64
	pendingRecovered     int64
	errors               int64
	lastReconcileTime    time.Time
}

// ReconcilerConfig 对账器配置
type ReconcilerConfig struct {
	Interval   time.Duration `yaml:"interval"`    // 对账间隔
	StaleAfter time.Duration `yaml:"stale_after"` // PENDING 超过该时长视为遗留
	// MissingAfter 券商连续多少轮查无此单后将订单终结
	MissingAfter int `yaml:"missing_after"`
}

// NewReconciler 创建订单对账器
func NewReconciler(manager *Manager, config ReconcilerConfig, lg *logger.Logger) *Reconciler {
	if config.Interval <= 0 {
		config.Interval = 30 * time.Second // 默认30秒
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = 2 * time.Minute
	}
	if config.MissingAfter <= 0 {
		config.MissingAfter = 3
	}
	if lg == nil {
		lg = logger.NewNop()
	}
	return &Reconciler{
		manager:    manager,
		interval:   config.Interval,
		staleAfter: config.StaleAfter,
		maxMisses:  config.MissingAfter,
		logger:     lg,
		misses:     make(map[string]int),
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
	}
}

// Start 启动对账循环
func (r *Reconciler) Start(ctx context.Context) {
	go r.reconcileLoop(ctx)
}

// Stop 停止对账循环并等待退出
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopChan) })
	<-r.doneChan
}

func (r *Reconciler) reconcileLoop(ctx context.Context) {
	defer close(r.doneChan)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopChan:
			return
		case <-ticker.C:
			if err := r.Reconcile(ctx); err != nil {
				r.logger.LogError(err, map[string]interface{}{"op": "reconcile"})
			}
		}
	}
}

// Reconcile 执行一次完整对账，单个订单失败不影响其他订单。
func (r *Reconciler) Reconcile(ctx context.Context) error {
	r.mu.Lock()
	r.totalReconciliations++
	r.lastReconcileTime = time.Now()
	r.mu.Unlock()

	active, err := r.manager.ActiveOrders(ctx)
	if err != nil {
		return fmt.Errorf("load active orders: %w", err)
	}

	var errs []error
	for i := range active {
		if err := r.reconcileOrder(ctx, &active[i]); err != nil {
			errs = append(errs, err)
		}
	}

	recovered, err := r.manager.RecoverPending(ctx, r.staleAfter)
	if err != nil {
		errs = append(errs, err)
	}

	r.mu.Lock()
	r.ordersChecked += int64(len(active))
	r.pendingRecovered += int64(recovered)
	r.errors += int64(len(errs))
	r.mu.Unlock()
	return errors.Join(errs...)
}

func (r *Reconciler) reconcileOrder(ctx context.Context, o *Order) error {
	adapter, err := r.manager.brokers.Adapter(o.AccountID, o.Mode)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoBroker, err)
	}
	res, err := adapter.OrderStatus(ctx, o.BrokerOrderID)
	if errors.Is(err, gateway.ErrOrderNotFound) {
		return r.missing(ctx, o)
	}
	if err != nil {
		return fmt.Errorf("order status %s: %w", o.ID, err)
	}
	r.mu.Lock()
	delete(r.misses, o.ID)
	r.mu.Unlock()
	if err := r.manager.OnBrokerUpdate(ctx, o.ID, res); err != nil {
		return fmt.Errorf("apply status %s: %w", o.ID, err)
	}
	return nil
}

// missing 券商查无活跃订单：连续 maxMisses 轮后按冲突终结，之前只记日志。
func (r *Reconciler) missing(ctx context.Context, o *Order) error {
	r.mu.Lock()
	r.misses[o.ID]++
	n := r.misses[o.ID]
	if n >= r.maxMisses {
		delete(r.misses, o.ID)
	}
	r.mu.Unlock()

	if n < r.maxMisses {
		r.logger.LogOrder("broker_order_missing", o.ID, map[string]interface{}{
			"broker_id": o.BrokerOrderID,
			"misses":    n,
		})
		return nil
	}
	if _, err := r.manager.abandon(ctx, o, n); err != nil {
		return fmt.Errorf("abandon %s: %w", o.ID, err)
	}
	return nil
}

// ReconcilerStats 对账统计信息
type ReconcilerStats struct {
	TotalReconciliations int64
	OrdersChecked        int64
	PendingRecovered     int64
	Errors               int64
	LastReconcileTime    time.Time
	Interval             time.Duration
}

// GetStatistics 获取对账统计信息
func (r *Reconciler) GetStatistics() ReconcilerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return ReconcilerStats{
		TotalReconciliations: r.totalReconciliations,
		OrdersChecked:        r.ordersChecked,
		PendingRecovered:     r.pendingRecovered,
		Errors:               r.errors,
		LastReconcileTime:    r.lastReconcileTime,
		Interval:             r.interval,
	}
}

// RecoverPending 处理创建时间早于 olderThan 之前、且当前没有在提交中的 PENDING 订单：
// 按客户端订单号查询券商，找到则采用其结果，确认不存在则 REJECTED，查询失败保持 PENDING 等下次。
// 返回被处理的订单数。
func (m *Manager) RecoverPending(ctx context.Context, olderThan time.Duration) (int, error) {
	pending, err := m.store.ListOrders(ctx, Filter{Statuses: []Status{StatusPending}})
	if err != nil {
		return 0, fmt.Errorf("load pending orders: %w", err)
	}
	cutoff := m.now().Add(-olderThan)
	n := 0
	var errs []error
	for i := range pending {
		o := &pending[i]
		if _, busy := m.inflight.Load(o.ID); busy {
			continue
		}
		if olderThan > 0 && o.CreatedAt.After(cutoff) {
			continue
		}
		done, err := m.recoverOne(ctx, o)
		if err != nil {
			errs = append(errs, err)
		}
		if done {
			n++
		}
	}
	return n, errors.Join(errs...)
}

func (m *Manager) recoverOne(ctx context.Context, o *Order) (bool, error) {
	adapter, err := m.brokers.Adapter(o.AccountID, o.Mode)
	if err != nil {
		return m.orphan(ctx, o, fmt.Sprintf("orphaned: %v", err))
	}
	lookup, ok := adapter.(gateway.ClientOrderLookup)
	if !ok {
		return m.orphan(ctx, o, "orphaned: venue cannot confirm submission")
	}

	res, found, err := m.lookup(ctx, lookup, o.ClientOrderID)
	if err != nil {
		m.logger.LogOrder("recover_lookup_failed", o.ID, map[string]interface{}{"error": err.Error()})
		return false, nil
	}
	if !found {
		return m.orphan(ctx, o, "orphaned: broker has no record of submission")
	}

	unlock := m.lock(o.AccountID)
	defer unlock()
	cur, err := m.Get(ctx, o.ID)
	if err != nil {
		return false, err
	}
	if cur.Status != StatusPending {
		return false, nil
	}
	if _, err := m.applyResultLocked(ctx, cur, res, 0); err != nil {
		return false, err
	}
	m.logger.LogOrder("pending_recovered", o.ID, map[string]interface{}{
		"broker_id":    res.BrokerOrderID,
		"broker_state": string(res.State),
	})
	return true, nil
}

func (m *Manager) orphan(ctx context.Context, o *Order, reason string) (bool, error) {
	out, err := m.rejectPending(ctx, o, 0, reason)
	if err != nil {
		return false, err
	}
	return out.Status == StatusRejected, nil
}

// abandon 券商已无该订单记录：无成交置为 REJECTED，部分成交置为 CANCELLED 并保留成交，同时记录对账冲突。
func (m *Manager) abandon(ctx context.Context, o *Order, misses int) (*Order, error) {
	unlock := m.lock(o.AccountID)
	defer unlock()
	cur, err := m.Get(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	if !m.sm.AcceptsBrokerUpdates(cur.Status) {
		return cur, nil
	}
	to := StatusRejected
	if cur.FilledQuantity.IsPositive() {
		to = StatusCancelled
	}
	reason := "broker has no record of order"
	out, err := m.commit(ctx, cur, to, func(x *Order) {
		x.RejectReason = reason
		if to == StatusCancelled {
			now := m.now()
			x.CancelledAt = &now
		}
	})
	if err != nil {
		return nil, err
	}
	m.conflict(ctx, out, reason, map[string]any{
		"misses": misses,
		"filled": out.FilledQuantity.String(),
	})
	return out, nil
}
