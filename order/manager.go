package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"algo-trader-go/events"
	"algo-trader-go/gateway"
	"algo-trader-go/infrastructure/logger"
	"algo-trader-go/infrastructure/monitor"
	"algo-trader-go/internal/types"
	"algo-trader-go/inventory"
	"algo-trader-go/risk"
)

// Store 订单、成交与风控事件的持久化。订单与风控事件只增改不删。
type Store interface {
	// CreateOrder 落库新订单；同一 IntentKey 已存在时返回 ErrDuplicateIntent。
	CreateOrder(ctx context.Context, o *Order) error
	UpdateOrder(ctx context.Context, o *Order) error
	// GetOrder 不存在时返回 nil, nil。
	GetOrder(ctx context.Context, id string) (*Order, error)
	ListOrders(ctx context.Context, f Filter) ([]Order, error)
	// RecordFill 在同一事务中写入成交、订单新状态与持仓。
	RecordFill(ctx context.Context, o *Order, t *Trade, pos inventory.Position) error
	RecordRiskEvent(ctx context.Context, ev risk.Event) error
	RealizedPnLSince(ctx context.Context, accountID string, since time.Time) (decimal.Decimal, error)
}

// Brokers 按账户与模式选择券商适配器。gateway.Accounts 实现了它。
type Brokers interface {
	Adapter(accountID string, mode types.TradingMode) (gateway.Adapter, error)
	Capital(accountID string) decimal.Decimal
}

// Deps Manager 的依赖。
type Deps struct {
	Store     Store
	Brokers   Brokers
	Ledger    *inventory.Ledger
	Risk      *risk.Provider
	Publisher events.Publisher
	Logger    *logger.Logger
	Monitor   *monitor.Monitor
}

// Config Manager 的可调参数。
type Config struct {
	Retry RetryPolicy
	// Location 决定"当日"的起点，用于日内亏损统计。
	Location *time.Location
}

// Manager 订单状态机的唯一写入路径：风控、落库、下单、回报处理都经过这里。
// 同一账户的快照、评估与状态迁移在账户锁内串行；向券商下单在锁外进行。
type Manager struct {
	store   Store
	brokers Brokers
	ledger  *inventory.Ledger
	risk    *risk.Provider
	pub     events.Publisher
	sm      *StateMachine
	retry   RetryPolicy
	loc     *time.Location
	logger  *logger.Logger
	monitor *monitor.Monitor

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	locks    sync.Map // account -> *sync.Mutex
	inflight sync.Map // order id -> struct{}
}

func NewManager(deps Deps, cfg Config) *Manager {
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}
	if deps.Publisher == nil {
		deps.Publisher = events.Discard{}
	}
	if deps.Risk == nil {
		deps.Risk = risk.NewProvider(risk.NewEngine(risk.DefaultLimits()))
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Manager{
		store:   deps.Store,
		brokers: deps.Brokers,
		ledger:  deps.Ledger,
		risk:    deps.Risk,
		pub:     deps.Publisher,
		sm:      NewStateMachine(),
		retry:   cfg.Retry.normalized(),
		loc:     cfg.Location,
		logger:  deps.Logger,
		monitor: deps.Monitor,
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (m *Manager) lock(account string) func() {
	v, _ := m.locks.LoadOrStore(account, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// CreateOrder 风控评估通过后落库为 PENDING 并提交券商。
// 风控拒绝返回 *DeniedError 且不产生订单；重复意图返回 ErrDuplicateIntent。
// 返回的订单反映提交结束时的状态（SUBMITTED、REJECTED 或已有成交）。
func (m *Manager) CreateOrder(ctx context.Context, origin Origin, in types.Intent) (*Order, error) {
	in = in.Normalize()
	if origin.AccountID == "" {
		return nil, fmt.Errorf("%w: empty account", risk.ErrInvalidIntent)
	}
	if origin.Mode == "" {
		origin.Mode = types.ModePaper
	}

	unlock := m.lock(origin.AccountID)
	snap, err := m.snapshot(ctx, origin)
	if err != nil {
		unlock()
		return nil, err
	}
	dec := m.risk.Current().Evaluate(in, snap)
	if !dec.Allowed {
		ev := risk.DenialEvent(dec, in, snap, m.now())
		err := m.store.RecordRiskEvent(ctx, ev)
		unlock()
		m.monitor.RecordRiskDenial(dec.Rule)
		m.logger.LogRisk("intent_denied", map[string]interface{}{
			"account": origin.AccountID,
			"run_id":  origin.RunID,
			"symbol":  in.Symbol,
			"side":    string(in.Side),
			"qty":     in.Quantity.String(),
			"rule":    dec.Rule,
			"message": dec.Message,
		})
		m.pub.Publish(events.New(events.RiskEvent, origin.AccountID, ev, ev.CreatedAt))
		if err != nil {
			return nil, fmt.Errorf("record risk event: %w", err)
		}
		return nil, &DeniedError{Decision: dec}
	}

	o := m.newOrder(origin, in, &snap)
	if err := m.store.CreateOrder(ctx, o); err != nil {
		unlock()
		if errors.Is(err, ErrDuplicateIntent) {
			m.monitor.RecordDuplicateIntent()
			m.logger.LogOrder("duplicate_intent", "", map[string]interface{}{
				"intent_key": o.IntentKey,
				"account":    o.AccountID,
			})
			return nil, ErrDuplicateIntent
		}
		return nil, fmt.Errorf("create order: %w", err)
	}
	unlock()

	m.monitor.RecordOrderStatus(string(StatusPending))
	m.logger.LogOrder("order_created", o.ID, map[string]interface{}{
		"account":  o.AccountID,
		"run_id":   o.RunID,
		"symbol":   o.Symbol,
		"side":     string(o.Side),
		"qty":      o.Quantity.String(),
		"kind":     string(o.Kind),
		"notional": o.Notional.String(),
	})
	m.publishOrder(events.OrderCreated, o)

	return m.submit(ctx, o)
}

func (m *Manager) newOrder(origin Origin, in types.Intent, snap *risk.AccountSnapshot) *Order {
	now := m.now()
	notional := decimal.Zero
	if ref, ok := snap.ReferencePrice(in); ok {
		notional = in.Quantity.Mul(ref)
	}
	return &Order{
		ID:            uuid.NewString(),
		ClientOrderID: newClientOrderID(),
		IntentKey:     IntentKey(origin.RunID, origin.Cycle, in),
		RunID:         origin.RunID,
		AccountID:     origin.AccountID,
		Mode:          origin.Mode,
		Symbol:        in.Symbol,
		Exchange:      in.Exchange,
		Side:          in.Side,
		Kind:          in.Kind,
		Product:       in.Product,
		Quantity:      in.Quantity,
		Price:         in.Price,
		TriggerPrice:  in.TriggerPrice,
		Notional:      notional,
		Rationale:     in.Rationale,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func newClientOrderID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// snapshot 在账户锁内构造风控快照：持仓来自账本，当日已实现盈亏与本次运行占用来自 Store。
func (m *Manager) snapshot(ctx context.Context, origin Origin) (risk.AccountSnapshot, error) {
	snap := risk.AccountSnapshot{
		AccountID:     origin.AccountID,
		Positions:     make(map[string]risk.Holding),
		RunID:         origin.RunID,
		RunAllocation: origin.Allocation,
	}
	if m.brokers != nil {
		snap.Capital = m.brokers.Capital(origin.AccountID)
	}
	if m.ledger != nil {
		positions, err := m.ledger.Snapshot(ctx, origin.AccountID)
		if err != nil {
			return snap, err
		}
		for _, p := range positions {
			snap.Positions[p.Symbol] = risk.Holding{
				Quantity:     p.Quantity,
				AveragePrice: p.AveragePrice,
				LastPrice:    p.LastPrice,
			}
		}
		snap.Marks = m.ledger.Marks()
	}

	realized, err := m.store.RealizedPnLSince(ctx, origin.AccountID, m.dayStart())
	if err != nil {
		return snap, fmt.Errorf("load realized pnl %s: %w", origin.AccountID, err)
	}
	snap.RealizedToday = realized

	if origin.RunID != "" {
		orders, err := m.store.ListOrders(ctx, Filter{RunID: origin.RunID})
		if err != nil {
			return snap, fmt.Errorf("load run orders %s: %w", origin.RunID, err)
		}
		for i := range orders {
			snap.RunCommitted = snap.RunCommitted.Add(orders[i].CommittedNotional())
		}
	}
	return snap, nil
}

func (m *Manager) dayStart() time.Time {
	now := m.now().In(m.loc)
	y, mo, d := now.Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, m.loc)
}

// Get 返回订单，不存在时返回 ErrUnknownOrder。
func (m *Manager) Get(ctx context.Context, id string) (*Order, error) {
	o, err := m.store.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOrder, id)
	}
	return o, nil
}

// Orders 按条件查询订单。
func (m *Manager) Orders(ctx context.Context, f Filter) ([]Order, error) {
	return m.store.ListOrders(ctx, f)
}

// ActiveOrders 返回已提交但未终结的订单。
func (m *Manager) ActiveOrders(ctx context.Context) ([]Order, error) {
	return m.store.ListOrders(ctx, Filter{Statuses: []Status{StatusSubmitted, StatusPartiallyFilled}})
}

var errIllegalTransition = errors.New("illegal transition")

// transition 在账户锁内重新加载订单并迁移状态。
func (m *Manager) transition(ctx context.Context, accountID, id string, to Status, mutate func(*Order)) (*Order, error) {
	unlock := m.lock(accountID)
	defer unlock()
	cur, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.commit(ctx, cur, to, mutate)
}

// commit 要求调用方持有账户锁且 cur 是刚从 Store 读出的。
func (m *Manager) commit(ctx context.Context, cur *Order, to Status, mutate func(*Order)) (*Order, error) {
	from := cur.Status
	if err := m.sm.ValidateTransition(from, to); err != nil {
		return cur, fmt.Errorf("%w: order %s: %v", errIllegalTransition, cur.ID, err)
	}
	next := *cur
	if mutate != nil {
		mutate(&next)
	}
	next.Status = to
	next.UpdatedAt = m.now()
	if err := m.store.UpdateOrder(ctx, &next); err != nil {
		return cur, fmt.Errorf("update order %s: %w", cur.ID, err)
	}
	if from != to {
		m.monitor.RecordOrderStatus(string(to))
	}
	fields := map[string]interface{}{
		"account": next.AccountID,
		"from":    string(from),
		"to":      string(to),
		"state":   m.sm.GetStateDescription(to),
		"filled":  next.FilledQuantity.String(),
	}
	if next.BrokerOrderID != "" {
		fields["broker_id"] = next.BrokerOrderID
	}
	if next.RejectReason != "" {
		fields["reason"] = next.RejectReason
	}
	m.logger.LogOrder("order_transition", next.ID, fields)
	m.publishOrder(events.OrderUpdated, &next)
	return &next, nil
}

func (m *Manager) publishOrder(t events.Type, o *Order) {
	cp := *o
	m.pub.Publish(events.New(t, o.AccountID, cp, m.now()))
}

// conflict 记录对账冲突：风控事件、指标、日志与广播。
func (m *Manager) conflict(ctx context.Context, o *Order, message string, meta map[string]any) {
	if meta == nil {
		meta = map[string]any{}
	}
	meta["order_id"] = o.ID
	meta["local_status"] = string(o.Status)
	if o.BrokerOrderID != "" {
		meta["broker_order_id"] = o.BrokerOrderID
	}
	ev := risk.ConflictEvent(o.AccountID, o.RunID, o.Symbol, message, meta, m.now())
	if err := m.store.RecordRiskEvent(ctx, ev); err != nil {
		m.logger.LogError(err, map[string]interface{}{"op": "record_conflict", "order_id": o.ID})
	}
	m.monitor.RecordReconcileConflict()
	m.logger.LogRisk("reconcile_conflict", map[string]interface{}{
		"order_id": o.ID,
		"account":  o.AccountID,
		"message":  message,
	})
	m.pub.Publish(events.New(events.RiskEvent, o.AccountID, ev, ev.CreatedAt))
}
