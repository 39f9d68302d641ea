// Package engine 管理策略运行的生命周期，把行情、策略、风控与订单串成一条流水线。
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"algo-trader-go/events"
	"algo-trader-go/infrastructure/logger"
	"algo-trader-go/infrastructure/monitor"
	"algo-trader-go/internal/store"
	"algo-trader-go/internal/types"
	"algo-trader-go/inventory"
	"algo-trader-go/market"
	"algo-trader-go/order"
	"algo-trader-go/strategy"
)

// EngineState 引擎状态
type EngineState int

const (
	StateIdle EngineState = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s EngineState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Store run 与盈亏快照的持久化，internal/store.Store 实现了它。
type Store interface {
	CreateRun(ctx context.Context, r *strategy.Run) error
	UpdateRun(ctx context.Context, r *strategy.Run) error
	GetRun(ctx context.Context, id string) (*strategy.Run, error)
	ListRuns(ctx context.Context, f strategy.RunFilter) ([]strategy.Run, error)
	RecordPnLSnapshot(ctx context.Context, snap store.PnLSnapshot) error
}

// Accounts 已配置的券商账户。
type Accounts interface {
	order.Brokers
	IDs() []string
}

// Config 引擎配置
type Config struct {
	InvokeTimeout    time.Duration // 单次策略调用上限
	QueueSize        int           // 每账户队列长度
	SnapshotInterval time.Duration // 盈亏快照间隔，0 关闭
	ResumeRuns       bool          // 启动时恢复上次仍在运行的 run
	Reconcile        order.ReconcilerConfig
}

// Components 引擎依赖组件
type Components struct {
	Store      Store
	Accounts   Accounts
	Strategies *strategy.Registry
	Orders     *order.Manager
	Ledger     *inventory.Ledger
	Market     *market.Service
	Publisher  events.Publisher
	Logger     *logger.Logger
	Monitor    *monitor.Monitor
}

// RunRequest startStrategyRun 的输入。
type RunRequest struct {
	StrategyID string            `json:"strategy_id"`
	AccountID  string            `json:"account_id"`
	Mode       types.TradingMode `json:"mode"`
	Symbols    []string          `json:"symbols"`
	Config     strategy.Config   `json:"config"`
}

// Engine 策略运行的宿主。显式 Start/Stop，没有包级全局状态。
type Engine struct {
	cfg        Config
	store      Store
	accounts   Accounts
	strategies *strategy.Registry
	orders     *order.Manager
	ledger     *inventory.Ledger
	market     *market.Publisher
	pub        events.Publisher
	logger     *logger.Logger
	monitor    *monitor.Monitor
	reconciler *order.Reconciler
	reconCfg   order.ReconcilerConfig
	reconLog   *logger.Logger

	state   EngineState
	mu      sync.RWMutex
	runs    map[string]*runner
	current map[string]strategy.Run // 活跃 run 的最新状态
	queues  *queues

	stopChan chan struct{}
	doneChan chan struct{}
	now      func() time.Time
}

// New 创建引擎
func New(cfg Config, c Components) (*Engine, error) {
	if c.Store == nil || c.Accounts == nil || c.Orders == nil || c.Ledger == nil || c.Market == nil {
		return nil, errors.New("engine requires store, accounts, orders, ledger and market")
	}
	if c.Strategies == nil {
		c.Strategies = strategy.DefaultRegistry()
	}
	if c.Publisher == nil {
		c.Publisher = events.Discard{}
	}
	if c.Logger == nil {
		c.Logger = logger.NewNop()
	}
	if cfg.InvokeTimeout <= 0 {
		cfg.InvokeTimeout = 2 * time.Second
	}
	lg := c.Logger.Named("engine")

	ledger := c.Ledger
	c.Market.OnPrice(func(symbol string, price decimal.Decimal) { ledger.Mark(symbol, price) })

	return &Engine{
		cfg:        cfg,
		store:      c.Store,
		accounts:   c.Accounts,
		strategies: c.Strategies,
		orders:     c.Orders,
		ledger:     c.Ledger,
		market:     c.Market.Publisher(),
		pub:        c.Publisher,
		logger:     lg,
		monitor:    c.Monitor,
		reconCfg:   cfg.Reconcile,
		reconLog:   c.Logger.Named("reconciler"),
		state:      StateIdle,
		runs:       make(map[string]*runner),
		current:    make(map[string]strategy.Run),
		now:        time.Now,
	}, nil
}

// State 返回当前状态。
func (e *Engine) State() EngineState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Start 修复账本、恢复遗留订单、启动对账与快照，最后恢复 run。
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state == StateRunning || e.state == StateStopping {
		e.mu.Unlock()
		return fmt.Errorf("engine already started (state: %s)", e.state)
	}
	e.state = StateRunning
	e.stopChan = make(chan struct{})
	e.doneChan = make(chan struct{})
	e.queues = newQueues(context.WithoutCancel(ctx), e.cfg.QueueSize)
	e.reconciler = order.NewReconciler(e.orders, e.reconCfg, e.reconLog)
	e.mu.Unlock()

	e.logger.Info("engine starting",
		zap.Duration("invoke_timeout", e.cfg.InvokeTimeout),
		zap.Bool("resume_runs", e.cfg.ResumeRuns))

	for _, acct := range e.accounts.IDs() {
		positions, err := e.ledger.Rebuild(ctx, acct)
		if err != nil {
			e.logger.Error("ledger rebuild failed", zap.String("account", acct), zap.Error(err))
			continue
		}
		e.logger.Info("ledger rebuilt", zap.String("account", acct), zap.Int("positions", len(positions)))
	}

	// 此时没有任何在途提交，遗留的 PENDING 都来自上一个进程
	if n, err := e.orders.RecoverPending(ctx, 0); err != nil {
		e.logger.Error("pending order recovery failed", zap.Error(err))
	} else if n > 0 {
		e.logger.Info("pending orders recovered", zap.Int("count", n))
	}

	e.reconciler.Start(ctx)
	go e.run(ctx)

	if err := e.resume(ctx); err != nil {
		e.logger.Error("run resumption failed", zap.Error(err))
	}

	e.logger.Info("engine started")
	return nil
}

// Stop 停止所有 run 的行情消费并等待已入队的下单任务执行完。可重复调用。
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.state != StateRunning {
		e.mu.Unlock()
		return nil
	}
	e.state = StateStopping
	runners := make([]*runner, 0, len(e.runs))
	runs := make([]strategy.Run, 0, len(e.runs))
	for id, r := range e.runs {
		run, _ := e.detachLocked(id)
		runners = append(runners, r)
		runs = append(runs, run)
	}
	e.mu.Unlock()

	e.logger.Info("engine stopping", zap.Int("active_runs", len(runners)))

	ctx := context.Background()
	for i, r := range runners {
		r.stop()
		if e.cfg.ResumeRuns {
			// 保持 running，下次启动时恢复
			continue
		}
		if _, err := e.finish(ctx, runs[i], strategy.RunStopped, ""); err != nil {
			e.logger.Error("persist run stop failed", zap.String("run_id", r.run.ID), zap.Error(err))
		}
	}
	e.monitor.SetActiveRuns(0)

	close(e.stopChan)
	select {
	case <-e.doneChan:
	case <-time.After(10 * time.Second):
		e.logger.Warn("timeout waiting for engine loop to stop")
	}
	e.reconciler.Stop()
	e.queues.close()

	e.mu.Lock()
	e.state = StateStopped
	e.mu.Unlock()
	e.logger.Info("engine stopped")
	return nil
}

// run 周期性记录盈亏快照。
func (e *Engine) run(ctx context.Context) {
	defer close(e.doneChan)
	if e.cfg.SnapshotInterval <= 0 {
		select {
		case <-ctx.Done():
		case <-e.stopChan:
		}
		return
	}
	ticker := time.NewTicker(e.cfg.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopChan:
			return
		case <-ticker.C:
			e.Snapshot(ctx)
		}
	}
}

// Snapshot 为每个账户写一条盈亏快照并更新监控。
func (e *Engine) Snapshot(ctx context.Context) {
	now := e.now()
	for _, acct := range e.accounts.IDs() {
		positions, err := e.ledger.Snapshot(ctx, acct)
		if err != nil {
			e.logger.Warn("snapshot positions failed", zap.String("account", acct), zap.Error(err))
			continue
		}
		v := inventory.Value(positions)
		e.monitor.UpdateRealizedPnL(acct, v.Realized.InexactFloat64())
		e.monitor.UpdateUnrealizedPnL(acct, v.Unrealized.InexactFloat64())
		if err := e.store.RecordPnLSnapshot(ctx, store.PnLSnapshot{AccountID: acct, Valuation: v, CreatedAt: now}); err != nil {
			e.logger.Warn("record pnl snapshot failed", zap.String("account", acct), zap.Error(err))
		}
	}
}

func (e *Engine) resume(ctx context.Context) error {
	stale, err := e.store.ListRuns(ctx, strategy.RunFilter{Statuses: []strategy.RunStatus{strategy.RunPending, strategy.RunRunning}})
	if err != nil {
		return err
	}
	var errs []error
	for _, run := range stale {
		if !e.cfg.ResumeRuns {
			run.Status = strategy.RunStopped
			run.ErrorMessage = "engine restarted"
			now := e.now()
			run.StoppedAt = &now
			run.UpdatedAt = now
			errs = append(errs, e.store.UpdateRun(ctx, &run))
			continue
		}
		def, err := e.strategies.Lookup(run.StrategyID)
		if err != nil {
			errs = append(errs, e.markError(ctx, run, err))
			continue
		}
		if _, err := e.launch(ctx, run, def); err != nil {
			errs = append(errs, err)
			continue
		}
		e.logger.LogRun("resumed", run.ID, map[string]interface{}{"strategy": run.StrategyID, "account": run.AccountID})
	}
	return errors.Join(errs...)
}

func (e *Engine) markError(ctx context.Context, run strategy.Run, cause error) error {
	now := e.now()
	run.Status = strategy.RunError
	run.ErrorMessage = cause.Error()
	run.StoppedAt = &now
	run.UpdatedAt = now
	if err := e.store.UpdateRun(ctx, &run); err != nil {
		return err
	}
	e.pub.Publish(events.New(events.RunUpdated, run.AccountID, run, now))
	return nil
}

// StartRun 启动策略运行。同一 (策略, 账户) 已有活跃 run 时直接返回它。
func (e *Engine) StartRun(ctx context.Context, req RunRequest) (*strategy.Run, error) {
	def, err := e.strategies.Lookup(req.StrategyID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, req.StrategyID)
	}
	if req.Mode == "" {
		req.Mode = types.ModePaper
	}
	if !req.Mode.Valid() {
		return nil, fmt.Errorf("%w: mode %q", ErrInvalidRun, req.Mode)
	}
	if _, err := e.accounts.Adapter(req.AccountID, req.Mode); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, req.AccountID)
	}
	symbols := normalizeSymbols(req.Symbols)
	if len(symbols) == 0 {
		return nil, fmt.Errorf("%w: at least one symbol is required", ErrInvalidRun)
	}
	if req.Config == nil {
		req.Config = strategy.Config{}
	}
	if def.Validate != nil {
		if err := def.Validate(req.Config); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRun, err)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateRunning {
		return nil, ErrEngineNotRunning
	}
	for _, cur := range e.current {
		if cur.StrategyID == def.Name && cur.AccountID == req.AccountID && cur.Status.Active() {
			existing := cur
			return &existing, nil
		}
	}

	now := e.now()
	run := strategy.Run{
		ID:         uuid.NewString(),
		StrategyID: def.Name,
		AccountID:  req.AccountID,
		Mode:       req.Mode,
		Status:     strategy.RunPending,
		Config:     req.Config,
		Symbols:    symbols,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.store.CreateRun(ctx, &run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	started, err := e.launchLocked(ctx, run, def)
	if err != nil {
		_ = e.markError(ctx, run, err)
		return nil, err
	}
	e.logger.LogRun("started", run.ID, map[string]interface{}{
		"strategy": run.StrategyID,
		"account":  run.AccountID,
		"mode":     string(run.Mode),
		"symbols":  strings.Join(symbols, ","),
	})
	return &started, nil
}

func (e *Engine) launch(ctx context.Context, run strategy.Run, def strategy.Definition) (strategy.Run, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.launchLocked(ctx, run, def)
}

// launchLocked 建立 runner 并把 run 标记为 running。调用方持有 e.mu。
func (e *Engine) launchLocked(ctx context.Context, run strategy.Run, def strategy.Definition) (strategy.Run, error) {
	r, err := newRunner(e, run, def)
	if err != nil {
		return run, err
	}
	now := e.now()
	run.Status = strategy.RunRunning
	run.ErrorMessage = ""
	run.StartedAt = &now
	run.StoppedAt = nil
	run.UpdatedAt = now
	if err := e.store.UpdateRun(ctx, &run); err != nil {
		return run, fmt.Errorf("mark run running: %w", err)
	}
	r.run = run
	e.runs[run.ID] = r
	e.current[run.ID] = run
	r.start(e.onRunnerExit)

	e.monitor.SetActiveRuns(len(e.runs))
	e.pub.Publish(events.New(events.RunUpdated, run.AccountID, run, now))
	return run, nil
}

// onRunnerExit 循环自行退出时调用；err 非空表示策略故障。
func (e *Engine) onRunnerExit(r *runner, err error) {
	if err == nil {
		return
	}
	e.mu.Lock()
	if cur, ok := e.runs[r.run.ID]; !ok || cur != r {
		e.mu.Unlock()
		return
	}
	run, _ := e.detachLocked(r.run.ID)
	e.mu.Unlock()

	e.monitor.RecordStrategyFault(r.run.StrategyID)
	r.logger.LogRun("fault", r.run.ID, map[string]interface{}{
		"strategy": r.run.StrategyID,
		"error":    err.Error(),
	})
	if _, ferr := e.finish(context.Background(), run, strategy.RunError, err.Error()); ferr != nil {
		e.logger.Error("persist run fault failed", zap.String("run_id", r.run.ID), zap.Error(ferr))
	}
}

// detachLocked 在同一临界区内把 run 从 runs 与 current 中摘除，调用方持有 e.mu。
func (e *Engine) detachLocked(id string) (strategy.Run, bool) {
	run, ok := e.current[id]
	delete(e.runs, id)
	delete(e.current, id)
	return run, ok
}

// finish 持久化已摘除 run 的终态并广播。
func (e *Engine) finish(ctx context.Context, run strategy.Run, status strategy.RunStatus, msg string) (*strategy.Run, error) {
	e.mu.RLock()
	active := len(e.runs)
	e.mu.RUnlock()

	now := e.now()
	run.Status = status
	run.ErrorMessage = msg
	run.StoppedAt = &now
	run.UpdatedAt = now
	if err := e.store.UpdateRun(ctx, &run); err != nil {
		return nil, err
	}
	e.monitor.SetActiveRuns(active)
	e.pub.Publish(events.New(events.RunUpdated, run.AccountID, run, now))
	return &run, nil
}

// StopRun 停止行情消费并把 run 标记为 stopped；在途订单不撤销。已停止的 run 原样返回。
func (e *Engine) StopRun(ctx context.Context, id string) (*strategy.Run, error) {
	e.mu.Lock()
	r, ok := e.runs[id]
	var run strategy.Run
	if ok {
		run, _ = e.detachLocked(id)
	}
	e.mu.Unlock()

	if !ok {
		stored, err := e.store.GetRun(ctx, id)
		if err != nil {
			return nil, err
		}
		if stored == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownRun, id)
		}
		if stored.Status.Active() {
			// 未被本进程托管（例如未恢复）的 run 直接落为 stopped
			now := e.now()
			stored.Status = strategy.RunStopped
			stored.StoppedAt = &now
			stored.UpdatedAt = now
			if err := e.store.UpdateRun(ctx, stored); err != nil {
				return nil, err
			}
			e.pub.Publish(events.New(events.RunUpdated, stored.AccountID, *stored, now))
		}
		return stored, nil
	}

	r.stop()
	out, err := e.finish(ctx, run, strategy.RunStopped, "")
	if err != nil {
		return nil, err
	}
	e.logger.LogRun("stopped", id, map[string]interface{}{"cycles": r.cycles.Load()})
	return out, nil
}

// GetRun 活跃 run 返回内存中的状态，否则读库。
func (e *Engine) GetRun(ctx context.Context, id string) (*strategy.Run, error) {
	e.mu.RLock()
	cur, ok := e.current[id]
	e.mu.RUnlock()
	if ok {
		return &cur, nil
	}
	run, err := e.store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRun, id)
	}
	return run, nil
}

// Runs 按条件列出 run。
func (e *Engine) Runs(ctx context.Context, f strategy.RunFilter) ([]strategy.Run, error) {
	return e.store.ListRuns(ctx, f)
}

// ActiveRuns 当前托管的 run 数。
func (e *Engine) ActiveRuns() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.runs)
}

// Orders getOrders
func (e *Engine) Orders(ctx context.Context, f order.Filter) ([]order.Order, error) {
	return e.orders.Orders(ctx, f)
}

// Positions getPositions：按最新价估值的账户持仓。
func (e *Engine) Positions(ctx context.Context, accountID string) ([]inventory.Position, error) {
	if !e.knownAccount(accountID) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, accountID)
	}
	return e.ledger.Snapshot(ctx, accountID)
}

// CancelOrder 撤单。
func (e *Engine) CancelOrder(ctx context.Context, id string) (*order.Order, error) {
	return e.orders.Cancel(ctx, id)
}

func (e *Engine) knownAccount(id string) bool {
	for _, a := range e.accounts.IDs() {
		if a == id {
			return true
		}
	}
	return false
}

func normalizeSymbols(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
