package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"algo-trader-go/infrastructure/logger"
	"algo-trader-go/internal/types"
	"algo-trader-go/market"
	"algo-trader-go/order"
	"algo-trader-go/strategy"
)

// runner 一个活跃 run 的执行体：订阅行情、调用策略、把意图排入账户队列。
// 策略本身无状态，历史 K 线与周期号由 runner 持有。
type runner struct {
	eng        *Engine
	run        strategy.Run // 启动时的副本，状态以 Engine 中的为准
	def        strategy.Definition
	sub        *market.Subscription
	lookback   int
	indicators []string
	allocation decimal.Decimal
	history    map[string][]types.Candle
	logger     *logger.Logger

	cycles atomic.Int64
	cancel context.CancelFunc
	done   chan struct{}
}

func newRunner(e *Engine, run strategy.Run, def strategy.Definition) (*runner, error) {
	alloc, err := run.Config.Decimal("capital_allocation", decimal.Zero)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRun, err)
	}
	lookback := 1
	if def.Lookback != nil {
		if n := def.Lookback(run.Config); n > lookback {
			lookback = n
		}
	}
	var indicators []string
	if def.Indicators != nil {
		indicators = def.Indicators(run.Config)
	}
	return &runner{
		eng:        e,
		run:        run,
		def:        def,
		lookback:   lookback,
		indicators: indicators,
		allocation: alloc,
		history:    make(map[string][]types.Candle),
		logger: e.logger.WithFields(map[string]interface{}{
			"run_id":   run.ID,
			"strategy": run.StrategyID,
			"account":  run.AccountID,
		}),
		done: make(chan struct{}),
	}, nil
}

// start 订阅行情并启动循环。返回前订阅已建立，之后发布的 K 线不会漏掉。
func (r *runner) start(onExit func(*runner, error)) {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.sub = r.eng.market.Subscribe(r.run.Symbols...)
	go func() {
		err := r.loop(ctx)
		r.sub.Cancel()
		close(r.done)
		onExit(r, err)
	}()
}

// stop 取消订阅并等待循环退出；已入队的下单任务不受影响。
func (r *runner) stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.sub != nil {
		r.sub.Cancel()
	}
	<-r.done
}

func (r *runner) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-r.sub.C():
			if !ok {
				return nil
			}
			if err := r.onCandle(ctx, c); err != nil {
				return err
			}
		}
	}
}

func (r *runner) remember(c types.Candle) []types.Candle {
	h := append(r.history[c.Symbol], c)
	if len(h) > r.lookback {
		h = append([]types.Candle(nil), h[len(h)-r.lookback:]...)
	}
	r.history[c.Symbol] = h
	return h
}

// onCandle 处理一根 K 线。只有策略故障会返回错误，下单失败只记录。
func (r *runner) onCandle(ctx context.Context, c types.Candle) error {
	hist := r.remember(c)
	r.cycles.Add(1)

	positions, err := r.eng.ledger.Snapshot(ctx, r.run.AccountID)
	if err != nil {
		r.logger.Warn("position snapshot failed, skipping candle", zap.String("symbol", c.Symbol), zap.Error(err))
		return nil
	}
	st := strategy.State{
		RunID:      r.run.ID,
		AccountID:  r.run.AccountID,
		Config:     r.run.Config,
		Positions:  make(map[string]decimal.Decimal, len(positions)),
		History:    append([]types.Candle(nil), hist...),
		Indicators: strategy.ComputeIndicators(r.indicators, hist),
	}
	for _, p := range positions {
		st.Positions[p.Symbol] = p.Quantity
	}

	intents, err := invoke(r.eng.cfg.InvokeTimeout, r.def.Run, c, st)
	if err != nil {
		return err
	}
	if len(intents) == 0 {
		return nil
	}

	origin := order.Origin{
		RunID:      r.run.ID,
		AccountID:  r.run.AccountID,
		Mode:       r.run.Mode,
		Cycle:      c.Time.UnixMilli(),
		Allocation: r.allocation,
	}
	for i := range intents {
		if intents[i].Exchange == "" {
			intents[i].Exchange = c.Exchange
		}
	}
	done, err := r.eng.queues.enqueue(ctx, r.run.AccountID, func(qctx context.Context) {
		r.forward(qctx, origin, intents)
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			r.logger.Warn("enqueue intents failed", zap.Int("intents", len(intents)), zap.Error(err))
		}
		return nil
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
	return nil
}

// forward 按产出顺序把意图交给 Order Manager。
func (r *runner) forward(ctx context.Context, origin order.Origin, intents []types.Intent) {
	for _, in := range intents {
		o, err := r.eng.orders.CreateOrder(ctx, origin, in)
		var denied *order.DeniedError
		switch {
		case err == nil:
			r.logger.Debug("intent forwarded",
				zap.String("order_id", o.ID),
				zap.String("symbol", o.Symbol),
				zap.String("status", string(o.Status)))
		case errors.As(err, &denied):
			r.logger.Info("intent denied by risk",
				zap.String("symbol", in.Symbol),
				zap.String("rule", denied.Decision.Rule))
		case errors.Is(err, order.ErrDuplicateIntent):
			r.logger.Debug("duplicate intent skipped", zap.String("symbol", in.Symbol))
		default:
			r.logger.LogError(err, map[string]interface{}{
				"run_id": origin.RunID,
				"symbol": in.Symbol,
				"side":   string(in.Side),
			})
		}
	}
}
