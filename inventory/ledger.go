package inventory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"algo-trader-go/infrastructure/logger"
	"algo-trader-go/infrastructure/monitor"
)

// Store 持仓的持久化来源，是唯一可信数据。
type Store interface {
	Position(ctx context.Context, accountID, symbol string) (*Position, error)
	Positions(ctx context.Context, accountID string) ([]Position, error)
	Fills(ctx context.Context, accountID string) ([]Fill, error)
	ReplacePositions(ctx context.Context, accountID string, positions []Position) error
}

// CommitFunc 在同一事务中写入成交与新持仓；返回错误时缓存不更新。
type CommitFunc func(ctx context.Context, next Position, realized decimal.Decimal) error

type cacheKey struct{ account, symbol string }

// Ledger 是持仓的唯一写入者。写操作按账户串行，跨账户并行。
// 内存缓存只在提交成功后同步刷新，读快照时以 Store 为准。
type Ledger struct {
	store   Store
	logger  *logger.Logger
	monitor *monitor.Monitor

	locks sync.Map // account -> *sync.Mutex

	mu    sync.RWMutex
	cache map[cacheKey]Position
	marks map[string]decimal.Decimal
}

func NewLedger(store Store, lg *logger.Logger, mon *monitor.Monitor) *Ledger {
	if lg == nil {
		lg = logger.NewNop()
	}
	return &Ledger{
		store:   store,
		logger:  lg,
		monitor: mon,
		cache:   make(map[cacheKey]Position),
		marks:   make(map[string]decimal.Decimal),
	}
}

func (l *Ledger) lock(account string) func() {
	v, _ := l.locks.LoadOrStore(account, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// ApplyFill 读取当前持仓，计算新持仓，交给 commit 原子落库，成功后刷新缓存。
func (l *Ledger) ApplyFill(ctx context.Context, f Fill, commit CommitFunc) (Position, decimal.Decimal, error) {
	if !f.Quantity.IsPositive() || !f.Price.IsPositive() {
		return Position{}, decimal.Zero, fmt.Errorf("invalid fill %s %s @ %s", f.Symbol, f.Quantity, f.Price)
	}
	unlock := l.lock(f.AccountID)
	defer unlock()

	cur, err := l.store.Position(ctx, f.AccountID, f.Symbol)
	if err != nil {
		return Position{}, decimal.Zero, fmt.Errorf("load position %s/%s: %w", f.AccountID, f.Symbol, err)
	}
	base := Position{AccountID: f.AccountID, Symbol: f.Symbol, Exchange: f.Exchange}
	if cur != nil {
		base = *cur
	}
	next, realized := base.Apply(f)
	if mark, ok := l.mark(f.Symbol); ok {
		next.Revalue(mark)
	}
	if commit != nil {
		if err := commit(ctx, next, realized); err != nil {
			return Position{}, decimal.Zero, err
		}
	}

	l.mu.Lock()
	l.cache[cacheKey{f.AccountID, f.Symbol}] = next
	l.mu.Unlock()

	l.monitor.UpdatePosition(f.AccountID, f.Symbol, next.Quantity.InexactFloat64())
	l.logger.LogTrade("position_updated", map[string]interface{}{
		"account":  f.AccountID,
		"symbol":   f.Symbol,
		"side":     string(f.Side),
		"qty":      f.Quantity.String(),
		"price":    f.Price.String(),
		"position": next.Quantity.String(),
		"avg":      next.AveragePrice.String(),
		"realized": realized.String(),
	})
	return next, realized, nil
}

// Snapshot 从 Store 读取账户全部持仓并按最新价估值。
func (l *Ledger) Snapshot(ctx context.Context, accountID string) ([]Position, error) {
	rows, err := l.store.Positions(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load positions %s: %w", accountID, err)
	}
	l.mu.Lock()
	for i := range rows {
		if mark, ok := l.marks[rows[i].Symbol]; ok {
			rows[i].Revalue(mark)
		}
		l.cache[cacheKey{accountID, rows[i].Symbol}] = rows[i]
	}
	l.mu.Unlock()
	sort.Slice(rows, func(i, j int) bool { return rows[i].Symbol < rows[j].Symbol })
	return rows, nil
}

// Mark 记录最新价并重估缓存中的持仓。
func (l *Ledger) Mark(symbol string, price decimal.Decimal) {
	if !price.IsPositive() {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.marks[symbol] = price
	for k, p := range l.cache {
		if k.symbol != symbol {
			continue
		}
		p.Revalue(price)
		l.cache[k] = p
	}
}

func (l *Ledger) mark(symbol string) (decimal.Decimal, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.marks[symbol]
	return p, ok
}

// Marks 返回最新价副本。
func (l *Ledger) Marks() map[string]decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]decimal.Decimal, len(l.marks))
	for k, v := range l.marks {
		out[k] = v
	}
	return out
}

// Replay 从成交流水重算持仓，不读写任何状态。
func Replay(accountID string, fills []Fill) []Position {
	by := make(map[string]Position)
	for _, f := range fills {
		cur, ok := by[f.Symbol]
		if !ok {
			cur = Position{AccountID: accountID, Symbol: f.Symbol, Exchange: f.Exchange}
		}
		next, _ := cur.Apply(f)
		by[f.Symbol] = next
	}
	out := make([]Position, 0, len(by))
	for _, p := range by {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Rebuild 按成交流水重建账户持仓并覆盖 Store，用于启动时修复偏差。
func (l *Ledger) Rebuild(ctx context.Context, accountID string) ([]Position, error) {
	unlock := l.lock(accountID)
	defer unlock()

	fills, err := l.store.Fills(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load fills %s: %w", accountID, err)
	}
	positions := Replay(accountID, fills)
	if err := l.store.ReplacePositions(ctx, accountID, positions); err != nil {
		return nil, fmt.Errorf("replace positions %s: %w", accountID, err)
	}

	l.mu.Lock()
	for k := range l.cache {
		if k.account == accountID {
			delete(l.cache, k)
		}
	}
	for _, p := range positions {
		l.cache[cacheKey{accountID, p.Symbol}] = p
	}
	l.mu.Unlock()

	l.logger.LogTrade("ledger_rebuilt", map[string]interface{}{
		"account":   accountID,
		"fills":     len(fills),
		"positions": len(positions),
	})
	return positions, nil
}
