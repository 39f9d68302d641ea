package risk

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"algo-trader-go/internal/types"
)

var hundred = decimal.NewFromInt(100)

// Limits 风控阈值。百分比相对账户资金；绝对值大于 0 时优先于百分比。
type Limits struct {
	MaxDailyLossPct       decimal.Decimal
	MaxDailyLoss          decimal.Decimal
	MaxOpenPositions      int
	MaxPositionSizePct    decimal.Decimal
	MaxPositionSize       decimal.Decimal
	PerStrategyCapitalPct decimal.Decimal
	Instruments           map[string]InstrumentConstraints
}

// DefaultLimits 日亏损 5%、最多 10 个持仓、单仓 10%、单策略 30%。
func DefaultLimits() Limits {
	return Limits{
		MaxDailyLossPct:       decimal.NewFromInt(5),
		MaxOpenPositions:      10,
		MaxPositionSizePct:    decimal.NewFromInt(10),
		PerStrategyCapitalPct: decimal.NewFromInt(30),
	}
}

func capOf(abs, pct, capital decimal.Decimal) decimal.Decimal {
	if abs.IsPositive() {
		return abs
	}
	if pct.IsPositive() && capital.IsPositive() {
		return capital.Mul(pct).Div(hundred)
	}
	return decimal.Zero
}

// DailyLossCap 当日允许的最大亏损（正数），0 表示不限制。
func (l Limits) DailyLossCap(capital decimal.Decimal) decimal.Decimal {
	return capOf(l.MaxDailyLoss, l.MaxDailyLossPct, capital)
}

// PositionSizeCap 单个持仓的最大名义金额，0 表示不限制。
func (l Limits) PositionSizeCap(capital decimal.Decimal) decimal.Decimal {
	return capOf(l.MaxPositionSize, l.MaxPositionSizePct, capital)
}

// StrategyAllocation 单次运行可占用的资金。
func (l Limits) StrategyAllocation(snap *AccountSnapshot) decimal.Decimal {
	if snap.RunAllocation.IsPositive() {
		return snap.RunAllocation
	}
	return capOf(decimal.Zero, l.PerStrategyCapitalPct, snap.Capital)
}

// Rules 按固定顺序生成规则链：校验、合约约束、日亏损、持仓数、单仓规模、策略资金。
func (l Limits) Rules() Chain {
	return Chain{
		RuleFunc{RuleName: RuleIntentValidation, Level: SeverityWarning, CheckFunc: validateIntent},
		RuleFunc{RuleName: RuleInstrumentConstraints, Level: SeverityWarning, CheckFunc: l.checkInstrument},
		RuleFunc{RuleName: RuleMaxDailyLoss, Level: SeverityCritical, CheckFunc: l.checkDailyLoss},
		RuleFunc{RuleName: RuleMaxOpenPositions, Level: SeverityWarning, CheckFunc: l.checkOpenPositions},
		RuleFunc{RuleName: RuleMaxPositionSize, Level: SeverityWarning, CheckFunc: l.checkPositionSize},
		RuleFunc{RuleName: RulePerStrategyCapital, Level: SeverityWarning, CheckFunc: l.checkStrategyCapital},
	}
}

func validateIntent(in types.Intent, snap *AccountSnapshot) error {
	switch {
	case strings.TrimSpace(in.Symbol) == "":
		return fmt.Errorf("%w: symbol is required", ErrInvalidIntent)
	case in.Side != types.SideBuy && in.Side != types.SideSell:
		return fmt.Errorf("%w: side %q", ErrInvalidIntent, in.Side)
	case !in.Quantity.IsPositive():
		return fmt.Errorf("%w: quantity must be positive, got %s", ErrInvalidIntent, in.Quantity)
	case !in.Kind.Valid():
		return fmt.Errorf("%w: order kind %q", ErrInvalidIntent, in.Kind)
	case !in.Product.Valid():
		return fmt.Errorf("%w: product type %q", ErrInvalidIntent, in.Product)
	case in.Kind.NeedsPrice() && (in.Price == nil || !in.Price.IsPositive()):
		return fmt.Errorf("%w: %s order requires a positive price", ErrInvalidIntent, in.Kind)
	case in.Kind.NeedsTrigger() && (in.TriggerPrice == nil || !in.TriggerPrice.IsPositive()):
		return fmt.Errorf("%w: %s order requires a positive trigger price", ErrInvalidIntent, in.Kind)
	}
	if _, ok := snap.ReferencePrice(in); !ok {
		return fmt.Errorf("%w: no reference price for %s", ErrInvalidIntent, in.Symbol)
	}
	return nil
}

func (l Limits) checkInstrument(in types.Intent, snap *AccountSnapshot) error {
	c, ok := l.Instruments[in.Symbol]
	if !ok {
		return nil
	}
	ref, _ := snap.ReferencePrice(in)
	return c.Validate(in, ref)
}

func (l Limits) checkDailyLoss(_ types.Intent, snap *AccountSnapshot) error {
	limit := l.DailyLossCap(snap.Capital)
	if !limit.IsPositive() {
		return nil
	}
	pnl := snap.DayPnL()
	if pnl.LessThanOrEqual(limit.Neg()) {
		return fmt.Errorf("%w: day pnl %s <= -%s", ErrDailyLossExceeded, pnl.StringFixed(2), limit.StringFixed(2))
	}
	return nil
}

func (l Limits) checkOpenPositions(in types.Intent, snap *AccountSnapshot) error {
	if l.MaxOpenPositions <= 0 || !snap.Quantity(in.Symbol).IsZero() {
		return nil
	}
	if n := snap.OpenSymbols(); n >= l.MaxOpenPositions {
		return fmt.Errorf("%w: %d open, max %d", ErrOpenPositionsExceeded, n, l.MaxOpenPositions)
	}
	return nil
}

// checkPositionSize 只约束扩大敞口的意图，减仓总是放行。
func (l Limits) checkPositionSize(in types.Intent, snap *AccountSnapshot) error {
	limit := l.PositionSizeCap(snap.Capital)
	if !limit.IsPositive() {
		return nil
	}
	cur := snap.Quantity(in.Symbol)
	next := cur.Add(in.SignedQuantity())
	if next.Abs().LessThanOrEqual(cur.Abs()) {
		return nil
	}
	ref, _ := snap.ReferencePrice(in)
	notional := next.Abs().Mul(ref)
	if notional.GreaterThan(limit) {
		return fmt.Errorf("%w: %s notional %s > %s", ErrPositionSizeExceeded, in.Symbol, notional.StringFixed(2), limit.StringFixed(2))
	}
	return nil
}

func (l Limits) checkStrategyCapital(in types.Intent, snap *AccountSnapshot) error {
	if snap.RunID == "" {
		return nil
	}
	alloc := l.StrategyAllocation(snap)
	if !alloc.IsPositive() {
		return nil
	}
	ref, _ := snap.ReferencePrice(in)
	committed := snap.RunCommitted.Add(in.Quantity.Mul(ref))
	if committed.GreaterThan(alloc) {
		return fmt.Errorf("%w: run %s committed %s > allocation %s", ErrStrategyCapitalExceeded, snap.RunID, committed.StringFixed(2), alloc.StringFixed(2))
	}
	return nil
}
