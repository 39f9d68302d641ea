package risk

import (
	"algo-trader-go/internal/types"
)

// Severity 风控事件级别。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// 规则名，同时用作 RiskEvent.Rule。
const (
	RuleIntentValidation      = "intent_validation"
	RuleInstrumentConstraints = "instrument_constraints"
	RuleMaxDailyLoss          = "max_daily_loss"
	RuleMaxOpenPositions      = "max_open_positions"
	RuleMaxPositionSize       = "max_position_size"
	RulePerStrategyCapital    = "per_strategy_capital"
	RuleReconcileConflict     = "reconciliation_conflict"
)

// Rule 是纯函数式的检查：同样的意图与快照总是得到同样的结果。
type Rule interface {
	Name() string
	Severity() Severity
	Check(in types.Intent, snap *AccountSnapshot) error
}

// RuleFunc 把普通函数包装成 Rule。
type RuleFunc struct {
	RuleName  string
	Level     Severity
	CheckFunc func(in types.Intent, snap *AccountSnapshot) error
}

func (f RuleFunc) Name() string       { return f.RuleName }
func (f RuleFunc) Severity() Severity { return f.Level }
func (f RuleFunc) Check(in types.Intent, snap *AccountSnapshot) error {
	if f.CheckFunc == nil {
		return nil
	}
	return f.CheckFunc(in, snap)
}

// Chain 顺序执行多个规则，第一个拒绝即中止。
type Chain []Rule

// First 返回第一个拒绝的规则及其错误；全部通过时返回 nil, nil。
func (c Chain) First(in types.Intent, snap *AccountSnapshot) (Rule, error) {
	for _, r := range c {
		if r == nil {
			continue
		}
		if err := r.Check(in, snap); err != nil {
			return r, err
		}
	}
	return nil, nil
}
