package risk

import (
	"sync/atomic"

	"algo-trader-go/internal/types"
)

// Decision 评估结果；Allowed 为 false 时 Rule/Severity/Message 描述第一条拒绝的规则。
type Decision struct {
	Allowed  bool
	Rule     string
	Severity Severity
	Message  string
	Err      error
}

// Engine 无状态的风控评估器，构造后只读，可被任意 goroutine 并发使用。
type Engine struct {
	limits Limits
	rules  Chain
}

// NewEngine 使用 limits 的内置规则，extra 追加在其后。
func NewEngine(limits Limits, extra ...Rule) *Engine {
	rules := limits.Rules()
	rules = append(rules, extra...)
	return &Engine{limits: limits, rules: rules}
}

// Limits 返回当前阈值。
func (e *Engine) Limits() Limits { return e.limits }

// Evaluate 依次执行规则，第一个拒绝即返回。
func (e *Engine) Evaluate(in types.Intent, snap AccountSnapshot) Decision {
	in = in.Normalize()
	rule, err := e.rules.First(in, &snap)
	if rule == nil {
		return Decision{Allowed: true}
	}
	return Decision{
		Allowed:  false,
		Rule:     rule.Name(),
		Severity: rule.Severity(),
		Message:  err.Error(),
		Err:      err,
	}
}

// Provider 持有当前生效的 Engine，热更新时整体替换。
type Provider struct {
	cur atomic.Pointer[Engine]
}

func NewProvider(e *Engine) *Provider {
	p := &Provider{}
	p.cur.Store(e)
	return p
}

// Current 返回当前 Engine。
func (p *Provider) Current() *Engine { return p.cur.Load() }

// Swap 替换为新 Engine。
func (p *Provider) Swap(e *Engine) {
	if e != nil {
		p.cur.Store(e)
	}
}

// UpdateLimits 按新阈值重建 Engine。
func (p *Provider) UpdateLimits(l Limits) {
	p.Swap(NewEngine(l))
}
