package risk

import (
	"github.com/shopspring/decimal"

	"algo-trader-go/internal/types"
)

// Holding 快照中的单个持仓。
type Holding struct {
	Quantity     decimal.Decimal // 带符号
	AveragePrice decimal.Decimal
	LastPrice    decimal.Decimal
}

// AccountSnapshot 评估时账户状态的只读副本，由调用方在账户锁内构造。
type AccountSnapshot struct {
	AccountID     string
	Capital       decimal.Decimal
	Positions     map[string]Holding
	Marks         map[string]decimal.Decimal
	RealizedToday decimal.Decimal

	RunID         string
	RunAllocation decimal.Decimal // 0 表示按 Limits 的百分比计算
	RunCommitted  decimal.Decimal // 本次运行已占用的名义金额
}

// Mark 返回 symbol 的最新价，先看行情再看持仓记录。
func (s *AccountSnapshot) Mark(symbol string) (decimal.Decimal, bool) {
	if p, ok := s.Marks[symbol]; ok && p.IsPositive() {
		return p, true
	}
	if h, ok := s.Positions[symbol]; ok && h.LastPrice.IsPositive() {
		return h.LastPrice, true
	}
	return decimal.Zero, false
}

// ReferencePrice 用于名义金额计算：限价优先，其次触发价，最后是最新价。
func (s *AccountSnapshot) ReferencePrice(in types.Intent) (decimal.Decimal, bool) {
	if in.Price != nil && in.Price.IsPositive() {
		return *in.Price, true
	}
	if in.TriggerPrice != nil && in.TriggerPrice.IsPositive() {
		return *in.TriggerPrice, true
	}
	return s.Mark(in.Symbol)
}

// Quantity 当前带符号持仓。
func (s *AccountSnapshot) Quantity(symbol string) decimal.Decimal {
	return s.Positions[symbol].Quantity
}

// OpenSymbols 非零持仓的数量。
func (s *AccountSnapshot) OpenSymbols() int {
	n := 0
	for _, h := range s.Positions {
		if !h.Quantity.IsZero() {
			n++
		}
	}
	return n
}

// Unrealized 按最新价计算的未实现盈亏，没有价格的持仓不计入。
func (s *AccountSnapshot) Unrealized() decimal.Decimal {
	total := decimal.Zero
	for sym, h := range s.Positions {
		if h.Quantity.IsZero() {
			continue
		}
		mark, ok := s.Mark(sym)
		if !ok {
			continue
		}
		total = total.Add(mark.Sub(h.AveragePrice).Mul(h.Quantity))
	}
	return total
}

// DayPnL 当日已实现加未实现。
func (s *AccountSnapshot) DayPnL() decimal.Decimal {
	return s.RealizedToday.Add(s.Unrealized())
}
