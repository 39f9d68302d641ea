package inventory

import "github.com/shopspring/decimal"

// Revalue 以 mark 重新计算未实现盈亏；mark 非正数时保持不变。
func (p *Position) Revalue(mark decimal.Decimal) {
	if !mark.IsPositive() {
		return
	}
	p.LastPrice = mark
	if p.Quantity.IsZero() {
		p.UnrealizedPnL = decimal.Zero
		return
	}
	p.UnrealizedPnL = mark.Sub(p.AveragePrice).Mul(p.Quantity)
}

// Notional 按最新价计算的持仓市值（绝对值）。
func (p Position) Notional() decimal.Decimal {
	px := p.LastPrice
	if !px.IsPositive() {
		px = p.AveragePrice
	}
	return p.Quantity.Abs().Mul(px)
}

// Valuation 账户层面的盈亏汇总。
type Valuation struct {
	Realized      decimal.Decimal `json:"realized_pnl"`
	Unrealized    decimal.Decimal `json:"unrealized_pnl"`
	Total         decimal.Decimal `json:"total_pnl"`
	CapitalUsed   decimal.Decimal `json:"capital_used"`
	OpenPositions int             `json:"open_positions_count"`
}

// Value 汇总一组持仓。
func Value(positions []Position) Valuation {
	var v Valuation
	for _, p := range positions {
		v.Realized = v.Realized.Add(p.RealizedPnL)
		v.Unrealized = v.Unrealized.Add(p.UnrealizedPnL)
		if p.Open() {
			v.OpenPositions++
			v.CapitalUsed = v.CapitalUsed.Add(p.Quantity.Abs().Mul(p.AveragePrice))
		}
	}
	v.Total = v.Realized.Add(v.Unrealized)
	return v
}
