package inventory

import (
	"time"

	"github.com/shopspring/decimal"

	"algo-trader-go/internal/types"
)

// Position 单个 (账户, 合约) 的持仓。Quantity 带符号，等于所有成交的带符号累加。
type Position struct {
	AccountID     string          `json:"account_id"`
	Symbol        string          `json:"symbol"`
	Exchange      string          `json:"exchange"`
	Quantity      decimal.Decimal `json:"quantity"`
	AveragePrice  decimal.Decimal `json:"average_price"`
	LastPrice     decimal.Decimal `json:"last_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Fill 一次已确认的成交。
type Fill struct {
	AccountID string
	Symbol    string
	Exchange  string
	Side      types.Side
	Quantity  decimal.Decimal
	Price     decimal.Decimal
	At        time.Time
}

// Signed 买为正，卖为负。
func (f Fill) Signed() decimal.Decimal {
	return f.Quantity.Mul(f.Side.Sign())
}

// Apply 返回应用成交后的新持仓以及本次成交实现的盈亏。接收者不被修改。
// 同向加仓按成交量加权平均；反向成交先平仓并实现盈亏，穿越零点时剩余部分以成交价开新仓。
func (p Position) Apply(f Fill) (Position, decimal.Decimal) {
	next := p
	if next.AccountID == "" {
		next.AccountID = f.AccountID
	}
	if next.Symbol == "" {
		next.Symbol = f.Symbol
	}
	if f.Exchange != "" {
		next.Exchange = f.Exchange
	}
	signed := f.Signed()
	cur := p.Quantity
	qty := cur.Add(signed)
	realized := decimal.Zero

	switch {
	case cur.IsZero() || cur.Sign() == signed.Sign():
		cost := cur.Abs().Mul(p.AveragePrice).Add(f.Quantity.Mul(f.Price))
		next.AveragePrice = cost.Div(qty.Abs())
	default:
		closing := decimal.Min(signed.Abs(), cur.Abs())
		realized = f.Price.Sub(p.AveragePrice).Mul(closing).Mul(decimal.NewFromInt(int64(cur.Sign())))
		switch {
		case qty.IsZero():
			next.AveragePrice = decimal.Zero
		case qty.Sign() != cur.Sign():
			next.AveragePrice = f.Price
		}
	}

	next.Quantity = qty
	next.RealizedPnL = p.RealizedPnL.Add(realized)
	next.LastPrice = f.Price
	next.UpdatedAt = f.At
	next.Revalue(f.Price)
	return next, realized
}

// Open 是否有持仓。
func (p Position) Open() bool { return !p.Quantity.IsZero() }
