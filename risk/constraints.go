package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"algo-trader-go/internal/types"
)

// InstrumentConstraints 描述合约的最小变动价位、手数与名义限制。
type InstrumentConstraints struct {
	TickSize    decimal.Decimal
	LotSize     decimal.Decimal
	MinQty      decimal.Decimal
	MaxQty      decimal.Decimal
	MinNotional decimal.Decimal
}

// Validate 检查价格、数量是否符合精度与最小名义；ref 为参考价。
func (c InstrumentConstraints) Validate(in types.Intent, ref decimal.Decimal) error {
	for _, p := range []*decimal.Decimal{in.Price, in.TriggerPrice} {
		if p != nil && !isMultiple(*p, c.TickSize) {
			return fmt.Errorf("%w: price %s not aligned to tick size %s", ErrConstraintViolation, p, c.TickSize)
		}
	}
	qty := in.Quantity
	if !isMultiple(qty, c.LotSize) {
		return fmt.Errorf("%w: qty %s not a multiple of lot size %s", ErrConstraintViolation, qty, c.LotSize)
	}
	if c.MinQty.IsPositive() && qty.LessThan(c.MinQty) {
		return fmt.Errorf("%w: qty %s < min qty %s", ErrConstraintViolation, qty, c.MinQty)
	}
	if c.MaxQty.IsPositive() && qty.GreaterThan(c.MaxQty) {
		return fmt.Errorf("%w: qty %s > max qty %s", ErrConstraintViolation, qty, c.MaxQty)
	}
	if c.MinNotional.IsPositive() && ref.IsPositive() {
		if n := qty.Mul(ref); n.LessThan(c.MinNotional) {
			return fmt.Errorf("%w: notional %s < min notional %s", ErrConstraintViolation, n.StringFixed(2), c.MinNotional)
		}
	}
	return nil
}

func isMultiple(v, step decimal.Decimal) bool {
	if !step.IsPositive() {
		return true
	}
	return v.Mod(step).IsZero()
}
