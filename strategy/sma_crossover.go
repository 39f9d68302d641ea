package strategy

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"algo-trader-go/internal/types"
)

const SMACrossoverName = "sma_crossover"

type smaParams struct {
	fast, slow int
	qty        decimal.Decimal
}

func smaParamsFrom(cfg Config) (smaParams, error) {
	fast, err := cfg.Int("fast_period", 10)
	if err != nil {
		return smaParams{}, err
	}
	slow, err := cfg.Int("slow_period", 20)
	if err != nil {
		return smaParams{}, err
	}
	qty, err := cfg.Decimal("quantity", decimal.NewFromInt(1))
	if err != nil {
		return smaParams{}, err
	}
	return smaParams{fast: fast, slow: slow, qty: qty}, nil
}

// SMACrossover 快线上穿慢线且无多头时买入；快线下穿慢线且持有多头时全部卖出。
func SMACrossover() Definition {
	return Definition{
		Name:    SMACrossoverName,
		Aliases: []string{"ma_crossover", "simple_ma", "moving_average"},
		Lookback: func(cfg Config) int {
			p, err := smaParamsFrom(cfg)
			if err != nil {
				return 0
			}
			return p.slow + 1
		},
		Indicators: func(cfg Config) []string {
			p, err := smaParamsFrom(cfg)
			if err != nil {
				return nil
			}
			return []string{SMAName(p.fast), SMAName(p.slow)}
		},
		Validate: func(cfg Config) error {
			p, err := smaParamsFrom(cfg)
			if err != nil {
				return err
			}
			if p.fast <= 0 || p.slow <= 0 {
				return errors.New("fast_period and slow_period must be positive")
			}
			if p.fast >= p.slow {
				return fmt.Errorf("fast_period %d must be less than slow_period %d", p.fast, p.slow)
			}
			if !p.qty.IsPositive() {
				return errors.New("quantity must be positive")
			}
			return nil
		},
		Run: smaCrossover,
	}
}

func smaCrossover(c types.Candle, st State) ([]types.Intent, error) {
	p, err := smaParamsFrom(st.Config)
	if err != nil {
		return nil, err
	}
	fast, ok1 := st.Indicators[SMAName(p.fast)]
	slow, ok2 := st.Indicators[SMAName(p.slow)]
	prevFast, ok3 := st.Indicators["prev_"+SMAName(p.fast)]
	prevSlow, ok4 := st.Indicators["prev_"+SMAName(p.slow)]
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return nil, nil
	}
	pos := st.Position(c.Symbol)

	switch {
	case prevFast.LessThanOrEqual(prevSlow) && fast.GreaterThan(slow):
		if pos.IsPositive() {
			return nil, nil
		}
		return []types.Intent{{
			Symbol:    c.Symbol,
			Exchange:  c.Exchange,
			Side:      types.SideBuy,
			Quantity:  p.qty,
			Kind:      types.KindMarket,
			Product:   types.ProductIntraday,
			Rationale: "Fast MA crossed above slow MA",
		}}, nil
	case prevFast.GreaterThanOrEqual(prevSlow) && fast.LessThan(slow):
		if !pos.IsPositive() {
			return nil, nil
		}
		return []types.Intent{{
			Symbol:    c.Symbol,
			Exchange:  c.Exchange,
			Side:      types.SideSell,
			Quantity:  pos,
			Kind:      types.KindMarket,
			Product:   types.ProductIntraday,
			Rationale: "Fast MA crossed below slow MA",
		}}, nil
	}
	return nil, nil
}
