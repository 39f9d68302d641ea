package strategy

import (
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"algo-trader-go/internal/types"
)

// Config 运行配置，来自 StrategyRun.Config（JSON 解码后数字为 float64）。
type Config map[string]any

// Int 读取整数配置。
func (c Config) Int(key string, def int) (int, error) {
	v, ok := c[key]
	if !ok || v == nil {
		return def, nil
	}
	switch x := v.(type) {
	case int:
		return x, nil
	case int64:
		return int(x), nil
	case float64:
		if x != float64(int(x)) {
			return 0, fmt.Errorf("config %s: %v is not an integer", key, x)
		}
		return int(x), nil
	case string:
		n, err := strconv.Atoi(x)
		if err != nil {
			return 0, fmt.Errorf("config %s: %w", key, err)
		}
		return n, nil
	}
	return 0, fmt.Errorf("config %s: unsupported type %T", key, v)
}

// Decimal 读取数值配置。
func (c Config) Decimal(key string, def decimal.Decimal) (decimal.Decimal, error) {
	v, ok := c[key]
	if !ok || v == nil {
		return def, nil
	}
	switch x := v.(type) {
	case int:
		return decimal.NewFromInt(int64(x)), nil
	case int64:
		return decimal.NewFromInt(x), nil
	case float64:
		return decimal.NewFromFloat(x), nil
	case string:
		d, err := decimal.NewFromString(x)
		if err != nil {
			return decimal.Zero, fmt.Errorf("config %s: %w", key, err)
		}
		return d, nil
	case decimal.Decimal:
		return x, nil
	}
	return decimal.Zero, fmt.Errorf("config %s: unsupported type %T", key, v)
}

// String 读取字符串配置。
func (c Config) String(key, def string) string {
	if s, ok := c[key].(string); ok && s != "" {
		return s
	}
	return def
}

// State 调用时由外部注入的状态。策略函数不得持有或修改它。
type State struct {
	RunID      string
	AccountID  string
	Config     Config
	Positions  map[string]decimal.Decimal // symbol -> 带符号数量
	History    []types.Candle             // 当前合约，时间升序，最后一根为当前 K 线
	Indicators map[string]decimal.Decimal
}

// Position 当前持仓，无持仓为 0。
func (s State) Position(symbol string) decimal.Decimal {
	return s.Positions[symbol]
}

// Func 纯函数：相同输入总是产出相同意图。
type Func func(c types.Candle, st State) ([]types.Intent, error)

// Definition 一个可注册的策略。
type Definition struct {
	Name    string
	Aliases []string
	Run     Func
	// Lookback 需要保留的历史 K 线数量
	Lookback func(Config) int
	// Indicators 需要预先计算的指标名，例如 sma_10
	Indicators func(Config) []string
	Validate   func(Config) error
}
