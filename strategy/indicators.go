package strategy

import (
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"algo-trader-go/internal/types"
)

// SMA 最后 period 根收盘价的简单均值；offset 为向前平移的根数。
func SMA(history []types.Candle, period, offset int) (decimal.Decimal, bool) {
	end := len(history) - offset
	if period <= 0 || end < period {
		return decimal.Zero, false
	}
	sum := decimal.Zero
	for _, c := range history[end-period : end] {
		sum = sum.Add(c.Close)
	}
	return sum.Div(decimal.NewFromInt(int64(period))), true
}

// ComputeIndicators 计算 sma_N 与对应的 prev_sma_N；数据不足的指标不出现在结果中。
func ComputeIndicators(names []string, history []types.Candle) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(names)*2)
	for _, name := range names {
		period, ok := parseSMA(name)
		if !ok {
			continue
		}
		if v, ok := SMA(history, period, 0); ok {
			out[name] = v
		}
		if v, ok := SMA(history, period, 1); ok {
			out["prev_"+name] = v
		}
	}
	return out
}

func parseSMA(name string) (int, bool) {
	if !strings.HasPrefix(name, "sma_") {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(name, "sma_"))
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// SMAName 指标名。
func SMAName(period int) string { return "sma_" + strconv.Itoa(period) }
