package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"algo-trader-go/config"
	"algo-trader-go/infrastructure/logger"
	"algo-trader-go/internal/store"
	"algo-trader-go/internal/types"
	"algo-trader-go/order"
)

type stats struct {
	trades       int
	buyNotional  decimal.Decimal
	sellNotional decimal.Decimal
	realizedPnL  decimal.Decimal
	bySymbol     map[string]decimal.Decimal
}

func (s *stats) add(t order.Trade) {
	if !t.Quantity.IsPositive() || !t.Price.IsPositive() {
		return
	}
	notion := t.Price.Mul(t.Quantity)
	s.trades++
	switch t.Side {
	case types.SideBuy:
		s.buyNotional = s.buyNotional.Add(notion)
	case types.SideSell:
		s.sellNotional = s.sellNotional.Add(notion)
	}
	s.realizedPnL = s.realizedPnL.Add(t.RealizedPnL)
	if s.bySymbol == nil {
		s.bySymbol = make(map[string]decimal.Decimal)
	}
	s.bySymbol[t.Symbol] = s.bySymbol[t.Symbol].Add(t.RealizedPnL)
}

func summarize(trades []order.Trade) stats {
	var st stats
	for _, t := range trades {
		st.add(t)
	}
	return st
}

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	account := flag.String("account", "", "账户 ID（必填）")
	symbol := flag.String("symbol", "", "仅统计指定合约 (默认全量)")
	sinceStr := flag.String("since", "", "仅统计此时间之后的成交 (RFC3339，例如 2026-01-02T09:15:00+05:30)")
	snapshots := flag.Int("snapshots", 5, "同时输出最近 N 条盈亏快照，0 关闭")
	flag.Parse()

	if *account == "" {
		fmt.Fprintln(os.Stderr, "必须指定 -account")
		os.Exit(2)
	}
	var since time.Time
	if *sinceStr != "" {
		var err error
		since, err = time.Parse(time.RFC3339Nano, *sinceStr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "解析 since 参数失败: %v\n", err)
			os.Exit(1)
		}
	}

	cfg, err := config.LoadWithEnvOverrides(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}
	st, err := store.Open(cfg.Store, logger.NewNop())
	if err != nil {
		fmt.Fprintf(os.Stderr, "打开数据库失败: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	trades, err := st.Trades(ctx, store.TradeFilter{
		AccountID: *account,
		Symbol:    strings.ToUpper(*symbol),
		Since:     since,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "查询成交失败: %v\n", err)
		os.Exit(1)
	}
	sum := summarize(trades)

	fmt.Printf("账户: %s\n", *account)
	if *symbol != "" {
		fmt.Printf("合约: %s\n", strings.ToUpper(*symbol))
	}
	if !since.IsZero() {
		fmt.Printf("起始时间: %s\n", since.Format(time.RFC3339))
	}
	fmt.Printf("成交笔数: %d\n", sum.trades)
	fmt.Printf("买入名义: %s\n", sum.buyNotional.StringFixed(2))
	fmt.Printf("卖出名义: %s\n", sum.sellNotional.StringFixed(2))
	fmt.Printf("净成交差额: %s\n", sum.sellNotional.Sub(sum.buyNotional).StringFixed(2))
	fmt.Printf("已实现盈亏: %s\n", sum.realizedPnL.StringFixed(2))
	for sym, pnl := range sum.bySymbol {
		fmt.Printf("  %-12s %s\n", sym, pnl.StringFixed(2))
	}

	if *snapshots > 0 {
		snaps, err := st.PnLSnapshots(ctx, *account, *snapshots)
		if err != nil {
			fmt.Fprintf(os.Stderr, "查询快照失败: %v\n", err)
			os.Exit(1)
		}
		for _, s := range snaps {
			fmt.Printf("%s realized=%s unrealized=%s total=%s positions=%d\n",
				s.CreatedAt.Format(time.RFC3339), s.Realized.StringFixed(2),
				s.Unrealized.StringFixed(2), s.Total.StringFixed(2), s.OpenPositions)
		}
	}
}
