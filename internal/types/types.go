// Package types 定义下单管线各组件共享的基础词汇：方向、订单类型、产品类型、交易意图与 K 线。
package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side 买卖方向。
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ParseSide 解析大小写不敏感的方向字符串。
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToUpper(strings.TrimSpace(s))) {
	case SideBuy:
		return SideBuy, nil
	case SideSell:
		return SideSell, nil
	default:
		return "", fmt.Errorf("invalid side %q", s)
	}
}

// Sign 买为 +1，卖为 -1。
func (s Side) Sign() decimal.Decimal {
	if s == SideSell {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// Opposite 返回反方向。
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderKind 订单类型。
type OrderKind string

const (
	KindMarket    OrderKind = "MARKET"
	KindLimit     OrderKind = "LIMIT"
	KindStopLimit OrderKind = "SL"
	KindStopMkt   OrderKind = "SL-M"
)

// NeedsPrice 限价类订单必须带价格。
func (k OrderKind) NeedsPrice() bool {
	return k == KindLimit || k == KindStopLimit
}

// NeedsTrigger 止损类订单必须带触发价。
func (k OrderKind) NeedsTrigger() bool {
	return k == KindStopLimit || k == KindStopMkt
}

// Valid 是否为已知类型。
func (k OrderKind) Valid() bool {
	switch k {
	case KindMarket, KindLimit, KindStopLimit, KindStopMkt:
		return true
	}
	return false
}

// ProductType 产品类型（日内、保证金、现货等）。
type ProductType string

const (
	ProductIntraday ProductType = "INTRADAY"
	ProductMargin   ProductType = "MARGIN"
	ProductCash     ProductType = "CASH"
	ProductCO       ProductType = "CO"
	ProductBO       ProductType = "BO"
)

// Valid 是否为已知产品类型。
func (p ProductType) Valid() bool {
	switch p {
	case ProductIntraday, ProductMargin, ProductCash, ProductCO, ProductBO:
		return true
	}
	return false
}

// TradingMode 运行模式。
type TradingMode string

const (
	ModePaper TradingMode = "paper"
	ModeLive  TradingMode = "live"
)

// Valid 是否为已知模式。
func (m TradingMode) Valid() bool {
	return m == ModePaper || m == ModeLive
}

// DefaultExchange 未指定交易所时使用。
const DefaultExchange = "NSE"

// Intent 是策略产出的交易意图，尚未成为订单；不落库。
type Intent struct {
	Symbol       string
	Exchange     string
	Side         Side
	Quantity     decimal.Decimal
	Price        *decimal.Decimal // 限价；市价单为 nil
	TriggerPrice *decimal.Decimal
	Kind         OrderKind
	Product      ProductType
	Rationale    string
}

// Normalize 填充默认值：交易所 NSE、市价、日内。
func (i Intent) Normalize() Intent {
	i.Symbol = strings.ToUpper(strings.TrimSpace(i.Symbol))
	if i.Exchange == "" {
		i.Exchange = DefaultExchange
	}
	if i.Kind == "" {
		i.Kind = KindMarket
	}
	if i.Product == "" {
		i.Product = ProductIntraday
	}
	return i
}

// SignedQuantity 买为正，卖为负。
func (i Intent) SignedQuantity() decimal.Decimal {
	return i.Quantity.Mul(i.Side.Sign())
}

// Candle 一根已收盘的 K 线，行情入口的基本单位。
type Candle struct {
	Symbol   string          `json:"symbol"`
	Exchange string          `json:"exchange"`
	Time     time.Time       `json:"ts"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   decimal.Decimal `json:"volume"`
}
