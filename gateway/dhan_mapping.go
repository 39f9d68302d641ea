package gateway

import (
	"strings"

	"algo-trader-go/internal/types"
)

var dhanStatusMap = map[string]State{
	"PENDING":            StatePending,
	"TRANSIT":            StatePending,
	"OPEN":               StateOpen,
	"PART_TRADED":        StatePartiallyFilled,
	"PARTIALLY_EXECUTED": StatePartiallyFilled,
	"TRADED":             StateFilled,
	"EXECUTED":           StateFilled,
	"CANCELLED":          StateCancelled,
	"REJECTED":           StateRejected,
	"EXPIRED":            StateExpired,
	"SUCCESS":            StatePending,
}

// mapDhanStatus 未知状态按 pending 处理，由对账器后续确认。
func mapDhanStatus(s string) State {
	if st, ok := dhanStatusMap[strings.ToUpper(strings.TrimSpace(s))]; ok {
		return st
	}
	return StatePending
}

func dhanStatusFor(s State) string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateOpen:
		return "OPEN"
	case StatePartiallyFilled:
		return "PART_TRADED"
	case StateFilled:
		return "TRADED"
	case StateCancelled:
		return "CANCELLED"
	case StateRejected:
		return "REJECTED"
	case StateExpired:
		return "EXPIRED"
	}
	return strings.ToUpper(string(s))
}

var segments = map[string]string{
	"NSE": "NSE_EQ",
	"BSE": "BSE_EQ",
	"NFO": "NSE_FNO",
	"BFO": "BSE_FNO",
	"CDS": "NSE_CURRENCY",
	"MCX": "MCX_COMM",
}

func dhanSegment(exchange string) string {
	ex := strings.ToUpper(exchange)
	if ex == "" {
		ex = types.DefaultExchange
	}
	if seg, ok := segments[ex]; ok {
		return seg
	}
	return ex
}

func exchangeFromSegment(seg string) string {
	for ex, s := range segments {
		if strings.EqualFold(s, seg) {
			return ex
		}
	}
	if seg == "" {
		return types.DefaultExchange
	}
	return seg
}

func dhanProduct(p string) string {
	switch types.ProductType(p) {
	case types.ProductCash:
		return "CNC"
	case "":
		return string(types.ProductIntraday)
	}
	return p
}

func productFromDhan(p string) types.ProductType {
	switch strings.ToUpper(p) {
	case "CNC":
		return types.ProductCash
	case "":
		return types.ProductIntraday
	}
	return types.ProductType(strings.ToUpper(p))
}

func dhanOrderType(k string) string {
	switch types.OrderKind(k) {
	case types.KindStopLimit:
		return "STOP_LOSS"
	case types.KindStopMkt:
		return "STOP_LOSS_MARKET"
	case "":
		return string(types.KindMarket)
	}
	return k
}
