package order

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"algo-trader-go/internal/types"
)

// Status represents order lifecycle.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusSubmitted       Status = "SUBMITTED"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusFilled          Status = "FILLED"
	StatusRejected        Status = "REJECTED"
	StatusCancelled       Status = "CANCELLED"
)

// Origin identifies where an order came from: the run, its account and the evaluation cycle.
type Origin struct {
	RunID     string
	AccountID string
	Mode      types.TradingMode
	Cycle     int64
	// Allocation is the run's capital allocation override; zero means use the account default.
	Allocation decimal.Decimal
}

// Order is the durable, broker-facing unit of work.
// Symbol/Side/Quantity/Price never change after creation.
type Order struct {
	ID            string            `json:"id"`
	ClientOrderID string            `json:"client_order_id"`
	IntentKey     string            `json:"intent_key"`
	RunID         string            `json:"run_id,omitempty"`
	AccountID     string            `json:"account_id"`
	Mode          types.TradingMode `json:"mode"`
	Symbol        string            `json:"symbol"`
	Exchange      string            `json:"exchange"`
	Side          types.Side        `json:"side"`
	Kind          types.OrderKind   `json:"kind"`
	Product       types.ProductType `json:"product"`
	Quantity      decimal.Decimal   `json:"quantity"`
	Price         *decimal.Decimal  `json:"price,omitempty"`
	TriggerPrice  *decimal.Decimal  `json:"trigger_price,omitempty"`
	Notional      decimal.Decimal   `json:"notional"` // 创建时的参考名义价值
	Rationale     string            `json:"rationale,omitempty"`

	Status         Status          `json:"status"`
	BrokerOrderID  string          `json:"broker_order_id,omitempty"`
	RejectReason   string          `json:"reject_reason,omitempty"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	AveragePrice   decimal.Decimal `json:"average_price"`
	Attempts       int             `json:"attempts"`
	BrokerResponse json.RawMessage `json:"broker_response,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	FilledAt    *time.Time `json:"filled_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
}

// Remaining 未成交数量。
func (o *Order) Remaining() decimal.Decimal {
	r := o.Quantity.Sub(o.FilledQuantity)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// CommittedNotional 订单对策略资金的占用：拒单为零，撤单只计已成交部分。
func (o *Order) CommittedNotional() decimal.Decimal {
	switch o.Status {
	case StatusRejected:
		return decimal.Zero
	case StatusCancelled:
		return o.FilledQuantity.Mul(o.AveragePrice)
	default:
		return o.Notional
	}
}

// Trade is one confirmed (possibly partial) execution against an order.
type Trade struct {
	ID          string          `json:"id"`
	OrderID     string          `json:"order_id"`
	RunID       string          `json:"run_id,omitempty"`
	AccountID   string          `json:"account_id"`
	Symbol      string          `json:"symbol"`
	Side        types.Side      `json:"side"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	ExecutedAt  time.Time       `json:"executed_at"`
}

// Filter 查询订单的条件，零值字段不参与过滤。
type Filter struct {
	AccountID string
	RunID     string
	Symbol    string
	Statuses  []Status
	Since     time.Time
	Limit     int
	Offset    int
}

// IntentKey 逻辑意图的去重键：同一 run、同一评估周期内 symbol/side/qty 相同即视为重复。
func IntentKey(runID string, cycle int64, in types.Intent) string {
	return fmt.Sprintf("%s|%d|%s|%s|%s", runID, cycle, in.Symbol, in.Side, in.Quantity.String())
}
