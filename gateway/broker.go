package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"algo-trader-go/internal/types"
)

// State 券商侧订单状态，与具体交易所无关。
type State string

const (
	StatePending         State = "pending"
	StateOpen            State = "open"
	StatePartiallyFilled State = "partially_filled"
	StateFilled          State = "filled"
	StateCancelled       State = "cancelled"
	StateRejected        State = "rejected"
	StateExpired         State = "expired"
)

// Terminal 是否为终态。
func (s State) Terminal() bool {
	switch s {
	case StateFilled, StateCancelled, StateRejected, StateExpired:
		return true
	}
	return false
}

// OrderRequest 下单请求。
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Exchange      string
	Side          types.Side
	Kind          types.OrderKind
	Product       types.ProductType
	Quantity      decimal.Decimal
	Price         *decimal.Decimal
	TriggerPrice  *decimal.Decimal
}

// OrderResult 所有操作统一的结果形态。FilledQuantity 为累计成交量，AveragePrice 为累计成交均价。
type OrderResult struct {
	BrokerOrderID  string
	ClientOrderID  string
	State          State
	FilledQuantity decimal.Decimal
	AveragePrice   decimal.Decimal
	Message        string
	Raw            json.RawMessage
	UpdatedAt      time.Time
}

// Position 券商持仓。
type Position struct {
	Symbol       string
	Exchange     string
	Product      types.ProductType
	Quantity     decimal.Decimal
	AveragePrice decimal.Decimal
	LastPrice    decimal.Decimal
}

// Balance 账户资金。
type Balance struct {
	Available decimal.Decimal
	Used      decimal.Decimal
	Total     decimal.Decimal
	Raw       json.RawMessage
}

// OrderQuery 拉取订单列表的过滤条件。
type OrderQuery struct {
	State  State
	Symbol string
}

// Adapter 是券商适配器契约，每个交易场所一个实现。
// 业务拒单以 StateRejected 的结果返回；只有传输与鉴权失败返回 error。
type Adapter interface {
	Venue() string
	Authenticate(ctx context.Context) error
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, brokerOrderID string) (OrderResult, error)
	OrderStatus(ctx context.Context, brokerOrderID string) (OrderResult, error)
	Positions(ctx context.Context) ([]Position, error)
	Orders(ctx context.Context, q OrderQuery) ([]OrderResult, error)
	Balance(ctx context.Context) (Balance, error)
}

// ClientOrderLookup 按客户端订单号查询，用于重试前确认券商是否已经受理。
// 未找到时返回 ErrOrderNotFound。
type ClientOrderLookup interface {
	LookupClientOrder(ctx context.Context, clientOrderID string) (OrderResult, error)
}
