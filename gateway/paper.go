package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"algo-trader-go/internal/types"
)

// VenuePaper 进程内模拟撮合。
const VenuePaper = "paper"

// PriceSource 提供最新成交价。
type PriceSource interface {
	LastPrice(symbol string) (decimal.Decimal, bool)
}

type paperOrder struct {
	req    OrderRequest
	result OrderResult
}

// PaperBroker 模拟券商：市价单按最新价立即成交，限价单在价格穿越时成交，止损单在触发后按类型处理。
type PaperBroker struct {
	account string
	prices  PriceSource

	mu        sync.Mutex
	seq       int64
	orders    map[string]*paperOrder
	byClient  map[string]string
	positions map[string]*Position
	capital   decimal.Decimal
	used      decimal.Decimal
	now       func() time.Time
}

// NewPaperBroker 创建模拟券商。
func NewPaperBroker(account string, prices PriceSource, capital decimal.Decimal) *PaperBroker {
	return &PaperBroker{
		account:   account,
		prices:    prices,
		orders:    make(map[string]*paperOrder),
		byClient:  make(map[string]string),
		positions: make(map[string]*Position),
		capital:   capital,
		now:       time.Now,
	}
}

// NewPaperFromConfig 是 paper venue 的工厂。
func NewPaperFromConfig(cfg AccountConfig, opts Options) (Adapter, error) {
	if opts.Prices == nil {
		return nil, fmt.Errorf("paper broker requires a price source")
	}
	return NewPaperBroker(cfg.ID, opts.Prices, cfg.Capital), nil
}

func (p *PaperBroker) Venue() string { return VenuePaper }

func (p *PaperBroker) Authenticate(ctx context.Context) error { return ctx.Err() }

func (p *PaperBroker) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return OrderResult{}, newError(KindTransport, VenuePaper, "place_order", 0, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if id, ok := p.byClient[req.ClientOrderID]; ok && req.ClientOrderID != "" {
		return p.orders[id].result, nil
	}
	p.seq++
	id := "P" + strconv.FormatInt(p.seq, 10)
	po := &paperOrder{
		req: req,
		result: OrderResult{
			BrokerOrderID: id,
			ClientOrderID: req.ClientOrderID,
			State:         StateOpen,
			UpdatedAt:     p.now(),
		},
	}
	if reason := p.validate(req); reason != "" {
		po.result.State = StateRejected
		po.result.Message = reason
	} else {
		p.match(po)
	}
	p.orders[id] = po
	if req.ClientOrderID != "" {
		p.byClient[req.ClientOrderID] = id
	}
	return p.snapshot(po), nil
}

func (p *PaperBroker) validate(req OrderRequest) string {
	if !req.Quantity.IsPositive() {
		return "quantity must be positive"
	}
	if req.Kind.NeedsPrice() && (req.Price == nil || !req.Price.IsPositive()) {
		return "price required for " + string(req.Kind)
	}
	if req.Kind.NeedsTrigger() && (req.TriggerPrice == nil || !req.TriggerPrice.IsPositive()) {
		return "trigger price required for " + string(req.Kind)
	}
	if p.prices == nil {
		return "no market price for " + req.Symbol
	}
	if _, ok := p.prices.LastPrice(req.Symbol); !ok {
		return "no market price for " + req.Symbol
	}
	return ""
}

// match 以最新价撮合未完成订单。调用方持有锁。
func (p *PaperBroker) match(po *paperOrder) {
	if po.result.State.Terminal() || p.prices == nil {
		return
	}
	last, ok := p.prices.LastPrice(po.req.Symbol)
	if !ok {
		return
	}
	req := po.req
	buy := req.Side == types.SideBuy

	if req.Kind.NeedsTrigger() {
		trig := *req.TriggerPrice
		triggered := (buy && last.GreaterThanOrEqual(trig)) || (!buy && last.LessThanOrEqual(trig))
		if !triggered {
			return
		}
	}

	var fill decimal.Decimal
	switch req.Kind {
	case types.KindMarket, types.KindStopMkt:
		fill = last
	default:
		limit := *req.Price
		if (buy && last.GreaterThan(limit)) || (!buy && last.LessThan(limit)) {
			return
		}
		fill = limit
	}

	po.result.State = StateFilled
	po.result.FilledQuantity = req.Quantity
	po.result.AveragePrice = fill
	po.result.UpdatedAt = p.now()
	p.book(req, fill)
}

func (p *PaperBroker) book(req OrderRequest, price decimal.Decimal) {
	pos, ok := p.positions[req.Symbol]
	if !ok {
		pos = &Position{Symbol: req.Symbol, Exchange: req.Exchange, Product: req.Product}
		p.positions[req.Symbol] = pos
	}
	delta := req.Quantity.Mul(req.Side.Sign())
	next := pos.Quantity.Add(delta)
	switch {
	case next.IsZero():
		pos.AveragePrice = decimal.Zero
	case pos.Quantity.IsZero() || pos.Quantity.Sign() == delta.Sign():
		cost := pos.Quantity.Abs().Mul(pos.AveragePrice).Add(req.Quantity.Mul(price))
		pos.AveragePrice = cost.Div(next.Abs())
	case next.Sign() != pos.Quantity.Sign():
		pos.AveragePrice = price
	}
	pos.Quantity = next
	pos.LastPrice = price

	notional := req.Quantity.Mul(price)
	if req.Side == types.SideBuy {
		p.used = p.used.Add(notional)
	} else {
		p.used = p.used.Sub(notional)
	}
}

func (p *PaperBroker) snapshot(po *paperOrder) OrderResult {
	r := po.result
	raw, _ := json.Marshal(map[string]any{
		"orderId":      r.BrokerOrderID,
		"orderStatus":  r.State,
		"filledQty":    r.FilledQuantity,
		"averagePrice": r.AveragePrice,
	})
	r.Raw = raw
	return r
}

func (p *PaperBroker) CancelOrder(ctx context.Context, brokerOrderID string) (OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return OrderResult{}, newError(KindTransport, VenuePaper, "cancel_order", 0, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	po, ok := p.orders[brokerOrderID]
	if !ok {
		return OrderResult{}, newError(KindRejected, VenuePaper, "cancel_order", 0, ErrOrderNotFound)
	}
	p.match(po)
	if !po.result.State.Terminal() {
		po.result.State = StateCancelled
		po.result.UpdatedAt = p.now()
	}
	return p.snapshot(po), nil
}

func (p *PaperBroker) OrderStatus(ctx context.Context, brokerOrderID string) (OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return OrderResult{}, newError(KindTransport, VenuePaper, "order_status", 0, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	po, ok := p.orders[brokerOrderID]
	if !ok {
		return OrderResult{}, ErrOrderNotFound
	}
	p.match(po)
	return p.snapshot(po), nil
}

// LookupClientOrder 实现 ClientOrderLookup。
func (p *PaperBroker) LookupClientOrder(ctx context.Context, clientOrderID string) (OrderResult, error) {
	p.mu.Lock()
	id, ok := p.byClient[clientOrderID]
	p.mu.Unlock()
	if !ok {
		return OrderResult{}, ErrOrderNotFound
	}
	return p.OrderStatus(ctx, id)
}

func (p *PaperBroker) Positions(ctx context.Context) ([]Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Position, 0, len(p.positions))
	for _, pos := range p.positions {
		cp := *pos
		if p.prices != nil {
			if last, ok := p.prices.LastPrice(cp.Symbol); ok {
				cp.LastPrice = last
			}
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (p *PaperBroker) Orders(ctx context.Context, q OrderQuery) ([]OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]OrderResult, 0, len(p.orders))
	for _, po := range p.orders {
		p.match(po)
		if q.State != "" && po.result.State != q.State {
			continue
		}
		if q.Symbol != "" && po.req.Symbol != q.Symbol {
			continue
		}
		out = append(out, p.snapshot(po))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BrokerOrderID < out[j].BrokerOrderID })
	return out, nil
}

func (p *PaperBroker) Balance(ctx context.Context) (Balance, error) {
	if err := ctx.Err(); err != nil {
		return Balance{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return Balance{
		Available: p.capital.Sub(p.used),
		Used:      p.used,
		Total:     p.capital,
	}, nil
}
