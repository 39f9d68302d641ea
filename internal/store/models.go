package store

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"algo-trader-go/internal/types"
	"algo-trader-go/inventory"
	"algo-trader-go/order"
	"algo-trader-go/risk"
	"algo-trader-go/strategy"
)

// OrderModel 订单表。IntentKey 为空时存 NULL，唯一索引不冲突。
type OrderModel struct {
	ID             string              `gorm:"primaryKey;size:36"`
	ClientOrderID  string              `gorm:"size:32;index"`
	IntentKey      *string             `gorm:"size:255;uniqueIndex"`
	RunID          string              `gorm:"size:36;index"`
	AccountID      string              `gorm:"size:64;not null;index"`
	Mode           string              `gorm:"size:10"`
	Symbol         string              `gorm:"size:32;not null;index"`
	Exchange       string              `gorm:"size:16"`
	Side           string              `gorm:"size:4;not null"`
	Kind           string              `gorm:"size:10"`
	Product        string              `gorm:"size:16"`
	Quantity       decimal.Decimal     `gorm:"type:numeric(30,10);not null"`
	Price          decimal.NullDecimal `gorm:"type:numeric(30,10)"`
	TriggerPrice   decimal.NullDecimal `gorm:"type:numeric(30,10)"`
	Notional       decimal.Decimal     `gorm:"type:numeric(30,10)"`
	Rationale      string
	Status         string          `gorm:"size:20;not null;index"`
	BrokerOrderID  string          `gorm:"size:64;index"`
	RejectReason   string
	FilledQuantity decimal.Decimal `gorm:"type:numeric(30,10)"`
	AveragePrice   decimal.Decimal `gorm:"type:numeric(30,10)"`
	Attempts       int
	BrokerResponse datatypes.JSON
	CreatedAt      time.Time `gorm:"index"`
	UpdatedAt      time.Time
	SubmittedAt    *time.Time
	FilledAt       *time.Time
	CancelledAt    *time.Time
}

func (OrderModel) TableName() string { return "orders" }

func nullDec(p *decimal.Decimal) decimal.NullDecimal {
	if p == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *p, Valid: true}
}

func decPtr(n decimal.NullDecimal) *decimal.Decimal {
	if !n.Valid {
		return nil
	}
	d := n.Decimal
	return &d
}

func toOrderModel(o *order.Order) *OrderModel {
	m := &OrderModel{
		ID:             o.ID,
		ClientOrderID:  o.ClientOrderID,
		RunID:          o.RunID,
		AccountID:      o.AccountID,
		Mode:           string(o.Mode),
		Symbol:         o.Symbol,
		Exchange:       o.Exchange,
		Side:           string(o.Side),
		Kind:           string(o.Kind),
		Product:        string(o.Product),
		Quantity:       o.Quantity,
		Price:          nullDec(o.Price),
		TriggerPrice:   nullDec(o.TriggerPrice),
		Notional:       o.Notional,
		Rationale:      o.Rationale,
		Status:         string(o.Status),
		BrokerOrderID:  o.BrokerOrderID,
		RejectReason:   o.RejectReason,
		FilledQuantity: o.FilledQuantity,
		AveragePrice:   o.AveragePrice,
		Attempts:       o.Attempts,
		BrokerResponse: datatypes.JSON(o.BrokerResponse),
		CreatedAt:      o.CreatedAt,
		UpdatedAt:      o.UpdatedAt,
		SubmittedAt:    o.SubmittedAt,
		FilledAt:       o.FilledAt,
		CancelledAt:    o.CancelledAt,
	}
	if o.IntentKey != "" {
		k := o.IntentKey
		m.IntentKey = &k
	}
	return m
}

func (m *OrderModel) toOrder() order.Order {
	o := order.Order{
		ID:             m.ID,
		ClientOrderID:  m.ClientOrderID,
		RunID:          m.RunID,
		AccountID:      m.AccountID,
		Mode:           types.TradingMode(m.Mode),
		Symbol:         m.Symbol,
		Exchange:       m.Exchange,
		Side:           types.Side(m.Side),
		Kind:           types.OrderKind(m.Kind),
		Product:        types.ProductType(m.Product),
		Quantity:       m.Quantity,
		Price:          decPtr(m.Price),
		TriggerPrice:   decPtr(m.TriggerPrice),
		Notional:       m.Notional,
		Rationale:      m.Rationale,
		Status:         order.Status(m.Status),
		BrokerOrderID:  m.BrokerOrderID,
		RejectReason:   m.RejectReason,
		FilledQuantity: m.FilledQuantity,
		AveragePrice:   m.AveragePrice,
		Attempts:       m.Attempts,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
		SubmittedAt:    m.SubmittedAt,
		FilledAt:       m.FilledAt,
		CancelledAt:    m.CancelledAt,
	}
	if m.IntentKey != nil {
		o.IntentKey = *m.IntentKey
	}
	if len(m.BrokerResponse) > 0 {
		o.BrokerResponse = json.RawMessage(m.BrokerResponse)
	}
	return o
}

// TradeModel 成交表，只追加。
type TradeModel struct {
	ID          string          `gorm:"primaryKey;size:36"`
	OrderID     string          `gorm:"size:36;not null;index"`
	RunID       string          `gorm:"size:36;index"`
	AccountID   string          `gorm:"size:64;not null;index:idx_trades_account_time"`
	Symbol      string          `gorm:"size:32;not null"`
	Side        string          `gorm:"size:4;not null"`
	Quantity    decimal.Decimal `gorm:"type:numeric(30,10);not null"`
	Price       decimal.Decimal `gorm:"type:numeric(30,10);not null"`
	RealizedPnL decimal.Decimal `gorm:"column:realized_pnl;type:numeric(30,10)"`
	ExecutedAt  time.Time       `gorm:"not null;index:idx_trades_account_time"`
	CreatedAt   time.Time
}

func (TradeModel) TableName() string { return "trades" }

func toTradeModel(t *order.Trade) *TradeModel {
	return &TradeModel{
		ID:          t.ID,
		OrderID:     t.OrderID,
		RunID:       t.RunID,
		AccountID:   t.AccountID,
		Symbol:      t.Symbol,
		Side:        string(t.Side),
		Quantity:    t.Quantity,
		Price:       t.Price,
		RealizedPnL: t.RealizedPnL,
		ExecutedAt:  t.ExecutedAt,
	}
}

func (m *TradeModel) toTrade() order.Trade {
	return order.Trade{
		ID:          m.ID,
		OrderID:     m.OrderID,
		RunID:       m.RunID,
		AccountID:   m.AccountID,
		Symbol:      m.Symbol,
		Side:        types.Side(m.Side),
		Quantity:    m.Quantity,
		Price:       m.Price,
		RealizedPnL: m.RealizedPnL,
		ExecutedAt:  m.ExecutedAt,
	}
}

// PositionModel 持仓表，(account, symbol) 为主键。
type PositionModel struct {
	AccountID     string          `gorm:"primaryKey;size:64"`
	Symbol        string          `gorm:"primaryKey;size:32"`
	Exchange      string          `gorm:"size:16"`
	Quantity      decimal.Decimal `gorm:"type:numeric(30,10);not null"`
	AveragePrice  decimal.Decimal `gorm:"type:numeric(30,10)"`
	LastPrice     decimal.Decimal `gorm:"type:numeric(30,10)"`
	UnrealizedPnL decimal.Decimal `gorm:"column:unrealized_pnl;type:numeric(30,10)"`
	RealizedPnL   decimal.Decimal `gorm:"column:realized_pnl;type:numeric(30,10)"`
	UpdatedAt     time.Time
}

func (PositionModel) TableName() string { return "positions" }

func toPositionModel(p inventory.Position) *PositionModel {
	return &PositionModel{
		AccountID:     p.AccountID,
		Symbol:        p.Symbol,
		Exchange:      p.Exchange,
		Quantity:      p.Quantity,
		AveragePrice:  p.AveragePrice,
		LastPrice:     p.LastPrice,
		UnrealizedPnL: p.UnrealizedPnL,
		RealizedPnL:   p.RealizedPnL,
		UpdatedAt:     p.UpdatedAt,
	}
}

func (m *PositionModel) toPosition() inventory.Position {
	return inventory.Position{
		AccountID:     m.AccountID,
		Symbol:        m.Symbol,
		Exchange:      m.Exchange,
		Quantity:      m.Quantity,
		AveragePrice:  m.AveragePrice,
		LastPrice:     m.LastPrice,
		UnrealizedPnL: m.UnrealizedPnL,
		RealizedPnL:   m.RealizedPnL,
		UpdatedAt:     m.UpdatedAt,
	}
}

// RiskEventModel 风控事件表，只追加。
type RiskEventModel struct {
	ID        string `gorm:"primaryKey;size:36"`
	AccountID string `gorm:"size:64;not null;index"`
	RunID     string `gorm:"size:36;index"`
	Symbol    string `gorm:"size:32"`
	Rule      string `gorm:"size:40;not null;index"`
	Severity  string `gorm:"size:10;not null"`
	Message   string
	Metadata  datatypes.JSON
	Blocked   bool
	CreatedAt time.Time `gorm:"index"`
}

func (RiskEventModel) TableName() string { return "risk_events" }

func toRiskEventModel(ev risk.Event) (*RiskEventModel, error) {
	m := &RiskEventModel{
		ID:        ev.ID,
		AccountID: ev.AccountID,
		RunID:     ev.RunID,
		Symbol:    ev.Symbol,
		Rule:      ev.Rule,
		Severity:  string(ev.Severity),
		Message:   ev.Message,
		Blocked:   ev.Blocked,
		CreatedAt: ev.CreatedAt,
	}
	if len(ev.Metadata) > 0 {
		raw, err := json.Marshal(ev.Metadata)
		if err != nil {
			return nil, err
		}
		m.Metadata = datatypes.JSON(raw)
	}
	return m, nil
}

func (m *RiskEventModel) toEvent() risk.Event {
	ev := risk.Event{
		ID:        m.ID,
		AccountID: m.AccountID,
		RunID:     m.RunID,
		Symbol:    m.Symbol,
		Rule:      m.Rule,
		Severity:  risk.Severity(m.Severity),
		Message:   m.Message,
		Blocked:   m.Blocked,
		CreatedAt: m.CreatedAt,
	}
	if len(m.Metadata) > 0 {
		_ = json.Unmarshal(m.Metadata, &ev.Metadata)
	}
	return ev
}

// RunModel 策略运行表。
type RunModel struct {
	ID           string `gorm:"primaryKey;size:36"`
	StrategyID   string `gorm:"size:64;not null;index:idx_runs_pair"`
	AccountID    string `gorm:"size:64;not null;index:idx_runs_pair"`
	Mode         string `gorm:"size:10"`
	Status       string `gorm:"size:10;not null;index"`
	Config       datatypes.JSON
	Symbols      datatypes.JSON
	ErrorMessage string
	StartedAt    *time.Time
	StoppedAt    *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (RunModel) TableName() string { return "strategy_runs" }

func toRunModel(r *strategy.Run) (*RunModel, error) {
	cfg, err := json.Marshal(r.Config)
	if err != nil {
		return nil, err
	}
	syms, err := json.Marshal(r.Symbols)
	if err != nil {
		return nil, err
	}
	return &RunModel{
		ID:           r.ID,
		StrategyID:   r.StrategyID,
		AccountID:    r.AccountID,
		Mode:         string(r.Mode),
		Status:       string(r.Status),
		Config:       datatypes.JSON(cfg),
		Symbols:      datatypes.JSON(syms),
		ErrorMessage: r.ErrorMessage,
		StartedAt:    r.StartedAt,
		StoppedAt:    r.StoppedAt,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}, nil
}

func (m *RunModel) toRun() strategy.Run {
	r := strategy.Run{
		ID:           m.ID,
		StrategyID:   m.StrategyID,
		AccountID:    m.AccountID,
		Mode:         types.TradingMode(m.Mode),
		Status:       strategy.RunStatus(m.Status),
		ErrorMessage: m.ErrorMessage,
		StartedAt:    m.StartedAt,
		StoppedAt:    m.StoppedAt,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
	if len(m.Config) > 0 {
		_ = json.Unmarshal(m.Config, &r.Config)
	}
	if len(m.Symbols) > 0 {
		_ = json.Unmarshal(m.Symbols, &r.Symbols)
	}
	return r
}

// PnLSnapshotModel 定时记录的账户盈亏快照。
type PnLSnapshotModel struct {
	ID            uint64          `gorm:"primaryKey;autoIncrement"`
	AccountID     string          `gorm:"size:64;not null;index:idx_pnl_account_time"`
	Realized      decimal.Decimal `gorm:"type:numeric(30,10)"`
	Unrealized    decimal.Decimal `gorm:"type:numeric(30,10)"`
	Total         decimal.Decimal `gorm:"type:numeric(30,10)"`
	CapitalUsed   decimal.Decimal `gorm:"type:numeric(30,10)"`
	OpenPositions int
	CreatedAt     time.Time `gorm:"index:idx_pnl_account_time"`
}

func (PnLSnapshotModel) TableName() string { return "pnl_snapshots" }
