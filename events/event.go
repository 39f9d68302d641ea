// Package events 把订单、成交、持仓、风控与运行状态的变化分发给订阅者。
// 分发是尽力而为的：慢订阅者的事件被丢弃，不影响核心状态。
package events

import "time"

// Type 事件类型。
type Type string

const (
	OrderCreated    Type = "order.created"
	OrderUpdated    Type = "order.updated"
	TradeExecuted   Type = "trade.executed"
	PositionUpdated Type = "position.updated"
	RiskEvent       Type = "risk.event"
	RunUpdated      Type = "run.updated"
)

// Event 对外发布的记录。
type Event struct {
	Type      Type      `json:"event_type"`
	AccountID string    `json:"account_id,omitempty"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// New 构造事件。
func New(t Type, accountID string, payload any, ts time.Time) Event {
	return Event{Type: t, AccountID: accountID, Payload: payload, Timestamp: ts}
}

// Publisher 事件发布方，实现不得阻塞调用方。
type Publisher interface {
	Publish(ev Event)
}

// Discard 丢弃所有事件。
type Discard struct{}

func (Discard) Publish(Event) {}
