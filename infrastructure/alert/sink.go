package alert

import (
	"context"

	"algo-trader-go/events"
	"algo-trader-go/order"
	"algo-trader-go/risk"
	"algo-trader-go/strategy"
)

// Sink 把需要人工关注的事件转为告警：严重风控事件、对账冲突、策略故障与券商拒单。
// 其余事件忽略。
type Sink struct {
	manager *Manager
}

func NewSink(m *Manager) *Sink { return &Sink{manager: m} }

func (s *Sink) Name() string { return "alerts" }

// Deliver 实现 events.Sink。
func (s *Sink) Deliver(_ context.Context, ev events.Event) error {
	a, ok := toAlert(ev)
	if !ok {
		return nil
	}
	a.Timestamp = ev.Timestamp
	return s.manager.SendAlert(a)
}

func toAlert(ev events.Event) (Alert, bool) {
	switch p := ev.Payload.(type) {
	case risk.Event:
		if p.Severity != risk.SeverityCritical {
			return Alert{}, false
		}
		return Alert{
			Level:   LevelCritical,
			Key:     "risk:" + p.AccountID + ":" + p.Rule,
			Message: p.Message,
			Fields: map[string]interface{}{
				"account": p.AccountID,
				"run_id":  p.RunID,
				"symbol":  p.Symbol,
				"rule":    p.Rule,
				"blocked": p.Blocked,
			},
		}, true
	case strategy.Run:
		if ev.Type != events.RunUpdated || p.Status != strategy.RunError {
			return Alert{}, false
		}
		return Alert{
			Level:   LevelError,
			Key:     "run:" + p.ID,
			Message: "strategy run failed: " + p.ErrorMessage,
			Fields: map[string]interface{}{
				"run_id":   p.ID,
				"strategy": p.StrategyID,
				"account":  p.AccountID,
			},
		}, true
	case order.Order:
		if ev.Type != events.OrderUpdated || p.Status != order.StatusRejected {
			return Alert{}, false
		}
		return Alert{
			Level:   LevelWarning,
			Key:     "reject:" + p.AccountID + ":" + p.Symbol,
			Message: "order rejected: " + p.RejectReason,
			Fields: map[string]interface{}{
				"order_id": p.ID,
				"account":  p.AccountID,
				"symbol":   p.Symbol,
				"run_id":   p.RunID,
			},
		}, true
	}
	return Alert{}, false
}
