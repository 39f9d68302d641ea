package alert

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"algo-trader-go/events"
	"algo-trader-go/infrastructure/logger"
	"algo-trader-go/order"
	"algo-trader-go/risk"
	"algo-trader-go/strategy"
)

// recordingChannel 记录收到的告警
type recordingChannel struct {
	name string
	mu   sync.Mutex
	got  []Alert
	err  error
}

func (c *recordingChannel) Send(a Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.got = append(c.got, a)
	return nil
}

func (c *recordingChannel) Name() string { return c.name }

func (c *recordingChannel) alerts() []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Alert(nil), c.got...)
}

func TestNewManager(t *testing.T) {
	mgr := NewManager([]Channel{&recordingChannel{name: "test"}}, 5*time.Minute)
	channels := mgr.GetChannels()
	if len(channels) != 1 || channels[0] != "test" {
		t.Fatalf("channels = %v", channels)
	}
	mgr.AddChannel(&recordingChannel{name: "second"})
	if len(mgr.GetChannels()) != 2 {
		t.Fatalf("expected 2 channels after AddChannel")
	}
}

func TestSendAlert(t *testing.T) {
	ch := &recordingChannel{name: "rec"}
	mgr := NewManager([]Channel{ch}, 5*time.Minute)

	if err := mgr.SendAlert(Alert{Level: LevelInfo, Message: "test message", Fields: map[string]interface{}{"key": "value"}}); err != nil {
		t.Fatalf("SendAlert failed: %v", err)
	}
	got := ch.alerts()
	if len(got) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(got))
	}
	if got[0].Level != LevelInfo || got[0].Message != "test message" || got[0].Fields["key"] != "value" {
		t.Fatalf("alert = %+v", got[0])
	}
	if got[0].Timestamp.IsZero() {
		t.Fatalf("timestamp should be set")
	}
}

func TestThrottleByKey(t *testing.T) {
	ch := &recordingChannel{name: "rec"}
	mgr := NewManager([]Channel{ch}, time.Minute)
	now := time.Date(2026, 1, 5, 9, 15, 0, 0, time.UTC)
	mgr.throttle.now = func() time.Time { return now }

	_ = mgr.SendAlert(Alert{Level: LevelError, Key: "run:1", Message: "a"})
	_ = mgr.SendAlert(Alert{Level: LevelError, Key: "run:1", Message: "b"})
	_ = mgr.SendAlert(Alert{Level: LevelError, Key: "run:2", Message: "c"})
	if n := len(ch.alerts()); n != 2 {
		t.Fatalf("expected 2 alerts within interval, got %d", n)
	}

	now = now.Add(time.Minute)
	_ = mgr.SendAlert(Alert{Level: LevelError, Key: "run:1", Message: "d"})
	if n := len(ch.alerts()); n != 3 {
		t.Fatalf("expected throttle to reopen after interval, got %d", n)
	}

	mgr.ResetThrottle()
	_ = mgr.SendAlert(Alert{Level: LevelError, Key: "run:1", Message: "e"})
	if n := len(ch.alerts()); n != 4 {
		t.Fatalf("expected reset to clear throttle, got %d", n)
	}
}

func TestSendAlertChannelFailures(t *testing.T) {
	bad := &recordingChannel{name: "bad", err: errors.New("down")}
	good := &recordingChannel{name: "good"}

	if err := NewManager([]Channel{bad, good}, 0).SendAlert(Alert{Level: LevelWarning, Message: "x"}); err != nil {
		t.Fatalf("partial failure should not return error: %v", err)
	}
	if err := NewManager([]Channel{bad}, 0).SendAlert(Alert{Level: LevelWarning, Message: "x"}); err == nil {
		t.Fatalf("expected error when every channel fails")
	}
}

func TestLogChannelWritesStructuredEntry(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	ch := NewLogChannel("log", logger.Wrap(zap.New(core)))

	if err := ch.Send(Alert{Level: LevelCritical, Message: "boom", Fields: map[string]interface{}{"account": "a1"}}); err != nil {
		t.Fatalf("send: %v", err)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Level != zap.ErrorLevel {
		t.Fatalf("level = %s, want error", e.Level)
	}
	ctx := e.ContextMap()
	if ctx["message"] != "boom" || ctx["account"] != "a1" || ctx["level"] != "CRITICAL" {
		t.Fatalf("fields = %v", ctx)
	}
}

func TestSinkFiltersEvents(t *testing.T) {
	ch := &recordingChannel{name: "rec"}
	sink := NewSink(NewManager([]Channel{ch}, time.Hour))
	ts := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	deliver := func(ev events.Event) {
		t.Helper()
		if err := sink.Deliver(context.Background(), ev); err != nil {
			t.Fatalf("deliver: %v", err)
		}
	}

	// 忽略：普通拒绝、正常 run 状态、成交订单
	deliver(events.New(events.RiskEvent, "a1", risk.Event{AccountID: "a1", Rule: risk.RuleMaxOpenPositions, Severity: risk.SeverityWarning}, ts))
	deliver(events.New(events.RunUpdated, "a1", strategy.Run{ID: "r1", Status: strategy.RunRunning}, ts))
	deliver(events.New(events.OrderUpdated, "a1", order.Order{ID: "o1", Status: order.StatusFilled}, ts))
	if n := len(ch.alerts()); n != 0 {
		t.Fatalf("expected no alerts, got %d", n)
	}

	deliver(events.New(events.RiskEvent, "a1", risk.Event{AccountID: "a1", Rule: risk.RuleMaxDailyLoss, Severity: risk.SeverityCritical, Message: "daily loss", Blocked: true}, ts))
	deliver(events.New(events.RunUpdated, "a1", strategy.Run{ID: "r1", StrategyID: "sma_crossover", Status: strategy.RunError, ErrorMessage: "strategy panicked"}, ts))
	deliver(events.New(events.OrderUpdated, "a1", order.Order{ID: "o2", AccountID: "a1", Symbol: "INFY", Status: order.StatusRejected, RejectReason: "margin"}, ts))

	got := ch.alerts()
	if len(got) != 3 {
		t.Fatalf("expected 3 alerts, got %d", len(got))
	}
	if got[0].Level != LevelCritical || got[0].Fields["rule"] != risk.RuleMaxDailyLoss {
		t.Fatalf("risk alert = %+v", got[0])
	}
	if got[1].Level != LevelError || got[1].Message != "strategy run failed: strategy panicked" {
		t.Fatalf("run alert = %+v", got[1])
	}
	if got[2].Level != LevelWarning || got[2].Fields["symbol"] != "INFY" {
		t.Fatalf("reject alert = %+v", got[2])
	}
	if !got[0].Timestamp.Equal(ts) {
		t.Fatalf("timestamp = %s", got[0].Timestamp)
	}
}

func TestSinkAttachedToBroadcaster(t *testing.T) {
	ch := &recordingChannel{name: "rec"}
	b := events.NewBroadcaster(8, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Attach(ctx, NewSink(NewManager([]Channel{ch}, time.Hour)))

	b.Publish(events.New(events.RiskEvent, "a1", risk.Event{AccountID: "a1", Rule: risk.RuleReconcileConflict, Severity: risk.SeverityCritical, Message: "broker says filled"}, time.Now()))
	b.Close()

	if got := ch.alerts(); len(got) != 1 || got[0].Message != "broker says filled" {
		t.Fatalf("alerts = %+v", got)
	}
}
