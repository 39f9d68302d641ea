package events

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	b := NewBroadcaster(4, nil, nil)
	defer b.Close()
	a, cancelA := b.Subscribe("a")
	defer cancelA()
	c, cancelC := b.Subscribe("c")
	defer cancelC()

	b.Publish(New(OrderCreated, "acct", map[string]string{"id": "1"}, time.Now()))
	assert.Equal(t, OrderCreated, (<-a).Type)
	assert.Equal(t, OrderCreated, (<-c).Type)
}

func TestPublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	b := NewBroadcaster(1, nil, nil)
	defer b.Close()
	_, cancel := b.Subscribe("slow")
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(New(TradeExecuted, "acct", i, time.Now()))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publish blocked")
	}
	assert.Equal(t, int64(99), b.Dropped("slow"))
}

func TestCancelAndCloseAreIdempotent(t *testing.T) {
	b := NewBroadcaster(1, nil, nil)
	ch, cancel := b.Subscribe("x")
	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)
	b.Close()
	b.Close()
	b.Publish(New(RunUpdated, "", nil, time.Now()))
	late, _ := b.Subscribe("late")
	_, ok = <-late
	assert.False(t, ok)
}

type recordingSink struct {
	name string
	mu   sync.Mutex
	got  []Event
	fail bool
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Deliver(ctx context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink down")
	}
	s.got = append(s.got, ev)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

func TestAttachDeliversAndSurvivesSinkErrors(t *testing.T) {
	b := NewBroadcaster(8, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bad := &recordingSink{name: "bad", fail: true}
	good := &recordingSink{name: "good"}
	b.Attach(ctx, bad)
	b.Attach(ctx, good)

	b.Publish(New(RiskEvent, "acct", nil, time.Now()))
	b.Publish(New(RiskEvent, "acct", nil, time.Now()))
	require.Eventually(t, func() bool { return good.count() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, bad.count())
	cancel()
	b.Close()
}

func TestWSHubDeliversFilteredEvents(t *testing.T) {
	hub := NewWSHub(time.Second, nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?account=acct-1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, hub.Deliver(context.Background(), New(OrderUpdated, "acct-2", "skip", time.Now())))
	require.NoError(t, hub.Deliver(context.Background(), New(OrderUpdated, "acct-1", "keep", time.Now())))

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev map[string]any
	require.NoError(t, json.Unmarshal(msg, &ev))
	assert.Equal(t, "order.updated", ev["event_type"])
	assert.Equal(t, "keep", ev["payload"])
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaSinkKeysByAccount(t *testing.T) {
	w := &fakeWriter{}
	sink := newKafkaSink(w, "trading-events", 0)
	assert.Equal(t, "kafka:trading-events", sink.Name())

	require.NoError(t, sink.Deliver(context.Background(), New(TradeExecuted, "acct-9", map[string]int{"qty": 4}, time.Now())))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "acct-9", string(w.msgs[0].Key))
	assert.Equal(t, "trade.executed", string(w.msgs[0].Headers[0].Value))
	assert.Contains(t, string(w.msgs[0].Value), `"qty":4`)

	w.err = errors.New("broker unavailable")
	assert.Error(t, sink.Deliver(context.Background(), New(TradeExecuted, "acct-9", nil, time.Now())))
	assert.NoError(t, sink.Close())
}

func TestNewKafkaSinkValidates(t *testing.T) {
	_, err := NewKafkaSink(KafkaConfig{Topic: "t"})
	assert.Error(t, err)
	s, err := NewKafkaSink(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "t"})
	require.NoError(t, err)
	assert.NoError(t, s.Close())
}
