package events

import (
	"context"
	"sync"
	"sync/atomic"

	"algo-trader-go/infrastructure/logger"
	"algo-trader-go/infrastructure/monitor"
)

// Sink 事件的最终去向（websocket、kafka 等），由独立 goroutine 调用。
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev Event) error
}

type subscriber struct {
	name    string
	ch      chan Event
	dropped atomic.Int64
}

// Broadcaster 扇出分发器。Publish 永不阻塞，每个订阅者至多收到一次。
type Broadcaster struct {
	mu      sync.RWMutex
	subs    map[string]*subscriber
	closed  bool
	buffer  int
	logger  *logger.Logger
	monitor *monitor.Monitor
	wg      sync.WaitGroup
}

func NewBroadcaster(buffer int, lg *logger.Logger, mon *monitor.Monitor) *Broadcaster {
	if buffer <= 0 {
		buffer = 256
	}
	if lg == nil {
		lg = logger.NewNop()
	}
	return &Broadcaster{
		subs:    make(map[string]*subscriber),
		buffer:  buffer,
		logger:  lg,
		monitor: mon,
	}
}

// Subscribe 注册一个命名订阅者，返回接收通道与取消函数。同名订阅会替换旧的。
func (b *Broadcaster) Subscribe(name string) (<-chan Event, func()) {
	s := &subscriber{name: name, ch: make(chan Event, b.buffer)}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.ch)
		return s.ch, func() {}
	}
	if old, ok := b.subs[name]; ok {
		close(old.ch)
	}
	b.subs[name] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if cur, ok := b.subs[name]; ok && cur == s {
				delete(b.subs, name)
				close(s.ch)
			}
		})
	}
}

// Attach 为 sink 建立订阅并在后台投递，投递失败只记录日志。
func (b *Broadcaster) Attach(ctx context.Context, sink Sink) {
	ch, cancel := b.Subscribe(sink.Name())
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if err := sink.Deliver(ctx, ev); err != nil {
					b.monitor.RecordEventDropped(sink.Name())
					b.logger.LogError(err, map[string]interface{}{
						"sink":  sink.Name(),
						"event": string(ev.Type),
					})
				}
			}
		}
	}()
}

// Publish 非阻塞地投递给所有订阅者，缓冲满则丢弃。
func (b *Broadcaster) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
			b.monitor.RecordEventDropped(s.name)
		}
	}
}

// Dropped 返回某订阅者被丢弃的事件数。
func (b *Broadcaster) Dropped(name string) int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if s, ok := b.subs[name]; ok {
		return s.dropped.Load()
	}
	return 0
}

// Close 关闭所有订阅并等待 sink 退出。
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		for name, s := range b.subs {
			close(s.ch)
			delete(b.subs, name)
		}
	}
	b.mu.Unlock()
	b.wg.Wait()
}
