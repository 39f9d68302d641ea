package market

import (
	"strings"
	"sync"
	"sync/atomic"

	"algo-trader-go/internal/types"
)

// Subscription 一个按合约过滤的 K 线订阅。
type Subscription struct {
	id      uint64
	symbols map[string]struct{}
	ch      chan types.Candle
	dropped atomic.Int64
	once    sync.Once
	pub     *Publisher
}

// C 返回接收通道；取消订阅后通道关闭。
func (s *Subscription) C() <-chan types.Candle { return s.ch }

// Dropped 因缓冲满而丢弃的 K 线数量。
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Cancel 取消订阅，可重复调用。
func (s *Subscription) Cancel() {
	s.once.Do(func() { s.pub.remove(s) })
}

func (s *Subscription) wants(symbol string) bool {
	if len(s.symbols) == 0 {
		return true
	}
	_, ok := s.symbols[symbol]
	return ok
}

// Publisher 轻量 K 线分发器，发布永不阻塞。
type Publisher struct {
	mu     sync.RWMutex
	seq    uint64
	subs   map[uint64]*Subscription
	buffer int
}

func NewPublisher(buffer int) *Publisher {
	if buffer <= 0 {
		buffer = 64
	}
	return &Publisher{subs: make(map[uint64]*Subscription), buffer: buffer}
}

// Subscribe 订阅给定合约；symbols 为空表示全部。
func (p *Publisher) Subscribe(symbols ...string) *Subscription {
	set := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		set[strings.ToUpper(strings.TrimSpace(s))] = struct{}{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	sub := &Subscription{
		id:      p.seq,
		symbols: set,
		ch:      make(chan types.Candle, p.buffer),
		pub:     p,
	}
	p.subs[sub.id] = sub
	return sub
}

func (p *Publisher) remove(s *Subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.subs[s.id]; ok {
		delete(p.subs, s.id)
		close(s.ch)
	}
}

// Publish 投递给所有匹配的订阅者，缓冲满则丢弃。
func (p *Publisher) Publish(c types.Candle) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, s := range p.subs {
		if !s.wants(c.Symbol) {
			continue
		}
		select {
		case s.ch <- c:
		default:
			s.dropped.Add(1)
		}
	}
}

// Subscribers 当前订阅数。
func (p *Publisher) Subscribers() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subs)
}
