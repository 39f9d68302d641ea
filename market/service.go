package market

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"algo-trader-go/internal/types"
)

var ErrInvalidCandle = errors.New("invalid candle")

// PriceHook 每根 K 线收盘价的回调，例如持仓重估。
type PriceHook func(symbol string, price decimal.Decimal)

// Service 维护各合约最新收盘价，并向订阅者广播 K 线。
type Service struct {
	pub   *Publisher
	mu    sync.RWMutex
	last  map[string]decimal.Decimal
	ts    map[string]time.Time
	hooks []PriceHook
}

func NewService(pub *Publisher) *Service {
	if pub == nil {
		pub = NewPublisher(0)
	}
	return &Service{
		pub:  pub,
		last: make(map[string]decimal.Decimal),
		ts:   make(map[string]time.Time),
	}
}

// Publisher 返回底层分发器。
func (s *Service) Publisher() *Publisher { return s.pub }

// OnPrice 注册价格回调，需在开始接收行情前调用。
func (s *Service) OnPrice(h PriceHook) {
	s.mu.Lock()
	s.hooks = append(s.hooks, h)
	s.mu.Unlock()
}

// OnCandle 校验、记录最新价并广播。
func (s *Service) OnCandle(c types.Candle) error {
	c.Symbol = strings.ToUpper(strings.TrimSpace(c.Symbol))
	if c.Symbol == "" || !c.Close.IsPositive() {
		return ErrInvalidCandle
	}
	if c.Exchange == "" {
		c.Exchange = types.DefaultExchange
	}
	if c.Time.IsZero() {
		c.Time = time.Now()
	}
	s.mu.Lock()
	s.last[c.Symbol] = c.Close
	s.ts[c.Symbol] = c.Time
	hooks := s.hooks
	s.mu.Unlock()

	for _, h := range hooks {
		h(c.Symbol, c.Close)
	}
	s.pub.Publish(c)
	return nil
}

// LastPrice 返回最新收盘价。
func (s *Service) LastPrice(symbol string) (decimal.Decimal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.last[strings.ToUpper(symbol)]
	return p, ok
}

// Prices 全部最新价的副本。
func (s *Service) Prices() map[string]decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]decimal.Decimal, len(s.last))
	for k, v := range s.last {
		out[k] = v
	}
	return out
}

// Staleness 返回距离上次更新的时间间隔；如无数据返回一年。
func (s *Service) Staleness(symbol string) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.ts[strings.ToUpper(symbol)]
	if !ok {
		return time.Hour * 24 * 365
	}
	return time.Since(ts)
}
