package gateway

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// AccountConfig 一个券商账户的接入参数。
type AccountConfig struct {
	ID          string
	Venue       string
	ClientID    string // 券商侧客户号（dhan 必填）
	APIKey      string
	APISecret   string
	AccessToken string
	BaseURL     string
	Sandbox     bool
	RateLimit   float64 // 每秒请求数
	Burst       int
	Timeout     time.Duration
	Capital     decimal.Decimal
	Symbols     map[string]string // 内部 symbol -> 券商证券代码
}

// Options 工厂的运行时依赖。
type Options struct {
	Prices     PriceSource
	HTTPClient *http.Client
}

// Factory 根据账户配置构造适配器。
type Factory func(cfg AccountConfig, opts Options) (Adapter, error)

// Registry 按 venue 注册适配器工厂。
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// NewDefaultRegistry 注册内置的 dhan 与 paper。
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(VenueDhan, NewDhanFromConfig)
	r.Register(VenuePaper, NewPaperFromConfig)
	return r
}

// Register 注册或覆盖某个 venue 的工厂。
func (r *Registry) Register(venue string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToLower(venue)] = f
}

// Venues 返回已注册的 venue（排序后）。
func (r *Registry) Venues() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for v := range r.factories {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Open 为账户构造适配器。
func (r *Registry) Open(cfg AccountConfig, opts Options) (Adapter, error) {
	r.mu.RLock()
	f, ok := r.factories[strings.ToLower(cfg.Venue)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedVenue, cfg.Venue)
	}
	a, err := f(cfg, opts)
	if err != nil {
		return nil, fmt.Errorf("open %s account %s: %w", cfg.Venue, cfg.ID, err)
	}
	return a, nil
}
