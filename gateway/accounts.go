package gateway

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"algo-trader-go/internal/types"
)

// Accounts 持有所有已接入账户的适配器：实盘适配器来自注册表，模拟盘每个账户一个 PaperBroker。
type Accounts struct {
	mu      sync.RWMutex
	configs map[string]AccountConfig
	live    map[string]Adapter
	paper   map[string]Adapter
	wrap    func(Adapter) Adapter
	prices  PriceSource
}

// OpenAccounts 逐个打开账户；任何一个失败即返回错误。
// wrap 可为 nil，用于给适配器套上日志与监控。
func OpenAccounts(reg *Registry, cfgs []AccountConfig, opts Options, wrap func(Adapter) Adapter) (*Accounts, error) {
	if wrap == nil {
		wrap = func(a Adapter) Adapter { return a }
	}
	accts := &Accounts{
		configs: make(map[string]AccountConfig, len(cfgs)),
		live:    make(map[string]Adapter, len(cfgs)),
		paper:   make(map[string]Adapter, len(cfgs)),
		wrap:    wrap,
		prices:  opts.Prices,
	}
	for _, cfg := range cfgs {
		if _, dup := accts.configs[cfg.ID]; dup {
			return nil, fmt.Errorf("duplicate account id %s", cfg.ID)
		}
		a, err := reg.Open(cfg, opts)
		if err != nil {
			return nil, err
		}
		accts.configs[cfg.ID] = cfg
		accts.live[cfg.ID] = wrap(a)
		if strings.EqualFold(cfg.Venue, VenuePaper) {
			accts.paper[cfg.ID] = accts.live[cfg.ID]
		}
	}
	return accts, nil
}

// Adapter 按账户与运行模式选择适配器。
func (a *Accounts) Adapter(accountID string, mode types.TradingMode) (Adapter, error) {
	a.mu.RLock()
	cfg, ok := a.configs[accountID]
	live := a.live[accountID]
	paper := a.paper[accountID]
	a.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, accountID)
	}
	if mode != types.ModePaper {
		return live, nil
	}
	if paper != nil {
		return paper, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if p := a.paper[accountID]; p != nil {
		return p, nil
	}
	p := a.wrap(NewPaperBroker(accountID, a.prices, cfg.Capital))
	a.paper[accountID] = p
	return p, nil
}

// Config 返回账户配置。
func (a *Accounts) Config(accountID string) (AccountConfig, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	cfg, ok := a.configs[accountID]
	return cfg, ok
}

// IDs 返回所有账户 ID（排序后）。
func (a *Accounts) IDs() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ids := make([]string, 0, len(a.configs))
	for id := range a.configs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Capital 返回账户配置的资金规模，未知账户为 0。
func (a *Accounts) Capital(accountID string) decimal.Decimal {
	cfg, _ := a.Config(accountID)
	return cfg.Capital
}
