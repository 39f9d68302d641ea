package config

import (
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"algo-trader-go/events"
	"algo-trader-go/gateway"
	"algo-trader-go/infrastructure/logger"
	"algo-trader-go/infrastructure/monitor"
	"algo-trader-go/internal/api"
	"algo-trader-go/internal/engine"
	"algo-trader-go/internal/store"
	"algo-trader-go/order"
	"algo-trader-go/risk"
)

// EnvPrefix 环境变量覆盖的前缀。
const EnvPrefix = "ALGO_"

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env      string          `yaml:"env"`
	Log      logger.Config   `yaml:"log"`
	Metrics  monitor.Config  `yaml:"metrics"`
	Store    store.Config    `yaml:"store"`
	Accounts []AccountConfig `yaml:"accounts"`
	Risk     RiskConfig      `yaml:"risk"`
	Order    OrderConfig     `yaml:"order"`
	Runner   RunnerConfig    `yaml:"runner"`
	Market   MarketConfig    `yaml:"market"`
	Events   EventsConfig    `yaml:"events"`
	API      api.Config      `yaml:"api"`
}

// AccountConfig 券商账户；凭证建议走环境变量。
type AccountConfig struct {
	ID          string            `yaml:"id"`
	Venue       string            `yaml:"venue"`
	ClientID    string            `yaml:"client_id"`
	APIKey      string            `yaml:"api_key"`
	APISecret   string            `yaml:"api_secret"`
	AccessToken string            `yaml:"access_token"`
	BaseURL     string            `yaml:"base_url"`
	Sandbox     bool              `yaml:"sandbox"`
	RateLimit   float64           `yaml:"rate_limit"`
	Burst       int               `yaml:"burst"`
	Timeout     time.Duration     `yaml:"timeout"`
	Capital     decimal.Decimal   `yaml:"capital"`
	Symbols     map[string]string `yaml:"symbols"`
}

// RiskConfig 风控阈值，百分比以 0~100 表示。
type RiskConfig struct {
	MaxDailyLossPct       decimal.Decimal             `yaml:"max_daily_loss_pct"`
	MaxDailyLoss          decimal.Decimal             `yaml:"max_daily_loss"`
	MaxOpenPositions      int                         `yaml:"max_open_positions"`
	MaxPositionSizePct    decimal.Decimal             `yaml:"max_position_size_pct"`
	MaxPositionSize       decimal.Decimal             `yaml:"max_position_size"`
	PerStrategyCapitalPct decimal.Decimal             `yaml:"per_strategy_capital_pct"`
	Instruments           map[string]InstrumentConfig `yaml:"instruments"`
}

// InstrumentConfig 合约精度与名义限制。
type InstrumentConfig struct {
	TickSize    decimal.Decimal `yaml:"tick_size"`
	LotSize     decimal.Decimal `yaml:"lot_size"`
	MinQty      decimal.Decimal `yaml:"min_qty"`
	MaxQty      decimal.Decimal `yaml:"max_qty"`
	MinNotional decimal.Decimal `yaml:"min_notional"`
}

type OrderConfig struct {
	Retry     order.RetryPolicy      `yaml:"retry"`
	Reconcile order.ReconcilerConfig `yaml:"reconcile"`
	// Timezone 决定日内亏损的"当日"，默认 Asia/Kolkata。
	Timezone string `yaml:"timezone"`
}

type RunnerConfig struct {
	InvokeTimeout    time.Duration `yaml:"invoke_timeout"`
	QueueSize        int           `yaml:"queue_size"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	ResumeRuns       bool          `yaml:"resume_runs"`
}

type MarketConfig struct {
	Buffer int `yaml:"buffer"` // 每个订阅者的 K 线缓冲
}

type EventsConfig struct {
	Buffer        int                `yaml:"buffer"`
	WebSocket     bool               `yaml:"websocket"`
	WriteTimeout  time.Duration      `yaml:"write_timeout"`
	AlertThrottle time.Duration      `yaml:"alert_throttle"` // 同类告警的最小间隔
	Kafka         events.KafkaConfig `yaml:"kafka"`
}

// Default 开发环境默认值（sqlite）；账户必须在配置文件中给出。
func Default() AppConfig {
	limits := risk.DefaultLimits()
	return AppConfig{
		Env:     "dev",
		Log:     logger.DefaultConfig(),
		Metrics: monitor.DefaultConfig(),
		Store: store.Config{
			Driver:    "sqlite",
			DSN:       "algo-trader.db",
			SlowQuery: 200 * time.Millisecond,
		},
		Risk: RiskConfig{
			MaxDailyLossPct:       limits.MaxDailyLossPct,
			MaxOpenPositions:      limits.MaxOpenPositions,
			MaxPositionSizePct:    limits.MaxPositionSizePct,
			PerStrategyCapitalPct: limits.PerStrategyCapitalPct,
		},
		Order: OrderConfig{
			Retry:     order.DefaultRetryPolicy(),
			Reconcile: order.ReconcilerConfig{Interval: 30 * time.Second, StaleAfter: 2 * time.Minute, MissingAfter: 3},
			Timezone:  "Asia/Kolkata",
		},
		Runner: RunnerConfig{
			InvokeTimeout:    2 * time.Second,
			QueueSize:        64,
			SnapshotInterval: time.Minute,
		},
		Market: MarketConfig{Buffer: 128},
		Events: EventsConfig{Buffer: 256, WebSocket: true, WriteTimeout: 5 * time.Second, AlertThrottle: 5 * time.Minute},
		API:    api.Config{Addr: ":8080", ShutdownTimeout: 5 * time.Second},
	}
}

// Load reads YAML config from path on top of Default and applies validation.
func Load(path string) (AppConfig, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadWithEnvOverrides loads config then overrides sensitive fields from env vars if present.
//
//	ALGO_ENV, ALGO_LOG_LEVEL, ALGO_STORE_DRIVER, ALGO_STORE_DSN, ALGO_API_ADDR,
//	ALGO_KAFKA_BROKERS（逗号分隔）, ALGO_ACCOUNT_<ID>_{CLIENT_ID,API_KEY,API_SECRET,ACCESS_TOKEN}
//
// <ID> 为账户 ID 大写且 '-'、'.' 替换为 '_'。
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	ApplyEnv(&cfg, os.LookupEnv)
	return cfg, Validate(cfg)
}

// ApplyEnv 用 lookup 提供的变量覆盖配置。
func ApplyEnv(cfg *AppConfig, lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	set("ENV", &cfg.Env)
	set("LOG_LEVEL", &cfg.Log.Level)
	set("STORE_DRIVER", &cfg.Store.Driver)
	set("STORE_DSN", &cfg.Store.DSN)
	set("API_ADDR", &cfg.API.Addr)
	if v, ok := lookup(EnvPrefix + "KAFKA_BROKERS"); ok && v != "" {
		cfg.Events.Kafka.Brokers = splitList(v)
	}
	for i := range cfg.Accounts {
		a := &cfg.Accounts[i]
		key := "ACCOUNT_" + envKey(a.ID) + "_"
		set(key+"CLIENT_ID", &a.ClientID)
		set(key+"API_KEY", &a.APIKey)
		set(key+"API_SECRET", &a.APISecret)
		set(key+"ACCESS_TOKEN", &a.AccessToken)
	}
}

func envKey(id string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(id))
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// RiskLimits 转换为风控引擎使用的阈值；合约 key 统一大写。
func (c AppConfig) RiskLimits() risk.Limits {
	l := risk.Limits{
		MaxDailyLossPct:       c.Risk.MaxDailyLossPct,
		MaxDailyLoss:          c.Risk.MaxDailyLoss,
		MaxOpenPositions:      c.Risk.MaxOpenPositions,
		MaxPositionSizePct:    c.Risk.MaxPositionSizePct,
		MaxPositionSize:       c.Risk.MaxPositionSize,
		PerStrategyCapitalPct: c.Risk.PerStrategyCapitalPct,
	}
	if len(c.Risk.Instruments) > 0 {
		l.Instruments = make(map[string]risk.InstrumentConstraints, len(c.Risk.Instruments))
		for sym, ic := range c.Risk.Instruments {
			l.Instruments[strings.ToUpper(sym)] = risk.InstrumentConstraints{
				TickSize:    ic.TickSize,
				LotSize:     ic.LotSize,
				MinQty:      ic.MinQty,
				MaxQty:      ic.MaxQty,
				MinNotional: ic.MinNotional,
			}
		}
	}
	return l
}

// GatewayAccounts 转换为 gateway 的账户配置。
func (c AppConfig) GatewayAccounts() []gateway.AccountConfig {
	out := make([]gateway.AccountConfig, 0, len(c.Accounts))
	for _, a := range c.Accounts {
		syms := make(map[string]string, len(a.Symbols))
		for k, v := range a.Symbols {
			syms[strings.ToUpper(k)] = v
		}
		out = append(out, gateway.AccountConfig{
			ID:          a.ID,
			Venue:       strings.ToLower(a.Venue),
			ClientID:    a.ClientID,
			APIKey:      a.APIKey,
			APISecret:   a.APISecret,
			AccessToken: a.AccessToken,
			BaseURL:     a.BaseURL,
			Sandbox:     a.Sandbox,
			RateLimit:   a.RateLimit,
			Burst:       a.Burst,
			Timeout:     a.Timeout,
			Capital:     a.Capital,
			Symbols:     syms,
		})
	}
	return out
}

// EngineConfig 运行引擎参数。
func (c AppConfig) EngineConfig() engine.Config {
	return engine.Config{
		InvokeTimeout:    c.Runner.InvokeTimeout,
		QueueSize:        c.Runner.QueueSize,
		SnapshotInterval: c.Runner.SnapshotInterval,
		ResumeRuns:       c.Runner.ResumeRuns,
		Reconcile:        c.Order.Reconcile,
	}
}

// Location 解析 order.timezone，空值为 time.Local。
func (c AppConfig) Location() (*time.Location, error) {
	if c.Order.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Order.Timezone)
}
