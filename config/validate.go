package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"algo-trader-go/gateway"
)

// ErrInvalid 用于参数验证错误。
type ErrInvalid string

func (e ErrInvalid) Error() string { return string(e) }

var hundred = decimal.NewFromInt(100)

// Validate ensures required fields are present and limits are sane.
func Validate(cfg AppConfig) error {
	if cfg.Env == "" {
		return errors.New("env is required")
	}
	switch strings.ToLower(cfg.Store.Driver) {
	case "sqlite", "postgres":
	default:
		return ErrInvalid(fmt.Sprintf("store.driver %q must be sqlite or postgres", cfg.Store.Driver))
	}
	if cfg.Store.DSN == "" {
		return errors.New("store.dsn is required (or ALGO_STORE_DSN)")
	}
	if err := validateAccounts(cfg.Accounts); err != nil {
		return err
	}
	if err := ValidateRisk(cfg.Risk); err != nil {
		return err
	}
	r := cfg.Order.Retry
	if r.MaxAttempts < 0 || r.Initial < 0 || r.Max < 0 || r.MaxElapsed < 0 || r.AttemptTimeout < 0 {
		return ErrInvalid("order.retry values must be >= 0")
	}
	if r.Jitter < 0 || r.Jitter > 1 {
		return ErrInvalid("order.retry.jitter must be within [0, 1]")
	}
	if r.Multiplier != 0 && r.Multiplier < 1 {
		return ErrInvalid("order.retry.multiplier must be >= 1")
	}
	if cfg.Order.Reconcile.Interval < 0 || cfg.Order.Reconcile.StaleAfter < 0 {
		return ErrInvalid("order.reconcile durations must be >= 0")
	}
	if cfg.Order.Reconcile.MissingAfter < 0 {
		return ErrInvalid("order.reconcile.missing_after must be >= 0")
	}
	if cfg.Order.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Order.Timezone); err != nil {
			return ErrInvalid(fmt.Sprintf("order.timezone: %v", err))
		}
	}
	if cfg.Runner.InvokeTimeout < 0 || cfg.Runner.SnapshotInterval < 0 {
		return ErrInvalid("runner durations must be >= 0")
	}
	if cfg.Runner.QueueSize < 0 || cfg.Market.Buffer < 0 || cfg.Events.Buffer < 0 {
		return ErrInvalid("queue and buffer sizes must be >= 0")
	}
	if k := cfg.Events.Kafka; len(k.Brokers) > 0 && k.Topic == "" {
		return ErrInvalid("events.kafka.topic is required when brokers are set")
	}
	return nil
}

func validateAccounts(accts []AccountConfig) error {
	if len(accts) == 0 {
		return errors.New("at least one account is required")
	}
	seen := make(map[string]struct{}, len(accts))
	for _, a := range accts {
		if strings.TrimSpace(a.ID) == "" {
			return errors.New("account id is required")
		}
		if _, dup := seen[a.ID]; dup {
			return ErrInvalid(fmt.Sprintf("duplicate account id %s", a.ID))
		}
		seen[a.ID] = struct{}{}
		if !a.Capital.IsPositive() {
			return ErrInvalid(fmt.Sprintf("account %s capital must be > 0", a.ID))
		}
		if a.RateLimit < 0 || a.Burst < 0 || a.Timeout < 0 {
			return ErrInvalid(fmt.Sprintf("account %s rate limit, burst and timeout must be >= 0", a.ID))
		}
		switch strings.ToLower(a.Venue) {
		case gateway.VenuePaper:
		case gateway.VenueDhan:
			if a.ClientID == "" || a.AccessToken == "" {
				return ErrInvalid(fmt.Sprintf("account %s: dhan requires client_id and access_token (or ALGO_ACCOUNT_%s_* env)", a.ID, envKey(a.ID)))
			}
		case "":
			return ErrInvalid(fmt.Sprintf("account %s venue is required", a.ID))
		}
	}
	return nil
}

// ValidateRisk 单独校验风控段，热更新时复用。
func ValidateRisk(r RiskConfig) error {
	for name, v := range map[string]decimal.Decimal{
		"max_daily_loss_pct":       r.MaxDailyLossPct,
		"max_position_size_pct":    r.MaxPositionSizePct,
		"per_strategy_capital_pct": r.PerStrategyCapitalPct,
	} {
		if v.IsNegative() || v.GreaterThan(hundred) {
			return ErrInvalid(fmt.Sprintf("risk.%s must be within [0, 100]", name))
		}
	}
	if r.MaxDailyLoss.IsNegative() || r.MaxPositionSize.IsNegative() {
		return ErrInvalid("risk absolute limits must be >= 0")
	}
	if r.MaxOpenPositions < 0 {
		return ErrInvalid("risk.max_open_positions must be >= 0")
	}
	for sym, ic := range r.Instruments {
		if ic.TickSize.IsNegative() || ic.LotSize.IsNegative() || ic.MinQty.IsNegative() ||
			ic.MaxQty.IsNegative() || ic.MinNotional.IsNegative() {
			return ErrInvalid(fmt.Sprintf("risk.instruments.%s values must be >= 0", sym))
		}
		if ic.MaxQty.IsPositive() && ic.MinQty.GreaterThan(ic.MaxQty) {
			return ErrInvalid(fmt.Sprintf("risk.instruments.%s min_qty > max_qty", sym))
		}
	}
	return nil
}
