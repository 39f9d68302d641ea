package strategy

import (
	"time"

	"algo-trader-go/internal/types"
)

// RunStatus 策略运行状态。
type RunStatus string

const (
	RunPending RunStatus = "pending"
	RunRunning RunStatus = "running"
	RunStopped RunStatus = "stopped"
	RunError   RunStatus = "error"
)

// Active 运行中或即将运行。
func (s RunStatus) Active() bool { return s == RunPending || s == RunRunning }

// Run 一次策略运行。停止后只允许更新状态与时间戳。
type Run struct {
	ID           string            `json:"id"`
	StrategyID   string            `json:"strategy_id"`
	AccountID    string            `json:"account_id"`
	Mode         types.TradingMode `json:"mode"`
	Status       RunStatus         `json:"status"`
	Config       Config            `json:"config,omitempty"`
	Symbols      []string          `json:"symbols"`
	ErrorMessage string            `json:"error_message,omitempty"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	StoppedAt    *time.Time        `json:"stopped_at,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// RunFilter 查询条件。
type RunFilter struct {
	AccountID  string
	StrategyID string
	Statuses   []RunStatus
	Limit      int
}
