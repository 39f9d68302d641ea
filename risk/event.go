package risk

import (
	"time"

	"github.com/google/uuid"

	"algo-trader-go/internal/types"
)

// Event 风控事件，只追加。通过的检查不记录。
type Event struct {
	ID        string         `json:"id"`
	AccountID string         `json:"account_id"`
	RunID     string         `json:"run_id,omitempty"`
	Symbol    string         `json:"symbol,omitempty"`
	Rule      string         `json:"rule"`
	Severity  Severity       `json:"severity"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Blocked   bool           `json:"blocked"`
	CreatedAt time.Time      `json:"created_at"`
}

// DenialEvent 由一次拒绝决策生成事件。
func DenialEvent(d Decision, in types.Intent, snap AccountSnapshot, now time.Time) Event {
	meta := map[string]any{
		"side":     string(in.Side),
		"quantity": in.Quantity.String(),
		"kind":     string(in.Kind),
		"capital":  snap.Capital.String(),
	}
	if ref, ok := snap.ReferencePrice(in); ok {
		meta["reference_price"] = ref.String()
		meta["notional"] = in.Quantity.Mul(ref).String()
	}
	if in.Rationale != "" {
		meta["rationale"] = in.Rationale
	}
	return Event{
		ID:        uuid.NewString(),
		AccountID: snap.AccountID,
		RunID:     snap.RunID,
		Symbol:    in.Symbol,
		Rule:      d.Rule,
		Severity:  d.Severity,
		Message:   d.Message,
		Metadata:  meta,
		Blocked:   true,
		CreatedAt: now,
	}
}

// ConflictEvent 对账冲突：券商状态与本地预期不一致。
func ConflictEvent(accountID, runID, symbol, message string, meta map[string]any, now time.Time) Event {
	return Event{
		ID:        uuid.NewString(),
		AccountID: accountID,
		RunID:     runID,
		Symbol:    symbol,
		Rule:      RuleReconcileConflict,
		Severity:  SeverityCritical,
		Message:   message,
		Metadata:  meta,
		CreatedAt: now,
	}
}
