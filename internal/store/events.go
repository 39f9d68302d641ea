package store

import (
	"context"
	"time"

	"algo-trader-go/inventory"
	"algo-trader-go/risk"
)

// RecordRiskEvent 追加风控事件。
func (s *Store) RecordRiskEvent(ctx context.Context, ev risk.Event) error {
	m, err := toRiskEventModel(ev)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(m).Error
}

// RiskEventFilter 风控事件查询条件。
type RiskEventFilter struct {
	AccountID string
	RunID     string
	Rule      string
	Since     time.Time
	Limit     int
}

// RiskEvents 按时间倒序。
func (s *Store) RiskEvents(ctx context.Context, f RiskEventFilter) ([]risk.Event, error) {
	q := s.db.WithContext(ctx).Model(&RiskEventModel{})
	if f.AccountID != "" {
		q = q.Where("account_id = ?", f.AccountID)
	}
	if f.RunID != "" {
		q = q.Where("run_id = ?", f.RunID)
	}
	if f.Rule != "" {
		q = q.Where("rule = ?", f.Rule)
	}
	if !f.Since.IsZero() {
		q = q.Where("created_at >= ?", f.Since)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var rows []RiskEventModel
	if err := q.Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]risk.Event, len(rows))
	for i := range rows {
		out[i] = rows[i].toEvent()
	}
	return out, nil
}

// PnLSnapshot 账户盈亏快照。
type PnLSnapshot struct {
	AccountID string `json:"account_id"`
	inventory.Valuation
	CreatedAt time.Time `json:"created_at"`
}

// RecordPnLSnapshot 追加一条盈亏快照。
func (s *Store) RecordPnLSnapshot(ctx context.Context, snap PnLSnapshot) error {
	return s.db.WithContext(ctx).Create(&PnLSnapshotModel{
		AccountID:     snap.AccountID,
		Realized:      snap.Realized,
		Unrealized:    snap.Unrealized,
		Total:         snap.Total,
		CapitalUsed:   snap.CapitalUsed,
		OpenPositions: snap.OpenPositions,
		CreatedAt:     snap.CreatedAt,
	}).Error
}

// PnLSnapshots 返回账户最近的快照，按时间倒序。
func (s *Store) PnLSnapshots(ctx context.Context, accountID string, limit int) ([]PnLSnapshot, error) {
	q := s.db.WithContext(ctx).Where("account_id = ?", accountID).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []PnLSnapshotModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]PnLSnapshot, len(rows))
	for i, r := range rows {
		out[i] = PnLSnapshot{
			AccountID: r.AccountID,
			Valuation: inventory.Valuation{
				Realized:      r.Realized,
				Unrealized:    r.Unrealized,
				Total:         r.Total,
				CapitalUsed:   r.CapitalUsed,
				OpenPositions: r.OpenPositions,
			},
			CreatedAt: r.CreatedAt,
		}
	}
	return out, nil
}
