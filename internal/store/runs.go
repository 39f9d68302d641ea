package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"algo-trader-go/strategy"
)

func runStatusStrings(in []strategy.RunStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func (s *Store) CreateRun(ctx context.Context, r *strategy.Run) error {
	m, err := toRunModel(r)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(m).Error
}

func (s *Store) UpdateRun(ctx context.Context, r *strategy.Run) error {
	m, err := toRunModel(r)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Save(m).Error
}

// GetRun 不存在时返回 nil, nil。
func (s *Store) GetRun(ctx context.Context, id string) (*strategy.Run, error) {
	var m RunModel
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	r := m.toRun()
	return &r, nil
}

// ListRuns 按创建时间倒序。
func (s *Store) ListRuns(ctx context.Context, f strategy.RunFilter) ([]strategy.Run, error) {
	q := s.db.WithContext(ctx).Model(&RunModel{})
	if f.AccountID != "" {
		q = q.Where("account_id = ?", f.AccountID)
	}
	if f.StrategyID != "" {
		q = q.Where("strategy_id = ?", f.StrategyID)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", runStatusStrings(f.Statuses))
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var rows []RunModel
	if err := q.Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]strategy.Run, len(rows))
	for i := range rows {
		out[i] = rows[i].toRun()
	}
	return out, nil
}
