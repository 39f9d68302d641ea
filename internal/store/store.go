package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"algo-trader-go/internal/types"
	"algo-trader-go/inventory"
	"algo-trader-go/order"
)

var (
	_ order.Store     = (*Store)(nil)
	_ inventory.Store = (*Store)(nil)
)

func statusStrings(in []order.Status) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

// CreateOrder 插入新订单；IntentKey 重复时返回 order.ErrDuplicateIntent。
func (s *Store) CreateOrder(ctx context.Context, o *order.Order) error {
	if err := s.db.WithContext(ctx).Create(toOrderModel(o)).Error; err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("%w: %s", order.ErrDuplicateIntent, o.IntentKey)
		}
		return err
	}
	return nil
}

func (s *Store) UpdateOrder(ctx context.Context, o *order.Order) error {
	res := s.db.WithContext(ctx).Save(toOrderModel(o))
	return res.Error
}

func (s *Store) GetOrder(ctx context.Context, id string) (*order.Order, error) {
	var m OrderModel
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	o := m.toOrder()
	return &o, nil
}

// ListOrders 按创建时间倒序。
func (s *Store) ListOrders(ctx context.Context, f order.Filter) ([]order.Order, error) {
	q := s.db.WithContext(ctx).Model(&OrderModel{})
	if f.AccountID != "" {
		q = q.Where("account_id = ?", f.AccountID)
	}
	if f.RunID != "" {
		q = q.Where("run_id = ?", f.RunID)
	}
	if f.Symbol != "" {
		q = q.Where("symbol = ?", f.Symbol)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", statusStrings(f.Statuses))
	}
	if !f.Since.IsZero() {
		q = q.Where("created_at >= ?", f.Since)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}
	var rows []OrderModel
	if err := q.Order("created_at DESC").Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]order.Order, len(rows))
	for i := range rows {
		out[i] = rows[i].toOrder()
	}
	return out, nil
}

// RecordFill 同一事务内：更新订单、追加成交、写入持仓。
func (s *Store) RecordFill(ctx context.Context, o *order.Order, t *order.Trade, pos inventory.Position) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(toOrderModel(o)).Error; err != nil {
			return fmt.Errorf("save order: %w", err)
		}
		if err := tx.Create(toTradeModel(t)).Error; err != nil {
			return fmt.Errorf("insert trade: %w", err)
		}
		if err := upsertPosition(tx, pos); err != nil {
			return fmt.Errorf("upsert position: %w", err)
		}
		return nil
	})
}

func upsertPosition(tx *gorm.DB, p inventory.Position) error {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}, {Name: "symbol"}},
		UpdateAll: true,
	}).Create(toPositionModel(p)).Error
}

// RealizedPnLSince 账户自 since 起所有成交的已实现盈亏之和。
func (s *Store) RealizedPnLSince(ctx context.Context, accountID string, since time.Time) (decimal.Decimal, error) {
	var vals []decimal.Decimal
	err := s.db.WithContext(ctx).Model(&TradeModel{}).
		Where("account_id = ? AND executed_at >= ?", accountID, since).
		Pluck("realized_pnl", &vals).Error
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, v := range vals {
		total = total.Add(v)
	}
	return total, nil
}

// TradeFilter 成交查询条件。
type TradeFilter struct {
	AccountID string
	OrderID   string
	RunID     string
	Symbol    string
	Since     time.Time
	Limit     int
}

// Trades 按成交时间倒序。
func (s *Store) Trades(ctx context.Context, f TradeFilter) ([]order.Trade, error) {
	q := s.db.WithContext(ctx).Model(&TradeModel{})
	if f.AccountID != "" {
		q = q.Where("account_id = ?", f.AccountID)
	}
	if f.OrderID != "" {
		q = q.Where("order_id = ?", f.OrderID)
	}
	if f.RunID != "" {
		q = q.Where("run_id = ?", f.RunID)
	}
	if f.Symbol != "" {
		q = q.Where("symbol = ?", f.Symbol)
	}
	if !f.Since.IsZero() {
		q = q.Where("executed_at >= ?", f.Since)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var rows []TradeModel
	if err := q.Order("executed_at DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]order.Trade, len(rows))
	for i := range rows {
		out[i] = rows[i].toTrade()
	}
	return out, nil
}

// Position 实现 inventory.Store，不存在时返回 nil, nil。
func (s *Store) Position(ctx context.Context, accountID, symbol string) (*inventory.Position, error) {
	var m PositionModel
	err := s.db.WithContext(ctx).Where("account_id = ? AND symbol = ?", accountID, symbol).First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	p := m.toPosition()
	return &p, nil
}

func (s *Store) Positions(ctx context.Context, accountID string) ([]inventory.Position, error) {
	var rows []PositionModel
	if err := s.db.WithContext(ctx).Where("account_id = ?", accountID).Order("symbol").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]inventory.Position, len(rows))
	for i := range rows {
		out[i] = rows[i].toPosition()
	}
	return out, nil
}

// AccountIDs 有持仓或成交记录的账户。
func (s *Store) AccountIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&TradeModel{}).Distinct("account_id").Order("account_id").Pluck("account_id", &ids).Error
	return ids, err
}

type fillRow struct {
	AccountID  string
	Symbol     string
	Exchange   string
	Side       string
	Quantity   decimal.Decimal
	Price      decimal.Decimal
	ExecutedAt time.Time
}

// Fills 按成交顺序返回账户的全部成交，交易所取自所属订单。
func (s *Store) Fills(ctx context.Context, accountID string) ([]inventory.Fill, error) {
	var rows []fillRow
	err := s.db.WithContext(ctx).Table("trades").
		Select("trades.account_id, trades.symbol, orders.exchange, trades.side, trades.quantity, trades.price, trades.executed_at").
		Joins("LEFT JOIN orders ON orders.id = trades.order_id").
		Where("trades.account_id = ?", accountID).
		Order("trades.executed_at, trades.created_at").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]inventory.Fill, len(rows))
	for i, r := range rows {
		out[i] = inventory.Fill{
			AccountID: r.AccountID,
			Symbol:    r.Symbol,
			Exchange:  r.Exchange,
			Side:      types.Side(r.Side),
			Quantity:  r.Quantity,
			Price:     r.Price,
			At:        r.ExecutedAt,
		}
	}
	return out, nil
}

// ReplacePositions 用重建结果覆盖账户持仓。
func (s *Store) ReplacePositions(ctx context.Context, accountID string, positions []inventory.Position) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("account_id = ?", accountID).Delete(&PositionModel{}).Error; err != nil {
			return err
		}
		now := time.Now().UTC()
		for _, p := range positions {
			if p.UpdatedAt.IsZero() {
				p.UpdatedAt = now
			}
			if err := tx.Create(toPositionModel(p)).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
