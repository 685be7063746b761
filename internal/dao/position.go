package dao

import (
	"errors"
	"math"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/a1g0-creator/ct-bot-sub000/internal/models"
)

type PositionDAO struct {
	db *gorm.DB
}

func NewPositionDAO(db *gorm.DB) *PositionDAO {
	return &PositionDAO{db: db}
}

// Upsert 按 (account_id, symbol, position_idx) 更新当前持仓，opened_at 保留首次写入
func (d *PositionDAO) Upsert(p *models.Position) error {
	return d.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "account_id"}, {Name: "symbol"}, {Name: "position_idx"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"side", "qty", "entry_price", "mark_price", "leverage", "margin_mode",
			"liq_price", "unreal_pnl", "realized_pnl", "updated_at",
		}),
	}).Create(p).Error
}

func (d *PositionDAO) Get(accountID int64, symbol string, idx int) (*models.Position, error) {
	var p models.Position
	err := d.db.Where("account_id = ? AND symbol = ? AND position_idx = ?", accountID, symbol, idx).First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (d *PositionDAO) List(accountID int64) ([]*models.Position, error) {
	var out []*models.Position
	err := d.db.Where("account_id = ?", accountID).Order("symbol, position_idx").Find(&out).Error
	return out, err
}

// Close 删除当前持仓并写入平仓记录。
// 同一 (account, symbol, idx, side, closed_at) 重复平仓时合并：
// 出场价取后到的，盈亏取绝对值较大的，手续费取较大的。
func (d *PositionDAO) Close(accountID int64, symbol string, idx int, closed *models.ClosedPosition) error {
	closed.ClosedAt = closed.ClosedAt.Truncate(time.Second)
	return d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("account_id = ? AND symbol = ? AND position_idx = ?", accountID, symbol, idx).
			Delete(&models.Position{}).Error; err != nil {
			return err
		}

		var existing models.ClosedPosition
		err := tx.Where("account_id = ? AND symbol = ? AND position_idx = ? AND side = ? AND closed_at = ?",
			closed.AccountID, closed.Symbol, closed.PositionIdx, closed.Side, closed.ClosedAt).
			First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(closed).Error
		}
		if err != nil {
			return err
		}

		if closed.ExitPrice > 0 {
			existing.ExitPrice = closed.ExitPrice
		}
		if math.Abs(closed.RealizedPnl) > math.Abs(existing.RealizedPnl) {
			existing.RealizedPnl = closed.RealizedPnl
		}
		existing.Fees = math.Max(existing.Fees, closed.Fees)
		existing.Qty = math.Max(existing.Qty, closed.Qty)
		*closed = existing
		return tx.Save(&existing).Error
	})
}

// ClosedSince Kelly 历史预热
func (d *PositionDAO) ClosedSince(accountID int64, since time.Time) ([]*models.ClosedPosition, error) {
	var out []*models.ClosedPosition
	err := d.db.Where("account_id = ? AND closed_at >= ?", accountID, since).
		Order("closed_at").
		Find(&out).Error
	return out, err
}
