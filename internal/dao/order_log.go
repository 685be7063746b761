package dao

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/a1g0-creator/ct-bot-sub000/internal/models"
)

type OrderDAO struct {
	db *gorm.DB
}

func NewOrderDAO(db *gorm.DB) *OrderDAO {
	return &OrderDAO{db: db}
}

// BatchUpsert 同一交易所订单号只保留一行，后到的状态覆盖
func (d *OrderDAO) BatchUpsert(logs []*models.OrderLog) error {
	if len(logs) == 0 {
		return nil
	}
	return d.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "exchange_order_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status", "reason", "latency_ms", "updated_at",
		}),
	}).Create(logs).Error
}

// UpdateStatus 按交易所订单号更新状态，记录不存在时不做任何事
func (d *OrderDAO) UpdateStatus(orderID, status, reason string) (int64, error) {
	res := d.db.Model(&models.OrderLog{}).
		Where("exchange_order_id = ?", orderID).
		Updates(map[string]any{"status": status, "reason": reason})
	return res.RowsAffected, res.Error
}

// Recent 最近的下单记录
func (d *OrderDAO) Recent(accountID int64, limit int) ([]*models.OrderLog, error) {
	var out []*models.OrderLog
	err := d.db.Where("account_id = ?", accountID).
		Order("id DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

func (d *OrderDAO) DeleteOlderThan(before time.Time) (int64, error) {
	return deleteBefore(d.db, &models.OrderLog{}, "created_at", before)
}
