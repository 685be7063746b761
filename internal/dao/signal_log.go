package dao

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/a1g0-creator/ct-bot-sub000/internal/models"
)

type SignalDAO struct {
	db *gorm.DB
}

func NewSignalDAO(db *gorm.DB) *SignalDAO {
	return &SignalDAO{db: db}
}

// BatchInsert 重复的 dedup_key 直接忽略
func (d *SignalDAO) BatchInsert(logs []*models.SignalLog) error {
	if len(logs) == 0 {
		return nil
	}
	return d.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "dedup_key"}},
		DoNothing: true,
	}).Create(logs).Error
}

// ProcessedKeysSince 启动时恢复去重窗口
func (d *SignalDAO) ProcessedKeysSince(since time.Time) ([]string, error) {
	var keys []string
	err := d.db.Model(&models.SignalLog{}).
		Where("received_at >= ?", since).
		Pluck("dedup_key", &keys).Error
	return keys, err
}

func (d *SignalDAO) Count() (int64, error) {
	var n int64
	err := d.db.Model(&models.SignalLog{}).Count(&n).Error
	return n, err
}

func (d *SignalDAO) DeleteOlderThan(before time.Time) (int64, error) {
	return deleteBefore(d.db, &models.SignalLog{}, "received_at", before)
}

// DeleteOldest 按 id 删除最旧的 n 条
func (d *SignalDAO) DeleteOldest(n int64) (int64, error) {
	if n <= 0 {
		return 0, nil
	}
	var edge models.SignalLog
	if err := d.db.Order("id ASC").Offset(int(n - 1)).Limit(1).First(&edge).Error; err != nil {
		return 0, err
	}
	res := d.db.Where("id <= ?", edge.ID).Delete(&models.SignalLog{})
	return res.RowsAffected, res.Error
}
