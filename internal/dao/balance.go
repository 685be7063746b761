package dao

import (
	"time"

	"gorm.io/gorm"

	"github.com/a1g0-creator/ct-bot-sub000/internal/models"
)

type BalanceDAO struct {
	db *gorm.DB
}

func NewBalanceDAO(db *gorm.DB) *BalanceDAO {
	return &BalanceDAO{db: db}
}

func (d *BalanceDAO) BatchInsert(snaps []*models.BalanceSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	return d.db.Create(snaps).Error
}

// Latest 账户最近一次快照
func (d *BalanceDAO) Latest(accountID int64) (*models.BalanceSnapshot, error) {
	var snap models.BalanceSnapshot
	err := d.db.Where("account_id = ?", accountID).Order("ts DESC").First(&snap).Error
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (d *BalanceDAO) DeleteOlderThan(before time.Time) (int64, error) {
	return deleteBefore(d.db, &models.BalanceSnapshot{}, "ts", before)
}
