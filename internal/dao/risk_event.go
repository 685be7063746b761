package dao

import (
	"time"

	"gorm.io/gorm"

	"github.com/a1g0-creator/ct-bot-sub000/internal/models"
)

type RiskEventDAO struct {
	db *gorm.DB
}

func NewRiskEventDAO(db *gorm.DB) *RiskEventDAO {
	return &RiskEventDAO{db: db}
}

func (d *RiskEventDAO) BatchInsert(events []*models.RiskEvent) error {
	if len(events) == 0 {
		return nil
	}
	return d.db.Create(events).Error
}

func (d *RiskEventDAO) ListByEvent(accountID int64, event string) ([]*models.RiskEvent, error) {
	var out []*models.RiskEvent
	err := d.db.Where("account_id = ? AND event = ?", accountID, event).
		Order("id").
		Find(&out).Error
	return out, err
}

func (d *RiskEventDAO) DeleteOlderThan(before time.Time) (int64, error) {
	return deleteBefore(d.db, &models.RiskEvent{}, "created_at", before)
}
