package models

import "time"

type BalanceSnapshot struct {
	ID uint `gorm:"primaryKey;autoIncrement" json:"id"`

	AccountID int64   `gorm:"not null;index:idx_balance_account_ts,priority:1" json:"account_id"`
	Asset     string  `gorm:"type:varchar(16);not null" json:"asset"`
	Free      float64 `gorm:"type:decimal(28,12);not null" json:"free"`
	Locked    float64 `gorm:"type:decimal(28,12);not null;default:0" json:"locked"`
	Equity    float64 `gorm:"type:decimal(28,12);not null" json:"equity"`

	Ts time.Time `gorm:"not null;index:idx_balance_account_ts,priority:2" json:"ts"`
}

func (BalanceSnapshot) TableName() string {
	return "balance_snapshots"
}
