package models

import "time"

// APICredential 加密保存的交易所凭证，每个账户一条
type APICredential struct {
	ID uint `gorm:"primaryKey;autoIncrement" json:"id"`

	AccountID int64  `gorm:"not null;uniqueIndex:uidx_credential_account" json:"account_id"`
	KeyHint   string `gorm:"type:varchar(16);not null;default:''" json:"key_hint"`
	EncKey    []byte `gorm:"type:blob;not null" json:"-"`
	EncSecret []byte `gorm:"type:blob;not null" json:"-"`
	Active    bool   `gorm:"not null;default:true" json:"active"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (APICredential) TableName() string {
	return "api_credentials"
}

// All 参与 AutoMigrate 的模型
func All() []any {
	return []any{
		&SignalLog{},
		&OrderLog{},
		&RiskEvent{},
		&BalanceSnapshot{},
		&Position{},
		&ClosedPosition{},
		&APICredential{},
	}
}
