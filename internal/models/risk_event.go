package models

import "time"

// 风控事件类型
const (
	RiskEventKellyCap      = "kelly_cap"
	RiskEventKellyClamp    = "kelly_clamp"
	RiskEventDrawdownAlert = "drawdown_alert"
	RiskEventEmergency     = "emergency_stop"
	RiskEventRecovery      = "recovery_mode"
	RiskEventOpenBlocked   = "open_blocked"
	RiskEventSyncFailed    = "leverage_sync_failed"
	RiskEventOrderRejected = "order_rejected"
)

type RiskEvent struct {
	ID uint `gorm:"primaryKey;autoIncrement" json:"id"`

	AccountID int64   `gorm:"not null;index:idx_risk_account" json:"account_id"`
	Event     string  `gorm:"type:varchar(32);not null;index" json:"event"`
	Symbol    string  `gorm:"type:varchar(32);not null;default:''" json:"symbol"`
	Reason    string  `gorm:"type:varchar(255);not null;default:''" json:"reason"`
	Value     float64 `gorm:"type:decimal(28,12);not null;default:0" json:"value"`
	Original  float64 `gorm:"type:decimal(28,12);not null;default:0;comment:调整前" json:"original"`
	Adjusted  float64 `gorm:"type:decimal(28,12);not null;default:0;comment:调整后" json:"adjusted"`

	CreatedAt time.Time `gorm:"autoCreateTime;index:idx_risk_created" json:"created_at"`
}

func (RiskEvent) TableName() string {
	return "risk_events"
}
