package models

import "time"

// SignalLog donor 信号记录，DedupKey 唯一
type SignalLog struct {
	ID uint `gorm:"primaryKey;autoIncrement" json:"id"`

	AccountID   int64   `gorm:"not null;index:idx_signal_account;comment:donor 账户" json:"account_id"`
	DedupKey    string  `gorm:"type:varchar(40);not null;uniqueIndex:uidx_signal_key;comment:幂等键" json:"dedup_key"`
	Symbol      string  `gorm:"type:varchar(32);not null;index;comment:交易对" json:"symbol"`
	Type        string  `gorm:"type:varchar(8);not null;comment:OPEN/MODIFY/CLOSE" json:"type"`
	Side        string  `gorm:"type:varchar(8);not null;comment:Buy/Sell" json:"side"`
	Qty         float64 `gorm:"type:decimal(28,12);not null;comment:donor 仓位数量" json:"qty"`
	Price       float64 `gorm:"type:decimal(28,12);not null;default:0" json:"price"`
	PositionIdx int     `gorm:"not null;default:0" json:"position_idx"`
	ReduceOnly  bool    `gorm:"not null;default:false" json:"reduce_only"`
	Mode        string  `gorm:"type:varchar(8);not null" json:"mode"`
	Source      string  `gorm:"type:varchar(16);not null;comment:feed/reconcile" json:"source"`
	Version     int64   `gorm:"not null;comment:上下文版本" json:"version"`

	ReceivedAt time.Time `gorm:"not null;index:idx_signal_received" json:"received_at"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (SignalLog) TableName() string {
	return "signal_logs"
}
