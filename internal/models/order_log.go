package models

import "time"

const (
	OrderStatusNew      = "New"
	OrderStatusFilled   = "Filled"
	OrderStatusRejected = "Rejected"
)

// OrderLog 复制下单记录，ExchangeOrderID 非空时唯一
type OrderLog struct {
	ID uint `gorm:"primaryKey;autoIncrement" json:"id"`

	AccountID       int64   `gorm:"not null;index:idx_order_account" json:"account_id"`
	ExchangeOrderID *string `gorm:"type:varchar(64);uniqueIndex:uidx_exchange_order;comment:交易所订单号" json:"exchange_order_id"`
	OrderLinkID     string  `gorm:"type:varchar(64);not null;index;comment:客户端订单号" json:"order_link_id"`
	SignalKey       string  `gorm:"type:varchar(40);index;comment:来源信号幂等键" json:"signal_key"`
	Symbol          string  `gorm:"type:varchar(32);not null;index" json:"symbol"`
	Side            string  `gorm:"type:varchar(8);not null" json:"side"`
	Type            string  `gorm:"type:varchar(8);not null" json:"type"`
	Qty             string  `gorm:"type:varchar(32);not null" json:"qty"`
	Price           float64 `gorm:"type:decimal(28,12);not null;default:0" json:"price"`
	PositionIdx     int     `gorm:"not null;default:0" json:"position_idx"`
	ReduceOnly      bool    `gorm:"not null;default:false" json:"reduce_only"`
	Status          string  `gorm:"type:varchar(16);not null" json:"status"`
	Reason          string  `gorm:"type:varchar(255);not null;default:''" json:"reason"`
	LatencyMs       int64   `gorm:"not null;default:0" json:"latency_ms"`

	CreatedAt time.Time `gorm:"autoCreateTime;index:idx_order_created" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (OrderLog) TableName() string {
	return "order_logs"
}
