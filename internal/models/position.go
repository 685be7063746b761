package models

import "time"

// Position 当前持仓，(account_id, symbol, position_idx) 唯一
type Position struct {
	ID uint `gorm:"primaryKey;autoIncrement" json:"id"`

	AccountID   int64   `gorm:"not null;uniqueIndex:uidx_position,priority:1" json:"account_id"`
	Symbol      string  `gorm:"type:varchar(32);not null;uniqueIndex:uidx_position,priority:2" json:"symbol"`
	PositionIdx int     `gorm:"not null;uniqueIndex:uidx_position,priority:3" json:"position_idx"`
	Side        string  `gorm:"type:varchar(8);not null" json:"side"`
	Qty         float64 `gorm:"type:decimal(28,12);not null" json:"qty"`
	EntryPrice  float64 `gorm:"type:decimal(28,12);not null;default:0" json:"entry_price"`
	MarkPrice   float64 `gorm:"type:decimal(28,12);not null;default:0" json:"mark_price"`
	Leverage    float64 `gorm:"type:decimal(10,2);not null;default:0" json:"leverage"`
	MarginMode  string  `gorm:"type:varchar(16);not null;default:''" json:"margin_mode"`
	LiqPrice    float64 `gorm:"type:decimal(28,12);not null;default:0" json:"liq_price"`
	UnrealPnl   float64 `gorm:"type:decimal(28,12);not null;default:0" json:"unreal_pnl"`
	RealizedPnl float64 `gorm:"type:decimal(28,12);not null;default:0;comment:本仓累计已实现" json:"realized_pnl"`

	OpenedAt  time.Time `gorm:"not null" json:"opened_at"`
	UpdatedAt time.Time `gorm:"not null;index" json:"updated_at"`
}

func (Position) TableName() string {
	return "positions"
}

// ClosedPosition 已平仓记录，同一秒内重复平仓原地合并
type ClosedPosition struct {
	ID uint `gorm:"primaryKey;autoIncrement" json:"id"`

	AccountID   int64     `gorm:"not null;uniqueIndex:uidx_closed,priority:1" json:"account_id"`
	Symbol      string    `gorm:"type:varchar(32);not null;uniqueIndex:uidx_closed,priority:2" json:"symbol"`
	PositionIdx int       `gorm:"not null;uniqueIndex:uidx_closed,priority:3" json:"position_idx"`
	Side        string    `gorm:"type:varchar(8);not null;uniqueIndex:uidx_closed,priority:4" json:"side"`
	ClosedAt    time.Time `gorm:"not null;uniqueIndex:uidx_closed,priority:5" json:"closed_at"`
	Qty         float64   `gorm:"type:decimal(28,12);not null" json:"qty"`
	EntryPrice  float64   `gorm:"type:decimal(28,12);not null;default:0" json:"entry_price"`
	ExitPrice   float64   `gorm:"type:decimal(28,12);not null;default:0" json:"exit_price"`
	RealizedPnl float64   `gorm:"type:decimal(28,12);not null;default:0" json:"realized_pnl"`
	Fees        float64   `gorm:"type:decimal(28,12);not null;default:0" json:"fees"`
	OpenedAt    time.Time `json:"opened_at"`
}

func (ClosedPosition) TableName() string {
	return "closed_positions"
}
