package dao

import (
	"time"

	"gorm.io/gorm"
)

var (
	_signal   = &SignalDAO{}
	_order    = &OrderDAO{}
	_risk     = &RiskEventDAO{}
	_balance  = &BalanceDAO{}
	_position = &PositionDAO{}
)

// InitDAO 初始化所有 DAO（应用启动时调用）
func InitDAO(db *gorm.DB) {
	_signal.db = db
	_order.db = db
	_risk.db = db
	_balance.db = db
	_position.db = db
}

func Signal() *SignalDAO     { return _signal }
func Order() *OrderDAO       { return _order }
func Risk() *RiskEventDAO    { return _risk }
func Balance() *BalanceDAO   { return _balance }
func Position() *PositionDAO { return _position }

// deleteBefore 按时间列删除过期数据，返回删除行数
func deleteBefore(db *gorm.DB, model any, column string, before time.Time) (int64, error) {
	res := db.Where(column+" < ?", before).Delete(model)
	return res.RowsAffected, res.Error
}
