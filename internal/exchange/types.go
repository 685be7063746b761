package exchange

import (
	"time"
)

// Credentials 单个账户的 API 凭证
type Credentials struct {
	APIKey    string
	APISecret string
	Source    string // vault | env
}

func (c Credentials) Valid() bool {
	return c.APIKey != "" && c.APISecret != ""
}

// Hint 日志里只展示 key 的前4位
func (c Credentials) Hint() string {
	if len(c.APIKey) <= 4 {
		return "****"
	}
	return c.APIKey[:4] + "****"
}

type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

// Opposite 反向
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Sign Buy 为 +1，Sell 为 -1
func (s Side) Sign() float64 {
	switch s {
	case SideBuy:
		return 1
	case SideSell:
		return -1
	}
	return 0
}

// PositionIdx 0=单向 1=双向多 2=双向空
type PositionIdx int

const (
	IdxOneWay    PositionIdx = 0
	IdxHedgeBuy  PositionIdx = 1
	IdxHedgeSell PositionIdx = 2
)

// LegSide 双向模式下仓位腿对应的方向
func (i PositionIdx) LegSide() (Side, bool) {
	switch i {
	case IdxHedgeBuy:
		return SideBuy, true
	case IdxHedgeSell:
		return SideSell, true
	}
	return "", false
}

type MarginMode string

const (
	MarginCross    MarginMode = "cross"
	MarginIsolated MarginMode = "isolated"
)

// Position 交易所返回的持仓
type Position struct {
	Symbol         string
	Side           Side
	Size           float64
	EntryPrice     float64
	MarkPrice      float64
	Leverage       float64
	MarginMode     MarginMode
	LiqPrice       float64
	UnrealisedPnl  float64
	CurRealisedPnl float64
	PositionIdx    PositionIdx
	TrailingStop   float64
	UpdatedAt      time.Time
}

// Signed 带方向的数量，单向模式按净仓计算
func (p Position) Signed() float64 {
	return p.Side.Sign() * p.Size
}

// Balance 统一账户余额
type Balance struct {
	TotalEquity      float64
	WalletBalance    float64
	AvailableBalance float64
	Coins            []CoinBalance
	Timestamp        time.Time
}

type CoinBalance struct {
	Coin          string
	Equity        float64
	WalletBalance float64
	Locked        float64
}

// InstrumentFilter 合约下单规则
type InstrumentFilter struct {
	Symbol      string
	QtyStep     float64
	MinQty      float64
	MaxQty      float64
	MinNotional float64
	TickSize    float64
}

type Ticker struct {
	Symbol    string
	LastPrice float64
	MarkPrice float64
}

// OrderRequest 市价单请求，PositionIdx 总是写入请求体
type OrderRequest struct {
	Symbol      string
	Side        Side
	Qty         string
	PositionIdx PositionIdx
	ReduceOnly  bool
	OrderLinkID string
}

type OrderResult struct {
	OrderID     string
	OrderLinkID string
}

// TradingStop 追踪止损参数，Distance 为价格距离
type TradingStop struct {
	Symbol      string
	PositionIdx PositionIdx
	Distance    string
}

// Execution 成交回报（feed 的 execution topic）
type Execution struct {
	Symbol      string
	Side        Side
	OrderID     string
	OrderLinkID string
	ExecPrice   float64
	ExecQty     float64
	ExecFee     float64
	ClosedSize  float64
	ExecTime    time.Time
}
