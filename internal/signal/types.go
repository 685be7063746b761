package signal

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"strconv"
	"time"

	"github.com/a1g0-creator/ct-bot-sub000/internal/exchange"
	"github.com/a1g0-creator/ct-bot-sub000/internal/mode"
)

var (
	ErrQueueFull    = errors.New("signal: processing queue full")
	ErrDeferredFull = errors.New("signal: deferred queue full")
	ErrRouterClosed = errors.New("signal: router closed")
)

// Type 信号类型
type Type string

const (
	TypeOpen   Type = "OPEN"
	TypeModify Type = "MODIFY"
	TypeClose  Type = "CLOSE"
)

const (
	SourceFeed      = "feed"
	SourceReconcile = "reconcile"
)

// Signal donor 仓位变化产生的交易信号，创建后不可修改。
// Size 为 donor 变化后的仓位数量，Side 为本次动作方向，
// PositionSide 为变化后 donor 仓位本身的方向（平仓时为原方向）。
type Signal struct {
	Type         Type
	Symbol       string
	Side         exchange.Side
	PositionSide exchange.Side
	Size         float64
	Price        float64
	Timestamp    time.Time
	PositionIdx  exchange.PositionIdx
	ReduceOnly   bool
	Mode         mode.Mode
	Version      int64
	Leverage     float64
	MarginMode   exchange.MarginMode
	Source       string
}

// Key 幂等键 sha1(symbol|idx|side|type|秒级时间戳)
func (s Signal) Key() string {
	raw := s.Symbol + "|" +
		strconv.Itoa(int(s.PositionIdx)) + "|" +
		string(s.Side) + "|" +
		string(s.Type) + "|" +
		strconv.FormatInt(s.Timestamp.Unix(), 10)
	sum := sha1.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Critical 暂停期间必须保留的信号：CLOSE 或减仓 MODIFY
func (s Signal) Critical() bool {
	return s.Type == TypeClose || (s.Type == TypeModify && s.ReduceOnly)
}
