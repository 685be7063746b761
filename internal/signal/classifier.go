package signal

import (
	"math"
	"sync"
	"time"

	"github.com/a1g0-creator/ct-bot-sub000/internal/exchange"
	"github.com/a1g0-creator/ct-bot-sub000/internal/mode"
)

type legKey struct {
	symbol string
	idx    exchange.PositionIdx
}

// Classifier 比较 donor 上一次观测到的仓位，生成 OPEN / MODIFY / CLOSE
type Classifier struct {
	mu   sync.Mutex
	last map[legKey]float64 // 双向为腿数量，单向为带符号净仓
}

func NewClassifier() *Classifier {
	return &Classifier{last: make(map[legKey]float64)}
}

// Seed 以 REST 快照作为基线，不产生信号
func (c *Classifier) Seed(m mode.Mode, positions []exchange.Position) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range positions {
		c.last[legKey{p.Symbol, p.PositionIdx}] = observed(m, p)
	}
}

func (c *Classifier) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = make(map[legKey]float64)
}

// OpenLegs 当前记录为非零的仓位，对账时用来补发遗漏的平仓
func (c *Classifier) OpenLegs() []exchange.Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]exchange.Position, 0, len(c.last))
	for k, v := range c.last {
		if v == 0 {
			continue
		}
		out = append(out, exchange.Position{
			Symbol:      k.symbol,
			PositionIdx: k.idx,
			Side:        sideOf(v),
			Size:        math.Abs(v),
		})
	}
	return out
}

func observed(m mode.Mode, p exchange.Position) float64 {
	if m == mode.OneWay {
		return p.Signed()
	}
	return p.Size
}

// Observe 数量无变化时返回 false
func (c *Classifier) Observe(m mode.Mode, p exchange.Position, version int64, now time.Time) (Signal, bool) {
	key := legKey{p.Symbol, p.PositionIdx}
	cur := observed(m, p)

	c.mu.Lock()
	prev := c.last[key]
	c.last[key] = cur
	c.mu.Unlock()

	if cur == prev {
		return Signal{}, false
	}

	sig := Signal{
		Symbol:      p.Symbol,
		Size:        math.Abs(cur),
		Price:       p.MarkPrice,
		Timestamp:   now,
		PositionIdx: p.PositionIdx,
		Mode:        m,
		Version:     version,
		Leverage:    p.Leverage,
		MarginMode:  p.MarginMode,
		Source:      SourceFeed,
	}
	if sig.Price == 0 {
		sig.Price = p.EntryPrice
	}

	if m == mode.Hedge {
		leg, ok := p.PositionIdx.LegSide()
		if !ok {
			leg = p.Side
		}
		sig.PositionSide = leg
		switch {
		case cur == 0:
			sig.Type, sig.Side, sig.ReduceOnly = TypeClose, leg.Opposite(), true
		case prev == 0:
			sig.Type, sig.Side = TypeOpen, leg
		case cur > prev:
			sig.Type, sig.Side = TypeModify, leg
		default:
			sig.Type, sig.Side, sig.ReduceOnly = TypeModify, leg.Opposite(), true
		}
		return sig, true
	}

	sig.PositionSide = sideOf(cur)
	if cur == 0 {
		sig.PositionSide = sideOf(prev)
	}
	switch {
	case cur == 0:
		sig.Type, sig.Side, sig.ReduceOnly = TypeClose, sideOf(prev).Opposite(), true
	case prev == 0:
		sig.Type, sig.Side = TypeOpen, sideOf(cur)
	case sameSign(cur, prev) && math.Abs(cur) < math.Abs(prev):
		sig.Type, sig.Side, sig.ReduceOnly = TypeModify, sideOf(prev).Opposite(), true
	case sameSign(cur, prev):
		sig.Type, sig.Side = TypeModify, sideOf(cur)
	default:
		// 反手：单笔非 reduceOnly 订单
		sig.Type, sig.Side = TypeModify, sideOf(cur)
	}
	return sig, true
}

func sideOf(v float64) exchange.Side {
	if v < 0 {
		return exchange.SideSell
	}
	return exchange.SideBuy
}

func sameSign(a, b float64) bool {
	return (a > 0) == (b > 0)
}
