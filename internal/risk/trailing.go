package risk

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/a1g0-creator/ct-bot-sub000/internal/exchange"
	"github.com/a1g0-creator/ct-bot-sub000/pkg/concurrent"
)

// StopSetter 交易所追踪止损接口
type StopSetter interface {
	SetTradingStop(ctx context.Context, ts exchange.TradingStop) error
}

type trailKey struct {
	symbol string
	idx    exchange.PositionIdx
}

// TrailingManager OPEN 成交后挂追踪止损，CLOSE 时撤销
type TrailingManager struct {
	mu      sync.RWMutex
	client  StopSetter
	percent float64
	enabled bool
	active  concurrent.Map[trailKey, string]
	log     zerolog.Logger
}

func NewTrailingManager(client StopSetter, enabled bool, percent float64, log zerolog.Logger) *TrailingManager {
	return &TrailingManager{
		client:  client,
		percent: percent,
		enabled: enabled && percent > 0,
		log:     log,
	}
}

// SetClient hot-swap 后替换 REST 客户端
func (t *TrailingManager) SetClient(c StopSetter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.client = c
}

func (t *TrailingManager) setter() StopSetter {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.client
}

// Distance entry × percent，按 tick 四舍五入，至少一个 tick
func (t *TrailingManager) Distance(entry, tick float64) string {
	d := decimal.NewFromFloat(entry).Mul(decimal.NewFromFloat(t.percent))
	if tick <= 0 {
		return d.String()
	}
	step := decimal.NewFromFloat(tick)
	d = d.Div(step).Round(0).Mul(step)
	if d.LessThan(step) {
		d = step
	}
	return d.String()
}

func (t *TrailingManager) Arm(ctx context.Context, symbol string, idx exchange.PositionIdx, entry, tick float64) error {
	if !t.enabled || entry <= 0 {
		return nil
	}
	dist := t.Distance(entry, tick)
	err := t.setter().SetTradingStop(ctx, exchange.TradingStop{Symbol: symbol, PositionIdx: idx, Distance: dist})
	if err != nil {
		return fmt.Errorf("arm trailing stop %s: %w", symbol, err)
	}
	t.active.Store(trailKey{symbol, idx}, dist)
	t.log.Info().Str("symbol", symbol).Int("position_idx", int(idx)).Str("distance", dist).Msg("trailing stop armed")
	return nil
}

// Clear 仓位已平时只清本地状态，交易所侧随仓位一起失效
func (t *TrailingManager) Clear(symbol string, idx exchange.PositionIdx) {
	if _, ok := t.active.LoadAndDelete(trailKey{symbol, idx}); ok {
		t.log.Debug().Str("symbol", symbol).Int("position_idx", int(idx)).Msg("trailing stop cleared")
	}
}

// Cancel 主动撤销交易所侧追踪止损
func (t *TrailingManager) Cancel(ctx context.Context, symbol string, idx exchange.PositionIdx) error {
	if _, ok := t.active.Load(trailKey{symbol, idx}); !ok {
		return nil
	}
	err := t.setter().SetTradingStop(ctx, exchange.TradingStop{Symbol: symbol, PositionIdx: idx, Distance: "0"})
	if err != nil {
		return fmt.Errorf("cancel trailing stop %s: %w", symbol, err)
	}
	t.Clear(symbol, idx)
	return nil
}

func (t *TrailingManager) Reset() {
	t.active.Clear()
}

func (t *TrailingManager) Active() int64 {
	return t.active.Len()
}
