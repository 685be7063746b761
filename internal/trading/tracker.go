package trading

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/a1g0-creator/ct-bot-sub000/internal/exchange"
	"github.com/a1g0-creator/ct-bot-sub000/internal/models"
)

type legKey struct {
	symbol string
	idx    exchange.PositionIdx
}

// tracker 单账户持仓生命周期：首次非零创建，之后每次观测更新，数量归零转为平仓记录
type tracker struct {
	accountID int64
	store     PositionStore
	log       zerolog.Logger
	onClose   func(closed *models.ClosedPosition)

	mu    sync.Mutex
	open  map[legKey]*models.Position
	fees  map[string]float64 // symbol -> 本仓累计手续费
	exits map[string]float64 // symbol -> 最近一次平仓成交价
}

func newTracker(accountID int64, store PositionStore, log zerolog.Logger) *tracker {
	return &tracker{
		accountID: accountID,
		store:     store,
		log:       log,
		open:      make(map[legKey]*models.Position),
		fees:      make(map[string]float64),
		exits:     make(map[string]float64),
	}
}

// OnExecution 累计手续费，记录平仓成交价
func (t *tracker) OnExecution(e exchange.Execution) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fees[e.Symbol] += e.ExecFee
	if e.ClosedSize > 0 && e.ExecPrice > 0 {
		t.exits[e.Symbol] = e.ExecPrice
	}
}

func (t *tracker) Open() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.open)
}

// Observe 返回非 nil 表示本次观测产生了平仓记录
func (t *tracker) Observe(p exchange.Position, now time.Time) *models.ClosedPosition {
	key := legKey{p.Symbol, p.PositionIdx}

	t.mu.Lock()
	cur, known := t.open[key]
	if p.Size > 0 {
		if !known {
			cur = &models.Position{
				AccountID:   t.accountID,
				Symbol:      p.Symbol,
				PositionIdx: int(p.PositionIdx),
				OpenedAt:    now,
			}
			t.open[key] = cur
		}
		cur.Side = string(p.Side)
		cur.Qty = p.Size
		cur.EntryPrice = p.EntryPrice
		cur.MarkPrice = p.MarkPrice
		cur.Leverage = p.Leverage
		cur.MarginMode = string(p.MarginMode)
		cur.LiqPrice = p.LiqPrice
		cur.UnrealPnl = p.UnrealisedPnl
		cur.RealizedPnl = p.CurRealisedPnl
		cur.UpdatedAt = now
		snapshot := *cur
		t.mu.Unlock()

		if t.store != nil {
			if err := t.store.Upsert(&snapshot); err != nil {
				t.log.Error().Err(err).Str("symbol", p.Symbol).Msg("upsert position failed")
			}
		}
		return nil
	}

	if !known {
		t.mu.Unlock()
		return nil
	}
	delete(t.open, key)
	exit := t.exits[p.Symbol]
	if exit == 0 {
		exit = p.MarkPrice
	}
	pnl := p.CurRealisedPnl
	if pnl == 0 {
		pnl = cur.RealizedPnl
	}
	closed := &models.ClosedPosition{
		AccountID:   t.accountID,
		Symbol:      cur.Symbol,
		PositionIdx: cur.PositionIdx,
		Side:        cur.Side,
		Qty:         cur.Qty,
		EntryPrice:  cur.EntryPrice,
		ExitPrice:   exit,
		RealizedPnl: pnl,
		Fees:        t.fees[p.Symbol],
		OpenedAt:    cur.OpenedAt,
		ClosedAt:    now,
	}
	delete(t.fees, p.Symbol)
	delete(t.exits, p.Symbol)
	t.mu.Unlock()

	if t.store != nil {
		if err := t.store.Close(t.accountID, closed.Symbol, closed.PositionIdx, closed); err != nil {
			t.log.Error().Err(err).Str("symbol", closed.Symbol).Msg("close position failed")
		}
	}
	t.log.Info().
		Str("symbol", closed.Symbol).
		Int("position_idx", closed.PositionIdx).
		Str("side", closed.Side).
		Float64("qty", closed.Qty).
		Float64("pnl", closed.RealizedPnl).
		Msg("position closed")
	if t.onClose != nil {
		t.onClose(closed)
	}
	return closed
}

// Sync 以 REST 快照为准，scope 内快照缺失的已跟踪仓位按已平处理；scope 为 nil 表示全部
func (t *tracker) Sync(positions []exchange.Position, scope map[string]struct{}, now time.Time) {
	seen := make(map[legKey]struct{}, len(positions))
	for _, p := range positions {
		seen[legKey{p.Symbol, p.PositionIdx}] = struct{}{}
		t.Observe(p, now)
	}

	t.mu.Lock()
	var missing []exchange.Position
	for k, pos := range t.open {
		if _, ok := seen[k]; ok {
			continue
		}
		if _, ok := scope[k.symbol]; scope != nil && !ok {
			continue
		}
		missing = append(missing, exchange.Position{Symbol: k.symbol, PositionIdx: k.idx, MarkPrice: pos.MarkPrice})
	}
	t.mu.Unlock()

	for _, p := range missing {
		t.Observe(p, now)
	}
}

// Legs 当前跟踪中的仓位
func (t *tracker) Legs() []exchange.Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]exchange.Position, 0, len(t.open))
	for _, pos := range t.open {
		out = append(out, exchange.Position{
			Symbol:      pos.Symbol,
			Side:        exchange.Side(pos.Side),
			Size:        pos.Qty,
			PositionIdx: exchange.PositionIdx(pos.PositionIdx),
			MarkPrice:   pos.MarkPrice,
		})
	}
	return out
}

// pnlRatio 平仓收益率，用于 Kelly 历史
func pnlRatio(c *models.ClosedPosition) (float64, bool) {
	notional := c.EntryPrice * c.Qty
	if notional <= 0 {
		return 0, false
	}
	return (c.RealizedPnl - c.Fees) / notional, true
}
