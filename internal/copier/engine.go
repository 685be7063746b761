package copier

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/a1g0-creator/ct-bot-sub000/internal/cache"
	"github.com/a1g0-creator/ct-bot-sub000/internal/exchange"
	"github.com/a1g0-creator/ct-bot-sub000/internal/models"
	"github.com/a1g0-creator/ct-bot-sub000/internal/mode"
	"github.com/a1g0-creator/ct-bot-sub000/internal/monitor"
	"github.com/a1g0-creator/ct-bot-sub000/internal/signal"
	"github.com/a1g0-creator/ct-bot-sub000/pkg/concurrent"
)

var (
	ErrStaleSignal = errors.New("copier: signal version is behind the live context")
	ErrModePending = errors.New("copier: target position mode unknown")
	ErrNoTrader    = errors.New("copier: no exchange client bound")
)

// Trader target 账户的交易所接口
type Trader interface {
	PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error)
	SetLeverage(ctx context.Context, symbol string, leverage float64) error
	SetMarginMode(ctx context.Context, symbol string, m exchange.MarginMode, leverage float64) error
	Positions(ctx context.Context, symbol string) ([]exchange.Position, error)
	Ticker(ctx context.Context, symbol string) (exchange.Ticker, error)
}

// FilterSource 合约下单规则
type FilterSource interface {
	Filter(ctx context.Context, symbol string) (exchange.InstrumentFilter, error)
}

// ModeSource target 账户的仓位模式
type ModeSource interface {
	Mode(symbol string) (mode.Mode, bool)
	EnsureProbe(ctx context.Context, symbol string)
}

// Gate 风控闸门
type Gate interface {
	CanOpenPositions() bool
	AdjustIncrease(symbol string, qty, price float64) float64
	OnAPIFailure(reason string)
	OnAPISuccess()
	LogEvent(ev *models.RiskEvent)
}

// Trailing 追踪止损
type Trailing interface {
	Arm(ctx context.Context, symbol string, idx exchange.PositionIdx, entry, tick float64) error
	Clear(symbol string, idx exchange.PositionIdx)
	Cancel(ctx context.Context, symbol string, idx exchange.PositionIdx) error
}

// OrderRecorder 下单记录（异步）
type OrderRecorder interface {
	LogOrder(o *models.OrderLog)
}

type Config struct {
	AccountID    int64
	CopyLeverage bool
	BumpToMinQty bool
	DedupWindow  time.Duration
	OrderTimeout time.Duration
}

// Deps 引擎依赖，Ratio 返回 target/donor 权益比 × copy ratio
type Deps struct {
	Trader   Trader
	Filters  FilterSource
	Modes    ModeSource
	Gate     Gate
	Trailing Trailing
	Recorder OrderRecorder
	Ratio    func() float64
	Version  func() int64
}

// Engine 复制执行引擎，Execute 由 signal.Router 的单消费者串行调用
type Engine struct {
	cfg  Config
	deps Deps
	log  zerolog.Logger

	mu     sync.RWMutex
	trader Trader

	dedup  *cache.DedupCache
	synced concurrent.Set[string]
}

func NewEngine(cfg Config, deps Deps, log zerolog.Logger) *Engine {
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 3 * time.Second
	}
	if cfg.OrderTimeout <= 0 {
		cfg.OrderTimeout = 15 * time.Second
	}
	if deps.Ratio == nil {
		deps.Ratio = func() float64 { return 1 }
	}
	if deps.Version == nil {
		deps.Version = func() int64 { return 0 }
	}
	return &Engine{
		cfg:    cfg,
		deps:   deps,
		log:    log,
		trader: deps.Trader,
		dedup:  cache.NewDedupCache(cfg.DedupWindow),
	}
}

// SetTrader hot-swap 后替换 REST 客户端
func (e *Engine) SetTrader(t Trader) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.trader = t
}

func (e *Engine) client() Trader {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.trader
}

// ResetSession 清空会话级状态：杠杆同步记录、动作去重
func (e *Engine) ResetSession() {
	e.synced.Clear()
	e.dedup.Flush()
}

func (e *Engine) SyncedSymbols() int64 {
	return e.synced.Len()
}

// Execute 满足 signal.ExecFunc
func (e *Engine) Execute(ctx context.Context, sig signal.Signal) error {
	if live := e.deps.Version(); sig.Version < live {
		e.log.Debug().Str("symbol", sig.Symbol).Int64("version", sig.Version).Int64("live", live).Msg("STALE_SIGNAL dropped")
		return ErrStaleSignal
	}
	trader := e.client()
	if trader == nil {
		return ErrNoTrader
	}

	targetMode, ok := e.deps.Modes.Mode(sig.Symbol)
	if !ok {
		e.deps.Modes.EnsureProbe(ctx, sig.Symbol)
		e.log.Info().Str("symbol", sig.Symbol).Msg("MODE_PENDING target mode unknown, signal dropped")
		return ErrModePending
	}
	if sig.Mode != "" && sig.Mode != targetMode {
		e.log.Warn().Str("symbol", sig.Symbol).Str("donor", string(sig.Mode)).Str("target", string(targetMode)).Msg("MODE_MISMATCH")
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.OrderTimeout)
	defer cancel()

	filter, err := e.deps.Filters.Filter(ctx, sig.Symbol)
	if err != nil {
		return fmt.Errorf("instrument filter %s: %w", sig.Symbol, err)
	}

	donor := e.scaledDonor(sig, targetMode, filter)
	if targetMode == mode.Hedge && sig.PositionIdx == exchange.IdxOneWay && donor.Size > 0 {
		if err := e.closeOppositeLeg(ctx, trader, sig, donor, filter); err != nil {
			return err
		}
	}
	target, err := e.targetPosition(ctx, trader, targetMode, donor)
	if err != nil {
		e.deps.Gate.OnAPIFailure("positions")
		return fmt.Errorf("target positions %s: %w", sig.Symbol, err)
	}

	plan, reason := Derive(targetMode, donor, target, filter.MinQty)
	if reason != "" {
		e.log.Debug().Str("symbol", sig.Symbol).Int("position_idx", int(donor.PositionIdx)).
			Float64("donor", donor.Size).Float64("target", target.Size).Str("reason", reason).Msg("COPY_SKIP")
		return nil
	}

	price := sig.Price
	if price <= 0 {
		if tk, err := trader.Ticker(ctx, sig.Symbol); err == nil {
			price = tk.LastPrice
		}
	}

	plan, ok = e.applyRisk(plan, target, price)
	if !ok {
		return nil
	}

	return e.place(ctx, trader, sig, plan, price, filter, targetMode)
}

// place 下单并记录，plan 已经过风控修正
func (e *Engine) place(ctx context.Context, trader Trader, sig signal.Signal, plan OrderPlan, price float64, filter exchange.InstrumentFilter, targetMode mode.Mode) error {
	qty, err := e.formatPlan(plan, price, filter)
	if err != nil {
		return err
	}
	if qty == "" || qty == "0" {
		e.log.Debug().Str("symbol", plan.Symbol).Float64("qty", plan.Qty).Msg("COPY_SKIP quantity rounds to zero")
		return nil
	}

	actionKey := fmt.Sprintf("%s|%d|%s|%s", plan.Symbol, plan.PositionIdx, plan.Side, qty)
	if !e.dedup.MarkIfAbsent(actionKey) {
		e.log.Info().Str("symbol", plan.Symbol).Str("side", string(plan.Side)).Str("qty", qty).Msg("DUPLICATE_ACTION skipped")
		return nil
	}

	if err := e.syncSymbol(ctx, trader, sig); err != nil && plan.Increases() {
		e.dedup.Forget(actionKey)
		return err
	}

	// 全平前先撤交易所侧追踪止损，失败不阻塞平仓
	if plan.Type == signal.TypeClose && e.deps.Trailing != nil {
		if err := e.deps.Trailing.Cancel(ctx, plan.Symbol, plan.PositionIdx); err != nil {
			e.log.Warn().Err(err).Str("symbol", plan.Symbol).Int("position_idx", int(plan.PositionIdx)).Msg("trailing stop cancel failed")
		}
	}

	req := exchange.OrderRequest{
		Symbol:      plan.Symbol,
		Side:        plan.Side,
		Qty:         qty,
		PositionIdx: plan.PositionIdx,
		ReduceOnly:  plan.ReduceOnly,
		OrderLinkID: uuid.NewString(),
	}
	start := time.Now()
	res, err := trader.PlaceOrder(ctx, req)
	latency := time.Since(start)
	monitor.ObserveOrderLatency(latency.Seconds())

	rec := &models.OrderLog{
		AccountID:   e.cfg.AccountID,
		OrderLinkID: req.OrderLinkID,
		SignalKey:   sig.Key(),
		Symbol:      req.Symbol,
		Side:        string(req.Side),
		Type:        string(plan.Type),
		Qty:         qty,
		Price:       price,
		PositionIdx: int(req.PositionIdx),
		ReduceOnly:  req.ReduceOnly,
		LatencyMs:   latency.Milliseconds(),
	}

	if err != nil {
		e.dedup.Forget(actionKey)
		rec.Status = models.OrderStatusRejected
		rec.Reason = truncate(err.Error(), 255)
		e.record(rec)
		monitor.IncOrder(rec.Status)
		if exchange.IsRetryable(err) {
			e.deps.Gate.OnAPIFailure("place_order")
		} else {
			e.deps.Gate.LogEvent(&models.RiskEvent{
				Event:  models.RiskEventOrderRejected,
				Symbol: plan.Symbol,
				Reason: rec.Reason,
				Value:  plan.Qty,
			})
		}
		return fmt.Errorf("place order %s %s %s: %w", plan.Symbol, plan.Side, qty, err)
	}

	e.deps.Gate.OnAPISuccess()
	if res.OrderID != "" {
		id := res.OrderID
		rec.ExchangeOrderID = &id
	}
	rec.Status = models.OrderStatusNew
	e.record(rec)
	monitor.IncOrder(rec.Status)

	e.log.Info().
		Str("symbol", plan.Symbol).
		Str("type", string(plan.Type)).
		Str("side", string(plan.Side)).
		Str("qty", qty).
		Int("position_idx", int(plan.PositionIdx)).
		Bool("reduce_only", plan.ReduceOnly).
		Bool("reversal", plan.Reversal).
		Str("mode", string(targetMode)).
		Int64("version", sig.Version).
		Str("order_id", res.OrderID).
		Str("order_link_id", req.OrderLinkID).
		Dur("latency", latency).
		Msg("COPY_ACTION")

	e.afterFill(ctx, plan, price, filter)
	return nil
}

// scaledDonor 把 donor 仓位换算成 target 期望仓位，并映射到 target 的仓位模式
func (e *Engine) scaledDonor(sig signal.Signal, targetMode mode.Mode, f exchange.InstrumentFilter) exchange.Position {
	size := sig.Size * e.deps.Ratio()
	if size > 0 && e.cfg.BumpToMinQty && size < f.MinQty {
		size = f.MinQty
	}

	side := sig.PositionSide
	if side == "" {
		side = sig.Side
	}
	p := exchange.Position{
		Symbol:      sig.Symbol,
		Side:        side,
		Size:        size,
		PositionIdx: sig.PositionIdx,
		Leverage:    sig.Leverage,
		MarginMode:  sig.MarginMode,
	}
	switch targetMode {
	case mode.OneWay:
		p.PositionIdx = exchange.IdxOneWay
	case mode.Hedge:
		if _, ok := p.PositionIdx.LegSide(); !ok {
			p.PositionIdx = exchange.IdxHedgeBuy
			if side == exchange.SideSell {
				p.PositionIdx = exchange.IdxHedgeSell
			}
		}
	}
	return p
}

func (e *Engine) targetPosition(ctx context.Context, trader Trader, m mode.Mode, donor exchange.Position) (exchange.Position, error) {
	positions, err := trader.Positions(ctx, donor.Symbol)
	if err != nil {
		return exchange.Position{}, err
	}
	for _, p := range positions {
		if p.Symbol != donor.Symbol || p.Size == 0 {
			continue
		}
		if m == mode.OneWay || p.PositionIdx == donor.PositionIdx {
			return p, nil
		}
	}
	return exchange.Position{Symbol: donor.Symbol, PositionIdx: donor.PositionIdx}, nil
}

// closeOppositeLeg 单向 donor 映射到双向 target：donor 净仓换边时先平掉 target 另一条腿
func (e *Engine) closeOppositeLeg(ctx context.Context, trader Trader, sig signal.Signal, donor exchange.Position, filter exchange.InstrumentFilter) error {
	positions, err := trader.Positions(ctx, donor.Symbol)
	if err != nil {
		e.deps.Gate.OnAPIFailure("positions")
		return fmt.Errorf("target positions %s: %w", donor.Symbol, err)
	}
	for _, p := range positions {
		if p.Symbol != donor.Symbol || p.Size == 0 || p.PositionIdx == donor.PositionIdx {
			continue
		}
		leg, ok := p.PositionIdx.LegSide()
		if !ok {
			continue
		}
		plan := OrderPlan{
			Symbol:      p.Symbol,
			Type:        signal.TypeClose,
			Side:        leg.Opposite(),
			Qty:         p.Size,
			PositionIdx: p.PositionIdx,
			ReduceOnly:  true,
		}
		e.log.Info().Str("symbol", p.Symbol).Int("position_idx", int(p.PositionIdx)).Float64("qty", p.Size).Msg("donor flipped side, closing opposite hedge leg")
		if err := e.place(ctx, trader, sig, plan, sig.Price, filter, mode.Hedge); err != nil {
			return err
		}
	}
	return nil
}

// applyRisk 加仓部分经风控修正；禁止开仓时反手降级为纯平仓
func (e *Engine) applyRisk(plan OrderPlan, target exchange.Position, price float64) (OrderPlan, bool) {
	if !plan.Increases() {
		return plan, true
	}
	gate := e.deps.Gate

	if !gate.CanOpenPositions() {
		if plan.Reversal {
			plan.Type, plan.Qty, plan.ReduceOnly, plan.Reversal = signal.TypeClose, target.Size, true, false
			e.log.Warn().Str("symbol", plan.Symbol).Float64("qty", plan.Qty).Msg("opening blocked, reversal reduced to close")
			return plan, true
		}
		e.log.Warn().Str("symbol", plan.Symbol).Str("type", string(plan.Type)).Float64("qty", plan.Qty).Msg("opening blocked by risk governor")
		gate.LogEvent(&models.RiskEvent{Event: models.RiskEventOpenBlocked, Symbol: plan.Symbol, Value: plan.Qty})
		return plan, false
	}

	if plan.Reversal {
		closing := target.Size
		opening := math.Max(plan.Qty-closing, 0)
		plan.Qty = closing + gate.AdjustIncrease(plan.Symbol, opening, price)
		return plan, true
	}
	plan.Qty = gate.AdjustIncrease(plan.Symbol, plan.Qty, price)
	return plan, plan.Qty > 0
}

// formatPlan 加仓按最小名义价值抬升；减仓只向下取整，全平时保留原始数量
func (e *Engine) formatPlan(plan OrderPlan, price float64, f exchange.InstrumentFilter) (string, error) {
	if plan.Increases() {
		return FormatQuantity(plan.Qty, price, f)
	}
	qty, err := FloorQuantity(plan.Qty, f)
	if err != nil {
		return "", err
	}
	if plan.Type == signal.TypeClose && (qty == "0" || qty == "") {
		return FloorQuantity(plan.Qty, exchange.InstrumentFilter{QtyStep: qtyEpsilon})
	}
	return qty, nil
}

// syncSymbol 每个 symbol 每个会话首次下单前同步保证金模式与杠杆，严格先后
func (e *Engine) syncSymbol(ctx context.Context, trader Trader, sig signal.Signal) error {
	if !e.cfg.CopyLeverage || sig.Leverage <= 0 || e.synced.Has(sig.Symbol) {
		return nil
	}
	if sig.MarginMode != "" {
		if err := trader.SetMarginMode(ctx, sig.Symbol, sig.MarginMode, sig.Leverage); err != nil {
			return e.syncFailed(sig, "margin_mode", err)
		}
	}
	if err := trader.SetLeverage(ctx, sig.Symbol, sig.Leverage); err != nil {
		return e.syncFailed(sig, "leverage", err)
	}
	e.synced.Add(sig.Symbol)
	e.log.Info().Str("symbol", sig.Symbol).Float64("leverage", sig.Leverage).Str("margin_mode", string(sig.MarginMode)).Msg("leverage synced")
	return nil
}

func (e *Engine) syncFailed(sig signal.Signal, step string, err error) error {
	e.log.Warn().Err(err).Str("symbol", sig.Symbol).Str("step", step).Msg("leverage sync failed")
	e.deps.Gate.LogEvent(&models.RiskEvent{
		Event:  models.RiskEventSyncFailed,
		Symbol: sig.Symbol,
		Reason: step + ": " + truncate(err.Error(), 200),
		Value:  sig.Leverage,
	})
	if exchange.IsRetryable(err) {
		e.deps.Gate.OnAPIFailure("leverage_sync")
	}
	return fmt.Errorf("sync %s %s: %w", step, sig.Symbol, err)
}

func (e *Engine) afterFill(ctx context.Context, plan OrderPlan, price float64, f exchange.InstrumentFilter) {
	if e.deps.Trailing == nil {
		return
	}
	switch {
	case plan.Type == signal.TypeClose:
		e.deps.Trailing.Clear(plan.Symbol, plan.PositionIdx)
	case plan.Type == signal.TypeOpen || plan.Reversal:
		if err := e.deps.Trailing.Arm(ctx, plan.Symbol, plan.PositionIdx, price, f.TickSize); err != nil {
			e.log.Warn().Err(err).Str("symbol", plan.Symbol).Msg("trailing stop not armed")
		}
	}
}

func (e *Engine) record(o *models.OrderLog) {
	if e.deps.Recorder != nil {
		e.deps.Recorder.LogOrder(o)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
