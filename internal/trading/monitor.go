package trading

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/a1g0-creator/ct-bot-sub000/internal/cache"
	"github.com/a1g0-creator/ct-bot-sub000/internal/copier"
	"github.com/a1g0-creator/ct-bot-sub000/internal/exchange"
	"github.com/a1g0-creator/ct-bot-sub000/internal/mode"
	"github.com/a1g0-creator/ct-bot-sub000/internal/models"
	"github.com/a1g0-creator/ct-bot-sub000/internal/monitor"
	"github.com/a1g0-creator/ct-bot-sub000/internal/notify"
	"github.com/a1g0-creator/ct-bot-sub000/internal/risk"
	"github.com/a1g0-creator/ct-bot-sub000/internal/signal"
	"github.com/a1g0-creator/ct-bot-sub000/internal/symbol"
	"github.com/a1g0-creator/ct-bot-sub000/internal/vault"
	"github.com/a1g0-creator/ct-bot-sub000/pkg/goplus"
)

// Deps 外部协作者，全部由 main 注入
type Deps struct {
	Vault     vault.Vault
	Factory   Factory
	Governor  *risk.Governor
	Trailing  *risk.TrailingManager
	Filters   *symbol.Loader
	Recorder  Recorder
	Positions PositionStore
	History   TradeHistory
	Notifier  notify.Notifier
}

// account 单个账户的一组连接
type account struct {
	client RESTClient
	feed   Feed
}

// Monitor 编排 donor feed → 信号 → 复制执行，负责凭证 hot-swap
type Monitor struct {
	cfg     Config
	deps    Deps
	log     zerolog.Logger
	metrics *monitor.Metrics

	version atomic.Int64
	ready   atomic.Bool
	started atomic.Bool

	swapSem  chan struct{} // 容量 1，串行化 hot-swap
	swapping atomic.Bool
	lastSwap atomic.Int64
	swaps    atomic.Int64

	mu       sync.RWMutex
	target   account
	donor    account
	runCtx   context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once

	classifier  *signal.Classifier
	buffer      *signal.Buffer
	router      *signal.Router
	engine      *copier.Engine
	targetModes *mode.Detector
	donorModes  *mode.Detector
	targetPos   *tracker
	donorPos    *tracker

	targetEquity atomic.Uint64
	donorEquity  atomic.Uint64

	reconciling   atomic.Bool
	lastReconcile atomic.Int64
}

func NewMonitor(cfg Config, deps Deps, log zerolog.Logger) *Monitor {
	cfg.withDefaults()
	m := &Monitor{
		cfg:        cfg,
		deps:       deps,
		log:        log,
		metrics:    monitor.GetMetrics(),
		classifier: signal.NewClassifier(),
		buffer:     signal.NewBuffer(cfg.BufferSize, log.With().Str("part", "buffer").Logger()),
		swapSem:    make(chan struct{}, 1),
	}
	m.version.Store(1)

	m.targetModes = mode.NewDetector(nil, cfg.ModeCacheTTL, cfg.ProbeThrottle, log.With().Str("part", "mode.target").Logger())
	m.donorModes = mode.NewDetector(nil, cfg.ModeCacheTTL, cfg.ProbeThrottle, log.With().Str("part", "mode.donor").Logger())
	m.targetPos = newTracker(cfg.TargetAccountID, deps.Positions, log.With().Str("part", "positions.target").Logger())
	m.donorPos = newTracker(cfg.DonorAccountID, deps.Positions, log.With().Str("part", "positions.donor").Logger())
	m.targetPos.onClose = m.onTargetClosed

	var trailing copier.Trailing
	if deps.Trailing != nil {
		trailing = deps.Trailing
	}
	m.engine = copier.NewEngine(cfg.Engine, copier.Deps{
		Filters:  deps.Filters,
		Modes:    m.targetModes,
		Gate:     deps.Governor,
		Trailing: trailing,
		Recorder: deps.Recorder,
		Ratio:    m.Ratio,
		Version:  m.version.Load,
	}, log.With().Str("part", "engine").Logger())
	m.router = signal.NewRouter(cfg.Router, m.engine.Execute, log.With().Str("part", "router").Logger())

	deps.Governor.OnEmergency(m.cancelTargetOrders)
	return m
}

// Processed 已处理信号键，启动时从数据库恢复
func (m *Monitor) Processed() *cache.DedupCache {
	return m.router.Processed()
}

func (m *Monitor) Version() int64 {
	return m.version.Load()
}

func (m *Monitor) accounts() (target, donor account) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.target, m.donor
}

func (m *Monitor) baseCtx() context.Context {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.runCtx == nil {
		return context.Background()
	}
	return m.runCtx
}

// Start 建立两个账户的连接，预热后开始复制
func (m *Monitor) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return errors.New("trading: monitor already started")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.runCtx, m.cancel = runCtx, cancel
	m.mu.Unlock()

	v := m.version.Load()
	target, donor, err := m.build(ctx, v)
	if err != nil {
		return err
	}
	m.bind(target, donor)

	m.WarmupKelly()

	wctx, wcancel := context.WithTimeout(ctx, m.cfg.WarmupTimeout)
	err = m.warmup(wctx, false)
	wcancel()
	if err != nil {
		return fmt.Errorf("warmup: %w", err)
	}
	// 启动时 feed 连不上不致命，会话在后台退避重连，就绪前 Ready 为 false
	if err := m.connect(ctx, target, donor); err != nil {
		m.log.Warn().Err(err).Msg("feed connect failed at startup, retrying in background")
	}

	m.buffer.Bind(m.router.AddSignal)
	goplus.Go(func() { m.router.Run(runCtx) })
	goplus.Go(func() { m.balanceLoop(runCtx) })
	goplus.Go(func() { m.reconcileLoop(runCtx) })

	m.metrics.SetContextVersion(v)
	m.metrics.SetRouterPaused(false)
	m.ready.Store(true)
	m.log.Info().
		Int64("target", m.cfg.TargetAccountID).
		Int64("donor", m.cfg.DonorAccountID).
		Int64("version", v).
		Msg("copy monitor started")
	return nil
}

// WarmupKelly 从已平仓记录恢复 Kelly 历史
func (m *Monitor) WarmupKelly() {
	if m.deps.History == nil {
		return
	}
	closed, err := m.deps.History.ClosedSince(m.cfg.TargetAccountID, time.Now().Add(-m.cfg.KellyLookback))
	if err != nil {
		m.log.Warn().Err(err).Msg("load kelly history failed")
		return
	}
	n := 0
	for _, c := range closed {
		if pct, ok := pnlRatio(c); ok {
			m.deps.Governor.RecordTrade(c.Symbol, pct)
			n++
		}
	}
	m.log.Info().Int("trades", n).Msg("kelly history loaded")
}

// Stop 停止复制并关闭连接
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		m.ready.Store(false)
		m.mu.Lock()
		cancel := m.cancel
		target, donor := m.target, m.donor
		m.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		m.buffer.Unbind()
		m.router.Close()
		closeAccount(target)
		closeAccount(donor)
		m.targetModes.Wait()
		m.donorModes.Wait()
		m.log.Info().Msg("copy monitor stopped")
	})
}

func closeAccount(a account) {
	if a.feed != nil {
		_ = a.feed.Close()
	}
	if a.client != nil {
		a.client.Close()
	}
}

// Ratio target/donor 权益比 × CopyRatio，任一方权益未知时只用 CopyRatio
func (m *Monitor) Ratio() float64 {
	t := math.Float64frombits(m.targetEquity.Load())
	d := math.Float64frombits(m.donorEquity.Load())
	if t <= 0 || d <= 0 {
		return m.cfg.CopyRatio
	}
	return t / d * m.cfg.CopyRatio
}

// cancelTargetOrders 紧急停止时撤销 target 全部挂单
func (m *Monitor) cancelTargetOrders(ctx context.Context, reason string) {
	target, _ := m.accounts()
	if target.client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := target.client.CancelAllOrders(ctx, ""); err != nil {
		m.log.Error().Err(err).Str("reason", reason).Msg("cancel all orders on emergency failed")
		return
	}
	m.log.Warn().Str("reason", reason).Msg("all target orders cancelled")
}

func (m *Monitor) onTargetClosed(c *models.ClosedPosition) {
	if pct, ok := pnlRatio(c); ok {
		m.deps.Governor.RecordTrade(c.Symbol, pct)
	}
	if m.deps.Trailing != nil {
		m.deps.Trailing.Clear(c.Symbol, exchange.PositionIdx(c.PositionIdx))
	}
}

func (m *Monitor) alert(ctx context.Context, text string) {
	if m.deps.Notifier == nil {
		return
	}
	if err := m.deps.Notifier.SendAlert(ctx, text); err != nil {
		m.log.Warn().Err(err).Msg("send alert failed")
	}
}

// Ready 两路 feed 已认证且路由未暂停
func (m *Monitor) Ready() bool {
	if !m.ready.Load() || m.router.Paused() {
		return false
	}
	target, donor := m.accounts()
	return feedReady(target.feed) && feedReady(donor.feed)
}

// Status 健康检查 /status 输出
func (m *Monitor) Status() map[string]any {
	target, donor := m.accounts()
	out := map[string]any{
		"ready":           m.Ready(),
		"context_version": m.version.Load(),
		"ratio":           m.Ratio(),
		"target_equity":   math.Float64frombits(m.targetEquity.Load()),
		"donor_equity":    math.Float64frombits(m.donorEquity.Load()),
		"feeds": map[string]any{
			RoleTarget: feedStatus(target.feed),
			RoleDonor:  feedStatus(donor.feed),
		},
		"router":         m.router.Stats(),
		"buffered":       m.buffer.Len(),
		"risk":           m.deps.Governor.Status(),
		"hot_swaps":      m.swaps.Load(),
		"hot_swapping":   m.swapping.Load(),
		"goroutines":     goplus.Running(),
		"synced_symbols": m.engine.SyncedSymbols(),
		"open_positions": map[string]int{
			RoleTarget: m.targetPos.Open(),
			RoleDonor:  m.donorPos.Open(),
		},
	}
	if ts := m.lastSwap.Load(); ts > 0 {
		out["last_hot_swap"] = time.Unix(ts, 0).UTC()
	}
	if ts := m.lastReconcile.Load(); ts > 0 {
		out["last_reconcile"] = time.Unix(ts, 0).UTC()
	}
	if m.deps.Trailing != nil {
		out["trailing_active"] = m.deps.Trailing.Active()
	}
	return out
}
