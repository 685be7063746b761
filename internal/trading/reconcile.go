package trading

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/a1g0-creator/ct-bot-sub000/internal/exchange"
	"github.com/a1g0-creator/ct-bot-sub000/internal/mode"
	"github.com/a1g0-creator/ct-bot-sub000/internal/signal"
)

// orphanGrace 刚变动过的 target 仓位可能是在途订单的结果，周期对账先不动它
const orphanGrace = 5 * time.Second

// Reconcile 以 REST 快照为准补发 feed 遗漏的信号：
// 快照中的变化按正常流程产生信号，本地认为持有但快照中已不存在的仓位补发 CLOSE，
// target 上 donor 已无对应 symbol 仓位的腿同样补发 CLOSE。
func (m *Monitor) Reconcile(ctx context.Context, req ReconcileRequest) error {
	return m.reconcile(ctx, req, false)
}

// reconcile resync=true 用于 hot-swap 之后，孤儿腿不看 orphanGrace
func (m *Monitor) reconcile(ctx context.Context, req ReconcileRequest, resync bool) error {
	target, donor := m.accounts()
	if target.client == nil || donor.client == nil {
		return ErrNotStarted
	}

	var donorPos, targetPos []exchange.Position
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		donorPos, err = fetchPositions(gctx, donor.client, req.Symbols)
		if err != nil {
			return fmt.Errorf("donor positions: %w", err)
		}
		return nil
	})
	g.Go(func() (err error) {
		targetPos, err = fetchPositions(gctx, target.client, req.Symbols)
		if err != nil {
			return fmt.Errorf("target positions: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		m.deps.Governor.OnAPIFailure("reconcile")
		return err
	}
	m.deps.Governor.OnAPISuccess()

	now := time.Now()
	version := m.version.Load()
	scope := scopeOf(req.Symbols)

	emitted := m.observeDonor(donorPos, version, signal.SourceReconcile, now)

	live := make(map[legKey]struct{})
	liveSymbols := make(map[string]struct{})
	for _, p := range donorPos {
		if p.Size > 0 {
			live[legKey{p.Symbol, p.PositionIdx}] = struct{}{}
			liveSymbols[p.Symbol] = struct{}{}
		}
	}

	closed := make(map[legKey]struct{})
	closedSymbols := make(map[string]struct{})
	closeLeg := func(leg exchange.Position) {
		k := legKey{leg.Symbol, leg.PositionIdx}
		if _, ok := live[k]; ok {
			return
		}
		if _, ok := closed[k]; ok {
			return
		}
		if _, ok := scope[leg.Symbol]; scope != nil && !ok {
			return
		}
		closed[k] = struct{}{}
		if m.synthClose(leg, version, now) {
			closedSymbols[leg.Symbol] = struct{}{}
			emitted++
		}
	}
	for _, leg := range m.classifier.OpenLegs() {
		closeLeg(leg)
	}
	// target 孤儿腿：donor 整个 symbol 已平，本轮未补发过 CLOSE
	for _, leg := range targetPos {
		if _, ok := liveSymbols[leg.Symbol]; ok || leg.Size == 0 {
			continue
		}
		if _, ok := closedSymbols[leg.Symbol]; ok {
			continue
		}
		if !resync && !leg.UpdatedAt.IsZero() && now.Sub(leg.UpdatedAt) < orphanGrace {
			continue
		}
		m.log.Warn().Str("symbol", leg.Symbol).Int("position_idx", int(leg.PositionIdx)).Float64("size", leg.Size).Msg("orphan target leg")
		closeLeg(leg)
	}

	m.donorPos.Sync(donorPos, scope, now)
	m.observeTarget(targetPos, scope, now)
	m.probeTargetModes(donorPos)

	m.lastReconcile.Store(now.Unix())
	m.log.Info().
		Str("reason", req.Reason).
		Int("donor_positions", len(donorPos)).
		Int("target_positions", len(targetPos)).
		Int("signals", emitted).
		Bool("resync", resync).
		Msg("reconcile done")
	return nil
}

// synthClose 以仓位腿为基线观测一次零仓位，产生标准 CLOSE 信号
func (m *Monitor) synthClose(leg exchange.Position, version int64, now time.Time) bool {
	md, ok := m.donorModes.Mode(leg.Symbol)
	if !ok {
		md, _ = mode.FromIdx([]exchange.PositionIdx{leg.PositionIdx})
	}
	m.classifier.Seed(md, []exchange.Position{leg})
	sig, changed := m.classifier.Observe(md, exchange.Position{
		Symbol:      leg.Symbol,
		Side:        leg.Side,
		PositionIdx: leg.PositionIdx,
		MarkPrice:   leg.MarkPrice,
	}, version, now)
	if !changed {
		return false
	}
	sig.Source = signal.SourceReconcile
	m.log.Warn().Str("symbol", leg.Symbol).Int("position_idx", int(leg.PositionIdx)).Msg("missed close recovered by reconcile")
	m.emit(sig)
	return true
}

func (m *Monitor) observeTarget(positions []exchange.Position, scope map[string]struct{}, now time.Time) {
	for sym, idxs := range groupIdx(positions) {
		m.targetModes.UpdateFromFeed(sym, idxs)
	}
	m.targetPos.Sync(positions, scope, now)
}

// probeTargetModes donor 有仓位但 target 模式未知的 symbol 提前探测
func (m *Monitor) probeTargetModes(donorPos []exchange.Position) {
	ctx := m.baseCtx()
	seen := make(map[string]struct{})
	for _, p := range donorPos {
		if _, ok := seen[p.Symbol]; ok {
			continue
		}
		seen[p.Symbol] = struct{}{}
		if _, ok := m.targetModes.Mode(p.Symbol); !ok {
			m.targetModes.EnsureProbe(ctx, p.Symbol)
		}
	}
}

func (m *Monitor) runReconcile(ctx context.Context, req ReconcileRequest) {
	if !m.reconciling.CompareAndSwap(false, true) {
		m.log.Debug().Str("reason", req.Reason).Msg("reconcile already running")
		return
	}
	defer m.reconciling.Store(false)

	rctx, cancel := context.WithTimeout(ctx, m.cfg.WarmupTimeout)
	defer cancel()
	if err := m.Reconcile(rctx, req); err != nil {
		m.log.Warn().Err(err).Str("reason", req.Reason).Msg("reconcile failed")
	}
}

func (m *Monitor) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// hot-swap 期间由 WARMUP 步骤负责
			if m.router.Paused() {
				continue
			}
			m.runReconcile(ctx, ReconcileRequest{Reason: "periodic"})
		}
	}
}

// seed 启动时以 REST 快照作为基线，不产生信号
func (m *Monitor) seed(ctx context.Context) error {
	target, donor := m.accounts()
	var donorPos, targetPos []exchange.Position
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		donorPos, err = donor.client.Positions(gctx, "")
		if err != nil {
			return fmt.Errorf("donor positions: %w", err)
		}
		return nil
	})
	g.Go(func() (err error) {
		targetPos, err = target.client.Positions(gctx, "")
		if err != nil {
			return fmt.Errorf("target positions: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	now := time.Now()
	for sym, idxs := range groupIdx(donorPos) {
		md, ok := m.donorModes.UpdateFromFeed(sym, idxs)
		if !ok {
			continue
		}
		legs := make([]exchange.Position, 0, len(idxs))
		for _, p := range donorPos {
			if p.Symbol == sym {
				legs = append(legs, p)
			}
		}
		m.classifier.Seed(md, legs)
	}
	m.donorPos.Sync(donorPos, nil, now)
	m.observeTarget(targetPos, nil, now)
	m.probeTargetModes(donorPos)

	m.log.Info().
		Int("donor_positions", len(donorPos)).
		Int("target_positions", len(targetPos)).
		Msg("position baseline seeded")
	return nil
}

// warmup 加载合约规则、仓位基线与余额；resync 用于 hot-swap 后的完整对账
func (m *Monitor) warmup(ctx context.Context, resync bool) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if m.deps.Filters == nil {
			return nil
		}
		if err := m.deps.Filters.Load(gctx); err != nil {
			m.log.Warn().Err(err).Msg("instrument filters load failed, falling back to on-demand fetch")
		}
		return nil
	})
	g.Go(func() error {
		if err := m.pollBalances(gctx); err != nil {
			m.log.Warn().Err(err).Msg("initial balance poll failed")
		}
		return nil
	})
	g.Go(func() error {
		if resync {
			return m.reconcile(gctx, ReconcileRequest{Reason: "hotswap"}, true)
		}
		return m.seed(gctx)
	})
	return g.Wait()
}

func fetchPositions(ctx context.Context, c RESTClient, symbols []string) ([]exchange.Position, error) {
	if len(symbols) == 0 {
		return c.Positions(ctx, "")
	}
	var out []exchange.Position
	for _, sym := range symbols {
		ps, err := c.Positions(ctx, sym)
		if err != nil {
			return nil, err
		}
		out = append(out, ps...)
	}
	return out, nil
}

func scopeOf(symbols []string) map[string]struct{} {
	if len(symbols) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		out[s] = struct{}{}
	}
	return out
}
