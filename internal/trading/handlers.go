package trading

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/a1g0-creator/ct-bot-sub000/internal/exchange"
	"github.com/a1g0-creator/ct-bot-sub000/internal/models"
	"github.com/a1g0-creator/ct-bot-sub000/internal/signal"
	"github.com/a1g0-creator/ct-bot-sub000/internal/ws"
	"github.com/a1g0-creator/ct-bot-sub000/pkg/goplus"
)

// handler 统一计数并丢弃旧上下文版本的事件
func (m *Monitor) handler(role string, topic ws.Topic, fn ws.Handler) ws.Handler {
	return func(ev ws.Event) error {
		m.metrics.IncFeedEvent(role + "." + string(topic))
		if live := m.version.Load(); ev.Version < live {
			m.metrics.IncSignalDropped("stale_event")
			m.log.Debug().
				Str("role", role).
				Str("topic", string(topic)).
				Int64("version", ev.Version).
				Int64("live", live).
				Msg("STALE_EVENT dropped")
			return nil
		}
		return fn(ev)
	}
}

func (m *Monitor) onDonorPosition(ev ws.Event) error {
	positions, err := exchange.ParsePositions(ev.Data)
	if err != nil {
		return fmt.Errorf("donor position: %w", err)
	}
	m.observeDonor(positions, ev.Version, signal.SourceFeed, ev.ReceivedAt)
	for _, p := range positions {
		m.donorPos.Observe(p, ev.ReceivedAt)
	}
	return nil
}

// observeDonor donor 仓位观测转换成信号并下发，返回信号数量
func (m *Monitor) observeDonor(positions []exchange.Position, version int64, source string, now time.Time) int {
	for sym, idxs := range groupIdx(positions) {
		m.donorModes.UpdateFromFeed(sym, idxs)
	}
	n := 0
	for _, p := range positions {
		md, ok := m.donorModes.Mode(p.Symbol)
		if !ok {
			m.metrics.IncSignalDropped("mode_pending")
			continue
		}
		sig, changed := m.classifier.Observe(md, p, version, now)
		if !changed {
			continue
		}
		sig.Source = source
		m.emit(sig)
		n++
	}
	return n
}

func (m *Monitor) emit(sig signal.Signal) {
	key := sig.Key()
	m.metrics.IncSignal(string(sig.Type), sig.Source)
	m.deps.Recorder.LogSignal(&models.SignalLog{
		AccountID:   m.cfg.DonorAccountID,
		DedupKey:    key,
		Symbol:      sig.Symbol,
		Type:        string(sig.Type),
		Side:        string(sig.Side),
		Qty:         sig.Size,
		Price:       sig.Price,
		PositionIdx: int(sig.PositionIdx),
		ReduceOnly:  sig.ReduceOnly,
		Mode:        string(sig.Mode),
		Source:      sig.Source,
		Version:     sig.Version,
		ReceivedAt:  sig.Timestamp,
	})
	m.log.Info().
		Str("symbol", sig.Symbol).
		Str("type", string(sig.Type)).
		Str("side", string(sig.Side)).
		Float64("size", sig.Size).
		Int("position_idx", int(sig.PositionIdx)).
		Str("source", sig.Source).
		Int64("version", sig.Version).
		Str("key", key).
		Msg("SIGNAL")

	if err := m.buffer.Push(sig); err != nil {
		m.metrics.IncSignalDropped("router")
		m.log.Warn().Err(err).Str("symbol", sig.Symbol).Str("type", string(sig.Type)).Msg("signal rejected by router")
	}
	m.metrics.SetRouterQueue(m.router.QueueLen())
}

func (m *Monitor) onTargetPosition(ev ws.Event) error {
	positions, err := exchange.ParsePositions(ev.Data)
	if err != nil {
		return fmt.Errorf("target position: %w", err)
	}
	for sym, idxs := range groupIdx(positions) {
		m.targetModes.UpdateFromFeed(sym, idxs)
	}
	for _, p := range positions {
		m.targetPos.Observe(p, ev.ReceivedAt)
	}
	return nil
}

func (m *Monitor) onExecution(t *tracker) ws.Handler {
	return func(ev ws.Event) error {
		execs, err := exchange.ParseExecutions(ev.Data)
		if err != nil {
			return fmt.Errorf("execution: %w", err)
		}
		for _, e := range execs {
			t.OnExecution(e)
		}
		return nil
	}
}

func (m *Monitor) onTargetOrder(ev ws.Event) error {
	orders, err := exchange.ParseOrders(ev.Data)
	if err != nil {
		return fmt.Errorf("target order: %w", err)
	}
	for _, o := range orders {
		if !terminalStatus(o.Status) || o.OrderID == "" {
			continue
		}
		m.deps.Recorder.UpdateOrderStatus(o.OrderID, o.Status, o.RejectReason)
		le := m.log.Info()
		if o.Status == models.OrderStatusRejected {
			le = m.log.Warn().Str("reason", o.RejectReason)
		}
		le.Str("order_id", o.OrderID).
			Str("symbol", o.Symbol).
			Str("status", o.Status).
			Float64("avg_price", o.AvgPrice).
			Float64("filled", o.CumExecQty).
			Msg("order update")
	}
	return nil
}

func (m *Monitor) onWallet(role string) ws.Handler {
	return func(ev ws.Event) error {
		bal, err := exchange.ParseWallet(ev.Data, ev.ReceivedAt)
		if errors.Is(err, exchange.ErrEmptyResult) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s wallet: %w", role, err)
		}
		m.applyBalance(m.baseCtx(), role, bal)
		return nil
	}
}

func terminalStatus(s string) bool {
	switch s {
	case "Filled", "Cancelled", "Rejected", "Deactivated", "PartiallyFilledCanceled":
		return true
	}
	return false
}

func (m *Monitor) onFeedFailure(role, reason string) {
	m.deps.Governor.OnAPIFailure("feed " + role + ": " + reason)
	m.metrics.SetFeedConnected(false)
	m.metrics.IncFeedReconnect()
}

// onFeedRecover 重连成功后异步对账，补齐断线期间的变化
func (m *Monitor) onFeedRecover(role string) {
	m.deps.Governor.OnAPISuccess()
	m.metrics.SetFeedConnected(true)
	if !m.ready.Load() {
		return
	}
	ctx := m.baseCtx()
	goplus.Go(func() {
		m.runReconcile(ctx, ReconcileRequest{Reason: "feed_recover:" + role})
	})
}

// escalate graceful 先重建会话，失败或 full 级别走完整 hot-swap
func (m *Monitor) escalate(ctx context.Context, role string, level ws.Escalation) {
	if m.baseCtx().Err() != nil {
		return
	}
	log := m.log.With().Str("role", role).Str("level", level.String()).Logger()

	if level == ws.EscalateGraceful {
		target, donor := m.accounts()
		feed := target.feed
		if role == RoleDonor {
			feed = donor.feed
		}
		rctx, cancel := context.WithTimeout(ctx, m.cfg.WarmupTimeout)
		err := feed.Restart(rctx)
		cancel()
		if err == nil {
			log.Info().Msg("feed restarted after escalation")
			return
		}
		log.Warn().Err(err).Msg("graceful restart failed, falling back to hot-swap")
	}

	err := m.tryHotSwap(ctx, "escalation:"+role+":"+level.String())
	switch {
	case errors.Is(err, ErrHotSwapInProgress):
		log.Info().Msg("hot-swap already running")
	case err != nil:
		log.Error().Err(err).Msg("escalation hot-swap failed")
	}
}

func groupIdx(positions []exchange.Position) map[string][]exchange.PositionIdx {
	out := make(map[string][]exchange.PositionIdx)
	for _, p := range positions {
		out[p.Symbol] = append(out[p.Symbol], p.PositionIdx)
	}
	return out
}
