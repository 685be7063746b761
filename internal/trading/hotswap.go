package trading

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// hot-swap 步骤，日志 message 即步骤名
const (
	stepPause   = "HOTSWAP_PAUSE"
	stepCancel  = "HOTSWAP_CANCEL"
	stepClear   = "HOTSWAP_CLEAR"
	stepRebuild = "HOTSWAP_REBUILD"
	stepResub   = "HOTSWAP_RESUB"
	stepWarmup  = "HOTSWAP_WARMUP"
	stepResume  = "HOTSWAP_RESUME"
	stepAbort   = "HOTSWAP_ABORT"
)

// HotSwapCredentials 重新解析凭证并重建两个账户的全部连接。
// 并发调用按到达顺序串行执行，排队期间 ctx 取消则直接返回；
// 任一步失败即中止，路由保持暂停并告警。
func (m *Monitor) HotSwapCredentials(ctx context.Context, reason string) error {
	select {
	case m.swapSem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-m.swapSem }()
	return m.hotSwap(ctx, reason)
}

// tryHotSwap 已有 hot-swap 在跑时返回 ErrHotSwapInProgress，供自动升级使用
func (m *Monitor) tryHotSwap(ctx context.Context, reason string) error {
	select {
	case m.swapSem <- struct{}{}:
	default:
		return ErrHotSwapInProgress
	}
	defer func() { <-m.swapSem }()
	return m.hotSwap(ctx, reason)
}

func (m *Monitor) hotSwap(ctx context.Context, reason string) error {
	m.swapping.Store(true)
	defer m.swapping.Store(false)

	start := time.Now()
	m.ready.Store(false)
	log := m.log.With().Str("reason", reason).Logger()

	// 先推进版本再等待在途信号，暂停期间旧会话的事件一律视为过期
	version := m.version.Add(1)
	m.metrics.SetContextVersion(version)
	log.Info().Int64("version", version).Msg(stepPause)
	m.buffer.Unbind()
	m.router.PauseProcessing(m.cfg.PauseTimeout)
	m.metrics.SetRouterPaused(true)

	log.Info().Msg(stepCancel)
	oldTarget, oldDonor := m.accounts()
	if oldTarget.feed != nil {
		_ = oldTarget.feed.Close()
	}
	if oldDonor.feed != nil {
		_ = oldDonor.feed.Close()
	}
	// 旧凭证可能已失效，撤单失败不中止
	if oldTarget.client != nil {
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := oldTarget.client.CancelAllOrders(cctx, ""); err != nil {
			log.Warn().Err(err).Msg("cancel open orders with old credentials failed")
		}
		cancel()
	}
	m.metrics.SetFeedConnected(false)

	log.Info().Msg(stepClear)
	m.classifier.Reset()
	m.targetModes.Clear()
	m.donorModes.Clear()
	m.engine.ResetSession()
	if m.deps.Trailing != nil {
		m.deps.Trailing.Reset()
	}

	log.Info().Int64("version", version).Msg(stepRebuild)
	target, donor, err := m.build(ctx, version)
	if err != nil {
		return m.abort(ctx, log, stepRebuild, err)
	}
	m.bind(target, donor)
	closeClient(oldTarget)
	closeClient(oldDonor)

	log.Info().Msg(stepResub)
	if err := m.connect(ctx, target, donor); err != nil {
		return m.abort(ctx, log, stepResub, err)
	}

	log.Info().Msg(stepWarmup)
	wctx, cancel := context.WithTimeout(ctx, m.cfg.WarmupTimeout)
	err = m.warmup(wctx, true)
	cancel()
	if err != nil {
		return m.abort(ctx, log, stepWarmup, err)
	}

	m.router.ResumeProcessing()
	m.buffer.Bind(m.router.AddSignal)
	m.metrics.SetRouterPaused(false)
	m.metrics.IncHotSwap("success")
	m.swaps.Add(1)
	m.lastSwap.Store(time.Now().Unix())
	m.ready.Store(true)
	log.Info().
		Int64("version", version).
		Dur("elapsed", time.Since(start)).
		Msg(stepResume)
	m.alert(m.baseCtx(), fmt.Sprintf("credential hot-swap completed (%s), context version %d", reason, version))
	return nil
}

func (m *Monitor) abort(ctx context.Context, log zerolog.Logger, step string, err error) error {
	log.Error().Err(err).Str("step", step).Msg(stepAbort)
	m.metrics.IncHotSwap("failed")
	m.alert(m.baseCtx(), fmt.Sprintf("credential hot-swap aborted at %s: %v (copying paused)", step, err))
	return fmt.Errorf("hot-swap %s: %w", step, err)
}

func closeClient(a account) {
	if a.client != nil {
		a.client.Close()
	}
}
