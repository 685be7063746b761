package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/a1g0-creator/ct-bot-sub000/internal/models"
	"github.com/a1g0-creator/ct-bot-sub000/internal/monitor"
)

type Mode int

const (
	ModeNormal Mode = iota
	ModeRecovery
	ModeEmergency
)

func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "NORMAL"
	case ModeRecovery:
		return "RECOVERY"
	case ModeEmergency:
		return "EMERGENCY"
	}
	return "UNKNOWN"
}

// kellyFloorMult Kelly 最多把加仓量压到原来的一半
const kellyFloorMult = 0.5

// Alerter 告警通道
type Alerter interface {
	SendAlert(ctx context.Context, text string) error
}

// EventSink 风控事件落库
type EventSink interface {
	LogRiskEvent(ev *models.RiskEvent)
}

type Config struct {
	AccountID              int64
	MaxTotalDrawdown       float64
	MaxDailyDrawdown       float64
	Hysteresis             float64
	ConfirmReads           int
	DataStaleTTL           time.Duration
	FailWindow             time.Duration
	FailuresForRecovery    int
	RecoverySizeMultiplier float64
	AlertLevels            []float64
	Kelly                  KellyConfig
}

// Governor 风控模式机：NORMAL / RECOVERY / EMERGENCY。
// EMERGENCY 只能人工 ResetEmergency 解除。
type Governor struct {
	cfg    Config
	log    zerolog.Logger
	alert  Alerter
	events EventSink

	data  *DataContext
	dd    *Drawdown
	kelly *Kelly

	mu          sync.Mutex
	mode        Mode
	reason      string
	failures    []time.Time
	onEmergency func(ctx context.Context, reason string)
	now         func() time.Time
}

func NewGovernor(cfg Config, alert Alerter, events EventSink, log zerolog.Logger) *Governor {
	if cfg.FailWindow <= 0 {
		cfg.FailWindow = 30 * time.Second
	}
	if cfg.FailuresForRecovery <= 0 {
		cfg.FailuresForRecovery = 3
	}
	if cfg.RecoverySizeMultiplier <= 0 || cfg.RecoverySizeMultiplier > 1 {
		cfg.RecoverySizeMultiplier = 0.5
	}
	return &Governor{
		cfg:    cfg,
		log:    log,
		alert:  alert,
		events: events,
		data:   NewDataContext(cfg.MaxTotalDrawdown, cfg.MaxDailyDrawdown, cfg.Hysteresis, cfg.ConfirmReads, cfg.DataStaleTTL),
		dd:     NewDrawdown(cfg.AlertLevels),
		kelly:  NewKelly(cfg.Kelly),
		now:    time.Now,
	}
}

// OnEmergency 紧急停止时的附加动作（撤单等），在锁外执行
func (g *Governor) OnEmergency(fn func(ctx context.Context, reason string)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onEmergency = fn
}

func (g *Governor) Data() *DataContext { return g.data }
func (g *Governor) Kelly() *Kelly      { return g.kelly }

func (g *Governor) Mode() Mode {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mode
}

func (g *Governor) CanOpenPositions() bool {
	return g.Mode() != ModeEmergency
}

// SizeMultiplier RECOVERY 模式下缩小加仓
func (g *Governor) SizeMultiplier() float64 {
	if g.Mode() == ModeRecovery {
		return g.cfg.RecoverySizeMultiplier
	}
	return 1
}

// OnAPIFailure 窗口内失败次数达到阈值时进入 RECOVERY
func (g *Governor) OnAPIFailure(reason string) {
	g.data.RegisterFailure()

	now := g.now()
	g.mu.Lock()
	cutoff := now.Add(-g.cfg.FailWindow)
	kept := g.failures[:0]
	for _, t := range g.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	g.failures = append(kept, now)
	count := len(g.failures)
	entered := false
	if g.mode == ModeNormal && count >= g.cfg.FailuresForRecovery {
		g.mode = ModeRecovery
		g.reason = reason
		entered = true
	}
	g.mu.Unlock()

	if entered {
		g.log.Warn().Str("reason", reason).Int("failures", count).Msg("RISK_RECOVERY entered")
		g.record(&models.RiskEvent{Event: models.RiskEventRecovery, Reason: reason, Value: float64(count)})
	}
}

// OnAPISuccess 清空失败窗口，RECOVERY 回到 NORMAL
func (g *Governor) OnAPISuccess() {
	g.data.RegisterSuccess()

	g.mu.Lock()
	g.failures = g.failures[:0]
	recovered := g.mode == ModeRecovery
	if recovered {
		g.mode = ModeNormal
		g.reason = ""
	}
	g.mu.Unlock()

	if recovered {
		g.log.Info().Msg("RISK_RECOVERY cleared")
	}
}

// TriggerEmergencyStop 幂等，首次进入时告警并执行附加动作
func (g *Governor) TriggerEmergencyStop(ctx context.Context, reason string) {
	g.mu.Lock()
	if g.mode == ModeEmergency {
		g.mu.Unlock()
		return
	}
	g.mode = ModeEmergency
	g.reason = reason
	hook := g.onEmergency
	g.mu.Unlock()

	g.log.Error().Str("reason", reason).Msg("EMERGENCY_STOP")
	g.record(&models.RiskEvent{Event: models.RiskEventEmergency, Reason: reason})
	g.sendAlert(ctx, "EMERGENCY STOP: "+reason)
	if hook != nil {
		hook(ctx, reason)
	}
}

// ResetEmergency 人工解除
func (g *Governor) ResetEmergency() bool {
	g.mu.Lock()
	if g.mode != ModeEmergency {
		g.mu.Unlock()
		return false
	}
	g.mode = ModeNormal
	g.reason = ""
	g.failures = g.failures[:0]
	g.mu.Unlock()

	g.data.ResetDrawdown()
	g.log.Warn().Msg("emergency stop reset manually")
	return true
}

// OnEquity 一次权益读数：更新回撤、发送档位告警、确认突破后紧急停止
func (g *Governor) OnEquity(ctx context.Context, equity float64) {
	if equity <= 0 {
		return
	}
	g.data.UpdateEquity(equity)

	total, daily, crossed := g.dd.Update(equity, g.now())
	monitor.SetDrawdown(total)
	for _, lvl := range crossed {
		g.log.Warn().Float64("level", lvl).Float64("drawdown", total).Float64("equity", equity).Msg("DRAWDOWN_ALERT")
		g.record(&models.RiskEvent{Event: models.RiskEventDrawdownAlert, Value: total, Original: lvl})
		g.sendAlert(ctx, fmt.Sprintf("drawdown %.2f%% crossed %.1f%% level (equity %.2f)", total*100, lvl*100, equity))
	}

	if g.data.UpdateDrawdown(total, daily) {
		g.TriggerEmergencyStop(ctx, fmt.Sprintf("drawdown confirmed total=%.4f daily=%.4f", total, daily))
	}
}

// AdjustIncrease 加仓数量修正：RECOVERY 倍数，再用 Kelly 推荐名义价值封顶
func (g *Governor) AdjustIncrease(symbol string, qty, price float64) float64 {
	if qty <= 0 {
		return qty
	}
	adjusted := qty * g.SizeMultiplier()

	if price <= 0 {
		return adjusted
	}
	equity, _ := g.data.Equity()
	if equity <= 0 {
		return adjusted
	}

	calc := g.kelly.Calculate(symbol, equity)
	if calc.Clamped {
		g.record(&models.RiskEvent{
			Event:    models.RiskEventKellyClamp,
			Symbol:   symbol,
			Original: calc.RawFraction,
			Adjusted: calc.KellyFraction,
		})
	}
	if calc.Default {
		return adjusted
	}

	capped := calc.RecommendedSize / price
	floor := adjusted * kellyFloorMult
	if capped < floor {
		capped = floor
	}
	if capped < adjusted {
		g.log.Info().
			Str("symbol", symbol).
			Float64("original", adjusted).
			Float64("adjusted", capped).
			Float64("fraction", calc.KellyFraction).
			Msg("kelly cap applied")
		g.record(&models.RiskEvent{
			Event:    models.RiskEventKellyCap,
			Symbol:   symbol,
			Value:    calc.KellyFraction,
			Original: adjusted,
			Adjusted: capped,
		})
		adjusted = capped
	}
	return adjusted
}

// RecordTrade 平仓收益率进入 Kelly 历史
func (g *Governor) RecordTrade(symbol string, pnlPct float64) {
	g.kelly.Record(symbol, pnlPct)
}

// LogEvent 其它组件的风控事件统一补全账户后落库
func (g *Governor) LogEvent(ev *models.RiskEvent) {
	g.record(ev)
}

func (g *Governor) record(ev *models.RiskEvent) {
	if g.events == nil {
		return
	}
	ev.AccountID = g.cfg.AccountID
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = g.now()
	}
	g.events.LogRiskEvent(ev)
}

func (g *Governor) sendAlert(ctx context.Context, text string) {
	if g.alert == nil {
		return
	}
	if err := g.alert.SendAlert(ctx, text); err != nil {
		g.log.Warn().Err(err).Msg("send risk alert failed")
	}
}

// Status 健康检查输出
func (g *Governor) Status() map[string]any {
	g.mu.Lock()
	mode, reason, failures := g.mode, g.reason, len(g.failures)
	g.mu.Unlock()
	return map[string]any{
		"mode":     mode.String(),
		"reason":   reason,
		"failures": failures,
		"peak":     g.dd.Peak(),
		"data":     g.data.Snapshot(),
	}
}
