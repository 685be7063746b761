package trading

import (
	"context"
	"errors"
	"time"

	"github.com/a1g0-creator/ct-bot-sub000/internal/copier"
	"github.com/a1g0-creator/ct-bot-sub000/internal/exchange"
	"github.com/a1g0-creator/ct-bot-sub000/internal/models"
	"github.com/a1g0-creator/ct-bot-sub000/internal/signal"
	"github.com/a1g0-creator/ct-bot-sub000/internal/ws"
)

var (
	ErrHotSwapInProgress = errors.New("trading: hot-swap already in progress")
	ErrNoCredentials     = errors.New("trading: credentials not found")
	ErrNotStarted        = errors.New("trading: monitor not started")
)

// RESTClient 单账户 REST 能力，*exchange.Client 满足
type RESTClient interface {
	copier.Trader
	CancelAllOrders(ctx context.Context, symbol string) error
	SetTradingStop(ctx context.Context, ts exchange.TradingStop) error
	WalletBalance(ctx context.Context) (exchange.Balance, error)
	Instrument(ctx context.Context, symbol string) (exchange.InstrumentFilter, error)
	Instruments(ctx context.Context) ([]exchange.InstrumentFilter, error)
	Close()
}

// Feed 私有 WebSocket 会话，*ws.Session 满足
type Feed interface {
	Handle(topic ws.Topic, h ws.Handler)
	SetEscalation(fn ws.EscalationFunc)
	SetFailureHooks(onFailure func(reason string), onRecover func())
	SetVersion(v int64)
	Connect(ctx context.Context) error
	Restart(ctx context.Context) error
	Close() error
	State() ws.State
	SubscriptionCount() int
	ConsecutiveFailures() int64
}

// Factory 按凭证创建客户端与会话，hot-swap 时整体重建
type Factory interface {
	NewClient(role string, creds exchange.Credentials) RESTClient
	NewFeed(role string, creds exchange.Credentials) Feed
}

// Recorder 异步持久化
type Recorder interface {
	LogSignal(l *models.SignalLog)
	LogOrder(l *models.OrderLog)
	LogRiskEvent(ev *models.RiskEvent)
	LogBalanceSnapshot(s *models.BalanceSnapshot)
	UpdateOrderStatus(orderID, status, reason string)
}

// PositionStore 当前持仓与平仓记录
type PositionStore interface {
	Upsert(p *models.Position) error
	Close(accountID int64, symbol string, idx int, closed *models.ClosedPosition) error
}

// TradeHistory Kelly 启动预热
type TradeHistory interface {
	ClosedSince(accountID int64, since time.Time) ([]*models.ClosedPosition, error)
}

// ReconcileRequest REST 对账请求，Symbols 为空表示全部
type ReconcileRequest struct {
	Reason  string
	Symbols []string
}

const (
	RoleTarget = "target"
	RoleDonor  = "donor"
)

// Config 编排参数
type Config struct {
	TargetAccountID     int64
	DonorAccountID      int64
	CopyRatio           float64
	BalancePollInterval time.Duration
	ReconcileInterval   time.Duration
	PauseTimeout        time.Duration
	WarmupTimeout       time.Duration
	KellyLookback       time.Duration
	BufferSize          int
	ModeCacheTTL        time.Duration
	ProbeThrottle       time.Duration
	Router              signal.RouterConfig
	Engine              copier.Config
}

func (c *Config) withDefaults() {
	if c.CopyRatio <= 0 {
		c.CopyRatio = 1
	}
	if c.BalancePollInterval <= 0 {
		c.BalancePollInterval = 10 * time.Second
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = time.Minute
	}
	if c.PauseTimeout <= 0 {
		c.PauseTimeout = 5 * time.Second
	}
	if c.WarmupTimeout <= 0 {
		c.WarmupTimeout = 30 * time.Second
	}
	if c.KellyLookback <= 0 {
		c.KellyLookback = 90 * 24 * time.Hour
	}
	c.Engine.AccountID = c.TargetAccountID
}
