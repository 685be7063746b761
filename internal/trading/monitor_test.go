package trading

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a1g0-creator/ct-bot-sub000/internal/cache"
	"github.com/a1g0-creator/ct-bot-sub000/internal/exchange"
	"github.com/a1g0-creator/ct-bot-sub000/internal/models"
	"github.com/a1g0-creator/ct-bot-sub000/internal/risk"
	"github.com/a1g0-creator/ct-bot-sub000/internal/signal"
	"github.com/a1g0-creator/ct-bot-sub000/internal/symbol"
	"github.com/a1g0-creator/ct-bot-sub000/internal/ws"
)

const (
	targetID int64 = 1
	donorID  int64 = 2
)

type fixture struct {
	factory  *fakeFactory
	vault    *fakeVault
	rec      *memRecorder
	store    *memStore
	notifier *fakeNotifier
	governor *risk.Governor
	logs     *logBuffer
}

func newTestMonitor(t *testing.T) (*Monitor, *fixture) {
	t.Helper()
	fx := &fixture{
		factory: newFakeFactory(),
		vault: &fakeVault{creds: map[int64]exchange.Credentials{
			targetID: {APIKey: "target-key", APISecret: "s1", Source: "env"},
			donorID:  {APIKey: "donor-key", APISecret: "s2", Source: "env"},
		}},
		rec:      &memRecorder{},
		store:    &memStore{},
		notifier: &fakeNotifier{},
		logs:     &logBuffer{},
	}
	// target 上 BTCUSDT 为单向模式
	fx.factory.rest[RoleTarget].setPositions("BTCUSDT", exchange.Position{Symbol: "BTCUSDT", PositionIdx: exchange.IdxOneWay})

	fx.governor = risk.NewGovernor(risk.Config{
		AccountID:        targetID,
		MaxTotalDrawdown: 0.5,
		MaxDailyDrawdown: 0.5,
		Hysteresis:       0.01,
		ConfirmReads:     2,
		DataStaleTTL:     time.Minute,
	}, fx.notifier, fx.rec, zerolog.Nop())

	log := zerolog.New(fx.logs)
	m := NewMonitor(Config{
		TargetAccountID:     targetID,
		DonorAccountID:      donorID,
		CopyRatio:           1,
		BalancePollInterval: time.Hour,
		ReconcileInterval:   time.Hour,
		PauseTimeout:        time.Second,
		WarmupTimeout:       5 * time.Second,
		Router:              signal.RouterConfig{QueueSize: 16, DeferredLimit: 16, ProcessedTTL: time.Minute},
	}, Deps{
		Vault:     fx.vault,
		Factory:   fx.factory,
		Governor:  fx.governor,
		Trailing:  risk.NewTrailingManager(nil, false, 0, zerolog.Nop()),
		Filters:   symbol.NewLoader(nil, cache.NewFilterCache(), time.Hour, zerolog.Nop()),
		Recorder:  fx.rec,
		Positions: fx.store,
		Notifier:  fx.notifier,
	}, log)
	t.Cleanup(m.Stop)
	return m, fx
}

func startMonitor(t *testing.T) (*Monitor, *fixture) {
	t.Helper()
	m, fx := newTestMonitor(t)
	require.NoError(t, m.Start(context.Background()))
	require.Eventually(t, m.Ready, time.Second, 10*time.Millisecond)
	return m, fx
}

const donorOpenBTC = `[{"symbol":"BTCUSDT","side":"Buy","size":"0.01","avgPrice":"50000","markPrice":"50000","leverage":"10","positionIdx":0}]`

func TestMonitor_DonorOpenPlacesTargetOrder(t *testing.T) {
	m, fx := startMonitor(t)

	require.NoError(t, fx.factory.feed(RoleDonor).push(ws.TopicPosition, donorOpenBTC))

	target := fx.factory.rest[RoleTarget]
	require.Eventually(t, func() bool { return len(target.placed()) == 1 }, 2*time.Second, 10*time.Millisecond)
	order := target.placed()[0]
	assert.Equal(t, "BTCUSDT", order.Symbol)
	assert.Equal(t, exchange.SideBuy, order.Side)
	assert.Equal(t, "0.01", order.Qty)
	assert.Equal(t, exchange.IdxOneWay, order.PositionIdx)
	assert.False(t, order.ReduceOnly)
	assert.NotEmpty(t, order.OrderLinkID)

	logs := fx.rec.signalLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, string(signal.TypeOpen), logs[0].Type)
	assert.Equal(t, signal.SourceFeed, logs[0].Source)
	assert.Equal(t, donorID, logs[0].AccountID)
	assert.Equal(t, m.Version(), logs[0].Version)
}

func TestMonitor_StaleEventDropped(t *testing.T) {
	m, fx := startMonitor(t)

	old := fx.factory.feed(RoleDonor)
	m.version.Add(1)

	require.NoError(t, old.push(ws.TopicPosition, donorOpenBTC))
	assert.Empty(t, fx.rec.signalLogs())
	assert.Contains(t, fx.logs.messages("STALE_EVENT"), "STALE_EVENT dropped")
}

func TestMonitor_HotSwapStepOrder(t *testing.T) {
	m, fx := startMonitor(t)
	oldTarget := fx.factory.feed(RoleTarget)
	oldDonor := fx.factory.feed(RoleDonor)

	require.NoError(t, m.HotSwapCredentials(context.Background(), "rotation"))

	assert.Equal(t, []string{
		"HOTSWAP_PAUSE",
		"HOTSWAP_CANCEL",
		"HOTSWAP_CLEAR",
		"HOTSWAP_REBUILD",
		"HOTSWAP_RESUB",
		"HOTSWAP_WARMUP",
		"HOTSWAP_RESUME",
	}, fx.logs.messages("HOTSWAP_"))

	assert.Equal(t, int64(2), m.Version())
	assert.True(t, oldTarget.closed.Load())
	assert.True(t, oldDonor.closed.Load())
	assert.Equal(t, int64(2), fx.factory.feed(RoleTarget).version.Load())
	assert.Equal(t, int64(2), fx.factory.feed(RoleDonor).version.Load())
	assert.Equal(t, 1, fx.factory.rest[RoleTarget].cancels)
	assert.False(t, m.router.Paused())
	assert.True(t, m.Ready())
	require.Len(t, fx.notifier.alerts(), 1)
	assert.Contains(t, fx.notifier.alerts()[0], "hot-swap completed")

	// 旧会话的事件在新版本下被丢弃，新会话正常复制
	require.NoError(t, oldDonor.push(ws.TopicPosition, donorOpenBTC))
	assert.Empty(t, fx.rec.signalLogs())

	require.NoError(t, fx.factory.feed(RoleDonor).push(ws.TopicPosition, donorOpenBTC))
	require.Eventually(t, func() bool {
		return len(fx.factory.rest[RoleTarget].placed()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMonitor_HotSwapSerialized(t *testing.T) {
	m, fx := startMonitor(t)

	gate := make(chan struct{})
	fx.factory.setGate(gate)

	first := make(chan error, 1)
	go func() { first <- m.HotSwapCredentials(context.Background(), "first") }()

	// 新会话已创建，第一次 hot-swap 阻塞在 RESUB
	require.Eventually(t, func() bool { return fx.factory.feedCount() == 4 }, time.Second, 5*time.Millisecond)

	second := make(chan error, 1)
	go func() { second <- m.HotSwapCredentials(context.Background(), "second") }()

	// 第二次排队等待，不会提前建连，也不会推进版本
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 4, fx.factory.feedCount())
	assert.Equal(t, int64(2), m.Version())

	// 自动升级路径不排队
	assert.ErrorIs(t, m.tryHotSwap(context.Background(), "escalation"), ErrHotSwapInProgress)

	close(gate)
	for i, ch := range []chan error{first, second} {
		select {
		case err := <-ch:
			require.NoError(t, err, "hot-swap %d", i+1)
		case <-time.After(3 * time.Second):
			t.Fatalf("hot-swap %d did not finish", i+1)
		}
	}
	assert.Equal(t, int64(3), m.Version())
	assert.Equal(t, 6, fx.factory.feedCount())
	assert.Equal(t, []string{"HOTSWAP_RESUME", "HOTSWAP_RESUME"}, fx.logs.messages("HOTSWAP_RESUME"))
	assert.True(t, m.Ready())
}

func TestMonitor_HotSwapQueuedCallRespectsContext(t *testing.T) {
	m, fx := startMonitor(t)

	gate := make(chan struct{})
	fx.factory.setGate(gate)
	first := make(chan error, 1)
	go func() { first <- m.HotSwapCredentials(context.Background(), "first") }()
	require.Eventually(t, func() bool { return fx.factory.feedCount() == 4 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.HotSwapCredentials(ctx, "impatient"), context.DeadlineExceeded)

	close(gate)
	require.NoError(t, <-first)
	assert.Equal(t, int64(2), m.Version())
}

func TestMonitor_HotSwapPauseStalesOldSessionEvents(t *testing.T) {
	m, fx := startMonitor(t)
	target := fx.factory.rest[RoleTarget]
	oldDonor := fx.factory.feed(RoleDonor)

	orderGate := make(chan struct{})
	target.setOrderGate(orderGate)

	// 一笔复制单卡在下单中
	require.NoError(t, oldDonor.push(ws.TopicPosition, donorOpenBTC))
	require.Eventually(t, func() bool { return m.router.InFlight() }, time.Second, 5*time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- m.HotSwapCredentials(context.Background(), "rotation") }()

	// PAUSE 在等待在途信号，此时版本已推进
	require.Eventually(t, func() bool {
		return len(fx.logs.messages("HOTSWAP_PAUSE")) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(2), m.Version())
	assert.Equal(t, []string{"HOTSWAP_PAUSE"}, fx.logs.messages("HOTSWAP_"))

	require.NoError(t, oldDonor.push(ws.TopicPosition,
		`[{"symbol":"BTCUSDT","side":"Buy","size":"0.02","avgPrice":"50000","markPrice":"50000","positionIdx":0}]`))
	assert.Len(t, fx.rec.signalLogs(), 1)
	assert.Contains(t, fx.logs.messages("STALE_EVENT"), "STALE_EVENT dropped")

	close(orderGate)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("hot-swap did not finish")
	}
	assert.Len(t, target.placed(), 1)
}

func TestMonitor_HotSwapAbortKeepsRouterPaused(t *testing.T) {
	m, fx := startMonitor(t)
	fx.vault.remove(donorID)

	err := m.HotSwapCredentials(context.Background(), "revoked")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoCredentials)

	assert.True(t, m.router.Paused())
	assert.False(t, m.Ready())
	assert.Contains(t, fx.logs.messages("HOTSWAP_"), "HOTSWAP_ABORT")
	assert.NotContains(t, fx.logs.messages("HOTSWAP_"), "HOTSWAP_RESUME")
	require.Len(t, fx.notifier.alerts(), 1)
	assert.Contains(t, fx.notifier.alerts()[0], "HOTSWAP_REBUILD")
}

func TestMonitor_ReconcileRecoversMissedClose(t *testing.T) {
	m, fx := newTestMonitor(t)
	donor := fx.factory.rest[RoleDonor]
	target := fx.factory.rest[RoleTarget]
	donor.setPositions("BTCUSDT", exchange.Position{Symbol: "BTCUSDT", Side: exchange.SideBuy, Size: 0.01, MarkPrice: 50000})
	target.setPositions("BTCUSDT", exchange.Position{Symbol: "BTCUSDT", Side: exchange.SideBuy, Size: 0.01, EntryPrice: 50000, MarkPrice: 50000})

	require.NoError(t, m.Start(context.Background()))
	require.Eventually(t, m.Ready, time.Second, 10*time.Millisecond)
	assert.Empty(t, fx.rec.signalLogs())

	// feed 漏掉了 donor 的平仓推送
	donor.setPositions("BTCUSDT", exchange.Position{Symbol: "BTCUSDT"})
	require.NoError(t, m.Reconcile(context.Background(), ReconcileRequest{Reason: "test"}))

	logs := fx.rec.signalLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, string(signal.TypeClose), logs[0].Type)
	assert.Equal(t, signal.SourceReconcile, logs[0].Source)

	require.Eventually(t, func() bool { return len(target.placed()) == 1 }, 2*time.Second, 10*time.Millisecond)
	order := target.placed()[0]
	assert.Equal(t, exchange.SideSell, order.Side)
	assert.True(t, order.ReduceOnly)
	assert.Equal(t, "0.01", order.Qty)
}

func TestMonitor_ReconcileMissedCloseWithoutFeedBaseline(t *testing.T) {
	m, fx := startMonitor(t)
	donor := fx.factory.rest[RoleDonor]

	require.NoError(t, fx.factory.feed(RoleDonor).push(ws.TopicPosition, donorOpenBTC))
	require.Len(t, fx.rec.signalLogs(), 1)

	// REST 上 donor 已无此仓位
	donor.setPositions("BTCUSDT")
	require.NoError(t, m.Reconcile(context.Background(), ReconcileRequest{Reason: "test", Symbols: []string{"BTCUSDT"}}))

	logs := fx.rec.signalLogs()
	require.Len(t, logs, 2)
	assert.Equal(t, string(signal.TypeClose), logs[1].Type)
	assert.Equal(t, string(exchange.SideSell), logs[1].Side)
}

func TestMonitor_ReconcileClosesOrphanTargetLeg(t *testing.T) {
	m, fx := startMonitor(t)
	donor := fx.factory.rest[RoleDonor]
	target := fx.factory.rest[RoleTarget]
	feed := fx.factory.feed(RoleDonor)

	require.NoError(t, feed.push(ws.TopicPosition, donorOpenBTC))
	require.Eventually(t, func() bool { return len(target.placed()) == 1 }, 2*time.Second, 10*time.Millisecond)
	target.setPositions("BTCUSDT", exchange.Position{Symbol: "BTCUSDT", Side: exchange.SideBuy, Size: 0.01, EntryPrice: 50000, MarkPrice: 50000})

	// donor 平仓信号到了，但 target 平仓单被拒
	target.failOrders(errors.New("order rejected"))
	require.NoError(t, feed.push(ws.TopicPosition,
		`[{"symbol":"BTCUSDT","side":"","size":"0","avgPrice":"0","markPrice":"50000","positionIdx":0}]`))
	require.Eventually(t, func() bool { return len(target.placed()) == 2 }, 2*time.Second, 10*time.Millisecond)
	require.Len(t, fx.rec.signalLogs(), 2)

	target.failOrders(nil)
	donor.setPositions("BTCUSDT", exchange.Position{Symbol: "BTCUSDT"})
	require.NoError(t, m.Reconcile(context.Background(), ReconcileRequest{Reason: "periodic"}))

	logs := fx.rec.signalLogs()
	require.Len(t, logs, 3)
	assert.Equal(t, string(signal.TypeClose), logs[2].Type)
	assert.Equal(t, signal.SourceReconcile, logs[2].Source)
	assert.Contains(t, fx.logs.messages("orphan"), "orphan target leg")

	require.Eventually(t, func() bool { return len(target.placed()) == 3 }, 2*time.Second, 10*time.Millisecond)
	order := target.placed()[2]
	assert.Equal(t, exchange.SideSell, order.Side)
	assert.True(t, order.ReduceOnly)
	assert.Equal(t, "0.01", order.Qty)
}

func TestMonitor_ReconcileSkipsFreshOrphanLeg(t *testing.T) {
	m, fx := startMonitor(t)
	fx.factory.rest[RoleDonor].setPositions("BTCUSDT", exchange.Position{Symbol: "BTCUSDT"})
	fx.factory.rest[RoleTarget].setPositions("BTCUSDT", exchange.Position{
		Symbol: "BTCUSDT", Side: exchange.SideBuy, Size: 0.01, MarkPrice: 50000, UpdatedAt: time.Now(),
	})

	require.NoError(t, m.Reconcile(context.Background(), ReconcileRequest{Reason: "periodic"}))
	assert.Empty(t, fx.rec.signalLogs())

	// hot-swap 之后的完整对账不等宽限期
	require.NoError(t, m.reconcile(context.Background(), ReconcileRequest{Reason: "hotswap"}, true))
	logs := fx.rec.signalLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, string(signal.TypeClose), logs[0].Type)
}

func TestMonitor_TargetCloseFeedsKellyAndStore(t *testing.T) {
	m, fx := newTestMonitor(t)
	fx.factory.rest[RoleTarget].setPositions("BTCUSDT", exchange.Position{
		Symbol: "BTCUSDT", Side: exchange.SideBuy, Size: 0.1, EntryPrice: 50000, MarkPrice: 50000,
	})
	require.NoError(t, m.Start(context.Background()))

	feed := fx.factory.feed(RoleTarget)
	require.NoError(t, feed.push(ws.TopicExecution,
		`[{"symbol":"BTCUSDT","side":"Sell","orderId":"x1","execPrice":"51000","execQty":"0.1","execFee":"2.5","closedSize":"0.1"}]`))
	require.NoError(t, feed.push(ws.TopicPosition,
		`[{"symbol":"BTCUSDT","side":"","size":"0","avgPrice":"0","markPrice":"51000","curRealisedPnl":"100","positionIdx":0}]`))

	closed := fx.store.closedPositions()
	require.Len(t, closed, 1)
	assert.Equal(t, targetID, closed[0].AccountID)
	assert.InDelta(t, 51000, closed[0].ExitPrice, 1e-9)
	assert.InDelta(t, 100, closed[0].RealizedPnl, 1e-9)
	assert.InDelta(t, 2.5, closed[0].Fees, 1e-9)
	assert.Equal(t, string(exchange.SideBuy), closed[0].Side)

	assert.Equal(t, 1, fx.governor.Kelly().Samples("BTCUSDT"))
}

func TestMonitor_OrderStatusUpdate(t *testing.T) {
	_, fx := startMonitor(t)

	feed := fx.factory.feed(RoleTarget)
	require.NoError(t, feed.push(ws.TopicOrder, `[{"orderId":"o-9","symbol":"BTCUSDT","orderStatus":"New"}]`))
	assert.Empty(t, fx.rec.status("o-9"))

	require.NoError(t, feed.push(ws.TopicOrder, `[{"orderId":"o-9","symbol":"BTCUSDT","orderStatus":"Filled","avgPrice":"50000","cumExecQty":"0.01"}]`))
	assert.Equal(t, models.OrderStatusFilled, fx.rec.status("o-9"))
}

func TestMonitor_RatioFromBalances(t *testing.T) {
	m, fx := newTestMonitor(t)
	assert.Equal(t, 1.0, m.Ratio())

	fx.factory.rest[RoleTarget].equity = 500
	require.NoError(t, m.Start(context.Background()))
	assert.InDelta(t, 0.5, m.Ratio(), 1e-9)

	// 汇总行 + 币种行，两个账户
	fx.rec.mu.Lock()
	n := len(fx.rec.balances)
	fx.rec.mu.Unlock()
	assert.Equal(t, 4, n)
}

func TestMonitor_StartSurvivesFeedConnectFailure(t *testing.T) {
	m, fx := newTestMonitor(t)
	fx.factory.fails = 1

	require.NoError(t, m.Start(context.Background()))
	assert.False(t, m.Ready())
	assert.Contains(t, fx.logs.messages("feed connect"), "feed connect failed at startup, retrying in background")

	// 会话后台重连成功
	require.NoError(t, fx.factory.feed(RoleTarget).Connect(context.Background()))
	require.NoError(t, fx.factory.feed(RoleDonor).Connect(context.Background()))
	assert.True(t, m.Ready())
}

func TestMonitor_StartRequiresCredentials(t *testing.T) {
	m, fx := newTestMonitor(t)
	fx.vault.remove(targetID)

	err := m.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoCredentials))
	assert.False(t, m.Ready())
}

func TestMonitor_Status(t *testing.T) {
	m, _ := startMonitor(t)

	st := m.Status()
	assert.Equal(t, true, st["ready"])
	assert.Equal(t, int64(1), st["context_version"])
	feeds, ok := st["feeds"].(map[string]any)
	require.True(t, ok)
	target, ok := feeds[RoleTarget].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "AUTHENTICATED", target["state"])
	// router、balance、reconcile 三个循环都在 goplus 组里
	assert.GreaterOrEqual(t, st["goroutines"], int64(3))
	assert.Equal(t, false, st["hot_swapping"])
}
