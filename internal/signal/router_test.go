package signal

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a1g0-creator/ct-bot-sub000/internal/exchange"
)

type recorder struct {
	mu   sync.Mutex
	sigs []Signal
}

func (r *recorder) exec(_ context.Context, sig Signal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sigs = append(r.sigs, sig)
	return nil
}

func (r *recorder) symbols() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sigs))
	for _, s := range r.sigs {
		out = append(out, s.Symbol)
	}
	return out
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sigs)
}

func closeSignal(symbol string, ts time.Time) Signal {
	return Signal{
		Type:        TypeClose,
		Symbol:      symbol,
		Side:        exchange.SideSell,
		PositionIdx: exchange.IdxHedgeBuy,
		ReduceOnly:  true,
		Timestamp:   ts,
	}
}

func startRouter(t *testing.T, exec ExecFunc) (*Router, context.CancelFunc) {
	t.Helper()
	r := NewRouter(RouterConfig{QueueSize: 16, DeferredLimit: 8, ProcessedTTL: time.Minute}, exec, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)
	t.Cleanup(cancel)
	return r, cancel
}

func TestRouter_IdempotentAcrossPauseResume(t *testing.T) {
	rec := &recorder{}
	r, _ := startRouter(t, rec.exec)

	ts := time.Unix(1700000000, 0)
	r.PauseProcessing(time.Second)
	require.NoError(t, r.AddSignal(closeSignal("BTCUSDT", ts)))
	// 同一秒内的重复信号
	require.NoError(t, r.AddSignal(closeSignal("BTCUSDT", ts.Add(300*time.Millisecond))))
	assert.Equal(t, 1, r.DeferredLen())

	r.ResumeProcessing()
	require.Eventually(t, func() bool { return rec.len() == 1 }, time.Second, 5*time.Millisecond)

	// REST 对账再次观测到同一信号
	require.NoError(t, r.AddSignal(closeSignal("BTCUSDT", ts)))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.len())
}

func TestRouter_DropsNonCriticalWhilePaused(t *testing.T) {
	rec := &recorder{}
	r, _ := startRouter(t, rec.exec)

	r.PauseProcessing(time.Second)
	require.NoError(t, r.AddSignal(Signal{Type: TypeOpen, Symbol: "ETHUSDT", Side: exchange.SideBuy, Timestamp: time.Now()}))
	require.NoError(t, r.AddSignal(Signal{Type: TypeModify, Symbol: "ETHUSDT", Side: exchange.SideBuy, Timestamp: time.Now()}))
	require.NoError(t, r.AddSignal(Signal{Type: TypeModify, Symbol: "ETHUSDT", Side: exchange.SideSell, ReduceOnly: true, Timestamp: time.Now()}))
	assert.Equal(t, 1, r.DeferredLen())

	r.ResumeProcessing()
	require.Eventually(t, func() bool { return rec.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, rec.sigs[0].ReduceOnly)
}

func TestRouter_ResumeDrainsFIFOBeforeNewSignals(t *testing.T) {
	rec := &recorder{}
	r, _ := startRouter(t, rec.exec)

	now := time.Now()
	r.PauseProcessing(time.Second)
	require.NoError(t, r.AddSignal(closeSignal("A", now)))
	require.NoError(t, r.AddSignal(closeSignal("B", now)))
	require.NoError(t, r.AddSignal(closeSignal("C", now)))

	r.ResumeProcessing()
	require.NoError(t, r.AddSignal(Signal{Type: TypeOpen, Symbol: "D", Side: exchange.SideBuy, Timestamp: now}))

	require.Eventually(t, func() bool { return rec.len() == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"A", "B", "C", "D"}, rec.symbols())
	assert.False(t, r.Paused())
}

func TestRouter_PauseWaitsForInFlight(t *testing.T) {
	var (
		completed atomic.Bool
		startedAt atomic.Int64
		started   = make(chan struct{})
	)
	r, _ := startRouter(t, func(ctx context.Context, sig Signal) error {
		startedAt.Store(time.Now().UnixNano())
		close(started)
		time.Sleep(time.Second)
		completed.Store(true)
		return nil
	})

	require.NoError(t, r.AddSignal(Signal{Type: TypeOpen, Symbol: "BTCUSDT", Side: exchange.SideBuy, Timestamp: time.Now()}))
	<-started

	r.PauseProcessing(3 * time.Second)

	assert.True(t, completed.Load())
	assert.GreaterOrEqual(t, time.Since(time.Unix(0, startedAt.Load())), time.Second)
	assert.True(t, r.Paused())
}

func TestRouter_PauseTimeoutProceeds(t *testing.T) {
	var completed atomic.Bool
	started := make(chan struct{})
	r, _ := startRouter(t, func(ctx context.Context, sig Signal) error {
		close(started)
		time.Sleep(300 * time.Millisecond)
		completed.Store(true)
		return nil
	})

	require.NoError(t, r.AddSignal(Signal{Type: TypeOpen, Symbol: "BTCUSDT", Side: exchange.SideBuy, Timestamp: time.Now()}))
	<-started

	begin := time.Now()
	r.PauseProcessing(50 * time.Millisecond)
	assert.Less(t, time.Since(begin), 250*time.Millisecond)
	assert.False(t, completed.Load())
}

func TestRouter_QueueFull(t *testing.T) {
	r := NewRouter(RouterConfig{QueueSize: 1}, nil, zerolog.Nop())

	require.NoError(t, r.AddSignal(Signal{Type: TypeOpen, Symbol: "A", Timestamp: time.Now()}))
	assert.ErrorIs(t, r.AddSignal(Signal{Type: TypeOpen, Symbol: "B", Timestamp: time.Now()}), ErrQueueFull)

	r.Close()
	assert.ErrorIs(t, r.AddSignal(Signal{Type: TypeOpen, Symbol: "C", Timestamp: time.Now()}), ErrRouterClosed)
}

func TestRouter_DeferredLimit(t *testing.T) {
	r := NewRouter(RouterConfig{QueueSize: 4, DeferredLimit: 1}, nil, zerolog.Nop())
	r.PauseProcessing(time.Millisecond)

	require.NoError(t, r.AddSignal(closeSignal("A", time.Now())))
	assert.ErrorIs(t, r.AddSignal(closeSignal("B", time.Now())), ErrDeferredFull)
}

func TestSignal_KeyAndCritical(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	a := closeSignal("BTCUSDT", ts)
	b := closeSignal("BTCUSDT", ts.Add(999*time.Millisecond))
	c := closeSignal("BTCUSDT", ts.Add(time.Second))

	assert.Equal(t, a.Key(), b.Key())
	assert.NotEqual(t, a.Key(), c.Key())
	assert.Len(t, a.Key(), 40)

	assert.True(t, a.Critical())
	assert.False(t, Signal{Type: TypeOpen}.Critical())
	assert.False(t, Signal{Type: TypeModify}.Critical())
	assert.True(t, Signal{Type: TypeModify, ReduceOnly: true}.Critical())
}
