package trading

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/a1g0-creator/ct-bot-sub000/internal/exchange"
	"github.com/a1g0-creator/ct-bot-sub000/internal/models"
	"github.com/a1g0-creator/ct-bot-sub000/internal/ws"
)

var testFilter = exchange.InstrumentFilter{
	Symbol:      "BTCUSDT",
	QtyStep:     0.001,
	MinQty:      0.001,
	MaxQty:      100,
	MinNotional: 5,
	TickSize:    0.1,
}

type fakeREST struct {
	mu        sync.Mutex
	positions map[string][]exchange.Position
	equity    float64
	orders    []exchange.OrderRequest
	cancels   int
	closed    int
	orderGate chan struct{} // 非 nil 时下单阻塞到关闭
	orderErr  error
}

func newFakeREST(equity float64) *fakeREST {
	return &fakeREST{positions: make(map[string][]exchange.Position), equity: equity}
}

func (f *fakeREST) setPositions(symbol string, ps ...exchange.Position) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positions[symbol] = ps
}

func (f *fakeREST) placed() []exchange.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]exchange.OrderRequest(nil), f.orders...)
}

func (f *fakeREST) setOrderGate(ch chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orderGate = ch
}

func (f *fakeREST) failOrders(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orderErr = err
}

func (f *fakeREST) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	f.mu.Lock()
	gate := f.orderGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return exchange.OrderResult{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders = append(f.orders, req)
	if f.orderErr != nil {
		return exchange.OrderResult{}, f.orderErr
	}
	return exchange.OrderResult{OrderID: fmt.Sprintf("o-%d", len(f.orders)), OrderLinkID: req.OrderLinkID}, nil
}

func (f *fakeREST) SetLeverage(context.Context, string, float64) error { return nil }

func (f *fakeREST) SetMarginMode(context.Context, string, exchange.MarginMode, float64) error {
	return nil
}

// Positions 未知 symbol 返回单向模式的空仓行
func (f *fakeREST) Positions(_ context.Context, symbol string) ([]exchange.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if symbol == "" {
		var out []exchange.Position
		for _, ps := range f.positions {
			out = append(out, ps...)
		}
		return out, nil
	}
	if ps, ok := f.positions[symbol]; ok {
		return append([]exchange.Position(nil), ps...), nil
	}
	return []exchange.Position{{Symbol: symbol, PositionIdx: exchange.IdxOneWay}}, nil
}

func (f *fakeREST) Ticker(_ context.Context, symbol string) (exchange.Ticker, error) {
	return exchange.Ticker{Symbol: symbol, LastPrice: 50000, MarkPrice: 50000}, nil
}

func (f *fakeREST) CancelAllOrders(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	return nil
}

func (f *fakeREST) SetTradingStop(context.Context, exchange.TradingStop) error { return nil }

func (f *fakeREST) WalletBalance(context.Context) (exchange.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return exchange.Balance{
		TotalEquity:      f.equity,
		WalletBalance:    f.equity,
		AvailableBalance: f.equity,
		Coins:            []exchange.CoinBalance{{Coin: "USDT", Equity: f.equity, WalletBalance: f.equity}},
		Timestamp:        time.Now(),
	}, nil
}

func (f *fakeREST) Instrument(_ context.Context, symbol string) (exchange.InstrumentFilter, error) {
	flt := testFilter
	flt.Symbol = symbol
	return flt, nil
}

func (f *fakeREST) Instruments(context.Context) ([]exchange.InstrumentFilter, error) {
	return []exchange.InstrumentFilter{testFilter}, nil
}

func (f *fakeREST) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
}

type fakeFeed struct {
	mu       sync.Mutex
	handlers map[ws.Topic]ws.Handler
	version  atomic.Int64
	state    atomic.Int32
	closed   atomic.Bool
	gate     chan struct{}
	fails    atomic.Int32 // 剩余失败的 Connect 次数
}

func (f *fakeFeed) Handle(topic ws.Topic, h ws.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = h
}

func (f *fakeFeed) SetEscalation(ws.EscalationFunc)          {}
func (f *fakeFeed) SetFailureHooks(func(reason string), func()) {}
func (f *fakeFeed) SetVersion(v int64)                        { f.version.Store(v) }
func (f *fakeFeed) State() ws.State                           { return ws.State(f.state.Load()) }
func (f *fakeFeed) SubscriptionCount() int                    { return len(ws.DefaultTopics) }
func (f *fakeFeed) ConsecutiveFailures() int64                { return 0 }

func (f *fakeFeed) Connect(ctx context.Context) error {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.fails.Add(-1) >= 0 {
		f.state.Store(int32(ws.StateDisconnected))
		return errors.New("dial: connection refused")
	}
	f.state.Store(int32(ws.StateAuthenticated))
	return nil
}

func (f *fakeFeed) Restart(ctx context.Context) error {
	return f.Connect(ctx)
}

func (f *fakeFeed) Close() error {
	f.closed.Store(true)
	f.state.Store(int32(ws.StateDisconnected))
	return nil
}

// push 同步调用 handler，事件版本取会话当前版本
func (f *fakeFeed) push(topic ws.Topic, data string) error {
	f.mu.Lock()
	h := f.handlers[topic]
	f.mu.Unlock()
	if h == nil {
		return fmt.Errorf("no handler for %s", topic)
	}
	return h(ws.Event{Topic: topic, Data: json.RawMessage(data), Version: f.version.Load(), ReceivedAt: time.Now()})
}

type fakeFactory struct {
	mu    sync.Mutex
	rest  map[string]*fakeREST
	feeds map[string][]*fakeFeed
	gate  chan struct{}
	fails int32
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		rest: map[string]*fakeREST{
			RoleTarget: newFakeREST(1000),
			RoleDonor:  newFakeREST(1000),
		},
		feeds: make(map[string][]*fakeFeed),
	}
}

func (f *fakeFactory) NewClient(role string, _ exchange.Credentials) RESTClient {
	return f.rest[role]
}

func (f *fakeFactory) NewFeed(role string, _ exchange.Credentials) Feed {
	f.mu.Lock()
	defer f.mu.Unlock()
	ff := &fakeFeed{handlers: make(map[ws.Topic]ws.Handler), gate: f.gate}
	ff.fails.Store(f.fails)
	f.feeds[role] = append(f.feeds[role], ff)
	return ff
}

func (f *fakeFactory) setGate(ch chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = ch
}

func (f *fakeFactory) feed(role string) *fakeFeed {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.feeds[role]
	return list[len(list)-1]
}

func (f *fakeFactory) feedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.feeds[RoleTarget]) + len(f.feeds[RoleDonor])
}

type fakeVault struct {
	mu    sync.Mutex
	creds map[int64]exchange.Credentials
}

func (v *fakeVault) GetAccountCredentials(_ context.Context, id int64) (exchange.Credentials, bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	c, ok := v.creds[id]
	return c, ok, nil
}

func (v *fakeVault) remove(id int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.creds, id)
}

type memRecorder struct {
	mu       sync.Mutex
	signals  []*models.SignalLog
	orders   []*models.OrderLog
	events   []*models.RiskEvent
	balances []*models.BalanceSnapshot
	statuses map[string]string
}

func (r *memRecorder) LogSignal(l *models.SignalLog) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals, l)
}

func (r *memRecorder) LogOrder(l *models.OrderLog) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders = append(r.orders, l)
}

func (r *memRecorder) LogRiskEvent(ev *models.RiskEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *memRecorder) LogBalanceSnapshot(s *models.BalanceSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.balances = append(r.balances, s)
}

func (r *memRecorder) UpdateOrderStatus(orderID, status, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.statuses == nil {
		r.statuses = make(map[string]string)
	}
	r.statuses[orderID] = status
}

func (r *memRecorder) signalLogs() []*models.SignalLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*models.SignalLog(nil), r.signals...)
}

func (r *memRecorder) status(orderID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statuses[orderID]
}

type memStore struct {
	mu     sync.Mutex
	open   map[string]*models.Position
	closed []*models.ClosedPosition
}

func (s *memStore) Upsert(p *models.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open == nil {
		s.open = make(map[string]*models.Position)
	}
	cp := *p
	s.open[fmt.Sprintf("%d|%s|%d", p.AccountID, p.Symbol, p.PositionIdx)] = &cp
	return nil
}

func (s *memStore) Close(accountID int64, symbol string, idx int, closed *models.ClosedPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.open, fmt.Sprintf("%d|%s|%d", accountID, symbol, idx))
	s.closed = append(s.closed, closed)
	return nil
}

func (s *memStore) closedPositions() []*models.ClosedPosition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.ClosedPosition(nil), s.closed...)
}

type fakeNotifier struct {
	mu    sync.Mutex
	texts []string
}

func (n *fakeNotifier) SendAlert(_ context.Context, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.texts = append(n.texts, text)
	return nil
}

func (n *fakeNotifier) alerts() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.texts...)
}

// logBuffer 并发安全的 zerolog 输出
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// messages 按顺序返回带指定前缀的 message
func (b *logBuffer) messages(prefix string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, line := range strings.Split(b.buf.String(), "\n") {
		if line == "" {
			continue
		}
		var rec struct {
			Message string `json:"message"`
		}
		if json.Unmarshal([]byte(line), &rec) != nil {
			continue
		}
		if strings.HasPrefix(rec.Message, prefix) {
			out = append(out, rec.Message)
		}
	}
	return out
}
