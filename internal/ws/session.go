package ws

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/a1g0-creator/ct-bot-sub000/internal/exchange"
	"github.com/a1g0-creator/ct-bot-sub000/pkg/goplus"
)

var (
	ErrAuthFailed      = errors.New("ws: authentication failed")
	ErrSubscribeFailed = errors.New("ws: subscribe failed")
	ErrReplyTimeout    = errors.New("ws: reply timeout")
	ErrSessionClosed   = errors.New("ws: session closed")
)

// Config 会话参数
type Config struct {
	URL               string
	Topics            []Topic
	PingInterval      time.Duration
	PongGrace         time.Duration
	AuthTimeout       time.Duration
	SubscribeTimeout  time.Duration
	EscalationTimeout time.Duration
	BackoffMin        time.Duration
	BackoffMax        time.Duration
	PoolSize          int
}

func (c *Config) withDefaults() {
	if len(c.Topics) == 0 {
		c.Topics = DefaultTopics
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 10 * time.Second
	}
	if c.SubscribeTimeout <= 0 {
		c.SubscribeTimeout = 10 * time.Second
	}
	if c.EscalationTimeout <= 0 {
		c.EscalationTimeout = 2 * time.Minute
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 300 * time.Second
	}
}

// Session 单账户私有 feed：鉴权、订阅、心跳、断线重连、版本打标
type Session struct {
	cfg        Config
	creds      exchange.Credentials
	dispatcher *Dispatcher
	log        zerolog.Logger

	state   atomic.Int32
	version atomic.Int64

	connMu  sync.Mutex // 串行化 Connect
	mu      sync.RWMutex
	client  *Client
	replies chan reply
	subs    map[Topic]time.Time // topic -> subscribed_at

	running     atomic.Bool
	failures    atomic.Int64
	lastMessage atomic.Int64

	reconnectMu sync.Mutex
	backoff     time.Duration

	onEscalate EscalationFunc
	onFailure  func(reason string)
	onRecover  func()

	done      chan struct{}
	closeOnce sync.Once
}

func NewSession(cfg Config, creds exchange.Credentials, log zerolog.Logger) *Session {
	if cfg.URL == "" {
		panic("ws: URL cannot be empty")
	}
	cfg.withDefaults()
	return &Session{
		cfg:        cfg,
		creds:      creds,
		dispatcher: NewDispatcher(cfg.PoolSize, log),
		log:        log,
		subs:       make(map[Topic]time.Time),
		done:       make(chan struct{}),
	}
}

// Handle 注册频道处理函数
func (s *Session) Handle(topic Topic, h Handler) {
	s.dispatcher.Register(topic, h)
}

// SetEscalation 心跳/重连长时间失败时回调编排层
func (s *Session) SetEscalation(fn EscalationFunc) {
	s.onEscalate = fn
}

// SetFailureHooks 连接失败/恢复通知（风控 API 失败计数）
func (s *Session) SetFailureHooks(onFailure func(reason string), onRecover func()) {
	s.onFailure = onFailure
	s.onRecover = onRecover
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev != st {
		s.log.Debug().Str("from", prev.String()).Str("to", st.String()).Msg("feed state")
	}
}

// SetVersion 由编排层在 hot-swap 时设置
func (s *Session) SetVersion(v int64) {
	s.version.Store(v)
}

func (s *Session) Version() int64 {
	return s.version.Load()
}

// SubscriptionCount 已确认订阅的频道数
func (s *Session) SubscriptionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Subscriptions topic -> subscribed_at 快照
func (s *Session) Subscriptions() map[Topic]time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[Topic]time.Time, len(s.subs))
	for k, v := range s.subs {
		out[k] = v
	}
	return out
}

// ConsecutiveFailures 连续连接失败次数
func (s *Session) ConsecutiveFailures() int64 {
	return s.failures.Load()
}

func (s *Session) LastMessageAt() time.Time {
	ns := s.lastMessage.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Connect 拨号、鉴权、订阅。失败时返回错误并转入后台退避重连，
// 成功后断线同样自动重连
func (s *Session) Connect(ctx context.Context) error {
	err := s.attempt(ctx)
	if err != nil && !errors.Is(err, ErrSessionClosed) && s.running.Load() {
		goplus.Go(s.handleDisconnect)
	}
	return err
}

func (s *Session) attempt(ctx context.Context) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	if s.State() == StateAuthenticated && s.connected() {
		return nil
	}

	s.running.Store(true)
	if err := s.connectOnce(ctx); err != nil {
		s.dropTransport()
		s.setState(StateDisconnected)
		n := s.failures.Add(1)
		s.log.Warn().Err(err).Int64("failures", n).Msg("feed connect failed")
		if s.onFailure != nil {
			s.onFailure(err.Error())
		}
		return err
	}

	s.failures.Store(0)
	if s.onRecover != nil {
		s.onRecover()
	}
	return nil
}

func (s *Session) connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client != nil && s.client.IsConnected()
}

func (s *Session) connectOnce(ctx context.Context) error {
	s.setState(StateConnecting)

	replies := make(chan reply, 8)
	client := NewClient(s.cfg.URL, s.cfg.PingInterval, s.cfg.PongGrace, s.log)
	client.SetMessageHandler(func(msg []byte) { s.onMessage(msg, replies) })
	client.SetDisconnectCallback(func() {
		s.log.Warn().Msg("feed disconnected")
		goplus.Go(s.handleDisconnect)
	})

	if err := client.Connect(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	s.client = client
	s.replies = replies
	s.subs = make(map[Topic]time.Time)
	s.mu.Unlock()

	s.setState(StateAuthenticating)
	if err := s.authenticate(ctx, client, replies); err != nil {
		return err
	}

	s.setState(StateSubscribing)
	if err := s.subscribe(ctx, client, replies); err != nil {
		s.log.Warn().Err(err).Msg("subscribe failed, retrying once")
		if err = s.subscribe(ctx, client, replies); err != nil {
			return fmt.Errorf("%w: %v", ErrSubscribeFailed, err)
		}
	}

	s.setState(StateAuthenticated)
	s.log.Info().
		Int("topics", s.SubscriptionCount()).
		Int64("version", s.Version()).
		Str("key", s.creds.Hint()).
		Msg("feed authenticated")
	return nil
}

func (s *Session) authenticate(ctx context.Context, client *Client, replies <-chan reply) error {
	expires := time.Now().Add(s.cfg.AuthTimeout).UnixMilli()
	req := request{
		Op:   "auth",
		Args: []any{s.creds.APIKey, expires, exchange.SignRealtime(s.creds.APISecret, expires)},
	}
	if err := client.WriteJSON(req); err != nil {
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}

	r, err := waitReply(ctx, replies, "auth", s.cfg.AuthTimeout)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	if !r.success {
		return fmt.Errorf("%w: %s", ErrAuthFailed, r.msg)
	}
	return nil
}

func (s *Session) subscribe(ctx context.Context, client *Client, replies <-chan reply) error {
	args := make([]any, 0, len(s.cfg.Topics))
	for _, t := range s.cfg.Topics {
		args = append(args, string(t))
	}
	if err := client.WriteJSON(request{ReqID: "sub-" + strconv.FormatInt(time.Now().UnixNano(), 10), Op: "subscribe", Args: args}); err != nil {
		return err
	}

	r, err := waitReply(ctx, replies, "subscribe", s.cfg.SubscribeTimeout)
	if err != nil {
		return err
	}
	if !r.success {
		return errors.New(r.msg)
	}

	now := time.Now()
	s.mu.Lock()
	for _, t := range s.cfg.Topics {
		s.subs[t] = now
	}
	s.mu.Unlock()
	return nil
}

func waitReply(ctx context.Context, replies <-chan reply, op string, timeout time.Duration) (reply, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case r := <-replies:
			if r.op == op {
				return r, nil
			}
		case <-timer.C:
			return reply{}, fmt.Errorf("%w: %s", ErrReplyTimeout, op)
		case <-ctx.Done():
			return reply{}, ctx.Err()
		}
	}
}

// onMessage 控制应答走 replies，频道数据打上当前版本后分发
func (s *Session) onMessage(msg []byte, replies chan<- reply) {
	s.lastMessage.Store(time.Now().UnixNano())

	if op := gjson.GetBytes(msg, "op").String(); op != "" {
		switch op {
		case "auth", "subscribe":
			r := reply{
				op:      op,
				success: gjson.GetBytes(msg, "success").Bool(),
				msg:     gjson.GetBytes(msg, "ret_msg").String(),
			}
			select {
			case replies <- r:
			default:
				s.log.Warn().Str("op", op).Msg("reply dropped")
			}
		}
		return
	}

	topic := gjson.GetBytes(msg, "topic").String()
	if topic == "" {
		return
	}
	// position.linear -> position
	base, _, _ := strings.Cut(topic, ".")

	s.dispatcher.Dispatch(Event{
		Topic:      Topic(base),
		Data:       []byte(gjson.GetBytes(msg, "data").Raw),
		Version:    s.version.Load(),
		ReceivedAt: time.Now(),
	})
}

func (s *Session) dropTransport() {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.subs = make(map[Topic]time.Time)
	s.mu.Unlock()
	if client != nil {
		_ = client.Close()
	}
}

// handleDisconnect 指数退避重连，超时未恢复依次升级 graceful / full
func (s *Session) handleDisconnect() {
	// 使用 TryLock 防止并发重连风暴
	if !s.reconnectMu.TryLock() {
		return
	}
	defer s.reconnectMu.Unlock()

	if !s.running.Load() {
		return
	}
	s.setState(StateDisconnected)
	s.dropTransport()

	if s.backoff == 0 {
		s.backoff = s.cfg.BackoffMin
	}
	since := time.Now()
	escalated := Escalation(0)

	for s.running.Load() {
		// 范围：[0.5 * backoff, 1.5 * backoff]
		jitter := time.Duration(float64(s.backoff) * (0.5 + rand.Float64()))
		s.log.Warn().Dur("backoff", jitter).Int64("failures", s.failures.Load()).Msg("reconnecting with exponential backoff")

		select {
		case <-s.done:
			return
		case <-time.After(jitter):
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.AuthTimeout+s.cfg.SubscribeTimeout+10*time.Second)
		err := s.attempt(ctx)
		cancel()
		if err == nil {
			break
		}
		if errors.Is(err, ErrSessionClosed) {
			return
		}

		s.backoff *= 2
		if s.backoff > s.cfg.BackoffMax {
			s.backoff = s.cfg.BackoffMax
		}

		// 订阅连续失败直接升级，其余按未恢复时长升级
		switch {
		case errors.Is(err, ErrSubscribeFailed) && escalated == 0:
			escalated = EscalateGraceful
			s.escalate(escalated)
		case time.Since(since) >= s.cfg.EscalationTimeout && escalated < EscalateGraceful:
			escalated = EscalateGraceful
			s.escalate(escalated)
		case time.Since(since) >= 2*s.cfg.EscalationTimeout && escalated < EscalateFull:
			escalated = EscalateFull
			s.escalate(escalated)
			return
		}
	}

	s.backoff = s.cfg.BackoffMin
	s.log.Info().Msg("feed reconnected, backoff reset")
}

func (s *Session) escalate(level Escalation) {
	s.log.Error().Str("level", level.String()).Int64("failures", s.failures.Load()).Msg("feed escalation")
	if s.onEscalate == nil {
		return
	}
	fn := s.onEscalate
	go fn(context.Background(), level)
}

// Restart 关闭当前连接并立即重连（graceful 升级）
func (s *Session) Restart(ctx context.Context) error {
	s.dropTransport()
	s.setState(StateDisconnected)
	return s.Connect(ctx)
}

// Close 停止重连并关闭连接
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.setState(StateClosing)
		s.running.Store(false)
		close(s.done)
		s.dropTransport()
		s.dispatcher.Close()
		s.setState(StateDisconnected)
	})
	return nil
}
