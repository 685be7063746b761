package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/a1g0-creator/ct-bot-sub000/pkg/goplus"
)

const (
	writeWait    = 10 * time.Second
	readLimit    = 2 << 20
	dialDeadline = 10 * time.Second
	minHeartbeat = 10 * time.Millisecond
)

var ErrConnClosed = errors.New("ws: connection closed")

// Client 单条私有频道连接，只负责收发和心跳；鉴权、订阅在 Session
type Client struct {
	url  string
	conn atomic.Pointer[websocket.Conn]

	writeMu  sync.Mutex
	stopped  chan struct{}
	stopOnce sync.Once

	pingInterval time.Duration
	pongGrace    time.Duration
	lastRecv     atomic.Int64
	lastPing     atomic.Int64

	onMessage func([]byte)
	onDrop    atomic.Pointer[func()]

	log zerolog.Logger
}

func NewClient(url string, pingInterval, pongGrace time.Duration, log zerolog.Logger) *Client {
	if url == "" {
		panic("ws: URL cannot be empty")
	}
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	if pongGrace <= 0 {
		pongGrace = 10 * time.Second
	}
	return &Client{
		url:          url,
		stopped:      make(chan struct{}),
		pingInterval: pingInterval,
		pongGrace:    pongGrace,
		log:          log,
	}
}

// SetMessageHandler 需在 Connect 之前设置
func (c *Client) SetMessageHandler(fn func([]byte)) {
	c.onMessage = fn
}

// SetDisconnectCallback 非主动断开时回调一次
func (c *Client) SetDisconnectCallback(fn func()) {
	c.onDrop.Store(&fn)
}

// Connect ctx 只约束拨号
func (c *Client) Connect(ctx context.Context) error {
	if c.conn.Load() != nil {
		return nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: dialDeadline}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}
	conn.SetReadLimit(readLimit)
	conn.SetPongHandler(func(string) error {
		c.markAlive()
		return nil
	})

	if !c.conn.CompareAndSwap(nil, conn) {
		_ = conn.Close()
		return nil
	}
	c.markAlive()

	goplus.Go(func() { c.readLoop(conn) })
	goplus.Go(func() { c.keepAlive(conn) })
	return nil
}

func (c *Client) markAlive() {
	c.lastRecv.Store(time.Now().UnixNano())
}

// LastReceived 最近一次收到任意帧的时间
func (c *Client) LastReceived() time.Time {
	return time.Unix(0, c.lastRecv.Load())
}

func (c *Client) IsConnected() bool {
	return c.conn.Load() != nil
}

// drop 断开底层连接；只有持有该连接的调用方才会真正关闭
func (c *Client) drop(conn *websocket.Conn) bool {
	if !c.conn.CompareAndSwap(conn, nil) {
		return false
	}
	_ = conn.Close()
	return true
}

// Close 主动关闭，不触发断线回调
func (c *Client) Close() error {
	c.stopOnce.Do(func() {
		close(c.stopped)
		if conn := c.conn.Swap(nil); conn != nil {
			_ = conn.Close()
		}
	})
	return nil
}

func (c *Client) stopping() bool {
	select {
	case <-c.stopped:
		return true
	default:
		return false
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer func() {
		c.drop(conn)
		if c.stopping() {
			return
		}
		if fn := c.onDrop.Load(); fn != nil && *fn != nil {
			(*fn)()
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if !c.stopping() && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("ws read error")
			}
			return
		}
		c.markAlive()
		if c.onMessage != nil {
			c.onMessage(msg)
		}
	}
}

// keepAlive 空闲 pingInterval 发 ping，空闲超过 pingInterval+pongGrace 视为断线；
// 关闭连接后由 readLoop 负责回调
func (c *Client) keepAlive(conn *websocket.Conn) {
	tick := max(c.pingInterval/2, minHeartbeat)
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopped:
			return
		case now := <-ticker.C:
			if c.conn.Load() != conn {
				return
			}
			idle := now.Sub(c.LastReceived())
			if idle >= c.pingInterval+c.pongGrace {
				c.log.Warn().Dur("idle", idle).Msg("pong timeout, dropping connection")
				_ = conn.Close()
				return
			}
			if idle < c.pingInterval || now.UnixNano()-c.lastPing.Load() < int64(c.pingInterval) {
				continue
			}
			if err := c.Ping(); err != nil {
				c.log.Warn().Err(err).Msg("ping failed")
				_ = conn.Close()
				return
			}
		}
	}
}

// Ping 业务层 {"op":"ping"}
func (c *Client) Ping() error {
	c.lastPing.Store(time.Now().UnixNano())
	return c.WriteJSON(request{Op: "ping"})
}

func (c *Client) WriteJSON(v any) error {
	conn := c.conn.Load()
	if conn == nil {
		return ErrConnClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}
