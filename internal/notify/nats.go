package notify

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/a1g0-creator/ct-bot-sub000/internal/monitor"
)

var ErrNotConnected = errors.New("notify: nats not connected")

// Alert 告警消息
type Alert struct {
	Service   string `json:"service"`
	Host      string `json:"host"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// NATSNotifier 把告警发布到 NATS topic
type NATSNotifier struct {
	conn   *nats.Conn
	topic  string
	host   string
	log    zerolog.Logger
	mu     sync.RWMutex
	closed bool
}

func NewNATSNotifier(url, topic string, log zerolog.Logger) (*NATSNotifier, error) {
	conn, err := nats.Connect(url,
		nats.Name("copy_bot"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			monitor.GetMetrics().SetNATSConnected(false)
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			monitor.GetMetrics().SetNATSConnected(true)
			log.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, err
	}

	host, _ := os.Hostname()
	monitor.GetMetrics().SetNATSConnected(true)

	return &NATSNotifier{conn: conn, topic: topic, host: host, log: log}, nil
}

func (n *NATSNotifier) SendAlert(_ context.Context, text string) error {
	if !n.IsConnected() {
		return ErrNotConnected
	}
	data, err := json.Marshal(Alert{
		Service:   "copy_bot",
		Host:      n.host,
		Text:      text,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	return n.conn.Publish(n.topic, data)
}

func (n *NATSNotifier) IsConnected() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return !n.closed && n.conn != nil && n.conn.IsConnected()
}

// Close 先 flush 再关闭
func (n *NATSNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	monitor.GetMetrics().SetNATSConnected(false)

	if n.conn != nil {
		if err := n.conn.FlushTimeout(2 * time.Second); err != nil {
			n.log.Warn().Err(err).Msg("nats flush before close failed")
		}
		n.conn.Close()
	}
	return nil
}
