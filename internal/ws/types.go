// internal/ws/types.go
package ws

import (
	"context"
	"encoding/json"
	"time"
)

// State 私有 feed 会话状态
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateSubscribing
	StateAuthenticated
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateSubscribing:
		return "SUBSCRIBING"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateClosing:
		return "CLOSING"
	}
	return "UNKNOWN"
}

// Topic 私有频道
type Topic string

const (
	TopicPosition  Topic = "position"
	TopicOrder     Topic = "order"
	TopicExecution Topic = "execution"
	TopicWallet    Topic = "wallet"
)

// DefaultTopics 会话重建后需要全部恢复的频道
var DefaultTopics = []Topic{TopicPosition, TopicOrder, TopicExecution, TopicWallet}

// Event 分发给 handler 的消息，Version 为收到时会话的上下文版本
type Event struct {
	Topic      Topic
	Data       json.RawMessage
	Version    int64
	ReceivedAt time.Time
}

// Handler 单个频道的处理函数
type Handler func(ev Event) error

// Escalation 心跳失败后的升级级别
type Escalation int

const (
	EscalateGraceful Escalation = iota + 1 // 重建会话
	EscalateFull                           // 完整 hot-swap
)

func (e Escalation) String() string {
	if e == EscalateFull {
		return "full"
	}
	return "graceful"
}

// EscalationFunc 由编排层实现
type EscalationFunc func(ctx context.Context, level Escalation)

// request 出站操作
type request struct {
	ReqID string `json:"req_id,omitempty"`
	Op    string `json:"op"`
	Args  []any  `json:"args,omitempty"`
}

// reply auth/subscribe 的应答
type reply struct {
	op      string
	success bool
	msg     string
}
