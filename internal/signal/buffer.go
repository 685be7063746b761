package signal

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/a1g0-creator/ct-bot-sub000/pkg/goplus"
)

// Sink 下游复制系统入口（通常是 Router.AddSignal）
type Sink func(Signal) error

// Buffer 复制系统未就绪前的环形缓冲，Bind 后由后台任务按 FIFO 冲刷
type Buffer struct {
	mu       sync.Mutex
	ring     []Signal
	head     int
	size     int
	sink     Sink
	draining bool
	drained  chan struct{}

	overwritten atomic.Int64
	log         zerolog.Logger
}

func NewBuffer(capacity int, log zerolog.Logger) *Buffer {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Buffer{
		ring: make([]Signal, capacity),
		log:  log,
	}
}

// Push 已绑定且缓冲为空时直接下发，否则进入缓冲；满时覆盖最旧的信号
func (b *Buffer) Push(sig Signal) error {
	b.mu.Lock()
	if b.sink != nil && b.size == 0 && !b.draining {
		sink := b.sink
		b.mu.Unlock()
		return sink(sig)
	}

	if b.size == len(b.ring) {
		old := b.ring[b.head]
		b.head = (b.head + 1) % len(b.ring)
		b.size--
		b.overwritten.Add(1)
		b.log.Error().
			Str("symbol", old.Symbol).
			Str("type", string(old.Type)).
			Msg("signal buffer full, oldest signal overwritten")
	}
	b.ring[(b.head+b.size)%len(b.ring)] = sig
	b.size++
	b.mu.Unlock()
	return nil
}

// Bind 绑定下游并启动冲刷
func (b *Buffer) Bind(sink Sink) {
	b.mu.Lock()
	b.sink = sink
	if b.size == 0 || b.draining {
		b.mu.Unlock()
		return
	}
	b.draining = true
	b.drained = make(chan struct{})
	done := b.drained
	n := b.size
	b.mu.Unlock()

	b.log.Info().Int("buffered", n).Msg("signal buffer bound, draining")
	goplus.Go(func() {
		defer close(done)
		b.drain()
	})
}

// Unbind 下游重建期间重新开始缓冲
func (b *Buffer) Unbind() {
	b.mu.Lock()
	b.sink = nil
	b.mu.Unlock()
}

func (b *Buffer) drain() {
	for {
		b.mu.Lock()
		if b.size == 0 || b.sink == nil {
			b.draining = false
			b.mu.Unlock()
			return
		}
		sig := b.ring[b.head]
		b.ring[b.head] = Signal{}
		b.head = (b.head + 1) % len(b.ring)
		b.size--
		sink := b.sink
		b.mu.Unlock()

		if err := sink(sig); err != nil {
			b.log.Warn().Err(err).Str("symbol", sig.Symbol).Msg("buffered signal rejected by sink")
		}
	}
}

// WaitDrained 等待当前冲刷结束
func (b *Buffer) WaitDrained() {
	b.mu.Lock()
	done := b.drained
	b.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

func (b *Buffer) Overwritten() int64 {
	return b.overwritten.Load()
}
