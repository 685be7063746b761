package signal

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/a1g0-creator/ct-bot-sub000/internal/cache"
)

// ExecFunc 信号消费者（复制执行引擎）
type ExecFunc func(ctx context.Context, sig Signal) error

// RouterConfig 路由参数
type RouterConfig struct {
	QueueSize     int
	DeferredLimit int
	ProcessedTTL  time.Duration
}

// Router 信号与下单之间的闸门：有界队列、暂停/恢复、关键信号延迟队列
type Router struct {
	cfg  RouterConfig
	exec ExecFunc
	log  zerolog.Logger

	queue chan Signal

	mu       sync.Mutex
	cond     *sync.Cond
	paused   bool
	stopped  bool
	backlog  []Signal // 暂停期间的关键信号，恢复后先于新信号入队
	keys     map[string]struct{}
	draining bool

	processed *cache.DedupCache

	// in-flight 使用独立的锁，避免 Pause 等待时与队列操作互相阻塞
	flightMu sync.Mutex
	inflight chan struct{}

	enqueued  atomic.Int64
	deferred  atomic.Int64
	dropped   atomic.Int64
	skipped   atomic.Int64
	executed  atomic.Int64
	execFails atomic.Int64
}

func NewRouter(cfg RouterConfig, exec ExecFunc, log zerolog.Logger) *Router {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.DeferredLimit <= 0 {
		cfg.DeferredLimit = 500
	}
	if cfg.ProcessedTTL <= 0 {
		cfg.ProcessedTTL = 10 * time.Minute
	}
	r := &Router{
		cfg:       cfg,
		exec:      exec,
		log:       log,
		queue:     make(chan Signal, cfg.QueueSize),
		keys:      make(map[string]struct{}),
		processed: cache.NewDedupCache(cfg.ProcessedTTL),
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Processed 已处理键集合（启动时从数据库恢复）
func (r *Router) Processed() *cache.DedupCache {
	return r.processed
}

// AddSignal 未暂停时入队；暂停时只保留关键信号（按幂等键去重），非关键信号丢弃
func (r *Router) AddSignal(sig Signal) error {
	key := sig.Key()
	if r.processed.IsSeen(key) {
		r.skipped.Add(1)
		r.log.Info().Str("symbol", sig.Symbol).Str("type", string(sig.Type)).Str("key", key).Msg("IDEMPOTENCY_SKIP")
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return ErrRouterClosed
	}

	if r.paused {
		if !sig.Critical() {
			r.dropped.Add(1)
			r.log.Info().
				Str("symbol", sig.Symbol).
				Str("type", string(sig.Type)).
				Str("side", string(sig.Side)).
				Msg("non-critical signal dropped while paused")
			return nil
		}
		if _, dup := r.keys[key]; dup {
			r.skipped.Add(1)
			return nil
		}
		if len(r.backlog) >= r.cfg.DeferredLimit {
			r.log.Error().Str("symbol", sig.Symbol).Str("type", string(sig.Type)).Msg("deferred queue full")
			return ErrDeferredFull
		}
		r.backlog = append(r.backlog, sig)
		r.keys[key] = struct{}{}
		r.deferred.Add(1)
		r.log.Info().
			Str("symbol", sig.Symbol).
			Str("type", string(sig.Type)).
			Int("position_idx", int(sig.PositionIdx)).
			Int("deferred", len(r.backlog)).
			Msg("critical signal deferred")
		return nil
	}

	// 恢复后 backlog 尚未排空时，新信号排在其后保持因果顺序
	if r.draining {
		r.backlog = append(r.backlog, sig)
		r.refillLocked()
		return nil
	}

	select {
	case r.queue <- sig:
		r.enqueued.Add(1)
		return nil
	default:
		r.dropped.Add(1)
		r.log.Error().Str("symbol", sig.Symbol).Str("type", string(sig.Type)).Msg("signal queue full")
		return ErrQueueFull
	}
}

// refillLocked 按 FIFO 把 backlog 移入处理队列，放不下的留待消费者下次补充
func (r *Router) refillLocked() {
	for len(r.backlog) > 0 {
		sig := r.backlog[0]
		select {
		case r.queue <- sig:
		default:
			return
		}
		key := sig.Key()
		if _, ok := r.keys[key]; ok {
			delete(r.keys, key)
			r.processed.Mark(key)
		}
		r.backlog[0] = Signal{}
		r.backlog = r.backlog[1:]
		r.enqueued.Add(1)
	}
	r.backlog = nil
	r.draining = false
}

// PauseProcessing 标记暂停；若有信号正在执行则等待其完成或超时（超时只告警）
func (r *Router) PauseProcessing(timeout time.Duration) {
	r.mu.Lock()
	r.paused = true
	r.mu.Unlock()

	r.flightMu.Lock()
	done := r.inflight
	r.flightMu.Unlock()

	if done == nil {
		r.log.Info().Msg("router paused")
		return
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		r.log.Info().Msg("router paused after in-flight signal completed")
	case <-timer.C:
		r.log.Warn().Dur("timeout", timeout).Msg("pause timeout waiting for in-flight signal")
	}
}

// ResumeProcessing 先排空延迟队列再接受新信号，排空的键记入已处理集合
func (r *Router) ResumeProcessing() {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.backlog)
	r.paused = false
	r.draining = n > 0
	r.refillLocked()
	r.cond.Broadcast()

	r.log.Info().Int("drained", n).Int("pending", len(r.backlog)).Msg("router resumed")
}

func (r *Router) Paused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

// DeferredLen 当前延迟队列长度
func (r *Router) DeferredLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.backlog)
}

// InFlight 是否有信号正在执行
func (r *Router) InFlight() bool {
	r.flightMu.Lock()
	defer r.flightMu.Unlock()
	return r.inflight != nil
}

func (r *Router) QueueLen() int {
	return len(r.queue)
}

// Run 单消费者循环，直到 ctx 取消或 Close
func (r *Router) Run(ctx context.Context) {
	stop := context.AfterFunc(ctx, r.Close)
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-r.queue:
			if !r.begin() {
				return
			}
			r.execute(ctx, sig)
			r.finish()
		}
	}
}

// begin 暂停期间阻塞；开始执行时登记 in-flight
func (r *Router) begin() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.paused && !r.stopped {
		r.cond.Wait()
	}
	if r.stopped {
		return false
	}

	r.flightMu.Lock()
	r.inflight = make(chan struct{})
	r.flightMu.Unlock()
	return true
}

func (r *Router) finish() {
	r.flightMu.Lock()
	if r.inflight != nil {
		close(r.inflight)
		r.inflight = nil
	}
	r.flightMu.Unlock()

	r.mu.Lock()
	if r.draining {
		r.refillLocked()
	}
	r.mu.Unlock()
}

func (r *Router) execute(ctx context.Context, sig Signal) {
	if r.exec == nil {
		return
	}
	if err := r.exec(ctx, sig); err != nil {
		r.execFails.Add(1)
		r.log.Warn().Err(err).
			Str("symbol", sig.Symbol).
			Str("type", string(sig.Type)).
			Int64("version", sig.Version).
			Msg("signal execution failed")
		return
	}
	r.executed.Add(1)
}

// Close 唤醒暂停中的消费者并拒绝新信号
func (r *Router) Close() {
	r.mu.Lock()
	r.stopped = true
	r.cond.Broadcast()
	r.mu.Unlock()
}

// Stats 获取统计信息
func (r *Router) Stats() map[string]any {
	r.mu.Lock()
	paused, backlog := r.paused, len(r.backlog)
	r.mu.Unlock()
	return map[string]any{
		"paused":    paused,
		"in_flight": r.InFlight(),
		"queue_len": len(r.queue),
		"deferred":  backlog,
		"enqueued":  r.enqueued.Load(),
		"dropped":   r.dropped.Load(),
		"skipped":   r.skipped.Load(),
		"executed":  r.executed.Load(),
		"failed":    r.execFails.Load(),
		"processed": r.processed.Len(),
	}
}
