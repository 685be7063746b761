package risk

import (
	"sync"
	"time"
)

// maxConsecutiveFailures 连续失败达到该值视为数据不可信
const maxConsecutiveFailures = 3

// Breaker 回撤确认：连续 N 次可信读数 >= limit 才确认；
// 确认后保持，直到读数低于 limit - hysteresis。
type Breaker struct {
	Limit      float64
	Hysteresis float64
	Confirm    int

	streak    int
	confirmed bool
}

// Observe 不可信读数打断连续计数；已确认状态只由迟滞带解除
func (b *Breaker) Observe(dd float64, reliable bool) bool {
	if b.Limit <= 0 {
		return false
	}
	if b.confirmed {
		if dd < b.Limit-b.Hysteresis {
			b.confirmed = false
			b.streak = 0
		}
		return b.confirmed
	}
	if !reliable {
		b.streak = 0
		return false
	}
	if dd >= b.Limit {
		b.streak++
		if b.streak >= b.Confirm {
			b.confirmed = true
		}
		return b.confirmed
	}
	b.streak = 0
	return false
}

func (b *Breaker) Confirmed() bool {
	return b.confirmed
}

func (b *Breaker) Reset() {
	b.streak = 0
	b.confirmed = false
}

// DataContext 单个账户的风控数据新鲜度与回撤确认状态，只保存在内存
type DataContext struct {
	mu sync.Mutex

	staleTTL time.Duration
	now      func() time.Time

	equity      float64
	equityAt    time.Time
	total       float64
	daily       float64
	failures    int
	lastSuccess time.Time

	totalBreaker Breaker
	dailyBreaker Breaker
}

func NewDataContext(maxTotal, maxDaily, hysteresis float64, confirm int, staleTTL time.Duration) *DataContext {
	if confirm < 1 {
		confirm = 1
	}
	return &DataContext{
		staleTTL:     staleTTL,
		now:          time.Now,
		totalBreaker: Breaker{Limit: maxTotal, Hysteresis: hysteresis, Confirm: confirm},
		dailyBreaker: Breaker{Limit: maxDaily, Hysteresis: hysteresis, Confirm: confirm},
	}
}

func (c *DataContext) UpdateEquity(equity float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.equity = equity
	c.equityAt = c.now()
}

// Equity 最近一次权益及其时间
func (c *DataContext) Equity() (float64, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.equity, c.equityAt
}

// UpdateDrawdown 记录一次回撤读数，返回是否已确认突破
func (c *DataContext) UpdateDrawdown(total, daily float64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total, c.daily = total, daily
	reliable := c.reliableLocked()
	t := c.totalBreaker.Observe(total, reliable)
	d := c.dailyBreaker.Observe(daily, reliable)
	return t || d
}

func (c *DataContext) RegisterFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
}

func (c *DataContext) RegisterSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = 0
	c.lastSuccess = c.now()
}

// IsReliable 权益数据在 staleTTL 内且连续失败次数未超限
func (c *DataContext) IsReliable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reliableLocked()
}

func (c *DataContext) reliableLocked() bool {
	if c.equityAt.IsZero() || c.failures >= maxConsecutiveFailures {
		return false
	}
	return c.staleTTL <= 0 || c.now().Sub(c.equityAt) <= c.staleTTL
}

func (c *DataContext) DDConfirmed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalBreaker.Confirmed() || c.dailyBreaker.Confirmed()
}

// ResetDrawdown 人工解除紧急状态时清空确认状态
func (c *DataContext) ResetDrawdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalBreaker.Reset()
	c.dailyBreaker.Reset()
}

// Snapshot 健康检查输出
func (c *DataContext) Snapshot() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]any{
		"equity":         c.equity,
		"equity_at":      c.equityAt,
		"total_drawdown": c.total,
		"daily_drawdown": c.daily,
		"failures":       c.failures,
		"reliable":       c.reliableLocked(),
		"dd_confirmed":   c.totalBreaker.Confirmed() || c.dailyBreaker.Confirmed(),
	}
}
