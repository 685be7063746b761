package cleaner

import (
	"time"

	"github.com/a1g0-creator/ct-bot-sub000/internal/dao"
	"github.com/a1g0-creator/ct-bot-sub000/pkg/logger"
)

const maxSignals = 500000

// Purger 按时间删除历史数据
type Purger interface {
	DeleteOlderThan(before time.Time) (int64, error)
}

// Cleaner 数据清理器，定时清理历史数据
type Cleaner struct {
	retention time.Duration
	interval  time.Duration
	tables    map[string]Purger
	done      chan struct{}
}

// NewCleaner retentionDays<=0 时默认 30 天
func NewCleaner(retentionDays int, interval time.Duration) *Cleaner {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Cleaner{
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		interval:  interval,
		tables: map[string]Purger{
			"signal_logs":       dao.Signal(),
			"order_logs":        dao.Order(),
			"risk_events":       dao.Risk(),
			"balance_snapshots": dao.Balance(),
		},
		done: make(chan struct{}),
	}
}

func (c *Cleaner) Start() {
	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		logger.Info().Dur("retention", c.retention).Msg("cleaner started")

		// 启动时立即执行一次
		c.Clean()

		for {
			select {
			case <-ticker.C:
				c.Clean()
			case <-c.done:
				logger.Info().Msg("cleaner stopped")
				return
			}
		}
	}()
}

func (c *Cleaner) Stop() {
	close(c.done)
}

// Clean 时间优先，signal_logs 再按数量兜底
func (c *Cleaner) Clean() {
	cutoff := time.Now().Add(-c.retention)
	for table, p := range c.tables {
		deleted, err := p.DeleteOlderThan(cutoff)
		if err != nil {
			logger.Error().Err(err).Str("table", table).Msg("clean table failed")
			continue
		}
		if deleted > 0 {
			logger.Info().
				Str("table", table).
				Int64("deleted", deleted).
				Time("cutoff", cutoff).
				Msg("cleaned old rows")
		}
	}

	if err := c.capSignals(); err != nil {
		logger.Error().Err(err).Msg("clean excess signal logs failed")
	}
}

func (c *Cleaner) capSignals() error {
	count, err := dao.Signal().Count()
	if err != nil {
		return err
	}
	if count <= maxSignals {
		return nil
	}
	deleted, err := dao.Signal().DeleteOldest(count - maxSignals)
	if err != nil {
		return err
	}
	logger.Info().
		Int64("deleted", deleted).
		Int64("total", count).
		Int64("limit", maxSignals).
		Msg("cleaned excess signal logs by count")
	return nil
}
