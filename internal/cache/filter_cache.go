package cache

import (
	"github.com/a1g0-creator/ct-bot-sub000/internal/exchange"
	"github.com/a1g0-creator/ct-bot-sub000/pkg/concurrent"
)

// FilterCache symbol -> 下单规则
type FilterCache struct {
	filters *concurrent.Map[string, exchange.InstrumentFilter]
}

func NewFilterCache() *FilterCache {
	return &FilterCache{filters: &concurrent.Map[string, exchange.InstrumentFilter]{}}
}

func (c *FilterCache) Get(symbol string) (exchange.InstrumentFilter, bool) {
	return c.filters.Load(symbol)
}

func (c *FilterCache) Set(f exchange.InstrumentFilter) {
	c.filters.Store(f.Symbol, f)
}

// SetAll 批量写入（全量刷新时不删除旧 symbol）
func (c *FilterCache) SetAll(filters []exchange.InstrumentFilter) {
	for _, f := range filters {
		c.Set(f)
	}
}

func (c *FilterCache) Clear() {
	c.filters.Clear()
}

func (c *FilterCache) Len() int64 {
	return c.filters.Len()
}

// Stats 获取统计信息
func (c *FilterCache) Stats() map[string]any {
	return map[string]any{
		"filter_count": c.filters.Len(),
	}
}
