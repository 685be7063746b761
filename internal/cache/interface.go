package cache

import (
	"github.com/rs/zerolog"

	"github.com/a1g0-creator/ct-bot-sub000/internal/exchange"
)

// DedupCacheInterface 去重缓存接口
type DedupCacheInterface interface {
	IsSeen(key string) bool
	Mark(key string)
	MarkIfAbsent(key string) bool
	Flush()
	LoadFromDB(loader KeyLoader, log zerolog.Logger) error
	Stats() map[string]any
}

// FilterCacheInterface 下单规则缓存接口
type FilterCacheInterface interface {
	Get(symbol string) (exchange.InstrumentFilter, bool)
	Set(f exchange.InstrumentFilter)
	Clear()
	Stats() map[string]any
}

var (
	_ DedupCacheInterface  = (*DedupCache)(nil)
	_ FilterCacheInterface = (*FilterCache)(nil)
)
