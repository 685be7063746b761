package cache

import (
	"errors"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
)

// DedupCache 去重键集合，使用 go-cache 实现 TTL 自动过期
type DedupCache struct {
	cache *cache.Cache // go-cache 内置 TTL 和自动清理
	ttl   time.Duration
}

// NewDedupCache 清理间隔自动设为 2×TTL
func NewDedupCache(ttl time.Duration) *DedupCache {
	return &DedupCache{
		cache: cache.New(ttl, ttl*2),
		ttl:   ttl,
	}
}

// IsSeen 检查键是否已处理
func (c *DedupCache) IsSeen(key string) bool {
	_, exists := c.cache.Get(key)
	return exists
}

// Mark 标记为已处理（刷新 TTL）
func (c *DedupCache) Mark(key string) {
	c.cache.Set(key, time.Now(), cache.DefaultExpiration)
}

// MarkIfAbsent 原子地检查并标记，返回 true 表示首次出现
func (c *DedupCache) MarkIfAbsent(key string) bool {
	return c.cache.Add(key, time.Now(), cache.DefaultExpiration) == nil
}

func (c *DedupCache) Forget(key string) {
	c.cache.Delete(key)
}

// Flush 清空（hot-swap 清理派生状态）
func (c *DedupCache) Flush() {
	c.cache.Flush()
}

func (c *DedupCache) Len() int {
	return c.cache.ItemCount()
}

// KeyLoader 持久层提供的已处理键
type KeyLoader interface {
	ProcessedKeysSince(since time.Time) ([]string, error)
}

// LoadFromDB 服务启动时从数据库恢复去重状态
func (c *DedupCache) LoadFromDB(loader KeyLoader, log zerolog.Logger) error {
	if loader == nil {
		return errors.New("cache: key loader is nil")
	}

	keys, err := loader.ProcessedKeysSince(time.Now().Add(-c.ttl))
	if err != nil {
		return fmt.Errorf("load processed keys failed: %w", err)
	}
	for _, key := range keys {
		c.Mark(key)
	}

	log.Info().
		Int("count", len(keys)).
		Dur("window", c.ttl).
		Msg("loaded processed keys from database")
	return nil
}

// Stats 获取统计信息
func (c *DedupCache) Stats() map[string]any {
	return map[string]any{
		"item_count":  c.cache.ItemCount(),
		"ttl_seconds": c.ttl.Seconds(),
	}
}
