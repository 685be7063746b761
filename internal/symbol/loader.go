package symbol

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/a1g0-creator/ct-bot-sub000/internal/cache"
	"github.com/a1g0-creator/ct-bot-sub000/internal/exchange"
	"github.com/a1g0-creator/ct-bot-sub000/internal/monitor"
)

// Source 合约规则来源（REST 客户端）
type Source interface {
	Instrument(ctx context.Context, symbol string) (exchange.InstrumentFilter, error)
	Instruments(ctx context.Context) ([]exchange.InstrumentFilter, error)
}

// Loader 合约下单规则加载器：全量定时重载，未命中时按 symbol 单独拉取
type Loader struct {
	mu             sync.RWMutex
	source         Source
	cache          *cache.FilterCache
	reloadInterval time.Duration
	group          singleflight.Group
	log            zerolog.Logger
	done           chan struct{}
	closeOnce      sync.Once
}

func NewLoader(source Source, filterCache *cache.FilterCache, reloadInterval time.Duration, log zerolog.Logger) *Loader {
	if reloadInterval <= 0 {
		reloadInterval = 2 * time.Hour
	}
	return &Loader{
		source:         source,
		cache:          filterCache,
		reloadInterval: reloadInterval,
		log:            log,
		done:           make(chan struct{}),
	}
}

// SetSource hot-swap 后替换客户端
func (l *Loader) SetSource(s Source) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.source = s
}

func (l *Loader) src() Source {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.source
}

// Load 全量加载
func (l *Loader) Load(ctx context.Context) error {
	filters, err := l.src().Instruments(ctx)
	if err != nil {
		return fmt.Errorf("load instruments: %w", err)
	}
	l.cache.SetAll(filters)
	l.log.Info().Int("count", len(filters)).Msg("instrument filters loaded")
	return nil
}

// Start 启动后台重载
func (l *Loader) Start() {
	ticker := time.NewTicker(l.reloadInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				if err := l.Load(ctx); err != nil {
					l.log.Error().Err(err).Msg("reload instrument filters failed")
				}
				cancel()
			case <-l.done:
				return
			}
		}
	}()
}

func (l *Loader) Close() {
	l.closeOnce.Do(func() { close(l.done) })
}

// Filter 缓存优先，未命中时合并并发请求单独拉取
func (l *Loader) Filter(ctx context.Context, symbol string) (exchange.InstrumentFilter, error) {
	if f, ok := l.cache.Get(symbol); ok {
		monitor.IncCacheHit("instrument_filter")
		return f, nil
	}
	monitor.IncCacheMiss("instrument_filter")

	v, err, _ := l.group.Do(symbol, func() (any, error) {
		f, err := l.src().Instrument(ctx, symbol)
		if err != nil {
			return exchange.InstrumentFilter{}, err
		}
		l.cache.Set(f)
		return f, nil
	})
	if err != nil {
		return exchange.InstrumentFilter{}, fmt.Errorf("fetch instrument %s: %w", symbol, err)
	}
	return v.(exchange.InstrumentFilter), nil
}

// Invalidate hot-swap 时清空
func (l *Loader) Invalidate() {
	l.cache.Clear()
}
