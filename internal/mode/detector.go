package mode

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/a1g0-creator/ct-bot-sub000/internal/exchange"
	"github.com/a1g0-creator/ct-bot-sub000/pkg/goplus"
)

// Mode 仓位模式
type Mode string

const (
	OneWay Mode = "ONEWAY"
	Hedge  Mode = "HEDGE"
)

var ErrNoPositions = errors.New("mode: probe returned no position rows")

// Prober REST 持仓查询
type Prober interface {
	Positions(ctx context.Context, symbol string) ([]exchange.Position, error)
}

// FromIdx 出现 1/2 即双向，全部为 0 为单向
func FromIdx(idxs []exchange.PositionIdx) (Mode, bool) {
	if len(idxs) == 0 {
		return "", false
	}
	for _, idx := range idxs {
		if idx == exchange.IdxHedgeBuy || idx == exchange.IdxHedgeSell {
			return Hedge, true
		}
	}
	return OneWay, true
}

// Detector 按 symbol 缓存仓位模式，未知时后台 REST 探测
type Detector struct {
	modes    *cache.Cache
	probes   *cache.Cache // 节流：每个 symbol 在窗口内只探测一次
	sf       singleflight.Group
	mu       sync.RWMutex
	prober   Prober
	log      zerolog.Logger
	timeout  time.Duration
	inflight sync.WaitGroup
}

func NewDetector(prober Prober, ttl, throttle time.Duration, log zerolog.Logger) *Detector {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if throttle <= 0 {
		throttle = time.Minute
	}
	return &Detector{
		modes:   cache.New(ttl, ttl*2),
		probes:  cache.New(throttle, throttle*2),
		prober:  prober,
		log:     log,
		timeout: 10 * time.Second,
	}
}

// SetProber hot-swap 后替换 REST 客户端
func (d *Detector) SetProber(p Prober) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.prober = p
}

func (d *Detector) Mode(symbol string) (Mode, bool) {
	v, ok := d.modes.Get(symbol)
	if !ok {
		return "", false
	}
	return v.(Mode), true
}

func (d *Detector) Set(symbol string, m Mode) {
	d.modes.Set(symbol, m, cache.DefaultExpiration)
}

// UpdateFromFeed 用推送里的 positionIdx 更新模式
func (d *Detector) UpdateFromFeed(symbol string, idxs []exchange.PositionIdx) (Mode, bool) {
	m, ok := FromIdx(idxs)
	if !ok {
		return "", false
	}
	if prev, known := d.Mode(symbol); !known || prev != m {
		d.log.Info().Str("symbol", symbol).Str("mode", string(m)).Msg("position mode detected from feed")
	}
	d.Set(symbol, m)
	return m, true
}

// EnsureProbe 非阻塞；同一 symbol 并发只探测一次，且受节流窗口限制
func (d *Detector) EnsureProbe(ctx context.Context, symbol string) {
	if _, ok := d.Mode(symbol); ok {
		return
	}
	if err := d.probes.Add(symbol, time.Now(), cache.DefaultExpiration); err != nil {
		return
	}

	bg := context.WithoutCancel(ctx)
	d.inflight.Add(1)
	goplus.Go(func() {
		defer d.inflight.Done()
		pctx, cancel := context.WithTimeout(bg, d.timeout)
		defer cancel()
		if _, err := d.Probe(pctx, symbol); err != nil {
			d.log.Warn().Err(err).Str("symbol", symbol).Msg("position mode probe failed")
		}
	})
}

// Probe 阻塞探测（warmup 使用）
func (d *Detector) Probe(ctx context.Context, symbol string) (Mode, error) {
	v, err, _ := d.sf.Do(symbol, func() (any, error) {
		d.mu.RLock()
		p := d.prober
		d.mu.RUnlock()
		if p == nil {
			return nil, errors.New("mode: prober not set")
		}

		positions, err := p.Positions(ctx, symbol)
		if err != nil {
			return nil, fmt.Errorf("mode: probe %s: %w", symbol, err)
		}
		idxs := make([]exchange.PositionIdx, 0, len(positions))
		for _, pos := range positions {
			idxs = append(idxs, pos.PositionIdx)
		}
		m, ok := FromIdx(idxs)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNoPositions, symbol)
		}
		d.Set(symbol, m)
		d.log.Info().Str("symbol", symbol).Str("mode", string(m)).Msg("position mode probed")
		return m, nil
	})
	if err != nil {
		return "", err
	}
	return v.(Mode), nil
}

// Wait 等待后台探测结束（关闭和测试使用）
func (d *Detector) Wait() {
	d.inflight.Wait()
}

// Clear 清空模式与节流记录
func (d *Detector) Clear() {
	d.modes.Flush()
	d.probes.Flush()
}

func (d *Detector) Len() int {
	return d.modes.ItemCount()
}
