package risk

import (
	"sort"
	"sync"
	"time"
)

// DefaultAlertLevels 回撤告警档位
var DefaultAlertLevels = []float64{0.02, 0.035, 0.05, 0.08, 0.12}

// Drawdown 跟踪权益峰值与当日最高，计算总回撤与日回撤；
// 每个告警档位在同一峰值内只触发一次，创新高后重新布防。
type Drawdown struct {
	mu      sync.Mutex
	levels  []float64
	peak    float64
	dayHigh float64
	day     string
	alerted map[float64]bool
}

func NewDrawdown(levels []float64) *Drawdown {
	if len(levels) == 0 {
		levels = DefaultAlertLevels
	}
	sorted := append([]float64(nil), levels...)
	sort.Float64s(sorted)
	return &Drawdown{
		levels:  sorted,
		alerted: make(map[float64]bool),
	}
}

// Update 返回总回撤、日回撤以及本次新触发的告警档位
func (d *Drawdown) Update(equity float64, now time.Time) (total, daily float64, crossed []float64) {
	if equity <= 0 {
		return 0, 0, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if equity > d.peak {
		d.peak = equity
		clear(d.alerted)
	}
	day := now.UTC().Format("2006-01-02")
	if day != d.day {
		d.day = day
		d.dayHigh = equity
	}
	if equity > d.dayHigh {
		d.dayHigh = equity
	}

	total = (d.peak - equity) / d.peak
	daily = (d.dayHigh - equity) / d.dayHigh

	for _, lvl := range d.levels {
		if total >= lvl && !d.alerted[lvl] {
			d.alerted[lvl] = true
			crossed = append(crossed, lvl)
		}
	}
	return total, daily, crossed
}

func (d *Drawdown) Peak() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.peak
}
