package risk

import (
	"math"
	"sync"
)

type KellyConfig struct {
	MinTrades       int
	HistorySize     int
	Conservative    float64
	MaxFraction     float64
	MinFraction     float64
	DefaultFraction float64
}

func (c *KellyConfig) withDefaults() {
	if c.MinTrades <= 0 {
		c.MinTrades = 10
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.Conservative <= 0 {
		c.Conservative = 0.5
	}
	if c.MaxFraction <= 0 {
		c.MaxFraction = 0.25
	}
	if c.MinFraction <= 0 {
		c.MinFraction = 0.01
	}
	if c.DefaultFraction <= 0 {
		c.DefaultFraction = 0.05
	}
}

// KellyCalculation 单个 symbol 的 Kelly 计算结果
type KellyCalculation struct {
	Symbol          string
	KellyFraction   float64
	RawFraction     float64
	WinRate         float64
	AvgWin          float64
	AvgLoss         float64
	ProfitFactor    float64
	SampleSize      int
	RecommendedSize float64
	Default         bool // 样本不足，使用默认比例
	Clamped         bool
}

// Kelly 按 symbol 保存最近的平仓收益率
type Kelly struct {
	mu      sync.Mutex
	cfg     KellyConfig
	history map[string][]float64
}

func NewKelly(cfg KellyConfig) *Kelly {
	cfg.withDefaults()
	return &Kelly{cfg: cfg, history: make(map[string][]float64)}
}

// Record 追加一笔收益率（0.02 表示 +2%），超出窗口丢弃最旧的
func (k *Kelly) Record(symbol string, pnlPct float64) {
	k.mu.Lock()
	defer k.mu.Unlock()
	h := append(k.history[symbol], pnlPct)
	if len(h) > k.cfg.HistorySize {
		h = h[len(h)-k.cfg.HistorySize:]
	}
	k.history[symbol] = h
}

func (k *Kelly) Samples(symbol string) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.history[symbol])
}

// Calculate f = (b·p − q)/b，再经样本量、回撤、波动、盈亏比修正，乘保守系数并限幅
func (k *Kelly) Calculate(symbol string, balance float64) KellyCalculation {
	k.mu.Lock()
	returns := append([]float64(nil), k.history[symbol]...)
	k.mu.Unlock()

	calc := KellyCalculation{Symbol: symbol, SampleSize: len(returns)}

	var wins, losses []float64
	for _, r := range returns {
		switch {
		case r > 0:
			wins = append(wins, r)
		case r < 0:
			losses = append(losses, -r)
		}
	}
	if len(returns) < k.cfg.MinTrades || len(wins) == 0 || len(losses) == 0 {
		calc.Default = true
		calc.KellyFraction = k.cfg.DefaultFraction
		calc.RawFraction = k.cfg.DefaultFraction
		calc.RecommendedSize = balance * calc.KellyFraction
		return calc
	}

	calc.WinRate = float64(len(wins)) / float64(len(returns))
	calc.AvgWin = mean(wins)
	calc.AvgLoss = mean(losses)
	calc.ProfitFactor = (calc.AvgWin * float64(len(wins))) / (calc.AvgLoss * float64(len(losses)))

	b := calc.AvgWin / calc.AvgLoss
	p := calc.WinRate
	raw := (b*p - (1 - p)) / b
	calc.RawFraction = raw

	f := raw
	if n := len(returns); n < 50 {
		f *= float64(n) / 50
	}
	if dd := maxDrawdown(returns); dd > 0.2 {
		f *= 0.2 / dd
	}
	if s := sharpe(returns); s < 1 {
		f *= math.Max(0.5, s)
	}
	if calc.ProfitFactor < 1.2 {
		f *= math.Max(0.5, calc.ProfitFactor/1.2)
	}
	f *= k.cfg.Conservative

	switch {
	case f > k.cfg.MaxFraction:
		f, calc.Clamped = k.cfg.MaxFraction, true
	case f < k.cfg.MinFraction:
		f, calc.Clamped = k.cfg.MinFraction, true
	}

	calc.KellyFraction = f
	calc.RecommendedSize = balance * f
	return calc
}

func mean(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	var s float64
	for _, x := range v {
		s += x
	}
	return s / float64(len(v))
}

// maxDrawdown 按收益序列复利构造净值曲线
func maxDrawdown(returns []float64) float64 {
	equity, peak, worst := 1.0, 1.0, 0.0
	for _, r := range returns {
		equity *= 1 + r
		if equity > peak {
			peak = equity
		}
		if dd := (peak - equity) / peak; dd > worst {
			worst = dd
		}
	}
	return worst
}

// sharpe 单笔收益均值 / 标准差，标准差为 0 时视为不惩罚
func sharpe(returns []float64) float64 {
	if len(returns) < 2 {
		return 1
	}
	m := mean(returns)
	var ss float64
	for _, r := range returns {
		ss += (r - m) * (r - m)
	}
	std := math.Sqrt(ss / float64(len(returns)-1))
	if std == 0 {
		return 1
	}
	return m / std
}
