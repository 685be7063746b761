package copier

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/a1g0-creator/ct-bot-sub000/internal/exchange"
)

var ErrInvalidFilter = errors.New("copier: instrument filter has no qty step")

// FormatQuantity 开仓/加仓数量格式化：
// 低于有效最小值（MinQty 与 ceil(minNotional/price/step)*step 取大）时抬到最小值，
// 否则向下取整到 step，结果不会低于 MinQty，也不超过 MaxQty。
func FormatQuantity(qty, price float64, f exchange.InstrumentFilter) (string, error) {
	if f.QtyStep <= 0 {
		return "", ErrInvalidFilter
	}
	step := decimal.NewFromFloat(f.QtyStep)
	q := decimal.NewFromFloat(qty)
	minQty := decimal.NewFromFloat(f.MinQty)

	effMin := minQty
	if price > 0 && f.MinNotional > 0 {
		need := decimal.NewFromFloat(f.MinNotional).
			Div(decimal.NewFromFloat(price)).
			Div(step).
			Ceil().
			Mul(step)
		if need.GreaterThan(effMin) {
			effMin = need
		}
	}

	var out decimal.Decimal
	if q.LessThan(effMin) {
		out = effMin
	} else {
		out = q.Div(step).Floor().Mul(step)
		if out.LessThan(minQty) {
			out = minQty
		}
	}

	if f.MaxQty > 0 {
		maxQty := decimal.NewFromFloat(f.MaxQty)
		if out.GreaterThan(maxQty) {
			out = maxQty.Div(step).Floor().Mul(step)
		}
	}
	return out.String(), nil
}

// FloorQuantity 减仓数量只向下取整，不做最小值抬升
func FloorQuantity(qty float64, f exchange.InstrumentFilter) (string, error) {
	if f.QtyStep <= 0 {
		return "", ErrInvalidFilter
	}
	step := decimal.NewFromFloat(f.QtyStep)
	return decimal.NewFromFloat(qty).Div(step).Floor().Mul(step).String(), nil
}
