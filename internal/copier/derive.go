package copier

import (
	"math"

	"github.com/a1g0-creator/ct-bot-sub000/internal/exchange"
	"github.com/a1g0-creator/ct-bot-sub000/internal/mode"
	"github.com/a1g0-creator/ct-bot-sub000/internal/signal"
)

// 跳过原因
const (
	SkipNoChange   = "no_change"
	SkipBelowMin   = "below_min_qty"
	SkipInvalidIdx = "invalid_position_idx"
	SkipUnknown    = "unknown_mode"
)

// qtyEpsilon 浮点误差容忍
const qtyEpsilon = 1e-12

// OrderPlan 一次复制下单计划
type OrderPlan struct {
	Type        signal.Type
	Symbol      string
	Side        exchange.Side
	Qty         float64
	PositionIdx exchange.PositionIdx
	ReduceOnly  bool
	Reversal    bool
}

// Increases 是否增加敞口
func (p OrderPlan) Increases() bool {
	return !p.ReduceOnly
}

// Derive 计算让 target 跟上 donor 所需的单笔订单。
// donor 为已按比例缩放后的期望仓位，target 为当前实际仓位。
// HEDGE 按 positionIdx 独立处理每条腿；ONEWAY 按带符号净仓处理，反手为一笔非 reduceOnly 订单。
// 返回的 reason 非空表示无需下单。
func Derive(m mode.Mode, donor, target exchange.Position, minQty float64) (OrderPlan, string) {
	switch m {
	case mode.Hedge:
		return deriveHedge(donor, target, minQty)
	case mode.OneWay:
		return deriveOneWay(donor, target, minQty)
	}
	return OrderPlan{}, SkipUnknown
}

func deriveHedge(donor, target exchange.Position, minQty float64) (OrderPlan, string) {
	leg, ok := donor.PositionIdx.LegSide()
	if !ok {
		return OrderPlan{}, SkipInvalidIdx
	}
	plan := OrderPlan{Symbol: donor.Symbol, PositionIdx: donor.PositionIdx}

	d, t := donor.Size, target.Size
	if isZero(d) && isZero(t) {
		return OrderPlan{}, SkipNoChange
	}
	if isZero(d) {
		plan.Type, plan.Side, plan.Qty, plan.ReduceOnly = signal.TypeClose, leg.Opposite(), t, true
		return plan, ""
	}

	delta := d - t
	if isZero(delta) {
		return OrderPlan{}, SkipNoChange
	}
	if math.Abs(delta) < minQty {
		return OrderPlan{}, SkipBelowMin
	}

	switch {
	case isZero(t):
		plan.Type, plan.Side, plan.Qty = signal.TypeOpen, leg, d
	case delta > 0:
		plan.Type, plan.Side, plan.Qty = signal.TypeModify, leg, delta
	default:
		plan.Type, plan.Side, plan.Qty, plan.ReduceOnly = signal.TypeModify, leg.Opposite(), -delta, true
	}
	return plan, ""
}

func deriveOneWay(donor, target exchange.Position, minQty float64) (OrderPlan, string) {
	plan := OrderPlan{Symbol: donor.Symbol, PositionIdx: exchange.IdxOneWay}

	dn, tn := donor.Signed(), target.Signed()
	if isZero(dn) && isZero(tn) {
		return OrderPlan{}, SkipNoChange
	}
	if isZero(dn) {
		plan.Type, plan.Side, plan.Qty, plan.ReduceOnly = signal.TypeClose, sideOf(tn).Opposite(), math.Abs(tn), true
		return plan, ""
	}

	delta := dn - tn
	if isZero(delta) {
		return OrderPlan{}, SkipNoChange
	}
	if math.Abs(delta) < minQty {
		return OrderPlan{}, SkipBelowMin
	}

	plan.Side, plan.Qty = sideOf(delta), math.Abs(delta)
	switch {
	case isZero(tn):
		plan.Type = signal.TypeOpen
	case (dn > 0) == (tn > 0):
		plan.Type = signal.TypeModify
		plan.ReduceOnly = math.Abs(dn) < math.Abs(tn)
	default:
		plan.Type, plan.Reversal = signal.TypeModify, true
	}
	return plan, ""
}

func sideOf(v float64) exchange.Side {
	if v < 0 {
		return exchange.SideSell
	}
	return exchange.SideBuy
}

func isZero(v float64) bool {
	return math.Abs(v) < qtyEpsilon
}
