package positions

import (
	"fmt"
	"math"
)

// DefaultLiquidationBuffer widens the liquidation band beyond 1/leverage.
const DefaultLiquidationBuffer = 0.02

// Trigger is the automatic action a price warrants for a position.
type Trigger int

const (
	TriggerNone Trigger = iota
	TriggerLiquidation
	TriggerStopLoss
	TriggerTakeProfit
)

func (t Trigger) String() string {
	switch t {
	case TriggerLiquidation:
		return "liquidation"
	case TriggerStopLoss:
		return "stop_loss"
	case TriggerTakeProfit:
		return "take_profit"
	default:
		return "none"
	}
}

// LiquidationPrice is entry*(1-1/L-buffer) for longs and entry*(1+1/L+buffer)
// for shorts. Higher leverage always moves it closer to entry.
func LiquidationPrice(entry float64, leverage int, side Side, buffer float64) (float64, error) {
	if leverage <= 0 {
		return 0, invalid("leverage", "must be positive")
	}
	if !(entry > 0) || math.IsInf(entry, 0) {
		return 0, invalid("entry_price", "must be positive")
	}
	inv := 1 / float64(leverage)
	switch side {
	case SideLong:
		return entry * (1 - inv - buffer), nil
	case SideShort:
		return entry * (1 + inv + buffer), nil
	default:
		return 0, invalid("side", fmt.Sprintf("unknown side %q", side))
	}
}

// UnrealizedPnL is ((price-entry)/entry) * direction * size * leverage.
func UnrealizedPnL(p Position, price float64) float64 {
	return (price - p.EntryPrice) / p.EntryPrice * p.Side.Direction() * p.Size * float64(p.Leverage)
}

// PnLPercent is the return on margin in percent.
func PnLPercent(p Position, price float64) float64 {
	return (price - p.EntryPrice) / p.EntryPrice * 100 * p.Side.Direction() * float64(p.Leverage)
}

func ShouldLiquidate(p Position, price float64) bool {
	if p.Side == SideLong {
		return price <= p.LiquidationPrice
	}
	return price >= p.LiquidationPrice
}

func ShouldTriggerStopLoss(p Position, price float64) bool {
	if p.StopLoss == nil {
		return false
	}
	if p.Side == SideLong {
		return price <= *p.StopLoss
	}
	return price >= *p.StopLoss
}

func ShouldTriggerTakeProfit(p Position, price float64) bool {
	if p.TakeProfit == nil {
		return false
	}
	if p.Side == SideLong {
		return price >= *p.TakeProfit
	}
	return price <= *p.TakeProfit
}

// Evaluate returns the single action for price, in priority order
// liquidation, stop-loss, take-profit.
func Evaluate(p Position, price float64) Trigger {
	if p.Status != StatusOpen {
		return TriggerNone
	}
	switch {
	case ShouldLiquidate(p, price):
		return TriggerLiquidation
	case ShouldTriggerStopLoss(p, price):
		return TriggerStopLoss
	case ShouldTriggerTakeProfit(p, price):
		return TriggerTakeProfit
	}
	return TriggerNone
}

// View enriches p with live figures at price.
func View(p *Position, price float64) PositionView {
	v := PositionView{Position: p, MarkPrice: price}
	if p.Status != StatusOpen || !(price > 0) {
		return v
	}
	v.UnrealizedPnL = UnrealizedPnL(*p, price)
	v.PnLPercent = PnLPercent(*p, price)
	v.AtRisk = ShouldLiquidate(*p, price)
	return v
}
