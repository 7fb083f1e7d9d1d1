package tradingengine

import (
	"math"

	"github.com/ndrandal/kline-engine/internal/model"
)

// SizingContext carries everything a SizingStrategy needs to turn a
// signal into a target USDT position value.
type SizingContext struct {
	Balance   float64
	Bar       model.Bar
	Signal    model.Signal
	Indicator model.IndicatorVector
}

// SizingStrategy computes the target USDT notional for a new position,
// before the PositionManager's exposure caps are applied. Grounded on
// the five strategies named in spec.md's position-sizing section,
// each kept as a distinct type the way the originating system's YAML
// presets select one strategy per configuration.
type SizingStrategy interface {
	Size(ctx SizingContext) float64
}

// FixedAmount always targets a constant USDT notional.
type FixedAmount struct {
	Amount float64
}

func (f FixedAmount) Size(ctx SizingContext) float64 { return f.Amount }

// FixedPercentage targets a constant fraction of the current balance.
type FixedPercentage struct {
	Pct float64
}

func (f FixedPercentage) Size(ctx SizingContext) float64 { return ctx.Balance * f.Pct }

// RiskBased sizes so that a stop-loss hit loses exactly RiskPct of
// balance: amount = risk_amount / stop_distance_fraction. Requires the
// signal to carry a stop-loss; returns 0 otherwise (caller should fall
// back or reject).
type RiskBased struct {
	RiskPct float64
}

func (r RiskBased) Size(ctx SizingContext) float64 {
	if ctx.Signal.StopLoss == nil || ctx.Signal.Price == 0 {
		return 0
	}
	stopDistance := math.Abs(ctx.Signal.Price-*ctx.Signal.StopLoss) / ctx.Signal.Price
	if stopDistance <= 0 {
		return 0
	}
	riskAmount := ctx.Balance * r.RiskPct
	return riskAmount / stopDistance
}

// HalfKelly sizes at half the Kelly-optimal fraction, clamped to
// [1%, 25%] of balance the way a half-Kelly position sizer
// conventionally guards against the full formula's large swings.
type HalfKelly struct {
	WinRate      float64
	WinLossRatio float64
}

const (
	kellyMinFraction = 0.01
	kellyMaxFraction = 0.25
)

func (k HalfKelly) Size(ctx SizingContext) float64 {
	if k.WinLossRatio <= 0 {
		return 0
	}
	kelly := k.WinRate - (1-k.WinRate)/k.WinLossRatio
	half := kelly / 2
	switch {
	case half < kellyMinFraction:
		half = kellyMinFraction
	case half > kellyMaxFraction:
		half = kellyMaxFraction
	}
	return ctx.Balance * half
}

// VolatilityAdjusted scales a base risk fraction down as ATR% of price
// rises above TargetATRPct, so sizing shrinks automatically in choppy
// markets without needing a separate regime filter.
type VolatilityAdjusted struct {
	BaseRiskPct  float64
	TargetATRPct float64
}

func (v VolatilityAdjusted) Size(ctx SizingContext) float64 {
	base := ctx.Balance * v.BaseRiskPct
	if ctx.Indicator.ATR14 == nil || ctx.Bar.Close == 0 || v.TargetATRPct <= 0 {
		return base
	}
	atrPct := *ctx.Indicator.ATR14 / ctx.Bar.Close
	if atrPct <= 0 {
		return base
	}
	scale := v.TargetATRPct / atrPct
	if scale > 1 {
		scale = 1
	}
	return base * scale
}
