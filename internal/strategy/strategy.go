// Package strategy implements the strategy runtime: a position-aware
// state machine that feeds bar and indicator updates through a
// registered Strategy's entry/exit checks and a shared confirmation
// pipeline, emitting Signals.
package strategy

import "github.com/ndrandal/kline-engine/internal/model"

// Strategy is the contract every concrete strategy implements. It
// replaces the originating system's template-method base class with a
// plain interface the Runtime drives, per the redesign noted for
// inheritance-heavy strategy bases.
type Strategy interface {
	// Name identifies the strategy for signal attribution and subject
	// naming (sig.<name>.<symbol>).
	Name() string

	// CheckEntry inspects the current and previous indicator vectors
	// for a new position and returns a Signal, or ok=false if no entry
	// condition is met.
	CheckEntry(symbol string, bar model.Bar, cur, prev model.IndicatorVector) (model.Signal, bool)

	// CheckExit inspects an existing position against the current bar
	// and indicators and returns a close Signal, or ok=false to hold.
	CheckExit(symbol string, bar model.Bar, cur model.IndicatorVector, pos model.Position) (model.Signal, bool)
}

// Confirm is an optional filter a strategy may satisfy in addition to
// Strategy; if present, the Runtime only acts on a signal once Confirm
// approves it. Strategies that don't need confirmation simply don't
// implement it.
type Confirmer interface {
	Confirm(symbol string, bar model.Bar, cur model.IndicatorVector, sig model.Signal) bool
}

// DefaultConfidence computes a baseline confidence score from RSI
// proximity to 50, MACD histogram sign, and volume confirmation,
// grounded on the originating system's default confidence heuristic.
// Concrete strategies may call this or provide their own.
func DefaultConfidence(v model.IndicatorVector) float64 {
	confidence := 0.5
	if v.RSI14 != nil {
		r := *v.RSI14
		switch {
		case r >= 40 && r <= 60:
			confidence += 0.2
		case r >= 30 && r <= 70:
			confidence += 0.1
		}
	}
	if v.MACDHistogram != nil && *v.MACDHistogram > 0 {
		confidence += 0.1
	}
	if v.VolumeMA5 != nil {
		confidence += 0.1
	}
	if confidence > 1.0 {
		confidence = 1.0
	}
	return confidence
}

// DefaultStopLoss returns a 3% stop-loss off the bar's close, the
// fallback used when ATR is unknown.
func DefaultStopLoss(bar model.Bar, long bool) float64 {
	if long {
		return bar.Close * 0.97
	}
	return bar.Close * 1.03
}

// DefaultTakeProfit returns a 6% take-profit off the bar's close, the
// fallback used when ATR is unknown (a 2:1 reward/risk ratio against
// DefaultStopLoss).
func DefaultTakeProfit(bar model.Bar, long bool) float64 {
	if long {
		return bar.Close * 1.06
	}
	return bar.Close * 0.94
}

// DefaultStopLossATR returns entry ∓ 2·ATR, falling back to the flat 3%
// DefaultStopLoss when atr is unknown.
func DefaultStopLossATR(bar model.Bar, atr *float64, long bool) float64 {
	if atr == nil {
		return DefaultStopLoss(bar, long)
	}
	if long {
		return bar.Close - 2*(*atr)
	}
	return bar.Close + 2*(*atr)
}

// DefaultTakeProfitATR returns entry ± 3·ATR, falling back to the flat
// 6% DefaultTakeProfit when atr is unknown.
func DefaultTakeProfitATR(bar model.Bar, atr *float64, long bool) float64 {
	if atr == nil {
		return DefaultTakeProfit(bar, long)
	}
	if long {
		return bar.Close + 3*(*atr)
	}
	return bar.Close - 3*(*atr)
}

// TrailingStopPct is the default fraction used for the base trailing
// stop evaluated before any strategy-specific exit.
const TrailingStopPct = 0.05

// PassesBaseConfirmation applies the mandatory base confirmation
// filters every entry candidate must clear regardless of strategy:
// confidence, volume participation relative to its 5-bar average, and
// volatility relative to price.
func PassesBaseConfirmation(cur model.IndicatorVector, bar model.Bar, sig model.Signal) bool {
	if sig.Confidence < 0.5 {
		return false
	}
	if cur.VolumeMA5 == nil || *cur.VolumeMA5 == 0 || bar.Volume/(*cur.VolumeMA5) < 0.5 {
		return false
	}
	if cur.ATR14 == nil || cur.MA20 == nil || *cur.MA20 == 0 || *cur.ATR14/(*cur.MA20) > 0.05 {
		return false
	}
	return true
}
