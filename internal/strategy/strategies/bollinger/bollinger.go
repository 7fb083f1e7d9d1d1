// Package bollinger implements a mean-reversion strategy on Bollinger
// Bands: a lower-band bounce opens long, an upper-band pullback opens
// short, and the position closes early once price reaches the middle
// band in addition to the default stop-loss/take-profit exits.
package bollinger

import (
	"fmt"

	"github.com/ndrandal/kline-engine/internal/model"
	"github.com/ndrandal/kline-engine/internal/strategy"
)

// Strategy implements strategy.Strategy.
type Strategy struct {
	// TouchThreshold is the fraction of the band price within which the
	// previous price counts as "near" that band, default 0.5%. The
	// previous price is the previous indicator vector's MA20.
	TouchThreshold float64
}

// New constructs a Bollinger strategy. touchThreshold defaults to 0.005
// (0.5%) when zero.
func New(touchThreshold float64) *Strategy {
	if touchThreshold == 0 {
		touchThreshold = 0.005
	}
	return &Strategy{TouchThreshold: touchThreshold}
}

// Name implements strategy.Strategy.
func (s *Strategy) Name() string { return "bollinger" }

// CheckEntry implements strategy.Strategy: a bounce off the lower band
// opens long, a pullback off the upper band opens short.
func (s *Strategy) CheckEntry(symbol string, bar model.Bar, cur, prev model.IndicatorVector) (model.Signal, bool) {
	if cur.BBUpper == nil || cur.BBMiddle == nil || cur.BBLower == nil || prev.BBLower == nil || prev.BBUpper == nil {
		return model.Signal{}, false
	}
	if prev.MA20 == nil {
		return model.Signal{}, false
	}

	priceCurrent := bar.Close
	pricePrev := *prev.MA20
	bbUpper, bbMiddle, bbLower := *cur.BBUpper, *cur.BBMiddle, *cur.BBLower

	lowerTouch := bbLower * (1 + s.TouchThreshold)
	upperTouch := bbUpper * (1 - s.TouchThreshold)

	base := model.Signal{
		StrategyName: s.Name(),
		Symbol:       symbol,
		Timestamp:    bar.Timestamp,
		Price:        bar.Close,
		Action:       model.ActionOpen,
	}

	prevNearLower := pricePrev <= lowerTouch
	currentAboveLower := priceCurrent > bbLower
	if prevNearLower && currentAboveLower {
		bounceStrength := (priceCurrent - bbLower) / bbLower * 100
		bbWidth := (bbUpper - bbLower) / bbMiddle * 100
		confidence := bollingerConfidence(cur)
		if bounceStrength > 1.0 {
			confidence = min1(confidence + 0.15)
		}

		base.SignalType = model.SignalOpenLong
		base.Side = model.SideLong
		base.Confidence = confidence
		base.Reason = fmt.Sprintf("lower band bounce: price(%.2f) bounced from lower band(%.2f), bounce strength: +%.2f%%, BB width: %.2f%%",
			priceCurrent, bbLower, bounceStrength, bbWidth)
		sl := strategy.DefaultStopLossATR(bar, cur.ATR14, true)
		tp := strategy.DefaultTakeProfitATR(bar, cur.ATR14, true)
		base.StopLoss, base.TakeProfit = &sl, &tp
		return base, true
	}

	prevNearUpper := pricePrev >= upperTouch
	currentBelowUpper := priceCurrent < bbUpper
	if prevNearUpper && currentBelowUpper {
		pullbackStrength := (bbUpper - priceCurrent) / bbUpper * 100
		bbWidth := (bbUpper - bbLower) / bbMiddle * 100
		confidence := bollingerConfidence(cur)
		if pullbackStrength > 1.0 {
			confidence = min1(confidence + 0.15)
		}

		base.SignalType = model.SignalOpenShort
		base.Side = model.SideShort
		base.Confidence = confidence
		base.Reason = fmt.Sprintf("upper band pullback: price(%.2f) pulled back from upper band(%.2f), pullback strength: -%.2f%%, BB width: %.2f%%",
			priceCurrent, bbUpper, pullbackStrength, bbWidth)
		sl := strategy.DefaultStopLossATR(bar, cur.ATR14, false)
		tp := strategy.DefaultTakeProfitATR(bar, cur.ATR14, false)
		base.StopLoss, base.TakeProfit = &sl, &tp
		return base, true
	}

	return model.Signal{}, false
}

// CheckExit implements strategy.Strategy: closes early once price
// reaches the middle band (mean reversion complete). The Runtime's
// default stop-loss/take-profit/trailing-stop handling covers the rest.
func (s *Strategy) CheckExit(symbol string, bar model.Bar, cur model.IndicatorVector, pos model.Position) (model.Signal, bool) {
	if cur.BBMiddle == nil {
		return model.Signal{}, false
	}
	middle := *cur.BBMiddle
	switch pos.Side {
	case model.SideLong:
		if bar.Close >= middle {
			return closeSignal(s.Name(), symbol, bar, model.SignalCloseLong, model.SideLong,
				fmt.Sprintf("price(%.2f) reached middle band(%.2f)", bar.Close, middle)), true
		}
	case model.SideShort:
		if bar.Close <= middle {
			return closeSignal(s.Name(), symbol, bar, model.SignalCloseShort, model.SideShort,
				fmt.Sprintf("price(%.2f) reached middle band(%.2f)", bar.Close, middle)), true
		}
	}
	return model.Signal{}, false
}

// bollingerConfidence weighs RSI extremes, volume confirmation, and
// band width (volatility), grounded on the originating strategy's own
// confidence function rather than the generic DefaultConfidence.
func bollingerConfidence(v model.IndicatorVector) float64 {
	confidence := 0.5
	if v.RSI14 != nil {
		r := *v.RSI14
		switch {
		case r < 35, r > 65:
			confidence += 0.15
		case r >= 40 && r <= 60:
			confidence += 0.1
		}
	}
	if v.VolumeMA5 != nil {
		confidence += 0.1
	}
	if v.BBUpper != nil && v.BBLower != nil && v.BBMiddle != nil {
		bbWidth := (*v.BBUpper - *v.BBLower) / *v.BBMiddle
		if bbWidth > 0.05 {
			confidence += 0.1
		}
	}
	return min1(confidence)
}

func min1(v float64) float64 {
	if v > 1.0 {
		return 1.0
	}
	return v
}

func closeSignal(strategyName, symbol string, bar model.Bar, t model.SignalType, side model.Side, reason string) model.Signal {
	return model.Signal{
		StrategyName: strategyName,
		Symbol:       symbol,
		Timestamp:    bar.Timestamp,
		SignalType:   t,
		Side:         side,
		Action:       model.ActionClose,
		Price:        bar.Close,
		Reason:       reason,
		Confidence:   1.0,
	}
}
