// Package dualma implements a golden/death-cross strategy on two
// configurable simple moving averages, illustrating the Strategy
// interface with default exits only.
package dualma

import (
	"fmt"

	"github.com/ndrandal/kline-engine/internal/model"
	"github.com/ndrandal/kline-engine/internal/strategy"
)

// Strategy implements strategy.Strategy. The fast and slow periods
// select which precomputed MA field (MA5/MA10/MA20/MA60/MA120) of the
// indicator vector to compare; both must be one of those five values.
type Strategy struct {
	fastPeriod, slowPeriod int
}

// New constructs a dual-MA strategy. fastPeriod/slowPeriod default to
// 5/20 when zero.
func New(fastPeriod, slowPeriod int) *Strategy {
	if fastPeriod == 0 {
		fastPeriod = 5
	}
	if slowPeriod == 0 {
		slowPeriod = 20
	}
	return &Strategy{fastPeriod: fastPeriod, slowPeriod: slowPeriod}
}

// Name implements strategy.Strategy.
func (s *Strategy) Name() string { return "dualma" }

func maField(v model.IndicatorVector, period int) *float64 {
	switch period {
	case 5:
		return v.MA5
	case 10:
		return v.MA10
	case 20:
		return v.MA20
	case 60:
		return v.MA60
	case 120:
		return v.MA120
	default:
		return nil
	}
}

// CheckEntry implements strategy.Strategy: a golden cross (fast MA
// crosses above slow MA) opens long, a death cross opens short.
func (s *Strategy) CheckEntry(symbol string, bar model.Bar, cur, prev model.IndicatorVector) (model.Signal, bool) {
	fastCur, slowCur := maField(cur, s.fastPeriod), maField(cur, s.slowPeriod)
	fastPrev, slowPrev := maField(prev, s.fastPeriod), maField(prev, s.slowPeriod)
	if fastCur == nil || slowCur == nil || fastPrev == nil || slowPrev == nil {
		return model.Signal{}, false
	}

	base := model.Signal{
		StrategyName: s.Name(),
		Symbol:       symbol,
		Timestamp:    bar.Timestamp,
		Price:        bar.Close,
		Action:       model.ActionOpen,
		Confidence:   strategy.DefaultConfidence(cur),
	}

	if *fastPrev <= *slowPrev && *fastCur > *slowCur {
		base.SignalType = model.SignalOpenLong
		base.Side = model.SideLong
		base.Reason = fmt.Sprintf("golden cross: MA%d(%.2f) crossed above MA%d(%.2f)", s.fastPeriod, *fastCur, s.slowPeriod, *slowCur)
		sl := strategy.DefaultStopLossATR(bar, cur.ATR14, true)
		tp := strategy.DefaultTakeProfitATR(bar, cur.ATR14, true)
		base.StopLoss, base.TakeProfit = &sl, &tp
		return base, true
	}

	if *fastPrev >= *slowPrev && *fastCur < *slowCur {
		base.SignalType = model.SignalOpenShort
		base.Side = model.SideShort
		base.Reason = fmt.Sprintf("death cross: MA%d(%.2f) crossed below MA%d(%.2f)", s.fastPeriod, *fastCur, s.slowPeriod, *slowCur)
		sl := strategy.DefaultStopLossATR(bar, cur.ATR14, false)
		tp := strategy.DefaultTakeProfitATR(bar, cur.ATR14, false)
		base.StopLoss, base.TakeProfit = &sl, &tp
		return base, true
	}

	return model.Signal{}, false
}

// CheckExit implements strategy.Strategy. Dual-MA has no exit signal
// beyond the Runtime's default stop-loss/take-profit/trailing-stop
// handling, so it never fires on its own.
func (s *Strategy) CheckExit(symbol string, bar model.Bar, cur model.IndicatorVector, pos model.Position) (model.Signal, bool) {
	return model.Signal{}, false
}
