package indicator

import (
	"log"
	"math"

	"github.com/ndrandal/kline-engine/internal/model"
)

// CalculatorSet bundles one instance of every indicator calculator for
// a single (symbol,timeframe,market_type) series. Update is O(1)
// regardless of how much history has already been processed.
type CalculatorSet struct {
	ma5, ma10, ma20, ma60, ma120 *SMA
	ema12, ema26                 *EMA
	rsi14                        *RSI
	macd                         *MACD
	bbands                       *Bollinger
	atr14                        *ATR
	volumeMA5                    *SMA

	UpdateCount int
}

// NewCalculatorSet creates a CalculatorSet with the standard periods
// used throughout the pipeline (5/10/20/60/120 SMA, 12/26 EMA, 14 RSI,
// 12/26/9 MACD, 20/2.0 Bollinger, 14 ATR, 5-period volume SMA).
func NewCalculatorSet() *CalculatorSet {
	return &CalculatorSet{
		ma5:       NewSMA(5),
		ma10:      NewSMA(10),
		ma20:      NewSMA(20),
		ma60:      NewSMA(60),
		ma120:     NewSMA(120),
		ema12:     NewEMA(12),
		ema26:     NewEMA(26),
		rsi14:     NewRSI(14),
		macd:      NewMACD(12, 26, 9),
		bbands:    NewBollinger(20, 2.0),
		atr14:     NewATR(14),
		volumeMA5: NewSMA(5),
	}
}

func ptr(v float64, ok bool) *float64 {
	if !ok {
		return nil
	}
	return &v
}

// Update feeds one bar through every calculator and returns the
// resulting indicator vector. Fields remain nil until their calculator
// warms up.
func (c *CalculatorSet) Update(bar model.Bar) model.IndicatorVector {
	c.UpdateCount++

	ma5, ok5 := c.ma5.Update(bar.Close)
	ma10, ok10 := c.ma10.Update(bar.Close)
	ma20, ok20 := c.ma20.Update(bar.Close)
	ma60, ok60 := c.ma60.Update(bar.Close)
	ma120, ok120 := c.ma120.Update(bar.Close)

	ema12 := c.ema12.Update(bar.Close)
	ema26 := c.ema26.Update(bar.Close)

	rsi14, rsiOK := c.rsi14.Update(bar.Close)

	macdLine, macdSignal, macdHist := c.macd.Update(bar.Close)
	macdOK := c.macd.Ready()

	bbUpper, bbMiddle, bbLower, bbOK := c.bbands.Update(bar.Close)

	atr14, atrOK := c.atr14.Update(bar.High, bar.Low, bar.Close)

	volMA5, volOK := c.volumeMA5.Update(bar.Volume)

	v := model.IndicatorVector{
		Symbol:     bar.Symbol,
		Timeframe:  bar.Timeframe,
		Timestamp:  bar.Timestamp,
		MarketType: bar.MarketType,

		MA5:   ptr(ma5, ok5),
		MA10:  ptr(ma10, ok10),
		MA20:  ptr(ma20, ok20),
		MA60:  ptr(ma60, ok60),
		MA120: ptr(ma120, ok120),

		EMA12: ptr(ema12, c.ema12.Ready()),
		EMA26: ptr(ema26, c.ema26.Ready()),

		RSI14: ptr(rsi14, rsiOK),

		MACDLine:      ptr(macdLine, macdOK),
		MACDSignal:    ptr(macdSignal, macdOK),
		MACDHistogram: ptr(macdHist, macdOK),

		BBUpper:  ptr(bbUpper, bbOK),
		BBMiddle: ptr(bbMiddle, bbOK),
		BBLower:  ptr(bbLower, bbOK),

		ATR14:     ptr(atr14, atrOK),
		VolumeMA5: ptr(volMA5, volOK),
	}
	return validate(v)
}

// validate coerces implausible calculator outputs to null with a
// warning rather than letting a runaway value (e.g. a negative ATR
// from a malformed bar, or an RSI computed outside [0,100] from a
// division edge case) propagate into strategy decisions. Grounded on
// `original_source/backend/app/indicators/calculators.py`'s bounds
// comments for RSI/ATR, generalized into an explicit emission check.
func validate(v model.IndicatorVector) model.IndicatorVector {
	v.RSI14 = validRange("RSI14", v.RSI14, 0, 100)
	v.ATR14 = validMin("ATR14", v.ATR14, 0)

	v.MA5 = validPositive("MA5", v.MA5)
	v.MA10 = validPositive("MA10", v.MA10)
	v.MA20 = validPositive("MA20", v.MA20)
	v.MA60 = validPositive("MA60", v.MA60)
	v.MA120 = validPositive("MA120", v.MA120)
	v.EMA12 = validPositive("EMA12", v.EMA12)
	v.EMA26 = validPositive("EMA26", v.EMA26)
	v.VolumeMA5 = validPositive("VolumeMA5", v.VolumeMA5)

	v.BBUpper = validFinite("BBUpper", v.BBUpper)
	v.BBMiddle = validFinite("BBMiddle", v.BBMiddle)
	v.BBLower = validFinite("BBLower", v.BBLower)
	if v.BBUpper != nil && v.BBLower != nil && *v.BBUpper < *v.BBLower {
		log.Printf("indicator: Bollinger bands inverted (upper %.6f < lower %.6f) for %s/%s, coercing to null",
			*v.BBUpper, *v.BBLower, v.Symbol, v.Timeframe)
		v.BBUpper, v.BBMiddle, v.BBLower = nil, nil, nil
	}

	return v
}

func validRange(name string, p *float64, lo, hi float64) *float64 {
	if p == nil {
		return nil
	}
	if *p < lo || *p > hi {
		log.Printf("indicator: %s out of range [%.1f,%.1f]: %.6f, coercing to null", name, lo, hi, *p)
		return nil
	}
	return p
}

func validMin(name string, p *float64, min float64) *float64 {
	if p == nil {
		return nil
	}
	if *p < min {
		log.Printf("indicator: %s below minimum %.1f: %.6f, coercing to null", name, min, *p)
		return nil
	}
	return p
}

func validPositive(name string, p *float64) *float64 {
	if p == nil {
		return nil
	}
	if *p <= 0 || math.IsNaN(*p) || math.IsInf(*p, 0) {
		log.Printf("indicator: %s non-positive or non-finite: %.6f, coercing to null", name, *p)
		return nil
	}
	return p
}

func validFinite(name string, p *float64) *float64 {
	if p == nil {
		return nil
	}
	if math.IsNaN(*p) || math.IsInf(*p, 0) {
		log.Printf("indicator: %s not finite, coercing to null", name)
		return nil
	}
	return p
}

// Status reports per-calculator readiness, grounded on the original's
// get_status debug helper.
type Status struct {
	UpdateCount int
	MA5Ready    bool
	MA120Ready  bool
	EMA12Ready  bool
	RSI14Ready  bool
	MACDReady   bool
	BBandsReady bool
	ATR14Ready  bool
}

// Status returns the current readiness of every calculator.
func (c *CalculatorSet) Status() Status {
	return Status{
		UpdateCount: c.UpdateCount,
		MA5Ready:    c.ma5.Ready(),
		MA120Ready:  c.ma120.Ready(),
		EMA12Ready:  c.ema12.Ready(),
		RSI14Ready:  c.rsi14.Ready(),
		MACDReady:   c.macd.Ready(),
		BBandsReady: c.bbands.Ready(),
		ATR14Ready:  c.atr14.Ready(),
	}
}

// Reset clears every calculator back to its initial state.
func (c *CalculatorSet) Reset() {
	c.ma5.Reset()
	c.ma10.Reset()
	c.ma20.Reset()
	c.ma60.Reset()
	c.ma120.Reset()
	c.ema12.Reset()
	c.ema26.Reset()
	c.rsi14.Reset()
	c.macd.Reset()
	c.bbands.Reset()
	c.atr14.Reset()
	c.volumeMA5.Reset()
	c.UpdateCount = 0
}
