package indicator

import "math"

// ATR computes the average true range: an EMA of the true range, where
// true range accounts for gaps against the previous close.
type ATR struct {
	hasPrevClose bool
	prevClose    float64
	ema          *EMA
}

// NewATR creates an ATR calculator over the given period (typically 14).
func NewATR(period int) *ATR {
	return &ATR{ema: NewEMA(period)}
}

// Update feeds a new bar's high/low/close and returns the current ATR
// and true. The first call has no prior close, so its true range (and
// ATR) is simply high-low.
func (a *ATR) Update(high, low, close float64) (float64, bool) {
	var tr float64
	if !a.hasPrevClose {
		tr = high - low
	} else {
		tr = math.Max(high-low, math.Max(math.Abs(high-a.prevClose), math.Abs(low-a.prevClose)))
	}

	atr := a.ema.Update(tr)
	a.hasPrevClose = true
	a.prevClose = close
	return atr, true
}

// Ready reports whether at least one bar has been processed.
func (a *ATR) Ready() bool { return a.hasPrevClose }

// Reset clears the calculator.
func (a *ATR) Reset() {
	a.hasPrevClose = false
	a.prevClose = 0
	a.ema.Reset()
}
