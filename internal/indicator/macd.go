package indicator

// MACD computes the moving average convergence/divergence line, its
// signal line, and the resulting histogram from two EMAs of price plus
// an EMA of their difference.
type MACD struct {
	fast   *EMA
	slow   *EMA
	signal *EMA
}

// NewMACD creates a MACD calculator with the given fast/slow/signal
// periods (conventionally 12/26/9).
func NewMACD(fastPeriod, slowPeriod, signalPeriod int) *MACD {
	return &MACD{
		fast:   NewEMA(fastPeriod),
		slow:   NewEMA(slowPeriod),
		signal: NewEMA(signalPeriod),
	}
}

// Update feeds a new price and returns (line, signal, histogram).
func (m *MACD) Update(price float64) (line, signal, histogram float64) {
	fast := m.fast.Update(price)
	slow := m.slow.Update(price)
	line = fast - slow
	signal = m.signal.Update(line)
	histogram = line - signal
	return line, signal, histogram
}

// Ready reports whether the fast EMA has seen at least one sample —
// matching the original's definition (MACD is "ready" as soon as the
// component EMAs are, even before the signal EMA has converged).
func (m *MACD) Ready() bool { return m.fast.Ready() }

// Reset clears all three component EMAs.
func (m *MACD) Reset() {
	m.fast.Reset()
	m.slow.Reset()
	m.signal.Reset()
}
