package tradingengine

import "math"

// annualizationFactor assumes one equity sample per trading day when
// converting a per-sample Sharpe ratio to an annualized one, matching
// the conventional sqrt(252) scaling.
const annualizationFactor = 252

// Metrics summarizes a completed back-test run: return, risk, and
// trade-level statistics computed from the equity curve and trade
// ledger a run produced.
type Metrics struct {
	TotalReturnPct float64 `json:"total_return_pct"`
	SharpeRatio    float64 `json:"sharpe_ratio"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`
	WinRate        float64 `json:"win_rate"`
	ProfitFactor   float64 `json:"profit_factor"`
	AvgWin         float64 `json:"avg_win"`
	AvgLoss        float64 `json:"avg_loss"`
	TotalTrades    int     `json:"total_trades"`
	WinningTrades  int     `json:"winning_trades"`
	LosingTrades   int     `json:"losing_trades"`
}

// ComputeMetrics derives Metrics from an equity curve (balance+open
// position value sampled on every bar, in chronological order) and the
// closed-trade ledger.
func ComputeMetrics(initialBalance float64, equityCurve []float64, trades []Trade) Metrics {
	m := Metrics{TotalTrades: len(trades)}

	if len(equityCurve) > 0 {
		final := equityCurve[len(equityCurve)-1]
		if initialBalance > 0 {
			m.TotalReturnPct = (final - initialBalance) / initialBalance * 100
		}
		m.MaxDrawdownPct = maxDrawdown(equityCurve) * 100
		m.SharpeRatio = sharpeRatio(periodReturns(equityCurve))
	}

	var grossWin, grossLoss float64
	for _, t := range trades {
		if t.PnL >= 0 {
			m.WinningTrades++
			grossWin += t.PnL
		} else {
			m.LosingTrades++
			grossLoss += -t.PnL
		}
	}
	if m.TotalTrades > 0 {
		m.WinRate = float64(m.WinningTrades) / float64(m.TotalTrades)
	}
	if m.WinningTrades > 0 {
		m.AvgWin = grossWin / float64(m.WinningTrades)
	}
	if m.LosingTrades > 0 {
		m.AvgLoss = grossLoss / float64(m.LosingTrades)
	}
	if grossLoss > 0 {
		m.ProfitFactor = grossWin / grossLoss
	} else if grossWin > 0 {
		m.ProfitFactor = math.Inf(1)
	}

	return m
}

// periodReturns converts an equity curve into fractional period-over-
// period returns.
func periodReturns(equity []float64) []float64 {
	if len(equity) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		if equity[i-1] == 0 {
			continue
		}
		returns = append(returns, (equity[i]-equity[i-1])/equity[i-1])
	}
	return returns
}

// sharpeRatio is mean(returns)/stddev(returns), annualized by
// sqrt(annualizationFactor). Returns 0 when there aren't at least two
// return samples or the sample has no variance.
func sharpeRatio(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	mu := mean(returns)
	sd := math.Sqrt(variance(returns, mu))
	if sd == 0 {
		return 0
	}
	return mu / sd * math.Sqrt(annualizationFactor)
}

// maxDrawdown returns the largest peak-to-trough fractional decline
// observed along the equity curve, as a positive fraction (0.2 == 20%).
func maxDrawdown(equity []float64) float64 {
	if len(equity) == 0 {
		return 0
	}
	peak := equity[0]
	var worst float64
	for _, v := range equity {
		if v > peak {
			peak = v
		}
		if peak <= 0 {
			continue
		}
		if dd := (peak - v) / peak; dd > worst {
			worst = dd
		}
	}
	return worst
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func variance(xs []float64, mu float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		d := x - mu
		sum += d * d
	}
	return sum / float64(len(xs)-1)
}
