package tradingengine

import (
	"math"
	"testing"
)

func TestComputeMetricsTotalReturnAndDrawdown(t *testing.T) {
	equity := []float64{10000, 11000, 9000, 12000}
	trades := []Trade{{PnL: 1000}, {PnL: -500}}
	m := ComputeMetrics(10000, equity, trades)

	if math.Abs(m.TotalReturnPct-20) > 1e-6 {
		t.Fatalf("expected total return 20%%, got %v", m.TotalReturnPct)
	}
	// peak 11000 -> trough 9000 => drawdown 2000/11000 ~= 18.18%
	wantDD := (11000.0 - 9000.0) / 11000.0 * 100
	if math.Abs(m.MaxDrawdownPct-wantDD) > 1e-6 {
		t.Fatalf("expected drawdown %v, got %v", wantDD, m.MaxDrawdownPct)
	}
}

func TestComputeMetricsWinRateAndProfitFactor(t *testing.T) {
	trades := []Trade{{PnL: 100}, {PnL: 200}, {PnL: -50}}
	m := ComputeMetrics(1000, nil, trades)

	if m.TotalTrades != 3 || m.WinningTrades != 2 || m.LosingTrades != 1 {
		t.Fatalf("unexpected trade counts: %+v", m)
	}
	if math.Abs(m.WinRate-2.0/3.0) > 1e-6 {
		t.Fatalf("expected win rate 2/3, got %v", m.WinRate)
	}
	wantPF := 300.0 / 50.0
	if math.Abs(m.ProfitFactor-wantPF) > 1e-6 {
		t.Fatalf("expected profit factor %v, got %v", wantPF, m.ProfitFactor)
	}
	if math.Abs(m.AvgWin-150) > 1e-6 {
		t.Fatalf("expected avg win 150, got %v", m.AvgWin)
	}
	if math.Abs(m.AvgLoss-50) > 1e-6 {
		t.Fatalf("expected avg loss 50, got %v", m.AvgLoss)
	}
}

func TestComputeMetricsNoLossesGivesInfiniteProfitFactor(t *testing.T) {
	trades := []Trade{{PnL: 100}}
	m := ComputeMetrics(1000, nil, trades)
	if !math.IsInf(m.ProfitFactor, 1) {
		t.Fatalf("expected +Inf profit factor with no losses, got %v", m.ProfitFactor)
	}
}

func TestComputeMetricsEmptyTradesIsZeroValued(t *testing.T) {
	m := ComputeMetrics(1000, nil, nil)
	if m.WinRate != 0 || m.ProfitFactor != 0 || m.TotalTrades != 0 {
		t.Fatalf("expected zero-valued metrics with no trades, got %+v", m)
	}
}

func TestSharpeRatioZeroWithoutVariance(t *testing.T) {
	if got := sharpeRatio([]float64{0.01, 0.01, 0.01}); got != 0 {
		t.Fatalf("expected 0 sharpe with zero variance, got %v", got)
	}
}

func TestMaxDrawdownMonotonicRiseIsZero(t *testing.T) {
	if got := maxDrawdown([]float64{100, 110, 120, 130}); got != 0 {
		t.Fatalf("expected 0 drawdown on a monotonic rise, got %v", got)
	}
}
