package strategy

import (
	"testing"

	"github.com/ndrandal/kline-engine/internal/model"
)

func ptr(v float64) *float64 { return &v }

func TestDefaultStopLossATRUsesATRWhenKnown(t *testing.T) {
	bar := model.Bar{Close: 100}
	atr := 2.0

	sl := DefaultStopLossATR(bar, &atr, true)
	if sl != 96 {
		t.Fatalf("expected entry-2*ATR=96 for long, got %v", sl)
	}
	sl = DefaultStopLossATR(bar, &atr, false)
	if sl != 104 {
		t.Fatalf("expected entry+2*ATR=104 for short, got %v", sl)
	}
}

func TestDefaultTakeProfitATRUsesATRWhenKnown(t *testing.T) {
	bar := model.Bar{Close: 100}
	atr := 2.0

	tp := DefaultTakeProfitATR(bar, &atr, true)
	if tp != 106 {
		t.Fatalf("expected entry+3*ATR=106 for long, got %v", tp)
	}
	tp = DefaultTakeProfitATR(bar, &atr, false)
	if tp != 94 {
		t.Fatalf("expected entry-3*ATR=94 for short, got %v", tp)
	}
}

func TestDefaultStopLossATRFallsBackWithoutATR(t *testing.T) {
	bar := model.Bar{Close: 100}
	if sl := DefaultStopLossATR(bar, nil, true); sl != DefaultStopLoss(bar, true) {
		t.Fatalf("expected flat 3%% fallback, got %v", sl)
	}
	if tp := DefaultTakeProfitATR(bar, nil, true); tp != DefaultTakeProfit(bar, true) {
		t.Fatalf("expected flat 6%% fallback, got %v", tp)
	}
}

func TestPassesBaseConfirmationRequiresConfidence(t *testing.T) {
	bar := model.Bar{Volume: 100}
	cur := model.IndicatorVector{VolumeMA5: ptr(100), ATR14: ptr(1), MA20: ptr(100)}
	sig := model.Signal{Confidence: 0.4}
	if PassesBaseConfirmation(cur, bar, sig) {
		t.Fatalf("expected confidence below 0.5 to fail confirmation")
	}
}

func TestPassesBaseConfirmationRequiresVolumeRatio(t *testing.T) {
	bar := model.Bar{Volume: 40}
	cur := model.IndicatorVector{VolumeMA5: ptr(100), ATR14: ptr(1), MA20: ptr(100)}
	sig := model.Signal{Confidence: 1}
	if PassesBaseConfirmation(cur, bar, sig) {
		t.Fatalf("expected volume ratio below 0.5 to fail confirmation")
	}
}

func TestPassesBaseConfirmationRequiresLowVolatility(t *testing.T) {
	bar := model.Bar{Volume: 100}
	cur := model.IndicatorVector{VolumeMA5: ptr(100), ATR14: ptr(10), MA20: ptr(100)}
	sig := model.Signal{Confidence: 1}
	if PassesBaseConfirmation(cur, bar, sig) {
		t.Fatalf("expected atr/ma20 ratio above 5%% to fail confirmation")
	}
}

func TestPassesBaseConfirmationAcceptsGoodSignal(t *testing.T) {
	bar := model.Bar{Volume: 100}
	cur := model.IndicatorVector{VolumeMA5: ptr(100), ATR14: ptr(1), MA20: ptr(100)}
	sig := model.Signal{Confidence: 0.8}
	if !PassesBaseConfirmation(cur, bar, sig) {
		t.Fatalf("expected a confident, liquid, low-volatility candidate to pass")
	}
}
