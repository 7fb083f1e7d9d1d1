package indicator

import (
	"testing"

	"github.com/ndrandal/kline-engine/internal/model"
)

func bar(ts int64, close float64) model.Bar {
	return model.Bar{
		Symbol: "BTCUSDT", Timeframe: "1m", MarketType: model.MarketSpot,
		Timestamp: ts, Open: close, High: close + 1, Low: close - 1, Close: close, Volume: 10,
	}
}

func TestCalculatorSetFieldsNilBeforeWarmup(t *testing.T) {
	cs := NewCalculatorSet()
	v := cs.Update(bar(0, 100))
	if v.MA5 != nil {
		t.Fatal("expected MA5 nil before 5 samples")
	}
	if v.EMA12 == nil {
		t.Fatal("expected EMA12 non-nil from the first sample")
	}
	if v.RSI14 != nil {
		t.Fatal("expected RSI14 nil on the first sample")
	}
}

func TestCalculatorSetWarmsUpMA5(t *testing.T) {
	cs := NewCalculatorSet()
	var v model.IndicatorVector
	for i := int64(0); i < 5; i++ {
		v = cs.Update(bar(i, 100+float64(i)))
	}
	if v.MA5 == nil {
		t.Fatal("expected MA5 ready after 5 samples")
	}
}

func TestCalculatorSetUpdateCountIncrements(t *testing.T) {
	cs := NewCalculatorSet()
	for i := int64(0); i < 10; i++ {
		cs.Update(bar(i, 100))
	}
	if cs.UpdateCount != 10 {
		t.Fatalf("expected update count 10, got %d", cs.UpdateCount)
	}
}

func TestCalculatorSetCoercesOutOfRangeRSIToNull(t *testing.T) {
	rsi := validRange("RSI14", ptr(150, true), 0, 100)
	if rsi != nil {
		t.Fatalf("expected an out-of-range RSI to be coerced to null, got %v", *rsi)
	}
	ok := validRange("RSI14", ptr(55, true), 0, 100)
	if ok == nil || *ok != 55 {
		t.Fatalf("expected an in-range RSI to pass through unchanged")
	}
}

func TestCalculatorSetCoercesNegativeATRToNull(t *testing.T) {
	if v := validMin("ATR14", ptr(-1, true), 0); v != nil {
		t.Fatalf("expected a negative ATR to be coerced to null, got %v", *v)
	}
}

func TestCalculatorSetCoercesNonPositiveMAToNull(t *testing.T) {
	if v := validPositive("MA20", ptr(0, true)); v != nil {
		t.Fatalf("expected a zero MA to be coerced to null, got %v", *v)
	}
	if v := validPositive("MA20", ptr(-5, true)); v != nil {
		t.Fatalf("expected a negative MA to be coerced to null, got %v", *v)
	}
}

func TestCalculatorSetCoercesInvertedBollingerBandsToNull(t *testing.T) {
	v := model.IndicatorVector{
		Symbol: "BTCUSDT", Timeframe: "1m",
		BBUpper: ptr(90, true), BBMiddle: ptr(95, true), BBLower: ptr(100, true),
	}
	out := validate(v)
	if out.BBUpper != nil || out.BBMiddle != nil || out.BBLower != nil {
		t.Fatalf("expected inverted Bollinger bands to all be coerced to null, got %+v", out)
	}
}

func TestCalculatorSetResetClearsState(t *testing.T) {
	cs := NewCalculatorSet()
	for i := int64(0); i < 5; i++ {
		cs.Update(bar(i, 100))
	}
	cs.Reset()
	st := cs.Status()
	if st.MA5Ready || st.UpdateCount != 0 {
		t.Fatalf("expected cleared state after reset, got %+v", st)
	}
}
