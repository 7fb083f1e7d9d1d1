package integrity

import (
	"context"
	"testing"
	"time"

	"github.com/ndrandal/kline-engine/internal/exchange"
	"github.com/ndrandal/kline-engine/internal/model"
	"github.com/ndrandal/kline-engine/internal/store"
)

func seedBar(ts int64, close float64) model.Bar {
	return model.Bar{
		Symbol: "BTCUSDT", Timeframe: "1m", MarketType: model.MarketSpot,
		Timestamp: ts, Open: close, High: close + 1, Low: close - 1, Close: close, Volume: 1,
	}
}

func TestDetectBarGapsFindsMissingTimestamps(t *testing.T) {
	st := store.NewMemStore()
	svc := New(st, exchange.NewSimExchange(1))

	now := time.Now().Unix()
	aligned := (now / 60) * 60
	// seed every other minute over the last 10 minutes, leaving gaps.
	for i := int64(0); i < 10; i += 2 {
		ts := aligned - i*60
		if err := st.UpsertBars(context.Background(), []model.Bar{seedBar(ts, 100)}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	gaps, err := svc.DetectBarGaps(context.Background(), "BTCUSDT", "1m", model.MarketSpot, 10*time.Minute)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(gaps) == 0 {
		t.Fatalf("expected at least one gap")
	}
}

func TestDetectBarGapsEmptyStoreReturnsFullWindow(t *testing.T) {
	st := store.NewMemStore()
	svc := New(st, exchange.NewSimExchange(1))

	gaps, err := svc.DetectBarGaps(context.Background(), "BTCUSDT", "1m", model.MarketSpot, time.Hour)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(gaps) != 1 {
		t.Fatalf("expected a single full-window gap, got %d", len(gaps))
	}
}

func TestBackfillBarsFetchesFromExchange(t *testing.T) {
	st := store.NewMemStore()
	svc := New(st, exchange.NewSimExchange(1))

	now := time.Now().Unix()
	gaps := []Range{{Start: now - 300, End: now}}

	filled, err := svc.BackfillBars(context.Background(), "BTCUSDT", "1m", model.MarketSpot, gaps)
	if err != nil {
		t.Fatalf("backfill: %v", err)
	}
	if filled == 0 {
		t.Fatalf("expected some bars to be backfilled")
	}

	bars, err := st.RecentBars(context.Background(), store.BarFilter{Symbol: "BTCUSDT", Timeframe: "1m", Limit: 2000})
	if err != nil {
		t.Fatalf("recent bars: %v", err)
	}
	if len(bars) != filled {
		t.Fatalf("expected %d bars stored, got %d", filled, len(bars))
	}
}

func TestDetectIndicatorGapsFindsBarsWithoutIndicators(t *testing.T) {
	st := store.NewMemStore()
	svc := New(st, exchange.NewSimExchange(1))

	now := time.Now().Unix()
	aligned := (now / 60) * 60
	bar := seedBar(aligned, 100)
	if err := st.UpsertBars(context.Background(), []model.Bar{bar}); err != nil {
		t.Fatalf("seed bar: %v", err)
	}

	gaps, err := svc.DetectIndicatorGaps(context.Background(), "BTCUSDT", "1m", time.Hour)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(gaps) != 1 || gaps[0] != aligned {
		t.Fatalf("expected one indicator gap at %d, got %v", aligned, gaps)
	}
}

func TestBackfillIndicatorsSkipsInsufficientBacklog(t *testing.T) {
	st := store.NewMemStore()
	svc := New(st, exchange.NewSimExchange(1))

	var bars []model.Bar
	for i := int64(0); i < 5; i++ {
		bars = append(bars, seedBar(i*60, 100+float64(i)))
	}
	if err := st.UpsertBars(context.Background(), bars); err != nil {
		t.Fatalf("seed: %v", err)
	}

	filled, skipped, err := svc.BackfillIndicators(context.Background(), "BTCUSDT", "1m", []int64{4 * 60})
	if err != nil {
		t.Fatalf("backfill: %v", err)
	}
	if filled != 0 || skipped != 1 {
		t.Fatalf("expected the shallow backlog to be skipped, got filled=%d skipped=%d", filled, skipped)
	}
}

func TestCheckAndRepairAllCoversEveryPair(t *testing.T) {
	st := store.NewMemStore()
	svc := New(st, exchange.NewSimExchange(1))

	all, err := svc.CheckAndRepairAll(context.Background(), []string{"BTCUSDT", "ETHUSDT"}, []string{"1m", "1h"}, model.MarketSpot, time.Hour, 120, true)
	if err != nil {
		t.Fatalf("check and repair all: %v", err)
	}
	if len(all.Reports) != 4 {
		t.Fatalf("expected 4 reports (2 symbols x 2 timeframes), got %d", len(all.Reports))
	}
}
