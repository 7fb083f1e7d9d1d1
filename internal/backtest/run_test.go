package backtest

import (
	"context"
	"testing"
	"time"

	"github.com/ndrandal/kline-engine/internal/bus"
	"github.com/ndrandal/kline-engine/internal/datasource"
	"github.com/ndrandal/kline-engine/internal/model"
	"github.com/ndrandal/kline-engine/internal/store"
	"github.com/ndrandal/kline-engine/internal/tradingengine"
)

type passthroughStrategy struct{}

func (passthroughStrategy) Name() string { return "passthrough" }
func (passthroughStrategy) CheckEntry(symbol string, bar model.Bar, cur, prev model.IndicatorVector) (model.Signal, bool) {
	return model.Signal{}, false
}
func (passthroughStrategy) CheckExit(symbol string, bar model.Bar, cur model.IndicatorVector, pos model.Position) (model.Signal, bool) {
	return model.Signal{}, false
}

func TestNewBacktestTaskFuncReportsProgressAndReturnsResult(t *testing.T) {
	st := store.NewMemStore()
	ctx := context.Background()
	for i := int64(1); i <= 5; i++ {
		ts := i * 60
		if err := st.UpsertBars(ctx, []model.Bar{{Symbol: "BTCUSDT", Timeframe: "1m", Timestamp: ts, Close: 100}}); err != nil {
			t.Fatalf("seed: %v", err)
		}
		if err := st.UpsertIndicators(ctx, []model.IndicatorVector{{Symbol: "BTCUSDT", Timeframe: "1m", Timestamp: ts}}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	ds := datasource.NewBacktestSource(st, 0, 1000)
	pm := tradingengine.NewPositionManager(10000, 5, 0.9, 0.9, tradingengine.FixedAmount{Amount: 1000})
	eng := tradingengine.New(ds, passthroughStrategy{}, pm, st, []string{"BTCUSDT"})

	fn := NewBacktestTaskFunc(eng, ds, []string{"BTCUSDT"}, "1m")

	var progresses []int
	result, err := fn(context.Background(), func(p int) { progresses = append(progresses, p) })
	if err != nil {
		t.Fatalf("task func: %v", err)
	}
	res, ok := result.(tradingengine.Result)
	if !ok {
		t.Fatalf("expected a tradingengine.Result, got %T", result)
	}
	if len(res.EquityCurve) != 5 {
		t.Fatalf("expected 5 equity samples, got %d", len(res.EquityCurve))
	}
	if len(progresses) == 0 {
		t.Fatalf("expected at least one progress report")
	}
	if progresses[len(progresses)-1] != 100 {
		t.Fatalf("expected the final progress report to reach 100, got %d", progresses[len(progresses)-1])
	}
}

func TestNewBacktestTaskFuncRunsUnderManager(t *testing.T) {
	st := store.NewMemStore()
	ctx := context.Background()
	if err := st.UpsertBars(ctx, []model.Bar{{Symbol: "BTCUSDT", Timeframe: "1m", Timestamp: 60, Close: 100}}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := st.UpsertIndicators(ctx, []model.IndicatorVector{{Symbol: "BTCUSDT", Timeframe: "1m", Timestamp: 60}}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	ds := datasource.NewBacktestSource(st, 0, 1000)
	pm := tradingengine.NewPositionManager(10000, 5, 0.9, 0.9, tradingengine.FixedAmount{Amount: 1000})
	eng := tradingengine.New(ds, passthroughStrategy{}, pm, st, []string{"BTCUSDT"})
	fn := NewBacktestTaskFunc(eng, ds, []string{"BTCUSDT"}, "1m")

	b := bus.NewLocalBus(16)
	defer b.Close()
	mgr := NewBacktestManager(b)
	if err := mgr.CreateTask(ctx, "bt-1", nil, fn); err != nil {
		t.Fatalf("create task: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if task, ok := mgr.GetTask("bt-1"); ok && task.Status == StatusCompleted {
			if _, ok := task.Results.(tradingengine.Result); !ok {
				t.Fatalf("expected task results to be a tradingengine.Result, got %T", task.Results)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("backtest task never completed")
}
