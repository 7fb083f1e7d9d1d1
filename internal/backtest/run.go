package backtest

import (
	"context"
	"fmt"

	"github.com/ndrandal/kline-engine/internal/datasource"
	"github.com/ndrandal/kline-engine/internal/tradingengine"
)

// NewBacktestTaskFunc adapts a tradingengine.Engine run over a
// preloadable back-test data source into a TaskFunc: it preloads once
// to learn the item count, wires a staged progress tracker to the
// engine's per-item hook, and returns the engine's Result.
func NewBacktestTaskFunc(eng *tradingengine.Engine, ds *datasource.BacktestSource, symbols []string, timeframe string) TaskFunc {
	return func(ctx context.Context, report ReportFunc) (interface{}, error) {
		if err := ds.Preload(ctx, symbols, timeframe); err != nil {
			return nil, fmt.Errorf("backtest task: preload: %w", err)
		}
		tracker := NewBacktestProgressTracker(ds.Len(), report)
		tracker.SetStageProgress(stageDataLoading, 100)
		tracker.SetStageProgress(stageStrategyInit, 100)

		exec := tracker.StageTracker(stageExecution)
		eng.OnItem = func() {
			if exec != nil {
				exec.Update(1)
			}
		}

		result, err := eng.Run(ctx, symbols, timeframe)
		if err != nil {
			return nil, fmt.Errorf("backtest task: run: %w", err)
		}
		tracker.SetStageProgress(stageResults, 100)
		return result, nil
	}
}
