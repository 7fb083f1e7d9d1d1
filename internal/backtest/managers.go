package backtest

import (
	"time"

	"github.com/ndrandal/kline-engine/internal/bus"
)

// Pre-configured Manager parameters per spec.md's two task classes:
// ordinary back-tests churn through in minutes and run several at
// once, while parameter optimization sweeps run longer and are capped
// tighter to bound total CPU usage. These are constructors, not
// package-level singletons — the global task_manager instances the
// originating system used are deliberately not carried over: a process
// wires up its own Manager
// instances at startup and passes them down explicitly.
const (
	BacktestMaxTasks      = 100
	BacktestTTL           = time.Hour
	BacktestMaxConcurrent = 3

	OptimizationMaxTasks      = 50
	OptimizationTTL           = 2 * time.Hour
	OptimizationMaxConcurrent = 2
)

// NewBacktestManager constructs the standard back-test Manager: up to
// 100 tasks, each living for 1 hour, at most 3 running concurrently.
func NewBacktestManager(b bus.Bus) *Manager {
	return NewManager("backtest", b, BacktestMaxTasks, BacktestTTL, BacktestMaxConcurrent)
}

// NewOptimizationManager constructs the parameter-sweep Manager: up to
// 50 tasks, each living for 2 hours, at most 2 running concurrently.
func NewOptimizationManager(b bus.Bus) *Manager {
	return NewManager("optimization", b, OptimizationMaxTasks, OptimizationTTL, OptimizationMaxConcurrent)
}
