package tradingengine

import (
	"context"
	"fmt"
	"log"

	"github.com/ndrandal/kline-engine/internal/bus"
	"github.com/ndrandal/kline-engine/internal/datasource"
	"github.com/ndrandal/kline-engine/internal/model"
	"github.com/ndrandal/kline-engine/internal/store"
	"github.com/ndrandal/kline-engine/internal/strategy"
)

// Result is everything a completed Run produced: the closed trades, the
// sampled equity curve, and the derived Metrics.
type Result struct {
	Symbols      []string  `json:"symbols"`
	Timeframe    string    `json:"timeframe"`
	FinalBalance float64   `json:"final_balance"`
	EquityCurve  []float64 `json:"equity_curve"`
	Trades       []Trade   `json:"trades"`
	Metrics      Metrics   `json:"metrics"`
}

// signalBusBuffer sizes the internal LocalBus a Runtime publishes
// signals onto during a Run. New always creates this bus itself and
// nothing subscribes to it; signals reach the PositionManager through
// the Runtime's OnSignal hook.
const signalBusBuffer = 256

// Engine drives a Strategy against a DataSource's stream of bars and
// indicators, routing each emitted Signal through a PositionManager
// so that bar-by-bar decisions become simulated fills with realized
// P&L. One Engine handles exactly one (strategy, symbol set, timeframe)
// run; construct a new one per back-test task.
type Engine struct {
	ds datasource.DataSource
	pm *PositionManager
	rt *strategy.Runtime
	b  bus.Bus

	lastPrice     map[string]float64
	lastBar       map[string]model.Bar
	lastIndicator map[string]model.IndicatorVector

	initialBalance float64
	equityCurve    []float64

	// OnItem, if set, is called once per stream item processed (bar or
	// indicator), letting a caller drive a progress tracker without the
	// engine needing to know anything about progress reporting itself.
	OnItem func()
}

// New constructs an Engine. st may be nil if the run should not persist
// signals (typical for an optimization sweep that only needs Metrics).
func New(ds datasource.DataSource, strat strategy.Strategy, pm *PositionManager, st store.Store, symbols []string) *Engine {
	b := bus.NewLocalBus(signalBusBuffer)
	rt := strategy.NewRuntime(strat, b, st, symbols)
	e := &Engine{
		ds: ds, pm: pm, rt: rt, b: b,
		lastPrice:      make(map[string]float64, len(symbols)),
		lastBar:        make(map[string]model.Bar, len(symbols)),
		lastIndicator:  make(map[string]model.IndicatorVector, len(symbols)),
		initialBalance: pm.Balance(),
	}
	rt.OnSignal = e.handleSignal
	return e
}

// Run streams symbols/timeframe from the data source to completion (or
// until ctx is cancelled), feeding every item through the strategy
// runtime and sampling an equity snapshot on every bar. It returns the
// accumulated Result once the stream closes.
func (e *Engine) Run(ctx context.Context, symbols []string, timeframe string) (Result, error) {
	items, err := e.ds.Stream(ctx, symbols, timeframe)
	if err != nil {
		return Result{}, fmt.Errorf("trading engine: start stream: %w", err)
	}

	for item := range items {
		if e.OnItem != nil {
			e.OnItem()
		}
		switch item.Kind {
		case datasource.ItemBar:
			e.lastPrice[item.Symbol] = item.Bar.Close
			e.lastBar[item.Symbol] = item.Bar
			e.rt.HandleBar(ctx, item.Bar)
			e.equityCurve = append(e.equityCurve, e.pm.Equity(e.lastPrice))
		case datasource.ItemIndicator:
			e.lastIndicator[item.Symbol] = item.Indicator
			e.rt.HandleIndicator(ctx, item.Indicator)
		}
	}

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	trades := e.pm.Trades()
	res := Result{
		Symbols:      symbols,
		Timeframe:    timeframe,
		FinalBalance: e.pm.Balance(),
		EquityCurve:  e.equityCurve,
		Trades:       trades,
		Metrics:      ComputeMetrics(e.initialBalance, e.equityCurve, trades),
	}
	log.Printf("trading engine: run complete, %d trades, final balance %.2f", len(trades), res.FinalBalance)
	return res, nil
}

// handleSignal is installed as the strategy Runtime's OnSignal hook: it
// translates an OPEN/CLOSE signal into a PositionManager call. Rejected
// opens and closes for a symbol with no open position are logged, not
// treated as errors, since both are ordinary strategy/exposure outcomes.
func (e *Engine) handleSignal(ctx context.Context, sig model.Signal) {
	switch sig.Action {
	case model.ActionOpen:
		accepted, err := e.pm.Open(sig, e.lastIndicator[sig.Symbol], e.lastBar[sig.Symbol])
		if err != nil {
			log.Printf("trading engine: open %s rejected: %v", sig.Symbol, err)
			return
		}
		if !accepted {
			log.Printf("trading engine: open %s skipped by exposure rules", sig.Symbol)
		}
	case model.ActionClose:
		if _, ok := e.pm.Close(sig); !ok {
			log.Printf("trading engine: close %s had no matching open position", sig.Symbol)
		}
	}
}
