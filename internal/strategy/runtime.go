package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/ndrandal/kline-engine/internal/bus"
	"github.com/ndrandal/kline-engine/internal/model"
	"github.com/ndrandal/kline-engine/internal/store"
)

// symbolState caches the most recent bar and the current/previous
// indicator vectors for one symbol, mirroring the originating system's
// per-symbol state dict (kline, indicator, prev_indicator).
type symbolState struct {
	bar          *model.Bar
	indicator    *model.IndicatorVector
	prevIndicator *model.IndicatorVector
	position     *model.Position
}

// Runtime drives one Strategy across a set of symbols: it subscribes
// to bar and indicator subjects, maintains per-symbol state, and calls
// into the Strategy's entry/exit checks once a symbol's data is
// complete and timestamp-aligned.
type Runtime struct {
	strategy Strategy
	b        bus.Bus
	st       store.Store

	mu        sync.Mutex
	states    map[string]*symbolState
	timeframe string

	// OnSignal, if set, is called synchronously with every signal the
	// runtime decides to emit, in addition to the usual bus publish and
	// store persist. The Trading Engine sets this in back-test mode so
	// each signal is processed inline by the Position Manager rather
	// than round-tripping through the bus.
	OnSignal func(ctx context.Context, sig model.Signal)
}

// NewRuntime creates a Runtime for strategy over the given symbols.
func NewRuntime(strategy Strategy, b bus.Bus, st store.Store, symbols []string) *Runtime {
	states := make(map[string]*symbolState, len(symbols))
	for _, sym := range symbols {
		states[sym] = &symbolState{}
	}
	return &Runtime{strategy: strategy, b: b, st: st, states: states}
}

// Run subscribes to every tracked symbol's bar and indicator subjects
// for timeframe and processes updates until ctx is cancelled. Intended
// for live mode; back-test mode bypasses the bus and calls
// HandleBar/HandleIndicator directly (see Open Question decision in
// the design notes).
func (r *Runtime) Run(ctx context.Context, timeframe string) error {
	r.timeframe = timeframe
	barSub, err := r.b.Subscribe(ctx, "bar.*")
	if err != nil {
		return fmt.Errorf("strategy %s: subscribe bars: %w", r.strategy.Name(), err)
	}
	defer barSub.Unsubscribe()

	indSub, err := r.b.Subscribe(ctx, "ind.*")
	if err != nil {
		return fmt.Errorf("strategy %s: subscribe indicators: %w", r.strategy.Name(), err)
	}
	defer indSub.Unsubscribe()

	log.Printf("strategy %s: runtime started", r.strategy.Name())

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-barSub.C():
			var bar model.Bar
			if err := json.Unmarshal(msg.Payload, &bar); err != nil {
				log.Printf("strategy %s: decode bar: %v", r.strategy.Name(), err)
				continue
			}
			r.HandleBar(ctx, bar)
		case msg := <-indSub.C():
			var vec model.IndicatorVector
			if err := json.Unmarshal(msg.Payload, &vec); err != nil {
				log.Printf("strategy %s: decode indicator: %v", r.strategy.Name(), err)
				continue
			}
			r.HandleIndicator(ctx, vec)
		}
	}
}

func (r *Runtime) stateFor(symbol string) *symbolState {
	s, ok := r.states[symbol]
	if !ok {
		s = &symbolState{}
		r.states[symbol] = s
	}
	return s
}

// HandleBar updates a symbol's cached bar. It does not by itself
// trigger a decision: the decision pipeline runs once the matching
// indicator vector for the same timestamp also arrives, matching the
// originating system's timestamp-alignment check.
func (r *Runtime) HandleBar(ctx context.Context, bar model.Bar) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, tracked := r.states[bar.Symbol]; !tracked {
		return
	}
	if r.timeframe != "" && bar.Timeframe != r.timeframe {
		return
	}
	s := r.stateFor(bar.Symbol)
	b := bar
	s.bar = &b
	if s.position != nil {
		if bar.Close > s.position.HighWater {
			s.position.HighWater = bar.Close
		}
		if bar.Close < s.position.LowWater {
			s.position.LowWater = bar.Close
		}
	}
	r.maybeDecide(ctx, bar.Symbol)
}

// HandleIndicator updates a symbol's current/previous indicator vectors
// and runs the decision pipeline if the cached bar's timestamp matches.
func (r *Runtime) HandleIndicator(ctx context.Context, vec model.IndicatorVector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, tracked := r.states[vec.Symbol]; !tracked {
		return
	}
	if r.timeframe != "" && vec.Timeframe != r.timeframe {
		return
	}
	s := r.stateFor(vec.Symbol)
	if s.indicator != nil {
		prev := *s.indicator
		s.prevIndicator = &prev
	}
	v := vec
	s.indicator = &v
	r.maybeDecide(ctx, vec.Symbol)
}

// defaultExit evaluates the base exits every position is subject to,
// in order: stop loss, take profit, then a trailing stop off the
// position's running high/low water mark. Strategy-specific exits only
// run once none of these fire.
func defaultExit(symbol string, bar model.Bar, pos model.Position) (model.Signal, bool) {
	switch pos.Side {
	case model.SideLong:
		if pos.StopLoss > 0 && bar.Close <= pos.StopLoss {
			return closeSignal("", symbol, bar, model.SignalCloseLong, model.SideLong, "stop-loss hit"), true
		}
		if pos.TakeProft > 0 && bar.Close >= pos.TakeProft {
			return closeSignal("", symbol, bar, model.SignalCloseLong, model.SideLong, "take-profit hit"), true
		}
		if pos.HighWater > 0 && bar.Close <= pos.HighWater*(1-TrailingStopPct) {
			return closeSignal("", symbol, bar, model.SignalCloseLong, model.SideLong, "trailing stop hit"), true
		}
	case model.SideShort:
		if pos.StopLoss > 0 && bar.Close >= pos.StopLoss {
			return closeSignal("", symbol, bar, model.SignalCloseShort, model.SideShort, "stop-loss hit"), true
		}
		if pos.TakeProft > 0 && bar.Close <= pos.TakeProft {
			return closeSignal("", symbol, bar, model.SignalCloseShort, model.SideShort, "take-profit hit"), true
		}
		if pos.LowWater > 0 && bar.Close >= pos.LowWater*(1+TrailingStopPct) {
			return closeSignal("", symbol, bar, model.SignalCloseShort, model.SideShort, "trailing stop hit"), true
		}
	}
	return model.Signal{}, false
}

func closeSignal(strategyName, symbol string, bar model.Bar, t model.SignalType, side model.Side, reason string) model.Signal {
	return model.Signal{
		StrategyName: strategyName,
		Symbol:       symbol,
		Timestamp:    bar.Timestamp,
		SignalType:   t,
		Side:         side,
		Action:       model.ActionClose,
		Price:        bar.Close,
		Reason:       reason,
		Confidence:   1.0,
	}
}

// maybeDecide runs with r.mu held.
func (r *Runtime) maybeDecide(ctx context.Context, symbol string) {
	s := r.states[symbol]
	if s.bar == nil || s.indicator == nil || s.prevIndicator == nil {
		return
	}
	if s.bar.Timestamp != s.indicator.Timestamp {
		return
	}

	var sig model.Signal
	var ok bool
	if s.position != nil {
		sig, ok = defaultExit(symbol, *s.bar, *s.position)
		if !ok {
			sig, ok = r.strategy.CheckExit(symbol, *s.bar, *s.indicator, *s.position)
		}
	} else {
		sig, ok = r.strategy.CheckEntry(symbol, *s.bar, *s.indicator, *s.prevIndicator)
		if ok && !PassesBaseConfirmation(*s.indicator, *s.bar, sig) {
			return
		}
	}
	if !ok {
		return
	}
	sig.StrategyName = r.strategy.Name()
	if confirmer, hasConfirm := r.strategy.(Confirmer); hasConfirm {
		if !confirmer.Confirm(symbol, *s.bar, *s.indicator, sig) {
			return
		}
	}

	switch sig.Action {
	case model.ActionOpen:
		pos := model.Position{
			Symbol: symbol, Side: sig.Side, EntryPx: sig.Price, EntryTS: sig.Timestamp,
			HighWater: sig.Price, LowWater: sig.Price,
		}
		if sig.StopLoss != nil {
			pos.StopLoss = *sig.StopLoss
		}
		if sig.TakeProfit != nil {
			pos.TakeProft = *sig.TakeProfit
		}
		s.position = &pos
	case model.ActionClose:
		s.position = nil
	}

	r.emit(ctx, sig)
}

func (r *Runtime) emit(ctx context.Context, sig model.Signal) {
	payload, err := json.Marshal(sig)
	if err != nil {
		log.Printf("strategy %s: encode signal: %v", r.strategy.Name(), err)
		return
	}
	subject := fmt.Sprintf("sig.%s.%s", r.strategy.Name(), sig.Symbol)
	if err := r.b.Publish(ctx, subject, payload); err != nil {
		log.Printf("strategy %s: publish signal: %v", r.strategy.Name(), err)
	}
	if r.st != nil {
		if err := r.st.InsertSignals(ctx, []model.Signal{sig}); err != nil {
			log.Printf("strategy %s: persist signal: %v", r.strategy.Name(), err)
		}
	}
	log.Printf("strategy %s: %s signal for %s @ %.2f: %s",
		r.strategy.Name(), sig.SignalType, sig.Symbol, sig.Price, sig.Reason)

	if r.OnSignal != nil {
		r.OnSignal(ctx, sig)
	}
}

// Position returns the open position for symbol, or nil if flat.
func (r *Runtime) Position(symbol string) *model.Position {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.states[symbol]; ok && s.position != nil {
		p := *s.position
		return &p
	}
	return nil
}
