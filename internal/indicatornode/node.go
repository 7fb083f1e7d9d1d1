// Package indicatornode subscribes to bar updates, feeds them through a
// per-(symbol,timeframe) incremental CalculatorSet, persists the
// resulting indicator vector, and republishes it on the bus. A
// calculator is preheated from stored history the first time its key
// is seen so the incremental update is O(1) from the very first live
// bar onward.
package indicatornode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ndrandal/kline-engine/internal/bus"
	"github.com/ndrandal/kline-engine/internal/indicator"
	"github.com/ndrandal/kline-engine/internal/model"
	"github.com/ndrandal/kline-engine/internal/store"
)

// errInsufficientHistory signals that a (symbol,timeframe,market) key
// doesn't yet have enough stored history to warm up a calculator.
// entryFor leaves the key uncached on this error so the next bar
// retries preheat from scratch, mirroring the originating system's
// _initialize_calculator returning False and omitting the key from
// self.calculators.
var errInsufficientHistory = errors.New("indicatornode: insufficient historical data")

// slowCalcThreshold mirrors the originating system's 10ms warning
// threshold for a single incremental update.
const slowCalcThreshold = 10 * time.Millisecond

// preheatLookback is how many historical bars to load when a
// (symbol,timeframe,market) key is seen for the first time, enough to
// warm up the slowest calculator (MA120).
const preheatLookback = 120

// minPreheatBars is the minimum historical sample required before a
// key is considered usable. Fewer than this and preheat refuses to
// build a calculator at all; the key stays uncached and a later bar
// retries once more history has accumulated.
const minPreheatBars = 20

// Stats tracks cumulative node performance, mirroring the originating
// system's calc_time_total/calc_count/db_query_count counters.
type Stats struct {
	Updates       int64
	SlowUpdates   int64
	PreheatCount  int64
	CalcTimeTotal time.Duration
}

type calcEntry struct {
	set *indicator.CalculatorSet
}

// Node is the indicator calculation process.
type Node struct {
	b  bus.Bus
	st store.Store

	mu    sync.Mutex
	calcs map[model.BarKey]*calcEntry

	statsMu sync.Mutex
	stats   Stats
}

// New constructs a Node.
func New(b bus.Bus, st store.Store) *Node {
	return &Node{b: b, st: st, calcs: make(map[model.BarKey]*calcEntry)}
}

// Run subscribes to every bar subject and processes updates until ctx
// is cancelled.
func (n *Node) Run(ctx context.Context) error {
	sub, err := n.b.Subscribe(ctx, "bar.*")
	if err != nil {
		return fmt.Errorf("indicatornode: subscribe: %w", err)
	}
	defer sub.Unsubscribe()

	log.Printf("indicatornode: started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-sub.C():
			var bar model.Bar
			if err := json.Unmarshal(msg.Payload, &bar); err != nil {
				log.Printf("indicatornode: decode bar: %v", err)
				continue
			}
			if err := n.Handle(ctx, bar); err != nil {
				log.Printf("indicatornode: handle bar %s %s: %v", bar.Symbol, bar.Timeframe, err)
			}
		}
	}
}

func calcKey(b model.Bar) model.BarKey {
	return model.BarKey{Symbol: b.Symbol, Timeframe: b.Timeframe, MarketType: b.MarketType}
}

// Handle feeds one bar through the matching calculator, preheating it
// from store history on first use, and emits the resulting indicator
// vector.
func (n *Node) Handle(ctx context.Context, bar model.Bar) error {
	entry, err := n.entryFor(ctx, bar)
	if errors.Is(err, errInsufficientHistory) {
		return nil
	}
	if err != nil {
		return err
	}

	start := time.Now()
	vec := entry.set.Update(bar)
	elapsed := time.Since(start)

	n.statsMu.Lock()
	n.stats.Updates++
	n.stats.CalcTimeTotal += elapsed
	if elapsed > slowCalcThreshold {
		n.stats.SlowUpdates++
		log.Printf("indicatornode: incremental calculation too slow: %s for %s/%s", elapsed, bar.Symbol, bar.Timeframe)
	}
	n.statsMu.Unlock()

	return n.emit(ctx, vec)
}

func (n *Node) entryFor(ctx context.Context, bar model.Bar) (*calcEntry, error) {
	key := calcKey(bar)

	n.mu.Lock()
	entry, ok := n.calcs[key]
	n.mu.Unlock()
	if ok {
		return entry, nil
	}

	entry, err := n.preheat(ctx, bar)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, errInsufficientHistory
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if existing, ok := n.calcs[key]; ok {
		return existing, nil
	}
	n.calcs[key] = entry
	return entry, nil
}

func (n *Node) preheat(ctx context.Context, bar model.Bar) (*calcEntry, error) {
	set := indicator.NewCalculatorSet()
	if n.st == nil {
		return &calcEntry{set: set}, nil
	}

	history, err := n.st.RecentBars(ctx, store.BarFilter{
		Symbol: bar.Symbol, Timeframe: bar.Timeframe, MarketType: bar.MarketType,
		Limit: preheatLookback,
	})
	if err != nil {
		return nil, fmt.Errorf("preheat %s/%s: %w", bar.Symbol, bar.Timeframe, err)
	}

	n.statsMu.Lock()
	n.stats.PreheatCount++
	n.statsMu.Unlock()

	if len(history) < minPreheatBars {
		log.Printf("indicatornode: insufficient historical data for %s/%s: %d bars (want >=%d), skipping until more accumulate",
			bar.Symbol, bar.Timeframe, len(history), minPreheatBars)
		return nil, nil
	}
	log.Printf("indicatornode: preheating %s/%s with %d historical bars", bar.Symbol, bar.Timeframe, len(history))

	for _, h := range history {
		if h.Timestamp == bar.Timestamp {
			continue
		}
		set.Update(h)
	}

	status := set.Status()
	log.Printf("indicatornode: calculator ready for %s/%s: updates=%d ma5_ready=%v ma120_ready=%v",
		bar.Symbol, bar.Timeframe, status.UpdateCount, status.MA5Ready, status.MA120Ready)

	return &calcEntry{set: set}, nil
}

func (n *Node) emit(ctx context.Context, vec model.IndicatorVector) error {
	if err := n.st.UpsertIndicators(ctx, []model.IndicatorVector{vec}); err != nil {
		log.Printf("indicatornode: persist indicator: %v", err)
	}

	payload, err := json.Marshal(vec)
	if err != nil {
		return fmt.Errorf("encode indicator: %w", err)
	}
	key := model.BarKey{Symbol: vec.Symbol, Timeframe: vec.Timeframe}
	if err := n.b.Publish(ctx, key.IndicatorSubject(), payload); err != nil {
		return fmt.Errorf("publish indicator: %w", err)
	}
	return nil
}

// Stats returns a snapshot of cumulative performance counters.
func (n *Node) Stats() Stats {
	n.statsMu.Lock()
	defer n.statsMu.Unlock()
	return n.stats
}
