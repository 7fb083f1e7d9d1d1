package datasource

import (
	"context"
	"fmt"
	"log"
	"sort"

	"github.com/ndrandal/kline-engine/internal/store"
)

// BacktestSource preloads bars and indicators for a fixed time window
// from a Store, merges them into one timestamp-ordered sequence, and
// replays them on demand. A single instance can be streamed multiple
// times (Stream is restartable) so a back-test task manager can retry
// a run without re-querying the store.
type BacktestSource struct {
	st store.Store

	startTime, endTime int64

	items []Item
}

// NewBacktestSource constructs a BacktestSource over [startTime,endTime]
// (inclusive, epoch seconds).
func NewBacktestSource(st store.Store, startTime, endTime int64) *BacktestSource {
	return &BacktestSource{st: st, startTime: startTime, endTime: endTime}
}

// Preload loads and sorts bars and indicators for symbols/timeframe
// from the store, restricted to the configured time window. Stream
// calls Preload automatically if it hasn't been called yet.
func (b *BacktestSource) Preload(ctx context.Context, symbols []string, timeframe string) error {
	log.Printf("datasource: preloading backtest data for %v @ %s", symbols, timeframe)

	var items []Item
	for _, symbol := range symbols {
		bars, err := b.st.RecentBars(ctx, store.BarFilter{
			Symbol: symbol, Timeframe: timeframe,
			From: &b.startTime, To: &b.endTime, Limit: 2000,
		})
		if err != nil {
			return fmt.Errorf("backtest source: load bars for %s: %w", symbol, err)
		}
		for _, bar := range bars {
			items = append(items, Item{Kind: ItemBar, Symbol: symbol, Timestamp: bar.Timestamp, Bar: bar})
		}

		vecs, err := b.st.RecentIndicators(ctx, store.IndicatorFilter{
			Symbol: symbol, Timeframe: timeframe,
			From: &b.startTime, To: &b.endTime, Limit: 2000,
		})
		if err != nil {
			return fmt.Errorf("backtest source: load indicators for %s: %w", symbol, err)
		}
		for _, vec := range vecs {
			items = append(items, Item{Kind: ItemIndicator, Symbol: symbol, Timestamp: vec.Timestamp, Indicator: vec})
		}

		log.Printf("datasource: loaded %d bars, %d indicators for %s", len(bars), len(vecs), symbol)
	}

	sort.SliceStable(items, func(i, j int) bool { return items[i].Timestamp < items[j].Timestamp })
	b.items = items
	log.Printf("datasource: backtest stream ready with %d data points", len(items))
	return nil
}

// Stream implements DataSource: it preloads on first use (or reuses a
// prior Preload call) and replays items in timestamp order, closing
// the channel once exhausted or ctx is cancelled.
func (b *BacktestSource) Stream(ctx context.Context, symbols []string, timeframe string) (<-chan Item, error) {
	if b.items == nil {
		if err := b.Preload(ctx, symbols, timeframe); err != nil {
			return nil, err
		}
	}

	out := make(chan Item)
	go func() {
		defer close(out)
		for _, item := range b.items {
			select {
			case <-ctx.Done():
				return
			case out <- item:
			}
		}
		log.Printf("datasource: backtest stream complete")
	}()
	return out, nil
}

// Len returns the number of items the last Preload staged, for callers
// that need to size a progress tracker before streaming.
func (b *BacktestSource) Len() int { return len(b.items) }

// Close implements DataSource: it releases the preloaded item buffer.
func (b *BacktestSource) Close() error {
	b.items = nil
	return nil
}
