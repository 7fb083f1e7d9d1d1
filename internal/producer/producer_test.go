package producer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ndrandal/kline-engine/internal/bus"
	"github.com/ndrandal/kline-engine/internal/exchange"
	"github.com/ndrandal/kline-engine/internal/model"
	"github.com/ndrandal/kline-engine/internal/store"
)

// fakeExchange returns a fixed number of bars per call and optionally
// fails the next N calls, used to exercise the producer's per-fetch
// error recovery without a real venue.
type fakeExchange struct {
	mu        sync.Mutex
	barsPerCall int
	failNext  int
	calls     int
}

func (f *fakeExchange) FetchBars(ctx context.Context, symbol, timeframe string, since int64, limit int) ([]model.Bar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failNext > 0 {
		f.failNext--
		return nil, fmt.Errorf("simulated exchange failure")
	}
	bars := make([]model.Bar, 0, f.barsPerCall)
	for i := 0; i < f.barsPerCall; i++ {
		ts := since + int64(i)*60
		bars = append(bars, model.Bar{
			Symbol: symbol, Timeframe: timeframe, MarketType: model.MarketSpot,
			Timestamp: ts, Open: 100, High: 101, Low: 99, Close: 100, Volume: 1,
		})
	}
	return bars, nil
}

func (f *fakeExchange) FetchTicker(ctx context.Context, symbol string) (exchange.Ticker, error) {
	return exchange.Ticker{}, nil
}
func (f *fakeExchange) FetchOrderBook(ctx context.Context, symbol string, depth int) (exchange.OrderBook, error) {
	return exchange.OrderBook{}, nil
}
func (f *fakeExchange) CreateOrder(ctx context.Context, symbol string, side exchange.OrderSide, qty, price float64) (exchange.Order, error) {
	return exchange.Order{}, nil
}
func (f *fakeExchange) CancelOrder(ctx context.Context, orderID string) error { return nil }
func (f *fakeExchange) FetchOrder(ctx context.Context, orderID string) (exchange.Order, error) {
	return exchange.Order{}, nil
}
func (f *fakeExchange) FetchBalance(ctx context.Context) ([]exchange.Balance, error) { return nil, nil }

func TestProducerGapFillPublishesAndBuffers(t *testing.T) {
	ex := &fakeExchange{barsPerCall: 5}
	st := store.NewMemStore()
	b := bus.NewLocalBus(16)
	defer b.Close()

	sub, err := b.Subscribe(context.Background(), "bar.*")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	p := New(ex, st, b, Config{
		Symbols: []string{"BTCUSDT"}, Timeframes: []string{"1m"},
		MarketType: model.MarketSpot, FetchInterval: time.Second, FlushInterval: time.Second, BufferSize: 2,
	})

	if err := p.GapFill(context.Background(), 0, 5); err != nil {
		t.Fatalf("gap fill: %v", err)
	}
	p.flush(context.Background())

	received := 0
	for received < 5 {
		select {
		case <-sub.C():
			received++
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for bars, got %d/5", received)
		}
	}

	bars, err := st.RecentBars(context.Background(), store.BarFilter{Symbol: "BTCUSDT", Timeframe: "1m"})
	if err != nil {
		t.Fatalf("recent bars: %v", err)
	}
	if len(bars) != 5 {
		t.Fatalf("expected all 5 bars flushed to the store, got %d", len(bars))
	}
}

func TestProducerDropsInvalidBars(t *testing.T) {
	ex := &fakeExchange{}
	st := store.NewMemStore()
	b := bus.NewLocalBus(16)
	defer b.Close()

	p := New(ex, st, b, Config{
		Symbols: []string{"BTCUSDT"}, Timeframes: []string{"1m"},
		FetchInterval: time.Second, FlushInterval: time.Second, BufferSize: 10,
	})

	invalid := model.Bar{Symbol: "BTCUSDT", Timeframe: "1m", Timestamp: 1, Open: 100, High: 90, Low: 110, Close: 95}
	p.ingest(context.Background(), invalid)

	if p.Stats().Fetched != 0 {
		t.Fatalf("expected invalid bar not counted as fetched, got %d", p.Stats().Fetched)
	}
}

func TestBootstrapFetchesInitialWindowWhenStoreEmpty(t *testing.T) {
	ex := &fakeExchange{barsPerCall: 5}
	st := store.NewMemStore()
	b := bus.NewLocalBus(16)
	defer b.Close()

	p := New(ex, st, b, Config{
		Symbols: []string{"BTCUSDT"}, Timeframes: []string{"1m"},
		MarketType: model.MarketSpot, FetchInterval: time.Second, FlushInterval: time.Second, BufferSize: 10,
	})

	if err := p.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if ex.calls != 1 {
		t.Fatalf("expected exactly 1 fetch for an empty store, got %d", ex.calls)
	}
	if p.Stats().Fetched != 5 {
		t.Fatalf("expected 5 bars fetched, got %d", p.Stats().Fetched)
	}
}

func TestBootstrapSkipsFetchWhenAlreadyCurrent(t *testing.T) {
	ex := &fakeExchange{barsPerCall: 5}
	st := store.NewMemStore()
	b := bus.NewLocalBus(16)
	defer b.Close()

	now := time.Now().Unix()
	if err := st.UpsertBars(context.Background(), []model.Bar{{
		Symbol: "BTCUSDT", Timeframe: "1m", MarketType: model.MarketSpot,
		Timestamp: now, Open: 100, High: 101, Low: 99, Close: 100, Volume: 1,
	}}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	p := New(ex, st, b, Config{
		Symbols: []string{"BTCUSDT"}, Timeframes: []string{"1m"},
		MarketType: model.MarketSpot, FetchInterval: time.Second, FlushInterval: time.Second, BufferSize: 10,
	})

	if err := p.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if ex.calls != 0 {
		t.Fatalf("expected no catch-up fetch when the last bar is current, got %d calls", ex.calls)
	}
}

func TestBootstrapCatchesUpOnGapInBoundedBatches(t *testing.T) {
	ex := &fakeExchange{barsPerCall: 1000}
	st := store.NewMemStore()
	b := bus.NewLocalBus(16)
	defer b.Close()

	now := time.Now().Unix()
	staleTs := now - 20*3600 // 20 hours behind, well past a 1h timeframe's interval
	if err := st.UpsertBars(context.Background(), []model.Bar{{
		Symbol: "BTCUSDT", Timeframe: "1h", MarketType: model.MarketSpot,
		Timestamp: staleTs, Open: 100, High: 101, Low: 99, Close: 100, Volume: 1,
	}}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	p := New(ex, st, b, Config{
		Symbols: []string{"BTCUSDT"}, Timeframes: []string{"1h"},
		MarketType: model.MarketSpot, FetchInterval: time.Second, FlushInterval: time.Second, BufferSize: 10000,
	})

	if err := p.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if ex.calls < 1 || ex.calls > bootstrapMaxBatches {
		t.Fatalf("expected between 1 and %d catch-up batches, got %d", bootstrapMaxBatches, ex.calls)
	}
}

func TestProducerFlushRetriesWithinOneCall(t *testing.T) {
	ex := &fakeExchange{}
	st := &failingStore{Store: store.NewMemStore(), failTimes: 2}
	b := bus.NewLocalBus(16)
	defer b.Close()

	withFastFlushBackoff(t)
	p := New(ex, st, b, Config{
		Symbols: []string{"BTCUSDT"}, Timeframes: []string{"1m"},
		FetchInterval: time.Second, FlushInterval: time.Second, BufferSize: 10,
	})

	bar := model.Bar{Symbol: "BTCUSDT", Timeframe: "1m", Timestamp: 1, Open: 100, High: 101, Low: 99, Close: 100}
	p.ingest(context.Background(), bar)
	p.flush(context.Background())

	if p.Stats().FlushFailures != 0 {
		t.Fatalf("expected the in-call retries to absorb transient failures, got %d failures", p.Stats().FlushFailures)
	}
	if p.Stats().BufferDepth != 0 {
		t.Fatalf("expected the buffer to drain once a retry succeeds, got depth %d", p.Stats().BufferDepth)
	}
}

func TestProducerFlushFailureRequeues(t *testing.T) {
	ex := &fakeExchange{}
	st := &failingStore{Store: store.NewMemStore(), failTimes: len(flushBackoff) + 1}
	b := bus.NewLocalBus(16)
	defer b.Close()

	withFastFlushBackoff(t)
	p := New(ex, st, b, Config{
		Symbols: []string{"BTCUSDT"}, Timeframes: []string{"1m"},
		FetchInterval: time.Second, FlushInterval: time.Second, BufferSize: 10,
	})

	bar := model.Bar{Symbol: "BTCUSDT", Timeframe: "1m", Timestamp: 1, Open: 100, High: 101, Low: 99, Close: 100}
	p.ingest(context.Background(), bar)
	p.flush(context.Background())

	if p.Stats().FlushFailures != 1 {
		t.Fatalf("expected 1 flush failure recorded after exhausting retries, got %d", p.Stats().FlushFailures)
	}
	if p.Stats().BufferDepth != 1 {
		t.Fatalf("expected the failed bar re-queued in the buffer, got depth %d", p.Stats().BufferDepth)
	}

	p.flush(context.Background())
	if p.Stats().BufferDepth != 0 {
		t.Fatalf("expected the buffer to drain on the next flush, got depth %d", p.Stats().BufferDepth)
	}
}

// withFastFlushBackoff shrinks the package-level retry backoff for the
// duration of a test so flush's retry loop doesn't add seconds of real
// delay, restoring the original schedule on cleanup.
func withFastFlushBackoff(t *testing.T) {
	t.Helper()
	original := flushBackoff
	flushBackoff = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	t.Cleanup(func() { flushBackoff = original })
}

type failingStore struct {
	*store.MemStore
	failTimes int
}

func (f *failingStore) UpsertBars(ctx context.Context, bars []model.Bar) error {
	if f.failTimes > 0 {
		f.failTimes--
		return fmt.Errorf("simulated store failure")
	}
	return f.MemStore.UpsertBars(ctx, bars)
}
