// Package producer implements the bar producer: a memory-cursor
// ingestion loop per (symbol,timeframe) pair that fetches from an
// Exchange, publishes to the bus, and buffers writes to the Store.
package producer

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ndrandal/kline-engine/internal/bus"
	"github.com/ndrandal/kline-engine/internal/exchange"
	"github.com/ndrandal/kline-engine/internal/model"
	"github.com/ndrandal/kline-engine/internal/store"
)

// cursor tracks the last published timestamp per (symbol,timeframe),
// so steady-state fetches only request bars newer than what was last
// seen.
type cursor struct {
	mu   sync.RWMutex
	last map[string]int64
}

func newCursor() *cursor { return &cursor{last: make(map[string]int64)} }

func (c *cursor) get(key string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last[key]
}

func (c *cursor) set(key string, ts int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts > c.last[key] {
		c.last[key] = ts
	}
}

// Stats reports producer throughput and health counters.
type Stats struct {
	Fetched       uint64
	Published     uint64
	FlushFailures uint64
	BufferDepth   int
}

// Producer polls an Exchange for a configured set of
// (symbol,timeframe) pairs, publishes each new bar to the Bus, and
// buffers writes to the Store, flushing on a buffer-size or time
// threshold.
type Producer struct {
	ex    exchange.Exchange
	st    store.Store
	b     bus.Bus
	cur   *cursor
	mkt   model.MarketType

	symbols    []string
	timeframes []string

	fetchInterval time.Duration
	flushInterval time.Duration
	bufferSize    int

	mu     sync.Mutex
	buffer []model.Bar

	fetched       uint64
	published     uint64
	flushFailures uint64
}

// Config holds Producer construction parameters.
type Config struct {
	Symbols       []string
	Timeframes    []string
	MarketType    model.MarketType
	FetchInterval time.Duration
	FlushInterval time.Duration
	BufferSize    int
}

// New creates a Producer. BufferSize <= 0 defaults to 500, matching the
// teacher's default send-buffer sizing philosophy.
func New(ex exchange.Exchange, st store.Store, b bus.Bus, cfg Config) *Producer {
	bufSize := cfg.BufferSize
	if bufSize <= 0 {
		bufSize = 500
	}
	return &Producer{
		ex:            ex,
		st:            st,
		b:             b,
		cur:           newCursor(),
		mkt:           cfg.MarketType,
		symbols:       cfg.Symbols,
		timeframes:    cfg.Timeframes,
		fetchInterval: cfg.FetchInterval,
		flushInterval: cfg.FlushInterval,
		bufferSize:    bufSize,
		buffer:        make([]model.Bar, 0, bufSize),
	}
}

func cursorKey(symbol, timeframe string) string { return symbol + ":" + timeframe }

// GapFill fetches up to limit historical bars for every configured
// (symbol,timeframe) pair starting at since, publishing and buffering
// each one. Intended to run once at startup before Run's steady-state
// loop begins.
func (p *Producer) GapFill(ctx context.Context, since int64, limit int) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, symbol := range p.symbols {
		for _, tf := range p.timeframes {
			symbol, tf := symbol, tf
			g.Go(func() error {
				bars, err := p.ex.FetchBars(gctx, symbol, tf, since, limit)
				if err != nil {
					return fmt.Errorf("gap-fill %s/%s: %w", symbol, tf, err)
				}
				for _, bar := range bars {
					p.ingest(gctx, bar)
				}
				return nil
			})
		}
	}
	return g.Wait()
}

// bootstrapBatchLimit is the maximum bars requested per catch-up fetch
// during Bootstrap.
const bootstrapBatchLimit = 1000

// bootstrapMaxBatches caps how many catch-up batches Bootstrap issues
// per (symbol,timeframe) pair before giving up and letting the
// steady-state loop finish closing the gap.
const bootstrapMaxBatches = 10

// bootstrapNoDataLimit is how many bars Bootstrap fetches for a
// (symbol,timeframe) pair that has no stored history at all.
const bootstrapNoDataLimit = 500

// Bootstrap runs once before Run's steady-state loop begins. For every
// configured (symbol,timeframe) pair it inspects the Store for the
// last persisted bar and either: fetches an initial window if there is
// no history yet, catches up in bounded batches if there is a gap
// since the last bar, or does nothing if the Store is already current.
func (p *Producer) Bootstrap(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	now := time.Now().Unix()
	for _, symbol := range p.symbols {
		for _, tf := range p.timeframes {
			symbol, tf := symbol, tf
			g.Go(func() error { return p.bootstrapOne(gctx, symbol, tf, now) })
		}
	}
	return g.Wait()
}

func (p *Producer) bootstrapOne(ctx context.Context, symbol, tf string, now int64) error {
	interval, ok := exchange.TimeframeSeconds(tf)
	if !ok {
		interval = 60
	}

	recent, err := p.st.RecentBars(ctx, store.BarFilter{
		Symbol: symbol, Timeframe: tf, MarketType: p.mkt, Limit: 1,
	})
	if err != nil {
		return fmt.Errorf("bootstrap %s/%s: query last bar: %w", symbol, tf, err)
	}

	if len(recent) == 0 {
		log.Printf("producer: bootstrap %s/%s: no stored history, fetching initial window", symbol, tf)
		bars, err := p.ex.FetchBars(ctx, symbol, tf, now-bootstrapNoDataLimit*interval, bootstrapNoDataLimit)
		if err != nil {
			return fmt.Errorf("bootstrap %s/%s: initial fetch: %w", symbol, tf, err)
		}
		for _, bar := range bars {
			p.ingest(ctx, bar)
		}
		return nil
	}

	lastTs := recent[0].Timestamp
	gap := now - lastTs
	if gap <= interval {
		log.Printf("producer: bootstrap %s/%s: up to date (last bar %ds ago)", symbol, tf, gap)
		return nil
	}

	log.Printf("producer: bootstrap %s/%s: gap of %ds since last bar, catching up", symbol, tf, gap)
	since := lastTs + interval
	for batch := 0; batch < bootstrapMaxBatches && since < now; batch++ {
		bars, err := p.ex.FetchBars(ctx, symbol, tf, since, bootstrapBatchLimit)
		if err != nil {
			return fmt.Errorf("bootstrap %s/%s: catch-up batch %d: %w", symbol, tf, batch, err)
		}
		if len(bars) == 0 {
			break
		}
		for _, bar := range bars {
			p.ingest(ctx, bar)
		}
		since = bars[len(bars)-1].Timestamp + interval
	}
	return nil
}

// Run starts the steady-state fetch loop, blocking until ctx is
// cancelled. Each tick fans out one concurrent fetch per
// (symbol,timeframe) pair via errgroup.
func (p *Producer) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.fetchInterval)
	defer ticker.Stop()

	flushTicker := time.NewTicker(p.flushInterval)
	defer flushTicker.Stop()

	log.Printf("producer: started for %d symbols x %d timeframes, fetch every %v",
		len(p.symbols), len(p.timeframes), p.fetchInterval)

	for {
		select {
		case <-ctx.Done():
			p.flush(context.Background())
			return ctx.Err()
		case <-flushTicker.C:
			p.flush(ctx)
		case <-ticker.C:
			if err := p.fetchOnce(ctx); err != nil {
				log.Printf("producer: fetch cycle error: %v", err)
			}
		}
	}
}

func (p *Producer) fetchOnce(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, symbol := range p.symbols {
		for _, tf := range p.timeframes {
			symbol, tf := symbol, tf
			g.Go(func() error {
				since := p.cur.get(cursorKey(symbol, tf))
				bars, err := p.ex.FetchBars(gctx, symbol, tf, since, 10)
				if err != nil {
					log.Printf("producer: fetch %s/%s: %v", symbol, tf, err)
					return nil // per-bar/per-fetch recovery, never abort the cycle
				}
				for _, bar := range bars {
					p.ingest(gctx, bar)
				}
				return nil
			})
		}
	}
	return g.Wait()
}

// ingest publishes a bar to the bus, advances the cursor, and appends
// it to the write buffer, flushing immediately if the buffer is full.
func (p *Producer) ingest(ctx context.Context, bar model.Bar) {
	if !bar.Valid() {
		log.Printf("producer: dropping invalid bar %+v", bar)
		return
	}
	atomic.AddUint64(&p.fetched, 1)

	payload, err := encodeBar(bar)
	if err != nil {
		log.Printf("producer: encode bar: %v", err)
		return
	}
	if err := p.b.Publish(ctx, bar.Key().Subject(), payload); err != nil {
		log.Printf("producer: publish: %v", err)
	} else {
		atomic.AddUint64(&p.published, 1)
	}

	p.cur.set(cursorKey(bar.Symbol, bar.Timeframe), bar.Timestamp)

	p.mu.Lock()
	p.buffer = append(p.buffer, bar)
	full := len(p.buffer) >= p.bufferSize
	p.mu.Unlock()

	if full {
		p.flush(ctx)
	}
}

// flushBackoff is the delay before each of flush's retry attempts,
// applied in order: 1s after the first failure, 2s after the second,
// 3s after the third before giving up.
var flushBackoff = []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}

// flush drains the write buffer to the Store, retrying up to
// len(flushBackoff) times with backoff between attempts. If every
// attempt fails the batch is re-prepended onto the buffer and the
// failure counter is incremented, so the next flush retries the same
// bars from scratch.
func (p *Producer) flush(ctx context.Context) {
	p.mu.Lock()
	if len(p.buffer) == 0 {
		p.mu.Unlock()
		return
	}
	batch := p.buffer
	p.buffer = make([]model.Bar, 0, p.bufferSize)
	p.mu.Unlock()

	var err error
retry:
	for attempt := 0; ; attempt++ {
		if err = p.st.UpsertBars(ctx, batch); err == nil {
			return
		}
		if attempt >= len(flushBackoff) {
			break
		}
		log.Printf("producer: flush attempt %d/%d failed for %d bars, retrying in %v: %v",
			attempt+1, len(flushBackoff), len(batch), flushBackoff[attempt], err)
		select {
		case <-time.After(flushBackoff[attempt]):
		case <-ctx.Done():
			break retry
		}
	}

	log.Printf("producer: flush failed after %d attempts, re-queuing %d bars: %v", len(flushBackoff)+1, len(batch), err)
	atomic.AddUint64(&p.flushFailures, 1)
	p.mu.Lock()
	p.buffer = append(batch, p.buffer...)
	p.mu.Unlock()
}

// Stats returns a snapshot of producer counters.
func (p *Producer) Stats() Stats {
	p.mu.Lock()
	depth := len(p.buffer)
	p.mu.Unlock()
	return Stats{
		Fetched:       atomic.LoadUint64(&p.fetched),
		Published:     atomic.LoadUint64(&p.published),
		FlushFailures: atomic.LoadUint64(&p.flushFailures),
		BufferDepth:   depth,
	}
}
