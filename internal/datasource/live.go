package datasource

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"

	"github.com/ndrandal/kline-engine/internal/bus"
	"github.com/ndrandal/kline-engine/internal/model"
)

// liveQueueSize bounds the per-(symbol,timeframe) internal queue: a
// symbol publishing faster than its consumer reads loses its oldest
// pending item rather than stalling every other symbol sharing the
// stream, resolving the live-mode backpressure open question in favor
// of per-key isolation over a single shared channel.
const liveQueueSize = 1024

// LiveSource streams bar and indicator updates from a Bus as they
// arrive. It never terminates on its own; the caller cancels ctx to
// stop it.
type LiveSource struct {
	b bus.Bus

	mu   sync.Mutex
	subs []bus.Subscription

	dropped uint64
}

// NewLiveSource constructs a LiveSource over b.
func NewLiveSource(b bus.Bus) *LiveSource {
	return &LiveSource{b: b}
}

// Stream implements DataSource.
func (l *LiveSource) Stream(ctx context.Context, symbols []string, timeframe string) (<-chan Item, error) {
	out := make(chan Item, liveQueueSize)

	// One per-symbol buffered queue absorbs a burst from that symbol
	// alone; the decode goroutines fill it using the same drop-oldest
	// policy the bus itself uses for slow subscribers, and a forwarder
	// goroutine drains it into the shared output channel, blocking
	// while that channel is full.
	for _, symbol := range symbols {
		queue := make(chan Item, liveQueueSize)

		// Bar subjects end in a market-type segment; match any of them.
		barSub, err := l.b.Subscribe(ctx, "bar."+symbol+"."+timeframe+".*")
		if err != nil {
			return nil, err
		}
		indSub, err := l.b.Subscribe(ctx, model.BarKey{Symbol: symbol, Timeframe: timeframe}.IndicatorSubject())
		if err != nil {
			return nil, err
		}

		l.mu.Lock()
		l.subs = append(l.subs, barSub, indSub)
		l.mu.Unlock()

		go l.decodeLoop(ctx, barSub, ItemBar, queue)
		go l.decodeLoop(ctx, indSub, ItemIndicator, queue)
		go l.forward(ctx, queue, out)
	}

	go func() {
		<-ctx.Done()
		close(out)
	}()

	return out, nil
}

func (l *LiveSource) decodeLoop(ctx context.Context, sub bus.Subscription, kind ItemKind, queue chan<- Item) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			item, err := decode(kind, msg.Payload)
			if err != nil {
				log.Printf("datasource: decode %v: %v", kind, err)
				continue
			}
			select {
			case queue <- item:
			default:
				select {
				case <-queue:
				default:
				}
				select {
				case queue <- item:
				default:
					atomic.AddUint64(&l.dropped, 1)
				}
			}
		}
	}
}

func (l *LiveSource) forward(ctx context.Context, queue <-chan Item, out chan<- Item) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-queue:
			select {
			case out <- item:
			case <-ctx.Done():
				return
			}
		}
	}
}

func decode(kind ItemKind, payload []byte) (Item, error) {
	switch kind {
	case ItemBar:
		var bar model.Bar
		if err := json.Unmarshal(payload, &bar); err != nil {
			return Item{}, err
		}
		return Item{Kind: ItemBar, Symbol: bar.Symbol, Timestamp: bar.Timestamp, Bar: bar}, nil
	default:
		var vec model.IndicatorVector
		if err := json.Unmarshal(payload, &vec); err != nil {
			return Item{}, err
		}
		return Item{Kind: ItemIndicator, Symbol: vec.Symbol, Timestamp: vec.Timestamp, Indicator: vec}, nil
	}
}

// Dropped returns the cumulative number of items dropped for
// backpressure across every symbol streamed so far.
func (l *LiveSource) Dropped() uint64 {
	return atomic.LoadUint64(&l.dropped)
}

// Close implements DataSource: it unsubscribes every active subscription.
func (l *LiveSource) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.subs {
		s.Unsubscribe()
	}
	l.subs = nil
	return nil
}
