package bus

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBus is a Bus backed by an external Redis instance: Publish uses
// PUBLISH for live fan-out and XADD (capped at ReplayCap) for history,
// Subscribe uses PSUBSCRIBE/SUBSCRIBE, matching the Python original's
// core/message_bus.py topic convention.
type RedisBus struct {
	client *redis.Client

	mu   sync.Mutex
	subs map[*redisSub]struct{}
}

// NewRedisBus wraps an existing Redis client.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{
		client: client,
		subs:   make(map[*redisSub]struct{}),
	}
}

func streamKey(subject string) string { return "stream:" + subject }

// Publish implements Bus.
func (b *RedisBus) Publish(ctx context.Context, subject string, payload []byte) error {
	if err := b.client.Publish(ctx, subject, payload).Err(); err != nil {
		return fmt.Errorf("bus: redis publish %q: %w", subject, err)
	}
	err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(subject),
		MaxLen: ReplayCap,
		Approx: true,
		Values: map[string]interface{}{"data": payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("bus: redis xadd %q: %w", subject, err)
	}
	return nil
}

type redisSub struct {
	pubsub *redis.PubSub
	ch     chan Message
	cancel context.CancelFunc
	bus    *RedisBus
	once   sync.Once
}

func (s *redisSub) C() <-chan Message { return s.ch }

func (s *redisSub) Unsubscribe() {
	s.once.Do(func() {
		s.cancel()
		s.pubsub.Close()
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}

// Subscribe implements Bus. pattern may contain a single trailing "*"
// wildcard segment, translated to a Redis PSUBSCRIBE glob.
func (b *RedisBus) Subscribe(ctx context.Context, pattern string) (Subscription, error) {
	subCtx, cancel := context.WithCancel(context.Background())

	var pubsub *redis.PubSub
	if strings.Contains(pattern, "*") {
		pubsub = b.client.PSubscribe(subCtx, pattern)
	} else {
		pubsub = b.client.Subscribe(subCtx, pattern)
	}
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("bus: redis subscribe %q: %w", pattern, err)
	}

	s := &redisSub{
		pubsub: pubsub,
		ch:     make(chan Message, 256),
		cancel: cancel,
		bus:    b,
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go func() {
		ch := pubsub.Channel()
		for msg := range ch {
			select {
			case s.ch <- Message{Subject: msg.Channel, Payload: []byte(msg.Payload)}:
			default:
				select {
				case <-s.ch:
				default:
				}
				select {
				case s.ch <- Message{Subject: msg.Channel, Payload: []byte(msg.Payload)}:
				default:
					log.Printf("bus: redis subscriber on %q dropped a message", pattern)
				}
			}
		}
	}()

	return s, nil
}

// History implements Bus via XREVRANGE against the capped stream,
// returning the newest limit entries in oldest-first order.
func (b *RedisBus) History(ctx context.Context, subject string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = int(ReplayCap)
	}
	entries, err := b.client.XRevRangeN(ctx, streamKey(subject), "+", "-", int64(limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("bus: redis xrevrange %q: %w", subject, err)
	}
	out := make([]Message, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		raw, ok := e.Values["data"].(string)
		if !ok {
			continue
		}
		out = append(out, Message{Subject: subject, Payload: []byte(raw)})
	}
	return out, nil
}

// Close implements Bus.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	subs := make([]*redisSub, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()
	for _, s := range subs {
		s.Unsubscribe()
	}
	return b.client.Close()
}
