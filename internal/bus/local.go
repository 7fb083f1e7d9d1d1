package bus

import (
	"context"
	"log"
	"strings"
	"sync"
	"sync/atomic"
)

// LocalBus is an in-process Bus. It is the default used by back-tests,
// unit tests, and single-process deployments. Fan-out follows the
// teacher's session manager: each subscriber owns a buffered channel
// and a slow subscriber has its oldest-pending message dropped rather
// than blocking the publisher.
type LocalBus struct {
	mu       sync.RWMutex
	subs     map[uint64]*localSub
	replay   map[string][]Message
	bufSize  int
	closed   bool
}

// NewLocalBus creates a LocalBus whose subscriber channels each have
// capacity bufSize.
func NewLocalBus(bufSize int) *LocalBus {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &LocalBus{
		subs:    make(map[uint64]*localSub),
		replay:  make(map[string][]Message),
		bufSize: bufSize,
	}
}

type localSub struct {
	id      uint64
	pattern string
	prefix  string // pattern with "*" stripped, for prefix match
	wild    bool
	ch      chan Message
	bus     *LocalBus
	once    sync.Once
	dropped uint64
}

func (s *localSub) C() <-chan Message { return s.ch }

func (s *localSub) Unsubscribe() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}

func (s *localSub) matches(subject string) bool {
	if !s.wild {
		return s.pattern == subject
	}
	return strings.HasPrefix(subject, s.prefix)
}

var localSubID uint64

// Publish implements Bus.
func (b *LocalBus) Publish(ctx context.Context, subject string, payload []byte) error {
	msg := Message{Subject: subject, Payload: payload}
	if dl, ok := ctx.Deadline(); ok {
		msg.Timestamp = dl.UnixNano()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	hist := append(b.replay[subject], msg)
	if len(hist) > ReplayCap {
		hist = hist[len(hist)-ReplayCap:]
	}
	b.replay[subject] = hist
	subs := make([]*localSub, 0, len(b.subs))
	for _, s := range b.subs {
		if s.matches(subject) {
			subs = append(subs, s)
		}
	}
	b.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- msg:
		default:
			// buffer full: drop the oldest pending message to make room
			// rather than block the publisher or this subscriber's peers.
			select {
			case <-s.ch:
			default:
			}
			select {
			case s.ch <- msg:
			default:
				atomic.AddUint64(&s.dropped, 1)
			}
		}
	}
	return nil
}

// Subscribe implements Bus.
func (b *LocalBus) Subscribe(ctx context.Context, pattern string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	id := atomic.AddUint64(&localSubID, 1)
	s := &localSub{
		id:      id,
		pattern: pattern,
		ch:      make(chan Message, b.bufSize),
		bus:     b,
	}
	if strings.HasSuffix(pattern, "*") {
		s.wild = true
		s.prefix = strings.TrimSuffix(pattern, "*")
	}
	b.subs[id] = s
	return s, nil
}

// History implements Bus.
func (b *LocalBus) History(ctx context.Context, subject string, limit int) ([]Message, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	hist := b.replay[subject]
	if limit <= 0 || limit > len(hist) {
		limit = len(hist)
	}
	out := make([]Message, limit)
	copy(out, hist[len(hist)-limit:])
	return out, nil
}

// Close implements Bus.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
	return nil
}

// logDropped reports subscriber drop counts, grounded on the teacher's
// Client.Dropped stat surfaced via its /health-style endpoint.
func (b *LocalBus) logDropped() {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if d := atomic.LoadUint64(&s.dropped); d > 0 {
			log.Printf("bus: subscriber %d on %q dropped %d messages", s.id, s.pattern, d)
		}
	}
}
