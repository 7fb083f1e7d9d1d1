// Package bus implements the in-process publish/subscribe message bus
// used to decouple the producer, indicator node, and strategy runtime.
package bus

import "context"

// Message is an envelope carrying a JSON-encoded Bar, IndicatorVector or
// Signal on a given subject.
type Message struct {
	Subject   string
	Payload   []byte
	Timestamp int64
}

// Subscription delivers messages to a single subscriber. Callers must
// drain C until Unsubscribe is called or the bus is closed.
type Subscription interface {
	C() <-chan Message
	Unsubscribe()
}

// Bus is the pub/sub contract shared by every producer/consumer pair in
// the pipeline. Implementations MAY back onto an external broker with
// pub/sub plus a capped replay stream (see RedisBus); the default
// LocalBus keeps everything in-process.
type Bus interface {
	// Publish delivers payload to every live subscriber whose pattern
	// matches subject, and appends it to that subject's capped replay
	// log.
	Publish(ctx context.Context, subject string, payload []byte) error

	// Subscribe registers a new subscription against pattern, which may
	// contain a single trailing "*" wildcard segment (e.g. "bar.*").
	Subscribe(ctx context.Context, pattern string) (Subscription, error)

	// History returns up to limit of the most recent messages published
	// on subject, oldest first.
	History(ctx context.Context, subject string, limit int) ([]Message, error)

	// Close releases all resources and terminates every live
	// subscription.
	Close() error
}

// ReplayCap is the maximum number of messages retained per subject for
// History(), matching the Python original's Redis stream MAXLEN.
const ReplayCap = 1000
