// Package datasource unifies live and back-test data feeding behind
// one interface, so the strategy runtime and trading engine can be
// driven identically in either mode.
package datasource

import (
	"context"

	"github.com/ndrandal/kline-engine/internal/model"
)

// ItemKind distinguishes a bar item from an indicator item on the
// merged stream.
type ItemKind int

const (
	ItemBar ItemKind = iota
	ItemIndicator
)

// Item is one entry on a DataSource's stream: either a Bar or an
// IndicatorVector for one symbol, tagged by Kind.
type Item struct {
	Kind      ItemKind
	Symbol    string
	Timestamp int64
	Bar       model.Bar
	Indicator model.IndicatorVector
}

// DataSource unifies the way live and back-test callers receive bar
// and indicator updates.
type DataSource interface {
	// Stream returns a channel of Items for the given symbols and
	// timeframe. The channel is closed when the source is exhausted
	// (back-test) or ctx is cancelled (live).
	Stream(ctx context.Context, symbols []string, timeframe string) (<-chan Item, error)

	// Close releases any resources held by the source.
	Close() error
}
