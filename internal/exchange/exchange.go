// Package exchange defines the venue-adapter contract used by the bar
// producer and trading engine, plus a synthetic GBM implementation for
// tests and development.
package exchange

import (
	"context"
	"time"

	"github.com/ndrandal/kline-engine/internal/model"
)

// OrderSide is the direction of a simulated order.
type OrderSide string

const (
	OrderBuy  OrderSide = "buy"
	OrderSell OrderSide = "sell"
)

// OrderStatus is the lifecycle state of a submitted order.
type OrderStatus string

const (
	OrderOpen     OrderStatus = "open"
	OrderFilled   OrderStatus = "filled"
	OrderCanceled OrderStatus = "canceled"
)

// Order is a minimal order record, present on the Exchange interface so
// a future execution layer can implement against the same contract
// (the core pipeline never calls these methods).
type Order struct {
	ID       string
	Symbol   string
	Side     OrderSide
	Qty      float64
	Price    float64
	Status   OrderStatus
	FilledAt int64
}

// Ticker is a best bid/ask/last snapshot.
type Ticker struct {
	Symbol string
	Bid    float64
	Ask    float64
	Last   float64
	Ts     int64
}

// OrderBookLevel is one price/qty rung of an order book snapshot.
type OrderBookLevel struct {
	Price float64
	Qty   float64
}

// OrderBook is a shallow L2 snapshot.
type OrderBook struct {
	Symbol string
	Bids   []OrderBookLevel
	Asks   []OrderBookLevel
	Ts     int64
}

// Balance is a single asset's available/locked balance.
type Balance struct {
	Asset     string
	Available float64
	Locked    float64
}

// Exchange is the external collaborator the Bar Producer fetches OHLCV
// data from. The full adapter surface named here mirrors the
// originating system's exchange client even though only FetchBars is
// exercised by the pipeline today; the rest are stubs a real adapter
// would implement.
type Exchange interface {
	// FetchBars returns bars for symbol/timeframe in [since, now], used
	// for both steady-state polling and startup gap-fill.
	FetchBars(ctx context.Context, symbol, timeframe string, since int64, limit int) ([]model.Bar, error)

	FetchTicker(ctx context.Context, symbol string) (Ticker, error)
	FetchOrderBook(ctx context.Context, symbol string, depth int) (OrderBook, error)
	CreateOrder(ctx context.Context, symbol string, side OrderSide, qty, price float64) (Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	FetchOrder(ctx context.Context, orderID string) (Order, error)
	FetchBalance(ctx context.Context) ([]Balance, error)
}

// timeframeSeconds maps the timeframe strings used throughout the
// pipeline to their duration in seconds.
var timeframeSeconds = map[string]int64{
	"1m": 60, "5m": 300, "15m": 900, "30m": 1800,
	"1h": 3600, "4h": 14400, "1d": 86400,
}

func timeframeDuration(tf string) time.Duration {
	secs, ok := timeframeSeconds[tf]
	if !ok {
		secs = 60
	}
	return time.Duration(secs) * time.Second
}

// TimeframeSeconds returns the duration in seconds of a timeframe
// string (e.g. "1h" -> 3600), or ok=false if unrecognized. Exposed for
// packages that need to align timestamps without depending on a
// concrete Exchange.
func TimeframeSeconds(tf string) (int64, bool) {
	secs, ok := timeframeSeconds[tf]
	return secs, ok
}
