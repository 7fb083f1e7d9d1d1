// Package store defines the persistence contract for bars, indicator
// vectors, signals, and back-test tasks, with one concrete MongoDB
// backing implementation and an in-memory fake for tests.
package store

import (
	"context"

	"github.com/ndrandal/kline-engine/internal/model"
)

// BarFilter narrows a RecentBars query.
type BarFilter struct {
	Symbol     string
	Timeframe  string
	MarketType model.MarketType
	From       *int64
	To         *int64
	Limit      int
}

// IndicatorFilter narrows a RecentIndicators query.
type IndicatorFilter struct {
	Symbol     string
	Timeframe  string
	MarketType model.MarketType
	From       *int64
	To         *int64
	Limit      int
}

// Store is the persistence contract the producer, indicator node,
// strategy runtime, and data-integrity service depend on. It is an
// external collaborator per the module's scope: the pipeline only ever
// calls through this interface.
type Store interface {
	// UpsertBars is an idempotent bulk write keyed on
	// (symbol,timeframe,timestamp,market_type): a repeated bar for the
	// currently-open interval overwrites rather than duplicates.
	UpsertBars(ctx context.Context, bars []model.Bar) error

	// UpsertIndicators is the indicator-vector analogue of UpsertBars.
	UpsertIndicators(ctx context.Context, vecs []model.IndicatorVector) error

	// InsertSignals appends to the append-only signal log.
	InsertSignals(ctx context.Context, signals []model.Signal) error

	// RecentBars returns the most recent bars matching f, up to the
	// limit, sorted ascending by timestamp.
	RecentBars(ctx context.Context, f BarFilter) ([]model.Bar, error)

	// RecentIndicators returns the most recent indicator vectors
	// matching f, up to the limit, sorted ascending by timestamp.
	RecentIndicators(ctx context.Context, f IndicatorFilter) ([]model.IndicatorVector, error)

	// Migrate ensures all required indexes exist. Safe to call
	// repeatedly (idempotent).
	Migrate(ctx context.Context) error

	// Close releases underlying connections.
	Close(ctx context.Context) error
}

// defaultLimit mirrors the teacher's TradeFilter clamp.
const defaultLimit = 500

func clampLimit(n int) int {
	if n <= 0 || n > 2000 {
		return defaultLimit
	}
	return n
}

// withinWindow reports whether ts falls within [from,to], treating a
// nil bound as unconstrained.
func withinWindow(ts int64, from, to *int64) bool {
	if from != nil && ts < *from {
		return false
	}
	if to != nil && ts > *to {
		return false
	}
	return true
}
