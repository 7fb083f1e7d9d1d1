package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/ndrandal/kline-engine/internal/model"
)

// Resilient wraps a real Exchange adapter with a circuit breaker (trips
// open on sustained failures, addressing the "Fatal" error kind the
// producer otherwise has to detect by heuristic) and a token-bucket
// rate limiter, so a real venue client never needs to implement either
// concern itself.
type Resilient struct {
	inner   Exchange
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

// NewResilient wraps inner. ratePerSec/burst size the limiter; a
// breaker trips open after 5 consecutive failures and half-opens after
// 30 seconds.
func NewResilient(inner Exchange, ratePerSec float64, burst int) *Resilient {
	st := gobreaker.Settings{
		Name:        "exchange",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &Resilient{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker(st),
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst),
	}
}

func (r *Resilient) guard(ctx context.Context) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("exchange: rate limit wait: %w", err)
	}
	return nil
}

// FetchBars implements Exchange.
func (r *Resilient) FetchBars(ctx context.Context, symbol, timeframe string, since int64, limit int) ([]model.Bar, error) {
	if err := r.guard(ctx); err != nil {
		return nil, err
	}
	out, err := r.breaker.Execute(func() (interface{}, error) {
		return r.inner.FetchBars(ctx, symbol, timeframe, since, limit)
	})
	if err != nil {
		return nil, fmt.Errorf("exchange: fetch bars %s/%s: %w", symbol, timeframe, err)
	}
	return out.([]model.Bar), nil
}

func (r *Resilient) FetchTicker(ctx context.Context, symbol string) (Ticker, error) {
	if err := r.guard(ctx); err != nil {
		return Ticker{}, err
	}
	out, err := r.breaker.Execute(func() (interface{}, error) {
		return r.inner.FetchTicker(ctx, symbol)
	})
	if err != nil {
		return Ticker{}, fmt.Errorf("exchange: fetch ticker %s: %w", symbol, err)
	}
	return out.(Ticker), nil
}

func (r *Resilient) FetchOrderBook(ctx context.Context, symbol string, depth int) (OrderBook, error) {
	if err := r.guard(ctx); err != nil {
		return OrderBook{}, err
	}
	out, err := r.breaker.Execute(func() (interface{}, error) {
		return r.inner.FetchOrderBook(ctx, symbol, depth)
	})
	if err != nil {
		return OrderBook{}, fmt.Errorf("exchange: fetch order book %s: %w", symbol, err)
	}
	return out.(OrderBook), nil
}

func (r *Resilient) CreateOrder(ctx context.Context, symbol string, side OrderSide, qty, price float64) (Order, error) {
	if err := r.guard(ctx); err != nil {
		return Order{}, err
	}
	out, err := r.breaker.Execute(func() (interface{}, error) {
		return r.inner.CreateOrder(ctx, symbol, side, qty, price)
	})
	if err != nil {
		return Order{}, fmt.Errorf("exchange: create order %s: %w", symbol, err)
	}
	return out.(Order), nil
}

func (r *Resilient) CancelOrder(ctx context.Context, orderID string) error {
	if err := r.guard(ctx); err != nil {
		return err
	}
	_, err := r.breaker.Execute(func() (interface{}, error) {
		return nil, r.inner.CancelOrder(ctx, orderID)
	})
	if err != nil {
		return fmt.Errorf("exchange: cancel order %s: %w", orderID, err)
	}
	return nil
}

func (r *Resilient) FetchOrder(ctx context.Context, orderID string) (Order, error) {
	if err := r.guard(ctx); err != nil {
		return Order{}, err
	}
	out, err := r.breaker.Execute(func() (interface{}, error) {
		return r.inner.FetchOrder(ctx, orderID)
	})
	if err != nil {
		return Order{}, fmt.Errorf("exchange: fetch order %s: %w", orderID, err)
	}
	return out.(Order), nil
}

func (r *Resilient) FetchBalance(ctx context.Context) ([]Balance, error) {
	if err := r.guard(ctx); err != nil {
		return nil, err
	}
	out, err := r.breaker.Execute(func() (interface{}, error) {
		return r.inner.FetchBalance(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("exchange: fetch balance: %w", err)
	}
	return out.([]Balance), nil
}
