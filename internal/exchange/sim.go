package exchange

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/ndrandal/kline-engine/internal/model"
)

const (
	baseDailyVol = 0.02
	driftPerTick = 0.0
	ticksPerDay  = 1440.0
	tickSize     = 0.01
)

// SimExchange is a synthetic Exchange backed by per-symbol geometric
// Brownian motion, grounded on the teacher's GBM tick engine. It is
// used by tests, the dev "all" command, and anywhere a real venue
// credential is absent.
type SimExchange struct {
	mu       sync.Mutex
	rng      *rng
	prices   map[string]float64
	volMult  map[string]float64
	nextBars map[string][]model.Bar // queued synthetic bars per symbol:timeframe
}

// NewSimExchange creates a SimExchange. seed 0 derives a time-based seed.
func NewSimExchange(seed int64) *SimExchange {
	return &SimExchange{
		rng:     newRNG(seed),
		prices:  make(map[string]float64),
		volMult: make(map[string]float64),
	}
}

// SeedPrice sets the starting price for a symbol; default is 100 if unset.
func (s *SimExchange) SeedPrice(symbol string, price, volatilityMultiplier float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[symbol] = price
	s.volMult[symbol] = volatilityMultiplier
}

func (s *SimExchange) priceFor(symbol string) float64 {
	if p, ok := s.prices[symbol]; ok {
		return p
	}
	s.prices[symbol] = 100
	return 100
}

// tick advances one GBM step for symbol and returns the new price.
func (s *SimExchange) tick(symbol string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	price := s.priceFor(symbol)
	mult := s.volMult[symbol]
	if mult == 0 {
		mult = 1
	}

	tickVol := baseDailyVol / math.Sqrt(ticksPerDay) * mult
	z := s.rng.gaussian()
	logReturn := driftPerTick + tickVol*z
	price *= math.Exp(logReturn)

	price = math.Round(price/tickSize) * tickSize
	if price < tickSize {
		price = tickSize
	}
	s.prices[symbol] = price
	return price
}

// FetchBars implements Exchange by synthesizing `limit` consecutive
// bars for symbol/timeframe starting at `since`, advancing the GBM path
// one step per bar.
func (s *SimExchange) FetchBars(ctx context.Context, symbol, timeframe string, since int64, limit int) ([]model.Bar, error) {
	if limit <= 0 {
		limit = 1
	}
	step := int64(timeframeDuration(timeframe).Seconds())
	bars := make([]model.Bar, 0, limit)
	ts := since
	for i := 0; i < limit; i++ {
		open := s.tick(symbol)
		high := open
		low := open
		for j := 0; j < 3; j++ {
			p := s.tick(symbol)
			if p > high {
				high = p
			}
			if p < low {
				low = p
			}
		}
		closePx := s.tick(symbol)
		if closePx > high {
			high = closePx
		}
		if closePx < low {
			low = closePx
		}
		bars = append(bars, model.Bar{
			Symbol:     symbol,
			Timeframe:  timeframe,
			Timestamp:  ts,
			MarketType: model.MarketSpot,
			Open:       open,
			High:       high,
			Low:        low,
			Close:      closePx,
			Volume:     s.rng.float64() * 1000,
		})
		ts += step
	}
	return bars, nil
}

func (s *SimExchange) FetchTicker(ctx context.Context, symbol string) (Ticker, error) {
	last := s.tick(symbol)
	return Ticker{Symbol: symbol, Bid: last * 0.9995, Ask: last * 1.0005, Last: last}, nil
}

func (s *SimExchange) FetchOrderBook(ctx context.Context, symbol string, depth int) (OrderBook, error) {
	last := s.priceFor(symbol)
	book := OrderBook{Symbol: symbol}
	for i := 1; i <= depth; i++ {
		book.Bids = append(book.Bids, OrderBookLevel{Price: last - float64(i)*tickSize, Qty: 1})
		book.Asks = append(book.Asks, OrderBookLevel{Price: last + float64(i)*tickSize, Qty: 1})
	}
	return book, nil
}

func (s *SimExchange) CreateOrder(ctx context.Context, symbol string, side OrderSide, qty, price float64) (Order, error) {
	return Order{}, fmt.Errorf("exchange: order execution not supported by SimExchange")
}

func (s *SimExchange) CancelOrder(ctx context.Context, orderID string) error {
	return fmt.Errorf("exchange: order execution not supported by SimExchange")
}

func (s *SimExchange) FetchOrder(ctx context.Context, orderID string) (Order, error) {
	return Order{}, fmt.Errorf("exchange: order execution not supported by SimExchange")
}

func (s *SimExchange) FetchBalance(ctx context.Context) ([]Balance, error) {
	return nil, fmt.Errorf("exchange: account balance not supported by SimExchange")
}
