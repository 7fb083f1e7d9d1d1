// Package tradingengine turns strategy signals into simulated fills: it
// owns the account balance, applies position sizing and exposure caps,
// and produces the trade ledger and performance metrics a back-test run
// reports back to its caller.
package tradingengine

import (
	"fmt"
	"sync"

	"github.com/ndrandal/kline-engine/internal/model"
)

// openPosition is the Position Manager's private bookkeeping record,
// distinct from model.Position: it additionally tracks the USDT amount
// committed so Close can credit it back alongside realized P&L.
type openPosition struct {
	Symbol      string
	Side        model.Side
	Qty         float64
	EntryPrice  float64
	EntryAmount float64
	EntryTS     int64
	StopLoss    *float64
	TakeProfit  *float64
}

// Trade is one closed round trip, the unit the end-of-run metrics are
// computed over.
type Trade struct {
	Symbol     string     `json:"symbol"`
	Side       model.Side `json:"side"`
	Qty        float64    `json:"qty"`
	EntryPrice float64    `json:"entry_price"`
	ExitPrice  float64    `json:"exit_price"`
	EntryTS    int64      `json:"entry_ts"`
	ExitTS     int64      `json:"exit_ts"`
	PnL        float64    `json:"pnl"`
	PnLPct     float64    `json:"pnl_pct"`
	Reason     string     `json:"reason"`
}

// PositionManager is pure state: it holds no reference to a store, bus,
// or exchange. Every decision it makes is a function of the signals and
// bars it is fed, which is what lets the same type back a live account
// and a back-test run.
type PositionManager struct {
	mu sync.Mutex

	balance float64

	maxPositions         int
	maxExposurePct       float64
	singlePositionMaxPct float64
	sizing               SizingStrategy

	open   map[string]*openPosition
	trades []Trade
}

// NewPositionManager constructs a PositionManager with initialBalance
// USDT and the given exposure controls and sizing strategy.
func NewPositionManager(initialBalance float64, maxPositions int, maxExposurePct, singlePositionMaxPct float64, sizing SizingStrategy) *PositionManager {
	return &PositionManager{
		balance:              initialBalance,
		maxPositions:         maxPositions,
		maxExposurePct:       maxExposurePct,
		singlePositionMaxPct: singlePositionMaxPct,
		sizing:               sizing,
		open:                 make(map[string]*openPosition),
	}
}

// Balance returns the current free cash balance (excludes committed
// position amounts).
func (m *PositionManager) Balance() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balance
}

// Equity returns balance plus the mark-to-market value of every open
// position at the supplied last-known prices. Symbols with no known
// price fall back to their entry price.
func (m *PositionManager) Equity(lastPrice map[string]float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	equity := m.balance
	for symbol, pos := range m.open {
		price, ok := lastPrice[symbol]
		if !ok {
			price = pos.EntryPrice
		}
		equity += pos.EntryAmount + unrealizedPnL(pos, price)
	}
	return equity
}

// Open applies the order admission algorithm to sig and, if accepted,
// opens a position and debits the committed amount from balance. It
// returns false (with no error) when the signal is rejected by an
// exposure rule rather than a hard failure.
func (m *PositionManager) Open(sig model.Signal, ind model.IndicatorVector, bar model.Bar) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.open[sig.Symbol]; exists {
		return false, nil
	}
	if len(m.open) >= m.maxPositions {
		return false, nil
	}
	if sig.Price <= 0 {
		return false, fmt.Errorf("position manager: signal for %s has non-positive price %.8f", sig.Symbol, sig.Price)
	}

	amount := m.sizing.Size(SizingContext{Balance: m.balance, Bar: bar, Signal: sig, Indicator: ind})
	if amount <= 0 {
		return false, nil
	}

	if cap := m.singlePositionMaxPct * m.balance; amount > cap {
		amount = cap
	}

	remaining := m.maxExposurePct*m.balance - m.committedExposure()
	if amount > remaining {
		if remaining < 0.5*amount {
			return false, nil
		}
		amount = remaining
	}
	if amount <= 0 {
		return false, nil
	}

	qty := amount / sig.Price
	m.open[sig.Symbol] = &openPosition{
		Symbol: sig.Symbol, Side: sig.Side, Qty: qty,
		EntryPrice: sig.Price, EntryAmount: amount, EntryTS: sig.Timestamp,
		StopLoss: sig.StopLoss, TakeProfit: sig.TakeProfit,
	}
	m.balance -= amount
	return true, nil
}

// Close realizes a position's P&L against sig's price, credits the
// entry amount and P&L back to balance, records a Trade, and returns it.
func (m *PositionManager) Close(sig model.Signal) (Trade, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.open[sig.Symbol]
	if !ok {
		return Trade{}, false
	}
	delete(m.open, sig.Symbol)

	pnl := unrealizedPnL(pos, sig.Price)
	m.balance += pos.EntryAmount + pnl

	trade := Trade{
		Symbol: pos.Symbol, Side: pos.Side, Qty: pos.Qty,
		EntryPrice: pos.EntryPrice, ExitPrice: sig.Price,
		EntryTS: pos.EntryTS, ExitTS: sig.Timestamp,
		PnL: pnl, PnLPct: pnl / pos.EntryAmount, Reason: sig.Reason,
	}
	m.trades = append(m.trades, trade)
	return trade, true
}

// HasOpen reports whether symbol currently has an open position.
func (m *PositionManager) HasOpen(symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.open[symbol]
	return ok
}

// Trades returns a copy of every closed trade recorded so far.
func (m *PositionManager) Trades() []Trade {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Trade, len(m.trades))
	copy(out, m.trades)
	return out
}

// committedExposure sums the USDT amount committed to open positions.
// Must be called with m.mu held.
func (m *PositionManager) committedExposure() float64 {
	var total float64
	for _, pos := range m.open {
		total += pos.EntryAmount
	}
	return total
}

func unrealizedPnL(pos *openPosition, price float64) float64 {
	if pos.Side == model.SideShort {
		return (pos.EntryPrice - price) * pos.Qty
	}
	return (price - pos.EntryPrice) * pos.Qty
}
