// Package model holds the wire/storage types shared across the pipeline:
// bars, indicator vectors, signals, positions, and the account snapshot
// derived from them.
package model

import "fmt"

// MarketType distinguishes venue segments for a symbol.
type MarketType string

const (
	MarketSpot     MarketType = "spot"
	MarketFuture   MarketType = "future"
	MarketDelivery MarketType = "delivery"
)

// BarKey uniquely identifies a Bar, Indicator Vector or repair target.
type BarKey struct {
	Symbol     string
	Timeframe  string
	Timestamp  int64
	MarketType MarketType
}

// Subject returns the bus subject a Bar with this key is published on.
func (k BarKey) Subject() string {
	return fmt.Sprintf("bar.%s.%s.%s", k.Symbol, k.Timeframe, k.MarketType)
}

// IndicatorSubject returns the bus subject the matching Indicator Vector
// is published on. Indicator subjects do not carry market type: a
// (symbol,timeframe) series has exactly one live indicator stream.
func (k BarKey) IndicatorSubject() string {
	return fmt.Sprintf("ind.%s.%s", k.Symbol, k.Timeframe)
}

// Bar is one OHLCV sample. The bar at the currently-open interval is
// mutable (repeated fetches may update it) until the interval closes.
type Bar struct {
	Symbol     string     `json:"symbol" bson:"symbol"`
	Timeframe  string     `json:"timeframe" bson:"timeframe"`
	Timestamp  int64      `json:"timestamp" bson:"timestamp"`
	MarketType MarketType `json:"market_type" bson:"market_type"`
	Open       float64    `json:"open" bson:"open"`
	High       float64    `json:"high" bson:"high"`
	Low        float64    `json:"low" bson:"low"`
	Close      float64    `json:"close" bson:"close"`
	Volume     float64    `json:"volume" bson:"volume"`
}

// Key returns the Bar's identity tuple.
func (b Bar) Key() BarKey {
	return BarKey{Symbol: b.Symbol, Timeframe: b.Timeframe, Timestamp: b.Timestamp, MarketType: b.MarketType}
}

// Valid checks the OHLC invariant: low <= open,close <= high, volume >= 0.
func (b Bar) Valid() bool {
	if b.Volume < 0 {
		return false
	}
	if b.Low > b.Open || b.Open > b.High {
		return false
	}
	if b.Low > b.Close || b.Close > b.High {
		return false
	}
	return true
}

// IndicatorVector is the snapshot of derived statistics at a Bar's
// timestamp. Any field is nil (unknown) before its calculator warms up.
type IndicatorVector struct {
	Symbol     string     `json:"symbol" bson:"symbol"`
	Timeframe  string     `json:"timeframe" bson:"timeframe"`
	Timestamp  int64      `json:"timestamp" bson:"timestamp"`
	MarketType MarketType `json:"market_type" bson:"market_type"`

	MA5   *float64 `json:"ma5,omitempty" bson:"ma5,omitempty"`
	MA10  *float64 `json:"ma10,omitempty" bson:"ma10,omitempty"`
	MA20  *float64 `json:"ma20,omitempty" bson:"ma20,omitempty"`
	MA60  *float64 `json:"ma60,omitempty" bson:"ma60,omitempty"`
	MA120 *float64 `json:"ma120,omitempty" bson:"ma120,omitempty"`

	EMA12 *float64 `json:"ema12,omitempty" bson:"ema12,omitempty"`
	EMA26 *float64 `json:"ema26,omitempty" bson:"ema26,omitempty"`

	RSI14 *float64 `json:"rsi14,omitempty" bson:"rsi14,omitempty"`

	MACDLine      *float64 `json:"macd_line,omitempty" bson:"macd_line,omitempty"`
	MACDSignal    *float64 `json:"macd_signal,omitempty" bson:"macd_signal,omitempty"`
	MACDHistogram *float64 `json:"macd_histogram,omitempty" bson:"macd_histogram,omitempty"`

	BBUpper  *float64 `json:"bb_upper,omitempty" bson:"bb_upper,omitempty"`
	BBMiddle *float64 `json:"bb_middle,omitempty" bson:"bb_middle,omitempty"`
	BBLower  *float64 `json:"bb_lower,omitempty" bson:"bb_lower,omitempty"`

	ATR14     *float64 `json:"atr14,omitempty" bson:"atr14,omitempty"`
	VolumeMA5 *float64 `json:"volume_ma5,omitempty" bson:"volume_ma5,omitempty"`
}

// Key returns the IndicatorVector's identity tuple.
func (v IndicatorVector) Key() BarKey {
	return BarKey{Symbol: v.Symbol, Timeframe: v.Timeframe, Timestamp: v.Timestamp, MarketType: v.MarketType}
}

// SignalType enumerates the four directional intents a strategy may emit.
type SignalType string

const (
	SignalOpenLong   SignalType = "OPEN_LONG"
	SignalOpenShort  SignalType = "OPEN_SHORT"
	SignalCloseLong  SignalType = "CLOSE_LONG"
	SignalCloseShort SignalType = "CLOSE_SHORT"
)

// Side is the directional exposure of a Position or Signal.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Action distinguishes an opening from a closing Signal.
type Action string

const (
	ActionOpen  Action = "OPEN"
	ActionClose Action = "CLOSE"
)

// Signal is a strategy's declared intent to open or close a position.
type Signal struct {
	StrategyName string     `json:"strategy_name" bson:"strategy_name"`
	Symbol       string     `json:"symbol" bson:"symbol"`
	Timestamp    int64      `json:"timestamp" bson:"timestamp"`
	SignalType   SignalType `json:"signal_type" bson:"signal_type"`
	Side         Side       `json:"side" bson:"side"`
	Action       Action     `json:"action" bson:"action"`
	Price        float64    `json:"price" bson:"price"`
	Reason       string     `json:"reason" bson:"reason"`
	Confidence   float64    `json:"confidence" bson:"confidence"`
	StopLoss     *float64   `json:"stop_loss,omitempty" bson:"stop_loss,omitempty"`
	TakeProfit   *float64   `json:"take_profit,omitempty" bson:"take_profit,omitempty"`
	PositionSize *float64   `json:"position_size,omitempty" bson:"position_size,omitempty"`
}

// Position is an open directional exposure, owned exclusively by the
// Strategy Runtime or the Trading Engine's in-memory position table.
type Position struct {
	Symbol    string  `json:"symbol"`
	Side      Side    `json:"side"`
	Qty       float64 `json:"qty"`
	EntryPx   float64 `json:"entry_price"`
	EntryTS   int64   `json:"entry_ts"`
	HighWater float64 `json:"high_water"`
	LowWater  float64 `json:"low_water"`
	StopLoss  float64 `json:"stop_loss"`
	TakeProft float64 `json:"take_profit"`
}

// Account is a derived snapshot of closed-trade and open-position state.
type Account struct {
	Balance    float64 `json:"balance"`
	Equity     float64 `json:"equity"`
	RealizedPL float64 `json:"realized_pnl"`
	Exposure   float64 `json:"exposure"`
}
