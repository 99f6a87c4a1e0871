package models

import "time"

// TradeStatus represents the lifecycle status of a trade.
type TradeStatus string

const (
	TradeOpen   TradeStatus = "OPEN"
	TradeClosed TradeStatus = "CLOSED"

	// TradeBlank is a zero-quantity placeholder used to anchor journal notes
	// to a date that has no trades.
	TradeBlank TradeStatus = "BLANK"
)

// HoldingPeriod is a coarse classification of trade duration.
type HoldingPeriod string

const (
	HoldScalp    HoldingPeriod = "SCALP"
	HoldIntraday HoldingPeriod = "INTRADAY"
	HoldSwing    HoldingPeriod = "SWING"
	HoldPosition HoldingPeriod = "POSITION"
	HoldLongTerm HoldingPeriod = "LONG_TERM"
)

// MarketSession classifies when a trade was entered relative to exchange hours.
type MarketSession string

const (
	SessionPreMarket  MarketSession = "PRE_MARKET"
	SessionRegular    MarketSession = "REGULAR"
	SessionAfterHours MarketSession = "AFTER_HOURS"
	SessionClosed     MarketSession = "CLOSED"
)

// Trade is a matched round-trip (or still-open) position reconstructed from
// executions. EntryPrice and ExitPrice are quantity-weighted averages over
// the consumed opening lots and closing executions.
type Trade struct {
	ID            string
	UserID        string
	Symbol        string
	Side          OrderSide // BUY = long position, SELL = short position
	Quantity      float64
	EntryPrice    float64
	ExitPrice     float64
	PnL           float64
	EntryDate     time.Time
	ExitDate      *time.Time
	HoldingPeriod HoldingPeriod
	MarketSession MarketSession
	Status        TradeStatus
	OrdersInTrade []string // constituent order ids in chronological order
	IsCalculated  bool
	CreatedAt     time.Time
}
