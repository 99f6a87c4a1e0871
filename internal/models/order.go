package models

import "time"

// OrderSide represents the normalized side of an execution.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// Order is the canonical production execution record. Orders are immutable
// once created except for the UsedInTrade/TradeID link set by the trade
// builder.
type Order struct {
	ID             string
	UserID         string
	ImportBatchID  string
	BrokerID       string
	Symbol         string
	Side           OrderSide
	Quantity       float64
	Price          float64
	Commission     float64
	Fees           float64
	PlacedAt       *time.Time
	ExecutedAt     time.Time
	Route          string
	Account        string
	Tags           []string
	BrokerMetadata map[string]string
	UsedInTrade    bool
	TradeID        string

	// Seq is the storage insertion sequence, used as the stable secondary
	// sort key for same-timestamp executions.
	Seq       int64
	CreatedAt time.Time
}
