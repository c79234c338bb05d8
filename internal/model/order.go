package model

// Side is the order transaction type.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderRequest describes a single order to be placed through a broker.
// Price 0 means a market order; anything else is a limit price.
type OrderRequest struct {
	Token         string  `json:"token"`
	TradingSymbol string  `json:"trading_symbol,omitempty"`
	Qty           int64   `json:"qty"`
	Side          Side    `json:"side"`
	Price         float64 `json:"price"`
}
