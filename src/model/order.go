package model

const (
	OrderTypeMarket = "market"
	OrderTypeLimit  = "limit"

	OrderSideBuy  = "buy"
	OrderSideSell = "sell"
)

const (
	OrderStatePending         = "pending"
	OrderStateOpen            = "open"
	OrderStatePartiallyFilled = "partially_filled"
	OrderStateFilled          = "filled"
	OrderStateCanceled        = "canceled"
	OrderStateRejected        = "rejected"
	OrderStateUnknown         = "unknown"
)

// OrderRequest is what the dispatcher sends to an exchange adapter.
// ClientID is the caller-generated idempotency key: two submissions with
// the same ClientID must never create two exchange orders.
type OrderRequest struct {
	ClientID string   `json:"client_id"`
	Venue    string   `json:"venue"`
	Symbol   string   `json:"symbol"`
	Type     string   `json:"type"`
	Side     string   `json:"side"`
	Amount   float64  `json:"amount"`
	Price    *float64 `json:"price,omitempty"`
	TsMs     int64    `json:"ts_ms"`
}

// OrderStatus is the exchange-side view of an order, normalized across venues.
// Raw keeps the venue payload for debugging; nothing in the core reads it.
type OrderStatus struct {
	ExchangeOrderID string         `json:"exchange_order_id"`
	State           string         `json:"state"`
	FilledAmount    float64        `json:"filled_amount"`
	AvgFillPrice    float64        `json:"avg_fill_price"`
	Fee             float64        `json:"fee"`
	Raw             map[string]any `json:"raw,omitempty"`
}

// Terminal reports whether the exchange will not move this order further.
func (s OrderStatus) Terminal() bool {
	switch s.State {
	case OrderStateFilled, OrderStateCanceled, OrderStateRejected:
		return true
	}
	return false
}

// Ticker is the normalized top-of-book quote.
type Ticker struct {
	Symbol string         `json:"symbol"`
	Bid    float64        `json:"bid"`
	Ask    float64        `json:"ask"`
	Last   float64        `json:"last"`
	Raw    map[string]any `json:"raw,omitempty"`
}

// Balance is one currency of an exchange account.
type Balance struct {
	Currency string         `json:"currency"`
	Free     float64        `json:"free"`
	Locked   float64        `json:"locked"`
	Raw      map[string]any `json:"raw,omitempty"`
}
