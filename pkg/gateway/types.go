package gateway

import (
	"time"

	"github.com/shopspring/decimal"
)

// NoRequestID marks events that are not tied to a request (session-level).
const NoRequestID = -1

// Action denotes order direction.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// Opposite returns SELL for BUY and BUY for SELL.
func (a Action) Opposite() Action {
	if a == ActionBuy {
		return ActionSell
	}
	return ActionBuy
}

// OrderType uses the gateway's order type codes.
type OrderType string

const (
	OrderTypeMarket    OrderType = "MKT"
	OrderTypeLimit     OrderType = "LMT"
	OrderTypeStop      OrderType = "STP"
	OrderTypeStopLimit OrderType = "STP LMT"
	OrderTypeTrailing  OrderType = "TRAIL"
)

// TimeInForce captures TIF semantics.
type TimeInForce string

const (
	TIFDay TimeInForce = "DAY"
	TIFGTC TimeInForce = "GTC"
)

// TickField identifies which quote field a tick updates.
type TickField string

const (
	TickBid   TickField = "bid"
	TickAsk   TickField = "ask"
	TickLast  TickField = "last"
	TickHigh  TickField = "high"
	TickLow   TickField = "low"
	TickClose TickField = "close"
)

// RequestKind enumerates the requests the desk sends to the gateway.
type RequestKind string

const (
	ReqMarketData       RequestKind = "market_data"
	ReqCancelMarketData RequestKind = "cancel_market_data"
	ReqHistoricalData   RequestKind = "historical_data"
	ReqAccountSummary   RequestKind = "account_summary"
	ReqPositions        RequestKind = "positions"
	ReqPlaceOrder       RequestKind = "place_order"
	ReqCancelOrder      RequestKind = "cancel_order"
	ReqOpenOrders       RequestKind = "open_orders" // every client's working orders
)

// Contract identifies a tradable instrument.
type Contract struct {
	Symbol   string `json:"symbol"`
	SecType  string `json:"sec_type"`
	Exchange string `json:"exchange"`
	Currency string `json:"currency"`
}

// OrderTicket is the wire form of a single order leg.
type OrderTicket struct {
	OrderID         int64           `json:"order_id"`
	ParentID        int64           `json:"parent_id,omitempty"`
	Action          Action          `json:"action"`
	Type            OrderType       `json:"type"`
	Quantity        int64           `json:"quantity"`
	LimitPrice      decimal.Decimal `json:"limit_price"`
	AuxPrice        decimal.Decimal `json:"aux_price"`
	TrailingPercent decimal.Decimal `json:"trailing_percent"`
	TIF             TimeInForce     `json:"tif"`
	OCAGroup        string          `json:"oca_group,omitempty"`
	OCAType         int             `json:"oca_type,omitempty"`
	Transmit        bool            `json:"transmit"`
	Ref             string          `json:"ref,omitempty"`
}

// Request is a fire-and-forget message; the response arrives as Events.
type Request struct {
	ID       int               `json:"id"`
	Kind     RequestKind       `json:"kind"`
	Contract Contract          `json:"contract"`
	Params   map[string]string `json:"params,omitempty"`
	Order    *OrderTicket      `json:"order,omitempty"`
}

// EventKind enumerates callbacks delivered by the receive loop.
type EventKind string

const (
	EventNextValidID       EventKind = "next_valid_id"
	EventTick              EventKind = "tick"
	EventOrderStatus       EventKind = "order_status"
	EventPosition          EventKind = "position"
	EventPositionEnd       EventKind = "position_end"
	EventAccountValue      EventKind = "account_value"
	EventAccountSummaryEnd EventKind = "account_summary_end"
	EventHistoricalBar     EventKind = "historical_bar"
	EventHistoricalEnd     EventKind = "historical_end"
	EventOpenOrder         EventKind = "open_order"
	EventOpenOrderEnd      EventKind = "open_order_end"
	EventExecution         EventKind = "execution"
	EventError             EventKind = "error"
)

// Bar is one OHLC bar of historical data.
type Bar struct {
	Date   string          `json:"date"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume decimal.Decimal `json:"volume"`
}

// Event is a single callback from the gateway. Only the fields relevant to
// Kind are set.
type Event struct {
	Kind  EventKind `json:"kind"`
	ReqID int       `json:"req_id"`

	// next_valid_id, order_status, open_order, execution
	OrderID int64 `json:"order_id,omitempty"`

	// tick
	Field TickField       `json:"field,omitempty"`
	Value decimal.Decimal `json:"value"`

	// order_status, open_order
	Status       string          `json:"status,omitempty"`
	Filled       decimal.Decimal `json:"filled"`
	Remaining    decimal.Decimal `json:"remaining"`
	AvgFillPrice decimal.Decimal `json:"avg_fill_price"`

	// position, account_value, open_order, execution
	Account  string          `json:"account,omitempty"`
	Symbol   string          `json:"symbol,omitempty"`
	Quantity decimal.Decimal `json:"quantity"`
	AvgCost  decimal.Decimal `json:"avg_cost"`
	Tag      string          `json:"tag,omitempty"`
	Text     string          `json:"text,omitempty"`
	Currency string          `json:"currency,omitempty"`

	// historical_bar
	Bar *Bar `json:"bar,omitempty"`

	// open_order, execution; an execution carries shares in Quantity, the
	// price in Value and the execution id in Text
	Order *OrderTicket `json:"order,omitempty"`
	Side  Action       `json:"side,omitempty"`

	// error
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	Time time.Time `json:"time"`
}
