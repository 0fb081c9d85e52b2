// Package order builds validated order graphs (single, bracket, OCO and
// trailing stop) and submits them through a gateway sender.
package order

import (
	"fmt"

	"github.com/shopspring/decimal"

	"trading-desk/pkg/gateway"
)

// Kind tags the shape of a Plan.
type Kind string

const (
	KindSingle   Kind = "single"
	KindBracket  Kind = "bracket"
	KindOCO      Kind = "oco"
	KindTrailing Kind = "trailing"
)

// Role of a leg within its plan.
type Role string

const (
	RoleEntry  Role = "entry"
	RoleStop   Role = "stop"
	RoleTarget Role = "target"
	RoleLeg    Role = "leg"
)

// TrailMode selects how a trailing stop's distance is expressed.
type TrailMode string

const (
	TrailPercent TrailMode = "percent" // fraction of price, 0 < v < 1
	TrailAmount  TrailMode = "amount"  // price units
)

// OCATypeCancelWithBlock cancels the remaining group members when one fills.
const OCATypeCancelWithBlock = 1

var hundred = decimal.NewFromInt(100)

// Order is one leg of a plan.
type Order struct {
	ID         int64               `json:"id"`
	ParentID   int64               `json:"parent_id,omitempty"`
	Role       Role                `json:"role"`
	Contract   gateway.Contract    `json:"contract"`
	Action     gateway.Action      `json:"action"`
	Type       gateway.OrderType   `json:"type"`
	Quantity   int64               `json:"quantity"`
	LimitPrice decimal.Decimal     `json:"limit_price"`
	StopPrice  decimal.Decimal     `json:"stop_price"`
	TrailMode  TrailMode           `json:"trail_mode,omitempty"`
	TrailValue decimal.Decimal     `json:"trail_value"`
	TIF        gateway.TimeInForce `json:"tif"`
	OCAGroup   string              `json:"oca_group,omitempty"`
	Transmit   bool                `json:"transmit"`
	Ref        string              `json:"ref,omitempty"`
}

// Ticket converts the leg to its wire form.
func (o Order) Ticket() gateway.OrderTicket {
	t := gateway.OrderTicket{
		OrderID:  o.ID,
		ParentID: o.ParentID,
		Action:   o.Action,
		Type:     o.Type,
		Quantity: o.Quantity,
		TIF:      o.TIF,
		OCAGroup: o.OCAGroup,
		Transmit: o.Transmit,
		Ref:      o.Ref,
	}
	if o.OCAGroup != "" {
		t.OCAType = OCATypeCancelWithBlock
	}
	switch o.Type {
	case gateway.OrderTypeLimit:
		t.LimitPrice = o.LimitPrice
	case gateway.OrderTypeStop:
		t.AuxPrice = o.StopPrice
	case gateway.OrderTypeStopLimit:
		t.LimitPrice = o.LimitPrice
		t.AuxPrice = o.StopPrice
	case gateway.OrderTypeTrailing:
		if o.TrailMode == TrailPercent {
			t.TrailingPercent = o.TrailValue.Mul(hundred)
		} else {
			t.AuxPrice = o.TrailValue
		}
	}
	return t
}

// Plan is a validated group of legs in submission order. Ownership passes to
// the gateway once it is submitted.
type Plan struct {
	ID       string  `json:"id"`
	Kind     Kind    `json:"kind"`
	Legs     []Order `json:"legs"`
	OCAGroup string  `json:"oca_group,omitempty"`
}

// Root is the first leg: the entry of a bracket, or the only leg of a single.
func (p Plan) Root() Order {
	if len(p.Legs) == 0 {
		return Order{}
	}
	return p.Legs[0]
}

func (p Plan) leg(r Role) (Order, bool) {
	for _, o := range p.Legs {
		if o.Role == r {
			return o, true
		}
	}
	return Order{}, false
}

// StopLoss returns the bracket's protective stop.
func (p Plan) StopLoss() (Order, bool) { return p.leg(RoleStop) }

// TakeProfit returns the bracket's profit target.
func (p Plan) TakeProfit() (Order, bool) { return p.leg(RoleTarget) }

// IDs lists the order ids in submission order.
func (p Plan) IDs() []int64 {
	ids := make([]int64, len(p.Legs))
	for i, o := range p.Legs {
		ids[i] = o.ID
	}
	return ids
}

// ValidationError reports builder input rejected before any network I/O.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid order %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid order %s %q: %s", e.Field, e.Value, e.Reason)
}

func invalid(field string, value any, reason string) error {
	v := ""
	if value != nil {
		v = fmt.Sprint(value)
	}
	return &ValidationError{Field: field, Value: v, Reason: reason}
}
