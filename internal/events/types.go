package events

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event enumerates the topics published inside the desk.
type Event string

const (
	EventPriceTick     Event = "price_tick"
	EventOrderStatus   Event = "order.status"
	EventSessionState  Event = "session.state"
	EventGatewayError  Event = "gateway.error"
	EventPlanSubmitted Event = "plan.submitted"
	EventExecution     Event = "execution"
)

// PriceTick is one streamed quote field.
type PriceTick struct {
	ClientID int
	ReqID    int
	Field    string
	Value    decimal.Decimal
	Time     time.Time
}

// OrderStatus mirrors an order status callback.
type OrderStatus struct {
	ClientID     int
	OrderID      int64
	Status       string
	Filled       decimal.Decimal
	Remaining    decimal.Decimal
	AvgFillPrice decimal.Decimal
	Time         time.Time
}

// Execution is one fill reported by the gateway.
type Execution struct {
	ClientID int
	ExecID   string
	OrderID  int64
	Account  string
	Symbol   string
	Side     string
	Shares   decimal.Decimal
	Price    decimal.Decimal
	Time     time.Time
}

// SessionState is published on every lifecycle transition.
type SessionState struct {
	ClientID int
	Host     string
	Port     int
	Status   string
	Time     time.Time
}

// GatewayError carries a status code the gateway reported. ReqID is
// gateway.NoRequestID for session-level codes.
type GatewayError struct {
	ClientID int
	ReqID    int
	Code     int
	Message  string
	Severity string
	Time     time.Time
}

// PlanSubmitted is published once every leg of a plan has been sent.
type PlanSubmitted struct {
	ClientID int
	PlanID   string
	Symbol   string
	OrderIDs []int64
	Time     time.Time
}
