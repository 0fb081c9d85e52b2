package events

import (
	"trading-desk/pkg/gateway"
)

// FromGateway maps a gateway callback to the topic and payload published for
// it. Callbacks with no topic (bars, positions, account values) report false.
func FromGateway(clientID int, ev gateway.Event) (Event, any, bool) {
	switch ev.Kind {
	case gateway.EventTick:
		return EventPriceTick, PriceTick{
			ClientID: clientID,
			ReqID:    ev.ReqID,
			Field:    string(ev.Field),
			Value:    ev.Value,
			Time:     ev.Time,
		}, true
	case gateway.EventOrderStatus:
		return EventOrderStatus, OrderStatus{
			ClientID:     clientID,
			OrderID:      ev.OrderID,
			Status:       ev.Status,
			Filled:       ev.Filled,
			Remaining:    ev.Remaining,
			AvgFillPrice: ev.AvgFillPrice,
			Time:         ev.Time,
		}, true
	case gateway.EventExecution:
		return EventExecution, Execution{
			ClientID: clientID,
			ExecID:   ev.Text,
			OrderID:  ev.OrderID,
			Account:  ev.Account,
			Symbol:   ev.Symbol,
			Side:     string(ev.Side),
			Shares:   ev.Quantity,
			Price:    ev.Value,
			Time:     ev.Time,
		}, true
	case gateway.EventError:
		return EventGatewayError, GatewayError{
			ClientID: clientID,
			ReqID:    ev.ReqID,
			Code:     ev.Code,
			Message:  ev.Message,
			Time:     ev.Time,
		}, true
	}
	return "", nil, false
}
