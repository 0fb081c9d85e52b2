package paper

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-desk/pkg/gateway"
)

func testGateway() *Gateway {
	cfg := DefaultConfig()
	cfg.TickInterval = 0
	cfg.NextOrderID = 500
	cfg.Prices = map[string]decimal.Decimal{"AAPL": decimal.RequireFromString("245.67")}
	return New(cfg)
}

func recvN(t *testing.T, c gateway.Conn, n int) []gateway.Event {
	t.Helper()
	out := make([]gateway.Event, 0, n)
	for i := 0; i < n; i++ {
		ev, err := c.Recv()
		require.NoError(t, err)
		out = append(out, ev)
	}
	return out
}

func TestDialHandshake(t *testing.T) {
	g := testGateway()
	c, err := g.Dial(context.Background(), "paper", 0, 1001)
	require.NoError(t, err)
	defer c.Close()

	evs := recvN(t, c, 2)
	assert.Equal(t, gateway.EventError, evs[0].Kind)
	assert.Equal(t, CodeMarketDataFarm, evs[0].Code)
	assert.Equal(t, gateway.EventNextValidID, evs[1].Kind)
	assert.Equal(t, int64(500), evs[1].OrderID)
	assert.True(t, g.Connected(1001))
}

func TestDuplicateClientID(t *testing.T) {
	g := testGateway()
	first, err := g.Dial(context.Background(), "paper", 0, 1001)
	require.NoError(t, err)

	dup, err := g.Dial(context.Background(), "paper", 0, 1001)
	require.NoError(t, err)
	ev := recvN(t, dup, 1)[0]
	assert.Equal(t, CodeClientIDInUse, ev.Code)
	assert.Equal(t, gateway.NoRequestID, ev.ReqID)

	// closing the rejected connection must not release the owner's id
	require.NoError(t, dup.Close())
	assert.True(t, g.Connected(1001))

	require.NoError(t, first.Close())
	assert.False(t, g.Connected(1001))
	_, err = first.Recv()
	assert.ErrorIs(t, err, gateway.ErrClosed)
	assert.ErrorIs(t, first.Send(context.Background(), gateway.Request{Kind: gateway.ReqPositions}), gateway.ErrClosed)
}

func TestMarketOrderFillsAndUpdatesPositions(t *testing.T) {
	g := testGateway()
	c, err := g.Dial(context.Background(), "paper", 0, 1)
	require.NoError(t, err)
	defer c.Close()
	recvN(t, c, 2)

	aapl := gateway.Contract{Symbol: "AAPL"}
	ticket := &gateway.OrderTicket{OrderID: 500, Action: gateway.ActionBuy, Type: gateway.OrderTypeMarket, Quantity: 10, Transmit: true}
	require.NoError(t, c.Send(context.Background(), gateway.Request{ID: 500, Kind: gateway.ReqPlaceOrder, Contract: aapl, Order: ticket}))

	evs := recvN(t, c, 2)
	exec, st := evs[0], evs[1]
	assert.Equal(t, gateway.EventExecution, exec.Kind)
	assert.Equal(t, int64(500), exec.OrderID)
	assert.Equal(t, gateway.ActionBuy, exec.Side)
	assert.True(t, exec.Quantity.Equal(decimal.NewFromInt(10)))
	assert.NotEmpty(t, exec.Text)
	assert.Equal(t, gateway.EventOrderStatus, st.Kind)
	assert.Equal(t, "Filled", st.Status)
	assert.True(t, st.Filled.Equal(decimal.NewFromInt(10)))
	assert.True(t, st.AvgFillPrice.Equal(decimal.RequireFromString("245.67")))

	require.NoError(t, c.Send(context.Background(), gateway.Request{ID: 7, Kind: gateway.ReqPositions}))
	evs = recvN(t, c, 2)
	assert.Equal(t, gateway.EventPosition, evs[0].Kind)
	assert.Equal(t, "AAPL", evs[0].Symbol)
	assert.True(t, evs[0].Quantity.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, gateway.EventPositionEnd, evs[1].Kind)
}

func TestBracketHeldUntilLastLeg(t *testing.T) {
	g := testGateway()
	c, err := g.Dial(context.Background(), "paper", 0, 2)
	require.NoError(t, err)
	defer c.Close()
	recvN(t, c, 2)

	aapl := gateway.Contract{Symbol: "AAPL"}
	legs := []gateway.OrderTicket{
		{OrderID: 500, Action: gateway.ActionBuy, Type: gateway.OrderTypeMarket, Quantity: 5},
		{OrderID: 501, ParentID: 500, Action: gateway.ActionSell, Type: gateway.OrderTypeStop, Quantity: 5, AuxPrice: decimal.NewFromInt(240)},
		{OrderID: 502, ParentID: 500, Action: gateway.ActionSell, Type: gateway.OrderTypeLimit, Quantity: 5, LimitPrice: decimal.NewFromInt(260), Transmit: true},
	}
	for i := range legs {
		require.NoError(t, c.Send(context.Background(), gateway.Request{ID: int(legs[i].OrderID), Kind: gateway.ReqPlaceOrder, Contract: aapl, Order: &legs[i]}))
	}

	evs := recvN(t, c, 6)
	got := make(map[int64][]string)
	for _, ev := range evs {
		if ev.Kind == gateway.EventOrderStatus {
			got[ev.OrderID] = append(got[ev.OrderID], ev.Status)
		}
	}
	assert.Equal(t, []string{"PreSubmitted", "Filled"}, got[500])
	assert.Equal(t, []string{"PreSubmitted", "Submitted"}, got[501])
	assert.Equal(t, []string{"Submitted"}, got[502])

	// the next handshake starts after the ids this client used
	c2, err := g.Dial(context.Background(), "paper", 0, 3)
	require.NoError(t, err)
	defer c2.Close()
	assert.Equal(t, int64(503), recvN(t, c2, 2)[1].OrderID)
}

func TestOpenOrdersListsWorkingOrders(t *testing.T) {
	g := testGateway()
	c, err := g.Dial(context.Background(), "paper", 0, 5)
	require.NoError(t, err)
	defer c.Close()
	recvN(t, c, 2)

	aapl := gateway.Contract{Symbol: "AAPL"}
	legs := []gateway.OrderTicket{
		{OrderID: 500, Action: gateway.ActionSell, Type: gateway.OrderTypeLimit, Quantity: 5, LimitPrice: decimal.NewFromInt(260), OCAGroup: "oca-1", Transmit: true},
		{OrderID: 501, Action: gateway.ActionSell, Type: gateway.OrderTypeStop, Quantity: 5, AuxPrice: decimal.NewFromInt(230), OCAGroup: "oca-1", Transmit: true},
		{OrderID: 502, Action: gateway.ActionBuy, Type: gateway.OrderTypeMarket, Quantity: 1, Transmit: true},
	}
	for i := range legs {
		require.NoError(t, c.Send(context.Background(), gateway.Request{ID: int(legs[i].OrderID), Kind: gateway.ReqPlaceOrder, Contract: aapl, Order: &legs[i]}))
	}
	// two resting statuses, then execution and fill for the market order
	recvN(t, c, 4)

	require.NoError(t, c.Send(context.Background(), gateway.Request{ID: 501, Kind: gateway.ReqCancelOrder}))
	recvN(t, c, 1)

	require.NoError(t, c.Send(context.Background(), gateway.Request{ID: 10, Kind: gateway.ReqOpenOrders}))
	evs := recvN(t, c, 2)
	assert.Equal(t, gateway.EventOpenOrder, evs[0].Kind)
	assert.Equal(t, gateway.NoRequestID, evs[0].ReqID)
	assert.Equal(t, int64(500), evs[0].OrderID)
	assert.Equal(t, "Submitted", evs[0].Status)
	require.NotNil(t, evs[0].Order)
	assert.Equal(t, gateway.OrderTypeLimit, evs[0].Order.Type)
	assert.Equal(t, "oca-1", evs[0].Order.OCAGroup)
	assert.Equal(t, gateway.EventOpenOrderEnd, evs[1].Kind)
}

func TestHistoryAndQuote(t *testing.T) {
	g := testGateway()
	c, err := g.Dial(context.Background(), "paper", 0, 4)
	require.NoError(t, err)
	defer c.Close()
	recvN(t, c, 2)

	req := gateway.Request{ID: 9, Kind: gateway.ReqHistoricalData, Contract: gateway.Contract{Symbol: "BHP"}, Params: map[string]string{"days": "20"}}
	require.NoError(t, c.Send(context.Background(), req))
	evs := recvN(t, c, 21)
	for _, ev := range evs[:20] {
		require.Equal(t, gateway.EventHistoricalBar, ev.Kind)
		assert.True(t, ev.Bar.High.GreaterThanOrEqual(ev.Bar.Low))
		assert.True(t, ev.Bar.High.GreaterThanOrEqual(ev.Bar.Close))
		assert.True(t, ev.Bar.Low.LessThanOrEqual(ev.Bar.Close))
	}
	assert.Equal(t, gateway.EventHistoricalEnd, evs[20].Kind)

	require.NoError(t, c.Send(context.Background(), gateway.Request{ID: 10, Kind: gateway.ReqMarketData, Contract: gateway.Contract{Symbol: "AAPL"}}))
	ticks := recvN(t, c, 6)
	fields := map[gateway.TickField]bool{}
	for _, ev := range ticks {
		assert.Equal(t, 10, ev.ReqID)
		fields[ev.Field] = true
	}
	assert.Len(t, fields, 6)

	require.NoError(t, c.Send(context.Background(), gateway.Request{ID: 11, Kind: gateway.ReqMarketData}))
	ev := recvN(t, c, 1)[0]
	assert.Equal(t, CodeNoSecurityDef, ev.Code)
	assert.Equal(t, 11, ev.ReqID)
}
