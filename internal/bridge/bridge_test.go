package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-desk/pkg/gateway"
)

// fakeSender records requests and lets a test reply from inside Send.
type fakeSender struct {
	mu    sync.Mutex
	sent  []gateway.Request
	reply func(gateway.Request)
	err   error
}

func (f *fakeSender) Send(_ context.Context, req gateway.Request) error {
	f.mu.Lock()
	f.sent = append(f.sent, req)
	reply, err := f.reply, f.err
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if reply != nil {
		reply(req)
	}
	return nil
}

func (f *fakeSender) kinds() []gateway.RequestKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]gateway.RequestKind, 0, len(f.sent))
	for _, r := range f.sent {
		out = append(out, r.Kind)
	}
	return out
}

func tick(reqID int, field gateway.TickField, v string) gateway.Event {
	return gateway.Event{Kind: gateway.EventTick, ReqID: reqID, Field: field, Value: decimal.RequireFromString(v)}
}

func TestAwaitQuoteResolvesOnFirstTick(t *testing.T) {
	s := &fakeSender{}
	b := New(s, nil, nil)
	s.reply = func(req gateway.Request) {
		if req.Kind == gateway.ReqMarketData {
			b.Dispatch(tick(req.ID, gateway.TickLast, "245.67"))
		}
	}

	req := gateway.Request{ID: b.NextRequestID(), Kind: gateway.ReqMarketData, Contract: gateway.Contract{Symbol: "AAPL"}}
	resp, err := b.Await(context.Background(), req, time.Second)
	require.NoError(t, err)
	assert.Equal(t, KindQuote, resp.Kind)
	assert.Equal(t, "AAPL", resp.Quote.Symbol)
	last, ok := resp.Quote.Field(gateway.TickLast)
	require.True(t, ok)
	assert.True(t, last.Equal(decimal.RequireFromString("245.67")))

	assert.Equal(t, []gateway.RequestKind{gateway.ReqMarketData, gateway.ReqCancelMarketData}, s.kinds())
	assert.Zero(t, b.Outstanding())
}

func TestQuoteWaitsForAPriceField(t *testing.T) {
	s := &fakeSender{}
	b := New(s, nil, nil)
	s.reply = func(req gateway.Request) {
		if req.Kind == gateway.ReqMarketData {
			b.Dispatch(tick(req.ID, gateway.TickHigh, "250.00"))
			b.Dispatch(tick(req.ID, gateway.TickLow, "240.00"))
			b.Dispatch(tick(req.ID, gateway.TickLast, "245.67"))
		}
	}

	req := gateway.Request{ID: b.NextRequestID(), Kind: gateway.ReqMarketData, Contract: gateway.Contract{Symbol: "AAPL"}}
	resp, err := b.Await(context.Background(), req, time.Second)
	require.NoError(t, err)
	ref, ok := resp.Quote.Reference()
	require.True(t, ok)
	assert.True(t, ref.Equal(decimal.RequireFromString("245.67")))
	assert.True(t, resp.Quote.High.Valid())
}

func TestQuoteWithoutPriceTimesOut(t *testing.T) {
	s := &fakeSender{}
	b := New(s, nil, nil)
	s.reply = func(req gateway.Request) {
		if req.Kind == gateway.ReqMarketData {
			b.Dispatch(tick(req.ID, gateway.TickClose, "244.10"))
		}
	}

	req := gateway.Request{ID: b.NextRequestID(), Kind: gateway.ReqMarketData, Contract: gateway.Contract{Symbol: "AAPL"}}
	_, err := b.Await(context.Background(), req, 30*time.Millisecond)
	assert.True(t, IsTimeout(err))
}

// seqIDs stands in for a session's order id sequence.
type seqIDs struct {
	mu   sync.Mutex
	next int64
}

func (s *seqIDs) Next() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next
	s.next++
	return id, nil
}

func TestRequestIDsComeFromOrderIDSequence(t *testing.T) {
	ids := &seqIDs{next: 10000}
	b := New(&fakeSender{}, nil, nil)
	b.UseIDs(ids)

	reqID := b.NextRequestID()
	assert.Equal(t, 10000, reqID)
	quote, err := b.Expect(reqID, KindQuote)
	require.NoError(t, err)

	orderID, err := ids.Next()
	require.NoError(t, err)
	assert.Equal(t, int64(10001), orderID)
	order, err := b.Expect(int(orderID), KindOrderStatus)
	require.NoError(t, err)

	b.Dispatch(gateway.Event{Kind: gateway.EventError, ReqID: int(orderID), Code: 201, Message: "Order rejected"})
	_, err = order.Wait(context.Background(), time.Second)
	var gwErr *GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, int(orderID), gwErr.ReqID)

	// the quote wait is untouched by the rejection
	assert.Equal(t, 1, b.Outstanding())
	quote.Cancel()
	assert.Zero(t, b.Outstanding())
}

func TestOpenOrdersCollectUntilEnd(t *testing.T) {
	s := &fakeSender{}
	b := New(s, nil, nil)
	s.reply = func(req gateway.Request) {
		if req.Kind != gateway.ReqOpenOrders {
			return
		}
		for _, id := range []int64{31, 32} {
			b.Dispatch(gateway.Event{Kind: gateway.EventOpenOrder, ReqID: gateway.NoRequestID, OrderID: id, Symbol: "AAPL", Status: "Submitted",
				Order: &gateway.OrderTicket{OrderID: id, Action: gateway.ActionSell, Type: gateway.OrderTypeLimit, Quantity: 5, OCAGroup: "oca-x"}})
		}
		b.Dispatch(gateway.Event{Kind: gateway.EventOpenOrderEnd, ReqID: gateway.NoRequestID})
	}

	resp, err := b.Await(context.Background(), gateway.Request{ID: b.NextRequestID(), Kind: gateway.ReqOpenOrders}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, KindOpenOrders, resp.Kind)
	require.Len(t, resp.OpenOrders, 2)
	assert.Equal(t, int64(31), resp.OpenOrders[0].OrderID)
	assert.Equal(t, "oca-x", resp.OpenOrders[1].OCAGroup)
	assert.Equal(t, int64(5), resp.OpenOrders[1].Quantity)
}

func TestInformationalCodeDoesNotFailRequest(t *testing.T) {
	s := &fakeSender{}
	b := New(s, nil, nil)
	s.reply = func(req gateway.Request) {
		if req.Kind != gateway.ReqMarketData {
			return
		}
		b.Dispatch(gateway.Event{Kind: gateway.EventError, ReqID: req.ID, Code: 2104, Message: "Market data farm connection is OK"})
		b.Dispatch(gateway.Event{Kind: gateway.EventError, ReqID: req.ID, Code: 10167, Message: "Displaying delayed market data"})
		b.Dispatch(tick(req.ID, gateway.TickBid, "10.00"))
	}

	req := gateway.Request{ID: b.NextRequestID(), Kind: gateway.ReqMarketData, Contract: gateway.Contract{Symbol: "BHP.AX"}}
	resp, err := b.Await(context.Background(), req, time.Second)
	require.NoError(t, err)
	assert.True(t, resp.Quote.Bid.Valid())
}

func TestErrorCodeFailsRequest(t *testing.T) {
	s := &fakeSender{}
	b := New(s, nil, nil)
	s.reply = func(req gateway.Request) {
		if req.Kind == gateway.ReqMarketData {
			b.Dispatch(gateway.Event{Kind: gateway.EventError, ReqID: req.ID, Code: 200, Message: "No security definition has been found"})
		}
	}

	req := gateway.Request{ID: 42, Kind: gateway.ReqMarketData, Contract: gateway.Contract{Symbol: "NOPE"}}
	_, err := b.Await(context.Background(), req, time.Second)
	var gwErr *GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, 200, gwErr.Code)
	assert.Equal(t, 42, gwErr.ReqID)
}

func TestAwaitTimesOut(t *testing.T) {
	b := New(&fakeSender{}, nil, nil)

	req := gateway.Request{ID: 7, Kind: gateway.ReqHistoricalData, Contract: gateway.Contract{Symbol: "AAPL"}}
	_, err := b.Await(context.Background(), req, 20*time.Millisecond)
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
	assert.Zero(t, b.Outstanding())

	// a late response for the expired id is dropped
	b.Dispatch(gateway.Event{Kind: gateway.EventHistoricalEnd, ReqID: 7})
	assert.Zero(t, b.Outstanding())
}

func TestConcurrentAwaitsResolveIndependently(t *testing.T) {
	s := &fakeSender{}
	b := New(s, nil, nil)

	first := gateway.Request{ID: 1, Kind: gateway.ReqMarketData, Contract: gateway.Contract{Symbol: "AAPL"}}
	second := gateway.Request{ID: 2, Kind: gateway.ReqMarketData, Contract: gateway.Contract{Symbol: "MSFT"}}

	var wg sync.WaitGroup
	results := make(map[string]Quote)
	var mu sync.Mutex
	for _, req := range []gateway.Request{first, second} {
		wg.Add(1)
		go func(req gateway.Request) {
			defer wg.Done()
			resp, err := b.Await(context.Background(), req, time.Second)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			results[req.Contract.Symbol] = resp.Quote
			mu.Unlock()
		}(req)
	}

	require.Eventually(t, func() bool { return b.Outstanding() == 2 }, time.Second, time.Millisecond)
	b.Dispatch(tick(2, gateway.TickLast, "410.10"))
	b.Dispatch(tick(1, gateway.TickLast, "245.67"))
	wg.Wait()

	require.Len(t, results, 2)
	assert.True(t, results["AAPL"].Last.Value.Equal(decimal.RequireFromString("245.67")))
	assert.True(t, results["MSFT"].Last.Value.Equal(decimal.RequireFromString("410.10")))
}

func TestFailAllResolvesOutstandingWaits(t *testing.T) {
	b := New(&fakeSender{}, nil, nil)

	call, err := b.Expect(100, KindOrderStatus)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := call.Wait(context.Background(), time.Second)
		done <- err
	}()

	require.Eventually(t, func() bool { return b.Outstanding() == 1 }, time.Second, time.Millisecond)
	b.FailAll(ErrSessionClosed)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrSessionClosed)
	case <-time.After(time.Second):
		t.Fatal("wait was not released")
	}

	_, err = b.Expect(101, KindOrderStatus)
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestDuplicateRequestRejected(t *testing.T) {
	b := New(&fakeSender{}, nil, nil)

	_, err := b.Expect(5, KindOrderStatus)
	require.NoError(t, err)
	_, err = b.Expect(5, KindOrderStatus)
	assert.ErrorIs(t, err, ErrDuplicateRequest)
}

func TestSendFailureReleasesWait(t *testing.T) {
	s := &fakeSender{err: errors.New("broken pipe")}
	b := New(s, nil, nil)

	_, err := b.Await(context.Background(), gateway.Request{ID: 9, Kind: gateway.ReqPositions}, time.Second)
	require.Error(t, err)
	assert.Zero(t, b.Outstanding())

	_, err = b.Expect(9, KindPosition)
	assert.NoError(t, err)
}

func TestUnsupportedRequest(t *testing.T) {
	b := New(&fakeSender{}, nil, nil)
	_, err := b.Await(context.Background(), gateway.Request{ID: 1, Kind: gateway.ReqCancelOrder}, time.Second)
	assert.ErrorIs(t, err, ErrUnsupportedRequest)
}

func TestPositionsCollectUntilEnd(t *testing.T) {
	s := &fakeSender{}
	b := New(s, nil, nil)
	s.reply = func(req gateway.Request) {
		b.Dispatch(gateway.Event{Kind: gateway.EventPosition, ReqID: gateway.NoRequestID, Account: "DU1", Symbol: "AAPL",
			Quantity: decimal.NewFromInt(100), AvgCost: decimal.RequireFromString("190.5")})
		b.Dispatch(gateway.Event{Kind: gateway.EventPosition, ReqID: gateway.NoRequestID, Account: "DU1", Symbol: "BHP",
			Quantity: decimal.NewFromInt(-20), AvgCost: decimal.RequireFromString("45")})
		b.Dispatch(gateway.Event{Kind: gateway.EventPositionEnd, ReqID: gateway.NoRequestID})
	}

	resp, err := b.Await(context.Background(), gateway.Request{ID: b.NextRequestID(), Kind: gateway.ReqPositions}, time.Second)
	require.NoError(t, err)
	require.Len(t, resp.Positions, 2)
	assert.Len(t, b.Store().Positions(), 2)
	assert.Equal(t, "AAPL", b.Store().Positions()[0].Symbol)
}

func TestAccountSummaryAndOrderStatus(t *testing.T) {
	s := &fakeSender{}
	b := New(s, nil, nil)
	s.reply = func(req gateway.Request) {
		switch req.Kind {
		case gateway.ReqAccountSummary:
			b.Dispatch(gateway.Event{Kind: gateway.EventAccountValue, ReqID: req.ID, Account: "DU1", Tag: "NetLiquidation", Text: "100000", Currency: "USD"})
			b.Dispatch(gateway.Event{Kind: gateway.EventAccountSummaryEnd, ReqID: req.ID})
		case gateway.ReqPlaceOrder:
			b.Dispatch(gateway.Event{Kind: gateway.EventOrderStatus, OrderID: req.Order.OrderID, Status: "Submitted",
				Remaining: decimal.NewFromInt(req.Order.Quantity)})
		}
	}

	resp, err := b.Await(context.Background(), gateway.Request{ID: b.NextRequestID(), Kind: gateway.ReqAccountSummary}, time.Second)
	require.NoError(t, err)
	require.Len(t, resp.AccountValues, 1)
	v, ok := b.Store().AccountValue("", "NetLiquidation")
	require.True(t, ok)
	d, err := v.Decimal()
	require.NoError(t, err)
	assert.True(t, d.Equal(decimal.NewFromInt(100000)))

	order := &gateway.OrderTicket{OrderID: 31, Action: gateway.ActionBuy, Type: gateway.OrderTypeMarket, Quantity: 10, Transmit: true}
	resp, err = b.Await(context.Background(), gateway.Request{Kind: gateway.ReqPlaceOrder, Order: order}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "Submitted", resp.Order.Status)
	st, ok := b.Store().OrderState(31)
	require.True(t, ok)
	assert.Equal(t, "Submitted", st.Status)
}

func TestStreamKeepsUpdatingStore(t *testing.T) {
	s := &fakeSender{}
	b := New(s, nil, nil)
	s.reply = func(req gateway.Request) {
		if req.Kind == gateway.ReqMarketData {
			b.Dispatch(tick(req.ID, gateway.TickLast, "1.00"))
		}
	}

	req := gateway.Request{ID: 77, Kind: gateway.ReqMarketData, Contract: gateway.Contract{Symbol: "EUR"}}
	_, err := b.Stream(context.Background(), req, time.Second)
	require.NoError(t, err)

	b.Dispatch(tick(77, gateway.TickLast, "1.05"))
	q, ok := b.Store().Quote("EUR")
	require.True(t, ok)
	assert.True(t, q.Last.Value.Equal(decimal.RequireFromString("1.05")))

	b.Cancel(77)
	b.Dispatch(tick(77, gateway.TickLast, "2.00"))
	q, _ = b.Store().Quote("EUR")
	assert.True(t, q.Last.Value.Equal(decimal.RequireFromString("1.05")))
	assert.Contains(t, s.kinds(), gateway.ReqCancelMarketData)
}

func TestWaitHonoursContext(t *testing.T) {
	b := New(&fakeSender{}, nil, nil)
	call, err := b.Expect(3, KindHistorical)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = call.Wait(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}
