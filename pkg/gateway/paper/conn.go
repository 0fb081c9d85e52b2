package paper

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"trading-desk/pkg/gateway"
)

const eventBuffer = 1024

type heldOrder struct {
	contract gateway.Contract
	ticket   gateway.OrderTicket
}

type conn struct {
	g        *Gateway
	clientID int
	owner    bool

	events chan gateway.Event
	done   chan struct{}
	once   sync.Once

	mu   sync.Mutex
	subs map[int]chan struct{} // market data req id -> stop
	held []heldOrder           // untransmitted legs
}

func newConn(g *Gateway, clientID int) *conn {
	return &conn{
		g:        g,
		clientID: clientID,
		events:   make(chan gateway.Event, eventBuffer),
		done:     make(chan struct{}),
		subs:     make(map[int]chan struct{}),
	}
}

func (c *conn) emit(ev gateway.Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *conn) Recv() (gateway.Event, error) {
	select {
	case ev := <-c.events:
		return ev, nil
	case <-c.done:
		return gateway.Event{}, gateway.ErrClosed
	}
}

func (c *conn) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.mu.Lock()
		for id, stop := range c.subs {
			close(stop)
			delete(c.subs, id)
		}
		c.mu.Unlock()
		if c.owner {
			c.g.release(c.clientID)
		}
	})
	return nil
}

func (c *conn) Send(ctx context.Context, req gateway.Request) error {
	select {
	case <-c.done:
		return gateway.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	switch req.Kind {
	case gateway.ReqMarketData:
		if !c.checkSymbol(req) {
			return nil
		}
		c.quote(req.ID, req.Contract.Symbol)
		c.subscribe(req.ID, req.Contract.Symbol)
	case gateway.ReqCancelMarketData:
		c.unsubscribe(req.ID)
	case gateway.ReqHistoricalData:
		if !c.checkSymbol(req) {
			return nil
		}
		c.history(req)
	case gateway.ReqAccountSummary:
		c.accountSummary(req.ID)
	case gateway.ReqPositions:
		c.positions()
	case gateway.ReqPlaceOrder:
		c.placeOrder(req)
	case gateway.ReqCancelOrder:
		c.cancelOrder(int64(req.ID))
	case gateway.ReqOpenOrders:
		c.openOrders()
	default:
		return fmt.Errorf("paper gateway: unsupported request %q", req.Kind)
	}
	return nil
}

func (c *conn) checkSymbol(req gateway.Request) bool {
	if req.Contract.Symbol != "" {
		return true
	}
	c.emit(gateway.Event{Kind: gateway.EventError, ReqID: req.ID, Code: CodeNoSecurityDef,
		Message: "No security definition has been found for the request"})
	return false
}

func (c *conn) quote(reqID int, symbol string) {
	last := c.g.price(symbol)
	spread := decimal.RequireFromString("0.01")
	fields := []struct {
		f gateway.TickField
		v decimal.Decimal
	}{
		{gateway.TickLast, last},
		{gateway.TickBid, last.Sub(spread)},
		{gateway.TickAsk, last.Add(spread)},
		{gateway.TickHigh, last.Mul(decimal.RequireFromString("1.01")).Round(2)},
		{gateway.TickLow, last.Mul(decimal.RequireFromString("0.99")).Round(2)},
		{gateway.TickClose, last},
	}
	for _, f := range fields {
		c.emit(gateway.Event{Kind: gateway.EventTick, ReqID: reqID, Symbol: symbol, Field: f.f, Value: f.v})
	}
}

func (c *conn) subscribe(reqID int, symbol string) {
	if c.g.cfg.TickInterval <= 0 {
		return
	}
	stop := make(chan struct{})
	c.mu.Lock()
	if old, ok := c.subs[reqID]; ok {
		close(old)
	}
	c.subs[reqID] = stop
	c.mu.Unlock()

	go func() {
		t := time.NewTicker(c.g.cfg.TickInterval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-c.done:
				return
			case <-t.C:
				c.emit(gateway.Event{Kind: gateway.EventTick, ReqID: reqID, Symbol: symbol, Field: gateway.TickLast, Value: c.g.price(symbol)})
			}
		}
	}()
}

func (c *conn) unsubscribe(reqID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if stop, ok := c.subs[reqID]; ok {
		close(stop)
		delete(c.subs, reqID)
	}
}

// history emits daily bars ending today. Params["days"] sets the count.
func (c *conn) history(req gateway.Request) {
	days := 30
	if v, err := strconv.Atoi(req.Params["days"]); err == nil && v > 0 {
		days = v
	}
	symbol := req.Contract.Symbol
	closePx := c.g.last(symbol)
	today := time.Now().UTC().Truncate(24 * time.Hour)

	bars := make([]gateway.Bar, days)
	for i := days - 1; i >= 0; i-- {
		c.g.mu.Lock()
		rangeFrac := decimal.NewFromFloat(0.005 + c.g.rng.Float64()*0.02)
		drift := decimal.NewFromFloat(c.g.rng.Float64()*0.02 - 0.01)
		c.g.mu.Unlock()

		open := closePx.Mul(decimal.NewFromInt(1).Sub(drift)).Round(2)
		hi := decimal.Max(open, closePx).Mul(decimal.NewFromInt(1).Add(rangeFrac)).Round(2)
		lo := decimal.Min(open, closePx).Mul(decimal.NewFromInt(1).Sub(rangeFrac)).Round(2)
		bars[i] = gateway.Bar{
			Date:   today.AddDate(0, 0, i-days+1).Format("20060102"),
			Open:   open,
			High:   hi,
			Low:    lo,
			Close:  closePx,
			Volume: decimal.NewFromInt(100000 + int64(i)*1000),
		}
		closePx = open
	}
	for i := range bars {
		bar := bars[i]
		c.emit(gateway.Event{Kind: gateway.EventHistoricalBar, ReqID: req.ID, Symbol: symbol, Bar: &bar})
	}
	c.emit(gateway.Event{Kind: gateway.EventHistoricalEnd, ReqID: req.ID})
}

func (c *conn) accountSummary(reqID int) {
	cfg := c.g.cfg
	nl := cfg.NetLiquidation
	values := []struct {
		tag string
		v   decimal.Decimal
	}{
		{"NetLiquidation", nl},
		{"TotalCashValue", nl},
		{"AvailableFunds", nl},
		{"BuyingPower", nl.Mul(decimal.NewFromInt(4))},
	}
	for _, v := range values {
		c.emit(gateway.Event{Kind: gateway.EventAccountValue, ReqID: reqID, Account: cfg.Account,
			Tag: v.tag, Text: v.v.StringFixed(2), Currency: cfg.Currency})
	}
	c.emit(gateway.Event{Kind: gateway.EventAccountSummaryEnd, ReqID: reqID})
}

// positions mirrors the live gateway: position callbacks carry no request id.
func (c *conn) positions() {
	snap := c.g.snapshotPositions()
	symbols := make([]string, 0, len(snap))
	for s := range snap {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	for _, s := range symbols {
		p := snap[s]
		c.emit(gateway.Event{Kind: gateway.EventPosition, ReqID: gateway.NoRequestID, Account: c.g.cfg.Account,
			Symbol: s, Quantity: p.quantity, AvgCost: p.avgCost})
	}
	c.emit(gateway.Event{Kind: gateway.EventPositionEnd, ReqID: gateway.NoRequestID})
}

func (c *conn) placeOrder(req gateway.Request) {
	if req.Order == nil || req.Order.Quantity <= 0 {
		c.emit(gateway.Event{Kind: gateway.EventError, ReqID: req.ID, Code: CodeOrderRejected,
			Message: "Order rejected - reason: invalid quantity"})
		return
	}
	t := *req.Order
	c.g.reserveIDs(t.OrderID)

	c.mu.Lock()
	c.held = append(c.held, heldOrder{contract: req.Contract, ticket: t})
	if !t.Transmit {
		c.mu.Unlock()
		c.g.track(req.Contract, t, "PreSubmitted")
		c.status(t.OrderID, "PreSubmitted", decimal.Zero, decimal.NewFromInt(t.Quantity), decimal.Zero)
		return
	}
	release := c.held
	c.held = nil
	c.mu.Unlock()

	// a transmitted leg releases every leg held before it
	for _, h := range release {
		c.activate(h)
	}
}

func (c *conn) activate(h heldOrder) {
	t := h.ticket
	qty := decimal.NewFromInt(t.Quantity)
	if t.Type != gateway.OrderTypeMarket || t.ParentID != 0 {
		c.g.track(h.contract, t, "Submitted")
		c.status(t.OrderID, "Submitted", decimal.Zero, qty, decimal.Zero)
		return
	}
	px := c.g.last(h.contract.Symbol)
	c.g.fill(h.contract.Symbol, t.Action, t.Quantity, px)
	c.g.untrack(t.OrderID)
	c.emit(gateway.Event{Kind: gateway.EventExecution, ReqID: gateway.NoRequestID, OrderID: t.OrderID,
		Account: c.g.cfg.Account, Symbol: h.contract.Symbol, Side: t.Action, Quantity: qty, Value: px,
		Text: c.g.nextExecID()})
	c.status(t.OrderID, "Filled", qty, decimal.Zero, px)
}

// openOrders mirrors the live gateway: open order callbacks carry no request id.
func (c *conn) openOrders() {
	for _, w := range c.g.workingOrders() {
		t := w.ticket
		c.emit(gateway.Event{Kind: gateway.EventOpenOrder, ReqID: gateway.NoRequestID, OrderID: t.OrderID,
			Account: c.g.cfg.Account, Symbol: w.contract.Symbol, Status: w.status, Order: &t})
	}
	c.emit(gateway.Event{Kind: gateway.EventOpenOrderEnd, ReqID: gateway.NoRequestID})
}

func (c *conn) cancelOrder(orderID int64) {
	c.mu.Lock()
	for i, h := range c.held {
		if h.ticket.OrderID == orderID {
			c.held = append(c.held[:i], c.held[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	c.g.untrack(orderID)
	c.status(orderID, "Cancelled", decimal.Zero, decimal.Zero, decimal.Zero)
}

func (c *conn) status(orderID int64, status string, filled, remaining, avg decimal.Decimal) {
	c.emit(gateway.Event{Kind: gateway.EventOrderStatus, ReqID: gateway.NoRequestID, OrderID: orderID,
		Status: status, Filled: filled, Remaining: remaining, AvgFillPrice: avg})
}
