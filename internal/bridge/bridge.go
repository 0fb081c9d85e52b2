// Package bridge turns callbacks delivered on a session's receive loop into
// values a synchronous caller can wait for.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"trading-desk/pkg/gateway"
	"trading-desk/pkg/logger"
)

// Kind is the type of response a caller waits for.
type Kind string

const (
	KindQuote          Kind = "quote"
	KindAccountSummary Kind = "account-summary"
	KindPosition       Kind = "position"
	KindOrderStatus    Kind = "order-status"
	KindHistorical     Kind = "historical"
	KindOpenOrders     Kind = "open-orders"
)

// DefaultTimeout applies when a caller passes a non-positive timeout.
const DefaultTimeout = 10 * time.Second

// firstRequestID starts the fallback sequence of a bridge with no IDSource.
const firstRequestID = 10000

// KindOf maps a request to the response it produces.
func KindOf(req gateway.Request) (Kind, int, error) {
	switch req.Kind {
	case gateway.ReqMarketData:
		return KindQuote, req.ID, nil
	case gateway.ReqHistoricalData:
		return KindHistorical, req.ID, nil
	case gateway.ReqAccountSummary:
		return KindAccountSummary, req.ID, nil
	case gateway.ReqPositions:
		return KindPosition, req.ID, nil
	case gateway.ReqOpenOrders:
		return KindOpenOrders, req.ID, nil
	case gateway.ReqPlaceOrder:
		if req.Order == nil {
			return "", 0, fmt.Errorf("%w: place_order without order", ErrUnsupportedRequest)
		}
		return KindOrderStatus, int(req.Order.OrderID), nil
	default:
		return "", 0, fmt.Errorf("%w: %s", ErrUnsupportedRequest, req.Kind)
	}
}

// Response is the payload of a fulfilled wait. Only the fields for Kind are set.
type Response struct {
	ReqID         int
	Kind          Kind
	Quote         Quote
	AccountValues []AccountValue
	Positions     []Position
	Order         OrderState
	Bars          []gateway.Bar
	OpenOrders    []OpenOrder
}

// Sender issues requests to the gateway.
type Sender interface {
	Send(ctx context.Context, req gateway.Request) error
}

// IDSource hands out the session's order ids. Request ids drawn from the same
// source never collide with an order id, which shares the pending table.
type IDSource interface {
	Next() (int64, error)
}

type slotState int

const (
	slotEmpty slotState = iota
	slotFulfilled
	slotTimedOut
	slotErrored
)

type pending struct {
	id   int
	kind Kind

	state slotState
	resp  Response
	err   error
	done  chan struct{}

	values    []AccountValue
	positions []Position
	bars      []gateway.Bar
	orders    []OpenOrder
}

// Bridge is the per-session wait/signal table. Dispatch is called only from
// the receive loop; every other method is called from caller goroutines.
type Bridge struct {
	mu      sync.Mutex
	pending map[int]*pending
	tickers map[int]string // market data request id -> symbol
	closed  error

	store      *Store
	classifier *Classifier
	sender     Sender
	ids        IDSource
	seq        atomic.Int64
	log        *zap.SugaredLogger
}

func New(sender Sender, classifier *Classifier, store *Store) *Bridge {
	if classifier == nil {
		classifier = NewClassifier(DefaultCodeTable())
	}
	if store == nil {
		store = NewStore()
	}
	b := &Bridge{
		pending:    make(map[int]*pending),
		tickers:    make(map[int]string),
		store:      store,
		classifier: classifier,
		sender:     sender,
		log:        logger.Named("bridge"),
	}
	b.seq.Store(firstRequestID - 1)
	return b
}

// Store exposes the shared state the receive loop maintains.
func (b *Bridge) Store() *Store { return b.store }

// UseIDs makes NextRequestID draw from src. Call it before any request is
// issued.
func (b *Bridge) UseIDs(src IDSource) { b.ids = src }

// NextRequestID returns a fresh request id for this session. With an IDSource
// the id comes out of the order id sequence; before that source is seeded, or
// without one, it comes from a private sequence.
func (b *Bridge) NextRequestID() int {
	if b.ids != nil {
		if id, err := b.ids.Next(); err == nil {
			return int(id)
		}
	}
	return int(b.seq.Add(1))
}

// Call is a registered wait that has not been consumed yet.
type Call struct {
	b *Bridge
	p *pending
}

// Expect registers a wait for id without sending anything. Use it when the
// response is triggered by a request sent elsewhere, e.g. order status after
// a bracket has been transmitted.
func (b *Bridge) Expect(id int, kind Kind) (*Call, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.registerLocked(id, kind)
}

func (b *Bridge) registerLocked(id int, kind Kind) (*Call, error) {
	if b.closed != nil {
		return nil, b.closed
	}
	if _, ok := b.pending[id]; ok {
		return nil, fmt.Errorf("%w: %d", ErrDuplicateRequest, id)
	}
	p := &pending{id: id, kind: kind, done: make(chan struct{})}
	b.pending[id] = p
	return &Call{b: b, p: p}, nil
}

// Await registers a wait for req's response, sends req, and blocks until the
// response arrives, an error code for req is classified terminal, the
// timeout elapses, or ctx is done.
func (b *Bridge) Await(ctx context.Context, req gateway.Request, timeout time.Duration) (Response, error) {
	return b.await(ctx, req, timeout, false)
}

// Stream is Await for market data that keeps the subscription live after the
// first tick. Later ticks keep updating the Store until Cancel.
func (b *Bridge) Stream(ctx context.Context, req gateway.Request, timeout time.Duration) (Response, error) {
	if req.Kind != gateway.ReqMarketData {
		return Response{}, fmt.Errorf("%w: stream %s", ErrUnsupportedRequest, req.Kind)
	}
	return b.await(ctx, req, timeout, true)
}

func (b *Bridge) await(ctx context.Context, req gateway.Request, timeout time.Duration, stream bool) (Response, error) {
	kind, id, err := KindOf(req)
	if err != nil {
		return Response{}, err
	}

	b.mu.Lock()
	call, err := b.registerLocked(id, kind)
	if err == nil && kind == KindQuote {
		b.tickers[id] = req.Contract.Symbol
	}
	b.mu.Unlock()
	if err != nil {
		return Response{}, err
	}

	if err := b.sender.Send(ctx, req); err != nil {
		call.Cancel()
		return Response{}, fmt.Errorf("send %s request %d: %w", req.Kind, id, err)
	}

	resp, err := call.Wait(ctx, timeout)
	if kind == KindQuote && (!stream || err != nil) {
		b.Cancel(id)
	}
	return resp, err
}

// Wait blocks until the call resolves and consumes it.
func (c *Call) Wait(ctx context.Context, timeout time.Duration) (Response, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-c.p.done:
	case <-timer.C:
		c.b.resolve(c.p, slotTimedOut, Response{}, &TimeoutError{ReqID: c.p.id, Kind: c.p.kind, After: timeout})
	case <-ctx.Done():
		c.b.resolve(c.p, slotErrored, Response{}, ctx.Err())
	}

	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if cur, ok := c.b.pending[c.p.id]; ok && cur == c.p {
		delete(c.b.pending, c.p.id)
	}
	return c.p.resp, c.p.err
}

// Cancel drops the call if it has not been consumed.
func (c *Call) Cancel() {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if cur, ok := c.b.pending[c.p.id]; ok && cur == c.p {
		delete(c.b.pending, c.p.id)
	}
	delete(c.b.tickers, c.p.id)
}

// Cancel stops routing ticks for a market data request and asks the gateway
// to stop streaming it.
func (b *Bridge) Cancel(reqID int) {
	b.mu.Lock()
	symbol, ok := b.tickers[reqID]
	delete(b.tickers, reqID)
	closed := b.closed != nil
	b.mu.Unlock()
	if !ok || closed {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := b.sender.Send(ctx, gateway.Request{
		ID:       reqID,
		Kind:     gateway.ReqCancelMarketData,
		Contract: gateway.Contract{Symbol: symbol},
	})
	if err != nil {
		b.log.Debugf("cancel market data %d (%s): %v", reqID, symbol, err)
	}
}

// resolve marks p exactly once. It returns false when p was already resolved.
func (b *Bridge) resolve(p *pending, state slotState, resp Response, err error) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resolveLocked(p, state, resp, err)
}

func (b *Bridge) resolveLocked(p *pending, state slotState, resp Response, err error) bool {
	if p.state != slotEmpty {
		return false
	}
	p.state = state
	p.resp = resp
	p.err = err
	close(p.done)
	return true
}

// FailAll resolves every outstanding wait with err and refuses new ones.
func (b *Bridge) FailAll(err error) {
	if err == nil {
		err = ErrSessionClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed == nil {
		b.closed = err
	}
	for id, p := range b.pending {
		b.resolveLocked(p, slotErrored, Response{}, err)
		delete(b.pending, id)
	}
	for id := range b.tickers {
		delete(b.tickers, id)
	}
}

// Outstanding returns the number of unresolved waits.
func (b *Bridge) Outstanding() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, p := range b.pending {
		if p.state == slotEmpty {
			n++
		}
	}
	return n
}

// Dispatch applies one request-scoped callback. Session-level errors (no
// request id) are the caller's to handle.
func (b *Bridge) Dispatch(ev gateway.Event) {
	at := ev.Time
	if at.IsZero() {
		at = time.Now()
	}

	switch ev.Kind {
	case gateway.EventTick:
		b.mu.Lock()
		symbol, ok := b.tickers[ev.ReqID]
		b.mu.Unlock()
		if !ok {
			return
		}
		q := b.store.ApplyTick(symbol, ev.Field, ev.Value, at)
		// high, low and close alone leave nothing to price against
		if _, ok := q.Reference(); !ok {
			return
		}
		b.fulfill(ev.ReqID, KindQuote, func(p *pending) Response {
			return Response{Quote: q}
		})

	case gateway.EventOrderStatus:
		st := OrderState{
			OrderID:      ev.OrderID,
			Status:       ev.Status,
			Filled:       ev.Filled,
			Remaining:    ev.Remaining,
			AvgFillPrice: ev.AvgFillPrice,
			UpdatedAt:    at,
		}
		b.store.SetOrderState(st)
		b.fulfill(int(ev.OrderID), KindOrderStatus, func(p *pending) Response {
			return Response{Order: st}
		})

	case gateway.EventPosition:
		pos := Position{Account: ev.Account, Symbol: ev.Symbol, Quantity: ev.Quantity, AvgCost: ev.AvgCost, UpdatedAt: at}
		b.store.SetPosition(pos)
		b.each(ev.ReqID, KindPosition, func(p *pending) { p.positions = append(p.positions, pos) })

	case gateway.EventPositionEnd:
		b.fulfillEach(ev.ReqID, KindPosition, func(p *pending) Response {
			return Response{Positions: p.positions}
		})

	case gateway.EventAccountValue:
		v := AccountValue{Account: ev.Account, Tag: ev.Tag, Value: ev.Text, Currency: ev.Currency, UpdatedAt: at}
		b.store.SetAccountValue(v)
		b.each(ev.ReqID, KindAccountSummary, func(p *pending) { p.values = append(p.values, v) })

	case gateway.EventAccountSummaryEnd:
		b.fulfill(ev.ReqID, KindAccountSummary, func(p *pending) Response {
			return Response{AccountValues: p.values}
		})

	case gateway.EventHistoricalBar:
		if ev.Bar == nil {
			return
		}
		bar := *ev.Bar
		b.each(ev.ReqID, KindHistorical, func(p *pending) { p.bars = append(p.bars, bar) })

	case gateway.EventHistoricalEnd:
		b.fulfill(ev.ReqID, KindHistorical, func(p *pending) Response {
			return Response{Bars: p.bars}
		})

	case gateway.EventOpenOrder:
		if ev.Order == nil {
			return
		}
		o := OpenOrder{
			OrderID:    ev.OrderID,
			Account:    ev.Account,
			Symbol:     ev.Symbol,
			Action:     ev.Order.Action,
			Type:       ev.Order.Type,
			Quantity:   ev.Order.Quantity,
			LimitPrice: ev.Order.LimitPrice,
			AuxPrice:   ev.Order.AuxPrice,
			ParentID:   ev.Order.ParentID,
			OCAGroup:   ev.Order.OCAGroup,
			Status:     ev.Status,
		}
		b.each(ev.ReqID, KindOpenOrders, func(p *pending) { p.orders = append(p.orders, o) })

	case gateway.EventOpenOrderEnd:
		b.fulfillEach(ev.ReqID, KindOpenOrders, func(p *pending) Response {
			return Response{OpenOrders: p.orders}
		})

	case gateway.EventError:
		b.handleError(ev)
	}
}

func (b *Bridge) fulfill(id int, kind Kind, build func(*pending) Response) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[id]
	if !ok || p.kind != kind || p.state != slotEmpty {
		return
	}
	resp := build(p)
	resp.ReqID, resp.Kind = id, kind
	b.resolveLocked(p, slotFulfilled, resp, nil)
}

// each visits the pending wait for id, or every wait of kind when the
// gateway sent no request id.
func (b *Bridge) each(id int, kind Kind, fn func(*pending)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range b.match(id, kind) {
		fn(p)
	}
}

func (b *Bridge) fulfillEach(id int, kind Kind, build func(*pending) Response) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range b.match(id, kind) {
		resp := build(p)
		resp.ReqID, resp.Kind = p.id, kind
		b.resolveLocked(p, slotFulfilled, resp, nil)
	}
}

func (b *Bridge) match(id int, kind Kind) []*pending {
	if id != gateway.NoRequestID {
		if p, ok := b.pending[id]; ok && p.kind == kind && p.state == slotEmpty {
			return []*pending{p}
		}
		return nil
	}
	var out []*pending
	for _, p := range b.pending {
		if p.kind == kind && p.state == slotEmpty {
			out = append(out, p)
		}
	}
	return out
}

func (b *Bridge) handleError(ev gateway.Event) {
	sev := b.classifier.Classify(ev.Code)
	switch sev {
	case SeverityInformational:
		b.log.Infof("request %d: %d %s", ev.ReqID, ev.Code, ev.Message)
		return
	case SeverityWarning:
		b.log.Warnf("request %d: warning %d %s", ev.ReqID, ev.Code, ev.Message)
		return
	}

	b.mu.Lock()
	p, ok := b.pending[ev.ReqID]
	if ok {
		b.resolveLocked(p, slotErrored, Response{}, &GatewayError{ReqID: ev.ReqID, Code: ev.Code, Message: ev.Message})
	}
	b.mu.Unlock()
	if !ok {
		b.log.Errorf("request %d: error %d %s (no pending wait)", ev.ReqID, ev.Code, ev.Message)
	}
}

// IsTimeout reports whether err is a wait timeout.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
