package bridge

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"trading-desk/pkg/gateway"
)

// PriceField is one quote field; At is zero until the first tick arrives.
type PriceField struct {
	Value decimal.Decimal
	At    time.Time
}

// Valid reports whether the field has been delivered.
func (f PriceField) Valid() bool { return !f.At.IsZero() }

// Quote is assembled tick by tick and is never assumed complete.
type Quote struct {
	Symbol string
	Bid    PriceField
	Ask    PriceField
	Last   PriceField
	High   PriceField
	Low    PriceField
	Close  PriceField
}

// Field returns the value of f and whether it has arrived.
func (q Quote) Field(f gateway.TickField) (decimal.Decimal, bool) {
	var pf PriceField
	switch f {
	case gateway.TickBid:
		pf = q.Bid
	case gateway.TickAsk:
		pf = q.Ask
	case gateway.TickLast:
		pf = q.Last
	case gateway.TickHigh:
		pf = q.High
	case gateway.TickLow:
		pf = q.Low
	case gateway.TickClose:
		pf = q.Close
	}
	return pf.Value, pf.Valid()
}

// Reference picks the price to plan against: last trade, then ask, then bid.
func (q Quote) Reference() (decimal.Decimal, bool) {
	for _, f := range []gateway.TickField{gateway.TickLast, gateway.TickAsk, gateway.TickBid} {
		if v, ok := q.Field(f); ok && v.IsPositive() {
			return v, true
		}
	}
	return decimal.Zero, false
}

// Spread is ask minus bid when both sides are present.
func (q Quote) Spread() (decimal.Decimal, bool) {
	if !q.Bid.Valid() || !q.Ask.Valid() {
		return decimal.Zero, false
	}
	return q.Ask.Value.Sub(q.Bid.Value), true
}

func (q *Quote) apply(f gateway.TickField, v decimal.Decimal, at time.Time) {
	pf := PriceField{Value: v, At: at}
	switch f {
	case gateway.TickBid:
		q.Bid = pf
	case gateway.TickAsk:
		q.Ask = pf
	case gateway.TickLast:
		q.Last = pf
	case gateway.TickHigh:
		q.High = pf
	case gateway.TickLow:
		q.Low = pf
	case gateway.TickClose:
		q.Close = pf
	}
}

// Position is keyed by (account, symbol).
type Position struct {
	Account   string
	Symbol    string
	Quantity  decimal.Decimal
	AvgCost   decimal.Decimal
	UpdatedAt time.Time
}

// AccountValue is keyed by (account, tag).
type AccountValue struct {
	Account   string
	Tag       string
	Value     string
	Currency  string
	UpdatedAt time.Time
}

// Decimal parses the value as a number.
func (v AccountValue) Decimal() (decimal.Decimal, error) {
	return decimal.NewFromString(v.Value)
}

// OpenOrder is a working order as the gateway reports it, whichever client
// placed it.
type OpenOrder struct {
	OrderID    int64
	ParentID   int64
	Account    string
	Symbol     string
	Action     gateway.Action
	Type       gateway.OrderType
	Quantity   int64
	LimitPrice decimal.Decimal
	AuxPrice   decimal.Decimal
	OCAGroup   string
	Status     string
}

// OrderState is the last reported status of an order.
type OrderState struct {
	OrderID      int64
	Status       string
	Filled       decimal.Decimal
	Remaining    decimal.Decimal
	AvgFillPrice decimal.Decimal
	UpdatedAt    time.Time
}

type positionKey struct{ account, symbol string }
type valueKey struct{ account, tag string }

// Store holds the session's shared market and account state. The receive loop
// is its only writer; readers get copies.
type Store struct {
	mu        sync.RWMutex
	quotes    map[string]*Quote
	positions map[positionKey]Position
	values    map[valueKey]AccountValue
	orders    map[int64]OrderState
}

func NewStore() *Store {
	return &Store{
		quotes:    make(map[string]*Quote),
		positions: make(map[positionKey]Position),
		values:    make(map[valueKey]AccountValue),
		orders:    make(map[int64]OrderState),
	}
}

// ApplyTick updates one field of symbol's quote and returns the new snapshot.
func (s *Store) ApplyTick(symbol string, f gateway.TickField, v decimal.Decimal, at time.Time) Quote {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quotes[symbol]
	if !ok {
		q = &Quote{Symbol: symbol}
		s.quotes[symbol] = q
	}
	q.apply(f, v, at)
	return *q
}

// Quote returns a copy of the latest quote for symbol.
func (s *Store) Quote(symbol string) (Quote, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[symbol]
	if !ok {
		return Quote{}, false
	}
	return *q, true
}

func (s *Store) SetPosition(p Position) {
	s.mu.Lock()
	s.positions[positionKey{p.Account, p.Symbol}] = p
	s.mu.Unlock()
}

// Positions returns all positions ordered by account then symbol.
func (s *Store) Positions() []Position {
	s.mu.RLock()
	out := make([]Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Account != out[j].Account {
			return out[i].Account < out[j].Account
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

func (s *Store) SetAccountValue(v AccountValue) {
	s.mu.Lock()
	s.values[valueKey{v.Account, v.Tag}] = v
	s.mu.Unlock()
}

// AccountValue looks up tag for account. An empty account matches the first
// account that reported the tag.
func (s *Store) AccountValue(account, tag string) (AccountValue, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if account != "" {
		v, ok := s.values[valueKey{account, tag}]
		return v, ok
	}
	var (
		found AccountValue
		ok    bool
	)
	for k, v := range s.values {
		if k.tag == tag && (!ok || k.account < found.Account) {
			found, ok = v, true
		}
	}
	return found, ok
}

func (s *Store) SetOrderState(o OrderState) {
	s.mu.Lock()
	s.orders[o.OrderID] = o
	s.mu.Unlock()
}

func (s *Store) OrderState(orderID int64) (OrderState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[orderID]
	return o, ok
}
