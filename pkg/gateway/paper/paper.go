// Package paper is an in-process gateway for development and tests. Prices
// follow a random walk, market orders fill at the current price and every
// other order rests.
package paper

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"trading-desk/pkg/gateway"
)

// Status codes the paper gateway emits, matching the live gateway's numbering.
const (
	CodeClientIDInUse  = 326
	CodeNoSecurityDef  = 200
	CodeOrderRejected  = 201
	CodeMarketDataFarm = 2104
)

// Config holds configuration for the paper gateway.
type Config struct {
	Account        string
	Currency       string
	NetLiquidation decimal.Decimal
	Prices         map[string]decimal.Decimal // starting prices; unknown symbols get a derived one
	Step           decimal.Decimal            // max random walk move as a fraction of price
	TickInterval   time.Duration              // streaming tick period; zero sends snapshots only
	NextOrderID    int64
	Seed           uint64
}

// DefaultConfig returns a funded paper account.
func DefaultConfig() Config {
	return Config{
		Account:        "DU0000001",
		Currency:       "USD",
		NetLiquidation: decimal.NewFromInt(100000),
		Prices:         map[string]decimal.Decimal{},
		Step:           decimal.RequireFromString("0.002"),
		TickInterval:   500 * time.Millisecond,
		NextOrderID:    1,
		Seed:           1,
	}
}

type position struct {
	quantity decimal.Decimal
	avgCost  decimal.Decimal
}

// workingOrder is an order the gateway holds until it fills or is cancelled.
type workingOrder struct {
	contract gateway.Contract
	ticket   gateway.OrderTicket
	status   string
}

// Gateway is a paper gateway. It implements gateway.Dialer; client ids are
// exclusive across its connections, as on the live gateway.
type Gateway struct {
	cfg Config

	mu        sync.Mutex
	clients   map[int]bool
	prices    map[string]decimal.Decimal
	positions map[string]position
	working   map[int64]workingOrder
	nextID    int64
	execSeq   int64
	rng       *rand.Rand
}

func New(cfg Config) *Gateway {
	def := DefaultConfig()
	if cfg.Account == "" {
		cfg.Account = def.Account
	}
	if cfg.Currency == "" {
		cfg.Currency = def.Currency
	}
	if !cfg.NetLiquidation.IsPositive() {
		cfg.NetLiquidation = def.NetLiquidation
	}
	if !cfg.Step.IsPositive() {
		cfg.Step = def.Step
	}
	if cfg.NextOrderID <= 0 {
		cfg.NextOrderID = def.NextOrderID
	}
	g := &Gateway{
		cfg:       cfg,
		clients:   make(map[int]bool),
		prices:    make(map[string]decimal.Decimal),
		positions: make(map[string]position),
		working:   make(map[int64]workingOrder),
		nextID:    cfg.NextOrderID,
		rng:       rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}
	for sym, p := range cfg.Prices {
		g.prices[sym] = p
	}
	return g
}

// Dial opens a paper session. A client id that is already connected gets a
// connection that reports CodeClientIDInUse and never completes the handshake.
func (g *Gateway) Dial(ctx context.Context, _ string, _ int, clientID int) (gateway.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := newConn(g, clientID)

	g.mu.Lock()
	inUse := g.clients[clientID]
	if !inUse {
		g.clients[clientID] = true
		c.owner = true
	}
	next := g.nextID
	g.mu.Unlock()

	if inUse {
		c.emit(gateway.Event{Kind: gateway.EventError, ReqID: gateway.NoRequestID, Code: CodeClientIDInUse,
			Message: fmt.Sprintf("Unable to connect as the client id %d is already in use.", clientID)})
		return c, nil
	}
	c.emit(gateway.Event{Kind: gateway.EventError, ReqID: gateway.NoRequestID, Code: CodeMarketDataFarm,
		Message: "Market data farm connection is OK:paper"})
	c.emit(gateway.Event{Kind: gateway.EventNextValidID, ReqID: gateway.NoRequestID, OrderID: next})
	return c, nil
}

// Connected reports whether clientID holds a paper session.
func (g *Gateway) Connected(clientID int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.clients[clientID]
}

func (g *Gateway) release(clientID int) {
	g.mu.Lock()
	delete(g.clients, clientID)
	g.mu.Unlock()
}

// price advances symbol's random walk one step and returns the new price.
func (g *Gateway) price(symbol string) decimal.Decimal {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.prices[symbol]
	if !ok {
		p = seedPrice(symbol)
	}
	move := decimal.NewFromFloat(g.rng.Float64()*2 - 1).Mul(g.cfg.Step)
	p = p.Mul(decimal.NewFromInt(1).Add(move)).Round(2)
	if !p.IsPositive() {
		p = decimal.RequireFromString("0.01")
	}
	g.prices[symbol] = p
	return p
}

func (g *Gateway) last(symbol string) decimal.Decimal {
	g.mu.Lock()
	p, ok := g.prices[symbol]
	g.mu.Unlock()
	if !ok {
		return g.price(symbol)
	}
	return p
}

func seedPrice(symbol string) decimal.Decimal {
	h := fnv.New32a()
	_, _ = h.Write([]byte(symbol))
	return decimal.NewFromInt(int64(20 + h.Sum32()%480))
}

func (g *Gateway) reserveIDs(upTo int64) {
	g.mu.Lock()
	if upTo >= g.nextID {
		g.nextID = upTo + 1
	}
	g.mu.Unlock()
}

func (g *Gateway) fill(symbol string, action gateway.Action, qty int64, px decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	q := decimal.NewFromInt(qty)
	if action == gateway.ActionSell {
		q = q.Neg()
	}
	pos := g.positions[symbol]
	newQty := pos.quantity.Add(q)
	switch {
	case newQty.IsZero():
		pos = position{}
	case pos.quantity.IsZero() || pos.quantity.Sign() == q.Sign():
		cost := pos.avgCost.Mul(pos.quantity.Abs()).Add(px.Mul(q.Abs()))
		pos = position{quantity: newQty, avgCost: cost.Div(newQty.Abs())}
	case newQty.Sign() != pos.quantity.Sign():
		pos = position{quantity: newQty, avgCost: px}
	default:
		pos.quantity = newQty
	}
	if pos.quantity.IsZero() {
		delete(g.positions, symbol)
		return
	}
	g.positions[symbol] = pos
}

func (g *Gateway) track(c gateway.Contract, t gateway.OrderTicket, status string) {
	g.mu.Lock()
	g.working[t.OrderID] = workingOrder{contract: c, ticket: t, status: status}
	g.mu.Unlock()
}

func (g *Gateway) untrack(orderID int64) {
	g.mu.Lock()
	delete(g.working, orderID)
	g.mu.Unlock()
}

// workingOrders returns every order still working, by order id.
func (g *Gateway) workingOrders() []workingOrder {
	g.mu.Lock()
	out := make([]workingOrder, 0, len(g.working))
	for _, w := range g.working {
		out = append(out, w)
	}
	g.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ticket.OrderID < out[j].ticket.OrderID })
	return out
}

func (g *Gateway) nextExecID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.execSeq++
	return fmt.Sprintf("paper.%08d", g.execSeq)
}

func (g *Gateway) snapshotPositions() map[string]position {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]position, len(g.positions))
	for k, v := range g.positions {
		out[k] = v
	}
	return out
}
