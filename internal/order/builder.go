package order

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"trading-desk/internal/risk"
	"trading-desk/pkg/gateway"
)

// IDSource reserves consecutive order ids.
type IDSource interface {
	Reserve(n int) ([]int64, error)
}

// Builder assembles plans. Builders validate everything before reserving ids
// and never touch the network.
type Builder struct {
	IDs  IDSource
	TIF  gateway.TimeInForce
	Tick decimal.Decimal // prices are rounded to this when positive
}

func NewBuilder(ids IDSource) *Builder {
	return &Builder{IDs: ids, TIF: gateway.TIFDay}
}

// SingleSpec describes a standalone order.
type SingleSpec struct {
	Action     gateway.Action
	Quantity   int64
	Type       gateway.OrderType
	LimitPrice decimal.Decimal
	StopPrice  decimal.Decimal
}

// BracketSpec describes an entry with protective stop and profit target.
type BracketSpec struct {
	Action      gateway.Action
	Quantity    int64
	EntryType   gateway.OrderType // MKT or LMT
	EntryPrice  decimal.Decimal   // required for LMT
	StopPrice   decimal.Decimal
	TargetPrice decimal.Decimal
}

// ExitSpec describes a one-cancels-other exit from an open position.
type ExitSpec struct {
	Action      gateway.Action // side that closes the position
	Quantity    int64
	TargetPrice decimal.Decimal
	StopPrice   decimal.Decimal
}

// TrailingSpec describes a trailing stop.
type TrailingSpec struct {
	Action   gateway.Action
	Quantity int64
	Mode     TrailMode
	Value    decimal.Decimal
}

func (b *Builder) tif() gateway.TimeInForce {
	if b.TIF == "" {
		return gateway.TIFDay
	}
	return b.TIF
}

func (b *Builder) round(p decimal.Decimal) decimal.Decimal {
	return risk.RoundToTick(p, b.Tick)
}

func (b *Builder) reserve(n int) ([]int64, error) {
	if b.IDs == nil {
		return nil, fmt.Errorf("order builder has no id source")
	}
	ids, err := b.IDs.Reserve(n)
	if err != nil {
		return nil, fmt.Errorf("reserve %d order ids: %w", n, err)
	}
	return ids, nil
}

func newPlan(kind Kind) Plan {
	return Plan{ID: uuid.NewString(), Kind: kind}
}

// Single builds one order with transmit set.
func (b *Builder) Single(c gateway.Contract, s SingleSpec) (Plan, error) {
	o := Order{
		Role:       RoleEntry,
		Contract:   c,
		Action:     s.Action,
		Type:       s.Type,
		Quantity:   s.Quantity,
		LimitPrice: b.round(s.LimitPrice),
		StopPrice:  b.round(s.StopPrice),
		TIF:        b.tif(),
		Transmit:   true,
	}
	if err := validate(o); err != nil {
		return Plan{}, err
	}

	ids, err := b.reserve(1)
	if err != nil {
		return Plan{}, err
	}
	p := newPlan(KindSingle)
	o.ID = ids[0]
	o.Ref = p.ID
	p.Legs = []Order{o}
	return p, nil
}

// Bracket builds parent, stop and target legs. Children reference the parent
// id and only the target, submitted last, carries transmit so the gateway
// activates the group atomically.
func (b *Builder) Bracket(c gateway.Contract, s BracketSpec) (Plan, error) {
	if s.EntryType != gateway.OrderTypeMarket && s.EntryType != gateway.OrderTypeLimit {
		return Plan{}, invalid("entry type", s.EntryType, "bracket entry must be MKT or LMT")
	}
	entry := Order{
		Role:       RoleEntry,
		Contract:   c,
		Action:     s.Action,
		Type:       s.EntryType,
		Quantity:   s.Quantity,
		LimitPrice: b.round(s.EntryPrice),
		TIF:        b.tif(),
	}
	if err := validate(entry); err != nil {
		return Plan{}, err
	}

	stop := b.round(s.StopPrice)
	target := b.round(s.TargetPrice)
	if !stop.IsPositive() {
		return Plan{}, invalid("stop price", stop, "must be positive")
	}
	if !target.IsPositive() {
		return Plan{}, invalid("target price", target, "must be positive")
	}
	long := s.Action == gateway.ActionBuy
	if long && !stop.LessThan(target) || !long && !stop.GreaterThan(target) {
		return Plan{}, invalid("stop price", stop, fmt.Sprintf("must be on the losing side of target %s for %s", target, s.Action))
	}
	if s.EntryType == gateway.OrderTypeLimit {
		ref := entry.LimitPrice
		if long && !(stop.LessThan(ref) && target.GreaterThan(ref)) ||
			!long && !(stop.GreaterThan(ref) && target.LessThan(ref)) {
			return Plan{}, invalid("entry price", ref, fmt.Sprintf("must lie between stop %s and target %s", stop, target))
		}
	}

	ids, err := b.reserve(3)
	if err != nil {
		return Plan{}, err
	}
	p := newPlan(KindBracket)
	exit := s.Action.Opposite()

	entry.ID = ids[0]
	entry.Ref = p.ID
	stopLeg := Order{
		ID:        ids[1],
		ParentID:  entry.ID,
		Role:      RoleStop,
		Contract:  c,
		Action:    exit,
		Type:      gateway.OrderTypeStop,
		Quantity:  s.Quantity,
		StopPrice: stop,
		TIF:       gateway.TIFGTC,
		Ref:       p.ID,
	}
	targetLeg := Order{
		ID:         ids[2],
		ParentID:   entry.ID,
		Role:       RoleTarget,
		Contract:   c,
		Action:     exit,
		Type:       gateway.OrderTypeLimit,
		Quantity:   s.Quantity,
		LimitPrice: target,
		TIF:        gateway.TIFGTC,
		Transmit:   true,
		Ref:        p.ID,
	}
	p.Legs = []Order{entry, stopLeg, targetLeg}
	return p, nil
}

// BracketFromRisk brackets a computed trade: the stop comes from params and
// the target is the targetR multiple.
func (b *Builder) BracketFromRisk(c gateway.Contract, params risk.Parameters, entryType gateway.OrderType, targetR int) (Plan, error) {
	if targetR <= 0 {
		return Plan{}, invalid("target multiple", targetR, "must be positive")
	}
	target, ok := params.Target(targetR)
	if !ok {
		target = risk.Targets(params.Direction, params.Entry, params.RiskPerShare, params.Shares, b.Tick, targetR)[0]
	}
	spec := BracketSpec{
		Action:      params.Direction.Entry(),
		Quantity:    params.Shares,
		EntryType:   entryType,
		StopPrice:   params.Stop,
		TargetPrice: target.Price,
	}
	if entryType == gateway.OrderTypeLimit {
		spec.EntryPrice = params.Entry
	}
	return b.Bracket(c, spec)
}

// OCO puts two or more legs on the same instrument into one cancel group.
// Every leg is transmitted; fill of any one cancels the rest.
func (b *Builder) OCO(legs ...Order) (Plan, error) {
	if len(legs) < 2 {
		return Plan{}, invalid("legs", len(legs), "OCO needs at least two legs")
	}
	legs = append([]Order(nil), legs...)
	symbol := legs[0].Contract.Symbol
	for i, o := range legs {
		if o.Contract.Symbol != symbol {
			return Plan{}, invalid("symbol", o.Contract.Symbol, fmt.Sprintf("leg %d differs from %s", i, symbol))
		}
		o.LimitPrice = b.round(o.LimitPrice)
		o.StopPrice = b.round(o.StopPrice)
		if o.TIF == "" {
			o.TIF = b.tif()
		}
		if err := validate(o); err != nil {
			return Plan{}, err
		}
		legs[i] = o
	}

	ids, err := b.reserve(len(legs))
	if err != nil {
		return Plan{}, err
	}
	p := newPlan(KindOCO)
	p.OCAGroup = "oca-" + uuid.NewString()
	p.Legs = make([]Order, len(legs))
	for i, o := range legs {
		o.ID = ids[i]
		o.ParentID = 0
		if o.Role == "" {
			o.Role = RoleLeg
		}
		o.OCAGroup = p.OCAGroup
		o.Transmit = true
		o.Ref = p.ID
		p.Legs[i] = o
	}
	return p, nil
}

// Exit puts a profit target and a protective stop for the same quantity in one
// OCA group; whichever fills first cancels the other.
func (b *Builder) Exit(c gateway.Contract, s ExitSpec) (Plan, error) {
	target := b.round(s.TargetPrice)
	stop := b.round(s.StopPrice)
	if s.Action == gateway.ActionSell && !target.GreaterThan(stop) ||
		s.Action == gateway.ActionBuy && !target.LessThan(stop) {
		return Plan{}, invalid("target price", target, fmt.Sprintf("must be on the winning side of stop %s for %s", stop, s.Action))
	}
	return b.OCO(
		Order{Role: RoleTarget, Contract: c, Action: s.Action, Type: gateway.OrderTypeLimit, Quantity: s.Quantity, LimitPrice: target, TIF: gateway.TIFGTC},
		Order{Role: RoleStop, Contract: c, Action: s.Action, Type: gateway.OrderTypeStop, Quantity: s.Quantity, StopPrice: stop, TIF: gateway.TIFGTC},
	)
}

// TrailingStop builds a standalone trailing stop.
func (b *Builder) TrailingStop(c gateway.Contract, s TrailingSpec) (Plan, error) {
	o := Order{
		Role:       RoleEntry,
		Contract:   c,
		Action:     s.Action,
		Type:       gateway.OrderTypeTrailing,
		Quantity:   s.Quantity,
		TrailMode:  s.Mode,
		TrailValue: s.Value,
		TIF:        gateway.TIFGTC,
		Transmit:   true,
	}
	if err := validate(o); err != nil {
		return Plan{}, err
	}

	ids, err := b.reserve(1)
	if err != nil {
		return Plan{}, err
	}
	p := newPlan(KindTrailing)
	o.ID = ids[0]
	o.Ref = p.ID
	p.Legs = []Order{o}
	return p, nil
}

func validate(o Order) error {
	if o.Contract.Symbol == "" {
		return invalid("symbol", nil, "required")
	}
	if o.Action != gateway.ActionBuy && o.Action != gateway.ActionSell {
		return invalid("action", o.Action, "must be BUY or SELL")
	}
	if o.Quantity <= 0 {
		return invalid("quantity", o.Quantity, "must be positive")
	}

	switch o.Type {
	case gateway.OrderTypeMarket:
	case gateway.OrderTypeLimit:
		if !o.LimitPrice.IsPositive() {
			return invalid("limit price", o.LimitPrice, "required for LMT")
		}
	case gateway.OrderTypeStop:
		if !o.StopPrice.IsPositive() {
			return invalid("stop price", o.StopPrice, "required for STP")
		}
	case gateway.OrderTypeStopLimit:
		if !o.StopPrice.IsPositive() || !o.LimitPrice.IsPositive() {
			return invalid("stop/limit price", nil, "both required for STP LMT")
		}
	case gateway.OrderTypeTrailing:
		if !o.TrailValue.IsPositive() {
			return invalid("trail value", o.TrailValue, "must be positive")
		}
		switch o.TrailMode {
		case TrailPercent:
			if o.TrailValue.GreaterThanOrEqual(decimal.NewFromInt(1)) {
				return invalid("trail value", o.TrailValue, "percent trail is a fraction below 1")
			}
		case TrailAmount:
		default:
			return invalid("trail mode", o.TrailMode, "must be percent or amount")
		}
	default:
		return invalid("type", o.Type, "unsupported order type")
	}
	return nil
}
