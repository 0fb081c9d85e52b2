package desk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"trading-desk/internal/bridge"
	"trading-desk/internal/events"
	"trading-desk/internal/order"
	"trading-desk/internal/risk"
	"trading-desk/internal/session"
	"trading-desk/pkg/contract"
	"trading-desk/pkg/db"
	"trading-desk/pkg/gateway"
)

// TradeRequest is what the operator asks for. Zero values take the desk
// defaults: a bracket, limit entry at the reference price, DefaultRiskPct and
// TargetR. An oco request exits an open position: Action is the closing side,
// TargetPrice the profit limit and the stop comes from TriggerPrice or Stop.
type TradeRequest struct {
	Symbol       string              `json:"symbol"`
	Action       gateway.Action      `json:"action"`
	Kind         order.Kind          `json:"kind"`
	EntryType    gateway.OrderType   `json:"entry_type"`
	EntryPrice   decimal.Decimal     `json:"entry_price"`
	TriggerPrice decimal.Decimal     `json:"trigger_price"` // stop trigger for single STP, STP LMT and oco
	TargetPrice  decimal.Decimal     `json:"target_price"`  // oco profit limit
	Stop         risk.StopSpec       `json:"stop"`
	RiskPct      decimal.Decimal     `json:"risk_pct"`
	Allocation   decimal.Decimal     `json:"allocation"` // fraction of account; sizes singles without a stop
	Quantity     int64               `json:"quantity"`   // explicit size for singles and trailing stops
	TargetR      int                 `json:"target_r"`
	TrailMode    order.TrailMode     `json:"trail_mode"`
	TrailValue   decimal.Decimal     `json:"trail_value"`
	TIF          gateway.TimeInForce `json:"tif"`
}

// Ticket is a planned trade ready for Execute on the session that planned
// it. Risk is nil for trades sized without a stop.
type Ticket struct {
	ClientID int              `json:"client_id"`
	Contract contract.Details `json:"contract"`
	Snapshot Snapshot         `json:"snapshot"`
	Risk     *risk.Parameters `json:"risk,omitempty"`
	Plan     order.Plan       `json:"plan"`
	Account  decimal.Decimal  `json:"account_value"`

	sess *session.Session
}

// Execution reports a submitted plan.
type Execution struct {
	PlanID   string            `json:"plan_id"`
	OrderIDs []int64           `json:"order_ids"`
	Root     bridge.OrderState `json:"root"`
}

func (d *Desk) withDefaults(req TradeRequest) TradeRequest {
	if req.Kind == "" {
		req.Kind = order.KindBracket
	}
	if req.EntryType == "" {
		req.EntryType = gateway.OrderTypeLimit
	}
	if req.TargetR <= 0 {
		req.TargetR = d.cfg.TargetR
	}
	if !req.RiskPct.IsPositive() {
		req.RiskPct = d.cfg.DefaultRiskPct
	}
	if req.Stop.Method == risk.StopATR && !req.Stop.ATRMultiple.IsPositive() {
		req.Stop.ATRMultiple = d.cfg.ATRMultiple
	}
	if req.TrailMode == "" {
		req.TrailMode = order.TrailPercent
	}
	return req
}

// PlanTrade snapshots the market, sizes the trade and builds its orders. Order
// ids are reserved on the working session; nothing is sent.
func (d *Desk) PlanTrade(ctx context.Context, req TradeRequest) (Ticket, error) {
	req = d.withDefaults(req)
	if req.Action != gateway.ActionBuy && req.Action != gateway.ActionSell {
		return Ticket{}, &order.ValidationError{Field: "action", Value: string(req.Action), Reason: "must be BUY or SELL"}
	}

	s, err := d.EnsureSession(ctx)
	if err != nil {
		return Ticket{}, err
	}
	snap, err := d.Snapshot(ctx, req.Symbol)
	if err != nil {
		return Ticket{}, err
	}
	t := Ticket{ClientID: s.ID, Contract: snap.Contract, Snapshot: snap, sess: s}

	entry := req.EntryPrice
	if !entry.IsPositive() {
		entry = snap.Reference
	}
	if req.Stop.Method == risk.StopATR && !req.Stop.ATR.IsPositive() {
		req.Stop.ATR = snap.ATR
	}

	exit := req.Kind == order.KindOCO
	needsAccount := !exit && (req.Stop.Method != "" || (req.Quantity <= 0 && req.Allocation.IsPositive()))
	if needsAccount {
		if t.Account, err = d.AccountValue(ctx, TagNetLiquidation); err != nil {
			return Ticket{}, err
		}
	}
	if !exit && req.Stop.Method != "" {
		params, err := risk.Compute(risk.Input{
			Symbol:       snap.Contract.Symbol,
			Direction:    risk.DirectionOf(req.Action),
			Entry:        entry,
			Stop:         req.Stop,
			AccountValue: t.Account,
			RiskPct:      req.RiskPct,
			TickSize:     snap.Contract.TickSize,
		})
		if err != nil {
			return Ticket{}, err
		}
		t.Risk = &params
	}

	b := order.NewBuilder(s.OrderIDs())
	b.Tick = snap.Contract.TickSize
	if req.TIF != "" {
		b.TIF = req.TIF
	}
	c := snap.Contract.Contract()

	switch req.Kind {
	case order.KindBracket:
		if t.Risk == nil {
			return Ticket{}, &order.ValidationError{Field: "stop", Value: string(req.Stop.Method), Reason: "bracket needs a stop method"}
		}
		t.Plan, err = b.BracketFromRisk(c, *t.Risk, req.EntryType, req.TargetR)

	case order.KindSingle:
		qty, qerr := d.quantity(req, t)
		if qerr != nil {
			return Ticket{}, qerr
		}
		spec := order.SingleSpec{Action: req.Action, Quantity: qty, Type: req.EntryType, StopPrice: req.TriggerPrice}
		if req.EntryType == gateway.OrderTypeLimit || req.EntryType == gateway.OrderTypeStopLimit {
			spec.LimitPrice = entry
		}
		t.Plan, err = b.Single(c, spec)

	case order.KindTrailing:
		qty, qerr := d.quantity(req, t)
		if qerr != nil {
			return Ticket{}, qerr
		}
		t.Plan, err = b.TrailingStop(c, order.TrailingSpec{Action: req.Action, Quantity: qty, Mode: req.TrailMode, Value: req.TrailValue})

	case order.KindOCO:
		qty, qerr := d.exitQuantity(ctx, req, snap.Contract.Symbol)
		if qerr != nil {
			return Ticket{}, qerr
		}
		stop := req.TriggerPrice
		if req.Stop.Method != "" {
			// the position being closed runs opposite to the exit side
			stop, err = risk.StopPrice(risk.DirectionOf(req.Action.Opposite()), snap.Reference, req.Stop, snap.Contract.TickSize)
			if err != nil {
				return Ticket{}, err
			}
		}
		t.Plan, err = b.Exit(c, order.ExitSpec{Action: req.Action, Quantity: qty, TargetPrice: req.TargetPrice, StopPrice: stop})

	default:
		return Ticket{}, &order.ValidationError{Field: "kind", Value: string(req.Kind), Reason: "must be single, bracket, oco or trailing"}
	}
	if err != nil {
		return Ticket{}, err
	}
	d.log.Infof("planned %s %s %s: %d leg(s), plan %s", req.Kind, req.Action, snap.Contract.Symbol, len(t.Plan.Legs), t.Plan.ID)
	return t, nil
}

// quantity picks the size of a single or trailing order: explicit, then risk
// sized, then allocation sized.
func (d *Desk) quantity(req TradeRequest, t Ticket) (int64, error) {
	switch {
	case req.Quantity > 0:
		return req.Quantity, nil
	case t.Risk != nil:
		return t.Risk.Shares, nil
	case req.Allocation.IsPositive():
		return risk.SharesForAllocation(t.Account, req.Allocation, t.Snapshot.Reference)
	}
	return 0, &order.ValidationError{Field: "quantity", Reason: "give a quantity, a stop or an allocation"}
}

// exitQuantity sizes an oco exit: explicit, else the whole open position in
// symbol on the side Action closes.
func (d *Desk) exitQuantity(ctx context.Context, req TradeRequest, symbol string) (int64, error) {
	if req.Quantity > 0 {
		return req.Quantity, nil
	}
	positions, err := d.Positions(ctx)
	if err != nil {
		return 0, err
	}
	for _, p := range positions {
		if p.Symbol != symbol || p.Quantity.IsZero() {
			continue
		}
		long := p.Quantity.IsPositive()
		if long != (req.Action == gateway.ActionSell) {
			return 0, &order.ValidationError{Field: "action", Value: string(req.Action),
				Reason: fmt.Sprintf("does not close a position of %s %s", p.Quantity, symbol)}
		}
		return p.Quantity.Abs().IntPart(), nil
	}
	return 0, &order.ValidationError{Field: "quantity", Value: symbol, Reason: "no open position to exit; give a quantity"}
}

// Execute journals and submits a ticket's legs, then waits for the first
// status of the root leg.
func (d *Desk) Execute(ctx context.Context, t Ticket) (Execution, error) {
	s, err := d.EnsureSession(ctx)
	if err != nil {
		return Execution{}, err
	}
	if t.sess != s {
		return Execution{}, fmt.Errorf("plan %s for client %d: %w", t.Plan.ID, t.ClientID, ErrStaleTicket)
	}
	if len(t.Plan.Legs) == 0 {
		return Execution{}, &order.ValidationError{Field: "legs", Reason: "plan is empty"}
	}

	if d.journal != nil {
		if err := d.journal.CreateOrders(ctx, journalLegs(s.ID, d.cfg.Account, t.Plan)); err != nil {
			return Execution{}, fmt.Errorf("journal plan %s: %w", t.Plan.ID, err)
		}
	}

	root := t.Plan.Root()
	call, err := s.Bridge().Expect(int(root.ID), bridge.KindOrderStatus)
	if err != nil {
		return Execution{}, err
	}
	ids, err := order.Submit(ctx, s, t.Plan)
	if err != nil {
		call.Cancel()
		return Execution{PlanID: t.Plan.ID, OrderIDs: ids}, err
	}
	d.metrics.IncrementPlans()
	d.bus.Publish(events.EventPlanSubmitted, events.PlanSubmitted{
		ClientID: s.ID, PlanID: t.Plan.ID, Symbol: t.Contract.Symbol, OrderIDs: ids, Time: time.Now(),
	})

	start := time.Now()
	resp, err := call.Wait(ctx, d.cfg.RequestTimeout)
	d.metrics.ObserveRoundTrip(string(bridge.KindOrderStatus), time.Since(start), err, bridge.IsTimeout(err))
	exec := Execution{PlanID: t.Plan.ID, OrderIDs: ids, Root: resp.Order}
	if err != nil {
		var ge *bridge.GatewayError
		if errors.As(err, &ge) {
			d.log.Warnf("plan %s rejected: %v", t.Plan.ID, err)
		}
		return exec, err
	}
	d.log.Infof("plan %s submitted, root %d %s", t.Plan.ID, root.ID, resp.Order.Status)
	return exec, nil
}

func journalLegs(clientID int, account string, p order.Plan) []db.Order {
	out := make([]db.Order, 0, len(p.Legs))
	for _, o := range p.Legs {
		out = append(out, db.Order{
			OrderID:    o.ID,
			PlanID:     p.ID,
			ParentID:   o.ParentID,
			ClientID:   clientID,
			Account:    account,
			Role:       string(o.Role),
			Symbol:     o.Contract.Symbol,
			Action:     string(o.Action),
			Type:       string(o.Type),
			Qty:        o.Quantity,
			LimitPrice: o.LimitPrice,
			StopPrice:  o.StopPrice,
			TIF:        string(o.TIF),
			OCAGroup:   o.OCAGroup,
		})
	}
	return out
}
