package desk

import (
	"context"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"trading-desk/internal/bridge"
	"trading-desk/internal/risk"
	"trading-desk/pkg/contract"
	"trading-desk/pkg/gateway"
)

// Tags requested with the account summary.
const (
	TagNetLiquidation = "NetLiquidation"
	TagTotalCash      = "TotalCashValue"
	TagBuyingPower    = "BuyingPower"
)

// MissingAccountValueError reports an account summary without the tag asked for.
type MissingAccountValueError struct {
	Account string
	Tag     string
}

func (e *MissingAccountValueError) Error() string {
	if e.Account == "" {
		return fmt.Sprintf("account summary has no %s", e.Tag)
	}
	return fmt.Sprintf("account %s summary has no %s", e.Account, e.Tag)
}

// Snapshot is a quote plus the volatility figures a stop can be placed on.
type Snapshot struct {
	Contract  contract.Details `json:"contract"`
	Quote     bridge.Quote     `json:"quote"`
	Reference decimal.Decimal  `json:"reference"`
	ATR       decimal.Decimal  `json:"atr"` // zero when history is too short
	Bars      int              `json:"bars"`
}

// Quote fetches a snapshot quote for symbol.
func (d *Desk) Quote(ctx context.Context, symbol string) (contract.Details, bridge.Quote, error) {
	s, err := d.EnsureSession(ctx)
	if err != nil {
		return contract.Details{}, bridge.Quote{}, err
	}
	det, err := d.contracts.Details(ctx, symbol)
	if err != nil {
		return contract.Details{}, bridge.Quote{}, err
	}
	req := gateway.Request{ID: s.Bridge().NextRequestID(), Kind: gateway.ReqMarketData, Contract: det.Contract()}
	resp, err := d.await(ctx, s, req)
	if err != nil {
		return det, bridge.Quote{}, fmt.Errorf("quote %s: %w", det.Symbol, err)
	}
	return det, resp.Quote, nil
}

// History fetches daily bars for symbol, oldest first.
func (d *Desk) History(ctx context.Context, symbol string, days int) ([]gateway.Bar, error) {
	if days <= 0 {
		days = d.cfg.HistoryDays
	}
	s, err := d.EnsureSession(ctx)
	if err != nil {
		return nil, err
	}
	det, err := d.contracts.Details(ctx, symbol)
	if err != nil {
		return nil, err
	}
	req := gateway.Request{
		ID:       s.Bridge().NextRequestID(),
		Kind:     gateway.ReqHistoricalData,
		Contract: det.Contract(),
		Params: map[string]string{
			"days":     strconv.Itoa(days),
			"duration": strconv.Itoa(days) + " D",
			"bar_size": "1 day",
			"what":     "TRADES",
		},
	}
	resp, err := d.await(ctx, s, req)
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", det.Symbol, err)
	}
	return resp.Bars, nil
}

// Snapshot fetches the quote and daily history concurrently and derives the
// reference price and 14-day ATR.
func (d *Desk) Snapshot(ctx context.Context, symbol string) (Snapshot, error) {
	if _, err := d.EnsureSession(ctx); err != nil {
		return Snapshot{}, err
	}

	var (
		snap Snapshot
		bars []gateway.Bar
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		det, q, err := d.Quote(gctx, symbol)
		snap.Contract, snap.Quote = det, q
		return err
	})
	g.Go(func() error {
		var err error
		bars, err = d.History(gctx, symbol, d.cfg.HistoryDays)
		return err
	})
	if err := g.Wait(); err != nil {
		return Snapshot{}, err
	}

	ref, ok := snap.Quote.Reference()
	if !ok {
		return Snapshot{}, fmt.Errorf("%s: %w", snap.Contract.Symbol, ErrNoQuote)
	}
	snap.Reference = ref
	snap.Bars = len(bars)
	if atr, err := risk.ATR(bars, risk.ATRPeriod); err == nil {
		snap.ATR = atr.Round(4)
	} else {
		d.log.Warnf("%s: no ATR: %v", snap.Contract.Symbol, err)
	}
	return snap, nil
}

// AccountValue requests the account summary and returns tag as a number.
func (d *Desk) AccountValue(ctx context.Context, tag string) (decimal.Decimal, error) {
	values, err := d.AccountSummary(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	for _, v := range values {
		if v.Tag != tag || (d.cfg.Account != "" && v.Account != d.cfg.Account) {
			continue
		}
		n, err := v.Decimal()
		if err != nil {
			return decimal.Zero, fmt.Errorf("account value %s=%q: %w", tag, v.Value, err)
		}
		return n, nil
	}
	return decimal.Zero, &MissingAccountValueError{Account: d.cfg.Account, Tag: tag}
}

// AccountSummary requests every summary tag for all accounts.
func (d *Desk) AccountSummary(ctx context.Context) ([]bridge.AccountValue, error) {
	s, err := d.EnsureSession(ctx)
	if err != nil {
		return nil, err
	}
	if err := d.pace(ctx); err != nil {
		return nil, err
	}
	req := gateway.Request{
		ID:     s.Bridge().NextRequestID(),
		Kind:   gateway.ReqAccountSummary,
		Params: map[string]string{"group": "All", "tags": TagNetLiquidation + "," + TagTotalCash + "," + TagBuyingPower},
	}
	resp, err := d.await(ctx, s, req)
	if err != nil {
		return nil, fmt.Errorf("account summary: %w", err)
	}
	return resp.AccountValues, nil
}

// Positions requests current positions, filtered to the configured account.
func (d *Desk) Positions(ctx context.Context) ([]bridge.Position, error) {
	s, err := d.EnsureSession(ctx)
	if err != nil {
		return nil, err
	}
	if err := d.pace(ctx); err != nil {
		return nil, err
	}
	req := gateway.Request{ID: s.Bridge().NextRequestID(), Kind: gateway.ReqPositions}
	resp, err := d.await(ctx, s, req)
	if err != nil {
		return nil, fmt.Errorf("positions: %w", err)
	}
	out := resp.Positions[:0:0]
	for _, p := range resp.Positions {
		if d.cfg.Account == "" || p.Account == d.cfg.Account {
			out = append(out, p)
		}
	}
	return out, nil
}

// OpenOrders asks the gateway for every working order, including those
// placed by other clients.
func (d *Desk) OpenOrders(ctx context.Context) ([]bridge.OpenOrder, error) {
	s, err := d.EnsureSession(ctx)
	if err != nil {
		return nil, err
	}
	if err := d.pace(ctx); err != nil {
		return nil, err
	}
	req := gateway.Request{ID: s.Bridge().NextRequestID(), Kind: gateway.ReqOpenOrders}
	resp, err := d.await(ctx, s, req)
	if err != nil {
		return nil, fmt.Errorf("open orders: %w", err)
	}
	out := resp.OpenOrders[:0:0]
	for _, o := range resp.OpenOrders {
		if d.cfg.Account == "" || o.Account == "" || o.Account == d.cfg.Account {
			out = append(out, o)
		}
	}
	return out, nil
}

// SizeByAllocation returns how many whole shares of symbol fraction of net
// liquidation buys at the current reference price.
func (d *Desk) SizeByAllocation(ctx context.Context, symbol string, fraction decimal.Decimal) (int64, decimal.Decimal, error) {
	_, q, err := d.Quote(ctx, symbol)
	if err != nil {
		return 0, decimal.Zero, err
	}
	price, ok := q.Reference()
	if !ok {
		return 0, decimal.Zero, fmt.Errorf("%s: %w", symbol, ErrNoQuote)
	}
	account, err := d.AccountValue(ctx, TagNetLiquidation)
	if err != nil {
		return 0, decimal.Zero, err
	}
	shares, err := risk.SharesForAllocation(account, fraction, price)
	if err != nil {
		return 0, decimal.Zero, err
	}
	return shares, price, nil
}
