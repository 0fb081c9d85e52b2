package risk

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Multiples are the R targets reported for every plan.
var Multiples = []int{1, 2, 3, 5}

// Sizing is the result of PositionSize.
type Sizing struct {
	RiskAmount   decimal.Decimal
	RiskPerShare decimal.Decimal
	Shares       int64
	MaxLoss      decimal.Decimal
}

// PositionSize risks riskPct of accountValue between entry and stop. The
// share count is floored; the caller decides what to do with the remainder.
func PositionSize(accountValue, riskPct, entry, stop decimal.Decimal) (Sizing, error) {
	if !accountValue.IsPositive() {
		return Sizing{}, fmt.Errorf("%w: account value %s must be positive", ErrInvalidInput, accountValue)
	}
	if !riskPct.IsPositive() || riskPct.GreaterThan(decOne) {
		return Sizing{}, fmt.Errorf("%w: risk fraction %s outside (0, 1]", ErrInvalidInput, riskPct)
	}

	riskAmount := accountValue.Mul(riskPct)
	rps := entry.Sub(stop).Abs()
	if !rps.IsPositive() {
		return Sizing{}, &InsufficientRiskError{RiskPerShare: rps, RiskAmount: riskAmount}
	}

	shares := riskAmount.Div(rps).Floor()
	if shares.LessThan(decOne) {
		return Sizing{}, &InsufficientRiskError{RiskPerShare: rps, RiskAmount: riskAmount}
	}
	return Sizing{
		RiskAmount:   riskAmount,
		RiskPerShare: rps,
		Shares:       shares.IntPart(),
		MaxLoss:      rps.Mul(shares),
	}, nil
}

// Targets returns entry +/- n*riskPerShare for each multiple, with the profit
// realised on shares at that price.
func Targets(dir Direction, entry, riskPerShare decimal.Decimal, shares int64, tick decimal.Decimal, multiples ...int) []Target {
	if len(multiples) == 0 {
		multiples = Multiples
	}
	qty := decimal.NewFromInt(shares)
	out := make([]Target, 0, len(multiples))
	for _, n := range multiples {
		dist := riskPerShare.Mul(decimal.NewFromInt(int64(n)))
		price := entry.Add(dist)
		if dir == Short {
			price = entry.Sub(dist)
		}
		out = append(out, Target{
			R:      n,
			Price:  RoundToTick(price, tick),
			Profit: dist.Mul(qty),
		})
	}
	return out
}

// Compute derives stop, size and targets for in. It performs no I/O.
func Compute(in Input) (Parameters, error) {
	stop, err := StopPrice(in.Direction, in.Entry, in.Stop, in.TickSize)
	if err != nil {
		return Parameters{}, err
	}
	sz, err := PositionSize(in.AccountValue, in.RiskPct, in.Entry, stop)
	if err != nil {
		return Parameters{}, err
	}

	value := in.Entry.Mul(decimal.NewFromInt(sz.Shares))
	return Parameters{
		Symbol:        in.Symbol,
		Direction:     in.Direction,
		Entry:         in.Entry,
		Stop:          stop,
		Method:        in.Stop.Method,
		RiskPerShare:  sz.RiskPerShare,
		RiskAmount:    sz.RiskAmount,
		Shares:        sz.Shares,
		MaxLoss:       sz.MaxLoss,
		PositionValue: value,
		AccountPct:    value.Div(in.AccountValue),
		Targets:       Targets(in.Direction, in.Entry, sz.RiskPerShare, sz.Shares, in.TickSize),
	}, nil
}

// SharesForAllocation sizes a position as a fraction of account value rather
// than by stop distance.
func SharesForAllocation(accountValue, fraction, price decimal.Decimal) (int64, error) {
	if !accountValue.IsPositive() || !price.IsPositive() {
		return 0, fmt.Errorf("%w: account value %s and price %s must be positive", ErrInvalidInput, accountValue, price)
	}
	if !fraction.IsPositive() || fraction.GreaterThan(decOne) {
		return 0, fmt.Errorf("%w: allocation %s outside (0, 1]", ErrInvalidInput, fraction)
	}
	shares := accountValue.Mul(fraction).Div(price).Floor()
	if shares.LessThan(decOne) {
		return 0, fmt.Errorf("%w: allocation of %s buys no shares at %s", ErrInvalidInput, accountValue.Mul(fraction), price)
	}
	return shares.IntPart(), nil
}
