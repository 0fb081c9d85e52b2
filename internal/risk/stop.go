package risk

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var decOne = decimal.NewFromInt(1)

// RoundToTick rounds price to the nearest multiple of tick. A non-positive
// tick returns price unchanged.
func RoundToTick(price, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return price
	}
	return price.Div(tick).Round(0).Mul(tick)
}

// roundStop rounds a stop away from entry so rounding never shrinks risk and
// never moves the stop onto the entry side.
func roundStop(dir Direction, stop, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return stop
	}
	steps := stop.Div(tick)
	if dir == Short {
		return steps.Ceil().Mul(tick)
	}
	return steps.Floor().Mul(tick)
}

// PercentStop is entry*(1-pct) for longs and entry*(1+pct) for shorts.
func PercentStop(dir Direction, entry, pct decimal.Decimal) (decimal.Decimal, error) {
	if !pct.IsPositive() || pct.GreaterThanOrEqual(decOne) {
		return decimal.Zero, &InvalidStopError{Direction: dir, Entry: entry, Reason: fmt.Sprintf("percent %s outside (0, 1)", pct)}
	}
	if dir == Short {
		return entry.Mul(decOne.Add(pct)), nil
	}
	return entry.Mul(decOne.Sub(pct)), nil
}

// ATRStop is entry -/+ k*atr.
func ATRStop(dir Direction, entry, atr, k decimal.Decimal) (decimal.Decimal, error) {
	if !atr.IsPositive() {
		return decimal.Zero, &InvalidStopError{Direction: dir, Entry: entry, Reason: "average true range not available"}
	}
	if !k.IsPositive() {
		return decimal.Zero, &InvalidStopError{Direction: dir, Entry: entry, Reason: fmt.Sprintf("ATR multiple %s must be positive", k)}
	}
	return offset(dir, entry, atr.Mul(k)), nil
}

// FixedStop is entry -/+ amount.
func FixedStop(dir Direction, entry, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, &InvalidStopError{Direction: dir, Entry: entry, Reason: fmt.Sprintf("dollar risk %s must be positive", amount)}
	}
	return offset(dir, entry, amount), nil
}

// ManualStop validates an operator-supplied level: below entry for longs,
// above entry for shorts.
func ManualStop(dir Direction, entry, price decimal.Decimal) (decimal.Decimal, error) {
	if err := checkSide(dir, entry, price); err != nil {
		return decimal.Zero, err
	}
	return price, nil
}

func offset(dir Direction, entry, dist decimal.Decimal) decimal.Decimal {
	if dir == Short {
		return entry.Add(dist)
	}
	return entry.Sub(dist)
}

func checkSide(dir Direction, entry, stop decimal.Decimal) error {
	if !stop.IsPositive() {
		return &InvalidStopError{Direction: dir, Entry: entry, Stop: stop, Reason: "stop must be above zero"}
	}
	if dir == Short && stop.LessThanOrEqual(entry) {
		return &InvalidStopError{Direction: dir, Entry: entry, Stop: stop, Reason: "short stop must be above entry"}
	}
	if dir == Long && stop.GreaterThanOrEqual(entry) {
		return &InvalidStopError{Direction: dir, Entry: entry, Stop: stop, Reason: "long stop must be below entry"}
	}
	return nil
}

// StopPrice derives the stop for spec and rounds it to tick.
func StopPrice(dir Direction, entry decimal.Decimal, spec StopSpec, tick decimal.Decimal) (decimal.Decimal, error) {
	if !dir.valid() {
		return decimal.Zero, fmt.Errorf("%w: direction %q", ErrInvalidInput, dir)
	}
	if !entry.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: entry %s must be positive", ErrInvalidInput, entry)
	}

	var (
		stop decimal.Decimal
		err  error
	)
	switch spec.Method {
	case StopPercent:
		stop, err = PercentStop(dir, entry, spec.Percent)
	case StopATR:
		stop, err = ATRStop(dir, entry, spec.ATR, spec.ATRMultiple)
	case StopFixed:
		stop, err = FixedStop(dir, entry, spec.Amount)
	case StopManual:
		stop, err = ManualStop(dir, entry, spec.Price)
	default:
		return decimal.Zero, &InvalidStopError{Direction: dir, Entry: entry, Reason: fmt.Sprintf("unknown stop method %q", spec.Method)}
	}
	if err != nil {
		return decimal.Zero, err
	}

	stop = roundStop(dir, stop, tick)
	if err := checkSide(dir, entry, stop); err != nil {
		return decimal.Zero, err
	}
	return stop, nil
}
