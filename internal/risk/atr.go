package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"trading-desk/pkg/gateway"
)

// ATRPeriod is the default lookback for the average true range.
const ATRPeriod = 14

// TrueRange is the largest of high-low, |high-prevClose| and |low-prevClose|.
func TrueRange(bar gateway.Bar, prevClose decimal.Decimal) decimal.Decimal {
	tr := bar.High.Sub(bar.Low)
	if hc := bar.High.Sub(prevClose).Abs(); hc.GreaterThan(tr) {
		tr = hc
	}
	if lc := bar.Low.Sub(prevClose).Abs(); lc.GreaterThan(tr) {
		tr = lc
	}
	return tr
}

// ATR is the simple mean of the last period true ranges. bars are oldest
// first and must hold at least period+1 entries, since each true range
// needs the previous close.
func ATR(bars []gateway.Bar, period int) (decimal.Decimal, error) {
	if period <= 0 {
		return decimal.Zero, fmt.Errorf("%w: ATR period %d", ErrInvalidInput, period)
	}
	if len(bars) < period+1 {
		return decimal.Zero, fmt.Errorf("%w: ATR(%d) needs %d bars, have %d", ErrInvalidInput, period, period+1, len(bars))
	}

	sum := decimal.Zero
	for i := len(bars) - period; i < len(bars); i++ {
		sum = sum.Add(TrueRange(bars[i], bars[i-1].Close))
	}
	return sum.Div(decimal.NewFromInt(int64(period))), nil
}
