// Package risk computes stop levels, position sizes and R-multiple targets.
// Every figure is decimal; nothing here does I/O.
package risk

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"trading-desk/pkg/gateway"
)

// Direction of the trade being planned.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// DirectionOf maps an entry action to a trade direction.
func DirectionOf(a gateway.Action) Direction {
	if a == gateway.ActionSell {
		return Short
	}
	return Long
}

// Entry is the action that opens a position in this direction.
func (d Direction) Entry() gateway.Action {
	if d == Short {
		return gateway.ActionSell
	}
	return gateway.ActionBuy
}

func (d Direction) valid() bool { return d == Long || d == Short }

// StopMethod selects how the stop price is derived.
type StopMethod string

const (
	StopPercent StopMethod = "percent"
	StopATR     StopMethod = "atr"
	StopFixed   StopMethod = "fixed"
	StopManual  StopMethod = "manual"
)

// StopSpec describes the stop the operator asked for. Only the fields for
// Method are read.
type StopSpec struct {
	Method      StopMethod      `json:"method"`
	Percent     decimal.Decimal `json:"percent"`      // fraction of entry, 0 < p < 1
	ATR         decimal.Decimal `json:"atr"`          // 14-period average true range
	ATRMultiple decimal.Decimal `json:"atr_multiple"` // k in entry -/+ k*ATR
	Amount      decimal.Decimal `json:"amount"`       // dollars per share
	Price       decimal.Decimal `json:"price"`        // manual or support level
}

// Input is everything Compute needs.
type Input struct {
	Symbol       string          `json:"symbol"`
	Direction    Direction       `json:"direction"`
	Entry        decimal.Decimal `json:"entry"`
	Stop         StopSpec        `json:"stop"`
	AccountValue decimal.Decimal `json:"account_value"`
	RiskPct      decimal.Decimal `json:"risk_pct"`  // fraction of account, 0 < r <= 1
	TickSize     decimal.Decimal `json:"tick_size"` // zero disables rounding
}

// Target is an R-multiple profit objective.
type Target struct {
	R      int             `json:"r"`
	Price  decimal.Decimal `json:"price"`
	Profit decimal.Decimal `json:"profit"`
}

// Parameters are the computed risk figures for one order. They are derived
// from Input and never mutated; recompute when an input changes.
type Parameters struct {
	Symbol        string          `json:"symbol"`
	Direction     Direction       `json:"direction"`
	Entry         decimal.Decimal `json:"entry"`
	Stop          decimal.Decimal `json:"stop"`
	Method        StopMethod      `json:"method"`
	RiskPerShare  decimal.Decimal `json:"risk_per_share"`
	RiskAmount    decimal.Decimal `json:"risk_amount"`
	Shares        int64           `json:"shares"`
	MaxLoss       decimal.Decimal `json:"max_loss"`
	PositionValue decimal.Decimal `json:"position_value"`
	AccountPct    decimal.Decimal `json:"account_pct"` // position value / account value
	Targets       []Target        `json:"targets"`
}

// Target returns the n-R target, if it was computed.
func (p Parameters) Target(n int) (Target, bool) {
	for _, t := range p.Targets {
		if t.R == n {
			return t, true
		}
	}
	return Target{}, false
}

// ErrInvalidInput wraps inputs rejected before any stop or size is computed.
var ErrInvalidInput = errors.New("invalid risk input")

// InvalidStopError reports a stop that is missing or on the wrong side of entry.
type InvalidStopError struct {
	Direction Direction
	Entry     decimal.Decimal
	Stop      decimal.Decimal
	Reason    string
}

func (e *InvalidStopError) Error() string {
	return fmt.Sprintf("invalid %s stop %s for entry %s: %s", e.Direction, e.Stop, e.Entry, e.Reason)
}

// InsufficientRiskError reports a stop/account combination that cannot size
// a position of at least one share.
type InsufficientRiskError struct {
	RiskPerShare decimal.Decimal
	RiskAmount   decimal.Decimal
}

func (e *InsufficientRiskError) Error() string {
	if !e.RiskPerShare.IsPositive() {
		return fmt.Sprintf("insufficient risk: risk per share is %s", e.RiskPerShare)
	}
	return fmt.Sprintf("insufficient risk: %s does not cover one share at %s risk per share", e.RiskAmount, e.RiskPerShare)
}
