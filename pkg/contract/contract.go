// Package contract resolves ticker symbols to gateway contract details from a
// static table.
package contract

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"trading-desk/pkg/gateway"
)

var ErrUnknownSymbol = errors.New("unknown symbol")

// ASXSuffix marks symbols listed on the Australian exchange.
const ASXSuffix = ".AX"

// Details describes one tradable instrument.
type Details struct {
	Symbol   string          `json:"symbol"`
	SecType  string          `json:"sec_type"`
	Exchange string          `json:"exchange"`
	Currency string          `json:"currency"`
	TickSize decimal.Decimal `json:"tick_size"`
}

// Contract returns the wire form sent with requests.
func (d Details) Contract() gateway.Contract {
	return gateway.Contract{
		Symbol:   d.Symbol,
		SecType:  d.SecType,
		Exchange: d.Exchange,
		Currency: d.Currency,
	}
}

// file is the YAML layout; entries only override what they set.
type file struct {
	Defaults struct {
		SecType  string `yaml:"sec_type"`
		Exchange string `yaml:"exchange"`
		Currency string `yaml:"currency"`
		TickSize string `yaml:"tick_size"`
	} `yaml:"defaults"`
	Contracts []struct {
		Symbol   string `yaml:"symbol"`
		SecType  string `yaml:"sec_type"`
		Exchange string `yaml:"exchange"`
		Currency string `yaml:"currency"`
		TickSize string `yaml:"tick_size"`
	} `yaml:"contracts"`
}

// Lookup is a read-mostly symbol table. Unlisted symbols resolve to the
// defaults (or to ASX/AUD when they carry the .AX suffix) unless Strict is set.
type Lookup struct {
	Strict bool

	mu       sync.RWMutex
	defaults Details
	entries  map[string]Details
}

// NewLookup returns a table with SMART/USD stock defaults and a 0.01 tick.
func NewLookup() *Lookup {
	return &Lookup{
		defaults: Details{
			SecType:  "STK",
			Exchange: "SMART",
			Currency: "USD",
			TickSize: decimal.RequireFromString("0.01"),
		},
		entries: make(map[string]Details),
	}
}

// Load reads a YAML contract table:
//
//	defaults: {exchange: SMART, currency: USD, tick_size: "0.01"}
//	contracts:
//	  - {symbol: BHP.AX, tick_size: "0.005"}
func Load(path string) (*Lookup, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read contract table: %w", err)
	}
	var raw file
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse contract table %s: %w", path, err)
	}

	l := NewLookup()
	d := raw.Defaults
	l.defaults = merge(l.defaults, d.SecType, d.Exchange, d.Currency)
	if d.TickSize != "" {
		tick, err := parseTick(d.TickSize)
		if err != nil {
			return nil, fmt.Errorf("contract defaults: %w", err)
		}
		l.defaults.TickSize = tick
	}

	for _, c := range raw.Contracts {
		if c.Symbol == "" {
			return nil, fmt.Errorf("contract table %s: entry without symbol", path)
		}
		det := merge(l.inferred(c.Symbol), c.SecType, c.Exchange, c.Currency)
		if c.TickSize != "" {
			tick, err := parseTick(c.TickSize)
			if err != nil {
				return nil, fmt.Errorf("contract %s: %w", c.Symbol, err)
			}
			det.TickSize = tick
		}
		l.Add(c.Symbol, det)
	}
	return l, nil
}

// Add registers details under symbol, replacing any earlier entry.
func (l *Lookup) Add(symbol string, d Details) {
	key := normalize(symbol)
	if d.Symbol == "" {
		d.Symbol = strings.TrimSuffix(key, ASXSuffix)
	}
	l.mu.Lock()
	l.entries[key] = d
	l.mu.Unlock()
}

// Details resolves symbol. The context is honoured so a remote lookup can
// replace the static table without changing callers.
func (l *Lookup) Details(ctx context.Context, symbol string) (Details, error) {
	if err := ctx.Err(); err != nil {
		return Details{}, err
	}
	key := normalize(symbol)
	if key == "" {
		return Details{}, fmt.Errorf("%w: empty symbol", ErrUnknownSymbol)
	}

	l.mu.RLock()
	d, ok := l.entries[key]
	l.mu.RUnlock()
	if ok {
		return d, nil
	}
	if l.Strict {
		return Details{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, key)
	}
	return l.inferred(key), nil
}

// inferred applies the defaults, switching to ASX/AUD for .AX symbols.
func (l *Lookup) inferred(symbol string) Details {
	key := normalize(symbol)
	d := l.defaults
	d.Symbol = key
	if strings.HasSuffix(key, ASXSuffix) {
		d.Symbol = strings.TrimSuffix(key, ASXSuffix)
		d.Exchange = "ASX"
		d.Currency = "AUD"
	}
	return d
}

func merge(d Details, secType, exchange, currency string) Details {
	if secType != "" {
		d.SecType = secType
	}
	if exchange != "" {
		d.Exchange = exchange
	}
	if currency != "" {
		d.Currency = currency
	}
	return d
}

func parseTick(s string) (decimal.Decimal, error) {
	tick, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("tick_size %q: %w", s, err)
	}
	if !tick.IsPositive() {
		return decimal.Zero, fmt.Errorf("tick_size %q must be positive", s)
	}
	return tick, nil
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
