package bridge

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-desk/pkg/gateway"
)

func TestClassify(t *testing.T) {
	c := NewClassifier(DefaultCodeTable())

	tests := []struct {
		code  int
		want  Severity
		fatal bool
	}{
		{2104, SeverityInformational, false},
		{2158, SeverityInformational, false},
		{10167, SeverityWarning, false},
		{399, SeverityWarning, false},
		{501, SeverityWarning, false},
		{200, SeverityError, false},
		{326, SeverityError, true},
		{1100, SeverityError, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, c.Classify(tt.code), "code %d", tt.code)
		assert.Equal(t, tt.fatal, c.IsFatal(tt.code), "code %d", tt.code)
		assert.Equal(t, tt.want == SeverityError, c.Terminal(tt.code), "code %d", tt.code)
	}
}

func TestLoadCodeTableKeepsMissingSections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "codes.yaml")
	require.NoError(t, os.WriteFile(path, []byte("warning: [2100]\n"), 0o644))

	table, err := LoadCodeTable(path)
	require.NoError(t, err)
	assert.Equal(t, []int{2100}, table.Warning)
	assert.Equal(t, DefaultCodeTable().Informational, table.Informational)
	assert.Equal(t, DefaultCodeTable().Fatal, table.Fatal)

	c := NewClassifier(table)
	assert.Equal(t, SeverityWarning, c.Classify(2100))
	assert.Equal(t, SeverityError, c.Classify(10167))
}

func TestLoadCodeTableErrors(t *testing.T) {
	_, err := LoadCodeTable(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("fatal: [not, numbers\n"), 0o644))
	_, err = LoadCodeTable(path)
	assert.Error(t, err)
}

func TestQuoteReference(t *testing.T) {
	s := NewStore()
	now := time.Now()

	_, ok := (Quote{}).Reference()
	assert.False(t, ok)

	s.ApplyTick("AAPL", gateway.TickBid, decimal.RequireFromString("245.60"), now)
	q := s.ApplyTick("AAPL", gateway.TickAsk, decimal.RequireFromString("245.70"), now)
	ref, ok := q.Reference()
	require.True(t, ok)
	assert.True(t, ref.Equal(decimal.RequireFromString("245.70")))

	spread, ok := q.Spread()
	require.True(t, ok)
	assert.True(t, spread.Equal(decimal.RequireFromString("0.10")))

	q = s.ApplyTick("AAPL", gateway.TickLast, decimal.RequireFromString("245.67"), now)
	ref, _ = q.Reference()
	assert.True(t, ref.Equal(decimal.RequireFromString("245.67")))

	// a zero last (no trade yet) falls through to the ask
	q = s.ApplyTick("AAPL", gateway.TickLast, decimal.Zero, now)
	ref, _ = q.Reference()
	assert.True(t, ref.Equal(decimal.RequireFromString("245.70")))
}
