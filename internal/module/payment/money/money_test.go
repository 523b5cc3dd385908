package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToMinorUnits(t *testing.T) {
	tests := []struct {
		name   string
		amount string
		want   int64
	}{
		{"whole dollars", "10", 1000},
		{"with cents", "15.99", 1599},
		{"single cent", "0.01", 1},
		{"trailing zero", "10.50", 1050},
		{"large amount", "99999.99", 9999999},
		{"float-hostile value", "19.99", 1999},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ToMinorUnits(decimal.RequireFromString(tt.amount))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestToMinorUnitsRejectsInvalid(t *testing.T) {
	tests := []struct {
		name   string
		amount string
	}{
		{"zero", "0"},
		{"negative", "-5.00"},
		{"sub-cent precision", "1.005"},
		{"tiny fraction", "0.001"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ToMinorUnits(decimal.RequireFromString(tt.amount))
			assert.ErrorIs(t, err, ErrInvalidAmount)
		})
	}
}

func TestFromMinorUnits(t *testing.T) {
	assert.True(t, decimal.RequireFromString("15.99").Equal(FromMinorUnits(1599)))
	assert.True(t, decimal.RequireFromString("0.01").Equal(FromMinorUnits(1)))
	assert.True(t, decimal.RequireFromString("100.00").Equal(FromMinorUnits(10000)))
}

func TestRoundTrip(t *testing.T) {
	// Every valid two-decimal amount must survive the wire conversion exactly.
	for cents := int64(1); cents < 10000; cents++ {
		amount := FromMinorUnits(cents)
		back, err := ToMinorUnits(amount)
		require.NoError(t, err)
		require.Equal(t, cents, back)
	}
}
