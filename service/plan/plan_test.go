package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriceLamports_MatchesTable(t *testing.T) {
	tests := []struct {
		plan     Type
		lamports uint64
		sol      string
	}{
		{FreeTrial, 0, "0"},
		{ThreeMonths, 10_000_000, "0.01"},
		{Yearly, 50_000_000, "0.05"},
	}

	for _, tt := range tests {
		t.Run(string(tt.plan), func(t *testing.T) {
			lamports, err := PriceLamports(tt.plan)
			require.NoError(t, err)
			assert.Equal(t, tt.lamports, lamports)

			sol, err := PriceSOL(tt.plan)
			require.NoError(t, err)
			assert.Equal(t, tt.sol, sol.String())
			assert.Equal(t, tt.sol, LamportsToSOL(lamports))
		})
	}
}

func TestSelect(t *testing.T) {
	sel, err := Select(FreeTrial)
	require.NoError(t, err)
	assert.True(t, sel.IsFree())

	sel, err = Select(Yearly)
	require.NoError(t, err)
	assert.False(t, sel.IsFree())
	assert.Equal(t, "0.05", sel.PriceSOL())
}

func TestParse_Invalid(t *testing.T) {
	for _, name := range []string{"", "monthly", "YEARLY", "free-trial"} {
		_, err := Parse(name)
		require.Error(t, err, name)
		assert.ErrorIs(t, err, ErrInvalidPlan)
	}

	_, err := Select(Type("lifetime"))
	assert.ErrorIs(t, err, ErrInvalidPlan)
}

func TestAll_Order(t *testing.T) {
	assert.Equal(t, []Type{FreeTrial, ThreeMonths, Yearly}, All())
	for _, p := range All() {
		parsed, err := Parse(string(p))
		require.NoError(t, err)
		assert.Equal(t, p, parsed)
	}
}
