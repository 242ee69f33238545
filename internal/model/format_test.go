package model

import (
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rayFromFloat(t *testing.T, v string) *big.Int {
	t.Helper()
	d, err := decimal.NewFromString(v)
	require.NoError(t, err)
	return d.Mul(Ray).BigInt()
}

func TestFormatAPY(t *testing.T) {
	assert.Equal(t, "0.00", FormatAPY(big.NewInt(0)))
	assert.Equal(t, "0.00", FormatAPY(nil))

	// 5% APR compounds to ~5.13% APY.
	assert.Equal(t, "5.13", FormatAPY(rayFromFloat(t, "0.05")))

	// 0.00001% APR is positive but renders below the display threshold.
	assert.Equal(t, BelowThreshold, FormatAPY(rayFromFloat(t, "0.0000001")))

	// Rates at or above one ray have the base subtracted first.
	assert.Equal(t, FormatAPY(rayFromFloat(t, "0.05")), FormatAPY(rayFromFloat(t, "1.05")))
}

func TestFormatPercent(t *testing.T) {
	cases := map[float64]string{
		0:      "0.00",
		0.005:  BelowThreshold,
		0.01:   "0.01",
		4.5678: "4.57",
		-1.234: "-1.23",
	}
	for in, want := range cases {
		assert.Equal(t, want, FormatPercent(in), "输入 %v", in)
	}
}

func TestAPYValue(t *testing.T) {
	assert.Equal(t, 0.0, APYValue(BelowThreshold))
	assert.Equal(t, 0.0, APYValue(""))
	assert.Equal(t, 0.0, APYValue("garbage"))
	assert.InDelta(t, 3.25, APYValue("3.25"), 1e-9)
}

func TestParseFormatUnitsRoundTrip(t *testing.T) {
	cases := []struct {
		human    string
		decimals int
		raw      string
	}{
		{"1", 18, "1000000000000000000"},
		{"1.5", 6, "1500000"},
		{"0.000001", 6, "1"},
		{"123.456789", 8, "12345678900"},
		{"0", 18, "0"},
		{"2.500", 6, "2500000"},
	}
	for _, tc := range cases {
		raw, err := ParseUnits(tc.human, tc.decimals)
		require.NoError(t, err, tc.human)
		assert.Equal(t, tc.raw, raw.String())

		back, err := decimal.NewFromString(FormatUnits(raw, tc.decimals))
		require.NoError(t, err)
		want, _ := decimal.NewFromString(tc.human)
		assert.True(t, want.Equal(back), "往返转换应保持数值: %s -> %s", tc.human, back)
	}
}

func TestParseUnitsRejects(t *testing.T) {
	for _, in := range []string{"", "abc", "-1", "0.0000001"} {
		_, err := ParseUnits(in, 6)
		require.Error(t, err, in)
		assert.Equal(t, KindInvalidInput, KindOf(err))
	}
}

func TestHealthFactorInfinityOnlyWithoutDebt(t *testing.T) {
	wad := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	assert.Equal(t, Infinity, HealthFactor(new(big.Int).Mul(wad, big.NewInt(5)), big.NewInt(0)))
	assert.Equal(t, "1.50", HealthFactor(new(big.Int).Div(new(big.Int).Mul(wad, big.NewInt(3)), big.NewInt(2)), big.NewInt(1)))

	assert.Equal(t, Infinity, CollateralRatio(decimal.NewFromInt(100), decimal.Zero))
	assert.Equal(t, "2.00", CollateralRatio(decimal.NewFromInt(100), decimal.NewFromInt(50)))
}

func TestUSDValue(t *testing.T) {
	// 2.5 tokens of 6 decimals at $1.00 (8-decimal price).
	v := USDValue(big.NewInt(2_500_000), 6, big.NewInt(100_000_000))
	assert.Equal(t, "2.50", Fixed2(v))
	assert.True(t, USDValue(big.NewInt(1), 6, big.NewInt(0)).IsZero(), "价格为 0 时 USD 应为 0")
}
