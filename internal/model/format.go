package model

import (
	"math"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	secondsPerYear = 31536000
	// Infinity renders health factor and collateralization ratio for debt-free positions.
	Infinity = "∞"
	// BelowThreshold renders a positive APY that would round to zero.
	BelowThreshold = "<0.01"
	// PriceDecimals is the fixed-point scale of resolver prices and Aave base currency.
	PriceDecimals = 8
)

var (
	ray = new(big.Int).Exp(big.NewInt(10), big.NewInt(27), nil)
	// Ray is 1e27, the Aave rate scale.
	Ray = decimal.NewFromBigInt(ray, 0)
	// Wad is 1e18, the Morpho LLTV and health factor scale.
	Wad = decimal.New(1, 18)
)

// FormatAPY converts an annual rate in ray units into a compounded APY percentage.
func FormatAPY(rate *big.Int) string {
	if rate == nil || rate.Sign() <= 0 {
		return "0.00"
	}
	adjusted := new(big.Int).Set(rate)
	if adjusted.Cmp(ray) >= 0 {
		adjusted.Sub(adjusted, ray)
	}
	r, _ := new(big.Float).Quo(new(big.Float).SetInt(adjusted), new(big.Float).SetInt(ray)).Float64()
	apy := (math.Pow(1+r/secondsPerYear, secondsPerYear) - 1) * 100
	return FormatPercent(apy)
}

// FormatPercent renders an already-scaled percentage.
func FormatPercent(pct float64) string {
	if math.IsNaN(pct) || math.IsInf(pct, 0) || pct == 0 {
		return "0.00"
	}
	if pct > 0 && pct < 0.01 {
		return BelowThreshold
	}
	return decimal.NewFromFloat(pct).StringFixed(2)
}

// APYValue parses a formatted APY for ordering; "<0.01" counts as zero.
func APYValue(apy string) float64 {
	apy = strings.TrimSpace(apy)
	if apy == "" || apy == BelowThreshold {
		return 0
	}
	d, err := decimal.NewFromString(apy)
	if err != nil {
		return 0
	}
	f, _ := d.Float64()
	return f
}

// ToUnits scales a base-unit integer down by decimals.
func ToUnits(raw *big.Int, decimals int) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -int32(decimals))
}

// USDValue values a base-unit amount with an 8-decimal fixed-point price.
func USDValue(raw *big.Int, decimals int, price8 *big.Int) decimal.Decimal {
	if raw == nil || price8 == nil || price8.Sign() == 0 {
		return decimal.Zero
	}
	return ToUnits(raw, decimals).Mul(decimal.NewFromBigInt(price8, -PriceDecimals))
}

// Fixed2 renders a decimal with two fractional digits.
func Fixed2(d decimal.Decimal) string {
	return d.StringFixed(2)
}

// BaseToUSD converts an Aave base-currency amount (8 decimals) into USD.
func BaseToUSD(base *big.Int) decimal.Decimal {
	if base == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(base, -PriceDecimals)
}

// HealthFactor renders a wad-scaled health factor, or "∞" when there is no debt.
func HealthFactor(hf *big.Int, debt *big.Int) string {
	if debt == nil || debt.Sign() == 0 {
		return Infinity
	}
	if hf == nil {
		return "0.00"
	}
	return decimal.NewFromBigInt(hf, -18).StringFixed(2)
}

// CollateralRatio renders collateral/debt, or "∞" when there is no debt.
func CollateralRatio(collateral, debt decimal.Decimal) string {
	if debt.IsZero() {
		return Infinity
	}
	return collateral.Div(debt).StringFixed(2)
}

// ParseUnits converts a human decimal string into base units. More
// fractional digits than the token supports is rejected.
func ParseUnits(human string, decimals int) (*big.Int, error) {
	human = strings.TrimSpace(human)
	if human == "" {
		return nil, InvalidInput("amount is required")
	}
	d, err := decimal.NewFromString(human)
	if err != nil {
		return nil, InvalidInput("invalid amount %q", human)
	}
	if d.IsNegative() {
		return nil, InvalidInput("amount must not be negative")
	}
	if -d.Exponent() > int32(decimals) {
		trimmed := d.Truncate(int32(decimals))
		if !trimmed.Equal(d) {
			return nil, InvalidInput("amount %q has more than %d decimals", human, decimals)
		}
		d = trimmed
	}
	return d.Shift(int32(decimals)).BigInt(), nil
}

// FormatUnits renders base units as a human decimal string without trailing zeros.
func FormatUnits(raw *big.Int, decimals int) string {
	return ToUnits(raw, decimals).String()
}
