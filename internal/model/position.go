package model

import "github.com/shopspring/decimal"

// PositionAsset is a user's holding of one asset inside a pool.
type PositionAsset struct {
	UnderlyingSymbol string `json:"underlyingSymbol"`
	SupplyBalance    string `json:"supplyBalance"`
	SupplyBalanceUSD string `json:"supplyBalanceUsd"`
	BorrowBalance    string `json:"borrowBalance"`
	BorrowBalanceUSD string `json:"borrowBalanceUsd"`
	SupplyAPY        string `json:"supplyApy,omitempty"`
	BorrowAPY        string `json:"borrowApy,omitempty"`
}

// PositionPool summarises a user's exposure to one pool.
type PositionPool struct {
	Name                   string          `json:"name"`
	PoolID                 string          `json:"poolId"`
	HealthFactor           string          `json:"healthFactor"`
	CollateralizationRatio string          `json:"collateralizationRatio,omitempty"`
	TotalCollateralUSD     string          `json:"totalCollateralUsd,omitempty"`
	TotalBorrowUSD         string          `json:"totalBorrowUsd,omitempty"`
	AvailableBorrowUSD     string          `json:"availableBorrowUsd,omitempty"`
	LiquidationThreshold   string          `json:"liquidationThreshold,omitempty"`
	MaxLTV                 string          `json:"maxLtv,omitempty"`
	Assets                 []PositionAsset `json:"assets"`
}

// Totals sums supply and borrow USD across the pool's assets.
func (p PositionPool) Totals() (supply, borrow decimal.Decimal) {
	for _, a := range p.Assets {
		supply = supply.Add(parseOrZero(a.SupplyBalanceUSD))
		borrow = borrow.Add(parseOrZero(a.BorrowBalanceUSD))
	}
	return supply, borrow
}

func parseOrZero(v string) decimal.Decimal {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero
	}
	return d
}
