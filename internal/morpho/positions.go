package morpho

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	"defi-aggregator/internal/model"
	"defi-aggregator/internal/onchain"
)

// Positions returns one pool per market the user is exposed to.
func (s *Service) Positions(ctx context.Context, chainID, user string) ([]model.PositionPool, error) {
	addr, err := onchain.ParseAddress("address", user)
	if err != nil {
		return nil, err
	}
	_, numeric, err := s.deployment(chainID)
	if err != nil {
		return nil, err
	}
	u, err := s.api.UserPositions(ctx, addr.Hex(), numeric)
	if err != nil {
		return nil, err
	}
	pools := make([]model.PositionPool, 0)
	if u == nil {
		return pools, nil
	}
	for _, p := range u.MarketPositions {
		if !p.Market.complete() || !p.active() {
			continue
		}
		pools = append(pools, positionPool(p))
	}
	return pools, nil
}

func (p MarketPosition) active() bool {
	return positive(p.Collateral) || positive(p.BorrowAssets) || positive(p.SupplyAssets)
}

func positive(n Numeric) bool {
	v, ok := new(big.Int).SetString(strings.TrimSpace(string(n)), 10)
	return ok && v.Sign() > 0
}

func orZero(n Numeric) string {
	if strings.TrimSpace(string(n)) == "" {
		return "0"
	}
	return string(n)
}

func usd(v float64) string {
	return model.Fixed2(decimal.NewFromFloat(v))
}

func positionPool(p MarketPosition) model.PositionPool {
	m := p.Market
	collateral := model.PositionAsset{
		UnderlyingSymbol: m.CollateralAsset.Symbol,
		SupplyBalance:    orZero(p.Collateral),
		SupplyBalanceUSD: usd(p.CollateralUSD),
		BorrowBalance:    "0",
		BorrowBalanceUSD: "0.00",
		SupplyAPY:        "0.00",
		BorrowAPY:        "0.00",
	}
	loan := model.PositionAsset{
		UnderlyingSymbol: m.LoanAsset.Symbol,
		SupplyBalance:    orZero(p.SupplyAssets),
		SupplyBalanceUSD: usd(p.SupplyAssetsUSD),
		BorrowBalance:    orZero(p.BorrowAssets),
		BorrowBalanceUSD: usd(p.BorrowAssetsUSD),
		SupplyAPY:        model.FormatPercent(m.State.SupplyAPY * 100),
		BorrowAPY:        model.FormatPercent(m.State.BorrowAPY * 100),
	}

	health := model.Infinity
	if positive(p.BorrowAssets) {
		health = "0.00"
		if p.HealthFactor != nil {
			health = usd(*p.HealthFactor)
		}
	}
	lltv := decimal.Zero
	if d, err := decimal.NewFromString(string(m.LLTV)); err == nil {
		lltv = d.Div(model.Wad)
	}

	return model.PositionPool{
		Name:                   fmt.Sprintf("%s / %s", m.CollateralAsset.Symbol, m.LoanAsset.Symbol),
		PoolID:                 m.UniqueKey,
		HealthFactor:           health,
		CollateralizationRatio: model.CollateralRatio(decimal.NewFromFloat(p.CollateralUSD), decimal.NewFromFloat(p.BorrowAssetsUSD)),
		TotalCollateralUSD:     usd(p.CollateralUSD),
		TotalBorrowUSD:         usd(p.BorrowAssetsUSD),
		LiquidationThreshold:   model.Fixed2(lltv),
		MaxLTV:                 model.Fixed2(lltv),
		Assets:                 []model.PositionAsset{collateral, loan},
	}
}
