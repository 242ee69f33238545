package model

import (
	"errors"
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleAave() MarketResult {
	return MarketResult{
		Protocol: ProtocolAave,
		Chain:    "mainnet",
		Aave: &AaveMarket{
			Name:        "Aave v3 Ethereum",
			PoolAddress: "0xpool",
			Reserves: []AaveReserve{{
				Symbol:          "USDC",
				OriginalSymbol:  "USDC",
				Address:         "0xusdc",
				Decimals:        6,
				TotalSupply:     big.NewInt(1_234_567_891),
				TotalBorrow:     big.NewInt(456_789_123),
				Price:           big.NewInt(100_010_000),
				LiquidityRate:   big.NewInt(0),
				BorrowRate:      big.NewInt(0),
				LTV:             big.NewInt(7700),
				CollateralUsage: true,
			}},
		},
	}
}

func TestMarketResultValidate(t *testing.T) {
	require.NoError(t, sampleAave().Validate())

	bad := sampleAave()
	bad.Morpho = &MorphoMarket{}
	require.Error(t, bad.Validate(), "标签与载荷不一致应报错")

	bad = sampleAave()
	bad.Protocol = "compound"
	require.Error(t, bad.Validate())

	bad = sampleAave()
	bad.Aave.Reserves[0].TotalSupply = nil
	require.Error(t, bad.Validate())

	bad = MarketResult{Protocol: ProtocolMorpho, Chain: "base", Morpho: &MorphoMarket{Markets: []MorphoMarketData{{UniqueKey: "0x1"}}}}
	require.Error(t, bad.Validate())
}

func TestAavePoolLiquidityInvariant(t *testing.T) {
	pools := sampleAave().Pools()
	require.Len(t, pools, 1)
	asset := pools[0].Assets[0]

	supply := decimal.RequireFromString(asset.TotalSupplyUSD)
	borrow := decimal.RequireFromString(asset.TotalBorrowUSD)
	liquidity := decimal.RequireFromString(asset.LiquidityUSD)
	assert.True(t, supply.Sub(borrow).Sub(liquidity).Abs().LessThanOrEqual(decimal.RequireFromString("0.01")))

	assert.Equal(t, "777778768", asset.Liquidity)
	assert.Equal(t, "0.77", asset.LTV)
	assert.True(t, asset.IsCollateral)
	assert.Equal(t, "0xpool", pools[0].PoolID)
}

func TestMorphoPoolShape(t *testing.T) {
	res := MarketResult{
		Protocol: ProtocolMorpho,
		Chain:    "base",
		Morpho: &MorphoMarket{Markets: []MorphoMarketData{{
			UniqueKey:           "0xabc",
			Collateral:          MorphoAsset{Symbol: "cbBTC", Address: "0xc"},
			Loan:                MorphoAsset{Symbol: "USDC", Address: "0xl"},
			LLTV:                "860000000000000000",
			SupplyAssets:        "1000",
			SupplyAssetsUSD:     1000.456,
			BorrowAssets:        "800",
			BorrowAssetsUSD:     800.111,
			CollateralAssets:    "5",
			CollateralAssetsUSD: 5000,
			SupplyAPY:           0.041,
			BorrowAPY:           0.052,
			Rewards: []MorphoReward{
				{Asset: MorphoAsset{Symbol: "MORPHO", Address: "0xm"}, SupplyAPR: 0.01},
				{Asset: MorphoAsset{Symbol: "WELL", Address: "0xw"}, BorrowAPR: 0.02},
			},
		}}},
	}
	require.NoError(t, res.Validate())

	pools := res.Pools()
	require.Len(t, pools, 1)
	pool := pools[0]
	assert.Equal(t, "cbBTC / USDC", pool.Name)
	require.Len(t, pool.Assets, 2)

	collateral, loan := pool.Assets[0], pool.Assets[1]
	assert.True(t, collateral.IsCollateral)
	assert.Equal(t, "0.86", collateral.LTV)
	require.Len(t, collateral.Rewards, 1)
	assert.Equal(t, "MORPHO", collateral.Rewards[0].RewardTokenSymbol)

	assert.False(t, loan.IsCollateral)
	assert.Equal(t, "200", loan.Liquidity)
	assert.Equal(t, "4.10", loan.SupplyAPY)
	assert.Equal(t, "5.20", loan.BorrowAPY)
	assert.Equal(t, "200.35", loan.LiquidityUSD)
	require.Len(t, loan.Rewards, 1)
	assert.Equal(t, "2.00", loan.Rewards[0].RewardAPR)
}

func TestErrorKinds(t *testing.T) {
	err := NotFound("token %q not found", "XYZ")
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.Equal(t, `token "XYZ" not found`, PublicMessage(err))

	wrapped := Upstream(errors.New("dial tcp rpc.secret-host: refused"), "rpc unavailable for %s", "base")
	assert.True(t, IsKind(wrapped, KindUpstreamUnavailable))
	assert.NotContains(t, PublicMessage(wrapped), "secret-host")

	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
	assert.Equal(t, "internal error", PublicMessage(errors.New("plain")))

	amb := Ambiguous([]string{"a", "b"}, "multiple")
	assert.Equal(t, []string{"a", "b"}, amb.Candidates)
}
