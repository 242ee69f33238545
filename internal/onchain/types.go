package onchain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ReserveToken is one entry of getAllReservesTokens.
type ReserveToken struct {
	Symbol       string         `abi:"symbol"`
	TokenAddress common.Address `abi:"tokenAddress"`
}

// ReserveConfiguration is the decoded getReserveConfigurationData result.
type ReserveConfiguration struct {
	Decimals                 *big.Int `abi:"decimals"`
	LTV                      *big.Int `abi:"ltv"`
	LiquidationThreshold     *big.Int `abi:"liquidationThreshold"`
	LiquidationBonus         *big.Int `abi:"liquidationBonus"`
	ReserveFactor            *big.Int `abi:"reserveFactor"`
	UsageAsCollateralEnabled bool     `abi:"usageAsCollateralEnabled"`
	BorrowingEnabled         bool     `abi:"borrowingEnabled"`
	StableBorrowRateEnabled  bool     `abi:"stableBorrowRateEnabled"`
	IsActive                 bool     `abi:"isActive"`
	IsFrozen                 bool     `abi:"isFrozen"`
}

// ReserveConfigurationMap is the packed configuration bitmap.
type ReserveConfigurationMap struct {
	Data *big.Int `abi:"data"`
}

// ReserveData is the Pool.getReserveData struct. Field order mirrors the
// on-chain struct because nested tuples decode positionally.
type ReserveData struct {
	Configuration               ReserveConfigurationMap `abi:"configuration"`
	LiquidityIndex              *big.Int                `abi:"liquidityIndex"`
	CurrentLiquidityRate        *big.Int                `abi:"currentLiquidityRate"`
	VariableBorrowIndex         *big.Int                `abi:"variableBorrowIndex"`
	CurrentVariableBorrowRate   *big.Int                `abi:"currentVariableBorrowRate"`
	CurrentStableBorrowRate     *big.Int                `abi:"currentStableBorrowRate"`
	LastUpdateTimestamp         *big.Int                `abi:"lastUpdateTimestamp"`
	ID                          uint16                  `abi:"id"`
	ATokenAddress               common.Address          `abi:"aTokenAddress"`
	StableDebtTokenAddress      common.Address          `abi:"stableDebtTokenAddress"`
	VariableDebtTokenAddress    common.Address          `abi:"variableDebtTokenAddress"`
	InterestRateStrategyAddress common.Address          `abi:"interestRateStrategyAddress"`
	AccruedToTreasury           *big.Int                `abi:"accruedToTreasury"`
	Unbacked                    *big.Int                `abi:"unbacked"`
	IsolationModeTotalDebt      *big.Int                `abi:"isolationModeTotalDebt"`
}

// UserAccountData is the decoded getUserAccountData result. Base amounts
// use the market's 8-decimal USD base currency.
type UserAccountData struct {
	TotalCollateralBase         *big.Int `abi:"totalCollateralBase"`
	TotalDebtBase               *big.Int `abi:"totalDebtBase"`
	AvailableBorrowsBase        *big.Int `abi:"availableBorrowsBase"`
	CurrentLiquidationThreshold *big.Int `abi:"currentLiquidationThreshold"`
	LTV                         *big.Int `abi:"ltv"`
	HealthFactor                *big.Int `abi:"healthFactor"`
}

// MarketParams identifies a Morpho Blue market.
type MarketParams struct {
	LoanToken       common.Address `abi:"loanToken"`
	CollateralToken common.Address `abi:"collateralToken"`
	Oracle          common.Address `abi:"oracle"`
	Irm             common.Address `abi:"irm"`
	LLTV            *big.Int       `abi:"lltv"`
}

// MorphoMarketState is the decoded Morpho.market(id) result.
type MorphoMarketState struct {
	TotalSupplyAssets *big.Int `abi:"totalSupplyAssets"`
	TotalSupplyShares *big.Int `abi:"totalSupplyShares"`
	TotalBorrowAssets *big.Int `abi:"totalBorrowAssets"`
	TotalBorrowShares *big.Int `abi:"totalBorrowShares"`
	LastUpdate        *big.Int `abi:"lastUpdate"`
	Fee               *big.Int `abi:"fee"`
}

// Liquidity is the amount that can still be borrowed.
func (s MorphoMarketState) Liquidity() *big.Int {
	if s.TotalSupplyAssets == nil {
		return new(big.Int)
	}
	out := new(big.Int).Set(s.TotalSupplyAssets)
	if s.TotalBorrowAssets != nil {
		out.Sub(out, s.TotalBorrowAssets)
	}
	if out.Sign() < 0 {
		out.SetInt64(0)
	}
	return out
}

// BundleCall is one Bundler3 multicall entry.
type BundleCall struct {
	To           common.Address `abi:"to"`
	Data         []byte         `abi:"data"`
	Value        *big.Int       `abi:"value"`
	SkipRevert   bool           `abi:"skipRevert"`
	CallbackHash [32]byte       `abi:"callbackHash"`
}
