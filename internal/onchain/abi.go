package onchain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const (
	erc20ABIJSON = `[
{"name":"name","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
{"name":"symbol","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
{"name":"decimals","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
{"name":"totalSupply","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"name":"allowance","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"name":"approve","type":"function","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

	aaveDataProviderABIJSON = `[
{"name":"getAllReservesTokens","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"tuple[]","components":[{"name":"symbol","type":"string"},{"name":"tokenAddress","type":"address"}]}]},
{"name":"getReserveConfigurationData","type":"function","stateMutability":"view","inputs":[{"name":"asset","type":"address"}],"outputs":[
 {"name":"decimals","type":"uint256"},{"name":"ltv","type":"uint256"},{"name":"liquidationThreshold","type":"uint256"},
 {"name":"liquidationBonus","type":"uint256"},{"name":"reserveFactor","type":"uint256"},{"name":"usageAsCollateralEnabled","type":"bool"},
 {"name":"borrowingEnabled","type":"bool"},{"name":"stableBorrowRateEnabled","type":"bool"},{"name":"isActive","type":"bool"},{"name":"isFrozen","type":"bool"}]}
]`

	aavePoolABIJSON = `[
{"name":"getReserveData","type":"function","stateMutability":"view","inputs":[{"name":"asset","type":"address"}],"outputs":[{"name":"","type":"tuple","components":[
 {"name":"configuration","type":"tuple","components":[{"name":"data","type":"uint256"}]},
 {"name":"liquidityIndex","type":"uint128"},{"name":"currentLiquidityRate","type":"uint128"},
 {"name":"variableBorrowIndex","type":"uint128"},{"name":"currentVariableBorrowRate","type":"uint128"},
 {"name":"currentStableBorrowRate","type":"uint128"},{"name":"lastUpdateTimestamp","type":"uint40"},
 {"name":"id","type":"uint16"},{"name":"aTokenAddress","type":"address"},{"name":"stableDebtTokenAddress","type":"address"},
 {"name":"variableDebtTokenAddress","type":"address"},{"name":"interestRateStrategyAddress","type":"address"},
 {"name":"accruedToTreasury","type":"uint128"},{"name":"unbacked","type":"uint128"},{"name":"isolationModeTotalDebt","type":"uint128"}]}]},
{"name":"getUserAccountData","type":"function","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[
 {"name":"totalCollateralBase","type":"uint256"},{"name":"totalDebtBase","type":"uint256"},{"name":"availableBorrowsBase","type":"uint256"},
 {"name":"currentLiquidationThreshold","type":"uint256"},{"name":"ltv","type":"uint256"},{"name":"healthFactor","type":"uint256"}]},
{"name":"supply","type":"function","stateMutability":"nonpayable","inputs":[{"name":"asset","type":"address"},{"name":"amount","type":"uint256"},{"name":"onBehalfOf","type":"address"},{"name":"referralCode","type":"uint16"}],"outputs":[]},
{"name":"withdraw","type":"function","stateMutability":"nonpayable","inputs":[{"name":"asset","type":"address"},{"name":"amount","type":"uint256"},{"name":"to","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"name":"borrow","type":"function","stateMutability":"nonpayable","inputs":[{"name":"asset","type":"address"},{"name":"amount","type":"uint256"},{"name":"interestRateMode","type":"uint256"},{"name":"referralCode","type":"uint16"},{"name":"onBehalfOf","type":"address"}],"outputs":[]},
{"name":"repay","type":"function","stateMutability":"nonpayable","inputs":[{"name":"asset","type":"address"},{"name":"amount","type":"uint256"},{"name":"interestRateMode","type":"uint256"},{"name":"onBehalfOf","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

	morphoABIJSON = `[
{"name":"idToMarketParams","type":"function","stateMutability":"view","inputs":[{"name":"id","type":"bytes32"}],"outputs":[
 {"name":"loanToken","type":"address"},{"name":"collateralToken","type":"address"},{"name":"oracle","type":"address"},{"name":"irm","type":"address"},{"name":"lltv","type":"uint256"}]},
{"name":"market","type":"function","stateMutability":"view","inputs":[{"name":"id","type":"bytes32"}],"outputs":[
 {"name":"totalSupplyAssets","type":"uint128"},{"name":"totalSupplyShares","type":"uint128"},{"name":"totalBorrowAssets","type":"uint128"},
 {"name":"totalBorrowShares","type":"uint128"},{"name":"lastUpdate","type":"uint128"},{"name":"fee","type":"uint128"}]},
{"name":"isAuthorized","type":"function","stateMutability":"view","inputs":[{"name":"authorizer","type":"address"},{"name":"authorized","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
{"name":"setAuthorization","type":"function","stateMutability":"nonpayable","inputs":[{"name":"authorized","type":"address"},{"name":"newIsAuthorized","type":"bool"}],"outputs":[]}
]`

	marketParamsTuple = `{"name":"marketParams","type":"tuple","components":[{"name":"loanToken","type":"address"},{"name":"collateralToken","type":"address"},{"name":"oracle","type":"address"},{"name":"irm","type":"address"},{"name":"lltv","type":"uint256"}]}`

	generalAdapterABIJSON = `[
{"name":"erc20TransferFrom","type":"function","stateMutability":"nonpayable","inputs":[{"name":"token","type":"address"},{"name":"receiver","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
{"name":"morphoSupplyCollateral","type":"function","stateMutability":"nonpayable","inputs":[` + marketParamsTuple + `,{"name":"assets","type":"uint256"},{"name":"onBehalf","type":"address"},{"name":"data","type":"bytes"}],"outputs":[]},
{"name":"morphoBorrow","type":"function","stateMutability":"nonpayable","inputs":[` + marketParamsTuple + `,{"name":"assets","type":"uint256"},{"name":"shares","type":"uint256"},{"name":"minSharePriceE27","type":"uint256"},{"name":"receiver","type":"address"}],"outputs":[]}
]`

	bundler3ABIJSON = `[
{"name":"multicall","type":"function","stateMutability":"payable","inputs":[{"name":"bundle","type":"tuple[]","components":[
 {"name":"to","type":"address"},{"name":"data","type":"bytes"},{"name":"value","type":"uint256"},{"name":"skipRevert","type":"bool"},{"name":"callbackHash","type":"bytes32"}]}],"outputs":[]}
]`

	vaultABIJSON = `[
{"name":"asset","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
{"name":"convertToAssets","type":"function","stateMutability":"view","inputs":[{"name":"shares","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
{"name":"deposit","type":"function","stateMutability":"nonpayable","inputs":[{"name":"assets","type":"uint256"},{"name":"receiver","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"name":"redeem","type":"function","stateMutability":"nonpayable","inputs":[{"name":"shares","type":"uint256"},{"name":"receiver","type":"address"},{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`
)

var (
	ERC20ABI            abi.ABI
	AaveDataProviderABI abi.ABI
	AavePoolABI         abi.ABI
	MorphoABI           abi.ABI
	GeneralAdapterABI   abi.ABI
	Bundler3ABI         abi.ABI
	VaultABI            abi.ABI
)

func init() {
	ERC20ABI = mustParse("ERC-20", erc20ABIJSON)
	AaveDataProviderABI = mustParse("Aave data provider", aaveDataProviderABIJSON)
	AavePoolABI = mustParse("Aave pool", aavePoolABIJSON)
	MorphoABI = mustParse("Morpho Blue", morphoABIJSON)
	GeneralAdapterABI = mustParse("GeneralAdapter1", generalAdapterABIJSON)
	Bundler3ABI = mustParse("Bundler3", bundler3ABIJSON)
	VaultABI = mustParse("ERC-4626", vaultABIJSON)
}

func mustParse(name, raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("failed to parse " + name + " ABI: " + err.Error())
	}
	return parsed
}
