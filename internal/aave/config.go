package aave

import (
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"defi-aggregator/internal/config"
	"defi-aggregator/internal/model"
)

// MarketConfig describes one Aave v3 deployment.
type MarketConfig struct {
	Chain           string
	Pool            common.Address
	DataProvider    common.Address
	DisplayName     string
	SupportedTokens []string
}

// Supports reports whether a reserve symbol is enabled for the market.
// An empty list enables everything.
func (m MarketConfig) Supports(symbols ...string) bool {
	if len(m.SupportedTokens) == 0 {
		return true
	}
	for _, want := range m.SupportedTokens {
		for _, s := range symbols {
			if s != "" && strings.EqualFold(want, s) {
				return true
			}
		}
	}
	return false
}

// Name is the display name, falling back to "Aave v3 {chain}".
func (m MarketConfig) Name() string {
	if m.DisplayName != "" {
		return m.DisplayName
	}
	return "Aave v3 " + m.Chain
}

var defaultMarkets = map[string]MarketConfig{
	"mainnet": {
		Pool:         common.HexToAddress("0x87870Bca3F3fD6335C3F4ce8392D69350B4fA4E2"),
		DataProvider: common.HexToAddress("0x497a1994c46d4f6C864904A9f1fac6328Cb7C8a6"),
		DisplayName:  "Aave v3 Ethereum",
		SupportedTokens: []string{
			"WETH", "WBTC", "USDC", "USDT", "DAI", "LINK", "wstETH", "ETH", "AAVE", "CRV",
			"BAL", "GHO", "rETH", "cbETH", "FRAX", "MKR", "SNX", "UNI", "pyUSD",
		},
	},
	"mainnet-etherfi": {
		Pool:            common.HexToAddress("0x0AA97c284e98396202b6A04024F5E2c65026F3c0"),
		DataProvider:    common.HexToAddress("0xE7d490885A68f00d9886508DF281D67263ed5758"),
		DisplayName:     "Aave v3 EtherFi",
		SupportedTokens: []string{"USDC", "weETH", "FRAX", "pyUSD"},
	},
	"mainnet-lido": {
		Pool:            common.HexToAddress("0x4e033931ad43597d96D6bcc25c280717730B58B1"),
		DataProvider:    common.HexToAddress("0x08795CFE08C7a81dCDFf482BbAAF474B240f31cD"),
		DisplayName:     "Aave v3 Lido",
		SupportedTokens: []string{"wstETH", "WETH", "USDS", "USDC", "ezETH", "sUSDe", "GHO", "rsETH"},
	},
	"base": {
		Pool:         common.HexToAddress("0xA238Dd80C259a72e81d7e4664a9801593F98d1c5"),
		DataProvider: common.HexToAddress("0xd82a47fdebB5bf5329b09441C3DaB4b5df2153Ad"),
		DisplayName:  "Aave v3 Base",
		SupportedTokens: []string{
			"WETH", "cbETH", "USDbC", "wstETH", "USDC", "weETH", "cbBTC", "GHO", "ezETH", "EURC", "LBTC", "wrsETH",
		},
	},
	"arbitrum": {
		Pool:         common.HexToAddress("0x794a61358D6845594F94dc1DB02A252b5b4814aD"),
		DataProvider: common.HexToAddress("0x69FA688f1Dc47d4B5d8029D5a35FB7a548310654"),
		DisplayName:  "Aave v3 Arbitrum",
		SupportedTokens: []string{
			"DAI", "LINK", "USDC", "WBTC", "WETH", "USDT", "AAVE", "EURS", "wstETH", "MAI",
			"rETH", "LUSD", "USDCn", "FRAX", "ARB", "weETH", "GHO", "ezETH",
		},
	},
	"optimism": {
		Pool:         common.HexToAddress("0x794a61358D6845594F94dc1DB02A252b5b4814aD"),
		DataProvider: common.HexToAddress("0x69FA688f1Dc47d4B5d8029D5a35FB7a548310654"),
		DisplayName:  "Aave v3 Optimism",
		SupportedTokens: []string{
			"DAI", "LINK", "USDC", "WBTC", "WETH", "USDT", "AAVE", "sUSD", "OP", "wstETH",
			"LUSD", "MAI", "rETH", "USDCn", "ETH",
		},
	},
	"sonic": {
		Pool:            common.HexToAddress("0x5362dBb1e601abF3a4c14c22ffEdA64042E5eAA3"),
		DataProvider:    common.HexToAddress("0x306c124fFba5f2Bc0BcAf40D249cf19D492440b9"),
		DisplayName:     "Aave v3 Sonic",
		SupportedTokens: []string{"SONIC", "wS", "S", "USDC.e"},
	},
}

// Markets merges the built-in deployments with configured overrides.
// Overrides may add chains or replace individual fields.
func Markets(overrides map[string]config.AaveMarketConfig) map[string]MarketConfig {
	out := make(map[string]MarketConfig, len(defaultMarkets)+len(overrides))
	for id, m := range defaultMarkets {
		m.Chain = id
		m.SupportedTokens = append([]string(nil), m.SupportedTokens...)
		out[id] = m
	}
	for id, o := range overrides {
		id = strings.ToLower(id)
		m := out[id]
		m.Chain = id
		if common.IsHexAddress(o.Pool) {
			m.Pool = common.HexToAddress(o.Pool)
		}
		if common.IsHexAddress(o.DataProvider) {
			m.DataProvider = common.HexToAddress(o.DataProvider)
		}
		if o.DisplayName != "" {
			m.DisplayName = o.DisplayName
		}
		if o.SupportedTokens != nil {
			m.SupportedTokens = o.SupportedTokens
		}
		out[id] = m
	}
	return out
}

// bridged USDC deployments that report plain "USDC".
var bridgedUSDC = map[string]common.Address{
	"optimism": common.HexToAddress("0x7F5c764cBc14f9669B88837ca1490cCa17c31607"),
	"arbitrum": common.HexToAddress("0xFF970A61A04b1cA14834A43f5dE4533eBDDB5CC8"),
}

func displaySymbol(chainID string, token common.Address, contractSymbol string) string {
	if contractSymbol == "USDC" {
		if addr, ok := bridgedUSDC[chainID]; ok && addr == token {
			return "USDC.e"
		}
	}
	return contractSymbol
}

// matchesFilter applies the reserve symbol filter against both the
// display and the reserve symbol.
func matchesFilter(query, display, original string) bool {
	if strings.TrimSpace(query) == "" {
		return true
	}
	return model.SymbolMatches(query, display) || model.SymbolMatches(query, original)
}

func sortedChains(markets map[string]MarketConfig) []string {
	out := make([]string, 0, len(markets))
	for id, m := range markets {
		if m.Pool != (common.Address{}) && m.DataProvider != (common.Address{}) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
