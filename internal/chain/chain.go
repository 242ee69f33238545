// Package chain holds the static chain table and memoised RPC clients.
package chain

import (
	"sort"
	"strings"
)

// Chain is a logical deployment target. Several ids may share one network.
type Chain struct {
	ID                string
	NumericID         int64
	CoinGeckoPlatform string
}

var chains = map[string]Chain{
	"mainnet":         {ID: "mainnet", NumericID: 1, CoinGeckoPlatform: "ethereum"},
	"mainnet-lido":    {ID: "mainnet-lido", NumericID: 1, CoinGeckoPlatform: "ethereum"},
	"mainnet-etherfi": {ID: "mainnet-etherfi", NumericID: 1, CoinGeckoPlatform: "ethereum"},
	"mainnet-gho":     {ID: "mainnet-gho", NumericID: 1, CoinGeckoPlatform: "ethereum"},
	"base":            {ID: "base", NumericID: 8453, CoinGeckoPlatform: "base"},
	"arbitrum":        {ID: "arbitrum", NumericID: 42161, CoinGeckoPlatform: "arbitrum-one"},
	"optimism":        {ID: "optimism", NumericID: 10, CoinGeckoPlatform: "optimistic-ethereum"},
	"sonic":           {ID: "sonic", NumericID: 146, CoinGeckoPlatform: "sonic"},
	"mode":            {ID: "mode", NumericID: 34443, CoinGeckoPlatform: "mode"},
}

// Supported lists chain ids in stable order.
func Supported() []string {
	ids := make([]string, 0, len(chains))
	for id := range chains {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Lookup returns the chain for id.
func Lookup(id string) (Chain, bool) {
	c, ok := chains[strings.ToLower(strings.TrimSpace(id))]
	return c, ok
}

// IsSupported reports whether id names a known chain.
func IsSupported(id string) bool {
	_, ok := Lookup(id)
	return ok
}

// PlatformForChain maps a chain id onto its CoinGecko asset platform.
func PlatformForChain(id string) string {
	c, _ := Lookup(id)
	return c.CoinGeckoPlatform
}

// ChainForPlatform maps a CoinGecko asset platform back onto the canonical chain id.
func ChainForPlatform(platform string) (string, bool) {
	switch strings.ToLower(platform) {
	case "ethereum":
		return "mainnet", true
	case "arbitrum-one":
		return "arbitrum", true
	case "optimistic-ethereum":
		return "optimism", true
	case "base":
		return "base", true
	case "mode":
		return "mode", true
	case "sonic":
		return "sonic", true
	}
	return "", false
}

// RPCEnvVar is the environment variable consulted for a chain's RPC URL,
// e.g. MAINNET_LIDO_RPC_URL.
func RPCEnvVar(id string) string {
	return strings.ToUpper(strings.ReplaceAll(id, "-", "_")) + "_RPC_URL"
}
