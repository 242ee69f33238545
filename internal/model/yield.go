package model

// YieldReward is an incentive attached to a yield opportunity.
type YieldReward struct {
	APY     string `json:"apy"`
	Symbol  string `json:"symbol"`
	Address string `json:"address"`
}

// YieldOpportunity is a protocol-agnostic supply or vault yield.
type YieldOpportunity struct {
	Protocol              string        `json:"protocol"`
	Chain                 string        `json:"chain"`
	AssetSymbol           string        `json:"assetSymbol"`
	AssetAddress          string        `json:"assetAddress"`
	APY                   string        `json:"apy"`
	BaseAPY               string        `json:"baseApy,omitempty"`
	TVLUSD                string        `json:"tvlUsd,omitempty"`
	AvailableLiquidityUSD string        `json:"availableLiquidityUsd,omitempty"`
	TotalDepositsUnits    string        `json:"totalDepositsUnits,omitempty"`
	Name                  string        `json:"name"`
	YieldType             string        `json:"yieldType"`
	Rewards               []YieldReward `json:"rewards,omitempty"`
	VaultAddress          string        `json:"vaultAddress,omitempty"`
}
