package morpho

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"defi-aggregator/internal/httpx"
	"defi-aggregator/internal/model"
)

const (
	marketsPageSize   = 100
	marketsMaxPages   = 5
	vaultsPageSize    = 100
	vaultsMaxPages    = 10
	defaultGraphQLURL = "https://blue-api.morpho.org/graphql"
)

const assetFields = `address symbol priceUsd decimals`

const marketFields = `
  collateralAsset { ` + assetFields + ` }
  loanAsset { ` + assetFields + ` }
  lltv
  uniqueKey
  state {
    borrowApy borrowAssets borrowAssetsUsd
    collateralAssets collateralAssetsUsd
    supplyApy supplyAssets supplyAssetsUsd
    liquidityAssets liquidityAssetsUsd
    dailyNetBorrowApy utilization
    rewards { asset { ` + assetFields + ` } supplyApr borrowApr }
  }`

const marketsQuery = `query Markets($orderBy: MarketOrderBy, $orderDirection: OrderDirection, $where: MarketFilters, $first: Int, $skip: Int) {
  markets(orderBy: $orderBy, orderDirection: $orderDirection, where: $where, first: $first, skip: $skip) {
    items {` + marketFields + `
    }
  }
}`

const userQuery = `query User($address: String!, $chainId: Int) {
  userByAddress(address: $address, chainId: $chainId) {
    address
    marketPositions {
      borrowAssets borrowAssetsUsd collateral collateralUsd healthFactor supplyAssets supplyAssetsUsd
      market {` + marketFields + `
      }
    }
  }
}`

const vaultDataQuery = `query GetVaultData($address: String!, $chainId: Int!) {
  vaultByAddress(address: $address, chainId: $chainId) {
    address name symbol
    asset { address decimals symbol name }
    state {
      dailyNetApy dailyApy totalSupply totalAssets totalAssetsUsd
      rewards { supplyApr asset { address symbol } }
    }
    liquidity { usd }
  }
}`

const vaultsQuery = `query GetVaults($first: Int, $skip: Int) {
  vaults(first: $first, skip: $skip) {
    items {
      address symbol name whitelisted
      asset { address decimals symbol name }
      chain { id network }
      metadata { description curators { name } }
    }
  }
}`

// Numeric is a BigInt scalar. The API emits both JSON numbers and strings.
type Numeric string

// UnmarshalJSON implements json.Unmarshaler.
func (n *Numeric) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	switch {
	case s == "null":
		*n = ""
	case strings.HasPrefix(s, `"`):
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		*n = Numeric(str)
	default:
		var num json.Number
		if err := json.Unmarshal(b, &num); err != nil {
			return err
		}
		*n = Numeric(num.String())
	}
	return nil
}

// Asset is a token as described by the API.
type Asset struct {
	Address  string  `json:"address"`
	Symbol   string  `json:"symbol"`
	Name     string  `json:"name"`
	PriceUSD float64 `json:"priceUsd"`
	Decimals int     `json:"decimals"`
}

// Reward is an incentive stream on a market.
type Reward struct {
	Asset     Asset   `json:"asset"`
	SupplyAPR float64 `json:"supplyApr"`
	BorrowAPR float64 `json:"borrowApr"`
}

// MarketState is the live state of a market.
type MarketState struct {
	BorrowAPY           float64  `json:"borrowApy"`
	BorrowAssets        Numeric  `json:"borrowAssets"`
	BorrowAssetsUSD     float64  `json:"borrowAssetsUsd"`
	CollateralAssets    Numeric  `json:"collateralAssets"`
	CollateralAssetsUSD float64  `json:"collateralAssetsUsd"`
	SupplyAPY           float64  `json:"supplyApy"`
	SupplyAssets        Numeric  `json:"supplyAssets"`
	SupplyAssetsUSD     float64  `json:"supplyAssetsUsd"`
	LiquidityAssets     Numeric  `json:"liquidityAssets"`
	LiquidityAssetsUSD  float64  `json:"liquidityAssetsUsd"`
	DailyNetBorrowAPY   *float64 `json:"dailyNetBorrowApy"`
	Utilization         float64  `json:"utilization"`
	Rewards             []Reward `json:"rewards"`
}

// Market is a Morpho Blue market item.
type Market struct {
	UniqueKey       string       `json:"uniqueKey"`
	LLTV            Numeric      `json:"lltv"`
	CollateralAsset *Asset       `json:"collateralAsset"`
	LoanAsset       *Asset       `json:"loanAsset"`
	State           *MarketState `json:"state"`
}

func (m Market) complete() bool {
	return m.CollateralAsset != nil && m.LoanAsset != nil && m.State != nil &&
		m.CollateralAsset.Symbol != "" && m.LoanAsset.Symbol != ""
}

// MarketPosition is a user's exposure to one market.
type MarketPosition struct {
	BorrowAssets    Numeric  `json:"borrowAssets"`
	BorrowAssetsUSD float64  `json:"borrowAssetsUsd"`
	Collateral      Numeric  `json:"collateral"`
	CollateralUSD   float64  `json:"collateralUsd"`
	HealthFactor    *float64 `json:"healthFactor"`
	SupplyAssets    Numeric  `json:"supplyAssets"`
	SupplyAssetsUSD float64  `json:"supplyAssetsUsd"`
	Market          Market   `json:"market"`
}

// User is the userByAddress payload.
type User struct {
	Address         string           `json:"address"`
	MarketPositions []MarketPosition `json:"marketPositions"`
}

// VaultReward is an incentive on vault deposits.
type VaultReward struct {
	SupplyAPR float64 `json:"supplyApr"`
	Asset     Asset   `json:"asset"`
}

// VaultState is the live state of a vault.
type VaultState struct {
	DailyNetAPY    *float64      `json:"dailyNetApy"`
	DailyAPY       *float64      `json:"dailyApy"`
	TotalSupply    Numeric       `json:"totalSupply"`
	TotalAssets    Numeric       `json:"totalAssets"`
	TotalAssetsUSD *float64      `json:"totalAssetsUsd"`
	Rewards        []VaultReward `json:"rewards"`
}

// VaultData is the vaultByAddress payload.
type VaultData struct {
	Address   string      `json:"address"`
	Name      string      `json:"name"`
	Symbol    string      `json:"symbol"`
	Asset     *Asset      `json:"asset"`
	State     *VaultState `json:"state"`
	Liquidity *struct {
		USD float64 `json:"usd"`
	} `json:"liquidity"`
}

// Curator manages a vault.
type Curator struct {
	Name string `json:"name"`
}

// VaultItem is one entry of the vault listing.
type VaultItem struct {
	Address     string `json:"address"`
	Symbol      string `json:"symbol"`
	Name        string `json:"name"`
	Whitelisted bool   `json:"whitelisted"`
	Asset       *Asset `json:"asset"`
	Chain       struct {
		ID      int64  `json:"id"`
		Network string `json:"network"`
	} `json:"chain"`
	Metadata *struct {
		Description string    `json:"description"`
		Curators    []Curator `json:"curators"`
	} `json:"metadata"`
}

// GraphQL is a client for the Morpho Blue API.
type GraphQL struct {
	url    string
	client *httpx.Client
}

// NewGraphQL builds a client. An empty url selects the public endpoint.
func NewGraphQL(url string, client *httpx.Client) *GraphQL {
	if strings.TrimSpace(url) == "" {
		url = defaultGraphQLURL
	}
	return &GraphQL{url: url, client: client}
}

type gqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type gqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (g *GraphQL) query(ctx context.Context, query string, vars map[string]any, out any) error {
	var resp gqlResponse
	if err := g.client.PostJSON(ctx, g.url, gqlRequest{Query: query, Variables: vars}, &resp); err != nil {
		return err
	}
	if len(resp.Errors) > 0 {
		msgs := make([]string, 0, len(resp.Errors))
		for _, e := range resp.Errors {
			msgs = append(msgs, e.Message)
		}
		return model.Upstream(errors.New(strings.Join(msgs, "; ")), "morpho api error")
	}
	if len(resp.Data) == 0 || string(resp.Data) == "null" {
		return model.Upstream(nil, "morpho api returned no data")
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return model.Upstream(err, "decode morpho response")
	}
	return nil
}

type marketsData struct {
	Markets struct {
		Items []Market `json:"items"`
	} `json:"markets"`
}

func marketVars(chainID int64, whitelisted bool, first, skip int) map[string]any {
	where := map[string]any{"chainId_in": []int64{chainID}}
	if whitelisted {
		where["whitelisted"] = true
	}
	vars := map[string]any{
		"orderBy":        "SupplyAssetsUsd",
		"orderDirection": "Desc",
		"where":          where,
	}
	if first > 0 {
		vars["first"] = first
		vars["skip"] = skip
	}
	return vars
}

// Markets returns the whitelisted markets of a chain ordered by supply USD.
func (g *GraphQL) Markets(ctx context.Context, chainID int64) ([]Market, error) {
	var data marketsData
	if err := g.query(ctx, marketsQuery, marketVars(chainID, true, 0, 0), &data); err != nil {
		return nil, err
	}
	return data.Markets.Items, nil
}

// AllMarkets pages through every market of a chain. A failure after the
// first page ends the walk with what was collected.
func (g *GraphQL) AllMarkets(ctx context.Context, chainID int64) ([]Market, error) {
	var all []Market
	for page := 0; page < marketsMaxPages; page++ {
		var data marketsData
		err := g.query(ctx, marketsQuery, marketVars(chainID, false, marketsPageSize, page*marketsPageSize), &data)
		if err != nil {
			if page == 0 {
				return nil, err
			}
			break
		}
		all = append(all, data.Markets.Items...)
		if len(data.Markets.Items) < marketsPageSize {
			break
		}
	}
	return all, nil
}

// UserPositions returns the user's market positions, or nil when the
// address is unknown to the API.
func (g *GraphQL) UserPositions(ctx context.Context, address string, chainID int64) (*User, error) {
	var data struct {
		UserByAddress *User `json:"userByAddress"`
	}
	err := g.query(ctx, userQuery, map[string]any{"address": address, "chainId": chainID}, &data)
	if err != nil {
		return nil, err
	}
	return data.UserByAddress, nil
}

// VaultData returns the live state of a vault.
func (g *GraphQL) VaultData(ctx context.Context, address string, chainID int64) (*VaultData, error) {
	var data struct {
		VaultByAddress *VaultData `json:"vaultByAddress"`
	}
	err := g.query(ctx, vaultDataQuery, map[string]any{"address": address, "chainId": chainID}, &data)
	if err != nil {
		return nil, err
	}
	if data.VaultByAddress == nil {
		return nil, model.NotFound("vault %s not found on chain %d", address, chainID)
	}
	return data.VaultByAddress, nil
}

// Vaults lists whitelisted vaults across all chains.
func (g *GraphQL) Vaults(ctx context.Context) ([]VaultItem, error) {
	var all []VaultItem
	for page := 0; page < vaultsMaxPages; page++ {
		var data struct {
			Vaults struct {
				Items []VaultItem `json:"items"`
			} `json:"vaults"`
		}
		vars := map[string]any{"first": vaultsPageSize, "skip": page * vaultsPageSize}
		if err := g.query(ctx, vaultsQuery, vars, &data); err != nil {
			return nil, fmt.Errorf("vaults page %d: %w", page+1, err)
		}
		for _, v := range data.Vaults.Items {
			if v.Whitelisted {
				all = append(all, v)
			}
		}
		if len(data.Vaults.Items) < vaultsPageSize {
			break
		}
	}
	return all, nil
}
