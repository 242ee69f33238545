package tools

import (
	"context"
	"strings"

	"defi-aggregator/internal/aave"
	"defi-aggregator/internal/chain"
	"defi-aggregator/internal/markets"
	"defi-aggregator/internal/model"
	"defi-aggregator/internal/morpho"
	"defi-aggregator/internal/token"
	"defi-aggregator/internal/yield"
)

var protocols = []string{string(model.ProtocolAave), string(model.ProtocolMorpho)}

func chainProperty(description string) map[string]any {
	return StringEnumProperty(description, chain.Supported()...)
}

type marketArgs struct {
	Protocol   string `json:"protocol"`
	Chain      string `json:"chain"`
	PoolID     string `json:"poolId"`
	Collateral string `json:"collateralTokenSymbol"`
	Borrow     string `json:"borrowTokenSymbol"`
	Asset      string `json:"asset"`
	SortBy     string `json:"sortBy"`
	Limit      int    `json:"limit"`
}

type positionArgs struct {
	Address  string `json:"address"`
	Protocol string `json:"protocol"`
	Chain    string `json:"chain"`
}

type yieldArgs struct {
	Chain    string   `json:"chain"`
	Asset    string   `json:"asset"`
	Protocol string   `json:"protocol"`
	MinAPY   *float64 `json:"minApy"`
	Limit    int      `json:"limit"`
}

type findTokenArgs struct {
	Query      string `json:"query"`
	SearchType string `json:"searchType"`
}

type aaveArgs struct {
	Chain string `json:"chain"`
	aave.OperationRequest
}

type morphoBorrowArgs struct {
	Chain            string       `json:"chain"`
	Sender           string       `json:"sender"`
	CollateralToken  string       `json:"collateralToken"`
	CollateralAmount model.Amount `json:"collateralAmount"`
	BorrowToken      string       `json:"borrowToken"`
	BorrowAmount     model.Amount `json:"borrowAmount"`
}

type earnArgs struct {
	Chain string `json:"chain"`
	morpho.EarnRequest
}

type perpArgs struct {
	Address string `json:"address"`
}

func definitions(svc Services) []Tool {
	var out []Tool
	if svc.Markets != nil {
		out = append(out, Tool{
			Name:        "get_markets",
			Description: "Get lending markets across Aave and Morpho with optional filtering by protocol, chain, pool and token symbols.",
			Parameters: ObjectSchema(map[string]any{
				"protocol":              StringEnumProperty("Filter by protocol", protocols...),
				"chain":                 chainProperty("Filter by chain"),
				"poolId":                StringProperty("Pool id (Aave pool address or Morpho market id)"),
				"collateralTokenSymbol": StringProperty("Keep assets matching this symbol"),
				"borrowTokenSymbol":     StringProperty("Keep assets matching this symbol"),
				"asset":                 StringProperty("Shorthand that sets both symbol filters"),
				"sortBy":                StringEnumProperty("Sort pools", markets.SortName, markets.SortSupplyAPY, markets.SortBorrowAPY),
				"limit":                 IntegerProperty("Maximum pools per chain"),
			}),
			handler: bind(func(ctx context.Context, a marketArgs) (any, error) {
				f := markets.Filter{
					Protocol: a.Protocol, Chain: a.Chain, PoolID: a.PoolID,
					Collateral: a.Collateral, Borrow: a.Borrow, SortBy: a.SortBy, Limit: a.Limit,
				}
				if a.Asset != "" {
					f.Collateral, f.Borrow = a.Asset, a.Asset
				}
				return svc.Markets.AllMarkets(ctx, f)
			}),
		})
	}
	if svc.Positions != nil {
		out = append(out, Tool{
			Name:        "get_positions",
			Description: "Get a wallet's lending positions with USD totals, across all chains or one chain.",
			Parameters: ObjectSchema(map[string]any{
				"address":  StringProperty("Wallet address (0x...)"),
				"protocol": StringEnumProperty("Filter by protocol", protocols...),
				"chain":    chainProperty("Filter by chain"),
			}, "address"),
			handler: bind(func(ctx context.Context, a positionArgs) (any, error) {
				return svc.Positions.All(ctx, a.Address, a.Protocol, a.Chain)
			}),
		})
	}
	if svc.Yield != nil {
		out = append(out, Tool{
			Name:        "get_yield_opportunities",
			Description: "Rank supply and vault yields across protocols, highest APY first.",
			Parameters: ObjectSchema(map[string]any{
				"chain":    chainProperty("Filter by chain"),
				"asset":    StringProperty("Filter by asset symbol"),
				"protocol": StringEnumProperty("Filter by protocol", protocols...),
				"minApy":   NumberProperty("Minimum APY in percent"),
				"limit":    IntegerProperty("Maximum opportunities to return"),
			}),
			handler: bind(func(ctx context.Context, a yieldArgs) (any, error) {
				opps, err := svc.Yield.Top(ctx, yield.Query{
					Chain: a.Chain, Asset: a.Asset, Protocol: a.Protocol, MinAPY: a.MinAPY, Limit: a.Limit,
				})
				if err != nil {
					return nil, err
				}
				return map[string]any{"opportunities": opps}, nil
			}),
		})
	}
	if svc.Tokens != nil {
		out = append(out, Tool{
			Name:        "find_token",
			Description: "Look a token up by symbol, name or contract address.",
			Parameters: ObjectSchema(map[string]any{
				"query":      StringProperty("Symbol, name or 0x address"),
				"searchType": StringEnumProperty("Restrict the search", token.SearchSymbol, token.SearchName, token.SearchAddress),
			}, "query"),
			handler: bind(func(_ context.Context, a findTokenArgs) (any, error) {
				tok := svc.Tokens.Find(a.Query, strings.ToLower(a.SearchType))
				if tok == nil {
					return nil, model.NotFound("Token not found for query: %s", a.Query)
				}
				return map[string]any{"token": tok}, nil
			}),
		})
	}
	if svc.Aave != nil {
		out = append(out, aaveTools(svc.Aave)...)
	}
	if svc.Morpho != nil {
		out = append(out, morphoTools(svc.Morpho)...)
	}
	if svc.Perps != nil {
		out = append(out,
			Tool{
				Name:        "hyperliquid_positions",
				Description: "Get a Hyperliquid clearinghouse state: open perp positions and margin summary. Returns null when the account is unknown.",
				Parameters:  ObjectSchema(map[string]any{"address": StringProperty("Wallet address (0x...)")}, "address"),
				handler: bind(func(ctx context.Context, a perpArgs) (any, error) {
					return svc.Perps.ClearinghouseState(ctx, a.Address)
				}),
			},
			Tool{
				Name:        "hyperliquid_open_orders",
				Description: "Get a user's open orders on Hyperliquid.",
				Parameters:  ObjectSchema(map[string]any{"address": StringProperty("Wallet address (0x...)")}, "address"),
				handler: bind(func(ctx context.Context, a perpArgs) (any, error) {
					return svc.Perps.OpenOrders(ctx, a.Address)
				}),
			},
		)
	}
	return out
}

func aaveTools(ops AaveOperations) []Tool {
	type opFunc func(ctx context.Context, chainID string, req aave.OperationRequest) (*model.OperationResponse, error)
	defs := []struct {
		name, verb string
		run        opFunc
	}{
		{"aave_supply", "Supply", ops.Supply},
		{"aave_withdraw", "Withdraw", ops.Withdraw},
		{"aave_borrow", "Borrow (variable rate)", ops.Borrow},
		{"aave_repay", "Repay", ops.Repay},
	}
	out := make([]Tool, 0, len(defs))
	for _, d := range defs {
		out = append(out, Tool{
			Name:        d.name,
			Description: d.verb + " an asset on Aave V3. Returns an unsigned transaction plus any approvals that must be mined first.",
			Parameters: ObjectSchema(map[string]any{
				"chain":  chainProperty("Chain of the Aave market"),
				"asset":  StringProperty("Asset symbol or address"),
				"amount": AmountProperty("Amount in human units, e.g. 100.5"),
				"sender": StringProperty("Wallet that will sign (0x...)"),
			}, "chain", "asset", "amount", "sender"),
			handler: bind(func(ctx context.Context, a aaveArgs) (any, error) {
				return d.run(ctx, a.Chain, a.OperationRequest)
			}),
		})
	}
	return out
}

func morphoTools(ops MorphoOperations) []Tool {
	earnSchema := func(amount string) map[string]any {
		return ObjectSchema(map[string]any{
			"chain":           chainProperty("Chain of the vault"),
			"assetSymbol":     StringProperty("Underlying asset symbol, e.g. USDC"),
			"amount":          AmountProperty(amount),
			"userAddress":     StringProperty("Wallet that will sign (0x...)"),
			"vaultIdentifier": StringProperty("Vault address, name or curator"),
		}, "chain", "assetSymbol", "amount", "userAddress", "vaultIdentifier")
	}
	return []Tool{
		{
			Name:        "morpho_borrow",
			Description: "Supply collateral and borrow from a Morpho Blue market in one bundled transaction.",
			Parameters: ObjectSchema(map[string]any{
				"chain":            chainProperty("Chain of the market"),
				"sender":           StringProperty("Wallet that will sign (0x...)"),
				"collateralToken":  StringProperty("Collateral token symbol"),
				"collateralAmount": AmountProperty("Collateral amount in human units"),
				"borrowToken":      StringProperty("Loan token symbol"),
				"borrowAmount":     AmountProperty("Borrow amount in human units"),
			}, "chain", "sender", "collateralToken", "collateralAmount", "borrowToken", "borrowAmount"),
			handler: bind(func(ctx context.Context, a morphoBorrowArgs) (any, error) {
				return ops.Borrow(ctx, morpho.BorrowRequest{
					Chain:  a.Chain,
					Sender: a.Sender,
					CallData: morpho.BorrowCallData{
						Collateral: morpho.TokenLeg{Token: a.CollateralToken, Amount: a.CollateralAmount},
						Borrow:     morpho.TokenLeg{Token: a.BorrowToken, Amount: a.BorrowAmount},
					},
				})
			}),
		},
		{
			Name:        "morpho_earn_deposit",
			Description: "Deposit assets into a whitelisted Morpho Earn vault.",
			Parameters:  earnSchema("Asset amount in human units"),
			handler: bind(func(ctx context.Context, a earnArgs) (any, error) {
				return ops.Deposit(ctx, a.Chain, a.EarnRequest)
			}),
		},
		{
			Name:        "morpho_earn_withdraw",
			Description: "Redeem shares from a whitelisted Morpho Earn vault.",
			Parameters:  earnSchema("Share amount in human units"),
			handler: bind(func(ctx context.Context, a earnArgs) (any, error) {
				return ops.Withdraw(ctx, a.Chain, a.EarnRequest)
			}),
		},
	}
}
