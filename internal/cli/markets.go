package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"defi-aggregator/internal/app"
	"defi-aggregator/internal/markets"
	"defi-aggregator/internal/yield"
)

var (
	marketsFilter markets.Filter

	positionsProtocol string
	positionsChain    string

	yieldQuery  yield.Query
	yieldMinAPY float64
)

var marketsCmd = &cobra.Command{
	Use:   "markets",
	Short: "Print aggregated lending markets",
	RunE: func(cmd *cobra.Command, args []string) error {
		if marketsFilter.Limit < 0 {
			return fmt.Errorf("--limit must not be negative")
		}
		return getApp().Markets(cmd.Context(), app.MarketsOptions{Filter: marketsFilter})
	},
}

var positionsCmd = &cobra.Command{
	Use:   "positions <address>",
	Short: "Print a wallet's lending positions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Positions(cmd.Context(), args[0], positionsProtocol, positionsChain)
	},
}

var yieldCmd = &cobra.Command{
	Use:   "yield",
	Short: "Print yield opportunities ranked by APY",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := yieldQuery
		if cmd.Flags().Changed("min-apy") {
			minAPY := yieldMinAPY
			q.MinAPY = &minAPY
		}
		return getApp().Yield(cmd.Context(), app.YieldOptions{Query: q})
	},
}

func init() {
	f := marketsCmd.Flags()
	f.StringVar(&marketsFilter.Protocol, "protocol", "", "Only this protocol (aave, morpho)")
	f.StringVar(&marketsFilter.Chain, "chain", "", "Only this chain")
	f.StringVar(&marketsFilter.PoolID, "pool", "", "Only this pool id")
	f.StringVar(&marketsFilter.Collateral, "collateral", "", "Keep assets matching this collateral symbol")
	f.StringVar(&marketsFilter.Borrow, "borrow", "", "Keep assets matching this borrow symbol")
	f.StringVar(&marketsFilter.SortBy, "sort", "", "Sort pools by name, supply_apy or borrow_apy")
	f.IntVar(&marketsFilter.Limit, "limit", 0, "Pools per chain (0 for all)")

	positionsCmd.Flags().StringVar(&positionsProtocol, "protocol", "", "Only this protocol (aave, morpho)")
	positionsCmd.Flags().StringVar(&positionsChain, "chain", "", "Only this chain")

	f = yieldCmd.Flags()
	f.StringVar(&yieldQuery.Chain, "chain", "", "Only this chain")
	f.StringVar(&yieldQuery.Asset, "asset", "", "Only this asset symbol")
	f.StringVar(&yieldQuery.Protocol, "protocol", "", "Only this protocol (aave, morpho)")
	f.Float64Var(&yieldMinAPY, "min-apy", 0, "Minimum APY in percent")
	f.IntVar(&yieldQuery.Limit, "limit", 20, "Number of opportunities (0 for all)")
}
