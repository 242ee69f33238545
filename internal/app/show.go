package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"

	"defi-aggregator/internal/markets"
	"defi-aggregator/internal/model"
	"defi-aggregator/internal/positions"
	"defi-aggregator/internal/storage"
)

// Markets prints the aggregated market listing.
func (a *App) Markets(ctx context.Context, opts MarketsOptions) error {
	c, err := a.build()
	if err != nil {
		return err
	}
	resp, err := c.markets.AllMarkets(ctx, opts.Filter)
	if err != nil {
		return err
	}
	printMarkets(a.Out, resp)
	return nil
}

// Positions prints a wallet's lending positions.
func (a *App) Positions(ctx context.Context, address, protocol, chainID string) error {
	c, err := a.build()
	if err != nil {
		return err
	}
	resp, err := c.positions.All(ctx, address, protocol, chainID)
	if err != nil {
		return err
	}
	printPositions(a.Out, resp)
	return nil
}

// Yield prints the ranked yield opportunities.
func (a *App) Yield(ctx context.Context, opts YieldOptions) error {
	c, err := a.build()
	if err != nil {
		return err
	}
	opps, err := c.yield.Top(ctx, opts.Query)
	if err != nil {
		return err
	}
	printYield(a.Out, opps)
	return nil
}

// Show prints the most recent stored snapshots.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show snapshots")
	}
	defer closeStore()

	rows, err := store.ListSnapshots(ctx, opts.Limit)
	if err != nil {
		return err
	}
	printSnapshots(a.Out, rows)
	return nil
}

func printMarkets(out io.Writer, resp *markets.Response) {
	if resp == nil || len(resp.Protocols) == 0 {
		fmt.Fprintln(out, "no markets found")
		return
	}
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Protocol\tChain\tPool\tAsset\tSupply APY%\tBorrow APY%\tSupplied USD\tLiquidity USD")
	for _, p := range resp.Protocols {
		for _, c := range p.Chains {
			for _, pool := range c.Pools {
				for _, asset := range pool.Assets {
					fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
						p.Protocol, c.Chain, sanitizeInline(pool.Name), asset.UnderlyingSymbol,
						orDash(asset.SupplyAPY), orDash(asset.BorrowAPY),
						usd(asset.TotalSupplyUSD), usd(asset.LiquidityUSD))
				}
			}
		}
	}
	writer.Flush()
}

func printPositions(out io.Writer, resp *positions.Response) {
	if resp == nil || len(resp.Chains) == 0 {
		fmt.Fprintln(out, "no positions found")
		return
	}
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Chain\tProtocol\tPool\tAsset\tSupplied\tSupplied USD\tBorrowed\tBorrowed USD\tHealth")
	for _, c := range resp.Chains {
		for _, p := range c.Protocols {
			for _, pool := range p.Pools {
				for _, asset := range pool.Assets {
					fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
						c.Chain, p.Protocol, sanitizeInline(pool.Name), asset.Asset,
						asset.SupplyBalance, usdFloat(asset.SupplyBalanceUSD),
						asset.BorrowBalance, usdFloat(asset.BorrowBalanceUSD),
						pool.HealthFactor)
				}
			}
		}
	}
	writer.Flush()
	fmt.Fprintf(out, "\nsupplied %s  borrowed %s  net %s\n",
		usdFloat(resp.TotalSupplyUSD), usdFloat(resp.TotalBorrowUSD), usdFloat(resp.TotalValueUSD))
}

func printYield(out io.Writer, opps []model.YieldOpportunity) {
	if len(opps) == 0 {
		fmt.Fprintln(out, "no yield opportunities found")
		return
	}
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "APY%\tProtocol\tChain\tAsset\tName\tType\tTVL USD")
	for _, o := range opps {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			o.APY, o.Protocol, o.Chain, o.AssetSymbol, sanitizeInline(o.Name), o.YieldType, usd(o.TVLUSD))
	}
	writer.Flush()
}

func printSnapshots(out io.Writer, rows []storage.MarketSnapshot) {
	if len(rows) == 0 {
		fmt.Fprintln(out, "no snapshots found")
		return
	}
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tProtocol\tChain\tPool\tAsset\tSupply APY%\tBorrow APY%\tTVL USD")
	for _, r := range rows {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.TakenAt.UTC().Format(time.RFC3339), r.Protocol, r.Chain, sanitizeInline(r.PoolName), r.Symbol,
			r.SupplyAPY.StringFixed(2), r.BorrowAPY.StringFixed(2), humanize.CommafWithDigits(r.TVLUSD.InexactFloat64(), 2))
	}
	writer.Flush()
}

func usd(v string) string {
	d, err := decimal.NewFromString(strings.TrimSpace(v))
	if err != nil {
		return "-"
	}
	return humanize.CommafWithDigits(d.InexactFloat64(), 2)
}

func usdFloat(v float64) string {
	return humanize.CommafWithDigits(v, 2)
}

func orDash(v string) string {
	if strings.TrimSpace(v) == "" {
		return "-"
	}
	return v
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
