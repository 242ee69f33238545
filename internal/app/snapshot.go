package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"defi-aggregator/internal/markets"
	"defi-aggregator/internal/service"
	"defi-aggregator/internal/storage"
)

// Snapshot persists the current market listing once.
func (a *App) Snapshot(ctx context.Context, opts SnapshotOptions) error {
	c, err := a.build()
	if err != nil {
		return err
	}
	at := time.Now().UTC().Truncate(time.Second)

	if opts.DryRun {
		a.Logger.Warn().Msg("snapshot dry-run：不会写入数据库")
		resp, err := c.markets.AllMarkets(ctx, markets.Filter{})
		if err != nil {
			return err
		}
		rows := service.Snapshots(resp, at)
		fmt.Fprintf(a.Out, "%d rows would be written at %s\n", len(rows), at.Format(time.RFC3339))
		return nil
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn 未配置，无法写入快照")
	}
	defer closeStore()
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	svc := service.New(a.Config.Scheduler, c.markets, nil, store, a.Logger)
	n, err := svc.Snapshot(ctx, at)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "%d rows written at %s\n", n, at.Format(time.RFC3339))
	return nil
}

// Export writes the most recent stored snapshots as CSV.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" {
		return errors.New("--csv must be provided")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	defer closeStore()

	rows, err := store.ListSnapshots(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		a.Logger.Info().Msg("no snapshots found for export")
		return nil
	}
	a.Logger.Info().Int("rows", len(rows)).Str("path", opts.CSVPath).Msg("exporting snapshots")
	return writeSnapshotsCSV(opts.CSVPath, rows)
}

func writeSnapshotsCSV(path string, rows []storage.MarketSnapshot) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	header := []string{"taken_at", "protocol", "chain", "pool_id", "pool_name", "symbol", "supply_apy", "borrow_apy", "tvl_usd", "liquidity_usd"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, r := range rows {
		record := []string{
			r.TakenAt.UTC().Format(time.RFC3339),
			r.Protocol,
			r.Chain,
			r.PoolID,
			r.PoolName,
			r.Symbol,
			r.SupplyAPY.String(),
			r.BorrowAPY.String(),
			r.TVLUSD.String(),
			r.LiquidityUSD.String(),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
