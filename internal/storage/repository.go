package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

//go:embed schema.sql
var schemaSQL string

const (
	// The lookup also stamps last_used so a valid key costs one round trip.
	validateAPIKeySQL = `UPDATE api_keys
    SET last_used = now()
    WHERE key = $1
      AND status = 'active'
    RETURNING id, key, name, status, created_at, last_used;`

	insertSnapshotSQL = `INSERT INTO market_snapshots (
        taken_at,
        protocol,
        chain,
        pool_id,
        pool_name,
        symbol,
        supply_apy,
        borrow_apy,
        tvl_usd,
        liquidity_usd
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    )
    ON CONFLICT (taken_at, protocol, chain, pool_id, symbol) DO UPDATE
    SET
        pool_name     = EXCLUDED.pool_name,
        supply_apy    = EXCLUDED.supply_apy,
        borrow_apy    = EXCLUDED.borrow_apy,
        tvl_usd       = EXCLUDED.tvl_usd,
        liquidity_usd = EXCLUDED.liquidity_usd;`

	listSnapshotsSQL = `SELECT
        taken_at,
        protocol,
        chain,
        pool_id,
        pool_name,
        symbol,
        supply_apy::text,
        borrow_apy::text,
        tvl_usd::text,
        liquidity_usd::text
    FROM market_snapshots
    ORDER BY taken_at DESC, protocol, chain, pool_id, symbol
    LIMIT $1;`

	countSnapshotsSQL = `SELECT COUNT(*) FROM market_snapshots;`

	deleteSnapshotsBeforeSQL = `DELETE FROM market_snapshots WHERE taken_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// APIKeyStore validates client API keys.
type APIKeyStore interface {
	ValidateAPIKey(ctx context.Context, key string) (*APIKey, error)
}

// SnapshotStore defines operations for market snapshot persistence.
type SnapshotStore interface {
	InsertMarketSnapshots(ctx context.Context, snapshots []MarketSnapshot) error
	ListSnapshots(ctx context.Context, limit int) ([]MarketSnapshot, error)
	CountSnapshots(ctx context.Context) (int64, error)
	DeleteSnapshotsBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to API keys and market snapshots.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// Migrate creates the tables the store needs. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// A failed unlock is released with the session anyway.
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// ValidateAPIKey returns the active key record, or nil when the key is
// unknown or revoked.
func (s *Store) ValidateAPIKey(ctx context.Context, key string) (*APIKey, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	var rec APIKey
	scanErr := pool.QueryRow(ctx, validateAPIKeySQL, key).Scan(
		&rec.ID,
		&rec.Key,
		&rec.Name,
		&rec.Status,
		&rec.CreatedAt,
		&rec.LastUsed,
	)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return nil, nil
	}
	if scanErr != nil {
		return nil, fmt.Errorf("validate api key: %w", scanErr)
	}
	return &rec, nil
}

// InsertMarketSnapshots persists a batch of snapshot rows. Rows sharing a
// key with an existing row overwrite it.
func (s *Store) InsertMarketSnapshots(ctx context.Context, snapshots []MarketSnapshot) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if len(snapshots) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, snap := range snapshots {
		batch.Queue(insertSnapshotSQL, snapshotArgs(snap)...)
	}

	results := pool.SendBatch(ctx, batch)
	defer results.Close()
	for i := range snapshots {
		if _, execErr := results.Exec(); execErr != nil {
			return fmt.Errorf("insert market snapshot %d (%s/%s/%s): %w",
				i, snapshots[i].Protocol, snapshots[i].Chain, snapshots[i].Symbol, execErr)
		}
	}
	return nil
}

func snapshotArgs(snap MarketSnapshot) []any {
	return []any{
		snap.TakenAt.UTC(),
		snap.Protocol,
		snap.Chain,
		snap.PoolID,
		snap.PoolName,
		snap.Symbol,
		snap.SupplyAPY.String(),
		snap.BorrowAPY.String(),
		snap.TVLUSD.String(),
		snap.LiquidityUSD.String(),
	}
}

// ListSnapshots lists the most recent snapshot rows.
func (s *Store) ListSnapshots(ctx context.Context, limit int) ([]MarketSnapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	rows, queryErr := pool.Query(ctx, listSnapshotsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list snapshots: %w", queryErr)
	}
	defer rows.Close()

	snapshots := make([]MarketSnapshot, 0, limit)
	for rows.Next() {
		snap, scanErr := scanSnapshot(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		snapshots = append(snapshots, snap)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return snapshots, nil
}

// CountSnapshots counts stored snapshot rows.
func (s *Store) CountSnapshots(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countSnapshotsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count snapshots: %w", scanErr)
	}
	return count, nil
}

// DeleteSnapshotsBefore drops rows older than the cutoff and reports how many went.
func (s *Store) DeleteSnapshotsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deleteSnapshotsBeforeSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("delete snapshots before: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

func scanSnapshot(rows pgx.Rows) (MarketSnapshot, error) {
	var (
		snap                                 MarketSnapshot
		supplyStr, borrowStr, tvlStr, liqStr string
	)
	if err := rows.Scan(
		&snap.TakenAt,
		&snap.Protocol,
		&snap.Chain,
		&snap.PoolID,
		&snap.PoolName,
		&snap.Symbol,
		&supplyStr,
		&borrowStr,
		&tvlStr,
		&liqStr,
	); err != nil {
		return MarketSnapshot{}, err
	}

	var err error
	if snap.SupplyAPY, err = decimal.NewFromString(supplyStr); err != nil {
		return MarketSnapshot{}, fmt.Errorf("parse supply apy: %w", err)
	}
	if snap.BorrowAPY, err = decimal.NewFromString(borrowStr); err != nil {
		return MarketSnapshot{}, fmt.Errorf("parse borrow apy: %w", err)
	}
	if snap.TVLUSD, err = decimal.NewFromString(tvlStr); err != nil {
		return MarketSnapshot{}, fmt.Errorf("parse tvl: %w", err)
	}
	if snap.LiquidityUSD, err = decimal.NewFromString(liqStr); err != nil {
		return MarketSnapshot{}, fmt.Errorf("parse liquidity: %w", err)
	}
	return snap, nil
}
