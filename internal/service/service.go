// Package service runs the background jobs: the token directory refresh and
// the periodic market snapshot.
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"defi-aggregator/internal/config"
	"defi-aggregator/internal/markets"
	"defi-aggregator/internal/model"
	"defi-aggregator/internal/scheduler"
	"defi-aggregator/internal/storage"
)

// MarketLister returns the aggregated market listing.
type MarketLister interface {
	AllMarkets(ctx context.Context, f markets.Filter) (*markets.Response, error)
	Invalidate()
}

// TokenRefresher reloads the token directory.
type TokenRefresher interface {
	Refresh(ctx context.Context) error
}

// Service owns the background jobs.
type Service struct {
	markets MarketLister
	tokens  TokenRefresher
	store   storage.SnapshotStore
	locker  storage.AdvisoryLocker
	logger  zerolog.Logger

	lockKey   int64
	retention time.Duration
	refresh   time.Duration
	snapshot  time.Duration
	now       func() time.Time
}

// New constructs the job service. store may be nil, which disables snapshots.
func New(cfg config.SchedulerConfig, lister MarketLister, tokens TokenRefresher, store storage.SnapshotStore, logger zerolog.Logger) *Service {
	var locker storage.AdvisoryLocker
	if l, ok := store.(storage.AdvisoryLocker); ok {
		locker = l
	}
	return &Service{
		markets:   lister,
		tokens:    tokens,
		store:     store,
		locker:    locker,
		logger:    logger.With().Str("component", "service").Logger(),
		lockKey:   cfg.AdvisoryLockKey,
		retention: cfg.SnapshotRetention,
		refresh:   cfg.TokenRefreshInterval,
		snapshot:  cfg.SnapshotInterval,
		now:       time.Now,
	}
}

// Register adds the enabled jobs to sched.
func (s *Service) Register(sched *scheduler.Scheduler) error {
	if s.tokens != nil && s.refresh > 0 {
		if err := sched.Add(scheduler.Job{Name: "token-refresh", Interval: s.refresh, RunOnStart: true, Tick: s.RefreshTokens}); err != nil {
			return err
		}
	}
	if s.store != nil && s.markets != nil && s.snapshot > 0 {
		if err := sched.Add(scheduler.Job{Name: "market-snapshot", Interval: s.snapshot, Tick: s.ProcessSnapshot}); err != nil {
			return err
		}
	}
	return nil
}

// RefreshTokens reloads the token directory.
func (s *Service) RefreshTokens(ctx context.Context, _ time.Time) error {
	if s.tokens == nil {
		return fmt.Errorf("token directory not configured")
	}
	if err := s.tokens.Refresh(ctx); err != nil {
		return fmt.Errorf("refresh tokens: %w", err)
	}
	return nil
}

// ProcessSnapshot takes a snapshot unless another replica holds the lock.
func (s *Service) ProcessSnapshot(ctx context.Context, at time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("at", at).Msg("skip snapshot because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	_, err = s.Snapshot(ctx, at)
	return err
}

// Snapshot persists every pool asset of a fresh market listing and returns
// the number of rows written.
func (s *Service) Snapshot(ctx context.Context, at time.Time) (int, error) {
	if s.store == nil {
		return 0, storage.ErrNotConfigured
	}
	if at.IsZero() {
		at = s.now()
	}
	at = at.UTC().Truncate(time.Second)

	// Snapshots must not be served from the response cache.
	s.markets.Invalidate()
	resp, err := s.markets.AllMarkets(ctx, markets.Filter{})
	if err != nil {
		return 0, fmt.Errorf("list markets: %w", err)
	}

	rows := Snapshots(resp, at)
	if err := s.store.InsertMarketSnapshots(ctx, rows); err != nil {
		return 0, err
	}
	s.logger.Info().Time("at", at).Int("rows", len(rows)).Msg("market snapshot recorded")

	if s.retention > 0 {
		removed, err := s.store.DeleteSnapshotsBefore(ctx, at.Add(-s.retention))
		if err != nil {
			s.logger.Error().Err(err).Msg("failed to prune snapshots")
		} else if removed > 0 {
			s.logger.Info().Int64("removed", removed).Msg("old snapshots pruned")
		}
	}
	return len(rows), nil
}

// Snapshots flattens a listing into one row per pool asset.
func Snapshots(resp *markets.Response, at time.Time) []storage.MarketSnapshot {
	if resp == nil {
		return nil
	}
	var rows []storage.MarketSnapshot
	for _, p := range resp.Protocols {
		for _, c := range p.Chains {
			for _, pool := range c.Pools {
				poolID := pool.PoolID
				if poolID == "" {
					poolID = strings.ToLower(pool.Name)
				}
				for _, a := range pool.Assets {
					rows = append(rows, storage.MarketSnapshot{
						TakenAt:      at,
						Protocol:     string(p.Protocol),
						Chain:        c.Chain,
						PoolID:       poolID,
						PoolName:     pool.Name,
						Symbol:       a.UnderlyingSymbol,
						SupplyAPY:    decimal.NewFromFloat(model.APYValue(a.SupplyAPY)),
						BorrowAPY:    decimal.NewFromFloat(model.APYValue(a.BorrowAPY)),
						TVLUSD:       parseDecimal(a.TotalSupplyUSD),
						LiquidityUSD: parseDecimal(a.LiquidityUSD),
					})
				}
			}
		}
	}
	return rows
}

func parseDecimal(v string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(v))
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
