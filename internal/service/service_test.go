package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"defi-aggregator/internal/config"
	"defi-aggregator/internal/markets"
	"defi-aggregator/internal/model"
	"defi-aggregator/internal/scheduler"
	"defi-aggregator/internal/storage"
)

type fakeLister struct {
	resp        *markets.Response
	err         error
	invalidated int
}

func (f *fakeLister) AllMarkets(context.Context, markets.Filter) (*markets.Response, error) {
	return f.resp, f.err
}

func (f *fakeLister) Invalidate() { f.invalidated++ }

type fakeStore struct {
	rows     []storage.MarketSnapshot
	cutoff   time.Time
	lockHeld bool
	locked   int
	unlocked int
}

func (f *fakeStore) InsertMarketSnapshots(_ context.Context, rows []storage.MarketSnapshot) error {
	f.rows = append(f.rows, rows...)
	return nil
}

func (f *fakeStore) ListSnapshots(context.Context, int) ([]storage.MarketSnapshot, error) {
	return f.rows, nil
}

func (f *fakeStore) CountSnapshots(context.Context) (int64, error) { return int64(len(f.rows)), nil }

func (f *fakeStore) DeleteSnapshotsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.cutoff = cutoff
	return 0, nil
}

func (f *fakeStore) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	if f.lockHeld {
		return nil, false, nil
	}
	f.locked++
	return func() { f.unlocked++ }, true, nil
}

type fakeTokens struct{ err error }

func (f fakeTokens) Refresh(context.Context) error { return f.err }

func listing() *markets.Response {
	return &markets.Response{Protocols: []markets.ProtocolPools{{
		Protocol: model.ProtocolMorpho,
		Chains: []markets.ChainPools{{
			Chain: "base",
			Pools: []model.Pool{{
				Name:   "WETH / USDC",
				PoolID: "0xabc",
				Assets: []model.Asset{
					{UnderlyingSymbol: "WETH", SupplyAPY: "0.00", BorrowAPY: "0.00", TotalSupplyUSD: "12000.00", LiquidityUSD: "12000.00"},
					{UnderlyingSymbol: "USDC", SupplyAPY: model.BelowThreshold, BorrowAPY: "5.25", TotalSupplyUSD: "10000.00", LiquidityUSD: "4000.00"},
				},
			}},
		}},
	}}}
}

func schedulerConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		TokenRefreshInterval: time.Hour,
		SnapshotInterval:     15 * time.Minute,
		SnapshotRetention:    24 * time.Hour,
		AdvisoryLockKey:      7,
	}
}

func TestSnapshotPersistsEveryAsset(t *testing.T) {
	lister := &fakeLister{resp: listing()}
	store := &fakeStore{}
	svc := New(schedulerConfig(), lister, nil, store, zerolog.Nop())

	at := time.Date(2025, 2, 1, 8, 15, 0, 500, time.UTC)
	n, err := svc.Snapshot(context.Background(), at)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, lister.invalidated, "快照前应清空行情缓存")

	require.Len(t, store.rows, 2)
	usdc := store.rows[1]
	assert.Equal(t, "morpho", usdc.Protocol)
	assert.Equal(t, "base", usdc.Chain)
	assert.Equal(t, "0xabc", usdc.PoolID)
	assert.Equal(t, "USDC", usdc.Symbol)
	assert.True(t, usdc.SupplyAPY.IsZero(), "<0.01 记为 0")
	assert.Equal(t, "5.25", usdc.BorrowAPY.String())
	assert.Equal(t, "4000", usdc.LiquidityUSD.String())
	assert.Equal(t, at.Truncate(time.Second), usdc.TakenAt)
	assert.Equal(t, at.Truncate(time.Second).Add(-24*time.Hour), store.cutoff)
}

func TestProcessSnapshotHonoursLock(t *testing.T) {
	store := &fakeStore{lockHeld: true}
	svc := New(schedulerConfig(), &fakeLister{resp: listing()}, nil, store, zerolog.Nop())

	require.NoError(t, svc.ProcessSnapshot(context.Background(), time.Now()))
	assert.Empty(t, store.rows, "锁被占用时应跳过")

	store.lockHeld = false
	require.NoError(t, svc.ProcessSnapshot(context.Background(), time.Now()))
	assert.Len(t, store.rows, 2)
	assert.Equal(t, 1, store.locked)
	assert.Equal(t, 1, store.unlocked)
}

func TestSnapshotErrors(t *testing.T) {
	svc := New(schedulerConfig(), &fakeLister{resp: listing()}, nil, nil, zerolog.Nop())
	_, err := svc.Snapshot(context.Background(), time.Now())
	assert.ErrorIs(t, err, storage.ErrNotConfigured)

	svc = New(schedulerConfig(), &fakeLister{err: errors.New("bad filter")}, nil, &fakeStore{}, zerolog.Nop())
	_, err = svc.Snapshot(context.Background(), time.Now())
	assert.ErrorContains(t, err, "list markets")
}

func TestRegisterEnablesConfiguredJobs(t *testing.T) {
	sched := scheduler.New(scheduler.Options{}, zerolog.Nop())
	svc := New(schedulerConfig(), &fakeLister{}, fakeTokens{}, &fakeStore{}, zerolog.Nop())
	require.NoError(t, svc.Register(sched))
	assert.Equal(t, []string{"token-refresh", "market-snapshot"}, sched.Jobs())

	cfg := schedulerConfig()
	cfg.SnapshotInterval = 0
	sched = scheduler.New(scheduler.Options{}, zerolog.Nop())
	require.NoError(t, New(cfg, &fakeLister{}, fakeTokens{}, &fakeStore{}, zerolog.Nop()).Register(sched))
	assert.Equal(t, []string{"token-refresh"}, sched.Jobs())
}

func TestRefreshTokens(t *testing.T) {
	svc := New(schedulerConfig(), nil, fakeTokens{err: errors.New("rate limited")}, nil, zerolog.Nop())
	assert.ErrorContains(t, svc.RefreshTokens(context.Background(), time.Now()), "rate limited")

	svc = New(schedulerConfig(), nil, fakeTokens{}, nil, zerolog.Nop())
	assert.NoError(t, svc.RefreshTokens(context.Background(), time.Now()))
}
