// Package aave reads Aave v3 markets and positions and builds unsigned
// pool transactions.
package aave

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"defi-aggregator/internal/model"
	"defi-aggregator/internal/onchain"
)

const reserveConcurrency = 8

// Pricer resolves 8-decimal USD prices. *price.Resolver implements it.
type Pricer interface {
	ScaledPrice(ctx context.Context, chain, symbol, tokenAddress string) *big.Int
}

// Options parameterise the adapter.
type Options struct {
	Markets     map[string]MarketConfig
	CallTimeout time.Duration
}

// Service is the Aave v3 adapter.
type Service struct {
	opts    Options
	clients onchain.Clients
	prices  Pricer
	logger  zerolog.Logger
}

// New builds the adapter. When opts.Markets is nil the built-in markets are used.
func New(opts Options, clients onchain.Clients, prices Pricer, logger zerolog.Logger) *Service {
	if opts.Markets == nil {
		opts.Markets = Markets(nil)
	}
	return &Service{
		opts:    opts,
		clients: clients,
		prices:  prices,
		logger:  logger.With().Str("component", "aave").Logger(),
	}
}

// Protocol implements markets.Source.
func (s *Service) Protocol() model.Protocol { return model.ProtocolAave }

// Chains lists chains with a configured pool and data provider.
func (s *Service) Chains() []string { return sortedChains(s.opts.Markets) }

// Market returns the configuration for chainID.
func (s *Service) Market(chainID string) (MarketConfig, error) {
	m, ok := s.opts.Markets[strings.ToLower(chainID)]
	if !ok || m.Pool == (common.Address{}) || m.DataProvider == (common.Address{}) {
		return MarketConfig{}, model.Unsupported("Aave is not deployed on %s", chainID)
	}
	return m, nil
}

func (s *Service) reader(ctx context.Context, chainID string) (*onchain.Reader, context.Context, context.CancelFunc, error) {
	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if s.opts.CallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, s.opts.CallTimeout)
	}
	r, err := onchain.ReaderFor(callCtx, s.clients, chainID)
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	return r, callCtx, cancel, nil
}

type reserveInfo struct {
	token    onchain.ReserveToken
	symbol   string
	display  string
	name     string
	decimals int
}

// describe reads the contract symbol and name of a reserve. Bridged USDC
// is relabelled.
func (s *Service) describe(ctx context.Context, r *onchain.Reader, chainID string, rt onchain.ReserveToken) reserveInfo {
	info := reserveInfo{token: rt, symbol: rt.Symbol}
	if sym, err := r.Symbol(ctx, rt.TokenAddress); err == nil && sym != "" {
		info.symbol = sym
	} else if err != nil {
		s.logger.Debug().Err(err).Str("chain", chainID).Str("token", rt.TokenAddress.Hex()).Msg("symbol read failed, using reserve symbol")
	}
	if name, err := r.Name(ctx, rt.TokenAddress); err == nil {
		info.name = name
	}
	info.display = displaySymbol(chainID, rt.TokenAddress, info.symbol)
	return info
}

// Markets reads every supported reserve of the chain's market, optionally
// filtered by symbol. Individual reserve failures are logged and dropped.
func (s *Service) Markets(ctx context.Context, chainID, symbol string) (model.MarketResult, error) {
	m, err := s.Market(chainID)
	if err != nil {
		return model.MarketResult{}, err
	}
	r, ctx, cancel, err := s.reader(ctx, m.Chain)
	if err != nil {
		return model.MarketResult{}, err
	}
	defer cancel()

	tokens, err := r.ReservesTokens(ctx, m.DataProvider)
	if err != nil {
		return model.MarketResult{}, fmt.Errorf("aave %s reserves: %w", m.Chain, err)
	}

	loaded := make([]*model.AaveReserve, len(tokens))
	var g errgroup.Group
	g.SetLimit(reserveConcurrency)
	for i, rt := range tokens {
		g.Go(func() error {
			info := s.describe(ctx, r, m.Chain, rt)
			if !m.Supports(info.symbol, rt.Symbol) || !matchesFilter(symbol, info.display, rt.Symbol) {
				return nil
			}
			reserve, err := s.loadReserve(ctx, r, m, info)
			if err != nil {
				s.logger.Warn().Err(err).
					Str("chain", m.Chain).
					Str("symbol", info.display).
					Str("token", rt.TokenAddress.Hex()).
					Msg("reserve dropped")
				return nil
			}
			loaded[i] = reserve
			return nil
		})
	}
	_ = g.Wait()

	market := &model.AaveMarket{Name: m.Name(), PoolAddress: m.Pool.Hex()}
	for _, reserve := range loaded {
		if reserve != nil {
			market.Reserves = append(market.Reserves, *reserve)
		}
	}
	return model.MarketResult{Protocol: model.ProtocolAave, Chain: m.Chain, Aave: market}, nil
}

// Query implements markets.Source. A single reserve symbol is pushed down
// when collateral and borrow agree; otherwise every reserve is read and the
// caller filters assets.
func (s *Service) Query(ctx context.Context, chainID string, q model.MarketQuery) (model.MarketResult, error) {
	symbol := q.Collateral
	switch {
	case symbol == "":
		symbol = q.Borrow
	case q.Borrow != "" && !strings.EqualFold(q.Borrow, symbol):
		symbol = ""
	}
	return s.Markets(ctx, chainID, symbol)
}

func (s *Service) loadReserve(ctx context.Context, r *onchain.Reader, m MarketConfig, info reserveInfo) (*model.AaveReserve, error) {
	asset := info.token.TokenAddress
	cfg, err := r.ReserveConfiguration(ctx, m.DataProvider, asset)
	if err != nil {
		return nil, err
	}
	data, err := r.ReserveData(ctx, m.Pool, asset)
	if err != nil {
		return nil, err
	}
	supply, err := r.TotalSupply(ctx, data.ATokenAddress)
	if err != nil {
		return nil, err
	}
	borrow, err := r.TotalSupply(ctx, data.VariableDebtTokenAddress)
	if err != nil {
		return nil, err
	}
	decimals, err := r.Decimals(ctx, asset)
	if err != nil {
		if cfg.Decimals == nil {
			return nil, err
		}
		decimals = int(cfg.Decimals.Int64())
	}
	price := s.price(ctx, m.Chain, info.symbol, asset)

	return &model.AaveReserve{
		Symbol:          info.display,
		OriginalSymbol:  info.token.Symbol,
		Address:         asset.Hex(),
		Decimals:        decimals,
		TotalSupply:     supply,
		TotalBorrow:     borrow,
		Price:           price,
		LiquidityRate:   data.CurrentLiquidityRate,
		BorrowRate:      data.CurrentVariableBorrowRate,
		LTV:             cfg.LTV,
		CollateralUsage: cfg.UsageAsCollateralEnabled,
	}, nil
}

func (s *Service) price(ctx context.Context, chainID, symbol string, token common.Address) *big.Int {
	if s.prices == nil {
		return new(big.Int)
	}
	p := s.prices.ScaledPrice(ctx, chainID, symbol, token.Hex())
	if p == nil {
		return new(big.Int)
	}
	return p
}

// Positions returns the user's position in the chain's market, or an
// empty slice when the user holds nothing there.
func (s *Service) Positions(ctx context.Context, chainID, user string) ([]model.PositionPool, error) {
	owner, err := onchain.ParseAddress("address", user)
	if err != nil {
		return nil, err
	}
	m, err := s.Market(chainID)
	if err != nil {
		return nil, err
	}
	r, ctx, cancel, err := s.reader(ctx, m.Chain)
	if err != nil {
		return nil, err
	}
	defer cancel()

	tokens, err := r.ReservesTokens(ctx, m.DataProvider)
	if err != nil {
		return nil, fmt.Errorf("aave %s reserves: %w", m.Chain, err)
	}
	account, err := r.UserAccountData(ctx, m.Pool, owner)
	if err != nil {
		return nil, fmt.Errorf("aave %s account data: %w", m.Chain, err)
	}

	assets := make([]*model.PositionAsset, len(tokens))
	var g errgroup.Group
	g.SetLimit(reserveConcurrency)
	for i, rt := range tokens {
		if !m.Supports(rt.Symbol) {
			continue
		}
		g.Go(func() error {
			asset, err := s.positionAsset(ctx, r, m, rt, owner)
			if err != nil {
				s.logger.Warn().Err(err).
					Str("chain", m.Chain).
					Str("symbol", rt.Symbol).
					Msg("position asset dropped")
				return nil
			}
			assets[i] = asset
			return nil
		})
	}
	_ = g.Wait()

	pool := model.PositionPool{
		Name:                   m.Name(),
		PoolID:                 m.Pool.Hex(),
		HealthFactor:           model.HealthFactor(account.HealthFactor, account.TotalDebtBase),
		CollateralizationRatio: model.CollateralRatio(model.BaseToUSD(account.TotalCollateralBase), model.BaseToUSD(account.TotalDebtBase)),
		TotalCollateralUSD:     model.Fixed2(model.BaseToUSD(account.TotalCollateralBase)),
		TotalBorrowUSD:         model.Fixed2(model.BaseToUSD(account.TotalDebtBase)),
		AvailableBorrowUSD:     model.Fixed2(model.BaseToUSD(account.AvailableBorrowsBase)),
		LiquidationThreshold:   bpsToFixed(account.CurrentLiquidationThreshold),
		MaxLTV:                 bpsToFixed(account.LTV),
	}
	for _, a := range assets {
		if a != nil {
			pool.Assets = append(pool.Assets, *a)
		}
	}
	if len(pool.Assets) == 0 {
		return []model.PositionPool{}, nil
	}
	return []model.PositionPool{pool}, nil
}

func (s *Service) positionAsset(ctx context.Context, r *onchain.Reader, m MarketConfig, rt onchain.ReserveToken, owner common.Address) (*model.PositionAsset, error) {
	data, err := r.ReserveData(ctx, m.Pool, rt.TokenAddress)
	if err != nil {
		return nil, err
	}
	supplied, err := r.BalanceOf(ctx, data.ATokenAddress, owner)
	if err != nil {
		return nil, err
	}
	borrowed, err := r.BalanceOf(ctx, data.VariableDebtTokenAddress, owner)
	if err != nil {
		return nil, err
	}
	if supplied.Sign() == 0 && borrowed.Sign() == 0 {
		return nil, nil
	}
	info := s.describe(ctx, r, m.Chain, rt)
	decimals, err := r.Decimals(ctx, rt.TokenAddress)
	if err != nil {
		return nil, err
	}
	price := s.price(ctx, m.Chain, info.symbol, rt.TokenAddress)
	return &model.PositionAsset{
		UnderlyingSymbol: info.display,
		SupplyBalance:    supplied.String(),
		SupplyBalanceUSD: model.Fixed2(model.USDValue(supplied, decimals, price)),
		BorrowBalance:    borrowed.String(),
		BorrowBalanceUSD: model.Fixed2(model.USDValue(borrowed, decimals, price)),
		SupplyAPY:        model.FormatAPY(data.CurrentLiquidityRate),
		BorrowAPY:        model.FormatAPY(data.CurrentVariableBorrowRate),
	}, nil
}

func bpsToFixed(v *big.Int) string {
	if v == nil {
		return "0.00"
	}
	return model.Fixed2(model.ToUnits(v, 4))
}
