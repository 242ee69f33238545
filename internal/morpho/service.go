// Package morpho adapts Morpho Blue markets, positions, bundled borrows and
// MetaMorpho earn vaults.
package morpho

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"defi-aggregator/internal/cache"
	"defi-aggregator/internal/config"
	"defi-aggregator/internal/httpx"
	"defi-aggregator/internal/model"
	"defi-aggregator/internal/onchain"
)

const defaultSlippageBps = 3

// Deployment holds the contracts used to build transactions on one chain.
type Deployment struct {
	Morpho          common.Address
	Bundler3        common.Address
	GeneralAdapter1 common.Address
}

var defaultDeployments = map[string]Deployment{
	"mainnet": {
		Morpho:          common.HexToAddress("0xBBBBBbbBBb9cC5e90e3b3Af64bdAF62C37EEFFCb"),
		Bundler3:        common.HexToAddress("0x6566194141eefa99Af43Bb5Aa71460Ca2Dc90245"),
		GeneralAdapter1: common.HexToAddress("0x4A6c312ec70E8747a587EE860a0353cd42Be0aE0"),
	},
	"base": {
		Morpho:          common.HexToAddress("0xBBBBBbbBBb9cC5e90e3b3Af64bdAF62C37EEFFCb"),
		Bundler3:        common.HexToAddress("0x6BFd8137e702540E7A42B74178A4a49Ba43920C4"),
		GeneralAdapter1: common.HexToAddress("0xb98c948CFA24072e58935BC004a8A7b376AE746A"),
	},
}

// Deployments merges configured addresses over the built-in ones.
func Deployments(overrides map[string]config.MorphoDeployment) map[string]Deployment {
	out := make(map[string]Deployment, len(defaultDeployments))
	for id, d := range defaultDeployments {
		out[id] = d
	}
	for id, o := range overrides {
		id = strings.ToLower(strings.TrimSpace(id))
		d := out[id]
		if common.IsHexAddress(o.Morpho) {
			d.Morpho = common.HexToAddress(o.Morpho)
		}
		if common.IsHexAddress(o.Bundler3) {
			d.Bundler3 = common.HexToAddress(o.Bundler3)
		}
		if common.IsHexAddress(o.GeneralAdapter1) {
			d.GeneralAdapter1 = common.HexToAddress(o.GeneralAdapter1)
		}
		out[id] = d
	}
	return out
}

// Options parameterise the adapter.
type Options struct {
	Deployments  map[string]Deployment
	TokenListURL string
	SlippageBps  int64
	CallTimeout  time.Duration
}

// Caches hold the slow-moving upstream listings.
type Caches struct {
	TokenList *cache.TTL
	Vaults    *cache.TTL
}

// Service is the Morpho Blue adapter.
type Service struct {
	opts    Options
	api     *GraphQL
	lists   *httpx.Client
	clients onchain.Clients
	caches  Caches
	flight  singleflight.Group
	logger  zerolog.Logger
}

// New builds the adapter. lists fetches the token list; it may be nil, in
// which case tokens are resolved from market data only.
func New(opts Options, api *GraphQL, lists *httpx.Client, clients onchain.Clients, caches Caches, logger zerolog.Logger) *Service {
	if opts.Deployments == nil {
		opts.Deployments = Deployments(nil)
	}
	if opts.SlippageBps <= 0 {
		opts.SlippageBps = defaultSlippageBps
	}
	return &Service{
		opts:    opts,
		api:     api,
		lists:   lists,
		clients: clients,
		caches:  caches,
		logger:  logger.With().Str("component", "morpho").Logger(),
	}
}

// Protocol implements markets.Source.
func (s *Service) Protocol() model.Protocol { return model.ProtocolMorpho }

// Chains lists chains with a Morpho deployment.
func (s *Service) Chains() []string {
	out := make([]string, 0, len(s.opts.Deployments))
	for id, d := range s.opts.Deployments {
		if d.Morpho != (common.Address{}) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (s *Service) deployment(chainID string) (Deployment, int64, error) {
	d, ok := s.opts.Deployments[strings.ToLower(chainID)]
	if !ok || d.Morpho == (common.Address{}) {
		return Deployment{}, 0, model.Unsupported("Morpho is not deployed on %s. Supported: %s", chainID, strings.Join(s.Chains(), ", "))
	}
	numeric, err := s.clients.ChainID(chainID)
	if err != nil {
		return Deployment{}, 0, err
	}
	return d, numeric, nil
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

// Query implements markets.Source.
func (s *Service) Query(ctx context.Context, chainID string, q model.MarketQuery) (model.MarketResult, error) {
	return s.Markets(ctx, chainID, q)
}

// Markets lists the whitelisted markets of a chain that pass q. When
// collateral and borrow name the same symbol a market qualifies if either
// side carries it.
func (s *Service) Markets(ctx context.Context, chainID string, q model.MarketQuery) (model.MarketResult, error) {
	_, numeric, err := s.deployment(chainID)
	if err != nil {
		return model.MarketResult{}, err
	}
	items, err := s.api.Markets(ctx, numeric)
	if err != nil {
		return model.MarketResult{}, err
	}

	out := &model.MorphoMarket{}
	skipped := 0
	for _, m := range items {
		if !m.complete() {
			skipped++
			continue
		}
		if !matchesQuery(m, q) {
			continue
		}
		out.Markets = append(out.Markets, marketData(m))
	}
	s.logger.Debug().
		Str("chain", chainID).
		Int("total", len(items)).
		Int("skipped", skipped).
		Int("matched", len(out.Markets)).
		Msg("morpho markets loaded")
	return model.MarketResult{Protocol: model.ProtocolMorpho, Chain: strings.ToLower(chainID), Morpho: out}, nil
}

func matchesQuery(m Market, q model.MarketQuery) bool {
	if q.PoolID != "" && !strings.EqualFold(m.UniqueKey, strings.TrimSpace(q.PoolID)) {
		return false
	}
	collateral := strings.TrimSpace(q.Collateral)
	borrow := strings.TrimSpace(q.Borrow)
	if collateral != "" && strings.EqualFold(collateral, borrow) {
		return strings.EqualFold(m.CollateralAsset.Symbol, collateral) || strings.EqualFold(m.LoanAsset.Symbol, collateral)
	}
	if collateral != "" && !strings.EqualFold(m.CollateralAsset.Symbol, collateral) {
		return false
	}
	if borrow != "" && !strings.EqualFold(m.LoanAsset.Symbol, borrow) {
		return false
	}
	return true
}

func asset(a *Asset) model.MorphoAsset {
	if a == nil {
		return model.MorphoAsset{}
	}
	return model.MorphoAsset{Address: a.Address, Symbol: a.Symbol, Decimals: a.Decimals, PriceUSD: a.PriceUSD}
}

func marketData(m Market) model.MorphoMarketData {
	st := m.State
	out := model.MorphoMarketData{
		UniqueKey:           m.UniqueKey,
		Collateral:          asset(m.CollateralAsset),
		Loan:                asset(m.LoanAsset),
		LLTV:                string(m.LLTV),
		SupplyAssets:        string(st.SupplyAssets),
		SupplyAssetsUSD:     st.SupplyAssetsUSD,
		BorrowAssets:        string(st.BorrowAssets),
		BorrowAssetsUSD:     st.BorrowAssetsUSD,
		CollateralAssets:    string(st.CollateralAssets),
		CollateralAssetsUSD: st.CollateralAssetsUSD,
		LiquidityAssets:     string(st.LiquidityAssets),
		LiquidityAssetsUSD:  st.LiquidityAssetsUSD,
		SupplyAPY:           st.SupplyAPY,
		BorrowAPY:           st.BorrowAPY,
	}
	for _, r := range st.Rewards {
		out.Rewards = append(out.Rewards, model.MorphoReward{
			Asset:     asset(&r.Asset),
			SupplyAPR: r.SupplyAPR,
			BorrowAPR: r.BorrowAPR,
		})
	}
	return out
}
