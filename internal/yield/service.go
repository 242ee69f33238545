// Package yield ranks supply and vault yields across protocols.
package yield

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"defi-aggregator/internal/chain"
	"defi-aggregator/internal/model"
	"defi-aggregator/internal/morpho"
)

const vaultConcurrency = 8

// AaveMarkets is the part of the Aave adapter the ranking reads.
type AaveMarkets interface {
	Chains() []string
	Markets(ctx context.Context, chain, symbol string) (model.MarketResult, error)
}

// MorphoVaults is the part of the Morpho adapter the ranking reads.
type MorphoVaults interface {
	Chains() []string
	ChainVaults(ctx context.Context, chain string) ([]morpho.Vault, error)
	VaultState(ctx context.Context, chain, vault string) (*morpho.VaultData, error)
}

// Query narrows the ranking. A nil MinAPY applies no floor and Limit <= 0
// returns everything.
type Query struct {
	Chain    string
	Asset    string
	Protocol string
	MinAPY   *float64
	Limit    int
}

// Service builds the ranking.
type Service struct {
	aave   AaveMarkets
	morpho MorphoVaults
	logger zerolog.Logger
}

// New builds the service. Either adapter may be nil.
func New(aave AaveMarkets, vaults MorphoVaults, logger zerolog.Logger) *Service {
	return &Service{aave: aave, morpho: vaults, logger: logger.With().Str("component", "yield").Logger()}
}

// Top returns opportunities ordered by APY, highest first.
func (s *Service) Top(ctx context.Context, q Query) ([]model.YieldOpportunity, error) {
	q.Chain = strings.ToLower(strings.TrimSpace(q.Chain))
	q.Protocol = strings.ToLower(strings.TrimSpace(q.Protocol))
	q.Asset = strings.TrimSpace(q.Asset)
	if q.Chain != "" && !chain.IsSupported(q.Chain) {
		return nil, model.InvalidInput("chain must be one of: %s", strings.Join(chain.Supported(), ", "))
	}
	switch q.Protocol {
	case "", string(model.ProtocolAave), string(model.ProtocolMorpho):
	default:
		return nil, model.InvalidInput("protocol must be one of: aave, morpho")
	}
	if q.MinAPY != nil && *q.MinAPY < 0 {
		return nil, model.InvalidInput("minApy must not be negative")
	}

	var (
		mu  sync.Mutex
		all []model.YieldOpportunity
		g   errgroup.Group
	)
	collect := func(rows []model.YieldOpportunity) {
		mu.Lock()
		all = append(all, rows...)
		mu.Unlock()
	}
	if s.aave != nil && (q.Protocol == "" || q.Protocol == string(model.ProtocolAave)) {
		for _, c := range chainsFor(s.aave.Chains(), q.Chain) {
			g.Go(func() error {
				collect(s.aaveRows(ctx, c))
				return nil
			})
		}
	}
	if s.morpho != nil && (q.Protocol == "" || q.Protocol == string(model.ProtocolMorpho)) {
		for _, c := range chainsFor(s.morpho.Chains(), q.Chain) {
			g.Go(func() error {
				collect(s.vaultRows(ctx, c))
				return nil
			})
		}
	}
	_ = g.Wait()

	out := make([]model.YieldOpportunity, 0, len(all))
	for _, o := range all {
		if q.Asset != "" && !strings.EqualFold(o.AssetSymbol, q.Asset) {
			continue
		}
		if q.MinAPY != nil && model.APYValue(o.APY) < *q.MinAPY {
			continue
		}
		out = append(out, o)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := model.APYValue(out[i].APY), model.APYValue(out[j].APY)
		if a != b {
			return a > b
		}
		return out[i].Name < out[j].Name
	})
	total := len(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	s.logger.Info().Int("candidates", len(all)).Int("matched", total).Int("returned", len(out)).Msg("yield opportunities ranked")
	return out, nil
}

func chainsFor(supported []string, requested string) []string {
	if requested == "" {
		return supported
	}
	for _, c := range supported {
		if c == requested {
			return []string{c}
		}
	}
	return nil
}

func (s *Service) aaveRows(ctx context.Context, c string) []model.YieldOpportunity {
	res, err := s.aave.Markets(ctx, c, "")
	if err == nil {
		err = res.Validate()
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("protocol", "aave").Str("chain", c).Msg("aave yields unavailable")
		return nil
	}
	var rows []model.YieldOpportunity
	for _, pool := range res.Pools() {
		for _, a := range pool.Assets {
			rows = append(rows, model.YieldOpportunity{
				Protocol:     string(model.ProtocolAave),
				Chain:        c,
				AssetSymbol:  a.UnderlyingSymbol,
				AssetAddress: a.TokenAddress,
				APY:          a.SupplyAPY,
				TVLUSD:       a.TotalSupplyUSD,
				Name:         a.UnderlyingSymbol,
				YieldType:    "Supply",
			})
		}
	}
	return rows
}

func (s *Service) vaultRows(ctx context.Context, c string) []model.YieldOpportunity {
	vaults, err := s.morpho.ChainVaults(ctx, c)
	if err != nil {
		s.logger.Warn().Err(err).Str("protocol", "morpho").Str("chain", c).Msg("vault whitelist unavailable")
		return nil
	}
	rows := make([]*model.YieldOpportunity, len(vaults))
	var g errgroup.Group
	g.SetLimit(vaultConcurrency)
	for i, v := range vaults {
		g.Go(func() error {
			data, err := s.morpho.VaultState(ctx, c, v.Address)
			if err != nil {
				s.logger.Warn().Err(err).Str("chain", c).Str("vault", v.Address).Msg("vault skipped")
				return nil
			}
			rows[i] = vaultOpportunity(c, v, data)
			if rows[i] == nil {
				s.logger.Debug().Str("chain", c).Str("vault", v.Address).Msg("vault missing apy, symbol or asset")
			}
			return nil
		})
	}
	_ = g.Wait()

	out := make([]model.YieldOpportunity, 0, len(rows))
	for _, r := range rows {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out
}

func vaultOpportunity(c string, v morpho.Vault, data *morpho.VaultData) *model.YieldOpportunity {
	if data == nil || data.State == nil || data.State.DailyNetAPY == nil || data.Symbol == "" {
		return nil
	}
	asset := data.Asset
	if asset == nil || asset.Address == "" {
		asset = v.Asset
	}
	if asset == nil || asset.Address == "" {
		return nil
	}

	name := data.Name
	if name == "" {
		name = "Unnamed Vault"
	}
	if curators := v.CuratorNames(); curators != "" {
		name = fmt.Sprintf("%s (%s)", name, curators)
	}
	o := &model.YieldOpportunity{
		Protocol:     string(model.ProtocolMorpho),
		Chain:        c,
		AssetSymbol:  asset.Symbol,
		AssetAddress: asset.Address,
		APY:          model.FormatPercent(*data.State.DailyNetAPY * 100),
		Name:         name,
		YieldType:    "Vault Deposit",
		VaultAddress: v.Address,
	}
	if data.State.DailyAPY != nil {
		o.BaseAPY = model.FormatPercent(*data.State.DailyAPY * 100)
	}
	liquidity := 0.0
	if data.Liquidity != nil {
		liquidity = data.Liquidity.USD
	}
	o.AvailableLiquidityUSD = fmt.Sprintf("%.2f", liquidity)
	if data.State.TotalAssetsUSD != nil {
		o.TVLUSD = fmt.Sprintf("%.2f", *data.State.TotalAssetsUSD)
	}
	o.TotalDepositsUnits = string(data.State.TotalAssets)
	for _, r := range data.State.Rewards {
		if r.Asset.Symbol == "" || r.Asset.Address == "" {
			continue
		}
		o.Rewards = append(o.Rewards, model.YieldReward{
			APY:     model.FormatPercent(r.SupplyAPR * 100),
			Symbol:  r.Asset.Symbol,
			Address: r.Asset.Address,
		})
	}
	return o
}
