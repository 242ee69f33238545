// Package positions aggregates a wallet's lending positions across
// protocols and chains.
package positions

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"defi-aggregator/internal/chain"
	"defi-aggregator/internal/model"
	"defi-aggregator/internal/onchain"
)

// Source reads one protocol's positions on one chain.
type Source interface {
	Protocol() model.Protocol
	Chains() []string
	Positions(ctx context.Context, chain, user string) ([]model.PositionPool, error)
}

// AssetBalance is one asset inside a pool position.
type AssetBalance struct {
	Asset            string  `json:"asset"`
	SupplyBalance    string  `json:"supplyBalance"`
	SupplyBalanceUSD float64 `json:"supplyBalanceUsd"`
	BorrowBalance    string  `json:"borrowBalance"`
	BorrowBalanceUSD float64 `json:"borrowBalanceUsd"`
}

// PoolPosition is the user's exposure to one pool.
type PoolPosition struct {
	Name         string         `json:"name"`
	PoolID       string         `json:"poolId"`
	Assets       []AssetBalance `json:"assets"`
	HealthFactor string         `json:"healthFactor"`
}

// ProtocolPosition groups a protocol's pools on one chain.
type ProtocolPosition struct {
	Protocol       model.Protocol `json:"protocol"`
	TotalSupplyUSD float64        `json:"totalSupplyUsd"`
	TotalBorrowUSD float64        `json:"totalBorrowUsd"`
	NetValueUSD    float64        `json:"netValueUsd"`
	Pools          []PoolPosition `json:"pools"`
}

// ChainPositions groups protocols on one chain.
type ChainPositions struct {
	Chain          string             `json:"chain"`
	TotalValueUSD  float64            `json:"totalValueUsd"`
	TotalSupplyUSD float64            `json:"totalSupplyUsd"`
	TotalBorrowUSD float64            `json:"totalBorrowUsd"`
	Protocols      []ProtocolPosition `json:"protocols"`
}

// Response is the cross-chain view of a wallet.
type Response struct {
	TotalValueUSD  float64          `json:"totalValueUsd"`
	TotalSupplyUSD float64          `json:"totalSupplyUsd"`
	TotalBorrowUSD float64          `json:"totalBorrowUsd"`
	Chains         []ChainPositions `json:"chains"`
}

// Service fans position reads out over sources and chains.
type Service struct {
	sources []Source
	logger  zerolog.Logger
}

// New builds the service.
func New(logger zerolog.Logger, sources ...Source) *Service {
	sorted := append([]Source(nil), sources...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Protocol() < sorted[j].Protocol() })
	return &Service{sources: sorted, logger: logger.With().Str("component", "positions").Logger()}
}

type totals struct {
	supply decimal.Decimal
	borrow decimal.Decimal
}

func (t totals) empty() bool { return t.supply.IsZero() && t.borrow.IsZero() }

func (t *totals) add(o totals) {
	t.supply = t.supply.Add(o.supply)
	t.borrow = t.borrow.Add(o.borrow)
}

// All returns the user's positions. protocol and chain narrow the read;
// a failing (protocol, chain) pair is logged and skipped.
func (s *Service) All(ctx context.Context, address, protocol, chainID string) (*Response, error) {
	user, err := onchain.ParseAddress("address", address)
	if err != nil {
		return nil, err
	}
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	chainID = strings.ToLower(strings.TrimSpace(chainID))
	if protocol != "" && protocol != string(model.ProtocolAave) && protocol != string(model.ProtocolMorpho) {
		return nil, model.InvalidInput("protocol must be one of: aave, morpho")
	}
	if chainID != "" && !chain.IsSupported(chainID) {
		return nil, model.InvalidInput("chain must be one of: %s", strings.Join(chain.Supported(), ", "))
	}

	var (
		mu      sync.Mutex
		byChain = make(map[string][]ProtocolPosition)
		g       errgroup.Group
	)
	for _, src := range s.sources {
		if protocol != "" && string(src.Protocol()) != protocol {
			continue
		}
		for _, c := range src.Chains() {
			if chainID != "" && c != chainID {
				continue
			}
			g.Go(func() error {
				pools, err := src.Positions(ctx, c, user.Hex())
				if err != nil {
					s.logger.Warn().Err(err).Str("protocol", string(src.Protocol())).Str("chain", c).Str("user", user.Hex()).Msg("position source failed")
					return nil
				}
				pp, ok := protocolPosition(src.Protocol(), pools)
				if !ok {
					return nil
				}
				mu.Lock()
				byChain[c] = append(byChain[c], pp)
				mu.Unlock()
				return nil
			})
		}
	}
	_ = g.Wait()

	resp := &Response{Chains: make([]ChainPositions, 0, len(byChain))}
	var grand totals
	for c, protocols := range byChain {
		sort.Slice(protocols, func(i, j int) bool { return protocols[i].Protocol < protocols[j].Protocol })
		var t totals
		for _, p := range protocols {
			t.add(totals{supply: decimal.NewFromFloat(p.TotalSupplyUSD), borrow: decimal.NewFromFloat(p.TotalBorrowUSD)})
		}
		cp := ChainPositions{Chain: c, Protocols: protocols}
		cp.TotalSupplyUSD, cp.TotalBorrowUSD, cp.TotalValueUSD = t.floats()
		resp.Chains = append(resp.Chains, cp)
		grand.add(t)
	}
	sort.Slice(resp.Chains, func(i, j int) bool { return resp.Chains[i].Chain < resp.Chains[j].Chain })
	resp.TotalSupplyUSD, resp.TotalBorrowUSD, resp.TotalValueUSD = grand.floats()

	s.logger.Info().Str("user", user.Hex()).Int("chains", len(resp.Chains)).Msg("positions aggregated")
	return resp, nil
}

func (t totals) floats() (supply, borrow, net float64) {
	supply = t.supply.InexactFloat64()
	borrow = t.borrow.InexactFloat64()
	net = t.supply.Sub(t.borrow).InexactFloat64()
	return supply, borrow, net
}

// protocolPosition converts adapter pools; ok is false when nothing is
// supplied or borrowed.
func protocolPosition(protocol model.Protocol, pools []model.PositionPool) (ProtocolPosition, bool) {
	pp := ProtocolPosition{Protocol: protocol, Pools: make([]PoolPosition, 0, len(pools))}
	var t totals
	for _, pool := range pools {
		supply, borrow := pool.Totals()
		t.add(totals{supply: supply, borrow: borrow})

		pos := PoolPosition{
			Name:         pool.Name,
			PoolID:       pool.PoolID,
			HealthFactor: pool.HealthFactor,
			Assets:       make([]AssetBalance, 0, len(pool.Assets)),
		}
		if pos.HealthFactor == "" {
			pos.HealthFactor = "0"
		}
		for _, a := range pool.Assets {
			pos.Assets = append(pos.Assets, AssetBalance{
				Asset:            a.UnderlyingSymbol,
				SupplyBalance:    orZero(a.SupplyBalance),
				SupplyBalanceUSD: parseFloat(a.SupplyBalanceUSD),
				BorrowBalance:    orZero(a.BorrowBalance),
				BorrowBalanceUSD: parseFloat(a.BorrowBalanceUSD),
			})
		}
		pp.Pools = append(pp.Pools, pos)
	}
	if t.empty() {
		return ProtocolPosition{}, false
	}
	pp.TotalSupplyUSD, pp.TotalBorrowUSD, pp.NetValueUSD = t.floats()
	return pp, true
}

func orZero(v string) string {
	if strings.TrimSpace(v) == "" {
		return "0"
	}
	return v
}

func parseFloat(v string) float64 {
	d, err := decimal.NewFromString(strings.TrimSpace(v))
	if err != nil {
		return 0
	}
	return d.InexactFloat64()
}
