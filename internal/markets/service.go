// Package markets aggregates lending markets across protocols and chains.
package markets

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"defi-aggregator/internal/cache"
	"defi-aggregator/internal/chain"
	"defi-aggregator/internal/model"
)

// Sort orders accepted by Filter.SortBy.
const (
	SortName      = "name"
	SortSupplyAPY = "supply_apy"
	SortBorrowAPY = "borrow_apy"
)

// Source is a protocol adapter that can list its markets on one chain.
type Source interface {
	Protocol() model.Protocol
	Chains() []string
	Query(ctx context.Context, chain string, q model.MarketQuery) (model.MarketResult, error)
}

// Filter narrows an aggregated read. Empty fields match everything.
type Filter struct {
	Protocol   string
	Chain      string
	PoolID     string
	Collateral string
	Borrow     string
	SortBy     string
	Limit      int
}

func (f Filter) normalized() Filter {
	f.Protocol = strings.ToLower(strings.TrimSpace(f.Protocol))
	f.Chain = strings.ToLower(strings.TrimSpace(f.Chain))
	f.PoolID = strings.TrimSpace(f.PoolID)
	f.Collateral = strings.TrimSpace(f.Collateral)
	f.Borrow = strings.TrimSpace(f.Borrow)
	f.SortBy = strings.ToLower(strings.TrimSpace(f.SortBy))
	return f
}

// CacheKey identifies the response for f.
func (f Filter) CacheKey() string {
	f = f.normalized()
	return fmt.Sprintf("markets:%s:%s:%s:%s:%s:%s:%d",
		orAll(f.Protocol), orAll(f.Chain),
		orAll(strings.ToLower(f.Collateral)), orAll(strings.ToLower(f.Borrow)),
		orAll(strings.ToLower(f.PoolID)), orNone(f.SortBy), f.Limit)
}

func orAll(v string) string {
	if v == "" {
		return "all"
	}
	return v
}

func orNone(v string) string {
	if v == "" {
		return "none"
	}
	return v
}

// ChainPools is the pools of one protocol on one chain.
type ChainPools struct {
	Chain string       `json:"chain"`
	Pools []model.Pool `json:"pools"`
}

// ProtocolPools groups a protocol's chains.
type ProtocolPools struct {
	Protocol model.Protocol `json:"protocol"`
	Chains   []ChainPools   `json:"chains"`
}

// Response is the aggregated market listing.
type Response struct {
	Protocols []ProtocolPools `json:"protocols"`
}

// Service fans market reads out over every registered source.
type Service struct {
	sources []Source
	cache   *cache.TTL
	logger  zerolog.Logger
}

// New builds the aggregator. c may be nil to disable caching.
func New(c *cache.TTL, logger zerolog.Logger, sources ...Source) *Service {
	sorted := append([]Source(nil), sources...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Protocol() < sorted[j].Protocol() })
	return &Service{
		sources: sorted,
		cache:   c,
		logger:  logger.With().Str("component", "markets").Logger(),
	}
}

// Protocols lists the registered protocols in order.
func (s *Service) Protocols() []string {
	out := make([]string, 0, len(s.sources))
	for _, src := range s.sources {
		out = append(out, string(src.Protocol()))
	}
	return out
}

// Validate checks f against the registered protocols and known chains.
func (s *Service) Validate(f Filter) error {
	f = f.normalized()
	if f.Protocol != "" && s.source(f.Protocol) == nil {
		return model.InvalidInput("protocol must be one of: %s", strings.Join(s.Protocols(), ", "))
	}
	if f.Chain != "" && !chain.IsSupported(f.Chain) {
		return model.InvalidInput("chain must be one of: %s", strings.Join(chain.Supported(), ", "))
	}
	switch f.SortBy {
	case "", SortName, SortSupplyAPY, SortBorrowAPY:
	default:
		return model.InvalidInput("sortBy must be one of: %s, %s, %s", SortName, SortSupplyAPY, SortBorrowAPY)
	}
	if f.Limit < 0 {
		return model.InvalidInput("limit must not be negative")
	}
	return nil
}

func (s *Service) source(protocol string) Source {
	for _, src := range s.sources {
		if string(src.Protocol()) == protocol {
			return src
		}
	}
	return nil
}

// Invalidate drops every cached listing.
func (s *Service) Invalidate() {
	if s.cache != nil {
		s.cache.Clear()
	}
}

type job struct {
	src   Source
	chain string
}

// AllMarkets returns the filtered listing. Upstream failures are logged and
// the failing (protocol, chain) pair is left out, so the only error is an
// invalid filter.
func (s *Service) AllMarkets(ctx context.Context, f Filter) (*Response, error) {
	if err := s.Validate(f); err != nil {
		return nil, err
	}
	f = f.normalized()
	key := f.CacheKey()
	if s.cache != nil {
		if cached, ok := cache.GetAs[*Response](s.cache, key); ok {
			s.logger.Debug().Str("key", key).Msg("markets served from cache")
			return cached, nil
		}
	}

	start := time.Now()
	var jobs []job
	for _, src := range s.sources {
		if f.Protocol != "" && string(src.Protocol()) != f.Protocol {
			continue
		}
		for _, c := range src.Chains() {
			if f.Chain != "" && c != f.Chain {
				continue
			}
			jobs = append(jobs, job{src: src, chain: c})
		}
	}

	q := model.MarketQuery{PoolID: f.PoolID, Collateral: f.Collateral, Borrow: f.Borrow}
	var (
		mu      sync.Mutex
		results = make(map[model.Protocol]map[string][]model.Pool)
		failed  int
	)
	var g errgroup.Group
	for _, j := range jobs {
		g.Go(func() error {
			protocol := j.src.Protocol()
			res, err := j.src.Query(ctx, j.chain, q)
			if err == nil {
				err = res.Validate()
			}
			if err != nil {
				s.logger.Warn().Err(err).Str("protocol", string(protocol)).Str("chain", j.chain).Msg("market source failed")
				mu.Lock()
				failed++
				mu.Unlock()
				return nil
			}
			pools := filterPools(res.Pools(), f)
			mu.Lock()
			if results[protocol] == nil {
				results[protocol] = make(map[string][]model.Pool)
			}
			results[protocol][j.chain] = pools
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	resp := assemble(results, f)
	s.logger.Info().
		Int("sources", len(jobs)).
		Int("failed", failed).
		Int("protocols", len(resp.Protocols)).
		Dur("took", time.Since(start)).
		Msg("markets aggregated")

	if s.cache != nil {
		s.cache.Set(key, resp)
	}
	return resp, nil
}

// filterPools applies the pool id and asset filters. Assets are kept when
// they match the collateral or the borrow symbol; pools left empty go.
func filterPools(pools []model.Pool, f Filter) []model.Pool {
	out := make([]model.Pool, 0, len(pools))
	for _, p := range pools {
		if f.PoolID != "" && !strings.EqualFold(p.PoolID, f.PoolID) {
			continue
		}
		if f.Collateral != "" || f.Borrow != "" {
			kept := make([]model.Asset, 0, len(p.Assets))
			for _, a := range p.Assets {
				if (f.Collateral != "" && a.MatchesSymbol(f.Collateral)) || (f.Borrow != "" && a.MatchesSymbol(f.Borrow)) {
					kept = append(kept, a)
				}
			}
			p.Assets = kept
		}
		if len(p.Assets) == 0 {
			continue
		}
		out = append(out, p)
	}
	return out
}

func assemble(results map[model.Protocol]map[string][]model.Pool, f Filter) *Response {
	resp := &Response{Protocols: make([]ProtocolPools, 0, len(results))}
	for protocol, byChain := range results {
		pp := ProtocolPools{Protocol: protocol, Chains: make([]ChainPools, 0, len(byChain))}
		for c, pools := range byChain {
			if len(pools) == 0 {
				continue
			}
			sortPools(pools, f.SortBy)
			if f.Limit > 0 && len(pools) > f.Limit {
				pools = pools[:f.Limit]
			}
			pp.Chains = append(pp.Chains, ChainPools{Chain: c, Pools: pools})
		}
		if len(pp.Chains) == 0 {
			continue
		}
		sort.Slice(pp.Chains, func(i, j int) bool { return pp.Chains[i].Chain < pp.Chains[j].Chain })
		resp.Protocols = append(resp.Protocols, pp)
	}
	sort.Slice(resp.Protocols, func(i, j int) bool { return resp.Protocols[i].Protocol < resp.Protocols[j].Protocol })
	return resp
}

func sortPools(pools []model.Pool, by string) {
	switch by {
	case SortSupplyAPY, SortBorrowAPY:
		borrow := by == SortBorrowAPY
		sort.SliceStable(pools, func(i, j int) bool {
			a, b := maxAPY(pools[i], borrow), maxAPY(pools[j], borrow)
			if a != b {
				return a > b
			}
			return lessName(pools[i], pools[j])
		})
	default:
		sort.SliceStable(pools, func(i, j int) bool { return lessName(pools[i], pools[j]) })
	}
}

func lessName(a, b model.Pool) bool {
	return strings.ToLower(a.Name) < strings.ToLower(b.Name)
}

func maxAPY(p model.Pool, borrow bool) float64 {
	best := 0.0
	for _, a := range p.Assets {
		if v := a.APYValue(borrow); v > best {
			best = v
		}
	}
	return best
}

// ParseLimit reads a limit query value; empty means no limit.
func ParseLimit(v string) (int, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, model.InvalidInput("limit must be a non-negative integer")
	}
	return n, nil
}
