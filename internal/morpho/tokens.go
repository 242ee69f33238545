package morpho

import (
	"context"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"defi-aggregator/internal/cache"
	"defi-aggregator/internal/model"
)

const tokenListKey = "morpho:tokenlist"

type listedToken struct {
	ChainID  int64  `json:"chainId"`
	Address  string `json:"address"`
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
}

// tokenList returns the cached token list. Concurrent misses share one fetch.
func (s *Service) tokenList(ctx context.Context) ([]listedToken, error) {
	if s.lists == nil || s.opts.TokenListURL == "" {
		return nil, nil
	}
	if s.caches.TokenList != nil {
		if list, ok := cache.GetAs[[]listedToken](s.caches.TokenList, tokenListKey); ok {
			return list, nil
		}
	}
	v, err, _ := s.flight.Do(tokenListKey, func() (any, error) {
		var payload struct {
			Tokens []listedToken `json:"tokens"`
		}
		if err := s.lists.GetJSON(ctx, s.opts.TokenListURL, &payload); err != nil {
			return nil, err
		}
		if s.caches.TokenList != nil && len(payload.Tokens) > 0 {
			s.caches.TokenList.Set(tokenListKey, payload.Tokens)
		}
		s.logger.Info().Int("tokens", len(payload.Tokens)).Msg("token list refreshed")
		return payload.Tokens, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]listedToken), nil
}

// FindTokenInfo resolves a symbol (or address) on a Morpho chain. The token
// list is consulted first, then whitelisted markets, then every market; a
// token found only in the unfiltered listing is confirmed on-chain.
func (s *Service) FindTokenInfo(ctx context.Context, chainID, symbol string) (model.TokenInfo, error) {
	_, numeric, err := s.deployment(chainID)
	if err != nil {
		return model.TokenInfo{}, err
	}
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return model.TokenInfo{}, model.InvalidInput("token symbol is required")
	}
	if common.IsHexAddress(symbol) {
		return s.onChainToken(ctx, chainID, numeric, common.HexToAddress(symbol), nil)
	}

	list, err := s.tokenList(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("token list unavailable, falling back to market data")
	}
	for _, t := range list {
		if t.ChainID == numeric && strings.EqualFold(t.Symbol, symbol) {
			return model.TokenInfo{
				ChainID:  numeric,
				Address:  common.HexToAddress(t.Address).Hex(),
				Name:     t.Name,
				Symbol:   t.Symbol,
				Decimals: t.Decimals,
			}, nil
		}
	}

	if markets, err := s.api.Markets(ctx, numeric); err != nil {
		s.logger.Warn().Err(err).Str("chain", chainID).Msg("whitelisted markets unavailable for token lookup")
	} else if a := findAsset(markets, symbol); a != nil {
		return apiToken(numeric, a), nil
	}

	markets, err := s.api.AllMarkets(ctx, numeric)
	if err != nil {
		s.logger.Warn().Err(err).Str("chain", chainID).Msg("market listing unavailable for token lookup")
	} else if a := findAsset(markets, symbol); a != nil {
		return s.onChainToken(ctx, chainID, numeric, common.HexToAddress(a.Address), a)
	}

	return model.TokenInfo{}, model.NotFound("Token %s not found on chain %s. Please verify the token symbol.", symbol, chainID)
}

func findAsset(markets []Market, symbol string) *Asset {
	for _, m := range markets {
		if m.CollateralAsset != nil && strings.EqualFold(m.CollateralAsset.Symbol, symbol) && m.CollateralAsset.Address != "" {
			return m.CollateralAsset
		}
		if m.LoanAsset != nil && strings.EqualFold(m.LoanAsset.Symbol, symbol) && m.LoanAsset.Address != "" {
			return m.LoanAsset
		}
	}
	return nil
}

func apiToken(chainID int64, a *Asset) model.TokenInfo {
	name := a.Name
	if name == "" {
		name = a.Symbol
	}
	return model.TokenInfo{
		ChainID:  chainID,
		Address:  common.HexToAddress(a.Address).Hex(),
		Name:     name,
		Symbol:   a.Symbol,
		Decimals: a.Decimals,
	}
}

// onChainToken reads symbol, name and decimals. When the chain cannot be
// read the API description is used if there is one.
func (s *Service) onChainToken(ctx context.Context, chainID string, numeric int64, addr common.Address, fallback *Asset) (model.TokenInfo, error) {
	r, ctx, cancel, err := s.reader(ctx, chainID)
	if err != nil {
		if fallback != nil {
			return apiToken(numeric, fallback), nil
		}
		return model.TokenInfo{}, err
	}
	defer cancel()

	decimals, err := r.Decimals(ctx, addr)
	if err != nil {
		if fallback != nil {
			s.logger.Warn().Err(err).Str("chain", chainID).Str("token", addr.Hex()).Msg("on-chain verification failed, using market data")
			return apiToken(numeric, fallback), nil
		}
		return model.TokenInfo{}, model.NotFound("Token %s not found on chain %s. Please verify the token symbol.", addr.Hex(), chainID)
	}
	info := model.TokenInfo{ChainID: numeric, Address: addr.Hex(), Decimals: decimals}
	if sym, err := r.Symbol(ctx, addr); err == nil {
		info.Symbol = sym
	}
	if name, err := r.Name(ctx, addr); err == nil {
		info.Name = name
	}
	if fallback != nil {
		if info.Symbol == "" {
			info.Symbol = fallback.Symbol
		}
		if info.Name == "" {
			info.Name = fallback.Symbol
		}
	}
	return info, nil
}
