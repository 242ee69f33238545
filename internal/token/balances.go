package token

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"defi-aggregator/internal/model"
	"defi-aggregator/internal/onchain"
)

// Pricer resolves USD prices. *price.Resolver implements it.
type Pricer interface {
	TokenPrice(ctx context.Context, chain, symbol, tokenAddress string) decimal.Decimal
}

// Balance is one wallet balance.
type Balance struct {
	Chain      string          `json:"chain"`
	ChainID    int64           `json:"chainId"`
	Token      model.TokenInfo `json:"token"`
	Balance    string          `json:"balance"`
	BalanceRaw string          `json:"balanceRaw"`
	BalanceUSD string          `json:"balanceUsd"`
}

// BalanceRequest names one token on one chain.
type BalanceRequest struct {
	Chain           string `json:"chain"`
	TokenIdentifier string `json:"tokenIdentifier"`
}

// Balances reads wallet balances for directory tokens.
type Balances struct {
	directory *Directory
	clients   onchain.Clients
	prices    Pricer
	logger    zerolog.Logger
}

// NewBalances wires the balance reader.
func NewBalances(directory *Directory, clients onchain.Clients, prices Pricer, logger zerolog.Logger) *Balances {
	return &Balances{
		directory: directory,
		clients:   clients,
		prices:    prices,
		logger:    logger.With().Str("component", "balances").Logger(),
	}
}

// Single reads one token balance.
func (b *Balances) Single(ctx context.Context, wallet, chainID, identifier string) (Balance, error) {
	owner, err := onchain.ParseAddress("walletAddress", wallet)
	if err != nil {
		return Balance{}, err
	}
	info, err := b.directory.FindOnChain(ctx, chainID, identifier)
	if err != nil {
		return Balance{}, err
	}
	reader, err := onchain.ReaderFor(ctx, b.clients, chainID)
	if err != nil {
		return Balance{}, err
	}
	raw, err := reader.BalanceOf(ctx, common.HexToAddress(info.Address), owner)
	if err != nil {
		return Balance{}, err
	}

	amount := model.ToUnits(raw, info.Decimals)
	usd := decimal.Zero
	if b.prices != nil {
		usd = amount.Mul(b.prices.TokenPrice(ctx, chainID, info.Symbol, info.Address))
	}
	return Balance{
		Chain:      chainID,
		ChainID:    info.ChainID,
		Token:      info,
		Balance:    model.FormatUnits(raw, info.Decimals),
		BalanceRaw: raw.String(),
		BalanceUSD: model.Fixed2(usd),
	}, nil
}

// Multiple reads several balances concurrently. Failed items are skipped.
func (b *Balances) Multiple(ctx context.Context, wallet string, reqs []BalanceRequest) ([]Balance, error) {
	if _, err := onchain.ParseAddress("walletAddress", wallet); err != nil {
		return nil, err
	}
	results := make([]*Balance, len(reqs))
	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req BalanceRequest) {
			defer wg.Done()
			bal, err := b.Single(ctx, wallet, req.Chain, req.TokenIdentifier)
			if err != nil {
				b.logger.Warn().Err(err).
					Str("chain", req.Chain).
					Str("token", req.TokenIdentifier).
					Msg("balance lookup failed")
				return
			}
			results[i] = &bal
		}(i, req)
	}
	wg.Wait()

	out := make([]Balance, 0, len(reqs))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out, nil
}
