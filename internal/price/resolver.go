// Package price resolves USD prices through a layered set of sources.
package price

import (
	"context"
	"fmt"
	"math/big"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"defi-aggregator/internal/cache"
	"defi-aggregator/internal/httpx"
	"defi-aggregator/internal/model"
)

const usdtMainnet = "0xdAC17F958D2ee523a2206206994597C13D831ec7"

var staticPrices = map[string]decimal.Decimal{
	"GHO":    decimal.NewFromInt(1),
	"USDBC":  decimal.NewFromInt(1),
	"USDC":   decimal.NewFromInt(1),
	"USDC.E": decimal.NewFromInt(1),
	"USDT":   decimal.NewFromInt(1),
	"DAI":    decimal.NewFromInt(1),
	"FRAX":   decimal.NewFromInt(1),
	"LUSD":   decimal.NewFromInt(1),
	"SUSD":   decimal.NewFromInt(1),
	"PYUSD":  decimal.NewFromInt(1),
	"USDE":   decimal.NewFromInt(1),
	"SUSDE":  decimal.NewFromInt(1),
	"USDS":   decimal.NewFromInt(1),
	"CRVUSD": decimal.NewFromInt(1),
	"USDCN":  decimal.NewFromInt(1),
	"SDAI":   decimal.NewFromInt(1),
	"EURS":   decimal.RequireFromString("1.08"),
}

var coinGeckoIDs = map[string]string{
	"WETH":   "ethereum",
	"ETH":    "ethereum",
	"WBTC":   "wrapped-bitcoin",
	"CBBTC":  "wrapped-bitcoin",
	"LINK":   "chainlink",
	"AAVE":   "aave",
	"ARB":    "arbitrum",
	"OP":     "optimism",
	"WSTETH": "wrapped-steth",
	"RETH":   "rocket-pool-eth",
	"CBETH":  "coinbase-wrapped-staked-eth",
	"WEETH":  "wrapped-eeth",
	"CRV":    "curve-dao-token",
	"BAL":    "balancer",
	"MKR":    "maker",
	"SNX":    "havven",
	"UNI":    "uniswap",
	"LDO":    "lido-dao",
	"S":      "sonic-3",
	"WS":     "sonic-3",
	"MODE":   "mode",
	"EZETH":  "renzo-restaked-eth",
	"EURC":   "euro-coin",
	"LBTC":   "lombard-staked-btc",
	"WRSETH": "wrapped-rseth",
}

// Options configure the resolver's upstreams.
type Options struct {
	CoinGeckoURL   string
	OneInchURL     string
	DexScreenerURL string
}

// Resolver returns USD prices, preferring cheap sources first.
type Resolver struct {
	opts        Options
	coingecko   *httpx.Client
	oneinch     *httpx.Client
	dexscreener *httpx.Client
	cache       *cache.TTL
	logger      zerolog.Logger
}

// NewResolver wires the resolver. Any client may be nil to disable that source.
func NewResolver(opts Options, coingecko, oneinch, dexscreener *httpx.Client, prices *cache.TTL, logger zerolog.Logger) *Resolver {
	return &Resolver{
		opts:        opts,
		coingecko:   coingecko,
		oneinch:     oneinch,
		dexscreener: dexscreener,
		cache:       prices,
		logger:      logger.With().Str("component", "price_resolver").Logger(),
	}
}

func cacheKey(chain, symbol string) string {
	return chain + "-" + symbol
}

// TokenPrice returns the USD price of symbol on chain. Zero means unknown;
// source failures are logged rather than returned.
func (r *Resolver) TokenPrice(ctx context.Context, chain, symbol, tokenAddress string) decimal.Decimal {
	key := cacheKey(chain, symbol)
	if r.cache != nil {
		if p, ok := cache.GetAs[decimal.Decimal](r.cache, key); ok {
			return p
		}
	}

	upper := strings.ToUpper(strings.TrimSpace(symbol))
	price, ok := staticPrices[upper]
	if !ok {
		price = r.fromCoinGecko(ctx, upper)
	}
	if price.IsZero() && tokenAddress != "" && isMainnet(chain) {
		price = r.fromOneInch(ctx, symbol, tokenAddress)
	}
	if price.IsZero() && tokenAddress != "" {
		price = r.fromDexScreener(ctx, tokenAddress)
	}

	if price.IsZero() {
		r.logger.Warn().Str("chain", chain).Str("symbol", symbol).Msg("could not resolve price")
		return decimal.Zero
	}
	if r.cache != nil {
		r.cache.Set(key, price)
	}
	return price
}

// ScaledPrice is TokenPrice as an 8-decimal fixed-point integer.
func (r *Resolver) ScaledPrice(ctx context.Context, chain, symbol, tokenAddress string) *big.Int {
	return Scale(r.TokenPrice(ctx, chain, symbol, tokenAddress))
}

// Scale converts a USD price into 8-decimal fixed point.
func Scale(price decimal.Decimal) *big.Int {
	return price.Shift(model.PriceDecimals).Truncate(0).BigInt()
}

// Invalidate drops the cached price for one symbol.
func (r *Resolver) Invalidate(chain, symbol string) {
	if r.cache != nil {
		r.cache.Invalidate(cacheKey(chain, symbol))
	}
}

// Clear drops every cached price.
func (r *Resolver) Clear() {
	if r.cache != nil {
		r.cache.Clear()
	}
}

func isMainnet(chain string) bool {
	return chain == "mainnet" || strings.HasPrefix(chain, "mainnet-")
}

func (r *Resolver) fromCoinGecko(ctx context.Context, symbol string) decimal.Decimal {
	id, ok := coinGeckoIDs[symbol]
	if !ok || r.coingecko == nil {
		return decimal.Zero
	}
	endpoint := fmt.Sprintf("%s/simple/price?ids=%s&vs_currencies=usd", strings.TrimRight(r.opts.CoinGeckoURL, "/"), url.QueryEscape(id))
	var resp map[string]struct {
		USD decimal.Decimal `json:"usd"`
	}
	if err := r.coingecko.GetJSON(ctx, endpoint, &resp); err != nil {
		r.logger.Warn().Err(err).Str("symbol", symbol).Msg("coingecko price fetch failed")
		return decimal.Zero
	}
	return resp[id].USD
}

func (r *Resolver) fromOneInch(ctx context.Context, symbol, tokenAddress string) decimal.Decimal {
	if r.oneinch == nil {
		return decimal.Zero
	}
	endpoint := fmt.Sprintf("%s/quote?fromTokenAddress=%s&toTokenAddress=%s&amount=1000000000000000000",
		strings.TrimRight(r.opts.OneInchURL, "/"), url.QueryEscape(tokenAddress), usdtMainnet)
	var resp struct {
		ToTokenAmount string `json:"toTokenAmount"`
	}
	if err := r.oneinch.GetJSON(ctx, endpoint, &resp); err != nil {
		r.logger.Warn().Err(err).Str("symbol", symbol).Msg("1inch price fetch failed")
		return decimal.Zero
	}
	amount, err := decimal.NewFromString(resp.ToTokenAmount)
	if err != nil {
		return decimal.Zero
	}
	// USDT has 6 decimals.
	return amount.Shift(-6)
}

func (r *Resolver) fromDexScreener(ctx context.Context, tokenAddress string) decimal.Decimal {
	if r.dexscreener == nil {
		return decimal.Zero
	}
	endpoint := fmt.Sprintf("%s/tokens/%s", strings.TrimRight(r.opts.DexScreenerURL, "/"), url.PathEscape(tokenAddress))
	var resp struct {
		Pairs []struct {
			PriceUSD string `json:"priceUsd"`
		} `json:"pairs"`
	}
	if err := r.dexscreener.GetJSON(ctx, endpoint, &resp); err != nil {
		r.logger.Warn().Err(err).Str("token", tokenAddress).Msg("dexscreener price fetch failed")
		return decimal.Zero
	}
	if len(resp.Pairs) == 0 {
		return decimal.Zero
	}
	price, err := decimal.NewFromString(resp.Pairs[0].PriceUSD)
	if err != nil {
		return decimal.Zero
	}
	return price
}
