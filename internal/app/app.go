package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"defi-aggregator/internal/aave"
	"defi-aggregator/internal/alerting"
	"defi-aggregator/internal/cache"
	"defi-aggregator/internal/chain"
	"defi-aggregator/internal/config"
	"defi-aggregator/internal/httpx"
	"defi-aggregator/internal/hyperliquid"
	"defi-aggregator/internal/markets"
	"defi-aggregator/internal/metrics"
	"defi-aggregator/internal/morpho"
	"defi-aggregator/internal/positions"
	"defi-aggregator/internal/price"
	"defi-aggregator/internal/storage"
	"defi-aggregator/internal/token"
	"defi-aggregator/internal/tools"
	"defi-aggregator/internal/yield"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Out    io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

// components is the wired service graph shared by every command.
type components struct {
	metrics   *metrics.Metrics
	chains    *chain.Registry
	prices    *price.Resolver
	tokens    *token.Directory
	balances  *token.Balances
	approvals *token.Approvals
	aave      *aave.Service
	morpho    *morpho.Service
	perps     *hyperliquid.Client
	markets   *markets.Service
	positions *positions.Service
	yield     *yield.Service
	tools     *tools.Registry
}

func (a *App) httpClient(name string, m *metrics.Metrics, opts ...httpx.Option) *httpx.Client {
	h := a.Config.HTTP
	base := []httpx.Option{
		httpx.WithTimeout(h.Timeout),
		httpx.WithMaxRetries(h.MaxRetries),
		httpx.WithRetryDelay(h.RetryDelay),
		httpx.WithMaxDelay(h.MaxDelay),
		httpx.WithHeader("User-Agent", h.UserAgent),
		httpx.WithMetrics(m),
		httpx.WithLogger(a.Logger),
	}
	return httpx.New(name, append(base, opts...)...)
}

func (a *App) newCache(name string, ttl time.Duration, m *metrics.Metrics) (*cache.TTL, error) {
	c, err := cache.New(name, ttl, cache.Options{Metrics: m})
	if err != nil {
		return nil, fmt.Errorf("create %s cache: %w", name, err)
	}
	return c, nil
}

func (a *App) build() (*components, error) {
	cfg := a.Config
	c := &components{}
	if cfg.Metrics.Enabled {
		c.metrics = metrics.New(cfg.Metrics.Namespace)
	}

	marketCache, err := a.newCache("markets", cfg.Cache.MarketsTTL, c.metrics)
	if err != nil {
		return nil, err
	}
	priceCache, err := a.newCache("prices", cfg.Cache.PriceTTL, c.metrics)
	if err != nil {
		return nil, err
	}
	vaultCache, err := a.newCache("vaults", cfg.Cache.VaultWhitelistTTL, c.metrics)
	if err != nil {
		return nil, err
	}
	listCache, err := a.newCache("token_list", cfg.Cache.TokenListTTL, c.metrics)
	if err != nil {
		return nil, err
	}

	c.chains = chain.NewRegistry(cfg.RPCURL, a.Logger)

	var oneinch *httpx.Client
	if cfg.Price.OneInchAPIKey != "" {
		oneinch = a.httpClient("oneinch", c.metrics, httpx.WithHeader("Authorization", "Bearer "+cfg.Price.OneInchAPIKey))
	}
	c.prices = price.NewResolver(price.Options{
		CoinGeckoURL:   cfg.Price.CoinGeckoURL,
		OneInchURL:     cfg.Price.OneInchURL,
		DexScreenerURL: cfg.Price.DexScreenerURL,
	},
		a.httpClient("coingecko", c.metrics, httpx.WithHeader("x-cg-pro-api-key", cfg.Price.CoinGeckoAPIKey)),
		oneinch,
		a.httpClient("dexscreener", c.metrics),
		priceCache, a.Logger)

	c.tokens = token.NewDirectory(token.Options{
		BaseURL:        cfg.Tokens.CoinGeckoURL,
		Pages:          cfg.Tokens.Pages,
		PerPage:        cfg.Tokens.PerPage,
		PageCooldown:   cfg.Tokens.PageCooldown,
		PageRetries:    cfg.Tokens.PageRetries,
		PageRetryDelay: cfg.Tokens.PageRetryDelay,
		StaleAfter:     cfg.Tokens.StaleAfter,
		FuzzyMinScore:  cfg.Tokens.FuzzyMinScore,
	}, a.httpClient("coingecko_tokens", c.metrics, httpx.WithMaxRetries(0), httpx.WithHeader("x-cg-pro-api-key", cfg.Price.CoinGeckoAPIKey)),
		c.chains, c.metrics, a.Logger)
	c.balances = token.NewBalances(c.tokens, c.chains, c.prices, a.Logger)
	c.approvals = token.NewApprovals(c.tokens)

	c.aave = aave.New(aave.Options{
		Markets:     aave.Markets(cfg.Aave.Markets),
		CallTimeout: cfg.RPC.RequestTimeout,
	}, c.chains, c.prices, a.Logger)

	c.morpho = morpho.New(morpho.Options{
		Deployments:  morpho.Deployments(cfg.Morpho.Deployments),
		TokenListURL: cfg.Morpho.TokenListURL,
		SlippageBps:  cfg.Morpho.SlippageBps,
		CallTimeout:  cfg.RPC.RequestTimeout,
	},
		morpho.NewGraphQL(cfg.Morpho.GraphQLURL, a.httpClient("morpho", c.metrics)),
		a.httpClient("token_list", c.metrics),
		c.chains,
		morpho.Caches{TokenList: listCache, Vaults: vaultCache},
		a.Logger)

	c.perps = hyperliquid.New(cfg.Hyperliquid.InfoURL, a.httpClient("hyperliquid", c.metrics), a.Logger)

	c.markets = markets.New(marketCache, a.Logger, c.aave, c.morpho)
	c.positions = positions.New(a.Logger, c.aave, c.morpho)
	c.yield = yield.New(c.aave, c.morpho, a.Logger)
	c.tools = tools.New(tools.Services{
		Markets:   c.markets,
		Positions: c.positions,
		Yield:     c.yield,
		Aave:      c.aave,
		Morpho:    c.morpho,
		Perps:     c.perps,
		Tokens:    c.tokens,
	}, a.Logger)
	return c, nil
}

func (a *App) newNotifier(m *metrics.Metrics) alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		client := httpx.New("telegram", httpx.WithTimeout(10*time.Second), httpx.WithMaxRetries(1), httpx.WithMetrics(m), httpx.WithLogger(a.Logger))
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, client, a.Logger)
	}
	return nil
}

func (a *App) newWatcher(ranker alerting.Ranker, notifier alerting.Notifier) *alerting.Watcher {
	cfg := a.Config.Alerting
	return alerting.NewWatcher(alerting.WatchOptions{
		MinAPY:   cfg.MinAPY,
		Assets:   cfg.Assets,
		Chains:   cfg.Chains,
		Limit:    cfg.Limit,
		Cooldown: cfg.Cooldown,
	}, ranker, notifier, a.Logger)
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// MarketsOptions filter the markets command.
type MarketsOptions struct {
	Filter markets.Filter
}

// YieldOptions filter the yield command.
type YieldOptions struct {
	Query yield.Query
}

// SnapshotOptions configure the one-off snapshot.
type SnapshotOptions struct {
	DryRun bool
}

// ShowOptions configure the snapshot listing.
type ShowOptions struct {
	Limit int
}

// ExportOptions hold parameters for exporting stored snapshots.
type ExportOptions struct {
	CSVPath string
	Limit   int
}
