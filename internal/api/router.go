// Package api serves the aggregation services over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"defi-aggregator/internal/api/middleware"
	"defi-aggregator/internal/config"
	"defi-aggregator/internal/metrics"
	"defi-aggregator/internal/model"
	"defi-aggregator/internal/token"
	"defi-aggregator/internal/tools"
	"defi-aggregator/internal/version"
)

// AaveService is the Aave surface the API reads and writes through.
// *aave.Service implements it.
type AaveService interface {
	tools.AaveOperations
	Chains() []string
	Markets(ctx context.Context, chain, symbol string) (model.MarketResult, error)
	Positions(ctx context.Context, chain, user string) ([]model.PositionPool, error)
}

// TokenDirectory is satisfied by *token.Directory.
type TokenDirectory interface {
	tools.TokenFinder
	Status() token.Status
	Refresh(ctx context.Context) error
}

// BalanceReader is satisfied by *token.Balances.
type BalanceReader interface {
	Single(ctx context.Context, wallet, chain, identifier string) (token.Balance, error)
	Multiple(ctx context.Context, wallet string, reqs []token.BalanceRequest) ([]token.Balance, error)
}

// ApprovalBuilder is satisfied by *token.Approvals.
type ApprovalBuilder interface {
	Build(ctx context.Context, chain, owner, identifier, spender, amount string) (token.ApprovalTx, error)
}

// Deps wires the router. Nil services leave their routes unmounted.
type Deps struct {
	Server    config.ServerConfig
	Auth      config.AuthConfig
	RateLimit config.RateLimitConfig
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
	Keys      middleware.KeyValidator

	Markets   tools.MarketLister
	Positions tools.PositionReader
	Yield     tools.YieldRanker
	Aave      AaveService
	Morpho    tools.MorphoOperations
	Perps     tools.Perps
	Tokens    TokenDirectory
	Balances  BalanceReader
	Approvals ApprovalBuilder
	Tools     *tools.Registry
}

type server struct {
	deps   Deps
	logger zerolog.Logger
}

// New builds the HTTP handler.
func New(deps Deps) http.Handler {
	s := &server{deps: deps, logger: deps.Logger.With().Str("component", "api").Logger()}

	r := chi.NewRouter()
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORS(middleware.CORSConfig{AllowedOrigins: deps.Server.AllowedOrigins}))
	r.Use(middleware.Observability(deps.Metrics))
	r.Use(middleware.NewRateLimiter(deps.RateLimit.RequestsPerMinute, deps.RateLimit.Burst).Middleware)
	r.Use(middleware.NewAuthenticator(middleware.AuthConfig{
		Enabled:     deps.Auth.Enabled,
		StaticKeys:  deps.Auth.Keys,
		PublicPaths: []string{"/", "/healthz", "/metrics"},
	}, deps.Keys, deps.Logger).Middleware)
	if timeout := deps.Server.RequestTimeout; timeout > 0 {
		r.Use(chimw.Timeout(timeout))
	}

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		middleware.WriteError(w, http.StatusNotFound, string(model.KindNotFound), "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		middleware.WriteError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", "method not allowed")
	})

	r.Get("/", s.index)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		middleware.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC()})
	})
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics.Handler())
	}

	if deps.Markets != nil {
		r.Get("/markets", s.markets)
	}
	if deps.Positions != nil {
		r.Get("/positions/{address}", s.positions)
	}
	if deps.Yield != nil {
		r.Get("/yield", s.yield)
	}
	if deps.Aave != nil {
		r.Route("/beta/v0/aave", s.mountAave)
	}
	if deps.Morpho != nil {
		r.Route("/beta/v0/morpho", s.mountMorpho)
	}
	if deps.Perps != nil {
		r.Route("/hyperliquid", s.mountHyperliquid)
	}
	r.Route("/tokens", s.mountTokens)
	if deps.Tools != nil {
		r.Route("/tools", s.mountTools)
	}
	return r
}

func (s *server) index(w http.ResponseWriter, _ *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]any{
		"name":      "defi-aggregator",
		"build":     version.Current(),
		"protocols": []string{string(model.ProtocolAave), string(model.ProtocolMorpho), "hyperliquid"},
	})
}
