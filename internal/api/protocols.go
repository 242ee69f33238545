package api

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"defi-aggregator/internal/aave"
	"defi-aggregator/internal/markets"
	"defi-aggregator/internal/model"
	"defi-aggregator/internal/morpho"
)

func (s *server) mountAave(r chi.Router) {
	r.Get("/markets", s.aaveMarkets)
	r.Get("/market/{chain}", s.aaveMarket)
	r.Get("/position/{chain}/{address}", s.aavePosition)
	r.Post("/supply/{chain}", s.aaveOperation(s.deps.Aave.Supply))
	r.Post("/withdraw/{chain}", s.aaveOperation(s.deps.Aave.Withdraw))
	r.Post("/borrow/{chain}", s.aaveOperation(s.deps.Aave.Borrow))
	r.Post("/repay/{chain}", s.aaveOperation(s.deps.Aave.Repay))
}

func (s *server) aaveChain(chainID string) (string, error) {
	chainID = strings.ToLower(strings.TrimSpace(chainID))
	for _, c := range s.deps.Aave.Chains() {
		if c == chainID {
			return c, nil
		}
	}
	return "", model.Unsupported("Aave is not available on chain %s. Supported: %s", chainID, strings.Join(s.deps.Aave.Chains(), ", "))
}

// aaveMarkets lists one chain, or every Aave chain when none is given.
// A chain that fails is left out of the multi-chain listing.
func (s *server) aaveMarkets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	symbol := q.Get("token")
	chains := s.deps.Aave.Chains()
	if c := q.Get("chain"); c != "" {
		resolved, err := s.aaveChain(c)
		if err != nil {
			writeError(w, r, err)
			return
		}
		chains = []string{resolved}
	}

	var (
		mu  sync.Mutex
		out = make([]markets.ChainPools, 0, len(chains))
		g   errgroup.Group
	)
	for _, c := range chains {
		g.Go(func() error {
			res, err := s.deps.Aave.Markets(r.Context(), c, symbol)
			if err == nil {
				err = res.Validate()
			}
			if err != nil {
				if len(chains) == 1 {
					return err
				}
				s.logger.Warn().Err(err).Str("chain", c).Msg("aave market skipped")
				return nil
			}
			mu.Lock()
			out = append(out, markets.ChainPools{Chain: c, Pools: res.Pools()})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		writeError(w, r, err)
		return
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Chain < out[j].Chain })
	writeJSON(w, map[string]any{"markets": out})
}

func (s *server) aaveMarket(w http.ResponseWriter, r *http.Request) {
	c, err := s.aaveChain(chi.URLParam(r, "chain"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.deps.Aave.Markets(r.Context(), c, r.URL.Query().Get("token"))
	if err == nil {
		err = res.Validate()
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, markets.ChainPools{Chain: c, Pools: res.Pools()})
}

func (s *server) aavePosition(w http.ResponseWriter, r *http.Request) {
	c, err := s.aaveChain(chi.URLParam(r, "chain"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	pools, err := s.deps.Aave.Positions(r.Context(), c, chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"chain": c, "pools": pools})
}

type aaveOp func(ctx context.Context, chain string, req aave.OperationRequest) (*model.OperationResponse, error)

func (s *server) aaveOperation(run aaveOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := s.aaveChain(chi.URLParam(r, "chain"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		var req aave.OperationRequest
		if err := decode(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		resp, err := run(r.Context(), c, req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, resp)
	}
}

func (s *server) mountMorpho(r chi.Router) {
	r.Post("/borrow", s.morphoBorrow)
	r.Post("/earn/deposit/{chain}", s.morphoEarn(s.deps.Morpho.Deposit))
	r.Post("/earn/withdraw/{chain}", s.morphoEarn(s.deps.Morpho.Withdraw))
}

func (s *server) morphoBorrow(w http.ResponseWriter, r *http.Request) {
	var req morpho.BorrowRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	resp, err := s.deps.Morpho.Borrow(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, resp)
}

type earnOp func(ctx context.Context, chain string, req morpho.EarnRequest) (*model.OperationResponse, error)

func (s *server) morphoEarn(run earnOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req morpho.EarnRequest
		if err := decode(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		resp, err := run(r.Context(), strings.ToLower(chi.URLParam(r, "chain")), req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, resp)
	}
}

func (s *server) mountHyperliquid(r chi.Router) {
	r.Get("/positions/{address}", s.perpPositions)
	r.Get("/open-orders/{user}", s.perpOrders)
}

// perpPositions answers null when the account is unknown or the upstream
// is down.
func (s *server) perpPositions(w http.ResponseWriter, r *http.Request) {
	state, err := s.deps.Perps.ClearinghouseState(r.Context(), chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, state)
}

func (s *server) perpOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.deps.Perps.OpenOrders(r.Context(), chi.URLParam(r, "user"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, orders)
}
