package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"defi-aggregator/internal/markets"
	"defi-aggregator/internal/model"
	"defi-aggregator/internal/yield"
)

func (s *server) markets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := markets.ParseLimit(q.Get("limit"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp, err := s.deps.Markets.AllMarkets(r.Context(), markets.Filter{
		Protocol:   q.Get("protocol"),
		Chain:      q.Get("chain"),
		PoolID:     q.Get("poolId"),
		Collateral: q.Get("collateralTokenSymbol"),
		Borrow:     q.Get("borrowTokenSymbol"),
		SortBy:     q.Get("sortBy"),
		Limit:      limit,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, resp)
}

func (s *server) positions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	resp, err := s.deps.Positions.All(r.Context(), chi.URLParam(r, "address"), q.Get("protocol"), q.Get("chain"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, resp)
}

func (s *server) yield(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := yield.Query{Chain: q.Get("chain"), Asset: q.Get("asset"), Protocol: q.Get("protocol")}

	limit, err := markets.ParseLimit(q.Get("limit"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	query.Limit = limit
	if raw := strings.TrimSpace(q.Get("minApy")); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			writeError(w, r, model.InvalidInput("minApy must be a number"))
			return
		}
		query.MinAPY = &v
	}

	opps, err := s.deps.Yield.Top(r.Context(), query)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"opportunities": opps})
}
