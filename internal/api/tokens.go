package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"defi-aggregator/internal/api/middleware"
	"defi-aggregator/internal/chain"
	"defi-aggregator/internal/model"
	"defi-aggregator/internal/token"
)

func (s *server) mountTokens(r chi.Router) {
	if s.deps.Tokens != nil {
		r.Get("/cache/status", s.tokenStatus)
		r.Post("/cache/refresh", s.tokenRefresh)
	}
	if s.deps.Balances != nil {
		r.Get("/balances/single", s.balanceSingle)
		r.Get("/balances/multiple", s.balanceMultiple)
	}
	if s.deps.Approvals != nil {
		r.Post("/approve", s.approve)
	}
	if s.deps.Tokens != nil {
		r.Get("/{query}", s.findToken)
	}
}

func (s *server) tokenStatus(w http.ResponseWriter, r *http.Request) {
	status := s.deps.Tokens.Status()
	if r.URL.Query().Get("detailed") != "true" {
		status.Pages = nil
	}
	writeJSON(w, map[string]any{"cacheStatus": status})
}

// tokenRefresh is guarded by the admin key in x-api-key, independent of
// the API key middleware.
func (s *server) tokenRefresh(w http.ResponseWriter, r *http.Request) {
	admin := s.deps.Auth.AdminKey
	given := r.Header.Get("x-api-key")
	if admin == "" || subtle.ConstantTimeCompare([]byte(given), []byte(admin)) != 1 {
		middleware.WriteError(w, http.StatusUnauthorized, "Unauthorized", "Invalid API key")
		return
	}
	if err := s.deps.Tokens.Refresh(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{
		"success":     true,
		"message":     "Cache refresh completed successfully",
		"cacheStatus": s.deps.Tokens.Status(),
	})
}

func (s *server) balanceSingle(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	bal, err := s.deps.Balances.Single(r.Context(), q.Get("walletAddress"), strings.ToLower(q.Get("chain")), q.Get("tokenIdentifier"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"balance": bal})
}

func (s *server) balanceMultiple(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	reqs, err := parseBalanceRequests(q.Get("tokens"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	bals, err := s.deps.Balances.Multiple(r.Context(), q.Get("walletAddress"), reqs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"balances": bals})
}

// parseBalanceRequests reads the tokens parameter, a JSON array of
// {chain, tokenIdentifier} objects.
func parseBalanceRequests(raw string) ([]token.BalanceRequest, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, model.InvalidInput("tokens is required")
	}
	var reqs []token.BalanceRequest
	if err := json.Unmarshal([]byte(raw), &reqs); err != nil {
		return nil, model.InvalidInput("tokens must be a JSON array of {chain, tokenIdentifier}")
	}
	if len(reqs) == 0 {
		return nil, model.InvalidInput("tokens must not be empty")
	}
	for i := range reqs {
		reqs[i].Chain = strings.ToLower(strings.TrimSpace(reqs[i].Chain))
		if !chain.IsSupported(reqs[i].Chain) {
			return nil, model.InvalidInput("Unsupported chain: %s. Supported chains are: %s", reqs[i].Chain, strings.Join(chain.Supported(), ", "))
		}
	}
	return reqs, nil
}

type approveRequest struct {
	Chain           string `json:"chain"`
	Owner           string `json:"owner"`
	TokenIdentifier string `json:"tokenIdentifier"`
	Spender         string `json:"spender"`
	Amount          string `json:"amount"`
}

func (s *server) approve(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	tx, err := s.deps.Approvals.Build(r.Context(), strings.ToLower(req.Chain), req.Owner, req.TokenIdentifier, req.Spender, req.Amount)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, tx)
}

func (s *server) findToken(w http.ResponseWriter, r *http.Request) {
	query := chi.URLParam(r, "query")
	searchType := r.URL.Query().Get("type")
	if searchType == "" {
		searchType = r.URL.Query().Get("searchType")
	}
	switch searchType {
	case "", token.SearchSymbol, token.SearchName, token.SearchAddress:
	default:
		writeError(w, r, model.InvalidInput("type must be one of: symbol, name, address"))
		return
	}
	tok := s.deps.Tokens.Find(query, searchType)
	if tok == nil {
		writeError(w, r, model.NotFound("Token not found for query: %s", query))
		return
	}
	writeJSON(w, map[string]any{"token": tok})
}
