package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"defi-aggregator/internal/aave"
	"defi-aggregator/internal/config"
	"defi-aggregator/internal/hyperliquid"
	"defi-aggregator/internal/markets"
	"defi-aggregator/internal/metrics"
	"defi-aggregator/internal/model"
	"defi-aggregator/internal/morpho"
	"defi-aggregator/internal/positions"
	"defi-aggregator/internal/token"
	"defi-aggregator/internal/tools"
	"defi-aggregator/internal/yield"
)

const wallet = "0x00000000000000000000000000000000000a11ce"

type fakeMarkets struct{ last markets.Filter }

func (f *fakeMarkets) AllMarkets(_ context.Context, filter markets.Filter) (*markets.Response, error) {
	f.last = filter
	if filter.Protocol == "compound" {
		return nil, model.InvalidInput("protocol must be one of: aave, morpho")
	}
	return &markets.Response{Protocols: []markets.ProtocolPools{{Protocol: model.ProtocolAave}}}, nil
}

type fakePositions struct{}

func (fakePositions) All(_ context.Context, address, _, _ string) (*positions.Response, error) {
	if address != wallet {
		return nil, model.InvalidInput("address must be a valid EVM address")
	}
	return &positions.Response{TotalValueUSD: 42}, nil
}

type fakeYield struct{ last yield.Query }

func (f *fakeYield) Top(_ context.Context, q yield.Query) ([]model.YieldOpportunity, error) {
	f.last = q
	return []model.YieldOpportunity{{Protocol: "aave", APY: "3.00"}}, nil
}

type fakeAave struct{ calls []string }

func (f *fakeAave) op(name, chain string, req aave.OperationRequest) (*model.OperationResponse, error) {
	f.calls = append(f.calls, name+":"+chain+":"+string(req.Amount))
	if req.Amount == "" {
		return nil, model.InvalidInput("amount is required")
	}
	return &model.OperationResponse{ChainID: 8453}, nil
}

func (f *fakeAave) Supply(_ context.Context, c string, r aave.OperationRequest) (*model.OperationResponse, error) {
	return f.op("supply", c, r)
}

func (f *fakeAave) Withdraw(_ context.Context, c string, r aave.OperationRequest) (*model.OperationResponse, error) {
	return f.op("withdraw", c, r)
}

func (f *fakeAave) Borrow(_ context.Context, c string, r aave.OperationRequest) (*model.OperationResponse, error) {
	return f.op("borrow", c, r)
}

func (f *fakeAave) Repay(_ context.Context, c string, r aave.OperationRequest) (*model.OperationResponse, error) {
	return f.op("repay", c, r)
}

func (f *fakeAave) Chains() []string { return []string{"arbitrum", "base"} }

func (f *fakeAave) Markets(_ context.Context, chain, _ string) (model.MarketResult, error) {
	if chain == "arbitrum" {
		return model.MarketResult{}, model.Upstream(nil, "rpc down")
	}
	return model.MarketResult{Protocol: model.ProtocolAave, Chain: chain, Aave: &model.AaveMarket{Name: "Aave v3 " + chain}}, nil
}

func (f *fakeAave) Positions(_ context.Context, _, _ string) ([]model.PositionPool, error) {
	return []model.PositionPool{{Name: "Aave v3 base"}}, nil
}

type fakeMorpho struct{ deposits []string }

func (f *fakeMorpho) Borrow(_ context.Context, req morpho.BorrowRequest) (*model.OperationResponse, error) {
	return &model.OperationResponse{ChainID: 1}, nil
}

func (f *fakeMorpho) Deposit(_ context.Context, chain string, req morpho.EarnRequest) (*model.OperationResponse, error) {
	f.deposits = append(f.deposits, chain+":"+req.VaultIdentifier)
	return &model.OperationResponse{ChainID: 8453}, nil
}

func (f *fakeMorpho) Withdraw(_ context.Context, _ string, _ morpho.EarnRequest) (*model.OperationResponse, error) {
	return nil, model.NotFound("vault not found")
}

type fakePerps struct{}

func (fakePerps) ClearinghouseState(_ context.Context, user string) (*hyperliquid.ClearinghouseState, error) {
	if user == wallet {
		return &hyperliquid.ClearinghouseState{}, nil
	}
	return nil, nil
}

func (fakePerps) OpenOrders(_ context.Context, _ string) ([]hyperliquid.Order, error) {
	return []hyperliquid.Order{}, nil
}

type fakeTokens struct{ refreshed int }

func (f *fakeTokens) Find(query, _ string) *token.Token {
	if strings.EqualFold(query, "usdc") {
		return &token.Token{ID: "usd-coin", Symbol: "usdc", Name: "USDC"}
	}
	return nil
}

func (f *fakeTokens) Status() token.Status {
	return token.Status{TotalTokens: 2, Pages: []token.PageStatus{{Page: 1}}}
}

func (f *fakeTokens) Refresh(context.Context) error {
	f.refreshed++
	return nil
}

type fakeBalances struct{ reqs []token.BalanceRequest }

func (f *fakeBalances) Single(_ context.Context, _, chain, identifier string) (token.Balance, error) {
	return token.Balance{Chain: chain, Balance: "1.5", Token: model.TokenInfo{Symbol: identifier}}, nil
}

func (f *fakeBalances) Multiple(_ context.Context, _ string, reqs []token.BalanceRequest) ([]token.Balance, error) {
	f.reqs = reqs
	return make([]token.Balance, len(reqs)), nil
}

type fakeApprovals struct{}

func (fakeApprovals) Build(_ context.Context, chain, owner, _, spender, _ string) (token.ApprovalTx, error) {
	return token.ApprovalTx{ChainID: 8453, From: owner, To: spender}, nil
}

type fixture struct {
	handler  http.Handler
	markets  *fakeMarkets
	yield    *fakeYield
	aave     *fakeAave
	morpho   *fakeMorpho
	tokens   *fakeTokens
	balances *fakeBalances
}

func newFixture(t *testing.T, mutate func(*Deps)) *fixture {
	t.Helper()
	f := &fixture{
		markets:  &fakeMarkets{},
		yield:    &fakeYield{},
		aave:     &fakeAave{},
		morpho:   &fakeMorpho{},
		tokens:   &fakeTokens{},
		balances: &fakeBalances{},
	}
	deps := Deps{
		Server:    config.ServerConfig{RequestTimeout: 5 * time.Second},
		Auth:      config.AuthConfig{AdminKey: "admin"},
		Logger:    zerolog.Nop(),
		Metrics:   metrics.New("test"),
		Markets:   f.markets,
		Positions: fakePositions{},
		Yield:     f.yield,
		Aave:      f.aave,
		Morpho:    f.morpho,
		Perps:     fakePerps{},
		Tokens:    f.tokens,
		Balances:  f.balances,
		Approvals: fakeApprovals{},
	}
	deps.Tools = tools.New(tools.Services{Markets: f.markets, Tokens: f.tokens}, zerolog.Nop())
	if mutate != nil {
		mutate(&deps)
	}
	f.handler = New(deps)
	return f
}

func (f *fixture) do(t *testing.T, method, target, body string, header map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	var out map[string]any
	if strings.HasPrefix(strings.TrimSpace(rec.Body.String()), "{") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func TestMarketsRoute(t *testing.T) {
	f := newFixture(t, nil)

	rec, body := f.do(t, http.MethodGet, "/markets?protocol=aave&chain=base&collateralTokenSymbol=WETH&sortBy=supply_apy&limit=5", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["protocols"], 1)
	assert.Equal(t, markets.Filter{Protocol: "aave", Chain: "base", Collateral: "WETH", SortBy: "supply_apy", Limit: 5}, f.markets.last)

	rec, body = f.do(t, http.MethodGet, "/markets?limit=abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "InvalidInput", body["error"])

	rec, _ = f.do(t, http.MethodGet, "/markets?protocol=compound", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "非法协议应返回 400")
}

func TestPositionsAndYieldRoutes(t *testing.T) {
	f := newFixture(t, nil)

	rec, body := f.do(t, http.MethodGet, "/positions/"+wallet, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, 42.0, body["totalValueUsd"], 1e-9)

	rec, _ = f.do(t, http.MethodGet, "/positions/0x123", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = f.do(t, http.MethodGet, "/yield?asset=USDC&minApy=2.5&limit=3", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["opportunities"], 1)
	require.NotNil(t, f.yield.last.MinAPY)
	assert.InDelta(t, 2.5, *f.yield.last.MinAPY, 1e-9)
	assert.Equal(t, 3, f.yield.last.Limit)

	rec, body = f.do(t, http.MethodGet, "/yield?minApy=high", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "minApy must be a number", body["message"])
}

func TestAaveRoutes(t *testing.T) {
	f := newFixture(t, nil)

	rec, body := f.do(t, http.MethodGet, "/beta/v0/aave/markets", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := body["markets"].([]any)
	require.Len(t, list, 1, "失败的链应被跳过")
	assert.Equal(t, "base", list[0].(map[string]any)["chain"])

	rec, _ = f.do(t, http.MethodGet, "/beta/v0/aave/markets?chain=arbitrum", "", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code, "单链失败应返回上游错误")

	rec, body = f.do(t, http.MethodGet, "/beta/v0/aave/market/polygon", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Unsupported", body["error"])

	rec, body = f.do(t, http.MethodGet, "/beta/v0/aave/position/Base/"+wallet, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "base", body["chain"])

	rec, body = f.do(t, http.MethodPost, "/beta/v0/aave/supply/base", `{"asset":"USDC","amount":"10","sender":"`+wallet+`"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 8453, body["chainId"])

	rec, _ = f.do(t, http.MethodPost, "/beta/v0/aave/repay/base", `{"asset":"USDC","amount":2.5}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"supply:base:10", "repay:base:2.5"}, f.aave.calls)

	rec, body = f.do(t, http.MethodPost, "/beta/v0/aave/borrow/base", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "request body is required", body["message"])

	rec, _ = f.do(t, http.MethodPost, "/beta/v0/aave/withdraw/base", "{not json", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMorphoAndHyperliquidRoutes(t *testing.T) {
	f := newFixture(t, nil)

	rec, _ := f.do(t, http.MethodPost, "/beta/v0/morpho/borrow", `{"chain":"mainnet","sender":"`+wallet+`"}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/beta/v0/morpho/earn/deposit/BASE", `{"assetSymbol":"USDC","amount":"1","vaultIdentifier":"steakhouse"}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"base:steakhouse"}, f.morpho.deposits)

	rec, _ = f.do(t, http.MethodPost, "/beta/v0/morpho/earn/withdraw/base", `{"assetSymbol":"USDC"}`, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/hyperliquid/positions/"+wallet, "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/hyperliquid/positions/0xunknown", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "null", strings.TrimSpace(rec.Body.String()), "未知账户应返回 null")

	rec, _ = f.do(t, http.MethodGet, "/hyperliquid/open-orders/"+wallet, "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
}

func TestTokenRoutes(t *testing.T) {
	f := newFixture(t, nil)

	rec, body := f.do(t, http.MethodGet, "/tokens/USDC", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "usd-coin", body["token"].(map[string]any)["id"])

	rec, body = f.do(t, http.MethodGet, "/tokens/nothing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Token not found for query: nothing", body["message"])

	rec, _ = f.do(t, http.MethodGet, "/tokens/usdc?type=ticker", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = f.do(t, http.MethodGet, "/tokens/cache/status", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := body["cacheStatus"].(map[string]any)
	assert.EqualValues(t, 2, status["totalTokens"])
	assert.Nil(t, status["pages"], "非详细模式不应返回分页信息")

	_, body = f.do(t, http.MethodGet, "/tokens/cache/status?detailed=true", "", nil)
	assert.Len(t, body["cacheStatus"].(map[string]any)["pages"], 1)

	rec, body = f.do(t, http.MethodPost, "/tokens/cache/refresh", "", map[string]string{"x-api-key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Invalid API key", body["message"])
	assert.Zero(t, f.tokens.refreshed)

	rec, body = f.do(t, http.MethodPost, "/tokens/cache/refresh", "", map[string]string{"x-api-key": "admin"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, 1, f.tokens.refreshed)
}

func TestBalanceAndApprovalRoutes(t *testing.T) {
	f := newFixture(t, nil)

	rec, body := f.do(t, http.MethodGet, "/tokens/balances/single?walletAddress="+wallet+"&chain=Base&tokenIdentifier=USDC", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "base", body["balance"].(map[string]any)["chain"])

	tokens := url.QueryEscape(`[{"chain":"mainnet","tokenIdentifier":"ETH"},{"chain":"Base","tokenIdentifier":"USDC"}]`)
	rec, body = f.do(t, http.MethodGet, "/tokens/balances/multiple?walletAddress="+wallet+"&tokens="+tokens, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["balances"], 2)
	assert.Equal(t, []token.BalanceRequest{{Chain: "mainnet", TokenIdentifier: "ETH"}, {Chain: "base", TokenIdentifier: "USDC"}}, f.balances.reqs)

	for _, raw := range []string{"", "nope", "[]", `[{"chain":"solana","tokenIdentifier":"SOL"}]`} {
		rec, _ = f.do(t, http.MethodGet, "/tokens/balances/multiple?walletAddress="+wallet+"&tokens="+url.QueryEscape(raw), "", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, raw)
	}

	rec, body = f.do(t, http.MethodPost, "/tokens/approve", `{"chain":"base","owner":"`+wallet+`","tokenIdentifier":"USDC","spender":"0xspender","amount":"10"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0xspender", body["to"])
}

func TestToolRoutes(t *testing.T) {
	f := newFixture(t, nil)

	rec, body := f.do(t, http.MethodGet, "/tools", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["tools"], 2)

	rec, body = f.do(t, http.MethodPost, "/tools/find_token", `{"query":"usdc"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotNil(t, body["result"])

	rec, _ = f.do(t, http.MethodPost, "/tools/get_markets", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "空参数应视为 {}")

	rec, _ = f.do(t, http.MethodPost, "/tools/nope", "{}", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouterAuthAndFallbacks(t *testing.T) {
	f := newFixture(t, func(d *Deps) {
		d.Auth.Enabled = true
		d.Auth.Keys = []string{"secret"}
		d.Aave = nil
	})

	rec, _ := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "健康检查无需密钥")

	rec, body := f.do(t, http.MethodGet, "/markets", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "API key is missing", body["message"])

	rec, _ = f.do(t, http.MethodGet, "/markets", "", map[string]string{"Authorization": "Bearer secret"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/beta/v0/aave/markets", "", map[string]string{"x-api-key": "secret"})
	assert.Equal(t, http.StatusNotFound, rec.Code, "未配置的服务不应挂载路由")

	rec, _ = f.do(t, http.MethodDelete, "/markets", "", map[string]string{"x-api-key": "secret"})
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "test_http_requests_total")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestIndex(t *testing.T) {
	f := newFixture(t, nil)
	rec, body := f.do(t, http.MethodGet, "/", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "defi-aggregator", body["name"])
	assert.Equal(t, "dev", body["build"].(map[string]any)["version"])
}
