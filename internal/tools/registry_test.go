package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"defi-aggregator/internal/aave"
	"defi-aggregator/internal/hyperliquid"
	"defi-aggregator/internal/markets"
	"defi-aggregator/internal/model"
	"defi-aggregator/internal/morpho"
	"defi-aggregator/internal/positions"
	"defi-aggregator/internal/token"
	"defi-aggregator/internal/yield"
)

type recorder struct {
	filter    markets.Filter
	query     yield.Query
	aaveOp    string
	aaveChain string
	aaveReq   aave.OperationRequest
	borrow    morpho.BorrowRequest
	earn      morpho.EarnRequest
}

func (r *recorder) AllMarkets(_ context.Context, f markets.Filter) (*markets.Response, error) {
	r.filter = f
	return &markets.Response{Protocols: []markets.ProtocolPools{}}, nil
}

func (r *recorder) All(_ context.Context, address, _, _ string) (*positions.Response, error) {
	if address == "" {
		return nil, model.InvalidInput("address required")
	}
	return &positions.Response{TotalValueUSD: 1}, nil
}

func (r *recorder) Top(_ context.Context, q yield.Query) ([]model.YieldOpportunity, error) {
	r.query = q
	return []model.YieldOpportunity{{Protocol: "aave", APY: "3.00"}}, nil
}

func (r *recorder) op(name, chain string, req aave.OperationRequest) (*model.OperationResponse, error) {
	r.aaveOp, r.aaveChain, r.aaveReq = name, chain, req
	return &model.OperationResponse{ChainID: 8453}, nil
}

type aaveRecorder struct{ *recorder }

func (a aaveRecorder) Supply(_ context.Context, c string, req aave.OperationRequest) (*model.OperationResponse, error) {
	return a.op("supply", c, req)
}

func (a aaveRecorder) Withdraw(_ context.Context, c string, req aave.OperationRequest) (*model.OperationResponse, error) {
	return a.op("withdraw", c, req)
}

func (a aaveRecorder) Borrow(_ context.Context, c string, req aave.OperationRequest) (*model.OperationResponse, error) {
	return a.op("borrow", c, req)
}

func (a aaveRecorder) Repay(_ context.Context, c string, req aave.OperationRequest) (*model.OperationResponse, error) {
	return a.op("repay", c, req)
}

type morphoRecorder struct{ *recorder }

func (m morphoRecorder) Borrow(_ context.Context, req morpho.BorrowRequest) (*model.OperationResponse, error) {
	m.borrow = req
	return &model.OperationResponse{}, nil
}

func (m morphoRecorder) Deposit(_ context.Context, _ string, req morpho.EarnRequest) (*model.OperationResponse, error) {
	m.earn = req
	return &model.OperationResponse{}, nil
}

func (m morphoRecorder) Withdraw(_ context.Context, _ string, req morpho.EarnRequest) (*model.OperationResponse, error) {
	m.earn = req
	return &model.OperationResponse{}, nil
}

type perps struct{}

func (perps) ClearinghouseState(context.Context, string) (*hyperliquid.ClearinghouseState, error) {
	return nil, nil
}

func (perps) OpenOrders(context.Context, string) ([]hyperliquid.Order, error) {
	return []hyperliquid.Order{}, nil
}

type tokens map[string]*token.Token

func (t tokens) Find(query, _ string) *token.Token { return t[query] }

func registry(r *recorder) *Registry {
	return New(Services{
		Markets:   r,
		Positions: r,
		Yield:     r,
		Aave:      aaveRecorder{r},
		Morpho:    morphoRecorder{r},
		Perps:     perps{},
		Tokens:    tokens{"WETH": {ID: "weth", Symbol: "weth"}},
	}, zerolog.Nop())
}

func TestListIsSortedWithSchemas(t *testing.T) {
	list := registry(&recorder{}).List()
	names := make([]string, 0, len(list))
	for _, tool := range list {
		names = append(names, tool.Name)
		assert.Equal(t, "object", tool.Parameters["type"], tool.Name)
		assert.NotEmpty(t, tool.Description, tool.Name)
	}
	assert.Equal(t, []string{
		"aave_borrow", "aave_repay", "aave_supply", "aave_withdraw",
		"find_token", "get_markets", "get_positions", "get_yield_opportunities",
		"hyperliquid_open_orders", "hyperliquid_positions",
		"morpho_borrow", "morpho_earn_deposit", "morpho_earn_withdraw",
	}, names)

	raw, err := json.Marshal(list[0])
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"required":["chain","asset","amount","sender"]`)
}

func TestNilServicesDisableTools(t *testing.T) {
	r := New(Services{Tokens: tokens{}}, zerolog.Nop())
	require.Len(t, r.List(), 1)
	_, err := r.Call(context.Background(), "get_markets", nil)
	assert.Equal(t, model.KindNotFound, model.KindOf(err))
}

func TestCallDispatches(t *testing.T) {
	rec := &recorder{}
	r := registry(rec)
	ctx := context.Background()

	_, err := r.Call(ctx, "get_markets", json.RawMessage(`{"asset":"usdc","sortBy":"supply_apy","limit":3}`))
	require.NoError(t, err)
	assert.Equal(t, markets.Filter{Collateral: "usdc", Borrow: "usdc", SortBy: "supply_apy", Limit: 3}, rec.filter)

	out, err := r.Call(ctx, "get_yield_opportunities", json.RawMessage(`{"minApy":2.5}`))
	require.NoError(t, err)
	require.NotNil(t, rec.query.MinAPY)
	assert.Equal(t, 2.5, *rec.query.MinAPY)
	assert.Len(t, out.(map[string]any)["opportunities"], 1)

	_, err = r.Call(ctx, "aave_repay", json.RawMessage(`{"chain":"base","asset":"USDC","amount":12.5,"sender":"0xabc"}`))
	require.NoError(t, err)
	assert.Equal(t, "repay", rec.aaveOp)
	assert.Equal(t, "base", rec.aaveChain)
	assert.Equal(t, model.Amount("12.5"), rec.aaveReq.Amount, "数字金额应保留原文")

	_, err = r.Call(ctx, "morpho_borrow", json.RawMessage(`{"chain":"base","sender":"0xabc","collateralToken":"WETH","collateralAmount":"1","borrowToken":"USDC","borrowAmount":"100"}`))
	require.NoError(t, err)
	assert.Equal(t, "WETH", rec.borrow.CallData.Collateral.Token)
	assert.Equal(t, model.Amount("100"), rec.borrow.CallData.Borrow.Amount)

	_, err = r.Call(ctx, "morpho_earn_withdraw", json.RawMessage(`{"chain":"base","assetSymbol":"USDC","amount":"5","userAddress":"0xabc","vaultIdentifier":"steakhouse"}`))
	require.NoError(t, err)
	assert.Equal(t, "steakhouse", rec.earn.VaultIdentifier)

	out, err = r.Call(ctx, "find_token", json.RawMessage(`{"query":"WETH"}`))
	require.NoError(t, err)
	assert.Equal(t, "weth", out.(map[string]any)["token"].(*token.Token).ID)

	_, err = r.Call(ctx, "find_token", json.RawMessage(`{"query":"NOPE"}`))
	assert.Equal(t, model.KindNotFound, model.KindOf(err))
}

func TestCallValidatesArguments(t *testing.T) {
	r := registry(&recorder{})
	ctx := context.Background()

	_, err := r.Call(ctx, "get_positions", json.RawMessage(`{"address":"  "}`))
	require.Error(t, err)
	assert.Equal(t, model.KindInvalidInput, model.KindOf(err))
	assert.Contains(t, err.Error(), "address")

	_, err = r.Call(ctx, "aave_supply", json.RawMessage(`{"chain":"base"}`))
	assert.Contains(t, err.Error(), "asset, amount, sender")

	_, err = r.Call(ctx, "get_markets", json.RawMessage(`[1,2]`))
	assert.Equal(t, model.KindInvalidInput, model.KindOf(err))

	_, err = r.Call(ctx, "get_markets", json.RawMessage(`{"limit":"many"}`))
	assert.Equal(t, model.KindInvalidInput, model.KindOf(err))

	_, err = r.Call(ctx, "get_markets", nil)
	assert.NoError(t, err, "空参数视为空对象")
}
