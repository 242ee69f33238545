package morpho

import (
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"defi-aggregator/internal/cache"
	"defi-aggregator/internal/chain"
	"defi-aggregator/internal/httpx"
	"defi-aggregator/internal/onchain"
	"defi-aggregator/internal/onchain/onchaintest"
)

const (
	wethBase    = "0x4200000000000000000000000000000000000006"
	usdcBase    = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
	degenBase   = "0x4ed4E862860beD51a9570b96d89aF5E1B0Efefed"
	keyWethUSDC = "0x8793cf302b8ffd655ab97bd1c695dbd967807e8367a65cb2f4edaf1380ba1bda"
	keyUSDCWeth = "0x1111111111111111111111111111111111111111111111111111111111111111"
	keyDegen    = "0x2222222222222222222222222222222222222222222222222222222222222222"
	vaultSteak  = "0xbeeF010f9cb27031ad51e3333f9aF9C6B1228183"
	vaultPrime  = "0xc0c5689e6f4D256E861F65465b691aeEcC0dEb12"
	vaultMain   = "0xBEEF01735c132Ada46AA9aA4c54623cAA92A64CB"
	userHex     = "0x00000000000000000000000000000000000a11ce"
)

var (
	user    = common.HexToAddress(userHex)
	baseDep = defaultDeployments["base"]
)

func e(n int64, decimals int) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
}

func jsonAsset(addr, symbol string, decimals int, price float64) map[string]any {
	return map[string]any{"address": addr, "symbol": symbol, "decimals": decimals, "priceUsd": price}
}

func jsonMarket(key string, collateral, loan map[string]any, borrowApy float64) map[string]any {
	return map[string]any{
		"uniqueKey":       key,
		"lltv":            "860000000000000000",
		"collateralAsset": collateral,
		"loanAsset":       loan,
		"state": map[string]any{
			"borrowApy":           borrowApy,
			"borrowAssets":        6000000000,
			"borrowAssetsUsd":     6000.0,
			"collateralAssets":    "5000000000000000000",
			"collateralAssetsUsd": 15000.0,
			"supplyApy":           0.03,
			"supplyAssets":        "10000000000",
			"supplyAssetsUsd":     10000.0,
			"liquidityAssets":     "4000000000",
			"liquidityAssetsUsd":  4000.0,
			"rewards": []any{map[string]any{
				"asset":     jsonAsset("0x00000000000000000000000000000000000000f1", "WELL", 18, 0.02),
				"supplyApr": 0.011,
				"borrowApr": 0,
			}},
		},
	}
}

var (
	weth  = jsonAsset(wethBase, "WETH", 18, 3000)
	usdc  = jsonAsset(usdcBase, "USDC", 6, 1)
	degen = jsonAsset(degenBase, "DEGEN", 18, 0.01)
)

// fakeAPI serves the Morpho GraphQL API and a token list.
type fakeAPI struct {
	srv          *httptest.Server
	vaultQueries atomic.Int32
	listQueries  atomic.Int32
	positions    map[string]any
	vaults       []any
	vaultData    map[string]any
	vaultDelay   time.Duration
	inflight     atomic.Int32
	peak         atomic.Int32
}

func (api *fakeAPI) enter() {
	n := api.inflight.Add(1)
	for {
		p := api.peak.Load()
		if n <= p || api.peak.CompareAndSwap(p, n) {
			return
		}
	}
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	api := &fakeAPI{
		positions: map[string]any{},
		vaultData: map[string]any{},
	}
	whitelisted := []any{
		jsonMarket(keyWethUSDC, weth, usdc, 0.05),
		jsonMarket(keyUSDCWeth, usdc, weth, 0.02),
		map[string]any{"uniqueKey": "0xdead", "collateralAsset": weth, "loanAsset": nil},
	}
	all := append([]any{jsonMarket(keyDegen, degen, usdc, 0.2)}, whitelisted...)

	mux := http.NewServeMux()
	mux.HandleFunc("/tokens.json", func(w http.ResponseWriter, r *http.Request) {
		api.listQueries.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"tokens": []any{
			map[string]any{"chainId": 8453, "address": wethBase, "symbol": "WETH", "name": "Wrapped Ether", "decimals": 18},
			map[string]any{"chainId": 1, "address": "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", "symbol": "USDC", "name": "USD Coin", "decimals": 6},
		}})
	})
	mux.HandleFunc("/graphql", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Query     string         `json:"query"`
			Variables map[string]any `json:"variables"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		var data any
		switch {
		case strings.Contains(req.Query, "userByAddress"):
			addr, _ := req.Variables["address"].(string)
			data = map[string]any{"userByAddress": api.positions[strings.ToLower(addr)]}
		case strings.Contains(req.Query, "vaultByAddress"):
			api.enter()
			time.Sleep(api.vaultDelay)
			api.inflight.Add(-1)
			addr, _ := req.Variables["address"].(string)
			data = map[string]any{"vaultByAddress": api.vaultData[strings.ToLower(addr)]}
		case strings.Contains(req.Query, "vaults("):
			api.vaultQueries.Add(1)
			data = map[string]any{"vaults": map[string]any{"items": api.vaults}}
		case strings.Contains(req.Query, "markets("):
			where, _ := req.Variables["where"].(map[string]any)
			items := all
			if where["whitelisted"] == true {
				items = whitelisted
			}
			if skip, _ := req.Variables["skip"].(float64); skip > 0 {
				items = nil
			}
			data = map[string]any{"markets": map[string]any{"items": items}}
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{"errors": []any{map[string]any{"message": "unknown query"}}})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
	})
	api.srv = httptest.NewServer(mux)
	t.Cleanup(api.srv.Close)
	return api
}

func fastHTTP() *httpx.Client {
	return httpx.New("test", httpx.WithRetryDelay(time.Millisecond), httpx.WithMaxRetries(1), httpx.WithTimeout(2*time.Second))
}

// fixture wires the adapter to the fake API and an in-memory Base node.
func fixture(t *testing.T) (*Service, *fakeAPI, *onchaintest.Fake) {
	t.Helper()
	api := newFakeAPI(t)
	node := onchaintest.New()
	reg := chain.NewRegistry(nil, zerolog.Nop())
	reg.SetClient("base", node)

	caches := Caches{
		TokenList: cache.MustNew("token_list", time.Hour, cache.Options{MaxItems: 10}),
		Vaults:    cache.MustNew("vaults", time.Hour, cache.Options{MaxItems: 10}),
	}
	t.Cleanup(caches.TokenList.Close)
	t.Cleanup(caches.Vaults.Close)

	svc := New(Options{TokenListURL: api.srv.URL + "/tokens.json"},
		NewGraphQL(api.srv.URL+"/graphql", fastHTTP()), fastHTTP(), reg, caches, zerolog.Nop())
	return svc, api, node
}

func erc20(f *onchaintest.Fake, token, symbol string, decimals uint8) {
	addr := common.HexToAddress(token)
	f.Return(addr, &onchain.ERC20ABI, "symbol", symbol)
	f.Return(addr, &onchain.ERC20ABI, "name", symbol)
	f.Return(addr, &onchain.ERC20ABI, "decimals", decimals)
}

func balanceOf(f *onchaintest.Fake, token string, amount *big.Int) {
	f.Return(common.HexToAddress(token), &onchain.ERC20ABI, "balanceOf", amount)
}

func allowance(f *onchaintest.Fake, token string, amount *big.Int) {
	f.Return(common.HexToAddress(token), &onchain.ERC20ABI, "allowance", amount)
}
