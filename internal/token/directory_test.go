package token

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"defi-aggregator/internal/httpx"
	"defi-aggregator/internal/model"
)

const usdcBase = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"

const coinList = `[
 {"id":"usd-coin","symbol":"usdc","name":"USDC","platforms":{"ethereum":"0xa0b86991c6218b36c1d19d4a2e9eb10ce3606eb48","base":"0x833589fcd6edb6e08f4c7c32d4f71b54bda02913"}},
 {"id":"fake-usdc","symbol":"usdc","name":"Fake USDC","platforms":{"base":"0x1111111111111111111111111111111111111111"}},
 {"id":"ethereum","symbol":"eth","name":"Ethereum","platforms":{}},
 {"id":"chainlink","symbol":"link","name":"Chainlink","platforms":{"ethereum":"0x514910771af9ca656af840dff83e8264ecf986ca"}}
]`

type coingecko struct {
	srv       *httptest.Server
	pageCalls atomic.Int32
	failPages map[string]bool
	block     chan struct{}
	mu        sync.Mutex
}

func newCoinGecko(t *testing.T) *coingecko {
	t.Helper()
	cg := &coingecko{failPages: map[string]bool{}}
	cg.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/coins/list":
			w.Write([]byte(coinList))
		case "/coins/markets":
			cg.pageCalls.Add(1)
			cg.mu.Lock()
			block := cg.block
			fail := cg.failPages[r.URL.Query().Get("page")]
			cg.mu.Unlock()
			if block != nil {
				<-block
			}
			if fail {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			if r.URL.Query().Get("page") == "1" {
				w.Write([]byte(`[
 {"id":"usd-coin","symbol":"usdc","name":"USDC","market_cap":60000000000,"current_price":1},
 {"id":"fake-usdc","symbol":"usdc","name":"Fake USDC","market_cap":1000,"current_price":0.9},
 {"id":"ethereum","symbol":"eth","name":"Ethereum","market_cap":400000000000,"current_price":3500}
]`))
				return
			}
			w.Write([]byte(`[{"id":"chainlink","symbol":"link","name":"Chainlink","market_cap":9000000000,"current_price":15}]`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(cg.srv.Close)
	return cg
}

func (cg *coingecko) directory(pages int) *Directory {
	client := httpx.New("coingecko", httpx.WithMaxRetries(0), httpx.WithTimeout(2*time.Second))
	d := NewDirectory(Options{
		BaseURL:     cg.srv.URL,
		Pages:       pages,
		PerPage:     250,
		PageRetries: 1,
		StaleAfter:  time.Hour,
	}, client, nil, nil, zerolog.Nop())
	d.sleep = func(context.Context, time.Duration) error { return nil }
	return d
}

func TestFindOnEmptyDirectory(t *testing.T) {
	cg := newCoinGecko(t)
	assert.Nil(t, cg.directory(1).Find("usdc", ""), "空目录应返回 nil")
}

func TestExactSymbolBeatsFuzzy(t *testing.T) {
	cg := newCoinGecko(t)
	d := cg.directory(2)
	require.NoError(t, d.Refresh(context.Background()))
	assert.Equal(t, 4, d.Len())

	tok := d.Find("USDC", "")
	require.NotNil(t, tok)
	assert.Equal(t, "usd-coin", tok.ID, "同符号时应选市值最高者")

	tok = d.Find("chainlink", "")
	require.NotNil(t, tok)
	assert.Equal(t, "link", tok.Symbol, "应按名称精确匹配")

	tok = d.Find("chainlnk", "")
	require.NotNil(t, tok, "模糊匹配应命中")
	assert.Equal(t, "chainlink", tok.ID)

	assert.Nil(t, d.Find("qqqzzzxxx", ""), "无意义查询应返回 nil")
	assert.Nil(t, d.Find("cnk", ""), "零散的子序列命中不应被当作结果")
	assert.Nil(t, d.Find("eum", ""), "零散的子序列命中不应被当作结果")
	assert.Nil(t, d.Find("Ethereum", SearchSymbol), "按符号搜索不应命中名称")
}

func TestFindByAddress(t *testing.T) {
	cg := newCoinGecko(t)
	d := cg.directory(1)
	require.NoError(t, d.Refresh(context.Background()))

	tok := d.Find(usdcBase, "")
	require.NotNil(t, tok)
	assert.Equal(t, "usd-coin", tok.ID)
	assert.Nil(t, d.Find("0x0000000000000000000000000000000000000001", ""))
}

func TestFailedPageKeepsPreviousTokens(t *testing.T) {
	cg := newCoinGecko(t)
	d := cg.directory(2)
	require.NoError(t, d.Refresh(context.Background()))
	require.NotNil(t, d.Find("link", ""))

	cg.mu.Lock()
	cg.failPages["2"] = true
	cg.mu.Unlock()
	require.NoError(t, d.Refresh(context.Background()), "部分页面失败不应报错")
	assert.NotNil(t, d.Find("link", ""), "失败页面的旧数据应保留")

	st := d.Status()
	require.Len(t, st.Pages, 2)
	assert.Equal(t, 2, st.Pages[0].SuccessCount)
	assert.Equal(t, 1, st.Pages[1].SuccessCount)
	assert.Equal(t, 1, st.Pages[1].FailureCount)
	assert.False(t, st.IsStale)
}

func TestRefreshFailsWhenAllPagesFail(t *testing.T) {
	cg := newCoinGecko(t)
	cg.failPages["1"] = true
	d := cg.directory(1)

	err := d.Refresh(context.Background())
	require.Error(t, err)
	assert.Equal(t, model.KindUpstreamUnavailable, model.KindOf(err))
	assert.Equal(t, int32(2), cg.pageCalls.Load(), "应按配置重试")
	assert.True(t, d.Status().IsStale)
}

func TestConcurrentRefreshIsCoalesced(t *testing.T) {
	cg := newCoinGecko(t)
	cg.block = make(chan struct{})
	d := cg.directory(1)

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = d.Refresh(context.Background())
		}(i)
	}
	require.Eventually(t, func() bool { return cg.pageCalls.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, d.Status().Refreshing)
	time.Sleep(50 * time.Millisecond)
	close(cg.block)
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, fmt.Sprintf("第 %d 个调用", i))
	}
	assert.Equal(t, int32(1), cg.pageCalls.Load(), "并发刷新只应请求一次")
	assert.Equal(t, 3, d.Len())
}

func TestPagesRefreshOldestFirst(t *testing.T) {
	cg := newCoinGecko(t)
	d := cg.directory(3)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	d.pages[1].LastRefreshed = base.Add(2 * time.Hour)
	d.pages[2].LastRefreshed = base
	d.pages[3].LastRefreshed = base.Add(time.Hour)

	assert.Equal(t, []int{2, 3, 1}, d.pageOrder())
}

func TestFindReturnsCopy(t *testing.T) {
	cg := newCoinGecko(t)
	d := cg.directory(1)
	require.NoError(t, d.Refresh(context.Background()))

	tok := d.Find("usdc", "")
	require.NotNil(t, tok)
	tok.Symbol = "changed"
	tok.Platforms["base"] = "0x0"

	again := d.Find("usdc", "")
	require.NotNil(t, again)
	assert.Equal(t, "usdc", again.Symbol, "调用方修改不应影响目录")
	assert.Equal(t, "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913", again.Platforms["base"])
}

func TestFindDuringRefresh(t *testing.T) {
	cg := newCoinGecko(t)
	d := cg.directory(2)
	require.NoError(t, d.Refresh(context.Background()))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 5; i++ {
			assert.NoError(t, d.Refresh(context.Background()))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			if tok := d.Find("usdc", ""); tok != nil {
				_ = fmt.Sprintf("%s %s %v", tok.Symbol, tok.Name, tok.Platforms)
			}
		}
	}()
	wg.Wait()
}
