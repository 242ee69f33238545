// Package token indexes CoinGecko tokens and resolves them on supported chains.
package token

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sahilm/fuzzy"

	"defi-aggregator/internal/httpx"
	"defi-aggregator/internal/metrics"
	"defi-aggregator/internal/model"
	"defi-aggregator/internal/onchain"
)

const (
	SearchSymbol  = "symbol"
	SearchName    = "name"
	SearchAddress = "address"

	// DefaultFuzzyMinScore rejects scattered subsequence hits such as
	// "cnk" for Chainlink while keeping real typos such as "chainlnk".
	DefaultFuzzyMinScore = 20

	fuzzyCandidates = 10
	refreshPoll     = 200 * time.Millisecond
)

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// IsAddress reports whether s is a 0x-prefixed 20-byte hex address.
func IsAddress(s string) bool {
	return addressPattern.MatchString(s)
}

// Token is a directory entry.
type Token struct {
	ID        string            `json:"id"`
	Symbol    string            `json:"symbol"`
	Name      string            `json:"name"`
	Platforms map[string]string `json:"platforms"`
	MarketCap float64           `json:"marketCap"`
	PriceUSD  float64           `json:"priceUsd"`
}

// PageStatus records the refresh history of one markets page.
type PageStatus struct {
	Page          int       `json:"page"`
	LastRefreshed time.Time `json:"lastRefreshed"`
	SuccessCount  int       `json:"successCount"`
	FailureCount  int       `json:"failureCount"`
}

// Status summarises the directory.
type Status struct {
	TotalTokens int          `json:"totalTokens"`
	LastUpdated time.Time    `json:"lastUpdated"`
	IsStale     bool         `json:"isStale"`
	Refreshing  bool         `json:"refreshing"`
	Pages       []PageStatus `json:"pages"`
}

// Options tune the refresh loop.
type Options struct {
	BaseURL        string
	Pages          int
	PerPage        int
	PageCooldown   time.Duration
	PageRetries    int
	PageRetryDelay time.Duration
	StaleAfter     time.Duration
	FuzzyMinScore  int
}

// Directory is an in-memory token index refreshed page by page.
type Directory struct {
	opts    Options
	client  *httpx.Client
	clients onchain.Clients
	metrics *metrics.Metrics
	logger  zerolog.Logger
	sleep   func(context.Context, time.Duration) error
	now     func() time.Time

	refreshing atomic.Bool

	mu          sync.RWMutex
	tokens      map[string]*Token
	bySymbol    map[string][]string
	byName      map[string][]string
	platforms   map[string]map[string]string
	pages       map[int]*PageStatus
	lastUpdated time.Time
}

// NewDirectory builds an empty directory. The client should not retry on
// its own; pages are retried here. clients serve FindOnChain.
func NewDirectory(opts Options, client *httpx.Client, clients onchain.Clients, m *metrics.Metrics, logger zerolog.Logger) *Directory {
	if opts.Pages <= 0 {
		opts.Pages = 10
	}
	if opts.PerPage <= 0 {
		opts.PerPage = 250
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = time.Hour
	}
	if opts.FuzzyMinScore <= 0 {
		opts.FuzzyMinScore = DefaultFuzzyMinScore
	}
	d := &Directory{
		opts:      opts,
		client:    client,
		clients:   clients,
		metrics:   m,
		logger:    logger.With().Str("component", "token_directory").Logger(),
		sleep:     sleepContext,
		now:       time.Now,
		tokens:    make(map[string]*Token),
		bySymbol:  make(map[string][]string),
		byName:    make(map[string][]string),
		platforms: make(map[string]map[string]string),
		pages:     make(map[int]*PageStatus),
	}
	for page := 1; page <= opts.Pages; page++ {
		d.pages[page] = &PageStatus{Page: page}
	}
	return d
}

type listedCoin struct {
	ID        string            `json:"id"`
	Symbol    string            `json:"symbol"`
	Name      string            `json:"name"`
	Platforms map[string]string `json:"platforms"`
}

type marketCoin struct {
	ID           string  `json:"id"`
	Symbol       string  `json:"symbol"`
	Name         string  `json:"name"`
	MarketCap    float64 `json:"market_cap"`
	CurrentPrice float64 `json:"current_price"`
}

// Refresh reloads platforms and market pages. Concurrent callers wait for
// the running refresh instead of starting another.
func (d *Directory) Refresh(ctx context.Context) error {
	if !d.refreshing.CompareAndSwap(false, true) {
		d.logger.Debug().Msg("refresh already running, waiting")
		ticker := time.NewTicker(refreshPoll)
		defer ticker.Stop()
		for d.refreshing.Load() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
		return nil
	}
	defer d.refreshing.Store(false)

	start := d.now()
	if err := d.loadPlatforms(ctx); err != nil {
		d.logger.Warn().Err(err).Msg("platform list fetch failed, keeping previous addresses")
	}

	order := d.pageOrder()
	succeeded := 0
	for i, page := range order {
		coins, err := d.fetchPage(ctx, page)
		d.recordPage(page, err == nil)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.logger.Warn().Err(err).Int("page", page).Msg("markets page failed")
		} else {
			succeeded++
			d.merge(coins)
			d.logger.Debug().Int("page", page).Int("tokens", len(coins)).Msg("markets page merged")
		}
		if i < len(order)-1 && d.opts.PageCooldown > 0 {
			if err := d.sleep(ctx, d.opts.PageCooldown); err != nil {
				return err
			}
		}
	}

	if succeeded == 0 {
		return model.Upstream(errors.New("all markets pages failed"), "token directory refresh failed")
	}

	d.mu.Lock()
	d.lastUpdated = d.now()
	total := len(d.tokens)
	d.mu.Unlock()

	d.metrics.SetTokenCount(total)
	d.logger.Info().
		Int("tokens", total).
		Int("pages_ok", succeeded).
		Int("pages", len(order)).
		Dur("elapsed", d.now().Sub(start)).
		Msg("token directory refreshed")
	return nil
}

func (d *Directory) loadPlatforms(ctx context.Context) error {
	var coins []listedCoin
	endpoint := d.baseURL() + "/coins/list?include_platform=true"
	if err := d.client.GetJSON(ctx, endpoint, &coins); err != nil {
		return err
	}
	platforms := make(map[string]map[string]string, len(coins))
	for _, c := range coins {
		if len(c.Platforms) == 0 {
			continue
		}
		addrs := make(map[string]string, len(c.Platforms))
		for platform, addr := range c.Platforms {
			if addr != "" {
				addrs[platform] = addr
			}
		}
		platforms[c.ID] = addrs
	}

	d.mu.Lock()
	d.platforms = platforms
	for id, tok := range d.tokens {
		if addrs, ok := platforms[id]; ok {
			tok.Platforms = addrs
		}
	}
	d.mu.Unlock()
	return nil
}

func (d *Directory) pageOrder() []int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	order := make([]int, 0, len(d.pages))
	for page := range d.pages {
		order = append(order, page)
	}
	sort.Slice(order, func(i, j int) bool {
		a, b := d.pages[order[i]], d.pages[order[j]]
		if !a.LastRefreshed.Equal(b.LastRefreshed) {
			return a.LastRefreshed.Before(b.LastRefreshed)
		}
		return a.Page < b.Page
	})
	return order
}

func (d *Directory) fetchPage(ctx context.Context, page int) ([]marketCoin, error) {
	endpoint := fmt.Sprintf("%s/coins/markets?vs_currency=usd&order=market_cap_desc&per_page=%d&page=%d",
		d.baseURL(), d.opts.PerPage, page)
	delay := d.opts.PageRetryDelay
	var lastErr error
	for attempt := 0; attempt <= d.opts.PageRetries; attempt++ {
		if attempt > 0 {
			if err := d.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}
		var coins []marketCoin
		err := d.client.GetJSON(ctx, endpoint, &coins)
		if err == nil {
			return coins, nil
		}
		lastErr = err
		if httpx.StatusOf(err) == http.StatusTooManyRequests {
			delay *= 2
		}
	}
	return nil, lastErr
}

func (d *Directory) recordPage(page int, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.pages[page]
	if ok {
		st.SuccessCount++
		st.LastRefreshed = d.now()
		return
	}
	st.FailureCount++
}

func (d *Directory) merge(coins []marketCoin) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range coins {
		if c.ID == "" {
			continue
		}
		tok, exists := d.tokens[c.ID]
		if !exists {
			tok = &Token{ID: c.ID}
			d.tokens[c.ID] = tok
		} else {
			d.unindex(tok)
		}
		tok.Symbol = c.Symbol
		tok.Name = c.Name
		tok.MarketCap = c.MarketCap
		tok.PriceUSD = c.CurrentPrice
		if addrs, ok := d.platforms[c.ID]; ok {
			tok.Platforms = addrs
		}
		d.index(tok)
	}
}

func (d *Directory) index(tok *Token) {
	if s := strings.ToLower(tok.Symbol); s != "" {
		d.bySymbol[s] = append(d.bySymbol[s], tok.ID)
	}
	if n := strings.ToLower(tok.Name); n != "" {
		d.byName[n] = append(d.byName[n], tok.ID)
	}
}

func (d *Directory) unindex(tok *Token) {
	d.bySymbol[strings.ToLower(tok.Symbol)] = removeID(d.bySymbol[strings.ToLower(tok.Symbol)], tok.ID)
	d.byName[strings.ToLower(tok.Name)] = removeID(d.byName[strings.ToLower(tok.Name)], tok.ID)
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// Find looks a token up by address, exact symbol or name, then fuzzily.
// It returns nil when nothing matches well enough. The result is a copy the
// caller owns; refreshes never touch it.
func (d *Directory) Find(query, searchType string) *Token {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lookup(query, searchType).clone()
}

func (t *Token) clone() *Token {
	if t == nil {
		return nil
	}
	out := *t
	if t.Platforms != nil {
		out.Platforms = make(map[string]string, len(t.Platforms))
		for k, v := range t.Platforms {
			out.Platforms[k] = v
		}
	}
	return &out
}

func (d *Directory) lookup(query, searchType string) *Token {
	if len(d.tokens) == 0 {
		return nil
	}

	if searchType == SearchAddress || IsAddress(query) {
		return d.findAddress(query)
	}

	lower := strings.ToLower(query)
	if searchType != SearchName {
		if tok := d.best(d.bySymbol[lower]); tok != nil {
			return tok
		}
	}
	if searchType != SearchSymbol {
		if tok := d.best(d.byName[lower]); tok != nil {
			return tok
		}
	}
	return d.findFuzzy(query, searchType)
}

func (d *Directory) findAddress(addr string) *Token {
	var found *Token
	for _, tok := range d.tokens {
		for _, a := range tok.Platforms {
			if strings.EqualFold(a, addr) && (found == nil || tok.MarketCap > found.MarketCap) {
				found = tok
			}
		}
	}
	return found
}

func (d *Directory) best(ids []string) *Token {
	var found *Token
	for _, id := range ids {
		tok := d.tokens[id]
		if tok != nil && (found == nil || tok.MarketCap > found.MarketCap) {
			found = tok
		}
	}
	return found
}

type fuzzyHit struct {
	tok   *Token
	score int
}

func (d *Directory) findFuzzy(query, searchType string) *Token {
	ids := make([]string, 0, len(d.tokens))
	symbols := make([]string, 0, len(d.tokens))
	names := make([]string, 0, len(d.tokens))
	for id, tok := range d.tokens {
		ids = append(ids, id)
		symbols = append(symbols, tok.Symbol)
		names = append(names, tok.Name)
	}

	hits := make(map[string]fuzzyHit)
	collect := func(matches fuzzy.Matches) {
		for i, m := range matches {
			if i == fuzzyCandidates {
				break
			}
			id := ids[m.Index]
			if prev, ok := hits[id]; !ok || m.Score > prev.score {
				hits[id] = fuzzyHit{tok: d.tokens[id], score: m.Score}
			}
		}
	}
	if searchType != SearchName {
		collect(fuzzy.Find(query, symbols))
	}
	if searchType != SearchSymbol {
		collect(fuzzy.Find(query, names))
	}
	if len(hits) == 0 {
		return nil
	}

	ranked := make([]fuzzyHit, 0, len(hits))
	for _, h := range hits {
		ranked = append(ranked, h)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].tok.MarketCap > ranked[j].tok.MarketCap
	})
	if ranked[0].score < d.opts.FuzzyMinScore {
		return nil
	}
	return ranked[0].tok
}

// Status reports index size, freshness and page history.
func (d *Directory) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()
	pages := make([]PageStatus, 0, len(d.pages))
	for _, p := range d.pages {
		pages = append(pages, *p)
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].Page < pages[j].Page })
	return Status{
		TotalTokens: len(d.tokens),
		LastUpdated: d.lastUpdated,
		IsStale:     d.lastUpdated.IsZero() || d.now().Sub(d.lastUpdated) > d.opts.StaleAfter,
		Refreshing:  d.refreshing.Load(),
		Pages:       pages,
	}
}

// Len returns the number of indexed tokens.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.tokens)
}

func (d *Directory) baseURL() string {
	return strings.TrimRight(d.opts.BaseURL, "/")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
