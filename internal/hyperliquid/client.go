// Package hyperliquid reads perpetual positions and open orders from the
// Hyperliquid info endpoint.
package hyperliquid

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"defi-aggregator/internal/httpx"
	"defi-aggregator/internal/model"
)

const DefaultInfoURL = "https://api.hyperliquid.xyz/info"

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// MarginSummary is an account level margin summary. Values are decimal strings.
type MarginSummary struct {
	AccountValue    string `json:"accountValue"`
	TotalMarginUsed string `json:"totalMarginUsed"`
	TotalNtlPos     string `json:"totalNtlPos"`
	TotalRawUSD     string `json:"totalRawUsd"`
}

// Position is an open perpetual position.
type Position struct {
	Symbol             string   `json:"symbol"`
	EntryPrice         float64  `json:"entryPrice"`
	MarkPrice          float64  `json:"markPrice"`
	Size               float64  `json:"size"`
	Side               string   `json:"side"`
	Leverage           float64  `json:"leverage"`
	LeverageType       string   `json:"leverageType"`
	MaxLeverage        *float64 `json:"maxLeverage,omitempty"`
	UnrealizedPnl      float64  `json:"unrealizedPnl"`
	LiquidationPrice   float64  `json:"liquidationPrice"`
	MarginUsed         float64  `json:"marginUsed"`
	PositionValue      float64  `json:"positionValue"`
	FundingRate        float64  `json:"fundingRate"`
	FundingPaid        float64  `json:"fundingPaid"`
	FundingSinceOpen   float64  `json:"fundingSinceOpen"`
	FundingSinceChange float64  `json:"fundingSinceChange"`
	ROE                float64  `json:"roe"`
	PositionID         string   `json:"positionId"`
}

// ClearinghouseState is a user's margin summaries and positions.
type ClearinghouseState struct {
	MarginSummary      MarginSummary `json:"marginSummary"`
	CrossMarginSummary MarginSummary `json:"crossMarginSummary"`
	Positions          []Position    `json:"positions"`
}

// Order is an open order as shown by the Hyperliquid frontend.
type Order struct {
	OID              int64   `json:"oid"`
	Asset            string  `json:"asset"`
	Side             string  `json:"side"`
	LimitPx          string  `json:"limitPx"`
	Sz               string  `json:"sz"`
	Timestamp        int64   `json:"timestamp"`
	OrigSz           string  `json:"origSz"`
	IsTrigger        bool    `json:"isTrigger"`
	TriggerPx        string  `json:"triggerPx"`
	TriggerCondition string  `json:"triggerCondition"`
	ReduceOnly       bool    `json:"reduceOnly"`
	OrderType        string  `json:"orderType"`
	TIF              *string `json:"tif"`
	CLOID            *string `json:"cloid"`
	IsPositionTpsl   bool    `json:"isPositionTpsl"`
}

type rawPosition struct {
	Coin       string `json:"coin"`
	Szi        string `json:"szi"`
	EntryPx    string `json:"entryPx"`
	CumFunding *struct {
		AllTime     string `json:"allTime"`
		SinceOpen   string `json:"sinceOpen"`
		SinceChange string `json:"sinceChange"`
	} `json:"cumFunding"`
	Leverage *struct {
		Type  string   `json:"type"`
		Value *float64 `json:"value"`
	} `json:"leverage"`
	LiquidationPx  *string  `json:"liquidationPx"`
	MarginUsed     string   `json:"marginUsed"`
	MaxLeverage    *float64 `json:"maxLeverage"`
	PositionValue  string   `json:"positionValue"`
	ReturnOnEquity string   `json:"returnOnEquity"`
	UnrealizedPnl  string   `json:"unrealizedPnl"`
}

type rawState struct {
	AssetPositions []struct {
		Position rawPosition `json:"position"`
	} `json:"assetPositions"`
	MarginSummary      MarginSummary `json:"marginSummary"`
	CrossMarginSummary MarginSummary `json:"crossMarginSummary"`
}

type rawOrder struct {
	Coin             string  `json:"coin"`
	OID              int64   `json:"oid"`
	Side             string  `json:"side"`
	LimitPx          string  `json:"limitPx"`
	Sz               string  `json:"sz"`
	Timestamp        int64   `json:"timestamp"`
	OrigSz           string  `json:"origSz"`
	IsTrigger        bool    `json:"isTrigger"`
	TriggerPx        string  `json:"triggerPx"`
	TriggerCondition string  `json:"triggerCondition"`
	ReduceOnly       bool    `json:"reduceOnly"`
	OrderType        string  `json:"orderType"`
	TIF              *string `json:"tif"`
	CLOID            *string `json:"cloid"`
	IsPositionTpsl   bool    `json:"isPositionTpsl"`
}

// Client queries the info endpoint.
type Client struct {
	url    string
	http   *httpx.Client
	logger zerolog.Logger
	now    func() time.Time
}

// New builds a client. An empty url uses the public endpoint.
func New(url string, http *httpx.Client, logger zerolog.Logger) *Client {
	if strings.TrimSpace(url) == "" {
		url = DefaultInfoURL
	}
	return &Client{
		url:    url,
		http:   http,
		logger: logger.With().Str("component", "hyperliquid").Logger(),
		now:    time.Now,
	}
}

func validateUser(user string) error {
	if !addressPattern.MatchString(strings.TrimSpace(user)) {
		return model.InvalidInput("Invalid address format")
	}
	return nil
}

func (c *Client) info(ctx context.Context, kind, user string, out any) error {
	return c.http.PostJSON(ctx, c.url, map[string]string{"type": kind, "user": strings.TrimSpace(user)}, out)
}

// ClearinghouseState returns the user's positions and margin. It returns
// nil without an error when the upstream call fails.
func (c *Client) ClearinghouseState(ctx context.Context, user string) (*ClearinghouseState, error) {
	if err := validateUser(user); err != nil {
		return nil, err
	}
	var raw *rawState
	if err := c.info(ctx, "clearinghouseState", user, &raw); err != nil {
		c.logger.Error().Err(err).Str("user", user).Msg("fetch clearinghouse state failed")
		return nil, nil
	}
	if raw == nil {
		c.logger.Warn().Str("user", user).Msg("no clearinghouse state")
		return nil, nil
	}

	ts := c.now().UnixMilli()
	state := &ClearinghouseState{
		MarginSummary:      raw.MarginSummary,
		CrossMarginSummary: raw.CrossMarginSummary,
		Positions:          make([]Position, 0, len(raw.AssetPositions)),
	}
	for _, ap := range raw.AssetPositions {
		state.Positions = append(state.Positions, convertPosition(ap.Position, ts))
	}
	return state, nil
}

func convertPosition(p rawPosition, ts int64) Position {
	szi := num(p.Szi)
	size := szi.Abs()
	side := "short"
	if szi.IsPositive() {
		side = "long"
	}
	margin := num(p.MarginUsed)
	notional := num(p.PositionValue)
	pnl := num(p.UnrealizedPnl)

	out := Position{
		Symbol:        p.Coin,
		EntryPrice:    num(p.EntryPx).InexactFloat64(),
		Size:          size.InexactFloat64(),
		Side:          side,
		Leverage:      1,
		LeverageType:  "cross",
		MaxLeverage:   p.MaxLeverage,
		UnrealizedPnl: pnl.InexactFloat64(),
		MarginUsed:    margin.InexactFloat64(),
		PositionValue: notional.InexactFloat64(),
		PositionID:    fmt.Sprintf("%s-%s-%d", p.Coin, side, ts),
	}
	if p.LiquidationPx != nil {
		out.LiquidationPrice = num(*p.LiquidationPx).InexactFloat64()
	}
	if size.IsPositive() {
		out.MarkPrice = notional.Div(size).InexactFloat64()
		if margin.IsPositive() {
			out.Leverage = notional.Div(margin).InexactFloat64()
		}
	}
	if p.Leverage != nil {
		if p.Leverage.Value != nil && *p.Leverage.Value != 0 {
			out.Leverage = *p.Leverage.Value
		}
		if p.Leverage.Type != "" {
			out.LeverageType = p.Leverage.Type
		}
	}
	if p.CumFunding != nil {
		out.FundingPaid = num(p.CumFunding.AllTime).InexactFloat64()
		out.FundingSinceOpen = num(p.CumFunding.SinceOpen).InexactFloat64()
		out.FundingSinceChange = num(p.CumFunding.SinceChange).InexactFloat64()
	}

	hundred := decimal.NewFromInt(100)
	switch {
	case strings.TrimSpace(p.ReturnOnEquity) != "":
		out.ROE = num(p.ReturnOnEquity).Mul(hundred).InexactFloat64()
	case margin.IsPositive():
		out.ROE = pnl.Div(margin).Mul(hundred).InexactFloat64()
	}
	return out
}

// OpenOrders returns the user's open orders. Upstream failures yield an
// empty list.
func (c *Client) OpenOrders(ctx context.Context, user string) ([]Order, error) {
	if err := validateUser(user); err != nil {
		c.logger.Warn().Str("user", user).Msg("invalid address format")
		return nil, err
	}
	var raw []rawOrder
	if err := c.info(ctx, "frontendOpenOrders", user, &raw); err != nil {
		c.logger.Error().Err(err).Str("user", user).Msg("fetch open orders failed")
		return []Order{}, nil
	}
	orders := make([]Order, 0, len(raw))
	for _, o := range raw {
		orders = append(orders, Order{
			OID:              o.OID,
			Asset:            o.Coin,
			Side:             o.Side,
			LimitPx:          o.LimitPx,
			Sz:               o.Sz,
			Timestamp:        o.Timestamp,
			OrigSz:           o.OrigSz,
			IsTrigger:        o.IsTrigger,
			TriggerPx:        o.TriggerPx,
			TriggerCondition: o.TriggerCondition,
			ReduceOnly:       o.ReduceOnly,
			OrderType:        o.OrderType,
			TIF:              o.TIF,
			CLOID:            o.CLOID,
			IsPositionTpsl:   o.IsPositionTpsl,
		})
	}
	c.logger.Debug().Str("user", user).Int("orders", len(orders)).Msg("open orders fetched")
	return orders, nil
}

func num(s string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero
	}
	return d
}
