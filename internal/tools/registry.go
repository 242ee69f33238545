// Package tools exposes the aggregation services as named tools with JSON
// Schema parameter definitions, for agent and function-calling clients.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"defi-aggregator/internal/aave"
	"defi-aggregator/internal/hyperliquid"
	"defi-aggregator/internal/markets"
	"defi-aggregator/internal/model"
	"defi-aggregator/internal/morpho"
	"defi-aggregator/internal/positions"
	"defi-aggregator/internal/token"
	"defi-aggregator/internal/yield"
)

// MarketLister is satisfied by *markets.Service.
type MarketLister interface {
	AllMarkets(ctx context.Context, f markets.Filter) (*markets.Response, error)
}

// PositionReader is satisfied by *positions.Service.
type PositionReader interface {
	All(ctx context.Context, address, protocol, chain string) (*positions.Response, error)
}

// YieldRanker is satisfied by *yield.Service.
type YieldRanker interface {
	Top(ctx context.Context, q yield.Query) ([]model.YieldOpportunity, error)
}

// AaveOperations is satisfied by *aave.Service.
type AaveOperations interface {
	Supply(ctx context.Context, chain string, req aave.OperationRequest) (*model.OperationResponse, error)
	Withdraw(ctx context.Context, chain string, req aave.OperationRequest) (*model.OperationResponse, error)
	Borrow(ctx context.Context, chain string, req aave.OperationRequest) (*model.OperationResponse, error)
	Repay(ctx context.Context, chain string, req aave.OperationRequest) (*model.OperationResponse, error)
}

// MorphoOperations is satisfied by *morpho.Service.
type MorphoOperations interface {
	Borrow(ctx context.Context, req morpho.BorrowRequest) (*model.OperationResponse, error)
	Deposit(ctx context.Context, chain string, req morpho.EarnRequest) (*model.OperationResponse, error)
	Withdraw(ctx context.Context, chain string, req morpho.EarnRequest) (*model.OperationResponse, error)
}

// Perps is satisfied by *hyperliquid.Client.
type Perps interface {
	ClearinghouseState(ctx context.Context, user string) (*hyperliquid.ClearinghouseState, error)
	OpenOrders(ctx context.Context, user string) ([]hyperliquid.Order, error)
}

// TokenFinder is satisfied by *token.Directory.
type TokenFinder interface {
	Find(query, searchType string) *token.Token
}

// Services are the backends tools dispatch to. A nil service disables its tools.
type Services struct {
	Markets   MarketLister
	Positions PositionReader
	Yield     YieldRanker
	Aave      AaveOperations
	Morpho    MorphoOperations
	Perps     Perps
	Tokens    TokenFinder
}

// HandlerFunc runs a tool with its raw JSON arguments.
type HandlerFunc func(ctx context.Context, args json.RawMessage) (any, error)

// Tool is a named operation with a parameter schema.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`

	handler HandlerFunc
}

// Registry holds the available tools.
type Registry struct {
	tools  map[string]Tool
	logger zerolog.Logger
}

// New registers a tool for every configured service.
func New(svc Services, logger zerolog.Logger) *Registry {
	r := &Registry{tools: make(map[string]Tool), logger: logger.With().Str("component", "tools").Logger()}
	for _, t := range definitions(svc) {
		r.tools[t.Name] = t
	}
	return r
}

// List returns the tools ordered by name.
func (r *Registry) List() []Tool {
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Call validates args against the tool's required parameters and runs it.
func (r *Registry) Call(ctx context.Context, name string, args json.RawMessage) (any, error) {
	t, ok := r.tools[name]
	if !ok {
		return nil, model.NotFound("tool %s not found", name)
	}
	args = bytes.TrimSpace(args)
	if len(args) == 0 || bytes.Equal(args, []byte("null")) {
		args = json.RawMessage("{}")
	}

	var present map[string]any
	if err := json.Unmarshal(args, &present); err != nil {
		return nil, model.InvalidInput("tool arguments must be a JSON object")
	}
	var missing []string
	for _, field := range required(t.Parameters) {
		v, ok := present[field]
		if s, isString := v.(string); !ok || v == nil || (isString && strings.TrimSpace(s) == "") {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return nil, model.InvalidInput("missing required arguments: %s", strings.Join(missing, ", "))
	}

	start := time.Now()
	out, err := t.handler(ctx, args)
	event := r.logger.Info()
	if err != nil {
		event = r.logger.Warn().Err(err).Str("kind", string(model.KindOf(err)))
	}
	event.Str("tool", name).Dur("took", time.Since(start)).Msg("tool called")
	return out, err
}

// bind decodes args into a fresh T and hands it to fn.
func bind[T any](fn func(ctx context.Context, args T) (any, error)) HandlerFunc {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var args T
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, model.InvalidInput("invalid tool arguments: %v", err)
		}
		return fn(ctx, args)
	}
}
