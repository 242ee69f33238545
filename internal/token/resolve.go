package token

import (
	"context"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"defi-aggregator/internal/chain"
	"defi-aggregator/internal/model"
	"defi-aggregator/internal/onchain"
)

// Some bridged stables report decimals inconsistently across RPCs.
var decimalOverrides = map[string]int{
	"USDC":  6,
	"USDT":  6,
	"USDBC": 6,
	"PYUSD": 6,
}

// FindOnChain resolves a symbol, name or address to the token deployed on
// chainID, reading decimals from the contract.
func (d *Directory) FindOnChain(ctx context.Context, chainID, query string) (model.TokenInfo, error) {
	c, ok := chain.Lookup(chainID)
	if !ok {
		return model.TokenInfo{}, model.Unsupported("unsupported chain: %s", chainID)
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return model.TokenInfo{}, model.InvalidInput("token identifier is required")
	}
	if d.clients == nil {
		return model.TokenInfo{}, model.Unsupported("on-chain lookups are not configured")
	}

	info := model.TokenInfo{ChainID: c.NumericID}
	platform := chain.PlatformForChain(c.ID)

	if IsAddress(query) {
		info.Address = common.HexToAddress(query).Hex()
		if tok := d.Find(query, SearchAddress); tok != nil {
			info.Symbol = strings.ToUpper(tok.Symbol)
			info.Name = tok.Name
		}
	} else {
		tok := d.Find(query, "")
		if tok == nil {
			return model.TokenInfo{}, model.NotFound("Token %s not found", query)
		}
		addr := tok.Platforms[platform]
		if addr == "" {
			return model.TokenInfo{}, model.NotFound("Token %s is not available on %s", query, c.ID)
		}
		info.Address = common.HexToAddress(addr).Hex()
		info.Symbol = strings.ToUpper(tok.Symbol)
		info.Name = tok.Name
	}

	reader, err := onchain.ReaderFor(ctx, d.clients, c.ID)
	if err != nil {
		return model.TokenInfo{}, err
	}
	token := common.HexToAddress(info.Address)
	if info.Symbol == "" {
		if info.Symbol, err = reader.Symbol(ctx, token); err != nil {
			return model.TokenInfo{}, err
		}
		if name, err := reader.Name(ctx, token); err == nil {
			info.Name = name
		}
	}
	if dec, ok := decimalOverrides[strings.ToUpper(info.Symbol)]; ok {
		info.Decimals = dec
		return info, nil
	}
	if info.Decimals, err = reader.Decimals(ctx, token); err != nil {
		return model.TokenInfo{}, err
	}
	return info, nil
}
