package model

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// Protocol names a supported lending protocol.
type Protocol string

const (
	ProtocolAave   Protocol = "aave"
	ProtocolMorpho Protocol = "morpho"
)

// Reward is an incentive paid on top of the base rate.
type Reward struct {
	RewardTokenSymbol  string `json:"rewardTokenSymbol"`
	RewardTokenAddress string `json:"rewardTokenAddress"`
	RewardAPR          string `json:"rewardApr"`
}

// Asset is one side of a lending market. Quantities are base-unit integer
// strings; USD and APY values are fixed to two decimals.
type Asset struct {
	UnderlyingSymbol string   `json:"underlyingSymbol"`
	TokenAddress     string   `json:"tokenAddress,omitempty"`
	TotalSupply      string   `json:"totalSupply"`
	TotalSupplyUSD   string   `json:"totalSupplyUsd"`
	TotalBorrow      string   `json:"totalBorrow"`
	TotalBorrowUSD   string   `json:"totalBorrowUsd"`
	Liquidity        string   `json:"liquidity"`
	LiquidityUSD     string   `json:"liquidityUsd"`
	SupplyAPY        string   `json:"supplyApy"`
	BorrowAPY        string   `json:"borrowApy"`
	IsCollateral     bool     `json:"isCollateral"`
	LTV              string   `json:"ltv"`
	Rewards          []Reward `json:"rewards"`
}

// MatchesSymbol reports whether the asset answers a symbol filter.
func (a Asset) MatchesSymbol(symbol string) bool {
	return SymbolMatches(symbol, a.UnderlyingSymbol)
}

// SymbolMatches compares case-insensitively. A "usdc" query also matches
// the bridged variants (USDC.e, USDbC).
func SymbolMatches(query, symbol string) bool {
	q := strings.ToLower(strings.TrimSpace(query))
	s := strings.ToLower(strings.TrimSpace(symbol))
	if q == s {
		return true
	}
	return q == "usdc" && (strings.HasPrefix(s, "usdc") || s == "usdbc")
}

// APYValue returns the borrow or supply APY as a number for ordering.
func (a Asset) APYValue(borrow bool) float64 {
	if borrow {
		return APYValue(a.BorrowAPY)
	}
	return APYValue(a.SupplyAPY)
}

// Pool is a lending market or vault on one chain.
type Pool struct {
	Name          string  `json:"name"`
	PoolID        string  `json:"poolId"`
	TotalValueUSD float64 `json:"totalValueUsd"`
	Assets        []Asset `json:"assets"`
}

// AaveReserve is a decoded Aave reserve ready for normalisation.
type AaveReserve struct {
	Symbol          string
	OriginalSymbol  string
	Address         string
	Decimals        int
	TotalSupply     *big.Int
	TotalBorrow     *big.Int
	Price           *big.Int
	LiquidityRate   *big.Int
	BorrowRate      *big.Int
	LTV             *big.Int
	CollateralUsage bool
}

// AaveMarket is the Aave variant of MarketResult.
type AaveMarket struct {
	Name        string
	PoolAddress string
	Reserves    []AaveReserve
}

// MorphoAsset describes one token in a Morpho market.
type MorphoAsset struct {
	Address  string
	Symbol   string
	Decimals int
	PriceUSD float64
}

// MorphoReward is an incentive reported by the Morpho API.
type MorphoReward struct {
	Asset     MorphoAsset
	SupplyAPR float64
	BorrowAPR float64
}

// MorphoMarketData is one Morpho Blue market as reported by the API.
type MorphoMarketData struct {
	UniqueKey           string
	Collateral          MorphoAsset
	Loan                MorphoAsset
	LLTV                string
	SupplyAssets        string
	SupplyAssetsUSD     float64
	BorrowAssets        string
	BorrowAssetsUSD     float64
	CollateralAssets    string
	CollateralAssetsUSD float64
	LiquidityAssets     string
	LiquidityAssetsUSD  float64
	SupplyAPY           float64
	BorrowAPY           float64
	Rewards             []MorphoReward
}

// MorphoMarket is the Morpho variant of MarketResult.
type MorphoMarket struct {
	Markets []MorphoMarketData
}

// MarketQuery narrows an adapter's market read. Empty fields match all.
type MarketQuery struct {
	PoolID     string
	Collateral string
	Borrow     string
}

// MarketResult is a tagged adapter result. Exactly the payload matching
// Protocol is set.
type MarketResult struct {
	Protocol Protocol
	Chain    string
	Aave     *AaveMarket
	Morpho   *MorphoMarket
}

// Validate checks the tag and payload agree and the payload is well formed.
func (r MarketResult) Validate() error {
	if r.Chain == "" {
		return errors.New("market result: chain is empty")
	}
	switch r.Protocol {
	case ProtocolAave:
		if r.Aave == nil || r.Morpho != nil {
			return fmt.Errorf("market result: aave tag with mismatched payload")
		}
		for _, reserve := range r.Aave.Reserves {
			if reserve.Symbol == "" || reserve.TotalSupply == nil || reserve.TotalBorrow == nil {
				return fmt.Errorf("market result: incomplete aave reserve %q", reserve.Address)
			}
		}
	case ProtocolMorpho:
		if r.Morpho == nil || r.Aave != nil {
			return fmt.Errorf("market result: morpho tag with mismatched payload")
		}
		for _, m := range r.Morpho.Markets {
			if m.UniqueKey == "" || m.Collateral.Symbol == "" || m.Loan.Symbol == "" {
				return fmt.Errorf("market result: incomplete morpho market %q", m.UniqueKey)
			}
		}
	default:
		return fmt.Errorf("market result: unknown protocol %q", r.Protocol)
	}
	return nil
}

// Pools normalises the payload into the shared pool shape.
func (r MarketResult) Pools() []Pool {
	switch r.Protocol {
	case ProtocolAave:
		if r.Aave == nil {
			return nil
		}
		return []Pool{aavePool(*r.Aave)}
	case ProtocolMorpho:
		if r.Morpho == nil {
			return nil
		}
		pools := make([]Pool, 0, len(r.Morpho.Markets))
		for _, m := range r.Morpho.Markets {
			pools = append(pools, morphoPool(m))
		}
		return pools
	}
	return nil
}

var bps = decimal.NewFromInt(10000)

func aavePool(m AaveMarket) Pool {
	pool := Pool{Name: m.Name, PoolID: m.PoolAddress, Assets: make([]Asset, 0, len(m.Reserves))}
	tvl := decimal.Zero
	for _, r := range m.Reserves {
		supplyUSD := USDValue(r.TotalSupply, r.Decimals, r.Price)
		borrowUSD := USDValue(r.TotalBorrow, r.Decimals, r.Price)
		liquidity := new(big.Int).Sub(r.TotalSupply, r.TotalBorrow)
		// Rounded independently so that supply - borrow == liquidity holds on the rendered values.
		supplyFixed := supplyUSD.Round(2)
		borrowFixed := borrowUSD.Round(2)

		ltv := decimal.Zero
		if r.LTV != nil {
			ltv = decimal.NewFromBigInt(r.LTV, 0).Div(bps)
		}

		pool.Assets = append(pool.Assets, Asset{
			UnderlyingSymbol: r.Symbol,
			TokenAddress:     r.Address,
			TotalSupply:      r.TotalSupply.String(),
			TotalSupplyUSD:   Fixed2(supplyFixed),
			TotalBorrow:      r.TotalBorrow.String(),
			TotalBorrowUSD:   Fixed2(borrowFixed),
			Liquidity:        liquidity.String(),
			LiquidityUSD:     Fixed2(supplyFixed.Sub(borrowFixed)),
			SupplyAPY:        FormatAPY(r.LiquidityRate),
			BorrowAPY:        FormatAPY(r.BorrowRate),
			IsCollateral:     r.CollateralUsage,
			LTV:              Fixed2(ltv),
			Rewards:          []Reward{},
		})
		tvl = tvl.Add(supplyFixed)
	}
	pool.TotalValueUSD, _ = tvl.Float64()
	return pool
}

func morphoPool(m MorphoMarketData) Pool {
	lltv := decimal.Zero
	if parsed, err := decimal.NewFromString(m.LLTV); err == nil {
		lltv = parsed.Div(Wad)
	}

	supplyRewards := make([]Reward, 0)
	borrowRewards := make([]Reward, 0)
	for _, rw := range m.Rewards {
		if rw.SupplyAPR > 0 {
			supplyRewards = append(supplyRewards, Reward{
				RewardTokenSymbol:  rw.Asset.Symbol,
				RewardTokenAddress: rw.Asset.Address,
				RewardAPR:          FormatPercent(rw.SupplyAPR * 100),
			})
		}
		if rw.BorrowAPR > 0 {
			borrowRewards = append(borrowRewards, Reward{
				RewardTokenSymbol:  rw.Asset.Symbol,
				RewardTokenAddress: rw.Asset.Address,
				RewardAPR:          FormatPercent(rw.BorrowAPR * 100),
			})
		}
	}

	supplyUSD := decimal.NewFromFloat(m.SupplyAssetsUSD).Round(2)
	borrowUSD := decimal.NewFromFloat(m.BorrowAssetsUSD).Round(2)
	collateralUSD := decimal.NewFromFloat(m.CollateralAssetsUSD).Round(2)

	liquidity := m.LiquidityAssets
	if strings.TrimSpace(liquidity) == "" {
		liquidity = subtractInts(m.SupplyAssets, m.BorrowAssets)
	}

	collateral := Asset{
		UnderlyingSymbol: m.Collateral.Symbol,
		TokenAddress:     m.Collateral.Address,
		TotalSupply:      orZero(m.CollateralAssets),
		TotalSupplyUSD:   Fixed2(collateralUSD),
		TotalBorrow:      "0",
		TotalBorrowUSD:   "0.00",
		Liquidity:        orZero(m.CollateralAssets),
		LiquidityUSD:     Fixed2(collateralUSD),
		SupplyAPY:        "0.00",
		BorrowAPY:        "0.00",
		IsCollateral:     true,
		LTV:              Fixed2(lltv),
		Rewards:          supplyRewards,
	}
	loan := Asset{
		UnderlyingSymbol: m.Loan.Symbol,
		TokenAddress:     m.Loan.Address,
		TotalSupply:      orZero(m.SupplyAssets),
		TotalSupplyUSD:   Fixed2(supplyUSD),
		TotalBorrow:      orZero(m.BorrowAssets),
		TotalBorrowUSD:   Fixed2(borrowUSD),
		Liquidity:        orZero(liquidity),
		LiquidityUSD:     Fixed2(supplyUSD.Sub(borrowUSD)),
		SupplyAPY:        FormatPercent(m.SupplyAPY * 100),
		BorrowAPY:        FormatPercent(m.BorrowAPY * 100),
		IsCollateral:     false,
		LTV:              "0.00",
		Rewards:          borrowRewards,
	}

	tvl, _ := supplyUSD.Add(borrowUSD).Float64()
	return Pool{
		Name:          fmt.Sprintf("%s / %s", m.Collateral.Symbol, m.Loan.Symbol),
		PoolID:        m.UniqueKey,
		TotalValueUSD: tvl,
		Assets:        []Asset{collateral, loan},
	}
}

func orZero(v string) string {
	if strings.TrimSpace(v) == "" {
		return "0"
	}
	return v
}

func subtractInts(a, b string) string {
	x, ok := new(big.Int).SetString(strings.TrimSpace(a), 10)
	if !ok {
		return "0"
	}
	y, ok := new(big.Int).SetString(strings.TrimSpace(b), 10)
	if !ok {
		return x.String()
	}
	return x.Sub(x, y).String()
}
