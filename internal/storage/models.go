package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// APIKey is a row of the api_keys table.
type APIKey struct {
	ID        int64
	Key       string
	Name      string
	Status    string
	CreatedAt time.Time
	LastUsed  *time.Time
}

// MarketSnapshot records one asset of one pool at a point in time.
type MarketSnapshot struct {
	TakenAt      time.Time
	Protocol     string
	Chain        string
	PoolID       string
	PoolName     string
	Symbol       string
	SupplyAPY    decimal.Decimal
	BorrowAPY    decimal.Decimal
	TVLUSD       decimal.Decimal
	LiquidityUSD decimal.Decimal
}
