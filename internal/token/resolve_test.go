package token

import (
	"context"
	"math/big"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"defi-aggregator/internal/chain"
	"defi-aggregator/internal/model"
	"defi-aggregator/internal/onchain"
	"defi-aggregator/internal/onchain/onchaintest"
)

const (
	wallet    = "0x00000000000000000000000000000000000000aa"
	linkToken = "0x514910771AF9Ca656af840dff83E8264EcF986CA"
)

type fixedPrice map[string]decimal.Decimal

func (f fixedPrice) TokenPrice(_ context.Context, _, symbol, _ string) decimal.Decimal {
	return f[symbol]
}

func loadedDirectory(t *testing.T) (*Directory, *onchaintest.Fake, *onchaintest.Fake) {
	t.Helper()
	cg := newCoinGecko(t)
	base, mainnet := onchaintest.New(), onchaintest.New()
	reg := chain.NewRegistry(nil, zerolog.Nop())
	reg.SetClient("base", base)
	reg.SetClient("mainnet", mainnet)

	d := cg.directory(2)
	d.clients = reg
	require.NoError(t, d.Refresh(context.Background()))
	return d, base, mainnet
}

func TestFindOnChainUsesDecimalOverride(t *testing.T) {
	d, base, _ := loadedDirectory(t)

	info, err := d.FindOnChain(context.Background(), "base", "usdc")
	require.NoError(t, err)
	assert.Equal(t, int64(8453), info.ChainID)
	assert.Equal(t, usdcBase, info.Address)
	assert.Equal(t, "USDC", info.Symbol)
	assert.Equal(t, 6, info.Decimals)
	assert.Zero(t, base.Calls(), "稳定币小数位不应读链")
}

func TestFindOnChainReadsDecimals(t *testing.T) {
	d, _, mainnet := loadedDirectory(t)
	mainnet.Return(onchaintest.Addr(linkToken), &onchain.ERC20ABI, "decimals", uint8(18))

	info, err := d.FindOnChain(context.Background(), "mainnet", "LINK")
	require.NoError(t, err)
	assert.Equal(t, 18, info.Decimals)
	assert.Equal(t, linkToken, info.Address)
}

func TestFindOnChainMissingPlatform(t *testing.T) {
	d, _, _ := loadedDirectory(t)

	_, err := d.FindOnChain(context.Background(), "base", "link")
	require.Error(t, err)
	assert.Equal(t, model.KindNotFound, model.KindOf(err))

	_, err = d.FindOnChain(context.Background(), "base", "qqqzzzxxx")
	assert.Equal(t, model.KindNotFound, model.KindOf(err))

	_, err = d.FindOnChain(context.Background(), "solana", "usdc")
	assert.Equal(t, model.KindUnsupported, model.KindOf(err))
}

func TestSingleBalance(t *testing.T) {
	d, base, _ := loadedDirectory(t)
	base.On(onchaintest.Addr(usdcBase), &onchain.ERC20ABI, "balanceOf", func(args []any) ([]any, error) {
		return []any{big.NewInt(12_345_678)}, nil
	})
	reg := d.clients
	b := NewBalances(d, reg, fixedPrice{"USDC": decimal.NewFromInt(1)}, zerolog.Nop())

	bal, err := b.Single(context.Background(), wallet, "base", "USDC")
	require.NoError(t, err)
	assert.Equal(t, "12.345678", bal.Balance)
	assert.Equal(t, "12345678", bal.BalanceRaw)
	assert.Equal(t, "12.35", bal.BalanceUSD)
	assert.Equal(t, int64(8453), bal.ChainID)

	_, err = b.Single(context.Background(), "nope", "base", "USDC")
	assert.Equal(t, model.KindInvalidInput, model.KindOf(err))
}

func TestMultipleBalancesSkipsFailures(t *testing.T) {
	d, base, _ := loadedDirectory(t)
	base.Return(onchaintest.Addr(usdcBase), &onchain.ERC20ABI, "balanceOf", big.NewInt(1_000_000))
	b := NewBalances(d, d.clients, nil, zerolog.Nop())

	out, err := b.Multiple(context.Background(), wallet, []BalanceRequest{
		{Chain: "base", TokenIdentifier: "usdc"},
		{Chain: "base", TokenIdentifier: "link"},
	})
	require.NoError(t, err)
	require.Len(t, out, 1, "失败项应被跳过")
	assert.Equal(t, "1", out[0].Balance)
	assert.Equal(t, "0.00", out[0].BalanceUSD)
}

func TestApprovalBuild(t *testing.T) {
	d, _, _ := loadedDirectory(t)
	a := NewApprovals(d)
	spender := "0xA238Dd80C259a72e81d7e4664a9801593F98d1c5"

	tx, err := a.Build(context.Background(), "base", wallet, "usdc", spender, "1.5")
	require.NoError(t, err)
	assert.Equal(t, usdcBase, tx.To)
	assert.Equal(t, "0", tx.Value)
	assert.Equal(t, int64(8453), tx.ChainID)

	want, err := onchain.EncodeApprove(onchaintest.Addr(spender), big.NewInt(1_500_000))
	require.NoError(t, err)
	assert.Equal(t, want, tx.Data)

	_, err = a.Build(context.Background(), "base", wallet, "usdc", spender, "1.1234567")
	assert.Equal(t, model.KindInvalidInput, model.KindOf(err), "超出精度应报输入错误")
}
